package buildsys

import (
	"context"

	"github.com/BWLKyh/gulp-cli-automation/pkg/pagelog"
)

type triggerState struct {
	running bool
	pending bool
}

// Trigger schedules a watch mode run for each of the named tasks and returns immediately.
//
// At most one run per task is in flight. Triggers arriving while a task runs are merged into a single follow-up
// run which starts once the current one finished. Failures are logged and reported to the notifier; they never
// affect other tasks or later triggers. Only the named task runs, its upstream tasks are left alone.
func (s *Scheduler) Trigger(ctx context.Context, names ...string) {
	s.triggerLock.Lock()
	defer s.triggerLock.Unlock()

	if s.closed {
		return
	}

	for _, name := range names {
		st, ok := s.triggers[name]
		if !ok {
			st = &triggerState{}
			s.triggers[name] = st
		}

		if st.running {
			st.pending = true
			continue
		}

		st.running = true
		s.triggerWg.Add(1)
		go s.triggerLoop(ctx, name, st)
	}
}

// Wait blocks until no triggered run is in flight or queued
func (s *Scheduler) Wait() {
	s.triggerWg.Wait()
}

func (s *Scheduler) triggerLoop(ctx context.Context, name string, st *triggerState) {
	defer s.triggerWg.Done()

	for {
		inv := s.newInvocation(true)
		ictx := pagelog.WithFields(ctx, map[string]string{"run": inv.id})
		err := inv.runTask(ictx, name)
		if err != nil {
			pagelog.Log(ictx).Warn().Str("task", name).Msg("Rebuild failed, waiting for changes")
		}

		s.triggerLock.Lock()
		if st.pending && ctx.Err() == nil {
			st.pending = false
			s.triggerLock.Unlock()
			continue
		}

		st.pending = false
		st.running = false
		s.triggerLock.Unlock()
		return
	}
}
