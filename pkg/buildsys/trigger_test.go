package buildsys

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestTriggerCoalesces(t *testing.T) {
	var runs int32
	started := make(chan struct{}, 10)
	release := make(chan struct{})

	s := newTestScheduler(t, Options{},
		Task{Name: "style", Action: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			started <- struct{}{}
			<-release
			return nil
		}},
	)

	ctx := context.Background()
	s.Trigger(ctx, "style")
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first run didn't start")
	}

	// both arrive while the first run is still in flight
	s.Trigger(ctx, "style")
	s.Trigger(ctx, "style", "style")
	close(release)
	s.Wait()

	if got := atomic.LoadInt32(&runs); got != 2 {
		t.Fatalf("expected 2 runs, got %d", got)
	}
}

func TestTriggerIndependentTasks(t *testing.T) {
	var runs int32
	both := make(chan struct{})
	var arrived int32

	// each task waits for the other one, so this only finishes if they run concurrently
	wait := func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		if atomic.AddInt32(&arrived, 1) == 2 {
			close(both)
		}
		select {
		case <-both:
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("timed out waiting for the other task")
		}
	}

	events := &eventLog{}
	s := newTestScheduler(t, Options{Notifier: events},
		Task{Name: "style", Action: wait},
		Task{Name: "script", Action: wait},
	)

	s.Trigger(context.Background(), "style", "script")
	s.Wait()

	if got := atomic.LoadInt32(&runs); got != 2 {
		t.Fatalf("expected 2 runs, got %d", got)
	}
	for _, event := range events.list() {
		if event.Err != nil {
			t.Fatalf("task %s failed: %v", event.Task, event.Err)
		}
	}
}

func TestTriggerKeepsGoingAfterFailure(t *testing.T) {
	var runs int32
	events := &eventLog{}
	s := newTestScheduler(t, Options{Notifier: events},
		Task{Name: "page", Action: func(ctx context.Context) error {
			if atomic.AddInt32(&runs, 1) == 1 {
				return errors.New("template error")
			}
			return nil
		}},
	)

	s.Trigger(context.Background(), "page")
	s.Wait()
	s.Trigger(context.Background(), "page")
	s.Wait()

	got := events.list()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %+v", got)
	}
	if got[0].Err == nil || got[1].Err != nil {
		t.Fatalf("unexpected events %+v", got)
	}
}

func TestTriggerSkipsUpstream(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(t, Options{},
		Task{Name: "style", Action: rec.action("style", nil)},
		Task{Name: "useref", Deps: []string{"style"}, Action: rec.action("useref", nil)},
	)

	s.Trigger(context.Background(), "useref")
	s.Wait()

	if got := rec.list(); len(got) != 1 || got[0] != "useref" {
		t.Fatalf("calls = %v", got)
	}
}

func TestTriggerAfterClose(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(t, Options{}, Task{Name: "style", Action: rec.action("style", nil)})

	s.Close()
	s.Trigger(context.Background(), "style")
	s.Wait()

	if len(rec.list()) != 0 {
		t.Fatal("closed scheduler accepted a trigger")
	}
}
