package buildsys

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"go.uber.org/multierr"

	"github.com/BWLKyh/gulp-cli-automation/pkg/config"
	"github.com/BWLKyh/gulp-cli-automation/pkg/fileset"
	"github.com/BWLKyh/gulp-cli-automation/pkg/notify"
	"github.com/BWLKyh/gulp-cli-automation/pkg/pagelog"
	"github.com/BWLKyh/gulp-cli-automation/pkg/pipeline"
)

// Options contains the optional collaborators of a Scheduler
type Options struct {
	// Cache enables incremental builds; nil disables them
	Cache *Cache
	// Force ignores the cache and always runs every task
	Force bool
	// Notifier receives an event after every task that ran
	Notifier notify.Notifier
	// OnFinish is called whenever a task reaches a terminal state
	OnFinish func(task string, state RunState, err error)
}

// Scheduler executes plans against a task graph. It owns the worker pool: no task work runs anywhere else.
type Scheduler struct {
	cfg      *config.Config
	graph    *Graph
	registry *pipeline.Registry
	opts     Options
	pool     *workerPool

	chainLock sync.Mutex
	chains    map[string]*pipeline.Chain

	triggerLock sync.Mutex
	triggers    map[string]*triggerState
	triggerWg   sync.WaitGroup
	closed      bool
}

// NewScheduler creates a scheduler with cfg.WorkerCount() workers. Call Close() to release them.
func NewScheduler(cfg *config.Config, graph *Graph, registry *pipeline.Registry, opts Options) *Scheduler {
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop
	}

	return &Scheduler{
		cfg:      cfg,
		graph:    graph,
		registry: registry,
		opts:     opts,
		pool:     newWorkerPool(cfg.WorkerCount()),
		chains:   make(map[string]*pipeline.Chain),
		triggers: make(map[string]*triggerState),
	}
}

// Close waits for triggered runs and stops the worker pool
func (s *Scheduler) Close() {
	s.triggerLock.Lock()
	s.closed = true
	s.triggerLock.Unlock()

	s.triggerWg.Wait()
	s.pool.stop()
}

// Tasks returns every task the plan will touch (including implicit upstream tasks) in topological order
func (s *Scheduler) Tasks(plan Plan) ([]string, error) {
	return s.graph.closure(plan.tasks())
}

// Validate checks everything that can be checked without running a task: unknown tasks, unknown stages and
// conflicting outputs. All returned errors are fatal configuration errors.
func (s *Scheduler) Validate(plan Plan) error {
	names, err := s.Tasks(plan)
	if err != nil {
		return err
	}

	for _, name := range names {
		task, _ := s.graph.Task(name)
		if _, err := s.chain(&task); err != nil {
			return err
		}
	}

	return s.graph.checkPlan(plan)
}

// CheckConflicts fails if any two of the passed tasks (or their upstream tasks) may run concurrently while
// writing overlapping outputs
func (s *Scheduler) CheckConflicts(names ...string) error {
	return s.Validate(Run(names...))
}

// Execute runs plan. Every task runs at most once; a task only starts after all of its upstream tasks
// succeeded and a failing task fails all of its dependents. The returned table holds the final state of every
// task touched by the invocation.
//
// Once ctx is cancelled, no further tasks are started. Tasks that are already running finish normally.
func (s *Scheduler) Execute(ctx context.Context, plan Plan) (*RunTable, error) {
	if err := s.Validate(plan); err != nil {
		return nil, err
	}

	inv := s.newInvocation(false)
	ctx = pagelog.WithFields(ctx, map[string]string{"run": inv.id})
	pagelog.Log(ctx).Debug().Msgf("Executing %s", plan)

	start := time.Now()
	err := inv.execute(ctx, plan)
	if err != nil {
		return inv.table, err
	}

	pagelog.Log(ctx).Debug().Msgf("Finished after %s", time.Since(start).Round(time.Millisecond))
	return inv.table, nil
}

func (s *Scheduler) chain(task *Task) (*pipeline.Chain, error) {
	s.chainLock.Lock()
	defer s.chainLock.Unlock()

	if chain, ok := s.chains[task.Name]; ok {
		return chain, nil
	}

	chain, err := pipeline.Compile(s.registry, task.Stages)
	if err != nil {
		return nil, &config.ConfigError{Field: "tasks." + task.Name, Msg: "invalid stage chain", Err: err}
	}
	s.chains[task.Name] = chain
	return chain, nil
}

type invocation struct {
	s     *Scheduler
	id    string
	table *RunTable
	// watch mode runs only the requested task and leaves its upstream tasks alone
	watch bool

	lock sync.Mutex
	done map[string]chan struct{}
}

func (s *Scheduler) newInvocation(watch bool) *invocation {
	return &invocation{
		s:     s,
		id:    nanoid.New(),
		table: newRunTable(),
		watch: watch,
		done:  make(map[string]chan struct{}),
	}
}

func (inv *invocation) execute(ctx context.Context, plan Plan) error {
	switch p := plan.(type) {
	case seriesPlan:
		for _, step := range p {
			if err := ctx.Err(); err != nil {
				return err
			}

			if err := inv.execute(ctx, step); err != nil {
				return err
			}
		}
		return nil
	case parallelPlan:
		return inv.all(len(p), func(idx int) error {
			return inv.execute(ctx, p[idx])
		})
	case runPlan:
		return inv.all(len(p), func(idx int) error {
			return inv.runTask(ctx, p[idx])
		})
	}

	return eris.Errorf("unexpected plan %T", plan)
}

// all calls fn for every index concurrently and combines the failures
func (inv *invocation) all(count int, fn func(idx int) error) error {
	errs := make([]error, count)
	var wg sync.WaitGroup

	wg.Add(count)
	for idx := 0; idx < count; idx++ {
		go func(idx int) {
			defer wg.Done()
			errs[idx] = fn(idx)
		}(idx)
	}
	wg.Wait()

	return combineUnique(errs)
}

// combineUnique merges errors like multierr.Combine but drops repeated ones: a task referenced by several
// branches reports its failure only once.
func combineUnique(errs []error) error {
	var result []error
	for _, err := range errs {
	outer:
		for _, item := range multierr.Errors(err) {
			for _, known := range result {
				if errors.Is(known, item) {
					continue outer
				}
			}
			result = append(result, item)
		}
	}
	return multierr.Combine(result...)
}

// runTask runs name once per invocation. Concurrent callers wait for the first one and share its result.
func (inv *invocation) runTask(ctx context.Context, name string) error {
	inv.lock.Lock()
	if ch, ok := inv.done[name]; ok {
		inv.lock.Unlock()
		<-ch
		return inv.table.Err(name)
	}

	ch := make(chan struct{})
	inv.done[name] = ch
	inv.lock.Unlock()
	defer close(ch)

	tctx := pagelog.WithFields(ctx, map[string]string{"task": name})
	task, ok := inv.s.graph.Task(name)
	if !ok {
		return inv.finish(tctx, name, config.Errorf("task", "unknown task %s", name), nil)
	}

	if !inv.watch && len(task.Deps) > 0 {
		errs := make([]error, len(task.Deps))
		var wg sync.WaitGroup
		wg.Add(len(task.Deps))
		for idx, dep := range task.Deps {
			go func(idx int, dep string) {
				defer wg.Done()
				errs[idx] = inv.runTask(ctx, dep)
			}(idx, dep)
		}
		wg.Wait()

		for idx, err := range errs {
			if err != nil {
				return inv.finish(tctx, name, &UpstreamFailedError{Task: name, Upstream: task.Deps[idx]}, nil)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return inv.finish(tctx, name, eris.Wrapf(err, "task %s was not started", name), nil)
	}

	inv.table.start(name)
	pagelog.Log(tctx).Info().Msg("Starting")

	// Running tasks always complete their whole stage chain, even if the invocation is cancelled meanwhile.
	workCtx := context.WithoutCancel(tctx)
	var (
		summary *fileset.Summary
		err     error
	)
	start := time.Now()
	inv.s.pool.do(func() {
		summary, err = inv.s.perform(workCtx, &task)
	})

	if err == nil {
		if summary == nil {
			pagelog.Log(tctx).Info().Msg("Up to date")
		} else {
			pagelog.Log(tctx).Info().
				Int("files", len(summary.Paths)).
				Msgf("Finished after %s", time.Since(start).Round(time.Millisecond))
		}
	}
	return inv.finish(tctx, name, err, summary)
}

func (inv *invocation) finish(ctx context.Context, name string, err error, summary *fileset.Summary) error {
	if !inv.table.finish(name, err) {
		return inv.table.Err(name)
	}

	state := Succeeded
	if err != nil {
		state = Failed
	}

	if err != nil {
		inv.failDownstream(ctx, name)
	}

	var upstreamErr *UpstreamFailedError
	switch {
	case err == nil && summary != nil:
		inv.notify(ctx, notify.Event{Task: name, Summary: *summary})
	case err != nil && !errors.As(err, &upstreamErr):
		pagelog.Log(ctx).Error().Err(err).Msg("Failed")
		inv.notify(ctx, notify.Event{Task: name, Err: err})
	case err != nil:
		pagelog.Log(ctx).Warn().Msg(err.Error())
	}

	if inv.s.opts.OnFinish != nil {
		inv.s.opts.OnFinish(name, state, err)
	}
	return err
}

// failDownstream marks every dependent of the failed task that hasn't started yet as failed. Each one names the
// dependency through which the failure reached it.
func (inv *invocation) failDownstream(ctx context.Context, name string) {
	failed := map[string]bool{name: true}
	for _, item := range inv.s.graph.Downstream(name) {
		task, _ := inv.s.graph.Task(item)
		for _, dep := range task.Deps {
			if !failed[dep] {
				continue
			}

			failed[item] = true
			err := &UpstreamFailedError{Task: item, Upstream: dep}
			if inv.table.fail(item, err) && !inv.watch {
				pagelog.Log(ctx).Warn().Str("dependent", item).Msg(err.Error())
			}
			break
		}
	}
}

func (inv *invocation) notify(ctx context.Context, event notify.Event) {
	err := inv.s.opts.Notifier.Notify(ctx, event)
	if err != nil {
		pagelog.Log(ctx).Warn().Err(err).Msg("Failed to deliver notification")
	}
}

// perform does the actual work of a task. It returns a nil summary if the task was skipped because its
// outputs are up to date.
func (s *Scheduler) perform(ctx context.Context, task *Task) (*fileset.Summary, error) {
	if task.Action != nil {
		err := task.Action(ctx)
		if err != nil {
			return nil, eris.Wrapf(err, "task %s failed", task.Name)
		}
		return &fileset.Summary{}, nil
	}

	chain, err := s.chain(task)
	if err != nil {
		return nil, err
	}

	input, err := fileset.Load(ctx, s.cfg.Path(task.Source.Base), task.Source.Patterns)
	if err != nil {
		return nil, eris.Wrapf(err, "task %s: failed to load sources", task.Name)
	}

	fingerprint := taskFingerprint(task, input, s.upstreamFingerprints(task.Name))
	if s.opts.Cache != nil && !s.opts.Force {
		ok, err := s.opts.Cache.upToDate(task.Name, fingerprint)
		if err != nil {
			pagelog.Log(ctx).Warn().Err(err).Msg("Ignoring build cache")
		} else if ok {
			return nil, nil
		}
	}

	output, err := chain.Apply(ctx, input)
	if err != nil {
		var tErr *pipeline.TransformError
		if errors.As(err, &tErr) {
			tErr.Task = task.Name
		}
		return nil, err
	}

	written, err := output.Write(s.cfg.Path(task.Dest))
	if err != nil {
		return nil, eris.Wrapf(err, "task %s: failed to write output", task.Name)
	}

	if s.opts.Cache != nil {
		err = s.opts.Cache.Store(task.Name, CacheEntry{
			Fingerprint: fingerprint,
			Outputs:     written,
			Updated:     time.Now(),
		})
		if err != nil {
			pagelog.Log(ctx).Warn().Err(err).Msg("Failed to update build cache")
		}
	}

	summary := output.Summary()
	summary.Base = s.cfg.Path(task.Dest)
	return &summary, nil
}

// upstreamFingerprints returns the cached fingerprints of all tasks name depends on. Stages like useref read
// upstream outputs that aren't part of the task's own sources, so a rebuilt upstream task has to invalidate
// its dependents.
func (s *Scheduler) upstreamFingerprints(name string) []string {
	if s.opts.Cache == nil {
		return nil
	}

	result := []string{}
	for _, up := range s.graph.Upstream(name) {
		entry, ok, err := s.opts.Cache.Lookup(up)
		if err != nil || !ok {
			result = append(result, up+"=")
			continue
		}
		result = append(result, up+"="+entry.Fingerprint)
	}
	return result
}

// taskFingerprint covers everything that influences a task's output: the input files, the upstream tasks' state,
// the stage chain with its options and the destination
func taskFingerprint(task *Task, input fileset.FileSet, upstream []string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00", input.Fingerprint(), task.Dest)
	for _, item := range upstream {
		fmt.Fprintf(h, "%s\x00", item)
	}
	for _, ref := range task.Stages {
		// fmt sorts map keys so the result is stable
		fmt.Fprintf(h, "%s\x00%v\x00", ref.Name, map[string]interface{}(ref.Options))
	}
	return hex.EncodeToString(h.Sum(nil))
}
