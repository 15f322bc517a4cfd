// Package watcher maps file system changes to task runs. It keeps one fsnotify subscription per base directory,
// debounces bursts of events per path and hands the tasks of every matching rule to the scheduler.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"go.uber.org/multierr"

	"github.com/BWLKyh/gulp-cli-automation/pkg/config"
	"github.com/BWLKyh/gulp-cli-automation/pkg/fileset"
	"github.com/BWLKyh/gulp-cli-automation/pkg/notify"
	"github.com/BWLKyh/gulp-cli-automation/pkg/pagelog"
)

// Rule maps a glob to the tasks that have to re-run when a matching file changes. Rules without tasks only
// cause a reload notification.
type Rule struct {
	// Pattern is matched against the slash-separated path relative to Base
	Pattern string
	// Base is the watched directory; relative paths are resolved against the project root
	Base  string
	Tasks []string
}

// Scheduler runs the tasks triggered by file changes. *buildsys.Scheduler implements it.
type Scheduler interface {
	Trigger(ctx context.Context, names ...string)
	CheckConflicts(names ...string) error
	Wait()
}

// WatchSubscriptionError is reported when a base directory can't be monitored. Rules on that base are
// disabled; all other rules keep working.
type WatchSubscriptionError struct {
	Base string
	Err  error
}

func (e *WatchSubscriptionError) Error() string {
	return fmt.Sprintf("failed to watch %s: %v", e.Base, e.Err)
}

func (e *WatchSubscriptionError) Unwrap() error {
	return e.Err
}

// Option configures a Watcher
type Option func(*Watcher)

// WithDebounce overrides the debounce window from the config
func WithDebounce(delay time.Duration) Option {
	return func(w *Watcher) {
		w.delay = delay
	}
}

// WithBackOff sets the retry policy used when subscribing to a directory fails
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(w *Watcher) {
		w.newBackOff = newBackOff
	}
}

type subscription struct {
	base  string
	fsw   *fsnotify.Watcher
	rules []Rule
}

// Watcher monitors the rule bases between Start() and Stop()
type Watcher struct {
	rules      []Rule
	root       string
	scheduler  Scheduler
	notifier   notify.Notifier
	delay      time.Duration
	newBackOff func() backoff.BackOff

	mu       sync.Mutex
	subs     map[string]*subscription
	pending  map[string]*time.Timer
	failures []error
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	loopWg   sync.WaitGroup
	fireWg   sync.WaitGroup
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return backoff.WithMaxRetries(b, 4)
}

// New creates a watcher for rules. Changes are sent to scheduler; reload-only rules and nothing else go to
// notifier (which may be nil).
func New(cfg *config.Config, scheduler Scheduler, notifier notify.Notifier, rules []Rule, opts ...Option) *Watcher {
	if notifier == nil {
		notifier = notify.Nop
	}

	w := &Watcher{
		rules:      append([]Rule(nil), rules...),
		root:       cfg.Root(),
		scheduler:  scheduler,
		notifier:   notifier,
		delay:      cfg.Debounce(),
		newBackOff: defaultBackOff,
		subs:       make(map[string]*subscription),
		pending:    make(map[string]*time.Timer),
	}

	for _, opt := range opts {
		opt(w)
	}
	if w.delay <= 0 {
		w.delay = 100 * time.Millisecond
	}

	return w
}

func (w *Watcher) resolve(base string) string {
	if filepath.IsAbs(base) {
		return filepath.Clean(base)
	}
	return filepath.Join(w.root, filepath.FromSlash(base))
}

// Start subscribes to every base directory and begins dispatching changes. Invalid rules and tasks with
// conflicting outputs are configuration errors; a directory that can't be watched only disables its rules.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return eris.New("watcher was already started")
	}

	taskSet := map[string]bool{}
	grouped := map[string][]Rule{}
	bases := []string{}
	for _, rule := range w.rules {
		if !doublestar.ValidatePattern(rule.Pattern) {
			return config.Errorf("watch", "invalid glob pattern %q", rule.Pattern)
		}

		for _, task := range rule.Tasks {
			taskSet[task] = true
		}

		base := w.resolve(rule.Base)
		if _, ok := grouped[base]; !ok {
			bases = append(bases, base)
		}
		grouped[base] = append(grouped[base], rule)
	}

	tasks := make([]string, 0, len(taskSet))
	for task := range taskSet {
		tasks = append(tasks, task)
	}
	sort.Strings(tasks)

	// Rules can trigger their tasks at the same time so they must not write to the same paths.
	if err := w.scheduler.CheckConflicts(tasks...); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.started = true

	for _, base := range bases {
		sub := &subscription{base: base, rules: grouped[base]}
		err := backoff.Retry(func() error {
			fsw, err := subscribe(base)
			if err != nil {
				return err
			}
			sub.fsw = fsw
			return nil
		}, backoff.WithContext(w.newBackOff(), ctx))
		if err != nil {
			subErr := &WatchSubscriptionError{Base: base, Err: err}
			w.failures = append(w.failures, subErr)
			pagelog.Log(ctx).Error().Err(subErr).Int("rules", len(sub.rules)).Msg("Disabled watch rules")
			continue
		}

		w.subs[base] = sub
		w.loopWg.Add(1)
		go w.processLoop(ctx, sub)

		pagelog.Log(ctx).Debug().Str("base", base).Int("rules", len(sub.rules)).Msg("Watching")
	}

	return nil
}

// subscribe creates a fsnotify watcher covering base and all of its sub directories
func subscribe(base string) (*fsnotify.Watcher, error) {
	info, err := os.Stat(base)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, backoff.Permanent(eris.Errorf("%s is not a directory", base))
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := addRecursive(fsw, base); err != nil {
		fsw.Close()
		return nil, err
	}
	return fsw, nil
}

func addRecursive(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return fsw.Add(p)
	})
}

// Stop cancels pending debounce timers, closes all subscriptions and waits until every triggered run finished.
// Calling Stop more than once is fine.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.started || w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true

	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}

	subs := w.subs
	w.subs = make(map[string]*subscription)
	w.mu.Unlock()

	w.cancel()
	w.loopWg.Wait()
	w.fireWg.Wait()

	var err error
	for _, sub := range subs {
		err = multierr.Append(err, sub.fsw.Close())
	}

	w.scheduler.Wait()
	return err
}

// Subscriptions returns the base directories that are currently monitored
func (w *Watcher) Subscriptions() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	result := make([]string, 0, len(w.subs))
	for base := range w.subs {
		result = append(result, base)
	}
	sort.Strings(result)
	return result
}

// Failures returns the WatchSubscriptionErrors collected by Start
func (w *Watcher) Failures() []error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]error(nil), w.failures...)
}

func (w *Watcher) processLoop(ctx context.Context, sub *subscription) {
	defer w.loopWg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-sub.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, sub, event)

		case err, ok := <-sub.fsw.Errors:
			if !ok {
				return
			}
			pagelog.Log(ctx).Warn().Err(err).Str("base", sub.base).Msg("Watch error")
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, sub *subscription, event fsnotify.Event) {
	// metadata changes alone don't change the build output
	if event.Op == fsnotify.Chmod {
		return
	}

	if event.Op.Has(fsnotify.Create) {
		info, err := os.Stat(event.Name)
		if err == nil && info.IsDir() {
			if err := addRecursive(sub.fsw, event.Name); err != nil {
				pagelog.Log(ctx).Warn().Err(err).Msgf("Failed to watch new directory %s", event.Name)
			}
			return
		}
	}

	w.debounce(ctx, sub, event.Name)
}

// debounce (re)starts the timer for path. The path is only dispatched once no event arrived for the whole
// debounce window.
func (w *Watcher) debounce(ctx context.Context, sub *subscription, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}

	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.delay)
		return
	}

	w.pending[path] = time.AfterFunc(w.delay, func() {
		w.fire(ctx, sub, path)
	})
}

func (w *Watcher) fire(ctx context.Context, sub *subscription, path string) {
	w.mu.Lock()
	_, ok := w.pending[path]
	delete(w.pending, path)
	if !ok || w.stopped {
		w.mu.Unlock()
		return
	}
	w.fireWg.Add(1)
	w.mu.Unlock()
	defer w.fireWg.Done()

	rel, err := filepath.Rel(sub.base, path)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	tasks, reload := match(sub.rules, rel)
	if len(tasks) == 0 && !reload {
		return
	}

	pagelog.Log(ctx).Info().Str("file", rel).Strs("tasks", tasks).Msg("Changed")
	if len(tasks) > 0 {
		w.scheduler.Trigger(ctx, tasks...)
	}

	if reload {
		err := w.notifier.Notify(ctx, notify.Event{
			Summary: fileset.Summary{Base: sub.base, Paths: []string{rel}},
		})
		if err != nil {
			pagelog.Log(ctx).Warn().Err(err).Msg("Failed to deliver notification")
		}
	}
}

// match returns the deduplicated tasks of all rules matching rel and whether a reload-only rule matched
func match(rules []Rule, rel string) ([]string, bool) {
	seen := map[string]bool{}
	tasks := []string{}
	reload := false

	for _, rule := range rules {
		ok, err := doublestar.Match(rule.Pattern, rel)
		if err != nil || !ok {
			continue
		}

		if len(rule.Tasks) == 0 {
			reload = true
		}
		for _, task := range rule.Tasks {
			if !seen[task] {
				seen[task] = true
				tasks = append(tasks, task)
			}
		}
	}

	return tasks, reload
}
