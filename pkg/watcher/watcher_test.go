package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/BWLKyh/gulp-cli-automation/pkg/config"
	"github.com/BWLKyh/gulp-cli-automation/pkg/notify"
)

type fakeScheduler struct {
	mu          sync.Mutex
	triggers    [][]string
	checked     []string
	conflictErr error
	waits       int
}

func (f *fakeScheduler) Trigger(ctx context.Context, names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, append([]string(nil), names...))
}

func (f *fakeScheduler) CheckConflicts(names ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = append([]string(nil), names...)
	return f.conflictErr
}

func (f *fakeScheduler) Wait() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits++
}

func (f *fakeScheduler) triggered() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.triggers...)
}

type reloads struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *reloads) Notify(ctx context.Context, event notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *reloads) list() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mkdirs(t *testing.T, root string, dirs ...string) {
	t.Helper()
	for _, dir := range dirs {
		if err := os.MkdirAll(filepath.Join(root, filepath.FromSlash(dir)), 0o755); err != nil {
			t.Fatal(err)
		}
	}
}

func TestMatch(t *testing.T) {
	rules := []Rule{
		{Pattern: "assets/styles/*.scss", Tasks: []string{"style"}},
		{Pattern: "assets/styles/_*.scss", Tasks: []string{"style", "lint"}},
		{Pattern: "*.html", Tasks: []string{"page"}},
		{Pattern: "assets/images/**"},
	}

	tests := []struct {
		path   string
		tasks  []string
		reload bool
	}{
		{"assets/styles/main.scss", []string{"style"}, false},
		{"assets/styles/_vars.scss", []string{"style", "lint"}, false},
		{"index.html", []string{"page"}, false},
		{"layouts/base.html", []string{}, false},
		{"assets/images/logo.png", []string{}, true},
		{"assets/images/icons/a.svg", []string{}, true},
	}

	for _, tt := range tests {
		tasks, reload := match(rules, tt.path)
		if !reflect.DeepEqual(tasks, tt.tasks) || reload != tt.reload {
			t.Errorf("match(%s) = %v, %v; want %v, %v", tt.path, tasks, reload, tt.tasks, tt.reload)
		}
	}
}

func TestDebounceCoalescesBursts(t *testing.T) {
	cfg := config.Default(t.TempDir())
	sched := &fakeScheduler{}
	w := New(cfg, sched, nil, nil, WithDebounce(50*time.Millisecond))

	sub := &subscription{
		base:  cfg.Path("src"),
		rules: []Rule{{Pattern: "*.scss", Tasks: []string{"style"}}},
	}
	file := filepath.Join(sub.base, "main.scss")
	other := filepath.Join(sub.base, "print.scss")

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		w.debounce(ctx, sub, file)
		time.Sleep(5 * time.Millisecond)
	}
	w.debounce(ctx, sub, other)

	waitFor(t, "two triggers", func() bool { return len(sched.triggered()) >= 2 })
	time.Sleep(150 * time.Millisecond)

	if got := len(sched.triggered()); got != 2 {
		t.Fatalf("expected one trigger per path, got %d", got)
	}
}

func TestWatcherTriggersTasks(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "src/assets/styles", "src/assets/images", "public")
	style := filepath.Join(root, "src", "assets", "styles", "main.scss")
	if err := os.WriteFile(style, []byte("a{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default(root)
	sched := &fakeScheduler{}
	notes := &reloads{}
	w := New(cfg, sched, notes, []Rule{
		{Pattern: "assets/styles/*.scss", Base: "src", Tasks: []string{"style"}},
		{Pattern: "assets/images/**", Base: "src"},
		{Pattern: "**", Base: "public"},
	}, WithDebounce(100*time.Millisecond))

	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if got := w.Subscriptions(); len(got) != 2 {
		t.Fatalf("expected one subscription per base, got %v", got)
	}
	if !reflect.DeepEqual(sched.checked, []string{"style"}) {
		t.Fatalf("conflict check saw %v", sched.checked)
	}

	// a burst of writes results in a single rebuild
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(style, []byte("a{color:red}"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	waitFor(t, "style trigger", func() bool { return len(sched.triggered()) > 0 })
	time.Sleep(300 * time.Millisecond)

	if got := sched.triggered(); !reflect.DeepEqual(got, [][]string{{"style"}}) {
		t.Fatalf("unexpected triggers %v", got)
	}

	// new directories are picked up automatically
	icons := filepath.Join(root, "src", "assets", "images", "icons")
	if err := os.Mkdir(icons, 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(icons, "a.svg"), []byte("<svg/>"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "reload notification", func() bool {
		for _, event := range notes.list() {
			if len(event.Summary.Paths) == 1 && event.Summary.Paths[0] == "assets/images/icons/a.svg" {
				return true
			}
		}
		return false
	})
	if got := len(sched.triggered()); got != 1 {
		t.Fatalf("reload-only rule triggered a task (%d triggers)", got)
	}

	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}
	if got := w.Subscriptions(); len(got) != 0 {
		t.Fatalf("subscriptions left after Stop: %v", got)
	}
	if sched.waits != 1 {
		t.Fatal("Stop didn't wait for triggered runs")
	}

	// nothing is dispatched after Stop
	if err := os.WriteFile(style, []byte("b{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if got := len(sched.triggered()); got != 1 {
		t.Fatalf("trigger after Stop (%d triggers)", got)
	}
}

func TestWatcherDisablesUnavailableBase(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "src")

	w := New(config.Default(root), &fakeScheduler{}, nil, []Rule{
		{Pattern: "*.html", Base: "src", Tasks: []string{"page"}},
		{Pattern: "**", Base: "missing"},
	}, WithBackOff(func() backoff.BackOff { return &backoff.StopBackOff{} }))

	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if got := w.Subscriptions(); !reflect.DeepEqual(got, []string{filepath.Join(root, "src")}) {
		t.Fatalf("unexpected subscriptions %v", got)
	}

	failures := w.Failures()
	var subErr *WatchSubscriptionError
	if len(failures) != 1 || !errors.As(failures[0], &subErr) || subErr.Base != filepath.Join(root, "missing") {
		t.Fatalf("unexpected failures %v", failures)
	}
	if !os.IsNotExist(subErr.Err) {
		t.Fatalf("unexpected cause %v", subErr.Err)
	}
}

func TestWatcherRejectsConflicts(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "src")

	conflict := errors.New("outputs overlap")
	w := New(config.Default(root), &fakeScheduler{conflictErr: conflict}, nil, []Rule{
		{Pattern: "*.html", Base: "src", Tasks: []string{"page"}},
	})

	if err := w.Start(context.Background()); err != conflict {
		t.Fatalf("expected the conflict error, got %v", err)
	}
	if len(w.Subscriptions()) != 0 {
		t.Fatal("watcher subscribed despite the conflict")
	}
}

func TestWatcherRejectsInvalidPattern(t *testing.T) {
	w := New(config.Default(t.TempDir()), &fakeScheduler{}, nil, []Rule{{Pattern: "[", Base: "src"}})

	var cfgErr *config.ConfigError
	if err := w.Start(context.Background()); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}
