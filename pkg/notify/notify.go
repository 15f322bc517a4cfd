// Package notify delivers task completion events to whoever wants to refresh after a build step (browsers
// connected to the dev server, the console).
package notify

import (
	"context"

	"go.uber.org/multierr"

	"github.com/BWLKyh/gulp-cli-automation/pkg/fileset"
	"github.com/BWLKyh/gulp-cli-automation/pkg/pagelog"
)

// Event is sent once a task finished. Summary describes the written output; it's empty if Err is set.
type Event struct {
	Task    string
	Summary fileset.Summary
	Err     error
}

// Notifier receives task completion events. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Func adapts a plain function to the Notifier interface
type Func func(ctx context.Context, event Event) error

// Notify calls f
func (f Func) Notify(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// LogNotifier writes every event to the context logger
type LogNotifier struct{}

// Notify logs the event
func (LogNotifier) Notify(ctx context.Context, event Event) error {
	if event.Err != nil {
		pagelog.Log(ctx).Error().Str("task", event.Task).Err(event.Err).Msg("task failed")
		return nil
	}

	pagelog.Log(ctx).Debug().
		Str("task", event.Task).
		Int("files", len(event.Summary.Paths)).
		Int64("bytes", event.Summary.Bytes).
		Msg("task output published")
	return nil
}

// Multi forwards every event to all contained notifiers. Every notifier is called even if an earlier one
// fails; the errors are combined.
type Multi []Notifier

// Notify forwards the event
func (m Multi) Notify(ctx context.Context, event Event) error {
	var err error
	for _, n := range m {
		if n == nil {
			continue
		}
		err = multierr.Append(err, n.Notify(ctx, event))
	}
	return err
}

// Nop discards all events
var Nop Notifier = Func(func(context.Context, Event) error { return nil })
