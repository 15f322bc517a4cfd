package notify

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/BWLKyh/gulp-cli-automation/pkg/fileset"
	"github.com/BWLKyh/gulp-cli-automation/pkg/pagelog"
)

func TestMultiCallsEveryNotifier(t *testing.T) {
	var seen []string
	record := func(name string, err error) Notifier {
		return Func(func(ctx context.Context, event Event) error {
			seen = append(seen, name+":"+event.Task)
			return err
		})
	}

	errA := errors.New("a failed")
	errC := errors.New("c failed")
	m := Multi{record("a", errA), nil, record("b", nil), record("c", errC)}

	err := m.Notify(context.Background(), Event{Task: "style"})
	if got := strings.Join(seen, ","); got != "a:style,b:style,c:style" {
		t.Fatalf("unexpected calls %s", got)
	}

	errs := multierr.Errors(err)
	if len(errs) != 2 || errs[0] != errA || errs[1] != errC {
		t.Fatalf("expected both failures, got %v", err)
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	ctx := pagelog.WithLogger(context.Background(), &logger)

	summary := fileset.FromMap("temp", map[string][]byte{"a.css": []byte("body{}")}).Summary()
	if err := (LogNotifier{}).Notify(ctx, Event{Task: "style", Summary: summary}); err != nil {
		t.Fatal(err)
	}
	if err := (LogNotifier{}).Notify(ctx, Event{Task: "page", Err: errors.New("boom")}); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	if !strings.Contains(out, `"task":"style"`) || !strings.Contains(out, `"bytes":6`) {
		t.Fatalf("missing success entry: %s", out)
	}
	if !strings.Contains(out, `"level":"error"`) || !strings.Contains(out, "boom") {
		t.Fatalf("missing failure entry: %s", out)
	}
}
