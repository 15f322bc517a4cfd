package buildsys

import (
	"context"
	"fmt"
	"path"

	"github.com/BWLKyh/gulp-cli-automation/pkg/pipeline"
)

// Source describes the input files of a pipeline task
type Source struct {
	// Base is the directory the patterns are relative to. Relative bases are resolved against the project root.
	Base     string
	Patterns []string
}

// Action is the body of a task that doesn't transform files (i.e. clean)
type Action func(ctx context.Context) error

// Task is a named unit of build work. Once registered with a Graph it can't be changed anymore.
type Task struct {
	Name string
	Desc string
	// Deps lists the upstream tasks which have to succeed before this one may start
	Deps   []string
	Stages []pipeline.StageRef
	Source Source
	// Dest is the directory the stage chain's output is written to
	Dest string
	// Outputs lists globs (relative to the project root) covering everything this task writes. Defaults to
	// Dest/** for pipeline tasks.
	Outputs []string
	Action  Action
}

func (t *Task) String() string {
	return fmt.Sprintf("<Task %s: %s>", t.Name, t.Desc)
}

// outputGlobs returns the declared output patterns
func (t *Task) outputGlobs() []string {
	if len(t.Outputs) > 0 {
		return t.Outputs
	}
	if t.Dest != "" {
		return []string{path.Join(t.Dest, "**")}
	}
	return nil
}

func (t Task) clone() *Task {
	t.Deps = append([]string(nil), t.Deps...)
	t.Outputs = append([]string(nil), t.Outputs...)
	t.Source.Patterns = append([]string(nil), t.Source.Patterns...)

	stages := make([]pipeline.StageRef, len(t.Stages))
	for idx, ref := range t.Stages {
		opts := make(pipeline.Options, len(ref.Options))
		for k, v := range ref.Options {
			opts[k] = v
		}
		stages[idx] = pipeline.StageRef{Name: ref.Name, Options: opts}
	}
	t.Stages = stages

	return &t
}
