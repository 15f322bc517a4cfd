// Package pipeline defines the transform stage contract and applies ordered stage chains to file sets.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/BWLKyh/gulp-cli-automation/pkg/config"
	"github.com/BWLKyh/gulp-cli-automation/pkg/fileset"
)

// Stage is one transformation step. Implementations must be pure functions of their input and options: they may
// not keep mutable state between calls and must derive their output through in.Edit().
type Stage interface {
	Transform(ctx context.Context, in fileset.FileSet, opts Options) (fileset.FileSet, error)
}

// StageFunc adapts a plain function to the Stage interface
type StageFunc func(ctx context.Context, in fileset.FileSet, opts Options) (fileset.FileSet, error)

// Transform calls f
func (f StageFunc) Transform(ctx context.Context, in fileset.FileSet, opts Options) (fileset.FileSet, error) {
	return f(ctx, in, opts)
}

// StageRef names a registered stage together with the options it should be invoked with
type StageRef struct {
	Name    string
	Options Options
}

func (r StageRef) String() string {
	return r.Name
}

// TransformError reports a failing stage. It fails the owning task.
type TransformError struct {
	Task  string
	Stage string
	Cause error
}

var _ error = (*TransformError)(nil)

func (e *TransformError) Error() string {
	if e.Task != "" {
		return fmt.Sprintf("task %s: stage %s failed: %v", e.Task, e.Stage, e.Cause)
	}
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Cause)
}

func (e *TransformError) Unwrap() error {
	return e.Cause
}

// Registry maps stage names to implementations. It's populated once at startup.
type Registry struct {
	lock   sync.RWMutex
	stages map[string]Stage
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{stages: map[string]Stage{}}
}

// Register adds a stage. Registering the same name twice is a configuration error.
func (r *Registry) Register(name string, stage Stage) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if name == "" {
		return config.Errorf("stages", "stage name must not be empty")
	}
	if _, ok := r.stages[name]; ok {
		return config.Errorf("stages", "stage %s registered twice", name)
	}

	r.stages[name] = stage
	return nil
}

// Lookup returns the stage registered under name or a ConfigError
func (r *Registry) Lookup(name string) (Stage, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	stage, ok := r.stages[name]
	if !ok {
		return nil, config.Errorf("stages", "unknown stage %q (known: %v)", name, r.namesLocked())
	}
	return stage, nil
}

// Names returns the sorted list of registered stages
func (r *Registry) Names() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.stages))
	for name := range r.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type boundStage struct {
	ref   StageRef
	stage Stage
}

// Chain is a resolved list of stages ready to be applied
type Chain struct {
	stages []boundStage
}

// Compile resolves every reference against the registry. Unknown names fail fast with a ConfigError.
func Compile(registry *Registry, refs []StageRef) (*Chain, error) {
	chain := &Chain{stages: make([]boundStage, 0, len(refs))}
	for _, ref := range refs {
		stage, err := registry.Lookup(ref.Name)
		if err != nil {
			return nil, err
		}
		chain.stages = append(chain.stages, boundStage{ref: ref, stage: stage})
	}
	return chain, nil
}

// Len returns the number of stages
func (c *Chain) Len() int {
	return len(c.stages)
}

// Apply runs the stages left to right. The first failing stage stops the chain with a *TransformError.
func (c *Chain) Apply(ctx context.Context, in fileset.FileSet) (fileset.FileSet, error) {
	current := in
	for _, item := range c.stages {
		out, err := item.stage.Transform(ctx, current, item.ref.Options)
		if err != nil {
			return fileset.FileSet{}, &TransformError{Stage: item.ref.Name, Cause: err}
		}
		current = out
	}
	return current, nil
}
