package buildsys

import (
	"fmt"
	"strings"

	"github.com/BWLKyh/gulp-cli-automation/pkg/config"
)

// DuplicateTaskError is returned when a task name is registered twice
type DuplicateTaskError struct {
	Task string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %s is already registered", e.Task)
}

// UnknownDependencyError is returned when a task references an upstream task that doesn't exist (yet)
type UnknownDependencyError struct {
	Task       string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %s depends on unknown task %s", e.Task, e.Dependency)
}

// CycleDetectedError lists the members of a dependency cycle in dependency order. The first member is repeated
// at the end.
type CycleDetectedError struct {
	Members []string
}

func (e *CycleDetectedError) Error() string {
	return "dependency cycle detected: " + strings.Join(e.Members, " -> ")
}

// OutputConflictError is returned when two tasks that may run at the same time declare overlapping outputs.
// It counts as a configuration error.
type OutputConflictError struct {
	First      string
	FirstGlob  string
	Second     string
	SecondGlob string
}

func (e *OutputConflictError) Error() string {
	return fmt.Sprintf("tasks %s (%s) and %s (%s) may run concurrently but write to overlapping paths",
		e.First, e.FirstGlob, e.Second, e.SecondGlob)
}

// Unwrap exposes the conflict as a *config.ConfigError
func (e *OutputConflictError) Unwrap() error {
	return config.Errorf("outputs", "%s and %s overlap", e.FirstGlob, e.SecondGlob)
}

// UpstreamFailedError marks a task that was never started because one of its upstream tasks failed
type UpstreamFailedError struct {
	Task     string
	Upstream string
}

func (e *UpstreamFailedError) Error() string {
	return fmt.Sprintf("task %s skipped because %s failed", e.Task, e.Upstream)
}
