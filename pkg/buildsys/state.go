package buildsys

import (
	"sort"
	"sync"
)

// RunState is the status of a task within one invocation
type RunState int

const (
	Pending RunState = iota
	Running
	Succeeded
	Failed
)

func (s RunState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether s is a final state
func (s RunState) Terminal() bool {
	return s == Succeeded || s == Failed
}

// RunTable tracks the state of every task touched by one invocation. A fresh table is created for each
// invocation; terminal states are never left.
type RunTable struct {
	lock   sync.Mutex
	states map[string]RunState
	errs   map[string]error
}

func newRunTable() *RunTable {
	return &RunTable{
		states: make(map[string]RunState),
		errs:   make(map[string]error),
	}
}

// State returns the current state of task. Unknown tasks are pending.
func (t *RunTable) State(task string) RunState {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.states[task]
}

// Err returns the error recorded for a failed task
func (t *RunTable) Err(task string) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.errs[task]
}

// Snapshot returns a copy of all recorded states
func (t *RunTable) Snapshot() map[string]RunState {
	t.lock.Lock()
	defer t.lock.Unlock()

	result := make(map[string]RunState, len(t.states))
	for name, state := range t.states {
		result[name] = state
	}
	return result
}

// Failed returns the names of all failed tasks in lexical order
func (t *RunTable) Failed() []string {
	t.lock.Lock()
	defer t.lock.Unlock()

	result := []string{}
	for name, state := range t.states {
		if state == Failed {
			result = append(result, name)
		}
	}
	sort.Strings(result)
	return result
}

// start moves task from Pending to Running
func (t *RunTable) start(task string) bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.states[task] != Pending {
		return false
	}
	t.states[task] = Running
	return true
}

// finish moves task into a terminal state. A nil err means Succeeded. Tasks that already finished keep their
// state.
func (t *RunTable) finish(task string, err error) bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.states[task].Terminal() {
		return false
	}

	if err != nil {
		t.states[task] = Failed
		t.errs[task] = err
	} else {
		t.states[task] = Succeeded
	}
	return true
}

// fail moves a task that hasn't started yet straight to Failed
func (t *RunTable) fail(task string, err error) bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.states[task] != Pending {
		return false
	}
	t.states[task] = Failed
	t.errs[task] = err
	return true
}
