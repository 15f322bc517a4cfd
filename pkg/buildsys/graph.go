package buildsys

import (
	"sync"

	"github.com/BWLKyh/gulp-cli-automation/pkg/config"
)

// Graph holds the registered tasks and their upstream relationships. It's always acyclic: every registration is
// checked before it's applied.
type Graph struct {
	lock  sync.RWMutex
	tasks map[string]*Task
	// registration order, used as tie-breaker
	order []string
}

// NewGraph returns an empty graph
func NewGraph() *Graph {
	return &Graph{tasks: make(map[string]*Task)}
}

// Register adds a single task. All of its dependencies must have been registered before.
func (g *Graph) Register(task Task) error {
	g.lock.Lock()
	defer g.lock.Unlock()

	if task.Name == "" {
		return config.Errorf("task", "task name must not be empty")
	}
	if _, ok := g.tasks[task.Name]; ok {
		return &DuplicateTaskError{Task: task.Name}
	}

	for _, dep := range task.Deps {
		if dep == task.Name {
			return &CycleDetectedError{Members: []string{task.Name, task.Name}}
		}
		if _, ok := g.tasks[dep]; !ok {
			return &UnknownDependencyError{Task: task.Name, Dependency: dep}
		}
	}

	g.tasks[task.Name] = task.clone()
	g.order = append(g.order, task.Name)
	return nil
}

// RegisterAll adds a batch of tasks which may reference each other in any order. Either all tasks are
// registered or none.
func (g *Graph) RegisterAll(tasks ...Task) error {
	g.lock.Lock()
	defer g.lock.Unlock()

	batch := make(map[string]*Task, len(tasks))
	names := make([]string, 0, len(tasks))
	for idx := range tasks {
		task := &tasks[idx]
		if task.Name == "" {
			return config.Errorf("task", "task name must not be empty")
		}
		if _, ok := g.tasks[task.Name]; ok {
			return &DuplicateTaskError{Task: task.Name}
		}
		if _, ok := batch[task.Name]; ok {
			return &DuplicateTaskError{Task: task.Name}
		}

		batch[task.Name] = task
		names = append(names, task.Name)
	}

	for _, name := range names {
		for _, dep := range batch[name].Deps {
			_, known := g.tasks[dep]
			if _, inBatch := batch[dep]; !known && !inBatch {
				return &UnknownDependencyError{Task: name, Dependency: dep}
			}
		}
	}

	// Registered tasks can't depend on the new ones so any cycle has to be inside the batch.
	cycle := findCycle(names, func(name string) []string {
		if task, ok := batch[name]; ok {
			return task.Deps
		}
		return nil
	})
	if cycle != nil {
		return &CycleDetectedError{Members: cycle}
	}

	for _, name := range names {
		g.tasks[name] = batch[name].clone()
	}
	g.order = append(g.order, names...)
	return nil
}

// Task returns a copy of the named task
func (g *Graph) Task(name string) (Task, bool) {
	g.lock.RLock()
	defer g.lock.RUnlock()

	task, ok := g.tasks[name]
	if !ok {
		return Task{}, false
	}
	return *task.clone(), true
}

// Names returns all task names in registration order
func (g *Graph) Names() []string {
	g.lock.RLock()
	defer g.lock.RUnlock()

	return append([]string(nil), g.order...)
}

// TopologicalOrder returns every task after all of its upstream tasks. Among the tasks that are ready at the same
// time, the one registered first comes first.
func (g *Graph) TopologicalOrder() ([]string, error) {
	g.lock.RLock()
	defer g.lock.RUnlock()

	return g.topoLocked()
}

func (g *Graph) topoLocked() ([]string, error) {
	placed := make(map[string]bool, len(g.order))
	result := make([]string, 0, len(g.order))

	for len(result) < len(g.order) {
		progress := false
		for _, name := range g.order {
			if placed[name] || !allPlaced(placed, g.tasks[name].Deps) {
				continue
			}

			placed[name] = true
			result = append(result, name)
			progress = true
			// start over so the earliest registered ready task always wins
			break
		}

		if !progress {
			return nil, &CycleDetectedError{Members: findCycle(g.order, g.depsLocked)}
		}
	}

	return result, nil
}

// Downstream returns all tasks depending (directly or transitively) on name in topological order
func (g *Graph) Downstream(name string) []string {
	g.lock.RLock()
	defer g.lock.RUnlock()

	order, err := g.topoLocked()
	if err != nil {
		return nil
	}

	affected := map[string]bool{name: true}
	result := []string{}
	for _, item := range order {
		for _, dep := range g.tasks[item].Deps {
			if affected[dep] {
				affected[item] = true
				result = append(result, item)
				break
			}
		}
	}
	return result
}

// Upstream returns all tasks name depends on (directly or transitively) in topological order
func (g *Graph) Upstream(name string) []string {
	g.lock.RLock()
	defer g.lock.RUnlock()

	needed := map[string]bool{}
	var collect func(string)
	collect = func(item string) {
		task, ok := g.tasks[item]
		if !ok {
			return
		}
		for _, dep := range task.Deps {
			if !needed[dep] {
				needed[dep] = true
				collect(dep)
			}
		}
	}
	collect(name)

	order, err := g.topoLocked()
	if err != nil {
		return nil
	}

	result := []string{}
	for _, item := range order {
		if needed[item] {
			result = append(result, item)
		}
	}
	return result
}

// dependsOn reports whether a transitively depends on b
func (g *Graph) dependsOn(a, b string) bool {
	for _, item := range g.Upstream(a) {
		if item == b {
			return true
		}
	}
	return false
}

func (g *Graph) depsLocked(name string) []string {
	if task, ok := g.tasks[name]; ok {
		return task.Deps
	}
	return nil
}

func allPlaced(placed map[string]bool, deps []string) bool {
	for _, dep := range deps {
		if !placed[dep] {
			return false
		}
	}
	return true
}

// findCycle runs a depth-first search over the passed nodes and returns the first cycle it finds (with the
// first member repeated at the end) or nil.
func findCycle(nodes []string, deps func(string) []string) []string {
	const (
		unvisited = iota
		visiting
		visited
	)

	state := make(map[string]int, len(nodes))
	stack := []string{}

	var visit func(string) []string
	visit = func(name string) []string {
		state[name] = visiting
		stack = append(stack, name)

		for _, dep := range deps(name) {
			switch state[dep] {
			case visiting:
				for idx, item := range stack {
					if item == dep {
						cycle := append([]string(nil), stack[idx:]...)
						return append(cycle, dep)
					}
				}
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[name] = visited
		return nil
	}

	for _, name := range nodes {
		if state[name] == unvisited {
			if cycle := visit(name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
