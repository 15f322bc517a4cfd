package buildsys

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/BWLKyh/gulp-cli-automation/pkg/config"
)

// Plan describes how a set of tasks is executed. Plans are built with Series, Parallel and Run and can be
// nested freely.
type Plan interface {
	String() string
	tasks() []string
}

type (
	seriesPlan   []Plan
	parallelPlan []Plan
	runPlan      []string
)

// Series runs the passed steps one after another and stops at the first failure
func Series(steps ...Plan) Plan {
	return seriesPlan(steps)
}

// Parallel runs the passed steps concurrently and waits for all of them. It fails if any step failed.
func Parallel(steps ...Plan) Plan {
	return parallelPlan(steps)
}

// Run executes the named tasks. Tasks that don't depend on each other run concurrently.
func Run(names ...string) Plan {
	return runPlan(names)
}

func (p seriesPlan) String() string {
	return "series(" + joinPlans(p) + ")"
}

func (p seriesPlan) tasks() []string {
	return collectTasks(p)
}

func (p parallelPlan) String() string {
	return "parallel(" + joinPlans(p) + ")"
}

func (p parallelPlan) tasks() []string {
	return collectTasks(p)
}

func (p runPlan) String() string {
	return strings.Join(p, ", ")
}

func (p runPlan) tasks() []string {
	return append([]string(nil), p...)
}

func joinPlans(steps []Plan) string {
	parts := make([]string, len(steps))
	for idx, step := range steps {
		parts[idx] = step.String()
	}
	return strings.Join(parts, ", ")
}

func collectTasks(steps []Plan) []string {
	seen := map[string]bool{}
	result := []string{}
	for _, step := range steps {
		for _, name := range step.tasks() {
			if !seen[name] {
				seen[name] = true
				result = append(result, name)
			}
		}
	}
	return result
}

// closure returns the passed tasks together with all of their upstream tasks in topological order
func (g *Graph) closure(names []string) ([]string, error) {
	needed := map[string]bool{}
	for _, name := range names {
		if _, ok := g.Task(name); !ok {
			return nil, config.Errorf("plan", "unknown task %s", name)
		}

		needed[name] = true
		for _, dep := range g.Upstream(name) {
			needed[dep] = true
		}
	}

	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	result := make([]string, 0, len(needed))
	for _, name := range order {
		if needed[name] {
			result = append(result, name)
		}
	}
	return result, nil
}

// checkPlan makes sure that no two tasks which may run at the same time write to overlapping paths
func (g *Graph) checkPlan(p Plan) error {
	switch p := p.(type) {
	case seriesPlan:
		for _, step := range p {
			if err := g.checkPlan(step); err != nil {
				return err
			}
		}
	case parallelPlan:
		closures := make([][]string, len(p))
		for idx, step := range p {
			if err := g.checkPlan(step); err != nil {
				return err
			}

			var err error
			closures[idx], err = g.closure(step.tasks())
			if err != nil {
				return err
			}
		}

		for a := 0; a < len(closures); a++ {
			for b := a + 1; b < len(closures); b++ {
				for _, first := range closures[a] {
					for _, second := range closures[b] {
						if err := g.checkPair(first, second); err != nil {
							return err
						}
					}
				}
			}
		}
	case runPlan:
		members, err := g.closure(p)
		if err != nil {
			return err
		}

		for a := 0; a < len(members); a++ {
			for b := a + 1; b < len(members); b++ {
				if err := g.checkPair(members[a], members[b]); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (g *Graph) checkPair(first, second string) error {
	if first == second || g.dependsOn(first, second) || g.dependsOn(second, first) {
		return nil
	}

	a, _ := g.Task(first)
	b, _ := g.Task(second)
	for _, aGlob := range a.outputGlobs() {
		for _, bGlob := range b.outputGlobs() {
			if globsOverlap(aGlob, bGlob) {
				return &OutputConflictError{First: first, FirstGlob: aGlob, Second: second, SecondGlob: bGlob}
			}
		}
	}
	return nil
}

// globsOverlap reports whether there could be a path matched by both patterns. The check works segment by
// segment and errs on the side of reporting an overlap when two wildcard segments can't be told apart.
func globsOverlap(a, b string) bool {
	return segmentsOverlap(splitGlob(a), splitGlob(b))
}

func splitGlob(pattern string) []string {
	pattern = path.Clean("/" + strings.ReplaceAll(pattern, "\\", "/"))
	pattern = strings.TrimPrefix(pattern, "/")
	if pattern == "" {
		return nil
	}
	return strings.Split(pattern, "/")
}

func segmentsOverlap(a, b []string) bool {
	switch {
	case len(a) == 0 && len(b) == 0:
		return true
	case len(a) > 0 && a[0] == "**":
		// "**" matches zero or more segments
		return segmentsOverlap(a[1:], b) || (len(b) > 0 && segmentsOverlap(a, b[1:]))
	case len(b) > 0 && b[0] == "**":
		return segmentsOverlap(b, a)
	case len(a) == 0 || len(b) == 0:
		return false
	}

	return segmentOverlap(a[0], b[0]) && segmentsOverlap(a[1:], b[1:])
}

const globMeta = "*?[{\\"

func segmentOverlap(a, b string) bool {
	aMeta := strings.ContainsAny(a, globMeta)
	bMeta := strings.ContainsAny(b, globMeta)

	switch {
	case !aMeta && !bMeta:
		return a == b
	case !aMeta:
		ok, err := doublestar.Match(b, a)
		return ok || err != nil
	case !bMeta:
		ok, err := doublestar.Match(a, b)
		return ok || err != nil
	}

	aPrefix, bPrefix := a[:strings.IndexAny(a, globMeta)], b[:strings.IndexAny(b, globMeta)]
	if !strings.HasPrefix(aPrefix, bPrefix) && !strings.HasPrefix(bPrefix, aPrefix) {
		return false
	}

	aSuffix, bSuffix := a[strings.LastIndexAny(a, globMeta)+1:], b[strings.LastIndexAny(b, globMeta)+1:]
	return strings.HasSuffix(aSuffix, bSuffix) || strings.HasSuffix(bSuffix, aSuffix)
}
