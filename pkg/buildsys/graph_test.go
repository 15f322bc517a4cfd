package buildsys

import (
	"errors"
	"reflect"
	"testing"
)

func indexOf(list []string, item string) int {
	for idx, value := range list {
		if value == item {
			return idx
		}
	}
	return -1
}

func TestTopologicalOrder(t *testing.T) {
	tests := []struct {
		name  string
		tasks []Task
		want  []string
	}{
		{
			name:  "independent tasks keep registration order",
			tasks: []Task{{Name: "c"}, {Name: "a"}, {Name: "b"}},
			want:  []string{"c", "a", "b"},
		},
		{
			name: "chain",
			tasks: []Task{
				{Name: "deploy", Deps: []string{"build"}},
				{Name: "build", Deps: []string{"clean"}},
				{Name: "clean"},
			},
			want: []string{"clean", "build", "deploy"},
		},
		{
			name: "gulp build",
			tasks: []Task{
				{Name: "clean"},
				{Name: "style"},
				{Name: "script"},
				{Name: "page"},
				{Name: "useref", Deps: []string{"page", "style", "script"}},
				{Name: "image"},
				{Name: "font"},
				{Name: "extra"},
			},
			want: []string{"clean", "style", "script", "page", "useref", "image", "font", "extra"},
		},
		{
			name: "diamond",
			tasks: []Task{
				{Name: "top", Deps: []string{"left", "right"}},
				{Name: "right", Deps: []string{"bottom"}},
				{Name: "left", Deps: []string{"bottom"}},
				{Name: "bottom"},
			},
			want: []string{"bottom", "right", "left", "top"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGraph()
			if err := g.RegisterAll(tt.tasks...); err != nil {
				t.Fatalf("RegisterAll: %v", err)
			}

			order, err := g.TopologicalOrder()
			if err != nil {
				t.Fatalf("TopologicalOrder: %v", err)
			}
			if !reflect.DeepEqual(order, tt.want) {
				t.Fatalf("order = %v, want %v", order, tt.want)
			}

			for _, task := range tt.tasks {
				for _, dep := range task.Deps {
					if indexOf(order, dep) > indexOf(order, task.Name) {
						t.Fatalf("%s placed before its dependency %s", task.Name, dep)
					}
				}
			}

			again, _ := g.TopologicalOrder()
			if !reflect.DeepEqual(order, again) {
				t.Fatalf("order isn't deterministic: %v vs %v", order, again)
			}
		})
	}
}

func TestRegisterUnknownDependency(t *testing.T) {
	g := NewGraph()
	if err := g.Register(Task{Name: "style"}); err != nil {
		t.Fatal(err)
	}

	err := g.Register(Task{Name: "useref", Deps: []string{"style", "page"}})
	var depErr *UnknownDependencyError
	if !errors.As(err, &depErr) {
		t.Fatalf("expected UnknownDependencyError, got %v", err)
	}
	if depErr.Task != "useref" || depErr.Dependency != "page" {
		t.Fatalf("unexpected error content %+v", depErr)
	}
	if _, ok := g.Task("useref"); ok {
		t.Fatal("failed registration left the task in the graph")
	}

	err = g.RegisterAll(Task{Name: "a", Deps: []string{"b"}}, Task{Name: "b", Deps: []string{"missing"}})
	if !errors.As(err, &depErr) || depErr.Dependency != "missing" {
		t.Fatalf("expected UnknownDependencyError for missing, got %v", err)
	}
	if len(g.Names()) != 1 {
		t.Fatalf("failed batch changed the graph: %v", g.Names())
	}
}

func TestRegisterDuplicate(t *testing.T) {
	g := NewGraph()
	if err := g.Register(Task{Name: "clean"}); err != nil {
		t.Fatal(err)
	}

	var dupErr *DuplicateTaskError
	if err := g.Register(Task{Name: "clean"}); !errors.As(err, &dupErr) || dupErr.Task != "clean" {
		t.Fatalf("expected DuplicateTaskError, got %v", err)
	}
	if err := g.RegisterAll(Task{Name: "x"}, Task{Name: "x"}); !errors.As(err, &dupErr) {
		t.Fatalf("expected DuplicateTaskError inside the batch, got %v", err)
	}
}

func TestRegisterCycle(t *testing.T) {
	g := NewGraph()

	var cycleErr *CycleDetectedError
	if err := g.Register(Task{Name: "self", Deps: []string{"self"}}); !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleDetectedError, got %v", err)
	}

	err := g.RegisterAll(
		Task{Name: "ok"},
		Task{Name: "a", Deps: []string{"b"}},
		Task{Name: "b", Deps: []string{"c", "ok"}},
		Task{Name: "c", Deps: []string{"a"}},
	)
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleDetectedError, got %v", err)
	}
	if want := []string{"a", "b", "c", "a"}; !reflect.DeepEqual(cycleErr.Members, want) {
		t.Fatalf("members = %v, want %v", cycleErr.Members, want)
	}
	if len(g.Names()) != 0 {
		t.Fatalf("failed batch changed the graph: %v", g.Names())
	}
}

func TestDownstreamUpstream(t *testing.T) {
	g := NewGraph()
	err := g.RegisterAll(
		Task{Name: "style"},
		Task{Name: "page"},
		Task{Name: "useref", Deps: []string{"style", "page"}},
		Task{Name: "compress", Deps: []string{"useref"}},
		Task{Name: "image"},
	)
	if err != nil {
		t.Fatal(err)
	}

	if got := g.Downstream("style"); !reflect.DeepEqual(got, []string{"useref", "compress"}) {
		t.Fatalf("Downstream(style) = %v", got)
	}
	if got := g.Downstream("image"); len(got) != 0 {
		t.Fatalf("Downstream(image) = %v", got)
	}
	if got := g.Upstream("compress"); !reflect.DeepEqual(got, []string{"style", "page", "useref"}) {
		t.Fatalf("Upstream(compress) = %v", got)
	}
}

func TestTaskIsImmutable(t *testing.T) {
	g := NewGraph()
	task := Task{Name: "a", Outputs: []string{"dist/**"}}
	if err := g.Register(task); err != nil {
		t.Fatal(err)
	}

	task.Outputs[0] = "changed"
	stored, _ := g.Task("a")
	if stored.Outputs[0] != "dist/**" {
		t.Fatal("graph shares the caller's slice")
	}

	stored.Outputs[0] = "changed"
	again, _ := g.Task("a")
	if again.Outputs[0] != "dist/**" {
		t.Fatal("graph hands out its internal slice")
	}
}
