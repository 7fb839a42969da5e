package pipeline

import (
	"fmt"

	"github.com/arduino-build/coordinator/internal/coorderr"
)

// Graph is a validated install DAG: a name-indexed task set plus the
// reverse-dependency edges needed to propagate failure.
type Graph struct {
	tasks      map[string]*Task
	dependents map[string][]string // name -> names that depend on it
}

// NewGraph validates deps at submission time and returns a Graph, or a
// *coorderr.Error of KindDependencyCycle if tasks form a cycle (spec §4.6
// "Verifies the DAG has no cycles at submission time; a cycle is a hard
// failure").
func NewGraph(tasks []*Task) (*Graph, error) {
	byName := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byName[t.Name] = t
	}

	dependents := make(map[string][]string)
	for _, t := range tasks {
		for _, dep := range t.Deps {
			dependents[dep] = append(dependents[dep], t.Name)
		}
	}

	if cyc := findCycle(byName); cyc != "" {
		return nil, coorderr.New(coorderr.KindDependencyCycle, fmt.Sprintf("dependency cycle detected at %q", cyc))
	}

	return &Graph{tasks: byName, dependents: dependents}, nil
}

func findCycle(byName map[string]*Task) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(byName))

	var visit func(name string) string
	visit = func(name string) string {
		color[name] = gray
		t, ok := byName[name]
		if ok {
			for _, dep := range t.Deps {
				switch color[dep] {
				case gray:
					return dep
				case white:
					if cyc := visit(dep); cyc != "" {
						return cyc
					}
				}
			}
		}
		color[name] = black
		return ""
	}

	for name := range byName {
		if color[name] == white {
			if cyc := visit(name); cyc != "" {
				return cyc
			}
		}
	}
	return ""
}

// Ready returns every pending task whose dependencies have all reached
// StageDone.
func (g *Graph) Ready() []*Task {
	var ready []*Task
	for _, t := range g.tasks {
		if t.Stage() != StagePending {
			continue
		}
		allDone := true
		for _, dep := range t.Deps {
			depTask, ok := g.tasks[dep]
			if !ok || depTask.Stage() != StageDone {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, t)
		}
	}
	return ready
}

// PropagateFailure marks every transitive dependent of name failed, with
// reason "depends on failed task X" (spec §4.6), and returns their names.
func (g *Graph) PropagateFailure(name string) []string {
	var poisoned []string
	var walk func(n string)
	visited := map[string]bool{}
	walk = func(n string) {
		for _, dependent := range g.dependents[n] {
			if visited[dependent] {
				continue
			}
			visited[dependent] = true
			t := g.tasks[dependent]
			if t.Stage() != StageFailed && t.Stage() != StageDone {
				t.Fail(coorderr.DependencyFailure(n).Message)
				poisoned = append(poisoned, dependent)
			}
			walk(dependent)
		}
	}
	walk(name)
	return poisoned
}

// AllTerminal reports whether every task has reached a terminal stage
// (done, failed, or cancelled).
func (g *Graph) AllTerminal() bool {
	for _, t := range g.tasks {
		switch t.Stage() {
		case StageDone, StageFailed, StageCancelled:
		default:
			return false
		}
	}
	return true
}

// Tasks returns every task in the graph.
func (g *Graph) Tasks() []*Task {
	out := make([]*Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t)
	}
	return out
}
