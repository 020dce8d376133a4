package scheduler

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"
)

// Graph is a validated, immutable dependency graph over task descriptors.
// It keeps declaration order, which breaks ties between simultaneously ready tasks.
type Graph struct {
	order      []string                  // Declaration order
	index      map[string]int            // taskID -> declaration index
	tasks      map[string]TaskDescriptor // All tasks indexed by ID
	dependents map[string][]string       // taskID -> tasks that depend on it, declaration order
}

// DFS colouring for cycle detection.
const (
	unvisited = iota
	visiting
	visited
)

// BuildGraph validates descriptors and returns the dependency graph.
// It rejects empty and duplicate ids, unknown dependencies and cycles among
// enabled tasks. Nothing is partially built on error.
func BuildGraph(descriptors []TaskDescriptor) (*Graph, error) {
	g := &Graph{
		order:      make([]string, 0, len(descriptors)),
		index:      make(map[string]int, len(descriptors)),
		tasks:      make(map[string]TaskDescriptor, len(descriptors)),
		dependents: make(map[string][]string),
	}

	for i, d := range descriptors {
		if strings.TrimSpace(d.ID) == "" {
			return nil, fmt.Errorf("task at position %d has no id: %w", i, ErrInvalidTask)
		}
		if _, exists := g.tasks[d.ID]; exists {
			return nil, &DuplicateTaskIDError{TaskID: d.ID}
		}
		g.index[d.ID] = i
		g.order = append(g.order, d.ID)
		g.tasks[d.ID] = cloneDescriptor(d)
	}

	// Verify every dependency exists and build the dependents map
	for _, id := range g.order {
		for _, depID := range g.tasks[id].DependsOn {
			if _, exists := g.tasks[depID]; !exists {
				return nil, &UnknownDependencyError{TaskID: id, Dependency: depID}
			}
			g.dependents[depID] = append(g.dependents[depID], id)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CyclicDependencyError{Cycle: cycle}
	}

	return g, nil
}

// findCycle runs a depth-first traversal over enabled tasks in declaration order.
// Reaching a node still marked visiting closes a cycle; the returned path starts
// and ends at that node.
func (g *Graph) findCycle() []string {
	colors := make(map[string]int, len(g.order))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colors[id] = visiting
		stack = append(stack, id)

		for _, depID := range g.tasks[id].DependsOn {
			if !g.tasks[depID].Enabled {
				continue
			}
			switch colors[depID] {
			case visiting:
				start := 0
				for i, s := range stack {
					if s == depID {
						start = i
						break
					}
				}
				cycle := append([]string(nil), stack[start:]...)
				return append(cycle, depID)
			case unvisited:
				if cycle := visit(depID); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = visited
		return nil
	}

	for _, id := range g.order {
		if !g.tasks[id].Enabled || colors[id] != unvisited {
			continue
		}
		if cycle := visit(id); cycle != nil {
			// The traversal follows depends_on edges, so reverse to read in execution direction.
			for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
				cycle[i], cycle[j] = cycle[j], cycle[i]
			}
			return cycle
		}
	}
	return nil
}

// Len returns the number of tasks.
func (g *Graph) Len() int { return len(g.order) }

// IDs returns task ids in declaration order.
func (g *Graph) IDs() []string {
	return append([]string(nil), g.order...)
}

// Tasks returns copies of all descriptors in declaration order.
func (g *Graph) Tasks() []TaskDescriptor {
	tasks := make([]TaskDescriptor, 0, len(g.order))
	for _, id := range g.order {
		tasks = append(tasks, cloneDescriptor(g.tasks[id]))
	}
	return tasks
}

// Task returns a copy of the descriptor for id.
func (g *Graph) Task(id string) (TaskDescriptor, bool) {
	t, ok := g.tasks[id]
	if !ok {
		return TaskDescriptor{}, false
	}
	return cloneDescriptor(t), true
}

// Dependents returns the tasks that directly depend on id, in declaration order.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// Descendants returns every direct and transitive dependent of id in declaration order.
func (g *Graph) Descendants(id string) []string {
	seen := make(map[string]bool)
	queue := append([]string(nil), g.dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		queue = append(queue, g.dependents[next]...)
	}

	out := make([]string, 0, len(seen))
	for _, tid := range g.order {
		if seen[tid] {
			out = append(out, tid)
		}
	}
	return out
}

// Ready returns pending tasks whose dependencies have all reached a terminal state,
// in declaration order. stateOf reports the current state of a task.
func (g *Graph) Ready(stateOf func(id string) TaskState) []string {
	var ready []string
	for _, id := range g.order {
		if stateOf(id) != TaskPending {
			continue
		}
		allTerminal := true
		for _, depID := range g.tasks[id].DependsOn {
			if !stateOf(depID).IsTerminal() {
				allTerminal = false
				break
			}
		}
		if allTerminal {
			ready = append(ready, id)
		}
	}
	return ready
}

// Plan returns the serial dispatch order assuming every task succeeds: repeatedly
// take the first task, in declaration order, whose dependencies are already planned.
func (g *Graph) Plan() []string {
	states := make(map[string]TaskState, len(g.order))
	for _, id := range g.order {
		states[id] = TaskPending
	}
	stateOf := func(id string) TaskState { return states[id] }

	plan := make([]string, 0, len(g.order))
	for len(plan) < len(g.order) {
		ready := g.Ready(stateOf)
		if len(ready) == 0 {
			// Only reachable through cycles among disabled tasks.
			for _, id := range g.order {
				if states[id] == TaskPending {
					ready = []string{id}
					break
				}
			}
		}
		states[ready[0]] = TaskCompleted
		plan = append(plan, ready[0])
	}
	return plan
}

// Order returns a topological order of all enabled tasks using toposort.
// Unlike Plan it does not promise declaration-order tie-breaking.
func (g *Graph) Order() ([]string, error) {
	var edges []toposort.Edge
	enabled := 0
	for _, id := range g.order {
		task := g.tasks[id]
		if !task.Enabled {
			continue
		}
		enabled++
		// Task with no enabled dependencies - edge from nil keeps it in the result
		hasDep := false
		for _, depID := range task.DependsOn {
			if g.tasks[depID].Enabled {
				edges = append(edges, toposort.Edge{depID, id})
				hasDep = true
			}
		}
		if !hasDep {
			edges = append(edges, toposort.Edge{nil, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycle, err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != enabled {
		return nil, fmt.Errorf("%w: topological sort lost %d tasks", ErrInvalidGraph, enabled-len(order))
	}
	return order, nil
}
