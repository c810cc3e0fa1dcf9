package dag

import (
	"fmt"
	"sort"
	"strings"
)

// Validation failure reasons. The orchestrator rejects a request with one of
// these before any node runs.
const (
	ReasonDuplicateNodeID   = "duplicate_node_id"
	ReasonMissingDependency = "missing_dependency"
	ReasonCycleDetected     = "cycle_detected"
	ReasonGraphTooLarge     = "graph_too_large"
)

// ValidationError reports a rejected delegation graph. Nothing was persisted
// and no node ran.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	return e.Reason + ": " + e.Detail
}

// validateGraph checks the briefs in a fixed order: duplicate ids, dangling
// dependencies, cycles, then size limits. The first violation wins.
func validateGraph(briefs []Brief, maxNodes, maxDepth int) error {
	seen := make(map[string]bool, len(briefs))
	for _, b := range briefs {
		if seen[b.ID] {
			return &ValidationError{Reason: ReasonDuplicateNodeID, Detail: fmt.Sprintf("brief id %q appears more than once", b.ID)}
		}
		seen[b.ID] = true
	}

	for _, b := range briefs {
		for _, dep := range b.DependsOn {
			if !seen[dep] {
				return &ValidationError{Reason: ReasonMissingDependency, Detail: fmt.Sprintf("brief %q depends on unknown id %q", b.ID, dep)}
			}
		}
	}

	if cycle := findCycle(briefs); len(cycle) > 0 {
		return &ValidationError{Reason: ReasonCycleDetected, Detail: "cycle: " + strings.Join(cycle, " -> ")}
	}

	if len(briefs) > maxNodes {
		return &ValidationError{Reason: ReasonGraphTooLarge, Detail: fmt.Sprintf("%d briefs exceed the limit of %d", len(briefs), maxNodes)}
	}
	if depth := longestPath(briefs); depth > maxDepth {
		return &ValidationError{Reason: ReasonGraphTooLarge, Detail: fmt.Sprintf("dependency depth %d exceeds the limit of %d", depth, maxDepth)}
	}

	return nil
}

// findCycle runs a DFS over the dependency edges and returns the node ids of
// the first cycle found, closed back on the starting node. Empty when the
// graph is acyclic. Roots are visited in id order so the reported cycle is
// stable for a given input.
func findCycle(briefs []Brief) []string {
	deps := make(map[string][]string, len(briefs))
	ids := make([]string, 0, len(briefs))
	for _, b := range briefs {
		ids = append(ids, b.ID)
		deps[b.ID] = b.DependsOn
	}
	sort.Strings(ids)

	const (
		white = 0 // unvisited
		grey  = 1 // on the current DFS stack
		black = 2 // fully explored
	)
	color := make(map[string]int, len(ids))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case grey:
				// Found the back edge; slice the stack from the first
				// occurrence of dep to close the loop.
				for i, s := range stack {
					if s == dep {
						return append(append([]string{}, stack[i:]...), dep)
					}
				}
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range ids {
		if color[id] == white {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// longestPath returns the number of nodes on the longest dependency chain.
// A graph with no edges has depth 1. Assumes the graph is already known to
// be acyclic.
func longestPath(briefs []Brief) int {
	deps := make(map[string][]string, len(briefs))
	for _, b := range briefs {
		deps[b.ID] = b.DependsOn
	}

	memo := make(map[string]int, len(briefs))
	var depth func(id string) int
	depth = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		best := 0
		for _, dep := range deps[id] {
			if d := depth(dep); d > best {
				best = d
			}
		}
		memo[id] = best + 1
		return best + 1
	}

	max := 0
	for _, b := range briefs {
		if d := depth(b.ID); d > max {
			max = d
		}
	}
	return max
}

// topoOrder returns a deterministic topological order of the brief ids:
// Kahn's algorithm, always draining the lexicographically smallest ready id
// first. Validation must have passed before calling.
func topoOrder(briefs []Brief) []string {
	indegree := make(map[string]int, len(briefs))
	children := make(map[string][]string, len(briefs))
	for _, b := range briefs {
		indegree[b.ID] += 0
		for _, dep := range b.DependsOn {
			indegree[b.ID]++
			children[dep] = append(children[dep], b.ID)
		}
	}

	var ready []string
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(briefs))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		inserted := false
		for _, child := range children[id] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
				inserted = true
			}
		}
		if inserted {
			sort.Strings(ready)
		}
	}
	return order
}

// descendants returns the transitive children of root: every brief that
// depends on root directly or through other briefs.
func descendants(briefs []Brief, root string) map[string]bool {
	children := make(map[string][]string, len(briefs))
	for _, b := range briefs {
		for _, dep := range b.DependsOn {
			children[dep] = append(children[dep], b.ID)
		}
	}

	out := make(map[string]bool)
	queue := []string{root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range children[id] {
			if !out[child] {
				out[child] = true
				queue = append(queue, child)
			}
		}
	}
	return out
}
