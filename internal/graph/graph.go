// Package graph validates task dependency graphs and orders their members.
package graph

import (
	"sort"
	"strings"

	"flowline/internal/domain"
)

// Validate rejects g when it has a duplicate edge, a self-loop, an edge to a
// non-member, or a cycle. It has no side effects.
func Validate(g domain.Graph) error {
	members := make(map[string]struct{}, len(g.Tasks))
	for _, t := range g.Tasks {
		if _, dup := members[t]; dup {
			return domain.ConflictErr(domain.CodeDuplicateEdge, "task %s listed twice", t).On(domain.AggGraph, g.ID).With("task", t)
		}
		members[t] = struct{}{}
	}
	seen := make(map[domain.Edge]struct{}, len(g.Edges))
	for _, e := range g.Edges {
		if e.Task == e.Prerequisite {
			return domain.ConflictErr(domain.CodeGraphCycle, "task %s depends on itself", e.Task).
				On(domain.AggGraph, g.ID).With("cycle", []string{e.Task, e.Task})
		}
		if _, ok := members[e.Task]; !ok {
			return domain.InvalidInput("edge references task %s outside the graph", e.Task).On(domain.AggGraph, g.ID)
		}
		if _, ok := members[e.Prerequisite]; !ok {
			return domain.InvalidInput("edge references task %s outside the graph", e.Prerequisite).On(domain.AggGraph, g.ID)
		}
		if _, dup := seen[e]; dup {
			return domain.ConflictErr(domain.CodeDuplicateEdge, "duplicate edge %s -> %s", e.Task, e.Prerequisite).
				On(domain.AggGraph, g.ID).With("edge", e)
		}
		seen[e] = struct{}{}
	}
	if cycle := FindCycle(g.Tasks, g.Edges); cycle != nil {
		return domain.ConflictErr(domain.CodeGraphCycle, "dependency cycle %s", strings.Join(cycle, " -> ")).
			On(domain.AggGraph, g.ID).With("cycle", cycle)
	}
	return nil
}

// FindCycle returns one cycle (first node repeated at the end) or nil.
func FindCycle(tasks []string, edges []domain.Edge) []string {
	adj := adjacency(edges)
	const (
		white = iota
		grey
		black
	)
	color := map[string]int{}
	var stack []string
	var found []string
	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = grey
		stack = append(stack, n)
		for _, m := range adj[n] {
			switch color[m] {
			case grey:
				for i, s := range stack {
					if s == m {
						found = append(append([]string{}, stack[i:]...), m)
						return true
					}
				}
			case white:
				if visit(m) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}
	sorted := append([]string(nil), tasks...)
	sort.Strings(sorted)
	for _, t := range sorted {
		if color[t] == white && visit(t) {
			return found
		}
	}
	return nil
}

// adjacency maps task -> prerequisites, sorted for deterministic traversal.
func adjacency(edges []domain.Edge) map[string][]string {
	adj := map[string][]string{}
	for _, e := range edges {
		adj[e.Task] = append(adj[e.Task], e.Prerequisite)
	}
	for k := range adj {
		sort.Strings(adj[k])
	}
	return adj
}

// TopoOrder returns tasks with every prerequisite before its dependents, ties
// broken by id. The graph must be acyclic.
func TopoOrder(tasks []string, edges []domain.Edge) ([]string, error) {
	indeg := make(map[string]int, len(tasks))
	dependents := map[string][]string{}
	for _, t := range tasks {
		indeg[t] = 0
	}
	for _, e := range edges {
		indeg[e.Task]++
		dependents[e.Prerequisite] = append(dependents[e.Prerequisite], e.Task)
	}
	var queue []string
	for t, d := range indeg {
		if d == 0 {
			queue = append(queue, t)
		}
	}
	sort.Strings(queue)
	var out []string
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		out = append(out, n)
		next := dependents[n]
		sort.Strings(next)
		for _, m := range next {
			indeg[m]--
			if indeg[m] == 0 {
				queue = append(queue, m)
				sort.Strings(queue)
			}
		}
	}
	if len(out) != len(tasks) {
		return nil, domain.ConflictErr(domain.CodeGraphCycle, "graph contains a cycle")
	}
	return out, nil
}

// DependentsDepth returns, per task, the length of the longest chain of tasks
// that transitively depend on it. Tasks unblocking more work score higher.
func DependentsDepth(tasks []string, edges []domain.Edge) map[string]int {
	dependents := map[string][]string{}
	for _, e := range edges {
		dependents[e.Prerequisite] = append(dependents[e.Prerequisite], e.Task)
	}
	memo := map[string]int{}
	var depth func(string, map[string]bool) int
	depth = func(t string, onPath map[string]bool) int {
		if d, ok := memo[t]; ok {
			return d
		}
		if onPath[t] {
			return 0
		}
		onPath[t] = true
		best := 0
		for _, d := range dependents[t] {
			if v := depth(d, onPath) + 1; v > best {
				best = v
			}
		}
		delete(onPath, t)
		memo[t] = best
		return best
	}
	out := make(map[string]int, len(tasks))
	for _, t := range tasks {
		out[t] = depth(t, map[string]bool{})
	}
	return out
}

// EdgesAmong derives graph edges from tasks' declared dependencies, keeping
// only edges whose endpoints are both members.
func EdgesAmong(members []string, dependsOn map[string][]string) []domain.Edge {
	in := make(map[string]struct{}, len(members))
	for _, m := range members {
		in[m] = struct{}{}
	}
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)
	var edges []domain.Edge
	for _, t := range sorted {
		deps := append([]string(nil), dependsOn[t]...)
		sort.Strings(deps)
		for _, d := range deps {
			if _, ok := in[d]; ok {
				edges = append(edges, domain.Edge{Task: t, Prerequisite: d})
			}
		}
	}
	return edges
}
