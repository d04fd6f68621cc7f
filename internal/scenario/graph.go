package scenario

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is the validated dependency structure of a scenario: forward
// and reverse adjacency plus a topological order. Sibling nodes with no
// dependency relation carry no ordering guarantee beyond their position
// in Order, which is stable (lexicographic among launchable nodes) for
// reproducible runs.
type Graph struct {
	order      []string
	deps       map[string][]string
	dependents map[string][]string
}

func newGraph(nodes map[string]*Node) (*Graph, error) {
	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	deps := make(map[string][]string, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, name := range names {
		seen := map[string]bool{}
		for _, dep := range nodes[name].DependsOn {
			if dep == name {
				return nil, fmt.Errorf("%w: node %q depends on itself", ErrInvalidTopology, name)
			}
			if _, ok := nodes[dep]; !ok {
				return nil, fmt.Errorf("%w: node %q depends on undeclared node %q", ErrUnknownDependency, name, dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			deps[name] = append(deps[name], dep)
			dependents[dep] = append(dependents[dep], name)
		}
		sort.Strings(deps[name])
	}
	for _, dep := range dependents {
		sort.Strings(dep)
	}

	// Kahn's algorithm over the sorted name list.
	indegree := make(map[string]int, len(nodes))
	for _, name := range names {
		indegree[name] = len(deps[name])
	}
	order := make([]string, 0, len(nodes))
	placed := make(map[string]bool, len(nodes))
	for len(order) < len(names) {
		advanced := false
		for _, name := range names {
			if placed[name] || indegree[name] != 0 {
				continue
			}
			placed[name] = true
			order = append(order, name)
			for _, d := range dependents[name] {
				indegree[d]--
			}
			advanced = true
		}
		if !advanced {
			var cycle []string
			for _, name := range names {
				if !placed[name] {
					cycle = append(cycle, name)
				}
			}
			return nil, fmt.Errorf("%w: dependency cycle involving %s", ErrInvalidTopology, strings.Join(cycle, ", "))
		}
	}

	return &Graph{order: order, deps: deps, dependents: dependents}, nil
}

// Order returns a valid start order: every node appears after all of
// its dependencies.
func (g *Graph) Order() []string {
	return g.order
}

// Dependencies returns the direct dependencies of a node.
func (g *Graph) Dependencies(name string) []string {
	return g.deps[name]
}

// Dependents returns the nodes that directly depend on name.
func (g *Graph) Dependents(name string) []string {
	return g.dependents[name]
}

// Roots returns the nodes with no dependencies.
func (g *Graph) Roots() []string {
	var roots []string
	for _, name := range g.order {
		if len(g.deps[name]) == 0 {
			roots = append(roots, name)
		}
	}
	return roots
}
