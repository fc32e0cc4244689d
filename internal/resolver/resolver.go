// Package resolver computes a deterministic module startup order via
// Kahn's algorithm.
package resolver

import (
	"sort"

	"github.com/arcane-ops/sentryrun/internal/kerrors"
)

// Node is the minimal shape the resolver needs from a module manifest.
type Node struct {
	ID           string
	Dependencies []string
}

// Resolve computes a topological order over nodes, breaking ties
// lexicographically by id for determinism. It rejects self-loops and
// references to unknown modules before running Kahn's algorithm, and
// reports any residual (non-orderable) set as a cycle.
func Resolve(nodes []Node) ([]string, error) {
	byID := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	// dependents[b] = modules that depend on b, and inDegree[a] = number of
	// dependencies a has: the adjacency and in-degrees Kahn's algorithm needs.
	dependents := make(map[string][]string)
	inDegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		inDegree[n.ID] = 0
	}

	for _, n := range nodes {
		for _, dep := range n.Dependencies {
			if dep == n.ID {
				return nil, kerrors.NewSelfLoopDependencyError(n.ID)
			}
			if _, ok := byID[dep]; !ok {
				return nil, kerrors.NewMissingDependencyError(n.ID, dep)
			}
			dependents[dep] = append(dependents[dep], n.ID)
			inDegree[n.ID]++
		}
	}

	// Ready queue, always kept sorted so ties break lexicographically.
	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		next := append([]string{}, dependents[id]...)
		sort.Strings(next)
		for _, d := range next {
			inDegree[d]--
			if inDegree[d] == 0 {
				ready = insertSorted(ready, d)
			}
		}
	}

	if len(order) != len(nodes) {
		ordered := make(map[string]bool, len(order))
		for _, id := range order {
			ordered[id] = true
		}
		var residual []string
		for _, n := range nodes {
			if !ordered[n.ID] {
				residual = append(residual, n.ID)
			}
		}
		sort.Strings(residual)
		return nil, kerrors.NewCycleDependencyError(residual)
	}

	return order, nil
}

func insertSorted(s []string, v string) []string {
	i := sort.SearchStrings(s, v)
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// Reverse returns a new slice with order reversed, used to compute shutdown
// order from a startup order (shutdown visits running
// modules in reverse dependency order).
func Reverse(order []string) []string {
	out := make([]string, len(order))
	for i, id := range order {
		out[len(order)-1-i] = id
	}
	return out
}
