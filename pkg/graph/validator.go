package graph

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Validate checks the graph for structural integrity: unique kernel ids,
// edges that reference registered caches, at most one producer per cache and
// no cycles between kernels.
func (g *Graph) Validate() error {
	if len(g.kernels) == 0 {
		return errors.New("graph must contain at least one kernel")
	}

	seen := make(map[string]bool, len(g.kernels))
	for _, e := range g.kernels {
		if e.id == "" {
			return errors.New("kernel has empty id")
		}
		if seen[e.id] {
			return errors.Newf("duplicate kernel id: %s", e.id)
		}
		seen[e.id] = true
	}

	producer := make(map[string]string)
	for _, e := range g.kernels {
		for _, id := range append(append([]string(nil), e.inputs...), e.outputs...) {
			if !g.HasCache(id) {
				return errors.Newf("kernel %s: cache %q is not registered", e.id, id)
			}
		}
		for _, out := range e.outputs {
			if prev, ok := producer[out]; ok {
				return errors.Newf("cache %q has more than one producer: %s and %s", out, prev, e.id)
			}
			producer[out] = e.id
		}
	}

	return g.detectCycles(producer)
}

// detectCycles performs a DFS-based cycle check over kernel -> kernel edges
// derived from the caches they share.
func (g *Graph) detectCycles(producer map[string]string) error {
	adj := make(map[string][]string)
	for _, e := range g.kernels {
		for _, in := range e.inputs {
			if from, ok := producer[in]; ok {
				adj[from] = append(adj[from], e.id)
			}
		}
	}

	const (
		white = 0 // unvisited
		gray  = 1 // visiting (in current path)
		black = 2 // done
	)

	color := make(map[string]int)
	var path []string

	var dfs func(node string) error
	dfs = func(node string) error {
		color[node] = gray
		path = append(path, node)

		for _, next := range adj[node] {
			switch color[next] {
			case gray:
				cycleStart := 0
				for i, n := range path {
					if n == next {
						cycleStart = i
						break
					}
				}
				cycle := append(append([]string(nil), path[cycleStart:]...), next)
				return errors.Newf("cycle detected: %s", strings.Join(cycle, " -> "))
			case white:
				if err := dfs(next); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		color[node] = black
		return nil
	}

	for _, e := range g.kernels {
		if color[e.id] == white {
			if err := dfs(e.id); err != nil {
				return err
			}
		}
	}
	return nil
}
