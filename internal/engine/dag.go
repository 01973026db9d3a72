package engine

import (
	"fmt"
	"strings"
)

// DAG records which steps feed which. Nodes keep their insertion order,
// which breaks ties in the topological order.
type DAG struct {
	nodes []string
	deps  map[string][]string
}

// NewDAG creates an empty graph.
func NewDAG() *DAG {
	return &DAG{deps: map[string][]string{}}
}

// Add declares a node and its upstream nodes. Upstream nodes need not be
// declared yet.
func (g *DAG) Add(name string, upstream ...string) {
	if _, ok := g.deps[name]; !ok {
		g.nodes = append(g.nodes, name)
	}
	g.deps[name] = append(g.deps[name], upstream...)
}

// Upstream returns the direct upstream nodes of name.
func (g *DAG) Upstream(name string) []string { return g.deps[name] }

// Order returns the nodes so that every node follows its upstream nodes.
// It fails on unknown upstream nodes and on cycles.
func (g *DAG) Order() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	downstream := make(map[string][]string, len(g.nodes))
	for _, n := range g.nodes {
		for _, u := range g.deps[n] {
			if _, ok := g.deps[u]; !ok {
				return nil, fmt.Errorf("step %q depends on unknown step %q", n, u)
			}
			indegree[n]++
			downstream[u] = append(downstream[u], n)
		}
	}

	var queue, order []string
	for _, n := range g.nodes {
		if indegree[n] == 0 {
			queue = append(queue, n)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, d := range downstream[n] {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if len(order) != len(g.nodes) {
		var stuck []string
		for _, n := range g.nodes {
			if indegree[n] > 0 {
				stuck = append(stuck, n)
			}
		}
		return nil, fmt.Errorf("cycle between steps %s", strings.Join(stuck, ", "))
	}
	return order, nil
}

// Downstream returns every node reachable from name, in topological order.
func (g *DAG) Downstream(name string) ([]string, error) {
	order, err := g.Order()
	if err != nil {
		return nil, err
	}
	reached := map[string]bool{name: true}
	var out []string
	for _, n := range order {
		for _, u := range g.deps[n] {
			if reached[u] && !reached[n] {
				reached[n] = true
				out = append(out, n)
			}
		}
	}
	return out, nil
}
