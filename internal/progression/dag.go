package progression

import (
	"fmt"
)

// Graph is a dependency DAG over nodes of type K. The same implementation
// gates both tiers of the content: levels over level ids and program groups
// over group names within one level.
type Graph[K comparable] struct {
	order []K
	deps  map[K][]K
	topo  []K
}

// CycleError reports a dependency cycle, listing the member keys in the
// order the traversal found them.
type CycleError[K comparable] struct {
	Members []K
}

func (e *CycleError[K]) Error() string {
	return fmt.Sprintf("dependency cycle: %v", e.Members)
}

// NewGraph creates an empty graph
func NewGraph[K comparable]() *Graph[K] {
	return &Graph[K]{deps: make(map[K][]K)}
}

// AddNode registers a node. Adding a node twice is an error: duplicate
// declarations in content are a validation failure, not a merge.
func (g *Graph[K]) AddNode(key K) error {
	if _, ok := g.deps[key]; ok {
		return fmt.Errorf("duplicate node %v", key)
	}
	g.deps[key] = nil
	g.order = append(g.order, key)
	return nil
}

// AddEdge declares that node depends on dep. Both must already be declared.
func (g *Graph[K]) AddEdge(node, dep K) error {
	if _, ok := g.deps[node]; !ok {
		return fmt.Errorf("unknown node %v", node)
	}
	if _, ok := g.deps[dep]; !ok {
		return fmt.Errorf("%v depends on undeclared %v", node, dep)
	}
	g.deps[node] = append(g.deps[node], dep)
	return nil
}

// Deps returns the direct dependencies of a node
func (g *Graph[K]) Deps(node K) []K {
	return g.deps[node]
}

// Nodes returns all nodes in declaration order
func (g *Graph[K]) Nodes() []K {
	return g.order
}

// Validate checks the graph is acyclic using a depth-first traversal with a
// recursion-stack marker. On failure it returns a *CycleError with the
// offending cycle's members. It also records a topological order for
// TopoOrder.
func (g *Graph[K]) Validate() error {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)

	state := make(map[K]int, len(g.deps))
	g.topo = g.topo[:0]

	var stack []K
	var visit func(K) *CycleError[K]
	visit = func(node K) *CycleError[K] {
		state[node] = inStack
		stack = append(stack, node)

		for _, dep := range g.deps[node] {
			switch state[dep] {
			case inStack:
				// Slice the recursion stack from the first occurrence of
				// dep to recover the cycle members.
				for i, k := range stack {
					if k == dep {
						members := make([]K, len(stack)-i)
						copy(members, stack[i:])
						return &CycleError[K]{Members: members}
					}
				}
			case unvisited:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[node] = done
		g.topo = append(g.topo, node)
		return nil
	}

	for _, node := range g.order {
		if state[node] == unvisited {
			if cyc := visit(node); cyc != nil {
				g.topo = nil
				return cyc
			}
		}
	}

	return nil
}

// TopoOrder returns a dependency-first order of all nodes. Valid only after
// a successful Validate.
func (g *Graph[K]) TopoOrder() []K {
	return g.topo
}

// Ready returns the nodes whose dependencies are all done, excluding nodes
// that are themselves done. This is the activation rule shared by both
// tiers: unlocked levels and active groups.
func (g *Graph[K]) Ready(isDone func(K) bool) []K {
	var ready []K
	for _, node := range g.order {
		if isDone(node) {
			continue
		}
		blocked := false
		for _, dep := range g.deps[node] {
			if !isDone(dep) {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, node)
		}
	}
	return ready
}
