package workflow

import (
	"fmt"

	"github.com/ncolesummers/handywriterz/pkg/state"
)

// End is the pseudo node that terminates a run
const End = ""

// Router picks the next node from the state after a node completes
type Router func(snap state.Snapshot) string

// Graph is the directed node graph the orchestrator walks. Edges are either
// fixed or conditional on the merged state.
type Graph struct {
	entry  string
	nodes  map[string]Node
	order  []string
	routes map[string]Router
	// targets lists every node a conditional route may return, for validation
	targets map[string][]string
}

// NewGraph creates an empty graph
func NewGraph() *Graph {
	return &Graph{
		nodes:   make(map[string]Node),
		routes:  make(map[string]Router),
		targets: make(map[string][]string),
	}
}

// AddNode registers a node. The first node added is the entry point.
func (g *Graph) AddNode(node Node) error {
	if node == nil {
		return fmt.Errorf("node cannot be nil")
	}
	name := node.Name()
	if name == "" {
		return fmt.Errorf("node name cannot be empty")
	}
	if _, exists := g.nodes[name]; exists {
		return fmt.Errorf("node %s already registered", name)
	}
	g.nodes[name] = node
	g.order = append(g.order, name)
	if g.entry == "" {
		g.entry = name
	}
	return nil
}

// AddEdge adds a fixed transition
func (g *Graph) AddEdge(from, to string) {
	g.routes[from] = func(state.Snapshot) string { return to }
	g.targets[from] = []string{to}
}

// AddConditionalEdge adds a transition decided by route, which must return
// one of targets
func (g *Graph) AddConditionalEdge(from string, route Router, targets ...string) {
	g.routes[from] = route
	g.targets[from] = targets
}

// Validate checks that every node has an outgoing edge and every edge leads
// to a known node or End
func (g *Graph) Validate() error {
	if g.entry == "" {
		return fmt.Errorf("graph has no nodes")
	}
	for _, name := range g.order {
		if _, ok := g.routes[name]; !ok {
			return fmt.Errorf("node %s has no outgoing edge", name)
		}
	}
	for from, targets := range g.targets {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("edge from unknown node %s", from)
		}
		for _, to := range targets {
			if to == End {
				continue
			}
			if _, ok := g.nodes[to]; !ok {
				return fmt.Errorf("edge %s -> %s targets an unknown node", from, to)
			}
		}
	}
	return nil
}

// Entry returns the first node of the graph
func (g *Graph) Entry() string {
	return g.entry
}

// Node returns a registered node
func (g *Graph) Node(name string) (Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Nodes returns node names in registration order
func (g *Graph) Nodes() []string {
	return append([]string(nil), g.order...)
}

// Next returns the node that follows from after its delta was merged
func (g *Graph) Next(from string, snap state.Snapshot) (string, error) {
	route, ok := g.routes[from]
	if !ok {
		return End, fmt.Errorf("node %s has no outgoing edge", from)
	}
	to := route(snap)
	if to == End {
		return End, nil
	}
	if _, ok := g.nodes[to]; !ok {
		return End, fmt.Errorf("node %s routed to unknown node %s", from, to)
	}
	return to, nil
}

// Progress returns the overall percentage reached once name has completed
func (g *Graph) Progress(name string) float64 {
	for i, n := range g.order {
		if n == name {
			return float64(i+1) / float64(len(g.order)) * 100
		}
	}
	return 0
}
