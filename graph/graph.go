// Package graph holds the mutable operator graph compiled by the optimizer: nodes, ported edges,
// the mutation primitives used by the fusion passes and the implementation/layout negotiation.
//
// Nodes and edges live in arenas addressed by stable indices (NodeID, EdgeID). Edges refer to
// their endpoints by index and nodes list their edges by index, so there are no ownership cycles
// and a dropped node stays addressable from the fused-with list of the node that absorbed it.
package graph

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Graph owns the node and edge arenas plus the live node order and edge set.
type Graph struct {
	nodes []*Node
	edges []*Edge

	// order is the live node list: topologically sorted after SortTopologically,
	// new nodes are appended.
	order []NodeID
	// edgeSet is the live edge set, including dropped edges not yet collected.
	edgeSet []EdgeID

	byName map[string]NodeID

	// version is bumped by every structural mutation; memoized constant-ness is tied to it.
	version uint64
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{byName: make(map[string]NodeID)}
}

// AddNode adds n to the graph and returns it. Node names must be unique.
func (g *Graph) AddNode(n *Node) (*Node, error) {
	if n.g != nil {
		return nil, errors.Errorf("node %q already belongs to a graph", n.Name)
	}
	if _, found := g.byName[n.Name]; found {
		return nil, errors.Errorf("duplicate node name %q", n.Name)
	}
	n.g = g
	n.id = NodeID(len(g.nodes))
	g.nodes = append(g.nodes, n)
	g.order = append(g.order, n.id)
	g.byName[n.Name] = n.id
	return n, nil
}

// Node returns the node with the given id.
func (g *Graph) Node(id NodeID) *Node { return g.node(id) }

// NodeByName returns the node with the given name, or nil. Garbage-collected nodes are still found.
func (g *Graph) NodeByName(name string) *Node {
	if id, found := g.byName[name]; found {
		return g.nodes[id]
	}
	return nil
}

// Nodes returns a snapshot of the live node list, in its current order.
func (g *Graph) Nodes() []*Node {
	nodes := make([]*Node, len(g.order))
	for i, id := range g.order {
		nodes[i] = g.nodes[id]
	}
	return nodes
}

// NumNodes returns the number of nodes in the live list.
func (g *Graph) NumNodes() int { return len(g.order) }

// Edges returns a snapshot of the edge set, including dropped edges not yet collected.
func (g *Graph) Edges() []*Edge {
	edges := make([]*Edge, len(g.edgeSet))
	for i, id := range g.edgeSet {
		edges[i] = g.edges[id]
	}
	return edges
}

// NumEdges returns the size of the edge set.
func (g *Graph) NumEdges() int { return len(g.edgeSet) }

// AddEdge connects output parentPort of parent to input childPort of child.
// The input port must be free.
func (g *Graph) AddEdge(parent *Node, parentPort int, child *Node, childPort int, shape shapes.Shape) (*Edge, error) {
	if parent.g != g || child.g != g {
		return nil, errors.Errorf("edge %s->%s: nodes do not belong to this graph", parent.Name, child.Name)
	}
	if parentPort < 0 || childPort < 0 {
		return nil, errors.Errorf("edge %s:%d->%s:%d: negative port", parent.Name, parentPort, child.Name, childPort)
	}
	if e := child.ParentEdgeAt(childPort); e != nil {
		return nil, structuralf("input port %d of %q already fed by %s", childPort, child.Name, e)
	}
	e := &Edge{
		g:          g,
		id:         EdgeID(len(g.edges)),
		parent:     parent.id,
		child:      child.id,
		parentPort: parentPort,
		childPort:  childPort,
		Shape:      shape.Clone(),
	}
	g.edges = append(g.edges, e)
	g.edgeSet = append(g.edgeSet, e.id)
	parent.childEdges = append(parent.childEdges, e.id)
	child.insertParentEdge(e)
	g.invalidate()
	return e, nil
}

// RemoveEdge drops e and erases it from the edge set right away.
func (g *Graph) RemoveEdge(e *Edge) {
	e.Drop()
	g.edgeSet = slices.DeleteFunc(g.edgeSet, func(id EdgeID) bool { return id == e.id })
}

// RemoveNode drops every edge of n. The node is collected by the next RemoveDroppedNodes.
func (g *Graph) RemoveNode(n *Node) {
	for _, e := range n.ParentEdges() {
		e.Drop()
	}
	for _, e := range n.ChildEdges() {
		e.Drop()
	}
}

// DropNode splices n out of the graph: its parent edge is reconnected to each of its children.
//
// The new edges keep the producer's output port and the consumer's input port, and carry the
// consumer-side shape. n must have at most one parent edge: multi-input nodes are handled by
// DropNodeInto, or by removing the extra inputs first.
func (g *Graph) DropNode(n *Node) error {
	parents := n.ParentEdges()
	children := n.ChildEdges()
	if len(parents) > 1 {
		return structuralf("cannot drop node %q with %d parent edges", n.Name, len(parents))
	}
	if len(parents) == 0 {
		for _, ce := range children {
			ce.Drop()
		}
		return nil
	}
	pe := parents[0]
	parent := pe.Parent()
	pe.Drop()
	for _, ce := range children {
		child := ce.Child()
		ce.Drop()
		if _, err := g.AddEdge(parent, pe.parentPort, child, ce.childPort, ce.Shape); err != nil {
			return errors.WithMessagef(err, "while dropping node %q", n.Name)
		}
	}
	if klog.V(3).Enabled() {
		klog.Infof("graph: dropped node %s", n)
	}
	return nil
}

// CheckDropNodeInto returns the error DropNodeInto(n, primary) would fail with, without modifying
// the graph.
func (g *Graph) CheckDropNodeInto(n, primary *Node) error {
	var primaryEdges int
	for _, e := range n.ParentEdges() {
		if e.parent == primary.id {
			primaryEdges++
		}
	}
	if primaryEdges != 1 {
		return structuralf("node %q is fed %d times by %q", n.Name, primaryEdges, primary.Name)
	}
	for _, e := range n.ParentEdges() {
		if e.parent != primary.id && g.IsReachable(primary, e.Parent()) {
			return structuralf("re-homing %s on %q would create a cycle", e, primary.Name)
		}
	}
	return nil
}

// DropNodeInto splices n out of the graph, keeping primary as the producer of n's output.
//
// Edges from n's other parents are re-homed on primary, appended at its next free input ports in
// the order of n's input ports. If n was fused into primary as a sum, the re-homed input becomes
// primary's sum input. It fails without modifying the graph if CheckDropNodeInto fails.
func (g *Graph) DropNodeInto(n, primary *Node) error {
	if err := g.CheckDropNodeInto(n, primary); err != nil {
		return err
	}
	isSum := n.fusionRole == FusedSum && n.fusedInto == primary.id
	for _, e := range n.ParentEdges() {
		if e.parent == primary.id {
			continue
		}
		producer := e.Parent()
		e.Drop()
		added, err := g.AddEdge(producer, e.parentPort, primary, primary.nextFreeInputPort(), e.Shape)
		if err != nil {
			return errors.WithMessagef(err, "while re-homing inputs of %q on %q", n.Name, primary.Name)
		}
		if isSum {
			primary.sumInput = added.childPort
		}
	}
	return g.DropNode(n)
}

// RemoveDroppedNodes removes nodes without edges from the live list.
func (g *Graph) RemoveDroppedNodes() {
	g.order = slices.DeleteFunc(g.order, func(id NodeID) bool {
		n := g.nodes[id]
		if n.IsDropped() {
			n.removed = true
			return true
		}
		return false
	})
}

// RemoveDroppedEdges erases dropped edges from the edge set.
func (g *Graph) RemoveDroppedEdges() {
	g.edgeSet = slices.DeleteFunc(g.edgeSet, func(id EdgeID) bool { return g.edges[id].dropped })
}

// FindEdge returns the live edge from parent to child, or nil. If there are several, the one with
// the lowest input port is returned.
func (g *Graph) FindEdge(parent, child *Node) *Edge {
	for _, e := range child.ParentEdges() {
		if e.parent == parent.id {
			return e
		}
	}
	return nil
}

// invalidate resets derived state after a structural mutation.
func (g *Graph) invalidate() {
	g.version++
}

func (g *Graph) edgeList(ids []EdgeID) []*Edge {
	edges := make([]*Edge, len(ids))
	for i, id := range ids {
		edges[i] = g.edge(id)
	}
	return edges
}

func (g *Graph) nodeName(id NodeID) string {
	if id < 0 || int(id) >= len(g.nodes) {
		return "<invalid>"
	}
	return g.nodes[id].Name
}
