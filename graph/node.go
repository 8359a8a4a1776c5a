package graph

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// NodeID indexes the graph's node arena. It is stable for the whole compilation, also for nodes
// already garbage-collected from the live list (they may still be referenced from fused-with lists).
type NodeID int

// InvalidNodeID is returned where no node applies.
const InvalidNodeID NodeID = -1

// QuantizeAttrs are the parameters of a FakeQuantize node. Each list is either per-channel or has a
// single element broadcast to all channels.
type QuantizeAttrs struct {
	Levels                   int
	CropLow, CropHigh        []float32
	InputScale, InputShift   []float32
	OutputScale, OutputShift []float32
}

// Clone returns a deep copy.
func (q *QuantizeAttrs) Clone() *QuantizeAttrs {
	if q == nil {
		return nil
	}
	return &QuantizeAttrs{
		Levels:      q.Levels,
		CropLow:     slices.Clone(q.CropLow),
		CropHigh:    slices.Clone(q.CropHigh),
		InputScale:  slices.Clone(q.InputScale),
		InputShift:  slices.Clone(q.InputShift),
		OutputScale: slices.Clone(q.OutputScale),
		OutputShift: slices.Clone(q.OutputShift),
	}
}

// ReorderAttrs configure a Reorder (format-conversion) node.
type ReorderAttrs struct {
	In, Out TensorDesc
	// Optimized reorders relabel memory without moving data.
	Optimized bool
	// Scales, if set, are applied per channel during conversion.
	Scales []float32
}

// MVNAttrs configure a mean-variance normalization node.
type MVNAttrs struct {
	AcrossChannels    bool
	NormalizeVariance bool
}

// Node is one operator of the graph.
type Node struct {
	g  *Graph
	id NodeID

	Name string
	Kind Kind
	// Algorithm refines Kind, e.g. EltwiseRelu.
	Algorithm Algorithm
	// TypeName is the operator type of Generic nodes, e.g. "Broadcast".
	TypeName string

	parentEdges, childEdges []EdgeID

	fusedWith  []NodeID
	fusionRole FusionRole
	fusedInto  NodeID
	fusingPort int
	// sumInput is the input port accumulated into the output by a fused sum, or -1.
	sumInput int
	// fusedConstants keeps the values of constant inputs disconnected when this node was fused.
	fusedConstants []*tensors.Tensor

	originalLayers           []string
	OriginalInputPrecisions  []dtypes.DType
	OriginalOutputPrecisions []dtypes.DType

	constant        ConstantType
	constantVersion uint64
	removed         bool

	// Value is set on constant Input nodes.
	Value *tensors.Tensor
	// Alpha and Beta parametrize eltwise clamp, linear, elu and bounded-relu.
	Alpha, Beta float32
	Quantize    *QuantizeAttrs
	// Permutation is the axes order of a Transpose.
	Permutation []int
	Reorder     *ReorderAttrs
	MVN         MVNAttrs

	supported []Descriptor
	selected  int
}

// NewNode creates a detached node. Add it to a graph with Graph.AddNode.
func NewNode(name string, kind Kind, algorithm Algorithm) *Node {
	return &Node{
		id:             InvalidNodeID,
		Name:           name,
		Kind:           kind,
		Algorithm:      algorithm,
		fusedInto:      InvalidNodeID,
		fusingPort:     -1,
		sumInput:       -1,
		selected:       -1,
		originalLayers: []string{name},
	}
}

// ID returns the node's arena index.
func (n *Node) ID() NodeID { return n.id }

// Graph owning the node.
func (n *Node) Graph() *Graph { return n.g }

// ParentEdges returns the live parent edges, sorted by input port.
func (n *Node) ParentEdges() []*Edge { return n.g.edgeList(n.parentEdges) }

// ChildEdges returns the live child edges, in insertion order.
func (n *Node) ChildEdges() []*Edge { return n.g.edgeList(n.childEdges) }

// NumParentEdges returns the number of live parent edges.
func (n *Node) NumParentEdges() int { return len(n.parentEdges) }

// NumChildEdges returns the number of live child edges.
func (n *Node) NumChildEdges() int { return len(n.childEdges) }

// ParentEdgeAt returns the edge feeding input port, or nil.
func (n *Node) ParentEdgeAt(port int) *Edge {
	for _, id := range n.parentEdges {
		if e := n.g.edge(id); e.childPort == port {
			return e
		}
	}
	return nil
}

// Parent returns the producer feeding input port, or nil.
func (n *Node) Parent(port int) *Node {
	if e := n.ParentEdgeAt(port); e != nil {
		return e.Parent()
	}
	return nil
}

// ChildEdgesAt returns the edges leaving output port.
func (n *Node) ChildEdgesAt(port int) []*Edge {
	var edges []*Edge
	for _, id := range n.childEdges {
		if e := n.g.edge(id); e.parentPort == port {
			edges = append(edges, e)
		}
	}
	return edges
}

// SoleChild returns the consumer of the only child edge, or nil if there are 0 or 2+ child edges.
func (n *Node) SoleChild() *Node {
	if len(n.childEdges) != 1 {
		return nil
	}
	return n.g.edge(n.childEdges[0]).Child()
}

// Parents returns the producers of every parent edge, in port order. A producer feeding more than
// one port appears once per edge.
func (n *Node) Parents() []*Node {
	parents := make([]*Node, 0, len(n.parentEdges))
	for _, e := range n.ParentEdges() {
		parents = append(parents, e.Parent())
	}
	return parents
}

// Children returns the consumers of every child edge.
func (n *Node) Children() []*Node {
	children := make([]*Node, 0, len(n.childEdges))
	for _, e := range n.ChildEdges() {
		children = append(children, e.Child())
	}
	return children
}

// HasParent reports whether p feeds any input of n.
func (n *Node) HasParent(p *Node) bool {
	for _, e := range n.ParentEdges() {
		if e.parent == p.id {
			return true
		}
	}
	return false
}

// OutputDims returns the dims of the first edge leaving output port 0, or nil.
func (n *Node) OutputDims() []int {
	if edges := n.ChildEdgesAt(0); len(edges) > 0 {
		return edges[0].Dims()
	}
	return nil
}

// IsDropped reports whether the node has no edges left.
func (n *Node) IsDropped() bool {
	return len(n.parentEdges) == 0 && len(n.childEdges) == 0
}

// IsRemoved reports whether the node was garbage-collected from the graph's live list.
func (n *Node) IsRemoved() bool { return n.removed }

// FusedWith returns the nodes folded into n, in application order.
func (n *Node) FusedWith() []*Node {
	nodes := make([]*Node, len(n.fusedWith))
	for i, id := range n.fusedWith {
		nodes[i] = n.g.node(id)
	}
	return nodes
}

// PostOps returns the fused nodes that act on n's output, that is everything but folded biases.
func (n *Node) PostOps() []*Node {
	var ops []*Node
	for _, id := range n.fusedWith {
		if fused := n.g.node(id); fused.fusionRole != FusedBias {
			ops = append(ops, fused)
		}
	}
	return ops
}

// FusionRole returns how n was absorbed into its host, or NotFused.
func (n *Node) FusionRole() FusionRole { return n.fusionRole }

// FusedInto returns the host n was folded into, or nil.
func (n *Node) FusedInto() *Node {
	if n.fusedInto == InvalidNodeID {
		return nil
	}
	return n.g.node(n.fusedInto)
}

// FusingPort is the input port of n that received its host's output when n was fused.
func (n *Node) FusingPort() int { return n.fusingPort }

// SumInputPort returns the input port carrying the branch that a fused sum accumulates into n's
// output buffer, or -1 if no sum was fused into n.
func (n *Node) SumInputPort() int { return n.sumInput }

// FusedConstants returns the values of the constant inputs disconnected from n when it was fused.
func (n *Node) FusedConstants() []*tensors.Tensor { return n.fusedConstants }

// OriginalLayers lists the importer layers n now represents.
func (n *Node) OriginalLayers() []string { return n.originalLayers }

// AddOriginalLayer records that n now also represents layer.
func (n *Node) AddOriginalLayer(layer string) {
	if !slices.Contains(n.originalLayers, layer) {
		n.originalLayers = append(n.originalLayers, layer)
	}
}

// AddOriginalInputPrecision appends the precision of an input absorbed by a fusion.
func (n *Node) AddOriginalInputPrecision(dtype dtypes.DType) {
	n.OriginalInputPrecisions = append(n.OriginalInputPrecisions, dtype)
}

// OriginalInputPrecisionAt returns the original precision of input port, falling back to the
// precision of the edge currently feeding it.
func (n *Node) OriginalInputPrecisionAt(port int) dtypes.DType {
	if port < len(n.OriginalInputPrecisions) {
		return n.OriginalInputPrecisions[port]
	}
	if e := n.ParentEdgeAt(port); e != nil {
		return e.Precision()
	}
	return dtypes.InvalidDType
}

// OriginalOutputPrecisionAt returns the original precision of output port, falling back to the
// precision of an edge leaving it.
func (n *Node) OriginalOutputPrecisionAt(port int) dtypes.DType {
	if port < len(n.OriginalOutputPrecisions) {
		return n.OriginalOutputPrecisions[port]
	}
	if edges := n.ChildEdgesAt(port); len(edges) > 0 {
		return edges[0].Precision()
	}
	return dtypes.InvalidDType
}

// OutputPrecision is the precision n emits once its post-ops are applied.
func (n *Node) OutputPrecision() dtypes.DType {
	if ops := n.PostOps(); len(ops) > 0 {
		if dt := ops[len(ops)-1].OriginalOutputPrecisionAt(0); dt != dtypes.InvalidDType {
			return dt
		}
	}
	return n.OriginalOutputPrecisionAt(0)
}

// CanBeExecutedInInt8 reports whether a convolution-like node runs on quantized data: u8/i8
// activations with i8 weights.
func (n *Node) CanBeExecutedInInt8() bool {
	in := n.OriginalInputPrecisionAt(0)
	w := n.OriginalInputPrecisionAt(1)
	return (in == dtypes.Uint8 || in == dtypes.Int8) && w == dtypes.Int8
}

// FuseInto folds n into parent as a post-op. See FuseIntoAs.
func (n *Node) FuseInto(parent *Node) error {
	return n.FuseIntoAs(parent, FusedPostOp)
}

// FuseIntoAs appends n to parent's fused-with list with the given role.
//
// The fusing port is the input port of n fed by parent, or by the last node already fused into
// parent. Values of n's constant inputs are captured, since callers usually disconnect them next.
func (n *Node) FuseIntoAs(parent *Node, role FusionRole) error {
	if n == parent {
		return structuralf("cannot fuse node %q into itself", n.Name)
	}
	if slices.Contains(parent.fusedWith, n.id) {
		return structuralf("node %q is already fused into %q", n.Name, parent.Name)
	}
	if n.fusedInto != InvalidNodeID {
		return structuralf("node %q is already fused into %q", n.Name, n.g.nodeName(n.fusedInto))
	}
	port := -1
	for _, e := range n.ParentEdges() {
		if e.parent == parent.id {
			port = e.childPort
			break
		}
	}
	if port < 0 && len(parent.fusedWith) > 0 {
		last := parent.fusedWith[len(parent.fusedWith)-1]
		for _, e := range n.ParentEdges() {
			if e.parent == last {
				port = e.childPort
				break
			}
		}
	}
	if port < 0 {
		return structuralf("cannot determine fusing port of %q into %q", n.Name, parent.Name)
	}
	n.fusingPort = port
	n.fusionRole = role
	n.fusedInto = parent.id
	for _, e := range n.ParentEdges() {
		if e.childPort == port {
			continue
		}
		if p := e.Parent(); p.Kind == KindInput && p.Value != nil {
			n.fusedConstants = append(n.fusedConstants, p.Value)
		}
	}
	parent.fusedWith = append(parent.fusedWith, n.id)
	for _, layer := range n.originalLayers {
		parent.AddOriginalLayer(layer)
	}
	return nil
}

// SupportedDescriptors returns the candidate descriptors built by InitDescriptors.
func (n *Node) SupportedDescriptors() []Descriptor { return n.supported }

// SelectedDescriptor returns the selected descriptor, or nil.
func (n *Node) SelectedDescriptor() *Descriptor {
	if n.selected < 0 || n.selected >= len(n.supported) {
		return nil
	}
	return &n.supported[n.selected]
}

// SelectDescriptor selects candidate idx.
func (n *Node) SelectDescriptor(idx int) error {
	if idx < 0 || idx >= len(n.supported) {
		return errors.WithMessagef(ErrNoDescriptor, "node %q: descriptor %d out of %d", n.Name, idx, len(n.supported))
	}
	n.selected = idx
	return nil
}

func (n *Node) isOptimizedReorder() bool {
	return n.Kind == KindReorder && n.Reorder != nil && n.Reorder.Optimized
}

func (n *Node) removeParentEdge(id EdgeID) {
	n.parentEdges = slices.DeleteFunc(n.parentEdges, func(e EdgeID) bool { return e == id })
}

func (n *Node) removeChildEdge(id EdgeID) {
	n.childEdges = slices.DeleteFunc(n.childEdges, func(e EdgeID) bool { return e == id })
}

// insertParentEdge keeps parentEdges sorted by input port.
func (n *Node) insertParentEdge(e *Edge) {
	idx, _ := slices.BinarySearchFunc(n.parentEdges, e.childPort, func(id EdgeID, port int) int {
		return n.g.edge(id).childPort - port
	})
	n.parentEdges = slices.Insert(n.parentEdges, idx, e.id)
}

// nextFreeInputPort returns the port after the highest one in use.
func (n *Node) nextFreeInputPort() int {
	if len(n.parentEdges) == 0 {
		return 0
	}
	return n.g.edge(n.parentEdges[len(n.parentEdges)-1]).childPort + 1
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n == nil {
		return "<nil node>"
	}
	if n.Algorithm != AlgorithmDefault {
		return fmt.Sprintf("%s(%s/%s)", n.Name, n.Kind, n.Algorithm)
	}
	if n.TypeName != "" {
		return fmt.Sprintf("%s(%s/%s)", n.Name, n.Kind, n.TypeName)
	}
	return fmt.Sprintf("%s(%s)", n.Name, n.Kind)
}

// node returns the node for id, panicking on an index outside the arena.
func (g *Graph) node(id NodeID) *Node {
	if id < 0 || int(id) >= len(g.nodes) {
		exceptions.Panicf("node index %d outside the arena (%d nodes)", id, len(g.nodes))
	}
	return g.nodes[id]
}
