package optimizer

import (
	"github.com/gomlx/cpugraph/graph"
	"github.com/pkg/errors"
)

// DropDoubleReorders replaces two chained reorders with one converting straight from the first's
// input to the second's output. At most one of them may carry scales.
var DropDoubleReorders = &Pass{
	Name:    "DropDoubleReorders",
	Match:   matchDoubleReorders,
	Rewrite: dropDoubleReorders,
}

func isReorder(n *graph.Node) bool {
	return n.Kind == graph.KindReorder && n.Reorder != nil
}

func matchDoubleReorders(n *graph.Node) (*graph.Node, *graph.Node, bool) {
	if !isReorder(n) || n.ParentEdgeAt(0) == nil {
		return nil, nil, false
	}
	next, ok := soleChildOf(n)
	if !ok || !isReorder(next) || next.NumChildEdges() != 1 {
		return nil, nil, false
	}
	return n, next, true
}

func dropDoubleReorders(g *graph.Graph, first, second *graph.Node) error {
	scales := first.Reorder.Scales
	if len(scales) > 0 && len(second.Reorder.Scales) > 0 {
		return errors.WithMessagef(graph.ErrUnsupportedPattern, "merging scales of reorders %q and %q", first.Name, second.Name)
	}
	if len(scales) == 0 {
		scales = second.Reorder.Scales
	}
	in, out := first.Reorder.In, second.Reorder.Out
	src := first.ParentEdgeAt(0)
	producer, port := src.Parent(), src.ParentPort()
	consumer := second.SoleChild()

	if err := g.DropNode(first); err != nil {
		return err
	}
	if err := g.DropNode(second); err != nil {
		return err
	}
	edge := findEdgeAt(producer, port, consumer)
	if edge == nil {
		return errors.WithMessagef(graph.ErrStructural, "no edge from %q to %q after dropping reorders %q and %q",
			producer.Name, consumer.Name, first.Name, second.Name)
	}
	reorder, err := g.InsertReorder(edge, producer.Name+"_ScaleReorder_"+consumer.Name, in, out, false, scales)
	if err != nil {
		return err
	}
	return markForAllocation(reorder)
}

// MergeTransposeAndReorder removes a Transpose followed by a Reorder when, given the memory layouts
// selected around them, the two permutations cancel out. They are replaced by an optimized reorder
// that only relabels the memory, plus a precision conversion if the Reorder also changed precision.
var MergeTransposeAndReorder = &Pass{
	Name:    "MergeTransposeAndReorder",
	Match:   matchTransposeAndReorder,
	Rewrite: mergeTransposeAndReorder,
}

func matchTransposeAndReorder(n *graph.Node) (*graph.Node, *graph.Node, bool) {
	if n.Kind != graph.KindTranspose || n.NumChildEdges() != 1 || n.ParentEdgeAt(0) == nil {
		return nil, nil, false
	}
	reorder, ok := soleChildOf(n)
	if !ok || reorder.Kind != graph.KindReorder || reorder.NumChildEdges() != 1 {
		return nil, nil, false
	}
	td, rd := n.SelectedDescriptor(), reorder.SelectedDescriptor()
	if td == nil || rd == nil || len(td.Outputs) == 0 || len(td.Inputs) == 0 || len(rd.Inputs) == 0 || len(rd.Outputs) == 0 {
		return nil, nil, false
	}
	if !IsIdentityPermutation(n.Permutation, td.Outputs[0].Desc.Layout.Order,
		rd.Inputs[0].Desc.Layout.Order, rd.Outputs[0].Desc.Layout.Order) {
		return nil, nil, false
	}
	return n, reorder, true
}

// IsIdentityPermutation reports whether a transpose by perm, whose output is stored with
// layoutOrder, followed by a reorder from inOrder to outOrder leaves the elements in memory in their
// original order.
//
// All orders must have the same length: blocked layouts, with their extra inner-block entry, never
// qualify.
func IsIdentityPermutation(perm, layoutOrder, inOrder, outOrder []int) bool {
	size := len(perm)
	if len(layoutOrder) != size || len(inOrder) != size || len(outOrder) != size {
		return false
	}
	if !isPermutation(perm) || !isPermutation(layoutOrder) || !isPermutation(inOrder) || !isPermutation(outOrder) {
		return false
	}
	revLayout := make([]int, size)
	for i, axis := range layoutOrder {
		revLayout[axis] = i
	}
	// Transpose permutation as seen in memory.
	transposeOrder := make([]int, size)
	for i := range transposeOrder {
		transposeOrder[i] = layoutOrder[perm[revLayout[i]]]
	}
	// Reorder permutation as seen in memory.
	reorderOrder := make([]int, size)
	for i := range outOrder {
		for j := range inOrder {
			if outOrder[i] == inOrder[j] {
				reorderOrder[i] = j
				break
			}
		}
	}
	for i := range size {
		if reorderOrder[transposeOrder[i]] != i {
			return false
		}
	}
	return true
}

func isPermutation(order []int) bool {
	seen := make([]bool, len(order))
	for _, axis := range order {
		if axis < 0 || axis >= len(order) || seen[axis] {
			return false
		}
		seen[axis] = true
	}
	return true
}

func mergeTransposeAndReorder(g *graph.Graph, transpose, reorder *graph.Node) error {
	src := transpose.ParentEdgeAt(0)
	producer, port := src.Parent(), src.ParentPort()
	consumer := reorder.SoleChild()
	inDesc := transpose.SelectedDescriptor().Inputs[0].Desc
	outDesc := reorder.SelectedDescriptor().Outputs[0].Desc

	// Drop the permutation operand, if the transpose takes it as an input.
	for _, e := range transpose.ParentEdges() {
		if e.ChildPort() != 0 {
			e.Drop()
		}
	}
	if err := g.DropNode(transpose); err != nil {
		return err
	}
	if err := g.DropNode(reorder); err != nil {
		return err
	}
	edge := findEdgeAt(producer, port, consumer)
	if edge == nil {
		return errors.WithMessagef(graph.ErrStructural, "transpose %q has invalid edges", transpose.Name)
	}

	relabeledDesc := outDesc.WithPrecision(inDesc.Precision())
	name := producer.Name + "_" + graph.ReorderArgs(inDesc, relabeledDesc) + "_fake"
	relabel, err := g.InsertReorder(edge, name, inDesc, relabeledDesc, true, nil)
	if err != nil {
		return err
	}
	if err := markForAllocation(relabel); err != nil {
		return err
	}
	if inDesc.Precision() == outDesc.Precision() {
		return nil
	}
	name = relabel.Name + "_" + graph.ReorderArgs(relabeledDesc, outDesc) + "_" + consumer.Name
	convert, err := g.InsertReorder(relabel.ChildEdges()[0], name, relabeledDesc, outDesc, false, nil)
	if err != nil {
		return err
	}
	return markForAllocation(convert)
}

// findEdgeAt returns the live edge from output port of producer to consumer, or nil.
func findEdgeAt(producer *graph.Node, port int, consumer *graph.Node) *graph.Edge {
	for _, e := range producer.ChildEdgesAt(port) {
		if e.Child() == consumer {
			return e
		}
	}
	return nil
}

// markForAllocation moves the edges around a reorder inserted after negotiation to the same status
// as the rest of the graph.
func markForAllocation(n *graph.Node) error {
	for _, edges := range [][]*graph.Edge{n.ParentEdges(), n.ChildEdges()} {
		for _, e := range edges {
			if err := e.SetStatus(graph.StatusNeedAllocation); err != nil {
				return err
			}
		}
	}
	return nil
}
