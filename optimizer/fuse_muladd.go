package optimizer

import (
	"github.com/gomlx/cpugraph/graph"
)

// FuseMultiplyAndAdd merges a per-channel Multiply followed by a per-channel Add into one MulAdd
// node, with the addend moved to input port 2:
//
//	Add(Multiply(x, s), b)   ==>   MulAdd(x, s, b)
var FuseMultiplyAndAdd = &Pass{
	Name:    "FuseMultiplyAndAdd",
	Match:   matchMultiplyAndAdd,
	Rewrite: fuseMultiplyAndAdd,
}

// hasPerChannelSecondInput checks that port 1 of n is fed by a [1,C,1,...] operand matching the
// data on port 0.
func hasPerChannelSecondInput(n *graph.Node) bool {
	data, operand := n.ParentEdgeAt(0), n.ParentEdgeAt(1)
	if data == nil || operand == nil {
		return false
	}
	return graph.IsPerChannel(data.Dims(), operand.Dims())
}

func matchMultiplyAndAdd(n *graph.Node) (*graph.Node, *graph.Node, bool) {
	if !isEltwise(n, graph.EltwiseMultiply) || len(n.FusedWith()) > 0 || n.NumParentEdges() != 2 {
		return nil, nil, false
	}
	if !hasPerChannelSecondInput(n) {
		return nil, nil, false
	}
	add, ok := soleChildOf(n)
	if !ok || !isEltwise(add, graph.EltwiseAdd) || len(add.FusedWith()) > 0 || add.NumParentEdges() != 2 {
		return nil, nil, false
	}
	if breaksConstness(n, add) || add.Parent(0) != n || add.Parent(1) == n {
		return nil, nil, false
	}
	if !hasPerChannelSecondInput(add) {
		return nil, nil, false
	}
	return n, add, true
}

func fuseMultiplyAndAdd(g *graph.Graph, mul, add *graph.Node) error {
	precision := add.OriginalInputPrecisionAt(1)
	layers := add.OriginalLayers()
	if err := g.DropNodeInto(add, mul); err != nil {
		return err
	}
	padInputPrecisions(mul, 2)
	mul.AddOriginalInputPrecision(precision)
	mul.Algorithm = graph.EltwiseMulAdd
	for _, layer := range layers {
		mul.AddOriginalLayer(layer)
	}
	return nil
}
