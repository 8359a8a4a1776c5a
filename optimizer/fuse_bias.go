package optimizer

import (
	"github.com/gomlx/cpugraph/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// FuseConvolutionAndBias folds a per-channel Add following a Convolution, Deconvolution or
// FullyConnected into the linear op's bias input:
//
//	x -> Conv(w) -> Add(·, b[1,C,1,1]) -> y   ==>   x -> Conv(w, b[C]) -> y
var FuseConvolutionAndBias = &Pass{
	Name:    "FuseConvolutionAndBias",
	Match:   matchConvolutionAndBias,
	Rewrite: fuseConvolutionAndBias,
}

func matchConvolutionAndBias(n *graph.Node) (*graph.Node, *graph.Node, bool) {
	switch n.Kind {
	case graph.KindConvolution, graph.KindDeconvolution, graph.KindFullyConnected:
	default:
		return nil, nil, false
	}
	// Exactly data and weights: no bias folded yet.
	if len(n.FusedWith()) > 0 || n.NumParentEdges() != 2 {
		return nil, nil, false
	}
	add, ok := soleChildOf(n)
	if !ok || !isEltwise(add, graph.EltwiseAdd) || add.NumParentEdges() != 2 || len(add.FusedWith()) > 0 {
		return nil, nil, false
	}
	if breaksConstness(n, add) {
		return nil, nil, false
	}
	data, bias := add.ParentEdgeAt(0), add.ParentEdgeAt(1)
	if data == nil || bias == nil || data.Parent() != n || bias.Parent() == n {
		return nil, nil, false
	}
	// The bias is read from memory at run time: it must be a constant, not another branch.
	if biasProducer := bias.Parent(); !biasProducer.IsConstant() || biasProducer.NumChildEdges() != 1 {
		return nil, nil, false
	}
	if !graph.IsPerChannel(data.Dims(), bias.Dims()) {
		return nil, nil, false
	}
	return n, add, true
}

func fuseConvolutionAndBias(g *graph.Graph, conv, add *graph.Node) error {
	precision := add.OriginalInputPrecisionAt(1)
	channels := add.ParentEdgeAt(1).Dims()[1]
	biasProducer := add.Parent(1)
	if err := g.CheckDropNodeInto(add, conv); err != nil {
		return err
	}
	if err := add.FuseIntoAs(conv, graph.FusedBias); err != nil {
		return err
	}
	if err := g.DropNodeInto(add, conv); err != nil {
		return err
	}
	// Re-homed inputs are appended, so the bias is the last parent edge.
	inputs := conv.ParentEdges()
	bias := inputs[len(inputs)-1]
	if bias.Parent() != biasProducer {
		return errors.Errorf("bias of %q not found after re-homing", conv.Name)
	}
	bias.Shape = shapes.Make(bias.Shape.DType, channels)
	padInputPrecisions(conv, bias.ChildPort())
	conv.AddOriginalInputPrecision(precision)
	return nil
}
