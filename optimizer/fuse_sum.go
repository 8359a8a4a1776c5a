package optimizer

import (
	"slices"

	"github.com/gomlx/cpugraph/graph"
)

// FuseConvolutionSumAndConvolutionSumActivation folds a residual Add, and an activation right after
// it, into one of the convolutions feeding the Add. The other operand becomes an extra input of the
// convolution, which accumulates into its buffer in place:
//
//	peer ----------\                       peer --\
//	x -> Conv(w) -> Add -> [Relu] -> y  ==>  x -> Conv(w, peer) -> y   fused=[Add, Relu]
var FuseConvolutionSumAndConvolutionSumActivation = &Pass{
	Name:    "FuseConvolutionSumAndConvolutionSumActivation",
	Match:   matchConvolutionSum,
	Rewrite: fuseConvolutionSum,
}

// sumActivations can be applied right after the accumulation.
var sumActivations = []graph.Algorithm{
	graph.EltwiseRelu, graph.EltwiseElu, graph.EltwiseSigmoid, graph.EltwiseBoundedRelu, graph.EltwiseClamp,
	graph.EltwiseSwish, graph.EltwiseHswish, graph.EltwiseMish, graph.EltwiseHsigmoid,
	graph.EltwiseRoundHalfToEven, graph.EltwiseRoundHalfAwayFromZero,
}

// canAccumulate reports whether n can absorb sum as an in-place accumulation.
func canAccumulate(n, sum *graph.Node) bool {
	switch n.Kind {
	case graph.KindBinaryConvolution:
		return n.CanFuse(sum)
	case graph.KindConvolution:
		// Quantized convolutions may already carry post-ops; float ones only a bias.
		return n.CanBeExecutedInInt8() || len(n.PostOps()) == 0
	default:
		return false
	}
}

func isConvolutionLike(n *graph.Node) bool {
	return n.Kind == graph.KindConvolution || n.Kind == graph.KindBinaryConvolution
}

// sumActivation returns the activation to fold along with sum, or nil.
func sumActivation(sum *graph.Node) *graph.Node {
	act, ok := soleChildOf(sum)
	if !ok || act.Kind != graph.KindEltwise || act.NumParentEdges() != 1 || !slices.Contains(sumActivations, act.Algorithm) {
		return nil
	}
	return act
}

// sumOperands picks which operand of sum absorbs it, and which one becomes the extra input.
func sumOperands(sum *graph.Node) (conv, peer *graph.Node, ok bool) {
	p0, p1 := sum.Parent(0), sum.Parent(1)
	if p0 == nil || p1 == nil {
		return nil, nil, false
	}
	ok0, ok1 := canAccumulate(p0, sum), canAccumulate(p1, sum)
	switch {
	case ok0 && ok1:
		// Prefer the operand that has no other consumers.
		if isConvolutionLike(p1) && p0.NumChildEdges() != 1 {
			return p1, p0, true
		}
		return p0, p1, true
	case ok0:
		return p0, p1, true
	case ok1:
		return p1, p0, true
	default:
		return nil, nil, false
	}
}

func matchConvolutionSum(sum *graph.Node) (*graph.Node, *graph.Node, bool) {
	if !isEltwise(sum, graph.EltwiseAdd) || sum.NumParentEdges() != 2 {
		return nil, nil, false
	}
	outDims := sum.OutputDims()
	for _, e := range sum.ParentEdges() {
		if !slices.Equal(e.Dims(), outDims) {
			return nil, nil, false
		}
	}
	conv, peer, ok := sumOperands(sum)
	if !ok || conv == peer || peer.IsConstant() || breaksConstness(conv, sum) {
		return nil, nil, false
	}
	if conv.NumChildEdges() != 1 || conv.HasParent(peer) {
		return nil, nil, false
	}
	// The convolution overwrites the peer's buffer: every other reader must run before the sum.
	for _, e := range peer.ChildEdges() {
		if !sum.Graph().IsReachable(e.Child(), sum) {
			return nil, nil, false
		}
	}
	if act := sumActivation(sum); act != nil && breaksConstness(conv, act) {
		return nil, nil, false
	}
	return conv, sum, true
}

func fuseConvolutionSum(g *graph.Graph, conv, sum *graph.Node) error {
	act := sumActivation(sum)
	if err := g.CheckDropNodeInto(sum, conv); err != nil {
		return err
	}
	if err := sum.FuseIntoAs(conv, graph.FusedSum); err != nil {
		return err
	}
	if act != nil {
		if err := act.FuseInto(conv); err != nil {
			return err
		}
	}
	// The peer becomes the next input of conv, and conv takes over the sum's consumers.
	if err := g.DropNodeInto(sum, conv); err != nil {
		return err
	}
	if act != nil {
		return g.DropNode(act)
	}
	return nil
}
