package optimizer

import (
	"github.com/gomlx/cpugraph/graph"
)

// postOpPass builds a pass folding the sole consumer of a node accepted by parentOK into it, as a
// post-op, whenever childOK allows it. The child must not have fused ops of its own, and a
// FakeQuantize child must be fed on its data input. The child's other inputs are disconnected.
func postOpPass(name string, parentOK func(n *graph.Node) bool, childOK func(parent, child *graph.Node) bool) *Pass {
	return &Pass{
		Name: name,
		Match: func(n *graph.Node) (*graph.Node, *graph.Node, bool) {
			if !parentOK(n) {
				return nil, nil, false
			}
			child, ok := soleChildOf(n)
			if !ok || len(child.FusedWith()) > 0 || !feedsDataInput(n, child) || !childOK(n, child) {
				return nil, nil, false
			}
			return n, child, true
		},
		Rewrite: absorbPostOp,
	}
}

func kindWithSoleChild(kind graph.Kind) func(n *graph.Node) bool {
	return func(n *graph.Node) bool {
		return n.Kind == kind && n.NumChildEdges() == 1
	}
}

func canFuse(parent, child *graph.Node) bool { return parent.CanFuse(child) }

// FuseConvolutionAndSimpleOperation folds activations, scale-shifts and FakeQuantize nodes into the
// preceding Convolution.
var FuseConvolutionAndSimpleOperation = postOpPass("FuseConvolutionAndSimpleOperation",
	kindWithSoleChild(graph.KindConvolution),
	func(conv, child *graph.Node) bool { return conv.CanFuseSimpleOperation(child) })

// FuseDeconvolutionAndSimpleOperation folds scale-shift operations into the preceding Deconvolution.
var FuseDeconvolutionAndSimpleOperation = postOpPass("FuseDeconvolutionAndSimpleOperation",
	func(n *graph.Node) bool {
		return n.Kind == graph.KindDeconvolution && n.NumChildEdges() == 1 && len(n.FusedWith()) == 0
	},
	func(deconv, child *graph.Node) bool { return child.CanBePerformedAsScaleShift(deconv) })

// FuseFullyConnectedAndSimpleOperation folds simple operations into a FullyConnected, except for
// rank-3 inputs.
var FuseFullyConnectedAndSimpleOperation = postOpPass("FuseFullyConnectedAndSimpleOperation",
	func(n *graph.Node) bool {
		if n.Kind != graph.KindFullyConnected || n.NumChildEdges() != 1 {
			return false
		}
		data := n.ParentEdgeAt(0)
		return data != nil && len(data.Dims()) != 3
	},
	func(fc, child *graph.Node) bool { return fc.CanFuseSimpleOperation(child) })

// FuseMVNAndSimpleOperation folds simple operations into a per-channel, variance normalizing MVN of
// rank 4 or 5.
var FuseMVNAndSimpleOperation = postOpPass("FuseMVNAndSimpleOperation",
	func(n *graph.Node) bool {
		if n.Kind != graph.KindMVN || n.NumChildEdges() != 1 {
			return false
		}
		data := n.ParentEdgeAt(0)
		if data == nil {
			return false
		}
		rank := len(data.Dims())
		return (rank == 4 || rank == 5) && !n.MVN.AcrossChannels && n.MVN.NormalizeVariance
	},
	canFuse)

// FuseInterpolateAndSimpleOperation folds simple operations into an Interpolate.
var FuseInterpolateAndSimpleOperation = postOpPass("FuseInterpolateAndSimpleOperation",
	kindWithSoleChild(graph.KindInterpolate),
	func(interp, child *graph.Node) bool {
		return !sharesProducer(interp, child) && interp.CanFuse(child)
	})

// FuseNormalizeL2AndSimpleOperation folds simple operations into a NormalizeL2.
var FuseNormalizeL2AndSimpleOperation = postOpPass("FuseNormalizeL2AndSimpleOperation",
	kindWithSoleChild(graph.KindNormalizeL2),
	canFuse)

// FuseBinaryConvolutionAndFakeQuantize folds a FakeQuantize, binarization included, into the
// preceding BinaryConvolution.
var FuseBinaryConvolutionAndFakeQuantize = postOpPass("FuseBinaryConvolutionAndFakeQuantize",
	kindWithSoleChild(graph.KindBinaryConvolution),
	func(conv, child *graph.Node) bool {
		return child.Kind == graph.KindFakeQuantize && !breaksConstness(conv, child) && conv.CanFuse(child)
	})

// FusePoolingAndFakeQuantize folds a FakeQuantize into the preceding average Pooling.
var FusePoolingAndFakeQuantize = postOpPass("FusePoolingAndFakeQuantize",
	func(n *graph.Node) bool {
		return n.Kind == graph.KindPooling && n.Algorithm == graph.PoolingAvg && n.NumChildEdges() == 1
	},
	func(pool, child *graph.Node) bool { return isQuantize(child) && pool.CanFuse(child) })

// FuseEltwiseAndSimple chains eltwise operations: a following FakeQuantize becomes a post-op, and a
// following eltwise op is merged in with its extra inputs moved to the parent.
var FuseEltwiseAndSimple = &Pass{
	Name:    "FuseEltwiseAndSimple",
	Match:   matchEltwiseAndSimple,
	Rewrite: fuseEltwiseAndSimple,
}

func matchEltwiseAndSimple(n *graph.Node) (*graph.Node, *graph.Node, bool) {
	if n.Kind != graph.KindEltwise {
		return nil, nil, false
	}
	child, ok := soleChildOf(n)
	if !ok || breaksConstness(n, child) || len(child.FusedWith()) > 0 {
		return nil, nil, false
	}
	for _, p := range child.Parents() {
		if p.Kind == graph.KindSplit {
			return nil, nil, false
		}
	}
	if sharesProducer(n, child) || !feedsDataInput(n, child) || !n.CanFuse(child) {
		return nil, nil, false
	}
	return n, child, true
}

func fuseEltwiseAndSimple(g *graph.Graph, parent, child *graph.Node) error {
	if child.Kind != graph.KindEltwise {
		return absorbPostOp(g, parent, child)
	}
	if err := g.CheckDropNodeInto(child, parent); err != nil {
		return err
	}
	if err := child.FuseInto(parent); err != nil {
		return err
	}
	return g.DropNodeInto(child, parent)
}
