package optimizer

import (
	"github.com/chewxy/math32"
	"github.com/gomlx/cpugraph/graph"
	"github.com/pkg/errors"
)

// FuseClampAndFakeQuantize narrows the crop range of a FakeQuantize to the bounds of the Clamp
// feeding it, and removes the Clamp.
var FuseClampAndFakeQuantize = &Pass{
	Name:    "FuseClampAndFakeQuantize",
	Match:   matchClampAndFakeQuantize,
	Rewrite: fuseClampAndFakeQuantize,
}

func matchClampAndFakeQuantize(n *graph.Node) (*graph.Node, *graph.Node, bool) {
	if !isEltwise(n, graph.EltwiseClamp) || len(n.FusedWith()) > 0 || n.NumParentEdges() != 1 {
		return nil, nil, false
	}
	fq, ok := soleChildOf(n)
	if !ok || !isQuantize(fq) || fq.Quantize == nil || !feedsDataInput(n, fq) {
		return nil, nil, false
	}
	return n, fq, true
}

func fuseClampAndFakeQuantize(g *graph.Graph, clamp, fq *graph.Node) error {
	q := fq.Quantize.Clone()
	for i, low := range q.CropLow {
		q.CropLow[i] = math32.Max(low, clamp.Alpha)
	}
	for i, high := range q.CropHigh {
		q.CropHigh[i] = math32.Min(high, clamp.Beta)
	}
	if err := g.DropNode(clamp); err != nil {
		return err
	}
	fq.Quantize = q
	fq.AddOriginalLayer(clamp.Name)
	return nil
}

// FuseMulAddAndFakeQuantize folds a positive per-channel scale-shift into the input range of the
// FakeQuantize it feeds: quantizing s·x+b is quantizing x with the crop bounds mapped back through
// the scale-shift.
var FuseMulAddAndFakeQuantize = &Pass{
	Name:    "FuseMulAddAndFakeQuantize",
	Match:   matchMulAddAndFakeQuantize,
	Rewrite: fuseMulAddAndFakeQuantize,
}

func matchMulAddAndFakeQuantize(n *graph.Node) (*graph.Node, *graph.Node, bool) {
	if !isEltwise(n, graph.EltwiseMulAdd) || len(n.FusedWith()) > 0 || !n.CanBePerformedAsScaleShift(nil) {
		return nil, nil, false
	}
	fq, ok := soleChildOf(n)
	if !ok || !isQuantize(fq) || fq.Quantize == nil || !feedsDataInput(n, fq) {
		return nil, nil, false
	}
	if _, err := foldScaleShift(n, fq.Quantize); err != nil {
		return nil, nil, false
	}
	return n, fq, true
}

// foldScaleShift returns the FakeQuantize parameters equivalent to q applied after the scale-shift
// node n.
func foldScaleShift(n *graph.Node, q *graph.QuantizeAttrs) (*graph.QuantizeAttrs, error) {
	scales, err := constantValues(n, 1)
	if err != nil {
		return nil, err
	}
	shifts, err := constantValues(n, 2)
	if err != nil {
		return nil, err
	}
	size := len(scales)
	if size == 0 || len(shifts) != size {
		return nil, errors.Errorf("%q: %d scales for %d shifts", n.Name, len(scales), len(shifts))
	}
	for _, s := range scales {
		if s <= 0 {
			return nil, errors.Errorf("%q: non-positive scale %g", n.Name, s)
		}
	}
	for _, list := range [][]float32{q.CropLow, q.CropHigh, q.InputScale, q.InputShift} {
		if len(list) != 1 && len(list) != size {
			return nil, errors.Errorf("%q: %d quantization parameters for %d channels", n.Name, len(list), size)
		}
	}

	folded := q.Clone()
	folded.CropLow = make([]float32, size)
	folded.CropHigh = make([]float32, size)
	folded.InputScale = make([]float32, size)
	folded.InputShift = make([]float32, size)
	for i := range size {
		folded.CropLow[i] = (broadcastAt(q.CropLow, i) - shifts[i]) / scales[i]
		folded.CropHigh[i] = (broadcastAt(q.CropHigh, i) - shifts[i]) / scales[i]
		inputScale := broadcastAt(q.InputScale, i)
		folded.InputScale[i] = inputScale * scales[i]
		folded.InputShift[i] = broadcastAt(q.InputShift, i) + shifts[i]*inputScale
	}
	return folded, nil
}

func fuseMulAddAndFakeQuantize(g *graph.Graph, mulAdd, fq *graph.Node) error {
	folded, err := foldScaleShift(mulAdd, fq.Quantize)
	if err != nil {
		return err
	}
	for _, e := range mulAdd.ParentEdges() {
		if e.ChildPort() != 0 && e.Parent().IsConstant() {
			e.Drop()
		}
	}
	if err := g.DropNode(mulAdd); err != nil {
		return err
	}
	fq.Quantize = folded
	for _, layer := range mulAdd.OriginalLayers() {
		fq.AddOriginalLayer(layer)
	}
	return nil
}
