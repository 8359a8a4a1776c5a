package optimizer

import (
	"math"
	"testing"

	"github.com/gomlx/cpugraph/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// applyCommon runs the graph-level passes only, with validation after each one.
func applyCommon(t *testing.T, b *builder, options ...Option) {
	t.Helper()
	options = append([]Option{WithConfig(Config{ISA: graph.ISANone, ValidateEachPass: true})}, options...)
	require.NoError(t, New(options...).ApplyCommon(b.Graph))
}

func TestFuseMultiplyAndAdd(t *testing.T) {
	b := newBuilder()
	x := b.input("x")
	scale := b.constant("scale", make([]float32, 8), 1, 8, 1, 1)
	shift := b.constant("shift", make([]float32, 8), 1, 8, 1, 1)
	mul := b.eltwise("mul", graph.EltwiseMultiply)
	add := b.eltwise("add", graph.EltwiseAdd)
	out := b.output("out")
	b.connect(x, mul, 0, 1, 8, 4, 4)
	b.connect(scale, mul, 1, 1, 8, 1, 1)
	b.connect(mul, add, 0, 1, 8, 4, 4)
	b.connect(shift, add, 1, 1, 8, 1, 1)
	b.connect(add, out, 0, 1, 8, 4, 4)

	applyCommon(t, b)
	assert.Equal(t, graph.EltwiseMulAdd, mul.Algorithm)
	assert.Equal(t, []string{"x", "scale", "shift"}, nodeNames(mul.Parents()))
	assert.Equal(t, shift, mul.Parent(2))
	assert.Equal(t, []string{"mul", "add"}, mul.OriginalLayers())
	assert.Len(t, mul.OriginalInputPrecisions, 3)
	assert.True(t, add.IsRemoved())
	assert.Equal(t, mul, out.Parent(0))
}

func TestFuseMultiplyAndAddRequiresPerChannelOperands(t *testing.T) {
	b := newBuilder()
	x := b.input("x")
	scale := b.constant("scale", make([]float32, 8*4*4), 1, 8, 4, 4)
	shift := b.constant("shift", make([]float32, 8), 1, 8, 1, 1)
	mul := b.eltwise("mul", graph.EltwiseMultiply)
	add := b.eltwise("add", graph.EltwiseAdd)
	b.connect(x, mul, 0, 1, 8, 4, 4)
	b.connect(scale, mul, 1, 1, 8, 4, 4)
	b.connect(mul, add, 0, 1, 8, 4, 4)
	b.connect(shift, add, 1, 1, 8, 1, 1)
	b.connect(add, b.output("out"), 0, 1, 8, 4, 4)

	applyCommon(t, b, DisablePass("FuseEltwiseAndSimple"))
	assert.Equal(t, graph.EltwiseMultiply, mul.Algorithm)
	assert.False(t, add.IsRemoved())
}

func TestFuseClampAndFakeQuantize(t *testing.T) {
	b := newBuilder()
	x := b.input("x")
	clamp := b.eltwise("clamp", graph.EltwiseClamp)
	clamp.Alpha, clamp.Beta = -2, 5
	fq := b.quantize("fq", -10, 10)
	b.connect(x, clamp, 0, 1, 8, 4, 4)
	b.connect(clamp, fq, 0, 1, 8, 4, 4)
	b.connect(fq, b.output("out"), 0, 1, 8, 4, 4)

	applyCommon(t, b)
	assert.Equal(t, []float32{-2}, fq.Quantize.CropLow)
	assert.Equal(t, []float32{5}, fq.Quantize.CropHigh)
	assert.True(t, clamp.IsRemoved())
	assert.Equal(t, x, fq.Parent(0))
	assert.Contains(t, fq.OriginalLayers(), "clamp")
}

// scaleShiftQuantize builds x -> Multiply(scales) -> Add(shifts) -> FakeQuantize -> out, over 2
// channels.
func scaleShiftQuantize(scales, shifts []float32) *builder {
	b := newBuilder()
	x := b.input("x")
	s := b.constant("s", scales, 1, 2, 1, 1)
	sh := b.constant("b", shifts, 1, 2, 1, 1)
	mul := b.eltwise("mul", graph.EltwiseMultiply)
	add := b.eltwise("add", graph.EltwiseAdd)
	fq := b.quantize("fq", 0, 10)
	fq.Quantize.InputScale = []float32{0.5}
	b.connect(x, mul, 0, 1, 2, 4, 4)
	b.connect(s, mul, 1, 1, 2, 1, 1)
	b.connect(mul, add, 0, 1, 2, 4, 4)
	b.connect(sh, add, 1, 1, 2, 1, 1)
	b.connect(add, fq, 0, 1, 2, 4, 4)
	b.connect(fq, b.output("out"), 0, 1, 2, 4, 4)
	return b
}

func TestFuseMulAddAndFakeQuantize(t *testing.T) {
	b := scaleShiftQuantize([]float32{2, 4}, []float32{1, -1})
	applyCommon(t, b)

	fq := b.NodeByName("fq")
	q := fq.Quantize
	assert.InDeltaSlice(t, []float32{-0.5, 0.25}, q.CropLow, 1e-6)
	assert.InDeltaSlice(t, []float32{4.5, 2.75}, q.CropHigh, 1e-6)
	assert.InDeltaSlice(t, []float32{1, 2}, q.InputScale, 1e-6)
	assert.InDeltaSlice(t, []float32{0.5, -0.5}, q.InputShift, 1e-6)
	// Output parameters are untouched.
	assert.Equal(t, []float32{1}, q.OutputScale)

	assert.Equal(t, b.NodeByName("x"), fq.Parent(0))
	for _, name := range []string{"mul", "add", "s", "b"} {
		assert.Truef(t, b.NodeByName(name).IsRemoved(), "%s should be removed", name)
	}
	assert.Subset(t, fq.OriginalLayers(), []string{"fq", "mul", "add"})
}

func TestFuseMulAddAndFakeQuantizeNegativeScale(t *testing.T) {
	b := scaleShiftQuantize([]float32{2, -4}, []float32{1, -1})
	applyCommon(t, b)

	// The scale-shift cannot move into the crop range, so the FakeQuantize is chained as a post-op.
	mul := b.NodeByName("mul")
	assert.Equal(t, graph.EltwiseMulAdd, mul.Algorithm)
	assert.Equal(t, []string{"fq"}, nodeNames(mul.FusedWith()))
	fq := b.NodeByName("fq")
	assert.Equal(t, []float32{0}, fq.Quantize.CropLow)
	assert.Equal(t, []float32{10}, fq.Quantize.CropHigh)
}

func TestFoldScaleShiftChannelMismatch(t *testing.T) {
	b := scaleShiftQuantize([]float32{2, 4}, []float32{1, -1})
	applyCommon(t, b, DisablePass("FuseMulAddAndFakeQuantize"), DisablePass("FuseEltwiseAndSimple"))
	mul := b.NodeByName("mul")
	require.Equal(t, graph.EltwiseMulAdd, mul.Algorithm)

	q := b.NodeByName("fq").Quantize.Clone()
	q.CropLow = []float32{0, 1, 2}
	_, err := foldScaleShift(mul, q)
	require.Error(t, err)
}

// residual builds y -> Relu -> Add <- Conv <- x, with the Add followed by a Relu.
func residual() *builder {
	b := newBuilder()
	dims := []int{1, 8, 16, 16}
	x := b.input("x")
	y := b.input("y")
	peer := b.eltwise("peer", graph.EltwiseRelu)
	b.connect(y, peer, 0, dims...)
	conv := b.conv("conv", x, dims...)
	add := b.eltwise("add", graph.EltwiseAdd)
	b.connect(peer, add, 0, dims...)
	b.connect(conv, add, 1, dims...)
	relu := b.eltwise("relu", graph.EltwiseRelu)
	b.connect(add, relu, 0, dims...)
	b.connect(relu, b.output("out"), 0, dims...)
	return b
}

func TestFuseConvolutionSum(t *testing.T) {
	b := residual()
	applyCommon(t, b)

	conv := b.NodeByName("conv")
	assert.Equal(t, []string{"add", "relu"}, nodeNames(conv.FusedWith()))
	assert.Equal(t, graph.FusedSum, b.NodeByName("add").FusionRole())
	assert.Equal(t, graph.FusedPostOp, b.NodeByName("relu").FusionRole())
	assert.Equal(t, 1, b.NodeByName("add").FusingPort())
	assert.Equal(t, 3, conv.NumParentEdges())
	assert.Equal(t, b.NodeByName("peer"), conv.Parent(2))
	assert.Equal(t, conv, b.NodeByName("out").Parent(0))
	assert.Equal(t, 1, countKind(b.Graph, graph.KindEltwise))
}

func TestFuseConvolutionSumRejectsPeerWithOtherReaders(t *testing.T) {
	b := residual()
	peer := b.NodeByName("peer")
	b.connect(peer, b.output("out2"), 0, 1, 8, 16, 16)
	applyCommon(t, b)

	// The Add stays, and takes the Relu as a regular eltwise post-op.
	conv := b.NodeByName("conv")
	assert.Empty(t, conv.FusedWith())
	add := b.NodeByName("add")
	assert.False(t, add.IsRemoved())
	assert.Equal(t, []string{"relu"}, nodeNames(add.FusedWith()))
}

func TestFuseConvolutionSumRejectsPeerFeedingConvolution(t *testing.T) {
	b := newBuilder()
	dims := []int{1, 8, 16, 16}
	x := b.input("x")
	conv := b.conv("conv", x, dims...)
	add := b.eltwise("add", graph.EltwiseAdd)
	b.connect(x, add, 0, dims...)
	b.connect(conv, add, 1, dims...)
	b.connect(add, b.output("out"), 0, dims...)
	applyCommon(t, b)

	assert.Empty(t, conv.FusedWith())
	assert.False(t, add.IsRemoved())
	assert.Equal(t, 1, countKind(b.Graph, graph.KindEltwise))
}

func TestFuseBroadcastAndEltwise(t *testing.T) {
	b := newBuilder()
	x := b.input("x")
	small := b.input("small")
	target := b.constant("target_shape", []float32{1, 8, 4, 4}, 4)
	bcast := b.node("bcast", graph.KindGeneric, graph.AlgorithmDefault)
	bcast.TypeName = "Broadcast"
	add := b.eltwise("add", graph.EltwiseAdd)
	b.connect(small, bcast, 0, 1, 8, 1, 1)
	b.connect(target, bcast, 1, 4)
	b.connect(x, add, 0, 1, 8, 4, 4)
	b.connect(bcast, add, 1, 1, 8, 4, 4)
	b.connect(add, b.output("out"), 0, 1, 8, 4, 4)

	applyCommon(t, b)
	assert.True(t, bcast.IsRemoved())
	assert.True(t, target.IsRemoved())
	assert.Equal(t, small, add.Parent(1))
	assert.Equal(t, []int{1, 8, 1, 1}, add.ParentEdgeAt(1).Dims())
	assert.Equal(t, []int{1, 8, 4, 4}, add.ParentEdgeAt(0).Dims())
}

func TestFuseEltwiseChain(t *testing.T) {
	b := newBuilder()
	dims := []int{1, 8, 4, 4}
	x, y := b.input("x"), b.input("y")
	add := b.eltwise("add", graph.EltwiseAdd)
	relu := b.eltwise("relu", graph.EltwiseRelu)
	fq := b.quantize("fq", 0, 6)
	out := b.output("out")
	b.connect(x, add, 0, dims...)
	b.connect(y, add, 1, dims...)
	b.connect(add, relu, 0, dims...)
	b.connect(relu, fq, 0, dims...)
	b.connect(fq, out, 0, dims...)

	applyCommon(t, b)
	assert.Equal(t, []string{"relu", "fq"}, nodeNames(add.FusedWith()))
	assert.Equal(t, add, out.Parent(0))
	assert.Equal(t, []string{"x", "y", "add", "out"}, nodeNames(b.Nodes()))
}

func TestFuseEltwiseMovesExtraInputs(t *testing.T) {
	b := newBuilder()
	dims := []int{1, 8, 4, 4}
	x, y, z := b.input("x"), b.input("y"), b.input("z")
	add := b.eltwise("add", graph.EltwiseAdd)
	mul := b.eltwise("mul", graph.EltwiseMultiply)
	b.connect(x, add, 0, dims...)
	b.connect(y, add, 1, dims...)
	b.connect(add, mul, 0, dims...)
	b.connect(z, mul, 1, dims...)
	b.connect(mul, b.output("out"), 0, dims...)

	applyCommon(t, b)
	assert.Equal(t, []string{"mul"}, nodeNames(add.FusedWith()))
	assert.Equal(t, []string{"x", "y", "z"}, nodeNames(add.Parents()))
	assert.Equal(t, 0, b.NodeByName("mul").FusingPort())
}

func TestFuseEltwiseRejectsSplitOperand(t *testing.T) {
	b := newBuilder()
	dims := []int{1, 8, 4, 4}
	x, y := b.input("x"), b.input("y")
	relu := b.eltwise("relu", graph.EltwiseRelu)
	split := b.node("split", graph.KindSplit, graph.AlgorithmDefault)
	add := b.eltwise("add", graph.EltwiseAdd)
	b.connect(x, relu, 0, dims...)
	b.connect(y, split, 0, 1, 16, 4, 4)
	b.connect(relu, add, 0, dims...)
	must.M1(b.AddEdge(split, 1, add, 1, shapes.Make(dtypes.Float32, dims...)))
	b.connect(add, b.output("out"), 0, dims...)

	applyCommon(t, b)
	assert.Empty(t, relu.FusedWith())
	assert.False(t, add.IsRemoved())
}

func TestFuseConvolutionActivationThenQuantize(t *testing.T) {
	b := newBuilder()
	dims := []int{1, 8, 16, 16}
	x := b.input("x")
	conv := b.conv("conv", x, dims...)
	relu := b.eltwise("relu", graph.EltwiseRelu)
	fq := b.quantize("fq", 0, 6)
	b.connect(conv, relu, 0, dims...)
	b.connect(relu, fq, 0, dims...)
	b.connect(fq, b.output("out"), 0, dims...)

	applyCommon(t, b)
	assert.Equal(t, []string{"relu", "fq"}, nodeNames(conv.FusedWith()))
	assert.Equal(t, []string{"relu", "fq"}, nodeNames(conv.PostOps()))
}

func TestFuseDeconvolutionOnlyTakesScaleShift(t *testing.T) {
	build := func(child *graph.Node, b *builder) *graph.Node {
		dims := []int{1, 8, 16, 16}
		x := b.input("x")
		w := b.constant("w", make([]float32, 8*8*3*3), 8, 8, 3, 3)
		deconv := b.node("deconv", graph.KindDeconvolution, graph.AlgorithmDefault)
		b.connect(x, deconv, 0, dims...)
		b.connect(w, deconv, 1, 8, 8, 3, 3)
		b.connect(deconv, child, 0, dims...)
		b.connect(child, b.output("out"), 0, dims...)
		return deconv
	}

	b := newBuilder()
	mul := b.eltwise("mul", graph.EltwiseMultiply)
	b.connect(b.constant("scale", make([]float32, 8), 1, 8, 1, 1), mul, 1, 1, 8, 1, 1)
	deconv := build(mul, b)
	applyCommon(t, b)
	assert.Equal(t, []string{"mul"}, nodeNames(deconv.FusedWith()))
	assert.Len(t, mul.FusedConstants(), 1)
	assert.True(t, b.NodeByName("scale").IsRemoved())

	b = newBuilder()
	relu := b.eltwise("relu", graph.EltwiseRelu)
	deconv = build(relu, b)
	applyCommon(t, b)
	assert.Empty(t, deconv.FusedWith())
	assert.False(t, relu.IsRemoved())
}

func TestFuseFullyConnectedSkipsRank3(t *testing.T) {
	for _, dims := range [][]int{{2, 16}, {2, 5, 16}} {
		b := newBuilder()
		x := b.input("x")
		w := b.constant("w", make([]float32, 16*4), 4, 16)
		fc := b.node("fc", graph.KindFullyConnected, graph.AlgorithmDefault)
		relu := b.eltwise("relu", graph.EltwiseRelu)
		outDims := append(dims[:len(dims)-1:len(dims)-1], 4)
		b.connect(x, fc, 0, dims...)
		b.connect(w, fc, 1, 4, 16)
		b.connect(fc, relu, 0, outDims...)
		b.connect(relu, b.output("out"), 0, outDims...)

		applyCommon(t, b)
		if len(dims) == 3 {
			assert.Empty(t, fc.FusedWith())
		} else {
			assert.Equal(t, []string{"relu"}, nodeNames(fc.FusedWith()))
		}
	}
}

func TestFuseMVN(t *testing.T) {
	for _, acrossChannels := range []bool{false, true} {
		b := newBuilder()
		dims := []int{1, 8, 4, 4}
		x := b.input("x")
		mvn := b.node("mvn", graph.KindMVN, graph.AlgorithmDefault)
		mvn.MVN = graph.MVNAttrs{AcrossChannels: acrossChannels, NormalizeVariance: true}
		relu := b.eltwise("relu", graph.EltwiseRelu)
		b.connect(x, mvn, 0, dims...)
		b.connect(mvn, relu, 0, dims...)
		b.connect(relu, b.output("out"), 0, dims...)

		applyCommon(t, b)
		if acrossChannels {
			assert.Empty(t, mvn.FusedWith())
		} else {
			assert.Equal(t, []string{"relu"}, nodeNames(mvn.FusedWith()))
		}
	}
}

func TestFuseInterpolateRejectsSharedProducer(t *testing.T) {
	b := newBuilder()
	dims := []int{1, 8, 4, 4}
	x := b.input("x")
	interp := b.node("interp", graph.KindInterpolate, graph.AlgorithmDefault)
	add := b.eltwise("add", graph.EltwiseAdd)
	b.connect(x, interp, 0, 1, 8, 2, 2)
	b.connect(interp, add, 0, dims...)
	b.connect(x, add, 1, dims...)
	b.connect(add, b.output("out"), 0, dims...)

	applyCommon(t, b)
	assert.Empty(t, interp.FusedWith())
	assert.False(t, add.IsRemoved())
}

func TestFusePoolingAndFakeQuantize(t *testing.T) {
	for _, algorithm := range []graph.Algorithm{graph.PoolingAvg, graph.PoolingMax} {
		b := newBuilder()
		x := b.input("x")
		pool := b.node("pool", graph.KindPooling, algorithm)
		fq := b.quantize("fq", 0, 255)
		b.connect(x, pool, 0, 1, 8, 4, 4)
		b.connect(pool, fq, 0, 1, 8, 2, 2)
		b.connect(fq, b.output("out"), 0, 1, 8, 2, 2)

		applyCommon(t, b)
		if algorithm == graph.PoolingAvg {
			assert.Equal(t, []string{"fq"}, nodeNames(pool.FusedWith()))
		} else {
			assert.Empty(t, pool.FusedWith())
		}
	}
}

func TestFuseBinaryConvolutionTakesBinarization(t *testing.T) {
	b := newBuilder()
	x := b.input("x")
	w := b.constant("w", make([]float32, 8*8*3*3), 8, 8, 3, 3)
	conv := b.node("bconv", graph.KindBinaryConvolution, graph.AlgorithmDefault)
	fq := b.quantize("fq", 0, 1)
	fq.Algorithm = graph.FQBinarization
	fq.Quantize.Levels = 2
	b.connect(x, conv, 0, 1, 8, 16, 16)
	b.connect(w, conv, 1, 8, 8, 3, 3)
	b.connect(conv, fq, 0, 1, 8, 16, 16)
	b.connect(fq, b.output("out"), 0, 1, 8, 16, 16)

	applyCommon(t, b)
	assert.Equal(t, []string{"fq"}, nodeNames(conv.FusedWith()))
}

func TestConstantSubgraphsAreNotFusedWithData(t *testing.T) {
	b := newBuilder()
	dims := []int{1, 8, 4, 4}
	c1 := b.constant("c1", make([]float32, 8*4*4), dims...)
	c2 := b.constant("c2", make([]float32, 8*4*4), dims...)
	x := b.input("x")
	constAdd := b.eltwise("const_add", graph.EltwiseAdd)
	add := b.eltwise("add", graph.EltwiseAdd)
	b.connect(c1, constAdd, 0, dims...)
	b.connect(c2, constAdd, 1, dims...)
	b.connect(constAdd, add, 0, dims...)
	b.connect(x, add, 1, dims...)
	b.connect(add, b.output("out"), 0, dims...)

	applyCommon(t, b)
	require.True(t, constAdd.IsConstant())
	assert.Empty(t, constAdd.FusedWith())
	assert.False(t, add.IsRemoved())
}

func TestFuseConvolutionAndBiasRequiresConstantBias(t *testing.T) {
	b := newBuilder()
	dims := []int{1, 8, 16, 16}
	x := b.input("x")
	conv := b.conv("conv", x, dims...)
	mean := b.node("mean", graph.KindGeneric, graph.AlgorithmDefault)
	mean.TypeName = "ReduceMean"
	add := b.eltwise("add", graph.EltwiseAdd)
	b.connect(x, mean, 0, dims...)
	b.connect(conv, add, 0, dims...)
	b.connect(mean, add, 1, 1, 8, 1, 1)
	b.connect(add, b.output("out"), 0, dims...)

	applyCommon(t, b)
	require.False(t, mean.IsConstant())
	assert.Empty(t, conv.FusedWith())
	assert.Equal(t, 2, conv.NumParentEdges())
	assert.False(t, add.IsRemoved())
	assert.Equal(t, mean, add.Parent(1))
}

func TestFuseConvolutionAndBiasRecordsBiasPrecision(t *testing.T) {
	// Declared precisions gain exactly the bias entry.
	b := convAddRelu()
	conv := b.NodeByName("conv")
	conv.OriginalInputPrecisions = []dtypes.DType{dtypes.Uint8, dtypes.Int8}
	applyCommon(t, b)
	assert.Equal(t, []dtypes.DType{dtypes.Uint8, dtypes.Int8, dtypes.Float32}, conv.OriginalInputPrecisions)

	// Without declared precisions, data and weights keep reporting their edges' precisions.
	b = convAddRelu()
	conv = b.NodeByName("conv")
	conv.ParentEdgeAt(0).Shape = shapes.Make(dtypes.Uint8, 1, 8, 16, 16)
	applyCommon(t, b)
	assert.Equal(t, dtypes.Uint8, conv.OriginalInputPrecisionAt(0))
	assert.Equal(t, dtypes.Float32, conv.OriginalInputPrecisionAt(2))
}

// nonAffineOperand builds c[1,8,1,1] -> op <- parent, with the parent on input port 1.
func nonAffineOperand(parentKind graph.Kind, algorithm graph.Algorithm) (*builder, *graph.Node) {
	b := newBuilder()
	dims := []int{1, 8, 16, 16}
	x := b.input("x")
	w := b.constant("w", make([]float32, 8*8*3*3), 8, 8, 3, 3)
	parent := b.node("parent", parentKind, graph.ConvolutionCommon)
	if parentKind == graph.KindDeconvolution {
		parent.Algorithm = graph.AlgorithmDefault
	}
	op := b.eltwise("op", algorithm)
	b.connect(x, parent, 0, dims...)
	b.connect(w, parent, 1, 8, 8, 3, 3)
	b.connect(b.constant("c", make([]float32, 8), 1, 8, 1, 1), op, 0, 1, 8, 1, 1)
	b.connect(parent, op, 1, dims...)
	b.connect(op, b.output("out"), 0, dims...)
	return b, parent
}

func TestFuseScaleShiftRespectsOperandOrder(t *testing.T) {
	testCases := []struct {
		parent    graph.Kind
		algorithm graph.Algorithm
		fused     bool
	}{
		{graph.KindDeconvolution, graph.EltwiseAdd, true},
		{graph.KindDeconvolution, graph.EltwiseMultiply, true},
		{graph.KindDeconvolution, graph.EltwiseSubtract, false},
		{graph.KindDeconvolution, graph.EltwiseDivide, false},
		{graph.KindDeconvolution, graph.EltwisePrelu, false},
		{graph.KindConvolution, graph.EltwiseMultiply, true},
		{graph.KindConvolution, graph.EltwiseSubtract, false},
		{graph.KindConvolution, graph.EltwiseDivide, false},
	}
	for _, tc := range testCases {
		t.Run(tc.parent.String()+"/"+tc.algorithm.String(), func(t *testing.T) {
			b, parent := nonAffineOperand(tc.parent, tc.algorithm)
			applyCommon(t, b)
			op := b.NodeByName("op")
			if tc.fused {
				assert.Equal(t, []string{"op"}, nodeNames(parent.FusedWith()))
				assert.Equal(t, 1, op.FusingPort())
			} else {
				assert.Empty(t, parent.FusedWith())
				assert.False(t, op.IsRemoved())
				assert.Equal(t, parent, op.Parent(1))
			}
		})
	}
}

func TestFakeQuantizeRangeInputsAreNotFused(t *testing.T) {
	// Each case feeds the producer into input 1 of the FakeQuantize, whose data comes from x.
	testCases := []struct {
		name     string
		producer func(b *builder, z *graph.Node) *graph.Node
	}{
		{"AvgPooling", func(b *builder, z *graph.Node) *graph.Node {
			pool := b.node("producer", graph.KindPooling, graph.PoolingAvg)
			b.connect(z, pool, 0, 1, 1, 2, 2)
			return pool
		}},
		{"Clamp", func(b *builder, z *graph.Node) *graph.Node {
			clamp := b.eltwise("producer", graph.EltwiseClamp)
			clamp.Alpha, clamp.Beta = -2, 5
			b.connect(z, clamp, 0, 1, 1, 1, 1)
			return clamp
		}},
		{"MulAdd", func(b *builder, z *graph.Node) *graph.Node {
			mulAdd := b.eltwise("producer", graph.EltwiseMulAdd)
			b.connect(z, mulAdd, 0, 1, 1, 1, 1)
			b.connect(b.constant("s", []float32{2}, 1, 1, 1, 1), mulAdd, 1, 1, 1, 1, 1)
			b.connect(b.constant("sh", []float32{1}, 1, 1, 1, 1), mulAdd, 2, 1, 1, 1, 1)
			return mulAdd
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := newBuilder()
			x, z := b.input("x"), b.input("z")
			producer := tc.producer(b, z)
			fq := b.quantize("fq", -10, 10)
			b.connect(x, fq, 0, 1, 8, 2, 2)
			b.connect(producer, fq, 1, 1, 1, 1, 1)
			b.connect(fq, b.output("out"), 0, 1, 8, 2, 2)

			applyCommon(t, b)
			assert.Empty(t, producer.FusedWith())
			assert.False(t, producer.IsRemoved())
			assert.False(t, fq.IsRemoved())
			assert.Equal(t, x, fq.Parent(0))
			assert.Equal(t, producer, fq.Parent(1))
			assert.Equal(t, []float32{-10}, fq.Quantize.CropLow)
			assert.Equal(t, []float32{10}, fq.Quantize.CropHigh)
		})
	}
}

func TestPostOpsAlreadyCarryingFusionsAreNotFused(t *testing.T) {
	dims := []int{1, 8, 4, 4}
	testCases := []struct {
		name   string
		parent func(b *builder, x *graph.Node) *graph.Node
	}{
		{"Convolution", func(b *builder, x *graph.Node) *graph.Node { return b.conv("parent", x, dims...) }},
		{"MVN", func(b *builder, x *graph.Node) *graph.Node {
			mvn := b.node("parent", graph.KindMVN, graph.AlgorithmDefault)
			mvn.MVN = graph.MVNAttrs{NormalizeVariance: true}
			b.connect(x, mvn, 0, dims...)
			return mvn
		}},
		{"NormalizeL2", func(b *builder, x *graph.Node) *graph.Node {
			norm := b.node("parent", graph.KindNormalizeL2, graph.AlgorithmDefault)
			b.connect(x, norm, 0, dims...)
			return norm
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := newBuilder()
			parent := tc.parent(b, b.input("x"))
			relu := b.eltwise("relu", graph.EltwiseRelu)
			sigmoid := b.eltwise("sigmoid", graph.EltwiseSigmoid)
			b.connect(parent, relu, 0, dims...)
			b.connect(relu, sigmoid, 0, dims...)
			b.connect(sigmoid, b.output("out"), 0, dims...)
			// relu already carries the sigmoid.
			require.NoError(t, sigmoid.FuseInto(relu))
			require.NoError(t, b.DropNode(sigmoid))

			applyCommon(t, b)
			assert.Empty(t, parent.FusedWith())
			assert.Equal(t, []string{"sigmoid"}, nodeNames(relu.FusedWith()))
			assert.Equal(t, parent, relu.Parent(0))
		})
	}
}

// fakeQuantize evaluates a FakeQuantize with per-tensor parameters on v.
func fakeQuantize(q *graph.QuantizeAttrs, v float64) float64 {
	low, high := float64(q.CropLow[0]), float64(q.CropHigh[0])
	v = max(low, min(high, v))
	v = math.Round(v*float64(q.InputScale[0]) + float64(q.InputShift[0]))
	return v*float64(q.OutputScale[0]) + float64(q.OutputShift[0])
}

func TestFuseClampAndFakeQuantizeKeepsResults(t *testing.T) {
	b := newBuilder()
	x := b.input("x")
	clamp := b.eltwise("clamp", graph.EltwiseClamp)
	clamp.Alpha, clamp.Beta = -2, 5
	fq := b.quantize("fq", -10, 10)
	fq.Quantize.InputScale = []float32{12.75}
	fq.Quantize.InputShift = []float32{127.5}
	b.connect(x, clamp, 0, 1, 8, 4, 4)
	b.connect(clamp, fq, 0, 1, 8, 4, 4)
	b.connect(fq, b.output("out"), 0, 1, 8, 4, 4)
	before := fq.Quantize.Clone()

	applyCommon(t, b)
	require.True(t, clamp.IsRemoved())
	after := fq.Quantize
	for v := -20.0; v <= 20; v += 0.125 {
		clamped := max(float64(clamp.Alpha), min(float64(clamp.Beta), v))
		assert.Equalf(t, fakeQuantize(before, clamped), fakeQuantize(after, v), "x=%g", v)
	}
}
