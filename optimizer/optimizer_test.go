package optimizer

import (
	"fmt"
	"testing"

	"github.com/gomlx/cpugraph/graph"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// builder creates test graphs; construction errors panic through must.
type builder struct {
	*graph.Graph
}

func newBuilder() *builder {
	return &builder{Graph: graph.New()}
}

func (b *builder) node(name string, kind graph.Kind, algorithm graph.Algorithm) *graph.Node {
	return must.M1(b.AddNode(graph.NewNode(name, kind, algorithm)))
}

func (b *builder) input(name string) *graph.Node {
	return b.node(name, graph.KindInput, graph.AlgorithmDefault)
}

func (b *builder) output(name string) *graph.Node {
	return b.node(name, graph.KindOutput, graph.AlgorithmDefault)
}

func (b *builder) eltwise(name string, algorithm graph.Algorithm) *graph.Node {
	return b.node(name, graph.KindEltwise, algorithm)
}

func (b *builder) constant(name string, data []float32, dims ...int) *graph.Node {
	n := b.input(name)
	n.Value = tensors.FromFlatDataAndDimensions(data, dims...)
	return n
}

func (b *builder) quantize(name string, low, high float32) *graph.Node {
	n := b.node(name, graph.KindFakeQuantize, graph.FQCommon)
	n.Quantize = &graph.QuantizeAttrs{
		Levels:      256,
		CropLow:     []float32{low},
		CropHigh:    []float32{high},
		InputScale:  []float32{1},
		InputShift:  []float32{0},
		OutputScale: []float32{1},
		OutputShift: []float32{0},
	}
	return n
}

// connect adds a float32 edge from output 0 of parent to input port of child.
func (b *builder) connect(parent, child *graph.Node, port int, dims ...int) *graph.Edge {
	return must.M1(b.AddEdge(parent, 0, child, port, shapes.Make(dtypes.Float32, dims...)))
}

// conv adds a convolution with 8x8x3x3 constant weights fed by x.
func (b *builder) conv(name string, x *graph.Node, dims ...int) *graph.Node {
	w := b.constant(name+"_w", make([]float32, 8*8*3*3), 8, 8, 3, 3)
	conv := b.node(name, graph.KindConvolution, graph.ConvolutionCommon)
	b.connect(x, conv, 0, dims...)
	b.connect(w, conv, 1, 8, 8, 3, 3)
	return conv
}

func nodeNames(nodes []*graph.Node) []string {
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name
	}
	return names
}

func countKind(g *graph.Graph, kind graph.Kind) int {
	count := 0
	for _, n := range g.Nodes() {
		if n.Kind == kind {
			count++
		}
	}
	return count
}

// convAddRelu builds x -> Conv -> Add(bias) -> Relu -> out.
func convAddRelu() *builder {
	b := newBuilder()
	x := b.input("x")
	conv := b.conv("conv", x, 1, 8, 16, 16)
	bias := b.constant("bias", make([]float32, 8), 1, 8, 1, 1)
	add := b.eltwise("add", graph.EltwiseAdd)
	relu := b.eltwise("relu", graph.EltwiseRelu)
	out := b.output("out")
	b.connect(conv, add, 0, 1, 8, 16, 16)
	b.connect(bias, add, 1, 1, 8, 1, 1)
	b.connect(add, relu, 0, 1, 8, 16, 16)
	b.connect(relu, out, 0, 1, 8, 16, 16)
	return b
}

func TestCompileConvolutionAddRelu(t *testing.T) {
	b := convAddRelu()
	o := New(WithConfig(Config{ISA: graph.ISANone, ValidateEachPass: true}))
	require.NoError(t, o.Compile(b.Graph))

	conv := b.NodeByName("conv")
	assert.Equal(t, []string{"add", "relu"}, nodeNames(conv.FusedWith()))
	assert.Equal(t, graph.FusedBias, b.NodeByName("add").FusionRole())
	assert.Equal(t, graph.FusedPostOp, b.NodeByName("relu").FusionRole())
	assert.Equal(t, []string{"relu"}, nodeNames(conv.PostOps()))
	assert.Equal(t, []string{"conv", "add", "relu"}, conv.OriginalLayers())

	// The bias is the third input, reshaped to [C].
	assert.Equal(t, []string{"x", "conv_w", "bias"}, nodeNames(conv.Parents()))
	assert.Equal(t, []int{8}, conv.ParentEdgeAt(2).Dims())
	assert.Len(t, conv.OriginalInputPrecisions, 3)
	assert.Len(t, conv.FusedConstants(), 0)
	assert.Len(t, b.NodeByName("add").FusedConstants(), 1)

	assert.Equal(t, conv, b.NodeByName("out").Parent(0))
	assert.True(t, b.NodeByName("add").IsRemoved())
	assert.True(t, b.NodeByName("relu").IsRemoved())
	assert.Equal(t, []string{"x", "conv_w", "bias", "conv", "out"}, nodeNames(b.Nodes()))
	require.NoError(t, b.Validate())
	for _, e := range b.Edges() {
		assert.Equal(t, graph.StatusNeedAllocation, e.Status())
	}
}

func TestCompileWithReorders(t *testing.T) {
	b := convAddRelu()
	require.NoError(t, New(WithConfig(Config{ISA: graph.ISAAVX2})).Compile(b.Graph))
	conv := b.NodeByName("conv")
	assert.Equal(t, []string{"add", "relu"}, nodeNames(conv.FusedWith()))
	assert.Equal(t, graph.ImplJitAVX2, conv.SelectedDescriptor().Impl)
	// Planar input to blocked and back.
	assert.Equal(t, 2, countKind(b.Graph, graph.KindReorder))
	require.NoError(t, b.Validate())
	assert.True(t, b.IsAcyclic())
	for _, e := range b.Edges() {
		_, err := e.Desc()
		require.NoErrorf(t, err, "edge %s", e)
	}
}

func TestDisablePass(t *testing.T) {
	b := convAddRelu()
	o := New(WithConfig(Config{ISA: graph.ISANone}), DisablePass("FuseConvolutionAndBias"))
	assert.True(t, o.Config().Disabled.Has("FuseConvolutionAndBias"))
	require.NoError(t, o.Compile(b.Graph))

	// The Add is still folded, as a per-channel scale-shift post-op.
	conv := b.NodeByName("conv")
	assert.Equal(t, []string{"add", "relu"}, nodeNames(conv.FusedWith()))
	assert.Equal(t, graph.FusedPostOp, b.NodeByName("add").FusionRole())
	assert.Equal(t, 2, conv.NumParentEdges())
	assert.True(t, b.NodeByName("bias").IsRemoved())
}

func TestPassNames(t *testing.T) {
	names := PassNames()
	assert.Equal(t, "FuseConvolutionAndBias", names[0])
	assert.Equal(t, "MergeTransposeAndReorder", names[len(names)-1])
	assert.Contains(t, names, "FuseEltwiseAndSimple")
	// FuseConvolutionAndSimpleOperation runs twice but is listed once.
	count := 0
	for _, name := range names {
		if name == "FuseConvolutionAndSimpleOperation" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestIdempotence(t *testing.T) {
	b := convAddRelu()
	o := New(WithConfig(Config{ISA: graph.ISAAVX512}))
	require.NoError(t, o.ApplyCommon(b.Graph))
	first := b.String()
	require.NoError(t, o.ApplyCommon(b.Graph))
	assert.Equal(t, first, b.String())

	require.NoError(t, b.Negotiate(graph.ISAAVX512))
	require.NoError(t, o.ApplyImplSpecific(b.Graph))
	negotiated := b.String()
	require.NoError(t, o.ApplyImplSpecific(b.Graph))
	assert.Equal(t, negotiated, b.String())
}

func TestPanicsBecomeErrors(t *testing.T) {
	b := convAddRelu()
	o := New()
	err := o.runStages(b.Graph, []stage{{name: "Corrupt", run: func(g *graph.Graph) error {
		exceptions.Panicf("arena corrupted")
		return nil
	}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "arena corrupted")
	assert.Contains(t, err.Error(), "Corrupt")
}

// residualBlocks builds n chained residual blocks:
//
//	x -> ConvA -> ConvB -> Add(bias) -> Sum(·, x) -> Relu
func residualBlocks(n int) *builder {
	b := newBuilder()
	x := b.input("x")
	dims := []int{1, 8, 32, 32}
	for i := range n {
		convA := b.conv(fmt.Sprintf("conv%da", i), x, dims...)
		convB := b.conv(fmt.Sprintf("conv%db", i), convA, dims...)
		bias := b.constant(fmt.Sprintf("bias%d", i), make([]float32, 8), 1, 8, 1, 1)
		add := b.eltwise(fmt.Sprintf("bias_add%d", i), graph.EltwiseAdd)
		b.connect(convB, add, 0, dims...)
		b.connect(bias, add, 1, 1, 8, 1, 1)
		sum := b.eltwise(fmt.Sprintf("sum%d", i), graph.EltwiseAdd)
		b.connect(add, sum, 0, dims...)
		b.connect(x, sum, 1, dims...)
		relu := b.eltwise(fmt.Sprintf("relu%d", i), graph.EltwiseRelu)
		b.connect(sum, relu, 0, dims...)
		x = relu
	}
	b.connect(x, b.output("out"), 0, dims...)
	return b
}

func TestResidualBlocks(t *testing.T) {
	b := residualBlocks(3)
	require.NoError(t, New(WithConfig(Config{ISA: graph.ISAAVX512, ValidateEachPass: true})).Compile(b.Graph))
	for i := range 3 {
		convB := b.NodeByName(fmt.Sprintf("conv%db", i))
		assert.Equal(t, []string{fmt.Sprintf("bias_add%d", i), fmt.Sprintf("sum%d", i), fmt.Sprintf("relu%d", i)},
			nodeNames(convB.FusedWith()))
		// Input, weights, bias and the residual.
		assert.Equal(t, 4, convB.NumParentEdges())
		assert.Equal(t, 3, convB.SelectedDescriptor().Outputs[0].InPlace)
		assert.Empty(t, b.NodeByName(fmt.Sprintf("conv%da", i)).FusedWith())
	}
	assert.Equal(t, 0, countKind(b.Graph, graph.KindEltwise))
	require.NoError(t, b.Validate())
}

func BenchmarkCompile(b *testing.B) {
	o := New(WithConfig(Config{ISA: graph.ISAAVX512}))
	for b.Loop() {
		b.StopTimer()
		g := residualBlocks(32)
		b.StartTimer()
		if err := o.Compile(g.Graph); err != nil {
			b.Fatal(err)
		}
	}
}
