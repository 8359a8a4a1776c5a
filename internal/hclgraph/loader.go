// Package hclgraph loads graph descriptions written in HCL, for the command line tool and for tests.
//
// A description lists nodes in any order, each one naming its inputs; the optional pipeline block
// configures the optimizer (see pipelineBlock):
//
//	node "x" {
//	  kind  = "Input"
//	  shape = [1, 8, 16, 16]
//	}
//
//	node "w" {
//	  kind      = "Input"
//	  shape     = [8, 8, 3, 3]
//	  data_file = "weights.bin"
//	}
//
//	node "conv" {
//	  kind             = "Convolution"
//	  algorithm        = "common"
//	  inputs           = ["x", "w"]
//	  input_precisions = [u8, i8]
//	  shape            = [1, 8, 16, 16]
//	}
//
// Inputs are "name" or "name:port", port being the producer's output port; the i-th input feeds
// input port i. Every edge carries the shape and precision declared by its producer. Precision
// names (f32, u8, ...) and ISA names can be used unquoted.
package hclgraph

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gomlx/cpugraph/graph"
	"github.com/gomlx/cpugraph/optimizer"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// Model is a loaded description: the graph and the optimizer configuration to compile it with.
type Model struct {
	Graph *graph.Graph

	// Config comes from the pipeline block, or is optimizer.DefaultConfig if there is none.
	Config optimizer.Config
}

type fileRoot struct {
	Pipeline *pipelineBlock `hcl:"pipeline,block"`
	Nodes    []*nodeBlock   `hcl:"node,block"`
}

type nodeBlock struct {
	Name      string `hcl:"name,label"`
	Kind      string `hcl:"kind"`
	Algorithm string `hcl:"algorithm,optional"`
	TypeName  string `hcl:"type_name,optional"`

	Inputs          []string `hcl:"inputs,optional"`
	InputPrecisions []string `hcl:"input_precisions,optional"`

	// Shape is the shape of every output, unless OutputShapes has an entry for the port.
	Shape        []int   `hcl:"shape,optional"`
	OutputShapes [][]int `hcl:"output_shapes,optional"`
	Precision    string  `hcl:"precision,optional"`

	// Constant value of an Input node, inline or in an external file.
	Data       []float64 `hcl:"data,optional"`
	DataFile   string    `hcl:"data_file,optional"`
	DataOffset int64     `hcl:"data_offset,optional"`
	DataLength int64     `hcl:"data_length,optional"`

	Alpha       float64 `hcl:"alpha,optional"`
	Beta        float64 `hcl:"beta,optional"`
	Permutation []int   `hcl:"permutation,optional"`

	Quantize *quantizeBlock `hcl:"quantize,block"`
	MVN      *mvnBlock      `hcl:"mvn,block"`
}

type quantizeBlock struct {
	Levels   int       `hcl:"levels"`
	CropLow  []float64 `hcl:"crop_low"`
	CropHigh []float64 `hcl:"crop_high"`

	// Input scale and shift default to mapping [crop_low, crop_high] onto [0, levels-1]; output
	// scale and shift default to the identity.
	InputScale  []float64 `hcl:"input_scale,optional"`
	InputShift  []float64 `hcl:"input_shift,optional"`
	OutputScale []float64 `hcl:"output_scale,optional"`
	OutputShift []float64 `hcl:"output_shift,optional"`
}

type mvnBlock struct {
	AcrossChannels    bool `hcl:"across_channels,optional"`
	NormalizeVariance bool `hcl:"normalize_variance,optional"`
}

// evalContext makes precision and ISA names available as bare identifiers.
func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, name := range graph.PrecisionNames() {
		vars[name] = cty.StringVal(name)
	}
	for isa := graph.ISANone; isa <= graph.ISAAVX512; isa++ {
		vars[isa.String()] = cty.StringVal(isa.String())
	}
	return &hcl.EvalContext{Variables: vars}
}

// LoadFile loads the description in path. External data files are resolved relative to its
// directory.
func LoadFile(path string) (*Model, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read graph description %q", path)
	}
	return Parse(src, path, filepath.Dir(path))
}

// Parse loads a description from src. filename is only used in error messages; baseDir is where
// external data files are looked for.
func Parse(src []byte, filename, baseDir string) (model *Model, err error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, errors.Wrapf(diags, "failed to parse HCL file %s", filename)
	}
	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, evalContext(), &root); diags.HasErrors() {
		return nil, errors.Wrapf(diags, "failed to decode HCL file %s", filename)
	}

	config, err := root.Pipeline.config()
	if err != nil {
		return nil, errors.WithMessagef(err, "in %s", filename)
	}
	weights := newWeightFiles(baseDir)
	defer multierr.AppendInvoke(&err, multierr.Close(weights))
	g, err := buildGraph(root.Nodes, weights)
	if err != nil {
		return nil, errors.WithMessagef(err, "in %s", filename)
	}
	klog.V(1).Infof("hclgraph: loaded %d nodes and %d edges from %s", g.NumNodes(), g.NumEdges(), filename)
	return &Model{Graph: g, Config: config}, nil
}

func buildGraph(blocks []*nodeBlock, weights *weightFiles) (*graph.Graph, error) {
	g := graph.New()
	byName := make(map[string]*nodeBlock, len(blocks))
	for _, b := range blocks {
		n, err := b.node(weights)
		if err != nil {
			return nil, errors.WithMessagef(err, "node %q", b.Name)
		}
		if _, err := g.AddNode(n); err != nil {
			return nil, err
		}
		byName[b.Name] = b
	}
	for _, b := range blocks {
		child := g.NodeByName(b.Name)
		for port, ref := range b.Inputs {
			name, producerPort, err := parseInputRef(ref)
			if err != nil {
				return nil, errors.WithMessagef(err, "node %q", b.Name)
			}
			producer, found := byName[name]
			if !found {
				return nil, errors.Errorf("node %q: unknown input node %q", b.Name, name)
			}
			shape, err := producer.outputShape(producerPort)
			if err != nil {
				return nil, err
			}
			if _, err := g.AddEdge(g.NodeByName(name), producerPort, child, port, shape); err != nil {
				return nil, errors.WithMessagef(err, "while connecting %q to %q", ref, b.Name)
			}
		}
	}
	return g, nil
}

// parseInputRef splits "name:port"; a plain "name" refers to output port 0.
func parseInputRef(ref string) (string, int, error) {
	idx := strings.LastIndexByte(ref, ':')
	if idx < 0 {
		return ref, 0, nil
	}
	port, err := strconv.Atoi(ref[idx+1:])
	if err != nil || port < 0 {
		return "", 0, errors.Errorf("invalid input reference %q, expected \"name\" or \"name:port\"", ref)
	}
	return ref[:idx], port, nil
}

func (b *nodeBlock) precision() (dtypes.DType, error) {
	if b.Precision == "" {
		return dtypes.Float32, nil
	}
	return graph.PrecisionFromName(b.Precision)
}

func (b *nodeBlock) outputShape(port int) (shapes.Shape, error) {
	dtype, err := b.precision()
	if err != nil {
		return shapes.Shape{}, errors.WithMessagef(err, "node %q", b.Name)
	}
	dims := b.Shape
	if port < len(b.OutputShapes) {
		dims = b.OutputShapes[port]
	} else if dims == nil {
		return shapes.Shape{}, errors.Errorf("node %q declares no shape for output %d", b.Name, port)
	}
	return shapes.Make(dtype, dims...), nil
}

func (b *nodeBlock) node(weights *weightFiles) (*graph.Node, error) {
	kind, ok := graph.KindFromString(b.Kind)
	if !ok {
		return nil, errors.Errorf("unknown kind %q", b.Kind)
	}
	algorithm := graph.AlgorithmDefault
	if b.Algorithm != "" {
		if algorithm, ok = graph.AlgorithmFromString(b.Algorithm); !ok {
			return nil, errors.Errorf("unknown algorithm %q", b.Algorithm)
		}
	} else if kind == graph.KindFakeQuantize {
		algorithm = graph.FQCommon
	}

	n := graph.NewNode(b.Name, kind, algorithm)
	n.TypeName = b.TypeName
	n.Alpha, n.Beta = float32(b.Alpha), float32(b.Beta)
	n.Permutation = b.Permutation
	for _, name := range b.InputPrecisions {
		dtype, err := graph.PrecisionFromName(name)
		if err != nil {
			return nil, err
		}
		n.OriginalInputPrecisions = append(n.OriginalInputPrecisions, dtype)
	}
	if b.Quantize != nil {
		q, err := b.Quantize.attrs()
		if err != nil {
			return nil, err
		}
		n.Quantize = q
	}
	if b.MVN != nil {
		n.MVN = graph.MVNAttrs{AcrossChannels: b.MVN.AcrossChannels, NormalizeVariance: b.MVN.NormalizeVariance}
	}
	value, err := b.value(kind, weights)
	if err != nil {
		return nil, err
	}
	n.Value = value
	return n, nil
}

// value returns the constant held by the node, or nil if it declares none.
func (b *nodeBlock) value(kind graph.Kind, weights *weightFiles) (*tensors.Tensor, error) {
	if len(b.Data) == 0 && b.DataFile == "" {
		return nil, nil
	}
	if kind != graph.KindInput {
		return nil, errors.Errorf("only Input nodes can hold data, not %s", kind)
	}
	if len(b.Data) > 0 && b.DataFile != "" {
		return nil, errors.New("data and data_file are mutually exclusive")
	}
	dtype, err := b.precision()
	if err != nil {
		return nil, err
	}
	shape := shapes.Make(dtype, b.Shape...)

	if b.DataFile != "" {
		t := tensors.FromShape(shape)
		t.MutableBytes(func(data []byte) {
			err = weights.load(dataRef{file: b.DataFile, offset: b.DataOffset, length: b.DataLength}, data)
		})
		if err != nil {
			t.FinalizeAll()
			return nil, err
		}
		return t, nil
	}

	if len(b.Data) != shape.Size() {
		return nil, errors.Errorf("shape %s needs %d values, got %d", shape, shape.Size(), len(b.Data))
	}
	switch dtype {
	case dtypes.Float32:
		return fromFloat64s[float32](b.Data, b.Shape), nil
	case dtypes.Float64:
		return fromFloat64s[float64](b.Data, b.Shape), nil
	case dtypes.Int8:
		return fromFloat64s[int8](b.Data, b.Shape), nil
	case dtypes.Uint8:
		return fromFloat64s[uint8](b.Data, b.Shape), nil
	case dtypes.Int32:
		return fromFloat64s[int32](b.Data, b.Shape), nil
	case dtypes.Int64:
		return fromFloat64s[int64](b.Data, b.Shape), nil
	default:
		return nil, errors.Errorf("inline data not supported for %s, use data_file", dtype)
	}
}

func fromFloat64s[T float32 | float64 | int8 | uint8 | int32 | int64](values []float64, dims []int) *tensors.Tensor {
	flat := make([]T, len(values))
	for i, v := range values {
		flat[i] = T(v)
	}
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}

func toFloat32s(values []float64) []float32 {
	if values == nil {
		return nil
	}
	res := make([]float32, len(values))
	for i, v := range values {
		res[i] = float32(v)
	}
	return res
}

func (q *quantizeBlock) attrs() (*graph.QuantizeAttrs, error) {
	if q.Levels < 2 {
		return nil, errors.Errorf("quantize needs at least 2 levels, got %d", q.Levels)
	}
	if len(q.CropLow) == 0 || len(q.CropLow) != len(q.CropHigh) {
		return nil, errors.Errorf("quantize has %d crop_low and %d crop_high values", len(q.CropLow), len(q.CropHigh))
	}
	attrs := &graph.QuantizeAttrs{
		Levels:      q.Levels,
		CropLow:     toFloat32s(q.CropLow),
		CropHigh:    toFloat32s(q.CropHigh),
		InputScale:  toFloat32s(q.InputScale),
		InputShift:  toFloat32s(q.InputShift),
		OutputScale: toFloat32s(q.OutputScale),
		OutputShift: toFloat32s(q.OutputShift),
	}
	if attrs.InputScale == nil {
		attrs.InputScale = make([]float32, len(attrs.CropLow))
		attrs.InputShift = make([]float32, len(attrs.CropLow))
		for i, low := range attrs.CropLow {
			width := attrs.CropHigh[i] - low
			if width <= 0 {
				return nil, errors.Errorf("empty crop range [%g, %g] at %d", low, attrs.CropHigh[i], i)
			}
			attrs.InputScale[i] = float32(q.Levels-1) / width
			attrs.InputShift[i] = -low * attrs.InputScale[i]
		}
	} else if attrs.InputShift == nil {
		attrs.InputShift = []float32{0}
	}
	if attrs.OutputScale == nil {
		attrs.OutputScale = []float32{1}
	}
	if attrs.OutputShift == nil {
		attrs.OutputShift = []float32{0}
	}
	return attrs, nil
}
