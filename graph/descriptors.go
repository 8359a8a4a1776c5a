package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// Layout is the physical order of a tensor's logical axes in memory.
//
// Order lists logical axes from outermost to innermost. Blocked layouts append the channel axis a
// second time, for the inner block of Block channels, so their Order is one longer than the rank.
// A Layout with a nil Order is "any": it matches every other layout.
type Layout struct {
	Name  string
	Order []int
	Block int
}

// AnyLayout matches every layout during negotiation.
var AnyLayout = Layout{Name: "any"}

// Planar is the identity order, e.g. NCHW.
func Planar(rank int) Layout {
	order := make([]int, rank)
	for i := range order {
		order[i] = i
	}
	return Layout{Name: "ncsp", Order: order}
}

// ChannelsLast moves the channel axis innermost, e.g. NHWC.
func ChannelsLast(rank int) Layout {
	if rank < 3 {
		return Planar(rank)
	}
	order := make([]int, 0, rank)
	order = append(order, 0)
	for i := 2; i < rank; i++ {
		order = append(order, i)
	}
	order = append(order, 1)
	return Layout{Name: "nspc", Order: order}
}

// Blocked splits channels into blocks of size block stored innermost, e.g. nChw16c.
func Blocked(rank, block int) Layout {
	order := append(Planar(rank).Order, 1)
	return Layout{Name: fmt.Sprintf("nCsp%dc", block), Order: order, Block: block}
}

// LayoutFromOrder builds a plain (non-blocked) layout from an axes order, naming it after the
// standard layouts when it matches one of them.
func LayoutFromOrder(order []int) Layout {
	rank := len(order)
	switch {
	case slices.Equal(order, Planar(rank).Order):
		return Planar(rank)
	case slices.Equal(order, ChannelsLast(rank).Order):
		return ChannelsLast(rank)
	}
	parts := make([]string, len(order))
	for i, axis := range order {
		parts[i] = fmt.Sprint(axis)
	}
	return Layout{Name: "o" + strings.Join(parts, ""), Order: slices.Clone(order)}
}

// IsAny reports whether l matches any layout.
func (l Layout) IsAny() bool { return l.Order == nil }

// Equal compares orders and block sizes. Names are not compared.
func (l Layout) Equal(other Layout) bool {
	return slices.Equal(l.Order, other.Order) && l.Block == other.Block && l.IsAny() == other.IsAny()
}

// Compatible is Equal, except that "any" matches everything.
func (l Layout) Compatible(other Layout) bool {
	return l.IsAny() || other.IsAny() || l.Equal(other)
}

func (l Layout) String() string { return l.Name }

// TensorDesc is a tensor's shape and precision plus its memory layout.
type TensorDesc struct {
	Shape  shapes.Shape
	Layout Layout
}

// NewTensorDesc creates a descriptor.
func NewTensorDesc(dtype dtypes.DType, dims []int, layout Layout) TensorDesc {
	return TensorDesc{Shape: shapes.Make(dtype, dims...), Layout: layout}
}

// Precision of the described tensor.
func (d TensorDesc) Precision() dtypes.DType { return d.Shape.DType }

// WithPrecision returns a copy of d with another precision.
func (d TensorDesc) WithPrecision(dtype dtypes.DType) TensorDesc {
	d.Shape = d.Shape.Clone()
	d.Shape.DType = dtype
	return d
}

// Equal compares precision, dims and layout.
func (d TensorDesc) Equal(other TensorDesc) bool {
	return d.Shape.DType == other.Shape.DType &&
		slices.Equal(d.Shape.Dimensions, other.Shape.Dimensions) &&
		d.Layout.Equal(other.Layout)
}

// Compatible is Equal with "any" layouts matching everything.
func (d TensorDesc) Compatible(other TensorDesc) bool {
	return d.Shape.DType == other.Shape.DType &&
		slices.Equal(d.Shape.Dimensions, other.Shape.Dimensions) &&
		d.Layout.Compatible(other.Layout)
}

func (d TensorDesc) String() string {
	return fmt.Sprintf("%s%v:%s", d.Shape.DType, d.Shape.Dimensions, d.Layout)
}

// PortConfig describes one input or output of a descriptor.
type PortConfig struct {
	Desc TensorDesc
	// InPlace is the port whose buffer this one may reuse, or -1.
	InPlace int
	// Constant marks inputs fed by compile-time constants.
	Constant bool
}

// ImplType is the kind of kernel implementation behind a descriptor.
type ImplType int

const (
	ImplUnknown ImplType = iota
	ImplJitAVX512
	ImplJitAVX2
	ImplJitSSE42
	ImplJitGemm
	ImplGemmBLAS
	ImplReorder
	ImplRef
)

func (t ImplType) String() string {
	switch t {
	case ImplUnknown:
		return "unknown"
	case ImplJitAVX512:
		return "jit_avx512"
	case ImplJitAVX2:
		return "jit_avx2"
	case ImplJitSSE42:
		return "jit_sse42"
	case ImplJitGemm:
		return "jit_gemm"
	case ImplGemmBLAS:
		return "gemm_blas"
	case ImplReorder:
		return "reorder"
	case ImplRef:
		return "ref"
	default:
		return "invalid"
	}
}

// DefaultImplPriorities prefers specialized JIT kernels over gemm and reference ones.
var DefaultImplPriorities = []ImplType{
	ImplUnknown, ImplJitAVX512, ImplJitAVX2, ImplJitSSE42, ImplJitGemm, ImplGemmBLAS, ImplReorder, ImplRef,
}

// Descriptor is one way a node can execute: a layout and precision per port plus the kernel kind.
type Descriptor struct {
	Inputs  []PortConfig
	Outputs []PortConfig
	Impl    ImplType
}

func (d *Descriptor) inputAt(port int) (PortConfig, bool) {
	if port < 0 || port >= len(d.Inputs) {
		return PortConfig{}, false
	}
	return d.Inputs[port], true
}

// outputAt falls back to output 0 for out-of-range ports, as multi-output producers
// commonly share one output config.
func (d *Descriptor) outputAt(port int) (PortConfig, bool) {
	if len(d.Outputs) == 0 {
		return PortConfig{}, false
	}
	if port < 0 || port >= len(d.Outputs) {
		port = 0
	}
	return d.Outputs[port], true
}

func (d *Descriptor) String() string {
	var sb strings.Builder
	sb.WriteString(d.Impl.String())
	sb.WriteString(" in[")
	for i, in := range d.Inputs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(in.Desc.String())
	}
	sb.WriteString("] out[")
	for i, out := range d.Outputs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(out.Desc.String())
	}
	sb.WriteString("]")
	return sb.String()
}

// ISA is the instruction set the compiled plan targets. Higher values include lower ones.
type ISA int

const (
	ISANone ISA = iota
	ISASSE42
	ISAAVX2
	ISAAVX512
)

func (isa ISA) String() string {
	switch isa {
	case ISANone:
		return "none"
	case ISASSE42:
		return "sse42"
	case ISAAVX2:
		return "avx2"
	case ISAAVX512:
		return "avx512"
	default:
		return "invalid"
	}
}

// ISAFromString parses the names returned by ISA.String.
func ISAFromString(name string) (ISA, bool) {
	for isa := ISANone; isa <= ISAAVX512; isa++ {
		if isa.String() == name {
			return isa, true
		}
	}
	return ISANone, false
}

// jitImpl returns the best JIT kind available for isa, or ImplRef.
func (isa ISA) jitImpl() ImplType {
	switch isa {
	case ISAAVX512:
		return ImplJitAVX512
	case ISAAVX2:
		return ImplJitAVX2
	case ISASSE42:
		return ImplJitSSE42
	default:
		return ImplRef
	}
}
