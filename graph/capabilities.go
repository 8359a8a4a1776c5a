package graph

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// Capabilities is what a kernel library tells the compiler about one operator kind.
type Capabilities struct {
	// CanFuse reports whether child can be folded into n as a post-op.
	// If nil, CanFuseSimpleOperation is used.
	CanFuse func(n, child *Node) bool

	// SupportedDescriptors enumerates the ways n can execute on isa.
	SupportedDescriptors func(n *Node, isa ISA) ([]Descriptor, error)

	// ImplPriorities orders implementation kinds from most to least preferred.
	// If nil, DefaultImplPriorities is used.
	ImplPriorities []ImplType
}

// MaxEltwiseInputs bounds the number of inputs of a fused eltwise chain.
const MaxEltwiseInputs = 7

var capabilities = make(map[Kind]Capabilities)

// RegisterCapabilities sets the capabilities of kind, replacing the built-in ones.
func RegisterCapabilities(kind Kind, caps Capabilities) {
	capabilities[kind] = caps
}

func capabilitiesFor(kind Kind) Capabilities {
	if caps, found := capabilities[kind]; found {
		return caps
	}
	return capabilities[KindGeneric]
}

// ImplPriorities returns the implementation kinds n prefers, best first.
func (n *Node) ImplPriorities() []ImplType {
	if p := capabilitiesFor(n.Kind).ImplPriorities; p != nil {
		return p
	}
	return DefaultImplPriorities
}

// CanFuse reports whether child can be folded into n as a post-op, according to n's kind.
func (n *Node) CanFuse(child *Node) bool {
	caps := capabilitiesFor(n.Kind)
	if caps.CanFuse == nil {
		return n.CanFuseSimpleOperation(child)
	}
	return caps.CanFuse(n, child)
}

// CanFuseSimpleOperation reports whether child is a simple operation any compute node can append
// as a post-op: a non-binarizing FakeQuantize, an eltwise activation, or an eltwise op that can be
// expressed as a per-channel scale and shift of n's output.
func (n *Node) CanFuseSimpleOperation(child *Node) bool {
	switch child.Kind {
	case KindFakeQuantize:
		return child.Algorithm != FQBinarization
	case KindEltwise:
		return child.Algorithm.IsActivation() || child.CanBePerformedAsScaleShift(n)
	default:
		return false
	}
}

// CanBePerformedAsScaleShift reports whether n is a binary eltwise op whose non-data inputs are
// constants broadcastable per tensor or per channel to the data input. The data input is the one fed
// by parent; with a nil parent it is port 0. Subtract, Divide and Prelu only qualify with the data
// on port 0.
func (n *Node) CanBePerformedAsScaleShift(parent *Node) bool {
	if n.Kind != KindEltwise || !n.Algorithm.IsBinary() {
		return false
	}
	fusingPort := 0
	found := parent == nil
	for _, e := range n.ParentEdges() {
		if parent != nil && e.parent == parent.id && !found {
			fusingPort = e.childPort
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if fusingPort != 0 {
		// Not commutative: with x on the right the result is not affine in x.
		switch n.Algorithm {
		case EltwiseSubtract, EltwiseDivide, EltwisePrelu:
			return false
		}
	}
	data := n.ParentEdgeAt(fusingPort)
	if data == nil {
		return false
	}
	for _, e := range n.ParentEdges() {
		if e.childPort == fusingPort {
			continue
		}
		p := e.Parent()
		if p.Kind != KindInput || !p.IsConstant() {
			return false
		}
		if !IsPerTensorOrPerChannel(data.Dims(), e.Dims()) {
			return false
		}
	}
	return true
}

// IsPerChannel reports whether operand has shape [1, C, 1, ...] with C the channel dimension of
// data, and the same rank.
func IsPerChannel(data, operand []int) bool {
	if len(operand) != len(data) || len(operand) < 2 {
		return false
	}
	if operand[0] != 1 || operand[1] != data[1] {
		return false
	}
	for _, d := range operand[2:] {
		if d != 1 {
			return false
		}
	}
	return true
}

// IsPerTensorOrPerChannel accepts per-channel operands and operands with a single element.
func IsPerTensorOrPerChannel(data, operand []int) bool {
	if len(operand) <= len(data) {
		size := 1
		for _, d := range operand {
			size *= d
		}
		if size == 1 {
			return true
		}
	}
	return IsPerChannel(data, operand)
}

func init() {
	RegisterCapabilities(KindGeneric, Capabilities{
		CanFuse:              func(_, _ *Node) bool { return false },
		SupportedDescriptors: planarDescriptors(ImplRef),
	})
	for _, kind := range []Kind{KindReshape, KindConcatenation, KindSplit, KindSoftmax, KindReference} {
		RegisterCapabilities(kind, Capabilities{
			CanFuse:              func(_, _ *Node) bool { return false },
			SupportedDescriptors: planarDescriptors(ImplRef),
		})
	}
	RegisterCapabilities(KindInput, Capabilities{
		CanFuse:              func(_, _ *Node) bool { return false },
		SupportedDescriptors: planarDescriptors(ImplUnknown),
	})
	RegisterCapabilities(KindOutput, Capabilities{
		CanFuse:              func(_, _ *Node) bool { return false },
		SupportedDescriptors: planarDescriptors(ImplUnknown),
	})
	RegisterCapabilities(KindReorder, Capabilities{
		CanFuse:              func(_, _ *Node) bool { return false },
		SupportedDescriptors: reorderDescriptors,
	})
	RegisterCapabilities(KindTranspose, Capabilities{
		CanFuse:              func(_, _ *Node) bool { return false },
		SupportedDescriptors: planarDescriptors(ImplJitSSE42),
		ImplPriorities:       []ImplType{ImplJitSSE42, ImplRef},
	})
	convCaps := Capabilities{
		SupportedDescriptors: convolutionDescriptors,
		ImplPriorities:       []ImplType{ImplUnknown, ImplJitAVX512, ImplJitAVX2, ImplJitSSE42, ImplJitGemm, ImplGemmBLAS, ImplRef},
	}
	RegisterCapabilities(KindConvolution, convCaps)
	RegisterCapabilities(KindDeconvolution, Capabilities{
		CanFuse:              func(n, child *Node) bool { return child.CanBePerformedAsScaleShift(n) },
		SupportedDescriptors: convolutionDescriptors,
		ImplPriorities:       convCaps.ImplPriorities,
	})
	RegisterCapabilities(KindBinaryConvolution, Capabilities{
		CanFuse:              binaryConvolutionCanFuse,
		SupportedDescriptors: binaryConvolutionDescriptors,
	})
	RegisterCapabilities(KindFullyConnected, Capabilities{
		SupportedDescriptors: fullyConnectedDescriptors,
		ImplPriorities:       []ImplType{ImplUnknown, ImplGemmBLAS, ImplJitAVX512, ImplJitAVX2, ImplJitSSE42, ImplJitGemm, ImplRef},
	})
	RegisterCapabilities(KindPooling, Capabilities{
		CanFuse: func(n, child *Node) bool {
			return child.Kind == KindFakeQuantize && child.Algorithm != FQBinarization
		},
		SupportedDescriptors: layoutAgnosticDescriptors,
	})
	RegisterCapabilities(KindEltwise, Capabilities{
		CanFuse:              eltwiseCanFuse,
		SupportedDescriptors: layoutAgnosticDescriptors,
	})
	for _, kind := range []Kind{KindMVN, KindInterpolate, KindNormalizeL2} {
		RegisterCapabilities(kind, Capabilities{
			SupportedDescriptors: layoutAgnosticDescriptors,
		})
	}
	RegisterCapabilities(KindFakeQuantize, Capabilities{
		CanFuse:              func(_, _ *Node) bool { return false },
		SupportedDescriptors: layoutAgnosticDescriptors,
	})
}

// binaryConvolutionCanFuse accepts any FakeQuantize (binarization included), simple operations and
// the sum of another branch.
func binaryConvolutionCanFuse(n, child *Node) bool {
	if child.Kind == KindFakeQuantize {
		return true
	}
	if child.Kind == KindEltwise && child.Algorithm == EltwiseAdd && child.NumParentEdges() == 2 {
		return true
	}
	return n.CanFuseSimpleOperation(child)
}

// eltwiseCanFuse lets an eltwise node absorb a following non-binarizing FakeQuantize, or another
// eltwise op producing the same shape, as long as the fused chain keeps at most MaxEltwiseInputs
// inputs and the child does not change precision away from a float type.
func eltwiseCanFuse(n, child *Node) bool {
	switch child.Kind {
	case KindFakeQuantize:
		return child.Algorithm != FQBinarization
	case KindEltwise:
		if child.Algorithm == AlgorithmDefault {
			return false
		}
		if n.NumParentEdges()+child.NumParentEdges()-1 > MaxEltwiseInputs {
			return false
		}
		outDims := n.OutputDims()
		if !slices.Equal(outDims, child.OutputDims()) {
			return false
		}
		for _, e := range child.ParentEdges() {
			if e.parent == n.id {
				continue
			}
			if len(e.Dims()) > len(outDims) {
				return false
			}
		}
		out := child.OriginalOutputPrecisionAt(0)
		return out == dtypes.InvalidDType || out.IsFloat() || out == n.OriginalOutputPrecisionAt(0)
	default:
		return false
	}
}
