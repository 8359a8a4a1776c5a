package graph

// Kind is the closed set of operator kinds the compiler knows about.
type Kind int

const (
	KindUnknown Kind = iota
	KindGeneric
	KindInput
	KindOutput
	KindReorder
	KindConvolution
	KindDeconvolution
	KindFullyConnected
	KindPooling
	KindEltwise
	KindFakeQuantize
	KindMVN
	KindInterpolate
	KindNormalizeL2
	KindBinaryConvolution
	KindTranspose
	KindReshape
	KindConcatenation
	KindSplit
	KindSoftmax
	KindReference
)

var kindNames = map[Kind]string{
	KindUnknown:           "Unknown",
	KindGeneric:           "Generic",
	KindInput:             "Input",
	KindOutput:            "Output",
	KindReorder:           "Reorder",
	KindConvolution:       "Convolution",
	KindDeconvolution:     "Deconvolution",
	KindFullyConnected:    "FullyConnected",
	KindPooling:           "Pooling",
	KindEltwise:           "Eltwise",
	KindFakeQuantize:      "FakeQuantize",
	KindMVN:               "MVN",
	KindInterpolate:       "Interpolate",
	KindNormalizeL2:       "NormalizeL2",
	KindBinaryConvolution: "BinaryConvolution",
	KindTranspose:         "Transpose",
	KindReshape:           "Reshape",
	KindConcatenation:     "Concatenation",
	KindSplit:             "Split",
	KindSoftmax:           "Softmax",
	KindReference:         "Reference",
}

// String returns the kind name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "invalid"
}

// KindFromString is the inverse of Kind.String. It returns KindUnknown and false for unknown names.
func KindFromString(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return KindUnknown, false
}

// Algorithm refines a Kind for parametrized operator families.
type Algorithm int

const (
	AlgorithmDefault Algorithm = iota

	PoolingMax
	PoolingAvg

	ConvolutionCommon
	ConvolutionGrouped

	EltwiseAdd
	EltwiseMultiply
	EltwiseSubtract
	EltwiseDivide
	EltwiseMulAdd
	EltwisePrelu
	EltwiseRelu
	EltwiseGelu
	EltwiseElu
	EltwiseTanh
	EltwiseSigmoid
	EltwiseAbs
	EltwiseSqrt
	EltwiseSquare
	EltwiseBoundedRelu
	EltwiseClamp
	EltwiseLinear
	EltwiseSwish
	EltwiseHswish
	EltwiseMish
	EltwiseHsigmoid
	EltwiseRoundHalfToEven
	EltwiseRoundHalfAwayFromZero

	FQCommon
	FQBinarization
)

var algorithmNames = map[Algorithm]string{
	AlgorithmDefault:             "default",
	PoolingMax:                   "max",
	PoolingAvg:                   "avg",
	ConvolutionCommon:            "common",
	ConvolutionGrouped:           "grouped",
	EltwiseAdd:                   "add",
	EltwiseMultiply:              "multiply",
	EltwiseSubtract:              "subtract",
	EltwiseDivide:                "divide",
	EltwiseMulAdd:                "mul_add",
	EltwisePrelu:                 "prelu",
	EltwiseRelu:                  "relu",
	EltwiseGelu:                  "gelu",
	EltwiseElu:                   "elu",
	EltwiseTanh:                  "tanh",
	EltwiseSigmoid:               "sigmoid",
	EltwiseAbs:                   "abs",
	EltwiseSqrt:                  "sqrt",
	EltwiseSquare:                "square",
	EltwiseBoundedRelu:           "bounded_relu",
	EltwiseClamp:                 "clamp",
	EltwiseLinear:                "linear",
	EltwiseSwish:                 "swish",
	EltwiseHswish:                "hswish",
	EltwiseMish:                  "mish",
	EltwiseHsigmoid:              "hsigmoid",
	EltwiseRoundHalfToEven:       "round_half_to_even",
	EltwiseRoundHalfAwayFromZero: "round_half_away_from_zero",
	FQCommon:                     "quantization",
	FQBinarization:               "binarization",
}

func (a Algorithm) String() string {
	if name, ok := algorithmNames[a]; ok {
		return name
	}
	return "invalid"
}

// AlgorithmFromString is the inverse of Algorithm.String.
func AlgorithmFromString(name string) (Algorithm, bool) {
	for a, n := range algorithmNames {
		if n == name {
			return a, true
		}
	}
	return AlgorithmDefault, false
}

// IsActivation reports whether a is a unary eltwise activation that can be applied as a post-op
// without extra tensor inputs.
func (a Algorithm) IsActivation() bool {
	switch a {
	case EltwiseRelu, EltwiseGelu, EltwiseElu, EltwiseSigmoid, EltwiseBoundedRelu, EltwiseClamp, EltwiseTanh,
		EltwiseSwish, EltwiseHswish, EltwiseMish, EltwiseHsigmoid, EltwiseRoundHalfToEven,
		EltwiseRoundHalfAwayFromZero, EltwiseLinear, EltwiseAbs, EltwiseSquare, EltwiseSqrt:
		return true
	default:
		return false
	}
}

// IsBinary reports whether a is an eltwise algorithm with a second operand.
func (a Algorithm) IsBinary() bool {
	switch a {
	case EltwiseAdd, EltwiseMultiply, EltwiseSubtract, EltwiseDivide, EltwisePrelu, EltwiseMulAdd:
		return true
	default:
		return false
	}
}

// ConstantType is the memoized constant-ness classification of a node.
type ConstantType int

const (
	ConstantUnknown ConstantType = iota
	Const
	NoConst
)

func (c ConstantType) String() string {
	switch c {
	case ConstantUnknown:
		return "unknown"
	case Const:
		return "const"
	case NoConst:
		return "no_const"
	default:
		return "invalid"
	}
}

// FusionRole records how a node was absorbed into its host.
type FusionRole int

const (
	// NotFused is the role of any node still executing on its own.
	NotFused FusionRole = iota
	// FusedBias marks an additive per-channel constant folded into a linear op's bias input.
	FusedBias
	// FusedPostOp marks an operation applied to the host's output.
	FusedPostOp
	// FusedSum marks an accumulation of an extra input into the host's output.
	FusedSum
)

func (r FusionRole) String() string {
	switch r {
	case NotFused:
		return "none"
	case FusedBias:
		return "bias"
	case FusedPostOp:
		return "post_op"
	case FusedSum:
		return "sum"
	default:
		return "invalid"
	}
}

// EdgeStatus is the allocation state of an edge.
type EdgeStatus int

const (
	StatusUninitialized EdgeStatus = iota
	StatusNeedAllocation
	StatusAllocated
	StatusValidated
)

func (s EdgeStatus) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusNeedAllocation:
		return "need_allocation"
	case StatusAllocated:
		return "allocated"
	case StatusValidated:
		return "validated"
	default:
		return "invalid"
	}
}
