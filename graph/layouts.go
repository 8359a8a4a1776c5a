package graph

import "slices"

// layoutFamily maps a rank to a concrete layout, so one candidate descriptor can describe ports of
// different ranks consistently.
type layoutFamily func(rank int) Layout

func planarFamily(rank int) Layout       { return Planar(rank) }
func channelsLastFamily(rank int) Layout { return ChannelsLast(rank) }

func blockedFamily(block int) layoutFamily {
	return func(rank int) Layout {
		if rank < 3 {
			return Planar(rank)
		}
		return Blocked(rank, block)
	}
}

// candidate is one (layout family, implementation) pair a kind may offer.
type candidate struct {
	family  layoutFamily
	impl    ImplType
	blocked bool
}

// numInputPorts returns one past the highest connected input port.
func (n *Node) numInputPorts() int { return n.nextFreeInputPort() }

// numOutputPorts returns one past the highest connected output port.
func (n *Node) numOutputPorts() int {
	count := 0
	for _, e := range n.ChildEdges() {
		count = max(count, e.parentPort+1)
	}
	return count
}

// portDesc describes the tensor on e with the given layout.
func portDesc(e *Edge, layout Layout) TensorDesc {
	return TensorDesc{Shape: e.Shape.Clone(), Layout: layout}
}

// outputConfigs builds one config per output port, using the first edge on each port for the shape.
func (n *Node) outputConfigs(family layoutFamily) []PortConfig {
	outs := make([]PortConfig, n.numOutputPorts())
	for port := range outs {
		outs[port].InPlace = -1
		if edges := n.ChildEdgesAt(port); len(edges) > 0 {
			outs[port].Desc = portDesc(edges[0], family(len(edges[0].Dims())))
		} else {
			outs[port].Desc = TensorDesc{Layout: AnyLayout}
		}
	}
	return outs
}

// inputConfigs builds one config per input port. Constant inputs are always planar; data inputs use
// the family layout unless dataLayout says otherwise.
func (n *Node) inputConfigs(family layoutFamily, dataLayout func(e *Edge) (Layout, bool)) []PortConfig {
	ins := make([]PortConfig, n.numInputPorts())
	for port := range ins {
		ins[port].InPlace = -1
		e := n.ParentEdgeAt(port)
		if e == nil {
			ins[port].Desc = TensorDesc{Layout: AnyLayout}
			continue
		}
		rank := len(e.Dims())
		if e.Parent().IsConstant() {
			ins[port].Desc = portDesc(e, Planar(rank))
			ins[port].Constant = true
			continue
		}
		layout := family(rank)
		if dataLayout != nil {
			if l, ok := dataLayout(e); ok {
				layout = l
			}
		}
		ins[port].Desc = portDesc(e, layout)
	}
	return ins
}

func planarDescriptors(impl ImplType) func(n *Node, isa ISA) ([]Descriptor, error) {
	return func(n *Node, isa ISA) ([]Descriptor, error) {
		d := Descriptor{
			Inputs:  n.inputConfigs(planarFamily, nil),
			Outputs: n.outputConfigs(planarFamily),
			Impl:    impl,
		}
		if impl == ImplJitSSE42 && isa < ISASSE42 {
			d.Impl = ImplRef
		}
		return []Descriptor{d}, nil
	}
}

func reorderDescriptors(n *Node, _ ISA) ([]Descriptor, error) {
	if n.Reorder == nil {
		return planarDescriptors(ImplReorder)(n, ISANone)
	}
	return []Descriptor{{
		Inputs:  []PortConfig{{Desc: n.Reorder.In, InPlace: -1}},
		Outputs: []PortConfig{{Desc: n.Reorder.Out, InPlace: -1}},
		Impl:    ImplReorder,
	}}, nil
}

// convolutionCandidates lists the layouts offered by convolution-like kernels on isa.
func convolutionCandidates(rank int, isa ISA, int8 bool) []candidate {
	var cands []candidate
	if rank >= 3 {
		if int8 {
			if isa >= ISASSE42 {
				cands = append(cands, candidate{family: channelsLastFamily, impl: isa.jitImpl()})
			}
		} else {
			switch {
			case isa >= ISAAVX512:
				cands = append(cands, candidate{family: blockedFamily(16), impl: ImplJitAVX512, blocked: true})
			case isa >= ISASSE42:
				cands = append(cands, candidate{family: blockedFamily(8), impl: isa.jitImpl(), blocked: true})
			}
			if isa >= ISASSE42 {
				cands = append(cands, candidate{family: channelsLastFamily, impl: isa.jitImpl()})
			}
		}
	}
	if isa >= ISASSE42 && !int8 {
		cands = append(cands, candidate{family: planarFamily, impl: ImplJitGemm})
	}
	return append(cands, candidate{family: planarFamily, impl: ImplRef})
}

func convolutionDescriptors(n *Node, isa ISA) ([]Descriptor, error) {
	data := n.ParentEdgeAt(0)
	if data == nil {
		return nil, structuralf("node %q has no data input", n.Name)
	}
	return convolutionLikeDescriptors(n, convolutionCandidates(len(data.Dims()), isa, n.CanBeExecutedInInt8())), nil
}

func binaryConvolutionDescriptors(n *Node, isa ISA) ([]Descriptor, error) {
	var cands []candidate
	if isa >= ISASSE42 {
		cands = append(cands, candidate{family: channelsLastFamily, impl: isa.jitImpl()})
	}
	cands = append(cands, candidate{family: planarFamily, impl: ImplRef})
	return convolutionLikeDescriptors(n, cands), nil
}

// convolutionLikeDescriptors builds one descriptor per candidate. The input of a fused sum shares the
// output layout, and the output accumulates in place into it.
func convolutionLikeDescriptors(n *Node, cands []candidate) []Descriptor {
	descs := make([]Descriptor, 0, len(cands))
	sum := n.SumInputPort()
	for _, c := range cands {
		d := Descriptor{
			Inputs:  n.inputConfigs(c.family, nil),
			Outputs: n.outputConfigs(c.family),
			Impl:    c.impl,
		}
		if len(d.Outputs) > 0 && sum > 0 && sum < len(d.Inputs) && !d.Inputs[sum].Constant {
			d.Outputs[0].InPlace = sum
		}
		descs = append(descs, d)
	}
	return descs
}

func fullyConnectedDescriptors(n *Node, isa ISA) ([]Descriptor, error) {
	impls := []ImplType{ImplGemmBLAS}
	if isa >= ISAAVX2 {
		impls = append(impls, ImplJitGemm)
	}
	impls = append(impls, ImplRef)
	descs := make([]Descriptor, 0, len(impls))
	for _, impl := range impls {
		descs = append(descs, Descriptor{
			Inputs:  n.inputConfigs(planarFamily, nil),
			Outputs: n.outputConfigs(planarFamily),
			Impl:    impl,
		})
	}
	return descs, nil
}

// layoutAgnosticDescriptors serves kernels that accept any plain or blocked layout as long as all
// full-size data inputs and the outputs agree on it. Broadcast inputs of a different rank stay
// planar, and any broadcast input rules out blocked layouts.
func layoutAgnosticDescriptors(n *Node, isa ISA) ([]Descriptor, error) {
	outDims := n.OutputDims()
	rank := len(outDims)
	if rank == 0 {
		if data := n.ParentEdgeAt(0); data != nil {
			rank = len(data.Dims())
		}
	}
	broadcast := false
	for _, e := range n.ParentEdges() {
		if !e.Parent().IsConstant() && outDims != nil && !slices.Equal(e.Dims(), outDims) {
			broadcast = true
		}
	}
	var cands []candidate
	if rank >= 3 && isa >= ISASSE42 {
		if !broadcast {
			block := 8
			if isa >= ISAAVX512 {
				block = 16
			}
			cands = append(cands, candidate{family: blockedFamily(block), impl: isa.jitImpl(), blocked: true})
		}
		cands = append(cands, candidate{family: channelsLastFamily, impl: isa.jitImpl()})
	}
	if isa >= ISASSE42 {
		cands = append(cands, candidate{family: planarFamily, impl: isa.jitImpl()})
	}
	cands = append(cands, candidate{family: planarFamily, impl: ImplRef})

	descs := make([]Descriptor, 0, len(cands))
	for _, c := range cands {
		dataLayout := func(e *Edge) (Layout, bool) {
			if len(e.Dims()) != rank || (c.blocked && !slices.Equal(e.Dims(), outDims)) {
				return Planar(len(e.Dims())), true
			}
			return Layout{}, false
		}
		descs = append(descs, Descriptor{
			Inputs:  n.inputConfigs(c.family, dataLayout),
			Outputs: n.outputConfigs(c.family),
			Impl:    c.impl,
		})
	}
	return descs, nil
}
