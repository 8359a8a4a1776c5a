package graph

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Negotiate picks an implementation descriptor for every live node and inserts reorders on the
// edges where producer and consumer still disagree on the tensor layout or precision.
func (g *Graph) Negotiate(isa ISA) error {
	if err := g.SortTopologically(); err != nil {
		return errors.WithMessage(err, "while sorting before negotiation")
	}
	if err := g.InitDescriptors(isa); err != nil {
		return err
	}
	if err := g.SelectDescriptors(); err != nil {
		return err
	}
	return g.ResolveEdgeConflicts()
}

// InitDescriptors builds the candidate descriptors of every live node.
func (g *Graph) InitDescriptors(isa ISA) error {
	for _, n := range g.Nodes() {
		caps := capabilitiesFor(n.Kind)
		if caps.SupportedDescriptors == nil {
			return errors.WithMessagef(ErrNoDescriptor, "kind %s has no descriptor factory (node %q)", n.Kind, n.Name)
		}
		descs, err := caps.SupportedDescriptors(n, isa)
		if err != nil {
			return errors.WithMessagef(err, "while building descriptors of %s", n)
		}
		if len(descs) == 0 {
			return errors.WithMessagef(ErrNoDescriptor, "node %s supports no descriptor on %s", n, isa)
		}
		n.supported = descs
		n.selected = -1
	}
	return nil
}

// SelectDescriptors selects one descriptor per live node, in topological order.
//
// For each implementation kind in the node's priority list, the candidate of that kind matching the
// most already selected producer outputs wins. If no candidate has a kind from the list, the first
// candidate is taken.
func (g *Graph) SelectDescriptors() error {
	for _, n := range g.Nodes() {
		if err := n.selectPreferredDescriptor(); err != nil {
			return err
		}
		n.resolveAnyLayouts()
		if klog.V(2).Enabled() {
			klog.Infof("graph: %s selected %s", n, n.SelectedDescriptor())
		}
	}
	return nil
}

func (n *Node) selectPreferredDescriptor() error {
	if len(n.supported) == 0 {
		return errors.WithMessagef(ErrNoDescriptor, "node %s has an empty descriptor list", n)
	}
	for _, impl := range n.ImplPriorities() {
		selected, bestMatches := -1, -1
		for i := range n.supported {
			d := &n.supported[i]
			if d.Impl != impl || len(d.Inputs) > n.numInputPorts() {
				continue
			}
			matches := 0
			for port, in := range d.Inputs {
				e := n.ParentEdgeAt(port)
				if e == nil {
					continue
				}
				pd := e.Parent().SelectedDescriptor()
				if pd == nil {
					continue
				}
				if out, ok := pd.outputAt(e.parentPort); ok && in.Desc.Compatible(out.Desc) {
					matches++
				}
			}
			if matches > bestMatches {
				selected, bestMatches = i, matches
			}
		}
		if selected >= 0 {
			return n.SelectDescriptor(selected)
		}
	}
	return n.SelectDescriptor(0)
}

// resolveAnyLayouts replaces "any" layouts of the selected descriptor: inputs take the producer's
// layout, outputs become planar.
func (n *Node) resolveAnyLayouts() {
	d := n.SelectedDescriptor()
	if d == nil {
		return
	}
	d.Inputs = slices.Clone(d.Inputs)
	d.Outputs = slices.Clone(d.Outputs)
	for port := range d.Inputs {
		if !d.Inputs[port].Desc.Layout.IsAny() {
			continue
		}
		e := n.ParentEdgeAt(port)
		if e == nil {
			continue
		}
		d.Inputs[port].Desc = portDesc(e, Planar(len(e.Dims())))
		if pd := e.Parent().SelectedDescriptor(); pd != nil {
			if out, ok := pd.outputAt(e.parentPort); ok && !out.Desc.Layout.IsAny() {
				d.Inputs[port].Desc.Layout = out.Desc.Layout
			}
		}
	}
	for port := range d.Outputs {
		if d.Outputs[port].Desc.Layout.IsAny() {
			d.Outputs[port].Desc.Layout = Planar(d.Outputs[port].Desc.Shape.Rank())
		}
	}
}

// ResolveEdgeConflicts inserts a reorder on every live edge whose producer output descriptor differs
// from its consumer input descriptor, then marks all live edges as needing allocation.
func (g *Graph) ResolveEdgeConflicts() error {
	for _, e := range g.Edges() {
		if e.dropped {
			continue
		}
		parent, child := e.Parent(), e.Child()
		pd, cd := parent.SelectedDescriptor(), child.SelectedDescriptor()
		if pd == nil || cd == nil {
			return errors.WithMessagef(ErrNoDescriptor, "edge %s: descriptors not selected", e)
		}
		out, ok := pd.outputAt(e.parentPort)
		if !ok {
			return errors.WithMessagef(ErrNoDescriptor, "edge %s: producer has no output config", e)
		}
		in, ok := cd.inputAt(e.childPort)
		if !ok {
			return errors.WithMessagef(ErrNoDescriptor, "edge %s: consumer has no input config", e)
		}
		if out.Desc.Equal(in.Desc) {
			continue
		}
		name := fmt.Sprintf("%s_%s_%s", parent.Name, ReorderArgs(out.Desc, in.Desc), child.Name)
		if _, err := g.InsertReorder(e, name, out.Desc, in.Desc, false, nil); err != nil {
			return errors.WithMessagef(err, "while resolving conflict on edge %s", e)
		}
	}
	g.RemoveDroppedEdges()
	for _, e := range g.Edges() {
		if err := e.SetStatus(StatusNeedAllocation); err != nil {
			return err
		}
	}
	return nil
}

// ReorderArgs describes a conversion for naming purposes, e.g. "f32_ncsp-f32_nspc".
func ReorderArgs(in, out TensorDesc) string {
	return fmt.Sprintf("%s_%s-%s_%s", PrecisionName(in.Precision()), in.Layout, PrecisionName(out.Precision()), out.Layout)
}
