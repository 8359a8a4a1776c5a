package graph

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// EdgeID indexes the graph's edge arena. It is stable for the whole compilation.
type EdgeID int

// Edge is a directed data dependency from the output port of its parent (producer) to the input
// port of its child (consumer).
type Edge struct {
	g  *Graph
	id EdgeID

	parent, child         NodeID
	parentPort, childPort int

	// Shape of the tensor carried, including its precision.
	Shape shapes.Shape

	status  EdgeStatus
	dropped bool
}

// ID returns the edge's arena index.
func (e *Edge) ID() EdgeID { return e.id }

// Parent returns the producer node.
func (e *Edge) Parent() *Node { return e.g.Node(e.parent) }

// Child returns the consumer node.
func (e *Edge) Child() *Node { return e.g.Node(e.child) }

// ParentPort is the producer's output port.
func (e *Edge) ParentPort() int { return e.parentPort }

// ChildPort is the consumer's input port.
func (e *Edge) ChildPort() int { return e.childPort }

// Dims of the carried tensor.
func (e *Edge) Dims() []int { return e.Shape.Dimensions }

// Precision of the carried tensor.
func (e *Edge) Precision() dtypes.DType { return e.Shape.DType }

// IsDropped reports whether the edge was detached from its endpoints. A dropped edge stays in the
// graph's edge set until RemoveDroppedEdges.
func (e *Edge) IsDropped() bool { return e.dropped }

// Status returns the allocation status.
func (e *Edge) Status() EdgeStatus { return e.status }

// SetStatus moves the edge along Uninitialized → NeedAllocation → Allocated → Validated.
// Re-setting the current status is a no-op; any other transition is an error.
func (e *Edge) SetStatus(status EdgeStatus) error {
	if e.dropped {
		return structuralf("cannot set status %s on dropped edge %s", status, e)
	}
	if status == e.status {
		return nil
	}
	if status != e.status+1 {
		return errors.Errorf("edge %s: invalid status transition %s -> %s", e, e.status, status)
	}
	e.status = status
	return nil
}

// Drop detaches the edge from both endpoints.
func (e *Edge) Drop() {
	if e.dropped {
		return
	}
	e.dropped = true
	e.g.node(e.parent).removeChildEdge(e.id)
	e.g.node(e.child).removeParentEdge(e.id)
	e.g.invalidate()
}

// Desc returns the tensor descriptor both endpoints agreed on during negotiation.
// It fails if either side has no selected descriptor, or if they disagree. Edges touching an
// optimized reorder are only checked for precision, since the relabeling changes dims by design.
func (e *Edge) Desc() (TensorDesc, error) {
	parent, child := e.Parent(), e.Child()
	pd := parent.SelectedDescriptor()
	cd := child.SelectedDescriptor()
	if pd == nil || cd == nil {
		return TensorDesc{}, errors.WithMessagef(ErrNoDescriptor, "edge %s: descriptors not selected", e)
	}
	out, ok := pd.outputAt(e.parentPort)
	if !ok {
		return TensorDesc{}, errors.WithMessagef(ErrNoDescriptor, "edge %s: producer has no output config", e)
	}
	in, ok := cd.inputAt(e.childPort)
	if !ok {
		return TensorDesc{}, errors.WithMessagef(ErrNoDescriptor, "edge %s: consumer has no input config", e)
	}
	if parent.isOptimizedReorder() || child.isOptimizedReorder() {
		if out.Desc.Shape.DType != in.Desc.Shape.DType {
			return TensorDesc{}, structuralf("edge %s: precision mismatch %s vs %s", e, out.Desc.Shape.DType, in.Desc.Shape.DType)
		}
		return out.Desc, nil
	}
	if !out.Desc.Equal(in.Desc) {
		return TensorDesc{}, structuralf("edge %s: descriptor mismatch %s vs %s", e, out.Desc, in.Desc)
	}
	return out.Desc, nil
}

// String implements fmt.Stringer.
func (e *Edge) String() string {
	if e == nil {
		return "<nil edge>"
	}
	return fmt.Sprintf("%s:%d->%s:%d", e.g.nodeName(e.parent), e.parentPort, e.g.nodeName(e.child), e.childPort)
}

// edge returns the edge for id, panicking on an index outside the arena.
func (g *Graph) edge(id EdgeID) *Edge {
	if id < 0 || int(id) >= len(g.edges) {
		exceptions.Panicf("edge index %d outside the arena (%d edges)", id, len(g.edges))
	}
	return g.edges[id]
}
