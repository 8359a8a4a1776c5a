package optimizer

import (
	"reflect"

	"github.com/gomlx/cpugraph/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

// breaksConstness is true when folding child into parent would make a constant subgraph depend on
// runtime data.
func breaksConstness(parent, child *graph.Node) bool {
	return parent.IsConstant() && !child.IsConstant()
}

// sharesProducer reports whether child and parent have a common producer. Folding child into parent
// would then feed that producer into the fused node twice, possibly through paths of different length.
func sharesProducer(parent, child *graph.Node) bool {
	producers := sets.Make[graph.NodeID]()
	for _, p := range parent.Parents() {
		producers.Insert(p.ID())
	}
	for _, p := range child.Parents() {
		if producers.Has(p.ID()) {
			return true
		}
	}
	return false
}

// feedCount returns how many input ports of child parent feeds.
func feedCount(parent, child *graph.Node) int {
	count := 0
	for _, e := range child.ParentEdges() {
		if e.Parent() == parent {
			count++
		}
	}
	return count
}

// feedsDataInput reports whether parent feeds exactly one input of child and, for a FakeQuantize,
// whether that input is the data at port 0 rather than one of its range inputs.
func feedsDataInput(parent, child *graph.Node) bool {
	if feedCount(parent, child) != 1 {
		return false
	}
	return child.Kind != graph.KindFakeQuantize || child.Parent(0) == parent
}

// soleChildOf returns n's only consumer, if n has exactly one child edge.
func soleChildOf(n *graph.Node) (*graph.Node, bool) {
	child := n.SoleChild()
	return child, child != nil
}

// isEltwise reports whether n is an eltwise node running algorithm.
func isEltwise(n *graph.Node, algorithm graph.Algorithm) bool {
	return n.Kind == graph.KindEltwise && n.Algorithm == algorithm
}

// isQuantize reports whether n is a FakeQuantize other than binarization.
func isQuantize(n *graph.Node) bool {
	return n.Kind == graph.KindFakeQuantize && n.Algorithm != graph.FQBinarization
}

// absorbPostOp fuses child into parent, disconnects the child's inputs not coming from parent and
// splices the child out.
func absorbPostOp(g *graph.Graph, parent, child *graph.Node) error {
	if count := feedCount(parent, child); count != 1 {
		return errors.WithMessagef(graph.ErrStructural, "%q feeds %d inputs of post-op %q", parent.Name, count, child.Name)
	}
	if err := child.FuseInto(parent); err != nil {
		return err
	}
	for _, e := range child.ParentEdges() {
		if e.Parent() != parent {
			e.Drop()
		}
	}
	return g.DropNode(child)
}

// padInputPrecisions makes sure n records an original precision for each port below port, so that a
// precision appended next lands at port.
func padInputPrecisions(n *graph.Node, port int) {
	for i := len(n.OriginalInputPrecisions); i < port; i++ {
		n.OriginalInputPrecisions = append(n.OriginalInputPrecisions, n.OriginalInputPrecisionAt(i))
	}
}

var float32Type = reflect.TypeOf(float32(0))

// constantValues returns the flat values of the constant producing input port of n, as float32.
func constantValues(n *graph.Node, port int) ([]float32, error) {
	p := n.Parent(port)
	if p == nil || p.Kind != graph.KindInput || p.Value == nil {
		return nil, errors.Errorf("input %d of %q is not a constant", port, n.Name)
	}
	return tensorToFloat32s(p.Value)
}

func tensorToFloat32s(t *tensors.Tensor) ([]float32, error) {
	res := make([]float32, t.Size())
	var err error
	t.ConstFlatData(func(flat any) {
		if values, ok := flat.([]float32); ok {
			copy(res, values)
			return
		}
		valueOf := reflect.ValueOf(flat)
		for ii := range valueOf.Len() {
			elemV := valueOf.Index(ii)
			if !elemV.CanConvert(float32Type) {
				err = errors.Errorf("cannot read %s constant as float32", t.Shape().DType)
				return
			}
			res[ii] = elemV.Convert(float32Type).Interface().(float32)
		}
	})
	return res, err
}

// broadcastAt returns values[i], or values[0] for single-element lists.
func broadcastAt(values []float32, i int) float32 {
	if len(values) == 1 {
		return values[0]
	}
	return values[i]
}
