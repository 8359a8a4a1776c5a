package graph

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// InsertReorder splits e with a new Reorder node converting from in to out, and returns it.
//
// The reorder gets its single descriptor selected right away, and is placed just before e's
// consumer in the live order so the order stays topological. With optimized set, the reorder only
// relabels memory (in and out may then describe different logical dims); otherwise, if both
// endpoints already have descriptors, the two new edges are checked for agreement.
// The split edge is dropped, and collected by the next RemoveDroppedEdges.
func (g *Graph) InsertReorder(e *Edge, name string, in, out TensorDesc, optimized bool, scales []float32) (*Node, error) {
	if e.dropped {
		return nil, structuralf("cannot insert reorder %q on dropped edge %s", name, e)
	}
	parent, child := e.Parent(), e.Child()
	n := NewNode(g.uniqueName(name), KindReorder, AlgorithmDefault)
	n.Reorder = &ReorderAttrs{In: in, Out: out, Optimized: optimized, Scales: slices.Clone(scales)}
	n.OriginalInputPrecisions = append(n.OriginalInputPrecisions, in.Precision())
	n.OriginalOutputPrecisions = append(n.OriginalOutputPrecisions, out.Precision())
	if _, err := g.AddNode(n); err != nil {
		return nil, err
	}
	// Move it right before the consumer.
	g.order = g.order[:len(g.order)-1]
	if pos := slices.Index(g.order, child.id); pos >= 0 {
		g.order = slices.Insert(g.order, pos, n.id)
	} else {
		g.order = append(g.order, n.id)
	}

	e.Drop()
	before, err := g.AddEdge(parent, e.parentPort, n, 0, in.Shape)
	if err != nil {
		return nil, errors.WithMessagef(err, "while inserting reorder %q", n.Name)
	}
	after, err := g.AddEdge(n, 0, child, e.childPort, out.Shape)
	if err != nil {
		return nil, errors.WithMessagef(err, "while inserting reorder %q", n.Name)
	}

	descs, err := reorderDescriptors(n, ISANone)
	if err != nil {
		return nil, err
	}
	n.supported = descs
	n.selected = 0

	if !optimized {
		for _, ne := range []*Edge{before, after} {
			if ne.Parent().SelectedDescriptor() == nil || ne.Child().SelectedDescriptor() == nil {
				continue
			}
			if _, err := ne.Desc(); err != nil {
				return nil, errors.WithMessagef(err, "reorder %q does not fit its edge", n.Name)
			}
		}
	}
	return n, nil
}

// uniqueName returns base, or base with a numeric suffix if a node already uses it.
func (g *Graph) uniqueName(base string) string {
	if _, found := g.byName[base]; !found {
		return base
	}
	for i := 1; ; i++ {
		name := fmt.Sprintf("%s_%d", base, i)
		if _, found := g.byName[name]; !found {
			return name
		}
	}
}
