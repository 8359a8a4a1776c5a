package graph

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/sets"
)

// String implements fmt.Stringer, and pretty prints the live graph: one line per node with its
// inputs, fused-with chain and selected implementation.
func (g *Graph) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	kinds := sets.Make[string]()
	for _, n := range g.Nodes() {
		kinds.Insert(n.Kind.String())
	}
	w("Graph:\n")
	w("\t# nodes:\t%d\n", g.NumNodes())
	w("\t# edges:\t%d\n", g.NumEdges())
	w("\tKinds:\t%v\n", slices.Sorted(maps.Keys(kinds)))
	for _, n := range g.Nodes() {
		w("\t%s", n)
		if parents := n.ParentEdges(); len(parents) > 0 {
			inputs := make([]string, len(parents))
			for i, e := range parents {
				inputs[i] = fmt.Sprintf("%s:%d", e.Parent().Name, e.parentPort)
			}
			w(" <- [%s]", strings.Join(inputs, ", "))
		}
		if fused := n.FusedWith(); len(fused) > 0 {
			names := make([]string, len(fused))
			for i, f := range fused {
				names[i] = fmt.Sprintf("%s[%s]", f.Name, f.fusionRole)
			}
			w(" fused=[%s]", strings.Join(names, ", "))
		}
		if n.Kind == KindReorder && n.Reorder != nil {
			w(" %s->%s", n.Reorder.In, n.Reorder.Out)
			if n.Reorder.Optimized {
				w(" (optimized)")
			}
		}
		if d := n.SelectedDescriptor(); d != nil {
			w(" impl=%s", d.Impl)
		}
		w("\n")
	}
	return buf.String()
}
