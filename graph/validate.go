package graph

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Validate checks the graph invariants and returns every violation found, combined:
//
//   - each live edge's endpoints are live nodes that list the edge;
//   - each node's edge lists contain only live edges of the edge set, pointing back at the node;
//   - parent edges are sorted by input port, and input ports are unique;
//   - fused-with lists have no duplicates;
//   - the live edges form a DAG.
func (g *Graph) Validate() error {
	var err error
	live := sets.Make[NodeID](len(g.order))
	for _, id := range g.order {
		live.Insert(id)
	}
	inSet := sets.Make[EdgeID](len(g.edgeSet))
	for _, id := range g.edgeSet {
		inSet.Insert(id)
		e := g.edge(id)
		if e.dropped {
			continue
		}
		if !live.Has(e.parent) || !live.Has(e.child) {
			err = multierr.Append(err, structuralf("edge %s has an endpoint outside the live node list", e))
			continue
		}
		if !slices.Contains(g.nodes[e.parent].childEdges, id) {
			err = multierr.Append(err, structuralf("edge %s missing from its producer's child edges", e))
		}
		if !slices.Contains(g.nodes[e.child].parentEdges, id) {
			err = multierr.Append(err, structuralf("edge %s missing from its consumer's parent edges", e))
		}
	}

	for _, id := range g.order {
		n := g.nodes[id]
		lastPort := -1
		for _, eid := range n.parentEdges {
			e := g.edge(eid)
			switch {
			case e.dropped || !inSet.Has(eid):
				err = multierr.Append(err, structuralf("node %q lists dead parent edge %s", n.Name, e))
			case e.child != id:
				err = multierr.Append(err, structuralf("node %q lists foreign parent edge %s", n.Name, e))
			case e.childPort == lastPort:
				err = multierr.Append(err, structuralf("node %q has input port %d fed twice", n.Name, e.childPort))
			case e.childPort < lastPort:
				err = multierr.Append(err, structuralf("node %q parent edges not sorted by port", n.Name))
			}
			lastPort = e.childPort
		}
		for _, eid := range n.childEdges {
			e := g.edge(eid)
			if e.dropped || !inSet.Has(eid) {
				err = multierr.Append(err, structuralf("node %q lists dead child edge %s", n.Name, e))
			} else if e.parent != id {
				err = multierr.Append(err, structuralf("node %q lists foreign child edge %s", n.Name, e))
			}
		}
		seen := sets.Make[NodeID](len(n.fusedWith))
		for _, fid := range n.fusedWith {
			if seen.Has(fid) {
				err = multierr.Append(err, structuralf("node %q fused with %q twice", n.Name, g.nodeName(fid)))
			}
			seen.Insert(fid)
		}
	}

	if !g.IsAcyclic() {
		err = multierr.Append(err, structuralf("graph has a cycle"))
	}
	if err != nil {
		return errors.WithMessagef(err, "graph validation failed with %d error(s)", len(multierr.Errors(err)))
	}
	return nil
}
