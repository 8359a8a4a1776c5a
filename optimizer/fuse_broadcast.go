package optimizer

import (
	"github.com/gomlx/cpugraph/graph"
)

// broadcastTypeName is the TypeName of Generic nodes materializing a broadcast.
const broadcastTypeName = "Broadcast"

// FuseBroadcastAndEltwise removes Broadcast nodes feeding an eltwise op, which broadcasts on its
// own. The eltwise input then carries the broadcast's source shape, and the target-shape constants
// are disconnected.
var FuseBroadcastAndEltwise = &Pass{
	Name:    "FuseBroadcastAndEltwise",
	Match:   matchBroadcastAndEltwise,
	Rewrite: fuseBroadcastAndEltwise,
}

func matchBroadcastAndEltwise(n *graph.Node) (*graph.Node, *graph.Node, bool) {
	if n.Kind != graph.KindGeneric || n.TypeName != broadcastTypeName || n.ParentEdgeAt(0) == nil {
		return nil, nil, false
	}
	child, ok := soleChildOf(n)
	if !ok || child.Kind != graph.KindEltwise {
		return nil, nil, false
	}
	return n, child, true
}

func fuseBroadcastAndEltwise(g *graph.Graph, broadcast, eltwise *graph.Node) error {
	source := broadcast.ParentEdgeAt(0)
	sourceShape := source.Shape.Clone()
	port := broadcast.ChildEdges()[0].ChildPort()
	for _, e := range broadcast.ParentEdges() {
		if e.ChildPort() != 0 {
			e.Drop()
		}
	}
	if err := g.DropNode(broadcast); err != nil {
		return err
	}
	if e := eltwise.ParentEdgeAt(port); e != nil {
		e.Shape = sourceShape
	}
	return nil
}
