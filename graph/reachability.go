package graph

import "github.com/gomlx/gomlx/pkg/support/sets"

// IsReachable reports whether to can be reached from from by following live child edges.
// A node reaches itself.
//
// Passes use it to reject rewires that would make a node depend on itself, and to prove that every
// other reader of a buffer is scheduled before the point where a fusion starts writing into it.
func (g *Graph) IsReachable(from, to *Node) bool {
	if from == to {
		return true
	}
	visited := sets.Make[NodeID]()
	visited.Insert(from.id)
	queue := []*Node{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range cur.ChildEdges() {
			child := e.Child()
			if child == to {
				return true
			}
			if visited.Has(child.id) {
				continue
			}
			visited.Insert(child.id)
			queue = append(queue, child)
		}
	}
	return false
}
