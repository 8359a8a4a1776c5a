package graph

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
)

// SortTopologically reorders the live node list so every producer comes before its consumers.
//
// The sort is stable: among nodes ready at the same time, the one earlier in the current order goes
// first, so re-sorting an already sorted graph changes nothing. It fails if the live edges contain
// a cycle.
func (g *Graph) SortTopologically() error {
	position := make(map[NodeID]int, len(g.order))
	for i, id := range g.order {
		position[id] = i
	}
	inDegree := make(map[NodeID]int, len(g.order))
	for _, id := range g.order {
		for _, e := range g.nodes[id].ParentEdges() {
			if _, live := position[e.parent]; live {
				inDegree[id]++
			}
		}
	}

	// ready holds positions, kept sorted.
	var ready []int
	for i, id := range g.order {
		if inDegree[id] == 0 {
			ready = append(ready, i)
		}
	}
	sorted := make([]NodeID, 0, len(g.order))
	emitted := sets.Make[NodeID](len(g.order))
	for len(ready) > 0 {
		id := g.order[ready[0]]
		ready = ready[1:]
		sorted = append(sorted, id)
		emitted.Insert(id)
		for _, e := range g.nodes[id].ChildEdges() {
			pos, live := position[e.child]
			if !live {
				continue
			}
			inDegree[e.child]--
			if inDegree[e.child] == 0 {
				idx, _ := slices.BinarySearch(ready, pos)
				ready = slices.Insert(ready, idx, pos)
			}
		}
	}
	if len(sorted) != len(g.order) {
		var stuck []string
		for _, id := range g.order {
			if !emitted.Has(id) {
				stuck = append(stuck, g.nodes[id].Name)
			}
		}
		return structuralf("graph has a cycle through nodes %v", stuck)
	}
	g.order = sorted
	return nil
}

// IsAcyclic reports whether the live edges form a DAG.
func (g *Graph) IsAcyclic() bool {
	const (
		unvisited = iota
		inProgress
		done
	)
	state := make(map[NodeID]int, len(g.order))
	type frame struct {
		id    NodeID
		child int
	}
	for _, root := range g.order {
		if state[root] != unvisited {
			continue
		}
		state[root] = inProgress
		stack := []frame{{id: root}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			children := g.nodes[top.id].childEdges
			if top.child >= len(children) {
				state[top.id] = done
				stack = stack[:len(stack)-1]
				continue
			}
			next := g.edge(children[top.child]).child
			top.child++
			switch state[next] {
			case inProgress:
				return false
			case unvisited:
				state[next] = inProgress
				stack = append(stack, frame{id: next})
			}
		}
	}
	return true
}
