package graph

// Constness returns the memoized constant-ness of n.
//
// Input nodes are Const when they carry a value. Any other node is Const iff all its parents are,
// so that constant subgraphs can be folded before inference. Nodes without parents that are not
// inputs are NoConst.
func (n *Node) Constness() ConstantType {
	if c, ok := n.memoizedConstness(); ok {
		return c
	}

	// Iterative post-order walk: deep graphs must not exhaust the stack.
	type frame struct {
		node     *Node
		expanded bool
	}
	onStack := make(map[NodeID]bool)
	stack := []frame{{node: n}}
	onStack[n.id] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		cur := top.node
		if !top.expanded {
			top.expanded = true
			for _, e := range cur.ParentEdges() {
				p := e.Parent()
				if _, ok := p.memoizedConstness(); ok || onStack[p.id] {
					continue
				}
				onStack[p.id] = true
				stack = append(stack, frame{node: p})
			}
			continue
		}
		result := Const
		if len(cur.parentEdges) == 0 {
			result = NoConst
		}
		for _, e := range cur.ParentEdges() {
			// A parent still unknown here is only possible on a cycle: treat it as NoConst.
			if c, _ := e.Parent().memoizedConstness(); c != Const {
				result = NoConst
				break
			}
		}
		cur.constant = result
		cur.constantVersion = cur.g.version
		delete(onStack, cur.id)
		stack = stack[:len(stack)-1]
	}
	return n.constant
}

func (n *Node) memoizedConstness() (ConstantType, bool) {
	if n.Kind == KindInput {
		if n.Value != nil {
			return Const, true
		}
		return NoConst, true
	}
	if n.constant != ConstantUnknown && n.constantVersion == n.g.version {
		return n.constant, true
	}
	return ConstantUnknown, false
}

// IsConstant reports whether n can be computed at compile time.
func (n *Node) IsConstant() bool {
	return n.Constness() == Const
}
