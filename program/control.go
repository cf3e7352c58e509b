package program

import "slices"

// ---------------------------------------------------------------------------
// Static control dependence
// ---------------------------------------------------------------------------

// ControlDependences returns the global indices of the instructions that
// decide whether the instruction with global index i executes. The result
// is nil for instructions that run whenever the method runs. Safe for
// concurrent use.
func (m *Method) ControlDependences(i int) []int {
	m.cdOnce.Do(m.computeControlDependence)
	if !m.Contains(i) {
		return nil
	}
	return m.cd[i-m.Instructions[0].Index]
}

// computeControlDependence builds the post-dominator tree of the method's
// control flow graph with the Cooper-Harvey-Kennedy algorithm, run on the
// reversed graph from a virtual exit node, and then walks every edge a->b
// up the tree from b to ipdom(a), marking each node on the way control
// dependent on a (Ferrante, Ottenstein and Warren).
func (m *Method) computeControlDependence() {
	n := len(m.Instructions)
	first := m.Instructions[0].Index
	exit := n

	succs := make([][]int, n+1)
	preds := make([][]int, n+1)
	for local, in := range m.Instructions {
		out := successors(m, in, true)
		if len(out) == 0 || (in.Op == OpThrow && m.HandlerFor(in.Index) < 0) {
			out = append(out, first+exit)
		}
		for _, s := range out {
			s -= first
			succs[local] = append(succs[local], s)
			preds[s] = append(preds[s], local)
		}
	}

	// Postorder of the reversed graph, starting at exit.
	order := make([]int, 0, n+1)
	postIdx := make([]int, n+1)
	for i := range postIdx {
		postIdx[i] = -1
	}
	visited := make([]bool, n+1)
	type frame struct{ node, next int }
	stack := []frame{{exit, 0}}
	visited[exit] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(preds[top.node]) {
			p := preds[top.node][top.next]
			top.next++
			if !visited[p] {
				visited[p] = true
				stack = append(stack, frame{p, 0})
			}
			continue
		}
		postIdx[top.node] = len(order)
		order = append(order, top.node)
		stack = stack[:len(stack)-1]
	}

	ipdom := make([]int, n+1)
	for i := range ipdom {
		ipdom[i] = -1
	}
	ipdom[exit] = exit
	intersect := func(a, b int) int {
		for a != b {
			for postIdx[a] < postIdx[b] {
				a = ipdom[a]
			}
			for postIdx[b] < postIdx[a] {
				b = ipdom[b]
			}
		}
		return a
	}
	for changed := true; changed; {
		changed = false
		for k := len(order) - 1; k >= 0; k-- {
			node := order[k]
			if node == exit {
				continue
			}
			newIdom := -1
			for _, s := range succs[node] {
				if ipdom[s] == -1 {
					continue
				}
				if newIdom == -1 {
					newIdom = s
				} else {
					newIdom = intersect(s, newIdom)
				}
			}
			if newIdom != -1 && ipdom[node] != newIdom {
				ipdom[node] = newIdom
				changed = true
			}
		}
	}
	// Nodes that cannot reach the exit (infinite loops) hang off it.
	for i := range ipdom {
		if ipdom[i] == -1 {
			ipdom[i] = exit
		}
	}

	deps := make([]map[int]struct{}, n)
	for a := 0; a < n; a++ {
		if len(succs[a]) < 2 {
			continue
		}
		for _, b := range succs[a] {
			for runner := b; runner != ipdom[a] && runner != exit; runner = ipdom[runner] {
				if deps[runner] == nil {
					deps[runner] = make(map[int]struct{})
				}
				deps[runner][a] = struct{}{}
			}
		}
	}

	m.cd = make([][]int, n)
	for local, set := range deps {
		if len(set) == 0 {
			continue
		}
		list := make([]int, 0, len(set))
		for a := range set {
			list = append(list, a+first)
		}
		slices.Sort(list)
		m.cd[local] = list
	}
}
