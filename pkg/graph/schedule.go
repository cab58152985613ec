package graph

// schedule returns the indices of the nodes reachable from output with every
// node placed after its operands. It walks iteratively so deep chains do not
// grow the goroutine stack.
func schedule(nodes []node, output int) []int {
	type frame struct {
		index int
		next  int
	}

	seen := make([]bool, len(nodes))
	seen[output] = true
	stack := []frame{{index: output}}
	var order []int

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		operands := nodes[top.index].operands
		if top.next < len(operands) {
			op := operands[top.next]
			top.next++
			if !seen[op] {
				seen[op] = true
				stack = append(stack, frame{index: op})
			}
			continue
		}
		order = append(order, top.index)
		stack = stack[:len(stack)-1]
	}
	return order
}
