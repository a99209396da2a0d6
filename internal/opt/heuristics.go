package opt

// twoOptImprove applies 2-opt within each route while it lowers the route
// cost and keeps the schedule feasible.
func twoOptImprove(in *instance, sol Solution) Solution {
	for vi := range sol.Plans {
		order := sol.Plans[vi].Order
		n := len(order)
		if n < 3 {
			continue
		}
		bestCost, ok := in.planCost(vi, order)
		if !ok {
			continue
		}
		improved := true
		for improved {
			improved = false
			for i := 0; i < n-1; i++ {
				for k := i + 1; k < n; k++ {
					cand := twoOptSwap(order, i, k)
					c, ok := in.planCost(vi, cand)
					if ok && c+eps < bestCost {
						order, bestCost = cand, c
						improved = true
					}
				}
			}
		}
		sol.Plans[vi].Order = order
	}
	return sol
}

func twoOptSwap(ord []int, i, k int) []int {
	out := make([]int, len(ord))
	copy(out, ord[:i])
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = ord[j]
		pos++
	}
	copy(out[pos:], ord[k+1:])
	return out
}

// orOptImprove relocates single nodes inside their route.
func orOptImprove(in *instance, sol Solution) Solution {
	for vi := range sol.Plans {
		order := sol.Plans[vi].Order
		if len(order) < 3 {
			continue
		}
		bestCost, ok := in.planCost(vi, order)
		if !ok {
			continue
		}
		improved := true
		for improved {
			improved = false
			for i := range order {
				rest := append(append([]int(nil), order[:i]...), order[i+1:]...)
				for j := 0; j <= len(rest); j++ {
					if j == i {
						continue
					}
					cand := insertAt(rest, j, order[i])
					c, ok := in.planCost(vi, cand)
					if ok && c+eps < bestCost {
						order, bestCost = cand, c
						improved = true
						break
					}
				}
				if improved {
					break
				}
			}
		}
		sol.Plans[vi].Order = order
	}
	return sol
}
