package opt

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"time"
)

type RoutePlan struct {
	VehicleID string
	Order     []int // indices into the instance nodes
}

type Solution struct {
	Plans []RoutePlan
	Cost  float64
}

func (s Solution) clone() Solution {
	out := Solution{Plans: make([]RoutePlan, len(s.Plans)), Cost: s.Cost}
	for i, pl := range s.Plans {
		out.Plans[i] = RoutePlan{VehicleID: pl.VehicleID, Order: append([]int(nil), pl.Order...)}
	}
	return out
}

func (s Solution) usedCount() int {
	n := 0
	for _, pl := range s.Plans {
		if len(pl.Order) > 0 {
			n++
		}
	}
	return n
}

type Metrics struct {
	RemovalSelects        [2]int // random, shaw
	InsertSelects         [2]int // greedy, regret2
	Iterations            int
	Improvements          int
	AcceptedWorse         int
	SeedCost              float64
	BestCost              float64
	FinalRemovalWeights   [2]float64
	FinalInsertionWeights [2]float64
	Snapshots             []WeightSnapshot
}

type WeightSnapshot struct {
	Iteration int
	Removal   [2]float64
	Insertion [2]float64
}

type searchOptions struct {
	Seed             int64
	Budget           time.Duration
	Minimum          time.Duration
	MaxIterations    int
	StallIterations  int
	InitialTemp      float64
	Cooling          float64
	RemovalWeights   []float64 // [random, shaw]
	InsertionWeights []float64 // [greedy, regret2]
}

const snapshotEvery = 50

// search runs an ALNS with random/Shaw removal, greedy/regret-2 insertion,
// intra-route improvement and simulated-annealing acceptance. It stops at the
// budget, at MaxIterations, or once Minimum has elapsed and the best cost has
// not moved for StallIterations iterations.
func search(ctx context.Context, in *instance, o searchOptions) (Solution, Metrics, error) {
	seed := o.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	curr := greedySeed(in)
	best := curr.clone()
	remW := []float64{1, 1}
	insW := []float64{1, 1}
	if len(o.RemovalWeights) == 2 {
		remW = []float64{o.RemovalWeights[0], o.RemovalWeights[1]}
	}
	if len(o.InsertionWeights) == 2 {
		insW = []float64{o.InsertionWeights[0], o.InsertionWeights[1]}
	}
	temp := o.InitialTemp
	if temp <= 0 {
		temp = math.Max(curr.Cost*0.01, 1)
	}
	cool := 0.995
	if o.Cooling > 0 && o.Cooling < 1 {
		cool = o.Cooling
	}
	stall := o.StallIterations
	if stall <= 0 {
		stall = 200
	}

	m := Metrics{SeedCost: curr.Cost, BestCost: best.Cost}
	start := time.Now()
	deadline := start.Add(o.Budget)
	lastImprovement := 0
	for len(in.nodes) > 0 {
		if err := ctx.Err(); err != nil {
			return best, m, err
		}
		if o.Budget > 0 && time.Now().After(deadline) {
			break
		}
		if o.MaxIterations > 0 && m.Iterations >= o.MaxIterations {
			break
		}
		if time.Since(start) >= o.Minimum && m.Iterations-lastImprovement >= stall {
			break
		}
		m.Iterations++

		op := selectOp(remW, rng)
		m.RemovalSelects[op]++
		ip := selectOp(insW, rng)
		m.InsertSelects[ip]++

		cand := curr.clone()
		k := 1 + rng.Intn(removalSize(len(in.nodes)))
		var removed []int
		switch op {
		case 0:
			removed = pickRandomNodes(cand, k, rng)
		case 1:
			removed = shawRemoval(in, cand, k, rng)
		}
		cand = removeNodes(cand, removed)
		pool := unassigned(in, cand)
		switch ip {
		case 0:
			cand = greedyInsert(in, cand, pool)
		case 1:
			cand = regretInsert(in, cand, pool)
		}
		cand = orOptImprove(in, twoOptImprove(in, cand))
		cand.Cost = cost(in, cand)

		delta := cand.Cost - curr.Cost
		if delta < -eps || rng.Float64() < math.Exp(-delta/(temp+1e-9)) {
			curr = cand
			if curr.Cost < best.Cost-eps {
				best = curr.clone()
				remW[op] += 0.1
				insW[ip] += 0.1
				m.Improvements++
				m.BestCost = best.Cost
				lastImprovement = m.Iterations
			} else {
				remW[op] += 0.01
				insW[ip] += 0.01
				if delta > eps {
					m.AcceptedWorse++
				}
			}
		} else {
			remW[op] = math.Max(0.01, remW[op]*0.999)
			insW[ip] = math.Max(0.01, insW[ip]*0.999)
		}
		temp *= cool
		if m.Iterations%snapshotEvery == 0 {
			m.Snapshots = append(m.Snapshots, WeightSnapshot{Iteration: m.Iterations, Removal: [2]float64{remW[0], remW[1]}, Insertion: [2]float64{insW[0], insW[1]}})
		}
	}
	m.FinalRemovalWeights = [2]float64{remW[0], remW[1]}
	m.FinalInsertionWeights = [2]float64{insW[0], insW[1]}
	return best, m, nil
}

func removalSize(n int) int {
	k := n / 10
	if k < 3 {
		k = 3
	}
	if k > 30 {
		k = 30
	}
	if k > n {
		k = n
	}
	return k
}

// greedySeed starts from the problem's initial routes, keeping the missions
// that stay feasible, then inserts everything else greedily.
func greedySeed(in *instance) Solution {
	sol := Solution{Plans: make([]RoutePlan, len(in.vehicles))}
	for vi, fv := range in.vehicles {
		sol.Plans[vi] = RoutePlan{VehicleID: fv.v.ID, Order: []int{}}
	}
	nodeIdx := make(map[string]int, len(in.nodes))
	for i, n := range in.nodes {
		nodeIdx[n.id] = i
	}
	vehicleIdx := make(map[string]int, len(in.vehicles))
	for i, fv := range in.vehicles {
		vehicleIdx[fv.v.ID] = i
	}
	placed := map[int]bool{}
	for _, r := range in.p.Routes {
		vi, ok := vehicleIdx[r.VehicleID]
		if !ok || len(sol.Plans[vi].Order) > 0 {
			continue
		}
		if sol.usedCount() >= in.limit {
			break
		}
		for _, id := range r.MissionIDs {
			ni, ok := nodeIdx[id]
			if !ok || placed[ni] {
				continue
			}
			next := append(append([]int(nil), sol.Plans[vi].Order...), ni)
			if _, feasible := in.planCost(vi, next); !feasible {
				continue
			}
			sol.Plans[vi].Order = next
			placed[ni] = true
		}
	}
	sol = greedyInsert(in, sol, unassigned(in, sol))
	sol.Cost = cost(in, sol)
	return sol
}

func unassigned(in *instance, sol Solution) []int {
	present := make([]bool, len(in.nodes))
	for _, pl := range sol.Plans {
		for _, idx := range pl.Order {
			present[idx] = true
		}
	}
	var out []int
	for i := range in.nodes {
		if !present[i] {
			out = append(out, i)
		}
	}
	return out
}

func pickRandomNodes(sol Solution, k int, rng *rand.Rand) []int {
	var all []int
	for _, pl := range sol.Plans {
		all = append(all, pl.Order...)
	}
	if len(all) == 0 {
		return nil
	}
	var removed []int
	for i := 0; i < k && len(all) > 0; i++ {
		j := rng.Intn(len(all))
		removed = append(removed, all[j])
		all = append(all[:j], all[j+1:]...)
	}
	return removed
}

func removeNodes(sol Solution, removed []int) Solution {
	if len(removed) == 0 {
		return sol
	}
	rm := map[int]bool{}
	for _, i := range removed {
		rm[i] = true
	}
	for i := range sol.Plans {
		kept := sol.Plans[i].Order[:0]
		for _, idx := range sol.Plans[i].Order {
			if !rm[idx] {
				kept = append(kept, idx)
			}
		}
		sol.Plans[i].Order = kept
	}
	return sol
}

// shawRemoval selects k nodes related to a random assigned node by distance
// and time window start.
func shawRemoval(in *instance, sol Solution, k int, rng *rand.Rand) []int {
	var assigned []int
	for _, pl := range sol.Plans {
		assigned = append(assigned, pl.Order...)
	}
	if len(assigned) == 0 {
		return nil
	}
	seedIdx := assigned[rng.Intn(len(assigned))]
	type pair struct {
		idx   int
		score float64
	}
	var rel []pair
	for _, idx := range assigned {
		if idx == seedIdx {
			continue
		}
		rel = append(rel, pair{idx: idx, score: relatedness(in, seedIdx, idx)})
	}
	sort.Slice(rel, func(i, j int) bool { return rel[i].score < rel[j].score })
	removed := []int{seedIdx}
	for i := 0; i < len(rel) && len(removed) < k; i++ {
		removed = append(removed, rel[i].idx)
	}
	return removed
}

func relatedness(in *instance, a, b int) float64 {
	na, nb := &in.nodes[a], &in.nodes[b]
	score := 0.0
	if len(in.vehicles) > 0 {
		score = in.vehicles[0].table.time[na.point][nb.point]
	}
	if len(na.windows) > 0 && len(nb.windows) > 0 {
		score += math.Abs(na.windows[0].Start - nb.windows[0].Start)
	}
	return score
}

type insertion struct {
	plan, pos int
	delta     float64
}

// bestInsertions returns the cheapest feasible position of a node in every
// route that may take it, honoring the vehicle limit for empty routes.
func bestInsertions(in *instance, sol Solution, base []float64, used, ni int) []insertion {
	var out []insertion
	for vi, pl := range sol.Plans {
		if !in.compat[vi][ni] {
			continue
		}
		if len(pl.Order) == 0 && used >= in.limit {
			continue
		}
		best := insertion{plan: -1, delta: math.MaxFloat64}
		for pos := 0; pos <= len(pl.Order); pos++ {
			c, ok := in.planCost(vi, insertAt(pl.Order, pos, ni))
			if !ok {
				continue
			}
			if d := c - base[vi]; d < best.delta {
				best = insertion{plan: vi, pos: pos, delta: d}
			}
		}
		if best.plan >= 0 {
			out = append(out, best)
		}
	}
	return out
}

func routeCosts(in *instance, sol Solution) []float64 {
	out := make([]float64, len(sol.Plans))
	for vi, pl := range sol.Plans {
		out[vi], _ = in.planCost(vi, pl.Order)
	}
	return out
}

// greedyInsert repeatedly performs the cheapest feasible insertion. Nodes
// without one stay unassigned.
func greedyInsert(in *instance, sol Solution, nodes []int) Solution {
	nodes = append([]int(nil), nodes...)
	for len(nodes) > 0 {
		base := routeCosts(in, sol)
		used := sol.usedCount()
		bestNode := -1
		var best insertion
		for i, ni := range nodes {
			for _, ins := range bestInsertions(in, sol, base, used, ni) {
				if bestNode < 0 || ins.delta < best.delta {
					bestNode, best = i, ins
				}
			}
		}
		if bestNode < 0 {
			break
		}
		sol.Plans[best.plan].Order = insertAt(sol.Plans[best.plan].Order, best.pos, nodes[bestNode])
		nodes = append(nodes[:bestNode], nodes[bestNode+1:]...)
	}
	sol.Cost = cost(in, sol)
	return sol
}

// regretInsert inserts first the node with the largest gap between its best
// and second best route.
func regretInsert(in *instance, sol Solution, nodes []int) Solution {
	nodes = append([]int(nil), nodes...)
	for len(nodes) > 0 {
		base := routeCosts(in, sol)
		used := sol.usedCount()
		bestNode := -1
		var best insertion
		bestRegret := -1.0
		for i, ni := range nodes {
			options := bestInsertions(in, sol, base, used, ni)
			if len(options) == 0 {
				continue
			}
			sort.Slice(options, func(a, b int) bool { return options[a].delta < options[b].delta })
			regret := math.MaxFloat64 / 4
			if len(options) > 1 {
				regret = options[1].delta - options[0].delta
			}
			if regret > bestRegret || (regret == bestRegret && options[0].delta < best.delta) {
				bestNode, best, bestRegret = i, options[0], regret
			}
		}
		if bestNode < 0 {
			break
		}
		sol.Plans[best.plan].Order = insertAt(sol.Plans[best.plan].Order, best.pos, nodes[bestNode])
		nodes = append(nodes[:bestNode], nodes[bestNode+1:]...)
	}
	sol.Cost = cost(in, sol)
	return sol
}

func insertAt(order []int, pos, idx int) []int {
	out := make([]int, 0, len(order)+1)
	out = append(out, order[:pos]...)
	out = append(out, idx)
	return append(out, order[pos:]...)
}

// cost is the objective: route costs plus the exclusion cost of every
// unassigned node. Infeasible routes make the solution unusable.
func cost(in *instance, s Solution) float64 {
	total := 0.0
	for vi, pl := range s.Plans {
		c, ok := in.planCost(vi, pl.Order)
		if !ok {
			return math.Inf(1)
		}
		total += c
	}
	for _, ni := range unassigned(in, s) {
		total += in.nodes[ni].penalty
	}
	return total
}

func selectOp(weights []float64, rng *rand.Rand) int {
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if sum <= 0 {
		return 0
	}
	r := rng.Float64() * sum
	acc := 0.0
	for i, w := range weights {
		acc += w
		if r <= acc {
			return i
		}
	}
	return len(weights) - 1
}
