// Package cluster partitions weighted geographic items into clusters of
// near-equal cumulative weight (balanced k-means).
package cluster

import (
	"errors"
	"math"
	"math/rand"
	"sort"

	"github.com/Pierre-Graber/optimizer-api/internal/model"
)

const (
	SymbolDuration = "duration"
	SymbolVisits   = "visits"
)

var ErrInvalidK = errors.New("cluster: k must be positive")

// Item is one weighted location. Refs carries caller data (e.g. the ids of
// the services located there).
type Item struct {
	ID      string
	Lat     float64
	Lon     float64
	Weights map[string]float64
	Refs    []string
}

func (it Item) weight(symbol string) float64 { return it.Weights[symbol] }

type Options struct {
	CutSymbol     string
	MetricLimit   float64            // target cumulated cut weight per cluster; 0 = total/k
	StrictLimits  map[string]float64 // hard per-cluster caps by symbol; empty = none
	MaxIterations int
	Restarts      int
	Seed          int64
}

func (o Options) withDefaults() Options {
	if o.CutSymbol == "" {
		o.CutSymbol = SymbolDuration
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = 100
	}
	if o.Restarts <= 0 {
		o.Restarts = 5
	}
	return o
}

// KMeans is the balanced k-means partitioner.
type KMeans struct{}

func (KMeans) Partition(items []Item, k int, opts Options) ([][]Item, error) {
	return Partition(items, k, opts)
}

// Partition splits items into at most k clusters balanced on the cut
// symbol. Fewer clusters are returned when there are fewer items than k or
// when a cluster ends up empty.
func Partition(items []Item, k int, opts Options) ([][]Item, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if len(items) == 0 {
		return nil, nil
	}
	if k > len(items) {
		k = len(items)
	}
	opts = opts.withDefaults()
	cut := opts.CutSymbol
	total := 0.0
	for _, it := range items {
		total += it.weight(cut)
	}
	if total == 0 {
		cut = SymbolVisits
		for _, it := range items {
			total += it.weight(cut)
		}
	}
	limit := opts.MetricLimit
	if limit <= 0 || opts.CutSymbol != cut {
		limit = total / float64(k)
	}
	if limit <= 0 {
		limit = 1
	}

	var best []int
	bestScore := math.Inf(1)
	for r := 0; r < opts.Restarts; r++ {
		rng := rand.New(rand.NewSource(opts.Seed + int64(r)))
		assign := run(items, k, cut, limit, opts, rng)
		score := imbalance(items, assign, k, cut)
		if score < bestScore-1e-9 {
			bestScore = score
			best = assign
		}
	}

	clusters := make([][]Item, k)
	for i, c := range best {
		clusters[c] = append(clusters[c], items[i])
	}
	out := clusters[:0]
	for _, c := range clusters {
		if len(c) > 0 {
			out = append(out, c)
		}
	}
	return out, nil
}

type centroid struct{ lat, lon float64 }

func run(items []Item, k int, cut string, limit float64, opts Options, rng *rand.Rand) []int {
	cents := seed(items, k, rng)
	assign := make([]int, len(items))
	for i := range assign {
		assign[i] = -1
	}
	order := rng.Perm(len(items))
	for iter := 0; iter < opts.MaxIterations; iter++ {
		// heaviest items first so that the small ones fill the gaps
		sort.SliceStable(order, func(a, b int) bool {
			return items[order[a]].weight(cut) > items[order[b]].weight(cut)
		})
		loads := make([]float64, k)
		strict := make([]map[string]float64, k)
		for c := range strict {
			strict[c] = map[string]float64{}
		}
		changed := false
		for _, i := range order {
			it := items[i]
			w := it.weight(cut)
			bestC, bestCost := -1, math.Inf(1)
			for c := 0; c < k; c++ {
				if violatesStrict(it, strict[c], opts.StrictLimits) {
					continue
				}
				d := distance(it, cents[c])
				over := math.Max(0, (loads[c]+w)/limit-1)
				cost := (d + 1) * (1 + 10*over) * (1 + loads[c]/limit*0.01)
				if cost < bestCost {
					bestC, bestCost = c, cost
				}
			}
			if bestC < 0 {
				bestC = argmin(loads)
			}
			loads[bestC] += w
			for sym := range opts.StrictLimits {
				strict[bestC][sym] += it.weight(sym)
			}
			if assign[i] != bestC {
				assign[i] = bestC
				changed = true
			}
		}
		cents = recenter(items, assign, k, cut, cents)
		if !changed {
			break
		}
	}
	rebalance(items, assign, k, cut, cents, opts.StrictLimits)
	return assign
}

// rebalance moves border items from the heaviest to the lightest cluster
// while each move strictly reduces the gap between them.
func rebalance(items []Item, assign []int, k int, cut string, cents []centroid, strictLimits map[string]float64) {
	if k < 2 {
		return
	}
	for moves := 0; moves < len(items); moves++ {
		loads := make([]float64, k)
		for i, c := range assign {
			loads[c] += items[i].weight(cut)
		}
		heavy, light := 0, 0
		for c := range loads {
			if loads[c] > loads[heavy] {
				heavy = c
			}
			if loads[c] < loads[light] {
				light = c
			}
		}
		gap := loads[heavy] - loads[light]
		pick, pickCost := -1, math.Inf(1)
		for i, c := range assign {
			if c != heavy {
				continue
			}
			w := items[i].weight(cut)
			if w <= 0 || w >= gap {
				continue
			}
			if len(strictLimits) > 0 && violatesStrict(items[i], clusterLoad(items, assign, light, strictLimits), strictLimits) {
				continue
			}
			cost := distance(items[i], cents[light]) - distance(items[i], cents[heavy])
			if cost < pickCost {
				pick, pickCost = i, cost
			}
		}
		if pick < 0 {
			return
		}
		assign[pick] = light
	}
}

func clusterLoad(items []Item, assign []int, c int, symbols map[string]float64) map[string]float64 {
	out := map[string]float64{}
	for i, a := range assign {
		if a != c {
			continue
		}
		for sym := range symbols {
			out[sym] += items[i].weight(sym)
		}
	}
	return out
}

// seed picks a random first centroid then the farthest items.
func seed(items []Item, k int, rng *rand.Rand) []centroid {
	first := items[rng.Intn(len(items))]
	cents := []centroid{{first.Lat, first.Lon}}
	for len(cents) < k {
		far, farD := 0, -1.0
		for i, it := range items {
			d := math.Inf(1)
			for _, c := range cents {
				d = math.Min(d, distance(it, c))
			}
			if d > farD {
				far, farD = i, d
			}
		}
		cents = append(cents, centroid{items[far].Lat, items[far].Lon})
	}
	return cents
}

func recenter(items []Item, assign []int, k int, cut string, prev []centroid) []centroid {
	sumLat := make([]float64, k)
	sumLon := make([]float64, k)
	sumW := make([]float64, k)
	for i, c := range assign {
		w := items[i].weight(cut)
		if w <= 0 {
			w = 1
		}
		sumLat[c] += items[i].Lat * w
		sumLon[c] += items[i].Lon * w
		sumW[c] += w
	}
	out := make([]centroid, k)
	for c := range out {
		if sumW[c] == 0 {
			out[c] = prev[c]
			continue
		}
		out[c] = centroid{sumLat[c] / sumW[c], sumLon[c] / sumW[c]}
	}
	return out
}

func violatesStrict(it Item, load map[string]float64, limits map[string]float64) bool {
	for sym, lim := range limits {
		if lim > 0 && load[sym]+it.weight(sym) > lim && load[sym] > 0 {
			return true
		}
	}
	return false
}

func imbalance(items []Item, assign []int, k int, cut string) float64 {
	loads := make([]float64, k)
	for i, c := range assign {
		loads[c] += items[i].weight(cut)
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, l := range loads {
		lo = math.Min(lo, l)
		hi = math.Max(hi, l)
	}
	return hi - lo
}

func distance(it Item, c centroid) float64 {
	return model.Haversine(model.Location{Lat: it.Lat, Lon: it.Lon}, model.Location{Lat: c.lat, Lon: c.lon})
}

func argmin(xs []float64) int {
	best := 0
	for i, x := range xs {
		if x < xs[best] {
			best = i
		}
	}
	return best
}
