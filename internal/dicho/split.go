package dicho

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"

	"github.com/Pierre-Graber/optimizer-api/internal/cluster"
	"github.com/Pierre-Graber/optimizer-api/internal/model"
)

var (
	// ErrSplitSize is returned when clustering yields more than two groups.
	ErrSplitSize = errors.New("dicho: incorrect split size")
	// ErrNoActivity is returned when a service cannot be located for clustering.
	ErrNoActivity = errors.New("dicho: split needs an activity on every service")
)

// Split divides an instance into two balanced sub-instances, or returns a
// single same-level instance holding everything when clustering could not
// separate the services.
func (h *Heuristic) Split(ctx context.Context, inst *model.Instance) ([]*model.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.split(inst, h.Seed)
}

func (h *Heuristic) split(inst *model.Instance, seed int64) ([]*model.Instance, error) {
	p := inst.Problem
	if len(p.Services) == 0 {
		return nil, ErrNoActivity
	}
	for _, s := range p.Services {
		if s.Activity == nil {
			return nil, fmt.Errorf("%w: service %s", ErrNoActivity, s.ID)
		}
	}
	if !p.Resolution.HasVehicleLimit() {
		p.Resolution.SetVehicleLimit(len(p.Vehicles))
	}

	items, total := splitItems(p)
	groups, err := h.clusterer().Partition(items, 2, cluster.Options{
		CutSymbol:     cluster.SymbolDuration,
		MetricLimit:   total / 2,
		MaxIterations: 100,
		Restarts:      5,
		Seed:          seed,
	})
	if err != nil {
		return nil, fmt.Errorf("dicho: clustering: %w", err)
	}
	if len(groups) > 2 {
		return nil, fmt.Errorf("%w: %d clusters", ErrSplitSize, len(groups))
	}
	if len(groups) == 0 {
		return nil, ErrNoActivity
	}

	index := p.ServiceIndex()
	clusters := make([][]*model.Service, 0, len(groups))
	for _, g := range groups {
		var services []*model.Service
		for _, it := range g {
			for _, id := range it.Refs {
				if s := index[id]; s != nil {
					services = append(services, s)
				}
			}
		}
		clusters = append(clusters, services)
	}
	sort.SliceStable(clusters, func(i, j int) bool {
		return servicesDuration(clusters[i]) < servicesDuration(clusters[j])
	})

	if len(clusters) == 2 {
		return h.buildBranches(inst, [2][]*model.Service{clusters[0], clusters[1]}), nil
	}

	sub := h.builder().Build(p, serviceIDs(p.Services), nil)
	sub.Points = make([]*model.Point, 0, len(p.Points))
	for _, pt := range p.Points {
		sub.Points = append(sub.Points, pt.Clone())
	}
	ApplyFixedCostFloor(sub.Vehicles)
	return []*model.Instance{{Level: inst.Level, Problem: sub, Service: inst.Service}}, nil
}

// fallbackSplit alternates services sorted by decreasing duration, then id.
func (h *Heuristic) fallbackSplit(inst *model.Instance) ([]*model.Instance, error) {
	p := inst.Problem
	if len(p.Services) < 2 {
		return nil, fmt.Errorf("%w: %d services", ErrSplitSize, len(p.Services))
	}
	if !p.Resolution.HasVehicleLimit() {
		p.Resolution.SetVehicleLimit(len(p.Vehicles))
	}
	sorted := append([]*model.Service(nil), p.Services...)
	sort.SliceStable(sorted, func(i, j int) bool {
		di, dj := serviceDuration(sorted[i]), serviceDuration(sorted[j])
		if di != dj {
			return di > dj
		}
		return sorted[i].ID < sorted[j].ID
	})
	var clusters [2][]*model.Service
	for i, s := range sorted {
		clusters[i%2] = append(clusters[i%2], s)
	}
	if servicesDuration(clusters[1]) < servicesDuration(clusters[0]) {
		clusters[0], clusters[1] = clusters[1], clusters[0]
	}
	return h.buildBranches(inst, clusters), nil
}

func (h *Heuristic) buildBranches(inst *model.Instance, clusters [2][]*model.Service) []*model.Instance {
	p := inst.Problem
	vehicles, clusters := splitVehicles(p.Vehicles, clusters)
	limits := splitVehicleLimits(p.Resolution.VehicleLimit, [2]int{len(vehicles[0]), len(vehicles[1])})
	out := make([]*model.Instance, 0, 2)
	for i := 0; i < 2; i++ {
		sub := h.builder().Build(p, serviceIDs(clusters[i]), vehicleIDs(vehicles[i]))
		sub.Resolution = branchResolution(p.Resolution, limits[i], i)
		out = append(out, &model.Instance{Level: inst.Level + 1, Problem: sub, Service: inst.Service})
	}
	return out
}

// splitItems builds one clustering item per point holding services.
func splitItems(p *model.Problem) ([]cluster.Item, float64) {
	byPoint := map[string][]*model.Service{}
	for _, s := range p.Services {
		byPoint[s.Activity.PointID] = append(byPoint[s.Activity.PointID], s)
	}
	total := 0.0
	var items []cluster.Item
	for _, pt := range p.Points {
		related := byPoint[pt.ID]
		if len(related) == 0 {
			continue
		}
		it := cluster.Item{ID: pt.ID, Weights: map[string]float64{}}
		if pt.Location != nil {
			it.Lat, it.Lon = pt.Location.Lat, pt.Location.Lon
		}
		for _, s := range related {
			it.Weights[cluster.SymbolVisits]++
			it.Weights[cluster.SymbolDuration] += s.Activity.Duration
			for _, q := range s.Quantities {
				it.Weights[q.UnitID] += q.Value
			}
			it.Refs = append(it.Refs, s.ID)
		}
		total += it.Weights[cluster.SymbolDuration]
		items = append(items, it)
	}
	return items, total
}

// splitVehicles allocates vehicles to the two service clusters. Clusters may
// come back swapped so that cluster 0 holds at least as many vehicles.
func splitVehicles(vehicles []*model.Vehicle, clusters [2][]*model.Service) ([2][]*model.Vehicle, [2][]*model.Service) {
	var skillsByCluster [2][][]string
	for c := range clusters {
		seen := map[string]struct{}{}
		for _, s := range clusters[c] {
			if len(s.Skills) == 0 {
				continue
			}
			key := model.SkillKey(s.Skills)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			skillsByCluster[c] = append(skillsByCluster[c], s.Skills)
		}
	}

	var out [2][]*model.Vehicle
	for _, v := range vehicles {
		idx := -1
		if len(v.Skills) > 0 {
			var preferred []int
			for c := range skillsByCluster {
				for _, skills := range skillsByCluster[c] {
					if v.HasSkills(skills) {
						preferred = append(preferred, c)
						break
					}
				}
			}
			if len(preferred) == 1 {
				idx = preferred[0]
			}
		}
		if idx >= 0 && unbalanced(len(out[0]), len(out[1]), len(clusters[0]), len(clusters[1])) {
			idx = -1
		}
		if idx < 0 {
			idx = leastEquipped(len(out[0]), len(out[1]), len(clusters[0]), len(clusters[1]))
		}
		out[idx] = append(out[idx], v)
	}

	for empty := 0; empty < 2; empty++ {
		full := 1 - empty
		if len(out[empty]) > 0 || len(out[full]) < 2 {
			continue
		}
		pick := largestSkillGroupHead(out[full])
		out[empty] = append(out[empty], out[full][pick])
		out[full] = append(out[full][:pick:pick], out[full][pick+1:]...)
	}

	if len(out[1]) > len(out[0]) {
		out[0], out[1] = out[1], out[0]
		clusters[0], clusters[1] = clusters[1], clusters[0]
	}
	return out, clusters
}

// unbalanced is the guard discarding a skill preference when the
// vehicles-per-service ratios of the two clusters drift apart by more than
// one vehicle. Ratios are compared exactly.
func unbalanced(v0, v1, s0, s1 int) bool {
	if s0 == 0 || s1 == 0 {
		return false
	}
	r := func(v, s int) *big.Rat { return big.NewRat(int64(v), int64(s)) }
	return r(v1-1, s1).Cmp(r(v0+1, s0)) > 0 || r(v1+1, s1).Cmp(r(v0-1, s0)) < 0
}

// leastEquipped returns the cluster with the lower vehicles/services ratio,
// ties going to the cluster with fewer vehicles, then to cluster 0.
func leastEquipped(v0, v1, s0, s1 int) int {
	if v0 == 0 || v1 == 0 {
		if v0 <= v1 {
			return 0
		}
		return 1
	}
	if s0 == 0 || s1 == 0 {
		if s0 >= s1 {
			return 0
		}
		return 1
	}
	switch big.NewRat(int64(v0), int64(s0)).Cmp(big.NewRat(int64(v1), int64(s1))) {
	case -1:
		return 0
	case 1:
		return 1
	}
	if v1 < v0 {
		return 1
	}
	return 0
}

// largestSkillGroupHead returns the index of the first vehicle of the
// largest group of vehicles sharing the same skill sets.
func largestSkillGroupHead(vehicles []*model.Vehicle) int {
	type group struct{ first, size int }
	groups := map[string]*group{}
	var order []string
	for i, v := range vehicles {
		key := model.VehicleSkillKey(v)
		g, ok := groups[key]
		if !ok {
			g = &group{first: i}
			groups[key] = g
			order = append(order, key)
		}
		g.size++
	}
	best := groups[order[0]]
	for _, key := range order[1:] {
		if groups[key].size > best.size {
			best = groups[key]
		}
	}
	return best.first
}

// splitVehicleLimits apportions the vehicle limit proportionally to the
// vehicle counts; the smaller side gets at least one.
func splitVehicleLimits(limit int, counts [2]int) [2]int {
	sum := counts[0] + counts[1]
	if sum == 0 {
		return [2]int{limit, 0}
	}
	minCount := counts[0]
	if counts[1] < minCount {
		minCount = counts[1]
	}
	smaller := int(math.Round(float64(minCount) / float64(sum) * float64(limit)))
	if smaller < 1 {
		smaller = 1
	}
	bigger := limit - smaller
	if counts[0] < counts[1] {
		return [2]int{smaller, bigger}
	}
	return [2]int{bigger, smaller}
}

// branchResolution derives the resolution of branch index from its parent's.
func branchResolution(parent model.Resolution, vehicleLimit, index int) model.Resolution {
	r := parent
	r.SetVehicleLimit(vehicleLimit)
	r.SplitNumber = parent.SplitNumber + index
	r.TotalSplitNumber = parent.TotalSplitNumber + 1
	return r
}

// scaledResolution rescales the durations of a branch by twice its share of
// the parent services.
func scaledResolution(r model.Resolution, branchServices, parentServices int) model.Resolution {
	if parentServices == 0 {
		return r
	}
	ratio := float64(branchServices) / float64(parentServices) * 2
	if r.Duration > 0 {
		r.Duration = int64(float64(r.Duration) * ratio)
	}
	if r.MinimumDuration > 0 {
		r.MinimumDuration = int64(float64(r.MinimumDuration) * ratio)
	}
	return r
}

func serviceDuration(s *model.Service) float64 {
	if a := s.PrimaryActivity(); a != nil {
		return a.Duration
	}
	return 0
}

func servicesDuration(services []*model.Service) float64 {
	total := 0.0
	for _, s := range services {
		total += serviceDuration(s)
	}
	return total
}

func serviceIDs(services []*model.Service) []string {
	out := make([]string, 0, len(services))
	for _, s := range services {
		out = append(out, s.ID)
	}
	return out
}

func vehicleIDs(vehicles []*model.Vehicle) []string {
	out := make([]string, 0, len(vehicles))
	for _, v := range vehicles {
		out = append(out, v.ID)
	}
	return out
}
