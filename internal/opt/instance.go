package opt

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Pierre-Graber/optimizer-api/internal/model"
)

// ErrInvalidProblem is returned when a problem cannot be indexed for search.
var ErrInvalidProblem = errors.New("opt: invalid problem")

const eps = 1e-6

// node is a service as seen by the search.
type node struct {
	id       string
	point    int
	duration float64
	windows  []model.TimeWindow
	late     float64
	demand   []float64
	penalty  float64
}

type table struct{ time, dist [][]float64 }

type fleetVehicle struct {
	v           *model.Vehicle
	start, end  int // point index, -1 when absent
	capacity    []float64
	open, close float64
	maxDuration float64
	fixed       float64
	timeCost    float64
	distCost    float64
	table       *table
}

// instance indexes a problem: points, services and vehicles become dense
// slices and travel costs are read from per-matrix tables.
type instance struct {
	p        *model.Problem
	points   []*model.Point
	nodes    []node
	vehicles []fleetVehicle
	units    []string
	limit    int
	compat   [][]bool // [vehicle][node]
}

func newInstance(p *model.Problem) (*instance, error) {
	in := &instance{p: p, points: p.Points, limit: p.EffectiveVehicleLimit()}
	pointIdx := make(map[string]int, len(p.Points))
	for i, pt := range p.Points {
		pointIdx[pt.ID] = i
	}
	unitIdx := map[string]int{}
	addUnit := func(id string) {
		if _, ok := unitIdx[id]; !ok {
			unitIdx[id] = len(in.units)
			in.units = append(in.units, id)
		}
	}
	for _, u := range p.Units {
		addUnit(u.ID)
	}
	for _, s := range p.Services {
		for _, q := range s.Quantities {
			addUnit(q.UnitID)
		}
	}

	p.ComputeExclusionCosts(false)
	for _, s := range p.Services {
		act := s.PrimaryActivity()
		if act == nil {
			return nil, fmt.Errorf("%w: service %s has no activity", ErrInvalidProblem, s.ID)
		}
		pi, ok := pointIdx[act.PointID]
		if !ok {
			return nil, fmt.Errorf("%w: service %s references unknown point %s", ErrInvalidProblem, s.ID, act.PointID)
		}
		windows := append([]model.TimeWindow(nil), act.TimeWindows...)
		sort.Slice(windows, func(i, j int) bool { return windows[i].Start < windows[j].Start })
		n := node{
			id:       s.ID,
			point:    pi,
			duration: act.Duration,
			windows:  windows,
			late:     act.LateMultiplier,
			demand:   make([]float64, len(in.units)),
			penalty:  s.Penalty,
		}
		for _, q := range s.Quantities {
			n.demand[unitIdx[q.UnitID]] += q.Value
		}
		in.nodes = append(in.nodes, n)
	}

	tables := map[string]*table{}
	for _, v := range p.Vehicles {
		fv := fleetVehicle{
			v:           v,
			start:       -1,
			end:         -1,
			capacity:    make([]float64, len(in.units)),
			maxDuration: v.Duration,
			fixed:       v.CostFixed,
			timeCost:    v.CostTimeMultiplier,
			distCost:    v.CostDistanceMultiplier,
		}
		if v.StartPointID != "" {
			i, ok := pointIdx[v.StartPointID]
			if !ok {
				return nil, fmt.Errorf("%w: vehicle %s starts at unknown point %s", ErrInvalidProblem, v.ID, v.StartPointID)
			}
			fv.start = i
		}
		if v.EndPointID != "" {
			i, ok := pointIdx[v.EndPointID]
			if !ok {
				return nil, fmt.Errorf("%w: vehicle %s ends at unknown point %s", ErrInvalidProblem, v.ID, v.EndPointID)
			}
			fv.end = i
		}
		if fv.timeCost == 0 && fv.distCost == 0 {
			fv.timeCost = 1
		}
		if v.TimeWindow != nil {
			fv.open, fv.close = v.TimeWindow.Start, v.TimeWindow.End
		}
		for _, c := range v.Capacities {
			if i, ok := unitIdx[c.UnitID]; ok {
				fv.capacity[i] = c.Limit
			}
		}
		key := ""
		if m := p.Matrix(v); m != nil {
			key = m.ID
		}
		if _, ok := tables[key]; !ok {
			tables[key] = in.buildTable(v)
		}
		fv.table = tables[key]
		in.vehicles = append(in.vehicles, fv)
	}

	in.compat = make([][]bool, len(in.vehicles))
	for vi := range in.vehicles {
		in.compat[vi] = make([]bool, len(in.nodes))
		for ni, s := range p.Services {
			in.compat[vi][ni] = in.canServe(vi, ni, s)
		}
	}
	return in, nil
}

func (in *instance) buildTable(v *model.Vehicle) *table {
	n := len(in.points)
	t := &table{time: make([][]float64, n), dist: make([][]float64, n)}
	for i := range in.points {
		t.time[i] = make([]float64, n)
		t.dist[i] = make([]float64, n)
		for j := range in.points {
			t.time[i][j] = in.p.TravelTime(v, in.points[i], in.points[j])
			t.dist[i][j] = in.p.TravelDistance(v, in.points[i], in.points[j])
		}
	}
	return t
}

// canServe checks the route-independent constraints: sticky vehicles,
// skills and the capacity for the service alone.
func (in *instance) canServe(vi, ni int, s *model.Service) bool {
	fv := &in.vehicles[vi]
	if len(s.StickyVehicleIDs) > 0 {
		sticky := false
		for _, id := range s.StickyVehicleIDs {
			if id == fv.v.ID {
				sticky = true
				break
			}
		}
		if !sticky {
			return false
		}
	}
	if !fv.v.HasSkills(s.Skills) {
		return false
	}
	for u, q := range in.nodes[ni].demand {
		if c := fv.capacity[u]; c > 0 && q > c+eps {
			return false
		}
	}
	return true
}

// servable reports whether at least one vehicle could ever carry the node.
func (in *instance) servable(ni int) bool {
	for vi := range in.vehicles {
		if in.compat[vi][ni] {
			return true
		}
	}
	return false
}

type routeEval struct {
	feasible   bool
	start, end float64
	time, dist float64
	late       float64
	begins     []float64
}

// evaluate schedules a route: capacities, time windows (with lateness when
// the activity allows it), the vehicle time window and max duration.
func (in *instance) evaluate(vi int, order []int) routeEval {
	fv := &in.vehicles[vi]
	ev := routeEval{feasible: true, start: fv.open, end: fv.open, begins: make([]float64, len(order))}
	if len(order) == 0 {
		return ev
	}
	load := make([]float64, len(in.units))
	t := fv.open
	prev := fv.start
	for k, ni := range order {
		if !in.compat[vi][ni] {
			ev.feasible = false
			return ev
		}
		n := &in.nodes[ni]
		for u, q := range n.demand {
			load[u] += q
			if c := fv.capacity[u]; c > 0 && load[u] > c+eps {
				ev.feasible = false
				return ev
			}
		}
		if prev >= 0 {
			t += fv.table.time[prev][n.point]
			ev.dist += fv.table.dist[prev][n.point]
		}
		begin, late, ok := arrive(t, n)
		if !ok {
			ev.feasible = false
			return ev
		}
		ev.late += late * n.late
		ev.begins[k] = begin
		t = begin + n.duration
		prev = n.point
	}
	if fv.end >= 0 {
		t += fv.table.time[prev][fv.end]
		ev.dist += fv.table.dist[prev][fv.end]
	}
	ev.end = t
	ev.time = t - ev.start
	if fv.close > 0 && t > fv.close+eps {
		ev.feasible = false
	}
	if fv.maxDuration > 0 && ev.time > fv.maxDuration+eps {
		ev.feasible = false
	}
	return ev
}

// arrive returns the service start for an arrival at t. Windows are sorted;
// an End of zero leaves the window open.
func arrive(t float64, n *node) (begin, late float64, ok bool) {
	if len(n.windows) == 0 {
		return t, 0, true
	}
	for _, w := range n.windows {
		if w.End == 0 || t <= w.End+eps {
			if t < w.Start {
				return w.Start, 0, true
			}
			return t, 0, true
		}
	}
	if n.late > 0 {
		return t, t - n.windows[len(n.windows)-1].End, true
	}
	return 0, 0, false
}

func (in *instance) routeCost(vi int, ev routeEval, size int) float64 {
	if size == 0 {
		return 0
	}
	fv := &in.vehicles[vi]
	return fv.fixed + fv.timeCost*ev.time + fv.distCost*ev.dist + ev.late
}

// planCost evaluates a route and returns its cost and feasibility.
func (in *instance) planCost(vi int, order []int) (float64, bool) {
	ev := in.evaluate(vi, order)
	if !ev.feasible {
		return 0, false
	}
	return in.routeCost(vi, ev, len(order)), true
}
