package dicho

import (
	"context"
	"math/rand"

	"github.com/Pierre-Graber/optimizer-api/internal/model"
	"github.com/Pierre-Graber/optimizer-api/internal/progress"
)

const (
	reinsertDurationDivisor = 3.99
	reinsertMinDuration     = 150
	reinsertMinMinimum      = 100
	reinsertBatch           = 3
	reinsertBatchNoSkill    = 6
)

// RemoveBadSkills moves every service served by a vehicle lacking its
// skills to the unassigned list, without a reason. It returns the ids of
// the moved services.
func RemoveBadSkills(p *model.Problem, result *model.Result) []string {
	if result == nil {
		return nil
	}
	services := p.ServiceIndex()
	var moved []string
	for i := range result.Routes {
		r := &result.Routes[i]
		v := p.Vehicle(r.VehicleID)
		if v == nil {
			continue
		}
		kept := r.Activities[:0]
		for _, a := range r.Activities {
			s := services[a.ServiceID]
			if a.ServiceID == "" || s == nil || len(s.Skills) == 0 || v.HasSkills(s.Skills) {
				kept = append(kept, a)
				continue
			}
			result.Unassigned = append(result.Unassigned, model.UnassignedActivity{ServiceID: a.ServiceID, PointID: a.PointID})
			moved = append(moved, a.ServiceID)
		}
		r.Activities = kept
	}
	return moved
}

type skillGroup struct {
	skills   []string
	services []*model.Service
}

// insertUnassigned tries to place the unassigned services of result on the
// vehicles of the instance, a few vehicles at a time, and folds accepted
// sub-results back into result.
func (r *run) insertUnassigned(ctx context.Context, inst *model.Instance, result *model.Result) (*model.Result, error) {
	if result == nil || len(result.Unassigned) == 0 {
		return result, nil
	}
	p := inst.Problem
	r.logf("[dicho] try to insert %d unassigned from %d services", len(result.Unassigned), len(p.Services))

	var carried int64
	p.Routes = model.BuildInitialRoutes(result)
	p.Resolution.InitDuration = 0

	pending := map[string]struct{}{}
	for _, id := range result.UnassignedIDs() {
		pending[id] = struct{}{}
	}
	var unassigned []*model.Service
	var groups []*skillGroup
	byKey := map[string]*skillGroup{}
	for _, s := range p.Services {
		if _, ok := pending[s.ID]; !ok {
			continue
		}
		unassigned = append(unassigned, s)
		key := model.SkillKey(s.Skills)
		g, ok := byKey[key]
		if !ok {
			g = &skillGroup{skills: s.Skills}
			byKey[key] = g
			groups = append(groups, g)
		}
		g.services = append(g.services, s)
	}
	if len(unassigned) == 0 {
		return result, nil
	}

	leftover := p.Resolution.VehicleLimit - len(result.Routes)
	for _, g := range groups {
		if len(result.Unassigned) == 0 {
			break
		}
		eligible := eligibleVehicles(p.Vehicles, g)
		if len(eligible) == 0 {
			continue
		}
		r.rng.Shuffle(len(eligible), func(i, j int) { eligible[i], eligible[j] = eligible[j], eligible[i] })

		size := reinsertBatch
		if len(g.skills) == 0 && len(p.Routes) > 0 {
			size = min(len(p.Routes), reinsertBatchNoSkill)
		}
		groupIDs := serviceIDs(g.services)

		var accepted []*model.Result
		for start := 0; start < len(eligible); start += size {
			batch := eligible[start:min(start+size, len(eligible))]
			remaining := intersect(result.UnassignedIDs(), groupIDs)
			if len(remaining) == 0 {
				continue
			}
			share := float64(len(batch)) / float64(len(eligible)) * float64(len(g.services)) / float64(len(unassigned))
			duration := max(int64(float64(p.Resolution.Duration)/reinsertDurationDivisor*share)+carried, reinsertMinDuration)
			minimum := max(int64(float64(p.Resolution.MinimumDuration)/reinsertDurationDivisor*share), reinsertMinMinimum)

			ids := vehicleIDs(batch)
			used, assigned := batchRoutes(result, ids)
			limit := leftover + used
			if limit <= 0 {
				carried = duration
				continue
			}

			sub := r.h.builder().Build(p, append(remaining, assigned...), ids)
			ApplyFixedCostFloor(sub.Vehicles)
			if sub.Resolution.Duration > 0 {
				sub.Resolution.Duration = duration
			}
			if sub.Resolution.MinimumDuration > 0 {
				sub.Resolution.MinimumDuration = minimum
			}
			sub.Resolution.SetVehicleLimit(limit)
			sub.Resolution.InitDuration = 0
			sub.Resolution.AllowEmptyResult = true

			res, err := r.callSolver(ctx, sub, "reinsert")
			if err != nil {
				return result, err
			}
			if res == nil {
				carried = duration
				continue
			}
			result.Elapsed += res.Elapsed
			carried = max(duration-int64(res.Elapsed), 0)

			if len(remaining) < len(res.Unassigned) {
				continue
			}
			leftover -= res.UsedRouteCount() - used
			ensureRoutes(res, ids)
			RemoveBadSkills(sub, res)
			model.ReplaceRoutes(result, res)
			accepted = append(accepted, res)
			r.observe(progress.Event{
				Kind:       progress.KindReinsert,
				Level:      inst.Level,
				ProblemID:  p.ID,
				Services:   len(remaining),
				Vehicles:   len(batch),
				Unassigned: len(result.Unassigned),
			})
		}

		if len(accepted) == 0 {
			continue
		}
		replaced := map[string]struct{}{}
		for _, res := range accepted {
			for _, route := range res.Routes {
				replaced[route.VehicleID] = struct{}{}
			}
		}
		routes := p.Routes[:0]
		for _, route := range p.Routes {
			if _, ok := replaced[route.VehicleID]; !ok {
				routes = append(routes, route)
			}
		}
		p.Routes = append(routes, model.BuildInitialRoutes(accepted...)...)
	}
	return result, nil
}

// eligibleVehicles returns the vehicles able to serve a skill group. Sticky
// vehicles of the group's services override skill matching.
func eligibleVehicles(vehicles []*model.Vehicle, g *skillGroup) []*model.Vehicle {
	sticky := map[string]struct{}{}
	for _, s := range g.services {
		for _, id := range s.StickyVehicleIDs {
			sticky[id] = struct{}{}
		}
	}
	var out []*model.Vehicle
	for _, v := range vehicles {
		if len(sticky) > 0 {
			if _, ok := sticky[v.ID]; ok {
				out = append(out, v)
			}
			continue
		}
		if v.HasSkills(g.skills) {
			out = append(out, v)
		}
	}
	return out
}

// batchRoutes counts the routes of the given vehicles and lists the
// services they serve.
func batchRoutes(result *model.Result, ids []string) (int, []string) {
	want := map[string]struct{}{}
	for _, id := range ids {
		want[id] = struct{}{}
	}
	used := 0
	var assigned []string
	for i := range result.Routes {
		if _, ok := want[result.Routes[i].VehicleID]; !ok {
			continue
		}
		used++
		assigned = append(assigned, result.Routes[i].ServiceIDs()...)
	}
	return used, assigned
}

// ensureRoutes adds an empty route for every batch vehicle the solver left
// out, so that replacing routes clears their previous assignment.
func ensureRoutes(res *model.Result, ids []string) {
	for _, id := range ids {
		if res.Route(id) == nil {
			res.Routes = append(res.Routes, model.RouteResult{VehicleID: id, Activities: []model.ActivityResult{}})
		}
	}
}

func intersect(ids, allowed []string) []string {
	set := map[string]struct{}{}
	for _, id := range allowed {
		set[id] = struct{}{}
	}
	var out []string
	for _, id := range ids {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}
