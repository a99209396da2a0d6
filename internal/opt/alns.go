// Package opt is the routing solver: an adaptive large neighbourhood search
// over a model.Problem.
package opt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Pierre-Graber/optimizer-api/internal/model"
	"github.com/Pierre-Graber/optimizer-api/internal/progress"
)

const Name = "alns"

const (
	ReasonNoInsertion  = "no feasible insertion: capacity, time window or route duration"
	ReasonVehicleLimit = "vehicle limit reached"
)

// ErrEmptyResult is returned when nothing could be routed and the problem
// does not allow an empty result.
var ErrEmptyResult = errors.New("opt: no service could be routed")

const DefaultBudget = 2 * time.Second

// Solver solves problems with the ALNS engine. The zero value is usable.
type Solver struct {
	Metrics         *MetricsStore
	Logger          progress.Logger
	DefaultBudget   time.Duration
	MaxIterations   int
	StallIterations int
	InitialTemp     float64
	Cooling         float64
	Seed            int64
}

// Solve routes p within Resolution.Duration (ms). Vehicles are returned in
// problem order, unused ones with an empty route.
func (s *Solver) Solve(ctx context.Context, p *model.Problem, obs progress.Observer) (*model.Result, error) {
	started := time.Now()
	in, err := newInstance(p)
	if err != nil {
		return nil, err
	}
	budget := time.Duration(p.Resolution.Duration) * time.Millisecond
	if budget <= 0 {
		budget = s.DefaultBudget
	}
	if budget <= 0 {
		budget = DefaultBudget
	}
	minimum := time.Duration(p.Resolution.MinimumDuration) * time.Millisecond
	if minimum > budget {
		minimum = budget
	}
	seed := s.Seed
	if p.Resolution.Seed != 0 {
		seed = p.Resolution.Seed
	}

	sol, m, err := search(ctx, in, searchOptions{
		Seed:            seed,
		Budget:          budget,
		Minimum:         minimum,
		MaxIterations:   s.MaxIterations,
		StallIterations: s.StallIterations,
		InitialTemp:     s.InitialTemp,
		Cooling:         s.Cooling,
	})
	if err != nil {
		return nil, fmt.Errorf("opt: %w", err)
	}
	res := in.result(sol)
	res.Elapsed = float64(time.Since(started)) / float64(time.Millisecond)

	if s.Metrics != nil {
		if job, ok := JobFrom(ctx); ok {
			s.Metrics.Record(job, RunMetrics{ProblemID: p.ID, Services: len(p.Services), Vehicles: len(p.Vehicles), Metrics: m})
		}
	}
	s.logf("[alns] problem %s: %d services, %d vehicles, %d iterations, cost %.1f -> %.1f, %d unassigned",
		p.ID, len(p.Services), len(p.Vehicles), m.Iterations, m.SeedCost, m.BestCost, len(res.Unassigned))
	if obs != nil {
		obs.Observe(progress.Event{
			Kind:       progress.KindSolverDone,
			ProblemID:  p.ID,
			Services:   len(p.Services),
			Vehicles:   len(p.Vehicles),
			Unassigned: len(res.Unassigned),
			ElapsedMs:  res.Elapsed,
			Message:    fmt.Sprintf("%d iterations", m.Iterations),
		})
	}
	if !p.Resolution.AllowEmptyResult && len(p.Services) > 0 && len(res.Unassigned) == len(p.Services) {
		return nil, ErrEmptyResult
	}
	return res, nil
}

func (s *Solver) logf(format string, v ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, v...)
		return
	}
	log.Printf(format, v...)
}

// result converts a solution into routes with scheduled activities and the
// unassigned list.
func (in *instance) result(sol Solution) *model.Result {
	res := &model.Result{
		Solvers:    []string{Name},
		Cost:       sol.Cost,
		Routes:     make([]model.RouteResult, 0, len(sol.Plans)),
		Unassigned: []model.UnassignedActivity{},
	}
	for vi, pl := range sol.Plans {
		fv := &in.vehicles[vi]
		ev := in.evaluate(vi, pl.Order)
		route := model.RouteResult{VehicleID: fv.v.ID, Activities: []model.ActivityResult{}}
		if fv.start >= 0 {
			route.Activities = append(route.Activities, model.ActivityResult{Type: model.ActivityStart, PointID: in.points[fv.start].ID, BeginTime: ev.start})
		}
		for k, ni := range pl.Order {
			n := &in.nodes[ni]
			route.Activities = append(route.Activities, model.ActivityResult{
				Type:      model.ActivityService,
				ServiceID: n.id,
				PointID:   in.points[n.point].ID,
				BeginTime: ev.begins[k],
			})
		}
		if fv.end >= 0 {
			route.Activities = append(route.Activities, model.ActivityResult{Type: model.ActivityEnd, PointID: in.points[fv.end].ID, BeginTime: ev.end})
		}
		if len(pl.Order) > 0 {
			route.TotalTime = ev.time
			route.TotalDistance = ev.dist
		}
		res.Routes = append(res.Routes, route)
	}

	full := sol.usedCount() >= in.limit
	for _, ni := range unassigned(in, sol) {
		n := &in.nodes[ni]
		u := model.UnassignedActivity{ServiceID: n.id, PointID: in.points[n.point].ID}
		switch {
		case !in.servable(ni):
		case full && in.idleCompatible(sol, ni):
			u.Reason = ReasonVehicleLimit
		default:
			u.Reason = ReasonNoInsertion
		}
		res.Unassigned = append(res.Unassigned, u)
	}
	return res
}

// idleCompatible reports whether an unused vehicle could take the node.
func (in *instance) idleCompatible(sol Solution, ni int) bool {
	for vi, pl := range sol.Plans {
		if len(pl.Order) == 0 && in.compat[vi][ni] {
			return true
		}
	}
	return false
}
