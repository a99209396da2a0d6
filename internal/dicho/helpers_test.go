package dicho

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/Pierre-Graber/optimizer-api/internal/cluster"
	"github.com/Pierre-Graber/optimizer-api/internal/model"
	"github.com/Pierre-Graber/optimizer-api/internal/progress"
)

var quiet = log.New(io.Discard, "", 0)

// fakeSolver fills vehicles in order, up to perVehicle services each and the
// problem's vehicle limit. Problems with more than maxServices services come
// back fully unassigned without reasons.
type fakeSolver struct {
	mu          sync.Mutex
	maxServices int
	perVehicle  int
	calls       int
	sizes       []int
}

func (s *fakeSolver) Solve(_ context.Context, p *model.Problem, _ Observer) (*model.Result, error) {
	s.mu.Lock()
	s.calls++
	s.sizes = append(s.sizes, len(p.Services))
	s.mu.Unlock()

	res := &model.Result{Solvers: []string{"fake"}, Elapsed: 1, Routes: []model.RouteResult{}, Unassigned: []model.UnassignedActivity{}}
	if s.maxServices > 0 && len(p.Services) > s.maxServices {
		for _, svc := range p.Services {
			res.Unassigned = append(res.Unassigned, model.UnassignedActivity{ServiceID: svc.ID})
		}
		return res, nil
	}
	limit := p.EffectiveVehicleLimit()
	routes := make([]model.RouteResult, len(p.Vehicles))
	used := 0
	for i, v := range p.Vehicles {
		routes[i] = model.RouteResult{VehicleID: v.ID, Activities: []model.ActivityResult{{Type: model.ActivityStart, PointID: v.StartPointID}}}
	}
	for _, svc := range p.Services {
		placed, skilled := false, false
		for i, v := range p.Vehicles {
			if !v.HasSkills(svc.Skills) {
				continue
			}
			skilled = true
			r := &routes[i]
			n := len(r.ServiceIDs())
			if n >= s.perVehicle || (n == 0 && used >= limit) {
				continue
			}
			if n == 0 {
				used++
			}
			r.Activities = append(r.Activities, model.ActivityResult{Type: model.ActivityService, ServiceID: svc.ID, PointID: svc.Activity.PointID})
			placed = true
			break
		}
		if !placed {
			u := model.UnassignedActivity{ServiceID: svc.ID}
			if skilled {
				u.Reason = "no room left"
			}
			res.Unassigned = append(res.Unassigned, u)
		}
	}
	res.Routes = routes
	return res, nil
}

// fixedClusterer returns a fixed number of clusters, dealing items round robin.
type fixedClusterer struct {
	k     int
	calls int
}

func (c *fixedClusterer) Partition(items []cluster.Item, _ int, _ cluster.Options) ([][]cluster.Item, error) {
	c.calls++
	out := make([][]cluster.Item, c.k)
	for i, it := range items {
		out[i%c.k] = append(out[i%c.k], it)
	}
	return out, nil
}

// bigProblem builds a located problem with one point per service.
func bigProblem(vehicles, services int) *model.Problem {
	p := &model.Problem{
		ID:     "root",
		Points: []*model.Point{{ID: "depot", Location: &model.Location{Lat: 48.85, Lon: 2.35}}},
	}
	for i := 0; i < services; i++ {
		id := fmt.Sprintf("p%03d", i)
		p.Points = append(p.Points, &model.Point{
			ID:          id,
			Location:    &model.Location{Lat: 48.80 + float64(i%20)*0.01, Lon: 2.30 + float64(i/20)*0.01},
			MatrixIndex: i + 1,
		})
		p.Services = append(p.Services, &model.Service{
			ID:       fmt.Sprintf("s%03d", i),
			Activity: &model.Activity{PointID: id, Duration: float64(300 + (i%7)*10)},
		})
	}
	for i := 0; i < vehicles; i++ {
		p.Vehicles = append(p.Vehicles, &model.Vehicle{
			ID:           fmt.Sprintf("v%02d", i),
			StartPointID: "depot",
			EndPointID:   "depot",
		})
	}
	return p
}

func newTestHeuristic(solver Solver) *Heuristic {
	h := New(solver, nil)
	h.Logger = quiet
	h.Seed = 42
	return h
}

func newTestRun(h *Heuristic) *run {
	return &run{h: h, obs: progress.Nop, ledger: NewLedger(), rng: newRand(1), seed: 1}
}
