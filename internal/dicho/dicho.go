// Package dicho solves large routing problems by recursive balanced
// bisection: split the services and vehicles in two, solve each half, then
// merge the halves and repair what the split broke.
package dicho

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/Pierre-Graber/optimizer-api/internal/cluster"
	"github.com/Pierre-Graber/optimizer-api/internal/metrics"
	"github.com/Pierre-Graber/optimizer-api/internal/model"
	"github.com/Pierre-Graber/optimizer-api/internal/progress"
)

const DefaultMaxSplitRetries = 3

// Heuristic is the divide-and-conquer controller. Zero-valued collaborators
// default to the balanced k-means clusterer, the model partial builder, the
// standard logger and a no-op observer. A Heuristic is safe for concurrent
// Solve calls as long as its collaborators are.
type Heuristic struct {
	Solver          Solver
	Matrix          MatrixService
	Clusterer       Clusterer
	Builder         PartialBuilder
	Observer        Observer
	Logger          progress.Logger
	MaxSplitRetries int
	Seed            int64
}

func New(solver Solver, matrix MatrixService) *Heuristic {
	return &Heuristic{
		Solver:          solver,
		Matrix:          matrix,
		Clusterer:       cluster.KMeans{},
		Builder:         model.Builder{},
		MaxSplitRetries: DefaultMaxSplitRetries,
	}
}

func (h *Heuristic) clusterer() Clusterer {
	if h.Clusterer == nil {
		return cluster.KMeans{}
	}
	return h.Clusterer
}

func (h *Heuristic) builder() PartialBuilder {
	if h.Builder == nil {
		return model.Builder{}
	}
	return h.Builder
}

// run holds the state of one top-level Solve call.
type run struct {
	h      *Heuristic
	obs    Observer
	ledger *Ledger
	rng    *rand.Rand
	seed   int64
}

// Solve runs the divide-and-conquer resolution of an instance. It returns
// (nil, nil) when the instance is not a candidate or when no split was
// needed and no direct solve happened: the caller then solves the instance
// directly. Errors are structural only.
func (h *Heuristic) Solve(ctx context.Context, inst *model.Instance) (*model.Result, error) {
	return h.SolveWithObserver(ctx, inst, nil)
}

// SolveWithObserver is Solve with a per-call observer overriding h.Observer.
func (h *Heuristic) SolveWithObserver(ctx context.Context, inst *model.Instance, obs Observer) (*model.Result, error) {
	if obs == nil {
		obs = h.Observer
	}
	if obs == nil {
		obs = progress.Nop
	}
	seed := h.Seed
	if inst.Problem.Resolution.Seed != 0 {
		seed = inst.Problem.Resolution.Seed
	}
	if inst.Problem.ID == "" {
		inst.Problem.ID = uuid.NewString()
	}
	r := &run{h: h, obs: obs, ledger: NewLedger(), rng: newRand(seed), seed: seed}
	r.ledger.Assign(inst.Problem)
	return r.solve(ctx, inst)
}

func (r *run) logf(format string, v ...any) {
	if r.h.Logger != nil {
		r.h.Logger.Printf(format, v...)
		return
	}
	log.Printf(format, v...)
}

func (r *run) observe(e progress.Event) { r.obs.Observe(e) }

func (r *run) solve(ctx context.Context, inst *model.Instance) (*model.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := inst.Problem
	if !IsCandidate(inst) {
		p.Resolution.InitDuration = 0
		return nil, nil
	}
	r.logf("[dicho] level(%d) activities: %d vehicles (limit): %d(%d) duration [min, max]: [%d,%d]",
		inst.Level, len(p.Services), len(p.Vehicles), p.Resolution.VehicleLimit,
		p.Resolution.MinimumDuration, p.Resolution.Duration)

	Configure(inst)
	t1 := time.Now()
	var result *model.Result
	switch {
	case inst.Level == 0:
		if r.h.Matrix != nil {
			if err := r.h.Matrix.Complete(ctx, p, r.obs); err != nil {
				return nil, fmt.Errorf("dicho: matrix: %w", err)
			}
		}
		p.ComputeExclusionCosts(true)
		UpdateExclusionCost(inst)
	case p.Resolution.InitDuration == 0:
		p.ComputeExclusionCosts(true)
		UpdateExclusionCost(inst)
		res, err := r.callSolver(ctx, p, "branch")
		if err != nil {
			return nil, err
		}
		result = res
	default:
		p.ComputeExclusionCosts(true)
		UpdateExclusionCost(inst)
	}
	prep := time.Since(t1)

	if !shouldSplit(result, p) {
		return result, nil
	}

	subs, err := r.splitWithRetries(inst)
	if err != nil {
		return nil, fmt.Errorf("dicho: level %d: %w", inst.Level, err)
	}
	for _, sub := range subs {
		r.ledger.Assign(sub.Problem)
		r.observe(progress.Event{
			Kind:      progress.KindSplit,
			Level:     sub.Level,
			ProblemID: sub.Problem.ID,
			Services:  len(sub.Problem.Services),
			Vehicles:  len(sub.Problem.Vehicles),
			Message:   fmt.Sprintf("vehicle limit %d", sub.Problem.Resolution.VehicleLimit),
		})
	}

	results := make([]*model.Result, len(subs))
	for i, sub := range subs {
		sp := sub.Problem
		if i > 0 {
			sp.Resolution.SplitNumber = subs[0].Problem.Resolution.SplitNumber + 1
			sp.Resolution.TotalSplitNumber = subs[0].Problem.Resolution.TotalSplitNumber
		}
		sp.Resolution = scaledResolution(sp.Resolution, len(sp.Services), len(p.Services))

		res, err := r.solve(ctx, sub)
		if err != nil {
			return nil, err
		}
		// the branch's own sub-problems are gone; it owns its vehicles again
		r.ledger.Assign(sp)
		if i == 0 && res != nil {
			moved, err := TransferUnusedVehicles(res, subs, r.ledger)
			if err != nil {
				return nil, fmt.Errorf("dicho: level %d: %w", inst.Level, err)
			}
			if err := r.ledger.Verify(subs[0].Problem, subs[1].Problem); err != nil {
				return nil, fmt.Errorf("dicho: level %d: %w", inst.Level, err)
			}
			if len(moved) > 0 {
				r.logf("[dicho] level(%d) transferred %d vehicles to branch 1", inst.Level, len(moved))
			}
			model.RemapMatrices(p, subs[1].Problem)
		}
		if res == nil {
			res = unsolved(sp)
		}
		results[i] = res
	}
	r.ledger.Assign(p)
	last := subs[len(subs)-1].Problem.Resolution
	p.Resolution.SplitNumber = last.SplitNumber
	p.Resolution.TotalSplitNumber = last.TotalSplitNumber

	result = model.MergeResults(results...)
	result.Elapsed += float64(prep) / float64(time.Millisecond)
	r.logf("[dicho] level(%d) before remove_bad_skills unassigned rate %s", inst.Level, rate(result, p))

	RemoveBadSkills(p, result)
	model.RemoveEmptyRoutes(result)

	r.logf("[dicho] level(%d) before end stage insert unassigned rate %s", inst.Level, rate(result, p))
	result, err = r.insertUnassigned(ctx, inst, result)
	if err != nil {
		return nil, err
	}
	model.RemoveEmptyRoutes(result)

	if inst.Level == 0 {
		before := len(result.Routes)
		model.RemovePoorlyPopulatedRoutes(p, result, poorlyPopulatedRatio)
		r.logf("[dicho] poorly populated routes: %d -> %d", before, len(result.Routes))
	}

	r.logf("[dicho] level(%d) unassigned rate %s", inst.Level, rate(result, p))
	kind := "branch"
	if inst.Level == 0 {
		kind = "root"
	}
	if len(p.Services) > 0 {
		metrics.DichoUnassignedRatio.WithLabelValues(kind).Observe(float64(len(result.Unassigned)) / float64(len(p.Services)))
	}
	r.observe(progress.Event{
		Kind:       progress.KindLevelDone,
		Level:      inst.Level,
		ProblemID:  p.ID,
		Services:   len(p.Services),
		Vehicles:   len(p.Vehicles),
		Unassigned: len(result.Unassigned),
		ElapsedMs:  result.Elapsed,
	})
	return result, nil
}

// splitWithRetries retries degenerate single-cluster splits with another
// seed, then falls back to a deterministic split.
func (r *run) splitWithRetries(inst *model.Instance) ([]*model.Instance, error) {
	retries := r.h.MaxSplitRetries
	if retries <= 0 {
		retries = DefaultMaxSplitRetries
	}
	for attempt := 0; attempt < retries; attempt++ {
		subs, err := r.h.split(inst, r.seed+int64(attempt))
		if err != nil {
			return nil, err
		}
		if len(subs) == 2 {
			metrics.DichoSplits.WithLabelValues("two").Inc()
			return subs, nil
		}
		metrics.DichoSplits.WithLabelValues("single").Inc()
		r.logf("[dicho] level(%d) split attempt %d produced a single cluster", inst.Level, attempt+1)
	}
	metrics.DichoSplits.WithLabelValues("fallback").Inc()
	r.logf("[dicho] level(%d) falling back to an alternating split", inst.Level)
	return r.h.fallbackSplit(inst)
}

// callSolver invokes the solver. Solver failures count as "no result" so
// that the caller splits instead of aborting; cancellation is returned.
func (r *run) callSolver(ctx context.Context, p *model.Problem, kind string) (*model.Result, error) {
	start := time.Now()
	res, err := r.h.Solver.Solve(ctx, p, r.obs)
	metrics.SolverCalls.WithLabelValues(kind).Inc()
	metrics.SolverDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		r.logf("[dicho] solver failed on problem %s: %v", p.ID, err)
		return nil, nil
	}
	return res, nil
}

// unsolved stands in for a branch that produced no result: every service is
// unassigned without a reason.
func unsolved(p *model.Problem) *model.Result {
	res := &model.Result{Routes: []model.RouteResult{}, Unassigned: make([]model.UnassignedActivity, 0, len(p.Services))}
	for _, s := range p.Services {
		u := model.UnassignedActivity{ServiceID: s.ID}
		if a := s.PrimaryActivity(); a != nil {
			u.PointID = a.PointID
		}
		res.Unassigned = append(res.Unassigned, u)
	}
	return res
}

func rate(result *model.Result, p *model.Problem) string {
	if len(p.Services) == 0 {
		return "0/0"
	}
	return fmt.Sprintf("%d/%d: %.1f%%", len(result.Unassigned), len(p.Services),
		float64(len(result.Unassigned))/float64(len(p.Services))*100)
}
