package dicho

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pierre-Graber/optimizer-api/internal/model"
	"github.com/Pierre-Graber/optimizer-api/internal/progress"
)

func divisible(vehicles, services int) *model.Instance {
	p := bigProblem(vehicles, services)
	p.Resolution.DichoDivisionVehicleLimit = 3
	p.Resolution.DichoDivisionServiceLimit = 30
	return &model.Instance{Problem: p, Service: "fake"}
}

// assertPartition checks that every service shows up exactly once and that no
// vehicle carries two routes.
func assertPartition(t *testing.T, p *model.Problem, res *model.Result) {
	t.Helper()
	seen := map[string]int{}
	vehicles := map[string]int{}
	for _, r := range res.Routes {
		vehicles[r.VehicleID]++
		for _, id := range r.ServiceIDs() {
			seen[id]++
		}
	}
	for _, u := range res.Unassigned {
		seen[u.ServiceID]++
	}
	for _, s := range p.Services {
		assert.Equal(t, 1, seen[s.ID], s.ID)
	}
	assert.Len(t, seen, len(p.Services))
	for id, n := range vehicles {
		assert.Equal(t, 1, n, id)
	}
}

func TestSolveSplitsUntilBranchesFit(t *testing.T) {
	inst := divisible(10, 200)
	solver := &fakeSolver{maxServices: 60, perVehicle: 40}
	h := newTestHeuristic(solver)
	rec := &progress.Recorder{}

	res, err := h.SolveWithObserver(context.Background(), inst, rec)
	require.NoError(t, err)
	require.NotNil(t, res)

	assertPartition(t, inst.Problem, res)
	assert.Empty(t, res.Unassigned)
	assert.Greater(t, solver.calls, 1)
	for _, n := range solver.sizes {
		assert.LessOrEqual(t, n, 60)
	}
	assert.Contains(t, rec.Kinds(), progress.KindSplit)
	kinds := rec.Kinds()
	assert.Equal(t, progress.KindLevelDone, kinds[len(kinds)-1])
	last := rec.Events()[len(kinds)-1]
	assert.Equal(t, 0, last.Level)
	assert.Equal(t, 200, last.Services)
	assert.Len(t, inst.Problem.Vehicles, 10, "root fleet is untouched")
}

func TestSolveNotCandidate(t *testing.T) {
	p := bigProblem(1, 5)
	p.Resolution.InitDuration = 1000
	solver := &fakeSolver{}
	res, err := newTestHeuristic(solver).Solve(context.Background(), &model.Instance{Problem: p})
	assert.NoError(t, err)
	assert.Nil(t, res)
	assert.Zero(t, solver.calls)
	assert.Zero(t, p.Resolution.InitDuration)
}

func TestSolveFallsBackAfterDegenerateSplits(t *testing.T) {
	inst := divisible(6, 60)
	solver := &fakeSolver{maxServices: 40, perVehicle: 40}
	h := newTestHeuristic(solver)
	clusterer := &fixedClusterer{k: 1}
	h.Clusterer = clusterer

	res, err := h.Solve(context.Background(), inst)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.GreaterOrEqual(t, clusterer.calls, DefaultMaxSplitRetries)
	assert.Zero(t, clusterer.calls%DefaultMaxSplitRetries)
	assertPartition(t, inst.Problem, res)
	assert.Empty(t, res.Unassigned)
}

func TestSolveTooManyClusters(t *testing.T) {
	h := newTestHeuristic(&fakeSolver{})
	h.Clusterer = &fixedClusterer{k: 3}
	_, err := h.Solve(context.Background(), divisible(10, 200))
	assert.True(t, errors.Is(err, ErrSplitSize))
}

func TestSolveHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	solver := &fakeSolver{}
	_, err := newTestHeuristic(solver).Solve(ctx, divisible(10, 200))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, solver.calls)
}

// usedVehicles counts the routes serving at least one service.
func usedVehicles(res *model.Result) int {
	n := 0
	for _, r := range res.Routes {
		if len(r.ServiceIDs()) > 0 {
			n++
		}
	}
	return n
}

func TestSolveNeverExceedsRootVehicleLimit(t *testing.T) {
	p := bigProblem(8, 40)
	p.Resolution = model.Resolution{
		VehicleLimit:               3,
		DichoAlgorithmVehicleLimit: 1,
		DichoAlgorithmServiceLimit: 1,
		DichoDivisionVehicleLimit:  1,
		DichoDivisionServiceLimit:  10,
	}
	inst := &model.Instance{Problem: p, Service: "fake"}
	solver := &fakeSolver{maxServices: 10, perVehicle: 4}

	res, err := newTestHeuristic(solver).Solve(context.Background(), inst)
	require.NoError(t, err)
	require.NotNil(t, res)
	assertPartition(t, p, res)
	assert.LessOrEqual(t, usedVehicles(res), 3)
}

func TestSolveKeepsSmallNestedLimit(t *testing.T) {
	p := bigProblem(4, 8)
	p.Resolution = model.Resolution{VehicleLimit: 1, DichoDivisionVehicleLimit: 1, DichoDivisionServiceLimit: 2}
	inst := &model.Instance{Level: 1, Problem: p, Service: "fake"}
	h := newTestHeuristic(&fakeSolver{maxServices: 4, perVehicle: 2})
	clusterer := &fixedClusterer{k: 2}
	h.Clusterer = clusterer

	res, err := h.Solve(context.Background(), inst)
	require.NoError(t, err)
	require.NotNil(t, res)
	assertPartition(t, p, res)
	assert.LessOrEqual(t, usedVehicles(res), 1)
	assert.Zero(t, clusterer.calls, "a limit of one cannot be shared by two branches")
}

type failingSolver struct{ calls int }

func (s *failingSolver) Solve(context.Context, *model.Problem, Observer) (*model.Result, error) {
	s.calls++
	return nil, errors.New("solver crashed")
}

func TestSolveTreatsSolverFailureAsUnsolved(t *testing.T) {
	inst := divisible(4, 40)
	solver := &failingSolver{}
	res, err := newTestHeuristic(solver).Solve(context.Background(), inst)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Positive(t, solver.calls)
	assert.Empty(t, res.Routes)
	assertPartition(t, inst.Problem, res)
	assert.Len(t, res.Unassigned, 40)
}

func TestUnsolved(t *testing.T) {
	p := bigProblem(1, 2)
	res := unsolved(p)
	assert.Equal(t, []string{"s000", "s001"}, res.UnassignedIDs())
	assert.Equal(t, "p001", res.Unassigned[1].PointID)
	assert.Empty(t, res.Unassigned[0].Reason)
}
