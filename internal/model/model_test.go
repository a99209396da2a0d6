package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProblem() *Problem {
	return &Problem{
		ID: "root",
		Points: []*Point{
			{ID: "depot", Location: &Location{Lat: 48.85, Lon: 2.35}, MatrixIndex: 0},
			{ID: "p1", Location: &Location{Lat: 48.86, Lon: 2.35}, MatrixIndex: 1},
			{ID: "p2", Location: &Location{Lat: 48.87, Lon: 2.36}, MatrixIndex: 2},
			{ID: "p3", Location: &Location{Lat: 48.88, Lon: 2.37}, MatrixIndex: 3},
		},
		Services: []*Service{
			{ID: "s1", Activity: &Activity{PointID: "p1", Duration: 60}},
			{ID: "s2", Activity: &Activity{PointID: "p2", Duration: 60}, Skills: []string{"frozen"}},
			{ID: "s3", Activity: &Activity{PointID: "p3", Duration: 120}},
		},
		Vehicles: []*Vehicle{
			{ID: "v1", StartPointID: "depot", EndPointID: "depot", Skills: [][]string{{"frozen"}}},
			{ID: "v2", StartPointID: "depot"},
		},
		Matrices: []*Matrix{{
			ID: "m1",
			Time: [][]float64{
				{0, 10, 20, 30},
				{10, 0, 11, 21},
				{20, 11, 0, 12},
				{30, 21, 12, 0},
			},
		}},
		Routes: []Route{
			{VehicleID: "v1", MissionIDs: []string{"s2", "s1"}},
			{VehicleID: "v2", MissionIDs: []string{"s3"}},
		},
	}
}

func TestHasSkills(t *testing.T) {
	v := &Vehicle{Skills: [][]string{{"a", "b"}, {"c"}}}
	assert.True(t, v.HasSkills(nil))
	assert.True(t, v.HasSkills([]string{"b", "a"}))
	assert.True(t, v.HasSkills([]string{"c"}))
	assert.False(t, v.HasSkills([]string{"a", "c"}))
	assert.False(t, (&Vehicle{}).HasSkills([]string{"a"}))
}

func TestSkillKey(t *testing.T) {
	assert.Equal(t, "a,b", SkillKey([]string{"b", "a", "b"}))
	assert.Equal(t, "", SkillKey(nil))
	assert.Equal(t, "a,b|c", VehicleSkillKey(&Vehicle{Skills: [][]string{{"c"}, {"b", "a"}, {"c"}}}))
}

func TestBuildPartialDoesNotTouchParent(t *testing.T) {
	p := testProblem()
	sub := BuildPartial(p, []string{"s1", "s2"}, []string{"v1"})

	require.Len(t, sub.Services, 2)
	require.Len(t, sub.Vehicles, 1)
	assert.NotEqual(t, p.ID, sub.ID)
	assert.ElementsMatch(t, []string{"depot", "p1", "p2"}, pointIDs(sub))
	require.Len(t, sub.Routes, 1)
	assert.Equal(t, []string{"s2", "s1"}, sub.Routes[0].MissionIDs)

	sub.Vehicles[0].CostFixed = 42
	sub.Services[0].Skills = append(sub.Services[0].Skills, "x")
	sub.Points[0].MatrixIndex = 9
	assert.Zero(t, p.Vehicles[0].CostFixed)
	assert.Empty(t, p.Services[0].Skills)
	assert.Equal(t, 0, p.Points[0].MatrixIndex)
}

func TestBuildPartialAllVehicles(t *testing.T) {
	p := testProblem()
	sub := BuildPartial(p, []string{"s3"}, nil)
	assert.Len(t, sub.Vehicles, 2)
	require.Len(t, sub.Routes, 1)
	assert.Equal(t, "v2", sub.Routes[0].VehicleID)
}

func TestRemapMatrices(t *testing.T) {
	p := testProblem()
	child := BuildPartial(p, []string{"s3"}, []string{"v2"})
	RemapMatrices(p, child)

	require.Len(t, child.Matrices, 1)
	depot, p3 := child.Point("depot"), child.Point("p3")
	require.NotNil(t, depot)
	require.NotNil(t, p3)
	assert.Len(t, child.Matrices[0].Time, 2)
	assert.Equal(t, 30.0, child.TravelTime(child.Vehicles[0], depot, p3))
	assert.Equal(t, 30.0, child.TravelTime(child.Vehicles[0], p3, depot))
	// parent untouched
	assert.Equal(t, 3, p.Point("p3").MatrixIndex)
}

func TestMergeResults(t *testing.T) {
	a := &Result{Elapsed: 10, Routes: []RouteResult{{VehicleID: "v1"}}, Unassigned: []UnassignedActivity{{ServiceID: "s1"}}, Solvers: []string{"alns"}}
	b := &Result{Elapsed: 5, Routes: []RouteResult{{VehicleID: "v2"}}, Solvers: []string{"alns"}}
	m := MergeResults(a, nil, b)
	require.NotNil(t, m)
	assert.Equal(t, 15.0, m.Elapsed)
	assert.Len(t, m.Routes, 2)
	assert.Len(t, m.Unassigned, 1)
	assert.Equal(t, []string{"alns"}, m.Solvers)
	assert.Nil(t, MergeResults(nil, nil))
}

func TestReplaceRoutes(t *testing.T) {
	res := &Result{
		Routes: []RouteResult{
			{VehicleID: "v1", Activities: []ActivityResult{{ServiceID: "s1"}}},
			{VehicleID: "v2", Activities: []ActivityResult{{ServiceID: "s3"}}},
		},
		Unassigned: []UnassignedActivity{{ServiceID: "s2"}, {ServiceID: "s4"}},
	}
	partial := &Result{
		Routes:     []RouteResult{{VehicleID: "v1", Activities: []ActivityResult{{ServiceID: "s2"}}}},
		Unassigned: []UnassignedActivity{{ServiceID: "s1", Reason: "late"}},
	}
	ReplaceRoutes(res, partial)

	assert.Equal(t, []string{"s2"}, res.Route("v1").ServiceIDs())
	assert.ElementsMatch(t, []string{"s1", "s4"}, res.UnassignedIDs())
}

func TestRemoveEmptyRoutesAndInitialRoutes(t *testing.T) {
	res := &Result{Routes: []RouteResult{
		{VehicleID: "v1", Activities: []ActivityResult{{Type: ActivityStart, PointID: "depot"}, {ServiceID: "s1"}, {RestID: "r1"}}},
		{VehicleID: "v2", Activities: []ActivityResult{{Type: ActivityStart, PointID: "depot"}}},
	}}
	routes := BuildInitialRoutes(res)
	require.Len(t, routes, 1)
	assert.Equal(t, []string{"s1", "r1"}, routes[0].MissionIDs)

	RemoveEmptyRoutes(res)
	require.Len(t, res.Routes, 1)
	assert.Equal(t, "v1", res.Routes[0].VehicleID)
}

func TestRemovePoorlyPopulatedRoutes(t *testing.T) {
	p := &Problem{
		Services: []*Service{
			{ID: "s1", Quantities: []Quantity{{UnitID: "kg", Value: 10}}},
			{ID: "s2", Quantities: []Quantity{{UnitID: "kg", Value: 80}}},
			{ID: "s3"},
		},
		Vehicles: []*Vehicle{
			{ID: "small", Capacities: []Capacity{{UnitID: "kg", Limit: 100}}},
			{ID: "full", Capacities: []Capacity{{UnitID: "kg", Limit: 100}}},
			{ID: "free"},
		},
	}
	res := &Result{Routes: []RouteResult{
		{VehicleID: "small", Activities: []ActivityResult{{ServiceID: "s1"}}},
		{VehicleID: "full", Activities: []ActivityResult{{ServiceID: "s2"}}},
		{VehicleID: "free", Activities: []ActivityResult{{ServiceID: "s3"}}},
	}}
	n := RemovePoorlyPopulatedRoutes(p, res, 0.5)
	assert.Equal(t, 1, n)
	assert.Len(t, res.Routes, 2)
	require.Len(t, res.Unassigned, 1)
	assert.Equal(t, "s1", res.Unassigned[0].ServiceID)
	assert.NotEmpty(t, res.Unassigned[0].Reason)
}

func TestComputeExclusionCosts(t *testing.T) {
	p := testProblem()
	p.Services[2].ExclusionCost = 500
	p.ComputeExclusionCosts(false)

	// s1: start->p1 is 10s for both vehicles, round trip 20 + 60
	assert.InDelta(t, 80.0, p.Services[0].Penalty, 1e-9)
	assert.Equal(t, 500.0, p.Services[2].Penalty)

	p.Services[0].Penalty = 7
	p.ComputeExclusionCosts(false)
	assert.Equal(t, 7.0, p.Services[0].Penalty)
	p.ComputeExclusionCosts(true)
	assert.InDelta(t, 80.0, p.Services[0].Penalty, 1e-9)
}

func TestTravelFallsBackToHaversine(t *testing.T) {
	p := testProblem()
	p.Matrices = nil
	d := p.TravelDistance(nil, p.Point("depot"), p.Point("p1"))
	assert.InDelta(t, 1112, d, 5)
	assert.InDelta(t, d/FallbackSpeed, p.TravelTime(nil, p.Point("depot"), p.Point("p1")), 1e-9)
}

func TestVehicleLimitZeroOnlyWhenAssigned(t *testing.T) {
	p := testProblem()
	assert.False(t, p.Resolution.HasVehicleLimit())
	assert.Equal(t, 2, p.EffectiveVehicleLimit())

	p.Resolution.SetVehicleLimit(0)
	assert.True(t, p.Resolution.HasVehicleLimit())
	assert.Zero(t, p.EffectiveVehicleLimit())
	assert.Zero(t, BuildPartial(p, []string{"s1"}, nil).EffectiveVehicleLimit(), "partial problems keep the assigned zero")
}

func pointIDs(p *Problem) []string {
	out := make([]string, 0, len(p.Points))
	for _, pt := range p.Points {
		out = append(out, pt.ID)
	}
	return out
}
