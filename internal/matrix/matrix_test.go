package matrix

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pierre-Graber/optimizer-api/internal/model"
	"github.com/Pierre-Graber/optimizer-api/internal/progress"
)

// fakeRouter answers |i-j| * scale per dimension and records requests.
type fakeRouter struct {
	mu       sync.Mutex
	requests []Request
	negative bool
	err      error
}

func (f *fakeRouter) Matrix(_ context.Context, req Request) (*Table, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := &Table{}
	for _, d := range req.Dimensions {
		scale := 60.0
		if d == DimDistance {
			scale = 1000
		}
		m := make([][]float64, len(req.Src))
		for i := range m {
			m[i] = make([]float64, len(req.Src))
			for j := range m[i] {
				v := float64(i-j) * scale
				if v < 0 && !f.negative {
					v = -v
				}
				m[i][j] = v
			}
		}
		t.set(d, m)
	}
	return t, nil
}

type quiet struct{}

func (quiet) Printf(string, ...any) {}

func smallProblem() *model.Problem {
	p := &model.Problem{ID: "p"}
	for i, id := range []string{"depot", "a", "b"} {
		p.Points = append(p.Points, &model.Point{ID: id, MatrixIndex: -1, Location: &model.Location{Lat: 45 + float64(i)/100, Lon: 4}})
	}
	p.Services = []*model.Service{
		{ID: "s1", Activity: &model.Activity{PointID: "a"}},
		{ID: "s2", Activity: &model.Activity{PointID: "b"}},
	}
	p.Vehicles = []*model.Vehicle{
		{ID: "v1", StartPointID: "depot"},
		{ID: "v2", StartPointID: "depot"},
		{ID: "bike", StartPointID: "depot", RouterMode: "bicycle"},
	}
	return p
}

func TestCompleteGroupsVehiclesByProfile(t *testing.T) {
	p := smallProblem()
	fr := &fakeRouter{}
	rec := &progress.Recorder{}
	s := &Service{Router: fr, Logger: quiet{}}

	require.NoError(t, s.Complete(context.Background(), p, rec))

	require.Len(t, fr.requests, 2)
	assert.Equal(t, "car", fr.requests[0].Mode)
	assert.Equal(t, "bicycle", fr.requests[1].Mode)
	assert.Equal(t, []string{DimTime, DimDistance}, fr.requests[0].Dimensions)
	require.Len(t, p.Matrices, 2)
	assert.Equal(t, p.Vehicles[0].MatrixID, p.Vehicles[1].MatrixID)
	assert.NotEqual(t, p.Vehicles[0].MatrixID, p.Vehicles[2].MatrixID)
	for i, pt := range p.Points {
		assert.Equal(t, i, pt.MatrixIndex)
	}
	assert.Equal(t, 120.0, p.TravelTime(p.Vehicles[0], p.Points[0], p.Points[2]))
	assert.Equal(t, []string{progress.KindMatrixStarted, progress.KindMatrixStep, progress.KindMatrixStep}, rec.Kinds())
	assert.Equal(t, 2, rec.Events()[2].Done)
}

func TestCompleteIsIdempotent(t *testing.T) {
	p := smallProblem()
	fr := &fakeRouter{}
	s := &Service{Router: fr, Logger: quiet{}}
	require.NoError(t, s.Complete(context.Background(), p, nil))
	require.NoError(t, s.Complete(context.Background(), p, nil))
	assert.Len(t, fr.requests, 2)
	assert.Len(t, p.Matrices, 2)
}

func TestCompleteKeepsProvidedMatrix(t *testing.T) {
	p := smallProblem()
	for i, pt := range p.Points {
		pt.MatrixIndex = 2 - i
	}
	p.Matrices = []*model.Matrix{{ID: "given", Time: [][]float64{{0, 1, 2}, {1, 0, 1}, {2, 1, 0}}, Distance: [][]float64{{0, 1, 2}, {1, 0, 1}, {2, 1, 0}}}}
	p.Vehicles[0].MatrixID = "given"
	p.Vehicles[1].MatrixID = "given"
	p.Vehicles[2].MatrixID = "stale"
	fr := &fakeRouter{}
	s := &Service{Router: fr, Logger: quiet{}}

	require.NoError(t, s.Complete(context.Background(), p, nil))
	require.Len(t, fr.requests, 1)
	assert.Equal(t, "bicycle", fr.requests[0].Mode)
	assert.Equal(t, "given", p.Vehicles[0].MatrixID)
	assert.NotEqual(t, "stale", p.Vehicles[2].MatrixID)
	// points keep their indices and the request follows them
	assert.Equal(t, 2, p.Points[0].MatrixIndex)
	assert.Equal(t, *p.Points[0].Location, fr.requests[0].Src[2])
}

func TestCompleteFixesNegativeValues(t *testing.T) {
	p := smallProblem()
	p.Vehicles = p.Vehicles[:1]
	s := &Service{Router: &fakeRouter{negative: true}, Logger: quiet{}}
	require.NoError(t, s.Complete(context.Background(), p, nil))
	for _, row := range p.Matrices[0].Time {
		for _, c := range row {
			assert.GreaterOrEqual(t, c, 0.0)
		}
	}
}

func TestCompleteErrors(t *testing.T) {
	p := smallProblem()
	p.Points[1].Location = nil
	err := (&Service{Router: &fakeRouter{}, Logger: quiet{}}).Complete(context.Background(), p, nil)
	assert.ErrorIs(t, err, ErrMissingLocation)

	boom := errors.New("boom")
	err = (&Service{Router: &fakeRouter{err: boom}, Logger: quiet{}}).Complete(context.Background(), smallProblem(), nil)
	assert.ErrorIs(t, err, boom)
}

func TestNeededDimensions(t *testing.T) {
	assert.Nil(t, neededDimensions(&model.Problem{}))

	p := &model.Problem{Vehicles: []*model.Vehicle{{ID: "v", RouterDimension: "distance"}}}
	assert.Equal(t, []string{DimDistance}, neededDimensions(p))

	p.Services = []*model.Service{{ID: "s", Activity: &model.Activity{TimeWindows: []model.TimeWindow{{Start: 0, End: 10}}}}}
	assert.Equal(t, []string{DimTime, DimDistance}, neededDimensions(p))
}

func TestCachedRouter(t *testing.T) {
	fr := &fakeRouter{}
	c := &CachedRouter{Router: fr, Cache: NewMemoryCache(), TTL: time.Minute, Namespace: "test"}
	req := Request{Mode: "car", Dimensions: []string{DimTime}, Src: []model.Location{paris, lyon}}

	a, err := c.Matrix(context.Background(), req)
	require.NoError(t, err)
	b, err := c.Matrix(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, fr.requests, 1)
	assert.Regexp(t, `^m:[0-9a-f]{64}$`, c.Key(req))

	other := &CachedRouter{Namespace: "other"}
	assert.NotEqual(t, c.Key(req), other.Key(req))
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	now := time.Unix(0, 0)
	c.now = func() time.Time { return now }
	require.NoError(t, c.Set(context.Background(), "k", []byte("v"), time.Second))
	got, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	now = now.Add(2 * time.Second)
	_, ok, _ = c.Get(context.Background(), "k")
	assert.False(t, ok)
}

func TestRedisCache(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	c, err := NewRedisCache(url)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()
	key := "m:test-" + time.Now().Format(time.RFC3339Nano)
	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, c.Set(ctx, key, []byte("x"), time.Minute))
	got, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("x"), got)
}
