package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Pierre-Graber/optimizer-api/internal/metrics"
	"github.com/Pierre-Graber/optimizer-api/internal/model"
	"github.com/Pierre-Graber/optimizer-api/internal/progress"
)

const (
	DimTime     = "time"
	DimDistance = "distance"
	DimValue    = "value"
)

// Request asks a router for a matrix between points. Dst nil means Src.
type Request struct {
	Mode       string           `json:"mode"`
	Dimensions []string         `json:"dimensions"`
	Src        []model.Location `json:"src"`
	Dst        []model.Location `json:"dst,omitempty"`
}

func (r Request) destinations() []model.Location {
	if r.Dst == nil {
		return r.Src
	}
	return r.Dst
}

// Table holds one matrix per requested dimension, rows indexed by Src.
type Table struct {
	Time     [][]float64 `json:"time,omitempty"`
	Distance [][]float64 `json:"distance,omitempty"`
	Value    [][]float64 `json:"value,omitempty"`
}

func (t *Table) dimension(d string) [][]float64 {
	switch d {
	case DimTime:
		return t.Time
	case DimDistance:
		return t.Distance
	case DimValue:
		return t.Value
	}
	return nil
}

func (t *Table) set(d string, m [][]float64) {
	switch d {
	case DimTime:
		t.Time = m
	case DimDistance:
		t.Distance = m
	case DimValue:
		t.Value = m
	}
}

// Router computes travel matrices.
type Router interface {
	Matrix(ctx context.Context, req Request) (*Table, error)
}

// RouterError is a non-200 answer from the router.
type RouterError struct {
	Status  int
	Message string
}

func (e *RouterError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("router: status %d", e.Status)
	}
	return fmt.Sprintf("router: status %d - %s", e.Status, e.Message)
}

// HTTPRouter calls a router-wrapper compatible service.
type HTTPRouter struct {
	BaseURL     string
	APIKey      string
	Client      *http.Client
	Limiter     *rate.Limiter
	MaxAttempts int
	// Backoff returns the pause before retry n (1-based). Defaults to 2^n seconds.
	Backoff func(n int) time.Duration
	Logger  progress.Logger
}

func NewHTTPRouter(baseURL, apiKey string, rps float64, burst int) *HTTPRouter {
	r := &HTTPRouter{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		APIKey:      apiKey,
		Client:      &http.Client{Timeout: 60 * time.Second},
		MaxAttempts: 3,
	}
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		r.Limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return r
}

func (r *HTTPRouter) Matrix(ctx context.Context, req Request) (*Table, error) {
	if t, ok := trivial(req); ok {
		return t, nil
	}
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	var lastErr error
	for n := 1; n <= attempts; n++ {
		if r.Limiter != nil {
			if err := r.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		t, err := r.fetch(ctx, req)
		if err == nil {
			metrics.MatrixRequests.WithLabelValues("router").Inc()
			return t, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if n == attempts {
			break
		}
		r.logf("[matrix] router attempt %d/%d failed: %v", n, attempts, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.backoff(n)):
		}
	}
	return nil, fmt.Errorf("matrix: failed after %d attempts: %w", attempts, lastErr)
}

func (r *HTTPRouter) backoff(n int) time.Duration {
	if r.Backoff != nil {
		return r.Backoff(n)
	}
	return time.Duration(1<<n) * time.Second
}

func (r *HTTPRouter) logf(format string, v ...any) { logf(r.Logger, format, v...) }

func (r *HTTPRouter) fetch(ctx context.Context, req Request) (*Table, error) {
	q := url.Values{}
	q.Set("src", joinLocations(req.Src))
	if req.Dst != nil {
		q.Set("dst", joinLocations(req.Dst))
	}
	q.Set("mode", req.Mode)
	q.Set("dimensions", strings.Join(req.Dimensions, "_"))
	if r.APIKey != "" {
		q.Set("api_key", r.APIKey)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, r.BaseURL+"/matrix.json?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		rerr := &RouterError{Status: resp.StatusCode}
		if strings.Contains(resp.Header.Get("Content-Type"), "json") {
			var msg struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(body, &msg) == nil {
				rerr.Message = msg.Message
			}
		}
		return nil, rerr
	}
	var raw map[string][][]*float64
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("matrix: decode router answer: %w", err)
	}
	t := &Table{}
	for _, d := range req.Dimensions {
		rows, ok := raw["matrix_"+d]
		if !ok {
			continue
		}
		m := make([][]float64, len(rows))
		for i, row := range rows {
			m[i] = make([]float64, len(row))
			for j, c := range row {
				if c == nil {
					m[i][j] = model.Unreachable
					continue
				}
				m[i][j] = *c
			}
		}
		t.set(d, m)
	}
	return t, nil
}

func joinLocations(locs []model.Location) string {
	parts := make([]string, 0, 2*len(locs))
	for _, l := range locs {
		parts = append(parts, strconv.FormatFloat(l.Lat, 'f', -1, 64), strconv.FormatFloat(l.Lon, 'f', -1, 64))
	}
	return strings.Join(parts, ",")
}

// trivial answers empty and single-point requests without a round trip.
func trivial(req Request) (*Table, bool) {
	dst := req.destinations()
	if len(req.Src) == 0 || len(dst) == 0 {
		t := &Table{}
		for _, d := range req.Dimensions {
			t.set(d, [][]float64{})
		}
		return t, true
	}
	if len(req.Src) == 1 && len(dst) == 1 && req.Src[0] == dst[0] {
		t := &Table{}
		for _, d := range req.Dimensions {
			t.set(d, [][]float64{{0}})
		}
		return t, true
	}
	return nil, false
}

// Speeds in m/s used by the straight-line router.
var Speeds = map[string]float64{
	"car":        50.0 / 3.6,
	"truck":      40.0 / 3.6,
	"scooter":    30.0 / 3.6,
	"bicycle":    15.0 / 3.6,
	"pedestrian": 5.0 / 3.6,
}

// Haversine is a straight-line router for deployments without a routing
// service. Distances are great-circle meters.
type Haversine struct {
	// Detour multiplies straight-line distances; zero means 1.
	Detour float64
}

func (h Haversine) Matrix(ctx context.Context, req Request) (*Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t, ok := trivial(req); ok {
		return t, nil
	}
	speed, ok := Speeds[req.Mode]
	if !ok {
		speed = model.FallbackSpeed
	}
	detour := h.Detour
	if detour <= 0 {
		detour = 1
	}
	dst := req.destinations()
	dist := make([][]float64, len(req.Src))
	for i, a := range req.Src {
		dist[i] = make([]float64, len(dst))
		for j, b := range dst {
			dist[i][j] = math.Round(model.Haversine(a, b) * detour)
		}
	}
	t := &Table{}
	for _, d := range req.Dimensions {
		switch d {
		case DimDistance:
			t.Distance = dist
		case DimTime:
			tm := make([][]float64, len(dist))
			for i, row := range dist {
				tm[i] = make([]float64, len(row))
				for j, v := range row {
					tm[i][j] = math.Round(v / speed)
				}
			}
			t.Time = tm
		}
	}
	metrics.MatrixRequests.WithLabelValues("haversine").Inc()
	return t, nil
}
