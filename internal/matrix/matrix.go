// Package matrix fills in the travel matrices a problem needs before it is
// solved: it groups vehicles by router profile, asks a Router for one matrix
// per profile and points each vehicle at its matrix.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/Pierre-Graber/optimizer-api/internal/model"
	"github.com/Pierre-Graber/optimizer-api/internal/progress"
)

// DefaultMode is the router mode of vehicles that do not name one.
const DefaultMode = "car"

var ErrMissingLocation = errors.New("matrix: point without location")

// Service completes problem matrices through a Router.
type Service struct {
	Router Router
	Logger progress.Logger
}

func NewService(r Router) *Service {
	return &Service{Router: r}
}

type profile struct {
	mode string
	dims string
}

// Complete fetches the matrices missing for p and assigns them to the
// vehicles. Vehicles whose matrix already holds every needed dimension are
// left alone, so calling Complete twice is a no-op.
func (s *Service) Complete(ctx context.Context, p *model.Problem, obs progress.Observer) error {
	needed := neededDimensions(p)
	if len(needed) == 0 || len(p.Points) == 0 {
		return nil
	}

	var order []profile
	groups := map[profile][]*model.Vehicle{}
	dimsOf := map[profile][]string{}
	for _, v := range p.Vehicles {
		if !vehicleNeedsMatrix(p, v, needed) {
			continue
		}
		dims := union(vehicleDimensions(v), needed)
		key := profile{mode: mode(v), dims: fmt.Sprint(dims)}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
			dimsOf[key] = dims
		}
		groups[key] = append(groups[key], v)
	}
	if len(order) == 0 {
		return nil
	}

	locs, err := indexPoints(p)
	if err != nil {
		return err
	}
	if obs == nil {
		obs = progress.Nop
	}
	obs.Observe(progress.Event{Kind: progress.KindMatrixStarted, ProblemID: p.ID, Total: len(order),
		Services: len(p.Services), Vehicles: len(p.Vehicles)})

	for i, key := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		obs.Observe(progress.Event{Kind: progress.KindMatrixStep, ProblemID: p.ID, Done: i + 1, Total: len(order),
			Message: "compute matrix " + key.mode})
		s.logf("[matrix] computation %dx%d (%.1f km) mode=%s dims=%v -- %d services, %d vehicles",
			len(locs), len(locs), extent(locs), key.mode, dimsOf[key], len(p.Services), len(p.Vehicles))
		tic := time.Now()
		t, err := s.Router.Matrix(ctx, Request{Mode: key.mode, Dimensions: dimsOf[key], Src: locs})
		if err != nil {
			return fmt.Errorf("matrix: %s: %w", key.mode, err)
		}
		s.logf("[matrix] computed in %.2f seconds", time.Since(tic).Seconds())

		m := &model.Matrix{ID: uuid.NewString()}
		negative := false
		for _, d := range dimsOf[key] {
			rows := t.dimension(d)
			if rows == nil {
				continue
			}
			if err := checkShape(rows, len(locs)); err != nil {
				return fmt.Errorf("matrix: %s %s: %w", key.mode, d, err)
			}
			negative = sanitize(rows) || negative
			switch d {
			case DimTime:
				m.Time = rows
			case DimDistance:
				m.Distance = rows
			case DimValue:
				m.Value = rows
			}
		}
		if negative {
			s.logf("[matrix] negative value provided by router")
		}
		p.Matrices = append(p.Matrices, m)
		for _, v := range groups[key] {
			v.MatrixID = m.ID
		}
	}
	return nil
}

func (s *Service) logf(format string, v ...any) { logf(s.Logger, format, v...) }

func logf(l progress.Logger, format string, v ...any) {
	if l != nil {
		l.Printf(format, v...)
		return
	}
	log.Printf(format, v...)
}

// neededDimensions: time when any activity is time-constrained or any
// vehicle needs times; distance whenever time or distance is needed.
func neededDimensions(p *model.Problem) []string {
	needTime, needDist := false, false
	for _, s := range p.Services {
		acts := s.Activities
		if s.Activity != nil {
			acts = []model.Activity{*s.Activity}
		}
		for _, a := range acts {
			if len(a.TimeWindows) > 0 || a.LateMultiplier != 0 {
				needTime = true
			}
		}
	}
	for _, v := range p.Vehicles {
		needTime = needTime || v.NeedMatrixTime()
		needDist = needDist || v.NeedMatrixDistance()
	}
	var out []string
	if needTime {
		out = append(out, DimTime)
	}
	if needTime || needDist {
		out = append(out, DimDistance)
	}
	return out
}

// vehicleDimensions lists the routing dimension of v first.
func vehicleDimensions(v *model.Vehicle) []string {
	if v.RouterDimension == DimDistance {
		return []string{DimDistance, DimTime}
	}
	return []string{DimTime, DimDistance}
}

func vehicleNeedsMatrix(p *model.Problem, v *model.Vehicle, needed []string) bool {
	// an unknown MatrixID is refetched; no MatrixID shares the first matrix
	var m *model.Matrix
	if v.MatrixID == "" {
		m = p.Matrix(v)
	}
	for _, mm := range p.Matrices {
		if v.MatrixID != "" && mm.ID == v.MatrixID {
			m = mm
		}
	}
	for _, d := range vehicleDimensions(v) {
		if !contains(needed, d) {
			continue
		}
		if hasDimension(m, d) {
			continue
		}
		if (d == DimTime && v.NeedMatrixTime()) || (d == DimDistance && v.NeedMatrixDistance()) {
			return true
		}
	}
	return false
}

func hasDimension(m *model.Matrix, d string) bool {
	if m == nil {
		return false
	}
	switch d {
	case DimTime:
		return len(m.Time) > 0
	case DimDistance:
		return len(m.Distance) > 0
	}
	return len(m.Value) > 0
}

func mode(v *model.Vehicle) string {
	if v.RouterMode == "" {
		return DefaultMode
	}
	return v.RouterMode
}

// indexPoints returns point locations in matrix order. Existing indices are
// kept when they already number the points 0..n-1, so matrices provided with
// the problem stay valid; otherwise points are renumbered in list order.
func indexPoints(p *model.Problem) ([]model.Location, error) {
	n := len(p.Points)
	seen := make([]bool, n)
	valid := true
	for _, pt := range p.Points {
		if pt.MatrixIndex < 0 || pt.MatrixIndex >= n || seen[pt.MatrixIndex] {
			valid = false
			break
		}
		seen[pt.MatrixIndex] = true
	}
	if !valid && len(p.Matrices) > 0 {
		return nil, fmt.Errorf("matrix: points cannot be indexed against the %d provided matrices", len(p.Matrices))
	}
	locs := make([]model.Location, n)
	for i, pt := range p.Points {
		if pt.Location == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingLocation, pt.ID)
		}
		if !valid {
			pt.MatrixIndex = i
		}
		locs[pt.MatrixIndex] = *pt.Location
	}
	return locs, nil
}

func checkShape(rows [][]float64, n int) error {
	if len(rows) != n {
		return fmt.Errorf("got %d rows, want %d", len(rows), n)
	}
	for i, r := range rows {
		if len(r) != n {
			return fmt.Errorf("row %d has %d cells, want %d", i, len(r), n)
		}
	}
	return nil
}

// sanitize replaces negative cells by their absolute value and NaN cells by
// model.Unreachable. It reports whether a negative value was seen.
func sanitize(rows [][]float64) bool {
	negative := false
	for _, r := range rows {
		for j, c := range r {
			switch {
			case math.IsNaN(c):
				r[j] = model.Unreachable
			case c < 0:
				r[j] = -c
				negative = true
			}
		}
	}
	return negative
}

// extent is the diagonal of the bounding box of locs, in km.
func extent(locs []model.Location) float64 {
	if len(locs) == 0 {
		return 0
	}
	lo, hi := locs[0], locs[0]
	for _, l := range locs[1:] {
		lo.Lat, lo.Lon = math.Min(lo.Lat, l.Lat), math.Min(lo.Lon, l.Lon)
		hi.Lat, hi.Lon = math.Max(hi.Lat, l.Lat), math.Max(hi.Lon, l.Lon)
	}
	return math.Round(model.Haversine(lo, hi)/10) / 100
}

func union(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, s := range b {
		if !contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
