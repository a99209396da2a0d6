package model

import "math"

const (
	ActivityStart   = "start"
	ActivityEnd     = "end"
	ActivityService = "service"
	ActivityRest    = "rest"
)

type ActivityResult struct {
	Type      string  `json:"type"`
	ServiceID string  `json:"service_id,omitempty"`
	RestID    string  `json:"rest_id,omitempty"`
	PointID   string  `json:"point_id,omitempty"`
	BeginTime float64 `json:"begin_time,omitempty"`
}

type RouteResult struct {
	VehicleID     string           `json:"vehicle_id"`
	Activities    []ActivityResult `json:"activities"`
	TotalTime     float64          `json:"total_time,omitempty"`
	TotalDistance float64          `json:"total_distance,omitempty"`
}

// UnassignedActivity is a service left out of every route. An empty Reason
// marks a hard infeasibility.
type UnassignedActivity struct {
	ServiceID string `json:"service_id"`
	PointID   string `json:"point_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type Result struct {
	Solvers    []string             `json:"solvers,omitempty"`
	Cost       float64              `json:"cost"`
	Elapsed    float64              `json:"elapsed"` // ms
	Routes     []RouteResult        `json:"routes"`
	Unassigned []UnassignedActivity `json:"unassigned"`
}

// ServiceIDs returns the services served by the route, in order.
func (r *RouteResult) ServiceIDs() []string {
	var out []string
	for _, a := range r.Activities {
		if a.ServiceID != "" {
			out = append(out, a.ServiceID)
		}
	}
	return out
}

// Used reports whether the route serves at least one service.
func (r *RouteResult) Used() bool {
	for _, a := range r.Activities {
		if a.ServiceID != "" {
			return true
		}
	}
	return false
}

// UsedRouteCount counts routes serving at least one service.
func (r *Result) UsedRouteCount() int {
	n := 0
	for i := range r.Routes {
		if r.Routes[i].Used() {
			n++
		}
	}
	return n
}

// UnassignedIDs returns the ids of unassigned services.
func (r *Result) UnassignedIDs() []string {
	out := make([]string, 0, len(r.Unassigned))
	for _, u := range r.Unassigned {
		out = append(out, u.ServiceID)
	}
	return out
}

func (r *Result) Route(vehicleID string) *RouteResult {
	for i := range r.Routes {
		if r.Routes[i].VehicleID == vehicleID {
			return &r.Routes[i]
		}
	}
	return nil
}

// MergeResults concatenates routes and unassigned entries and sums elapsed
// time and cost. Nil results are skipped; nil is returned when all are nil.
func MergeResults(results ...*Result) *Result {
	var out *Result
	seenSolver := map[string]struct{}{}
	for _, r := range results {
		if r == nil {
			continue
		}
		if out == nil {
			out = &Result{Routes: []RouteResult{}, Unassigned: []UnassignedActivity{}}
		}
		out.Routes = append(out.Routes, r.Routes...)
		out.Unassigned = append(out.Unassigned, r.Unassigned...)
		out.Elapsed += r.Elapsed
		out.Cost += r.Cost
		for _, s := range r.Solvers {
			if _, ok := seenSolver[s]; !ok {
				seenSolver[s] = struct{}{}
				out.Solvers = append(out.Solvers, s)
			}
		}
	}
	return out
}

// ReplaceRoutes folds a partial result into result: routes of the partial's
// vehicles replace the existing ones and the unassigned list is rebuilt so
// that no served service stays unassigned.
func ReplaceRoutes(result, partial *Result) {
	if result == nil || partial == nil {
		return
	}
	for _, pr := range partial.Routes {
		if existing := result.Route(pr.VehicleID); existing != nil {
			*existing = pr
		} else {
			result.Routes = append(result.Routes, pr)
		}
	}
	served := map[string]struct{}{}
	for i := range result.Routes {
		for _, id := range result.Routes[i].ServiceIDs() {
			served[id] = struct{}{}
		}
	}
	seen := map[string]struct{}{}
	unassigned := make([]UnassignedActivity, 0, len(result.Unassigned)+len(partial.Unassigned))
	for _, list := range [][]UnassignedActivity{partial.Unassigned, result.Unassigned} {
		for _, u := range list {
			if _, ok := served[u.ServiceID]; ok {
				continue
			}
			if _, ok := seen[u.ServiceID]; ok {
				continue
			}
			seen[u.ServiceID] = struct{}{}
			unassigned = append(unassigned, u)
		}
	}
	result.Unassigned = unassigned
}

// RemoveEmptyRoutes drops routes that serve no service.
func RemoveEmptyRoutes(result *Result) {
	if result == nil {
		return
	}
	kept := result.Routes[:0]
	for _, r := range result.Routes {
		if r.Used() {
			kept = append(kept, r)
		}
	}
	result.Routes = kept
}

// BuildInitialRoutes turns solved routes into seeded routes. Routes without
// missions are skipped.
func BuildInitialRoutes(results ...*Result) []Route {
	var out []Route
	for _, res := range results {
		if res == nil {
			continue
		}
		for _, r := range res.Routes {
			var missions []string
			for _, a := range r.Activities {
				switch {
				case a.ServiceID != "":
					missions = append(missions, a.ServiceID)
				case a.RestID != "":
					missions = append(missions, a.RestID)
				}
			}
			if len(missions) == 0 {
				continue
			}
			out = append(out, Route{VehicleID: r.VehicleID, MissionIDs: missions})
		}
	}
	return out
}

const ReasonPoorlyPopulated = "route removed: load below the vehicle's comparative capacity"

// RemovePoorlyPopulatedRoutes removes routes whose fill rate is below ratio
// and moves their services to the unassigned list. The fill rate of a route
// is the largest of its load/capacity ratios over the constrained units and
// of its total time over the vehicle max duration. Vehicles with no
// constraint at all are never considered poorly populated.
func RemovePoorlyPopulatedRoutes(p *Problem, result *Result, ratio float64) int {
	if result == nil {
		return 0
	}
	services := p.ServiceIndex()
	removed := 0
	kept := result.Routes[:0]
	for _, r := range result.Routes {
		v := p.Vehicle(r.VehicleID)
		if v == nil || !r.Used() {
			kept = append(kept, r)
			continue
		}
		fill, constrained := routeFill(v, &r, services)
		if !constrained || fill >= ratio {
			kept = append(kept, r)
			continue
		}
		removed++
		for _, a := range r.Activities {
			if a.ServiceID == "" {
				continue
			}
			result.Unassigned = append(result.Unassigned, UnassignedActivity{
				ServiceID: a.ServiceID,
				PointID:   a.PointID,
				Reason:    ReasonPoorlyPopulated,
			})
		}
	}
	result.Routes = kept
	return removed
}

func routeFill(v *Vehicle, r *RouteResult, services map[string]*Service) (float64, bool) {
	fill := 0.0
	constrained := false
	for _, c := range v.Capacities {
		if c.Limit <= 0 {
			continue
		}
		constrained = true
		load := 0.0
		for _, id := range r.ServiceIDs() {
			if s := services[id]; s != nil {
				load += s.Quantity(c.UnitID)
			}
		}
		fill = math.Max(fill, load/c.Limit)
	}
	if v.Duration > 0 {
		constrained = true
		fill = math.Max(fill, r.TotalTime/v.Duration)
	}
	return fill, constrained
}
