package model

// Core domain types for the routing problem and its solution.
// Times inside a problem (activity durations, time windows, matrix time)
// are seconds; resolution budgets are milliseconds.

type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Point struct {
	ID          string    `json:"id"`
	Location    *Location `json:"location,omitempty"`
	MatrixIndex int       `json:"matrix_index"`
}

type Unit struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

type Quantity struct {
	UnitID string  `json:"unit_id"`
	Value  float64 `json:"value"`
}

type Capacity struct {
	UnitID string  `json:"unit_id"`
	Limit  float64 `json:"limit"`
}

type TimeWindow struct {
	Start float64 `json:"start"`
	End   float64 `json:"end,omitempty"` // 0 means open
}

type Activity struct {
	PointID        string       `json:"point_id"`
	Duration       float64      `json:"duration,omitempty"`
	TimeWindows    []TimeWindow `json:"timewindows,omitempty"`
	LateMultiplier float64      `json:"late_multiplier,omitempty"`
}

type Service struct {
	ID               string     `json:"id"`
	Activity         *Activity  `json:"activity,omitempty"`
	Activities       []Activity `json:"activities,omitempty"`
	Skills           []string   `json:"skills,omitempty"`
	StickyVehicleIDs []string   `json:"sticky_vehicle_ids,omitempty"`
	Quantities       []Quantity `json:"quantities,omitempty"`
	// ExclusionCost is the caller-provided penalty; zero means derive it.
	ExclusionCost float64 `json:"exclusion_cost,omitempty"`
	// Penalty is the effective exclusion cost handed to the solver.
	Penalty float64 `json:"-"`
}

// PrimaryActivity returns the single activity, or the first alternative.
func (s *Service) PrimaryActivity() *Activity {
	if s.Activity != nil {
		return s.Activity
	}
	if len(s.Activities) > 0 {
		return &s.Activities[0]
	}
	return nil
}

// Quantity returns the demand of the service for a unit.
func (s *Service) Quantity(unitID string) float64 {
	total := 0.0
	for _, q := range s.Quantities {
		if q.UnitID == unitID {
			total += q.Value
		}
	}
	return total
}

type Shipment struct {
	ID              string `json:"id"`
	PickupPointID   string `json:"pickup_point_id"`
	DeliveryPointID string `json:"delivery_point_id"`
}

type Vehicle struct {
	ID                     string      `json:"id"`
	Skills                 [][]string  `json:"skills,omitempty"` // alternative skill sets
	CostFixed              float64     `json:"cost_fixed,omitempty"`
	CostDistanceMultiplier float64     `json:"cost_distance_multiplier,omitempty"`
	CostTimeMultiplier     float64     `json:"cost_time_multiplier,omitempty"`
	StartPointID           string      `json:"start_point_id,omitempty"`
	EndPointID             string      `json:"end_point_id,omitempty"`
	Capacities             []Capacity  `json:"capacities,omitempty"`
	TimeWindow             *TimeWindow `json:"timewindow,omitempty"`
	Duration               float64     `json:"duration,omitempty"` // max route duration, seconds
	RouterMode             string      `json:"router_mode,omitempty"`
	RouterDimension        string      `json:"router_dimension,omitempty"`
	MatrixID               string      `json:"matrix_id,omitempty"`
}

// Capacity returns the vehicle limit for a unit, zero when unconstrained.
func (v *Vehicle) Capacity(unitID string) float64 {
	for _, c := range v.Capacities {
		if c.UnitID == unitID {
			return c.Limit
		}
	}
	return 0
}

// NeedMatrixTime reports whether routing this vehicle needs travel times.
func (v *Vehicle) NeedMatrixTime() bool {
	return v.RouterDimension == "" || v.RouterDimension == "time" || v.CostTimeMultiplier > 0 ||
		v.Duration > 0 || v.TimeWindow != nil
}

// NeedMatrixDistance reports whether routing this vehicle needs distances.
func (v *Vehicle) NeedMatrixDistance() bool {
	return v.RouterDimension == "distance" || v.CostDistanceMultiplier > 0
}

type Matrix struct {
	ID       string      `json:"id"`
	Time     [][]float64 `json:"time,omitempty"`
	Distance [][]float64 `json:"distance,omitempty"`
	Value    [][]float64 `json:"value,omitempty"`
}

// Route is an initial (seeded) route: a vehicle and its ordered missions.
type Route struct {
	VehicleID  string   `json:"vehicle_id"`
	MissionIDs []string `json:"mission_ids"`
}

type Schedule struct {
	StartIndex int `json:"start_index"`
	EndIndex   int `json:"end_index"`
}

// Resolution holds the solve budget and the divide-and-conquer parameters.
// Zero values mean unset, except for a vehicle limit assigned through
// SetVehicleLimit: a branch may be handed a limit of zero.
type Resolution struct {
	Duration                   int64   `json:"duration,omitempty"`
	MinimumDuration            int64   `json:"minimum_duration,omitempty"`
	InitDuration               int64   `json:"init_duration,omitempty"`
	VehicleLimit               int     `json:"vehicle_limit,omitempty"`
	DichoAlgorithmVehicleLimit int     `json:"dicho_algorithm_vehicle_limit,omitempty"`
	DichoAlgorithmServiceLimit int     `json:"dicho_algorithm_service_limit,omitempty"`
	DichoDivisionVehicleLimit  int     `json:"dicho_division_vehicle_limit,omitempty"`
	DichoDivisionServiceLimit  int     `json:"dicho_division_service_limit,omitempty"`
	DichoLevelCoeff            float64 `json:"-"`
	SplitNumber                int     `json:"split_number,omitempty"`
	TotalSplitNumber           int     `json:"total_split_number,omitempty"`
	AllowEmptyResult           bool    `json:"allow_empty_result,omitempty"`
	Seed                       int64   `json:"seed,omitempty"`

	vehicleLimitSet bool
}

// SetVehicleLimit assigns the vehicle limit, zero included.
func (r *Resolution) SetVehicleLimit(n int) {
	r.VehicleLimit = n
	r.vehicleLimitSet = true
}

// HasVehicleLimit reports whether the vehicle limit was given or assigned.
func (r Resolution) HasVehicleLimit() bool { return r.VehicleLimit > 0 || r.vehicleLimitSet }

type Problem struct {
	ID         string      `json:"id,omitempty"`
	Name       string      `json:"name,omitempty"`
	Points     []*Point    `json:"points"`
	Units      []*Unit     `json:"units,omitempty"`
	Services   []*Service  `json:"services"`
	Shipments  []*Shipment `json:"shipments,omitempty"`
	Vehicles   []*Vehicle  `json:"vehicles"`
	Matrices   []*Matrix   `json:"matrices,omitempty"`
	Routes     []Route     `json:"routes,omitempty"`
	Resolution Resolution  `json:"resolution"`
	Schedule   *Schedule   `json:"schedule,omitempty"`
}

// Instance is one node of the divide-and-conquer recursion.
type Instance struct {
	Level   int
	Problem *Problem
	Service string
}

func (p *Problem) Point(id string) *Point {
	for _, pt := range p.Points {
		if pt.ID == id {
			return pt
		}
	}
	return nil
}

func (p *Problem) Vehicle(id string) *Vehicle {
	for _, v := range p.Vehicles {
		if v.ID == id {
			return v
		}
	}
	return nil
}

// PointIndex maps point ids to points.
func (p *Problem) PointIndex() map[string]*Point {
	out := make(map[string]*Point, len(p.Points))
	for _, pt := range p.Points {
		out[pt.ID] = pt
	}
	return out
}

// ServiceIndex maps service ids to services.
func (p *Problem) ServiceIndex() map[string]*Service {
	out := make(map[string]*Service, len(p.Services))
	for _, s := range p.Services {
		out[s.ID] = s
	}
	return out
}

// Scheduling reports whether the problem is a recurring/scheduling variant.
func (p *Problem) Scheduling() bool { return p.Schedule != nil }

// Matrix returns the matrix a vehicle routes on, or the first one.
func (p *Problem) Matrix(v *Vehicle) *Matrix {
	if v != nil && v.MatrixID != "" {
		for _, m := range p.Matrices {
			if m.ID == v.MatrixID {
				return m
			}
		}
	}
	if len(p.Matrices) > 0 {
		return p.Matrices[0]
	}
	return nil
}

// EffectiveVehicleLimit returns the vehicle limit, defaulting to the fleet
// size when none was set.
func (p *Problem) EffectiveVehicleLimit() int {
	if p.Resolution.HasVehicleLimit() {
		return p.Resolution.VehicleLimit
	}
	return len(p.Vehicles)
}

// RoutedMissionCount counts missions already placed in initial routes.
func (p *Problem) RoutedMissionCount() int {
	n := 0
	for _, r := range p.Routes {
		n += len(r.MissionIDs)
	}
	return n
}

func (s *Service) Clone() *Service {
	c := *s
	if s.Activity != nil {
		a := s.Activity.clone()
		c.Activity = &a
	}
	if s.Activities != nil {
		c.Activities = make([]Activity, len(s.Activities))
		for i := range s.Activities {
			c.Activities[i] = s.Activities[i].clone()
		}
	}
	c.Skills = append([]string(nil), s.Skills...)
	c.StickyVehicleIDs = append([]string(nil), s.StickyVehicleIDs...)
	c.Quantities = append([]Quantity(nil), s.Quantities...)
	return &c
}

func (a Activity) clone() Activity {
	a.TimeWindows = append([]TimeWindow(nil), a.TimeWindows...)
	return a
}

func (v *Vehicle) Clone() *Vehicle {
	c := *v
	c.Skills = make([][]string, len(v.Skills))
	for i, set := range v.Skills {
		c.Skills[i] = append([]string(nil), set...)
	}
	c.Capacities = append([]Capacity(nil), v.Capacities...)
	if v.TimeWindow != nil {
		tw := *v.TimeWindow
		c.TimeWindow = &tw
	}
	return &c
}

func (pt *Point) Clone() *Point {
	c := *pt
	if pt.Location != nil {
		loc := *pt.Location
		c.Location = &loc
	}
	return &c
}
