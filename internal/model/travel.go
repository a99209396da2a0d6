package model

import "math"

// FallbackSpeed is used when no matrix covers a pair of points (m/s, 50 km/h).
const FallbackSpeed = 50.0 / 3.6

// Unreachable is the value routers use for cells without a path.
const Unreachable = 2147483647.0

func Haversine(a, b Location) float64 {
	const R = 6371000.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return R * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// TravelTime returns seconds from one point to another for a vehicle,
// reading its matrix when available.
func (p *Problem) TravelTime(v *Vehicle, from, to *Point) float64 {
	if from == nil || to == nil || from.ID == to.ID {
		return 0
	}
	if m := p.Matrix(v); m != nil {
		if val, ok := cell(m.Time, from.MatrixIndex, to.MatrixIndex); ok {
			return val
		}
		if val, ok := cell(m.Distance, from.MatrixIndex, to.MatrixIndex); ok {
			return val / FallbackSpeed
		}
	}
	return straightLine(from, to) / FallbackSpeed
}

// TravelDistance returns meters from one point to another for a vehicle.
func (p *Problem) TravelDistance(v *Vehicle, from, to *Point) float64 {
	if from == nil || to == nil || from.ID == to.ID {
		return 0
	}
	if m := p.Matrix(v); m != nil {
		if val, ok := cell(m.Distance, from.MatrixIndex, to.MatrixIndex); ok {
			return val
		}
		if val, ok := cell(m.Time, from.MatrixIndex, to.MatrixIndex); ok {
			return val * FallbackSpeed
		}
	}
	return straightLine(from, to)
}

func cell(m [][]float64, i, j int) (float64, bool) {
	if i < 0 || j < 0 || i >= len(m) || j >= len(m[i]) {
		return 0, false
	}
	return m[i][j], true
}

func straightLine(from, to *Point) float64 {
	if from.Location == nil || to.Location == nil {
		return 0
	}
	return Haversine(*from.Location, *to.Location)
}

// ComputeExclusionCosts sets the effective exclusion cost of every service.
// A positive input cost is used as is; otherwise the cost is the time of a
// round trip from the mean vehicle start plus the activity duration, scaled
// by the highest time multiplier of the fleet. Services that already carry
// an effective cost are skipped unless force is set.
func (p *Problem) ComputeExclusionCosts(force bool) {
	multiplier := 0.0
	for _, v := range p.Vehicles {
		multiplier = math.Max(multiplier, v.CostTimeMultiplier)
	}
	if multiplier == 0 {
		multiplier = 1
	}
	points := p.PointIndex()
	for _, s := range p.Services {
		if s.Penalty > 0 && !force {
			continue
		}
		if s.ExclusionCost > 0 {
			s.Penalty = s.ExclusionCost
			continue
		}
		act := s.PrimaryActivity()
		if act == nil {
			s.Penalty = 1
			continue
		}
		to := points[act.PointID]
		total, n := 0.0, 0
		for _, v := range p.Vehicles {
			if v.StartPointID == "" {
				continue
			}
			total += p.TravelTime(v, points[v.StartPointID], to)
			n++
		}
		mean := 0.0
		if n > 0 {
			mean = total / float64(n)
		}
		s.Penalty = math.Max((2*mean+act.Duration)*multiplier, 1)
	}
}
