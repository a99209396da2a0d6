package dicho

import (
	"math"

	"github.com/Pierre-Graber/optimizer-api/internal/model"
)

const (
	defaultDuration         = 80000
	defaultMinimumDuration  = 70000
	durationShrink          = 2.66
	levelBalance            = 0.66666
	fixedCostFloor          = 1e6
	distanceMultiplierFloor = 0.05
	lowEffortDuration       = 1000
	splitUnassignedRatio    = 0.7
	poorlyPopulatedRatio    = 0.5
)

// algorithmLimits returns the thresholds above which the divide-and-conquer
// approach is used at all. Unset limits fall back to the division limits.
func algorithmLimits(r model.Resolution) (vehicles, services int) {
	vehicles, services = r.DichoAlgorithmVehicleLimit, r.DichoAlgorithmServiceLimit
	if vehicles == 0 {
		vehicles = r.DichoDivisionVehicleLimit
	}
	if services == 0 {
		services = r.DichoDivisionServiceLimit
	}
	return vehicles, services
}

// IsCandidate reports whether the instance goes through divide-and-conquer.
// Nested instances always do.
func IsCandidate(inst *model.Instance) bool {
	if inst.Level > 0 {
		return true
	}
	p := inst.Problem
	vehLimit, svcLimit := algorithmLimits(p.Resolution)
	for _, v := range p.Vehicles {
		if v.CostFixed != 0 {
			return false
		}
	}
	if len(p.Vehicles) < 2 || len(p.Vehicles) <= vehLimit {
		return false
	}
	if p.Resolution.VehicleLimit > 0 && p.Resolution.VehicleLimit <= vehLimit {
		return false
	}
	if len(p.Services)-p.RoutedMissionCount() <= svcLimit {
		return false
	}
	if p.Scheduling() || len(p.Shipments) > 0 {
		return false
	}
	for _, pt := range p.Points {
		if pt.Location == nil {
			return false
		}
	}
	return true
}

// LevelCoeff estimates how many levels it takes for the vehicle limit to
// reach the division limit, each level keeping levelBalance of the
// vehicles, and returns 2^(1/(levels-level)). It is 1 when the estimate is
// not above the current level.
func LevelCoeff(r model.Resolution, vehicleCount, level int) float64 {
	limit := r.VehicleLimit
	if limit <= 0 {
		limit = vehicleCount
	}
	if limit <= 0 {
		return 1
	}
	levels := math.Log(float64(r.DichoDivisionVehicleLimit)/float64(limit)) / math.Log(levelBalance)
	span := levels - float64(level)
	if math.IsNaN(span) || span <= 0 {
		return 1
	}
	coeff := math.Pow(2, 1/span)
	if math.IsInf(coeff, 0) || math.IsNaN(coeff) {
		return 1
	}
	return coeff
}

// ApplyFixedCostFloor gives idle-prone vehicles a large fixed cost and a
// minimal distance cost.
func ApplyFixedCostFloor(vehicles []*model.Vehicle) {
	for _, v := range vehicles {
		if v.CostFixed <= 0 {
			v.CostFixed = fixedCostFloor
		}
		if v.CostDistanceMultiplier == 0 {
			v.CostDistanceMultiplier = distanceMultiplierFloor
		}
	}
}

// Configure prepares the resolution parameters of an instance before it is
// solved or split.
func Configure(inst *model.Instance) {
	p := inst.Problem
	r := &p.Resolution
	r.AllowEmptyResult = true
	if inst.Level > 0 {
		r.Duration = shrink(r.Duration, defaultDuration)
		r.MinimumDuration = shrink(r.MinimumDuration, defaultMinimumDuration)
	}
	if inst.Level == 0 {
		r.DichoLevelCoeff = LevelCoeff(*r, len(p.Vehicles), inst.Level)
		ApplyFixedCostFloor(p.Vehicles)
		if r.SplitNumber == 0 {
			r.SplitNumber = 1
		}
		if r.TotalSplitNumber == 0 {
			r.TotalSplitNumber = 1
		}
	}
	if !r.HasVehicleLimit() {
		r.SetVehicleLimit(len(p.Vehicles))
	}
	if exceedsDivision(p) {
		r.InitDuration = lowEffortDuration
	} else {
		r.InitDuration = 0
	}
}

func shrink(d int64, def int64) int64 {
	if d == 0 {
		return def
	}
	return int64(float64(d) / durationShrink)
}

func exceedsDivision(p *model.Problem) bool {
	r := p.Resolution
	return len(p.Vehicles) > r.DichoDivisionVehicleLimit &&
		len(p.Services) > r.DichoDivisionServiceLimit &&
		r.VehicleLimit > r.DichoDivisionVehicleLimit
}

// UpdateExclusionCost escalates every effective exclusion cost of a nested
// instance by avg*(coeff^level-1).
func UpdateExclusionCost(inst *model.Instance) {
	p := inst.Problem
	if inst.Level == 0 || len(p.Services) == 0 {
		return
	}
	coeff := p.Resolution.DichoLevelCoeff
	if coeff < 1 {
		coeff = 1
	}
	sum := 0.0
	for _, s := range p.Services {
		sum += s.Penalty
	}
	avg := sum / float64(len(p.Services))
	bump := avg * (math.Pow(coeff, float64(inst.Level)) - 1)
	for _, s := range p.Services {
		s.Penalty += bump
	}
}

// IsFeasible reports whether a result is usable as is: false when it is
// missing, when every service is unassigned, or when an unassigned service
// has no reason.
func IsFeasible(result *model.Result, p *model.Problem) bool {
	if result == nil {
		return false
	}
	if len(result.Unassigned) == len(p.Services) && len(p.Services) > 0 {
		return false
	}
	for _, u := range result.Unassigned {
		if u.Reason == "" {
			return false
		}
	}
	return true
}

// shouldSplit decides whether an instance is divided further. Each side of
// a split needs a vehicle limit of at least one.
func shouldSplit(result *model.Result, p *model.Problem) bool {
	mostlyUnassigned := result == nil ||
		float64(len(result.Unassigned)) >= splitUnassignedRatio*float64(len(p.Services))
	return mostlyUnassigned && !IsFeasible(result, p) &&
		len(p.Vehicles) >= 2 && len(p.Services) >= 2 &&
		p.EffectiveVehicleLimit() >= 2 &&
		len(p.Vehicles) > p.Resolution.DichoDivisionVehicleLimit &&
		len(p.Services) > p.Resolution.DichoDivisionServiceLimit
}
