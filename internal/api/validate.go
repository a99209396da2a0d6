package api

import (
	"fmt"
	"net/url"

	"github.com/Pierre-Graber/optimizer-api/internal/model"
)

// validateJobRequest rejects problems the solver could not index: missing
// entities, duplicate ids and dangling references.
func validateJobRequest(req *model.JobRequest) error {
	if req.CallbackURL != "" {
		u, err := url.Parse(req.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("callbackUrl must be an absolute http(s) URL")
		}
	}
	p := req.Problem
	if p == nil {
		return fmt.Errorf("problem is required")
	}
	if len(p.Vehicles) == 0 {
		return fmt.Errorf("problem has no vehicle")
	}
	if len(p.Services) == 0 && len(p.Shipments) == 0 {
		return fmt.Errorf("problem has no service")
	}
	points := map[string]bool{}
	for _, pt := range p.Points {
		if pt == nil || pt.ID == "" {
			return fmt.Errorf("point without id")
		}
		if points[pt.ID] {
			return fmt.Errorf("duplicate point id %s", pt.ID)
		}
		if pt.Location != nil && (pt.Location.Lat < -90 || pt.Location.Lat > 90 || pt.Location.Lon < -180 || pt.Location.Lon > 180) {
			return fmt.Errorf("point %s: location out of range", pt.ID)
		}
		points[pt.ID] = true
	}
	seen := map[string]bool{}
	for _, s := range p.Services {
		if s == nil || s.ID == "" {
			return fmt.Errorf("service without id")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate service id %s", s.ID)
		}
		seen[s.ID] = true
		acts := s.Activities
		if s.Activity != nil {
			acts = append([]model.Activity{*s.Activity}, acts...)
		}
		if len(acts) == 0 {
			return fmt.Errorf("service %s has no activity", s.ID)
		}
		for _, a := range acts {
			if !points[a.PointID] {
				return fmt.Errorf("service %s: unknown point %s", s.ID, a.PointID)
			}
			for _, tw := range a.TimeWindows {
				if tw.End != 0 && tw.End < tw.Start {
					return fmt.Errorf("service %s: time window ends before it starts", s.ID)
				}
			}
		}
	}
	for _, sh := range p.Shipments {
		if sh == nil || !points[sh.PickupPointID] || !points[sh.DeliveryPointID] {
			return fmt.Errorf("shipment with unknown points")
		}
	}
	matrices := map[string]bool{}
	for _, m := range p.Matrices {
		if m != nil {
			matrices[m.ID] = true
		}
	}
	vehicles := map[string]bool{}
	for _, v := range p.Vehicles {
		if v == nil || v.ID == "" {
			return fmt.Errorf("vehicle without id")
		}
		if vehicles[v.ID] {
			return fmt.Errorf("duplicate vehicle id %s", v.ID)
		}
		vehicles[v.ID] = true
		for _, id := range []string{v.StartPointID, v.EndPointID} {
			if id != "" && !points[id] {
				return fmt.Errorf("vehicle %s: unknown point %s", v.ID, id)
			}
		}
		if v.MatrixID != "" && len(p.Matrices) > 0 && !matrices[v.MatrixID] {
			return fmt.Errorf("vehicle %s: unknown matrix %s", v.ID, v.MatrixID)
		}
	}
	r := p.Resolution
	if r.Duration < 0 || r.MinimumDuration < 0 || r.VehicleLimit < 0 {
		return fmt.Errorf("resolution values must be >= 0")
	}
	if r.DichoAlgorithmVehicleLimit < 0 || r.DichoAlgorithmServiceLimit < 0 || r.DichoDivisionVehicleLimit < 0 || r.DichoDivisionServiceLimit < 0 {
		return fmt.Errorf("dicho limits must be >= 0")
	}
	return nil
}
