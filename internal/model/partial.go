package model

import "github.com/google/uuid"

// Builder builds partial problems out of a parent problem.
type Builder struct{}

func (Builder) Build(parent *Problem, serviceIDs, vehicleIDs []string) *Problem {
	return BuildPartial(parent, serviceIDs, vehicleIDs)
}

// BuildPartial returns a new problem restricted to the given services and
// vehicles (all vehicles when vehicleIDs is nil). Services, vehicles and
// points are copied; matrices are shared read-only with the parent, so the
// matrix indices of the retained points stay valid. The parent is not
// modified.
func BuildPartial(parent *Problem, serviceIDs, vehicleIDs []string) *Problem {
	sub := &Problem{
		ID:         uuid.NewString(),
		Name:       parent.Name,
		Units:      parent.Units,
		Matrices:   parent.Matrices,
		Resolution: parent.Resolution,
	}
	if parent.Schedule != nil {
		sch := *parent.Schedule
		sub.Schedule = &sch
	}

	wantSvc := toSet(serviceIDs)
	for _, s := range parent.Services {
		if _, ok := wantSvc[s.ID]; ok {
			sub.Services = append(sub.Services, s.Clone())
		}
	}
	var wantVeh map[string]struct{}
	if vehicleIDs != nil {
		wantVeh = toSet(vehicleIDs)
	}
	for _, v := range parent.Vehicles {
		if wantVeh != nil {
			if _, ok := wantVeh[v.ID]; !ok {
				continue
			}
		}
		sub.Vehicles = append(sub.Vehicles, v.Clone())
	}

	usedPoints := map[string]struct{}{}
	for _, s := range sub.Services {
		if s.Activity != nil {
			usedPoints[s.Activity.PointID] = struct{}{}
		}
		for _, a := range s.Activities {
			usedPoints[a.PointID] = struct{}{}
		}
	}
	for _, v := range sub.Vehicles {
		if v.StartPointID != "" {
			usedPoints[v.StartPointID] = struct{}{}
		}
		if v.EndPointID != "" {
			usedPoints[v.EndPointID] = struct{}{}
		}
	}
	for _, pt := range parent.Points {
		if _, ok := usedPoints[pt.ID]; ok {
			sub.Points = append(sub.Points, pt.Clone())
		}
	}

	for _, r := range parent.Routes {
		if sub.Vehicle(r.VehicleID) == nil {
			continue
		}
		var missions []string
		for _, id := range r.MissionIDs {
			if _, ok := wantSvc[id]; ok {
				missions = append(missions, id)
			}
		}
		if len(missions) > 0 {
			sub.Routes = append(sub.Routes, Route{VehicleID: r.VehicleID, MissionIDs: missions})
		}
	}
	return sub
}

// RemapMatrices rebuilds compact matrices for child from the parent's
// matrices and renumbers the child's points. Points unknown to the parent
// keep their index and are left out of the rebuilt matrices.
func RemapMatrices(parent, child *Problem) {
	if len(parent.Matrices) == 0 {
		return
	}
	var indices []int
	var remapped []*Point
	for _, pt := range child.Points {
		pp := parent.Point(pt.ID)
		if pp == nil {
			continue
		}
		indices = append(indices, pp.MatrixIndex)
		remapped = append(remapped, pt)
	}
	for i, pt := range remapped {
		pt.MatrixIndex = i
	}
	matrices := make([]*Matrix, 0, len(parent.Matrices))
	for _, m := range parent.Matrices {
		matrices = append(matrices, &Matrix{
			ID:       m.ID,
			Time:     subMatrix(m.Time, indices),
			Distance: subMatrix(m.Distance, indices),
			Value:    subMatrix(m.Value, indices),
		})
	}
	child.Matrices = matrices
}

func subMatrix(m [][]float64, indices []int) [][]float64 {
	if m == nil {
		return nil
	}
	out := make([][]float64, len(indices))
	for i, from := range indices {
		row := make([]float64, len(indices))
		for j, to := range indices {
			if from < len(m) && to < len(m[from]) {
				row[j] = m[from][to]
			}
		}
		out[i] = row
	}
	return out
}

func toSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
