package dicho

import (
	"github.com/Pierre-Graber/optimizer-api/internal/model"
)

// TransferUnusedVehicles moves the vehicles branch 0 did not use, with their
// depots, to branch 1 and hands over the unused part of branch 0's vehicle
// limit, or takes back what branch 0 used beyond its own. Vehicles with an
// empty route go first, then vehicles that appear in no route. It returns
// the ids of the moved vehicles.
func TransferUnusedVehicles(result *model.Result, subs []*model.Instance, ledger *Ledger) ([]string, error) {
	if result == nil || len(subs) != 2 {
		return nil, nil
	}
	zero, one := subs[0].Problem, subs[1].Problem

	var moved []string
	move := func(v *model.Vehicle) error {
		if ledger != nil {
			if err := ledger.Move(v.ID, zero.ID, one.ID); err != nil {
				return err
			}
		}
		zero.Vehicles = removeVehicle(zero.Vehicles, v.ID)
		one.Vehicles = append(one.Vehicles, v)
		for _, id := range []string{v.StartPointID, v.EndPointID} {
			if id == "" || one.Point(id) != nil {
				continue
			}
			if pt := zero.Point(id); pt != nil {
				one.Points = append(one.Points, pt.Clone())
			}
		}
		moved = append(moved, v.ID)
		return nil
	}

	for i := range result.Routes {
		r := &result.Routes[i]
		if r.Used() {
			continue
		}
		if v := zero.Vehicle(r.VehicleID); v != nil {
			if err := move(v); err != nil {
				return moved, err
			}
		}
	}
	routed := map[string]struct{}{}
	for _, r := range result.Routes {
		routed[r.VehicleID] = struct{}{}
	}
	for _, v := range append([]*model.Vehicle(nil), zero.Vehicles...) {
		if _, ok := routed[v.ID]; ok {
			continue
		}
		if err := move(v); err != nil {
			return moved, err
		}
	}

	// branch 0 keeps what it used; an overdraft is taken back from branch 1
	// as far as its limit allows
	delta := zero.Resolution.VehicleLimit - result.UsedRouteCount()
	if one.Resolution.VehicleLimit+delta < 0 {
		delta = -one.Resolution.VehicleLimit
	}
	one.Resolution.SetVehicleLimit(one.Resolution.VehicleLimit + delta)
	zero.Resolution.SetVehicleLimit(zero.Resolution.VehicleLimit - delta)
	return moved, nil
}

func removeVehicle(vehicles []*model.Vehicle, id string) []*model.Vehicle {
	out := vehicles[:0]
	for _, v := range vehicles {
		if v.ID != id {
			out = append(out, v)
		}
	}
	return out
}
