package planner

import (
	"fmt"

	"medroute/internal/model"
)

// Validate re-checks a finished solution against the fleet and the input
// shipments. It never changes the solution; callers append the findings.
func Validate(sol model.Solution, vehicles []model.Vehicle, shipments []model.Shipment, lim ValidationLimits) (errs, warns []string) {
	if sol.Status == model.StatusFailed {
		return []string{"solver run failed"}, nil
	}
	if len(sol.Routes) == 0 {
		errs = append(errs, "no routes were generated")
	}

	vehByID := make(map[string]model.Vehicle, len(vehicles))
	for _, v := range vehicles {
		vehByID[v.ID] = v
	}
	shipByID := make(map[string]model.Shipment, len(shipments))
	for _, s := range shipments {
		shipByID[s.ID] = s
	}

	for i, r := range sol.Routes {
		e, w := validateRoute(i+1, r, vehByID, shipByID, lim)
		errs = append(errs, e...)
		warns = append(warns, w...)
	}

	if n := len(sol.Unassigned); n > 0 {
		warns = append(warns, fmt.Sprintf("%d shipment(s) left unassigned", n))
	}

	seen := map[string]bool{}
	for _, r := range sol.Routes {
		for _, id := range r.ShipmentIDs() {
			if seen[id] {
				errs = append(errs, fmt.Sprintf("shipment %s assigned to more than one route", id))
			}
			seen[id] = true
			if _, ok := shipByID[id]; !ok {
				errs = append(errs, fmt.Sprintf("route contains unknown shipment %s", id))
			}
		}
	}
	return errs, warns
}

func validateRoute(n int, r model.Route, vehicles map[string]model.Vehicle, shipments map[string]model.Shipment, lim ValidationLimits) (errs, warns []string) {
	v, ok := vehicles[r.VehicleID]
	if !ok {
		return []string{fmt.Sprintf("route %d: vehicle %s not found", n, r.VehicleID)}, nil
	}

	checkLoad := func(what, unit string, load, capacity float64) {
		switch {
		case load > capacity:
			errs = append(errs, fmt.Sprintf("route %d: %s overload %.2f %s of %.2f %s", n, what, load, unit, capacity, unit))
		case capacity > 0 && load > capacity*lim.LoadWarnRatio:
			warns = append(warns, fmt.Sprintf("route %d: %s load at %.1f%% of capacity", n, what, load/capacity*100))
		}
	}
	checkLoad("weight", "kg", r.TotalLoadKg, v.CapacityKg)
	checkLoad("volume", "m3", r.TotalLoadM3, v.CapacityM3)

	switch {
	case r.TotalDistanceKm > lim.MaxRouteDistanceKm:
		errs = append(errs, fmt.Sprintf("route %d: distance %.2f km exceeds %.0f km", n, r.TotalDistanceKm, lim.MaxRouteDistanceKm))
	case r.TotalDistanceKm > lim.MaxRouteDistanceKm*lim.WarnRatio:
		warns = append(warns, fmt.Sprintf("route %d: distance at %.1f%% of the maximum", n, r.TotalDistanceKm/lim.MaxRouteDistanceKm*100))
	}
	maxMin := float64(lim.MaxRouteMinutes)
	switch t := float64(r.TotalTimeMinutes); {
	case t > maxMin:
		errs = append(errs, fmt.Sprintf("route %d: duration %d min exceeds %d min", n, r.TotalTimeMinutes, lim.MaxRouteMinutes))
	case t > maxMin*lim.WarnRatio:
		warns = append(warns, fmt.Sprintf("route %d: duration at %.1f%% of the maximum", n, t/maxMin*100))
	}

	deliveries := 0
	for _, st := range r.Stops {
		if st.ShipmentID == "" {
			continue
		}
		deliveries++
		if s, ok := shipments[st.ShipmentID]; ok && !ColdChainCompatible(s, v) {
			errs = append(errs, fmt.Sprintf("route %d: cold-chain shipment %s on incompatible vehicle %s", n, s.ID, v.ID))
		}
	}
	maxStops := v.MaxStops
	if maxStops <= 0 {
		maxStops = DefaultParams().DefaultMaxStops
	}
	switch {
	case deliveries > maxStops:
		errs = append(errs, fmt.Sprintf("route %d: %d stops exceed the maximum of %d", n, deliveries, maxStops))
	case float64(deliveries) > float64(maxStops)*lim.WarnRatio:
		warns = append(warns, fmt.Sprintf("route %d: %d stops, close to the maximum of %d", n, deliveries, maxStops))
	}

	if len(r.Stops) < 2 {
		errs = append(errs, fmt.Sprintf("route %d: fewer than 2 stops", n))
		return errs, warns
	}
	if !r.Stops[0].IsDepot() {
		errs = append(errs, fmt.Sprintf("route %d: does not start at the depot", n))
	}
	if !r.Stops[len(r.Stops)-1].IsDepot() {
		errs = append(errs, fmt.Sprintf("route %d: does not end at the depot", n))
	}
	for i, st := range r.Stops {
		if st.SequenceOrder != i {
			errs = append(errs, fmt.Sprintf("route %d: stop %d has sequence %d", n, i, st.SequenceOrder))
		}
	}
	return errs, warns
}
