package planner

import (
	"math"

	"medroute/internal/model"
)

// Score rates a solution from 0 to 100: share of shipments assigned, mean
// peak utilisation of the used vehicles, and how evenly route distances are
// spread (coefficient of variation).
func Score(sol model.Solution, vehicles []model.Vehicle, totalShipments int, w ScoreWeights) float64 {
	if len(sol.Routes) == 0 || totalShipments == 0 {
		return 0
	}
	byID := make(map[string]model.Vehicle, len(vehicles))
	for _, v := range vehicles {
		byID[v.ID] = v
	}

	assignment := float64(sol.AssignedCount()) / float64(totalShipments) * w.Assignment

	var utilSum float64
	for _, r := range sol.Routes {
		v := byID[r.VehicleID]
		utilSum += math.Max(ratio(r.TotalLoadKg, v.CapacityKg), ratio(r.TotalLoadM3, v.CapacityM3))
	}
	utilization := utilSum / float64(len(sol.Routes)) * w.Utilization

	balance := w.Balance
	if len(sol.Routes) > 1 {
		var mean float64
		for _, r := range sol.Routes {
			mean += r.TotalDistanceKm
		}
		mean /= float64(len(sol.Routes))
		var variance float64
		for _, r := range sol.Routes {
			variance += (r.TotalDistanceKm - mean) * (r.TotalDistanceKm - mean)
		}
		variance /= float64(len(sol.Routes))
		cv := 0.0
		if mean > 0 {
			cv = math.Sqrt(variance) / mean
		}
		balance = math.Max(0, w.Balance-w.BalanceCVFactor*cv)
	}

	return round2(math.Min(100, assignment+utilization+balance))
}

func ratio(x, capacity float64) float64 {
	if capacity <= 0 {
		return 0
	}
	return x / capacity
}
