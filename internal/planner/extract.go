package planner

import (
	"math"

	"medroute/internal/model"
	"medroute/internal/opt"
)

// Drop reasons.
const (
	ReasonNoColdChainVehicle = "no compatible refrigerated vehicle"
	ReasonExceedsCapacity    = "exceeds every vehicle's capacity"
	ReasonWindowUnreachable  = "time window unreachable"
	ReasonFleetExhausted     = "fleet capacity exhausted"
)

// Outcome is what happened to one shipment: Assigned or Dropped.
type Outcome interface {
	ShipmentID() string
	outcome()
}

type Assigned struct {
	Shipment  string
	VehicleID string
	Stop      model.Stop
}

type Dropped struct {
	Shipment string
	Reason   string
}

func (a Assigned) ShipmentID() string { return a.Shipment }
func (d Dropped) ShipmentID() string  { return d.Shipment }
func (Assigned) outcome()             {}
func (Dropped) outcome()              {}

// Extract reads routes and per-shipment outcomes from a solved model.
// Outcomes follow the model's shipment order.
func Extract(cm *ConstraintModel, a *opt.Assignment) ([]model.Route, []Outcome) {
	outcomes := make([]Outcome, len(cm.Shipments))
	var routes []model.Route

	for v, path := range a.Routes {
		if !a.Used(v) {
			continue
		}
		veh := cm.Vehicles[v]
		r := model.Route{VehicleID: veh.ID, Stops: make([]model.Stop, 0, len(path))}
		// Loads are summed from the shipments, not read from the rounded
		// capacity cumuls, so Validate sees the real figures.
		var kg, m3 float64
		for pos, node := range path {
			if node != 0 {
				kg += cm.Shipments[node-1].WeightKg
				m3 += cm.Shipments[node-1].VolumeM3
			}
			st := model.Stop{
				LocationIndex:  node,
				SequenceOrder:  pos,
				ArrivalMinutes: int(a.Cumul(DimTime, v, pos)),
				LoadKg:         roundLoad(kg),
				LoadM3:         roundLoad(m3),
			}
			if node != 0 && pos > 0 && pos < len(path)-1 {
				s := cm.Shipments[node-1]
				st.ShipmentID = s.ID
				r.ShipmentCount++
				r.HasColdChainProducts = r.HasColdChainProducts || s.RequiresColdChain
				outcomes[node-1] = Assigned{Shipment: s.ID, VehicleID: veh.ID, Stop: st}
			}
			r.TotalLoadKg = math.Max(r.TotalLoadKg, st.LoadKg)
			r.TotalLoadM3 = math.Max(r.TotalLoadM3, st.LoadM3)
			if pos > 0 {
				r.TotalDistanceKm += cm.Matrix.DistanceKm[path[pos-1]][node]
			}
			r.Stops = append(r.Stops, st)
		}
		r.TotalDistanceKm = round2(r.TotalDistanceKm)
		// duration, end minus start
		r.TotalTimeMinutes = r.Stops[len(r.Stops)-1].ArrivalMinutes - r.Stops[0].ArrivalMinutes
		r.Cost = round2(r.TotalDistanceKm * veh.CostPerKm)
		routes = append(routes, r)
	}

	for _, node := range a.Dropped {
		s := cm.Shipments[node-1]
		outcomes[node-1] = Dropped{Shipment: s.ID, Reason: cm.classifyDrop(node)}
	}
	return routes, outcomes
}

// classifyDrop names the most specific reason a node was left out.
func (cm *ConstraintModel) classifyDrop(node int) string {
	if r, ok := cm.ForcedDrops[node]; ok {
		return r
	}
	s := cm.Shipments[node-1]
	fits, reachable := false, false
	for _, veh := range cm.Vehicles {
		if !ColdChainCompatible(s, veh) {
			continue
		}
		if cm.weight[node] <= capacityUnits(veh.CapacityKg, weightScale) && cm.volume[node] <= capacityUnits(veh.CapacityM3, volumeScale) {
			fits = true
		}
	}
	if !fits {
		return ReasonExceedsCapacity
	}
	arrive := cm.departure + cm.travel[0][node]
	if arrive < cm.winStart[node] {
		arrive = cm.winStart[node]
	}
	back := arrive + cm.service[node] + cm.travel[node][0]
	if arrive <= cm.winEnd[node] && back <= int64(cm.Params.Horizon) {
		reachable = true
	}
	if !reachable {
		return ReasonWindowUnreachable
	}
	return ReasonFleetExhausted
}

func round2(x float64) float64 { return math.Round(x*100) / 100 }

// roundLoad drops float summation noise (3 x 0.1 m3 is 0.3, not 0.30000000000000004).
func roundLoad(x float64) float64 { return math.Round(x*1e6) / 1e6 }
