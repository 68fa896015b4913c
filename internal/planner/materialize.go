package planner

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"medroute/internal/model"
)

const planDateLayout = "2006-01-02"

type MaterializeInput struct {
	TenantID string
	// PlanDate is YYYY-MM-DD; arrival minutes are offsets from its midnight UTC.
	PlanDate string
	// ExistingRoutes is how many routes the depot already has that day;
	// route codes continue from there.
	ExistingRoutes int
	Now            time.Time
}

// RouteCode formats the human-facing route identifier.
func RouteCode(day time.Time, depotID string, seq int) string {
	if depotID == "" {
		depotID = "DEPOT"
	}
	return fmt.Sprintf("ROUTE-%s-%s-%03d", day.Format("20060102"), depotID, seq)
}

// Materialize turns a solution into persistable aggregates. shipments must
// be the list the solution's location indexes refer to (index i+1 is
// shipments[i]). No I/O happens here.
func Materialize(sol model.Solution, shipments []model.Shipment, vehicles []model.Vehicle, depot model.Depot, in MaterializeInput) (model.Plan, error) {
	day, err := time.Parse(planDateLayout, in.PlanDate)
	if err != nil {
		return model.Plan{}, fmt.Errorf("%w: plan date %q: %v", ErrInvalidInput, in.PlanDate, err)
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	vehByID := make(map[string]model.Vehicle, len(vehicles))
	for _, v := range vehicles {
		vehByID[v.ID] = v
	}
	at := func(minutes int) *time.Time {
		t := day.Add(time.Duration(minutes) * time.Minute)
		return &t
	}

	plan := model.Plan{
		ID:                     uuid.NewString(),
		TenantID:               in.TenantID,
		DepotID:                depot.ID,
		PlanDate:               in.PlanDate,
		Strategy:               sol.Strategy,
		Status:                 sol.Status,
		OptimizationScore:      sol.OptimizationScore,
		TotalDistanceKm:        sol.TotalDistanceKm,
		TotalTimeMinutes:       sol.TotalTimeMinutes,
		TotalCost:              sol.TotalCost,
		ComputationTimeSeconds: sol.ComputationTimeSeconds,
		Warnings:               sol.Warnings,
		Errors:                 sol.Errors,
		Unassigned:             sol.Unassigned,
		CreatedAt:              now,
	}

	for i, r := range sol.Routes {
		veh, ok := vehByID[r.VehicleID]
		if !ok {
			return model.Plan{}, fmt.Errorf("%w: route vehicle %s not in fleet", ErrInvalidInput, r.VehicleID)
		}
		pr := model.PlannedRoute{
			ID:                   uuid.NewString(),
			PlanID:               plan.ID,
			RouteCode:            RouteCode(day, depot.ID, in.ExistingRoutes+i+1),
			VehicleID:            veh.ID,
			DriverName:           veh.DriverName,
			Status:               model.RouteDraft,
			Version:              1,
			PlanDate:             in.PlanDate,
			TotalDistanceKm:      r.TotalDistanceKm,
			EstimatedDurationMin: r.TotalTimeMinutes,
			TotalShipments:       r.ShipmentCount,
			TotalStops:           len(r.Stops) - 2,
			TotalWeightKg:        r.TotalLoadKg,
			TotalVolumeM3:        r.TotalLoadM3,
			EstimatedCost:        r.Cost,
			OptimizationScore:    sol.OptimizationScore,
		}
		if len(r.Stops) > 0 {
			pr.EstimatedStart = at(r.Stops[0].ArrivalMinutes)
			pr.EstimatedEnd = at(r.Stops[len(r.Stops)-1].ArrivalMinutes)
		}

		for _, st := range r.Stops {
			rec := model.RouteStopRecord{
				ID:               uuid.NewString(),
				RouteID:          pr.ID,
				SequenceOrder:    st.SequenceOrder,
				LocationIndex:    st.LocationIndex,
				EstimatedArrival: at(st.ArrivalMinutes),
				ArrivalMinutes:   st.ArrivalMinutes,
				LoadKg:           st.LoadKg,
				LoadM3:           st.LoadM3,
			}
			switch {
			case st.LocationIndex == 0 && st.SequenceOrder == 0:
				rec.StopType = model.StopTypeDepot
			case st.LocationIndex == 0:
				rec.StopType = model.StopTypeReturn
			default:
				rec.StopType = model.StopTypeDelivery
			}
			if rec.StopType != model.StopTypeDelivery {
				rec.CustomerName = depot.Name
				rec.Address = depot.Address
				rec.Location = depot.Location
				pr.Stops = append(pr.Stops, rec)
				continue
			}
			if st.LocationIndex < 1 || st.LocationIndex > len(shipments) {
				return model.Plan{}, fmt.Errorf("%w: stop location %d out of range", ErrInvalidInput, st.LocationIndex)
			}
			s := shipments[st.LocationIndex-1]
			rec.CustomerName = s.CustomerName
			rec.Address = s.Address
			if s.Location != nil {
				rec.Location = *s.Location
			}
			pr.Stops = append(pr.Stops, rec)
			pr.Assignments = append(pr.Assignments, model.AssignmentRecord{
				ID:                uuid.NewString(),
				RouteID:           pr.ID,
				StopID:            rec.ID,
				ShipmentID:        s.ID,
				OrderNumber:       s.OrderNumber,
				RequiresColdChain: s.RequiresColdChain,
				WeightKg:          s.WeightKg,
				VolumeM3:          s.VolumeM3,
				ClinicalPriority:  s.Priority(),
			})
			pr.HasColdChainProducts = pr.HasColdChainProducts || s.RequiresColdChain
		}
		plan.Routes = append(plan.Routes, pr)
	}
	return plan, nil
}
