package model

import "time"

// Persistence-ready aggregates produced from a Solution.

const (
	StopTypeDepot    = "depot"
	StopTypeDelivery = "delivery"
	StopTypeReturn   = "return"
)

// Route lifecycle states.
const (
	RouteDraft      = "draft"
	RouteActive     = "active"
	RouteInProgress = "in_progress"
	RouteCompleted  = "completed"
	RouteCancelled  = "cancelled"
)

// Plan is one optimization run as persisted.
type Plan struct {
	ID                     string         `json:"id"`
	TenantID               string         `json:"tenantId"`
	DepotID                string         `json:"depotId"`
	PlanDate               string         `json:"planDate"`
	Strategy               Strategy       `json:"strategy"`
	Status                 Status         `json:"status"`
	OptimizationScore      float64        `json:"optimizationScore"`
	TotalDistanceKm        float64        `json:"totalDistanceKm"`
	TotalTimeMinutes       int            `json:"totalTimeMinutes"`
	TotalCost              float64        `json:"totalCost"`
	ComputationTimeSeconds float64        `json:"computationTimeSeconds"`
	Warnings               []string       `json:"warnings,omitempty"`
	Errors                 []string       `json:"errors,omitempty"`
	Unassigned             []Unassigned   `json:"unassigned,omitempty"`
	Routes                 []PlannedRoute `json:"routes"`
	CreatedAt              time.Time      `json:"createdAt"`
}

type PlannedRoute struct {
	ID                   string             `json:"id"`
	PlanID               string             `json:"planId"`
	RouteCode            string             `json:"routeCode"`
	VehicleID            string             `json:"vehicleId"`
	DriverName           string             `json:"driverName,omitempty"`
	Status               string             `json:"status"`
	Version              int                `json:"version"`
	PlanDate             string             `json:"planDate"`
	TotalDistanceKm      float64            `json:"totalDistanceKm"`
	EstimatedDurationMin int                `json:"estimatedDurationMinutes"`
	TotalShipments       int                `json:"totalShipments"`
	TotalStops           int                `json:"totalStops"`
	TotalWeightKg        float64            `json:"totalWeightKg"`
	TotalVolumeM3        float64            `json:"totalVolumeM3"`
	EstimatedCost        float64            `json:"estimatedCost"`
	OptimizationScore    float64            `json:"optimizationScore"`
	HasColdChainProducts bool               `json:"hasColdChainProducts"`
	EstimatedStart       *time.Time         `json:"estimatedStart,omitempty"`
	EstimatedEnd         *time.Time         `json:"estimatedEnd,omitempty"`
	Stops                []RouteStopRecord  `json:"stops"`
	Assignments          []AssignmentRecord `json:"assignments"`
}

type RouteStopRecord struct {
	ID               string     `json:"id"`
	RouteID          string     `json:"routeId"`
	SequenceOrder    int        `json:"sequenceOrder"`
	StopType         string     `json:"stopType"`
	LocationIndex    int        `json:"locationIndex"`
	CustomerName     string     `json:"customerName,omitempty"`
	Address          string     `json:"address,omitempty"`
	Location         GeoPoint   `json:"location"`
	EstimatedArrival *time.Time `json:"estimatedArrival,omitempty"`
	ArrivalMinutes   int        `json:"arrivalMinutes"`
	LoadKg           float64    `json:"loadKg"`
	LoadM3           float64    `json:"loadM3"`
}

type AssignmentRecord struct {
	ID                string  `json:"id"`
	RouteID           string  `json:"routeId"`
	StopID            string  `json:"stopId"`
	ShipmentID        string  `json:"shipmentId"`
	OrderNumber       string  `json:"orderNumber,omitempty"`
	RequiresColdChain bool    `json:"requiresColdChain"`
	WeightKg          float64 `json:"weightKg"`
	VolumeM3          float64 `json:"volumeM3"`
	ClinicalPriority  int     `json:"clinicalPriority"`
}

// ToRoute reads a persisted route back into the solution shape.
func (pr PlannedRoute) ToRoute() Route {
	r := Route{
		VehicleID:            pr.VehicleID,
		TotalDistanceKm:      pr.TotalDistanceKm,
		TotalTimeMinutes:     pr.EstimatedDurationMin,
		TotalLoadKg:          pr.TotalWeightKg,
		TotalLoadM3:          pr.TotalVolumeM3,
		HasColdChainProducts: pr.HasColdChainProducts,
		Cost:                 pr.EstimatedCost,
		ShipmentCount:        pr.TotalShipments,
	}
	byStop := make(map[string]string, len(pr.Assignments))
	for _, a := range pr.Assignments {
		byStop[a.StopID] = a.ShipmentID
	}
	for _, st := range pr.Stops {
		r.Stops = append(r.Stops, Stop{
			LocationIndex:  st.LocationIndex,
			ShipmentID:     byStop[st.ID],
			SequenceOrder:  st.SequenceOrder,
			ArrivalMinutes: st.ArrivalMinutes,
			LoadKg:         st.LoadKg,
			LoadM3:         st.LoadM3,
		})
	}
	return r
}

// ToSolutionRoutes reads every persisted route back.
func (p Plan) ToSolutionRoutes() []Route {
	out := make([]Route, 0, len(p.Routes))
	for _, pr := range p.Routes {
		out = append(out, pr.ToRoute())
	}
	return out
}

// RoutePatch updates mutable route fields.
type RoutePatch struct {
	Status     string `json:"status,omitempty"`
	DriverName string `json:"driverName,omitempty"`
}

// CanTransition reports whether a route may move from one status to another.
func CanTransition(from, to string) bool {
	switch from {
	case RouteDraft:
		return to == RouteActive || to == RouteCancelled
	case RouteActive:
		return to == RouteInProgress || to == RouteCancelled || to == RouteDraft
	case RouteInProgress:
		return to == RouteCompleted || to == RouteCancelled
	}
	return false
}
