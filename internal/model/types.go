package model

// Core domain types for a single optimization run.

type GeoPoint struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// MinuteWindow is a [Start,End] interval in minutes from midnight.
type MinuteWindow struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

type Vehicle struct {
	ID               string   `json:"id" yaml:"id"`
	CapacityKg       float64  `json:"capacityKg" yaml:"capacityKg"`
	CapacityM3       float64  `json:"capacityM3" yaml:"capacityM3"`
	HasRefrigeration bool     `json:"hasRefrigeration,omitempty" yaml:"hasRefrigeration"`
	TemperatureMin   *float64 `json:"temperatureMin,omitempty" yaml:"temperatureMin"`
	TemperatureMax   *float64 `json:"temperatureMax,omitempty" yaml:"temperatureMax"`
	MaxStops         int      `json:"maxStops,omitempty" yaml:"maxStops"`
	CostPerKm        float64  `json:"costPerKm,omitempty" yaml:"costPerKm"`
	AvgSpeedKmh      float64  `json:"avgSpeedKmh,omitempty" yaml:"avgSpeedKmh"`
	DriverName       string   `json:"driverName,omitempty" yaml:"driverName"`
}

type Shipment struct {
	ID                 string        `json:"id"`
	OrderNumber        string        `json:"orderNumber,omitempty"`
	CustomerName       string        `json:"customerName,omitempty"`
	Address            string        `json:"address,omitempty"`
	City               string        `json:"city,omitempty"`
	Country            string        `json:"country,omitempty"`
	Location           *GeoPoint     `json:"location,omitempty"`
	WeightKg           float64       `json:"weightKg"`
	VolumeM3           float64       `json:"volumeM3"`
	RequiresColdChain  bool          `json:"requiresColdChain,omitempty"`
	TemperatureMin     *float64      `json:"temperatureMin,omitempty"`
	TemperatureMax     *float64      `json:"temperatureMax,omitempty"`
	ClinicalPriority   int           `json:"clinicalPriority,omitempty"` // 1 critical, 2 high, 3 normal
	TimeWindow         *MinuteWindow `json:"timeWindow,omitempty"`
	ServiceTimeMinutes *int          `json:"serviceTimeMinutes,omitempty"`
}

// Priority returns the clinical priority, treating unset as normal.
func (s Shipment) Priority() int {
	if s.ClinicalPriority == 0 {
		return 3
	}
	return s.ClinicalPriority
}

type Depot struct {
	ID         string   `json:"id" yaml:"id"`
	Name       string   `json:"name,omitempty" yaml:"name"`
	Address    string   `json:"address,omitempty" yaml:"address"`
	Location   GeoPoint `json:"location" yaml:"location"`
	OpenMinute *int     `json:"openMinute,omitempty" yaml:"openMinute"`
}

type Strategy string

const (
	StrategyBalanced         Strategy = "balanced"
	StrategyMinimizeDistance Strategy = "minimize_distance"
	StrategyMinimizeTime     Strategy = "minimize_time"
	StrategyMinimizeCost     Strategy = "minimize_cost"
	StrategyPriorityFirst    Strategy = "priority_first"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyBalanced, StrategyMinimizeDistance, StrategyMinimizeTime, StrategyMinimizeCost, StrategyPriorityFirst:
		return true
	}
	return false
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

type Stop struct {
	LocationIndex  int     `json:"locationIndex"`
	ShipmentID     string  `json:"shipmentId,omitempty"`
	SequenceOrder  int     `json:"sequenceOrder"`
	ArrivalMinutes int     `json:"arrivalMinutes"`
	LoadKg         float64 `json:"loadKg"`
	LoadM3         float64 `json:"loadM3"`
}

// IsDepot reports whether the stop is the depot (start or return).
func (s Stop) IsDepot() bool { return s.LocationIndex == 0 }

type Route struct {
	VehicleID            string  `json:"vehicleId"`
	Stops                []Stop  `json:"stops"`
	TotalDistanceKm      float64 `json:"totalDistanceKm"`
	// TotalTimeMinutes is the route's duration from depot departure to depot
	// return, not a clock minute. Stop.ArrivalMinutes carries the clock.
	TotalTimeMinutes     int     `json:"totalTimeMinutes"`
	TotalLoadKg          float64 `json:"totalLoadKg"`
	TotalLoadM3          float64 `json:"totalLoadM3"`
	HasColdChainProducts bool    `json:"hasColdChainProducts"`
	Cost                 float64 `json:"cost"`
	ShipmentCount        int     `json:"shipmentCount"`
}

// ShipmentIDs lists the shipments on the route in visiting order.
func (r Route) ShipmentIDs() []string {
	out := make([]string, 0, len(r.Stops))
	for _, s := range r.Stops {
		if s.ShipmentID != "" {
			out = append(out, s.ShipmentID)
		}
	}
	return out
}

type Unassigned struct {
	ShipmentID string `json:"shipmentId"`
	Reason     string `json:"reason"`
}

// SearchStats summarizes the search engine's run.
type SearchStats struct {
	Iterations     int     `json:"iterations"`
	Improvements   int     `json:"improvements"`
	AcceptedWorse  int     `json:"acceptedWorse"`
	InitialCost    int64   `json:"initialCost"`
	BestCost       int64   `json:"bestCost"`
	FirstSolution  string  `json:"firstSolution"`
	StopReason     string  `json:"stopReason"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
}

type Solution struct {
	Status                 Status       `json:"status"`
	Strategy               Strategy     `json:"strategy,omitempty"`
	Routes                 []Route      `json:"routes"`
	Unassigned             []Unassigned `json:"unassigned"`
	TotalDistanceKm        float64      `json:"totalDistanceKm"`
	TotalTimeMinutes       int          `json:"totalTimeMinutes"`
	TotalCost              float64      `json:"totalCost"`
	OptimizationScore      float64      `json:"optimizationScore"`
	DistanceSource         string       `json:"distanceSource,omitempty"`
	Warnings               []string     `json:"warnings"`
	Errors                 []string     `json:"errors"`
	ComputationTimeSeconds float64      `json:"computationTimeSeconds"`
	Search                 *SearchStats `json:"search,omitempty"`
}

// UnassignedIDs lists the ids of shipments left off every route.
func (s Solution) UnassignedIDs() []string {
	out := make([]string, 0, len(s.Unassigned))
	for _, u := range s.Unassigned {
		out = append(out, u.ShipmentID)
	}
	return out
}

// AssignedCount counts shipments placed on some route.
func (s Solution) AssignedCount() int {
	n := 0
	for _, r := range s.Routes {
		n += len(r.ShipmentIDs())
	}
	return n
}

type SequenceResult struct {
	Sequence         []int    `json:"sequence"`
	TotalDistanceKm  float64  `json:"totalDistanceKm"`
	TotalTimeMinutes float64  `json:"totalTimeMinutes"`
	DistanceSource   string   `json:"distanceSource,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
}
