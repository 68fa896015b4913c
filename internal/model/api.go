package model

// Request/response payloads for the HTTP API.

type OptimizeRequest struct {
	TenantID         string     `json:"tenantId"`
	PlanDate         string     `json:"planDate"`
	Strategy         Strategy   `json:"strategy,omitempty"`
	TimeLimitSeconds float64    `json:"timeLimitSeconds,omitempty"`
	Seed             int64      `json:"seed,omitempty"`
	Depot            Depot      `json:"depot"`
	Vehicles         []Vehicle  `json:"vehicles"`
	Shipments        []Shipment `json:"shipments"`
	Persist          *bool      `json:"persist,omitempty"`
}

type OptimizeResponse struct {
	PlanID   string   `json:"planId,omitempty"`
	RouteIDs []string `json:"routeIds,omitempty"`
	Solution Solution `json:"solution"`
}

type SequenceRequest struct {
	Locations     []GeoPoint `json:"locations"`
	StartIndex    int        `json:"startIndex"`
	ReturnToStart bool       `json:"returnToStart"`
}

type SubscriptionRequest struct {
	TenantID string   `json:"tenantId"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret"`
}

type Subscription struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenantId"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret,omitempty"`
}

// PlanSummary is the list view of a Plan.
type PlanSummary struct {
	ID                string   `json:"id"`
	PlanDate          string   `json:"planDate"`
	DepotID           string   `json:"depotId"`
	Strategy          Strategy `json:"strategy"`
	Status            Status   `json:"status"`
	OptimizationScore float64  `json:"optimizationScore"`
	Routes            int      `json:"routes"`
	Unassigned        int      `json:"unassigned"`
}

// Summary returns the list view of p.
func (p Plan) Summary() PlanSummary {
	return PlanSummary{
		ID:                p.ID,
		PlanDate:          p.PlanDate,
		DepotID:           p.DepotID,
		Strategy:          p.Strategy,
		Status:            p.Status,
		OptimizationScore: p.OptimizationScore,
		Routes:            len(p.Routes),
		Unassigned:        len(p.Unassigned),
	}
}
