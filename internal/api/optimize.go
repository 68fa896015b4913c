package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"medroute/internal/auth"
	"medroute/internal/logger"
	"medroute/internal/model"
	"medroute/internal/opt"
	"medroute/internal/planner"
	"medroute/internal/webhooks"
)

const maxTimeLimitSeconds = 300

// validateOptimizeRequest checks request-level fields. Shipment and vehicle
// rules are enforced by the planner, which reports them in the solution.
func validateOptimizeRequest(req *model.OptimizeRequest) error {
	if req.Strategy != "" && !req.Strategy.Valid() {
		return fmt.Errorf("%w: invalid strategy: %s", planner.ErrInvalidInput, req.Strategy)
	}
	if req.TimeLimitSeconds < 0 || req.TimeLimitSeconds > maxTimeLimitSeconds {
		return fmt.Errorf("%w: timeLimitSeconds must be within [0,%d]", planner.ErrInvalidInput, maxTimeLimitSeconds)
	}
	if req.PlanDate == "" {
		req.PlanDate = time.Now().UTC().Format(time.DateOnly)
	} else if _, err := time.Parse(time.DateOnly, req.PlanDate); err != nil {
		return fmt.Errorf("%w: planDate must be YYYY-MM-DD", planner.ErrInvalidInput)
	}
	return nil
}

// tenantParams merges the tenant's stored overrides over the defaults. A
// broken override document falls back to the defaults.
func (s *Server) tenantParams(ctx context.Context, tenant string) planner.Params {
	base := s.Planner.Params()
	over, err := s.Store.GetOptimizerConfig(ctx, tenant)
	if err != nil || len(over) == 0 {
		return base
	}
	p, err := base.ApplyOverrides(over)
	if err != nil {
		logger.From(ctx).Warn().Err(err).Str("tenant", tenant).Msg("ignoring tenant optimizer config")
		return base
	}
	return p
}

// plan runs one optimisation for the principal's tenant and, unless the run
// failed or the caller opted out, persists it and notifies subscribers.
func (s *Server) plan(ctx context.Context, p auth.Principal, req model.OptimizeRequest, progress func(opt.Progress)) (model.OptimizeResponse, error) {
	if err := validateOptimizeRequest(&req); err != nil {
		return model.OptimizeResponse{}, err
	}
	req.TenantID = p.Tenant
	params := s.tenantParams(ctx, p.Tenant)
	in := planner.OptimizeInput{
		Shipments:  req.Shipments,
		Vehicles:   req.Vehicles,
		Depot:      req.Depot,
		Strategy:   req.Strategy,
		TimeLimit:  time.Duration(req.TimeLimitSeconds * float64(time.Second)),
		Seed:       req.Seed,
		Params:     &params,
		TenantID:   p.Tenant,
		PlanDate:   req.PlanDate,
		OnProgress: progress,
	}
	run := s.Planner.Run(ctx, in)
	resp := model.OptimizeResponse{Solution: run.Solution}
	if run.Solution.Status == model.StatusFailed || (req.Persist != nil && !*req.Persist) {
		return resp, nil
	}

	existing, err := s.Store.CountRoutes(ctx, p.Tenant, req.Depot.ID, req.PlanDate)
	if err != nil {
		return resp, fmt.Errorf("count routes: %w", err)
	}
	plan, err := planner.Materialize(run.Solution, run.Routable, run.Vehicles, req.Depot, planner.MaterializeInput{
		TenantID:       p.Tenant,
		PlanDate:       req.PlanDate,
		ExistingRoutes: existing,
	})
	if err != nil {
		return resp, fmt.Errorf("materialize: %w", err)
	}
	if err := s.Store.SavePlan(ctx, plan); err != nil {
		return resp, fmt.Errorf("save plan: %w", err)
	}
	if err := s.Store.SavePlanMetrics(ctx, p.Tenant, req.PlanDate, string(plan.Strategy), run.Metrics); err != nil {
		logger.From(ctx).Warn().Err(err).Str("plan_id", plan.ID).Msg("plan metrics not saved")
	}

	resp.PlanID = plan.ID
	for _, r := range plan.Routes {
		resp.RouteIDs = append(resp.RouteIDs, r.ID)
	}
	summary := plan.Summary()
	s.Pub.Emit(ctx, p.Tenant, webhooks.EventPlanCompleted, summary)
	s.Broker.Publish(planTopic(p.Tenant), SSEEvent{Type: webhooks.EventPlanCompleted, Data: map[string]any{
		"planId":     plan.ID,
		"planDate":   plan.PlanDate,
		"status":     plan.Status,
		"routes":     summary.Routes,
		"unassigned": summary.Unassigned,
		"routeIds":   resp.RouteIDs,
	}})
	logger.From(ctx).Info().Str("plan_id", plan.ID).Int("routes", len(plan.Routes)).Msg("plan saved")
	return resp, nil
}

// OptimizeHandler handles POST /v1/optimize
func (s *Server) OptimizeHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePlanner(w, r)
	if !ok {
		return
	}
	var req model.OptimizeRequest
	if err := decode(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	resp, err := s.plan(r.Context(), p, req, nil)
	if err != nil {
		writeError(w, r, "Optimize failed", err)
		return
	}
	status := http.StatusOK
	if resp.PlanID != "" {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

// SequenceHandler handles POST /v1/sequence
func (s *Server) SequenceHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.principal(w, r); !ok {
		return
	}
	var req model.SequenceRequest
	if err := decode(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	res, err := s.Planner.Sequence(r.Context(), req.Locations, req.StartIndex, req.ReturnToStart)
	if err != nil {
		writeError(w, r, "Sequence failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
