package api

import (
	"net/http"
	"net/url"
	"sort"

	"medroute/internal/model"
	"medroute/internal/opt"
	"medroute/internal/store"
	"medroute/internal/webhooks"
)

// GetOptimizerConfigHandler handles GET /v1/admin/optimizer/config. It
// returns the tenant's stored overrides and the parameters they produce.
func (s *Server) GetOptimizerConfigHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	cfg, err := s.Store.GetOptimizerConfig(r.Context(), p.Tenant)
	if err != nil {
		writeError(w, r, "Load config failed", err)
		return
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"config": cfg, "effective": s.tenantParams(r.Context(), p.Tenant)})
}

// PutOptimizerConfigHandler handles PUT /v1/admin/optimizer/config
func (s *Server) PutOptimizerConfigHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	var body struct {
		Config map[string]any `json:"config"`
	}
	if err := decode(r, &body); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if body.Config == nil {
		writeProblem(w, http.StatusBadRequest, "Missing config", "", r.URL.Path)
		return
	}
	effective, err := s.Planner.Params().ApplyOverrides(body.Config)
	if err != nil {
		writeError(w, r, "Invalid config", err)
		return
	}
	if err := s.Store.SaveOptimizerConfig(r.Context(), p.Tenant, body.Config); err != nil {
		writeError(w, r, "Save failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"config": body.Config, "effective": effective})
}

// PlanMetricsHandler handles GET /v1/admin/plan-metrics?planDate=&strategy=
// Persisted metrics win; the in-process registry covers runs that were not
// persisted.
func (s *Server) PlanMetricsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	planDate := r.URL.Query().Get("planDate")
	if planDate == "" {
		writeProblem(w, http.StatusBadRequest, "Missing planDate", "", r.URL.Path)
		return
	}
	strategy := r.URL.Query().Get("strategy")
	items, err := s.Store.ListPlanMetrics(r.Context(), p.Tenant, planDate, strategy)
	if err != nil {
		writeError(w, r, "List plan metrics failed", err)
		return
	}
	if len(items) == 0 {
		for st, m := range opt.GetMetrics(p.Tenant, planDate) {
			if strategy != "" && st != strategy {
				continue
			}
			items = append(items, store.PlanMetrics{PlanDate: planDate, Strategy: st, Metrics: m})
		}
		sort.Slice(items, func(i, j int) bool { return items[i].Strategy < items[j].Strategy })
	}
	if items == nil {
		items = []store.PlanMetrics{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// WebhookDeliveriesHandler handles GET /v1/admin/webhook-deliveries
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	items, next, err := s.Store.ListWebhookDeliveries(r.Context(), p.Tenant, q.Get("status"), q.Get("cursor"), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, r, "List deliveries failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// WebhookDeliveryRetryHandler handles POST /v1/admin/webhook-deliveries/{id}/retry
func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	if err := s.Store.RetryWebhookDelivery(r.Context(), p.Tenant, r.PathValue("id")); err != nil {
		writeError(w, r, "Retry delivery failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": 1})
}

// CreateSubscriptionHandler handles POST /v1/subscriptions
func (s *Server) CreateSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	var req model.SubscriptionRequest
	if err := decode(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if u, err := url.Parse(req.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeProblem(w, http.StatusBadRequest, "Invalid subscription", "url must be an absolute http(s) URL", r.URL.Path)
		return
	}
	if len(req.Events) == 0 {
		writeProblem(w, http.StatusBadRequest, "Invalid subscription", "at least one event required", r.URL.Path)
		return
	}
	for _, e := range req.Events {
		if !webhooks.Known(e) {
			writeProblem(w, http.StatusBadRequest, "Invalid subscription", "unknown event: "+e, r.URL.Path)
			return
		}
	}
	req.TenantID = p.Tenant
	sub, err := s.Store.CreateSubscription(r.Context(), req)
	if err != nil {
		writeError(w, r, "Create subscription failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// ListSubscriptionsHandler handles GET /v1/subscriptions
func (s *Server) ListSubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	items, next, err := s.Store.ListSubscriptions(r.Context(), p.Tenant, r.URL.Query().Get("cursor"), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, r, "List subscriptions failed", err)
		return
	}
	// secrets are write-only
	for i := range items {
		items[i].Secret = ""
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// DeleteSubscriptionHandler handles DELETE /v1/subscriptions/{id}
func (s *Server) DeleteSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	if err := s.Store.DeleteSubscription(r.Context(), p.Tenant, r.PathValue("id")); err != nil {
		writeError(w, r, "Delete subscription failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
