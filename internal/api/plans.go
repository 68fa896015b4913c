package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"medroute/internal/auth"
	"medroute/internal/model"
	"medroute/internal/webhooks"
)

const heartbeatEvery = 15 * time.Second

// PlansHandler handles GET /v1/plans?planDate=&cursor=&limit=
func (s *Server) PlansHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	items, next, err := s.Store.ListPlans(r.Context(), p.Tenant, q.Get("planDate"), q.Get("cursor"), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, r, "List plans failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// PlanByIDHandler handles GET /v1/plans/{id}
func (s *Server) PlanByIDHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	plan, err := s.Store.GetPlan(r.Context(), p.Tenant, r.PathValue("id"))
	if err != nil {
		writeError(w, r, "Plan not found", err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// RouteHandler handles GET /v1/routes/{id}
func (s *Server) RouteHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	rt, err := s.Store.GetRoute(r.Context(), p.Tenant, r.PathValue("id"))
	if err != nil {
		writeError(w, r, "Route not found", err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

// driverMayPatch limits drivers to progressing a route they are driving.
func driverMayPatch(patch model.RoutePatch) bool {
	return patch.DriverName == "" && (patch.Status == model.RouteInProgress || patch.Status == model.RouteCompleted)
}

// PatchRouteHandler handles PATCH /v1/routes/{id}
func (s *Server) PatchRouteHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	var patch model.RoutePatch
	if err := decode(r, &patch); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if patch.Status == "" && patch.DriverName == "" {
		writeProblem(w, http.StatusBadRequest, "Empty patch", "status or driverName required", r.URL.Path)
		return
	}
	if !p.CanPlan() && !(p.Role == auth.RoleDriver && driverMayPatch(patch)) {
		writeProblem(w, http.StatusForbidden, "Forbidden", "not allowed to change this route", r.URL.Path)
		return
	}
	id := r.PathValue("id")
	before, err := s.Store.GetRoute(r.Context(), p.Tenant, id)
	if err != nil {
		writeError(w, r, "Route not found", err)
		return
	}
	rt, err := s.Store.PatchRoute(r.Context(), p.Tenant, id, patch)
	if err != nil {
		writeError(w, r, "Update route failed", err)
		return
	}
	if rt.Status != before.Status {
		data := map[string]any{
			"routeId":   rt.ID,
			"routeCode": rt.RouteCode,
			"planId":    rt.PlanID,
			"from":      before.Status,
			"to":        rt.Status,
			"version":   rt.Version,
		}
		s.Pub.Emit(r.Context(), p.Tenant, webhooks.EventRouteStatusChanged, data)
		s.Broker.Publish(routeTopic(p.Tenant, rt.ID), SSEEvent{Type: webhooks.EventRouteStatusChanged, Data: data})
	}
	writeJSON(w, http.StatusOK, rt)
}

// RouteEventsHandler handles GET /v1/routes/{id}/events/stream (SSE)
func (s *Server) RouteEventsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if _, err := s.Store.GetRoute(r.Context(), p.Tenant, id); err != nil {
		writeError(w, r, "Route not found", err)
		return
	}
	s.serveSSE(w, r, routeTopic(p.Tenant, id), map[string]any{"routeId": id})
}

// PlanEventsHandler handles GET /v1/plans/events/stream (SSE)
func (s *Server) PlanEventsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	s.serveSSE(w, r, planTopic(p.Tenant), map[string]any{"tenantId": p.Tenant})
}

// serveSSE relays broker events on topic until the client goes away, with
// a heartbeat carrying hello every heartbeatEvery.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, topic string, hello map[string]any) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe(topic)
	defer s.Broker.Unsubscribe(topic, ch)

	heartbeat := func() {
		hello["ts"] = time.Now().UTC().Format(time.RFC3339)
		writeSSE(w, "heartbeat", hello)
		flusher.Flush()
	}
	heartbeat()
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, evt.Type, evt.Data)
			flusher.Flush()
		case <-ticker.C:
			heartbeat()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data any) {
	b, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", b)
}
