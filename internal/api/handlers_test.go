package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medroute/internal/auth"
	"medroute/internal/config"
	"medroute/internal/model"
	"medroute/internal/planner"
	"medroute/internal/store"
	"medroute/internal/webhooks"
)

func testConfig() config.Config {
	p := planner.DefaultParams()
	p.TimeLimitSeconds = 2
	p.StallIterations = 50
	return config.Config{
		Auth:     config.AuthConfig{Mode: auth.ModeHeader},
		Webhooks: config.WebhookConfig{Interval: time.Second, BatchSize: 10, MaxAttempts: 3, Timeout: time.Second},
		Planner:  p,
	}
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	s, err := NewServer(testConfig(), append([]Option{WithStore(mem)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mem
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", "t_test")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func pt(lat, lng float64) *model.GeoPoint { return &model.GeoPoint{Lat: lat, Lng: lng} }

func optimizeBody() model.OptimizeRequest {
	return model.OptimizeRequest{
		PlanDate: "2026-03-02",
		Strategy: model.StrategyMinimizeDistance,
		Depot:    model.Depot{ID: "DC1", Location: model.GeoPoint{Lat: 52.52, Lng: 13.40}},
		Vehicles: []model.Vehicle{{ID: "V1", CapacityKg: 100, CapacityM3: 10}},
		Shipments: []model.Shipment{
			{ID: "S1", WeightKg: 5, VolumeM3: 0.1, Location: pt(52.53, 13.41)},
			{ID: "S2", WeightKg: 5, VolumeM3: 0.1, Location: pt(52.51, 13.42)},
			{ID: "S3", WeightKg: 5, VolumeM3: 0.1, Location: pt(52.54, 13.38)},
		},
	}
}

func TestHealthReady(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", nil).Code)

	rr := do(t, h, http.MethodGet, "/debug/info", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	info := decodeBody[map[string]any](t, rr)
	assert.Contains(t, info, "build")

	rr = do(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "http_requests_total")
	assert.NotEmpty(t, rr.Header().Get(RequestIDHeader))
}

func TestOptimizePersistsAndRouteLifecycle(t *testing.T) {
	s, mem := newTestServer(t)
	h := s.Handler()
	ctx := context.Background()
	_, err := mem.CreateSubscription(ctx, model.SubscriptionRequest{TenantID: "t_test", URL: "http://hook", Events: []string{webhooks.EventPlanCompleted, webhooks.EventRouteStatusChanged}})
	require.NoError(t, err)

	rr := do(t, h, http.MethodPost, "/v1/optimize", optimizeBody())
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	resp := decodeBody[model.OptimizeResponse](t, rr)
	assert.Equal(t, model.StatusSuccess, resp.Solution.Status)
	require.NotEmpty(t, resp.PlanID)
	require.Len(t, resp.RouteIDs, 1)
	assert.Equal(t, 3, resp.Solution.AssignedCount())

	rr = do(t, h, http.MethodGet, "/v1/plans/"+resp.PlanID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	plan := decodeBody[model.Plan](t, rr)
	assert.Equal(t, "ROUTE-20260302-DC1-001", plan.Routes[0].RouteCode)
	assert.Equal(t, model.RouteDraft, plan.Routes[0].Status)

	// other tenants cannot see it
	rr = do(t, h, http.MethodGet, "/v1/plans/"+resp.PlanID, nil, "X-Tenant-Id", "t_other")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))

	rr = do(t, h, http.MethodGet, "/v1/plans?planDate=2026-03-02", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decodeBody[struct {
		Items []model.PlanSummary `json:"items"`
	}](t, rr)
	require.Len(t, list.Items, 1)
	assert.Equal(t, 1, list.Items[0].Routes)

	routeID := resp.RouteIDs[0]
	events := s.Broker.Subscribe(routeTopic("t_test", routeID))
	defer s.Broker.Unsubscribe(routeTopic("t_test", routeID), events)

	rr = do(t, h, http.MethodPatch, "/v1/routes/"+routeID, model.RoutePatch{Status: model.RouteActive, DriverName: "Ana"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rt := decodeBody[model.PlannedRoute](t, rr)
	assert.Equal(t, model.RouteActive, rt.Status)
	assert.Equal(t, "Ana", rt.DriverName)
	assert.Equal(t, 2, rt.Version)

	select {
	case evt := <-events:
		assert.Equal(t, webhooks.EventRouteStatusChanged, evt.Type)
		assert.Equal(t, model.RouteDraft, evt.Data["from"])
	case <-time.After(time.Second):
		t.Fatal("no route event")
	}

	rr = do(t, h, http.MethodPatch, "/v1/routes/"+routeID, model.RoutePatch{Status: model.RouteCompleted})
	assert.Equal(t, http.StatusConflict, rr.Code)

	// a second run continues the day's route numbering
	rr = do(t, h, http.MethodPost, "/v1/optimize", optimizeBody())
	require.Equal(t, http.StatusCreated, rr.Code)
	second := decodeBody[model.OptimizeResponse](t, rr)
	rr = do(t, h, http.MethodGet, "/v1/routes/"+second.RouteIDs[0], nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ROUTE-20260302-DC1-002", decodeBody[model.PlannedRoute](t, rr).RouteCode)

	// two plan.completed and one route.status_changed deliveries queued
	items, _, err := mem.ListWebhookDeliveries(ctx, "t_test", "", "", 10)
	require.NoError(t, err)
	assert.Len(t, items, 3)

	rr = do(t, h, http.MethodGet, "/v1/admin/plan-metrics?planDate=2026-03-02", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	pm := decodeBody[struct {
		Items []store.PlanMetrics `json:"items"`
	}](t, rr)
	require.NotEmpty(t, pm.Items)
	assert.Equal(t, string(model.StrategyMinimizeDistance), pm.Items[0].Strategy)
}

func TestOptimizeRequestErrors(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	bad := optimizeBody()
	bad.Strategy = "fastest"
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/optimize", bad).Code)

	bad = optimizeBody()
	bad.PlanDate = "02/03/2026"
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/optimize", bad).Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/optimize", strings.NewReader(`{"vehicles": 3}`))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// planner-level failures are a failed solution, not an HTTP error
	noFleet := optimizeBody()
	noFleet.Vehicles = nil
	rr = do(t, h, http.MethodPost, "/v1/optimize", noFleet)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decodeBody[model.OptimizeResponse](t, rr)
	assert.Equal(t, model.StatusFailed, resp.Solution.Status)
	assert.Empty(t, resp.PlanID)

	dry := optimizeBody()
	no := false
	dry.Persist = &no
	rr = do(t, h, http.MethodPost, "/v1/optimize", dry)
	require.Equal(t, http.StatusOK, rr.Code)
	resp = decodeBody[model.OptimizeResponse](t, rr)
	assert.Equal(t, model.StatusSuccess, resp.Solution.Status)
	assert.Empty(t, resp.PlanID)

	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodPost, "/v1/optimize", optimizeBody(), "X-Role", "driver").Code)
}

func TestJWTModeRequiresToken(t *testing.T) {
	v := auth.NewVerifier(config.AuthConfig{Mode: auth.ModeJWT, JWTSecret: "k"})
	s, _ := newTestServer(t, WithVerifier(v))
	h := s.Handler()
	rr := do(t, h, http.MethodGet, "/v1/plans", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	tok, err := auth.Sign("k", auth.Claims{Tenant: "t_test", Role: "dispatcher"})
	require.NoError(t, err)
	rr = do(t, h, http.MethodGet, "/v1/plans", nil, "Authorization", "Bearer "+tok)
	assert.Equal(t, http.StatusOK, rr.Code)
	// dispatchers are not admins
	rr = do(t, h, http.MethodGet, "/v1/subscriptions", nil, "Authorization", "Bearer "+tok)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestSequenceHandler(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	body := model.SequenceRequest{
		Locations:  []model.GeoPoint{{Lat: 0, Lng: 3}, {Lat: 0, Lng: 0}, {Lat: 0, Lng: 2}, {Lat: 0, Lng: 1}},
		StartIndex: 1,
	}
	rr := do(t, h, http.MethodPost, "/v1/sequence", body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decodeBody[model.SequenceResult](t, rr)
	assert.Equal(t, []int{1, 3, 2, 0}, res.Sequence)

	body.StartIndex = 9
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/sequence", body).Code)
}

func TestAdminOptimizerConfig(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rr := do(t, h, http.MethodPut, "/v1/admin/optimizer/config", map[string]any{"config": map[string]any{"horizon": -5}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPut, "/v1/admin/optimizer/config", map[string]any{"config": map[string]any{"default_service_minutes": 7}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = do(t, h, http.MethodGet, "/v1/admin/optimizer/config", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decodeBody[struct {
		Config    map[string]any `json:"config"`
		Effective planner.Params `json:"effective"`
	}](t, rr)
	assert.EqualValues(t, 7, got.Config["default_service_minutes"])
	assert.Equal(t, 7, got.Effective.DefaultServiceMinutes)

	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodGet, "/v1/admin/optimizer/config", nil, "X-Role", "dispatcher").Code)
}

func TestSubscriptionsCRUD(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rr := do(t, h, http.MethodPost, "/v1/subscriptions", model.SubscriptionRequest{URL: "ftp://x", Events: []string{webhooks.EventPlanCompleted}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = do(t, h, http.MethodPost, "/v1/subscriptions", model.SubscriptionRequest{URL: "https://hooks.example.com/a", Events: []string{"plan.deleted"}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/subscriptions", model.SubscriptionRequest{TenantID: "spoofed", URL: "https://hooks.example.com/a", Events: []string{webhooks.EventPlanCompleted}, Secret: "s"})
	require.Equal(t, http.StatusCreated, rr.Code)
	sub := decodeBody[model.Subscription](t, rr)
	assert.Equal(t, "t_test", sub.TenantID)

	rr = do(t, h, http.MethodGet, "/v1/subscriptions", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decodeBody[struct {
		Items []model.Subscription `json:"items"`
	}](t, rr)
	require.Len(t, list.Items, 1)
	assert.Empty(t, list.Items[0].Secret)

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil).Code)
}

func TestOptimizeStream(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	hdr := http.Header{}
	hdr.Set("X-Tenant-Id", "t_test")
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/optimize/stream", hdr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(optimizeBody()))

	progress := 0
	for {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == msgProgress {
			progress++
			continue
		}
		require.Equal(t, msgResult, msg.Type, string(msg.Data))
		var resp model.OptimizeResponse
		require.NoError(t, json.Unmarshal(msg.Data, &resp))
		assert.NotEmpty(t, resp.PlanID)
		break
	}
	assert.GreaterOrEqual(t, progress, 1)
}

func TestRouteEventsSSE(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	rr := do(t, h, http.MethodPost, "/v1/optimize", optimizeBody())
	require.Equal(t, http.StatusCreated, rr.Code)
	routeID := decodeBody[model.OptimizeResponse](t, rr).RouteIDs[0]

	ts := httptest.NewServer(h)
	defer ts.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/routes/"+routeID+"/events/stream", nil)
	require.NoError(t, err)
	req.Header.Set("X-Tenant-Id", "t_test")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	lines := bufio.NewScanner(res.Body)
	require.True(t, lines.Scan())
	assert.Equal(t, "event: heartbeat", lines.Text())

	go func() {
		patch := httptest.NewRequest(http.MethodPatch, "/v1/routes/"+routeID, strings.NewReader(`{"status":"active"}`))
		patch.Header.Set("X-Tenant-Id", "t_test")
		h.ServeHTTP(httptest.NewRecorder(), patch)
	}()
	for lines.Scan() {
		if lines.Text() == "event: "+webhooks.EventRouteStatusChanged {
			require.True(t, lines.Scan())
			assert.Contains(t, lines.Text(), `"to":"active"`)
			return
		}
	}
	t.Fatal("stream ended without a status event")
}
