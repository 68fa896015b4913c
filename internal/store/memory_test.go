package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medroute/internal/model"
	"medroute/internal/opt"
)

func samplePlan(tenant string, now time.Time) model.Plan {
	planID, routeID := uuid.NewString(), uuid.NewString()
	stop := func(seq, loc int, typ string) model.RouteStopRecord {
		return model.RouteStopRecord{ID: uuid.NewString(), RouteID: routeID, SequenceOrder: seq, LocationIndex: loc, StopType: typ, ArrivalMinutes: 480 + seq*20}
	}
	stops := []model.RouteStopRecord{
		stop(0, 0, model.StopTypeDepot),
		stop(1, 2, model.StopTypeDelivery),
		stop(2, 1, model.StopTypeDelivery),
		stop(3, 0, model.StopTypeReturn),
	}
	return model.Plan{
		ID: planID, TenantID: tenant, DepotID: "DC1", PlanDate: "2026-03-02",
		Strategy: model.StrategyBalanced, Status: model.StatusPartial, CreatedAt: now,
		Unassigned: []model.Unassigned{{ShipmentID: "S9", Reason: "fleet capacity exhausted"}},
		Routes: []model.PlannedRoute{{
			ID: routeID, PlanID: planID, RouteCode: "ROUTE-20260302-DC1-001", VehicleID: "V1",
			Status: model.RouteDraft, Version: 1, PlanDate: "2026-03-02", TotalShipments: 2, TotalStops: 2,
			HasColdChainProducts: true, Stops: stops,
			Assignments: []model.AssignmentRecord{
				{ID: uuid.NewString(), RouteID: routeID, StopID: stops[1].ID, ShipmentID: "S2", RequiresColdChain: true, WeightKg: 1, VolumeM3: 0.1, ClinicalPriority: 1},
				{ID: uuid.NewString(), RouteID: routeID, StopID: stops[2].ID, ShipmentID: "S1", WeightKg: 2, VolumeM3: 0.2, ClinicalPriority: 3},
			},
		}},
	}
}

func TestMemoryPlans(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	plan := samplePlan("t1", time.Now())
	require.NoError(t, m.SavePlan(ctx, plan))
	require.NoError(t, m.SavePlan(ctx, samplePlan("t2", time.Now())))

	got, err := m.GetPlan(ctx, "t1", plan.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"S2", "S1"}, got.ToSolutionRoutes()[0].ShipmentIDs())

	_, err = m.GetPlan(ctx, "t2", plan.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	list, next, err := m.ListPlans(ctx, "t1", "2026-03-02", "", 10)
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].Routes)
	assert.Equal(t, 1, list[0].Unassigned)

	list, _, err = m.ListPlans(ctx, "t1", "2026-03-03", "", 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	n, err := m.CountRoutes(ctx, "t1", "DC1", "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryListPlansPaginates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i := 0; i < 5; i++ {
		require.NoError(t, m.SavePlan(ctx, samplePlan("t1", time.Now())))
	}
	page, next, err := m.ListPlans(ctx, "t1", "", "", 2)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	require.NotEmpty(t, next)
	seen := len(page)
	for next != "" {
		page, next, err = m.ListPlans(ctx, "t1", "", next, 2)
		require.NoError(t, err)
		seen += len(page)
	}
	assert.Equal(t, 5, seen)
}

func TestMemoryPatchRouteLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	plan := samplePlan("t1", time.Now())
	require.NoError(t, m.SavePlan(ctx, plan))
	id := plan.Routes[0].ID

	_, err := m.PatchRoute(ctx, "t1", id, model.RoutePatch{Status: model.RouteCompleted})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	for i, st := range []string{model.RouteActive, model.RouteInProgress, model.RouteCompleted} {
		r, err := m.PatchRoute(ctx, "t1", id, model.RoutePatch{Status: st})
		require.NoError(t, err)
		assert.Equal(t, st, r.Status)
		assert.Equal(t, i+2, r.Version)
	}
	_, err = m.PatchRoute(ctx, "t1", id, model.RoutePatch{Status: model.RouteCancelled})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	r, err := m.PatchRoute(ctx, "t1", id, model.RoutePatch{DriverName: "Ana"})
	require.NoError(t, err)
	assert.Equal(t, "Ana", r.DriverName)

	got, err := m.GetRoute(ctx, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, r, got)

	_, err = m.PatchRoute(ctx, "t2", id, model.RoutePatch{Status: model.RouteActive})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySubscriptions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a, err := m.CreateSubscription(ctx, model.SubscriptionRequest{TenantID: "t1", URL: "http://a", Events: []string{"plan.completed"}})
	require.NoError(t, err)
	_, err = m.CreateSubscription(ctx, model.SubscriptionRequest{TenantID: "t1", URL: "http://b", Events: []string{"route.status_changed"}})
	require.NoError(t, err)

	subs, err := m.GetSubscriptionsForEvent(ctx, "t1", "plan.completed")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "http://a", subs[0].URL)

	all, next, err := m.ListSubscriptions(ctx, "t1", "", 1)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, a.ID, next)

	require.NoError(t, m.DeleteSubscription(ctx, "t1", a.ID))
	assert.ErrorIs(t, m.DeleteSubscription(ctx, "t1", a.ID), ErrNotFound)
	all, _, err = m.ListSubscriptions(ctx, "t1", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMemoryWebhookQueue(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	id, err := m.EnqueueWebhook(ctx, "t1", "sub", "plan.completed", "http://x", "s", []byte(`{}`))
	require.NoError(t, err)
	due, err := m.FetchDueWebhookDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, id, due[0].ID)

	later := now.Add(time.Minute)
	require.NoError(t, m.MarkWebhookDelivery(ctx, id, false, &later, "boom", 500, 12))
	due, _ = m.FetchDueWebhookDeliveries(ctx, 10)
	assert.Empty(t, due)

	now = later
	due, _ = m.FetchDueWebhookDeliveries(ctx, 10)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)

	require.NoError(t, m.FailWebhookDelivery(ctx, id, "gave up", 500, 10))
	items, _, err := m.ListWebhookDeliveries(ctx, "t1", DeliveryFailed, "", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "gave up", items[0]["lastError"])

	require.NoError(t, m.RetryWebhookDelivery(ctx, "t1", id))
	assert.ErrorIs(t, m.RetryWebhookDelivery(ctx, "t2", id), ErrNotFound)
	require.NoError(t, m.MarkWebhookDelivery(ctx, id, true, nil, "", 200, 5))
	items, _, _ = m.ListWebhookDeliveries(ctx, "t1", DeliveryDelivered, "", 10)
	assert.Len(t, items, 1)
}

func TestMemoryPlanMetricsAndConfig(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.SavePlanMetrics(ctx, "t1", "2026-03-02", "balanced", opt.Metrics{Iterations: 1}))
	require.NoError(t, m.SavePlanMetrics(ctx, "t1", "2026-03-02", "balanced", opt.Metrics{Iterations: 9}))
	require.NoError(t, m.SavePlanMetrics(ctx, "t1", "2026-03-02", "minimize_time", opt.Metrics{Iterations: 3}))

	all, err := m.ListPlanMetrics(ctx, "t1", "2026-03-02", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	one, err := m.ListPlanMetrics(ctx, "t1", "2026-03-02", "balanced")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, 9, one[0].Metrics.Iterations)

	cfg, err := m.GetOptimizerConfig(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, cfg)
	require.NoError(t, m.SaveOptimizerConfig(ctx, "t1", map[string]any{"drop_penalty": 5}))
	cfg, err = m.GetOptimizerConfig(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg["drop_penalty"])
}
