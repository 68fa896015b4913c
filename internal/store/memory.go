package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"medroute/internal/model"
	"medroute/internal/opt"
)

// Memory is an in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu      sync.Mutex
	plans   map[string]model.Plan // id -> plan
	planIDs map[string][]string   // tenant -> plan ids in insertion order
	routes  map[string]routeRef   // route id -> owning plan
	subs    map[string][]model.Subscription
	planMx  map[string][]PlanMetrics // tenant -> metrics
	optCfg  map[string]map[string]any
	// webhook queue state
	deliveries         map[string]*memDelivery
	deliveriesByTenant map[string][]string
	now                func() time.Time
}

type routeRef struct {
	planID string
	index  int
}

func NewMemory() *Memory {
	return &Memory{
		plans:              map[string]model.Plan{},
		planIDs:            map[string][]string{},
		routes:             map[string]routeRef{},
		subs:               map[string][]model.Subscription{},
		planMx:             map[string][]PlanMetrics{},
		optCfg:             map[string]map[string]any{},
		deliveries:         map[string]*memDelivery{},
		deliveriesByTenant: map[string][]string{},
		now:                time.Now,
	}
}

// memDelivery augments WebhookDelivery with scheduling state.
type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
	seq           int
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) SavePlan(_ context.Context, plan model.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.plans[plan.ID]; !exists {
		m.planIDs[plan.TenantID] = append(m.planIDs[plan.TenantID], plan.ID)
	}
	plan.Routes = append([]model.PlannedRoute(nil), plan.Routes...)
	m.plans[plan.ID] = plan
	for i, r := range plan.Routes {
		m.routes[r.ID] = routeRef{planID: plan.ID, index: i}
	}
	return nil
}

func (m *Memory) GetPlan(_ context.Context, tenantID, planID string) (model.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[planID]
	if !ok || p.TenantID != tenantID {
		return model.Plan{}, ErrNotFound
	}
	p.Routes = append([]model.PlannedRoute(nil), p.Routes...)
	return p, nil
}

func (m *Memory) ListPlans(_ context.Context, tenantID, planDate, cursor string, limit int) ([]model.PlanSummary, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.planIDs[tenantID]
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	out := []model.PlanSummary{}
	var next string
	for i := start; i < len(ids) && len(out) < limit; i++ {
		p := m.plans[ids[i]]
		if planDate == "" || p.PlanDate == planDate {
			out = append(out, p.Summary())
		}
		next = ids[i]
	}
	if len(out) < limit {
		next = ""
	}
	return out, next, nil
}

func (m *Memory) CountRoutes(_ context.Context, tenantID, depotID, planDate string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.planIDs[tenantID] {
		p := m.plans[id]
		if p.DepotID == depotID && p.PlanDate == planDate {
			n += len(p.Routes)
		}
	}
	return n, nil
}

func (m *Memory) GetRoute(_ context.Context, tenantID, routeID string) (model.PlannedRoute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, _, err := m.route(tenantID, routeID)
	return r, err
}

func (m *Memory) route(tenantID, routeID string) (model.PlannedRoute, routeRef, error) {
	ref, ok := m.routes[routeID]
	if !ok {
		return model.PlannedRoute{}, ref, ErrNotFound
	}
	p := m.plans[ref.planID]
	if p.TenantID != tenantID {
		return model.PlannedRoute{}, ref, ErrNotFound
	}
	return p.Routes[ref.index], ref, nil
}

func (m *Memory) PatchRoute(_ context.Context, tenantID, routeID string, patch model.RoutePatch) (model.PlannedRoute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ref, err := m.route(tenantID, routeID)
	if err != nil {
		return r, err
	}
	if err := checkPatch(r.Status, patch); err != nil {
		return r, err
	}
	if patch.Status != "" {
		r.Status = patch.Status
	}
	if patch.DriverName != "" {
		r.DriverName = patch.DriverName
	}
	r.Version++
	m.plans[ref.planID].Routes[ref.index] = r
	return r, nil
}

func (m *Memory) CreateSubscription(_ context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := model.Subscription{ID: uuid.NewString(), TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}
	m.subs[req.TenantID] = append(m.subs[req.TenantID], s)
	return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(_ context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs[tenantID] {
		for _, e := range s.Events {
			if e == eventType {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(_ context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[tenantID]
	start := 0
	if cursor != "" {
		for i, s := range subs {
			if s.ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	out := []model.Subscription{}
	for i := start; i < len(subs) && len(out) < limit; i++ {
		out = append(out, subs[i])
	}
	next := ""
	if len(out) == limit && start+limit < len(subs) {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (m *Memory) DeleteSubscription(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[tenantID]
	for i, s := range subs {
		if s.ID == id {
			m.subs[tenantID] = append(subs[:i:i], subs[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// Webhook deliveries
func (m *Memory) EnqueueWebhook(_ context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.deliveries[id] = &memDelivery{
		WebhookDelivery: WebhookDelivery{ID: id, TenantID: tenantID, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: DeliveryPending},
		NextAttemptAt:   m.now(),
		seq:             len(m.deliveries),
	}
	m.deliveriesByTenant[tenantID] = append(m.deliveriesByTenant[tenantID], id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(_ context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var due []*memDelivery
	for _, d := range m.deliveries {
		if (d.Status == DeliveryPending || d.Status == DeliveryRetry) && !d.NextAttemptAt.After(now) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		return due[i].seq < due[j].seq
	})
	out := []WebhookDelivery{}
	for _, d := range due {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, d.WebhookDelivery)
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(_ context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = DeliveryDelivered
		now := m.now()
		d.DeliveredAt = &now
		return nil
	}
	d.Status = DeliveryRetry
	d.LastError = lastError
	if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	} else {
		d.NextAttemptAt = m.now().Add(time.Minute)
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(_ context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.Status = DeliveryFailed
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	return nil
}

func (m *Memory) ListWebhookDeliveries(_ context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.deliveriesByTenant[tenantID]
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	out := []map[string]any{}
	var next string
	for i := start; i < len(ids) && len(out) < limit; i++ {
		d := m.deliveries[ids[i]]
		next = ids[i]
		if status != "" && d.Status != status {
			continue
		}
		item := map[string]any{"id": d.ID, "eventType": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
		if !d.NextAttemptAt.IsZero() {
			item["nextAttemptAt"] = d.NextAttemptAt
		}
		if d.LastError != "" {
			item["lastError"] = d.LastError
		}
		if d.ResponseCode != 0 {
			item["responseCode"] = d.ResponseCode
		}
		out = append(out, item)
	}
	if len(out) < limit {
		next = ""
	}
	return out, next, nil
}

func (m *Memory) RetryWebhookDelivery(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil || d.TenantID != tenantID {
		return ErrNotFound
	}
	d.Status = DeliveryPending
	d.NextAttemptAt = m.now()
	return nil
}

func (m *Memory) SavePlanMetrics(_ context.Context, tenantID, planDate, strategy string, mx opt.Metrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := PlanMetrics{PlanDate: planDate, Strategy: strategy, Metrics: mx, CreatedAt: m.now().UTC()}
	items := m.planMx[tenantID]
	for i := range items {
		if items[i].PlanDate == planDate && items[i].Strategy == strategy {
			items[i] = item
			return nil
		}
	}
	m.planMx[tenantID] = append(items, item)
	return nil
}

func (m *Memory) ListPlanMetrics(_ context.Context, tenantID, planDate, strategy string) ([]PlanMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []PlanMetrics{}
	for _, it := range m.planMx[tenantID] {
		if it.PlanDate != planDate {
			continue
		}
		if strategy == "" || it.Strategy == strategy {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *Memory) GetOptimizerConfig(_ context.Context, tenantID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg, ok := m.optCfg[tenantID]; ok {
		return cfg, nil
	}
	return nil, nil
}

func (m *Memory) SaveOptimizerConfig(_ context.Context, tenantID string, cfg map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.optCfg[tenantID] = cfg
	return nil
}
