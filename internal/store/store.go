package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"medroute/internal/model"
	"medroute/internal/opt"
)

// Store is the persistence interface used by the API server and the CLI.
// Every method is scoped to a tenant except the webhook worker's queue calls.
type Store interface {
	// Plans
	SavePlan(ctx context.Context, plan model.Plan) error
	GetPlan(ctx context.Context, tenantID, planID string) (model.Plan, error)
	ListPlans(ctx context.Context, tenantID, planDate, cursor string, limit int) ([]model.PlanSummary, string, error)
	// CountRoutes counts routes already planned for a depot on a day; route
	// codes continue from it.
	CountRoutes(ctx context.Context, tenantID, depotID, planDate string) (int, error)

	// Routes
	GetRoute(ctx context.Context, tenantID, routeID string) (model.PlannedRoute, error)
	PatchRoute(ctx context.Context, tenantID, routeID string, patch model.RoutePatch) (model.PlannedRoute, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error)
	DeleteSubscription(ctx context.Context, tenantID, id string) error

	// Webhook deliveries
	EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error)
	RetryWebhookDelivery(ctx context.Context, tenantID, id string) error

	// Search engine statistics per plan date and strategy
	SavePlanMetrics(ctx context.Context, tenantID, planDate, strategy string, m opt.Metrics) error
	ListPlanMetrics(ctx context.Context, tenantID, planDate, strategy string) ([]PlanMetrics, error)

	// Optimizer config per tenant
	GetOptimizerConfig(ctx context.Context, tenantID string) (map[string]any, error)
	SaveOptimizerConfig(ctx context.Context, tenantID string, cfg map[string]any) error

	Ping(ctx context.Context) error
}

var (
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition rejects a route status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// PlanMetrics is one persisted engine run summary.
type PlanMetrics struct {
	PlanDate  string      `json:"planDate"`
	Strategy  string      `json:"strategy"`
	Metrics   opt.Metrics `json:"metrics"`
	CreatedAt time.Time   `json:"createdAt"`
}

// checkPatch validates a status change against the route lifecycle.
func checkPatch(current string, patch model.RoutePatch) error {
	if patch.Status == "" || patch.Status == current {
		return nil
	}
	if !model.CanTransition(current, patch.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, patch.Status)
	}
	return nil
}
