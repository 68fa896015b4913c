// Package webhooks queues tenant events for subscribed endpoints and
// delivers them with HMAC signatures.
package webhooks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"medroute/internal/logger"
	"medroute/internal/store"
)

// Event types.
const (
	EventPlanCompleted      = "plan.completed"
	EventRouteStatusChanged = "route.status_changed"
)

// Known reports whether eventType can be subscribed to.
func Known(eventType string) bool {
	return eventType == EventPlanCompleted || eventType == EventRouteStatusChanged
}

// Envelope is the JSON body posted to subscribers.
type Envelope struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	TenantID string    `json:"tenantId"`
	TS       time.Time `json:"ts"`
	Data     any       `json:"data"`
}

type Publisher struct {
	Store store.Store
	now   func() time.Time
}

func NewPublisher(s store.Store) *Publisher {
	return &Publisher{Store: s, now: time.Now}
}

// Emit enqueues one delivery per subscription of the tenant to eventType and
// returns how many were queued.
func (p *Publisher) Emit(ctx context.Context, tenantID, eventType string, data any) int {
	log := logger.From(ctx)
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, tenantID, eventType)
	if err != nil {
		log.Warn().Err(err).Str("event", eventType).Msg("webhook subscriptions lookup failed")
		return 0
	}
	if len(subs) == 0 {
		return 0
	}
	body, err := json.Marshal(Envelope{
		ID:       "evt_" + uuid.NewString(),
		Type:     eventType,
		TenantID: tenantID,
		TS:       p.now().UTC(),
		Data:     data,
	})
	if err != nil {
		log.Error().Err(err).Str("event", eventType).Msg("webhook payload encode failed")
		return 0
	}
	n := 0
	for _, s := range subs {
		if _, err := p.Store.EnqueueWebhook(ctx, tenantID, s.ID, eventType, s.URL, s.Secret, body); err != nil {
			log.Warn().Err(err).Str("subscription", s.ID).Msg("webhook enqueue failed")
			continue
		}
		n++
	}
	return n
}
