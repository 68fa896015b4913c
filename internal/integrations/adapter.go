// Package integrations defines upstream shipment sources feeding batch
// planning.
package integrations

import (
	"context"
	"errors"
	"strings"

	"medroute/internal/model"
)

// ErrMalformedRow is wrapped by adapters for records they cannot parse.
var ErrMalformedRow = errors.New("malformed shipment record")

// ShipmentSource is the minimal interface for an order/shipment feed.
type ShipmentSource interface {
	Name() string
	// FetchShipments returns up to limit shipments after cursor. An empty
	// NextCursor means the source is drained.
	FetchShipments(ctx context.Context, cursor string, limit int) (ShipmentBatch, error)
	// Ack marks shipments as planned so they are not fetched again.
	Ack(ctx context.Context, ids []string) error
	MapStatus(ext ExternalStatus) string
}

type ShipmentBatch struct {
	Shipments  []model.Shipment
	NextCursor string
	// Rejected lists records skipped as malformed, keyed by source position.
	Rejected map[string]error
}

type ExternalStatus struct {
	Code string
}

// MapStatusCode maps common carrier status codes onto the route lifecycle.
// Unknown codes map to draft.
func MapStatusCode(code string) string {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "DISPATCHED", "ASSIGNED":
		return model.RouteActive
	case "IN_TRANSIT", "OUT_FOR_DELIVERY":
		return model.RouteInProgress
	case "DELIVERED", "COMPLETED":
		return model.RouteCompleted
	case "CANCELLED", "CANCELED", "VOID":
		return model.RouteCancelled
	}
	return model.RouteDraft
}
