package events

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jogardn/cryptoshop/pkg/models"
)

const (
	PaymentStatusChangedTopic = "payment.status_changed"

	// PaymentStatusMessage is the websocket message type carrying a PaymentStatusChanged.
	PaymentStatusMessage = "payment_status"
)

// PaymentStatusChanged is emitted after a verified webhook has been committed.
type PaymentStatusChanged struct {
	OrderID      string               `json:"order_id"`
	InvoiceID    string               `json:"invoice_id"`
	PaymentID    int64                `json:"payment_id"`
	Status       models.PaymentStatus `json:"status"`
	OrderStatus  models.OrderStatus   `json:"order_status"`
	ActuallyPaid decimal.NullDecimal  `json:"actually_paid"`
	PayCurrency  string               `json:"pay_currency,omitempty"`
	EventTime    time.Time            `json:"event_time"`
}

type Publisher interface {
	Publish(ctx context.Context, event PaymentStatusChanged) error
}

// PaymentEventHandler receives events read back from the broker.
type PaymentEventHandler interface {
	HandlePaymentStatusChanged(ctx context.Context, event PaymentStatusChanged) error
}

// NopPublisher drops events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, PaymentStatusChanged) error { return nil }

// Broadcaster is the slice of the websocket hub used for live updates.
type Broadcaster interface {
	Broadcast(orderID, messageType string, data interface{})
}

// HubPublisher pushes events straight to websocket subscribers. It serves as
// the Publisher when no broker is configured and as the consumer-side handler
// when one is.
type HubPublisher struct {
	hub Broadcaster
}

func NewHubPublisher(hub Broadcaster) *HubPublisher {
	return &HubPublisher{hub: hub}
}

func (p *HubPublisher) Publish(_ context.Context, event PaymentStatusChanged) error {
	p.hub.Broadcast(event.OrderID, PaymentStatusMessage, event)
	return nil
}

func (p *HubPublisher) HandlePaymentStatusChanged(ctx context.Context, event PaymentStatusChanged) error {
	return p.Publish(ctx, event)
}
