// Package store persists orders, payments and the cart rows consumed at checkout.
//
// Every multi-step write goes through Store.WithTx. The unique constraints on
// orders.order_id, payments.order_id and payments.invoice_id are enforced by all
// implementations and surface as ErrDuplicate.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jogardn/cryptoshop/pkg/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("unique constraint violated")
)

// Tx is the unit of work handed to WithTx callbacks. Methods must not be used
// after the callback returns.
type Tx interface {
	// LoadCartSnapshot reads a cart and its lines. With forUpdate the cart row
	// stays locked until the transaction ends.
	LoadCartSnapshot(ctx context.Context, cartID int64, forUpdate bool) (*models.CartSnapshot, error)
	ClearCart(ctx context.Context, cartID int64) error

	InsertOrder(ctx context.Context, order *models.Order) error
	InsertOrderItems(ctx context.Context, orderID string, items []models.OrderItem) error
	GetOrderForUpdate(ctx context.Context, orderID string) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus, at time.Time) error

	InsertPayment(ctx context.Context, payment *models.Payment) error
	GetPaymentByOrder(ctx context.Context, orderID string) (*models.Payment, error)
	GetPaymentByInvoiceForUpdate(ctx context.Context, invoiceID string) (*models.Payment, error)
	UpdatePayment(ctx context.Context, payment *models.Payment) error
}

type Store interface {
	// WithTx runs fn in a transaction. The transaction commits when fn returns
	// nil and rolls back otherwise; fn's error is returned unchanged.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// GetOrder returns the order with its items and, when present, its payment.
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	GetPaymentByOrder(ctx context.Context, orderID string) (*models.Payment, error)
	LoadCartSnapshot(ctx context.Context, cartID int64) (*models.CartSnapshot, error)
	Ping(ctx context.Context) error
}
