// Package orders turns cart snapshots into immutable orders and owns the
// order side of settlement.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/cryptoshop/internal/store"
	"github.com/jogardn/cryptoshop/pkg/models"
)

var (
	ErrEmptyCart     = errors.New("cart is empty")
	ErrCartNotFound  = errors.New("cart not found")
	ErrOrderNotFound = errors.New("order not found")
)

// maxOrderIDAttempts bounds retries after an order id collision.
const maxOrderIDAttempts = 3

// GenerateOrderID returns an id of the form ORD-YYYYMMDD-XXXXXXXX.
func GenerateOrderID(now time.Time) string {
	unique := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("ORD-%s-%s", now.UTC().Format("20060102"), strings.ToUpper(unique))
}

// OrderCreated is returned by a successful checkout.
type OrderCreated struct {
	OrderID      string          `json:"order_id"`
	Subtotal     decimal.Decimal `json:"subtotal"`
	ShippingCost decimal.Decimal `json:"shipping_cost"`
	Total        decimal.Decimal `json:"total"`
	Order        *models.Order   `json:"-"`
}

// CheckoutSummary is the read-only view rendered before the customer commits.
type CheckoutSummary struct {
	Cart            *models.CartSnapshot    `json:"cart"`
	Subtotal        decimal.Decimal         `json:"subtotal"`
	TotalItems      int                     `json:"total_items"`
	ShippingOptions []models.ShippingOption `json:"shipping_options"`
}

type Ledger struct {
	store      store.Store
	logger     *logrus.Logger
	validate   *validator.Validate
	now        func() time.Time
	newOrderID func(time.Time) string
}

func NewLedger(st store.Store, logger *logrus.Logger) *Ledger {
	return &Ledger{
		store:      st,
		logger:     logger,
		validate:   newValidator(),
		now:        func() time.Time { return time.Now().UTC() },
		newOrderID: GenerateOrderID,
	}
}

// CreateOrder converts the cart into an order in one transaction: the cart row
// is locked, the order and its frozen items are inserted and the cart is
// emptied. An order id collision retries the whole transaction.
func (l *Ledger) CreateOrder(ctx context.Context, req CheckoutRequest) (*OrderCreated, error) {
	if err := l.validateCheckout(req); err != nil {
		return nil, err
	}
	if req.ShippingMethod == "" {
		req.ShippingMethod = models.ShippingStandard
	}

	var lastErr error
	for attempt := 1; attempt <= maxOrderIDAttempts; attempt++ {
		order, err := l.createOnce(ctx, req)
		if err == nil {
			l.logger.WithFields(logrus.Fields{
				"order_id":    order.OrderID,
				"cart_id":     req.CartID,
				"items_count": len(order.Items),
				"total":       order.Total.StringFixed(2),
			}).Info("Order created from cart")
			return &OrderCreated{
				OrderID:      order.OrderID,
				Subtotal:     order.Subtotal,
				ShippingCost: order.ShippingCost,
				Total:        order.Total,
				Order:        order,
			}, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, err
		}
		lastErr = err
		l.logger.WithFields(logrus.Fields{
			"cart_id": req.CartID,
			"attempt": attempt,
		}).Warn("Order id collision, retrying with a new id")
	}
	return nil, fmt.Errorf("failed to allocate a unique order id after %d attempts: %w", maxOrderIDAttempts, lastErr)
}

func (l *Ledger) createOnce(ctx context.Context, req CheckoutRequest) (*models.Order, error) {
	var order *models.Order
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		snap, err := tx.LoadCartSnapshot(ctx, req.CartID, true)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %d", ErrCartNotFound, req.CartID)
			}
			return err
		}
		if snap.IsEmpty() {
			return ErrEmptyCart
		}

		now := l.now()
		shippingCost := models.ShippingCost(req.ShippingMethod)
		subtotal := snap.Subtotal()
		order = &models.Order{
			OrderID:         l.newOrderID(now),
			Status:          models.OrderStatusPending,
			Customer:        req.Customer,
			ShippingAddress: req.ShippingAddress,
			ShippingMethod:  req.ShippingMethod,
			ShippingCost:    shippingCost,
			Subtotal:        subtotal,
			Total:           subtotal.Add(shippingCost),
			Notes:           req.Notes,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}

		order.Items = itemsFromSnapshot(snap, now)
		if err := tx.InsertOrderItems(ctx, order.OrderID, order.Items); err != nil {
			return err
		}
		return tx.ClearCart(ctx, req.CartID)
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func itemsFromSnapshot(snap *models.CartSnapshot, now time.Time) []models.OrderItem {
	items := make([]models.OrderItem, 0, len(snap.Lines))
	for _, line := range snap.Lines {
		snapshot := make(map[string]string, len(line.Attributes))
		for k, v := range line.Attributes {
			snapshot[k] = v
		}
		items = append(items, models.OrderItem{
			ProductID:       line.ProductID,
			ProductName:     line.Name,
			ProductSlug:     line.Slug,
			ProductPrice:    line.UnitPrice,
			Size:            line.Size,
			Quantity:        line.Quantity,
			LineTotal:       line.LineTotal(),
			ProductSnapshot: snapshot,
			CreatedAt:       now,
		})
	}
	return items
}

func (l *Ledger) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := l.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return nil, err
	}
	return order, nil
}

func (l *Ledger) CheckoutSummary(ctx context.Context, cartID int64) (*CheckoutSummary, error) {
	snap, err := l.store.LoadCartSnapshot(ctx, cartID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrCartNotFound, cartID)
		}
		return nil, err
	}
	if snap.IsEmpty() {
		return nil, ErrEmptyCart
	}
	return &CheckoutSummary{
		Cart:            snap,
		Subtotal:        snap.Subtotal(),
		TotalItems:      snap.TotalItems(),
		ShippingOptions: models.ShippingOptions,
	}, nil
}

// MarkPaid settles the order inside the caller's transaction. It reports
// whether the status changed. Orders already paid, shipped or delivered are
// left alone, as are orders the lifecycle does not allow to become paid.
func (l *Ledger) MarkPaid(ctx context.Context, tx store.Tx, orderID string) (bool, error) {
	order, err := tx.GetOrderForUpdate(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return false, err
	}

	log := l.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"status":   string(order.Status),
	})
	if order.Status.IsSettled() {
		log.Debug("Order already settled, nothing to do")
		return false, nil
	}
	if !models.CanTransition(order.Status, models.OrderStatusPaid) {
		log.Warn("Successful payment for an order that cannot become paid, skipping settlement")
		return false, nil
	}

	if err := tx.UpdateOrderStatus(ctx, orderID, models.OrderStatusPaid, l.now()); err != nil {
		return false, err
	}
	log.Info("Order marked as paid")
	return true, nil
}
