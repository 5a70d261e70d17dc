// Package payments creates provider invoices for orders and reconciles the
// provider's status notifications against them.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/cryptoshop/internal/nowpayments"
	"github.com/jogardn/cryptoshop/internal/orders"
	"github.com/jogardn/cryptoshop/internal/store"
	"github.com/jogardn/cryptoshop/pkg/models"
)

var (
	ErrOrderNotPayable = errors.New("order is not awaiting an invoice")
	ErrPaymentNotFound = errors.New("payment not found")
)

// InvoiceProvider is satisfied by *nowpayments.Client.
type InvoiceProvider interface {
	CreateInvoice(ctx context.Context, req nowpayments.InvoiceRequest) (*nowpayments.Invoice, error)
}

// Callbacks are the absolute URLs the provider calls or redirects to.
type Callbacks struct {
	IPNCallbackURL string
	SuccessURL     string
	CancelURL      string
}

type InvoiceResult struct {
	InvoiceURL string          `json:"invoice_url"`
	InvoiceID  string          `json:"invoice_id"`
	Existing   bool            `json:"existing"`
	Payment    *models.Payment `json:"-"`
}

type InvoiceService struct {
	store         store.Store
	ledger        *orders.Ledger
	provider      InvoiceProvider
	priceCurrency string
	logger        *logrus.Logger
	now           func() time.Time
}

func NewInvoiceService(st store.Store, ledger *orders.Ledger, provider InvoiceProvider, priceCurrency string, logger *logrus.Logger) *InvoiceService {
	if priceCurrency == "" {
		priceCurrency = "usd"
	}
	return &InvoiceService{
		store:         st,
		ledger:        ledger,
		provider:      provider,
		priceCurrency: priceCurrency,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// CreateInvoice returns the order's invoice, requesting one from the provider
// only when the order has none. The provider is called outside the database
// transaction; the payment row and the move to awaiting_payment are committed
// together afterwards.
func (s *InvoiceService) CreateInvoice(ctx context.Context, orderID string, cb Callbacks) (*InvoiceResult, error) {
	order, err := s.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Payment != nil {
		return existingResult(order.Payment), nil
	}
	if order.Status != models.OrderStatusPending {
		return nil, fmt.Errorf("%w: order %s is %s", ErrOrderNotPayable, orderID, order.Status)
	}

	invoice, err := s.provider.CreateInvoice(ctx, nowpayments.InvoiceRequest{
		PriceAmount:      order.Total,
		PriceCurrency:    s.priceCurrency,
		OrderID:          order.OrderID,
		OrderDescription: "Order " + order.OrderID,
		IPNCallbackURL:   cb.IPNCallbackURL,
		SuccessURL:       cb.SuccessURL,
		CancelURL:        cb.CancelURL,
	})
	if err != nil {
		return nil, err
	}

	var result *InvoiceResult
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		locked, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		existing, err := tx.GetPaymentByOrder(ctx, orderID)
		switch {
		case err == nil:
			result = existingResult(existing)
			return nil
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		if !models.CanTransition(locked.Status, models.OrderStatusAwaitingPayment) {
			return fmt.Errorf("%w: order %s is %s", ErrOrderNotPayable, orderID, locked.Status)
		}

		now := s.now()
		payment := &models.Payment{
			OrderID:       orderID,
			InvoiceID:     invoice.ID.String(),
			Status:        models.PaymentStatusWaiting,
			PriceAmount:   *invoice.PriceAmount,
			PriceCurrency: invoice.PriceCurrency,
			PayCurrency:   invoice.PayCurrency,
			InvoiceURL:    invoice.InvoiceURL,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}
		if err := tx.UpdateOrderStatus(ctx, orderID, models.OrderStatusAwaitingPayment, now); err != nil {
			return err
		}
		result = &InvoiceResult{InvoiceURL: payment.InvoiceURL, InvoiceID: payment.InvoiceID, Payment: payment}
		return nil
	})

	if errors.Is(err, store.ErrDuplicate) {
		// A concurrent request committed its payment first.
		winner, getErr := s.store.GetPaymentByOrder(ctx, orderID)
		if getErr != nil {
			return nil, fmt.Errorf("failed to load concurrent payment for order %s: %w", orderID, getErr)
		}
		result, err = existingResult(winner), nil
	}
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"order_id":   orderID,
			"invoice_id": invoice.ID.String(),
		}).Error("Failed to record invoice")
		return nil, err
	}

	log := s.logger.WithFields(logrus.Fields{
		"order_id":   orderID,
		"invoice_id": result.InvoiceID,
	})
	if result.Existing {
		log.WithField("orphaned_invoice_id", invoice.ID.String()).Warn("Invoice already recorded by a concurrent request")
	} else {
		log.Info("Invoice recorded, order awaiting payment")
	}
	return result, nil
}

func existingResult(p *models.Payment) *InvoiceResult {
	return &InvoiceResult{
		InvoiceURL: p.InvoiceURL,
		InvoiceID:  p.InvoiceID,
		Existing:   true,
		Payment:    p,
	}
}
