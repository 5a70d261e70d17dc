package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/cryptoshop/internal/events"
	"github.com/jogardn/cryptoshop/internal/nowpayments"
	"github.com/jogardn/cryptoshop/internal/orders"
	"github.com/jogardn/cryptoshop/internal/store"
	"github.com/jogardn/cryptoshop/pkg/models"
)

// Stats are process-lifetime reconciler counters.
type Stats struct {
	Processed        int64 `json:"processed"`
	Settled          int64 `json:"settled"`
	UnmappedStatuses int64 `json:"unmapped_statuses"`
}

// Reconciler applies verified provider notifications. Every notification sets
// the payment to the provider's latest state; deliveries may repeat or arrive
// out of order.
type Reconciler struct {
	store     store.Store
	ledger    *orders.Ledger
	publisher events.Publisher
	logger    *logrus.Logger
	now       func() time.Time

	processed atomic.Int64
	settled   atomic.Int64
	unmapped  atomic.Int64
}

func NewReconciler(st store.Store, ledger *orders.Ledger, publisher events.Publisher, logger *logrus.Logger) *Reconciler {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Reconciler{
		store:     st,
		ledger:    ledger,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ProcessWebhook records the notification on the payment for its invoice and
// settles the order when the payment succeeded. raw is stored verbatim as the
// last webhook payload. Unknown invoices yield ErrPaymentNotFound; no payment
// is ever created here.
func (r *Reconciler) ProcessWebhook(ctx context.Context, ipn *nowpayments.IPN, raw []byte) (*models.Payment, error) {
	status, known := models.MapProviderStatus(ipn.PaymentStatus)
	log := r.logger.WithFields(logrus.Fields{
		"invoice_id":     ipn.InvoiceID.String(),
		"payment_id":     ipn.PaymentID.String(),
		"payment_status": ipn.PaymentStatus,
	})
	var payment *models.Payment
	var orderStatus models.OrderStatus
	var settled bool
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		payment, err = tx.GetPaymentByInvoiceForUpdate(ctx, ipn.InvoiceID.String())
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: invoice %s", ErrPaymentNotFound, ipn.InvoiceID)
			}
			return err
		}

		payment.ProviderPaymentID = ipn.PaymentID.String()
		payment.PayAmount = ipn.PayAmount
		payment.PayCurrency = ipn.PayCurrency
		payment.ActuallyPaid = ipn.ActuallyPaid
		payment.WebhookData = json.RawMessage(append([]byte(nil), raw...))
		payment.Status = status
		payment.UpdatedAt = r.now()
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return err
		}

		if status.IsSuccessful() {
			if settled, err = r.ledger.MarkPaid(ctx, tx, payment.OrderID); err != nil {
				return err
			}
		}

		order, err := tx.GetOrderForUpdate(ctx, payment.OrderID)
		if err != nil {
			return err
		}
		orderStatus = order.Status
		return nil
	})
	if err != nil {
		log.WithError(err).Error("Failed to process webhook")
		return nil, err
	}

	r.processed.Add(1)
	if !known {
		r.unmapped.Add(1)
		log.WithField("mapped_to", string(status)).Warn("Unmapped provider payment status")
	}
	if settled {
		r.settled.Add(1)
	}
	log.WithFields(logrus.Fields{
		"order_id":     payment.OrderID,
		"status":       string(payment.Status),
		"order_status": string(orderStatus),
	}).Info("Webhook processed")

	r.publish(ctx, payment, orderStatus)
	return payment, nil
}

func (r *Reconciler) publish(ctx context.Context, payment *models.Payment, orderStatus models.OrderStatus) {
	event := events.PaymentStatusChanged{
		OrderID:      payment.OrderID,
		InvoiceID:    payment.InvoiceID,
		PaymentID:    payment.ID,
		Status:       payment.Status,
		OrderStatus:  orderStatus,
		ActuallyPaid: payment.ActuallyPaid,
		PayCurrency:  payment.PayCurrency,
		EventTime:    r.now(),
	}
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.WithError(err).WithField("order_id", payment.OrderID).Warn("Failed to publish payment event")
	}
}

func (r *Reconciler) Stats() Stats {
	return Stats{
		Processed:        r.processed.Load(),
		Settled:          r.settled.Load(),
		UnmappedStatuses: r.unmapped.Load(),
	}
}
