package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusWaiting       PaymentStatus = "waiting"
	PaymentStatusConfirming    PaymentStatus = "confirming"
	PaymentStatusConfirmed     PaymentStatus = "confirmed"
	PaymentStatusSending       PaymentStatus = "sending"
	PaymentStatusPartiallyPaid PaymentStatus = "partially_paid"
	PaymentStatusFinished      PaymentStatus = "finished"
	PaymentStatusFailed        PaymentStatus = "failed"
	PaymentStatusRefunded      PaymentStatus = "refunded"
	PaymentStatusExpired       PaymentStatus = "expired"
)

var providerStatuses = map[string]PaymentStatus{
	"waiting":        PaymentStatusWaiting,
	"confirming":     PaymentStatusConfirming,
	"confirmed":      PaymentStatusConfirmed,
	"sending":        PaymentStatusSending,
	"partially_paid": PaymentStatusPartiallyPaid,
	"finished":       PaymentStatusFinished,
	"failed":         PaymentStatusFailed,
	"refunded":       PaymentStatusRefunded,
	"expired":        PaymentStatusExpired,
}

// MapProviderStatus translates a provider status string into the local enum.
// Unrecognized values map to waiting and report known=false.
func MapProviderStatus(raw string) (status PaymentStatus, known bool) {
	status, known = providerStatuses[strings.ToLower(strings.TrimSpace(raw))]
	if !known {
		return PaymentStatusWaiting, false
	}
	return status, true
}

// IsSuccessful reports whether the payment settles its order.
func (s PaymentStatus) IsSuccessful() bool {
	return s == PaymentStatusFinished || s == PaymentStatusConfirmed
}

func (s PaymentStatus) IsPending() bool {
	return s == PaymentStatusWaiting || s == PaymentStatusConfirming || s == PaymentStatusSending
}

func (s PaymentStatus) IsFailed() bool {
	return s == PaymentStatusFailed || s == PaymentStatusExpired || s == PaymentStatusRefunded
}

type Payment struct {
	ID                int64               `json:"id"`
	OrderID           string              `json:"order_id"`
	InvoiceID         string              `json:"invoice_id"`
	ProviderPaymentID string              `json:"provider_payment_id,omitempty"`
	Status            PaymentStatus       `json:"status"`
	PriceAmount       decimal.Decimal     `json:"price_amount"`
	PriceCurrency     string              `json:"price_currency"`
	PayAmount         decimal.NullDecimal `json:"pay_amount"`
	PayCurrency       string              `json:"pay_currency,omitempty"`
	ActuallyPaid      decimal.NullDecimal `json:"actually_paid"`
	InvoiceURL        string              `json:"invoice_url"`
	WebhookData       json.RawMessage     `json:"webhook_data,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}
