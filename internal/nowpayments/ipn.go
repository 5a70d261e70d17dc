package nowpayments

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ErrInvalidIPN marks a webhook body that is not a usable payment notification.
var ErrInvalidIPN = errors.New("invalid payment notification")

// IPN is an instant payment notification posted by the provider. Amounts may
// arrive as JSON numbers or numeric strings.
type IPN struct {
	PaymentID        ID                  `json:"payment_id" validate:"required"`
	InvoiceID        ID                  `json:"invoice_id" validate:"required"`
	PaymentStatus    string              `json:"payment_status" validate:"required"`
	PayAddress       string              `json:"pay_address,omitempty"`
	PriceAmount      decimal.NullDecimal `json:"price_amount"`
	PriceCurrency    string              `json:"price_currency,omitempty"`
	PayAmount        decimal.NullDecimal `json:"pay_amount"`
	PayCurrency      string              `json:"pay_currency,omitempty"`
	ActuallyPaid     decimal.NullDecimal `json:"actually_paid"`
	OrderID          string              `json:"order_id,omitempty"`
	OrderDescription string              `json:"order_description,omitempty"`
	OutcomeAmount    decimal.NullDecimal `json:"outcome_amount"`
	OutcomeCurrency  string              `json:"outcome_currency,omitempty"`
}

// ParseIPN decodes and validates a notification body. It fails closed: any
// missing identifier or status yields ErrInvalidIPN.
func ParseIPN(body []byte) (*IPN, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrInvalidIPN)
	}

	var ipn IPN
	if err := json.Unmarshal(trimmed, &ipn); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIPN, err)
	}
	if err := validate.Struct(&ipn); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return nil, fmt.Errorf("%w: missing %s", ErrInvalidIPN, jsonName(fieldErrs[0].Field()))
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidIPN, err)
	}
	return &ipn, nil
}

func jsonName(field string) string {
	switch field {
	case "PaymentID":
		return "payment_id"
	case "InvoiceID":
		return "invoice_id"
	case "PaymentStatus":
		return "payment_status"
	}
	return field
}
