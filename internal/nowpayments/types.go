// Package nowpayments talks to a NOWPayments-compatible crypto payment API:
// invoice creation on the way out and IPN payload parsing on the way in.
package nowpayments

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// ID is a provider identifier. The API sends ids as JSON strings or numbers
// depending on endpoint and version; both decode to the literal text.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*id = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number, got %s", data)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string {
	return string(id)
}

// InvoiceRequest describes the invoice the shop wants the provider to issue.
type InvoiceRequest struct {
	PriceAmount      decimal.Decimal
	PriceCurrency    string
	OrderID          string
	OrderDescription string
	IPNCallbackURL   string
	SuccessURL       string
	CancelURL        string
	PayCurrency      string
}

// invoiceBody is the wire form of InvoiceRequest. price_amount goes out as a JSON number.
type invoiceBody struct {
	PriceAmount      json.Number `json:"price_amount"`
	PriceCurrency    string      `json:"price_currency"`
	OrderID          string      `json:"order_id"`
	OrderDescription string      `json:"order_description,omitempty"`
	IPNCallbackURL   string      `json:"ipn_callback_url"`
	SuccessURL       string      `json:"success_url"`
	CancelURL        string      `json:"cancel_url"`
	PayCurrency      string      `json:"pay_currency,omitempty"`
}

func (r InvoiceRequest) body() invoiceBody {
	return invoiceBody{
		PriceAmount:      json.Number(r.PriceAmount.StringFixed(2)),
		PriceCurrency:    r.PriceCurrency,
		OrderID:          r.OrderID,
		OrderDescription: r.OrderDescription,
		IPNCallbackURL:   r.IPNCallbackURL,
		SuccessURL:       r.SuccessURL,
		CancelURL:        r.CancelURL,
		PayCurrency:      r.PayCurrency,
	}
}

// Invoice is the validated provider response to an invoice request.
type Invoice struct {
	ID            ID               `json:"id" validate:"required"`
	InvoiceURL    string           `json:"invoice_url" validate:"required,url"`
	PriceAmount   *decimal.Decimal `json:"price_amount" validate:"required"`
	PriceCurrency string           `json:"price_currency" validate:"required"`
	PayCurrency   string           `json:"pay_currency,omitempty"`
	OrderID       string           `json:"order_id,omitempty"`
}
