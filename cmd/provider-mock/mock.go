package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/cryptoshop/internal/nowpayments"
	"github.com/jogardn/cryptoshop/internal/webhook"
)

type mockInvoice struct {
	ID               string          `json:"id"`
	OrderID          string          `json:"order_id"`
	OrderDescription string          `json:"order_description,omitempty"`
	PriceAmount      decimal.Decimal `json:"price_amount"`
	PriceCurrency    string          `json:"price_currency"`
	PayCurrency      *string         `json:"pay_currency"`
	IPNCallbackURL   string          `json:"ipn_callback_url"`
	InvoiceURL       string          `json:"invoice_url"`
	SuccessURL       string          `json:"success_url"`
	CancelURL        string          `json:"cancel_url"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`

	paymentID int64
}

type invoiceRequest struct {
	PriceAmount      decimal.Decimal `json:"price_amount"`
	PriceCurrency    string          `json:"price_currency"`
	OrderID          string          `json:"order_id"`
	OrderDescription string          `json:"order_description"`
	IPNCallbackURL   string          `json:"ipn_callback_url"`
	SuccessURL       string          `json:"success_url"`
	CancelURL        string          `json:"cancel_url"`
	PayCurrency      string          `json:"pay_currency"`
}

// Provider is an in-memory stand-in for the payment provider's invoice API.
// It issues invoices and, on request, delivers signed status notifications to
// the invoice's callback URL.
type Provider struct {
	apiKey    string
	ipnSecret string
	publicURL string
	client    *http.Client
	logger    *logrus.Logger

	mutex         sync.RWMutex
	invoices      map[string]*mockInvoice
	nextInvoice   int64
	nextPaymentID int64
}

func NewProvider(apiKey, ipnSecret, publicURL string, logger *logrus.Logger) *Provider {
	return &Provider{
		apiKey:        apiKey,
		ipnSecret:     ipnSecret,
		publicURL:     publicURL,
		client:        &http.Client{Timeout: 10 * time.Second},
		logger:        logger,
		invoices:      make(map[string]*mockInvoice),
		nextInvoice:   4522625842,
		nextPaymentID: 5312978815,
	}
}

func (p *Provider) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", p.healthCheck).Methods("GET")
	router.HandleFunc("/v1/invoice", p.createInvoice).Methods("POST")
	router.HandleFunc("/invoice/{id}", p.getInvoice).Methods("GET")
	router.HandleFunc("/v1/simulate/{invoice_id}", p.simulate).Methods("POST")
	return router
}

func (p *Provider) healthCheck(w http.ResponseWriter, r *http.Request) {
	p.mutex.RLock()
	count := len(p.invoices)
	p.mutex.RUnlock()
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"service":  "provider-mock",
		"invoices": count,
	})
}

func (p *Provider) createInvoice(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(nowpayments.APIKeyHeader) != p.apiKey {
		respondWithJSON(w, http.StatusForbidden, map[string]interface{}{
			"status":     false,
			"statusCode": http.StatusForbidden,
			"code":       "INVALID_API_KEY",
			"message":    "Invalid api key",
		})
		return
	}

	var req invoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithJSON(w, http.StatusBadRequest, map[string]interface{}{
			"status":  false,
			"code":    "INVALID_REQUEST_PARAMS",
			"message": "Invalid request body",
		})
		return
	}
	if !req.PriceAmount.IsPositive() || req.PriceCurrency == "" {
		respondWithJSON(w, http.StatusBadRequest, map[string]interface{}{
			"status":  false,
			"code":    "INVALID_REQUEST_PARAMS",
			"message": "price_amount and price_currency are required",
		})
		return
	}

	now := time.Now().UTC()
	p.mutex.Lock()
	p.nextInvoice++
	id := strconv.FormatInt(p.nextInvoice, 10)
	invoice := &mockInvoice{
		ID:               id,
		OrderID:          req.OrderID,
		OrderDescription: req.OrderDescription,
		PriceAmount:      req.PriceAmount,
		PriceCurrency:    req.PriceCurrency,
		IPNCallbackURL:   req.IPNCallbackURL,
		InvoiceURL:       p.publicURL + "/invoice/" + id,
		SuccessURL:       req.SuccessURL,
		CancelURL:        req.CancelURL,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.PayCurrency != "" {
		invoice.PayCurrency = &req.PayCurrency
	}
	p.invoices[id] = invoice
	issued := *invoice
	p.mutex.Unlock()

	p.logger.WithFields(logrus.Fields{
		"invoice_id":   id,
		"order_id":     req.OrderID,
		"price_amount": req.PriceAmount.String(),
	}).Info("Invoice issued")

	respondWithJSON(w, http.StatusOK, issued)
}

func (p *Provider) getInvoice(w http.ResponseWriter, r *http.Request) {
	invoice, ok := p.lookup(mux.Vars(r)["id"])
	if !ok {
		respondWithJSON(w, http.StatusNotFound, map[string]string{"message": "Invoice not found"})
		return
	}
	respondWithJSON(w, http.StatusOK, invoice)
}

// simulate delivers a signed status notification for the invoice, as the
// provider does when the customer pays.
func (p *Provider) simulate(w http.ResponseWriter, r *http.Request) {
	invoiceID := mux.Vars(r)["invoice_id"]
	invoice, ok := p.lookup(invoiceID)
	if !ok {
		respondWithJSON(w, http.StatusNotFound, map[string]string{"message": "Invoice not found"})
		return
	}

	q := r.URL.Query()
	status := q.Get("status")
	if status == "" {
		status = "finished"
	}
	payCurrency := q.Get("pay_currency")
	if payCurrency == "" {
		payCurrency = "btc"
	}
	actuallyPaid := decimal.Zero
	if raw := q.Get("actually_paid"); raw != "" {
		var err error
		if actuallyPaid, err = decimal.NewFromString(raw); err != nil {
			respondWithJSON(w, http.StatusBadRequest, map[string]string{"message": "actually_paid must be a number"})
			return
		}
	}

	p.mutex.Lock()
	stored := p.invoices[invoiceID]
	if stored.paymentID == 0 {
		p.nextPaymentID++
		stored.paymentID = p.nextPaymentID
	}
	stored.UpdatedAt = time.Now().UTC()
	paymentID := stored.paymentID
	p.mutex.Unlock()

	payload, err := json.Marshal(map[string]interface{}{
		"payment_id":        paymentID,
		"invoice_id":        json.Number(invoice.ID),
		"payment_status":    status,
		"pay_address":       "bc1qmockaddress0000000000000000000000000",
		"price_amount":      json.Number(invoice.PriceAmount.String()),
		"price_currency":    invoice.PriceCurrency,
		"pay_amount":        json.Number(actuallyPaid.String()),
		"actually_paid":     json.Number(actuallyPaid.String()),
		"pay_currency":      payCurrency,
		"order_id":          invoice.OrderID,
		"order_description": invoice.OrderDescription,
		"outcome_amount":    json.Number(actuallyPaid.String()),
		"outcome_currency":  payCurrency,
	})
	if err != nil {
		respondWithJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}

	code, body, err := p.deliver(r.Context(), invoice.IPNCallbackURL, payload)
	log := p.logger.WithFields(logrus.Fields{
		"invoice_id":     invoiceID,
		"payment_status": status,
		"callback":       invoice.IPNCallbackURL,
	})
	if err != nil {
		log.WithError(err).Error("Webhook delivery failed")
		respondWithJSON(w, http.StatusBadGateway, map[string]string{"message": err.Error()})
		return
	}
	log.WithField("response_status", code).Info("Webhook delivered")

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"delivered":       true,
		"response_status": code,
		"response_body":   json.RawMessage(jsonOrString(body)),
		"payload":         json.RawMessage(payload),
	})
}

func (p *Provider) deliver(ctx context.Context, url string, payload []byte) (int, []byte, error) {
	if url == "" {
		return 0, nil, fmt.Errorf("invoice has no ipn_callback_url")
	}
	canonical, err := webhook.Canonicalize(payload)
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.SignatureHeader, webhook.Sign(canonical, p.ipnSecret))

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// lookup returns a copy so callers can read it without holding the lock.
func (p *Provider) lookup(id string) (mockInvoice, bool) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	invoice, ok := p.invoices[id]
	if !ok {
		return mockInvoice{}, false
	}
	return *invoice, true
}

func jsonOrString(body []byte) []byte {
	if json.Valid(body) {
		return body
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
