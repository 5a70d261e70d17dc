package nowpayments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/cryptoshop/internal/circuitbreaker"
	"github.com/jogardn/cryptoshop/internal/config"
)

func newTestClient(t *testing.T, baseURL, apiKey string, maxFailures int) *Client {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	breaker := circuitbreaker.New(circuitbreaker.Config{Name: "nowpayments", MaxFailures: maxFailures, Timeout: time.Minute}, logger)
	return NewClient(config.NOWPaymentsConfig{
		APIKey:  apiKey,
		BaseURL: baseURL,
		Timeout: 2 * time.Second,
	}, breaker, logger)
}

func sampleRequest() InvoiceRequest {
	return InvoiceRequest{
		PriceAmount:      decimal.RequireFromString("210"),
		PriceCurrency:    "usd",
		OrderID:          "ORD-20250301-0A1B2C3D",
		OrderDescription: "Order ORD-20250301-0A1B2C3D",
		IPNCallbackURL:   "https://shop.example/payments/webhook",
		SuccessURL:       "https://shop.example/payments/success/ORD-20250301-0A1B2C3D",
		CancelURL:        "https://shop.example/payments/failed/ORD-20250301-0A1B2C3D",
	}
}

func TestCreateInvoiceSendsExpectedRequest(t *testing.T) {
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/invoice" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get(APIKeyHeader) != "key-123" {
			t.Errorf("Expected API key header, got %q", r.Header.Get(APIKeyHeader))
		}
		raw, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(raw), `"price_amount":210.00`) {
			t.Errorf("Expected numeric price_amount, got %s", raw)
		}
		_ = json.Unmarshal(raw, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":5077125051,"invoice_url":"https://nowpayments.io/payment/?iid=5077125051","price_amount":"210","price_currency":"usd","pay_currency":null}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL+"/v1", "key-123", 5)
	invoice, err := client.CreateInvoice(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("CreateInvoice() error = %v", err)
	}

	if invoice.ID != "5077125051" {
		t.Errorf("Expected numeric id decoded as text, got %q", invoice.ID)
	}
	if !invoice.PriceAmount.Equal(decimal.NewFromInt(210)) {
		t.Errorf("Expected price 210, got %s", invoice.PriceAmount)
	}
	if gotBody["order_id"] != "ORD-20250301-0A1B2C3D" || gotBody["ipn_callback_url"] == "" {
		t.Errorf("Unexpected request body %v", gotBody)
	}
	if _, ok := gotBody["pay_currency"]; ok {
		t.Error("Expected empty pay_currency to be omitted")
	}
}

func TestCreateInvoiceFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{name: "server_error", status: http.StatusBadGateway, body: `upstream down`, wantMsg: "status 502"},
		{name: "client_error", status: http.StatusBadRequest, body: `{"message":"price too low"}`, wantMsg: "price too low"},
		{name: "malformed_json", status: http.StatusOK, body: `not json`, wantMsg: "malformed"},
		{name: "missing_invoice_url", status: http.StatusOK, body: `{"id":"1","price_amount":1,"price_currency":"usd"}`, wantMsg: "incomplete"},
		{name: "missing_id", status: http.StatusOK, body: `{"invoice_url":"https://p/1","price_amount":1,"price_currency":"usd"}`, wantMsg: "incomplete"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := newTestClient(t, server.URL, "key", 5)
			_, err := client.CreateInvoice(context.Background(), sampleRequest())
			if !errors.Is(err, ErrInvoiceCreation) {
				t.Fatalf("Expected ErrInvoiceCreation, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Expected error to mention %q, got %v", tt.wantMsg, err)
			}
		})
	}
}

func TestCreateInvoiceMissingAPIKey(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "", 5)
	_, err := client.CreateInvoice(context.Background(), sampleRequest())
	if !errors.Is(err, ErrAPIKeyNotConfigured) {
		t.Fatalf("Expected ErrAPIKeyNotConfigured, got %v", err)
	}
	if errors.Is(err, ErrInvoiceCreation) {
		t.Error("Configuration errors must stay distinct from provider errors")
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Error("Provider must not be contacted without an API key")
	}
}

func TestCreateInvoiceBreakerFailsFast(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "key", 2)
	for i := 0; i < 2; i++ {
		if _, err := client.CreateInvoice(context.Background(), sampleRequest()); !errors.Is(err, ErrInvoiceCreation) {
			t.Fatalf("Attempt %d: expected ErrInvoiceCreation, got %v", i, err)
		}
	}

	_, err := client.CreateInvoice(context.Background(), sampleRequest())
	if !errors.Is(err, circuitbreaker.ErrOpen) || !errors.Is(err, ErrInvoiceCreation) {
		t.Fatalf("Expected ErrOpen wrapped in ErrInvoiceCreation, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Errorf("Expected provider hit twice, got %d", got)
	}
}

func TestCreateInvoiceClientErrorsDoNotTripBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "key", 1)
	for i := 0; i < 3; i++ {
		_, err := client.CreateInvoice(context.Background(), sampleRequest())
		if errors.Is(err, circuitbreaker.ErrOpen) {
			t.Fatalf("Attempt %d: breaker opened on a 4xx reply", i)
		}
	}
}

func stallingServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.ReadAll(r.Body)
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestCreateInvoiceCallerDeadline(t *testing.T) {
	server := stallingServer(t)

	client := newTestClient(t, server.URL, "key", 5)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.CreateInvoice(ctx, sampleRequest())
	if !errors.Is(err, ErrInvoiceCreation) {
		t.Fatalf("Expected ErrInvoiceCreation on timeout, got %v", err)
	}
}

func TestCreateInvoiceConfiguredTimeout(t *testing.T) {
	server := stallingServer(t)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	client := NewClient(config.NOWPaymentsConfig{
		APIKey:  "key",
		BaseURL: server.URL,
		Timeout: 100 * time.Millisecond,
	}, circuitbreaker.New(circuitbreaker.Config{Name: "nowpayments", MaxFailures: 5, Timeout: time.Minute}, logger), logger)

	start := time.Now()
	_, err := client.CreateInvoice(context.Background(), sampleRequest())
	if !errors.Is(err, ErrInvoiceCreation) {
		t.Fatalf("Expected ErrInvoiceCreation on timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Expected the client timeout to bound the call, took %s", elapsed)
	}
}
