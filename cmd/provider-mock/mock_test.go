package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/cryptoshop/internal/circuitbreaker"
	"github.com/jogardn/cryptoshop/internal/config"
	"github.com/jogardn/cryptoshop/internal/nowpayments"
	"github.com/jogardn/cryptoshop/internal/webhook"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func startMock(t *testing.T) (*Provider, *httptest.Server) {
	t.Helper()
	provider := NewProvider("key", "secret", "", testLogger())
	server := httptest.NewServer(provider.Router())
	provider.publicURL = server.URL
	t.Cleanup(server.Close)
	return provider, server
}

func TestInvoiceRoundTripWithClient(t *testing.T) {
	_, server := startMock(t)
	logger := testLogger()
	client := nowpayments.NewClient(config.NOWPaymentsConfig{
		APIKey:  "key",
		BaseURL: server.URL + "/v1",
		Timeout: 5 * time.Second,
	}, circuitbreaker.New(circuitbreaker.Config{Name: "nowpayments"}, logger), logger)

	invoice, err := client.CreateInvoice(context.Background(), nowpayments.InvoiceRequest{
		PriceAmount:    decimal.RequireFromString("210.00"),
		PriceCurrency:  "usd",
		OrderID:        "ORD-20250301-0A1B2C3D",
		IPNCallbackURL: "http://shop.local/payments/webhook",
	})
	if err != nil {
		t.Fatalf("CreateInvoice() error = %v", err)
	}
	if invoice.ID == "" || !invoice.PriceAmount.Equal(decimal.RequireFromString("210")) {
		t.Errorf("Unexpected invoice %+v", invoice)
	}

	resp, err := http.Get(invoice.InvoiceURL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected hosted invoice to resolve, got %d", resp.StatusCode)
	}
}

func TestCreateInvoiceRequiresAPIKey(t *testing.T) {
	_, server := startMock(t)

	resp, err := http.Post(server.URL+"/v1/invoice", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403 without api key, got %d", resp.StatusCode)
	}
}

func TestSimulateSendsSignedWebhook(t *testing.T) {
	auth := webhook.NewAuthenticator("secret", testLogger())
	received := make(chan map[string]interface{}, 1)
	shop := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := auth.Verify(webhook.Request{Body: body, Signature: r.Header.Get(webhook.SignatureHeader)}); err != nil {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var payload map[string]interface{}
		json.Unmarshal(body, &payload)
		received <- payload
		w.Write([]byte(`{"success":true}`))
	}))
	defer shop.Close()

	provider, server := startMock(t)
	provider.invoices["4522625843"] = &mockInvoice{
		ID:             "4522625843",
		OrderID:        "ORD-20250301-0A1B2C3D",
		PriceAmount:    decimal.RequireFromString("210"),
		PriceCurrency:  "usd",
		IPNCallbackURL: shop.URL,
	}

	resp, err := http.Post(server.URL+"/v1/simulate/4522625843?status=finished&actually_paid=0.005", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var result struct {
		Delivered      bool `json:"delivered"`
		ResponseStatus int  `json:"response_status"`
	}
	json.NewDecoder(resp.Body).Decode(&result)
	if !result.Delivered || result.ResponseStatus != http.StatusOK {
		t.Fatalf("Expected accepted delivery, got %+v", result)
	}

	payload := <-received
	ipnBody, _ := json.Marshal(payload)
	ipn, err := nowpayments.ParseIPN(ipnBody)
	if err != nil {
		t.Fatalf("ParseIPN() error = %v", err)
	}
	if ipn.InvoiceID != "4522625843" || ipn.PaymentStatus != "finished" {
		t.Errorf("Unexpected IPN %+v", ipn)
	}
	if !ipn.ActuallyPaid.Valid || !ipn.ActuallyPaid.Decimal.Equal(decimal.RequireFromString("0.005")) {
		t.Errorf("Expected actually_paid 0.005, got %+v", ipn.ActuallyPaid)
	}
}

func TestSimulateUnknownInvoice(t *testing.T) {
	_, server := startMock(t)
	resp, err := http.Post(server.URL+"/v1/simulate/404", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}
