package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/jogardn/cryptoshop/internal/circuitbreaker"
	"github.com/jogardn/cryptoshop/internal/nowpayments"
	"github.com/jogardn/cryptoshop/internal/orders"
	"github.com/jogardn/cryptoshop/internal/payments"
	"github.com/jogardn/cryptoshop/internal/webhook"
)

// CreateInvoice redirects the customer to the provider's hosted invoice,
// creating it on first use. Clients asking for JSON get the URL instead.
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]
	base := h.baseURL(r)

	result, err := h.invoices.CreateInvoice(r.Context(), orderID, payments.Callbacks{
		IPNCallbackURL: base + "/payments/webhook",
		SuccessURL:     base + "/payments/success/" + orderID,
		CancelURL:      base + "/payments/failed/" + orderID,
	})
	if err != nil {
		h.respondWithInvoiceError(w, orderID, err)
		return
	}

	if wantsJSON(r) {
		h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
			"success":     true,
			"order_id":    orderID,
			"invoice_id":  result.InvoiceID,
			"invoice_url": result.InvoiceURL,
			"existing":    result.Existing,
		})
		return
	}
	http.Redirect(w, r, result.InvoiceURL, http.StatusFound)
}

func (h *Handler) respondWithInvoiceError(w http.ResponseWriter, orderID string, err error) {
	log := h.logger.WithFields(orderFields(orderID)).WithError(err)
	switch {
	case errors.Is(err, orders.ErrOrderNotFound):
		h.respondWithError(w, http.StatusNotFound, "Order not found")
	case errors.Is(err, payments.ErrOrderNotPayable):
		h.respondWithError(w, http.StatusConflict, "Order cannot be paid in its current state")
	case errors.Is(err, nowpayments.ErrAPIKeyNotConfigured):
		log.Error("Payment provider is not configured")
		h.respondWithError(w, http.StatusInternalServerError, "Payment provider not configured")
	case errors.Is(err, circuitbreaker.ErrOpen):
		log.Warn("Payment provider circuit open")
		h.respondWithError(w, http.StatusBadGateway, "Payment provider temporarily unavailable, please retry")
	case errors.Is(err, nowpayments.ErrInvoiceCreation):
		log.Error("Invoice creation failed")
		h.respondWithError(w, http.StatusBadGateway, "Failed to create invoice, please retry")
	default:
		log.Error("Failed to create invoice")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to create invoice")
	}
}

// Webhook receives provider payment notifications. Response bodies follow the
// provider-facing {"error": ...} shape rather than the customer-facing one.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.respondWithJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid body"})
		return
	}

	err = h.auth.Verify(webhook.Request{
		Body:      body,
		Signature: r.Header.Get(webhook.SignatureHeader),
		Remote:    r.RemoteAddr,
	})
	switch {
	case errors.Is(err, webhook.ErrMissingSignature):
		h.respondWithJSON(w, http.StatusBadRequest, map[string]string{"error": "No signature provided"})
		return
	case errors.Is(err, webhook.ErrInvalidPayload):
		h.respondWithJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
		return
	case errors.Is(err, webhook.ErrSecretNotConfigured):
		h.respondWithJSON(w, http.StatusInternalServerError, map[string]string{"error": "Configuration error"})
		return
	case err != nil:
		h.respondWithJSON(w, http.StatusForbidden, map[string]string{"error": "Invalid signature"})
		return
	}

	ipn, err := nowpayments.ParseIPN(body)
	if err != nil {
		h.logger.WithError(err).Warn("Authenticated webhook with unusable payload")
		h.respondWithJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid payload"})
		return
	}

	payment, err := h.reconciler.ProcessWebhook(r.Context(), ipn, body)
	if err != nil {
		h.respondWithJSON(w, http.StatusInternalServerError, map[string]string{"error": "Processing failed"})
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"payment_id": payment.ID,
		"status":     payment.Status,
	})
}

func (h *Handler) PaymentSuccess(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOrder(w, r, mux.Vars(r)["order_id"])
	if !ok {
		return
	}
	view := paymentView(order)
	view["items"] = order.Items
	h.respondWithJSON(w, http.StatusOK, view)
}

func (h *Handler) PaymentFailed(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]
	order, ok := h.loadOrder(w, r, orderID)
	if !ok {
		return
	}
	view := paymentView(order)
	view["retry_url"] = "/payments/create/" + orderID
	h.respondWithJSON(w, http.StatusOK, view)
}

func (h *Handler) baseURL(r *http.Request) string {
	if h.publicBaseURL != "" {
		return h.publicBaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.SplitN(proto, ",", 2)[0]))
	}
	return scheme + "://" + r.Host
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
