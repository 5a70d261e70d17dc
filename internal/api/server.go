// Package api exposes checkout, invoice and webhook endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/cryptoshop/internal/circuitbreaker"
	"github.com/jogardn/cryptoshop/internal/orders"
	"github.com/jogardn/cryptoshop/internal/payments"
	"github.com/jogardn/cryptoshop/internal/webhook"
)

const (
	// maxWebhookBody caps provider notification bodies.
	maxWebhookBody = 1 << 20
	// maxCheckoutBody caps customer checkout submissions.
	maxCheckoutBody = 64 << 10
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type WebSocketHandler interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
}

type InvoiceCreator interface {
	CreateInvoice(ctx context.Context, orderID string, cb payments.Callbacks) (*payments.InvoiceResult, error)
}

type Deps struct {
	Ledger        *orders.Ledger
	Invoices      InvoiceCreator
	Reconciler    *payments.Reconciler
	Authenticator *webhook.Authenticator
	Store         Pinger
	Breakers      *circuitbreaker.Manager
	Hub           WebSocketHandler
	// PublicBaseURL overrides the request host when building provider callback URLs.
	PublicBaseURL string
	Logger        *logrus.Logger
}

type Handler struct {
	ledger        *orders.Ledger
	invoices      InvoiceCreator
	reconciler    *payments.Reconciler
	auth          *webhook.Authenticator
	store         Pinger
	breakers      *circuitbreaker.Manager
	hub           WebSocketHandler
	publicBaseURL string
	logger        *logrus.Logger
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		ledger:        d.Ledger,
		invoices:      d.Invoices,
		reconciler:    d.Reconciler,
		auth:          d.Authenticator,
		store:         d.Store,
		breakers:      d.Breakers,
		hub:           d.Hub,
		publicBaseURL: strings.TrimRight(d.PublicBaseURL, "/"),
		logger:        d.Logger,
	}
}

// Router wires every route. Paths accept an optional trailing slash.
func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter().StrictSlash(true)

	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/checkout", h.Checkout).Methods("GET")
	router.HandleFunc("/orders", h.CreateOrder).Methods("POST")
	router.HandleFunc("/orders/{id}", h.GetOrder).Methods("GET")
	router.HandleFunc("/orders/{id}/awaiting", h.AwaitingPayment).Methods("GET")

	router.HandleFunc("/payments/create/{order_id}", h.CreateInvoice).Methods("GET", "POST")
	router.HandleFunc("/payments/webhook", h.Webhook).Methods("POST")
	router.HandleFunc("/payments/success/{order_id}", h.PaymentSuccess).Methods("GET")
	router.HandleFunc("/payments/failed/{order_id}", h.PaymentFailed).Methods("GET")

	if h.hub != nil {
		router.HandleFunc("/ws", h.hub.HandleWebSocket)
	}

	router.Use(loggingMiddleware(h.logger))
	return router
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode response")
		code = http.StatusInternalServerError
		response = []byte(`{"success":false,"message":"Internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func (h *Handler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, map[string]interface{}{
		"success": false,
		"message": message,
	})
}

// statusRecorder captures the response code for request logging. It does not
// implement http.Hijacker, so websocket upgrades are served unwrapped.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			logger.WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
				"remote": r.RemoteAddr,
			}).Debug("Request received")

			rec := w
			var recorder *statusRecorder
			if !isUpgrade(r) {
				recorder = &statusRecorder{ResponseWriter: w, status: http.StatusOK}
				rec = recorder
			}
			next.ServeHTTP(rec, r)

			fields := logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start).Milliseconds(),
			}
			if recorder != nil {
				fields["status"] = recorder.status
			}
			logger.WithFields(fields).Info("Request completed")
		})
	}
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
