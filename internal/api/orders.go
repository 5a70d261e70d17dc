package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/cryptoshop/internal/orders"
	"github.com/jogardn/cryptoshop/pkg/models"
)

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	cartID, err := strconv.ParseInt(r.URL.Query().Get("cart_id"), 10, 64)
	if err != nil || cartID <= 0 {
		h.respondWithError(w, http.StatusBadRequest, "cart_id must be a positive integer")
		return
	}

	summary, err := h.ledger.CheckoutSummary(r.Context(), cartID)
	if err != nil {
		h.respondWithOrderError(w, err, "Failed to load checkout")
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"checkout": summary,
	})
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.CheckoutRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCheckoutBody)).Decode(&req); err != nil {
		h.logger.WithError(err).Warn("Failed to decode checkout request")
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	created, err := h.ledger.CreateOrder(r.Context(), req)
	if err != nil {
		var verr *orders.ValidationError
		if errors.As(err, &verr) {
			h.respondWithJSON(w, http.StatusBadRequest, map[string]interface{}{
				"success": false,
				"message": "Invalid checkout request",
				"errors":  verr.Fields,
			})
			return
		}
		h.respondWithOrderError(w, err, "Failed to create order")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, map[string]interface{}{
		"success":      true,
		"order_id":     created.OrderID,
		"subtotal":     created.Subtotal,
		"shipping":     created.ShippingCost,
		"total":        created.Total,
		"redirect_url": "/payments/create/" + created.OrderID,
	})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOrder(w, r, mux.Vars(r)["id"])
	if !ok {
		return
	}
	h.respondWithJSON(w, http.StatusOK, models.OrderResponse{Success: true, Order: order})
}

// AwaitingPayment backs the page shown while the customer pays on the
// provider's hosted invoice.
func (h *Handler) AwaitingPayment(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOrder(w, r, mux.Vars(r)["id"])
	if !ok {
		return
	}
	h.respondWithJSON(w, http.StatusOK, paymentView(order))
}

func (h *Handler) loadOrder(w http.ResponseWriter, r *http.Request, orderID string) (*models.Order, bool) {
	order, err := h.ledger.GetOrder(r.Context(), orderID)
	if err != nil {
		h.respondWithOrderError(w, err, "Failed to get order")
		return nil, false
	}
	return order, true
}

func paymentView(order *models.Order) map[string]interface{} {
	return map[string]interface{}{
		"success":      true,
		"order_id":     order.OrderID,
		"order_status": order.Status,
		"total":        order.Total,
		"payment":      order.Payment,
	}
}

// respondWithOrderError maps ledger errors onto HTTP statuses; anything
// unrecognized is logged and reported as an internal error.
func (h *Handler) respondWithOrderError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, orders.ErrOrderNotFound):
		h.respondWithError(w, http.StatusNotFound, "Order not found")
	case errors.Is(err, orders.ErrCartNotFound):
		h.respondWithError(w, http.StatusNotFound, "Cart not found")
	case errors.Is(err, orders.ErrEmptyCart):
		h.respondWithError(w, http.StatusBadRequest, "Cart is empty")
	case errors.Is(err, orders.ErrInvalidRequest):
		h.respondWithError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.WithError(err).Error(fallback)
		h.respondWithError(w, http.StatusInternalServerError, fallback)
	}
}

func orderFields(orderID string) logrus.Fields {
	return logrus.Fields{"order_id": orderID}
}
