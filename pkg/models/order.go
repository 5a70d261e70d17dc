package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusProcessing      OrderStatus = "processing"
	OrderStatusAwaitingPayment OrderStatus = "awaiting_payment"
	OrderStatusPaid            OrderStatus = "paid"
	OrderStatusShipped         OrderStatus = "shipped"
	OrderStatusDelivered       OrderStatus = "delivered"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRefunded        OrderStatus = "refunded"
)

// transitions lists the forward edges of the order lifecycle. Cancellation and
// refund are reachable from every pre-terminal state and handled in CanTransition.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:         {OrderStatusAwaitingPayment, OrderStatusProcessing},
	OrderStatusProcessing:      {OrderStatusAwaitingPayment},
	OrderStatusAwaitingPayment: {OrderStatusPaid},
	OrderStatusPaid:            {OrderStatusShipped},
	OrderStatusShipped:         {OrderStatusDelivered},
}

// IsTerminal reports whether no further lifecycle transition is possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// IsSettled reports whether the order has been paid, possibly already shipped or delivered.
func (s OrderStatus) IsSettled() bool {
	switch s {
	case OrderStatusPaid, OrderStatusShipped, OrderStatusDelivered:
		return true
	}
	return false
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusAwaitingPayment, OrderStatusPaid,
		OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle permits moving from one status to another.
func CanTransition(from, to OrderStatus) bool {
	if from.IsTerminal() || !to.Valid() {
		return false
	}
	if to == OrderStatusCancelled || to == OrderStatusRefunded {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type ShippingMethod string

const (
	ShippingStandard  ShippingMethod = "standard"
	ShippingExpress   ShippingMethod = "express"
	ShippingOvernight ShippingMethod = "overnight"
)

type ShippingOption struct {
	Method ShippingMethod  `json:"value"`
	Label  string          `json:"label"`
	Cost   decimal.Decimal `json:"cost"`
}

// ShippingOptions is the fixed shipping price list offered at checkout.
var ShippingOptions = []ShippingOption{
	{Method: ShippingStandard, Label: "Standard Shipping", Cost: decimal.RequireFromString("10.00")},
	{Method: ShippingExpress, Label: "Express Shipping", Cost: decimal.RequireFromString("25.00")},
	{Method: ShippingOvernight, Label: "Overnight Shipping", Cost: decimal.RequireFromString("50.00")},
}

// ShippingCost returns the price of a shipping method. Unknown methods are priced as standard.
func ShippingCost(method ShippingMethod) decimal.Decimal {
	for _, opt := range ShippingOptions {
		if opt.Method == method {
			return opt.Cost
		}
	}
	return ShippingOptions[0].Cost
}

type Customer struct {
	Email     string `json:"email" validate:"required,email,max=254"`
	FirstName string `json:"first_name" validate:"required,max=100"`
	LastName  string `json:"last_name" validate:"required,max=100"`
	Phone     string `json:"phone" validate:"required,max=20"`
}

func (c Customer) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

type ShippingAddress struct {
	Line1      string `json:"address_line1" validate:"required,max=255"`
	Line2      string `json:"address_line2,omitempty" validate:"max=255"`
	City       string `json:"city" validate:"required,max=100"`
	State      string `json:"state,omitempty" validate:"max=100"`
	PostalCode string `json:"postal_code" validate:"required,max=20"`
	Country    string `json:"country" validate:"required,max=100"`
}

// Full renders the address on one line, skipping empty parts.
func (a ShippingAddress) Full() string {
	parts := make([]string, 0, 6)
	for _, p := range []string{a.Line1, a.Line2, a.City, a.State, a.PostalCode, a.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

type Order struct {
	OrderID         string          `json:"order_id"`
	Status          OrderStatus     `json:"status"`
	Customer        Customer        `json:"customer"`
	ShippingAddress ShippingAddress `json:"shipping_address"`
	ShippingMethod  ShippingMethod  `json:"shipping_method"`
	ShippingCost    decimal.Decimal `json:"shipping_cost"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Total           decimal.Decimal `json:"total"`
	Notes           string          `json:"notes,omitempty"`
	Items           []OrderItem     `json:"items"`
	Payment         *Payment        `json:"payment,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// OrderItem is a frozen copy of a cart line. It never references live catalog data.
type OrderItem struct {
	ID              int64             `json:"id,omitempty"`
	ProductID       int64             `json:"product_id"`
	ProductName     string            `json:"product_name"`
	ProductSlug     string            `json:"product_slug"`
	ProductPrice    decimal.Decimal   `json:"product_price"`
	Size            string            `json:"size"`
	Quantity        int               `json:"quantity"`
	LineTotal       decimal.Decimal   `json:"line_total"`
	ProductSnapshot map[string]string `json:"product_snapshot"`
	CreatedAt       time.Time         `json:"created_at"`
}

type OrderResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Order   *Order `json:"order,omitempty"`
}
