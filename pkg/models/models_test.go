package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from OrderStatus
		to   OrderStatus
		want bool
	}{
		{OrderStatusPending, OrderStatusAwaitingPayment, true},
		{OrderStatusPending, OrderStatusPaid, false},
		{OrderStatusAwaitingPayment, OrderStatusPaid, true},
		{OrderStatusAwaitingPayment, OrderStatusPending, false},
		{OrderStatusPaid, OrderStatusShipped, true},
		{OrderStatusPaid, OrderStatusPaid, false},
		{OrderStatusShipped, OrderStatusDelivered, true},
		{OrderStatusPending, OrderStatusCancelled, true},
		{OrderStatusPaid, OrderStatusRefunded, true},
		{OrderStatusDelivered, OrderStatusRefunded, false},
		{OrderStatusCancelled, OrderStatusAwaitingPayment, false},
		{OrderStatusPending, OrderStatus("bogus"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestMapProviderStatus(t *testing.T) {
	tests := []struct {
		raw       string
		want      PaymentStatus
		wantKnown bool
	}{
		{"waiting", PaymentStatusWaiting, true},
		{"confirming", PaymentStatusConfirming, true},
		{"confirmed", PaymentStatusConfirmed, true},
		{"sending", PaymentStatusSending, true},
		{"partially_paid", PaymentStatusPartiallyPaid, true},
		{"finished", PaymentStatusFinished, true},
		{"Finished", PaymentStatusFinished, true},
		{" failed ", PaymentStatusFailed, true},
		{"refunded", PaymentStatusRefunded, true},
		{"expired", PaymentStatusExpired, true},
		{"foo_bar", PaymentStatusWaiting, false},
		{"", PaymentStatusWaiting, false},
	}

	for _, tt := range tests {
		got, known := MapProviderStatus(tt.raw)
		if got != tt.want || known != tt.wantKnown {
			t.Errorf("MapProviderStatus(%q) = %s, %v; want %s, %v", tt.raw, got, known, tt.want, tt.wantKnown)
		}
	}
}

func TestPaymentStatusGroups(t *testing.T) {
	for _, s := range []PaymentStatus{PaymentStatusFinished, PaymentStatusConfirmed} {
		if !s.IsSuccessful() || s.IsPending() || s.IsFailed() {
			t.Errorf("%s should only be successful", s)
		}
	}
	if PaymentStatusPartiallyPaid.IsSuccessful() {
		t.Error("partially_paid must not settle an order")
	}
	if !PaymentStatusExpired.IsFailed() || !PaymentStatusWaiting.IsPending() {
		t.Error("Unexpected status grouping")
	}
}

func TestShippingCost(t *testing.T) {
	tests := map[ShippingMethod]string{
		ShippingStandard:  "10.00",
		ShippingExpress:   "25.00",
		ShippingOvernight: "50.00",
		"teleport":        "10.00",
	}
	for method, want := range tests {
		if got := ShippingCost(method); !got.Equal(decimal.RequireFromString(want)) {
			t.Errorf("ShippingCost(%s) = %s, want %s", method, got, want)
		}
	}
}

func TestCartSnapshotTotals(t *testing.T) {
	snap := CartSnapshot{Lines: []CartLine{
		{UnitPrice: decimal.RequireFromString("100.00"), Quantity: 2},
		{UnitPrice: decimal.RequireFromString("0.10"), Quantity: 3},
	}}
	if !snap.Subtotal().Equal(decimal.RequireFromString("200.30")) {
		t.Errorf("Subtotal() = %s", snap.Subtotal())
	}
	if snap.TotalItems() != 5 || snap.IsEmpty() {
		t.Errorf("Unexpected totals items=%d empty=%v", snap.TotalItems(), snap.IsEmpty())
	}
	if !(CartSnapshot{}).IsEmpty() {
		t.Error("Expected zero snapshot to be empty")
	}
}
