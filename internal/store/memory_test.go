package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jogardn/cryptoshop/pkg/models"
)

func seededMemory() *Memory {
	m := NewMemory()
	m.SeedProduct(Product{ID: 1, Name: "Ring", Slug: "ring", Price: decimal.NewFromInt(100), Material: "gold"})
	m.SeedCart(10)
	m.SeedCartItem(10, 1, "M", 2)
	return m
}

func testOrder(id string) *models.Order {
	now := time.Now().UTC()
	return &models.Order{OrderID: id, Status: models.OrderStatusPending, CreatedAt: now, UpdatedAt: now}
}

func TestMemoryRollbackLeavesNoTrace(t *testing.T) {
	m := seededMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertOrder(ctx, testOrder("ORD-1")); err != nil {
			return err
		}
		if err := tx.ClearCart(ctx, 10); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}
	if m.CountOrders() != 0 {
		t.Errorf("Expected no orders after rollback, got %d", m.CountOrders())
	}
	snap, err := m.LoadCartSnapshot(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if snap.IsEmpty() {
		t.Error("Expected cart lines to survive rollback")
	}
}

func TestMemoryFailNextIsOneShot(t *testing.T) {
	m := seededMemory()
	ctx := context.Background()
	injected := errors.New("injected")
	m.FailNext("ClearCart", injected)

	err := m.WithTx(ctx, func(tx Tx) error { return tx.ClearCart(ctx, 10) })
	if !errors.Is(err, injected) {
		t.Fatalf("Expected injected error, got %v", err)
	}
	if err := m.WithTx(ctx, func(tx Tx) error { return tx.ClearCart(ctx, 10) }); err != nil {
		t.Fatalf("Expected second call to succeed, got %v", err)
	}
}

func TestMemoryPaymentUniqueness(t *testing.T) {
	m := seededMemory()
	ctx := context.Background()

	insert := func(orderID, invoiceID string) error {
		return m.WithTx(ctx, func(tx Tx) error {
			return tx.InsertPayment(ctx, &models.Payment{OrderID: orderID, InvoiceID: invoiceID, Status: models.PaymentStatusWaiting})
		})
	}

	if err := m.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertOrder(ctx, testOrder("ORD-1")); err != nil {
			return err
		}
		return tx.InsertOrder(ctx, testOrder("ORD-2"))
	}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		orderID   string
		invoiceID string
		wantErr   error
	}{
		{name: "first", orderID: "ORD-1", invoiceID: "INV-1"},
		{name: "same_order", orderID: "ORD-1", invoiceID: "INV-2", wantErr: ErrDuplicate},
		{name: "same_invoice", orderID: "ORD-2", invoiceID: "INV-1", wantErr: ErrDuplicate},
		{name: "unknown_order", orderID: "ORD-9", invoiceID: "INV-9", wantErr: ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := insert(tt.orderID, tt.invoiceID)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Unexpected error %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
	if m.CountPayments() != 1 {
		t.Errorf("Expected one payment, got %d", m.CountPayments())
	}
}

func TestMemoryGetOrderReturnsCopies(t *testing.T) {
	m := seededMemory()
	ctx := context.Background()
	err := m.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertOrder(ctx, testOrder("ORD-1")); err != nil {
			return err
		}
		return tx.InsertOrderItems(ctx, "ORD-1", []models.OrderItem{
			{ProductID: 1, ProductName: "Ring", Quantity: 1, ProductSnapshot: map[string]string{"name": "Ring"}},
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	first, err := m.GetOrder(ctx, "ORD-1")
	if err != nil {
		t.Fatal(err)
	}
	first.Items[0].ProductSnapshot["name"] = "Tampered"

	second, err := m.GetOrder(ctx, "ORD-1")
	if err != nil {
		t.Fatal(err)
	}
	if second.Items[0].ProductSnapshot["name"] != "Ring" {
		t.Errorf("Stored snapshot was mutated through a returned copy")
	}
	if second.Payment != nil {
		t.Errorf("Expected no payment, got %+v", second.Payment)
	}
}

func TestMemoryUnknownCart(t *testing.T) {
	m := NewMemory()
	if _, err := m.LoadCartSnapshot(context.Background(), 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}
