package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jogardn/cryptoshop/pkg/models"
)

type cartItem struct {
	productID int64
	size      string
	quantity  int
}

type memState struct {
	products         map[int64]Product
	carts            map[int64][]cartItem
	orders           map[string]models.Order
	items            map[string][]models.OrderItem
	payments         map[int64]models.Payment
	paymentByOrder   map[string]int64
	paymentByInvoice map[string]int64
	nextItemID       int64
	nextPaymentID    int64
}

func newMemState() *memState {
	return &memState{
		products:         make(map[int64]Product),
		carts:            make(map[int64][]cartItem),
		orders:           make(map[string]models.Order),
		items:            make(map[string][]models.OrderItem),
		payments:         make(map[int64]models.Payment),
		paymentByOrder:   make(map[string]int64),
		paymentByInvoice: make(map[string]int64),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.carts {
		c.carts[k] = append([]cartItem(nil), v...)
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.items {
		c.items[k] = copyItems(v)
	}
	for k, v := range s.payments {
		c.payments[k] = copyPayment(v)
	}
	for k, v := range s.paymentByOrder {
		c.paymentByOrder[k] = v
	}
	for k, v := range s.paymentByInvoice {
		c.paymentByInvoice[k] = v
	}
	c.nextItemID = s.nextItemID
	c.nextPaymentID = s.nextPaymentID
	return c
}

// Memory is an in-process Store. Transactions are serialized and applied
// copy-on-commit, so a failed callback leaves no trace.
type Memory struct {
	mu    sync.Mutex
	state *memState

	failMu   sync.Mutex
	failures map[string]error
}

func NewMemory() *Memory {
	return &Memory{state: newMemState(), failures: make(map[string]error)}
}

// FailNext makes the next call of the named Tx method (e.g. "ClearCart") return err.
func (m *Memory) FailNext(op string, err error) {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	m.failures[op] = err
}

func (m *Memory) injected(op string) error {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	if err, ok := m.failures[op]; ok {
		delete(m.failures, op)
		return err
	}
	return nil
}

func (m *Memory) SeedProduct(p Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.products[p.ID] = p
}

// SetProductPrice edits the live catalog price, leaving existing orders untouched.
func (m *Memory) SetProductPrice(productID int64, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.state.products[productID]
	p.Price = price
	m.state.products[productID] = p
}

func (m *Memory) SeedCart(cartID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.carts[cartID]; !ok {
		m.state.carts[cartID] = []cartItem{}
	}
}

func (m *Memory) SeedCartItem(cartID, productID int64, size string, quantity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.carts[cartID] = append(m.state.carts[cartID], cartItem{productID: productID, size: size, quantity: quantity})
}

// CountPayments returns the number of payment rows, for assertions in tests.
func (m *Memory) CountPayments() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.payments)
}

func (m *Memory) CountOrders() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.orders)
}

func (m *Memory) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{m: m, state: m.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

func (m *Memory) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.state.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	order.Items = copyItems(m.state.items[orderID])
	if id, ok := m.state.paymentByOrder[orderID]; ok {
		p := copyPayment(m.state.payments[id])
		order.Payment = &p
	}
	return &order, nil
}

func (m *Memory) GetPaymentByOrder(ctx context.Context, orderID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.paymentByOrderID(orderID)
}

func (m *Memory) LoadCartSnapshot(ctx context.Context, cartID int64) (*models.CartSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.snapshot(cartID)
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *memState) snapshot(cartID int64) (*models.CartSnapshot, error) {
	lines, ok := s.carts[cartID]
	if !ok {
		return nil, fmt.Errorf("cart %d: %w", cartID, ErrNotFound)
	}
	snap := &models.CartSnapshot{CartID: cartID, Lines: make([]models.CartLine, 0, len(lines))}
	for _, it := range lines {
		p, ok := s.products[it.productID]
		if !ok {
			return nil, fmt.Errorf("product %d: %w", it.productID, ErrNotFound)
		}
		snap.Lines = append(snap.Lines, models.CartLine{
			ProductID:  p.ID,
			Name:       p.Name,
			Slug:       p.Slug,
			UnitPrice:  p.Price,
			Size:       it.size,
			Quantity:   it.quantity,
			Attributes: p.Attributes(),
		})
	}
	return snap, nil
}

func (s *memState) paymentByOrderID(orderID string) (*models.Payment, error) {
	id, ok := s.paymentByOrder[orderID]
	if !ok {
		return nil, fmt.Errorf("payment for order %s: %w", orderID, ErrNotFound)
	}
	p := copyPayment(s.payments[id])
	return &p, nil
}

type memTx struct {
	m     *Memory
	state *memState
}

func (t *memTx) LoadCartSnapshot(ctx context.Context, cartID int64, forUpdate bool) (*models.CartSnapshot, error) {
	if err := t.m.injected("LoadCartSnapshot"); err != nil {
		return nil, err
	}
	return t.state.snapshot(cartID)
}

func (t *memTx) ClearCart(ctx context.Context, cartID int64) error {
	if err := t.m.injected("ClearCart"); err != nil {
		return err
	}
	if _, ok := t.state.carts[cartID]; !ok {
		return fmt.Errorf("cart %d: %w", cartID, ErrNotFound)
	}
	t.state.carts[cartID] = []cartItem{}
	return nil
}

func (t *memTx) InsertOrder(ctx context.Context, order *models.Order) error {
	if err := t.m.injected("InsertOrder"); err != nil {
		return err
	}
	if _, exists := t.state.orders[order.OrderID]; exists {
		return fmt.Errorf("order %s: %w", order.OrderID, ErrDuplicate)
	}
	row := *order
	row.Items = nil
	row.Payment = nil
	t.state.orders[order.OrderID] = row
	return nil
}

func (t *memTx) InsertOrderItems(ctx context.Context, orderID string, items []models.OrderItem) error {
	if err := t.m.injected("InsertOrderItems"); err != nil {
		return err
	}
	if _, ok := t.state.orders[orderID]; !ok {
		return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	for i := range items {
		t.state.nextItemID++
		items[i].ID = t.state.nextItemID
	}
	t.state.items[orderID] = append(t.state.items[orderID], copyItems(items)...)
	return nil
}

func (t *memTx) GetOrderForUpdate(ctx context.Context, orderID string) (*models.Order, error) {
	order, ok := t.state.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	order.Items = copyItems(t.state.items[orderID])
	return &order, nil
}

func (t *memTx) UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus, at time.Time) error {
	if err := t.m.injected("UpdateOrderStatus"); err != nil {
		return err
	}
	order, ok := t.state.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	order.Status = status
	order.UpdatedAt = at
	t.state.orders[orderID] = order
	return nil
}

func (t *memTx) InsertPayment(ctx context.Context, payment *models.Payment) error {
	if err := t.m.injected("InsertPayment"); err != nil {
		return err
	}
	if _, ok := t.state.orders[payment.OrderID]; !ok {
		return fmt.Errorf("order %s: %w", payment.OrderID, ErrNotFound)
	}
	if _, exists := t.state.paymentByOrder[payment.OrderID]; exists {
		return fmt.Errorf("payment for order %s: %w", payment.OrderID, ErrDuplicate)
	}
	if _, exists := t.state.paymentByInvoice[payment.InvoiceID]; exists {
		return fmt.Errorf("payment for invoice %s: %w", payment.InvoiceID, ErrDuplicate)
	}
	t.state.nextPaymentID++
	payment.ID = t.state.nextPaymentID
	t.state.payments[payment.ID] = copyPayment(*payment)
	t.state.paymentByOrder[payment.OrderID] = payment.ID
	t.state.paymentByInvoice[payment.InvoiceID] = payment.ID
	return nil
}

func (t *memTx) GetPaymentByOrder(ctx context.Context, orderID string) (*models.Payment, error) {
	return t.state.paymentByOrderID(orderID)
}

func (t *memTx) GetPaymentByInvoiceForUpdate(ctx context.Context, invoiceID string) (*models.Payment, error) {
	id, ok := t.state.paymentByInvoice[invoiceID]
	if !ok {
		return nil, fmt.Errorf("payment for invoice %s: %w", invoiceID, ErrNotFound)
	}
	p := copyPayment(t.state.payments[id])
	return &p, nil
}

func (t *memTx) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	if err := t.m.injected("UpdatePayment"); err != nil {
		return err
	}
	if _, ok := t.state.payments[payment.ID]; !ok {
		return fmt.Errorf("payment %d: %w", payment.ID, ErrNotFound)
	}
	t.state.payments[payment.ID] = copyPayment(*payment)
	return nil
}

func copyItems(items []models.OrderItem) []models.OrderItem {
	out := make([]models.OrderItem, len(items))
	for i, it := range items {
		snap := make(map[string]string, len(it.ProductSnapshot))
		for k, v := range it.ProductSnapshot {
			snap[k] = v
		}
		it.ProductSnapshot = snap
		out[i] = it
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copyPayment(p models.Payment) models.Payment {
	if p.WebhookData != nil {
		p.WebhookData = append([]byte(nil), p.WebhookData...)
	}
	return p
}
