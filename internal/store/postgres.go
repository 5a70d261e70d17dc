package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/cryptoshop/pkg/models"
)

const uniqueViolation = "23505"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Postgres struct {
	db     *sql.DB
	logger *logrus.Logger
}

func NewPostgres(db *sql.DB, logger *logrus.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(200) NOT NULL,
		slug VARCHAR(200) NOT NULL UNIQUE,
		price NUMERIC(10,2) NOT NULL,
		material VARCHAR(100) NOT NULL DEFAULT '',
		shape VARCHAR(100) NOT NULL DEFAULT '',
		color VARCHAR(100) NOT NULL DEFAULT '',
		brand VARCHAR(100) NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS carts (
		id BIGSERIAL PRIMARY KEY,
		session_key VARCHAR(40),
		user_id BIGINT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS cart_items (
		id BIGSERIAL PRIMARY KEY,
		cart_id BIGINT NOT NULL REFERENCES carts(id) ON DELETE CASCADE,
		product_id BIGINT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
		size VARCHAR(5) NOT NULL DEFAULT 'M',
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (cart_id, product_id, size)
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id BIGSERIAL PRIMARY KEY,
		order_id VARCHAR(100) NOT NULL UNIQUE,
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		customer_email VARCHAR(254) NOT NULL,
		customer_first_name VARCHAR(100) NOT NULL,
		customer_last_name VARCHAR(100) NOT NULL,
		customer_phone VARCHAR(20) NOT NULL,
		shipping_address_line1 VARCHAR(255) NOT NULL,
		shipping_address_line2 VARCHAR(255) NOT NULL DEFAULT '',
		shipping_city VARCHAR(100) NOT NULL,
		shipping_state VARCHAR(100) NOT NULL DEFAULT '',
		shipping_postal_code VARCHAR(20) NOT NULL,
		shipping_country VARCHAR(100) NOT NULL,
		shipping_method VARCHAR(20) NOT NULL DEFAULT 'standard',
		shipping_cost NUMERIC(10,2) NOT NULL DEFAULT 0,
		subtotal NUMERIC(10,2) NOT NULL,
		total NUMERIC(10,2) NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CHECK (total = subtotal + shipping_cost)
	)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id BIGSERIAL PRIMARY KEY,
		order_id VARCHAR(100) NOT NULL REFERENCES orders(order_id) ON DELETE CASCADE,
		product_id BIGINT NOT NULL,
		product_name VARCHAR(200) NOT NULL,
		product_slug VARCHAR(200) NOT NULL,
		product_price NUMERIC(10,2) NOT NULL,
		size VARCHAR(5) NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		line_total NUMERIC(10,2) NOT NULL,
		product_snapshot JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		id BIGSERIAL PRIMARY KEY,
		order_id VARCHAR(100) NOT NULL UNIQUE REFERENCES orders(order_id) ON DELETE CASCADE,
		invoice_id VARCHAR(100) NOT NULL UNIQUE,
		provider_payment_id VARCHAR(100) NOT NULL DEFAULT '',
		status VARCHAR(20) NOT NULL DEFAULT 'waiting',
		price_amount NUMERIC(10,2) NOT NULL,
		price_currency VARCHAR(10) NOT NULL DEFAULT 'usd',
		pay_amount NUMERIC(20,8),
		pay_currency VARCHAR(10) NOT NULL DEFAULT '',
		actually_paid NUMERIC(20,8),
		invoice_url VARCHAR(500) NOT NULL,
		webhook_data JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_customer_email ON orders(customer_email)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders(created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_order_items_order_slug ON order_items(order_id, product_slug)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_provider_payment_id ON payments(provider_payment_id)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status)`,
}

// Migrate creates the tables if they don't exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, query := range schema {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	p.logger.WithField("statements", len(schema)).Info("Database schema ensured")
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&pgTx{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapError(err))
	}
	return nil
}

func (p *Postgres) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := selectOrder(ctx, p.db, orderID, false)
	if err != nil {
		return nil, err
	}
	if order.Items, err = selectOrderItems(ctx, p.db, orderID); err != nil {
		return nil, err
	}
	payment, err := selectPayment(ctx, p.db, "order_id", orderID, false)
	switch {
	case err == nil:
		order.Payment = payment
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	return order, nil
}

func (p *Postgres) GetPaymentByOrder(ctx context.Context, orderID string) (*models.Payment, error) {
	return selectPayment(ctx, p.db, "order_id", orderID, false)
}

func (p *Postgres) LoadCartSnapshot(ctx context.Context, cartID int64) (*models.CartSnapshot, error) {
	return selectCartSnapshot(ctx, p.db, cartID, false)
}

type pgTx struct {
	q querier
}

func (t *pgTx) LoadCartSnapshot(ctx context.Context, cartID int64, forUpdate bool) (*models.CartSnapshot, error) {
	return selectCartSnapshot(ctx, t.q, cartID, forUpdate)
}

func (t *pgTx) ClearCart(ctx context.Context, cartID int64) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cartID); err != nil {
		return fmt.Errorf("failed to clear cart %d: %w", cartID, mapError(err))
	}
	return nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *models.Order) error {
	query := `
		INSERT INTO orders (
			order_id, status, customer_email, customer_first_name, customer_last_name, customer_phone,
			shipping_address_line1, shipping_address_line2, shipping_city, shipping_state,
			shipping_postal_code, shipping_country, shipping_method, shipping_cost,
			subtotal, total, notes, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err := t.q.ExecContext(ctx, query,
		o.OrderID, string(o.Status), o.Customer.Email, o.Customer.FirstName, o.Customer.LastName, o.Customer.Phone,
		o.ShippingAddress.Line1, o.ShippingAddress.Line2, o.ShippingAddress.City, o.ShippingAddress.State,
		o.ShippingAddress.PostalCode, o.ShippingAddress.Country, string(o.ShippingMethod), o.ShippingCost,
		o.Subtotal, o.Total, o.Notes, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order %s: %w", o.OrderID, mapError(err))
	}
	return nil
}

func (t *pgTx) InsertOrderItems(ctx context.Context, orderID string, items []models.OrderItem) error {
	query := `
		INSERT INTO order_items (
			order_id, product_id, product_name, product_slug, product_price,
			size, quantity, line_total, product_snapshot, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`
	for i := range items {
		item := &items[i]
		snapshotJSON, err := json.Marshal(item.ProductSnapshot)
		if err != nil {
			return fmt.Errorf("product snapshot serialization error: %w", err)
		}
		err = t.q.QueryRowContext(ctx, query,
			orderID, item.ProductID, item.ProductName, item.ProductSlug, item.ProductPrice,
			item.Size, item.Quantity, item.LineTotal, snapshotJSON, item.CreatedAt,
		).Scan(&item.ID)
		if err != nil {
			return fmt.Errorf("failed to insert item for order %s: %w", orderID, mapError(err))
		}
	}
	return nil
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, orderID string) (*models.Order, error) {
	return selectOrder(ctx, t.q, orderID, true)
}

func (t *pgTx) UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus, at time.Time) error {
	result, err := t.q.ExecContext(ctx,
		`UPDATE orders SET status = $2, updated_at = $3 WHERE order_id = $1`,
		orderID, string(status), at,
	)
	if err != nil {
		return fmt.Errorf("failed to update order %s status: %w", orderID, mapError(err))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p *models.Payment) error {
	query := `
		INSERT INTO payments (
			order_id, invoice_id, provider_payment_id, status, price_amount, price_currency,
			pay_amount, pay_currency, actually_paid, invoice_url, webhook_data, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`
	err := t.q.QueryRowContext(ctx, query,
		p.OrderID, p.InvoiceID, p.ProviderPaymentID, string(p.Status), p.PriceAmount, p.PriceCurrency,
		p.PayAmount, p.PayCurrency, p.ActuallyPaid, p.InvoiceURL, webhookJSON(p.WebhookData), p.CreatedAt, p.UpdatedAt,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to insert payment for order %s: %w", p.OrderID, mapError(err))
	}
	return nil
}

func (t *pgTx) GetPaymentByOrder(ctx context.Context, orderID string) (*models.Payment, error) {
	return selectPayment(ctx, t.q, "order_id", orderID, false)
}

func (t *pgTx) GetPaymentByInvoiceForUpdate(ctx context.Context, invoiceID string) (*models.Payment, error) {
	return selectPayment(ctx, t.q, "invoice_id", invoiceID, true)
}

func (t *pgTx) UpdatePayment(ctx context.Context, p *models.Payment) error {
	query := `
		UPDATE payments
		SET provider_payment_id = $2, status = $3, pay_amount = $4, pay_currency = $5,
			actually_paid = $6, webhook_data = $7, updated_at = $8
		WHERE id = $1
	`
	result, err := t.q.ExecContext(ctx, query,
		p.ID, p.ProviderPaymentID, string(p.Status), p.PayAmount, p.PayCurrency,
		p.ActuallyPaid, webhookJSON(p.WebhookData), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment %d: %w", p.ID, mapError(err))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("payment %d: %w", p.ID, ErrNotFound)
	}
	return nil
}

const orderColumns = `
	order_id, status, customer_email, customer_first_name, customer_last_name, customer_phone,
	shipping_address_line1, shipping_address_line2, shipping_city, shipping_state,
	shipping_postal_code, shipping_country, shipping_method, shipping_cost,
	subtotal, total, notes, created_at, updated_at`

func selectOrder(ctx context.Context, q querier, orderID string, forUpdate bool) (*models.Order, error) {
	query := `SELECT` + orderColumns + ` FROM orders WHERE order_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	o := &models.Order{}
	var status, method string
	err := q.QueryRowContext(ctx, query, orderID).Scan(
		&o.OrderID, &status, &o.Customer.Email, &o.Customer.FirstName, &o.Customer.LastName, &o.Customer.Phone,
		&o.ShippingAddress.Line1, &o.ShippingAddress.Line2, &o.ShippingAddress.City, &o.ShippingAddress.State,
		&o.ShippingAddress.PostalCode, &o.ShippingAddress.Country, &method, &o.ShippingCost,
		&o.Subtotal, &o.Total, &o.Notes, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", orderID, mapError(err))
	}
	o.Status = models.OrderStatus(status)
	o.ShippingMethod = models.ShippingMethod(method)
	return o, nil
}

func selectOrderItems(ctx context.Context, q querier, orderID string) ([]models.OrderItem, error) {
	query := `
		SELECT id, product_id, product_name, product_slug, product_price,
			   size, quantity, line_total, product_snapshot, created_at
		FROM order_items
		WHERE order_id = $1
		ORDER BY id
	`
	rows, err := q.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("order items retrieval error: %w", err)
	}
	defer rows.Close()

	items := []models.OrderItem{}
	for rows.Next() {
		var item models.OrderItem
		var snapshotJSON []byte
		if err := rows.Scan(
			&item.ID, &item.ProductID, &item.ProductName, &item.ProductSlug, &item.ProductPrice,
			&item.Size, &item.Quantity, &item.LineTotal, &snapshotJSON, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("order item scan error: %w", err)
		}
		if err := json.Unmarshal(snapshotJSON, &item.ProductSnapshot); err != nil {
			return nil, fmt.Errorf("product snapshot deserialization error: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func selectPayment(ctx context.Context, q querier, column, value string, forUpdate bool) (*models.Payment, error) {
	// column is one of two fixed identifiers chosen by this package, never user input.
	query := `
		SELECT id, order_id, invoice_id, provider_payment_id, status, price_amount, price_currency,
			   pay_amount, pay_currency, actually_paid, invoice_url, webhook_data, created_at, updated_at
		FROM payments
		WHERE ` + column + ` = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	p := &models.Payment{}
	var status string
	var webhookData []byte
	err := q.QueryRowContext(ctx, query, value).Scan(
		&p.ID, &p.OrderID, &p.InvoiceID, &p.ProviderPaymentID, &status, &p.PriceAmount, &p.PriceCurrency,
		&p.PayAmount, &p.PayCurrency, &p.ActuallyPaid, &p.InvoiceURL, &webhookData, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("payment by %s %s: %w", column, value, mapError(err))
	}
	p.Status = models.PaymentStatus(status)
	if len(webhookData) > 0 {
		p.WebhookData = json.RawMessage(webhookData)
	}
	return p, nil
}

func selectCartSnapshot(ctx context.Context, q querier, cartID int64, forUpdate bool) (*models.CartSnapshot, error) {
	lockQuery := `SELECT id FROM carts WHERE id = $1`
	if forUpdate {
		lockQuery += ` FOR UPDATE`
	}
	var id int64
	if err := q.QueryRowContext(ctx, lockQuery, cartID).Scan(&id); err != nil {
		return nil, fmt.Errorf("cart %d: %w", cartID, mapError(err))
	}

	query := `
		SELECT p.id, p.name, p.slug, p.price, p.material, p.shape, p.color, p.brand,
			   ci.size, ci.quantity
		FROM cart_items ci
		JOIN products p ON p.id = ci.product_id
		WHERE ci.cart_id = $1
		ORDER BY ci.id
	`
	rows, err := q.QueryContext(ctx, query, cartID)
	if err != nil {
		return nil, fmt.Errorf("cart items retrieval error: %w", err)
	}
	defer rows.Close()

	snap := &models.CartSnapshot{CartID: id, Lines: []models.CartLine{}}
	for rows.Next() {
		var p Product
		var line models.CartLine
		if err := rows.Scan(
			&p.ID, &p.Name, &p.Slug, &p.Price, &p.Material, &p.Shape, &p.Color, &p.Brand,
			&line.Size, &line.Quantity,
		); err != nil {
			return nil, fmt.Errorf("cart item scan error: %w", err)
		}
		line.ProductID = p.ID
		line.Name = p.Name
		line.Slug = p.Slug
		line.UnitPrice = p.Price
		line.Attributes = p.Attributes()
		snap.Lines = append(snap.Lines, line)
	}
	return snap, rows.Err()
}

func webhookJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

// mapError translates driver errors into the package's sentinel errors.
func mapError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Constraint)
	}
	return err
}
