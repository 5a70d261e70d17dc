package store

import "github.com/shopspring/decimal"

// Product is the subset of catalog data captured when a cart is snapshotted.
type Product struct {
	ID       int64
	Name     string
	Slug     string
	Price    decimal.Decimal
	Material string
	Shape    string
	Color    string
	Brand    string
}

// Attributes returns the attribute snapshot frozen into order items.
func (p Product) Attributes() map[string]string {
	return map[string]string{
		"name":     p.Name,
		"price":    p.Price.StringFixed(2),
		"material": p.Material,
		"shape":    p.Shape,
		"color":    p.Color,
		"brand":    p.Brand,
	}
}
