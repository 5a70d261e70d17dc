package models

import "github.com/shopspring/decimal"

// CartSnapshot is the immutable view of a cart taken at checkout.
type CartSnapshot struct {
	CartID int64      `json:"cart_id"`
	Lines  []CartLine `json:"lines"`
}

type CartLine struct {
	ProductID  int64             `json:"product_id"`
	Name       string            `json:"name"`
	Slug       string            `json:"slug"`
	UnitPrice  decimal.Decimal   `json:"unit_price"`
	Size       string            `json:"size"`
	Quantity   int               `json:"quantity"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (l CartLine) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

func (s CartSnapshot) IsEmpty() bool {
	return len(s.Lines) == 0
}

func (s CartSnapshot) Subtotal() decimal.Decimal {
	total := decimal.Zero
	for _, l := range s.Lines {
		total = total.Add(l.LineTotal())
	}
	return total
}

func (s CartSnapshot) TotalItems() int {
	n := 0
	for _, l := range s.Lines {
		n += l.Quantity
	}
	return n
}
