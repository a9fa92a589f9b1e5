package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LineItem is one product row of a cart or order. The JSON field names follow
// the payload written by the checkout flow when it stages the cart.
type LineItem struct {
	ProductName string          `json:"productname"`
	Quantity    int             `json:"productquantity"`
	UnitPrice   decimal.Decimal `json:"productprice"`
}

// Subtotal is quantity × unit price.
func (i LineItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// StagedCart is a cart created at checkout initiation that is waiting for the
// processor to confirm payment. It maps to the `pending_carts` table.
type StagedCart struct {
	ID              string     `json:"id"`
	CustomerEmail   string     `json:"email"`
	CustomerName    string     `json:"username"`
	CustomerPhone   *string    `json:"userphone,omitempty"`
	DeliveryAddress string     `json:"useraddress"`
	LineItems       []LineItem `json:"cart"`
	CreatedAt       time.Time  `json:"created_at"`
	ConsumedAt      *time.Time `json:"consumed_at,omitempty"`
}

// Total sums every line item's subtotal.
func (c *StagedCart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range c.LineItems {
		total = total.Add(item.Subtotal())
	}
	return total
}

// Consumed reports whether a finalization already used this cart.
func (c *StagedCart) Consumed() bool {
	return c.ConsumedAt != nil
}
