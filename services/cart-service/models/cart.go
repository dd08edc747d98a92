package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidCart is returned for carts that can never be stored (missing user, negative
// quantities, blank product IDs).
var ErrInvalidCart = errors.New("invalid cart")

type CartItem struct {
	ProductID     string          `json:"product_id"`
	Quantity      int             `json:"quantity"`
	PriceSnapshot decimal.Decimal `json:"price_snapshot"`
}

// Cart is the single document kept per user. A cart without items does not exist in the store.
type Cart struct {
	UserID    string     `json:"user_id"`
	Items     []CartItem `json:"items"`
	UpdatedAt time.Time  `json:"updated_at"`
	Region    string     `json:"region,omitempty"`
}

// IsEmpty reports whether the cart holds no items.
func (c *Cart) IsEmpty() bool {
	return c == nil || len(c.Items) == 0
}

// Validate checks the invariants every stored cart must satisfy.
func (c *Cart) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidCart)
	}
	seen := make(map[string]struct{}, len(c.Items))
	for _, item := range c.Items {
		if item.ProductID == "" {
			return fmt.Errorf("%w: product_id is required", ErrInvalidCart)
		}
		if item.Quantity < 0 {
			return fmt.Errorf("%w: negative quantity for %s", ErrInvalidCart, item.ProductID)
		}
		if item.PriceSnapshot.IsNegative() {
			return fmt.Errorf("%w: negative price for %s", ErrInvalidCart, item.ProductID)
		}
		if _, dup := seen[item.ProductID]; dup {
			return fmt.Errorf("%w: duplicate product %s", ErrInvalidCart, item.ProductID)
		}
		seen[item.ProductID] = struct{}{}
	}
	return nil
}

// Normalize drops zero-quantity lines. Quantity 0 is how clients remove an item.
func Normalize(items []CartItem) []CartItem {
	out := make([]CartItem, 0, len(items))
	for _, item := range items {
		if item.Quantity > 0 {
			out = append(out, item)
		}
	}
	return out
}

// ItemsEqual compares two item lists by value. Order matters: clients render the list as
// received, so a reordering is a visible change. Nil and empty are equal.
func ItemsEqual(a, b []CartItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ProductID != b[i].ProductID ||
			a[i].Quantity != b[i].Quantity ||
			!a[i].PriceSnapshot.Equal(b[i].PriceSnapshot) {
			return false
		}
	}
	return true
}

// CloneItems returns a copy that shares nothing with items.
func CloneItems(items []CartItem) []CartItem {
	if items == nil {
		return []CartItem{}
	}
	out := make([]CartItem, len(items))
	copy(out, items)
	return out
}

// Total sums quantity times price snapshot over all lines.
func Total(items []CartItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.PriceSnapshot.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}
