package repository

import (
	"context"
	"errors"

	"github.com/yashrajoria/cart-sync/services/cart-service/models"
)

var (
	// ErrCartNotFound is returned by Get when the user has no cart document.
	ErrCartNotFound = errors.New("cart not found")
	// ErrConflict is returned when the store rejected a write because of a concurrent writer.
	ErrConflict = errors.New("cart write conflict")
	// ErrStoreUnavailable is returned while the circuit breaker is open.
	ErrStoreUnavailable = errors.New("cart store unavailable")
)

// CartRepository reads and writes the single cart document kept per user.
type CartRepository interface {
	// Get returns ErrCartNotFound when the user has no cart.
	Get(ctx context.Context, userID string) (*models.Cart, error)
	// Upsert replaces the whole cart (last writer wins). A cart without items is deleted and
	// Upsert returns (nil, nil).
	Upsert(ctx context.Context, cart *models.Cart) (*models.Cart, error)
	// Delete removes the cart. Deleting an absent cart is not an error.
	Delete(ctx context.Context, userID string) error
}
