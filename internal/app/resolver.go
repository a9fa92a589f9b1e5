package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/RayIwobi/Ecom-backend/internal/domain"
	"github.com/RayIwobi/Ecom-backend/internal/store"
)

var (
	ErrMalformedMetadata = errors.New("checkout session metadata has no cart id")
	ErrCartNotFound      = errors.New("staged cart not found")
	ErrInvalidCart       = errors.New("staged cart is invalid")
	ErrPersistence       = errors.New("persistence failure")
)

// metadataCartKeys are checked in order; the checkout flow writes cartId.
var metadataCartKeys = []string{"cartId", "cart_id"}

// CartIDFromSession extracts the cart reference from session metadata.
func CartIDFromSession(session *domain.CheckoutSession) (string, error) {
	if session == nil {
		return "", ErrMalformedMetadata
	}
	for _, key := range metadataCartKeys {
		if id := strings.TrimSpace(session.Metadata[key]); id != "" {
			return id, nil
		}
	}
	return "", ErrMalformedMetadata
}

// Resolver loads staged carts.
type Resolver struct {
	repo store.Repository
}

func NewResolver(repo store.Repository) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve returns the unconsumed staged cart for cartID.
func (r *Resolver) Resolve(ctx context.Context, cartID string) (*domain.StagedCart, error) {
	cart, err := r.repo.FindPendingCart(ctx, cartID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrCartNotFound):
			return nil, ErrCartNotFound
		case errors.Is(err, store.ErrCartCorrupt):
			return nil, fmt.Errorf("%w: %v", ErrInvalidCart, err)
		}
		return nil, fmt.Errorf("%w: load cart %s: %v", ErrPersistence, cartID, err)
	}
	if cart.Consumed() {
		return nil, ErrCartNotFound
	}
	if err := validateCart(cart); err != nil {
		return nil, err
	}
	return cart, nil
}

func validateCart(cart *domain.StagedCart) error {
	if len(cart.LineItems) == 0 {
		return fmt.Errorf("%w: cart %s has no line items", ErrInvalidCart, cart.ID)
	}
	for i, item := range cart.LineItems {
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: cart %s item %d has quantity %d", ErrInvalidCart, cart.ID, i, item.Quantity)
		}
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: cart %s item %d has negative price", ErrInvalidCart, cart.ID, i)
		}
	}
	return nil
}
