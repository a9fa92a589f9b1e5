package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/RayIwobi/Ecom-backend/internal/domain"
	"github.com/RayIwobi/Ecom-backend/internal/store"
)

// ClaimKey derives the idempotency key for a cart. Keying on the cart rather
// than the event id also collapses the completed and async-succeeded events
// for the same checkout into a single fulfillment.
func ClaimKey(cartID string) string {
	return "cart:" + strings.TrimSpace(cartID)
}

// Guard wraps the claim store with the configured stale window.
type Guard struct {
	claims      store.ClaimStore
	staleWindow time.Duration
}

func NewGuard(claims store.ClaimStore, staleWindow time.Duration) *Guard {
	return &Guard{claims: claims, staleWindow: staleWindow}
}

// Claim atomically claims key for eventID.
func (g *Guard) Claim(ctx context.Context, key string, eventID string) (domain.ClaimStatus, error) {
	status, err := g.claims.AcquireClaim(ctx, key, eventID, g.staleWindow)
	if err != nil {
		return domain.ClaimInProgress, fmt.Errorf("%w: acquire claim %s: %v", ErrPersistence, key, err)
	}
	return status, nil
}

func (g *Guard) Complete(ctx context.Context, key string, orderID uuid.UUID) error {
	if err := g.claims.CompleteClaim(ctx, key, orderID); err != nil {
		return fmt.Errorf("%w: complete claim %s: %v", ErrPersistence, key, err)
	}
	return nil
}

func (g *Guard) Release(ctx context.Context, key string) error {
	if err := g.claims.ReleaseClaim(ctx, key); err != nil {
		return fmt.Errorf("%w: release claim %s: %v", ErrPersistence, key, err)
	}
	return nil
}
