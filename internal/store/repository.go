/**
 * @description
 * This file defines the persistence contracts used by the fulfillment pipeline.
 * By defining interfaces we decouple the pipeline's business logic from the
 * concrete PostgreSQL and Redis implementations, which keeps the application
 * layer testable with simple stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For order identifiers.
 * - internal/domain: For the service's domain models.
 */
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/RayIwobi/Ecom-backend/internal/domain"
)

var (
	ErrCartNotFound  = errors.New("pending cart not found")
	ErrCartCorrupt   = errors.New("pending cart contents cannot be decoded")
	ErrOrderNotFound = errors.New("order not found")
	ErrOrderExists   = errors.New("order already exists for cart or payment reference")
)

// Repository defines the set of methods for interacting with carts, orders and
// notification records.
type Repository interface {
	// FindPendingCart returns the staged cart, including consumed ones. A
	// stored cart that cannot be decoded yields ErrCartCorrupt.
	FindPendingCart(ctx context.Context, cartID string) (*domain.StagedCart, error)
	// FinalizeOrder inserts the order and flags its cart consumed in one
	// transaction. It returns ErrOrderExists when the cart or payment
	// reference already produced an order and ErrCartNotFound when the cart
	// vanished or was consumed concurrently.
	FinalizeOrder(ctx context.Context, order *domain.FinalizedOrder) error
	FindOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.FinalizedOrder, error)
	FindOrderByCartID(ctx context.Context, cartID string) (*domain.FinalizedOrder, error)
	FindOrdersAwaitingNotification(ctx context.Context, idleSince time.Time, createdAfter time.Time, limit int) ([]domain.FinalizedOrder, error)

	RecordNotification(ctx context.Context, record domain.NotificationRecord) error
	SentRoles(ctx context.Context, orderID uuid.UUID) ([]domain.RecipientRole, error)
	// RefreshOrderStatus derives the order status from its notification
	// records without ever moving it backwards.
	RefreshOrderStatus(ctx context.Context, orderID uuid.UUID) (domain.OrderStatus, error)

	PurgeConsumedCarts(ctx context.Context, consumedBefore time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// ClaimStore is the atomic claim primitive behind the idempotency guard.
type ClaimStore interface {
	// AcquireClaim atomically claims key. A processing claim older than
	// staleWindow belongs to a crashed attempt and is taken over.
	AcquireClaim(ctx context.Context, key string, eventID string, staleWindow time.Duration) (domain.ClaimStatus, error)
	CompleteClaim(ctx context.Context, key string, orderID uuid.UUID) error
	// ReleaseClaim drops a processing claim so a redelivery can try again.
	ReleaseClaim(ctx context.Context, key string) error
	PurgeClaims(ctx context.Context, completedBefore time.Time) (int64, error)
}
