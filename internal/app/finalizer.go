package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/RayIwobi/Ecom-backend/internal/domain"
	"github.com/RayIwobi/Ecom-backend/internal/store"
)

var (
	ErrAmountMismatch = errors.New("cart total does not match amount paid")
	ErrOrderExists    = errors.New("order already finalized")
)

// Finalizer reconciles a staged cart against the paid session and persists
// the resulting order.
type Finalizer struct {
	repo           store.Repository
	toleranceMinor int64
	newID          func() uuid.UUID
}

func NewFinalizer(repo store.Repository, toleranceMinor int64) *Finalizer {
	if toleranceMinor < 0 {
		toleranceMinor = 0
	}
	return &Finalizer{repo: repo, toleranceMinor: toleranceMinor, newID: uuid.New}
}

// Reconcile checks the cart total in minor units against the processor total.
func (f *Finalizer) Reconcile(cart *domain.StagedCart, session *domain.CheckoutSession) (int64, error) {
	cartMinor := domain.ToMinorUnits(cart.Total(), session.Currency)
	diff := cartMinor - session.AmountTotal
	if diff < 0 {
		diff = -diff
	}
	if diff > f.toleranceMinor {
		return cartMinor, fmt.Errorf("%w: cart %s totals %d, session %s paid %d %s",
			ErrAmountMismatch, cart.ID, cartMinor, session.ID, session.AmountTotal, strings.ToLower(session.Currency))
	}
	return cartMinor, nil
}

// Finalize creates the order for cart and consumes it. ErrOrderExists means a
// previous delivery already finalized this cart or payment.
func (f *Finalizer) Finalize(ctx context.Context, cart *domain.StagedCart, session *domain.CheckoutSession, eventID string) (*domain.FinalizedOrder, error) {
	if _, err := f.Reconcile(cart, session); err != nil {
		return nil, err
	}

	email := strings.TrimSpace(cart.CustomerEmail)
	if email == "" && session.CustomerDetails != nil {
		email = strings.TrimSpace(session.CustomerDetails.Email)
	}

	items := make([]domain.LineItem, len(cart.LineItems))
	copy(items, cart.LineItems)

	order := &domain.FinalizedOrder{
		ID:                 f.newID(),
		CartID:             cart.ID,
		EventID:            eventID,
		CheckoutSessionID:  session.ID,
		PaymentReferenceID: session.PaymentReference(),
		CustomerEmail:      email,
		CustomerName:       cart.CustomerName,
		CustomerPhone:      cart.CustomerPhone,
		DeliveryAddress:    cart.DeliveryAddress,
		LineItems:          items,
		Currency:           strings.ToLower(session.Currency),
		// The processor total is what the customer was charged; it equals the
		// cart total whenever the tolerance is zero.
		TotalMinor: session.AmountTotal,
		Status:     domain.OrderStatusCreated,
	}

	if err := f.repo.FinalizeOrder(ctx, order); err != nil {
		switch {
		case errors.Is(err, store.ErrOrderExists):
			return nil, ErrOrderExists
		case errors.Is(err, store.ErrCartNotFound):
			return nil, ErrCartNotFound
		default:
			return nil, fmt.Errorf("%w: finalize order for cart %s: %v", ErrPersistence, cart.ID, err)
		}
	}
	return order, nil
}
