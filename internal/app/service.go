/**
 * @description
 * This file contains the fulfillment pipeline that turns a verified payment
 * event into exactly one order and one pair of notifications.
 *
 * Pipeline: claim the cart, resolve it, reconcile and finalize the order,
 * complete the claim, then notify. Permanent business failures are
 * acknowledged so the processor stops redelivering; only persistence
 * failures are returned as errors.
 */
package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/RayIwobi/Ecom-backend/internal/domain"
	"github.com/RayIwobi/Ecom-backend/internal/metrics"
	"github.com/RayIwobi/Ecom-backend/internal/store"
)

// Outcome describes how a delivery was handled.
type Outcome string

const (
	OutcomeIgnored        Outcome = "ignored"
	OutcomeMalformed      Outcome = "malformed"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeInProgress     Outcome = "in_progress"
	OutcomeCartNotFound   Outcome = "cart_not_found"
	OutcomeInvalidCart    Outcome = "invalid_cart"
	OutcomeAmountMismatch Outcome = "amount_mismatch"
	OutcomeFulfilled      Outcome = "fulfilled"
	OutcomeFailed         Outcome = "failed"
)

// Notifier is the dispatch step as seen by the pipeline.
type Notifier interface {
	Dispatch(ctx context.Context, order *domain.FinalizedOrder) DispatchResult
}

// FulfillmentService runs the post-payment pipeline.
type FulfillmentService struct {
	repo      store.Repository
	guard     *Guard
	resolver  *Resolver
	finalizer *Finalizer
	notifier  Notifier
	logger    *slog.Logger
}

// NewFulfillmentService wires the pipeline stages together.
func NewFulfillmentService(repo store.Repository, guard *Guard, resolver *Resolver, finalizer *Finalizer, notifier Notifier, logger *slog.Logger) *FulfillmentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &FulfillmentService{
		repo:      repo,
		guard:     guard,
		resolver:  resolver,
		finalizer: finalizer,
		notifier:  notifier,
		logger:    logger,
	}
}

// HandleEvent processes a verified event. A non-nil error means the delivery
// should be retried by the processor.
func (s *FulfillmentService) HandleEvent(ctx context.Context, event domain.IncomingEvent) (Outcome, error) {
	logger := s.logger.With("event_id", event.ID, "event_type", string(event.Type))

	switch event.Type {
	case domain.EventCheckoutSessionCompleted, domain.EventCheckoutSessionAsyncPaid:
	default:
		logger.Info("ignoring unsupported event type")
		return OutcomeIgnored, nil
	}

	session, err := event.CheckoutSession()
	if err != nil {
		logger.Warn("checkout session payload could not be decoded", "error", err)
		return OutcomeMalformed, nil
	}
	if !session.IsPaid() {
		logger.Info("checkout session not paid yet; waiting for async payment", "payment_status", session.PaymentStatus)
		return OutcomeIgnored, nil
	}

	cartID, err := CartIDFromSession(session)
	if err != nil {
		logger.Warn("checkout session has no cart reference", "session_id", session.ID)
		return OutcomeMalformed, nil
	}
	logger = logger.With("cart_id", cartID)

	key := ClaimKey(cartID)
	claim, err := s.guard.Claim(ctx, key, event.ID)
	if err != nil {
		logger.Error("failed to claim cart", "error", err)
		return OutcomeFailed, err
	}
	metrics.ClaimsTotal.WithLabelValues(claim.String()).Inc()

	switch claim {
	case domain.ClaimAlreadyProcessed:
		logger.Info("cart already fulfilled; acknowledging duplicate")
		return OutcomeDuplicate, nil
	case domain.ClaimInProgress:
		logger.Info("cart is being fulfilled by another delivery")
		return OutcomeInProgress, nil
	}

	cart, err := s.resolver.Resolve(ctx, cartID)
	if err != nil {
		return s.handleResolveError(ctx, logger, key, cartID, err)
	}

	order, err := s.finalizer.Finalize(ctx, cart, session, event.ID)
	if err != nil {
		return s.handleFinalizeError(ctx, logger, key, cartID, err)
	}
	metrics.OrdersFinalizedTotal.Inc()
	logger = logger.With("order_id", order.ID)
	logger.Info("order finalized", "total_minor", order.TotalMinor, "currency", order.Currency)

	// The order exists now; a failure here only costs a later reclaim that
	// resolves to the existing order.
	if err := s.guard.Complete(ctx, key, order.ID); err != nil {
		logger.Error("failed to complete claim", "error", err)
	}

	result := s.notifier.Dispatch(ctx, order)
	logger.Info("order notifications dispatched", "status", result.Status, "failed_roles", result.Failed())

	return OutcomeFulfilled, nil
}

func (s *FulfillmentService) handleResolveError(ctx context.Context, logger *slog.Logger, key, cartID string, err error) (Outcome, error) {
	switch {
	case errors.Is(err, ErrCartNotFound):
		// A crash between finalize and claim completion leaves a consumed cart
		// behind a processing claim. The order table tells the two apart.
		order, lookupErr := s.repo.FindOrderByCartID(ctx, cartID)
		switch {
		case lookupErr == nil:
			if completeErr := s.guard.Complete(ctx, key, order.ID); completeErr != nil {
				logger.Error("failed to complete claim for existing order", "order_id", order.ID, "error", completeErr)
			}
			logger.Info("cart already finalized into an order; acknowledging duplicate", "order_id", order.ID)
			return OutcomeDuplicate, nil
		case errors.Is(lookupErr, store.ErrOrderNotFound):
			s.release(ctx, logger, key)
			logger.Warn("cart reference does not match any staged cart or order")
			return OutcomeCartNotFound, nil
		default:
			s.release(ctx, logger, key)
			logger.Error("failed to look up order by cart", "error", lookupErr)
			return OutcomeFailed, errors.Join(ErrPersistence, lookupErr)
		}
	case errors.Is(err, ErrInvalidCart):
		s.release(ctx, logger, key)
		logger.Error("staged cart failed validation", "error", err)
		return OutcomeInvalidCart, nil
	default:
		s.release(ctx, logger, key)
		logger.Error("failed to resolve cart", "error", err)
		return OutcomeFailed, err
	}
}

func (s *FulfillmentService) handleFinalizeError(ctx context.Context, logger *slog.Logger, key, cartID string, err error) (Outcome, error) {
	switch {
	case errors.Is(err, ErrAmountMismatch):
		metrics.AmountMismatchTotal.Inc()
		s.release(ctx, logger, key)
		logger.Error("amount mismatch; order not created", "error", err)
		return OutcomeAmountMismatch, nil
	case errors.Is(err, ErrOrderExists), errors.Is(err, ErrCartNotFound):
		order, lookupErr := s.repo.FindOrderByCartID(ctx, cartID)
		if lookupErr == nil {
			if completeErr := s.guard.Complete(ctx, key, order.ID); completeErr != nil {
				logger.Error("failed to complete claim for existing order", "order_id", order.ID, "error", completeErr)
			}
			logger.Info("order already exists for cart; acknowledging duplicate", "order_id", order.ID)
			return OutcomeDuplicate, nil
		}
		s.release(ctx, logger, key)
		if !errors.Is(lookupErr, store.ErrOrderNotFound) {
			logger.Error("failed to look up order by cart", "error", lookupErr)
		}
		if errors.Is(err, ErrCartNotFound) {
			logger.Warn("cart was consumed or removed before the order was written", "error", err)
			return OutcomeCartNotFound, nil
		}
		logger.Info("payment already produced an order; acknowledging duplicate", "error", err)
		return OutcomeDuplicate, nil
	default:
		s.release(ctx, logger, key)
		logger.Error("failed to finalize order", "error", err)
		return OutcomeFailed, err
	}
}

func (s *FulfillmentService) release(ctx context.Context, logger *slog.Logger, key string) {
	if err := s.guard.Release(context.WithoutCancel(ctx), key); err != nil {
		logger.Error("failed to release claim", "error", err)
	}
}
