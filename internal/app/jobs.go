/**
 * @description
 * Scheduled maintenance jobs for the fulfillment service.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/RayIwobi/Ecom-backend/internal/config"
	"github.com/RayIwobi/Ecom-backend/internal/domain"
	"github.com/RayIwobi/Ecom-backend/internal/metrics"
	"github.com/RayIwobi/Ecom-backend/internal/store"
)

const (
	redriveIdleAfter = 10 * time.Minute
	redriveHorizon   = 24 * time.Hour
	redriveBatchSize = 50
	jobTimeout       = 2 * time.Minute
)

// RoleDispatcher sends notifications to a subset of recipients.
type RoleDispatcher interface {
	DispatchRoles(ctx context.Context, order *domain.FinalizedOrder, roles []domain.RecipientRole) DispatchResult
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo       store.Repository
	claims     store.ClaimStore
	dispatcher RoleDispatcher
	logger     *slog.Logger
	config     config.Config
	now        func() time.Time
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo store.Repository, claims store.ClaimStore, dispatcher RoleDispatcher, logger *slog.Logger, cfg config.Config) *Jobs {
	return &Jobs{
		repo:       repo,
		claims:     claims,
		dispatcher: dispatcher,
		logger:     logger,
		config:     cfg,
		now:        time.Now,
	}
}

// missingRoles returns the recipients without a sent record.
func missingRoles(sent []domain.RecipientRole) []domain.RecipientRole {
	done := make(map[domain.RecipientRole]bool, len(sent))
	for _, role := range sent {
		done[role] = true
	}
	var missing []domain.RecipientRole
	for _, role := range domain.AllRecipientRoles {
		if !done[role] {
			missing = append(missing, role)
		}
	}
	return missing
}

// RedriveNotifications re-sends notifications for recent orders that are not
// complete, covering a crash between finalize and notify as well as sends
// that exhausted their retries.
func (j *Jobs) RedriveNotifications() {
	j.logger.Info("starting notification re-drive job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	now := j.now()
	orders, err := j.repo.FindOrdersAwaitingNotification(ctx, now.Add(-redriveIdleAfter), now.Add(-redriveHorizon), redriveBatchSize)
	if err != nil {
		metrics.JobRunsTotal.WithLabelValues("redrive", "error").Inc()
		j.logger.Error("failed to list orders awaiting notification", "error", err)
		return
	}
	if len(orders) == 0 {
		metrics.JobRunsTotal.WithLabelValues("redrive", "ok").Inc()
		j.logger.Info("no orders awaiting notification")
		return
	}

	redriven := 0
	for i := range orders {
		order := &orders[i]
		sent, err := j.repo.SentRoles(ctx, order.ID)
		if err != nil {
			j.logger.Error("failed to load sent roles", "order_id", order.ID, "error", err)
			continue
		}
		roles := missingRoles(sent)
		if len(roles) == 0 {
			if _, err := j.repo.RefreshOrderStatus(ctx, order.ID); err != nil {
				j.logger.Error("failed to refresh order status", "order_id", order.ID, "error", err)
			}
			continue
		}

		result := j.dispatcher.DispatchRoles(ctx, order, roles)
		redriven++
		j.logger.Info("re-drove order notifications", "order_id", order.ID, "roles", roles, "status", result.Status, "failed_roles", result.Failed())
	}

	metrics.JobRunsTotal.WithLabelValues("redrive", "ok").Inc()
	j.logger.Info("notification re-drive job finished", "orders", len(orders), "redriven", redriven)
}

// PurgeExpired deletes consumed carts and completed claims past retention.
func (j *Jobs) PurgeExpired() {
	j.logger.Info("starting purge job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	now := j.now()
	result := "ok"

	carts, err := j.repo.PurgeConsumedCarts(ctx, now.Add(-j.config.CartRetention()))
	if err != nil {
		result = "error"
		j.logger.Error("failed to purge consumed carts", "error", err)
	} else {
		j.logger.Info("purged consumed carts", "count", carts)
	}

	claims, err := j.claims.PurgeClaims(ctx, now.Add(-j.config.ClaimRetention()))
	if err != nil {
		result = "error"
		j.logger.Error("failed to purge completed claims", "error", err)
	} else {
		j.logger.Info("purged completed claims", "count", claims)
	}

	metrics.JobRunsTotal.WithLabelValues("purge", result).Inc()
}
