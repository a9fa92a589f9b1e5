package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/RayIwobi/Ecom-backend/internal/domain"
	"github.com/RayIwobi/Ecom-backend/internal/store"
)

// maxRetryWait bounds how long a delivery is held before its retry is due.
const maxRetryWait = 5 * time.Minute

// RetryWorker consumes notification retries published by the dispatcher.
type RetryWorker struct {
	repo        store.Repository
	dispatcher  *Dispatcher
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewRetryWorker(repo store.Repository, dispatcher *Dispatcher, maxAttempts int, logger *slog.Logger) *RetryWorker {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryWorker{
		repo:        repo,
		dispatcher:  dispatcher,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
		sleep:       sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// HandleRetry processes one retry message. It returns false only when the
// message should be requeued as is.
func (w *RetryWorker) HandleRetry(ctx context.Context, body []byte) bool {
	var msg domain.NotificationRetryMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		w.logger.Error("dropping undecodable notification retry", "error", err)
		return true
	}
	logger := w.logger.With("order_id", msg.OrderID, "role", msg.Role, "attempt", msg.Attempt)

	if wait := msg.NotBefore.Sub(w.now()); wait > 0 {
		if wait > maxRetryWait {
			wait = maxRetryWait
		}
		if err := w.sleep(ctx, wait); err != nil {
			return false
		}
	}

	order, err := w.repo.FindOrderByID(ctx, msg.OrderID)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			logger.Error("dropping notification retry for unknown order")
			return true
		}
		logger.Error("failed to load order for notification retry", "error", err)
		return false
	}

	sent, err := w.repo.SentRoles(ctx, order.ID)
	if err != nil {
		logger.Error("failed to load sent roles", "error", err)
		return false
	}
	for _, role := range sent {
		if role == msg.Role {
			logger.Info("recipient already notified; dropping retry")
			return true
		}
	}

	result := w.dispatcher.DispatchRoles(ctx, order, []domain.RecipientRole{msg.Role})
	if len(result.Failed()) == 0 {
		logger.Info("notification retry succeeded", "status", result.Status)
		return true
	}

	if msg.Attempt >= w.maxAttempts {
		logger.Error("notification retries exhausted; leaving order for re-drive job")
		return true
	}
	if !w.dispatcher.queueRetry(ctx, order.ID, msg.Role, msg.Attempt+1) {
		return false
	}
	return true
}
