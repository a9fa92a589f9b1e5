/**
 * @description
 * The notification dispatcher tells the merchant and the customer about a
 * finalized order. Both sends run concurrently and fail independently; the
 * outcome of each is persisted and the order status is derived from those
 * records. A failed send never fails the webhook delivery.
 *
 * @dependencies
 * - github.com/sourcegraph/conc: structured concurrency for the two sends.
 * - internal/metrics: delivery outcome counters.
 * - pkg/mailer: message type shared with the SMTP transport.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/RayIwobi/Ecom-backend/internal/domain"
	"github.com/RayIwobi/Ecom-backend/internal/metrics"
	"github.com/RayIwobi/Ecom-backend/internal/store"
	"github.com/RayIwobi/Ecom-backend/pkg/mailer"
)

// NotificationRetryRoutingKey is the routing key failed sends are published with.
const NotificationRetryRoutingKey = "fulfillment.notification.retry"

const persistTimeout = 5 * time.Second

// Mailer sends one email.
type Mailer interface {
	Send(ctx context.Context, msg mailer.Message) error
}

// EventPublisher publishes a JSON body to an exchange.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// DispatcherConfig carries sender identity and delivery bounds.
type DispatcherConfig struct {
	FromName        string
	FromAddress     string
	MerchantAddress string
	StoreName       string
	CurrencySymbol  string

	MaxAttempts    int
	AttemptBackoff time.Duration
	SendTimeout    time.Duration
	StageTimeout   time.Duration

	RetryExchange string
}

// RecipientResult is what happened to one recipient.
type RecipientResult struct {
	Role     domain.RecipientRole
	Outcome  domain.DeliveryOutcome
	Attempts int
	Err      error
}

// DispatchResult summarises a dispatch.
type DispatchResult struct {
	Results []RecipientResult
	Status  domain.OrderStatus
}

// Failed lists the roles that were not reached.
func (r DispatchResult) Failed() []domain.RecipientRole {
	var failed []domain.RecipientRole
	for _, res := range r.Results {
		if res.Outcome != domain.DeliverySent {
			failed = append(failed, res.Role)
		}
	}
	return failed
}

type Dispatcher struct {
	repo      store.Repository
	mailer    Mailer
	publisher EventPublisher
	cfg       DispatcherConfig
	logger    *slog.Logger
	now       func() time.Time
}

func NewDispatcher(repo store.Repository, m Mailer, publisher EventPublisher, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.AttemptBackoff < 0 {
		cfg.AttemptBackoff = 0
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		repo:      repo,
		mailer:    m,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Dispatch notifies every recipient of a freshly finalized order and queues
// the ones that could not be reached.
func (d *Dispatcher) Dispatch(ctx context.Context, order *domain.FinalizedOrder) DispatchResult {
	result := d.DispatchRoles(ctx, order, domain.AllRecipientRoles)
	for _, role := range result.Failed() {
		d.queueRetry(ctx, order.ID, role, 1)
	}
	return result
}

// DispatchRoles notifies the given roles only. The stage runs under its own
// deadline so a client disconnect does not abort a send half way.
func (d *Dispatcher) DispatchRoles(ctx context.Context, order *domain.FinalizedOrder, roles []domain.RecipientRole) DispatchResult {
	stageCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.StageTimeout)
	defer cancel()

	results := make([]RecipientResult, len(roles))
	var wg conc.WaitGroup
	for i, role := range roles {
		i, role := i, role
		wg.Go(func() {
			results[i] = d.deliver(stageCtx, order, role)
		})
	}
	if panicked := wg.WaitAndRecover(); panicked != nil {
		d.logger.Error("notification send panicked", "order_id", order.ID, "error", panicked.AsError())
		for i := range results {
			if results[i].Role == "" {
				results[i] = RecipientResult{Role: roles[i], Outcome: domain.DeliveryFailed, Err: panicked.AsError()}
			}
		}
	}

	// Outcomes are written even when a send used up the stage budget.
	persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancelPersist()

	for _, res := range results {
		d.record(persistCtx, order.ID, res)
	}

	status, err := d.repo.RefreshOrderStatus(persistCtx, order.ID)
	if err != nil {
		d.logger.Error("failed to refresh order status", "order_id", order.ID, "error", err)
		status = order.Status
	}

	return DispatchResult{Results: results, Status: status}
}

func (d *Dispatcher) deliver(ctx context.Context, order *domain.FinalizedOrder, role domain.RecipientRole) RecipientResult {
	msg, err := d.compose(order, role)
	if err != nil {
		return RecipientResult{Role: role, Outcome: domain.DeliveryFailed, Err: err}
	}

	var lastErr error
	attempts := 0
	for attempts < d.cfg.MaxAttempts {
		attempts++
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		lastErr = d.mailer.Send(sendCtx, msg)
		cancel()
		if lastErr == nil {
			return RecipientResult{Role: role, Outcome: domain.DeliverySent, Attempts: attempts}
		}
		if errors.Is(lastErr, mailer.ErrNoRecipient) {
			break
		}

		d.logger.Warn("notification attempt failed",
			"order_id", order.ID, "role", role, "attempt", attempts, "error", lastErr)

		if attempts >= d.cfg.MaxAttempts || ctx.Err() != nil {
			break
		}
		wait := time.Duration(attempts) * d.cfg.AttemptBackoff
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= wait {
			d.logger.Warn("stage deadline reached; giving up on recipient",
				"order_id", order.ID, "role", role, "attempts", attempts)
			break
		}
		if wait > 0 {
			select {
			case <-ctx.Done():
				return RecipientResult{Role: role, Outcome: domain.DeliveryFailed, Attempts: attempts, Err: lastErr}
			case <-time.After(wait):
			}
		}
	}
	return RecipientResult{Role: role, Outcome: domain.DeliveryFailed, Attempts: attempts, Err: lastErr}
}

func (d *Dispatcher) compose(order *domain.FinalizedOrder, role domain.RecipientRole) (mailer.Message, error) {
	data := newTemplateData(order, d.cfg.StoreName, d.cfg.CurrencySymbol)
	msg := mailer.Message{FromName: d.cfg.FromName, FromAddress: d.cfg.FromAddress}

	var err error
	switch role {
	case domain.RoleMerchant:
		msg.To = d.cfg.MerchantAddress
		msg.Subject = fmt.Sprintf("New Order from %s", order.CustomerEmail)
		msg.HTML, err = render(merchantSummaryTemplate, data)
	case domain.RoleCustomer:
		msg.To = order.CustomerEmail
		msg.Subject = "Thank you for your order!"
		msg.HTML, err = render(customerReceiptTemplate, data)
	default:
		err = fmt.Errorf("unknown recipient role %q", role)
	}
	return msg, err
}

func (d *Dispatcher) record(ctx context.Context, orderID uuid.UUID, res RecipientResult) {
	metrics.NotificationsTotal.WithLabelValues(string(res.Role), string(res.Outcome)).Inc()

	record := domain.NotificationRecord{
		OrderID:     orderID,
		Role:        res.Role,
		Outcome:     res.Outcome,
		Attempts:    res.Attempts,
		AttemptedAt: d.now().UTC(),
	}
	if res.Err != nil {
		record.Error = res.Err.Error()
	}

	logger := d.logger.With("order_id", orderID, "role", res.Role, "attempts", res.Attempts)
	if res.Outcome == domain.DeliverySent {
		logger.Info("notification sent")
	} else {
		logger.Error("notification failed", "error", res.Err)
	}

	if err := d.repo.RecordNotification(ctx, record); err != nil {
		logger.Error("failed to record notification outcome", "error", err)
	}
}

// queueRetry hands a failed recipient to the retry worker. Without a broker
// the scheduled re-drive job picks the order up instead.
func (d *Dispatcher) queueRetry(ctx context.Context, orderID uuid.UUID, role domain.RecipientRole, attempt int) bool {
	if d.publisher == nil || d.cfg.RetryExchange == "" {
		return false
	}
	msg := domain.NotificationRetryMessage{
		OrderID:   orderID,
		Role:      role,
		Attempt:   attempt,
		NotBefore: d.now().UTC().Add(retryDelay(attempt)),
	}
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.publisher.Publish(publishCtx, d.cfg.RetryExchange, NotificationRetryRoutingKey, msg); err != nil {
		d.logger.Error("failed to queue notification retry", "order_id", orderID, "role", role, "error", err)
		return false
	}
	metrics.NotificationRetriesQueuedTotal.Inc()
	d.logger.Info("queued notification retry", "order_id", orderID, "role", role, "attempt", attempt)
	return true
}

// retryDelay backs off exponentially per attempt, capped at five minutes.
func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	seconds := 1 << min(attempt, 8)
	if seconds > 300 {
		seconds = 300
	}
	return time.Duration(seconds) * time.Second
}
