/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` and
 * `ClaimStore` interfaces. It contains the SQL for staged carts, finalized
 * orders, notification records and the webhook idempotency claims.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/RayIwobi/Ecom-backend/internal/domain"
)

const (
	claimStatusProcessing = "processing"
	claimStatusCompleted  = "completed"
)

// PostgresRepository is a concrete implementation of Repository and ClaimStore for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// FindPendingCart retrieves a staged cart by its id.
func (r *PostgresRepository) FindPendingCart(ctx context.Context, cartID string) (*domain.StagedCart, error) {
	var (
		cart  domain.StagedCart
		items []byte
	)
	query := `
		SELECT id, email, username, userphone, useraddress, cart, created_at, consumed_at
		FROM pending_carts
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, cartID).Scan(
		&cart.ID,
		&cart.CustomerEmail,
		&cart.CustomerName,
		&cart.CustomerPhone,
		&cart.DeliveryAddress,
		&items,
		&cart.CreatedAt,
		&cart.ConsumedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCartNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(items, &cart.LineItems); err != nil {
		return nil, fmt.Errorf("%w: cart %s: %v", ErrCartCorrupt, cartID, err)
	}
	return &cart, nil
}

// FinalizeOrder persists the order and consumes the cart atomically.
func (r *PostgresRepository) FinalizeOrder(ctx context.Context, order *domain.FinalizedOrder) error {
	items, err := json.Marshal(order.LineItems)
	if err != nil {
		return fmt.Errorf("encode order line items: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin finalize tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insertQuery := `
		INSERT INTO orders (
			id, cart_id, event_id, checkout_session_id, payment_reference_id,
			customer_email, customer_name, customer_phone, delivery_address,
			line_items, currency, total_minor, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, $12, $13)
		ON CONFLICT DO NOTHING
		RETURNING created_at, updated_at
	`
	err = tx.QueryRow(ctx, insertQuery,
		order.ID,
		order.CartID,
		order.EventID,
		order.CheckoutSessionID,
		order.PaymentReferenceID,
		order.CustomerEmail,
		order.CustomerName,
		order.CustomerPhone,
		order.DeliveryAddress,
		string(items),
		order.Currency,
		order.TotalMinor,
		string(order.Status),
	).Scan(&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
			return ErrOrderExists
		}
		return fmt.Errorf("insert order: %w", err)
	}

	consumeQuery := `
		UPDATE pending_carts
		SET consumed_at = NOW()
		WHERE id = $1 AND consumed_at IS NULL
	`
	result, err := tx.Exec(ctx, consumeQuery, order.CartID)
	if err != nil {
		return fmt.Errorf("consume cart: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrCartNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit finalize tx: %w", err)
	}
	return nil
}

const orderColumns = `
	id, cart_id, event_id, checkout_session_id, payment_reference_id,
	customer_email, customer_name, customer_phone, delivery_address,
	line_items, currency, total_minor, status, created_at, updated_at
`

func scanOrder(row pgx.Row) (*domain.FinalizedOrder, error) {
	var (
		order  domain.FinalizedOrder
		items  []byte
		status string
	)
	if err := row.Scan(
		&order.ID,
		&order.CartID,
		&order.EventID,
		&order.CheckoutSessionID,
		&order.PaymentReferenceID,
		&order.CustomerEmail,
		&order.CustomerName,
		&order.CustomerPhone,
		&order.DeliveryAddress,
		&items,
		&order.Currency,
		&order.TotalMinor,
		&status,
		&order.CreatedAt,
		&order.UpdatedAt,
	); err != nil {
		return nil, err
	}
	order.Status = domain.OrderStatus(status)
	if err := json.Unmarshal(items, &order.LineItems); err != nil {
		return nil, fmt.Errorf("decode order %s line items: %w", order.ID, err)
	}
	return &order, nil
}

// FindOrderByID retrieves an order by its primary key.
func (r *PostgresRepository) FindOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.FinalizedOrder, error) {
	order, err := scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

// FindOrderByCartID retrieves the order a cart was finalized into.
func (r *PostgresRepository) FindOrderByCartID(ctx context.Context, cartID string) (*domain.FinalizedOrder, error) {
	order, err := scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE cart_id = $1`, cartID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

// FindOrdersAwaitingNotification lists orders whose notifications have not all
// been delivered, untouched since idleSince and created after createdAfter.
func (r *PostgresRepository) FindOrdersAwaitingNotification(ctx context.Context, idleSince time.Time, createdAfter time.Time, limit int) ([]domain.FinalizedOrder, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE status IN ('created', 'notified')
		  AND updated_at < $1
		  AND created_at > $2
		ORDER BY created_at
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, idleSince, createdAfter, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.FinalizedOrder, 0, limit)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

// RecordNotification stores the outcome of one notification.
func (r *PostgresRepository) RecordNotification(ctx context.Context, record domain.NotificationRecord) error {
	var errText *string
	if msg := strings.TrimSpace(record.Error); msg != "" {
		if len(msg) > 2000 {
			msg = msg[:2000]
		}
		errText = &msg
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO notification_records (order_id, recipient_role, outcome, attempts, error, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, record.OrderID, string(record.Role), string(record.Outcome), record.Attempts, errText, record.AttemptedAt)
	return err
}

// SentRoles lists the roles that already received a notification for the order.
func (r *PostgresRepository) SentRoles(ctx context.Context, orderID uuid.UUID) ([]domain.RecipientRole, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT recipient_role
		FROM notification_records
		WHERE order_id = $1 AND outcome = 'sent'
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []domain.RecipientRole
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, domain.RecipientRole(role))
	}
	return roles, rows.Err()
}

// RefreshOrderStatus moves the order to notified once one role has a sent
// record and to complete once both have. Complete orders are left untouched.
func (r *PostgresRepository) RefreshOrderStatus(ctx context.Context, orderID uuid.UUID) (domain.OrderStatus, error) {
	query := `
		UPDATE orders AS o
		SET status = CASE
				WHEN sent.roles >= 2 THEN 'complete'
				WHEN sent.roles = 1 THEN 'notified'
				ELSE o.status
			END,
			updated_at = NOW()
		FROM (
			SELECT COUNT(DISTINCT recipient_role) AS roles
			FROM notification_records
			WHERE order_id = $1 AND outcome = 'sent'
		) AS sent
		WHERE o.id = $1 AND o.status <> 'complete'
		RETURNING o.status
	`
	var status string
	err := r.db.QueryRow(ctx, query, orderID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		err = r.db.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrOrderNotFound
		}
	}
	if err != nil {
		return "", err
	}
	return domain.OrderStatus(status), nil
}

// PurgeConsumedCarts deletes carts finalized before the cutoff.
func (r *PostgresRepository) PurgeConsumedCarts(ctx context.Context, consumedBefore time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, `
		DELETE FROM pending_carts
		WHERE consumed_at IS NOT NULL AND consumed_at < $1
	`, consumedBefore)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// AcquireClaim reserves key for this delivery. The insert is the atomic claim;
// the conflict path inspects the existing row under a row lock.
func (r *PostgresRepository) AcquireClaim(ctx context.Context, key string, eventID string, staleWindow time.Duration) (domain.ClaimStatus, error) {
	if staleWindow <= 0 {
		staleWindow = 2 * time.Minute
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.ClaimInProgress, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insertResult, err := tx.Exec(ctx, `
		INSERT INTO webhook_claims (claim_key, event_id, status, claimed_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (claim_key) DO NOTHING
	`, key, eventID, claimStatusProcessing)
	if err != nil {
		return domain.ClaimInProgress, fmt.Errorf("reserve claim: %w", err)
	}
	if insertResult.RowsAffected() == 1 {
		if err := tx.Commit(ctx); err != nil {
			return domain.ClaimInProgress, err
		}
		return domain.ClaimProceed, nil
	}

	var (
		status string
		stale  bool
	)
	err = tx.QueryRow(ctx, `
		SELECT status, updated_at < NOW() - ($2 * INTERVAL '1 second')
		FROM webhook_claims
		WHERE claim_key = $1
		FOR UPDATE
	`, key, int64(staleWindow.Seconds())).Scan(&status, &stale)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Released between our insert and select; the releasing attempt
			// failed with a retryable status, so its redelivery will retry.
			return domain.ClaimInProgress, nil
		}
		return domain.ClaimInProgress, fmt.Errorf("load claim: %w", err)
	}

	if status == claimStatusCompleted {
		if err := tx.Commit(ctx); err != nil {
			return domain.ClaimInProgress, err
		}
		return domain.ClaimAlreadyProcessed, nil
	}
	if !stale {
		if err := tx.Commit(ctx); err != nil {
			return domain.ClaimInProgress, err
		}
		return domain.ClaimInProgress, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE webhook_claims
		SET event_id = $2, status = $3, order_id = NULL, claimed_at = NOW(), updated_at = NOW()
		WHERE claim_key = $1
	`, key, eventID, claimStatusProcessing); err != nil {
		return domain.ClaimInProgress, fmt.Errorf("reclaim stale claim: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.ClaimInProgress, err
	}
	return domain.ClaimProceed, nil
}

// CompleteClaim marks key processed and links it to the order it produced.
func (r *PostgresRepository) CompleteClaim(ctx context.Context, key string, orderID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE webhook_claims
		SET status = $2, order_id = $3, updated_at = NOW()
		WHERE claim_key = $1
	`, key, claimStatusCompleted, orderID)
	return err
}

// ReleaseClaim deletes a processing claim. Completed claims are never released.
func (r *PostgresRepository) ReleaseClaim(ctx context.Context, key string) error {
	_, err := r.db.Exec(ctx, `
		DELETE FROM webhook_claims
		WHERE claim_key = $1 AND status = $2
	`, key, claimStatusProcessing)
	return err
}

// PurgeClaims drops completed claims older than the retention cutoff. The
// unique constraints on orders still stop a very late redelivery.
func (r *PostgresRepository) PurgeClaims(ctx context.Context, completedBefore time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, `
		DELETE FROM webhook_claims
		WHERE status = $2 AND updated_at < $1
	`, completedBefore, claimStatusCompleted)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
