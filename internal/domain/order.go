/**
 * @description
 * This file defines the durable order record and the notification records that
 * track what the fulfillment pipeline told the merchant and the customer.
 *
 * @notes
 * - Amounts are stored as `int64` in the currency's minor unit, matching what the
 *   processor reports, which avoids floating-point drift in reconciliation.
 * - Line items are copied from the staged cart when the order is finalized so
 *   later changes to the cart table never alter a confirmed order.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

// OrderStatus tracks how far post-payment processing has progressed.
type OrderStatus string

const (
	OrderStatusCreated  OrderStatus = "created"
	OrderStatusNotified OrderStatus = "notified"
	OrderStatusComplete OrderStatus = "complete"
)

// FinalizedOrder is the durable record of a completed purchase.
// This struct maps directly to the `orders` table in the database.
type FinalizedOrder struct {
	ID                 uuid.UUID   `json:"id"`
	CartID             string      `json:"cart_id"`
	EventID            string      `json:"event_id"`
	CheckoutSessionID  string      `json:"checkout_session_id"`
	PaymentReferenceID string      `json:"payment_reference_id"`
	CustomerEmail      string      `json:"customer_email"`
	CustomerName       string      `json:"customer_name"`
	CustomerPhone      *string     `json:"customer_phone,omitempty"`
	DeliveryAddress    string      `json:"delivery_address"`
	LineItems          []LineItem  `json:"line_items"`
	Currency           string      `json:"currency"`
	TotalMinor         int64       `json:"total_minor"`
	Status             OrderStatus `json:"status"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// RecipientRole identifies who a notification is addressed to.
type RecipientRole string

const (
	RoleMerchant RecipientRole = "merchant"
	RoleCustomer RecipientRole = "customer"
)

// AllRecipientRoles lists every role an order must notify.
var AllRecipientRoles = []RecipientRole{RoleMerchant, RoleCustomer}

// DeliveryOutcome is the final result of sending one notification.
type DeliveryOutcome string

const (
	DeliverySent   DeliveryOutcome = "sent"
	DeliveryFailed DeliveryOutcome = "failed"
)

// NotificationRecord represents one attempted notification.
type NotificationRecord struct {
	OrderID     uuid.UUID       `json:"order_id"`
	Role        RecipientRole   `json:"recipient_role"`
	Outcome     DeliveryOutcome `json:"delivery_outcome"`
	Attempts    int             `json:"attempts"`
	Error       string          `json:"error,omitempty"`
	AttemptedAt time.Time       `json:"attempted_at"`
}

// NotificationRetryMessage is published to the retry queue when a recipient
// could not be reached during the webhook's own dispatch.
type NotificationRetryMessage struct {
	OrderID   uuid.UUID     `json:"order_id"`
	Role      RecipientRole `json:"recipient_role"`
	Attempt   int           `json:"attempt"`
	NotBefore time.Time     `json:"not_before"`
}

// ClaimStatus is the result of trying to claim an idempotency key.
type ClaimStatus int

const (
	ClaimProceed ClaimStatus = iota
	ClaimAlreadyProcessed
	ClaimInProgress
)

func (s ClaimStatus) String() string {
	switch s {
	case ClaimProceed:
		return "proceed"
	case ClaimAlreadyProcessed:
		return "already_processed"
	case ClaimInProgress:
		return "in_progress"
	default:
		return "unknown"
	}
}
