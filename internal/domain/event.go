/**
 * @description
 * This file defines the Go structs that model the incoming webhook events from the
 * payment processor. Only the checkout-session variants drive fulfillment; every
 * other event type is acknowledged and ignored by the pipeline.
 *
 * @notes
 * - IncomingEvent is only ever built by the webhookauth package after the
 *   signature has been verified over the raw request body.
 * - The `data.object` payload is kept raw and decoded on demand into the
 *   variant that matches the event type.
 */
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType is the processor-assigned type of an event.
type EventType string

const (
	EventCheckoutSessionCompleted EventType = "checkout.session.completed"
	EventCheckoutSessionAsyncPaid EventType = "checkout.session.async_payment_succeeded"
)

// Payment statuses reported on a checkout session.
const (
	PaymentStatusPaid              = "paid"
	PaymentStatusUnpaid            = "unpaid"
	PaymentStatusNoPaymentRequired = "no_payment_required"
)

// IncomingEvent is a verified, typed representation of a processor event.
type IncomingEvent struct {
	ID       string
	Type     EventType
	Created  time.Time
	Livemode bool
	Object   json.RawMessage
}

// RawEvent mirrors the envelope the processor posts to the webhook endpoint.
type RawEvent struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Created  int64     `json:"created"`
	Livemode bool      `json:"livemode"`
	Data     EventData `json:"data"`
}

// EventData wraps the object the event pertains to.
type EventData struct {
	Object json.RawMessage `json:"object"`
}

// CheckoutSession is the subset of a checkout session needed for fulfillment.
type CheckoutSession struct {
	ID              string            `json:"id"`
	PaymentIntent   string            `json:"payment_intent"`
	AmountTotal     int64             `json:"amount_total"`
	Currency        string            `json:"currency"`
	PaymentStatus   string            `json:"payment_status"`
	Metadata        map[string]string `json:"metadata"`
	CustomerDetails *CustomerDetails  `json:"customer_details,omitempty"`
}

// CustomerDetails carries what the processor collected from the payer.
type CustomerDetails struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// CheckoutSession decodes the event object as a checkout session.
func (e IncomingEvent) CheckoutSession() (*CheckoutSession, error) {
	var session CheckoutSession
	if err := json.Unmarshal(e.Object, &session); err != nil {
		return nil, fmt.Errorf("decode checkout session for event %s: %w", e.ID, err)
	}
	return &session, nil
}

// PaymentReference returns the identifier the processor uses for the charge.
// Sessions without a payment intent (e.g. fully discounted) fall back to the
// session id so the order still carries a unique reference.
func (s *CheckoutSession) PaymentReference() string {
	if ref := strings.TrimSpace(s.PaymentIntent); ref != "" {
		return ref
	}
	return strings.TrimSpace(s.ID)
}

// IsPaid reports whether funds for the session are settled.
func (s *CheckoutSession) IsPaid() bool {
	switch strings.ToLower(strings.TrimSpace(s.PaymentStatus)) {
	case PaymentStatusPaid, PaymentStatusNoPaymentRequired:
		return true
	default:
		return false
	}
}
