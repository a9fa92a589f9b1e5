package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/RayIwobi/Ecom-backend/internal/domain"
	"github.com/RayIwobi/Ecom-backend/internal/store"
	"github.com/RayIwobi/Ecom-backend/pkg/mailer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memoryRepo struct {
	store.Repository

	mu          sync.Mutex
	carts       map[string]*domain.StagedCart
	orders      map[uuid.UUID]*domain.FinalizedOrder
	records     []domain.NotificationRecord
	finalizeErr error
	findCartErr error
	purgedCarts int
}

func newMemoryRepo(carts ...*domain.StagedCart) *memoryRepo {
	repo := &memoryRepo{
		carts:  make(map[string]*domain.StagedCart),
		orders: make(map[uuid.UUID]*domain.FinalizedOrder),
	}
	for _, cart := range carts {
		repo.carts[cart.ID] = cart
	}
	return repo
}

func (r *memoryRepo) FindPendingCart(ctx context.Context, cartID string) (*domain.StagedCart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findCartErr != nil {
		return nil, r.findCartErr
	}
	cart, ok := r.carts[cartID]
	if !ok {
		return nil, store.ErrCartNotFound
	}
	clone := *cart
	return &clone, nil
}

func (r *memoryRepo) FinalizeOrder(ctx context.Context, order *domain.FinalizedOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalizeErr != nil {
		return r.finalizeErr
	}
	for _, existing := range r.orders {
		if existing.CartID == order.CartID || existing.PaymentReferenceID == order.PaymentReferenceID {
			return store.ErrOrderExists
		}
	}
	cart, ok := r.carts[order.CartID]
	if !ok || cart.ConsumedAt != nil {
		return store.ErrCartNotFound
	}
	now := time.Now()
	cart.ConsumedAt = &now
	order.CreatedAt = now
	order.UpdatedAt = now
	clone := *order
	r.orders[order.ID] = &clone
	return nil
}

func (r *memoryRepo) FindOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.FinalizedOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	clone := *order
	return &clone, nil
}

func (r *memoryRepo) FindOrderByCartID(ctx context.Context, cartID string) (*domain.FinalizedOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, order := range r.orders {
		if order.CartID == cartID {
			clone := *order
			return &clone, nil
		}
	}
	return nil, store.ErrOrderNotFound
}

func (r *memoryRepo) FindOrdersAwaitingNotification(ctx context.Context, idleSince time.Time, createdAfter time.Time, limit int) ([]domain.FinalizedOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.FinalizedOrder
	for _, order := range r.orders {
		if order.Status != domain.OrderStatusComplete {
			out = append(out, *order)
		}
	}
	return out, nil
}

func (r *memoryRepo) RecordNotification(ctx context.Context, record domain.NotificationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return nil
}

func (r *memoryRepo) sentRolesLocked(orderID uuid.UUID) []domain.RecipientRole {
	seen := map[domain.RecipientRole]bool{}
	var roles []domain.RecipientRole
	for _, rec := range r.records {
		if rec.OrderID == orderID && rec.Outcome == domain.DeliverySent && !seen[rec.Role] {
			seen[rec.Role] = true
			roles = append(roles, rec.Role)
		}
	}
	return roles
}

func (r *memoryRepo) SentRoles(ctx context.Context, orderID uuid.UUID) ([]domain.RecipientRole, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sentRolesLocked(orderID), nil
}

func (r *memoryRepo) RefreshOrderStatus(ctx context.Context, orderID uuid.UUID) (domain.OrderStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return "", store.ErrOrderNotFound
	}
	switch n := len(r.sentRolesLocked(orderID)); {
	case order.Status == domain.OrderStatusComplete:
	case n >= 2:
		order.Status = domain.OrderStatusComplete
	case n == 1:
		order.Status = domain.OrderStatusNotified
	}
	return order.Status, nil
}

func (r *memoryRepo) PurgeConsumedCarts(ctx context.Context, consumedBefore time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, cart := range r.carts {
		if cart.ConsumedAt != nil && cart.ConsumedAt.Before(consumedBefore) {
			delete(r.carts, id)
			n++
		}
	}
	r.purgedCarts += int(n)
	return n, nil
}

func (r *memoryRepo) orderCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

func (r *memoryRepo) onlyOrder() *domain.FinalizedOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, order := range r.orders {
		clone := *order
		return &clone
	}
	return nil
}

type claimEntry struct {
	status  string
	eventID string
	orderID uuid.UUID
	stale   bool
}

type memoryClaims struct {
	mu         sync.Mutex
	entries    map[string]*claimEntry
	acquireErr error
	purged     int
}

func newMemoryClaims() *memoryClaims {
	return &memoryClaims{entries: make(map[string]*claimEntry)}
}

func (c *memoryClaims) AcquireClaim(ctx context.Context, key string, eventID string, staleWindow time.Duration) (domain.ClaimStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acquireErr != nil {
		return domain.ClaimInProgress, c.acquireErr
	}
	entry, ok := c.entries[key]
	if !ok {
		c.entries[key] = &claimEntry{status: "processing", eventID: eventID}
		return domain.ClaimProceed, nil
	}
	if entry.status == "completed" {
		return domain.ClaimAlreadyProcessed, nil
	}
	if entry.stale {
		c.entries[key] = &claimEntry{status: "processing", eventID: eventID}
		return domain.ClaimProceed, nil
	}
	return domain.ClaimInProgress, nil
}

func (c *memoryClaims) CompleteClaim(ctx context.Context, key string, orderID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &claimEntry{status: "completed", orderID: orderID}
	return nil
}

func (c *memoryClaims) ReleaseClaim(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok && entry.status == "processing" {
		delete(c.entries, key)
	}
	return nil
}

func (c *memoryClaims) PurgeClaims(ctx context.Context, completedBefore time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purged++
	return 0, nil
}

func (c *memoryClaims) status(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		return entry.status
	}
	return ""
}

type recordingMailer struct {
	mu      sync.Mutex
	sent    []mailer.Message
	calls   map[string]int
	failFor map[string]error
}

func newRecordingMailer() *recordingMailer {
	return &recordingMailer{calls: map[string]int{}, failFor: map[string]error{}}
}

func (m *recordingMailer) Send(ctx context.Context, msg mailer.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[msg.To]++
	if err, ok := m.failFor[msg.To]; ok {
		return err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *recordingMailer) sentTo(addr string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.sent {
		if msg.To == addr {
			n++
		}
	}
	return n
}

func (m *recordingMailer) totalSent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []domain.NotificationRetryMessage
	err      error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	msg, ok := body.(domain.NotificationRetryMessage)
	if !ok {
		return errors.New("unexpected publish body")
	}
	p.messages = append(p.messages, msg)
	return nil
}

const (
	merchantAddr = "orders@nedifoods.co.uk"
	customerAddr = "buyer@example.com"
)

func testCart(id string) *domain.StagedCart {
	phone := "07700900000"
	return &domain.StagedCart{
		ID:              id,
		CustomerEmail:   customerAddr,
		CustomerName:    "Ada",
		CustomerPhone:   &phone,
		DeliveryAddress: "1 High Street, London",
		LineItems: []domain.LineItem{
			{ProductName: "Jollof Spice", Quantity: 2, UnitPrice: decimal.RequireFromString("5.00")},
			{ProductName: "Plantain Chips", Quantity: 1, UnitPrice: decimal.RequireFromString("10.00")},
		},
		CreatedAt: time.Now().Add(-time.Hour),
	}
}

func checkoutEvent(eventID, cartID string, amountTotal int64) domain.IncomingEvent {
	session := map[string]interface{}{
		"id":             "cs_" + cartID,
		"payment_intent": "pi_" + cartID,
		"amount_total":   amountTotal,
		"currency":       "gbp",
		"payment_status": "paid",
		"metadata":       map[string]string{"cartId": cartID},
	}
	object, _ := json.Marshal(session)
	return domain.IncomingEvent{
		ID:     eventID,
		Type:   domain.EventCheckoutSessionCompleted,
		Object: object,
	}
}

func testDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		FromName:        "Nedifoods",
		FromAddress:     "support@nedifoods.co.uk",
		MerchantAddress: merchantAddr,
		StoreName:       "Nedifoods",
		CurrencySymbol:  "£",
		MaxAttempts:     3,
		SendTimeout:     time.Second,
		StageTimeout:    5 * time.Second,
		RetryExchange:   "ecom.events",
	}
}

type pipeline struct {
	repo      *memoryRepo
	claims    *memoryClaims
	mailer    *recordingMailer
	publisher *recordingPublisher
	service   *FulfillmentService
}

func newPipeline(carts ...*domain.StagedCart) *pipeline {
	repo := newMemoryRepo(carts...)
	claims := newMemoryClaims()
	m := newRecordingMailer()
	publisher := &recordingPublisher{}
	logger := discardLogger()

	dispatcher := NewDispatcher(repo, m, publisher, testDispatcherConfig(), logger)
	service := NewFulfillmentService(
		repo,
		NewGuard(claims, 2*time.Minute),
		NewResolver(repo),
		NewFinalizer(repo, 0),
		dispatcher,
		logger,
	)
	return &pipeline{repo: repo, claims: claims, mailer: m, publisher: publisher, service: service}
}
