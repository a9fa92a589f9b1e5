package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/RayIwobi/Ecom-backend/internal/domain"
	"github.com/RayIwobi/Ecom-backend/pkg/mailer"
)

func finalizedOrder(repo *memoryRepo) *domain.FinalizedOrder {
	cart := testCart("cart-1")
	repo.carts[cart.ID] = cart
	order := &domain.FinalizedOrder{
		ID:                 uuid.New(),
		CartID:             cart.ID,
		EventID:            "evt_1",
		CheckoutSessionID:  "cs_1",
		PaymentReferenceID: "pi_1",
		CustomerEmail:      cart.CustomerEmail,
		CustomerName:       cart.CustomerName,
		CustomerPhone:      cart.CustomerPhone,
		DeliveryAddress:    cart.DeliveryAddress,
		LineItems:          cart.LineItems,
		Currency:           "gbp",
		TotalMinor:         2000,
		Status:             domain.OrderStatusCreated,
	}
	if err := repo.FinalizeOrder(context.Background(), order); err != nil {
		panic(err)
	}
	return order
}

func TestDispatch_RendersBothMessages(t *testing.T) {
	repo := newMemoryRepo()
	order := finalizedOrder(repo)
	m := newRecordingMailer()
	d := NewDispatcher(repo, m, nil, testDispatcherConfig(), discardLogger())

	result := d.Dispatch(context.Background(), order)
	if len(result.Failed()) != 0 {
		t.Fatalf("expected no failures, got %v", result.Failed())
	}
	if result.Status != domain.OrderStatusComplete {
		t.Fatalf("expected complete, got %s", result.Status)
	}

	var merchant, customer mailer.Message
	for _, msg := range m.sent {
		switch msg.To {
		case merchantAddr:
			merchant = msg
		case customerAddr:
			customer = msg
		}
	}

	if merchant.Subject != "New Order from "+customerAddr {
		t.Fatalf("unexpected merchant subject %q", merchant.Subject)
	}
	for _, want := range []string{order.ID.String(), "07700900000", "1 High Street, London", "pi_1", "£20.00", "Jollof Spice - Qty: 2 - £5.00"} {
		if !strings.Contains(merchant.HTML, want) {
			t.Fatalf("merchant summary missing %q:\n%s", want, merchant.HTML)
		}
	}

	for _, want := range []string{"Thank you, Ada!", "2 × Jollof Spice (£5.00 each)", "1 × Plantain Chips (£10.00 each)", "£20.00", "The Nedifoods Team"} {
		if !strings.Contains(customer.HTML, want) {
			t.Fatalf("customer receipt missing %q:\n%s", want, customer.HTML)
		}
	}
	if customer.FromAddress != "support@nedifoods.co.uk" || customer.FromName != "Nedifoods" {
		t.Fatalf("unexpected sender %q <%s>", customer.FromName, customer.FromAddress)
	}
}

func TestDispatch_EscapesCustomerInput(t *testing.T) {
	repo := newMemoryRepo()
	order := finalizedOrder(repo)
	order.CustomerName = "<script>alert(1)</script>"
	m := newRecordingMailer()
	d := NewDispatcher(repo, m, nil, testDispatcherConfig(), discardLogger())

	d.Dispatch(context.Background(), order)
	for _, msg := range m.sent {
		if strings.Contains(msg.HTML, "<script>") {
			t.Fatalf("expected escaped HTML, got:\n%s", msg.HTML)
		}
	}
}

func TestDispatch_MissingPhoneShowsPlaceholder(t *testing.T) {
	repo := newMemoryRepo()
	order := finalizedOrder(repo)
	order.CustomerPhone = nil
	m := newRecordingMailer()
	d := NewDispatcher(repo, m, nil, testDispatcherConfig(), discardLogger())

	d.Dispatch(context.Background(), order)
	for _, msg := range m.sent {
		if msg.To == merchantAddr {
			if !strings.Contains(msg.HTML, "<strong>Phone:</strong> Not provided") {
				t.Fatalf("expected placeholder phone, got:\n%s", msg.HTML)
			}
			return
		}
	}
	t.Fatal("expected a merchant summary")
}

func TestDispatch_RetriesThenSucceeds(t *testing.T) {
	repo := newMemoryRepo()
	order := finalizedOrder(repo)
	m := &flakyMailer{recordingMailer: newRecordingMailer(), failures: map[string]int{customerAddr: 2}}
	d := NewDispatcher(repo, m, nil, testDispatcherConfig(), discardLogger())

	result := d.Dispatch(context.Background(), order)
	if len(result.Failed()) != 0 {
		t.Fatalf("expected retries to succeed, got %v", result.Failed())
	}
	for _, res := range result.Results {
		if res.Role == domain.RoleCustomer && res.Attempts != 3 {
			t.Fatalf("expected three customer attempts, got %d", res.Attempts)
		}
	}
}

func TestDispatch_CustomerWithoutEmailFailsFast(t *testing.T) {
	repo := newMemoryRepo()
	order := finalizedOrder(repo)
	order.CustomerEmail = ""
	m := &noRecipientMailer{recordingMailer: newRecordingMailer()}
	d := NewDispatcher(repo, m, nil, testDispatcherConfig(), discardLogger())

	result := d.Dispatch(context.Background(), order)
	for _, res := range result.Results {
		if res.Role == domain.RoleCustomer {
			if res.Outcome != domain.DeliveryFailed || res.Attempts != 1 {
				t.Fatalf("expected one failed customer attempt, got %+v", res)
			}
		}
	}
	if result.Status != domain.OrderStatusNotified {
		t.Fatalf("expected notified after merchant send, got %s", result.Status)
	}
}

func TestDispatch_StageIgnoresRequestCancellation(t *testing.T) {
	repo := newMemoryRepo()
	order := finalizedOrder(repo)
	m := newRecordingMailer()
	d := NewDispatcher(repo, m, nil, testDispatcherConfig(), discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := d.Dispatch(ctx, order)
	if len(result.Failed()) != 0 {
		t.Fatalf("expected sends to complete despite cancelled request, got %v", result.Failed())
	}
}

func TestDispatch_QueueFailureIsLoggedNotFatal(t *testing.T) {
	repo := newMemoryRepo()
	order := finalizedOrder(repo)
	m := newRecordingMailer()
	m.failFor[merchantAddr] = errors.New("down")
	publisher := &recordingPublisher{err: errors.New("channel closed")}
	d := NewDispatcher(repo, m, publisher, testDispatcherConfig(), discardLogger())

	result := d.Dispatch(context.Background(), order)
	if failed := result.Failed(); len(failed) != 1 || failed[0] != domain.RoleMerchant {
		t.Fatalf("expected merchant failure, got %v", failed)
	}
}

func TestRetryDelay(t *testing.T) {
	tests := map[int]time.Duration{
		0:  2 * time.Second,
		1:  2 * time.Second,
		3:  8 * time.Second,
		8:  256 * time.Second,
		12: 256 * time.Second,
	}
	for attempt, want := range tests {
		if got := retryDelay(attempt); got != want {
			t.Fatalf("retryDelay(%d) = %s, want %s", attempt, got, want)
		}
	}
}

func TestNewTemplateData_ZeroDecimalCurrency(t *testing.T) {
	order := &domain.FinalizedOrder{
		ID:       uuid.New(),
		Currency: "jpy",
		LineItems: []domain.LineItem{
			{ProductName: "Tea", Quantity: 3, UnitPrice: decimal.NewFromInt(500)},
		},
		TotalMinor: 1500,
	}
	data := newTemplateData(order, "Shop", "¥")
	if data.Total != "¥1500" {
		t.Fatalf("expected ¥1500, got %q", data.Total)
	}
	if data.Items[0].UnitPrice != "¥500" {
		t.Fatalf("expected ¥500, got %q", data.Items[0].UnitPrice)
	}
}

type flakyMailer struct {
	*recordingMailer
	failures map[string]int
}

func (m *flakyMailer) Send(ctx context.Context, msg mailer.Message) error {
	m.mu.Lock()
	remaining := m.failures[msg.To]
	if remaining > 0 {
		m.failures[msg.To] = remaining - 1
		m.mu.Unlock()
		return errors.New("temporary failure")
	}
	m.mu.Unlock()
	return m.recordingMailer.Send(ctx, msg)
}

type noRecipientMailer struct {
	*recordingMailer
}

func (m *noRecipientMailer) Send(ctx context.Context, msg mailer.Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return mailer.ErrNoRecipient
	}
	return m.recordingMailer.Send(ctx, msg)
}

// contextRepo fails writes on a finished context the way pgx does.
type contextRepo struct {
	*memoryRepo
}

func (r contextRepo) RecordNotification(ctx context.Context, record domain.NotificationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.memoryRepo.RecordNotification(ctx, record)
}

func (r contextRepo) RefreshOrderStatus(ctx context.Context, orderID uuid.UUID) (domain.OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return r.memoryRepo.RefreshOrderStatus(ctx, orderID)
}

// stallingMailer blocks sends to one address until the context ends.
type stallingMailer struct {
	*recordingMailer
	stall string
}

func (m *stallingMailer) Send(ctx context.Context, msg mailer.Message) error {
	if msg.To == m.stall {
		<-ctx.Done()
		return ctx.Err()
	}
	return m.recordingMailer.Send(ctx, msg)
}

func TestDispatch_PersistsOutcomesAfterStageTimeout(t *testing.T) {
	repo := newMemoryRepo()
	order := finalizedOrder(repo)
	m := &stallingMailer{recordingMailer: newRecordingMailer(), stall: customerAddr}

	cfg := testDispatcherConfig()
	cfg.MaxAttempts = 1
	cfg.SendTimeout = 5 * time.Second
	cfg.StageTimeout = 100 * time.Millisecond
	d := NewDispatcher(contextRepo{repo}, m, nil, cfg, discardLogger())

	result := d.DispatchRoles(context.Background(), order, domain.AllRecipientRoles)
	if failed := result.Failed(); len(failed) != 1 || failed[0] != domain.RoleCustomer {
		t.Fatalf("expected only the customer to fail, got %v", failed)
	}
	if result.Status != domain.OrderStatusNotified {
		t.Fatalf("expected notified, got %s", result.Status)
	}

	sent, _ := repo.SentRoles(context.Background(), order.ID)
	if len(sent) != 1 || sent[0] != domain.RoleMerchant {
		t.Fatalf("expected merchant sent record to be persisted, got %v", sent)
	}
	repo.mu.Lock()
	records := len(repo.records)
	repo.mu.Unlock()
	if records != 2 {
		t.Fatalf("expected both outcomes recorded, got %d", records)
	}
}

func TestDispatch_StopsRetryingAtStageDeadline(t *testing.T) {
	repo := newMemoryRepo()
	order := finalizedOrder(repo)
	m := newRecordingMailer()
	m.failFor[merchantAddr] = errors.New("down")

	cfg := testDispatcherConfig()
	cfg.MaxAttempts = 3
	cfg.AttemptBackoff = 200 * time.Millisecond
	cfg.StageTimeout = 250 * time.Millisecond
	d := NewDispatcher(repo, m, nil, cfg, discardLogger())

	result := d.DispatchRoles(context.Background(), order, []domain.RecipientRole{domain.RoleMerchant})
	if len(result.Results) != 1 {
		t.Fatalf("expected one result, got %d", len(result.Results))
	}
	res := result.Results[0]
	if res.Outcome != domain.DeliveryFailed || res.Attempts != 2 {
		t.Fatalf("expected two attempts before the deadline, got %+v", res)
	}
	if res.Err == nil || res.Err.Error() != "down" {
		t.Fatalf("expected the last send error, got %v", res.Err)
	}
}
