package webhookauth

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/RayIwobi/Ecom-backend/internal/domain"
)

const testSecret = "whsec_test"

var fixedNow = time.Date(2026, 2, 25, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func sampleBody() []byte {
	return []byte(`{"id":"evt_123","type":"checkout.session.completed","created":1772020800,"livemode":false,"data":{"object":{"id":"cs_1","payment_intent":"pi_1","amount_total":2000,"currency":"gbp","payment_status":"paid","metadata":{"cartId":"cart-1"}}}}`)
}

func TestConstructEvent_OK(t *testing.T) {
	body := sampleBody()
	header := SignHeader(testSecret, fixedNow.Add(-time.Minute), body)

	event, err := ConstructEvent(body, header, testSecret, WithClock(clock))
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if event.ID != "evt_123" {
		t.Fatalf("expected evt_123, got %q", event.ID)
	}
	if event.Type != domain.EventCheckoutSessionCompleted {
		t.Fatalf("expected checkout completed type, got %q", event.Type)
	}

	session, err := event.CheckoutSession()
	if err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if session.Metadata["cartId"] != "cart-1" {
		t.Fatalf("expected cart-1, got %q", session.Metadata["cartId"])
	}
}

func TestConstructEvent_DecodeIsStable(t *testing.T) {
	body := sampleBody()
	header := SignHeader(testSecret, fixedNow, body)

	first, err := ConstructEvent(body, header, testSecret, WithClock(clock))
	if err != nil {
		t.Fatalf("first decode: %v", err)
	}
	second, err := ConstructEvent(body, header, testSecret, WithClock(clock))
	if err != nil {
		t.Fatalf("second decode: %v", err)
	}
	if first.ID != second.ID || first.Type != second.Type || string(first.Object) != string(second.Object) {
		t.Fatalf("expected identical decodes, got %+v and %+v", first, second)
	}
}

func TestConstructEvent_AnySingleByteMutationFails(t *testing.T) {
	body := sampleBody()
	header := SignHeader(testSecret, fixedNow, body)

	for i := range body {
		mutated := append([]byte(nil), body...)
		mutated[i] ^= 0x01

		_, err := ConstructEvent(mutated, header, testSecret, WithClock(clock))
		if !errors.Is(err, ErrNoValidSignature) {
			t.Fatalf("byte %d: expected ErrNoValidSignature, got %v", i, err)
		}
	}
}

func TestConstructEvent_AcceptsAnyMatchingV1(t *testing.T) {
	body := sampleBody()
	valid := SignHeader(testSecret, fixedNow, body)
	header := fmt.Sprintf("t=%d,v1=%s,%s", fixedNow.Unix(), strings.Repeat("ab", 32), strings.TrimPrefix(valid, fmt.Sprintf("t=%d,", fixedNow.Unix())))

	if _, err := ConstructEvent(body, header, testSecret, WithClock(clock)); err != nil {
		t.Fatalf("expected rotated-secret header to verify, got %v", err)
	}
}

func TestConstructEvent_Errors(t *testing.T) {
	body := sampleBody()

	tests := []struct {
		name    string
		body    []byte
		header  string
		secret  string
		wantErr error
	}{
		{
			name:    "missing header",
			body:    body,
			header:  "  ",
			secret:  testSecret,
			wantErr: ErrMissingHeader,
		},
		{
			name:    "no timestamp",
			body:    body,
			header:  "v1=abcdef",
			secret:  testSecret,
			wantErr: ErrInvalidHeader,
		},
		{
			name:    "non numeric timestamp",
			body:    body,
			header:  "t=yesterday,v1=abcdef",
			secret:  testSecret,
			wantErr: ErrInvalidHeader,
		},
		{
			name:    "no v1 signature",
			body:    body,
			header:  fmt.Sprintf("t=%d,v0=abcdef", fixedNow.Unix()),
			secret:  testSecret,
			wantErr: ErrNoValidSignature,
		},
		{
			name:    "wrong secret",
			body:    body,
			header:  SignHeader("WRONG", fixedNow, body),
			secret:  testSecret,
			wantErr: ErrNoValidSignature,
		},
		{
			name:    "too old",
			body:    body,
			header:  SignHeader(testSecret, fixedNow.Add(-(DefaultTolerance + time.Second)), body),
			secret:  testSecret,
			wantErr: ErrTimestampOutsideWindow,
		},
		{
			name:    "too far in future",
			body:    body,
			header:  SignHeader(testSecret, fixedNow.Add(DefaultTolerance+time.Second), body),
			secret:  testSecret,
			wantErr: ErrTimestampOutsideWindow,
		},
		{
			name:    "valid signature over non json",
			body:    []byte("not json"),
			header:  SignHeader(testSecret, fixedNow, []byte("not json")),
			secret:  testSecret,
			wantErr: ErrMalformedEvent,
		},
		{
			name:    "valid signature missing type",
			body:    []byte(`{"id":"evt_1"}`),
			header:  SignHeader(testSecret, fixedNow, []byte(`{"id":"evt_1"}`)),
			secret:  testSecret,
			wantErr: ErrMalformedEvent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ConstructEvent(tt.body, tt.header, tt.secret, WithClock(clock))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSignatureErrorsShareParent(t *testing.T) {
	for _, err := range []error{ErrMissingHeader, ErrInvalidHeader, ErrTimestampOutsideWindow, ErrNoValidSignature} {
		if !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("expected %v to wrap ErrSignatureInvalid", err)
		}
	}
	if errors.Is(ErrMalformedEvent, ErrSignatureInvalid) {
		t.Fatal("malformed event must not be reported as a signature failure")
	}
}

func TestWithToleranceZeroDisablesWindow(t *testing.T) {
	body := sampleBody()
	header := SignHeader(testSecret, fixedNow.Add(-24*time.Hour), body)

	if _, err := ConstructEvent(body, header, testSecret, WithClock(clock), WithTolerance(0)); err != nil {
		t.Fatalf("expected old timestamp to pass with tolerance disabled, got %v", err)
	}
}
