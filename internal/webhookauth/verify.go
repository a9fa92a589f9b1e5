/**
 * @description
 * Signature verification for payment processor webhooks. The processor signs
 * `<timestamp>.<raw body>` with HMAC-SHA256 using the endpoint's signing secret
 * and sends the result in a header of the form `t=<unix>,v1=<hex>[,v1=<hex>]`.
 *
 * Verification must run over the exact bytes received; the body is decoded into
 * an IncomingEvent only after a signature matched.
 */
package webhookauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/RayIwobi/Ecom-backend/internal/domain"
)

var (
	// ErrSignatureInvalid is the parent of every authenticity failure.
	ErrSignatureInvalid       = errors.New("webhook signature invalid")
	ErrMissingHeader          = fmt.Errorf("%w: missing signature header", ErrSignatureInvalid)
	ErrInvalidHeader          = fmt.Errorf("%w: unable to parse signature header", ErrSignatureInvalid)
	ErrTimestampOutsideWindow = fmt.Errorf("%w: timestamp outside tolerance window", ErrSignatureInvalid)
	ErrNoValidSignature       = fmt.Errorf("%w: no signature matched the payload", ErrSignatureInvalid)

	// ErrMalformedEvent means the signature was valid but the body is not a usable event.
	ErrMalformedEvent = errors.New("webhook event malformed")
)

// DefaultTolerance is the accepted clock skew between the processor and us.
const DefaultTolerance = 300 * time.Second

const signatureScheme = "v1"

type options struct {
	tolerance time.Duration
	now       func() time.Time
}

// Option customises ConstructEvent.
type Option func(*options)

// WithTolerance overrides the timestamp window. Zero disables the check.
func WithTolerance(d time.Duration) Option {
	return func(o *options) { o.tolerance = d }
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// ConstructEvent verifies the signature header against body and secret and
// decodes the verified body into an IncomingEvent.
func ConstructEvent(body []byte, header string, secret string, opts ...Option) (domain.IncomingEvent, error) {
	if err := VerifySignature(body, header, secret, opts...); err != nil {
		return domain.IncomingEvent{}, err
	}

	var raw domain.RawEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.IncomingEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(raw.ID) == "" || strings.TrimSpace(raw.Type) == "" {
		return domain.IncomingEvent{}, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}

	return domain.IncomingEvent{
		ID:       raw.ID,
		Type:     domain.EventType(raw.Type),
		Created:  time.Unix(raw.Created, 0).UTC(),
		Livemode: raw.Livemode,
		Object:   raw.Data.Object,
	}, nil
}

// VerifySignature checks the header without decoding the body.
func VerifySignature(body []byte, header string, secret string, opts ...Option) error {
	o := options{tolerance: DefaultTolerance, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingHeader
	}

	timestamp, signatures, err := parseHeader(header)
	if err != nil {
		return err
	}

	if o.tolerance > 0 {
		ts := time.Unix(timestamp, 0)
		now := o.now()
		if ts.Before(now.Add(-o.tolerance)) || ts.After(now.Add(o.tolerance)) {
			return ErrTimestampOutsideWindow
		}
	}

	expected := computeSignature(secret, timestamp, body)
	for _, candidate := range signatures {
		if hmac.Equal(candidate, expected) {
			return nil
		}
	}
	return ErrNoValidSignature
}

func parseHeader(header string) (int64, [][]byte, error) {
	var (
		timestamp  int64
		haveTS     bool
		signatures [][]byte
	)

	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil {
				return 0, nil, ErrInvalidHeader
			}
			timestamp = ts
			haveTS = true
		case signatureScheme:
			sig, err := hex.DecodeString(strings.TrimSpace(value))
			if err != nil {
				continue
			}
			signatures = append(signatures, sig)
		}
	}

	if !haveTS {
		return 0, nil, ErrInvalidHeader
	}
	if len(signatures) == 0 {
		return 0, nil, ErrNoValidSignature
	}
	return timestamp, signatures, nil
}

func computeSignature(secret string, timestamp int64, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

// SignHeader builds a valid signature header for body; used by tests and the
// sign-event command.
func SignHeader(secret string, timestamp time.Time, body []byte) string {
	ts := timestamp.Unix()
	return fmt.Sprintf("t=%d,%s=%s", ts, signatureScheme, hex.EncodeToString(computeSignature(secret, ts, body)))
}
