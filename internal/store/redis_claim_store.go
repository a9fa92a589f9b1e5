package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/RayIwobi/Ecom-backend/internal/domain"
)

// acquireClaimScript returns 0 when the caller now owns the claim, 1 when the
// key is already completed and 2 while another attempt holds it.
var acquireClaimScript = redis.NewScript(`
local existing = redis.call("GET", KEYS[1])
if not existing then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 0
end
if string.sub(existing, 1, 10) == "completed|" then
  return 1
end
return 2
`)

var releaseClaimScript = redis.NewScript(`
local existing = redis.call("GET", KEYS[1])
if existing and string.sub(existing, 1, 11) == "processing|" then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClaimStore keeps idempotency claims in Redis. A processing claim expires
// after the stale window, which is how crashed attempts are reclaimed.
type RedisClaimStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

func NewRedisClaimStore(client redis.UniversalClient, prefix string, retention time.Duration) *RedisClaimStore {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "ecom:webhook_claim"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}

	return &RedisClaimStore{
		client:    client,
		prefix:    trimmedPrefix,
		retention: retention,
	}
}

func (r *RedisClaimStore) key(claimKey string) string {
	return fmt.Sprintf("%s:%s", r.prefix, strings.TrimSpace(claimKey))
}

func processingValue(eventID string) string {
	return "processing|" + eventID
}

func completedValue(orderID uuid.UUID) string {
	return "completed|" + orderID.String()
}

func (r *RedisClaimStore) AcquireClaim(ctx context.Context, key string, eventID string, staleWindow time.Duration) (domain.ClaimStatus, error) {
	staleMs := staleWindow.Milliseconds()
	if staleMs < 1000 {
		staleMs = 1000
	}

	rawResult, err := acquireClaimScript.Run(ctx, r.client, []string{r.key(key)}, processingValue(eventID), staleMs).Result()
	if err != nil {
		return domain.ClaimInProgress, err
	}
	code, ok := rawResult.(int64)
	if !ok {
		return domain.ClaimInProgress, fmt.Errorf("unexpected redis claim response type: %T", rawResult)
	}

	switch code {
	case 0:
		return domain.ClaimProceed, nil
	case 1:
		return domain.ClaimAlreadyProcessed, nil
	case 2:
		return domain.ClaimInProgress, nil
	default:
		return domain.ClaimInProgress, fmt.Errorf("unexpected redis claim response: %d", code)
	}
}

func (r *RedisClaimStore) CompleteClaim(ctx context.Context, key string, orderID uuid.UUID) error {
	return r.client.Set(ctx, r.key(key), completedValue(orderID), r.retention).Err()
}

func (r *RedisClaimStore) ReleaseClaim(ctx context.Context, key string) error {
	return releaseClaimScript.Run(ctx, r.client, []string{r.key(key)}).Err()
}

// PurgeClaims is a no-op; completed keys carry their own TTL.
func (r *RedisClaimStore) PurgeClaims(ctx context.Context, completedBefore time.Time) (int64, error) {
	return 0, nil
}
