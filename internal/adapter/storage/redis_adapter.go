package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/pipe-storage/internal/core/domain"
)

const (
	idempotencyKeyPrefix  = "idempotency:"
	defaultIdempotencyTTL = 24 * time.Hour
	defaultStream         = "pipestorage:notifications"
	streamMaxLen          = 100000

	claimPending = "pending"
	claimDone    = "done"
)

// releaseClaimScript drops a key only while its call is still in flight; a
// completed call keeps its key until the TTL expires.
var releaseClaimScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type RedisAdapter struct {
	client *redis.Client
	ttl    time.Duration
	stream string
}

func NewRedisAdapter(client *redis.Client, ttl time.Duration, stream string) *RedisAdapter {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	if stream == "" {
		stream = defaultStream
	}
	return &RedisAdapter{client: client, ttl: ttl, stream: stream}
}

func (r *RedisAdapter) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, claimPending, r.ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (r *RedisAdapter) Complete(ctx context.Context, key string) error {
	err := r.client.SetArgs(ctx, idempotencyKeyPrefix+key, claimDone, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (r *RedisAdapter) Release(ctx context.Context, key string) error {
	return releaseClaimScript.Run(ctx, r.client, []string{idempotencyKeyPrefix + key}, claimPending).Err()
}

// Publish appends the intent to the notification stream for the delivery
// transports to consume.
func (r *RedisAdapter) Publish(ctx context.Context, n domain.NotificationIntent) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"id":         n.ID.String(),
			"type":       string(n.Type),
			"tenant_id":  n.TenantID.String(),
			"payload":    string(payload),
			"created_at": n.CreatedAt.Format(time.RFC3339Nano),
		},
	}).Err()
}
