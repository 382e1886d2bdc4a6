package storage

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/pipe-storage/internal/core/domain"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestClaim_FirstCallerWins(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Minute, "")
	key := "test:" + uuid.NewString()
	defer client.Del(ctx, idempotencyKeyPrefix+key)

	ok, err := adapter.Claim(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected first claim to succeed")
	}

	ok, err = adapter.Claim(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected second claim to fail")
	}

	ttl := client.TTL(ctx, idempotencyKeyPrefix+key).Val()
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("expected ttl within a minute, got %v", ttl)
	}
}

func TestRelease_AllowsRetry(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Minute, "")
	key := "test:" + uuid.NewString()
	defer client.Del(ctx, idempotencyKeyPrefix+key)

	if ok, _ := adapter.Claim(ctx, key); !ok {
		t.Fatal("expected claim to succeed")
	}
	if err := adapter.Release(ctx, key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ok, err := adapter.Claim(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected claim after release to succeed")
	}
}

func TestComplete_SurvivesRelease(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Minute, "")
	key := "test:" + uuid.NewString()
	defer client.Del(ctx, idempotencyKeyPrefix+key)

	if ok, _ := adapter.Claim(ctx, key); !ok {
		t.Fatal("expected claim to succeed")
	}
	if err := adapter.Complete(ctx, key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := adapter.Release(ctx, key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if v := client.Get(ctx, idempotencyKeyPrefix+key).Val(); v != claimDone {
		t.Errorf("expected %q, got %q", claimDone, v)
	}
	if ttl := client.TTL(ctx, idempotencyKeyPrefix+key).Val(); ttl <= 0 {
		t.Errorf("expected ttl to be kept, got %v", ttl)
	}
	if ok, _ := adapter.Claim(ctx, key); ok {
		t.Error("expected completed key to block claims")
	}
}

func TestComplete_MissingKey(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Minute, "")
	key := "test:" + uuid.NewString()

	if err := adapter.Complete(ctx, key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := client.Exists(ctx, idempotencyKeyPrefix+key).Val(); n != 0 {
		t.Error("complete must not create a key")
	}
}

func TestClaim_Concurrent(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Minute, "")
	key := "test:" + uuid.NewString()
	defer client.Del(ctx, idempotencyKeyPrefix+key)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := adapter.Claim(ctx, key)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := wins.Load(); n != 1 {
		t.Errorf("expected exactly 1 winner, got %d", n)
	}
}

func TestPublish_AppendsToStream(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	stream := "test:notifications:" + uuid.NewString()
	defer client.Del(ctx, stream)
	adapter := NewRedisAdapter(client, 0, stream)

	intent := domain.NotificationIntent{
		ID:        uuid.New(),
		Type:      domain.NotifyLoadCompleted,
		TenantID:  uuid.New(),
		Payload:   map[string]any{"request_completed": true},
		CreatedAt: time.Now().UTC(),
	}
	if err := adapter.Publish(ctx, intent); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs, err := client.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	values := msgs[0].Values
	if values["id"] != intent.ID.String() {
		t.Errorf("expected id %s, got %v", intent.ID, values["id"])
	}
	if values["type"] != string(domain.NotifyLoadCompleted) {
		t.Errorf("expected type load_completed, got %v", values["type"])
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(values["payload"].(string)), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["request_completed"] != true {
		t.Errorf("expected request_completed true, got %v", payload["request_completed"])
	}
}
