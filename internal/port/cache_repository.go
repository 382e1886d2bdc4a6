package port

import (
	"context"

	"github.com/rl1809/pipe-storage/internal/core/domain"
)

type IdempotencyGuard interface {
	// Claim sets a key for idempotency check, returns false if already exists
	Claim(ctx context.Context, key string) (bool, error)

	// Complete marks a claimed key as done so that it is never released
	Complete(ctx context.Context, key string) error

	// Release drops an in-flight key so a failed call can be retried
	Release(ctx context.Context, key string) error
}

type NotificationPublisher interface {
	// Publish hands one intent to the delivery transport
	Publish(ctx context.Context, n domain.NotificationIntent) error
}
