package handler

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rl1809/pipe-storage/internal/port"
)

// idempotent runs fn once per key. A failed fn releases the key so the caller
// can retry; a successful one keeps it until it expires.
func idempotent(ctx context.Context, guard port.IdempotencyGuard, log *logrus.Entry, key string, fn func() error) error {
	if guard == nil || key == "" {
		return fn()
	}
	claimed, err := guard.Claim(ctx, key)
	if err != nil {
		return fmt.Errorf("claim idempotency key: %w", err)
	}
	if !claimed {
		return errDuplicateRequest
	}
	if err := fn(); err != nil {
		if relErr := guard.Release(ctx, key); relErr != nil {
			log.WithError(relErr).WithField("key", key).Warn("handler: release idempotency key failed")
		}
		return err
	}
	if err := guard.Complete(ctx, key); err != nil {
		log.WithError(err).WithField("key", key).Warn("handler: complete idempotency key failed")
	}
	return nil
}
