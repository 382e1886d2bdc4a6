package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/pipe-storage/internal/core/domain"
	"github.com/rl1809/pipe-storage/internal/port"
)

var ErrMissingAudit = errors.New("operation produced no audit record")

// Effects is what an operation hands back to the coordinator besides its own
// writes: the audit entry, an optional notification, and the units whose
// occupancy changed.
type Effects struct {
	Audit        domain.AuditRecord
	Notification *domain.NotificationIntent
	Units        []domain.StorageUnit
}

// Coordinator runs each engine operation as one atomic unit: the operation's
// reads and writes, then its audit record and notification, then commit.
// Any error anywhere rolls the whole unit back.
type Coordinator struct {
	store        port.Store
	log          *logrus.Entry
	now          func() time.Time
	beforeCommit func(operation string) error
}

func NewCoordinator(store port.Store, log *logrus.Entry, now func() time.Time) *Coordinator {
	if log == nil {
		log = logrusNop()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Coordinator{store: store, log: log, now: now}
}

func (c *Coordinator) Execute(ctx context.Context, operation string, op domain.Operator, fn func(ctx context.Context, tx port.Tx) (Effects, error)) error {
	start := time.Now()
	var effects Effects

	err := c.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		var err error
		effects, err = fn(ctx, tx)
		if err != nil {
			return err
		}
		return c.emit(ctx, tx, operation, op, effects)
	})

	elapsed := time.Since(start)
	recordOperation(operation, elapsed, err)
	c.logResult(operation, op, elapsed, err)
	if err != nil {
		return err
	}
	recordOccupancy(effects.Units)
	return nil
}

func (c *Coordinator) emit(ctx context.Context, tx port.Tx, operation string, op domain.Operator, effects Effects) error {
	if effects.Audit.Action == "" {
		return fmt.Errorf("%s: %w", operation, ErrMissingAudit)
	}
	now := c.now()

	rec := effects.Audit
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.OperatorID = op.ID
	rec.CreatedAt = now
	if err := tx.InsertAuditRecord(ctx, rec); err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}

	if n := effects.Notification; n != nil {
		intent := *n
		if intent.ID == uuid.Nil {
			intent.ID = uuid.New()
		}
		intent.Processed = false
		intent.CreatedAt = now
		if err := tx.InsertNotificationIntent(ctx, intent); err != nil {
			return fmt.Errorf("insert notification intent: %w", err)
		}
	}

	if c.beforeCommit != nil {
		if err := c.beforeCommit(operation); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) logResult(operation string, op domain.Operator, elapsed time.Duration, err error) {
	entry := c.log.WithFields(logrus.Fields{
		"operation":   operation,
		"operator_id": op.ID.String(),
		"duration_ms": elapsed.Milliseconds(),
	})
	if err == nil {
		entry.Info("engine: operation committed")
		return
	}
	kind := domain.KindName(err)
	entry = entry.WithError(err).WithField("error_kind", kind)
	if kind == "Internal" {
		entry.Error("engine: operation rolled back")
		return
	}
	entry.Warn("engine: operation rejected")
}

func logrusNop() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}
