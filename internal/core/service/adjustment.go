package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/rl1809/pipe-storage/internal/core/domain"
	"github.com/rl1809/pipe-storage/internal/port"
)

// AdjustOccupancy corrects a unit's occupied counter by delta, for physical
// recounts that no load explains.
func (e *Engine) AdjustOccupancy(ctx context.Context, op domain.Operator, unitID uuid.UUID, delta int, reason string) (*domain.StorageUnit, error) {
	var out domain.StorageUnit
	err := e.coord.Execute(ctx, opManualAdjustment, op, func(ctx context.Context, tx port.Tx) (Effects, error) {
		if err := requirePrivileged(op, "adjust storage units"); err != nil {
			return Effects{}, err
		}
		if delta == 0 {
			return Effects{}, domain.NewError(domain.ErrInvalidAssignment, nil, "adjustment delta must not be zero")
		}
		if reason = strings.TrimSpace(reason); reason == "" {
			return Effects{}, domain.NewError(domain.ErrInvalidAssignment, nil, "an adjustment reason is required")
		}

		locked, err := tx.LockStorageUnits(ctx, []uuid.UUID{unitID})
		if err != nil {
			return Effects{}, fmt.Errorf("lock storage unit: %w", err)
		}
		if len(locked) == 0 {
			return Effects{}, domain.NotFound("storage unit", unitID)
		}
		before := locked[0]

		var after domain.StorageUnit
		switch {
		case delta > before.Available():
			return Effects{}, domain.NewError(domain.ErrInsufficientCapacity,
				map[string]any{"unit": before.Name, "delta": delta, "available": before.Available()},
				"unit %s: adding %d exceeds capacity, available %d", before.Name, delta, before.Available())
		case -delta > before.Occupied:
			return Effects{}, domain.NewError(domain.ErrInvalidAssignment,
				map[string]any{"unit": before.Name, "delta": delta, "occupied": before.Occupied},
				"unit %s: removing %d would go below zero, occupied %d", before.Name, -delta, before.Occupied)
		case delta > 0:
			after, err = before.Allocate(delta)
		default:
			after, err = before.Release(-delta)
		}
		if err != nil {
			return Effects{}, err
		}
		after.UpdatedAt = e.now()
		if err := writeUnits(ctx, tx, []domain.StorageUnit{after}); err != nil {
			return Effects{}, err
		}
		out = after

		return Effects{
			Audit: domain.AuditRecord{
				Action:     domain.ActionManualAdjustment,
				EntityType: domain.EntityStorageUnit,
				EntityID:   after.ID,
				Details: map[string]any{
					"unit":     after.Name,
					"delta":    delta,
					"before":   before.Occupied,
					"after":    after.Occupied,
					"capacity": after.Capacity,
					"reason":   reason,
				},
			},
			Units: []domain.StorageUnit{after},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
