package service

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/pipe-storage/internal/core/domain"
)

func TestAdjustOccupancy(t *testing.T) {
	f := newFixture(t)
	u1 := f.unit("R-01", 100)
	notes := len(f.store.NotificationIntents())

	got, err := f.engine.AdjustOccupancy(f.ctx, admin, u1.ID, 30, "recount after audit")
	require.NoError(t, err)
	assert.Equal(t, 30, got.Occupied)
	assert.Equal(t, 30, f.occupied(u1.ID))

	got, err = f.engine.AdjustOccupancy(f.ctx, admin, u1.ID, -10, "scrapped joints")
	require.NoError(t, err)
	assert.Equal(t, 20, got.Occupied)

	audit := f.store.AuditRecords()
	last := audit[len(audit)-1]
	assert.Equal(t, domain.ActionManualAdjustment, last.Action)
	assert.Equal(t, u1.ID, last.EntityID)
	assert.Equal(t, -10, last.Details["delta"])
	assert.Equal(t, 30, last.Details["before"])
	assert.Equal(t, 20, last.Details["after"])
	assert.Equal(t, "scrapped joints", last.Details["reason"])
	assert.Len(t, f.store.NotificationIntents(), notes, "adjustments do not notify")
}

func TestAdjustOccupancy_Rejections(t *testing.T) {
	f := newFixture(t)
	u1 := f.unit("R-01", 100)
	_, err := f.engine.AdjustOccupancy(f.ctx, admin, u1.ID, 20, "initial stock")
	require.NoError(t, err)

	tests := []struct {
		name   string
		op     domain.Operator
		unit   uuid.UUID
		delta  int
		reason string
		want   error
	}{
		{"unprivileged", clerk, u1.ID, 5, "x", domain.ErrUnauthorized},
		{"zero delta", admin, u1.ID, 0, "x", domain.ErrInvalidAssignment},
		{"missing reason", admin, u1.ID, 5, " ", domain.ErrInvalidAssignment},
		{"above capacity", admin, u1.ID, 81, "x", domain.ErrInsufficientCapacity},
		{"below zero", admin, u1.ID, -21, "x", domain.ErrInvalidAssignment},
		{"unknown unit", admin, uuid.New(), 5, "x", domain.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.AdjustOccupancy(f.ctx, tt.op, tt.unit, tt.delta, tt.reason)
			require.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, 20, f.occupied(u1.ID))

	got, err := f.engine.AdjustOccupancy(f.ctx, admin, u1.ID, 80, "fill up")
	require.NoError(t, err)
	assert.Equal(t, 100, got.Occupied)
}
