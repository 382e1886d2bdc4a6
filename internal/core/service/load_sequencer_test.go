package service

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/pipe-storage/internal/core/domain"
)

func (f *fixture) book(requestID uuid.UUID, direction domain.LoadDirection, planned int) domain.Load {
	f.t.Helper()
	l, err := f.engine.BookLoad(f.ctx, clerk, requestID, BookLoadInput{
		Direction: direction,
		Planned:   domain.Totals{Quantity: planned},
	})
	require.NoError(f.t, err)
	return *l
}

func (f *fixture) bookApproved(requestID uuid.UUID, direction domain.LoadDirection, planned int) domain.Load {
	f.t.Helper()
	l := f.book(requestID, direction, planned)
	out, err := f.engine.ApproveLoad(f.ctx, admin, l.ID)
	require.NoError(f.t, err)
	return *out
}

func TestBookLoad_BlockedByEarlierNewLoad(t *testing.T) {
	f := newFixture(t)
	u1 := f.unit("R-01", 100)
	r := f.approved(100, u1)

	first := f.book(r.ID, domain.DirectionInbound, 50)
	assert.Equal(t, 1, first.SequenceNumber)
	assert.Equal(t, domain.LoadStatusNew, first.Status)

	check, err := f.engine.CanBookNextLoad(f.ctx, r.ID, domain.DirectionInbound)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.Equal(t, 2, check.NextSequence)
	require.NotNil(t, check.Blocking)
	assert.Equal(t, first.ID, check.Blocking.ID)
	assert.Equal(t, domain.LoadStatusNew, check.Blocking.Status)

	_, err = f.engine.BookLoad(f.ctx, clerk, r.ID, BookLoadInput{Direction: domain.DirectionInbound, Planned: domain.Totals{Quantity: 50}})
	require.ErrorIs(t, err, domain.ErrSequenceViolation)
	assert.Contains(t, err.Error(), "inbound load #2 is blocked: inbound load #1 is still new")

	// Directions are sequenced independently.
	out := f.book(r.ID, domain.DirectionOutbound, 10)
	assert.Equal(t, 1, out.SequenceNumber)

	_, err = f.engine.ApproveLoad(f.ctx, admin, first.ID)
	require.NoError(t, err)

	check, err = f.engine.CanBookNextLoad(f.ctx, r.ID, domain.DirectionInbound)
	require.NoError(t, err)
	assert.True(t, check.Allowed)
	assert.Nil(t, check.Blocking)

	second := f.book(r.ID, domain.DirectionInbound, 50)
	assert.Equal(t, 2, second.SequenceNumber)

	loads, err := f.engine.ListLoads(f.ctx, r.ID, domain.DirectionInbound)
	require.NoError(t, err)
	assert.Len(t, loads, 2)
	all, err := f.engine.ListLoads(f.ctx, r.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestBookLoad_Validation(t *testing.T) {
	f := newFixture(t)
	u1 := f.unit("R-01", 100)
	pending := f.submit(10)
	r := f.approved(10, u1)

	_, err := f.engine.BookLoad(f.ctx, clerk, pending.ID, BookLoadInput{Direction: domain.DirectionInbound})
	require.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = f.engine.BookLoad(f.ctx, clerk, r.ID, BookLoadInput{Direction: "sideways"})
	require.ErrorIs(t, err, domain.ErrInvalidAssignment)

	_, err = f.engine.BookLoad(f.ctx, clerk, r.ID, BookLoadInput{Direction: domain.DirectionInbound, Planned: domain.Totals{Quantity: -1}})
	require.ErrorIs(t, err, domain.ErrInvalidAssignment)

	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)
	_, err = f.engine.BookLoad(f.ctx, clerk, r.ID, BookLoadInput{Direction: domain.DirectionInbound, WindowStart: &start, WindowEnd: &end})
	require.ErrorIs(t, err, domain.ErrInvalidAssignment)

	_, err = f.engine.BookLoad(f.ctx, clerk, uuid.New(), BookLoadInput{Direction: domain.DirectionInbound})
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.engine.CanBookNextLoad(f.ctx, r.ID, "sideways")
	require.ErrorIs(t, err, domain.ErrInvalidAssignment)
}

func TestLoadLifecycle(t *testing.T) {
	f := newFixture(t)
	u1 := f.unit("R-01", 100)
	r := f.approved(100, u1)
	l := f.book(r.ID, domain.DirectionInbound, 100)

	_, err := f.engine.MarkInTransit(f.ctx, clerk, l.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState, "a new load has to be approved first")

	_, err = f.engine.ApproveLoad(f.ctx, clerk, l.ID)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	approved, err := f.engine.ApproveLoad(f.ctx, admin, l.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoadStatusApproved, approved.Status)

	_, err = f.engine.ApproveLoad(f.ctx, admin, l.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	moving, err := f.engine.MarkInTransit(f.ctx, clerk, l.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoadStatusInTransit, moving.Status)

	_, err = f.engine.CancelLoad(f.ctx, admin, l.ID, "late")
	require.ErrorIs(t, err, domain.ErrInvalidState, "a load on the road cannot be cancelled")

	got, err := f.engine.GetLoad(f.ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoadStatusInTransit, got.Status)

	// mark_in_transit is audited but does not notify.
	assert.Equal(t, []domain.NotificationType{
		domain.NotifyRequestSubmitted,
		domain.NotifyRequestApproved,
		domain.NotifyLoadBooked,
		domain.NotifyLoadApproved,
	}, f.notificationTypes())
	actions := f.auditActions()
	assert.Equal(t, domain.ActionMarkInTransit, actions[len(actions)-1])
}

func TestCancelLoad_UnblocksBooking(t *testing.T) {
	f := newFixture(t)
	u1 := f.unit("R-01", 100)
	r := f.approved(100, u1)
	l := f.book(r.ID, domain.DirectionInbound, 100)

	_, err := f.engine.CancelLoad(f.ctx, clerk, l.ID, "truck broke down")
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	cancelled, err := f.engine.CancelLoad(f.ctx, admin, l.ID, "truck broke down")
	require.NoError(t, err)
	assert.Equal(t, domain.LoadStatusCancelled, cancelled.Status)
	assert.Equal(t, []string{"cancelled: truck broke down"}, cancelled.Notes)

	next := f.book(r.ID, domain.DirectionInbound, 100)
	assert.Equal(t, 2, next.SequenceNumber)
	assert.Equal(t, 100, f.occupied(u1.ID), "cancelling a load leaves the reservation alone")

	intents := f.store.NotificationIntents()
	var found bool
	for _, n := range intents {
		if n.Type == domain.NotifyLoadCancelled {
			found = true
			assert.Equal(t, "truck broke down", n.Payload["reason"])
		}
	}
	assert.True(t, found)
}
