package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/pipe-storage/internal/core/domain"
	"github.com/rl1809/pipe-storage/internal/port"
)

// BookingCheck answers whether the next load of a direction may be booked.
// Blocking is the earliest load still waiting for approval.
type BookingCheck struct {
	Allowed      bool
	NextSequence int
	Blocking     *domain.Load
}

type BookLoadInput struct {
	Direction   domain.LoadDirection
	Planned     domain.Totals
	WindowStart *time.Time
	WindowEnd   *time.Time
}

// CanBookNextLoad is advisory; BookLoad and the completion operations check
// the same rule again under lock.
func (e *Engine) CanBookNextLoad(ctx context.Context, requestID uuid.UUID, direction domain.LoadDirection) (*BookingCheck, error) {
	if !direction.Valid() {
		return nil, domain.NewError(domain.ErrInvalidAssignment, map[string]any{"direction": string(direction)}, "unknown direction %q", direction)
	}
	var out BookingCheck
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		req, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return fmt.Errorf("get request: %w", err)
		}
		if req == nil {
			return domain.NotFound("request", requestID)
		}
		loads, err := tx.ListLoads(ctx, requestID, direction)
		if err != nil {
			return fmt.Errorf("list loads: %w", err)
		}
		out.NextSequence = domain.NextSequence(loads)
		out.Blocking = domain.FirstBlocking(loads, 0)
		out.Allowed = out.Blocking == nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *Engine) BookLoad(ctx context.Context, op domain.Operator, requestID uuid.UUID, in BookLoadInput) (*domain.Load, error) {
	var out domain.Load
	err := e.coord.Execute(ctx, opBookLoad, op, func(ctx context.Context, tx port.Tx) (Effects, error) {
		if !in.Direction.Valid() {
			return Effects{}, domain.NewError(domain.ErrInvalidAssignment,
				map[string]any{"direction": string(in.Direction)}, "unknown direction %q", in.Direction)
		}
		if in.Planned.Quantity < 0 {
			return Effects{}, domain.NewError(domain.ErrInvalidAssignment,
				map[string]any{"quantity": in.Planned.Quantity}, "planned quantity must not be negative")
		}
		if in.WindowStart != nil && in.WindowEnd != nil && in.WindowEnd.Before(*in.WindowStart) {
			return Effects{}, domain.NewError(domain.ErrInvalidAssignment, nil, "time window ends before it starts")
		}

		// The request row lock serializes bookings of the same request, so
		// the max+1 sequence below cannot be taken twice.
		req, err := tx.GetRequestForUpdate(ctx, requestID)
		if err != nil {
			return Effects{}, fmt.Errorf("get request: %w", err)
		}
		if req == nil {
			return Effects{}, domain.NotFound("request", requestID)
		}
		if req.Status != domain.RequestStatusApproved {
			return Effects{}, domain.NewError(domain.ErrInvalidState,
				map[string]any{"current": string(req.Status), "expected": string(domain.RequestStatusApproved)},
				"loads can only be booked for approved requests, request %s is %s", req.ReferenceCode, req.Status)
		}
		loads, err := tx.ListLoads(ctx, requestID, in.Direction)
		if err != nil {
			return Effects{}, fmt.Errorf("list loads: %w", err)
		}
		next := domain.NextSequence(loads)
		if blocking := domain.FirstBlocking(loads, 0); blocking != nil {
			return Effects{}, domain.SequenceViolation(fmt.Sprintf("%s load #%d", in.Direction, next), *blocking)
		}

		now := e.now()
		out = domain.Load{
			ID:             uuid.New(),
			RequestID:      requestID,
			Direction:      in.Direction,
			SequenceNumber: next,
			Status:         domain.LoadStatusNew,
			Planned:        in.Planned,
			WindowStart:    in.WindowStart,
			WindowEnd:      in.WindowEnd,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.CreateLoad(ctx, out); err != nil {
			return Effects{}, fmt.Errorf("create load: %w", err)
		}
		return Effects{
			Audit: domain.AuditRecord{
				Action:     domain.ActionBookLoad,
				EntityType: domain.EntityLoad,
				EntityID:   out.ID,
				Details: map[string]any{
					"request_id":       requestID.String(),
					"direction":        string(in.Direction),
					"sequence_number":  next,
					"planned_quantity": in.Planned.Quantity,
				},
			},
			Notification: &domain.NotificationIntent{
				Type:     domain.NotifyLoadBooked,
				TenantID: req.TenantID,
				Payload:  loadPayload(*req, out),
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *Engine) ApproveLoad(ctx context.Context, op domain.Operator, loadID uuid.UUID) (*domain.Load, error) {
	var out domain.Load
	err := e.coord.Execute(ctx, opApproveLoad, op, func(ctx context.Context, tx port.Tx) (Effects, error) {
		if err := requirePrivileged(op, "approve loads"); err != nil {
			return Effects{}, err
		}
		req, load, err := lockLoad(ctx, tx, loadID)
		if err != nil {
			return Effects{}, err
		}
		next, err := load.Status.TransitionTo(domain.LoadStatusApproved)
		if err != nil {
			return Effects{}, err
		}
		if err := checkSequence(ctx, tx, *load); err != nil {
			return Effects{}, err
		}
		load.Status = next
		load.UpdatedAt = e.now()
		if err := tx.UpdateLoad(ctx, *load); err != nil {
			return Effects{}, fmt.Errorf("update load: %w", err)
		}
		out = *load
		return Effects{
			Audit: domain.AuditRecord{
				Action:     domain.ActionApproveLoad,
				EntityType: domain.EntityLoad,
				EntityID:   load.ID,
				Details:    map[string]any{"request_id": req.ID.String(), "sequence_number": load.SequenceNumber, "direction": string(load.Direction)},
			},
			Notification: &domain.NotificationIntent{
				Type:     domain.NotifyLoadApproved,
				TenantID: req.TenantID,
				Payload:  loadPayload(*req, *load),
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkInTransit moves an approved load onto the road. Only Approved loads
// qualify; a New load has to be approved first.
func (e *Engine) MarkInTransit(ctx context.Context, op domain.Operator, loadID uuid.UUID) (*domain.Load, error) {
	var out domain.Load
	err := e.coord.Execute(ctx, opMarkInTransit, op, func(ctx context.Context, tx port.Tx) (Effects, error) {
		req, load, err := lockLoad(ctx, tx, loadID)
		if err != nil {
			return Effects{}, err
		}
		next, err := load.Status.TransitionTo(domain.LoadStatusInTransit)
		if err != nil {
			return Effects{}, err
		}
		load.Status = next
		load.UpdatedAt = e.now()
		if err := tx.UpdateLoad(ctx, *load); err != nil {
			return Effects{}, fmt.Errorf("update load: %w", err)
		}
		out = *load
		return Effects{
			Audit: domain.AuditRecord{
				Action:     domain.ActionMarkInTransit,
				EntityType: domain.EntityLoad,
				EntityID:   load.ID,
				Details:    map[string]any{"request_id": req.ID.String(), "sequence_number": load.SequenceNumber},
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *Engine) CancelLoad(ctx context.Context, op domain.Operator, loadID uuid.UUID, reason string) (*domain.Load, error) {
	var out domain.Load
	err := e.coord.Execute(ctx, opCancelLoad, op, func(ctx context.Context, tx port.Tx) (Effects, error) {
		if err := requirePrivileged(op, "cancel loads"); err != nil {
			return Effects{}, err
		}
		req, load, err := lockLoad(ctx, tx, loadID)
		if err != nil {
			return Effects{}, err
		}
		next, err := load.Status.TransitionTo(domain.LoadStatusCancelled)
		if err != nil {
			return Effects{}, err
		}
		now := e.now()
		var unstaged []string
		if load.Direction == domain.DirectionOutbound {
			if unstaged, err = unstageItems(ctx, tx, req.ID, load.ID, now); err != nil {
				return Effects{}, err
			}
		}
		load.Status = next
		if reason = strings.TrimSpace(reason); reason != "" {
			load.Notes = append(load.Notes, "cancelled: "+reason)
		}
		load.UpdatedAt = now
		if err := tx.UpdateLoad(ctx, *load); err != nil {
			return Effects{}, fmt.Errorf("update load: %w", err)
		}
		out = *load
		payload := loadPayload(*req, *load)
		payload["reason"] = reason
		return Effects{
			Audit: domain.AuditRecord{
				Action:     domain.ActionCancelLoad,
				EntityType: domain.EntityLoad,
				EntityID:   load.ID,
				Details: map[string]any{
					"request_id":      req.ID.String(),
					"sequence_number": load.SequenceNumber,
					"reason":          reason,
					"unstaged_items":  unstaged,
				},
			},
			Notification: &domain.NotificationIntent{
				Type:     domain.NotifyLoadCancelled,
				TenantID: req.TenantID,
				Payload:  payload,
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// checkSequence fails when an earlier load of the same request and direction
// is still New.
func checkSequence(ctx context.Context, tx port.Tx, load domain.Load) error {
	loads, err := tx.ListLoads(ctx, load.RequestID, load.Direction)
	if err != nil {
		return fmt.Errorf("list loads: %w", err)
	}
	if blocking := domain.FirstBlocking(loads, load.SequenceNumber); blocking != nil {
		return domain.SequenceViolation(load.Label(), *blocking)
	}
	return nil
}

func loadPayload(req domain.Request, load domain.Load) map[string]any {
	return map[string]any{
		"request_id":      req.ID.String(),
		"reference_code":  req.ReferenceCode,
		"load_id":         load.ID.String(),
		"direction":       string(load.Direction),
		"sequence_number": load.SequenceNumber,
		"status":          string(load.Status),
	}
}
