package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/rl1809/pipe-storage/internal/core/domain"
	"github.com/rl1809/pipe-storage/internal/port"
)

// UnitAssignment names a unit for an approval. A zero Quantity on every
// assignment means the engine decides the split.
type UnitAssignment struct {
	UnitID   uuid.UUID
	Quantity int
}

func (e *Engine) SubmitRequest(ctx context.Context, op domain.Operator, tenantID uuid.UUID, referenceCode string, quantity int) (*domain.Request, error) {
	var out domain.Request
	err := e.coord.Execute(ctx, opSubmitRequest, op, func(ctx context.Context, tx port.Tx) (Effects, error) {
		referenceCode = strings.TrimSpace(referenceCode)
		if referenceCode == "" {
			return Effects{}, domain.NewError(domain.ErrInvalidAssignment, nil, "reference code is required")
		}
		if quantity <= 0 {
			return Effects{}, domain.NewError(domain.ErrInvalidAssignment,
				map[string]any{"quantity": quantity}, "requested quantity must be positive, got %d", quantity)
		}
		now := e.now()
		out = domain.Request{
			ID:                uuid.New(),
			ReferenceCode:     referenceCode,
			TenantID:          tenantID,
			Status:            domain.RequestStatusPending,
			RequestedQuantity: quantity,
			RequiredCapacity:  quantity,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := tx.CreateRequest(ctx, out); err != nil {
			return Effects{}, fmt.Errorf("create request %s: %w", referenceCode, err)
		}
		return Effects{
			Audit: domain.AuditRecord{
				Action:     domain.ActionSubmitRequest,
				EntityType: domain.EntityRequest,
				EntityID:   out.ID,
				Details:    map[string]any{"reference_code": referenceCode, "required_capacity": quantity},
			},
			Notification: &domain.NotificationIntent{
				Type:     domain.NotifyRequestSubmitted,
				TenantID: tenantID,
				Payload:  map[string]any{"request_id": out.ID.String(), "reference_code": referenceCode},
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *Engine) ApproveRequest(ctx context.Context, op domain.Operator, requestID uuid.UUID, assignments []UnitAssignment, notes string) (*domain.Request, error) {
	var out domain.Request
	err := e.coord.Execute(ctx, opApproveRequest, op, func(ctx context.Context, tx port.Tx) (Effects, error) {
		if err := requirePrivileged(op, "approve requests"); err != nil {
			return Effects{}, err
		}
		req, err := tx.GetRequestForUpdate(ctx, requestID)
		if err != nil {
			return Effects{}, fmt.Errorf("get request: %w", err)
		}
		if req == nil {
			return Effects{}, domain.NotFound("request", requestID)
		}
		next, err := req.Status.TransitionTo(domain.RequestStatusApproved)
		if err != nil {
			return Effects{}, err
		}
		explicit, err := validateAssignments(assignments, req.RequiredCapacity)
		if err != nil {
			return Effects{}, err
		}

		ids := make([]uuid.UUID, len(assignments))
		for i, a := range assignments {
			ids[i] = a.UnitID
		}
		units, err := lockUnits(ctx, tx, req.TenantID, ids)
		if err != nil {
			return Effects{}, err
		}
		if err := checkCapacity(units, req.RequiredCapacity); err != nil {
			return Effects{}, err
		}

		quantities := make([]int, len(units))
		if explicit {
			for i, a := range assignments {
				quantities[i] = a.Quantity
			}
		} else {
			available := make([]int, len(units))
			for i, u := range units {
				available[i] = u.Available()
			}
			quantities = domain.SplitEven(req.RequiredCapacity, available)
		}

		updated := make([]domain.StorageUnit, len(units))
		allocations := make([]domain.Allocation, 0, len(units))
		split := make([]map[string]any, 0, len(units))
		for i, u := range units {
			if updated[i], err = u.Allocate(quantities[i]); err != nil {
				return Effects{}, err
			}
			allocations = append(allocations, domain.Allocation{UnitID: u.ID, Position: i, Quantity: quantities[i]})
			split = append(split, map[string]any{"unit_id": u.ID.String(), "unit": u.Name, "quantity": quantities[i]})
		}

		if err := writeUnits(ctx, tx, updated); err != nil {
			return Effects{}, err
		}
		now := e.now()
		operatorID := op.ID
		req.Status = next
		req.Allocations = allocations
		req.ApprovedAt = &now
		req.ApprovedBy = &operatorID
		req.ApprovalNotes = notes
		req.UpdatedAt = now
		if err := tx.UpdateRequest(ctx, *req); err != nil {
			return Effects{}, fmt.Errorf("update request: %w", err)
		}
		out = *req

		return Effects{
			Audit: domain.AuditRecord{
				Action:     domain.ActionApproveRequest,
				EntityType: domain.EntityRequest,
				EntityID:   req.ID,
				Details: map[string]any{
					"required_capacity": req.RequiredCapacity,
					"allocations":       split,
					"notes":             notes,
				},
			},
			Notification: &domain.NotificationIntent{
				Type:     domain.NotifyRequestApproved,
				TenantID: req.TenantID,
				Payload: map[string]any{
					"request_id":     req.ID.String(),
					"reference_code": req.ReferenceCode,
					"allocations":    split,
				},
			},
			Units: updated,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *Engine) RejectRequest(ctx context.Context, op domain.Operator, requestID uuid.UUID, reason string) (*domain.Request, error) {
	var out domain.Request
	err := e.coord.Execute(ctx, opRejectRequest, op, func(ctx context.Context, tx port.Tx) (Effects, error) {
		if err := requirePrivileged(op, "reject requests"); err != nil {
			return Effects{}, err
		}
		reason = strings.TrimSpace(reason)
		if reason == "" {
			return Effects{}, domain.NewError(domain.ErrInvalidAssignment, nil, "a rejection reason is required")
		}
		req, err := tx.GetRequestForUpdate(ctx, requestID)
		if err != nil {
			return Effects{}, fmt.Errorf("get request: %w", err)
		}
		if req == nil {
			return Effects{}, domain.NotFound("request", requestID)
		}
		next, err := req.Status.TransitionTo(domain.RequestStatusRejected)
		if err != nil {
			return Effects{}, err
		}
		req.Status = next
		req.RejectionReason = reason
		req.UpdatedAt = e.now()
		if err := tx.UpdateRequest(ctx, *req); err != nil {
			return Effects{}, fmt.Errorf("update request: %w", err)
		}
		out = *req

		return Effects{
			Audit: domain.AuditRecord{
				Action:     domain.ActionRejectRequest,
				EntityType: domain.EntityRequest,
				EntityID:   req.ID,
				Details:    map[string]any{"reason": reason},
			},
			Notification: &domain.NotificationIntent{
				Type:     domain.NotifyRequestRejected,
				TenantID: req.TenantID,
				Payload:  map[string]any{"request_id": req.ID.String(), "reference_code": req.ReferenceCode, "reason": reason},
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// validateAssignments reports whether the caller gave explicit quantities.
func validateAssignments(assignments []UnitAssignment, required int) (bool, error) {
	if len(assignments) == 0 {
		return false, domain.NewError(domain.ErrInvalidAssignment, nil, "at least one storage unit must be assigned")
	}
	seen := make(map[uuid.UUID]struct{}, len(assignments))
	withQuantity, sum := 0, 0
	for _, a := range assignments {
		if _, dup := seen[a.UnitID]; dup {
			return false, domain.NewError(domain.ErrInvalidAssignment,
				map[string]any{"unit_id": a.UnitID.String()}, "storage unit %s assigned twice", a.UnitID)
		}
		seen[a.UnitID] = struct{}{}
		if a.Quantity < 0 {
			return false, domain.NewError(domain.ErrInvalidAssignment,
				map[string]any{"unit_id": a.UnitID.String(), "quantity": a.Quantity},
				"negative quantity %d for unit %s", a.Quantity, a.UnitID)
		}
		if a.Quantity > 0 {
			withQuantity++
			sum += a.Quantity
		}
	}
	if withQuantity == 0 {
		return false, nil
	}
	if withQuantity != len(assignments) {
		return false, domain.NewError(domain.ErrInvalidAssignment, nil,
			"either every assignment carries a quantity or none does")
	}
	if sum != required {
		return false, domain.NewError(domain.ErrInvalidAssignment,
			map[string]any{"assigned": sum, "required": required},
			"assigned quantities sum to %d, required %d", sum, required)
	}
	return true, nil
}

// checkCapacity fails when the units together cannot hold required.
func checkCapacity(units []domain.StorageUnit, required int) error {
	available := 0
	for _, u := range units {
		available += u.Available()
	}
	if available >= required {
		return nil
	}
	summary, details := unitSummary(units, domain.StorageUnit.Available)
	return domain.NewError(domain.ErrInsufficientCapacity,
		map[string]any{"required": required, "available": available, "units": details},
		"required %d, available %d across units %s", required, available, summary)
}
