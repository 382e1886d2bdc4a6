package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/pipe-storage/internal/core/domain"
	"github.com/rl1809/pipe-storage/internal/port"
)

// StageForPickup nominates stored items for an outbound load that has not
// completed yet. Staged items stay in their unit and keep counting against it
// until the load completes; cancelling the load puts them back in storage.
func (e *Engine) StageForPickup(ctx context.Context, op domain.Operator, loadID uuid.UUID, itemIDs []uuid.UUID) ([]domain.InventoryItem, error) {
	var out []domain.InventoryItem
	err := e.coord.Execute(ctx, opStageForPickup, op, func(ctx context.Context, tx port.Tx) (Effects, error) {
		if err := checkItemIDs(itemIDs, "staged"); err != nil {
			return Effects{}, err
		}
		req, load, err := lockLoad(ctx, tx, loadID)
		if err != nil {
			return Effects{}, err
		}
		if load.Direction != domain.DirectionOutbound {
			return Effects{}, domain.NewError(domain.ErrInvalidState,
				map[string]any{"current": string(load.Direction), "expected": string(domain.DirectionOutbound)},
				"%s is not an %s load", load.Label(), domain.DirectionOutbound)
		}
		if load.Status == domain.LoadStatusCompleted || load.Status == domain.LoadStatusCancelled {
			return Effects{}, domain.NewError(domain.ErrInvalidState,
				map[string]any{"current": string(load.Status)},
				"%s is %s, items can only be staged for open loads", load.Label(), load.Status)
		}
		if req.Status != domain.RequestStatusApproved {
			return Effects{}, domain.NewError(domain.ErrInvalidState,
				map[string]any{"current": string(req.Status), "expected": string(domain.RequestStatusApproved)},
				"request %s is %s", req.ReferenceCode, req.Status)
		}

		items, err := tx.GetInventoryItemsForUpdate(ctx, itemIDs)
		if err != nil {
			return Effects{}, fmt.Errorf("lock inventory items: %w", err)
		}
		if len(items) != len(itemIDs) {
			return Effects{}, domain.NewError(domain.ErrNotFound, nil,
				"%d of %d inventory items do not exist", len(itemIDs)-len(items), len(itemIDs))
		}

		now := e.now()
		staged := 0
		ids := make([]string, len(items))
		for i := range items {
			it := &items[i]
			if it.RequestID != req.ID {
				return Effects{}, domain.NewError(domain.ErrItemNotPickupable,
					map[string]any{"item_id": it.ID.String(), "reference": it.Reference},
					"item %s belongs to another request", it.Reference)
			}
			next, err := it.Status.TransitionTo(domain.ItemStatusPendingPickup)
			if err != nil {
				return Effects{}, domain.NewError(domain.ErrItemNotPickupable,
					map[string]any{"item_id": it.ID.String(), "reference": it.Reference, "status": string(it.Status)},
					"item %s is %s, only %s items can be staged", it.Reference, it.Status, domain.ItemStatusInStorage)
			}
			disposition := load.ID
			it.Status = next
			it.DispositionLoadID = &disposition
			it.UpdatedAt = now
			if err := tx.UpdateInventoryItem(ctx, *it); err != nil {
				return Effects{}, fmt.Errorf("update inventory item %s: %w", it.Reference, err)
			}
			staged += it.Quantity
			ids[i] = it.ID.String()
		}

		out = items
		return Effects{
			Audit: domain.AuditRecord{
				Action:     domain.ActionStageForPickup,
				EntityType: domain.EntityLoad,
				EntityID:   load.ID,
				Details: map[string]any{
					"request_id":      req.ID.String(),
					"sequence_number": load.SequenceNumber,
					"items":           ids,
					"staged_quantity": staged,
				},
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// unstageItems returns the items staged for loadID to storage. The caller
// holds the request lock.
func unstageItems(ctx context.Context, tx port.Tx, requestID, loadID uuid.UUID, now time.Time) ([]string, error) {
	owned, err := tx.ListInventoryItems(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("list inventory items: %w", err)
	}
	var ids []uuid.UUID
	for _, it := range owned {
		if stagedFor(it, loadID) {
			ids = append(ids, it.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	items, err := tx.GetInventoryItemsForUpdate(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("lock inventory items: %w", err)
	}
	var out []string
	for _, it := range items {
		if !stagedFor(it, loadID) {
			continue
		}
		if it.Status, err = it.Status.TransitionTo(domain.ItemStatusInStorage); err != nil {
			return nil, err
		}
		it.DispositionLoadID = nil
		it.UpdatedAt = now
		if err := tx.UpdateInventoryItem(ctx, it); err != nil {
			return nil, fmt.Errorf("update inventory item %s: %w", it.Reference, err)
		}
		out = append(out, it.ID.String())
	}
	return out, nil
}

func stagedFor(it domain.InventoryItem, loadID uuid.UUID) bool {
	return it.Status == domain.ItemStatusPendingPickup && it.DispositionLoadID != nil && *it.DispositionLoadID == loadID
}

func checkItemIDs(itemIDs []uuid.UUID, verb string) error {
	if len(itemIDs) == 0 {
		return domain.NewError(domain.ErrInvalidAssignment, nil, "at least one inventory item must be %s", verb)
	}
	seen := make(map[uuid.UUID]struct{}, len(itemIDs))
	for _, id := range itemIDs {
		if _, dup := seen[id]; dup {
			return domain.NewError(domain.ErrInvalidAssignment,
				map[string]any{"item_id": id.String()}, "inventory item %s listed twice", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
