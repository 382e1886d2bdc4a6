package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rl1809/pipe-storage/internal/core/domain"
	"github.com/rl1809/pipe-storage/internal/port"
)

type InboundResult struct {
	Load  domain.Load
	Items []domain.InventoryItem
	// Warnings are reconciliation warnings. They are also appended to
	// Load.Notes and never abort the completion.
	Warnings []string
}

type OutboundResult struct {
	Load             domain.Load
	Items            []domain.InventoryItem
	Request          domain.Request
	RequestCompleted bool
}

// inboundPlan is the capacity arithmetic of one inbound completion, indexed
// like the request's allocations.
type inboundPlan struct {
	share    int
	consumed []int
	placed   []int
	excess   int
}

func (e *Engine) CompleteInbound(ctx context.Context, op domain.Operator, loadID uuid.UUID, actual domain.Totals, manifest []domain.ManifestLine) (*InboundResult, error) {
	var out InboundResult
	err := e.coord.Execute(ctx, opCompleteInbound, op, func(ctx context.Context, tx port.Tx) (Effects, error) {
		if err := requirePrivileged(op, "complete loads"); err != nil {
			return Effects{}, err
		}
		if actual.Quantity <= 0 {
			return Effects{}, domain.NewError(domain.ErrInvalidAssignment,
				map[string]any{"quantity": actual.Quantity}, "actual quantity must be positive, got %d", actual.Quantity)
		}
		for i, line := range manifest {
			if line.Quantity <= 0 {
				return Effects{}, domain.NewError(domain.ErrInvalidAssignment,
					map[string]any{"line": i + 1, "quantity": line.Quantity},
					"manifest line %d has quantity %d", i+1, line.Quantity)
			}
		}

		req, load, err := lockLoad(ctx, tx, loadID)
		if err != nil {
			return Effects{}, err
		}
		if err := checkCompletable(*req, *load, domain.DirectionInbound); err != nil {
			return Effects{}, err
		}
		if err := checkSequence(ctx, tx, *load); err != nil {
			return Effects{}, err
		}
		units, err := lockUnits(ctx, tx, req.TenantID, req.AssignedUnitIDs())
		if err != nil {
			return Effects{}, err
		}

		// Items are the stored record: with a manifest the lines are what goes
		// into the units, whatever the physical count says.
		stored := actual.Quantity
		var warnings []string
		if len(manifest) > 0 {
			if stored = domain.ManifestTotals(manifest).Quantity; stored != actual.Quantity {
				warnings = append(warnings, fmt.Sprintf(
					"reconciliation: manifest lists %d joints on %d lines, %d received", stored, len(manifest), actual.Quantity))
			}
		}
		plan, err := planInbound(req.Allocations, units, load.Planned.Quantity, stored)
		if err != nil {
			return Effects{}, err
		}

		now := e.now()
		final := plan.placed
		var items []domain.InventoryItem
		if len(manifest) > 0 {
			items, final = manifestItems(*req, *load, units, manifest, plan.placed, now)
		} else {
			items = aggregateItems(*req, *load, units, actual, plan.placed, now)
		}

		updated := make([]domain.StorageUnit, len(units))
		for i, u := range units {
			delta := final[i] - plan.consumed[i]
			switch {
			case delta > 0 && delta > u.Available():
				return Effects{}, overCapacity(u, delta)
			case delta > 0:
				updated[i], err = u.Allocate(delta)
			case delta < 0:
				updated[i], err = u.Release(-delta)
			default:
				updated[i] = u
			}
			if err != nil {
				return Effects{}, err
			}
		}
		if err := writeUnits(ctx, tx, updated); err != nil {
			return Effects{}, err
		}
		if err := tx.CreateInventoryItems(ctx, items); err != nil {
			return Effects{}, fmt.Errorf("create inventory items: %w", err)
		}

		for i := range req.Allocations {
			req.Allocations[i].Received += plan.consumed[i]
		}
		req.UpdatedAt = now
		if err := tx.UpdateRequest(ctx, *req); err != nil {
			return Effects{}, fmt.Errorf("update request: %w", err)
		}

		load.Status = domain.LoadStatusCompleted
		load.Completed = &actual
		load.Notes = append(load.Notes, warnings...)
		load.UpdatedAt = now
		if err := tx.UpdateLoad(ctx, *load); err != nil {
			return Effects{}, fmt.Errorf("update load: %w", err)
		}

		out = InboundResult{Load: *load, Items: items, Warnings: warnings}
		released := 0
		for i := range units {
			if d := plan.consumed[i] - final[i]; d > 0 {
				released += d
			}
		}
		payload := loadPayload(*req, *load)
		payload["actual_quantity"] = actual.Quantity
		payload["warnings"] = warnings
		return Effects{
			Audit: domain.AuditRecord{
				Action:     domain.ActionCompleteInbound,
				EntityType: domain.EntityLoad,
				EntityID:   load.ID,
				Details: map[string]any{
					"request_id":       req.ID.String(),
					"planned_quantity": load.Planned.Quantity,
					"actual_quantity":  actual.Quantity,
					"stored_quantity":  stored,
					"reserved_share":   plan.share,
					"excess":           plan.excess,
					"released":         released,
					"items":            len(items),
					"manifest_lines":   len(manifest),
					"warnings":         warnings,
				},
			},
			Notification: &domain.NotificationIntent{
				Type:     domain.NotifyLoadCompleted,
				TenantID: req.TenantID,
				Payload:  payload,
			},
			Units: updated,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *Engine) CompleteOutbound(ctx context.Context, op domain.Operator, loadID uuid.UUID, itemIDs []uuid.UUID) (*OutboundResult, error) {
	var out OutboundResult
	err := e.coord.Execute(ctx, opCompleteOutbound, op, func(ctx context.Context, tx port.Tx) (Effects, error) {
		if err := requirePrivileged(op, "complete loads"); err != nil {
			return Effects{}, err
		}
		if err := checkItemIDs(itemIDs, "picked up"); err != nil {
			return Effects{}, err
		}

		req, load, err := lockLoad(ctx, tx, loadID)
		if err != nil {
			return Effects{}, err
		}
		if err := checkCompletable(*req, *load, domain.DirectionOutbound); err != nil {
			return Effects{}, err
		}
		if err := checkSequence(ctx, tx, *load); err != nil {
			return Effects{}, err
		}

		// Units are locked before items; the unlocked read only tells which
		// units the items sit in.
		owned, err := tx.ListInventoryItems(ctx, req.ID)
		if err != nil {
			return Effects{}, fmt.Errorf("list inventory items: %w", err)
		}
		byID := make(map[uuid.UUID]domain.InventoryItem, len(owned))
		for _, it := range owned {
			byID[it.ID] = it
		}
		unitIDs := req.AssignedUnitIDs()
		for _, id := range itemIDs {
			it, ok := byID[id]
			if !ok {
				return Effects{}, domain.NewError(domain.ErrNotFound,
					map[string]any{"item_id": id.String(), "request_id": req.ID.String()},
					"inventory item %s does not exist on request %s", id, req.ReferenceCode)
			}
			if it.UnitID != nil && !slices.Contains(unitIDs, *it.UnitID) {
				unitIDs = append(unitIDs, *it.UnitID)
			}
		}
		units, err := lockUnits(ctx, tx, req.TenantID, unitIDs)
		if err != nil {
			return Effects{}, err
		}
		unitIdx := make(map[uuid.UUID]int, len(units))
		for i, u := range units {
			unitIdx[u.ID] = i
		}

		items, err := tx.GetInventoryItemsForUpdate(ctx, itemIDs)
		if err != nil {
			return Effects{}, fmt.Errorf("lock inventory items: %w", err)
		}
		if len(items) != len(itemIDs) {
			return Effects{}, domain.NewError(domain.ErrNotFound, nil,
				"%d of %d inventory items no longer exist", len(itemIDs)-len(items), len(itemIDs))
		}

		now := e.now()
		var totals domain.Totals
		for i := range items {
			it := &items[i]
			if it.RequestID != req.ID {
				return Effects{}, domain.NewError(domain.ErrItemNotPickupable,
					map[string]any{"item_id": it.ID.String(), "reference": it.Reference},
					"item %s belongs to another request", it.Reference)
			}
			idx, placed := 0, false
			if it.UnitID != nil {
				idx, placed = unitIdx[*it.UnitID]
			}
			if !it.Status.Occupying() || !placed {
				return Effects{}, domain.NewError(domain.ErrItemNotPickupable,
					map[string]any{"item_id": it.ID.String(), "reference": it.Reference, "status": string(it.Status)},
					"item %s is %s, only %s or %s items can be picked up",
					it.Reference, it.Status, domain.ItemStatusInStorage, domain.ItemStatusPendingPickup)
			}
			if it.Status == domain.ItemStatusPendingPickup && it.DispositionLoadID != nil && *it.DispositionLoadID != load.ID {
				return Effects{}, domain.NewError(domain.ErrItemNotPickupable,
					map[string]any{"item_id": it.ID.String(), "reference": it.Reference, "load_id": it.DispositionLoadID.String()},
					"item %s is staged for another load", it.Reference)
			}
			next, err := it.Status.TransitionTo(domain.ItemStatusDelivered)
			if err != nil {
				return Effects{}, err
			}
			if units[idx], err = units[idx].Release(it.Quantity); err != nil {
				return Effects{}, err
			}
			disposition := load.ID
			it.Status = next
			it.DispositionLoadID = &disposition
			it.UpdatedAt = now
			if err := tx.UpdateInventoryItem(ctx, *it); err != nil {
				return Effects{}, fmt.Errorf("update inventory item %s: %w", it.Reference, err)
			}
			totals = totals.Add(domain.Totals{Quantity: it.Quantity, Length: it.Length, Weight: it.Weight})
		}

		// Items staged for this load but left behind go back to storage.
		unstaged, err := unstageItems(ctx, tx, req.ID, load.ID, now)
		if err != nil {
			return Effects{}, err
		}

		open, err := tx.CountOpenInventoryItems(ctx, req.ID)
		if err != nil {
			return Effects{}, fmt.Errorf("count open inventory items: %w", err)
		}
		completed := open == 0
		released := 0
		if completed {
			// Reservations never filled by an inbound load go back to the units.
			for _, a := range req.Allocations {
				if a.Outstanding() == 0 {
					continue
				}
				idx := unitIdx[a.UnitID]
				if units[idx], err = units[idx].Release(a.Outstanding()); err != nil {
					return Effects{}, err
				}
				released += a.Outstanding()
			}
			if req.Status, err = req.Status.TransitionTo(domain.RequestStatusCompleted); err != nil {
				return Effects{}, err
			}
			req.CompletedAt = &now
			req.UpdatedAt = now
			if err := tx.UpdateRequest(ctx, *req); err != nil {
				return Effects{}, fmt.Errorf("update request: %w", err)
			}
		}
		if err := writeUnits(ctx, tx, units); err != nil {
			return Effects{}, err
		}

		load.Status = domain.LoadStatusCompleted
		load.Completed = &totals
		load.UpdatedAt = now
		if err := tx.UpdateLoad(ctx, *load); err != nil {
			return Effects{}, fmt.Errorf("update load: %w", err)
		}

		out = OutboundResult{Load: *load, Items: items, Request: *req, RequestCompleted: completed}
		ids := make([]string, len(items))
		for i, it := range items {
			ids[i] = it.ID.String()
		}
		payload := loadPayload(*req, *load)
		payload["picked_up_quantity"] = totals.Quantity
		payload["request_completed"] = completed
		return Effects{
			Audit: domain.AuditRecord{
				Action:     domain.ActionCompleteOutbound,
				EntityType: domain.EntityLoad,
				EntityID:   load.ID,
				Details: map[string]any{
					"request_id":           req.ID.String(),
					"items":                ids,
					"picked_up_quantity":   totals.Quantity,
					"request_completed":    completed,
					"released_reservation": released,
					"unstaged_items":       unstaged,
				},
			},
			Notification: &domain.NotificationIntent{
				Type:     domain.NotifyLoadCompleted,
				TenantID: req.TenantID,
				Payload:  payload,
			},
			Units: units,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func checkCompletable(req domain.Request, load domain.Load, direction domain.LoadDirection) error {
	if load.Direction != direction {
		return domain.NewError(domain.ErrInvalidState,
			map[string]any{"current": string(load.Direction), "expected": string(direction)},
			"%s is not an %s load", load.Label(), direction)
	}
	if _, err := load.Status.TransitionTo(domain.LoadStatusCompleted); err != nil {
		return err
	}
	if req.Status != domain.RequestStatusApproved {
		return domain.NewError(domain.ErrInvalidState,
			map[string]any{"current": string(req.Status), "expected": string(domain.RequestStatusApproved)},
			"request %s is %s", req.ReferenceCode, req.Status)
	}
	return nil
}

// planInbound works out how much of the reservation a load consumes and how
// the received quantity lands on the units. A load consumes its planned share;
// anything received beyond that is taken from the rest of the request's
// outstanding reservation first and only then from free unit space.
func planInbound(allocations []domain.Allocation, units []domain.StorageUnit, planned, received int) (inboundPlan, error) {
	outstanding := make([]int, len(allocations))
	total := 0
	for i, a := range allocations {
		outstanding[i] = a.Outstanding()
		total += outstanding[i]
	}
	share := planned
	if share <= 0 || share > total {
		share = total
	}
	if received > share {
		share = min(received, total)
	}

	p := inboundPlan{share: share, consumed: domain.SplitProportional(share, outstanding)}
	if received <= share {
		p.placed = domain.SplitProportional(received, p.consumed)
		return p, nil
	}

	p.excess = received - share
	room := make([]int, len(units))
	available := 0
	for i, u := range units {
		room[i] = u.Available()
		available += room[i]
	}
	if available < p.excess {
		summary, details := unitSummary(units, domain.StorageUnit.Available)
		return p, domain.NewError(domain.ErrOverCapacity,
			map[string]any{"reserved": total, "actual": received, "excess": p.excess, "available": available, "units": details},
			"received %d against an outstanding reservation of %d, the extra %d exceeds available %d across units %s",
			received, total, p.excess, available, summary)
	}
	extra := domain.SplitEven(p.excess, room)
	p.placed = make([]int, len(units))
	for i := range units {
		p.placed[i] = p.consumed[i] + extra[i]
	}
	return p, nil
}

// assignLines places each manifest line whole into one unit: the first unit
// whose remaining budget fits it, otherwise the unit with the largest
// remaining budget.
func assignLines(quantities []int, budget []int) []int {
	remaining := make([]int, len(budget))
	copy(remaining, budget)
	out := make([]int, len(quantities))
	for n, q := range quantities {
		pick := -1
		for i, r := range remaining {
			if r >= q {
				pick = i
				break
			}
		}
		if pick < 0 {
			pick = 0
			for i, r := range remaining {
				if r > remaining[pick] {
					pick = i
				}
			}
		}
		out[n] = pick
		remaining[pick] -= q
	}
	return out
}

// manifestItems creates one item per line and returns the per-unit sums of
// the placed lines.
func manifestItems(req domain.Request, load domain.Load, units []domain.StorageUnit, lines []domain.ManifestLine, budget []int, now time.Time) ([]domain.InventoryItem, []int) {
	quantities := make([]int, len(lines))
	for i, l := range lines {
		quantities[i] = l.Quantity
	}
	target := assignLines(quantities, budget)
	sums := make([]int, len(units))
	items := make([]domain.InventoryItem, len(lines))
	for i, l := range lines {
		ref := l.Reference
		if ref == "" {
			ref = fmt.Sprintf("%s-%d", load.ID, i+1)
		}
		unitID := units[target[i]].ID
		sums[target[i]] += l.Quantity
		items[i] = newItem(req, load, ref, &ref, domain.Totals{Quantity: l.Quantity, Length: l.Length, Weight: l.Weight}, unitID, now)
	}
	return items, sums
}

// aggregateItems creates one item per unit that receives goods when the load
// came without manifest data. Length and weight are spread by quantity.
func aggregateItems(req domain.Request, load domain.Load, units []domain.StorageUnit, actual domain.Totals, placed []int, now time.Time) []domain.InventoryItem {
	ref := "LEGACY-" + load.ID.String()
	var items []domain.InventoryItem
	left := actual
	for i, q := range placed {
		if q == 0 {
			continue
		}
		part := domain.Totals{Quantity: q}
		if left.Quantity == q {
			part.Length, part.Weight = left.Length, left.Weight
		} else {
			ratio := decimal.NewFromInt(int64(q)).Div(decimal.NewFromInt(int64(actual.Quantity)))
			part.Length = actual.Length.Mul(ratio).Round(3)
			part.Weight = actual.Weight.Mul(ratio).Round(3)
		}
		left = domain.Totals{Quantity: left.Quantity - q, Length: left.Length.Sub(part.Length), Weight: left.Weight.Sub(part.Weight)}
		items = append(items, newItem(req, load, ref, nil, part, units[i].ID, now))
	}
	return items
}

func newItem(req domain.Request, load domain.Load, ref string, manifestRef *string, t domain.Totals, unitID uuid.UUID, now time.Time) domain.InventoryItem {
	origin := load.ID
	return domain.InventoryItem{
		ID:           uuid.New(),
		RequestID:    req.ID,
		TenantID:     req.TenantID,
		OriginLoadID: &origin,
		ManifestRef:  manifestRef,
		Reference:    ref,
		Quantity:     t.Quantity,
		Length:       t.Length,
		Weight:       t.Weight,
		Status:       domain.ItemStatusInStorage,
		UnitID:       &unitID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func overCapacity(u domain.StorageUnit, extra int) error {
	return domain.NewError(domain.ErrOverCapacity,
		map[string]any{"unit": u.Name, "extra": extra, "available": u.Available()},
		"unit %s needs %d more joints, available %d", u.Name, extra, u.Available())
}
