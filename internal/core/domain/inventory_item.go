package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ItemStatus string

const (
	ItemStatusPendingDelivery ItemStatus = "pending_delivery"
	ItemStatusInStorage       ItemStatus = "in_storage"
	ItemStatusPendingPickup   ItemStatus = "pending_pickup"
	ItemStatusInTransit       ItemStatus = "in_transit"
	ItemStatusDelivered       ItemStatus = "delivered"
)

// Items are created InStorage by inbound completion. PendingDelivery and
// InTransit are kept for stored rows only; no operation moves an item into
// or out of them.
var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemStatusInStorage:     {ItemStatusPendingPickup, ItemStatusDelivered},
	ItemStatusPendingPickup: {ItemStatusInStorage, ItemStatusDelivered},
}

func (s ItemStatus) TransitionTo(next ItemStatus) (ItemStatus, error) {
	for _, allowed := range itemTransitions[s] {
		if allowed == next {
			return next, nil
		}
	}
	return s, invalidTransition("inventory item", string(s), string(next))
}

// Occupying reports whether an item in this status counts against its unit.
func (s ItemStatus) Occupying() bool {
	return s == ItemStatusInStorage || s == ItemStatusPendingPickup
}

func (s ItemStatus) Terminal() bool {
	return s == ItemStatusDelivered
}

type InventoryItem struct {
	ID                uuid.UUID
	RequestID         uuid.UUID
	TenantID          uuid.UUID
	OriginLoadID      *uuid.UUID
	DispositionLoadID *uuid.UUID
	ManifestRef       *string
	Reference         string
	Quantity          int
	Length            decimal.Decimal
	Weight            decimal.Decimal
	Status            ItemStatus
	UnitID            *uuid.UUID
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ManifestLine is one extracted line item. Only the totals matter here; the
// remaining extracted fields travel opaquely.
type ManifestLine struct {
	Reference string
	Quantity  int
	Length    decimal.Decimal
	Weight    decimal.Decimal
	Fields    map[string]any
}

func ManifestTotals(lines []ManifestLine) Totals {
	var t Totals
	for _, l := range lines {
		t = t.Add(Totals{Quantity: l.Quantity, Length: l.Length, Weight: l.Weight})
	}
	return t
}
