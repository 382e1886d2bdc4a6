package storage

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/pipe-storage/internal/core/domain"
	"github.com/rl1809/pipe-storage/internal/port"
)

// ErrNoRowsAffected is returned when an update targets a row that does not
// exist.
var ErrNoRowsAffected = errors.New("no rows affected")

// MemoryStore keeps everything in process. One atomic unit runs at a time
// against a private copy of the state, which replaces the shared state only
// when the unit succeeds.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	units         map[uuid.UUID]domain.StorageUnit
	requests      map[uuid.UUID]domain.Request
	loads         map[uuid.UUID]domain.Load
	items         map[uuid.UUID]domain.InventoryItem
	itemOrder     []uuid.UUID
	audit         []domain.AuditRecord
	notifications []domain.NotificationIntent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		units:    make(map[uuid.UUID]domain.StorageUnit),
		requests: make(map[uuid.UUID]domain.Request),
		loads:    make(map[uuid.UUID]domain.Load),
		items:    make(map[uuid.UUID]domain.InventoryItem),
	}}
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	work := m.state.clone()
	if err := fn(ctx, &memTx{s: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	m.state = work
	return nil
}

// AuditRecords returns the committed audit trail in insertion order.
func (m *MemoryStore) AuditRecords() []domain.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.audit)
}

func (m *MemoryStore) NotificationIntents() []domain.NotificationIntent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.notifications)
}

func (s *memState) clone() *memState {
	return &memState{
		units:         maps.Clone(s.units),
		requests:      maps.Clone(s.requests),
		loads:         maps.Clone(s.loads),
		items:         maps.Clone(s.items),
		itemOrder:     slices.Clone(s.itemOrder),
		audit:         slices.Clone(s.audit),
		notifications: slices.Clone(s.notifications),
	}
}

// memTx stores and returns copies so callers never alias committed state.
type memTx struct {
	s *memState
}

func (t *memTx) CreateStorageUnit(_ context.Context, unit domain.StorageUnit) error {
	for _, u := range t.s.units {
		if u.TenantID == unit.TenantID && strings.EqualFold(u.Name, unit.Name) {
			return duplicate("storage unit name", unit.Name)
		}
	}
	t.s.units[unit.ID] = unit
	return nil
}

func (t *memTx) GetStorageUnit(_ context.Context, id uuid.UUID) (*domain.StorageUnit, error) {
	u, ok := t.s.units[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (t *memTx) ListStorageUnits(_ context.Context, tenantID uuid.UUID) ([]domain.StorageUnit, error) {
	var out []domain.StorageUnit
	for _, u := range t.s.units {
		if u.TenantID == tenantID {
			out = append(out, u)
		}
	}
	slices.SortFunc(out, func(a, b domain.StorageUnit) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (t *memTx) LockStorageUnits(_ context.Context, ids []uuid.UUID) ([]domain.StorageUnit, error) {
	out := make([]domain.StorageUnit, 0, len(ids))
	for _, id := range ids {
		if u, ok := t.s.units[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (t *memTx) UpdateStorageUnitOccupied(_ context.Context, id uuid.UUID, occupied int) error {
	u, ok := t.s.units[id]
	if !ok || occupied < 0 || occupied > u.Capacity {
		return fmt.Errorf("storage unit %s: %w", id, ErrNoRowsAffected)
	}
	u.Occupied = occupied
	u.UpdatedAt = time.Now().UTC()
	t.s.units[id] = u
	return nil
}

func (t *memTx) CreateRequest(_ context.Context, req domain.Request) error {
	for _, r := range t.s.requests {
		if r.ReferenceCode == req.ReferenceCode {
			return duplicate("reference code", req.ReferenceCode)
		}
	}
	t.s.requests[req.ID] = cloneRequest(req)
	return nil
}

func (t *memTx) GetRequest(_ context.Context, id uuid.UUID) (*domain.Request, error) {
	r, ok := t.s.requests[id]
	if !ok {
		return nil, nil
	}
	r = cloneRequest(r)
	return &r, nil
}

func (t *memTx) GetRequestForUpdate(ctx context.Context, id uuid.UUID) (*domain.Request, error) {
	return t.GetRequest(ctx, id)
}

func (t *memTx) UpdateRequest(_ context.Context, req domain.Request) error {
	if _, ok := t.s.requests[req.ID]; !ok {
		return fmt.Errorf("request %s: %w", req.ID, ErrNoRowsAffected)
	}
	t.s.requests[req.ID] = cloneRequest(req)
	return nil
}

func (t *memTx) CreateLoad(_ context.Context, load domain.Load) error {
	for _, l := range t.s.loads {
		if l.RequestID == load.RequestID && l.Direction == load.Direction && l.SequenceNumber == load.SequenceNumber {
			return duplicate("load sequence", fmt.Sprintf("%s #%d", load.Direction, load.SequenceNumber))
		}
	}
	t.s.loads[load.ID] = cloneLoad(load)
	return nil
}

func (t *memTx) GetLoad(_ context.Context, id uuid.UUID) (*domain.Load, error) {
	l, ok := t.s.loads[id]
	if !ok {
		return nil, nil
	}
	l = cloneLoad(l)
	return &l, nil
}

func (t *memTx) GetLoadForUpdate(ctx context.Context, id uuid.UUID) (*domain.Load, error) {
	return t.GetLoad(ctx, id)
}

func (t *memTx) ListLoads(_ context.Context, requestID uuid.UUID, direction domain.LoadDirection) ([]domain.Load, error) {
	var out []domain.Load
	for _, l := range t.s.loads {
		if l.RequestID == requestID && (direction == "" || l.Direction == direction) {
			out = append(out, cloneLoad(l))
		}
	}
	slices.SortFunc(out, func(a, b domain.Load) int {
		if c := strings.Compare(string(a.Direction), string(b.Direction)); c != 0 {
			return c
		}
		return a.SequenceNumber - b.SequenceNumber
	})
	return out, nil
}

func (t *memTx) UpdateLoad(_ context.Context, load domain.Load) error {
	if _, ok := t.s.loads[load.ID]; !ok {
		return fmt.Errorf("load %s: %w", load.ID, ErrNoRowsAffected)
	}
	t.s.loads[load.ID] = cloneLoad(load)
	return nil
}

func (t *memTx) CreateInventoryItems(_ context.Context, items []domain.InventoryItem) error {
	for _, it := range items {
		if _, ok := t.s.items[it.ID]; ok {
			return duplicate("inventory item", it.ID.String())
		}
		t.s.items[it.ID] = cloneItem(it)
		t.s.itemOrder = append(t.s.itemOrder, it.ID)
	}
	return nil
}

func (t *memTx) ListInventoryItems(_ context.Context, requestID uuid.UUID) ([]domain.InventoryItem, error) {
	var out []domain.InventoryItem
	for _, id := range t.s.itemOrder {
		if it := t.s.items[id]; it.RequestID == requestID {
			out = append(out, cloneItem(it))
		}
	}
	return out, nil
}

func (t *memTx) GetInventoryItemsForUpdate(_ context.Context, ids []uuid.UUID) ([]domain.InventoryItem, error) {
	out := make([]domain.InventoryItem, 0, len(ids))
	for _, id := range ids {
		if it, ok := t.s.items[id]; ok {
			out = append(out, cloneItem(it))
		}
	}
	return out, nil
}

func (t *memTx) UpdateInventoryItem(_ context.Context, item domain.InventoryItem) error {
	if _, ok := t.s.items[item.ID]; !ok {
		return fmt.Errorf("inventory item %s: %w", item.ID, ErrNoRowsAffected)
	}
	t.s.items[item.ID] = cloneItem(item)
	return nil
}

func (t *memTx) CountOpenInventoryItems(_ context.Context, requestID uuid.UUID) (int, error) {
	n := 0
	for _, it := range t.s.items {
		if it.RequestID == requestID && !it.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertAuditRecord(_ context.Context, rec domain.AuditRecord) error {
	rec.Details = maps.Clone(rec.Details)
	t.s.audit = append(t.s.audit, rec)
	return nil
}

func (t *memTx) InsertNotificationIntent(_ context.Context, n domain.NotificationIntent) error {
	n.Payload = maps.Clone(n.Payload)
	t.s.notifications = append(t.s.notifications, n)
	return nil
}

func (t *memTx) ClaimNotificationIntents(_ context.Context, limit int) ([]domain.NotificationIntent, error) {
	var out []domain.NotificationIntent
	for _, n := range t.s.notifications {
		if len(out) >= limit {
			break
		}
		if !n.Processed {
			out = append(out, n)
		}
	}
	return out, nil
}

func (t *memTx) MarkNotificationProcessed(_ context.Context, id uuid.UUID) error {
	for i := range t.s.notifications {
		if t.s.notifications[i].ID != id || t.s.notifications[i].Processed {
			continue
		}
		now := time.Now().UTC()
		t.s.notifications[i].Processed = true
		t.s.notifications[i].ProcessedAt = &now
		return nil
	}
	return fmt.Errorf("notification intent %s: %w", id, ErrNoRowsAffected)
}

func duplicate(what, value string) error {
	return domain.NewError(domain.ErrInvalidAssignment, map[string]any{"field": what, "value": value},
		"%s %q already exists", what, value)
}

func cloneRequest(r domain.Request) domain.Request {
	r.Allocations = slices.Clone(r.Allocations)
	return r
}

func cloneLoad(l domain.Load) domain.Load {
	l.Notes = slices.Clone(l.Notes)
	if l.Completed != nil {
		c := *l.Completed
		l.Completed = &c
	}
	return l
}

func cloneItem(it domain.InventoryItem) domain.InventoryItem {
	it.UnitID = clonePtr(it.UnitID)
	it.OriginLoadID = clonePtr(it.OriginLoadID)
	it.DispositionLoadID = clonePtr(it.DispositionLoadID)
	it.ManifestRef = clonePtr(it.ManifestRef)
	return it
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
