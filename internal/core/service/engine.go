package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/pipe-storage/internal/core/domain"
	"github.com/rl1809/pipe-storage/internal/port"
)

const (
	opCreateStorageUnit = "create_storage_unit"
	opSubmitRequest     = "submit_request"
	opApproveRequest    = "approve_request"
	opRejectRequest     = "reject_request"
	opBookLoad          = "book_load"
	opApproveLoad       = "approve_load"
	opMarkInTransit     = "mark_in_transit"
	opCancelLoad        = "cancel_load"
	opStageForPickup    = "stage_for_pickup"
	opCompleteInbound   = "complete_inbound"
	opCompleteOutbound  = "complete_outbound"
	opManualAdjustment  = "manual_adjustment"
)

// Engine is the capacity-aware workflow engine. Every mutating method is one
// atomic unit run through the Coordinator.
type Engine struct {
	store port.Store
	coord *Coordinator
	log   *logrus.Entry
	now   func() time.Time

	beforeCommit func(operation string) error
}

type Option func(*Engine)

func WithLogger(log *logrus.Entry) Option {
	return func(e *Engine) { e.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBeforeCommitHook runs hook after all writes of an operation and before
// its commit. A non-nil return aborts the operation.
func WithBeforeCommitHook(hook func(operation string) error) Option {
	return func(e *Engine) { e.beforeCommit = hook }
}

func NewEngine(store port.Store, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		log:   logrusNop(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.coord = NewCoordinator(store, e.log, e.now)
	e.coord.beforeCommit = e.beforeCommit
	return e
}

func requirePrivileged(op domain.Operator, action string) error {
	if op.Privileged {
		return nil
	}
	return domain.NewError(domain.ErrUnauthorized,
		map[string]any{"operator_id": op.ID.String(), "action": action},
		"operator %s may not %s", op.ID, action)
}

// lockUnits takes the row locks on ids and returns the units in the same
// order. Unknown units and units of another tenant are assignment errors.
func lockUnits(ctx context.Context, tx port.Tx, tenantID uuid.UUID, ids []uuid.UUID) ([]domain.StorageUnit, error) {
	units, err := tx.LockStorageUnits(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("lock storage units: %w", err)
	}
	byID := make(map[uuid.UUID]domain.StorageUnit, len(units))
	for _, u := range units {
		byID[u.ID] = u
	}
	out := make([]domain.StorageUnit, 0, len(ids))
	for _, id := range ids {
		u, ok := byID[id]
		if !ok {
			return nil, domain.NewError(domain.ErrInvalidAssignment,
				map[string]any{"unit_id": id.String()}, "unknown storage unit %s", id)
		}
		if u.TenantID != tenantID {
			return nil, domain.NewError(domain.ErrInvalidAssignment,
				map[string]any{"unit_id": id.String(), "unit": u.Name},
				"storage unit %s belongs to another tenant", u.Name)
		}
		out = append(out, u)
	}
	return out, nil
}

// lockLoad locks the parent request and then the load, the order every
// operation follows so that concurrent operations cannot deadlock.
func lockLoad(ctx context.Context, tx port.Tx, loadID uuid.UUID) (*domain.Request, *domain.Load, error) {
	peek, err := tx.GetLoad(ctx, loadID)
	if err != nil {
		return nil, nil, fmt.Errorf("get load: %w", err)
	}
	if peek == nil {
		return nil, nil, domain.NotFound("load", loadID)
	}
	req, err := tx.GetRequestForUpdate(ctx, peek.RequestID)
	if err != nil {
		return nil, nil, fmt.Errorf("get request: %w", err)
	}
	if req == nil {
		return nil, nil, domain.NotFound("request", peek.RequestID)
	}
	load, err := tx.GetLoadForUpdate(ctx, loadID)
	if err != nil {
		return nil, nil, fmt.Errorf("get load: %w", err)
	}
	if load == nil {
		return nil, nil, domain.NotFound("load", loadID)
	}
	return req, load, nil
}

func writeUnits(ctx context.Context, tx port.Tx, units []domain.StorageUnit) error {
	for _, u := range units {
		if err := u.CheckInvariant(); err != nil {
			return err
		}
		if err := tx.UpdateStorageUnitOccupied(ctx, u.ID, u.Occupied); err != nil {
			return fmt.Errorf("update storage unit %s: %w", u.Name, err)
		}
	}
	return nil
}

func unitSummary(units []domain.StorageUnit, amount func(domain.StorageUnit) int) (string, []map[string]any) {
	parts := make([]string, 0, len(units))
	details := make([]map[string]any, 0, len(units))
	for _, u := range units {
		parts = append(parts, fmt.Sprintf("%s (%d)", u.Name, amount(u)))
		details = append(details, map[string]any{"unit_id": u.ID.String(), "unit": u.Name, "available": amount(u)})
	}
	return strings.Join(parts, ", "), details
}

func (e *Engine) CreateStorageUnit(ctx context.Context, op domain.Operator, tenantID uuid.UUID, name string, capacity int) (*domain.StorageUnit, error) {
	var out domain.StorageUnit
	err := e.coord.Execute(ctx, opCreateStorageUnit, op, func(ctx context.Context, tx port.Tx) (Effects, error) {
		if err := requirePrivileged(op, "create storage units"); err != nil {
			return Effects{}, err
		}
		name = strings.TrimSpace(name)
		if name == "" || capacity <= 0 {
			return Effects{}, domain.NewError(domain.ErrInvalidAssignment,
				map[string]any{"name": name, "capacity": capacity},
				"storage unit needs a name and a positive capacity")
		}
		now := e.now()
		out = domain.StorageUnit{
			ID:        uuid.New(),
			TenantID:  tenantID,
			Name:      name,
			Capacity:  capacity,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.CreateStorageUnit(ctx, out); err != nil {
			return Effects{}, fmt.Errorf("create storage unit: %w", err)
		}
		return Effects{
			Audit: domain.AuditRecord{
				Action:     domain.ActionCreateStorageUnit,
				EntityType: domain.EntityStorageUnit,
				EntityID:   out.ID,
				Details:    map[string]any{"name": name, "capacity": capacity, "tenant_id": tenantID.String()},
			},
			Units: []domain.StorageUnit{out},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *Engine) GetStorageUnit(ctx context.Context, id uuid.UUID) (*domain.StorageUnit, error) {
	var out *domain.StorageUnit
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		u, err := tx.GetStorageUnit(ctx, id)
		if err != nil {
			return fmt.Errorf("get storage unit: %w", err)
		}
		if u == nil {
			return domain.NotFound("storage unit", id)
		}
		out = u
		return nil
	})
	return out, err
}

func (e *Engine) ListStorageUnits(ctx context.Context, tenantID uuid.UUID) ([]domain.StorageUnit, error) {
	var out []domain.StorageUnit
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		var err error
		out, err = tx.ListStorageUnits(ctx, tenantID)
		return err
	})
	return out, err
}

func (e *Engine) GetRequest(ctx context.Context, id uuid.UUID) (*domain.Request, error) {
	var out *domain.Request
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		r, err := tx.GetRequest(ctx, id)
		if err != nil {
			return fmt.Errorf("get request: %w", err)
		}
		if r == nil {
			return domain.NotFound("request", id)
		}
		out = r
		return nil
	})
	return out, err
}

func (e *Engine) GetLoad(ctx context.Context, id uuid.UUID) (*domain.Load, error) {
	var out *domain.Load
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		l, err := tx.GetLoad(ctx, id)
		if err != nil {
			return fmt.Errorf("get load: %w", err)
		}
		if l == nil {
			return domain.NotFound("load", id)
		}
		out = l
		return nil
	})
	return out, err
}

func (e *Engine) ListLoads(ctx context.Context, requestID uuid.UUID, direction domain.LoadDirection) ([]domain.Load, error) {
	var out []domain.Load
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		var err error
		out, err = tx.ListLoads(ctx, requestID, direction)
		return err
	})
	return out, err
}

func (e *Engine) ListInventoryItems(ctx context.Context, requestID uuid.UUID) ([]domain.InventoryItem, error) {
	var out []domain.InventoryItem
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		var err error
		out, err = tx.ListInventoryItems(ctx, requestID)
		return err
	})
	return out, err
}
