package port

import (
	"context"

	"github.com/google/uuid"

	"github.com/rl1809/pipe-storage/internal/core/domain"
)

// Store runs fn inside one atomic unit. If fn returns an error, or the commit
// fails, nothing fn wrote is visible to anyone.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the transactional repository. Methods named ...ForUpdate take a
// locking read held until the atomic unit ends.
type Tx interface {
	CreateStorageUnit(ctx context.Context, unit domain.StorageUnit) error
	GetStorageUnit(ctx context.Context, id uuid.UUID) (*domain.StorageUnit, error)
	ListStorageUnits(ctx context.Context, tenantID uuid.UUID) ([]domain.StorageUnit, error)
	// LockStorageUnits locks every listed unit and returns them in the order
	// given. Missing ids are simply absent from the result.
	LockStorageUnits(ctx context.Context, ids []uuid.UUID) ([]domain.StorageUnit, error)
	UpdateStorageUnitOccupied(ctx context.Context, id uuid.UUID, occupied int) error

	CreateRequest(ctx context.Context, req domain.Request) error
	GetRequest(ctx context.Context, id uuid.UUID) (*domain.Request, error)
	GetRequestForUpdate(ctx context.Context, id uuid.UUID) (*domain.Request, error)
	// UpdateRequest persists status, approval metadata and allocations.
	UpdateRequest(ctx context.Context, req domain.Request) error

	CreateLoad(ctx context.Context, load domain.Load) error
	GetLoad(ctx context.Context, id uuid.UUID) (*domain.Load, error)
	GetLoadForUpdate(ctx context.Context, id uuid.UUID) (*domain.Load, error)
	ListLoads(ctx context.Context, requestID uuid.UUID, direction domain.LoadDirection) ([]domain.Load, error)
	UpdateLoad(ctx context.Context, load domain.Load) error

	CreateInventoryItems(ctx context.Context, items []domain.InventoryItem) error
	ListInventoryItems(ctx context.Context, requestID uuid.UUID) ([]domain.InventoryItem, error)
	GetInventoryItemsForUpdate(ctx context.Context, ids []uuid.UUID) ([]domain.InventoryItem, error)
	UpdateInventoryItem(ctx context.Context, item domain.InventoryItem) error
	CountOpenInventoryItems(ctx context.Context, requestID uuid.UUID) (int, error)

	InsertAuditRecord(ctx context.Context, rec domain.AuditRecord) error
	InsertNotificationIntent(ctx context.Context, n domain.NotificationIntent) error

	// ClaimNotificationIntents and MarkNotificationProcessed belong to the
	// delivery side; the engine never calls them.
	ClaimNotificationIntents(ctx context.Context, limit int) ([]domain.NotificationIntent, error)
	MarkNotificationProcessed(ctx context.Context, id uuid.UUID) error
}
