package domain

import (
	"time"

	"github.com/google/uuid"
)

// StorageUnit is a rack with a bounded number of joints.
// Invariant: 0 <= Occupied <= Capacity.
type StorageUnit struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Name      string
	Capacity  int
	Occupied  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (u StorageUnit) Available() int {
	return u.Capacity - u.Occupied
}

func (u StorageUnit) CheckInvariant() error {
	if u.Occupied < 0 || u.Occupied > u.Capacity {
		return NewError(ErrInvariantViolation,
			map[string]any{"unit": u.Name, "occupied": u.Occupied, "capacity": u.Capacity},
			"unit %s occupied %d outside [0, %d]", u.Name, u.Occupied, u.Capacity)
	}
	return nil
}

// Allocate returns the unit with quantity more joints occupied.
func (u StorageUnit) Allocate(quantity int) (StorageUnit, error) {
	if err := u.CheckInvariant(); err != nil {
		return u, err
	}
	if quantity > u.Available() {
		return u, NewError(ErrInsufficientCapacity,
			map[string]any{"unit": u.Name, "requested": quantity, "available": u.Available()},
			"unit %s: requested %d, available %d", u.Name, quantity, u.Available())
	}
	u.Occupied += quantity
	return u, u.CheckInvariant()
}

// Release returns the unit with quantity joints freed.
func (u StorageUnit) Release(quantity int) (StorageUnit, error) {
	if err := u.CheckInvariant(); err != nil {
		return u, err
	}
	if quantity > u.Occupied {
		return u, NewError(ErrInvariantViolation,
			map[string]any{"unit": u.Name, "release": quantity, "occupied": u.Occupied},
			"unit %s: cannot release %d, only %d occupied", u.Name, quantity, u.Occupied)
	}
	u.Occupied -= quantity
	return u, u.CheckInvariant()
}
