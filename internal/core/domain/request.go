package domain

import (
	"time"

	"github.com/google/uuid"
)

type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "pending"
	RequestStatusApproved  RequestStatus = "approved"
	RequestStatusRejected  RequestStatus = "rejected"
	RequestStatusCompleted RequestStatus = "completed"
)

var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestStatusPending:  {RequestStatusApproved, RequestStatusRejected},
	RequestStatusApproved: {RequestStatusCompleted},
}

func (s RequestStatus) Valid() bool {
	switch s {
	case RequestStatusPending, RequestStatusApproved, RequestStatusRejected, RequestStatusCompleted:
		return true
	}
	return false
}

func (s RequestStatus) Terminal() bool {
	return s == RequestStatusRejected || s == RequestStatusCompleted
}

// TransitionTo returns next if the request lifecycle allows it.
func (s RequestStatus) TransitionTo(next RequestStatus) (RequestStatus, error) {
	for _, allowed := range requestTransitions[s] {
		if allowed == next {
			return next, nil
		}
	}
	return s, invalidTransition("request", string(s), string(next))
}

// Allocation is the reservation a request holds on one storage unit.
// Received counts the part of Quantity already turned into inventory.
type Allocation struct {
	UnitID   uuid.UUID
	Position int
	Quantity int
	Received int
}

func (a Allocation) Outstanding() int {
	if a.Received >= a.Quantity {
		return 0
	}
	return a.Quantity - a.Received
}

type Request struct {
	ID                uuid.UUID
	ReferenceCode     string
	TenantID          uuid.UUID
	Status            RequestStatus
	RequestedQuantity int
	RequiredCapacity  int
	Allocations       []Allocation
	ApprovedAt        *time.Time
	ApprovedBy        *uuid.UUID
	ApprovalNotes     string
	RejectionReason   string
	CompletedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (r Request) AssignedUnitIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(r.Allocations))
	for _, a := range r.Allocations {
		ids = append(ids, a.UnitID)
	}
	return ids
}

func (r Request) Outstanding() int {
	total := 0
	for _, a := range r.Allocations {
		total += a.Outstanding()
	}
	return total
}
