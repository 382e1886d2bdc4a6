package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LoadDirection string

const (
	DirectionInbound  LoadDirection = "inbound"
	DirectionOutbound LoadDirection = "outbound"
)

func (d LoadDirection) Valid() bool {
	return d == DirectionInbound || d == DirectionOutbound
}

func ParseDirection(s string) (LoadDirection, error) {
	d := LoadDirection(s)
	if !d.Valid() {
		return "", NewError(ErrInvalidAssignment, map[string]any{"direction": s},
			"direction must be %q or %q, got %q", DirectionInbound, DirectionOutbound, s)
	}
	return d, nil
}

type LoadStatus string

const (
	LoadStatusNew       LoadStatus = "new"
	LoadStatusApproved  LoadStatus = "approved"
	LoadStatusInTransit LoadStatus = "in_transit"
	LoadStatusCompleted LoadStatus = "completed"
	LoadStatusCancelled LoadStatus = "cancelled"
)

var loadTransitions = map[LoadStatus][]LoadStatus{
	LoadStatusNew:       {LoadStatusApproved, LoadStatusCancelled},
	LoadStatusApproved:  {LoadStatusInTransit, LoadStatusCompleted, LoadStatusCancelled},
	LoadStatusInTransit: {LoadStatusCompleted},
}

func (s LoadStatus) TransitionTo(next LoadStatus) (LoadStatus, error) {
	for _, allowed := range loadTransitions[s] {
		if allowed == next {
			return next, nil
		}
	}
	return s, invalidTransition("load", string(s), string(next))
}

// Completable reports whether a load in this status may be completed.
func (s LoadStatus) Completable() bool {
	return s == LoadStatusApproved || s == LoadStatusInTransit
}

// Totals are the quantity (joints), length (ft) and weight (lbs) of a load.
type Totals struct {
	Quantity int
	Length   decimal.Decimal
	Weight   decimal.Decimal
}

func (t Totals) Add(o Totals) Totals {
	return Totals{
		Quantity: t.Quantity + o.Quantity,
		Length:   t.Length.Add(o.Length),
		Weight:   t.Weight.Add(o.Weight),
	}
}

type Load struct {
	ID             uuid.UUID
	RequestID      uuid.UUID
	Direction      LoadDirection
	SequenceNumber int
	Status         LoadStatus
	Planned        Totals
	Completed      *Totals
	WindowStart    *time.Time
	WindowEnd      *time.Time
	Notes          []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (l Load) Label() string {
	return fmt.Sprintf("%s load #%d", l.Direction, l.SequenceNumber)
}

// FirstBlocking returns the lowest-sequence load still in New status, the one
// every later load of the same direction waits on.
func FirstBlocking(loads []Load, before int) *Load {
	var blocking *Load
	for i := range loads {
		l := loads[i]
		if l.Status != LoadStatusNew {
			continue
		}
		if before > 0 && l.SequenceNumber >= before {
			continue
		}
		if blocking == nil || l.SequenceNumber < blocking.SequenceNumber {
			blocking = &l
		}
	}
	return blocking
}

func NextSequence(loads []Load) int {
	maxSeq := 0
	for _, l := range loads {
		if l.SequenceNumber > maxSeq {
			maxSeq = l.SequenceNumber
		}
	}
	return maxSeq + 1
}

func SequenceViolation(target string, blocking Load) *Error {
	return NewError(ErrSequenceViolation,
		map[string]any{"blocking_load_id": blocking.ID.String(), "blocking_sequence": blocking.SequenceNumber, "blocking_status": string(blocking.Status)},
		"%s is blocked: %s is still %s", target, blocking.Label(), blocking.Status)
}
