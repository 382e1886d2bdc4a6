package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is; the concrete *Error carries the
// operator-facing message and the numbers needed to correct the input.
var (
	ErrNotFound             = errors.New("not found")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrInvalidState         = errors.New("invalid state")
	ErrInvalidAssignment    = errors.New("invalid assignment")
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrOverCapacity         = errors.New("over capacity")
	ErrSequenceViolation    = errors.New("sequence violation")
	ErrItemNotPickupable    = errors.New("item not pickupable")
	ErrInvariantViolation   = errors.New("invariant violation")
)

var kindNames = map[error]string{
	ErrNotFound:             "NotFound",
	ErrUnauthorized:         "Unauthorized",
	ErrInvalidState:         "InvalidState",
	ErrInvalidAssignment:    "InvalidAssignment",
	ErrInsufficientCapacity: "InsufficientCapacity",
	ErrOverCapacity:         "OverCapacity",
	ErrSequenceViolation:    "SequenceViolation",
	ErrItemNotPickupable:    "ItemNotPickupable",
	ErrInvariantViolation:   "InvariantViolation",
}

type Error struct {
	Kind    error
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Kind }

func NewError(kind error, details map[string]any, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Details: details}
}

// KindName returns the taxonomy name of err ("InsufficientCapacity", ...), or
// "Internal" when err does not belong to the taxonomy.
func KindName(err error) string {
	if err == nil {
		return ""
	}
	for kind, name := range kindNames {
		if errors.Is(err, kind) {
			return name
		}
	}
	return "Internal"
}

func NotFound(entity string, id fmt.Stringer) *Error {
	return NewError(ErrNotFound, map[string]any{"entity": entity, "id": id.String()}, "%s %s does not exist", entity, id)
}

func invalidTransition(entity, from, to string) *Error {
	return NewError(ErrInvalidState,
		map[string]any{"entity": entity, "current": from, "target": to},
		"%s cannot move from %s to %s", entity, from, to)
}
