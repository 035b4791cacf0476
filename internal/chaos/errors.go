package chaos

import (
	"errors"
	"fmt"
)

// ErrInvalidDecision wraps decision validation failures.
var ErrInvalidDecision = errors.New("invalid chaos decision")

// UnknownRecipeError is returned when a decision names a recipe that is not loaded.
type UnknownRecipeError struct {
	Type string
}

func (e *UnknownRecipeError) Error() string {
	return fmt.Sprintf("unknown chaos recipe %q", e.Type)
}

// FaultNotFoundError is returned when a revert names a fault the registry never held.
type FaultNotFoundError struct {
	ID string
}

func (e *FaultNotFoundError) Error() string {
	return fmt.Sprintf("fault %q not found", e.ID)
}

// CapacityExceededError is returned when an injection would exceed the concurrent fault cap.
type CapacityExceededError struct {
	Limit  int
	Active int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded: %d of %d concurrent faults active", e.Active, e.Limit)
}
