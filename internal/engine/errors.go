package engine

import (
	"errors"
	"fmt"
)

// errGuardFailed is an internal sentinel: a guarded update touched no rows.
// It never leaves the engine; callers re-read and map it to a no-op or a
// ConflictError.
var errGuardFailed = errors.New("guard failed")

// Conflict reasons surfaced to callers.
const (
	ReasonInvalidStatus     = "invalid_status"
	ReasonVersionMismatch   = "version_mismatch"
	ReasonAlreadySelected   = "already_selected"
	ReasonAssignedToAnother = "assigned_to_another"
	ReasonAmountMismatch    = "amount_mismatch"
)

// ValidationError marks malformed or out-of-range input.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// ForbiddenError marks a caller acting outside their party or role.
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string { return e.Reason }

// ConflictError marks a request that lost against the current state of the
// record: a guard failed and a retry with the same input cannot succeed.
type ConflictError struct {
	Reason string
	Detail string
}

func (e *ConflictError) Error() string {
	if e.Detail != "" {
		return e.Reason + ": " + e.Detail
	}
	return e.Reason
}

// InsufficientBalanceError is returned when a freeze cannot cover its amount.
type InsufficientBalanceError struct {
	Need int64
	Have int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: need %d, have %d", e.Need, e.Have)
}
