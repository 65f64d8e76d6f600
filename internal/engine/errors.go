package engine

import (
	"errors"
	"fmt"
)

// Rule names the open precondition that refused an order.
type Rule string

const (
	RuleHalted              Rule = "halted"
	RuleDuplicatePosition   Rule = "duplicate_position"
	RuleExposureExceeded    Rule = "exposure_exceeded"
	RuleBelowMinimum        Rule = "below_minimum"
	RuleInsufficientBalance Rule = "insufficient_balance"
)

// PreconditionError is returned before any exchange call when an open is refused.
type PreconditionError struct {
	Rule   Rule
	Detail string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition %s: %s", e.Rule, e.Detail)
}

// ExchangeError wraps a failed exchange call. Nothing was recorded; for an
// order the fill state may be unknown and must not be retried blindly.
type ExchangeError struct {
	Op  string
	Err error
}

func (e *ExchangeError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *ExchangeError) Unwrap() error { return e.Err }

// NotFoundError means there is no OPEN trade matching the reference.
type NotFoundError struct {
	Ref    string
	Detail string
}

func (e *NotFoundError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("no open trade for %s: %s", e.Ref, e.Detail)
	}
	return fmt.Sprintf("no open trade for %s", e.Ref)
}

// LockContentionError means another close for the symbol is in flight.
type LockContentionError struct {
	Symbol string
}

func (e *LockContentionError) Error() string {
	return fmt.Sprintf("a close for %s is already in progress", e.Symbol)
}

// ErrInvalidRequest wraps malformed caller input.
var ErrInvalidRequest = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// IsPrecondition reports whether err is a PreconditionError, optionally for rule.
func IsPrecondition(err error, rule Rule) bool {
	var pe *PreconditionError
	if !errors.As(err, &pe) {
		return false
	}
	return rule == "" || pe.Rule == rule
}
