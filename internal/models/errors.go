package models

import (
	"errors"
	"fmt"
)

// Failure kinds surfaced by the directory. Match them with errors.Is.
var (
	ErrDuplicateMembership    = errors.New("duplicate membership")
	ErrCapacityExceeded       = errors.New("project member capacity exceeded")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNotFound               = errors.New("not found")
)

// ValidationError is a field-level constraint violation.
type ValidationError struct {
	Field      string
	Constraint string
	Message    string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func NewValidationError(field, constraint, msg string) error {
	return &ValidationError{Field: field, Constraint: constraint, Message: msg}
}

// IsValidationError reports whether err is, or wraps, a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// MembershipError carries the (project, user) pair a membership rejection
// refers to. Kind is one of the sentinel errors above.
type MembershipError struct {
	Kind      error
	ProjectID uint
	UserID    uint
	Detail    string
}

func (e *MembershipError) Error() string {
	msg := fmt.Sprintf("%v: project=%d user=%d", e.Kind, e.ProjectID, e.UserID)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *MembershipError) Unwrap() error { return e.Kind }

// NotFoundError names the entity and key that did not resolve.
type NotFoundError struct {
	Entity string
	ID     uint
	Key    string
}

func (e *NotFoundError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %q not found", e.Entity, e.Key)
	}
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// TransitionError describes a rejected state change.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s cannot move from %s to %s", e.Entity, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }
