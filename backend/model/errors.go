package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
)

// NotFoundError reports an identity, connection or room that vanished.
// Routing treats it as a benign race.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ConflictError reports a participant that cannot take a new call.
// Reason is surfaced to the caller verbatim.
type ConflictError struct {
	Email  string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s is unavailable: %s", e.Email, e.Reason)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// InvalidStateError reports an event referring to a call that no longer matches.
type InvalidStateError struct {
	Email  string
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid call state for %s: %s", e.Email, e.Reason)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}
