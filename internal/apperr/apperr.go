// Package apperr defines the error kinds surfaced by the engines.
//
// Specific errors wrap one of the kind sentinels, so callers can match either
// the precise condition (errors.Is(err, ErrAlreadyEnrolled)) or its kind
// (errors.Is(err, ErrConflict)).
package apperr

import (
	"errors"
	"fmt"
)

// Kinds.
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
	ErrState        = errors.New("invalid state")
	ErrStorage      = errors.New("storage error")
)

// Specific conditions.
var (
	ErrClassNotFound   = fmt.Errorf("%w: class not found", ErrNotFound)
	ErrAccountNotFound = fmt.Errorf("%w: account not found", ErrNotFound)
	ErrAlreadyEnrolled = fmt.Errorf("%w: already enrolled in this class", ErrConflict)
	ErrEmailTaken      = fmt.Errorf("%w: email already registered", ErrConflict)
	ErrNotEnrolled     = fmt.Errorf("%w: not actively enrolled in this class", ErrState)
	ErrNoActiveSession = fmt.Errorf("%w: no active session", ErrState)
	ErrInvalidCode     = fmt.Errorf("%w: invalid or expired QR code", ErrInvalidInput)
	ErrNotOwner        = fmt.Errorf("%w: not the owner of this class", ErrUnauthorized)
	ErrBadCredentials  = fmt.Errorf("%w: invalid email or password", ErrUnauthorized)
)

// Invalid wraps a validation message as ErrInvalidInput.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Storage marks err as a store failure. Nil stays nil, and errors that already
// carry a kind are returned unchanged.
func Storage(err error) error {
	if err == nil {
		return nil
	}
	if Kind(err) != nil {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}

// Kind returns the kind sentinel err belongs to, or nil.
func Kind(err error) error {
	for _, k := range []error{ErrNotFound, ErrUnauthorized, ErrConflict, ErrInvalidInput, ErrState, ErrStorage} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
