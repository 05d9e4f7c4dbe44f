package models

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError indicates malformed input. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ConflictError indicates that one or more requested seats are already taken
type ConflictError struct {
	ConflictingSeats []string
	Reason           string // "booked" or "held"
}

func (e *ConflictError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "booked"
	}
	return fmt.Sprintf("seats already %s: %s", reason, strings.Join(e.ConflictingSeats, ", "))
}

// NotFoundError indicates an unknown schedule, booking or correlation id
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// StateError indicates the operation is invalid for the booking's current status
type StateError struct {
	BookingID string
	Current   string
	Operation string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s booking %s: current status is %s", e.Operation, e.BookingID, e.Current)
}

// TransientStorageError is a write conflict from the atomic primitive.
// Retried internally with bounded backoff.
type TransientStorageError struct {
	Err error
}

func (e *TransientStorageError) Error() string {
	return fmt.Sprintf("transient storage conflict: %v", e.Err)
}

func (e *TransientStorageError) Unwrap() error {
	return e.Err
}

// ExternalProviderError indicates the payment provider was unreachable or rejected the call
type ExternalProviderError struct {
	Provider PaymentProvider
	Err      error
}

func (e *ExternalProviderError) Error() string {
	return fmt.Sprintf("payment provider %s error: %v", e.Provider, e.Err)
}

func (e *ExternalProviderError) Unwrap() error {
	return e.Err
}

// SignatureError indicates a webhook failed authenticity verification
type SignatureError struct {
	Provider PaymentProvider
	Err      error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("invalid %s webhook signature: %v", e.Provider, e.Err)
}

func (e *SignatureError) Unwrap() error {
	return e.Err
}

// NewNotFound is a shorthand used by the stores
func NewNotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// IsTransient reports whether err is (or wraps) a TransientStorageError
func IsTransient(err error) bool {
	var transient *TransientStorageError
	return errors.As(err, &transient)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError
func IsNotFound(err error) bool {
	var notFound *NotFoundError
	return errors.As(err, &notFound)
}
