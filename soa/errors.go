package soa

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("soa: not found")
	ErrInvalidTransition  = errors.New("soa: invalid transition")
	ErrUnauthorized       = errors.New("soa: unauthorized")
	ErrValidation         = errors.New("soa: validation failed")
	ErrDeliveryFailed     = errors.New("soa: delivery failed")
	ErrFinalizationFailed = errors.New("soa: finalization failed")
	ErrConcurrentUpdate   = errors.New("soa: concurrent update")

	// ErrFinalizationInProgress means another worker holds the finalization
	// claim. Retry after the claim is released or lapses.
	ErrFinalizationInProgress = errors.New("soa: finalization in progress")
)

// TransitionError reports an event that is not legal from the record's status.
type TransitionError struct {
	From  Status
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("soa: invalid transition: %s not allowed from %s", e.Event, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("soa: validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// DeliveryError is returned after the send or resend itself committed but the
// dispatcher failed. The record stays live so the agent can resend.
type DeliveryError struct {
	SOAID string
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("soa: delivery failed for %s: %v", e.SOAID, e.Err)
}

func (e *DeliveryError) Is(target error) bool {
	return target == ErrDeliveryFailed
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// FinalizationError is returned when the countersignature is durable but the
// PDF could not be produced.
type FinalizationError struct {
	SOAID          string
	RetryScheduled bool
	Err            error
}

func (e *FinalizationError) Error() string {
	return fmt.Sprintf("soa: finalization failed for %s: %v", e.SOAID, e.Err)
}

func (e *FinalizationError) Is(target error) bool {
	return target == ErrFinalizationFailed
}

func (e *FinalizationError) Unwrap() error {
	return e.Err
}
