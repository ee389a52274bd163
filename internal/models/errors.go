package models

import (
	"errors"
	"fmt"
)

// ErrKind classifies orchestrator failures.
type ErrKind string

const (
	ErrKindConfiguration ErrKind = "configuration_error"
	ErrKindValidation    ErrKind = "validation_error"
	ErrKindDuplicate     ErrKind = "duplicate_payment_error"
	ErrKindProcessor     ErrKind = "processor_error"
	ErrKindState         ErrKind = "state_error"
	ErrKindPersistence   ErrKind = "persistence_error"
	ErrKindUnknown       ErrKind = "unknown_error"
)

// AppError carries a failure classification alongside the message. The
// orchestrator converts every AppError into a PaymentResult at the
// operation boundary.
type AppError struct {
	Kind    ErrKind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func newError(kind ErrKind, cause error, format string, args ...interface{}) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// ConfigurationError means no usable processor credentials exist. It is
// a deployment problem, never retried.
func ConfigurationError(format string, args ...interface{}) *AppError {
	return newError(ErrKindConfiguration, nil, format, args...)
}

func ValidationError(format string, args ...interface{}) *AppError {
	return newError(ErrKindValidation, nil, format, args...)
}

func DuplicatePaymentError(format string, args ...interface{}) *AppError {
	return newError(ErrKindDuplicate, nil, format, args...)
}

func StateError(format string, args ...interface{}) *AppError {
	return newError(ErrKindState, nil, format, args...)
}

func ProcessorError(cause error, format string, args ...interface{}) *AppError {
	return newError(ErrKindProcessor, cause, format, args...)
}

// PersistenceError marks a store failure. When it follows a successful
// processor call it is the most dangerous case: the remote side effect
// already happened.
func PersistenceError(cause error, format string, args ...interface{}) *AppError {
	return newError(ErrKindPersistence, cause, format, args...)
}

// KindOf extracts the classification from an error chain.
func KindOf(err error) ErrKind {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ErrKindUnknown
}
