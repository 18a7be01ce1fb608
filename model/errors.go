package model

import (
	"errors"
	"fmt"
)

// ErrObjectNotFound is returned by storage when a key does not exist
var ErrObjectNotFound = errors.New("object not found")

// ErrorKind classifies a processing failure
type ErrorKind string

const (
	ErrDataQuality       ErrorKind = "data_quality"
	ErrMissingParameters ErrorKind = "missing_parameters"
	ErrTransient         ErrorKind = "transient"
	ErrConsentRequired   ErrorKind = "consent_required"
	ErrValidation        ErrorKind = "validation_error"
	ErrNotFound          ErrorKind = "not_found"
	ErrCritical          ErrorKind = "critical_error"
)

// Retryable reports whether the processor may try again after this kind
func (k ErrorKind) Retryable() bool {
	return k == ErrTransient
}

// EnvelopeError is returned by the envelope creator with a classification
type EnvelopeError struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	ConsentURL string
	Err        error
}

func (e *EnvelopeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EnvelopeError) Unwrap() error {
	return e.Err
}

// AsEnvelopeError unwraps err into an EnvelopeError
func AsEnvelopeError(err error) (*EnvelopeError, bool) {
	var envErr *EnvelopeError
	if errors.As(err, &envErr) {
		return envErr, true
	}
	return nil, false
}

// KindOf classifies any error; unclassified errors are transient
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if envErr, ok := AsEnvelopeError(err); ok && envErr.Kind != "" {
		return envErr.Kind
	}
	if errors.Is(err, ErrObjectNotFound) {
		return ErrNotFound
	}
	return ErrTransient
}
