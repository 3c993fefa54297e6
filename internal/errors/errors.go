// Package errors provides the error taxonomy of the kline fetcher with retry
// classification. Fetch operations never recover internally; they return a
// classified error and leave the retry decision to the caller (see Retry).
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	// ErrorTypeConfiguration covers unknown symbols, unsupported granularities and
	// malformed plans. Never retried.
	ErrorTypeConfiguration ErrorType = "configuration"

	// ErrorTypeSourceRequest covers network failures, non-success statuses and
	// malformed payloads. The whole fetch may be retried by the caller.
	ErrorTypeSourceRequest ErrorType = "source_request_failed"

	// ErrorTypeSchemaMismatch signals that the source row shape changed. Never retried.
	ErrorTypeSchemaMismatch ErrorType = "schema_mismatch"

	// ErrorTypeCanceled is returned when the caller's context ends a fetch.
	ErrorTypeCanceled ErrorType = "canceled"

	ErrorTypeUnknown ErrorType = "unknown"
)

// Severity represents the severity level of an error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching by type.
var (
	ErrConfiguration       = &FetchError{Type: ErrorTypeConfiguration}
	ErrSourceRequestFailed = &FetchError{Type: ErrorTypeSourceRequest}
	ErrSchemaMismatch      = &FetchError{Type: ErrorTypeSchemaMismatch}
	ErrCanceled            = &FetchError{Type: ErrorTypeCanceled}
)

// FetchError is a classified error carrying the metadata a caller needs to
// decide between surfacing, retrying and aborting.
type FetchError struct {
	Err        error     `json:"error"`
	Type       ErrorType `json:"type"`
	Severity   Severity  `json:"severity"`
	Retryable  bool      `json:"retryable"`
	Source     string    `json:"source,omitempty"`
	Operation  string    `json:"operation"`
	Symbol     string    `json:"symbol,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Error implements the error interface
func (fe *FetchError) Error() string {
	component := fe.Source
	if component == "" {
		component = "fetcher"
	}
	msg := fmt.Sprintf("[%s/%s] %s", component, fe.Type, fe.Operation)
	if fe.Symbol != "" {
		msg += " " + fe.Symbol
	}
	if fe.Err != nil {
		msg += ": " + fe.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (fe *FetchError) Unwrap() error {
	return fe.Err
}

// Is matches another FetchError by type, otherwise defers to the wrapped error.
func (fe *FetchError) Is(target error) bool {
	if t, ok := target.(*FetchError); ok {
		return fe.Type == t.Type
	}
	return errors.Is(fe.Err, target)
}

func newFetchError(errorType ErrorType, source, operation string, err error) *FetchError {
	return &FetchError{
		Err:       err,
		Type:      errorType,
		Severity:  severityFor(errorType),
		Retryable: errorType == ErrorTypeSourceRequest,
		Source:    source,
		Operation: operation,
		Timestamp: time.Now(),
	}
}

// Configuration reports a configuration error for the given symbol.
func Configuration(operation, symbol string, err error) *FetchError {
	fe := newFetchError(ErrorTypeConfiguration, "", operation, err)
	fe.Symbol = symbol
	return fe
}

// Configurationf is Configuration with a formatted message.
func Configurationf(operation, symbol, format string, args ...interface{}) *FetchError {
	return Configuration(operation, symbol, fmt.Errorf(format, args...))
}

// SourceRequestFailed reports a transport-level failure against a source.
func SourceRequestFailed(source, operation string, err error) *FetchError {
	return newFetchError(ErrorTypeSourceRequest, source, operation, err)
}

// SourceStatus reports a non-success HTTP status from a source.
func SourceStatus(source, operation string, status int, body string) *FetchError {
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	fe := newFetchError(ErrorTypeSourceRequest, source, operation, fmt.Errorf("status %d: %s", status, body))
	fe.StatusCode = status
	return fe
}

// SchemaMismatch reports a source row whose shape no longer matches the expected schema.
func SchemaMismatch(source, operation string, err error) *FetchError {
	return newFetchError(ErrorTypeSchemaMismatch, source, operation, err)
}

// SchemaMismatchf is SchemaMismatch with a formatted message.
func SchemaMismatchf(source, operation, format string, args ...interface{}) *FetchError {
	return SchemaMismatch(source, operation, fmt.Errorf(format, args...))
}

// Canceled reports a fetch ended by its context.
func Canceled(operation string, err error) *FetchError {
	return newFetchError(ErrorTypeCanceled, "", operation, err)
}

// Classify returns err as a *FetchError, classifying unknown errors by shape.
// Already classified errors are returned unchanged.
func Classify(err error, source, operation string) *FetchError {
	if err == nil {
		return nil
	}

	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Canceled(operation, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return SourceRequestFailed(source, operation, err)
	}

	return newFetchError(ErrorTypeUnknown, source, operation, err)
}

func severityFor(errorType ErrorType) Severity {
	switch errorType {
	case ErrorTypeSchemaMismatch:
		return SeverityCritical
	case ErrorTypeConfiguration:
		return SeverityHigh
	case ErrorTypeSourceRequest:
		return SeverityMedium
	case ErrorTypeCanceled:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// WrapError wraps an error with additional context
func WrapError(err error, component, operation, message string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s in %s.%s: %w", message, component, operation, err)
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// GetErrorType extracts the error type from a classified error
func GetErrorType(err error) ErrorType {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Type
	}
	return ErrorTypeUnknown
}

// GetSeverity extracts the severity from a classified error
func GetSeverity(err error) Severity {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Severity
	}
	return SeverityMedium
}
