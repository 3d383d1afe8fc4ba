// Package apperrors defines the gateway's error-kind taxonomy (spec §7).
//
// Kinds are not Go types but a closed enum carried on a single AppError
// struct, mirroring the teacher's *AppError (pkg/errors/errors.go) with the
// HTTP-status-code axis swapped for a Recoverable flag: everything
// recoverable is handled at the lowest-responsible owner, only
// unrecoverable config errors terminate the process.
package apperrors

import "fmt"

// Kind is one error category from the §7 taxonomy.
type Kind string

const (
	ConfigMissing     Kind = "config_missing"
	RelayConnect      Kind = "relay_connect"
	RelayTransient    Kind = "relay_transient"
	RelayPermanent    Kind = "relay_permanent"
	DecryptError      Kind = "decrypt_error"
	ParseError        Kind = "parse_error"
	EmptyContent      Kind = "empty_content"
	Duplicate         Kind = "duplicate"
	RateLimited       Kind = "rate_limited"
	QueueFull         Kind = "queue_full"
	InsufficientFunds Kind = "insufficient_funds"
	DebitRace         Kind = "debit_race"
	OracleError       Kind = "oracle_error"
	OracleTimeout     Kind = "oracle_timeout"
	PublishFailed     Kind = "publish_failed"
	StorageError      Kind = "storage_error"
)

// AppError is the gateway's single error type; its Kind selects handling.
type AppError struct {
	Kind        Kind
	Message     string
	Details     any
	Recoverable bool
	cause       error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.cause }

// WithDetails attaches structured context to the error.
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a recoverable AppError of the given kind.
func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message, Recoverable: true}
}

// Wrap creates a recoverable AppError of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *AppError {
	return &AppError{Kind: kind, Message: message, Recoverable: true, cause: cause}
}

// Fatal creates an unrecoverable AppError — only ConfigMissing should ever
// use this at startup.
func Fatal(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message, Recoverable: false}
}

// KindOf extracts the Kind from err, or "" if err is not an *AppError.
func KindOf(err error) Kind {
	if ae, ok := err.(*AppError); ok {
		return ae.Kind
	}
	return ""
}

// Is reports whether err is an *AppError of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
