package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	ErrInstanceNotFound    = errors.New("inboxflow: instance not found")
	ErrInstanceExists      = errors.New("inboxflow: instance already exists")
	ErrInstanceLocked      = errors.New("inboxflow: instance is leased by another owner")
	ErrCorrelationNotFound = errors.New("inboxflow: message reference not correlated")
	ErrInvalidTransition   = errors.New("inboxflow: invalid status transition")
	ErrInvalidEvent        = errors.New("inboxflow: invalid external event")
	ErrInvalidItem         = errors.New("inboxflow: item requires id and owner")
	ErrDeadLettered        = errors.New("inboxflow: instance is dead-lettered")
	ErrInvalidRoute        = errors.New("inboxflow: router returned an unregistered stage")
	ErrMissingCollaborator = errors.New("inboxflow: missing collaborator")
)

// ErrorKind classifies a failed external call.
type ErrorKind string

const (
	// KindTransient failures are retried with backoff.
	KindTransient ErrorKind = "transient"
	// KindPermanentRecoverable failures (expired credentials) get one refresh.
	KindPermanentRecoverable ErrorKind = "permanent_recoverable"
	// KindPermanentTerminal failures are never retried.
	KindPermanentTerminal ErrorKind = "permanent_terminal"
)

// ClassifiedError carries an explicit ErrorKind chosen by a collaborator.
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	return &ClassifiedError{Kind: KindTransient, Err: err}
}

// Permanent marks err as never retryable (rejected recipient, invalid input).
func Permanent(err error) error {
	return &ClassifiedError{Kind: KindPermanentTerminal, Err: err}
}

// AuthExpired marks err as an authorization failure that a credential
// refresh may fix.
func AuthExpired(err error) error {
	return &ClassifiedError{Kind: KindPermanentRecoverable, Err: err}
}

// HTTPStatusError is an error carrying an HTTP-like status code.
type HTTPStatusError struct {
	Code int
	Err  error
}

func (e *HTTPStatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %v", e.Code, e.Err)
}

func (e *HTTPStatusError) Unwrap() error   { return e.Err }
func (e *HTTPStatusError) StatusCode() int { return e.Code }

type statusCoder interface {
	StatusCode() int
}

// KindOf classifies err. Errors with no recognizable shape are transient.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransient
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		return KindForStatus(sc.StatusCode())
	}

	return KindTransient
}

// KindForStatus maps an HTTP status code onto an ErrorKind.
func KindForStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return KindTransient
	case code == http.StatusUnauthorized:
		return KindPermanentRecoverable
	case code >= 400:
		return KindPermanentTerminal
	default:
		return KindTransient
	}
}

// RetriesExhaustedError is returned after every attempt failed transiently.
type RetriesExhaustedError struct {
	Operation string
	Attempts  int
	Last      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Operation, e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Last }

// PermanentFailureError is returned when a call fails in a way retrying
// cannot fix. Attempt is the 0-based attempt that failed.
type PermanentFailureError struct {
	Operation string
	Attempt   int
	Kind      ErrorKind
	Err       error
}

func (e *PermanentFailureError) Error() string {
	return fmt.Sprintf("%s: permanent failure (%s): %v", e.Operation, e.Kind, e.Err)
}

func (e *PermanentFailureError) Unwrap() error { return e.Err }

// Error types recorded on failed instances.
const (
	ErrorTypeRetriesExhausted = "retries_exhausted"
	ErrorTypePermanent        = "permanent"
	ErrorTypeAuthorization    = "authorization"
	ErrorTypeCancelled        = "cancelled"
	ErrorTypeInternal         = "internal"
)

// ErrorTypeOf returns the error_type label recorded for a stage failure.
func ErrorTypeOf(err error) string {
	var re *RetriesExhaustedError
	if errors.As(err, &re) {
		return ErrorTypeRetriesExhausted
	}
	var pf *PermanentFailureError
	if errors.As(err, &pf) {
		if pf.Kind == KindPermanentRecoverable {
			return ErrorTypeAuthorization
		}
		return ErrorTypePermanent
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		switch ce.Kind {
		case KindPermanentRecoverable:
			return ErrorTypeAuthorization
		case KindPermanentTerminal:
			return ErrorTypePermanent
		}
	}
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCancelled
	}
	return ErrorTypeInternal
}

// OperationOf returns the operation name carried by a retry error, if any.
func OperationOf(err error) string {
	var re *RetriesExhaustedError
	if errors.As(err, &re) {
		return re.Operation
	}
	var pf *PermanentFailureError
	if errors.As(err, &pf) {
		return pf.Operation
	}
	return ""
}
