package sync

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------

var (
	// Configuration errors - surfaced to the operator, never retried
	ErrConfigMissing      = errors.New("sync: credential or endpoint not configured")
	ErrUnknownIntegration = errors.New("sync: unknown integration")
	ErrUnknownOperation   = errors.New("sync: unknown operation")

	// Payload errors - surfaced to the collaborator, entity stays unsynced
	ErrPayloadIncomplete = errors.New("sync: payload missing required fields")

	// Binding errors
	ErrAmbiguousBinding = errors.New("sync: multiple remote candidates match the entity")
	ErrBindingFailed    = errors.New("sync: remote create response carried no identifier")
	ErrAlreadyBound     = errors.New("sync: remote identifier already set")
	ErrBindingNotFound  = errors.New("sync: binding not found")

	// Orchestration errors
	ErrNotCancellable    = errors.New("sync: entity is not in a cancellable state")
	ErrOperationInFlight = errors.New("sync: another operation is in flight for this entity")
	ErrNotRetryable      = errors.New("sync: document cannot be retried")

	// Document errors
	ErrDocumentNotFound        = errors.New("sync: document not found")
	ErrDocumentFinalized       = errors.New("sync: document already finalized")
	ErrInvalidStatusTransition = errors.New("sync: document status transition not allowed")

	// Transport-adjacent errors surfaced by decode
	ErrUnparseableResponse = errors.New("sync: unparseable remote response")
	ErrAuthExpired         = errors.New("sync: remote authentication expired")
)

// ---------------------------------------------------------------------------
// TransportError
// ---------------------------------------------------------------------------

// TransportKind classifies an HTTP-level failure
type TransportKind string

const (
	TransportKindTimeout    TransportKind = "TIMEOUT"
	TransportKindConnection TransportKind = "CONNECTION"
	TransportKindHTTPError  TransportKind = "HTTP_ERROR"
	TransportKindTLS        TransportKind = "TLS"
)

// TransportError is a typed HTTP-level failure. It is recorded on the
// document as SENDING_FAILED and retried by the poller with backoff.
type TransportError struct {
	Kind       TransportKind
	StatusCode int
	Err        error
}

// Error implements the error interface
func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("sync: transport %s (HTTP %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("sync: transport %s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying cause
func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a typed transport error
func NewTransportError(kind TransportKind, statusCode int, err error) *TransportError {
	return &TransportError{Kind: kind, StatusCode: statusCode, Err: err}
}

// IsTransportError reports whether err is (or wraps) a TransportError
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ---------------------------------------------------------------------------
// RemoteError
// ---------------------------------------------------------------------------

// RemoteError is one business-level error reported by the remote service
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e RemoteError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}
