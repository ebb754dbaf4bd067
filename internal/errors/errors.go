// Package errors provides domain-specific error types for hostmux.
//
// These types carry structured context (operation, path, remote status)
// that lets callers tell a dead transport apart from a dead channel
// apart from a single failed request — the distinction the whole
// capability layer is built on.
package errors

import (
	"errors"
	"fmt"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	// ErrTransportLost means the underlying transport failed.  It is
	// session-fatal: every open channel observes it exactly once.
	ErrTransportLost = errors.New("transport lost")

	// ErrChannelClosed means one channel was closed (locally or by the
	// remote side) while operations on it were still pending.  Other
	// channels on the same session are unaffected.
	ErrChannelClosed = errors.New("channel closed")

	// ErrSessionClosed means the session was shut down before the
	// operation could start.
	ErrSessionClosed = errors.New("session closed")

	// ErrUnsupportedOperation means the active backend cannot perform
	// the requested operation at all.  It is returned synchronously at
	// the call site, never after partially acting.
	ErrUnsupportedOperation = errors.New("operation not supported by this backend")

	// ErrHandleClosed means a file handle was used after Close.
	ErrHandleClosed = errors.New("file handle closed")

	// ErrStdinNotPiped means a write to a process whose stdin was not
	// redirected.
	ErrStdinNotPiped = errors.New("stdin not piped")
)

// ── Structured error types ───────────────────────────────────────────

// RequestError is a remote-reported, operation-specific failure such
// as file-not-found.  It is local to one request: neither the channel
// nor the session is at fault.
type RequestError struct {
	Op      string // "open", "read", "stat", "exec", ...
	Path    string // file path or command, when applicable
	Code    uint32 // remote status code
	Message string // remote-provided description
}

func (e *RequestError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("remote error %d", e.Code)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

// ProtocolError indicates a received frame was malformed or referenced
// state in a way that suggests a backend or version mismatch.  The
// offending frame is dropped and counted; the session stays up.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return "protocol violation: " + e.Detail
}

// TransportError wraps a transport-level failure with the operation
// that hit it.  errors.Is(err, ErrTransportLost) holds for every
// TransportError.
type TransportError struct {
	Op  string // "send", "receive", "dial", "close"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return ErrTransportLost }

// Cause returns the underlying transport failure.
func (e *TransportError) Cause() error { return e.Err }

// ── Constructors ─────────────────────────────────────────────────────

// Request creates a RequestError.
func Request(op, path string, code uint32, message string) *RequestError {
	return &RequestError{Op: op, Path: path, Code: code, Message: message}
}

// Protocol creates a ProtocolError.
func Protocol(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Detail: fmt.Sprintf(format, args...)}
}

// Transport wraps err as a session-fatal transport failure.
func Transport(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsFatal reports whether err ends the whole session rather than a
// single channel or request.
func IsFatal(err error) bool {
	return errors.Is(err, ErrTransportLost)
}

// IsRequestError reports whether err is a remote per-request failure.
func IsRequestError(err error) bool {
	var re *RequestError
	return errors.As(err, &re)
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use hostmux/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
