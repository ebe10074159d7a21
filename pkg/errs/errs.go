// Package errs implements the error taxonomy of the webchat core: transport,
// protocol, validation, storage and state errors, each matching against
// errors.As so callers can branch on kind without string matching.
package errs

import "fmt"

// TransportError wraps a socket-level, parse, or closed-before-send failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport: %s", e.Op)
	}
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// ErrTransportClosed is returned when a send is attempted on a closed or
// absent socket (§4.4 send semantics).
var ErrTransportClosed = &TransportError{Op: "send", Err: fmt.Errorf("socket closed")}

// ProtocolError covers a missing id on stream_start/stream_end or an invalid
// sequence number (§7).
type ProtocolError struct {
	Frame  string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s: %s", e.Frame, e.Reason)
}

func NewProtocolError(frame, reason string) *ProtocolError {
	return &ProtocolError{Frame: frame, Reason: reason}
}

// ValidationError covers bad configuration, a malformed send payload, or an
// unsupported outbound message type. Per §7 these are invariant-breaking and
// surface as thrown (returned, not swallowed) errors to the caller.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// StorageError covers get/set/quota failures in the persistent store.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("storage: %s %s", e.Op, e.Key)
	}
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func NewStorageError(op, key string, err error) *StorageError {
	return &StorageError{Op: op, Key: key, Err: err}
}

// StateError covers invariant violations such as "History request already
// in progress", "Recording already in progress", "No recording in
// progress". These are thrown to the caller per §7.
type StateError struct {
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state: %s", e.Reason)
}

func NewStateError(reason string) *StateError {
	return &StateError{Reason: reason}
}

// Common state errors named by the spec.
var (
	ErrHistoryInProgress     = NewStateError("History request already in progress")
	ErrRecordingInProgress   = NewStateError("Recording already in progress")
	ErrNoRecordingInProgress = NewStateError("No recording in progress")
)
