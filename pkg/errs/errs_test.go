package errs

import (
	"errors"
	"testing"
)

func TestTransportError_UnwrapsToUnderlyingErr(t *testing.T) {
	underlying := errors.New("connection reset")
	err := NewTransportError("send", underlying)

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatal("expected errors.As to match *TransportError")
	}
	if !errors.Is(err, underlying) {
		t.Fatal("expected errors.Is to find the wrapped underlying error")
	}
	if err.Error() != "transport: send: connection reset" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestTransportError_NilErrOmitsSuffix(t *testing.T) {
	err := NewTransportError("send", nil)
	if err.Error() != "transport: send" {
		t.Fatalf("Error() = %q, want %q", err.Error(), "transport: send")
	}
}

func TestErrTransportClosed_MatchesByType(t *testing.T) {
	var te *TransportError
	if !errors.As(ErrTransportClosed, &te) {
		t.Fatal("expected ErrTransportClosed to be a *TransportError")
	}
}

func TestProtocolError_FormatsFrameAndReason(t *testing.T) {
	err := NewProtocolError("stream_start", "missing id")
	if err.Error() != "protocol: stream_start: missing id" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestValidationError_OmitsFieldWhenEmpty(t *testing.T) {
	err := NewValidationError("", "unsupported outbound type")
	if err.Error() != "validation: unsupported outbound type" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestValidationError_IncludesFieldWhenSet(t *testing.T) {
	err := NewValidationError("socketURL", "must be a ws:// or wss:// URL")
	if err.Error() != "validation: socketURL: must be a ws:// or wss:// URL" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestStorageError_UnwrapsToUnderlyingErr(t *testing.T) {
	underlying := errors.New("quota exceeded")
	err := NewStorageError("set", "webchat_session", underlying)

	if !errors.Is(err, underlying) {
		t.Fatal("expected errors.Is to find the wrapped underlying error")
	}
	if err.Error() != "storage: set webchat_session: quota exceeded" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestStateError_Format(t *testing.T) {
	err := NewStateError("custom invariant broken")
	if err.Error() != "state: custom invariant broken" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestCommonStateErrors_HaveDistinctMessages(t *testing.T) {
	seen := map[string]bool{}
	for _, err := range []*StateError{ErrHistoryInProgress, ErrRecordingInProgress, ErrNoRecordingInProgress} {
		if seen[err.Error()] {
			t.Fatalf("duplicate state error message: %q", err.Error())
		}
		seen[err.Error()] = true
	}
}
