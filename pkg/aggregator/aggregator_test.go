package aggregator

import (
	"errors"
	"testing"

	"github.com/weni/webchat-core/pkg/bus"
	"github.com/weni/webchat-core/pkg/message"
	"github.com/weni/webchat-core/pkg/session"
	"github.com/weni/webchat-core/pkg/store"
	"github.com/weni/webchat-core/pkg/stream"
	"github.com/weni/webchat-core/pkg/transport"
)

func newFixture() (*Aggregator, *bus.Bus) {
	b := bus.New()
	st := store.New(store.NewMemoryBackend())
	sess := session.New(session.Config{Host: "example.test"}, st, b)
	tr := transport.New(transport.Config{}, b, transport.NewRetryPolicy(transport.Config{ReconnectFactor: 2}))
	proc := stream.New(stream.Config{}, b)
	return New(b, sess, tr, proc), b
}

func TestMessageReceived_RoutesThroughProcessorIntoView(t *testing.T) {
	a, b := newFixture()

	b.Emit(bus.EventMessageReceived, transport.Frame{
		Type: "message",
		Raw:  []byte(`{"type":"message","message":{"type":"text","text":"hi","messageId":"m1"}}`),
	})

	view := a.Snapshot()
	if len(view.Messages) != 1 || view.Messages[0].Text != "hi" {
		t.Fatalf("Snapshot().Messages = %+v, want one message with text \"hi\"", view.Messages)
	}
}

func TestConnectionStatusChanged_UpdatesView(t *testing.T) {
	a, b := newFixture()
	b.Emit(bus.EventConnectionStatusChanged, map[string]transport.State{
		"from": transport.StateDisconnected,
		"to":   transport.StateConnected,
	})

	if got := a.Snapshot().ConnectionStatus; got != transport.StateConnected {
		t.Fatalf("ConnectionStatus = %v, want %v", got, transport.StateConnected)
	}
}

func TestTypingAndThinkingEvents_ToggleView(t *testing.T) {
	a, b := newFixture()

	b.Emit(bus.EventTypingStart, nil)
	if !a.Snapshot().Typing {
		t.Fatal("expected Typing to be true after typing:start")
	}
	b.Emit(bus.EventTypingStop, nil)
	if a.Snapshot().Typing {
		t.Fatal("expected Typing to be false after typing:stop")
	}

	b.Emit(bus.EventThinkingStart, nil)
	if !a.Snapshot().Thinking {
		t.Fatal("expected Thinking to be true after thinking:start")
	}
}

func TestErrorEvent_RecordsLastError(t *testing.T) {
	a, b := newFixture()
	wantErr := errors.New("boom")
	b.Emit(bus.EventError, wantErr)

	if got := a.Snapshot().LastError; got == nil || got.Error() != "boom" {
		t.Fatalf("LastError = %v, want %v", got, wantErr)
	}
}

func TestSessionRestoredAndCleared_UpdateView(t *testing.T) {
	a, b := newFixture()
	sess := &session.Session{ID: "1@host"}
	b.Emit(bus.EventSessionRestored, sess)

	if got := a.Snapshot().Session; got == nil || got.ID != "1@host" {
		t.Fatalf("Session = %+v, want id 1@host", got)
	}

	b.Emit(bus.EventSessionCleared, nil)
	if got := a.Snapshot().Session; got != nil {
		t.Fatalf("expected Session to be nil after session:cleared, got %+v", got)
	}
}

func TestSetContext_UpdatesViewAndEmits(t *testing.T) {
	a, b := newFixture()
	var got string
	b.Subscribe(bus.EventContextChanged, func(p interface{}) {
		if s, ok := p.(string); ok {
			got = s
		}
	})

	a.SetContext("checkout")
	if a.Snapshot().Context != "checkout" {
		t.Fatalf("Context = %q, want %q", a.Snapshot().Context, "checkout")
	}
	if got != "checkout" {
		t.Fatalf("expected context:changed payload %q, got %q", "checkout", got)
	}
}

func TestClearMessagesAndRemoveMessage(t *testing.T) {
	a, b := newFixture()
	b.Emit(bus.EventMessageProcessed, message.Message{ID: "a", Text: "one"})
	b.Emit(bus.EventMessageProcessed, message.Message{ID: "b", Text: "two"})

	if len(a.Snapshot().Messages) != 2 {
		t.Fatalf("expected 2 messages before removal, got %d", len(a.Snapshot().Messages))
	}

	a.RemoveMessage("a")
	view := a.Snapshot()
	if len(view.Messages) != 1 || view.Messages[0].ID != "b" {
		t.Fatalf("expected only message \"b\" to remain, got %+v", view.Messages)
	}

	a.ClearMessages()
	if len(a.Snapshot().Messages) != 0 {
		t.Fatal("expected ClearMessages to empty the message list")
	}
}

func TestMessageUpdated_PatchesExistingMessageByID(t *testing.T) {
	a, b := newFixture()
	b.Emit(bus.EventMessageProcessed, message.Message{ID: "msg_A", Text: "", Status: message.StatusStreaming})
	b.Emit(bus.EventMessageUpdated, stream.Update{ID: "msg_A", Text: "Hi there", Status: message.StatusDelivered, Timestamp: 123})

	view := a.Snapshot()
	if len(view.Messages) != 1 {
		t.Fatalf("expected exactly one message, got %d", len(view.Messages))
	}
	if view.Messages[0].Text != "Hi there" || view.Messages[0].Status != message.StatusDelivered {
		t.Fatalf("message not patched, got %+v", view.Messages[0])
	}
}

func TestStateChanged_EmittedOnEveryMutation(t *testing.T) {
	a, b := newFixture()
	count := 0
	b.Subscribe(bus.EventStateChanged, func(interface{}) { count++ })

	a.SetContext("a")
	a.SetContext("b")
	if count != 2 {
		t.Fatalf("expected state:changed to fire once per mutation, got %d", count)
	}
}

func TestReset_ClearsEntireView(t *testing.T) {
	a, b := newFixture()
	b.Emit(bus.EventMessageProcessed, message.Message{ID: "a", Text: "one"})
	a.SetContext("checkout")

	resetFired := false
	b.Subscribe(bus.EventStateReset, func(interface{}) { resetFired = true })

	a.Reset()
	view := a.Snapshot()
	if len(view.Messages) != 0 || view.Context != "" {
		t.Fatalf("expected Reset to zero the view, got %+v", view)
	}
	if !resetFired {
		t.Fatal("expected state:reset to be emitted")
	}
}

func TestSnapshot_ReturnsDefensiveCopy(t *testing.T) {
	a, b := newFixture()
	b.Emit(bus.EventMessageProcessed, message.Message{ID: "a", Text: "one"})

	snap := a.Snapshot()
	snap.Messages[0].Text = "mutated"

	again := a.Snapshot()
	if again.Messages[0].Text == "mutated" {
		t.Fatal("mutating a snapshot must not affect the aggregator's internal state")
	}
}
