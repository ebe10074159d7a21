// Package aggregator implements the State Aggregator (spec §4.6): the
// canonical in-memory view of the conversation, wired to the other three
// engines. Grounded on the teacher's failover.Manager — a mutex-guarded
// materialized state struct with a defensive-copy Snapshot() — generalized
// from a model-routing decision record to the webchat view.
package aggregator

import (
	"sync"

	"github.com/weni/webchat-core/pkg/bus"
	"github.com/weni/webchat-core/pkg/message"
	"github.com/weni/webchat-core/pkg/session"
	"github.com/weni/webchat-core/pkg/stream"
	"github.com/weni/webchat-core/pkg/transport"
)

// View is the canonical in-memory state the Aggregator maintains
// (spec §4.6): the message list, session snapshot, connection state,
// context string, indicator flags, and last error.
type View struct {
	Messages         []message.Message
	Session          *session.Session
	ConnectionStatus transport.State
	Context          string
	Typing           bool
	Thinking         bool
	LastError        error
}

// StateChanged is the payload of bus.EventStateChanged: the view before and
// after a mutation.
type StateChanged struct {
	Old View
	New View
}

// Aggregator holds the canonical view and wires the Connection Engine,
// Streaming Message Processor, and Session Engine together (spec §4.6's
// final paragraph).
type Aggregator struct {
	bus *bus.Bus

	mu   sync.Mutex
	view View
}

// New constructs an Aggregator and subscribes it to the bus events that
// drive its view: inbound frames are forwarded into proc, proc's outputs
// update the message log and are persisted through sess, and transport
// transitions are mirrored into the view.
func New(b *bus.Bus, sess *session.Engine, tr *transport.Engine, proc *stream.Processor) *Aggregator {
	a := &Aggregator{bus: b}
	a.view.ConnectionStatus = tr.State()

	b.Subscribe(bus.EventMessageReceived, func(payload interface{}) {
		frame, ok := payload.(transport.Frame)
		if !ok {
			return
		}
		proc.HandleFrame(frame.Raw)
	})

	b.Subscribe(bus.EventMessageProcessed, func(payload interface{}) {
		msg, ok := payload.(message.Message)
		if !ok {
			return
		}
		a.addMessage(msg)
		sess.AppendToConversation(msg, session.AppendOptions{})
	})

	b.Subscribe(bus.EventMessageUpdated, func(payload interface{}) {
		upd, ok := payload.(stream.Update)
		if !ok {
			return
		}
		a.updateMessage(upd.ID, func(m *message.Message) {
			m.Text = upd.Text
			m.Status = upd.Status
			m.Timestamp = upd.Timestamp
		})
		sess.UpdateConversation(upd.ID, func(m *message.Message) {
			m.Text = upd.Text
			m.Status = upd.Status
			m.Timestamp = upd.Timestamp
		})
	})

	b.Subscribe(bus.EventConnectionStatusChanged, func(payload interface{}) {
		transition, ok := payload.(map[string]transport.State)
		if !ok {
			return
		}
		a.setConnectionStatus(transition["to"])
	})

	b.Subscribe(bus.EventTypingStart, func(interface{}) { a.setTyping(true) })
	b.Subscribe(bus.EventTypingStop, func(interface{}) { a.setTyping(false) })
	b.Subscribe(bus.EventThinkingStart, func(interface{}) { a.setThinking(true) })
	b.Subscribe(bus.EventThinkingStop, func(interface{}) { a.setThinking(false) })

	b.Subscribe(bus.EventError, func(payload interface{}) {
		if err, ok := payload.(error); ok {
			a.setError(err)
		}
	})

	b.Subscribe(bus.EventSessionRestored, func(payload interface{}) {
		snap, ok := payload.(*session.Session)
		if !ok {
			return
		}
		a.setSession(snap)
	})

	b.Subscribe(bus.EventSessionCleared, func(interface{}) {
		a.setSession(nil)
	})

	return a
}

// Snapshot returns a defensive copy of the current view, safe for
// diagnostics and tests (mirrors failover.Manager.Snapshot's posture of
// returning a value, not a pointer into live state).
func (a *Aggregator) Snapshot() View {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyView(a.view)
}

func copyView(v View) View {
	cp := v
	cp.Messages = make([]message.Message, len(v.Messages))
	copy(cp.Messages, v.Messages)
	if v.Session != nil {
		s := *v.Session
		cp.Session = &s
	}
	return cp
}

func (a *Aggregator) mutate(fn func(v *View)) {
	a.mu.Lock()
	old := copyView(a.view)
	fn(&a.view)
	newView := copyView(a.view)
	a.mu.Unlock()

	a.bus.Emit(bus.EventStateChanged, StateChanged{Old: old, New: newView})
}

// addMessage appends msg to the view's message list.
func (a *Aggregator) addMessage(msg message.Message) {
	a.mutate(func(v *View) {
		v.Messages = append(v.Messages, msg)
	})
	a.bus.Emit(bus.EventMessageAdded, msg)
}

// updateMessage applies patch to the message matching id, a no-op if none
// matches (spec §4.6). The bus's own message:updated event already carries
// the richer stream.Update payload from the Processor; the view mutation
// only needs to surface on state:changed.
func (a *Aggregator) updateMessage(id string, patch func(*message.Message)) {
	a.mutate(func(v *View) {
		for i := range v.Messages {
			if v.Messages[i].ID == id {
				patch(&v.Messages[i])
				return
			}
		}
	})
}

// removeMessage drops the message matching id from the view.
func (a *Aggregator) removeMessage(id string) {
	a.mutate(func(v *View) {
		out := v.Messages[:0]
		for _, m := range v.Messages {
			if m.ID != id {
				out = append(out, m)
			}
		}
		v.Messages = out
	})
	a.bus.Emit(bus.EventMessageRemoved, id)
}

// clearMessages empties the message list while preserving the session
// (spec §4.6).
func (a *Aggregator) clearMessages() {
	a.mutate(func(v *View) {
		v.Messages = nil
	})
	a.bus.Emit(bus.EventMessagesCleared, nil)
}

func (a *Aggregator) setConnectionStatus(s transport.State) {
	a.mutate(func(v *View) {
		v.ConnectionStatus = s
	})
}

func (a *Aggregator) setSession(s *session.Session) {
	a.mutate(func(v *View) {
		v.Session = s
	})
}

// SetContext updates the view's free-form context string.
func (a *Aggregator) SetContext(ctx string) {
	a.mutate(func(v *View) {
		v.Context = ctx
	})
	a.bus.Emit(bus.EventContextChanged, ctx)
}

func (a *Aggregator) setTyping(active bool) {
	a.mutate(func(v *View) {
		v.Typing = active
	})
}

func (a *Aggregator) setThinking(active bool) {
	a.mutate(func(v *View) {
		v.Thinking = active
	})
}

func (a *Aggregator) setError(err error) {
	a.mutate(func(v *View) {
		v.LastError = err
	})
}

// ClearMessages is the exported form of clearMessages, for callers outside
// the package (e.g. a "clear chat" UI action).
func (a *Aggregator) ClearMessages() { a.clearMessages() }

// RemoveMessage is the exported form of removeMessage.
func (a *Aggregator) RemoveMessage(id string) { a.removeMessage(id) }

// Reset drops every field in the view back to its zero value (spec §4.6:
// "reset drops everything to defaults"), unlike clearMessages which
// preserves the session.
func (a *Aggregator) Reset() {
	a.mutate(func(v *View) {
		*v = View{}
	})
	a.bus.Emit(bus.EventStateReset, nil)
}
