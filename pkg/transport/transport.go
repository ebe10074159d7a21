// Package transport implements the Connection Engine (spec §4.4): the
// transport finite-state machine, registration handshake, keep-alive, and
// exponential-backoff reconnection. Grounded on the teacher's channel
// Start/Stop/Send/running-flag shape (pkg/channels/qq.go,
// pkg/channels/telegram.go) generalized from a bot-gateway channel to a
// single persistent gorilla/websocket connection, with reconnect driven by
// pkg/retry instead of the teacher's failover probe loop.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weni/webchat-core/pkg/bus"
	"github.com/weni/webchat-core/pkg/errs"
	"github.com/weni/webchat-core/pkg/logger"
	"github.com/weni/webchat-core/pkg/retry"
	"github.com/weni/webchat-core/pkg/timer"
)

// State is one of the five Connection Engine states (spec §4.4).
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// RegistrationData is replayed on every (re)connect to rebuild the
// register frame (spec §4.4).
type RegistrationData struct {
	SessionID   string
	ChannelUUID string
	Host        string
	SessionType string // "local" | "session"
	Token       string
}

// Config configures the Connection Engine (spec §6).
type Config struct {
	SocketURL            string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectFactor      float64
	ReconnectJitter      bool
	ReconnectMaxJitter   time.Duration
	PingInterval         time.Duration
}

// Frame is a generic inbound frame forwarded to the bus for anything the
// engine itself does not swallow (pong/ready_for_message/error handling).
// Downstream consumers (the Streaming Message Processor, by way of the
// State Aggregator) re-parse Raw according to spec §4.5.1's classification
// rules.
type Frame struct {
	Type string
	Raw  json.RawMessage
}

// Engine is the Connection Engine.
type Engine struct {
	cfg    Config
	bus    *bus.Bus
	retry  *retry.Policy
	timers *timer.Group

	mu           sync.Mutex
	conn         *websocket.Conn
	writeMu      sync.Mutex
	state        State
	isRegistered bool
	regData      RegistrationData
	reconnects   int
	permanent    bool

	connectWaiters []chan error
	openListeners  []func(error)
}

// New constructs a Connection Engine. retryPolicy governs reconnect
// backoff (spec §4.2/§4.4); callers typically build it from the same
// Config via NewRetryPolicy.
func New(cfg Config, b *bus.Bus, retryPolicy *retry.Policy) *Engine {
	return &Engine{
		cfg:    cfg,
		bus:    b,
		retry:  retryPolicy,
		timers: timer.NewGroup(),
		state:  StateDisconnected,
	}
}

// NewRetryPolicy builds the Retry Policy spec §4.4 drives reconnection
// with, from the engine's own Config.
func NewRetryPolicy(cfg Config) *retry.Policy {
	return retry.New(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay, cfg.ReconnectFactor, cfg.ReconnectJitter, cfg.ReconnectMaxJitter)
}

// State returns the current FSM state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	old := e.state
	e.state = s
	e.mu.Unlock()
	if old == s {
		return
	}
	e.bus.Emit(bus.EventConnectionStatusChanged, map[string]State{"from": old, "to": s})
	switch s {
	case StateConnected:
		e.bus.Emit(bus.EventConnected, nil)
	case StateDisconnected:
		e.bus.Emit(bus.EventDisconnected, nil)
	case StateReconnecting:
		e.bus.Emit(bus.EventReconnecting, map[string]int{"attempt": e.ReconnectAttempts()})
	}
}

// ReconnectAttempts returns the current reconnect attempt counter.
func (e *Engine) ReconnectAttempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reconnects
}

// IsRegistered reports whether the register frame has been sent and
// acknowledged on the current socket.
func (e *Engine) IsRegistered() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isRegistered
}

// Connect opens the transport and performs the registration handshake,
// blocking until the server's ready_for_message frame arrives, the
// context is cancelled, or the connection fails (spec §4.4: "disconnected
// -> connecting on connect(registrationData)").
func (e *Engine) Connect(ctx context.Context, reg RegistrationData) error {
	e.mu.Lock()
	e.regData = reg
	e.permanent = false
	e.state = StateConnecting
	waiter := make(chan error, 1)
	e.connectWaiters = append(e.connectWaiters, waiter)
	e.mu.Unlock()

	go e.dial(ctx)

	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) dial(ctx context.Context) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, e.cfg.SocketURL, nil)
	if err != nil {
		e.setState(StateError)
		e.failConnectWaiters(errs.NewTransportError("dial", err))
		e.maybeReconnect(ctx, true)
		return
	}

	e.mu.Lock()
	e.conn = conn
	e.isRegistered = false
	e.mu.Unlock()

	e.sendRegister()
	go e.readPump(ctx)
}

func (e *Engine) sendRegister() {
	e.mu.Lock()
	reg := e.regData
	e.mu.Unlock()

	callback := fmt.Sprintf("%s/c/wwc/%s/receive", reg.Host, reg.ChannelUUID)
	frame := map[string]interface{}{
		"type":         "register",
		"from":         reg.SessionID,
		"callback":     callback,
		"session_type": reg.SessionType,
	}
	if reg.Token != "" {
		frame["token"] = reg.Token
	}
	if err := e.writeJSON(frame); err != nil {
		logger.WarnCF(logger.ComponentTransport, "failed to send register frame", map[string]interface{}{"error": err.Error()})
	}
}

func (e *Engine) readPump(ctx context.Context) {
	for {
		e.mu.Lock()
		conn := e.conn
		e.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			e.onClose(ctx)
			return
		}
		e.dispatch(data)
	}
}

func (e *Engine) dispatch(data []byte) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		e.bus.Emit(bus.EventError, errs.NewTransportError("parse", err))
		return
	}

	switch probe.Type {
	case "pong":
		return
	case "ready_for_message":
		e.onReadyForMessage()
		return
	case "error":
		e.onErrorFrame(data)
		return
	}

	e.bus.Emit(bus.EventMessageReceived, Frame{Type: probe.Type, Raw: data})
}

func (e *Engine) onReadyForMessage() {
	e.mu.Lock()
	e.reconnects = 0
	e.isRegistered = true
	e.mu.Unlock()
	e.retry.Reset()
	e.setState(StateConnected)
	e.armPing()
	e.resolveConnectWaiters(nil)
}

func (e *Engine) onErrorFrame(data []byte) {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(data, &payload)

	lowered := strings.ToLower(payload.Error)
	if strings.Contains(lowered, "unable to register") || strings.Contains(lowered, "already exists") {
		e.mu.Lock()
		e.isRegistered = false
		e.mu.Unlock()
	}
	e.bus.Emit(bus.EventError, errs.NewTransportError("server", fmt.Errorf("%s", payload.Error)))
}

func (e *Engine) onClose(ctx context.Context) {
	e.mu.Lock()
	wasConnected := e.state == StateConnected
	e.conn = nil
	e.isRegistered = false
	e.mu.Unlock()

	e.timers.Cancel("ping")
	e.setState(StateDisconnected)
	e.failConnectWaiters(errs.ErrTransportClosed)

	e.maybeReconnect(ctx, wasConnected)
}

func (e *Engine) maybeReconnect(ctx context.Context, wasConnected bool) {
	e.mu.Lock()
	permanent := e.permanent
	attempts := e.reconnects
	e.mu.Unlock()

	if permanent || !e.cfg.AutoReconnect || !wasConnected {
		return
	}
	if attempts >= e.cfg.MaxReconnectAttempts {
		return
	}

	e.mu.Lock()
	e.reconnects++
	e.mu.Unlock()
	e.setState(StateReconnecting)

	delay := e.retry.Next()
	e.timers.Arm("reconnect", delay, func() {
		e.setState(StateConnecting)
		e.dial(ctx)
	})
}

// Disconnect closes the transport. permanent forces autoReconnect off for
// the remainder of this Engine's lifetime (spec §4.4).
func (e *Engine) Disconnect(permanent bool) {
	e.mu.Lock()
	if permanent {
		e.permanent = true
	}
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()

	e.timers.Cancel("reconnect")
	e.timers.Cancel("ping")
	if conn != nil {
		_ = conn.Close()
	}
	e.setState(StateDisconnected)
}

// Destroy cancels every timer, drops pending connect waiters, and closes
// the socket, making the instance inert (spec §5).
func (e *Engine) Destroy() {
	e.Disconnect(true)
	e.timers.CancelAll()
	e.failConnectWaiters(errs.ErrTransportClosed)
}

func (e *Engine) armPing() {
	if e.cfg.PingInterval <= 0 {
		return
	}
	var tick func()
	tick = func() {
		if e.State() != StateConnected {
			return
		}
		_ = e.writeJSON(map[string]string{"type": "ping"})
		e.timers.Arm("ping", e.cfg.PingInterval, tick)
	}
	e.timers.Arm("ping", e.cfg.PingInterval, tick)
}

// Send serializes and writes frame. Send semantics follow spec §4.4: open
// socket sends immediately; a connecting socket queues the frame for
// delivery once open; a closed or absent socket fails with
// errs.ErrTransportClosed.
func (e *Engine) Send(frame interface{}) error {
	// The listener is attached under the same lock that reads the state, so
	// a dial failure or close cannot drain openListeners in between.
	done := make(chan error, 1)
	e.mu.Lock()
	state := e.state
	if state == StateConnecting {
		e.openListeners = append(e.openListeners, func(failErr error) {
			if failErr != nil {
				done <- failErr
				return
			}
			done <- e.writeJSON(frame)
		})
	}
	e.mu.Unlock()

	switch state {
	case StateConnected:
		if err := e.writeJSON(frame); err != nil {
			return errs.NewTransportError("send", err)
		}
		e.bus.Emit(bus.EventMessageSent, frame)
		return nil
	case StateConnecting:
		// spec §4.4: attach one-shot open/error/close listeners and send on
		// open; if the connection instead fails or closes before opening,
		// the listener must still be woken with an error rather than block
		// forever.
		err := <-done
		if err != nil {
			return errs.NewTransportError("send", err)
		}
		e.bus.Emit(bus.EventMessageSent, frame)
		return nil
	default:
		return errs.ErrTransportClosed
	}
}

func (e *Engine) writeJSON(v interface{}) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return errs.ErrTransportClosed
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (e *Engine) resolveConnectWaiters(err error) {
	e.mu.Lock()
	waiters := e.connectWaiters
	e.connectWaiters = nil
	listeners := e.openListeners
	e.openListeners = nil
	e.mu.Unlock()

	for _, w := range waiters {
		w <- err
	}
	for _, l := range listeners {
		l(nil)
	}
}

// failConnectWaiters wakes every blocked Connect and every blocked
// Send-while-connecting with err, so neither ever hangs past a dial
// failure, a close, or Destroy (spec §4.4's open/error/close listener
// triple).
func (e *Engine) failConnectWaiters(err error) {
	e.mu.Lock()
	waiters := e.connectWaiters
	e.connectWaiters = nil
	listeners := e.openListeners
	e.openListeners = nil
	e.mu.Unlock()
	for _, w := range waiters {
		w <- err
	}
	for _, l := range listeners {
		l(err)
	}
}
