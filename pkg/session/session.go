// Package session implements the Session Engine (spec §4.3): identity
// generation, persistence across restarts, freshness/timeout rules, and
// the conversation log attached to the identity. Grounded on the
// teacher's usage.Store (load-on-construct, save-on-mutation JSON
// lifecycle) and attachments.Store (regex-validated, prefixed record ids).
package session

import (
	"fmt"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"github.com/weni/webchat-core/pkg/bus"
	"github.com/weni/webchat-core/pkg/errs"
	"github.com/weni/webchat-core/pkg/logger"
	"github.com/weni/webchat-core/pkg/message"
	"github.com/weni/webchat-core/pkg/store"
	"github.com/weni/webchat-core/pkg/timer"
)

// idPattern is the session id format invariant from spec §3:
// "<positive-integer>@<host-string>".
var idPattern = regexp.MustCompile(`^\d+@.+$`)

// ValidID reports whether id matches the required session id format.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

const storeKey = "session"

// Session is the persisted identity and conversation log described in
// spec §3. The Session Engine is its sole owner; other components read it
// only through Engine's accessors.
type Session struct {
	ID                string            `json:"id"`
	CreatedAt         int64             `json:"createdAt"`
	LastActivity      int64             `json:"lastActivity"`
	LastMessageSentAt *int64            `json:"lastMessageSentAt,omitempty"`
	Metadata          map[string]string `json:"metadata"`
	Conversation      []message.Message `json:"conversation"`
}

// Config configures the Session Engine's timing and identity defaults
// (spec §6).
type Config struct {
	ClientID       string
	Host           string
	CacheTimeout   time.Duration
	ContactTimeout time.Duration
}

// Engine is the Session Engine. One Engine owns at most one live Session
// at a time (spec §4.3 invariant).
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	store   *store.Store
	bus     *bus.Bus
	session *Session
	timers  *timer.Group
}

// New constructs a Session Engine against store for persistence and bus
// for session-changed signals.
func New(cfg Config, st *store.Store, b *bus.Bus) *Engine {
	return &Engine{
		cfg:    cfg,
		store:  st,
		bus:    b,
		timers: timer.NewGroup(),
	}
}

func (e *Engine) hostSuffix() string {
	if e.cfg.ClientID != "" {
		return e.cfg.ClientID
	}
	return e.cfg.Host
}

// GetOrCreate returns the existing in-memory session id, else loads from
// the store if format-valid and not expired, else creates a new session
// (spec §4.3).
func (e *Engine) GetOrCreate() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil {
		e.touchLocked()
		return e.session.ID
	}

	if loaded := e.loadLocked(); loaded != nil {
		e.session = loaded
		e.armCacheTimeoutLocked()
		return e.session.ID
	}

	return e.createNewSessionLocked().ID
}

// CreateNewSession generates a fresh session id and conversation log,
// discarding any previously loaded session (spec §4.3).
func (e *Engine) CreateNewSession() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.createNewSessionLocked()
}

func (e *Engine) createNewSessionLocked() *Session {
	now := time.Now().UnixMilli()
	id := fmt.Sprintf("%d@%s", int64(rand.Float64()*float64(now)), e.hostSuffix())
	s := &Session{
		ID:           id,
		CreatedAt:    now,
		LastActivity: now,
		Metadata:     make(map[string]string),
		Conversation: make([]message.Message, 0),
	}
	e.session = s
	e.persistLocked()
	e.armCacheTimeoutLocked()
	return s
}

// Restore reloads the session from the store, synchronously, and, if a
// prior LastMessageSentAt exists, re-arms the contact-timeout check
// (spec §4.3).
func (e *Engine) Restore() {
	e.mu.Lock()
	defer e.mu.Unlock()

	loaded := e.loadLocked()
	if loaded == nil {
		return
	}
	e.session = loaded
	e.armCacheTimeoutLocked()
	if loaded.LastMessageSentAt != nil {
		e.armContactTimeoutLocked(*loaded.LastMessageSentAt)
	}
	e.bus.Emit(bus.EventSessionRestored, e.snapshotLocked())
}

func (e *Engine) loadLocked() *Session {
	var s Session
	ok, err := e.store.Get(storeKey, &s)
	if err != nil {
		logger.WarnCF(logger.ComponentSession, "failed to load session", map[string]interface{}{"error": err.Error()})
		return nil
	}
	if !ok {
		return nil
	}
	if !ValidID(s.ID) {
		logger.WarnCF(logger.ComponentSession, "discarding malformed persisted session", map[string]interface{}{"id": s.ID})
		return nil
	}
	if e.cfg.CacheTimeout > 0 && time.Since(time.UnixMilli(s.LastActivity)) > e.cfg.CacheTimeout {
		logger.WarnCF(logger.ComponentSession, "discarding expired persisted session", map[string]interface{}{"id": s.ID})
		return nil
	}
	return &s
}

// SetLastMessageSentAt records t and (re)arms a single-shot timer firing
// at t+contactTimeout, emitting EventContactTimeoutMaximumReached
// (spec §4.3). Rescheduling replaces any previously armed timer.
func (e *Engine) SetLastMessageSentAt(t int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return
	}
	e.session.LastMessageSentAt = &t
	e.persistLocked()
	e.armContactTimeoutLocked(t)
}

func (e *Engine) armContactTimeoutLocked(sentAt int64) {
	fireAt := time.UnixMilli(sentAt).Add(e.cfg.ContactTimeout)
	wait := time.Until(fireAt)
	if wait < 0 {
		wait = 0
	}
	e.timers.Arm("contact", wait, func() {
		e.bus.Emit(bus.EventContactTimeoutMaximumReached, nil)
	})
}

func (e *Engine) armCacheTimeoutLocked() {
	if e.cfg.CacheTimeout <= 0 {
		return
	}
	e.timers.Arm("cache", e.cfg.CacheTimeout, func() {
		e.Clear()
	})
}

// SetSessionID validates the format of id; on an initialized system it
// clears the current session and binds to the new id (spec §4.3).
func (e *Engine) SetSessionID(id string) error {
	if !ValidID(id) {
		return errs.NewValidationError("sessionId", "must match ^\\d+@.+$")
	}

	e.mu.Lock()
	now := time.Now().UnixMilli()
	e.clearLocked()
	e.session = &Session{
		ID:           id,
		CreatedAt:    now,
		LastActivity: now,
		Metadata:     make(map[string]string),
		Conversation: make([]message.Message, 0),
	}
	e.persistLocked()
	e.armCacheTimeoutLocked()
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.bus.Emit(bus.EventSessionRestored, snapshot)
	return nil
}

// AppendOptions configures AppendToConversation.
type AppendOptions struct {
	// Limit caps the conversation log length; oldest entries are dropped
	// once exceeded. Zero means unbounded.
	Limit int
}

// AppendToConversation appends msg to the live session's conversation log
// and persists the session.
func (e *Engine) AppendToConversation(msg message.Message, opts AppendOptions) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return
	}
	e.session.Conversation = append(e.session.Conversation, msg)
	if opts.Limit > 0 && len(e.session.Conversation) > opts.Limit {
		overflow := len(e.session.Conversation) - opts.Limit
		e.session.Conversation = e.session.Conversation[overflow:]
	}
	e.touchLocked()
	e.persistLocked()
}

// SetConversation replaces the live session's conversation log wholesale
// (used when restoring history from the remote service).
func (e *Engine) SetConversation(list []message.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return
	}
	e.session.Conversation = list
	e.touchLocked()
	e.persistLocked()
}

// UpdateConversation patches the message with the given id via patch,
// which receives a pointer to the stored message and mutates it in
// place. It is a no-op if no message matches id.
func (e *Engine) UpdateConversation(id string, patch func(*message.Message)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return
	}
	for i := range e.session.Conversation {
		if e.session.Conversation[i].ID == id {
			patch(&e.session.Conversation[i])
			e.touchLocked()
			e.persistLocked()
			return
		}
	}
}

// GetConversation returns a defensive copy of the live session's
// conversation log, or nil if there is no live session.
func (e *Engine) GetConversation() []message.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	e.touchLocked()
	out := make([]message.Message, len(e.session.Conversation))
	copy(out, e.session.Conversation)
	return out
}

// Clear drops the in-memory session, removes the persisted entry, and
// cancels every armed timer (spec §4.3).
func (e *Engine) Clear() {
	e.mu.Lock()
	e.clearLocked()
	e.mu.Unlock()
	e.bus.Emit(bus.EventSessionCleared, nil)
}

func (e *Engine) clearLocked() {
	e.session = nil
	e.timers.CancelAll()
	if err := e.store.Remove(storeKey); err != nil {
		logger.WarnCF(logger.ComponentSession, "failed to remove persisted session", map[string]interface{}{"error": err.Error()})
	}
}

// Snapshot returns a defensive copy of the live session, or nil.
func (e *Engine) Snapshot() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() *Session {
	if e.session == nil {
		return nil
	}
	cp := *e.session
	cp.Conversation = make([]message.Message, len(e.session.Conversation))
	copy(cp.Conversation, e.session.Conversation)
	cp.Metadata = make(map[string]string, len(e.session.Metadata))
	for k, v := range e.session.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

func (e *Engine) touchLocked() {
	if e.session != nil {
		e.session.LastActivity = time.Now().UnixMilli()
	}
}

func (e *Engine) persistLocked() {
	if e.session == nil {
		return
	}
	if err := e.store.Set(storeKey, e.session); err != nil {
		logger.WarnCF(logger.ComponentSession, "failed to persist session", map[string]interface{}{"error": err.Error()})
	}
}

// Destroy cancels every timer owned by the engine, making it inert.
func (e *Engine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timers.CancelAll()
}
