// Package store implements the Persistent Store (spec §4.1): namespaced
// versioned key/value blobs with migration hooks and quota recovery. It is
// grounded on the teacher's attachments.Store and usage.Store, which persist
// JSON state with a tmp-file-then-rename write and tolerate a missing or
// corrupt file on load.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/weni/webchat-core/pkg/errs"
	"github.com/weni/webchat-core/pkg/logger"
)

// KeyPrefix is prepended transparently to every key (spec §6: "All keys are
// prefixed weni:webchat:").
const KeyPrefix = "weni:webchat:"

// SchemaVersion is the current envelope schema version. Bump this and add a
// case to the default migration chain when the envelope shape changes.
const SchemaVersion = 1

// Backend is the minimal persistence surface a Store needs. FileBackend
// keeps every entry in a single JSON file on disk; MemoryBackend keeps
// them in process memory. The caller passes the backend to New; the Store
// does not pick one from the `storage` option itself.
type Backend interface {
	Load() (map[string]envelope, error)
	Save(map[string]envelope) error
}

// envelope wraps every persisted value, per spec §4.1.
type envelope struct {
	Version   int             `json:"version"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// MigrationFunc upgrades a raw envelope payload from an older schema
// version to the current one. The default is a no-op; a real schema bump
// registers a chain of these via WithMigration.
type MigrationFunc func(fromVersion int, data json.RawMessage) (json.RawMessage, error)

// Store is the namespaced key/value façade described in spec §4.1.
type Store struct {
	mu        sync.Mutex
	backend   Backend
	data      map[string]envelope
	migration MigrationFunc
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithMigration installs a non-default migration hook.
func WithMigration(fn MigrationFunc) Option {
	return func(s *Store) { s.migration = fn }
}

// New constructs a Store backed by backend, loading any existing state.
// Load failures are logged and treated as an empty store (spec §4.1:
// "Failures to parse must never throw; they return a null result").
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:   backend,
		data:      make(map[string]envelope),
		migration: noopMigration,
	}
	for _, opt := range opts {
		opt(s)
	}

	loaded, err := backend.Load()
	if err != nil {
		logger.WarnCF("store", "failed to load persistent store, starting empty", map[string]interface{}{
			"error": err.Error(),
		})
		return s
	}
	s.data = loaded
	return s
}

func noopMigration(_ int, data json.RawMessage) (json.RawMessage, error) {
	return data, nil
}

func namespaced(key string) string {
	if strings.HasPrefix(key, KeyPrefix) {
		return key
	}
	return KeyPrefix + key
}

// Get unwraps the envelope at key into out. It returns (false, nil) if the
// key is absent, and (false, nil) - never an error - if the stored value
// fails to parse; such failures are logged, not thrown (spec §4.1).
func (s *Store) Get(key string, out interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, ok := s.data[namespaced(key)]
	if !ok {
		return false, nil
	}

	data := env.Data
	if env.Version != SchemaVersion {
		migrated, err := s.migration(env.Version, env.Data)
		if err != nil {
			logger.WarnCF("store", "migration failed, dropping entry", map[string]interface{}{
				"key": key, "error": err.Error(),
			})
			return false, nil
		}
		data = migrated
	}

	if err := json.Unmarshal(data, out); err != nil {
		logger.WarnCF("store", "failed to parse stored value, dropping entry", map[string]interface{}{
			"key": key, "error": err.Error(),
		})
		return false, nil
	}
	return true, nil
}

// Set wraps value in a fresh envelope and persists it under key. On quota
// exhaustion the store evicts the oldest 25% of entries (by envelope
// timestamp) and retries the write once, per spec §4.1.
func (s *Store) Set(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errs.NewStorageError("set", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	env := envelope{Version: SchemaVersion, Timestamp: time.Now().UnixMilli(), Data: raw}
	s.data[namespaced(key)] = env

	if err := s.backend.Save(s.data); err != nil {
		if !isQuotaError(err) {
			return errs.NewStorageError("set", key, err)
		}
		s.evictOldestLocked(0.25)
		if err := s.backend.Save(s.data); err != nil {
			return errs.NewStorageError("set", key, err)
		}
	}
	return nil
}

// Remove deletes key, if present.
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, namespaced(key))
	if err := s.backend.Save(s.data); err != nil {
		return errs.NewStorageError("remove", key, err)
	}
	return nil
}

// Clear removes every namespaced entry.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.data {
		if strings.HasPrefix(k, KeyPrefix) {
			delete(s.data, k)
		}
	}
	if err := s.backend.Save(s.data); err != nil {
		return errs.NewStorageError("clear", "", err)
	}
	return nil
}

// Has reports whether key is present.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[namespaced(key)]
	return ok
}

// Keys returns every namespaced key currently stored, with the prefix
// stripped.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, KeyPrefix) {
			out = append(out, strings.TrimPrefix(k, KeyPrefix))
		}
	}
	sort.Strings(out)
	return out
}

// Size returns the number of namespaced entries.
func (s *Store) Size() int {
	return len(s.Keys())
}

func (s *Store) evictOldestLocked(fraction float64) {
	type kv struct {
		key string
		ts  int64
	}
	entries := make([]kv, 0, len(s.data))
	for k, v := range s.data {
		if strings.HasPrefix(k, KeyPrefix) {
			entries = append(entries, kv{k, v.Timestamp})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ts < entries[j].ts })

	evictCount := int(float64(len(entries)) * fraction)
	if evictCount == 0 && len(entries) > 0 {
		evictCount = 1
	}
	for i := 0; i < evictCount && i < len(entries); i++ {
		delete(s.data, entries[i].key)
	}
	logger.WarnCF("store", "evicted entries to recover quota", map[string]interface{}{
		"evicted": evictCount, "remaining": len(s.data),
	})
}

// QuotaError marks a Backend.Save failure caused by exhausted storage quota
// (e.g. the browser-style localStorage quota the spec's source platform
// enforces). A Backend implementation returns this instead of a generic
// error so Store knows to evict and retry.
type QuotaError struct{ Err error }

func (e *QuotaError) Error() string { return "store: quota exceeded: " + e.Err.Error() }
func (e *QuotaError) Unwrap() error { return e.Err }

func isQuotaError(err error) bool {
	_, ok := err.(*QuotaError)
	return ok
}

// FileBackend persists the whole namespaced keyspace as one JSON file,
// written via a tmp-file-then-rename swap — the same durability pattern as
// the teacher's attachments.Store.saveLocked and usage.Store.save.
type FileBackend struct {
	Path string
}

// NewFileBackend returns a Backend rooted at path, creating its parent
// directory.
func NewFileBackend(path string) *FileBackend {
	_ = os.MkdirAll(filepath.Dir(path), 0755)
	return &FileBackend{Path: path}
}

func (b *FileBackend) Load() (map[string]envelope, error) {
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]envelope), nil
		}
		return nil, err
	}
	var out map[string]envelope
	if err := json.Unmarshal(data, &out); err != nil {
		// Corrupt file: treat as empty rather than failing the caller.
		return make(map[string]envelope), nil
	}
	if out == nil {
		out = make(map[string]envelope)
	}
	return out, nil
}

func (b *FileBackend) Save(entries map[string]envelope) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, b.Path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// MemoryBackend is an in-memory Backend for tests and for the `storage:
// session` config option (process-lifetime only persistence).
type MemoryBackend struct {
	mu   sync.Mutex
	data map[string]envelope
}

// NewMemoryBackend returns an empty in-memory Backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]envelope)}
}

func (b *MemoryBackend) Load() (map[string]envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]envelope, len(b.data))
	for k, v := range b.data {
		out[k] = v
	}
	return out, nil
}

func (b *MemoryBackend) Save(entries map[string]envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]envelope, len(entries))
	for k, v := range entries {
		out[k] = v
	}
	b.data = out
	return nil
}
