// Package state is the session registry: the single source of truth for
// which tunnels are currently live, which hosts entries belong to them, and
// what a later beam invocation needs to know to show or stop them.
//
// The in-memory map tracks tunnels owned by this process. Every mutation is
// mirrored to a sqlite checkpoint so `beam status` and `beam disconnect` run
// from a different process can see tunnels a still-running engine owns.
package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrAlreadyLive is returned by Register when the target already has a live
// tunnel recorded. Callers that lost an open race treat it as success.
var ErrAlreadyLive = errors.New("target already has a live tunnel")

// Entry ties together a target identity, its live tunnel and its hosts entry.
type Entry struct {
	Key        string    `json:"key"`
	Kind       string    `json:"kind"`
	AccountID  string    `json:"account_id"`
	Region     string    `json:"region"`
	Name       string    `json:"name"`
	Hostname   string    `json:"hostname"`
	HostsIP    string    `json:"hosts_ip"`
	LocalPort  int       `json:"local_port"`
	RemotePort int       `json:"remote_port"`
	SessionID  string    `json:"session_id"`
	PluginPID  int       `json:"plugin_pid"`
	OwnerPID   int       `json:"owner_pid"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the session state registry. All status/stop decisions read from
// it; nothing re-probes the OS for live tunnels.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	ckpt *checkpoint // nil for a purely in-memory store
}

// NewMemory returns a Store without a persistent checkpoint. Used in tests
// and wherever persistence is explicitly unwanted.
func NewMemory() *Store {
	return &Store{
		entries: make(map[string]*Entry),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Open returns a Store backed by a sqlite checkpoint at dbPath. The special
// path ":memory:" opens a throwaway database.
func Open(dbPath string) (*Store, error) {
	ckpt, err := openCheckpoint(dbPath)
	if err != nil {
		return nil, err
	}
	s := NewMemory()
	s.ckpt = ckpt
	return s, nil
}

// Close releases the checkpoint database, if any.
func (s *Store) Close() error {
	if s.ckpt == nil {
		return nil
	}
	return s.ckpt.close()
}

// Lock acquires the per-target mutex for key. Concurrent opens for the same
// target serialize here and fall into the idempotent path; different targets
// proceed independently.
func (s *Store) Lock(key string) {
	s.locksMu.Lock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	s.locksMu.Unlock()
	m.Lock()
}

// Unlock releases the per-target mutex for key.
func (s *Store) Unlock(key string) {
	s.locksMu.Lock()
	m, ok := s.locks[key]
	s.locksMu.Unlock()
	if ok {
		m.Unlock()
	}
}

// Register records a live tunnel. Registering a key that is already live is
// an error: the tunnel manager's idempotent path must have returned the
// existing tunnel instead.
func (s *Store) Register(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[e.Key]; exists {
		return fmt.Errorf("state: %s: %w", e.Key, ErrAlreadyLive)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.entries[e.Key] = &e

	if s.ckpt != nil {
		if err := s.ckpt.saveRecord(e); err != nil {
			delete(s.entries, e.Key)
			return err
		}
	}
	return nil
}

// Unregister removes a target's entry from the registry and the checkpoint.
// Unknown keys are a no-op.
func (s *Store) Unregister(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	if s.ckpt != nil {
		return s.ckpt.deleteRecord(key)
	}
	return nil
}

// Get returns the live entry for key, if any.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns all live entries owned by this process, ordered by key.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Persisted returns every checkpointed entry, including those owned by other
// processes. Returns nil for a memory-only store.
func (s *Store) Persisted() ([]Entry, error) {
	if s.ckpt == nil {
		return nil, nil
	}
	return s.ckpt.listRecords()
}

// DeletePersisted removes a checkpoint record without touching the in-memory
// registry. Used when cleaning up tunnels owned by a dead process.
func (s *Store) DeletePersisted(key string) error {
	if s.ckpt == nil {
		return nil
	}
	return s.ckpt.deleteRecord(key)
}

// GetSetting reads a value from the checkpoint settings table.
func (s *Store) GetSetting(key string) (string, error) {
	if s.ckpt == nil {
		return "", fmt.Errorf("state: no checkpoint database")
	}
	return s.ckpt.getSetting(key)
}

// SetSetting writes a value to the checkpoint settings table.
func (s *Store) SetSetting(key, value string) error {
	if s.ckpt == nil {
		return fmt.Errorf("state: no checkpoint database")
	}
	return s.ckpt.setSetting(key, value)
}
