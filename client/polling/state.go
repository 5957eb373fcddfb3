// Package polling implements the client-resident controller that tracks a
// generation job to its terminal outcome across restarts and backgrounding.
package polling

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// State is the controller's observable lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StatePolling   State = "polling"
	StateRetrying  State = "retrying"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimeout   State = "timeout"
)

// Terminal reports whether the controller will make no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimeout
}

// PollState is the resumable state persisted on every tick and deleted on
// any terminal outcome or explicit cancel.
type PollState struct {
	JobID      string    `json:"job_id"`
	SessionID  string    `json:"session_id"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Status     State     `json:"status"`
	Progress   int       `json:"progress"`
	RetryCount int       `json:"retry_count"`
}

// StateStore is scoped local key-value storage for poll state. Any store
// honoring read-on-construction and write-on-transition semantics works; an
// in-memory map is equivalent for non-UI hosts.
type StateStore interface {
	Get(key string) (*PollState, error)
	Put(key string, state *PollState) error
	Delete(key string) error
}

// =============================================================================
// In-memory state store
// =============================================================================

// MemoryStateStore keeps poll state in a map.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]*PollState
}

// NewMemoryStateStore creates an empty in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]*PollState)}
}

// Get returns the stored state for key, or nil.
func (s *MemoryStateStore) Get(key string) (*PollState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[key]
	if !ok {
		return nil, nil
	}
	cp := *state
	return &cp, nil
}

// Put stores state under key.
func (s *MemoryStateStore) Put(key string, state *PollState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *state
	s.states[key] = &cp
	return nil
}

// Delete removes the state under key.
func (s *MemoryStateStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, key)
	return nil
}

// =============================================================================
// File-backed state store
// =============================================================================

// FileStateStore persists poll state as one JSON file per key, for CLI and
// desktop hosts that outlive a process.
type FileStateStore struct {
	dir string
}

// NewFileStateStore creates the directory if needed.
func NewFileStateStore(dir string) (*FileStateStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStateStore{dir: dir}, nil
}

func (s *FileStateStore) path(key string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
	return filepath.Join(s.dir, safe+".json")
}

// Get returns the stored state for key, or nil when absent.
func (s *FileStateStore) Get(key string) (*PollState, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read poll state: %w", err)
	}

	var state PollState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse poll state: %w", err)
	}
	return &state, nil
}

// Put stores state under key.
func (s *FileStateStore) Put(key string, state *PollState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal poll state: %w", err)
	}
	if err := os.WriteFile(s.path(key), data, 0o644); err != nil {
		return fmt.Errorf("write poll state: %w", err)
	}
	return nil
}

// Delete removes the state under key.
func (s *FileStateStore) Delete(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete poll state: %w", err)
	}
	return nil
}
