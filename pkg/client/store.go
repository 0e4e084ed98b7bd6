package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ActionStore persists the action list between app launches.
type ActionStore interface {
	Load() ([]Action, error)
	Save(actions []Action) error
}

// FileStore keeps the whole action list in one JSON file. The list is
// small (bounded by MAX_RETRIES churn), so whole-file rewrites are
// cheaper than a real database on the device.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store backed by path. Parent directories are
// created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the action list. A missing file is an empty queue.
func (s *FileStore) Load() ([]Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read action queue file: %w", err)
	}

	var actions []Action
	if err := json.Unmarshal(data, &actions); err != nil {
		return nil, fmt.Errorf("failed to parse action queue file: %w", err)
	}
	return actions, nil
}

// Save atomically replaces the action list on disk. A temp file plus
// rename keeps a crash mid-write from corrupting the queue.
func (s *FileStore) Save(actions []Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create action queue directory: %w", err)
	}

	data, err := json.MarshalIndent(actions, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode action queue: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write action queue file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace action queue file: %w", err)
	}
	return nil
}

// MemoryStore is an in-memory ActionStore for tests.
type MemoryStore struct {
	mu      sync.Mutex
	actions []Action
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a copy of the stored list.
func (s *MemoryStore) Load() ([]Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Action, len(s.actions))
	copy(out, s.actions)
	return out, nil
}

// Save replaces the stored list.
func (s *MemoryStore) Save(actions []Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = make([]Action, len(actions))
	copy(s.actions, actions)
	return nil
}
