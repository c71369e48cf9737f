package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/bitagent/bitagent/workflow"
)

// MemoryStore is an in-memory StateStore for development and testing.
// Snapshots are stored serialized so callers never share mutable state
// with the store.
type MemoryStore struct {
	snapshots map[string][]byte
	events    map[string][]Event
	closed    bool
	mu        sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string][]byte),
		events:    make(map[string][]Event),
	}
}

// Persist implements StateStore.
func (s *MemoryStore) Persist(_ context.Context, snap *workflow.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.snapshots[snap.ID] = data
	return nil
}

// Load implements StateStore.
func (s *MemoryStore) Load(_ context.Context, instanceID string) (*workflow.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	data, ok := s.snapshots[instanceID]
	if !ok {
		return nil, ErrNotFound
	}
	return decodeSnapshot(data)
}

// LoadActive implements StateStore.
func (s *MemoryStore) LoadActive(_ context.Context) ([]*workflow.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []*workflow.Snapshot
	for _, data := range s.snapshots {
		snap, err := decodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		if !snap.Status.Terminal() {
			out = append(out, snap)
		}
	}
	return out, nil
}

// AppendEvent implements StateStore.
func (s *MemoryStore) AppendEvent(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.events[event.InstanceID] = append(s.events[event.InstanceID], event)
	return nil
}

// Events implements StateStore.
func (s *MemoryStore) Events(_ context.Context, instanceID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return append([]Event(nil), s.events[instanceID]...), nil
}

// Close implements StateStore.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func decodeSnapshot(data []byte) (*workflow.Snapshot, error) {
	var snap workflow.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
