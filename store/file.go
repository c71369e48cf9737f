package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bitagent/bitagent/workflow"
)

// FileStore is a file-backed StateStore for single-node deployments.
// Snapshots live one JSON file per instance, written atomically through a
// temp-file rename; event logs are JSON-lines files, append-only.
type FileStore struct {
	baseDir string
	closed  bool
	mu      sync.Mutex
}

// NewFileStore creates (or reopens) a file store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	for _, sub := range []string{"instances", "events"} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) instancePath(instanceID string) string {
	return filepath.Join(s.baseDir, "instances", instanceID+".json")
}

func (s *FileStore) eventsPath(instanceID string) string {
	return filepath.Join(s.baseDir, "events", instanceID+".log")
}

// Persist implements StateStore.
func (s *FileStore) Persist(_ context.Context, snap *workflow.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	path := s.instancePath(snap.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// Load implements StateStore.
func (s *FileStore) Load(_ context.Context, instanceID string) (*workflow.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	data, err := os.ReadFile(s.instancePath(instanceID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(data)
}

// LoadActive implements StateStore.
func (s *FileStore) LoadActive(_ context.Context) ([]*workflow.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	entries, err := os.ReadDir(filepath.Join(s.baseDir, "instances"))
	if err != nil {
		return nil, err
	}

	var out []*workflow.Snapshot
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.baseDir, "instances", entry.Name()))
		if err != nil {
			return nil, err
		}
		snap, err := decodeSnapshot(data)
		if err != nil {
			return nil, fmt.Errorf("corrupt snapshot %s: %w", entry.Name(), err)
		}
		if !snap.Status.Terminal() {
			out = append(out, snap)
		}
	}
	return out, nil
}

// AppendEvent implements StateStore.
func (s *FileStore) AppendEvent(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	f, err := os.OpenFile(s.eventsPath(event.InstanceID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return f.Sync()
}

// Events implements StateStore.
func (s *FileStore) Events(_ context.Context, instanceID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	f, err := os.Open(s.eventsPath(instanceID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("corrupt event log for %s: %w", instanceID, err)
		}
		out = append(out, ev)
	}
	return out, scanner.Err()
}

// Close implements StateStore.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
