// Package store provides durable persistence for workflow instance
// snapshots and an append-only event log, the only externally durable
// trace of execution.
//
// Three backends mirror the deployment spectrum:
//   - Memory: development and testing (default)
//   - File: single-node production deployments
//   - Redis: distributed production deployments
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/bitagent/bitagent/workflow"
)

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrStoreClosed = errors.New("store is closed")
)

// EventKind classifies audit records.
type EventKind string

const (
	EventInstanceSubmitted EventKind = "instance_submitted"
	EventInstanceSucceeded EventKind = "instance_succeeded"
	EventInstanceFailed    EventKind = "instance_failed"
	EventInstanceCancelled EventKind = "instance_cancelled"
	EventStepDispatched    EventKind = "step_dispatched"
	EventStepSucceeded     EventKind = "step_succeeded"
	EventStepFailed        EventKind = "step_failed"
	EventStepSkipped       EventKind = "step_skipped"
	EventStepRetryQueued   EventKind = "step_retry_queued"
	EventAgentRecovering   EventKind = "agent_recovering"
	EventAgentTerminated   EventKind = "agent_terminated"
)

// Event is one append-only audit record.
type Event struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	InstanceID string    `json:"instance_id"`
	StepID     string    `json:"step_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	Kind       EventKind `json:"kind"`
	Detail     string    `json:"detail,omitempty"`
}

// NewEvent creates an event stamped with a fresh ID and the current time.
func NewEvent(instanceID, stepID, agentID string, kind EventKind, detail string) Event {
	return Event{
		ID:         uuid.NewString(),
		Timestamp:  time.Now(),
		InstanceID: instanceID,
		StepID:     stepID,
		AgentID:    agentID,
		Kind:       kind,
		Detail:     detail,
	}
}

// StateStore persists instance snapshots and the event log. A snapshot
// write for a transition happens-before the transition becomes visible to
// status queries, which is what makes crash recovery sound.
type StateStore interface {
	// Persist writes the full snapshot of an instance.
	Persist(ctx context.Context, snap *workflow.Snapshot) error
	// Load returns the snapshot of one instance, or ErrNotFound.
	Load(ctx context.Context, instanceID string) (*workflow.Snapshot, error)
	// LoadActive returns the snapshots of every non-terminal instance.
	LoadActive(ctx context.Context) ([]*workflow.Snapshot, error)
	// AppendEvent appends one record to the instance's event log.
	AppendEvent(ctx context.Context, event Event) error
	// Events returns the event log of one instance in append order.
	Events(ctx context.Context, instanceID string) ([]Event, error)
	// Close releases backend resources.
	Close() error
}

// Auditor receives a copy of every appended event, forwarding the log to
// an external auditing sink.
type Auditor interface {
	Append(event Event)
}

// auditedStore decorates a StateStore with an Auditor.
type auditedStore struct {
	StateStore
	auditor Auditor
}

// WithAuditor returns a store that forwards every successfully appended
// event to the auditor.
func WithAuditor(s StateStore, auditor Auditor) StateStore {
	if auditor == nil {
		return s
	}
	return &auditedStore{StateStore: s, auditor: auditor}
}

func (s *auditedStore) AppendEvent(ctx context.Context, event Event) error {
	if err := s.StateStore.AppendEvent(ctx, event); err != nil {
		return err
	}
	s.auditor.Append(event)
	return nil
}
