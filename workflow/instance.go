package workflow

import (
	"time"

	"github.com/bitagent/bitagent/types"
)

// StepStatus is the lifecycle state of one step within an instance.
type StepStatus string

const (
	// StepPending waits for dependencies to succeed
	StepPending StepStatus = "pending"
	// StepReady has all dependencies succeeded and awaits an agent
	StepReady StepStatus = "ready"
	// StepRunning is executing on an agent
	StepRunning StepStatus = "running"
	// StepSucceeded completed successfully
	StepSucceeded StepStatus = "succeeded"
	// StepFailed exhausted its retry budget or hit a fatal error
	StepFailed StepStatus = "failed"
	// StepSkipped was never run because a required dependency failed
	StepSkipped StepStatus = "skipped"
)

// Terminal reports whether the status is final for a step.
func (s StepStatus) Terminal() bool {
	return s == StepSucceeded || s == StepFailed || s == StepSkipped
}

// Status is the lifecycle state of a whole instance.
type Status string

const (
	// StatusRunning has steps pending, ready, or executing
	StatusRunning Status = "running"
	// StatusSucceeded finished with every step succeeded or skipped
	StatusSucceeded Status = "succeeded"
	// StatusFailed finished with at least one failed step
	StatusFailed Status = "failed"
	// StatusCancelled was cancelled by the caller
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final for an instance.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// stepTransitions encodes the legal step state machine. A step never
// re-enters pending once left; terminal states are absorbing. The
// running -> ready edge is the retry path.
var stepTransitions = map[StepStatus][]StepStatus{
	StepPending: {StepReady, StepSkipped},
	StepReady:   {StepRunning},
	StepRunning: {StepSucceeded, StepFailed, StepReady},
}

func stepTransitionAllowed(from, to StepStatus) bool {
	for _, next := range stepTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StepState is the mutable per-step progress of an instance.
type StepState struct {
	Status    StepStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	Artifacts []string   `json:"artifacts,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Instance is one live execution of a Definition. All mutation happens on
// the orchestrator's single control loop, so Instance carries no lock.
type Instance struct {
	id          string
	graph       *Graph
	status      Status
	steps       map[string]*StepState
	submittedAt time.Time
	updatedAt   time.Time
	completedAt time.Time
}

// NewInstance creates a running instance with every step pending.
func NewInstance(id string, graph *Graph) *Instance {
	now := time.Now()
	inst := &Instance{
		id:          id,
		graph:       graph,
		status:      StatusRunning,
		steps:       make(map[string]*StepState, len(graph.StepIDs())),
		submittedAt: now,
		updatedAt:   now,
	}
	for _, stepID := range graph.StepIDs() {
		inst.steps[stepID] = &StepState{Status: StepPending, UpdatedAt: now}
	}
	return inst
}

// ID returns the instance identifier.
func (in *Instance) ID() string { return in.id }

// Graph returns the validated graph this instance executes.
func (in *Instance) Graph() *Graph { return in.graph }

// Status returns the instance status.
func (in *Instance) Status() Status { return in.status }

// StepStatus returns the current status of one step.
func (in *Instance) StepStatus(stepID string) StepStatus {
	if st, ok := in.steps[stepID]; ok {
		return st.Status
	}
	return ""
}

// Attempts returns the attempt count of one step.
func (in *Instance) Attempts(stepID string) int {
	if st, ok := in.steps[stepID]; ok {
		return st.Attempts
	}
	return 0
}

// transitionStep applies a step status change, enforcing the state machine.
func (in *Instance) transitionStep(stepID string, to StepStatus) error {
	st, ok := in.steps[stepID]
	if !ok {
		return types.Errorf(types.ErrNotFound, "step %q not in instance %s", stepID, in.id)
	}
	if !stepTransitionAllowed(st.Status, to) {
		return types.Errorf(types.ErrInvalidTransition, "step %q: %s -> %s", stepID, st.Status, to)
	}
	st.Status = to
	st.UpdatedAt = time.Now()
	in.updatedAt = st.UpdatedAt
	return nil
}

// MarkReady moves a pending step to ready, or re-queues a running step
// for retry.
func (in *Instance) MarkReady(stepID string) error {
	return in.transitionStep(stepID, StepReady)
}

// MarkRunning moves a ready step to running and counts the attempt.
func (in *Instance) MarkRunning(stepID string) error {
	if err := in.transitionStep(stepID, StepRunning); err != nil {
		return err
	}
	in.steps[stepID].Attempts++
	return nil
}

// MarkSucceeded completes a running step and records its artifacts.
func (in *Instance) MarkSucceeded(stepID string, artifacts []string) error {
	if err := in.transitionStep(stepID, StepSucceeded); err != nil {
		return err
	}
	st := in.steps[stepID]
	st.Artifacts = append(st.Artifacts, artifacts...)
	st.LastError = ""
	return nil
}

// MarkFailed terminates a running step after its retry budget is spent.
func (in *Instance) MarkFailed(stepID string, reason string) error {
	if err := in.transitionStep(stepID, StepFailed); err != nil {
		return err
	}
	in.steps[stepID].LastError = reason
	return nil
}

// MarkSkipped records that a pending step can never run because a
// required dependency failed or was itself skipped.
func (in *Instance) MarkSkipped(stepID string) error {
	return in.transitionStep(stepID, StepSkipped)
}

// RecordError notes a retryable failure without changing step status.
func (in *Instance) RecordError(stepID string, reason string) {
	if st, ok := in.steps[stepID]; ok {
		st.LastError = reason
		st.UpdatedAt = time.Now()
	}
}

// PropagateSkips marks every pending step with a failed or skipped
// dependency as skipped, repeating until the propagation reaches a
// fixpoint, so the whole blocked subtree quiesces at once.
func (in *Instance) PropagateSkips() (skipped []string) {
	status := func(id string) StepStatus { return in.StepStatus(id) }
	for {
		blocked := in.graph.Blocked(status)
		if len(blocked) == 0 {
			return skipped
		}
		for _, id := range blocked {
			if err := in.MarkSkipped(id); err == nil {
				skipped = append(skipped, id)
			}
		}
	}
}

// Frontier recomputes readiness after a status change: skips propagate
// first, then newly ready steps are promoted. Returns the steps that
// became ready and those that became skipped.
func (in *Instance) Frontier() (ready, skipped []string) {
	if in.status != StatusRunning {
		return nil, nil
	}
	skipped = in.PropagateSkips()

	status := func(id string) StepStatus { return in.StepStatus(id) }
	for _, id := range in.graph.Ready(status) {
		if err := in.MarkReady(id); err == nil {
			ready = append(ready, id)
		}
	}
	return ready, skipped
}

// Quiesced reports whether no step is pending, ready, or running.
func (in *Instance) Quiesced() bool {
	for _, st := range in.steps {
		if !st.Status.Terminal() {
			return false
		}
	}
	return true
}

// InFlight returns the IDs of steps currently running.
func (in *Instance) InFlight() []string {
	var out []string
	for _, id := range in.graph.StepIDs() {
		if in.steps[id].Status == StepRunning {
			out = append(out, id)
		}
	}
	return out
}

// Complete sets the terminal instance status once all steps quiesce:
// failed when any step failed, succeeded when every step succeeded or
// was skipped. No-op while steps remain in flight or once terminal.
func (in *Instance) Complete() (Status, bool) {
	if in.status.Terminal() || !in.Quiesced() {
		return in.status, false
	}
	final := StatusSucceeded
	for _, st := range in.steps {
		if st.Status == StepFailed {
			final = StatusFailed
			break
		}
	}
	in.setStatus(final)
	return final, true
}

// Abort forces a terminal status (failed on critical step failure,
// cancelled on caller request). Terminal status never regresses.
func (in *Instance) Abort(status Status) bool {
	if in.status.Terminal() || !status.Terminal() {
		return false
	}
	in.setStatus(status)
	return true
}

func (in *Instance) setStatus(s Status) {
	in.status = s
	now := time.Now()
	in.updatedAt = now
	if s.Terminal() {
		in.completedAt = now
	}
}

// View is the caller-facing read model of an instance.
type View struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Status      Status               `json:"status"`
	Steps       map[string]StepState `json:"steps"`
	SubmittedAt time.Time            `json:"submitted_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
	CompletedAt time.Time            `json:"completed_at,omitempty"`
}

// View returns a copy of the instance state safe to hand to callers.
func (in *Instance) View() *View {
	v := &View{
		ID:          in.id,
		Name:        in.graph.Definition().Name,
		Status:      in.status,
		Steps:       make(map[string]StepState, len(in.steps)),
		SubmittedAt: in.submittedAt,
		UpdatedAt:   in.updatedAt,
		CompletedAt: in.completedAt,
	}
	for id, st := range in.steps {
		cp := *st
		cp.Artifacts = append([]string(nil), st.Artifacts...)
		v.Steps[id] = cp
	}
	return v
}

// Snapshot is the durable record of an instance: the full definition plus
// the per-step status/attempt map, sufficient to reconstruct in-flight
// progress after a restart.
type Snapshot struct {
	ID          string               `json:"id"`
	Definition  *Definition          `json:"definition"`
	Status      Status               `json:"status"`
	Steps       map[string]StepState `json:"steps"`
	SubmittedAt time.Time            `json:"submitted_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
	CompletedAt time.Time            `json:"completed_at,omitempty"`
}

// Snapshot captures the instance for persistence.
func (in *Instance) Snapshot() *Snapshot {
	snap := &Snapshot{
		ID:          in.id,
		Definition:  in.graph.Definition(),
		Status:      in.status,
		Steps:       make(map[string]StepState, len(in.steps)),
		SubmittedAt: in.submittedAt,
		UpdatedAt:   in.updatedAt,
		CompletedAt: in.completedAt,
	}
	for id, st := range in.steps {
		cp := *st
		cp.Artifacts = append([]string(nil), st.Artifacts...)
		snap.Steps[id] = cp
	}
	return snap
}

// Restore rebuilds an instance from a persisted snapshot. Steps recorded
// as running or ready are re-queued as ready so they are dispatched again
// after a crash; succeeded steps are never re-run.
func Restore(snap *Snapshot) (*Instance, error) {
	graph, err := BuildGraph(snap.Definition)
	if err != nil {
		return nil, err
	}
	inst := &Instance{
		id:          snap.ID,
		graph:       graph,
		status:      snap.Status,
		steps:       make(map[string]*StepState, len(snap.Steps)),
		submittedAt: snap.SubmittedAt,
		updatedAt:   snap.UpdatedAt,
		completedAt: snap.CompletedAt,
	}
	for _, stepID := range graph.StepIDs() {
		st, ok := snap.Steps[stepID]
		if !ok {
			return nil, types.Errorf(types.ErrValidation, "snapshot %s missing step %q", snap.ID, stepID)
		}
		cp := st
		if cp.Status == StepRunning {
			cp.Status = StepReady
		}
		inst.steps[stepID] = &cp
	}
	return inst, nil
}
