package agent

import (
	"sync"

	"github.com/bitagent/bitagent/action"
	"github.com/bitagent/bitagent/types"
)

// State is the lifecycle state of one agent.
type State string

const (
	// StateProvisioning is acquiring a session from the sandbox
	StateProvisioning State = "provisioning"
	// StateIdle holds a healthy session and awaits work
	StateIdle State = "idle"
	// StateBusy executes exactly one step
	StateBusy State = "busy"
	// StateRecovering has a possibly corrupted session under repair
	StateRecovering State = "recovering"
	// StateTerminated is absorbing; the agent leaves the pool
	StateTerminated State = "terminated"
)

// stateTransitions encodes the legal agent state machine. Terminated is
// reachable from every state and absorbing.
var stateTransitions = map[State][]State{
	StateProvisioning: {StateBusy, StateIdle},
	StateIdle:         {StateBusy},
	StateBusy:         {StateIdle, StateRecovering},
	StateRecovering:   {StateIdle},
}

// Assignment is the (instance, step) pair an agent currently executes.
type Assignment struct {
	InstanceID string
	StepID     string
}

// Agent is a managed unit owning one isolated browser session, executing
// at most one step at a time. It holds only a weak reference (the
// assignment) to the work it executes, never instance state.
type Agent struct {
	id      string
	session action.Session
	state   State
	current *Assignment
	mu      sync.Mutex
}

func newAgent(id string, session action.Session) *Agent {
	return &Agent{id: id, session: session, state: StateProvisioning}
}

// ID returns the agent identifier.
func (a *Agent) ID() string { return a.id }

// Session returns the agent's interaction session.
func (a *Agent) Session() action.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Assignment returns the current (instance, step) pair, or nil.
func (a *Agent) Assignment() *Assignment {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil
	}
	cp := *a.current
	return &cp
}

// transition moves the agent to a new state, enforcing the state machine.
func (a *Agent) transition(to State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == to {
		return nil
	}
	if to == StateTerminated {
		a.state = StateTerminated
		a.current = nil
		return nil
	}
	if a.state == StateTerminated {
		return types.Errorf(types.ErrAgentTerminated, "agent %s is terminated", a.id)
	}
	for _, next := range stateTransitions[a.state] {
		if next == to {
			a.state = to
			if to != StateBusy {
				a.current = nil
			}
			return nil
		}
	}
	return types.Errorf(types.ErrInvalidTransition, "agent %s: %s -> %s", a.id, a.state, to)
}

// assign marks the agent busy with the given work.
func (a *Agent) assign(instanceID, stepID string) error {
	if err := a.transition(StateBusy); err != nil {
		return err
	}
	a.mu.Lock()
	a.current = &Assignment{InstanceID: instanceID, StepID: stepID}
	a.mu.Unlock()
	return nil
}
