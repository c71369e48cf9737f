package orchestrator

import (
	"sync"
	"time"

	"github.com/bitagent/bitagent/workflow"
)

// Transition is one observable state change of an instance or one of its
// steps. StepID is empty for instance-level transitions.
type Transition struct {
	InstanceID string              `json:"instance_id"`
	StepID     string              `json:"step_id,omitempty"`
	StepStatus workflow.StepStatus `json:"step_status,omitempty"`
	Status     workflow.Status     `json:"status"`
	Timestamp  time.Time           `json:"timestamp"`
}

// hub fans instance/step transitions out to subscribers. Publishing is
// non-blocking: a subscriber that stops draining loses transitions rather
// than stalling the scheduling loop.
type hub struct {
	buffer int
	subs   map[string]map[int]chan Transition
	last   map[string]*workflow.View
	nextID int
	closed bool
	mu     sync.Mutex
}

func newHub(buffer int) *hub {
	return &hub{
		buffer: buffer,
		subs:   make(map[string]map[int]chan Transition),
		last:   make(map[string]*workflow.View),
	}
}

// subscribe registers a listener for one instance's transitions.
func (h *hub) subscribe(instanceID string) (<-chan Transition, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Transition, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	h.nextID++
	id := h.nextID
	if h.subs[instanceID] == nil {
		h.subs[instanceID] = make(map[int]chan Transition)
	}
	h.subs[instanceID][id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.subs[instanceID]; ok {
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
				if len(subs) == 0 {
					delete(h.subs, instanceID)
				}
			}
		}
	}
	return ch, cancel
}

// publish diffs the new view against the last published one and emits a
// transition per changed step plus one for an instance status change.
func (h *hub) publish(view *workflow.View) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	prev := h.last[view.ID]
	h.last[view.ID] = view

	subs := h.subs[view.ID]
	if len(subs) == 0 {
		return
	}

	now := time.Now()
	var out []Transition
	for stepID, st := range view.Steps {
		if prev != nil {
			if old, ok := prev.Steps[stepID]; ok && old.Status == st.Status {
				continue
			}
		}
		out = append(out, Transition{
			InstanceID: view.ID,
			StepID:     stepID,
			StepStatus: st.Status,
			Status:     view.Status,
			Timestamp:  now,
		})
	}
	if prev == nil || prev.Status != view.Status {
		out = append(out, Transition{
			InstanceID: view.ID,
			Status:     view.Status,
			Timestamp:  now,
		})
	}

	for _, tr := range out {
		for _, ch := range subs {
			select {
			case ch <- tr:
			default:
			}
		}
	}
}

// closeAll closes every subscriber channel.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, subs := range h.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	h.subs = make(map[string]map[int]chan Transition)
}
