package action

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bitagent/bitagent/types"
)

// Descriptor is the serializable form of an action inside a workflow
// definition: a type tag plus free-form parameters. Decoding into a
// concrete Action happens through the Registry at dispatch time.
type Descriptor struct {
	// Type selects the registered action variant (navigate, click, ...)
	Type string `json:"type" yaml:"type"`
	// Params carries the variant-specific parameters
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Decoder builds a concrete Action from descriptor parameters.
// Malformed parameters must be rejected with a VALIDATION error.
type Decoder func(params map[string]any) (Action, error)

// Registry maps action type tags to decoders. The engine ships with the
// built-in browser variants; callers may register additional variants
// before submitting definitions that use them.
type Registry struct {
	decoders map[string]Decoder
	mu       sync.RWMutex
}

// NewRegistry creates a registry pre-populated with the built-in variants.
func NewRegistry() *Registry {
	r := &Registry{decoders: make(map[string]Decoder)}
	registerBuiltins(r)
	return r
}

// Register adds a decoder for an action type. Registering an already
// known type replaces the previous decoder.
func (r *Registry) Register(actionType string, decoder Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[actionType] = decoder
}

// Decode resolves a descriptor into a concrete Action.
func (r *Registry) Decode(desc Descriptor) (Action, error) {
	r.mu.RLock()
	decoder, ok := r.decoders[desc.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, types.Errorf(types.ErrValidation, "unknown action type %q", desc.Type)
	}
	act, err := decoder(desc.Params)
	if err != nil {
		return nil, err
	}
	return act, nil
}

// Validate checks that a descriptor decodes cleanly. Used at submit time
// so malformed actions never enter the queue.
func (r *Registry) Validate(desc Descriptor) error {
	_, err := r.Decode(desc)
	return err
}

// Types returns the registered action types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.decoders))
	for t := range r.decoders {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// stringParam extracts a required string parameter.
func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", types.Errorf(types.ErrValidation, "missing parameter %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", types.Errorf(types.ErrValidation, "parameter %q must be a non-empty string, got %v", key, v)
	}
	return s, nil
}

// optStringParam extracts an optional string parameter.
func optStringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", types.Errorf(types.ErrValidation, "parameter %q must be a string, got %v", key, v)
	}
	return s, nil
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s(%d params)", d.Type, len(d.Params))
}
