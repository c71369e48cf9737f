package workflow

import (
	"encoding/json"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bitagent/bitagent/action"
	"github.com/bitagent/bitagent/types"
)

// Step is one node of a workflow definition.
type Step struct {
	// ID is unique within the definition
	ID string
	// Action is the serialized action descriptor
	Action action.Descriptor
	// DependsOn lists step IDs that must succeed before this step runs
	DependsOn []string
	// Critical aborts the whole instance when this step fails terminally
	Critical bool
	// MaxAttempts overrides the engine retry limit (0 = engine default)
	MaxAttempts int
	// Timeout overrides the engine per-action timeout (0 = engine default)
	Timeout time.Duration
}

// Definition is an immutable DAG specification of steps and dependencies.
// It may be shared by many instances; the engine never mutates it after
// submission.
type Definition struct {
	// Name identifies the workflow
	Name string
	// Steps in declaration order
	Steps []Step
	// Timeout bounds one whole instance execution (0 = unbounded)
	Timeout time.Duration
	// Metadata stores additional caller information
	Metadata map[string]any
}

// stepDoc is the wire form of a Step. Timeouts travel as Go duration
// strings ("30s", "2m"), not nanosecond integers.
type stepDoc struct {
	ID          string            `json:"id" yaml:"id"`
	Action      action.Descriptor `json:"action" yaml:"action"`
	DependsOn   []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Critical    bool              `json:"critical,omitempty" yaml:"critical,omitempty"`
	MaxAttempts int               `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Timeout     string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type definitionDoc struct {
	Name     string         `json:"name" yaml:"name"`
	Steps    []Step         `json:"steps" yaml:"steps"`
	Timeout  string         `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

func formatTimeout(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, types.Errorf(types.ErrValidation, "invalid timeout %q", s).WithCause(err)
	}
	return d, nil
}

func (s Step) toDoc() stepDoc {
	return stepDoc{
		ID:          s.ID,
		Action:      s.Action,
		DependsOn:   s.DependsOn,
		Critical:    s.Critical,
		MaxAttempts: s.MaxAttempts,
		Timeout:     formatTimeout(s.Timeout),
	}
}

func (s *Step) fromDoc(doc stepDoc) error {
	timeout, err := parseTimeout(doc.Timeout)
	if err != nil {
		return err
	}
	*s = Step{
		ID:          doc.ID,
		Action:      doc.Action,
		DependsOn:   doc.DependsOn,
		Critical:    doc.Critical,
		MaxAttempts: doc.MaxAttempts,
		Timeout:     timeout,
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s Step) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.toDoc())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Step) UnmarshalJSON(data []byte) error {
	var doc stepDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	return s.fromDoc(doc)
}

// MarshalYAML implements yaml.Marshaler.
func (s Step) MarshalYAML() (any, error) {
	return s.toDoc(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	var doc stepDoc
	if err := node.Decode(&doc); err != nil {
		return err
	}
	return s.fromDoc(doc)
}

func (d Definition) toDoc() definitionDoc {
	return definitionDoc{
		Name:     d.Name,
		Steps:    d.Steps,
		Timeout:  formatTimeout(d.Timeout),
		Metadata: d.Metadata,
	}
}

func (d *Definition) fromDoc(doc definitionDoc) error {
	timeout, err := parseTimeout(doc.Timeout)
	if err != nil {
		return err
	}
	*d = Definition{
		Name:     doc.Name,
		Steps:    doc.Steps,
		Timeout:  timeout,
		Metadata: doc.Metadata,
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Definition) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.toDoc())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Definition) UnmarshalJSON(data []byte) error {
	var doc definitionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	return d.fromDoc(doc)
}

// MarshalYAML implements yaml.Marshaler.
func (d Definition) MarshalYAML() (any, error) {
	return d.toDoc(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Definition) UnmarshalYAML(node *yaml.Node) error {
	var doc definitionDoc
	if err := node.Decode(&doc); err != nil {
		return err
	}
	return d.fromDoc(doc)
}

// ParseDefinition decodes a YAML (or JSON, which YAML subsumes) workflow
// definition document.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, types.NewError(types.ErrValidation, "malformed workflow definition").WithCause(err)
	}
	return &def, nil
}

// Marshal encodes the definition as YAML.
func (d *Definition) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}
