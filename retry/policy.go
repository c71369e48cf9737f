package retry

import (
	"math"
	"math/rand"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bitagent/bitagent/types"
)

// Policy decides whether a failed step attempt is retried and after how
// long. It is pure and stateless: the caller supplies the attempt count.
type Policy struct {
	// MaxAttempts is the total attempt budget per step (not extra retries)
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	// InitialDelay is the backoff before the second attempt
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`
	// MaxDelay caps the computed backoff
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`
	// Multiplier is the exponential growth factor
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
	// Jitter adds +-25% randomization to avoid synchronized retries
	Jitter bool `json:"jitter" yaml:"jitter"`
}

// DefaultPolicy returns the engine-wide default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// policyDoc is the YAML form of Policy; delays travel as Go duration
// strings ("1s", "500ms").
type policyDoc struct {
	MaxAttempts  int     `yaml:"max_attempts"`
	InitialDelay string  `yaml:"initial_delay,omitempty"`
	MaxDelay     string  `yaml:"max_delay,omitempty"`
	Multiplier   float64 `yaml:"multiplier"`
	Jitter       bool    `yaml:"jitter"`
}

// MarshalYAML implements yaml.Marshaler.
func (p Policy) MarshalYAML() (any, error) {
	doc := policyDoc{
		MaxAttempts: p.MaxAttempts,
		Multiplier:  p.Multiplier,
		Jitter:      p.Jitter,
	}
	if p.InitialDelay > 0 {
		doc.InitialDelay = p.InitialDelay.String()
	}
	if p.MaxDelay > 0 {
		doc.MaxDelay = p.MaxDelay.String()
	}
	return doc, nil
}

// UnmarshalYAML implements yaml.Unmarshaler. The document is decoded over
// the receiver's current values, so a partial section overrides only the
// keys it sets.
func (p *Policy) UnmarshalYAML(node *yaml.Node) error {
	doc := policyDoc{
		MaxAttempts: p.MaxAttempts,
		Multiplier:  p.Multiplier,
		Jitter:      p.Jitter,
	}
	if p.InitialDelay > 0 {
		doc.InitialDelay = p.InitialDelay.String()
	}
	if p.MaxDelay > 0 {
		doc.MaxDelay = p.MaxDelay.String()
	}
	if err := node.Decode(&doc); err != nil {
		return err
	}
	initial, err := parseDelay(doc.InitialDelay)
	if err != nil {
		return err
	}
	maxDelay, err := parseDelay(doc.MaxDelay)
	if err != nil {
		return err
	}
	*p = Policy{
		MaxAttempts:  doc.MaxAttempts,
		InitialDelay: initial,
		MaxDelay:     maxDelay,
		Multiplier:   doc.Multiplier,
		Jitter:       doc.Jitter,
	}
	return nil
}

func parseDelay(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, types.Errorf(types.ErrValidation, "invalid delay %q", s).WithCause(err)
	}
	return d, nil
}

// Decision is the outcome of a retry consultation.
type Decision struct {
	// Retry is false when the step must be marked failed
	Retry bool
	// Delay is how long to wait before re-queueing the step
	Delay time.Duration
}

// GiveUp is the terminal decision.
var GiveUp = Decision{}

// Decide returns the decision for a step that just failed its attempt'th
// attempt (1-based) with the given error classification. Non-retryable
// classes give up immediately regardless of remaining budget; a step with
// budget N is attempted at most N times.
func (p Policy) Decide(attempt int, errClass types.ErrorCode, maxAttempts int) Decision {
	if maxAttempts <= 0 {
		maxAttempts = p.MaxAttempts
	}
	if !retryable(errClass) {
		return GiveUp
	}
	if attempt >= maxAttempts {
		return GiveUp
	}
	return Decision{Retry: true, Delay: p.backoff(attempt)}
}

// retryable classifies error codes: transient interaction errors,
// timeouts, and provisioning failures are worth another attempt.
func retryable(code types.ErrorCode) bool {
	switch code {
	case types.ErrInteractionTransient, types.ErrTimeout, types.ErrProvisioning:
		return true
	default:
		return false
	}
}

// backoff computes initial * multiplier^(attempt-1), capped at MaxDelay,
// with optional +-25% jitter.
func (p Policy) backoff(attempt int) time.Duration {
	initial := p.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	multiplier := p.Multiplier
	if multiplier < 1.0 {
		multiplier = 2.0
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	if p.Jitter {
		jitter := delay * 0.25
		delay = delay + (rand.Float64()*2-1)*jitter
	}
	if delay < float64(initial) {
		delay = float64(initial)
	}
	return time.Duration(delay)
}
