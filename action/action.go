package action

import (
	"context"
)

// Session is the interaction surface an agent's isolated browser session
// exposes to actions. Implementations live outside the engine; failures
// must be classified with types.ErrInteractionTransient or
// types.ErrInteractionFatal so retry decisions stay correct.
type Session interface {
	// Navigate loads a URL, optionally waiting for a selector to appear.
	Navigate(ctx context.Context, url, waitForSelector string) error
	// Click clicks the element matched by the selector.
	Click(ctx context.Context, selector string) error
	// Type enters text into the element matched by the selector.
	Type(ctx context.Context, selector, text string) error
	// Extract returns the text content of the element matched by the
	// selector, plus an opaque artifact handle when the implementation
	// stores the extraction externally (empty when it does not).
	Extract(ctx context.Context, selector string) (value string, artifactRef string, err error)
	// WaitFor blocks until the selector appears or ctx expires.
	WaitFor(ctx context.Context, selector string) error
	// Screenshot captures the page and returns an opaque artifact handle.
	Screenshot(ctx context.Context) (artifactRef string, err error)
	// Reset attempts to restore the session to a clean state in place.
	Reset(ctx context.Context) error
}

// Credentials resolves secrets for actions that declare a credential
// requirement. The engine never persists or logs resolved values.
type Credentials interface {
	Get(ctx context.Context, secretKey, scope string) (string, error)
}

// Env bundles everything an action may touch during execution.
type Env struct {
	Session     Session
	Credentials Credentials
}

// Result is what an action produces: an optional value plus opaque
// references to artifacts held outside the engine.
type Result struct {
	Value     any
	Artifacts []string
}

// Action is one executable workflow step variant. The set of variants is
// closed per registry; new variants are added by registering a decoder,
// never by runtime shape probing.
type Action interface {
	// Describe returns a human-readable description for logs and events.
	Describe() string
	// Execute runs the action against the session in env.
	Execute(ctx context.Context, env Env) (*Result, error)
}
