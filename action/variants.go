package action

import (
	"context"
	"fmt"
	"time"

	"github.com/bitagent/bitagent/types"
)

// Built-in action type tags.
const (
	TypeNavigate   = "navigate"
	TypeClick      = "click"
	TypeType       = "type"
	TypeExtract    = "extract"
	TypeWait       = "wait"
	TypeScreenshot = "screenshot"
)

func registerBuiltins(r *Registry) {
	r.Register(TypeNavigate, decodeNavigate)
	r.Register(TypeClick, decodeClick)
	r.Register(TypeType, decodeType)
	r.Register(TypeExtract, decodeExtract)
	r.Register(TypeWait, decodeWait)
	r.Register(TypeScreenshot, decodeScreenshot)
}

// Navigate loads a URL and optionally waits for a selector.
type Navigate struct {
	URL             string
	WaitForSelector string
}

func decodeNavigate(params map[string]any) (Action, error) {
	url, err := stringParam(params, "url")
	if err != nil {
		return nil, err
	}
	wait, err := optStringParam(params, "wait_for_selector")
	if err != nil {
		return nil, err
	}
	return &Navigate{URL: url, WaitForSelector: wait}, nil
}

func (a *Navigate) Describe() string {
	return fmt.Sprintf("navigate to %s", a.URL)
}

func (a *Navigate) Execute(ctx context.Context, env Env) (*Result, error) {
	if err := env.Session.Navigate(ctx, a.URL, a.WaitForSelector); err != nil {
		return nil, err
	}
	return nil, nil
}

// Click clicks the element matched by a selector.
type Click struct {
	Selector string
}

func decodeClick(params map[string]any) (Action, error) {
	sel, err := stringParam(params, "selector")
	if err != nil {
		return nil, err
	}
	return &Click{Selector: sel}, nil
}

func (a *Click) Describe() string {
	return fmt.Sprintf("click element %s", a.Selector)
}

func (a *Click) Execute(ctx context.Context, env Env) (*Result, error) {
	if err := env.Session.Click(ctx, a.Selector); err != nil {
		return nil, err
	}
	return nil, nil
}

// Type enters text into the element matched by a selector. When SecretKey
// is set the text is resolved through the credential interface at execute
// time and never appears in logs, events, or persisted state.
type Type struct {
	Selector  string
	Text      string
	SecretKey string
	Scope     string
}

func decodeType(params map[string]any) (Action, error) {
	sel, err := stringParam(params, "selector")
	if err != nil {
		return nil, err
	}
	text, err := optStringParam(params, "text")
	if err != nil {
		return nil, err
	}
	secretKey, err := optStringParam(params, "secret_key")
	if err != nil {
		return nil, err
	}
	scope, err := optStringParam(params, "scope")
	if err != nil {
		return nil, err
	}
	if text == "" && secretKey == "" {
		return nil, types.NewError(types.ErrValidation, "type action requires text or secret_key")
	}
	if text != "" && secretKey != "" {
		return nil, types.NewError(types.ErrValidation, "type action accepts text or secret_key, not both")
	}
	return &Type{Selector: sel, Text: text, SecretKey: secretKey, Scope: scope}, nil
}

func (a *Type) Describe() string {
	if a.SecretKey != "" {
		return fmt.Sprintf("type secret into element %s", a.Selector)
	}
	return fmt.Sprintf("type into element %s", a.Selector)
}

func (a *Type) Execute(ctx context.Context, env Env) (*Result, error) {
	text := a.Text
	if a.SecretKey != "" {
		if env.Credentials == nil {
			return nil, types.Errorf(types.ErrAccessDenied, "no credential source configured for secret %q", a.SecretKey)
		}
		secret, err := env.Credentials.Get(ctx, a.SecretKey, a.Scope)
		if err != nil {
			return nil, err
		}
		text = secret
	}
	if err := env.Session.Type(ctx, a.Selector, text); err != nil {
		return nil, err
	}
	return nil, nil
}

// Extract pulls the text content of the element matched by a selector.
type Extract struct {
	Selector string
}

func decodeExtract(params map[string]any) (Action, error) {
	sel, err := stringParam(params, "selector")
	if err != nil {
		return nil, err
	}
	return &Extract{Selector: sel}, nil
}

func (a *Extract) Describe() string {
	return fmt.Sprintf("extract text from %s", a.Selector)
}

func (a *Extract) Execute(ctx context.Context, env Env) (*Result, error) {
	value, ref, err := env.Session.Extract(ctx, a.Selector)
	if err != nil {
		return nil, err
	}
	res := &Result{Value: value}
	if ref != "" {
		res.Artifacts = []string{ref}
	}
	return res, nil
}

// Wait blocks until a selector appears or a fixed duration elapses.
// Exactly one of Selector and Duration is set; the surrounding action
// timeout still bounds the wait, so no action suspends indefinitely.
type Wait struct {
	Selector string
	Duration time.Duration
}

func decodeWait(params map[string]any) (Action, error) {
	sel, err := optStringParam(params, "selector")
	if err != nil {
		return nil, err
	}
	durStr, err := optStringParam(params, "duration")
	if err != nil {
		return nil, err
	}
	var dur time.Duration
	if durStr != "" {
		dur, err = time.ParseDuration(durStr)
		if err != nil || dur <= 0 {
			return nil, types.Errorf(types.ErrValidation, "invalid wait duration %q", durStr)
		}
	}
	if (sel == "") == (dur == 0) {
		return nil, types.NewError(types.ErrValidation, "wait action requires exactly one of selector or duration")
	}
	return &Wait{Selector: sel, Duration: dur}, nil
}

func (a *Wait) Describe() string {
	if a.Selector != "" {
		return fmt.Sprintf("wait for %s", a.Selector)
	}
	return fmt.Sprintf("wait %s", a.Duration)
}

func (a *Wait) Execute(ctx context.Context, env Env) (*Result, error) {
	if a.Selector != "" {
		if err := env.Session.WaitFor(ctx, a.Selector); err != nil {
			return nil, err
		}
		return nil, nil
	}
	select {
	case <-time.After(a.Duration):
		return nil, nil
	case <-ctx.Done():
		return nil, types.NewError(types.ErrTimeout, "wait interrupted").WithCause(ctx.Err())
	}
}

// Screenshot captures the current page as an external artifact.
type Screenshot struct{}

func decodeScreenshot(map[string]any) (Action, error) {
	return &Screenshot{}, nil
}

func (a *Screenshot) Describe() string {
	return "capture screenshot"
}

func (a *Screenshot) Execute(ctx context.Context, env Env) (*Result, error) {
	ref, err := env.Session.Screenshot(ctx)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	if ref != "" {
		res.Artifacts = []string{ref}
	}
	return res, nil
}
