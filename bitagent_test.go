package bitagent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bitagent/bitagent/action"
	"github.com/bitagent/bitagent/config"
	"github.com/bitagent/bitagent/workflow"
)

type stubSession struct {
	navigations atomic.Int64
}

func (s *stubSession) Navigate(ctx context.Context, url, waitForSelector string) error {
	s.navigations.Add(1)
	return nil
}

func (s *stubSession) Click(ctx context.Context, selector string) error { return nil }

func (s *stubSession) Type(ctx context.Context, selector, text string) error { return nil }

func (s *stubSession) Extract(ctx context.Context, selector string) (string, string, error) {
	return "value", "", nil
}

func (s *stubSession) WaitFor(ctx context.Context, selector string) error { return nil }

func (s *stubSession) Screenshot(ctx context.Context) (string, error) { return "shot-1", nil }

func (s *stubSession) Reset(ctx context.Context) error { return nil }

type stubSandbox struct {
	provisioned atomic.Int64
	destroyed   atomic.Int64
}

func (s *stubSandbox) Provision(ctx context.Context) (action.Session, error) {
	s.provisioned.Add(1)
	return &stubSession{}, nil
}

func (s *stubSandbox) Destroy(ctx context.Context, session action.Session) error {
	s.destroyed.Add(1)
	return nil
}

func testEngineConfig() *config.Config {
	cfg := config.Default()
	cfg.Pool.MaxSize = 2
	cfg.Pool.MinIdle = 0
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	cfg.Retry.Jitter = false
	return cfg
}

func linearDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name: "checkout-smoke",
		Steps: []workflow.Step{
			{
				ID:     "open",
				Action: action.Descriptor{Type: "navigate", Params: map[string]any{"url": "https://shop.example/cart"}},
			},
			{
				ID:        "confirm",
				Action:    action.Descriptor{Type: "click", Params: map[string]any{"selector": "#checkout"}},
				DependsOn: []string{"open"},
			},
		},
	}
}

func TestEngineEndToEnd(t *testing.T) {
	sandbox := &stubSandbox{}
	eng, err := New(context.Background(), testEngineConfig(), sandbox, nil,
		WithLogger(zap.NewNop()),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		require.NoError(t, eng.Shutdown(ctx))
	}()

	id, err := eng.Submit(context.Background(), linearDefinition())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		view, err := eng.Status(id)
		return err == nil && view.Status == workflow.StatusSucceeded
	}, 5*time.Second, 5*time.Millisecond)

	view, err := eng.Status(id)
	require.NoError(t, err)
	assert.Equal(t, workflow.StepSucceeded, view.Steps["open"].Status)
	assert.Equal(t, workflow.StepSucceeded, view.Steps["confirm"].Status)

	events, err := eng.Events(context.Background(), id)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestEngineSubscribeSeesTerminalTransition(t *testing.T) {
	// The first step sleeps so the subscription is in place before the
	// instance reaches a terminal status.
	registry := action.NewRegistry()
	registry.Register("slow-ping", func(params map[string]any) (action.Action, error) {
		return slowAction{delay: 100 * time.Millisecond}, nil
	})

	eng, err := New(context.Background(), testEngineConfig(), &stubSandbox{}, nil,
		WithLogger(zap.NewNop()),
		WithRegistry(registry),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	}()

	def := &workflow.Definition{
		Name: "slow-smoke",
		Steps: []workflow.Step{
			{ID: "warm-up", Action: action.Descriptor{Type: "slow-ping"}},
			{
				ID:        "confirm",
				Action:    action.Descriptor{Type: "click", Params: map[string]any{"selector": "#checkout"}},
				DependsOn: []string{"warm-up"},
			},
		},
	}
	id, err := eng.Submit(context.Background(), def)
	require.NoError(t, err)

	ch, unsubscribe := eng.Subscribe(id)
	defer unsubscribe()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case tr, ok := <-ch:
			require.True(t, ok)
			if tr.StepID == "" && tr.Status.Terminal() {
				assert.Equal(t, workflow.StatusSucceeded, tr.Status)
				return
			}
		case <-deadline:
			t.Fatal("no terminal transition observed")
		}
	}
}

func TestEngineCustomActionRegistry(t *testing.T) {
	registry := action.NewRegistry()
	var calls atomic.Int64
	registry.Register("audit-ping", func(params map[string]any) (action.Action, error) {
		return pingAction{calls: &calls}, nil
	})

	eng, err := New(context.Background(), testEngineConfig(), &stubSandbox{}, nil,
		WithLogger(zap.NewNop()),
		WithRegistry(registry),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	}()

	def := &workflow.Definition{
		Name: "custom-action",
		Steps: []workflow.Step{
			{ID: "ping", Action: action.Descriptor{Type: "audit-ping"}},
		},
	}
	id, err := eng.Submit(context.Background(), def)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		view, err := eng.Status(id)
		return err == nil && view.Status == workflow.StatusSucceeded
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), calls.Load())
}

type slowAction struct {
	delay time.Duration
}

func (a slowAction) Describe() string { return "slow-ping" }

func (a slowAction) Execute(ctx context.Context, env action.Env) (*action.Result, error) {
	select {
	case <-time.After(a.delay):
		return &action.Result{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type pingAction struct {
	calls *atomic.Int64
}

func (a pingAction) Describe() string { return "audit-ping" }

func (a pingAction) Execute(ctx context.Context, env action.Env) (*action.Result, error) {
	a.calls.Add(1)
	return &action.Result{Value: "pong"}, nil
}

func TestEngineRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Pool.MaxSize = 0
	_, err := New(context.Background(), cfg, &stubSandbox{}, nil,
		WithRegisterer(prometheus.NewRegistry()),
	)
	assert.Error(t, err)
}

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		t.Run(level, func(t *testing.T) {
			logger, err := NewLogger(config.LogConfig{Level: level, Format: "json"})
			require.NoError(t, err)
			_ = logger.Sync()
		})
	}

	_, err := NewLogger(config.LogConfig{Level: "shout", Format: "json"})
	assert.Error(t, err)
}
