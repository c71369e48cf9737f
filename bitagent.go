// Package bitagent provides a top-level entry point that assembles the
// workflow engine from a single configuration.
//
// Usage:
//
//	import "github.com/bitagent/bitagent"
//
//	eng, err := bitagent.New(ctx, cfg, sandbox, credentials)
//	if err != nil { ... }
//	defer eng.Shutdown(ctx)
//
//	id, err := eng.Submit(ctx, def)
//
// The engine owns the agent pool, the state store, and the scheduling
// loop; callers supply the sandbox that provisions browser sessions and
// an optional credential source for secret-bearing actions.
package bitagent

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bitagent/bitagent/action"
	"github.com/bitagent/bitagent/agent"
	"github.com/bitagent/bitagent/config"
	"github.com/bitagent/bitagent/internal/metrics"
	"github.com/bitagent/bitagent/orchestrator"
	"github.com/bitagent/bitagent/store"
	"github.com/bitagent/bitagent/workflow"
)

// Engine bundles the assembled components behind one handle.
type Engine struct {
	orch     *orchestrator.Orchestrator
	pool     *agent.Pool
	registry *action.Registry
	state    store.StateStore
	logger   *zap.Logger
}

// Option customizes engine assembly.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	registry   *action.Registry
	registerer prometheus.Registerer
}

// WithLogger sets a custom zap logger, replacing the one built from the
// log configuration.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry sets a custom action registry, for callers that register
// additional action types.
func WithRegistry(r *action.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithRegisterer sets the Prometheus registerer metrics are registered
// on. Defaults to prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// New assembles and starts an engine: state store, agent pool, executor,
// metrics, and the scheduling loop. Non-terminal instances found in the
// store are recovered before dispatch begins. credentials may be nil when
// no workflow uses secret-bearing actions.
func New(ctx context.Context, cfg *config.Config, sandbox agent.Sandbox, credentials action.Credentials, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = NewLogger(cfg.Log)
		if err != nil {
			return nil, err
		}
	}

	registry := o.registry
	if registry == nil {
		registry = action.NewRegistry()
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		reg := o.registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		collector = metrics.NewCollector(cfg.Metrics.Namespace, reg)
	}

	state, err := store.New(cfg.Store)
	if err != nil {
		return nil, err
	}

	pool, err := agent.NewPool(ctx, sandbox, cfg.Pool, poolObserver(collector), logger)
	if err != nil {
		_ = state.Close()
		return nil, err
	}

	executor := agent.NewExecutor(registry, credentials, state, cfg.Orchestrator.DefaultStepTimeout, executorMetrics(collector), logger)

	orch := orchestrator.New(cfg.Orchestrator, registry, pool, executor, cfg.Retry, state, orchestratorMetrics(collector), logger)
	if _, err := orch.Recover(ctx); err != nil {
		_ = pool.Close(ctx)
		_ = state.Close()
		return nil, err
	}
	if err := orch.Start(ctx); err != nil {
		_ = pool.Close(ctx)
		_ = state.Close()
		return nil, err
	}

	return &Engine{
		orch:     orch,
		pool:     pool,
		registry: registry,
		state:    state,
		logger:   logger,
	}, nil
}

// Submit admits a workflow definition and returns its instance id.
func (e *Engine) Submit(ctx context.Context, def *workflow.Definition) (string, error) {
	return e.orch.Submit(ctx, def)
}

// Status returns the current view of an instance.
func (e *Engine) Status(instanceID string) (*workflow.View, error) {
	return e.orch.Status(instanceID)
}

// Cancel requests cancellation of a running instance.
func (e *Engine) Cancel(ctx context.Context, instanceID string) error {
	return e.orch.Cancel(ctx, instanceID)
}

// Subscribe streams instance and step transitions for one instance.
func (e *Engine) Subscribe(instanceID string) (<-chan orchestrator.Transition, func()) {
	return e.orch.Subscribe(instanceID)
}

// Events returns the audit log of an instance.
func (e *Engine) Events(ctx context.Context, instanceID string) ([]store.Event, error) {
	return e.orch.Events(ctx, instanceID)
}

// Registry exposes the action registry for custom action registration.
func (e *Engine) Registry() *action.Registry {
	return e.registry
}

// Shutdown drains in-flight executions, closes the pool, and releases the
// state store. Running instances stay persisted for recovery.
func (e *Engine) Shutdown(ctx context.Context) error {
	err := e.orch.Shutdown(ctx)
	if cerr := e.state.Close(); err == nil {
		err = cerr
	}
	return err
}

// NewLogger builds a zap logger from the log configuration.
func NewLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// poolStateAdapter bridges agent lifecycle notifications onto the metrics
// collector's string-labeled gauges.
type poolStateAdapter struct {
	c *metrics.Collector
}

func (a poolStateAdapter) AgentStateChanged(from, to agent.State) {
	a.c.AgentTransition(string(from), string(to))
}

func poolObserver(c *metrics.Collector) agent.PoolObserver {
	if c == nil {
		return nil
	}
	return poolStateAdapter{c: c}
}

func executorMetrics(c *metrics.Collector) agent.ExecutorMetrics {
	if c == nil {
		return nil
	}
	return c
}

func orchestratorMetrics(c *metrics.Collector) orchestrator.Metrics {
	if c == nil {
		return nil
	}
	return c
}
