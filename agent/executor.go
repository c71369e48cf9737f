package agent

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/bitagent/bitagent/action"
	"github.com/bitagent/bitagent/store"
	"github.com/bitagent/bitagent/types"
	"github.com/bitagent/bitagent/workflow"
)

// Outcome is the result of executing one action attempt on one agent.
type Outcome struct {
	InstanceID string
	StepID     string
	AgentID    string
	Success    bool
	// ErrClass classifies the failure for retry decisions
	ErrClass types.ErrorCode
	Err      error
	Value    any
	// Artifacts are opaque handles to extractions held outside the engine
	Artifacts []string
	Duration  time.Duration
	// AgentHealthy is false when the session may be in an indeterminate
	// state and the agent must go through recovery before reuse
	AgentHealthy bool
}

// ExecutorMetrics records per-action observations.
type ExecutorMetrics interface {
	ActionExecuted(actionType string, success bool, duration time.Duration)
}

// Executor runs one action against one agent's session: it decodes the
// step's descriptor, bounds the call with the step (or default) timeout,
// classifies the failure, and appends an audit event before returning.
type Executor struct {
	registry       *action.Registry
	credentials    action.Credentials
	log            store.StateStore
	defaultTimeout time.Duration
	metrics        ExecutorMetrics
	logger         *zap.Logger
}

// NewExecutor creates an executor. credentials and metrics may be nil.
func NewExecutor(registry *action.Registry, credentials action.Credentials, log store.StateStore, defaultTimeout time.Duration, metrics ExecutorMetrics, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Executor{
		registry:       registry,
		credentials:    credentials,
		log:            log,
		defaultTimeout: defaultTimeout,
		metrics:        metrics,
		logger:         logger.With(zap.String("component", "executor")),
	}
}

// Execute runs the step's action on the agent. ctx carries instance-level
// cancellation; the per-action timeout is layered inside it so the
// innermost bound that elapses first determines the reported failure.
func (e *Executor) Execute(ctx context.Context, ag *Agent, instanceID string, step *workflow.Step) Outcome {
	out := Outcome{
		InstanceID:   instanceID,
		StepID:       step.ID,
		AgentID:      ag.ID(),
		AgentHealthy: true,
	}

	act, err := e.registry.Decode(step.Action)
	if err != nil {
		out.Err = err
		out.ErrClass = types.GetErrorCode(err)
		e.finish(ctx, step, &out)
		return out
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	actionCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.logger.Debug("executing action",
		zap.String("instance_id", instanceID),
		zap.String("step_id", step.ID),
		zap.String("agent_id", ag.ID()),
		zap.String("action", act.Describe()),
		zap.Duration("timeout", timeout))

	start := time.Now()
	result, err := act.Execute(actionCtx, action.Env{Session: ag.Session(), Credentials: e.credentials})
	out.Duration = time.Since(start)

	if err != nil {
		out.Err = err
		out.ErrClass = e.classify(ctx, actionCtx, err)
		// A timed-out or aborted call may leave the session mid-action;
		// route the agent through recovery before it is reused.
		if out.ErrClass == types.ErrTimeout || out.ErrClass == types.ErrCancelled {
			out.AgentHealthy = false
		}
		e.finish(ctx, step, &out)
		return out
	}

	out.Success = true
	if result != nil {
		out.Value = result.Value
		out.Artifacts = result.Artifacts
	}
	e.finish(ctx, step, &out)
	return out
}

// classify maps an execution error to the taxonomy. Deadline expiry of
// the action context is a timeout; cancellation of the outer context is
// an abort; everything else keeps the session's own classification.
func (e *Executor) classify(outer, inner context.Context, err error) types.ErrorCode {
	switch {
	case errors.Is(inner.Err(), context.DeadlineExceeded) && errors.Is(err, context.DeadlineExceeded):
		return types.ErrTimeout
	case errors.Is(outer.Err(), context.Canceled):
		return types.ErrCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return types.ErrTimeout
	default:
		return types.GetErrorCode(err)
	}
}

// finish emits the unconditional audit event and metrics for the attempt.
// The event is appended with a fresh context so a cancelled instance
// still leaves its trace.
func (e *Executor) finish(ctx context.Context, step *workflow.Step, out *Outcome) {
	kind := store.EventStepSucceeded
	detail := ""
	if !out.Success {
		kind = store.EventStepFailed
		detail = out.Err.Error()
	}

	logCtx := ctx
	if logCtx.Err() != nil {
		var cancel context.CancelFunc
		logCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := e.log.AppendEvent(logCtx, store.NewEvent(out.InstanceID, out.StepID, out.AgentID, kind, detail)); err != nil {
		e.logger.Error("failed to append action event",
			zap.String("instance_id", out.InstanceID),
			zap.String("step_id", out.StepID),
			zap.Error(err))
	}

	if e.metrics != nil {
		e.metrics.ActionExecuted(step.Action.Type, out.Success, out.Duration)
	}

	if out.Success {
		e.logger.Debug("action succeeded",
			zap.String("instance_id", out.InstanceID),
			zap.String("step_id", out.StepID),
			zap.Duration("duration", out.Duration))
	} else {
		e.logger.Warn("action failed",
			zap.String("instance_id", out.InstanceID),
			zap.String("step_id", out.StepID),
			zap.String("error_class", string(out.ErrClass)),
			zap.Duration("duration", out.Duration),
			zap.Error(out.Err))
	}
}
