package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bitagent/bitagent/agent"
	"github.com/bitagent/bitagent/store"
	"github.com/bitagent/bitagent/types"
	"github.com/bitagent/bitagent/workflow"
)

// run is the single control loop. It is the only goroutine that mutates
// instance state; agents' action executions run concurrently and report
// back through outcomeCh.
func (o *Orchestrator) run() {
	defer close(o.done)

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case req := <-o.submitCh:
			req.reply <- o.admit(req.graph)

		case req := <-o.cancelCh:
			req.reply <- o.cancelInstance(req.instanceID)

		case out := <-o.outcomeCh:
			o.handleOutcome(out)

		case fired := <-o.retryCh:
			if is, ok := o.instances[fired.instanceID]; ok {
				delete(is.notBefore, fired.stepID)
			}

		case instanceID := <-o.expireCh:
			o.expireInstance(instanceID)

		case <-ticker.C:
			o.expireOverdue()

		case <-o.loopCtx.Done():
			return
		}

		o.sweepTerminal()
		o.dispatchAll()
	}
}

// admit creates and persists a new instance, or rejects it when the
// queue bound is reached.
func (o *Orchestrator) admit(graph *workflow.Graph) submitReply {
	if o.cfg.QueueCapacity > 0 {
		active := 0
		for _, is := range o.instances {
			if !is.inst.Status().Terminal() {
				active++
			}
		}
		if active >= o.cfg.QueueCapacity {
			return submitReply{err: types.Errorf(types.ErrPoolExhausted,
				"instance queue full (%d active)", active)}
		}
	}

	inst := workflow.NewInstance(newInstanceID(), graph)
	is := o.register(inst)
	if err := o.persistAndPublish(is); err != nil {
		o.unregister(inst.ID())
		return submitReply{err: types.NewError(types.ErrInternalError, "failed to persist instance").WithCause(err)}
	}
	o.appendEvent(store.NewEvent(inst.ID(), "", "", store.EventInstanceSubmitted, graph.Definition().Name))

	o.logger.Info("instance admitted",
		zap.String("instance_id", inst.ID()),
		zap.String("workflow", graph.Definition().Name),
		zap.Int("steps", len(graph.StepIDs())))
	return submitReply{instanceID: inst.ID()}
}

// unregister removes loop bookkeeping after a failed admission.
func (o *Orchestrator) unregister(instanceID string) {
	if is, ok := o.instances[instanceID]; ok {
		is.cancel()
		if is.expire != nil {
			is.expire.Stop()
		}
		delete(o.instances, instanceID)
	}
	for i, id := range o.order {
		if id == instanceID {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}

// dispatchAll advances every running instance: recomputes frontiers and
// hands ready steps to idle agents. Instances are visited round-robin
// from a rotating cursor so no instance starves another; one step is
// dispatched per instance per pass while agents remain.
func (o *Orchestrator) dispatchAll() {
	if len(o.order) == 0 {
		return
	}

	for _, id := range o.order {
		if is, ok := o.instances[id]; ok {
			o.refreshFrontier(is)
		}
	}

	for {
		progress := false
		for i := 0; i < len(o.order); i++ {
			idx := (o.cursor + i) % len(o.order)
			is, ok := o.instances[o.order[idx]]
			if !ok || is.inst.Status() != workflow.StatusRunning {
				continue
			}
			switch o.dispatchOne(is) {
			case dispatched:
				progress = true
			case poolBusy:
				o.cursor = (o.cursor + 1) % len(o.order)
				return
			}
		}
		o.cursor = (o.cursor + 1) % len(o.order)
		if !progress {
			return
		}
	}
}

type dispatchResult int

const (
	nothingReady dispatchResult = iota
	dispatched
	poolBusy
)

// dispatchOne starts at most one ready step of the instance.
func (o *Orchestrator) dispatchOne(is *instanceState) dispatchResult {
	now := time.Now()
	for _, stepID := range is.inst.Graph().StepIDs() {
		if is.inst.StepStatus(stepID) != workflow.StepReady {
			continue
		}
		if nb, ok := is.notBefore[stepID]; ok && now.Before(nb) {
			continue
		}

		ag, err := o.pool.TryAcquire(o.loopCtx, is.inst.ID(), stepID)
		if err != nil {
			if types.IsCode(err, types.ErrProvisioning) && o.metrics != nil {
				o.metrics.ProvisionFailure()
			}
			o.logger.Error("agent acquisition failed",
				zap.String("instance_id", is.inst.ID()),
				zap.String("step_id", stepID),
				zap.Error(err))
			return poolBusy
		}
		if ag == nil {
			return poolBusy
		}

		o.startStep(is, stepID, ag)
		return dispatched
	}
	return nothingReady
}

// startStep transitions a ready step to running and launches its
// execution on the acquired agent.
func (o *Orchestrator) startStep(is *instanceState, stepID string, ag *agent.Agent) {
	if err := is.inst.MarkRunning(stepID); err != nil {
		o.logger.Error("illegal dispatch", zap.String("step_id", stepID), zap.Error(err))
		o.pool.Release(o.loopCtx, ag, true)
		return
	}
	if err := o.persistAndPublish(is); err != nil {
		o.logger.Error("failed to persist dispatch", zap.Error(err))
	}
	o.appendEvent(store.NewEvent(is.inst.ID(), stepID, ag.ID(), store.EventStepDispatched, ""))

	step, _ := is.inst.Graph().Step(stepID)
	stepCtx, cancel := context.WithCancel(is.ctx)
	is.stepCancels[stepID] = cancel
	instanceID := is.inst.ID()

	o.group.Go(func() error {
		defer cancel()
		out := o.executor.Execute(stepCtx, ag, instanceID, step)
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 30*time.Second)
		o.pool.Release(releaseCtx, ag, out.AgentHealthy)
		releaseCancel()
		// Release settles an unhealthy agent: its session is reset in
		// place or the agent is terminated and replaced.
		if !out.AgentHealthy {
			o.appendEvent(store.NewEvent(instanceID, step.ID, ag.ID(), store.EventAgentRecovering, string(out.ErrClass)))
			if ag.State() == agent.StateTerminated {
				o.appendEvent(store.NewEvent(instanceID, step.ID, ag.ID(), store.EventAgentTerminated, "session reset failed"))
			}
		}
		o.outcomeCh <- out
		return nil
	})
}

// handleOutcome applies one execution result: success advances the
// frontier, failure consults the retry policy, terminal failure of a
// critical step aborts the instance.
func (o *Orchestrator) handleOutcome(out agent.Outcome) {
	is, ok := o.instances[out.InstanceID]
	if !ok {
		return
	}
	delete(is.stepCancels, out.StepID)

	if out.Success {
		if err := is.inst.MarkSucceeded(out.StepID, out.Artifacts); err != nil {
			o.logger.Error("illegal success transition", zap.String("step_id", out.StepID), zap.Error(err))
			return
		}
		if o.metrics != nil {
			o.metrics.StepCompleted(string(workflow.StepSucceeded))
		}
		o.afterStepChange(is)
		return
	}

	// A cancelled attempt is terminal for the step but carries no retry
	// budget decision: the instance is already aborting.
	if out.ErrClass == types.ErrCancelled || is.inst.Status().Terminal() {
		o.failStep(is, out.StepID, out.Err.Error())
		o.afterStepChange(is)
		return
	}

	is.inst.RecordError(out.StepID, out.Err.Error())
	step, _ := is.inst.Graph().Step(out.StepID)
	decision := o.policy.Decide(is.inst.Attempts(out.StepID), out.ErrClass, step.MaxAttempts)

	if decision.Retry {
		o.scheduleRetry(is, out.StepID, decision.Delay)
		return
	}

	o.failStep(is, out.StepID, out.Err.Error())

	if step.Critical {
		o.abortInstance(is, workflow.StatusFailed,
			"critical step "+out.StepID+" failed: "+out.Err.Error())
		return
	}
	o.afterStepChange(is)
}

// scheduleRetry re-queues a running step as ready after a backoff delay.
func (o *Orchestrator) scheduleRetry(is *instanceState, stepID string, delay time.Duration) {
	if err := is.inst.MarkReady(stepID); err != nil {
		o.logger.Error("illegal retry transition", zap.String("step_id", stepID), zap.Error(err))
		return
	}
	is.notBefore[stepID] = time.Now().Add(delay)
	if err := o.persistAndPublish(is); err != nil {
		o.logger.Error("failed to persist retry", zap.Error(err))
	}
	o.appendEvent(store.NewEvent(is.inst.ID(), stepID, "", store.EventStepRetryQueued, delay.String()))
	if o.metrics != nil {
		o.metrics.RetryScheduled()
	}
	o.logger.Info("step retry scheduled",
		zap.String("instance_id", is.inst.ID()),
		zap.String("step_id", stepID),
		zap.Int("attempts", is.inst.Attempts(stepID)),
		zap.Duration("delay", delay))

	instanceID := is.inst.ID()
	time.AfterFunc(delay, func() {
		select {
		case o.retryCh <- retryFired{instanceID: instanceID, stepID: stepID}:
		default:
		}
	})
}

// failStep marks a step terminally failed.
func (o *Orchestrator) failStep(is *instanceState, stepID, reason string) {
	if err := is.inst.MarkFailed(stepID, reason); err != nil {
		o.logger.Error("illegal failure transition", zap.String("step_id", stepID), zap.Error(err))
		return
	}
	if o.metrics != nil {
		o.metrics.StepCompleted(string(workflow.StepFailed))
	}
	o.logger.Warn("step failed terminally",
		zap.String("instance_id", is.inst.ID()),
		zap.String("step_id", stepID),
		zap.String("reason", reason))
}

// refreshFrontier propagates skips and promotes newly ready steps,
// persisting when anything changed.
func (o *Orchestrator) refreshFrontier(is *instanceState) {
	ready, skipped := is.inst.Frontier()
	for _, stepID := range skipped {
		o.appendEvent(store.NewEvent(is.inst.ID(), stepID, "", store.EventStepSkipped, "dependency failed or skipped"))
		if o.metrics != nil {
			o.metrics.StepCompleted(string(workflow.StepSkipped))
		}
	}
	if len(ready) > 0 || len(skipped) > 0 {
		if err := o.persistAndPublish(is); err != nil {
			o.logger.Error("failed to persist frontier", zap.Error(err))
		}
	}
	o.maybeComplete(is)
}

// afterStepChange persists the step transition, advances the frontier,
// and checks for completion.
func (o *Orchestrator) afterStepChange(is *instanceState) {
	if err := o.persistAndPublish(is); err != nil {
		o.logger.Error("failed to persist step change", zap.Error(err))
	}
	o.refreshFrontier(is)
}

// maybeComplete finalizes an instance once every step quiesced.
func (o *Orchestrator) maybeComplete(is *instanceState) {
	status, changed := is.inst.Complete()
	if !changed {
		return
	}
	o.finalize(is, status, "")
}

// abortInstance forces a terminal status and interrupts in-flight steps.
// Steps already doomed by a failed dependency are settled as skipped so
// the final view carries no false pending work.
func (o *Orchestrator) abortInstance(is *instanceState, status workflow.Status, reason string) {
	if !is.inst.Abort(status) {
		return
	}
	for _, stepID := range is.inst.PropagateSkips() {
		o.appendEvent(store.NewEvent(is.inst.ID(), stepID, "", store.EventStepSkipped, "dependency failed or skipped"))
		if o.metrics != nil {
			o.metrics.StepCompleted(string(workflow.StepSkipped))
		}
	}
	// Interrupt in-flight steps but keep their stepCancels entries: the
	// instance stays registered until every interrupted outcome lands, so
	// handleOutcome can settle those steps in the terminal snapshot.
	for _, cancel := range is.stepCancels {
		cancel()
	}
	o.finalize(is, status, reason)
}

// finalize persists the terminal state and emits the closing event.
func (o *Orchestrator) finalize(is *instanceState, status workflow.Status, reason string) {
	is.cancel()
	if is.expire != nil {
		is.expire.Stop()
	}
	if err := o.persistAndPublish(is); err != nil {
		o.logger.Error("failed to persist terminal state", zap.Error(err))
	}

	kind := store.EventInstanceSucceeded
	switch status {
	case workflow.StatusFailed:
		kind = store.EventInstanceFailed
	case workflow.StatusCancelled:
		kind = store.EventInstanceCancelled
	}
	o.appendEvent(store.NewEvent(is.inst.ID(), "", "", kind, reason))
	if o.metrics != nil {
		o.metrics.InstanceCompleted(string(status))
	}
	o.logger.Info("instance finished",
		zap.String("instance_id", is.inst.ID()),
		zap.String("status", string(status)),
		zap.String("reason", reason))
}

// sweepTerminal evicts finished instances from the loop's bookkeeping
// once their last in-flight execution reported back. Views and persisted
// state stay available to Status callers.
func (o *Orchestrator) sweepTerminal() {
	for id, is := range o.instances {
		if is.inst.Status().Terminal() && len(is.stepCancels) == 0 {
			o.unregister(id)
		}
	}
}

// cancelInstance services a caller cancel request on the loop.
func (o *Orchestrator) cancelInstance(instanceID string) error {
	is, ok := o.instances[instanceID]
	if !ok {
		if _, err := o.Status(instanceID); err == nil {
			return nil // already terminal and evicted
		}
		return types.Errorf(types.ErrNotFound, "instance %s not found", instanceID)
	}
	if is.inst.Status().Terminal() {
		return nil
	}
	o.abortInstance(is, workflow.StatusCancelled, "cancelled by caller")
	return nil
}

// expireOverdue aborts every instance past its deadline. Backstop for
// expiry timer sends dropped on a full expireCh.
func (o *Orchestrator) expireOverdue() {
	now := time.Now()
	for id, is := range o.instances {
		if !is.deadline.IsZero() && now.After(is.deadline) && !is.inst.Status().Terminal() {
			o.expireInstance(id)
		}
	}
}

// expireInstance aborts an instance whose overall timeout elapsed.
func (o *Orchestrator) expireInstance(instanceID string) {
	is, ok := o.instances[instanceID]
	if !ok || is.inst.Status().Terminal() {
		return
	}
	o.abortInstance(is, workflow.StatusFailed, "instance timeout exceeded")
}

// persistAndPublish writes the snapshot and only then publishes the view
// to Status readers and subscribers: the write happens-before visibility.
func (o *Orchestrator) persistAndPublish(is *instanceState) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.state.Persist(ctx, is.inst.Snapshot()); err != nil {
		return err
	}
	o.publish(is.inst)
	return nil
}

// publish refreshes the read model and notifies subscribers.
func (o *Orchestrator) publish(inst *workflow.Instance) {
	view := inst.View()
	o.viewsMu.Lock()
	o.views[inst.ID()] = view
	o.viewsMu.Unlock()
	o.hub.publish(view)
}

// appendEvent writes an audit record, logging (never failing) on error.
func (o *Orchestrator) appendEvent(ev store.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.state.AppendEvent(ctx, ev); err != nil {
		o.logger.Error("failed to append event",
			zap.String("instance_id", ev.InstanceID),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
	}
}
