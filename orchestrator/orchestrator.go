package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/bitagent/bitagent/action"
	"github.com/bitagent/bitagent/agent"
	"github.com/bitagent/bitagent/retry"
	"github.com/bitagent/bitagent/store"
	"github.com/bitagent/bitagent/types"
	"github.com/bitagent/bitagent/workflow"
)

// Config tunes the scheduling loop.
type Config struct {
	// DefaultStepTimeout bounds actions without a per-step override
	DefaultStepTimeout time.Duration `json:"default_step_timeout" yaml:"default_step_timeout"`
	// QueueCapacity bounds admitted non-terminal instances (0 = unlimited)
	QueueCapacity int `json:"queue_capacity" yaml:"queue_capacity"`
	// TickInterval is the fallback wake-up period of the loop
	TickInterval time.Duration `json:"tick_interval" yaml:"tick_interval"`
	// SubscriberBuffer sizes per-subscriber transition channels
	SubscriberBuffer int `json:"subscriber_buffer" yaml:"subscriber_buffer"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultStepTimeout: 30 * time.Second,
		QueueCapacity:      0,
		TickInterval:       500 * time.Millisecond,
		SubscriberBuffer:   64,
	}
}

// configDoc is the YAML form of Config; durations travel as Go duration
// strings.
type configDoc struct {
	DefaultStepTimeout string `yaml:"default_step_timeout,omitempty"`
	QueueCapacity      int    `yaml:"queue_capacity"`
	TickInterval       string `yaml:"tick_interval,omitempty"`
	SubscriberBuffer   int    `yaml:"subscriber_buffer"`
}

// MarshalYAML implements yaml.Marshaler.
func (c Config) MarshalYAML() (any, error) {
	doc := configDoc{
		QueueCapacity:    c.QueueCapacity,
		SubscriberBuffer: c.SubscriberBuffer,
	}
	if c.DefaultStepTimeout > 0 {
		doc.DefaultStepTimeout = c.DefaultStepTimeout.String()
	}
	if c.TickInterval > 0 {
		doc.TickInterval = c.TickInterval.String()
	}
	return doc, nil
}

// UnmarshalYAML implements yaml.Unmarshaler. The document is decoded over
// the receiver's current values, so a partial section overrides only the
// keys it sets.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	doc := configDoc{
		QueueCapacity:    c.QueueCapacity,
		SubscriberBuffer: c.SubscriberBuffer,
	}
	if c.DefaultStepTimeout > 0 {
		doc.DefaultStepTimeout = c.DefaultStepTimeout.String()
	}
	if c.TickInterval > 0 {
		doc.TickInterval = c.TickInterval.String()
	}
	if err := node.Decode(&doc); err != nil {
		return err
	}
	stepTimeout, err := parseConfigDuration("default_step_timeout", doc.DefaultStepTimeout)
	if err != nil {
		return err
	}
	tick, err := parseConfigDuration("tick_interval", doc.TickInterval)
	if err != nil {
		return err
	}
	*c = Config{
		DefaultStepTimeout: stepTimeout,
		QueueCapacity:      doc.QueueCapacity,
		TickInterval:       tick,
		SubscriberBuffer:   doc.SubscriberBuffer,
	}
	return nil
}

func parseConfigDuration(key, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, types.Errorf(types.ErrValidation, "invalid %s %q", key, value).WithCause(err)
	}
	return d, nil
}

// Metrics is the observation surface the orchestrator reports to.
// *metrics.Collector satisfies it.
type Metrics interface {
	StepCompleted(status string)
	InstanceCompleted(status string)
	RetryScheduled()
	ProvisionFailure()
}

// Orchestrator is the top-level scheduler. It owns the agent pool and the
// set of live instances; all instance state transitions happen on its
// single control loop, so instance data needs no locking.
type Orchestrator struct {
	cfg      config
	registry *action.Registry
	pool     *agent.Pool
	executor *agent.Executor
	policy   retry.Policy
	state    store.StateStore
	metrics  Metrics
	logger   *zap.Logger

	submitCh  chan submitRequest
	cancelCh  chan cancelRequest
	outcomeCh chan agent.Outcome
	retryCh   chan retryFired
	expireCh  chan string

	// views is the persisted-visible read model served to Status callers.
	views   map[string]*workflow.View
	viewsMu sync.RWMutex

	hub *hub

	// loop-owned, touched only by run()
	instances map[string]*instanceState
	order     []string
	cursor    int

	group    *errgroup.Group
	loopCtx  context.Context
	stopLoop context.CancelFunc
	running  atomic.Bool
	done     chan struct{}
}

type config = Config

type submitRequest struct {
	graph *workflow.Graph
	reply chan submitReply
}

type submitReply struct {
	instanceID string
	err        error
}

type cancelRequest struct {
	instanceID string
	reply      chan error
}

type retryFired struct {
	instanceID string
	stepID     string
}

// instanceState is the loop's bookkeeping around one workflow.Instance.
type instanceState struct {
	inst        *workflow.Instance
	ctx         context.Context
	cancel      context.CancelFunc
	stepCancels map[string]context.CancelFunc
	notBefore   map[string]time.Time
	expire      *time.Timer
	deadline    time.Time
}

// New wires an orchestrator. pool and state are owned by the orchestrator
// from here on; metrics may be nil.
func New(cfg Config, registry *action.Registry, pool *agent.Pool, executor *agent.Executor, policy retry.Policy, state store.StateStore, metrics Metrics, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultConfig().SubscriberBuffer
	}
	return &Orchestrator{
		cfg:       cfg,
		registry:  registry,
		pool:      pool,
		executor:  executor,
		policy:    policy,
		state:     state,
		metrics:   metrics,
		logger:    logger.With(zap.String("component", "orchestrator")),
		submitCh:  make(chan submitRequest),
		cancelCh:  make(chan cancelRequest),
		outcomeCh: make(chan agent.Outcome, poolCapacity(pool)),
		retryCh:   make(chan retryFired, 64),
		expireCh:  make(chan string, 16),
		views:     make(map[string]*workflow.View),
		hub:       newHub(cfg.SubscriberBuffer),
		instances: make(map[string]*instanceState),
		done:      make(chan struct{}),
	}
}

// poolCapacity sizes the outcome channel so executor goroutines never
// block sending: at most pool-size executions are in flight at once.
func poolCapacity(p *agent.Pool) int {
	if p == nil || p.MaxSize() < 16 {
		return 16
	}
	return p.MaxSize()
}

// Start launches the scheduling loop. Call Recover first to resume
// persisted instances.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return types.NewError(types.ErrInternalError, "orchestrator already started")
	}
	o.loopCtx, o.stopLoop = context.WithCancel(ctx)
	o.group, _ = errgroup.WithContext(o.loopCtx)
	go o.run()
	o.logger.Info("orchestrator started")
	return nil
}

// Shutdown stops dispatching, waits for in-flight executions to drain,
// and closes the pool. Running instances stay persisted for recovery.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if !o.running.CompareAndSwap(true, false) {
		return nil
	}
	o.stopLoop()
	<-o.done

	drained := make(chan error, 1)
	go func() { drained <- o.group.Wait() }()
	select {
	case <-drained:
	case <-ctx.Done():
		o.logger.Warn("shutdown deadline reached with executions still in flight")
	}

	err := o.pool.Close(ctx)
	o.hub.closeAll()
	o.logger.Info("orchestrator stopped")
	return err
}

// Submit validates a definition and admits a new instance. Structural and
// validation failures are returned synchronously and never enter the
// queue; a full queue is reported as POOL_EXHAUSTED.
func (o *Orchestrator) Submit(ctx context.Context, def *workflow.Definition) (string, error) {
	graph, err := workflow.BuildGraph(def)
	if err != nil {
		return "", err
	}
	for _, stepID := range graph.StepIDs() {
		step, _ := graph.Step(stepID)
		if err := o.registry.Validate(step.Action); err != nil {
			return "", types.Errorf(types.ErrValidation, "step %q: invalid action", stepID).WithCause(err)
		}
	}
	if !o.running.Load() {
		return "", types.NewError(types.ErrInternalError, "orchestrator not running")
	}

	req := submitRequest{graph: graph, reply: make(chan submitReply, 1)}
	select {
	case o.submitCh <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-o.done:
		return "", types.NewError(types.ErrInternalError, "orchestrator stopped")
	}
	select {
	case rep := <-req.reply:
		return rep.instanceID, rep.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Status returns the caller-facing view of an instance. Views are
// published only after the corresponding snapshot has been persisted.
func (o *Orchestrator) Status(instanceID string) (*workflow.View, error) {
	o.viewsMu.RLock()
	defer o.viewsMu.RUnlock()
	v, ok := o.views[instanceID]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "instance %s not found", instanceID)
	}
	return v, nil
}

// Cancel requests cancellation of an instance. Cancelling an already
// terminal instance is an acknowledged no-op; unknown instances are
// NOT_FOUND.
func (o *Orchestrator) Cancel(ctx context.Context, instanceID string) error {
	if !o.running.Load() {
		return types.NewError(types.ErrInternalError, "orchestrator not running")
	}
	req := cancelRequest{instanceID: instanceID, reply: make(chan error, 1)}
	select {
	case o.cancelCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return types.NewError(types.ErrInternalError, "orchestrator stopped")
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns a channel of instance/step transitions for one
// instance plus a cancel function. Slow subscribers drop transitions
// rather than stalling the scheduler.
func (o *Orchestrator) Subscribe(instanceID string) (<-chan Transition, func()) {
	return o.hub.subscribe(instanceID)
}

// Events returns the audit log of an instance.
func (o *Orchestrator) Events(ctx context.Context, instanceID string) ([]store.Event, error) {
	events, err := o.state.Events(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if events == nil {
		if _, verr := o.Status(instanceID); verr != nil {
			return nil, verr
		}
	}
	return events, nil
}

// Recover reloads every non-terminal instance from the state store and
// queues it for dispatch. Steps persisted as succeeded are never re-run;
// steps persisted as running are re-dispatched. Call before Start.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	snaps, err := o.state.LoadActive(ctx)
	if err != nil {
		return 0, err
	}
	for _, snap := range snaps {
		inst, err := workflow.Restore(snap)
		if err != nil {
			o.logger.Error("skipping unrecoverable snapshot",
				zap.String("instance_id", snap.ID),
				zap.Error(err))
			continue
		}
		o.register(inst)
		o.publish(inst)
		o.logger.Info("instance recovered",
			zap.String("instance_id", inst.ID()),
			zap.String("status", string(inst.Status())))
	}
	return len(o.instances), nil
}

// register adds an instance to the loop's bookkeeping. Used at submit and
// recovery time (recovery runs before the loop starts).
func (o *Orchestrator) register(inst *workflow.Instance) *instanceState {
	ctx, cancel := context.WithCancel(context.Background())
	is := &instanceState{
		inst:        inst,
		ctx:         ctx,
		cancel:      cancel,
		stepCancels: make(map[string]context.CancelFunc),
		notBefore:   make(map[string]time.Time),
	}
	if t := inst.Graph().Definition().Timeout; t > 0 {
		// The timer send may be dropped when expireCh is full; the loop's
		// ticker re-checks deadlines, so expiry is never lost.
		is.deadline = time.Now().Add(t)
		id := inst.ID()
		is.expire = time.AfterFunc(t, func() {
			select {
			case o.expireCh <- id:
			default:
			}
		})
	}
	o.instances[inst.ID()] = is
	o.order = append(o.order, inst.ID())
	return is
}

func newInstanceID() string {
	return uuid.NewString()
}
