package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/bitagent/bitagent/action"
	"github.com/bitagent/bitagent/types"
)

// Sandbox provisions and destroys isolated browser sessions. It is the
// external collaborator the pool consumes; the engine never creates
// sessions itself.
type Sandbox interface {
	Provision(ctx context.Context) (action.Session, error)
	Destroy(ctx context.Context, session action.Session) error
}

// PoolConfig configures the agent pool.
type PoolConfig struct {
	// MaxSize bounds the number of live agents (the max concurrency)
	MaxSize int `json:"max_size" yaml:"max_size"`
	// MinIdle is the number of agents pre-provisioned and kept alive
	MinIdle int `json:"min_idle" yaml:"min_idle"`
	// ProvisionAttempts bounds retries for one provisioning request
	ProvisionAttempts int `json:"provision_attempts" yaml:"provision_attempts"`
	// ProvisionBackoff is the base delay between provisioning retries
	ProvisionBackoff time.Duration `json:"provision_backoff" yaml:"provision_backoff"`
	// ProvisionRate limits provisioning requests per second (0 = unlimited)
	ProvisionRate float64 `json:"provision_rate" yaml:"provision_rate"`
	// ProvisionBurst is the rate limiter burst size
	ProvisionBurst int `json:"provision_burst" yaml:"provision_burst"`
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxSize:           5,
		MinIdle:           1,
		ProvisionAttempts: 3,
		ProvisionBackoff:  500 * time.Millisecond,
		ProvisionRate:     2,
		ProvisionBurst:    2,
	}
}

// poolConfigDoc is the YAML form of PoolConfig; the backoff travels as a
// Go duration string.
type poolConfigDoc struct {
	MaxSize           int     `yaml:"max_size"`
	MinIdle           int     `yaml:"min_idle"`
	ProvisionAttempts int     `yaml:"provision_attempts"`
	ProvisionBackoff  string  `yaml:"provision_backoff,omitempty"`
	ProvisionRate     float64 `yaml:"provision_rate"`
	ProvisionBurst    int     `yaml:"provision_burst"`
}

// MarshalYAML implements yaml.Marshaler.
func (c PoolConfig) MarshalYAML() (any, error) {
	doc := poolConfigDoc{
		MaxSize:           c.MaxSize,
		MinIdle:           c.MinIdle,
		ProvisionAttempts: c.ProvisionAttempts,
		ProvisionRate:     c.ProvisionRate,
		ProvisionBurst:    c.ProvisionBurst,
	}
	if c.ProvisionBackoff > 0 {
		doc.ProvisionBackoff = c.ProvisionBackoff.String()
	}
	return doc, nil
}

// UnmarshalYAML implements yaml.Unmarshaler. The document is decoded over
// the receiver's current values, so a partial section overrides only the
// keys it sets.
func (c *PoolConfig) UnmarshalYAML(node *yaml.Node) error {
	doc := poolConfigDoc{
		MaxSize:           c.MaxSize,
		MinIdle:           c.MinIdle,
		ProvisionAttempts: c.ProvisionAttempts,
		ProvisionRate:     c.ProvisionRate,
		ProvisionBurst:    c.ProvisionBurst,
	}
	if c.ProvisionBackoff > 0 {
		doc.ProvisionBackoff = c.ProvisionBackoff.String()
	}
	if err := node.Decode(&doc); err != nil {
		return err
	}
	backoff := time.Duration(0)
	if doc.ProvisionBackoff != "" {
		var err error
		backoff, err = time.ParseDuration(doc.ProvisionBackoff)
		if err != nil {
			return types.Errorf(types.ErrValidation, "invalid provision_backoff %q", doc.ProvisionBackoff).WithCause(err)
		}
	}
	*c = PoolConfig{
		MaxSize:           doc.MaxSize,
		MinIdle:           doc.MinIdle,
		ProvisionAttempts: doc.ProvisionAttempts,
		ProvisionBackoff:  backoff,
		ProvisionRate:     doc.ProvisionRate,
		ProvisionBurst:    doc.ProvisionBurst,
	}
	return nil
}

// Validate checks config consistency.
func (c PoolConfig) Validate() error {
	if c.MaxSize <= 0 {
		return types.NewError(types.ErrValidation, "pool max_size must be positive")
	}
	if c.MinIdle < 0 || c.MinIdle > c.MaxSize {
		return types.NewError(types.ErrValidation, "pool min_idle must be in [0, max_size]")
	}
	if c.ProvisionAttempts <= 0 {
		return types.NewError(types.ErrValidation, "pool provision_attempts must be positive")
	}
	return nil
}

// PoolObserver is notified of agent lifecycle changes, used to keep
// metrics gauges current.
type PoolObserver interface {
	AgentStateChanged(from, to State)
}

// Pool is the bounded set of agents. Membership and the idle/busy split
// are the only state mutated from multiple goroutines and are guarded by
// a single mutex plus the idle channel.
type Pool struct {
	sandbox  Sandbox
	cfg      PoolConfig
	idle     chan *Agent
	agents   map[string]*Agent
	limiter  *rate.Limiter
	observer PoolObserver
	logger   *zap.Logger

	mu        sync.Mutex
	pending   int // reserved slots with provisioning in flight
	closed    bool
	closeOnce sync.Once
}

// NewPool creates a pool and pre-provisions MinIdle agents.
func NewPool(ctx context.Context, sandbox Sandbox, cfg PoolConfig, observer PoolObserver, logger *zap.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	if cfg.ProvisionRate > 0 {
		limit = rate.Limit(cfg.ProvisionRate)
	}
	burst := cfg.ProvisionBurst
	if burst <= 0 {
		burst = 1
	}

	p := &Pool{
		sandbox:  sandbox,
		cfg:      cfg,
		idle:     make(chan *Agent, cfg.MaxSize),
		agents:   make(map[string]*Agent),
		limiter:  rate.NewLimiter(limit, burst),
		observer: observer,
		logger:   logger.With(zap.String("component", "agent_pool")),
	}

	for i := 0; i < cfg.MinIdle; i++ {
		// MinIdle <= MaxSize, so the reservation cannot be refused here.
		if ok, err := p.reserve(); err != nil || !ok {
			_ = p.Close(ctx)
			return nil, types.NewError(types.ErrProvisioning, "pool bound reached during pre-provisioning")
		}
		ag, err := p.provision(ctx)
		if err != nil {
			_ = p.Close(ctx)
			return nil, err
		}
		p.setState(ag, StateIdle)
		p.idle <- ag
	}

	p.logger.Info("agent pool created",
		zap.Int("max_size", cfg.MaxSize),
		zap.Int("min_idle", cfg.MinIdle))
	return p, nil
}

// Acquire hands out an idle agent marked busy with the given assignment.
// When the pool is below MaxSize a fresh agent is provisioned; at the
// bound the call blocks until an agent is released or ctx is done.
func (p *Pool) Acquire(ctx context.Context, instanceID, stepID string) (*Agent, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, types.NewError(types.ErrPoolExhausted, "agent pool is closed")
	}
	p.mu.Unlock()

	select {
	case ag, ok := <-p.idle:
		if !ok {
			return nil, types.NewError(types.ErrPoolExhausted, "agent pool is closed")
		}
		return p.checkout(ag, instanceID, stepID)
	default:
	}

	ok, err := p.reserve()
	if err != nil {
		return nil, err
	}
	if !ok {
		select {
		case ag, ok := <-p.idle:
			if !ok {
				return nil, types.NewError(types.ErrPoolExhausted, "agent pool is closed")
			}
			return p.checkout(ag, instanceID, stepID)
		case <-ctx.Done():
			return nil, types.NewError(types.ErrPoolExhausted, "no idle agent available").WithCause(ctx.Err())
		}
	}

	ag, err := p.provision(ctx)
	if err != nil {
		return nil, err
	}
	if err := ag.assign(instanceID, stepID); err != nil {
		return nil, err
	}
	p.notify(StateProvisioning, StateBusy)
	return ag, nil
}

// TryAcquire is the non-blocking variant used by the scheduling loop: it
// returns nil when no agent can be handed out immediately.
func (p *Pool) TryAcquire(ctx context.Context, instanceID, stepID string) (*Agent, error) {
	select {
	case ag, ok := <-p.idle:
		if !ok {
			return nil, types.NewError(types.ErrPoolExhausted, "agent pool is closed")
		}
		return p.checkout(ag, instanceID, stepID)
	default:
	}

	ok, err := p.reserve()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	ag, err := p.provision(ctx)
	if err != nil {
		return nil, err
	}
	if err := ag.assign(instanceID, stepID); err != nil {
		return nil, err
	}
	p.notify(StateProvisioning, StateBusy)
	return ag, nil
}

// reserve atomically claims a provisioning slot against the size bound.
// Registered agents and reservations with provisioning still in flight
// count together, so concurrent acquirers can never overshoot MaxSize.
func (p *Pool) reserve() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, types.NewError(types.ErrPoolExhausted, "agent pool is closed")
	}
	if len(p.agents)+p.pending >= p.cfg.MaxSize {
		return false, nil
	}
	p.pending++
	return true, nil
}

func (p *Pool) unreserve() {
	p.mu.Lock()
	p.pending--
	p.mu.Unlock()
}

func (p *Pool) checkout(ag *Agent, instanceID, stepID string) (*Agent, error) {
	if err := ag.assign(instanceID, stepID); err != nil {
		return nil, err
	}
	p.notify(StateIdle, StateBusy)
	p.logger.Debug("agent acquired",
		zap.String("agent_id", ag.ID()),
		zap.String("instance_id", instanceID),
		zap.String("step_id", stepID))
	return ag, nil
}

// Release returns a busy agent to the pool. A healthy agent goes straight
// back to idle; an unhealthy one enters recovery: the session is reset in
// place when possible, otherwise the agent is terminated and replaced
// when the pool would drop below MinIdle.
func (p *Pool) Release(ctx context.Context, ag *Agent, healthy bool) {
	if healthy {
		if err := ag.transition(StateIdle); err != nil {
			p.logger.Warn("release of non-busy agent", zap.String("agent_id", ag.ID()), zap.Error(err))
			return
		}
		p.notify(StateBusy, StateIdle)
		p.park(ctx, ag)
		return
	}

	if err := ag.transition(StateRecovering); err != nil {
		p.logger.Warn("recovery of non-busy agent", zap.String("agent_id", ag.ID()), zap.Error(err))
		return
	}
	p.notify(StateBusy, StateRecovering)
	p.logger.Info("agent recovering", zap.String("agent_id", ag.ID()))

	if err := ag.Session().Reset(ctx); err == nil {
		if err := ag.transition(StateIdle); err == nil {
			p.notify(StateRecovering, StateIdle)
			p.park(ctx, ag)
			return
		}
	}

	p.terminate(ctx, ag, StateRecovering)
	p.replenish(ctx)
}

// park puts an idle agent back on the idle channel, destroying it when
// the pool closed concurrently.
func (p *Pool) park(ctx context.Context, ag *Agent) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(ctx, ag)
		return
	}
	select {
	case p.idle <- ag:
		p.mu.Unlock()
	default:
		p.mu.Unlock()
		p.terminate(ctx, ag, StateIdle)
	}
}

// terminate removes an agent from the pool and destroys its session.
func (p *Pool) terminate(ctx context.Context, ag *Agent, from State) {
	_ = ag.transition(StateTerminated)
	p.notify(from, StateTerminated)
	p.mu.Lock()
	delete(p.agents, ag.ID())
	p.mu.Unlock()
	if err := p.sandbox.Destroy(ctx, ag.Session()); err != nil {
		p.logger.Warn("failed to destroy session", zap.String("agent_id", ag.ID()), zap.Error(err))
	}
	p.logger.Info("agent terminated", zap.String("agent_id", ag.ID()))
}

func (p *Pool) destroy(ctx context.Context, ag *Agent) {
	_ = ag.transition(StateTerminated)
	if err := p.sandbox.Destroy(ctx, ag.Session()); err != nil {
		p.logger.Warn("failed to destroy session", zap.String("agent_id", ag.ID()), zap.Error(err))
	}
}

// replenish provisions a replacement when the pool dropped below MinIdle.
func (p *Pool) replenish(ctx context.Context) {
	p.mu.Lock()
	need := !p.closed && len(p.agents)+p.pending < p.cfg.MinIdle
	if need {
		p.pending++
	}
	p.mu.Unlock()
	if !need {
		return
	}
	ag, err := p.provision(ctx)
	if err != nil {
		p.logger.Error("pool degraded: replacement provisioning failed", zap.Error(err))
		return
	}
	p.setState(ag, StateIdle)
	p.park(ctx, ag)
}

// provision acquires a fresh session with rate limiting and bounded
// backoff retries, then registers the agent (still in provisioning state).
// The caller must hold a reservation; it is converted into pool membership
// on registration and released on failure.
func (p *Pool) provision(ctx context.Context) (ag *Agent, err error) {
	defer func() {
		if err != nil {
			p.unreserve()
		}
	}()

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, types.NewError(types.ErrProvisioning, "provisioning rate limit wait interrupted").WithCause(err)
	}

	var session action.Session
	var lastErr error
	for attempt := 1; attempt <= p.cfg.ProvisionAttempts; attempt++ {
		session, lastErr = p.sandbox.Provision(ctx)
		if lastErr == nil {
			break
		}
		p.logger.Warn("provisioning attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.cfg.ProvisionAttempts),
			zap.Error(lastErr))
		if attempt == p.cfg.ProvisionAttempts {
			return nil, types.NewError(types.ErrProvisioning, "session provisioning failed").WithCause(lastErr)
		}
		backoff := p.cfg.ProvisionBackoff * time.Duration(1<<(attempt-1))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, types.NewError(types.ErrProvisioning, "provisioning cancelled").WithCause(ctx.Err())
		}
	}

	ag = newAgent(uuid.NewString(), session)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(ctx, ag)
		return nil, types.NewError(types.ErrPoolExhausted, "agent pool is closed")
	}
	p.agents[ag.ID()] = ag
	p.pending--
	p.mu.Unlock()

	p.notify("", StateProvisioning)
	p.logger.Debug("agent provisioned", zap.String("agent_id", ag.ID()))
	return ag, nil
}

func (p *Pool) setState(ag *Agent, to State) {
	from := ag.State()
	if err := ag.transition(to); err == nil {
		p.notify(from, to)
	}
}

func (p *Pool) notify(from, to State) {
	if p.observer != nil {
		p.observer.AgentStateChanged(from, to)
	}
}

// MaxSize returns the configured concurrency bound.
func (p *Pool) MaxSize() int {
	return p.cfg.MaxSize
}

// Stats returns the idle/busy/total agent counts.
func (p *Pool) Stats() (idle, busy, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle = len(p.idle)
	total = len(p.agents)
	busy = total - idle
	return
}

// Close terminates every agent and destroys their sessions.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	agents := make([]*Agent, 0, len(p.agents))
	for _, ag := range p.agents {
		agents = append(agents, ag)
	}
	p.agents = make(map[string]*Agent)
	p.closeOnce.Do(func() { close(p.idle) })
	p.mu.Unlock()

	for range p.idle {
		// drained below through the agents slice
	}
	for _, ag := range agents {
		p.destroy(ctx, ag)
	}

	p.logger.Info("agent pool closed")
	return nil
}
