package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitagent/bitagent/action"
	"github.com/bitagent/bitagent/types"
)

func testPoolConfig(maxSize, minIdle int) PoolConfig {
	return PoolConfig{
		MaxSize:           maxSize,
		MinIdle:           minIdle,
		ProvisionAttempts: 3,
		ProvisionBackoff:  time.Millisecond,
	}
}

func newTestPool(t *testing.T, sandbox *fakeSandbox, cfg PoolConfig) *Pool {
	t.Helper()
	p, err := NewPool(context.Background(), sandbox, cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func TestPoolConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultPoolConfig().Validate())
	assert.Error(t, PoolConfig{MaxSize: 0}.Validate())
	assert.Error(t, PoolConfig{MaxSize: 2, MinIdle: 3, ProvisionAttempts: 1}.Validate())
	assert.Error(t, PoolConfig{MaxSize: 2, MinIdle: 1, ProvisionAttempts: 0}.Validate())
}

func TestPoolPreProvisionsMinIdle(t *testing.T) {
	sandbox := &fakeSandbox{}
	p := newTestPool(t, sandbox, testPoolConfig(4, 2))

	idle, busy, total := p.Stats()
	assert.Equal(t, 2, idle)
	assert.Equal(t, 0, busy)
	assert.Equal(t, 2, total)
	assert.Equal(t, int32(2), sandbox.provisioned.Load())
}

func TestPoolAcquireRelease(t *testing.T) {
	p := newTestPool(t, &fakeSandbox{}, testPoolConfig(2, 1))
	ctx := context.Background()

	ag, err := p.Acquire(ctx, "inst-1", "step-1")
	require.NoError(t, err)
	assert.Equal(t, StateBusy, ag.State())

	_, busy, _ := p.Stats()
	assert.Equal(t, 1, busy)

	p.Release(ctx, ag, true)
	assert.Equal(t, StateIdle, ag.State())
	idle, busy, _ := p.Stats()
	assert.Equal(t, 1, idle)
	assert.Equal(t, 0, busy)
}

func TestPoolNeverExceedsMaxSize(t *testing.T) {
	p := newTestPool(t, &fakeSandbox{}, testPoolConfig(3, 0))
	ctx := context.Background()

	var agents []*Agent
	for i := 0; i < 3; i++ {
		ag, err := p.Acquire(ctx, "inst-1", "step")
		require.NoError(t, err)
		agents = append(agents, ag)
	}

	_, busy, total := p.Stats()
	assert.Equal(t, 3, busy)
	assert.Equal(t, 3, total)

	// The non-blocking path reports exhaustion as (nil, nil).
	extra, err := p.TryAcquire(ctx, "inst-2", "step")
	require.NoError(t, err)
	assert.Nil(t, extra)

	// The blocking path waits; with nothing released it times out.
	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(shortCtx, "inst-2", "step")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrPoolExhausted))

	// Releasing one unblocks the bound.
	p.Release(ctx, agents[0], true)
	ag, err := p.Acquire(ctx, "inst-2", "step")
	require.NoError(t, err)
	assert.Same(t, agents[0], ag)
}

func TestPoolConcurrentAcquireHoldsSizeBound(t *testing.T) {
	// Both acquirers race the size check while provisioning is slow; the
	// slot reservation must let exactly one of them provision.
	gate := make(chan struct{})
	sandbox := &fakeSandbox{}
	sandbox.provision = func(ctx context.Context) (action.Session, error) {
		<-gate
		return &fakeSession{}, nil
	}
	p := newTestPool(t, sandbox, testPoolConfig(1, 0))

	type result struct {
		ag  *Agent
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			ag, err := p.Acquire(ctx, "inst-1", "step")
			results <- result{ag: ag, err: err}
		}()
	}

	time.Sleep(20 * time.Millisecond) // let both pass the idle fast path
	close(gate)

	first := <-results
	require.NoError(t, first.err)
	_, busy, total := p.Stats()
	assert.Equal(t, 1, busy)
	assert.Equal(t, 1, total)
	assert.Equal(t, int32(1), sandbox.provisioned.Load(), "one provisioning for a pool of one")

	// The loser is parked on the idle channel until the winner releases.
	p.Release(context.Background(), first.ag, true)
	second := <-results
	require.NoError(t, second.err)
	assert.Same(t, first.ag, second.ag)
	_, busy, total = p.Stats()
	assert.Equal(t, 1, busy)
	assert.Equal(t, 1, total)
}

func TestPoolTryAcquireRespectsReservedSlots(t *testing.T) {
	// A reservation with provisioning still in flight already counts
	// against MaxSize for the non-blocking path.
	gate := make(chan struct{})
	sandbox := &fakeSandbox{}
	sandbox.provision = func(ctx context.Context) (action.Session, error) {
		<-gate
		return &fakeSession{}, nil
	}
	p := newTestPool(t, sandbox, testPoolConfig(1, 0))

	acquireErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), "inst-1", "step")
		acquireErr <- err
	}()

	require.Eventually(t, func() bool {
		return sandbox.provisioned.Load() == 1
	}, time.Second, time.Millisecond)

	ag, err := p.TryAcquire(context.Background(), "inst-2", "step")
	require.NoError(t, err)
	assert.Nil(t, ag, "reserved slot reported as exhaustion, not double-provisioned")

	close(gate)
	require.NoError(t, <-acquireErr)
	assert.Equal(t, int32(1), sandbox.provisioned.Load())
}

func TestPoolRecoveryResetInPlace(t *testing.T) {
	p := newTestPool(t, &fakeSandbox{}, testPoolConfig(2, 0))
	ctx := context.Background()

	ag, err := p.Acquire(ctx, "inst-1", "step-1")
	require.NoError(t, err)
	sess := ag.Session().(*fakeSession)

	p.Release(ctx, ag, false)

	assert.Equal(t, StateIdle, ag.State(), "reset succeeded, agent reusable")
	assert.Equal(t, 1, sess.resetCalls)
	idle, _, total := p.Stats()
	assert.Equal(t, 1, idle)
	assert.Equal(t, 1, total)
}

func TestPoolRecoveryTerminatesOnResetFailure(t *testing.T) {
	sandbox := &fakeSandbox{}
	p := newTestPool(t, sandbox, testPoolConfig(2, 0))
	ctx := context.Background()

	ag, err := p.Acquire(ctx, "inst-1", "step-1")
	require.NoError(t, err)
	ag.Session().(*fakeSession).resetErr = errors.New("session wedged")

	p.Release(ctx, ag, false)

	assert.Equal(t, StateTerminated, ag.State())
	assert.Equal(t, int32(1), sandbox.destroyed.Load())
	_, _, total := p.Stats()
	assert.Equal(t, 0, total, "below MinIdle=0, no replacement provisioned")
}

func TestPoolReplenishesBelowMinIdle(t *testing.T) {
	sandbox := &fakeSandbox{}
	p := newTestPool(t, sandbox, testPoolConfig(2, 1))
	ctx := context.Background()

	ag, err := p.Acquire(ctx, "inst-1", "step-1")
	require.NoError(t, err)
	ag.Session().(*fakeSession).resetErr = errors.New("session wedged")

	p.Release(ctx, ag, false)

	assert.Equal(t, StateTerminated, ag.State())
	idle, _, total := p.Stats()
	assert.Equal(t, 1, idle, "replacement keeps the pool at MinIdle")
	assert.Equal(t, 1, total)
	assert.Equal(t, int32(1), sandbox.destroyed.Load())
}

func TestPoolProvisionRetriesWithBackoff(t *testing.T) {
	attempts := 0
	sandbox := &fakeSandbox{}
	sandbox.provision = func(ctx context.Context) (action.Session, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("sandbox hiccup")
		}
		return &fakeSession{}, nil
	}

	p := newTestPool(t, sandbox, testPoolConfig(2, 1))
	assert.Equal(t, 3, attempts)
	idle, _, _ := p.Stats()
	assert.Equal(t, 1, idle)
}

func TestPoolProvisionGivesUpAfterAttemptLimit(t *testing.T) {
	sandbox := &fakeSandbox{}
	sandbox.provision = func(ctx context.Context) (action.Session, error) {
		return nil, errors.New("sandbox down")
	}

	_, err := NewPool(context.Background(), sandbox, testPoolConfig(2, 1), nil, nil)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrProvisioning))
	assert.Equal(t, int32(3), sandbox.provisioned.Load())
}

func TestPoolAcquireAfterClose(t *testing.T) {
	p := newTestPool(t, &fakeSandbox{}, testPoolConfig(2, 1))
	require.NoError(t, p.Close(context.Background()))

	_, err := p.Acquire(context.Background(), "inst-1", "step-1")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrPoolExhausted))

	_, err = p.TryAcquire(context.Background(), "inst-1", "step-1")
	assert.True(t, types.IsCode(err, types.ErrPoolExhausted))
}

func TestPoolCloseDestroysAllSessions(t *testing.T) {
	sandbox := &fakeSandbox{}
	p := newTestPool(t, sandbox, testPoolConfig(3, 2))
	ctx := context.Background()

	ag, err := p.Acquire(ctx, "inst-1", "step-1")
	require.NoError(t, err)

	// Close destroys every member, the busy one included.
	require.NoError(t, p.Close(ctx))
	assert.Equal(t, int32(2), sandbox.destroyed.Load())
	assert.Equal(t, StateTerminated, ag.State())

	// Releasing the terminated agent afterwards must not panic.
	p.Release(ctx, ag, true)
	assert.Equal(t, int32(2), sandbox.destroyed.Load())
}

type stateRecorder struct {
	mu          sync.Mutex
	transitions []string
}

func (r *stateRecorder) AgentStateChanged(from, to State) {
	r.mu.Lock()
	r.transitions = append(r.transitions, string(from)+"->"+string(to))
	r.mu.Unlock()
}

func TestPoolNotifiesObserver(t *testing.T) {
	rec := &stateRecorder{}
	p, err := NewPool(context.Background(), &fakeSandbox{}, testPoolConfig(2, 1), rec, nil)
	require.NoError(t, err)
	defer p.Close(context.Background())

	ag, err := p.Acquire(context.Background(), "inst-1", "step-1")
	require.NoError(t, err)
	p.Release(context.Background(), ag, true)

	assert.Contains(t, rec.transitions, "->provisioning")
	assert.Contains(t, rec.transitions, "provisioning->idle")
	assert.Contains(t, rec.transitions, "idle->busy")
	assert.Contains(t, rec.transitions, "busy->idle")
}
