package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitagent/bitagent/action"
	"github.com/bitagent/bitagent/workflow"
)

func testSnapshot(t *testing.T, id string) *workflow.Snapshot {
	t.Helper()
	def := &workflow.Definition{
		Name: "wf-" + id,
		Steps: []workflow.Step{
			{ID: "open", Action: action.Descriptor{Type: action.TypeNavigate, Params: map[string]any{"url": "https://example.com"}}},
			{ID: "shoot", Action: action.Descriptor{Type: action.TypeScreenshot}, DependsOn: []string{"open"}},
		},
	}
	g, err := workflow.BuildGraph(def)
	require.NoError(t, err)
	return workflow.NewInstance(id, g).Snapshot()
}

func terminalSnapshot(t *testing.T, id string) *workflow.Snapshot {
	t.Helper()
	snap := testSnapshot(t, id)
	snap.Status = workflow.StatusSucceeded
	return snap
}

// runStateStoreContract exercises the behavior every backend must share.
func runStateStoreContract(t *testing.T, s StateStore) {
	ctx := context.Background()

	_, err := s.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	snap := testSnapshot(t, "inst-1")
	require.NoError(t, s.Persist(ctx, snap))

	got, err := s.Load(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, snap.ID, got.ID)
	assert.Equal(t, snap.Status, got.Status)
	require.NotNil(t, got.Definition)
	assert.Equal(t, snap.Definition.Name, got.Definition.Name)
	assert.Len(t, got.Steps, 2)

	// Persist is an upsert: the latest snapshot wins.
	snap.Status = workflow.StatusCancelled
	require.NoError(t, s.Persist(ctx, snap))
	got, err = s.Load(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, got.Status)

	// LoadActive filters terminal instances.
	require.NoError(t, s.Persist(ctx, testSnapshot(t, "inst-2")))
	require.NoError(t, s.Persist(ctx, terminalSnapshot(t, "inst-3")))
	active, err := s.LoadActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "inst-2", active[0].ID)

	// Event logs keep append order per instance.
	for i := 0; i < 5; i++ {
		ev := NewEvent("inst-2", fmt.Sprintf("step-%d", i), "", EventStepDispatched, "")
		require.NoError(t, s.AppendEvent(ctx, ev))
	}
	require.NoError(t, s.AppendEvent(ctx, NewEvent("inst-1", "", "", EventInstanceCancelled, "")))

	events, err := s.Events(ctx, "inst-2")
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("step-%d", i), ev.StepID)
		assert.Equal(t, "inst-2", ev.InstanceID)
		assert.NotEmpty(t, ev.ID)
	}

	empty, err := s.Events(ctx, "never-seen")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryStoreContract(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	runStateStoreContract(t, s)
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	ctx := context.Background()
	assert.ErrorIs(t, s.Persist(ctx, testSnapshot(t, "x")), ErrStoreClosed)
	_, err := s.Load(ctx, "x")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, s.AppendEvent(ctx, NewEvent("x", "", "", EventStepFailed, "")), ErrStoreClosed)
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	snap := testSnapshot(t, "inst-iso")
	require.NoError(t, s.Persist(ctx, snap))

	// Mutating the caller's snapshot after Persist must not leak in.
	snap.Status = workflow.StatusFailed

	got, err := s.Load(ctx, "inst-iso")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, got.Status)
}

func TestFileStoreContract(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	runStateStoreContract(t, s)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Persist(ctx, testSnapshot(t, "inst-1")))
	require.NoError(t, s.AppendEvent(ctx, NewEvent("inst-1", "open", "", EventStepDispatched, "")))
	require.NoError(t, s.Close())

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	snap, err := reopened.Load(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "inst-1", snap.ID)

	events, err := reopened.Events(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventStepDispatched, events[0].Kind)

	active, err := reopened.LoadActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func newRedisTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRedisStoreContract(t *testing.T) {
	runStateStoreContract(t, newRedisTestStore(t))
}

func TestRedisStoreKeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(RedisConfig{Addr: mr.Addr(), KeyPrefix: "custom:"})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Persist(ctx, testSnapshot(t, "inst-1")))
	assert.True(t, mr.Exists("custom:instance:inst-1"))
	assert.True(t, mr.Exists("custom:instances"))
}

func TestNewRedisStoreConnectFailure(t *testing.T) {
	_, err := NewRedisStore(RedisConfig{Addr: "127.0.0.1:1"})
	require.Error(t, err)
}

type capturingAuditor struct {
	events []Event
}

func (a *capturingAuditor) Append(ev Event) { a.events = append(a.events, ev) }

func TestWithAuditorForwardsAppendedEvents(t *testing.T) {
	auditor := &capturingAuditor{}
	s := WithAuditor(NewMemoryStore(), auditor)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.AppendEvent(ctx, NewEvent("inst-1", "open", "agent-1", EventStepSucceeded, "")))
	require.Len(t, auditor.events, 1)
	assert.Equal(t, EventStepSucceeded, auditor.events[0].Kind)

	// Failed appends are not forwarded.
	require.NoError(t, s.Close())
	_ = s.AppendEvent(ctx, NewEvent("inst-1", "", "", EventStepFailed, ""))
	assert.Len(t, auditor.events, 1)
}

func TestStoreFactory(t *testing.T) {
	s, err := New(Config{Type: TypeMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
	s.Close()

	s, err = New(Config{Type: TypeFile, BaseDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)
	s.Close()

	_, err = New(Config{Type: TypeFile})
	assert.Error(t, err)

	_, err = New(Config{Type: "etcd"})
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	s, err = New(Config{Type: TypeRedis, Redis: RedisConfig{Addr: mr.Addr()}})
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)
	s.Close()
}
