package workflow

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitagent/bitagent/action"
	"github.com/bitagent/bitagent/types"
)

func navStep(id string, deps ...string) Step {
	return Step{
		ID:        id,
		Action:    action.Descriptor{Type: action.TypeNavigate, Params: map[string]any{"url": "https://example.com/" + id}},
		DependsOn: deps,
	}
}

func diamondDefinition() *Definition {
	return &Definition{
		Name: "diamond",
		Steps: []Step{
			navStep("a"),
			navStep("b", "a"),
			navStep("c", "a"),
			navStep("d", "b", "c"),
		},
	}
}

func TestBuildGraphRejectsEmptyDefinition(t *testing.T) {
	_, err := BuildGraph(nil)
	assert.True(t, types.IsCode(err, types.ErrValidation))

	_, err = BuildGraph(&Definition{Name: "empty"})
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestBuildGraphRejectsDuplicateAndEmptyIDs(t *testing.T) {
	_, err := BuildGraph(&Definition{Steps: []Step{navStep("a"), navStep("a")}})
	assert.True(t, types.IsCode(err, types.ErrValidation))

	_, err = BuildGraph(&Definition{Steps: []Step{navStep("")}})
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestBuildGraphRejectsUnknownDependency(t *testing.T) {
	_, err := BuildGraph(&Definition{Steps: []Step{navStep("a", "ghost")}})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrUnknownDependency))
}

func TestBuildGraphRejectsCycle(t *testing.T) {
	_, err := BuildGraph(&Definition{Steps: []Step{
		navStep("a", "c"),
		navStep("b", "a"),
		navStep("c", "b"),
	}})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCyclicWorkflow))

	// Self-loop is the smallest cycle.
	_, err = BuildGraph(&Definition{Steps: []Step{navStep("a", "a")}})
	assert.True(t, types.IsCode(err, types.ErrCyclicWorkflow))
}

func TestBuildGraphRejectsNegativeOverrides(t *testing.T) {
	bad := navStep("a")
	bad.MaxAttempts = -1
	_, err := BuildGraph(&Definition{Steps: []Step{bad}})
	assert.True(t, types.IsCode(err, types.ErrValidation))

	bad = navStep("a")
	bad.Timeout = -1
	_, err = BuildGraph(&Definition{Steps: []Step{bad}})
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestGraphDependentsAndDescendants(t *testing.T) {
	g, err := BuildGraph(diamondDefinition())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"b", "c"}, g.Dependents("a"))
	assert.ElementsMatch(t, []string{"d"}, g.Dependents("b"))
	assert.ElementsMatch(t, []string{"b", "c", "d"}, g.Descendants("a"))
	assert.ElementsMatch(t, []string{"d"}, g.Descendants("c"))
	assert.Empty(t, g.Descendants("d"))
}

func TestGraphReadyAndBlocked(t *testing.T) {
	g, err := BuildGraph(diamondDefinition())
	require.NoError(t, err)

	status := map[string]StepStatus{
		"a": StepPending, "b": StepPending, "c": StepPending, "d": StepPending,
	}
	lookup := func(id string) StepStatus { return status[id] }

	assert.Equal(t, []string{"a"}, g.Ready(lookup))

	status["a"] = StepSucceeded
	assert.Equal(t, []string{"b", "c"}, g.Ready(lookup))

	status["b"] = StepSucceeded
	status["c"] = StepFailed
	assert.Empty(t, g.Ready(lookup))
	assert.Equal(t, []string{"d"}, g.Blocked(lookup))
}

// randomDAG builds an n-step definition where each step may depend only on
// earlier steps, so the result is acyclic by construction.
func randomDAG(n int, seed int64) *Definition {
	rng := rand.New(rand.NewSource(seed))
	def := &Definition{Name: "random"}
	for i := 0; i < n; i++ {
		var deps []string
		for j := 0; j < i; j++ {
			if rng.Intn(3) == 0 {
				deps = append(deps, fmt.Sprintf("s%d", j))
			}
		}
		def.Steps = append(def.Steps, navStep(fmt.Sprintf("s%d", i), deps...))
	}
	return def
}

func TestProperty_ReadySoundAndComplete(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("ready steps are exactly the pending steps with all dependencies succeeded", prop.ForAll(
		func(n int, seed int64) bool {
			def := randomDAG(n, seed)
			g, err := BuildGraph(def)
			if err != nil {
				t.Logf("BuildGraph failed on acyclic input: %v", err)
				return false
			}

			// Assign every step a random status.
			rng := rand.New(rand.NewSource(seed + 1))
			all := []StepStatus{StepPending, StepReady, StepRunning, StepSucceeded, StepFailed, StepSkipped}
			status := make(map[string]StepStatus, n)
			for _, id := range g.StepIDs() {
				status[id] = all[rng.Intn(len(all))]
			}
			lookup := func(id string) StepStatus { return status[id] }

			ready := make(map[string]bool)
			for _, id := range g.Ready(lookup) {
				ready[id] = true
			}

			for _, id := range g.StepIDs() {
				step, _ := g.Step(id)
				depsSucceeded := true
				for _, dep := range step.DependsOn {
					if status[dep] != StepSucceeded {
						depsSucceeded = false
						break
					}
				}
				want := status[id] == StepPending && depsSucceeded
				if ready[id] != want {
					t.Logf("step %s: ready=%v want=%v", id, ready[id], want)
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 12),
		gen.Int64(),
	))

	properties.Property("cycles are always rejected", prop.ForAll(
		func(n int, seed int64) bool {
			def := randomDAG(n, seed)
			// Force a two-step cycle between the first and last steps.
			last := len(def.Steps) - 1
			def.Steps[0].DependsOn = append(def.Steps[0].DependsOn, def.Steps[last].ID)
			def.Steps[last].DependsOn = append(def.Steps[last].DependsOn, def.Steps[0].ID)
			_, err := BuildGraph(def)
			return types.IsCode(err, types.ErrCyclicWorkflow)
		},
		gen.IntRange(2, 12),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
