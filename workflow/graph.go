package workflow

import (
	"github.com/bitagent/bitagent/types"
)

// Graph is the validated structural view of a Definition. Construction
// guarantees acyclicity and that every dependency reference resolves.
type Graph struct {
	def        *Definition
	steps      map[string]*Step
	order      []string
	dependents map[string][]string
}

// BuildGraph validates a definition and returns its graph view.
// Structural problems are rejected here, before any instance exists:
// empty or duplicate step IDs and missing dependency references yield
// VALIDATION / UNKNOWN_DEPENDENCY, cycles yield CYCLIC_WORKFLOW.
func BuildGraph(def *Definition) (*Graph, error) {
	if def == nil || len(def.Steps) == 0 {
		return nil, types.NewError(types.ErrValidation, "workflow definition has no steps")
	}

	g := &Graph{
		def:        def,
		steps:      make(map[string]*Step, len(def.Steps)),
		order:      make([]string, 0, len(def.Steps)),
		dependents: make(map[string][]string),
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			return nil, types.NewError(types.ErrValidation, "step with empty id")
		}
		if _, dup := g.steps[step.ID]; dup {
			return nil, types.Errorf(types.ErrValidation, "duplicate step id %q", step.ID)
		}
		if step.MaxAttempts < 0 {
			return nil, types.Errorf(types.ErrValidation, "step %q has negative max_attempts", step.ID)
		}
		if step.Timeout < 0 {
			return nil, types.Errorf(types.ErrValidation, "step %q has negative timeout", step.ID)
		}
		g.steps[step.ID] = step
		g.order = append(g.order, step.ID)
	}

	for _, id := range g.order {
		for _, dep := range g.steps[id].DependsOn {
			if _, ok := g.steps[dep]; !ok {
				return nil, types.Errorf(types.ErrUnknownDependency, "step %q depends on unknown step %q", id, dep)
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkAcyclic runs a three-color depth-first search over the dependency
// edges and rejects any back edge.
func (g *Graph) checkAcyclic() error {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(g.steps))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, dep := range g.steps[id].DependsOn {
			switch color[dep] {
			case gray:
				return types.Errorf(types.ErrCyclicWorkflow, "cycle through step %q", dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, id := range g.order {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Definition returns the underlying immutable definition.
func (g *Graph) Definition() *Definition {
	return g.def
}

// Step returns the step with the given ID.
func (g *Graph) Step(id string) (*Step, bool) {
	s, ok := g.steps[id]
	return s, ok
}

// StepIDs returns all step IDs in declaration order.
func (g *Graph) StepIDs() []string {
	return g.order
}

// Dependents returns the steps that directly depend on the given step.
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// Descendants returns every step reachable through dependent edges from
// the given step, i.e. everything whose execution requires it.
func (g *Graph) Descendants(id string) []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(string)
	walk = func(cur string) {
		for _, dep := range g.dependents[cur] {
			if !seen[dep] {
				seen[dep] = true
				out = append(out, dep)
				walk(dep)
			}
		}
	}
	walk(id)
	return out
}

// Ready returns the pending steps whose dependencies have all succeeded,
// in declaration order. Layering is implicit: recomputing after every
// status change lets independent siblings become ready together.
func (g *Graph) Ready(status func(stepID string) StepStatus) []string {
	var ready []string
	for _, id := range g.order {
		if status(id) != StepPending {
			continue
		}
		ok := true
		for _, dep := range g.steps[id].DependsOn {
			if status(dep) != StepSucceeded {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// Blocked returns the pending steps with at least one dependency in a
// state (Failed or Skipped) that can never become Succeeded. These are
// the candidates for skip propagation; recomputing after each skip makes
// the propagation transitive.
func (g *Graph) Blocked(status func(stepID string) StepStatus) []string {
	var blocked []string
	for _, id := range g.order {
		if status(id) != StepPending {
			continue
		}
		for _, dep := range g.steps[id].DependsOn {
			if s := status(dep); s == StepFailed || s == StepSkipped {
				blocked = append(blocked, id)
				break
			}
		}
	}
	return blocked
}
