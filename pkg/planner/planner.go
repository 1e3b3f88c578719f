// Package planner resolves a loaded config and an incoming event into an
// ordered execution plan: a topologically sorted DAG over (step, scope)
// pairs, gated by event/tag/trigger/if filters and carrying each step's
// effective (routing- and criticality-merged) configuration (spec.md
// §4.1).
package planner

import (
	"fmt"
	"sort"

	"github.com/probelabs/visor/pkg/config"
	"github.com/probelabs/visor/pkg/model"
	"github.com/probelabs/visor/pkg/sandbox"
)

// PlannedStep is one DAG node: the step's effective configuration plus its
// scope and any planning-time skip decision.
type PlannedStep struct {
	Step       model.Step
	Scope      model.Scope
	Skipped    bool
	SkipReason string
}

// Plan is a single event's ordered execution plan.
type Plan struct {
	// Steps is topologically sorted: a dependency always precedes its
	// dependents.
	Steps []PlannedStep
	// Warnings collects plan-time diagnostics (missing fail_if/guarantee
	// on external/internal checks, sandbox compile errors in `if`) that
	// don't block planning (spec.md §4.1 "invalid predicate ... is
	// deferred ... surfaced as a system-level issue, not a plan failure").
	Warnings []model.Issue
}

// ErrorKind distinguishes the two plan failure modes spec.md §4.1 names.
type ErrorKind string

const (
	ErrorKindCycle               ErrorKind = "cycle"
	ErrorKindUnresolvedDependency ErrorKind = "unresolved_dependency"
)

// PlanError reports a structural failure of plan construction: a
// dependency cycle or a depends_on reference to a step that doesn't exist.
type PlanError struct {
	Kind  ErrorKind
	Steps []string
}

func (e *PlanError) Error() string {
	switch e.Kind {
	case ErrorKindCycle:
		return fmt.Sprintf("plan: dependency cycle among steps %v", e.Steps)
	default:
		return fmt.Sprintf("plan: unresolved dependency reference(s) %v", e.Steps)
	}
}

// Unwrap lets callers use errors.Is(err, model.ErrPlanCycle) /
// errors.Is(err, model.ErrPlanUnresolvedDep).
func (e *PlanError) Unwrap() error {
	if e.Kind == ErrorKindCycle {
		return model.ErrPlanCycle
	}
	return model.ErrPlanUnresolvedDep
}

// Options parameterises Build.
type Options struct {
	// RequestedChecks restricts the plan to these steps plus their
	// transitive depends_on (spec.md §4.1 rule 3). Empty means "all".
	RequestedChecks []string
	// Env is exposed to `if` predicates as the sandbox `env` variable.
	Env map[string]string
	// Outputs seeds the sandbox `outputs` variable for `if` evaluation;
	// normally empty since planning precedes execution, but a re-plan
	// after a goto_event may carry forward the new scope's partial state.
	Outputs map[string]interface{}
	// Sandbox evaluates `if`; a fresh sandbox.New() is used if nil.
	Sandbox *sandbox.Sandbox
}

// criticalityRetryDefaults raises a check's default retry.max per its
// declared criticality (spec.md §4.1 rule 7: "criticality defaults
// (external/internal increase default retry counts)").
var criticalityRetryDefaults = map[model.Criticality]int{
	model.CriticalityExternal: 3,
	model.CriticalityInternal: 1,
}

// Build constructs the execution plan for event against cfg.
func Build(cfg *config.Config, event model.Event, opts Options) (*Plan, error) {
	if opts.Sandbox == nil {
		opts.Sandbox = sandbox.New()
	}

	if err := validateDependencies(cfg.Steps); err != nil {
		return nil, err
	}

	declOrder := declarationOrder(cfg)

	// Rule 1 (on) and rule 2 (tag_filter).
	candidates := map[string]model.Step{}
	var candidateOrder []string
	for _, name := range declOrder {
		step := cfg.Steps[name]
		if !step.MatchesEvent(event.Type) {
			continue
		}
		if !matchesTagFilter(cfg.TagFilter, step.Tags) {
			continue
		}
		candidates[name] = step
		candidateOrder = append(candidateOrder, name)
	}

	// Rule 3: requestedChecks restricts to the closure of requested names
	// plus their transitive depends_on. The closure walks the full step
	// set, so it follows dependencies through steps that tag/on filtered
	// out above, but only steps that passed tag/on stay in the plan; a
	// dependency filtered out there is dropped, and the scheduler then
	// skips its dependents as unsatisfied.
	if len(opts.RequestedChecks) > 0 {
		keep := closure(cfg.Steps, opts.RequestedChecks)
		filtered := map[string]model.Step{}
		var filteredOrder []string
		for _, name := range candidateOrder {
			if keep[name] {
				filtered[name] = candidates[name]
				filteredOrder = append(filteredOrder, name)
			}
		}
		candidates = filtered
		candidateOrder = filteredOrder
	}

	order, err := topoSort(candidateOrder, cfg.Steps, candidates)
	if err != nil {
		return nil, err
	}

	descendants := foreachDescendants(cfg.Steps)

	plan := &Plan{}
	for _, name := range order {
		step := candidates[name]

		planned := PlannedStep{Scope: model.Root(event.Type)}

		if descendants[name] {
			// This step only ever runs inside the per-item child scopes
			// pkg/foreach.Expand creates for its forEach ancestor; it has
			// no business executing again here at root scope against the
			// ancestor's raw, unexpanded array output (spec.md §4.9, §8).
			planned.Skipped = true
			planned.SkipReason = "foreach_fanout"
		}

		// Rule 4: triggers gate.
		if !planned.Skipped && len(step.Triggers) > 0 && !matchesTriggers(step.Triggers, event.FilesChanged) {
			planned.Skipped = true
			planned.SkipReason = "triggers"
		}

		// Rule 5: `if` predicate.
		if !planned.Skipped && step.If != "" {
			ok, warning := opts.Sandbox.EvalIf(step.If, sandbox.Bindings{
				CheckName:    step.Name,
				Branch:       event.Branch,
				BaseBranch:   event.BaseBranch,
				FilesChanged: event.FilesChanged,
				Event:        event.ToSandboxMap(),
				Env:          opts.Env,
				Outputs:      opts.Outputs,
			})
			if warning != nil {
				plan.Warnings = append(plan.Warnings, *warning)
			}
			if !ok {
				planned.Skipped = true
				planned.SkipReason = "if"
			}
		}

		// Rule 7: effective config merge.
		effective, warnings := effectiveStep(step, cfg.Routing)
		plan.Warnings = append(plan.Warnings, warnings...)
		planned.Step = effective

		plan.Steps = append(plan.Steps, planned)
	}

	return plan, nil
}

// declarationOrder returns every step name in cfg.StepOrder, appending (in
// sorted order, for determinism) any name StepOrder missed — e.g. a Config
// assembled by hand in tests rather than via config.Load.
func declarationOrder(cfg *config.Config) []string {
	seen := make(map[string]bool, len(cfg.Steps))
	order := make([]string, 0, len(cfg.Steps))
	for _, name := range cfg.StepOrder {
		if _, ok := cfg.Steps[name]; ok && !seen[name] {
			order = append(order, name)
			seen[name] = true
		}
	}
	var missing []string
	for name := range cfg.Steps {
		if !seen[name] {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return append(order, missing...)
}

// validateDependencies enforces that every depends_on entry names a step
// that actually exists in the config, independent of event/tag filtering
// (spec.md §4.1 "unknown step in depends_on → PlanError.UnresolvedDependency").
func validateDependencies(steps map[string]model.Step) error {
	var bad []string
	for name, s := range steps {
		for _, d := range s.DependsOn {
			if _, ok := steps[d]; !ok {
				bad = append(bad, fmt.Sprintf("%s->%s", name, d))
			}
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return &PlanError{Kind: ErrorKindUnresolvedDependency, Steps: bad}
}

// closure returns the set of requested names plus every step transitively
// reachable from them via depends_on.
func closure(steps map[string]model.Step, requested []string) map[string]bool {
	set := map[string]bool{}
	var visit func(name string)
	visit = func(name string) {
		if set[name] {
			return
		}
		s, ok := steps[name]
		if !ok {
			return
		}
		set[name] = true
		for _, d := range s.DependsOn {
			visit(d)
		}
	}
	for _, r := range requested {
		visit(r)
	}
	return set
}

// foreachDescendants returns every step name reachable downstream (directly
// or transitively) from any forEach: true step, without descending past a
// nested forEach boundary — that step's own dependents belong to its own,
// separately-expanded child scopes (pkg/foreach.Expand recurses the same
// way when it completes). These names stay in the root-scope plan only as
// Skipped entries (reason foreach_fanout): only Expand's per-item scopes
// ever run them.
func foreachDescendants(steps map[string]model.Step) map[string]bool {
	byDependency := map[string][]string{}
	for name, s := range steps {
		for _, d := range s.DependsOn {
			byDependency[d] = append(byDependency[d], name)
		}
	}

	descendants := map[string]bool{}
	var walk func(name string)
	walk = func(name string) {
		for _, dep := range byDependency[name] {
			if descendants[dep] {
				continue
			}
			descendants[dep] = true
			if !steps[dep].ForEach {
				walk(dep)
			}
		}
	}
	for name, s := range steps {
		if s.ForEach {
			walk(name)
		}
	}
	return descendants
}

// topoSort runs Kahn's algorithm over names (already in a deterministic
// order), considering only depends_on edges whose target is itself in
// candidates — a dependency outside the candidate set is a runtime
// unsatisfied-dependency concern (invariant 1), not a planning error.
func topoSort(names []string, steps map[string]model.Step, candidates map[string]model.Step) ([]string, error) {
	indegree := make(map[string]int, len(names))
	adj := make(map[string][]string, len(names))
	for _, n := range names {
		indegree[n] = 0
	}
	for _, n := range names {
		for _, d := range steps[n].DependsOn {
			if _, ok := candidates[d]; !ok {
				continue
			}
			adj[d] = append(adj[d], n)
			indegree[n]++
		}
	}

	var queue []string
	for _, n := range names {
		if indegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	order := make([]string, 0, len(names))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, m := range adj[n] {
			indegree[m]--
			if indegree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}

	if len(order) != len(names) {
		var remaining []string
		for _, n := range names {
			if indegree[n] > 0 {
				remaining = append(remaining, n)
			}
		}
		sort.Strings(remaining)
		return nil, &PlanError{Kind: ErrorKindCycle, Steps: remaining}
	}
	return order, nil
}
