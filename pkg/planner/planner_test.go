package planner_test

import (
	"errors"
	"testing"

	"github.com/probelabs/visor/pkg/config"
	"github.com/probelabs/visor/pkg/model"
	"github.com/probelabs/visor/pkg/planner"
)

func newConfig(steps map[string]model.Step, order []string) *config.Config {
	for name, s := range steps {
		s.Name = name
		steps[name] = s
	}
	cfg := config.DefaultConfig()
	cfg.Steps = steps
	cfg.StepOrder = order
	return cfg
}

func names(plan *planner.Plan) []string {
	out := make([]string, len(plan.Steps))
	for i, ps := range plan.Steps {
		out[i] = ps.Step.Name
	}
	return out
}

func TestBuildLinearDependencyOrder(t *testing.T) {
	cfg := newConfig(map[string]model.Step{
		"a": {Type: "noop"},
		"b": {Type: "noop", DependsOn: []string{"a"}},
		"c": {Type: "noop", DependsOn: []string{"b"}},
	}, []string{"c", "b", "a"})

	plan, err := planner.Build(cfg, model.Event{Type: model.EventManual}, planner.Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	got := names(plan)
	pos := map[string]int{}
	for i, n := range got {
		pos[n] = i
	}
	if pos["a"] >= pos["b"] || pos["b"] >= pos["c"] {
		t.Fatalf("expected a before b before c, got %v", got)
	}
}

func TestBuildCycleDetection(t *testing.T) {
	cfg := newConfig(map[string]model.Step{
		"a": {Type: "noop", DependsOn: []string{"b"}},
		"b": {Type: "noop", DependsOn: []string{"a"}},
	}, []string{"a", "b"})

	_, err := planner.Build(cfg, model.Event{Type: model.EventManual}, planner.Options{})
	var planErr *planner.PlanError
	if !errors.As(err, &planErr) || planErr.Kind != planner.ErrorKindCycle {
		t.Fatalf("expected a cycle PlanError, got %v", err)
	}
	if !errors.Is(err, model.ErrPlanCycle) {
		t.Fatal("expected errors.Is(err, model.ErrPlanCycle) to hold")
	}
}

func TestBuildUnresolvedDependency(t *testing.T) {
	cfg := newConfig(map[string]model.Step{
		"a": {Type: "noop", DependsOn: []string{"ghost"}},
	}, []string{"a"})

	_, err := planner.Build(cfg, model.Event{Type: model.EventManual}, planner.Options{})
	var planErr *planner.PlanError
	if !errors.As(err, &planErr) || planErr.Kind != planner.ErrorKindUnresolvedDependency {
		t.Fatalf("expected an unresolved-dependency PlanError, got %v", err)
	}
}

func TestBuildFiltersByEventType(t *testing.T) {
	cfg := newConfig(map[string]model.Step{
		"pr-only": {Type: "noop", On: []model.EventType{model.EventPROpened}},
		"any":     {Type: "noop"},
	}, []string{"pr-only", "any"})

	plan, err := planner.Build(cfg, model.Event{Type: model.EventManual}, planner.Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got := names(plan)
	if len(got) != 1 || got[0] != "any" {
		t.Fatalf("expected only 'any' to participate in a manual event, got %v", got)
	}
}

func TestBuildTagFilterExcludeWinsOverInclude(t *testing.T) {
	cfg := newConfig(map[string]model.Step{
		"a": {Type: "noop", Tags: []string{"quality", "slow"}},
		"b": {Type: "noop", Tags: []string{"quality"}},
	}, []string{"a", "b"})
	cfg.TagFilter = model.TagFilter{Include: []string{"quality"}, Exclude: []string{"slow"}}

	plan, err := planner.Build(cfg, model.Event{Type: model.EventManual}, planner.Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got := names(plan)
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("expected exclude to drop 'a', got %v", got)
	}
}

func TestBuildRequestedChecksIncludesTransitiveDeps(t *testing.T) {
	cfg := newConfig(map[string]model.Step{
		"a": {Type: "noop"},
		"b": {Type: "noop", DependsOn: []string{"a"}},
		"c": {Type: "noop", DependsOn: []string{"b"}},
		"d": {Type: "noop"},
	}, []string{"a", "b", "c", "d"})

	plan, err := planner.Build(cfg, model.Event{Type: model.EventManual}, planner.Options{
		RequestedChecks: []string{"c"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got := names(plan)
	if len(got) != 3 {
		t.Fatalf("expected c plus its transitive deps (a, b), got %v", got)
	}
	for _, want := range []string{"a", "b", "c"} {
		found := false
		for _, n := range got {
			if n == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected %q in plan, got %v", want, got)
		}
	}
}

func TestBuildTriggersGateSkipsWhenNoFileMatches(t *testing.T) {
	cfg := newConfig(map[string]model.Step{
		"docs-only": {Type: "noop", Triggers: []string{"docs/**/*.md"}},
	}, []string{"docs-only"})

	plan, err := planner.Build(cfg, model.Event{
		Type:         model.EventPRUpdated,
		FilesChanged: []string{"src/main.go"},
	}, planner.Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(plan.Steps) != 1 || !plan.Steps[0].Skipped || plan.Steps[0].SkipReason != "triggers" {
		t.Fatalf("expected step skipped by triggers gate, got %+v", plan.Steps)
	}
}

func TestBuildTriggersGateRunsWhenFileMatchesDoubleStar(t *testing.T) {
	cfg := newConfig(map[string]model.Step{
		"docs-only": {Type: "noop", Triggers: []string{"docs/**/*.md"}},
	}, []string{"docs-only"})

	plan, err := planner.Build(cfg, model.Event{
		Type:         model.EventPRUpdated,
		FilesChanged: []string{"docs/guides/setup.md"},
	}, planner.Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(plan.Steps) != 1 || plan.Steps[0].Skipped {
		t.Fatalf("expected step to run, got %+v", plan.Steps)
	}
}

func TestBuildIfPredicateSkip(t *testing.T) {
	cfg := newConfig(map[string]model.Step{
		"conditional": {Type: "noop", If: "branch == 'release'"},
	}, []string{"conditional"})

	plan, err := planner.Build(cfg, model.Event{Type: model.EventPRUpdated, Branch: "main"}, planner.Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !plan.Steps[0].Skipped || plan.Steps[0].SkipReason != "if" {
		t.Fatalf("expected step skipped by falsy if, got %+v", plan.Steps[0])
	}
}

func TestBuildCriticalityAddsRetryDefaultAndWarnings(t *testing.T) {
	cfg := newConfig(map[string]model.Step{
		"deploy": {Type: "command", Criticality: model.CriticalityExternal},
	}, []string{"deploy"})

	plan, err := planner.Build(cfg, model.Event{Type: model.EventManual}, planner.Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	step := plan.Steps[0].Step
	if step.OnFail == nil || step.OnFail.Retry == nil || step.OnFail.Retry.Max != 3 {
		t.Fatalf("expected external criticality to default retry.max=3, got %+v", step.OnFail)
	}
	if len(plan.Warnings) != 2 {
		t.Fatalf("expected warnings for missing fail_if and guarantee, got %+v", plan.Warnings)
	}
}

func TestBuildRoutingDefaultsFillUnsetOnFailFields(t *testing.T) {
	cfg := newConfig(map[string]model.Step{
		"a": {Type: "noop"},
	}, []string{"a"})
	gotoTarget := "remediate"
	cfg.Routing.OnFail = &model.RoutingBlock{Goto: gotoTarget}

	plan, err := planner.Build(cfg, model.Event{Type: model.EventManual}, planner.Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if plan.Steps[0].Step.OnFail == nil || plan.Steps[0].Step.OnFail.Goto != gotoTarget {
		t.Fatalf("expected routing default to fill unset on_fail.goto, got %+v", plan.Steps[0].Step.OnFail)
	}
}
