package routing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelabs/visor/pkg/model"
	"github.com/probelabs/visor/pkg/routing"
	"github.com/probelabs/visor/pkg/scheduler"
)

func rootTask(step model.Step) scheduler.Task {
	step.Name = firstNonEmpty(step.Name, "check")
	return scheduler.Task{Step: step, Scope: model.Root(model.EventManual)}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func TestRouteAssumeFalsySkips(t *testing.T) {
	eng := routing.New(routing.Options{})
	task := rootTask(model.Step{Name: "a", Assume: []string{"false"}})

	decision, err := eng.Bind(scheduler.RunContext{})(context.Background(), task, model.CheckResult{Status: model.StatusSuccess})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSkipped, decision.Status)
	assert.Equal(t, "assume", decision.SkipReason)
}

func TestRouteGuaranteeFalsyAppendsIssueWithoutFlippingStatus(t *testing.T) {
	eng := routing.New(routing.Options{})
	task := rootTask(model.Step{Name: "a", Guarantee: []string{"false"}})

	decision, err := eng.Bind(scheduler.RunContext{})(context.Background(), task, model.CheckResult{Status: model.StatusSuccess})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, decision.Status)
	require.Len(t, decision.Issues, 1)
	assert.Equal(t, model.RuleGuaranteeFailed, decision.Issues[0].RuleID)
}

func TestRouteFailIfTruthyFailsWithHalt(t *testing.T) {
	eng := routing.New(routing.Options{})
	task := rootTask(model.Step{
		Name: "a",
		FailIf: []model.FailCondition{
			{Expr: "true", Message: "boom", Severity: model.SeverityCritical, HaltExecution: true},
		},
	})

	decision, err := eng.Bind(scheduler.RunContext{})(context.Background(), task, model.CheckResult{Status: model.StatusSuccess})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailure, decision.Status)
	assert.True(t, decision.HaltExecution)
	require.Len(t, decision.Issues, 1)
	assert.Equal(t, "boom", decision.Issues[0].Message)
}

func TestRouteTransitionsFirstTruthyWins(t *testing.T) {
	steps := map[string]model.Step{
		"b": {Name: "b", Type: "noop"},
		"c": {Name: "c", Type: "noop"},
	}
	eng := routing.New(routing.Options{Steps: steps})

	to := "c"
	task := rootTask(model.Step{
		Name: "a",
		OnFail: &model.RoutingBlock{
			Transitions: []model.Transition{
				{When: "false", To: strPtr("b")},
				{When: "true", To: &to},
			},
		},
	})

	decision, err := eng.Bind(scheduler.RunContext{})(context.Background(), task, model.CheckResult{Status: model.StatusFailure})
	require.NoError(t, err)
	require.Len(t, decision.FollowUps, 1)
	assert.Equal(t, "c", decision.FollowUps[0].Step.Name)
}

func TestRouteTransitionExplicitNullDisablesFallback(t *testing.T) {
	steps := map[string]model.Step{"b": {Name: "b", Type: "noop"}}
	eng := routing.New(routing.Options{Steps: steps})

	explicitNull := ""
	task := rootTask(model.Step{
		Name: "a",
		OnFail: &model.RoutingBlock{
			Transitions: []model.Transition{{When: "true", To: &explicitNull}},
			Goto:        "b",
		},
	})

	decision, err := eng.Bind(scheduler.RunContext{})(context.Background(), task, model.CheckResult{Status: model.StatusFailure})
	require.NoError(t, err)
	assert.Empty(t, decision.FollowUps)
	assert.Equal(t, model.StatusFailure, decision.Status)
}

func TestRouteStaticGotoFallback(t *testing.T) {
	steps := map[string]model.Step{"b": {Name: "b", Type: "noop"}}
	eng := routing.New(routing.Options{Steps: steps})

	task := rootTask(model.Step{
		Name:   "a",
		OnFail: &model.RoutingBlock{Goto: "b"},
	})

	decision, err := eng.Bind(scheduler.RunContext{})(context.Background(), task, model.CheckResult{Status: model.StatusFailure})
	require.NoError(t, err)
	require.Len(t, decision.FollowUps, 1)
	assert.Equal(t, "b", decision.FollowUps[0].Step.Name)
}

func TestRouteGotoEventProducesReentry(t *testing.T) {
	eng := routing.New(routing.Options{})

	task := rootTask(model.Step{
		Name: "a",
		OnFail: &model.RoutingBlock{
			Transitions: []model.Transition{{When: "true", To: strPtr("b"), GotoEvent: "pr_updated"}},
		},
	})

	decision, err := eng.Bind(scheduler.RunContext{})(context.Background(), task, model.CheckResult{Status: model.StatusFailure})
	require.NoError(t, err)
	require.NotNil(t, decision.Reentry)
	assert.Equal(t, "b", decision.Reentry.Step)
	assert.Equal(t, model.EventType("pr_updated"), decision.Reentry.Event)
}

func TestRouteRetryProducesFollowUpUntilMaxExhausted(t *testing.T) {
	eng := routing.New(routing.Options{})
	step := model.Step{
		Name: "a",
		OnFail: &model.RoutingBlock{
			Retry: &model.RetryConfig{Max: 2, Backoff: model.Backoff{Mode: model.BackoffFixed, DelayMS: 1}},
		},
	}
	task := rootTask(step)
	route := eng.Bind(scheduler.RunContext{})

	d1, err := route(context.Background(), task, model.CheckResult{Status: model.StatusFailure})
	require.NoError(t, err)
	require.Len(t, d1.FollowUps, 1, "attempt 1 should retry")

	d2, err := route(context.Background(), task, model.CheckResult{Status: model.StatusFailure})
	require.NoError(t, err)
	require.Len(t, d2.FollowUps, 1, "attempt 2 should retry (== max)")

	d3, err := route(context.Background(), task, model.CheckResult{Status: model.StatusFailure})
	require.NoError(t, err)
	assert.Empty(t, d3.FollowUps, "attempt 3 exceeds retry.max, no more follow-ups")
	assert.Equal(t, model.StatusFailure, d3.Status)
}

func TestRouteLoopBudgetExhaustionFails(t *testing.T) {
	eng := routing.New(routing.Options{LoopBudget: 1})
	step := model.Step{
		Name: "a",
		OnFail: &model.RoutingBlock{
			Retry: &model.RetryConfig{Max: 5, Backoff: model.Backoff{DelayMS: 1}},
		},
	}
	task := rootTask(step)
	route := eng.Bind(scheduler.RunContext{})

	d1, err := route(context.Background(), task, model.CheckResult{Status: model.StatusFailure})
	require.NoError(t, err)
	require.Len(t, d1.FollowUps, 1)

	d2, err := route(context.Background(), task, model.CheckResult{Status: model.StatusFailure})
	require.NoError(t, err)
	assert.Empty(t, d2.FollowUps)
	assert.Equal(t, model.StatusFailure, d2.Status)
	found := false
	for _, iss := range d2.Issues {
		if iss.RuleID == model.RuleLoopBudgetExceeded {
			found = true
		}
	}
	assert.True(t, found, "expected routing/loop_budget_exceeded issue")
}

func TestRouteRunJSRemediationFeedsOutputsForward(t *testing.T) {
	to := "b"
	step := model.Step{
		Name: "a",
		OnFail: &model.RoutingBlock{
			Run:         []model.RunStep{{RunJS: "1 + 1", As: "computed"}},
			Transitions: []model.Transition{{When: "outputs.computed === 2", To: &to}},
		},
	}
	steps := map[string]model.Step{"b": {Name: "b", Type: "noop"}}
	eng := routing.New(routing.Options{Steps: steps})
	task := rootTask(step)

	decision, err := eng.Bind(scheduler.RunContext{})(context.Background(), task, model.CheckResult{Status: model.StatusFailure})
	require.NoError(t, err)
	require.Len(t, decision.FollowUps, 1)
	assert.Equal(t, "b", decision.FollowUps[0].Step.Name)
}

func strPtr(s string) *string { return &s }

type fakeExecutor struct {
	calls int
	fn    func(task scheduler.Task) model.CheckResult
}

func (f *fakeExecutor) Execute(_ context.Context, task scheduler.Task) model.CheckResult {
	f.calls++
	return f.fn(task)
}

func TestWrapExecutorRunsOnInitBeforeProvider(t *testing.T) {
	exec := &fakeExecutor{fn: func(scheduler.Task) model.CheckResult {
		return model.CheckResult{Status: model.StatusSuccess}
	}}
	eng := routing.New(routing.Options{Executor: exec})
	step := model.Step{
		Name:   "a",
		OnInit: &model.RoutingBlock{Run: []model.RunStep{{RunJS: "1 + 1", As: "ready"}}},
	}
	task := rootTask(step)

	wrapped := eng.WrapExecutor(scheduler.RunContext{}, exec)
	result := wrapped.Execute(context.Background(), task)
	assert.Equal(t, model.StatusSuccess, result.Status)
	assert.Equal(t, 1, exec.calls)
}

func TestWrapExecutorOnInitFailureBypassesOnFail(t *testing.T) {
	exec := &fakeExecutor{fn: func(scheduler.Task) model.CheckResult {
		return model.CheckResult{Status: model.StatusSuccess}
	}}
	eng := routing.New(routing.Options{Executor: exec})
	step := model.Step{
		Name: "a",
		// run[].name references an undeclared step, so runRemediation fails
		// and on_init should short-circuit before the provider ever runs.
		OnInit: &model.RoutingBlock{Run: []model.RunStep{{Name: "undeclared"}}},
		OnFail: &model.RoutingBlock{Goto: "b"},
	}
	task := rootTask(step)

	wrapped := eng.WrapExecutor(scheduler.RunContext{}, exec)
	result := wrapped.Execute(context.Background(), task)
	assert.Equal(t, model.StatusFailure, result.Status)
	assert.Equal(t, 0, exec.calls, "provider must not run once on_init fails")
	require.Len(t, result.Issues, 1)
	assert.Equal(t, model.RuleInitFailed, result.Issues[0].RuleID)

	decision, err := eng.Bind(scheduler.RunContext{})(context.Background(), task, result)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailure, decision.Status)
	assert.Empty(t, decision.FollowUps, "on_fail's goto must not fire for an on_init failure")
}

func TestRouteForeachRejectsNonArrayOutput(t *testing.T) {
	eng := routing.New(routing.Options{})
	task := rootTask(model.Step{Name: "a", ForEach: true})

	decision, err := eng.Bind(scheduler.RunContext{})(context.Background(), task, model.CheckResult{
		Status: model.StatusSuccess,
		Output: model.NewValue("not an array"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailure, decision.Status)
	require.Len(t, decision.Issues, 1)
	assert.Equal(t, model.RuleForeachExpectArray, decision.Issues[0].RuleID)
}

func TestRouteForeachAcceptsArrayOutput(t *testing.T) {
	eng := routing.New(routing.Options{})
	task := rootTask(model.Step{Name: "a", ForEach: true})

	decision, err := eng.Bind(scheduler.RunContext{})(context.Background(), task, model.CheckResult{
		Status: model.StatusSuccess,
		Output: model.NewValue([]interface{}{"one", "two"}),
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, decision.Status)
	assert.Empty(t, decision.Issues)
}

func TestRouteFinishRunsOnFinishBlock(t *testing.T) {
	steps := map[string]model.Step{"done": {Name: "done", Type: "noop"}}
	eng := routing.New(routing.Options{Steps: steps})
	step := model.Step{
		Name:     "list",
		ForEach:  true,
		OnFinish: &model.RoutingBlock{Goto: "done"},
	}
	task := rootTask(step)

	decision, err := eng.RouteFinish(context.Background(), scheduler.RunContext{}, task)
	require.NoError(t, err)
	require.Len(t, decision.FollowUps, 1)
	assert.Equal(t, "done", decision.FollowUps[0].Step.Name)
}

func TestRouteFinishNoOpWithoutOnFinish(t *testing.T) {
	eng := routing.New(routing.Options{})
	task := rootTask(model.Step{Name: "list", ForEach: true})

	decision, err := eng.RouteFinish(context.Background(), scheduler.RunContext{}, task)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, decision.Status)
	assert.Empty(t, decision.FollowUps)
}
