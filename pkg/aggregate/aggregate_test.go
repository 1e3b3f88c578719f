package aggregate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelabs/visor/pkg/aggregate"
	"github.com/probelabs/visor/pkg/model"
	"github.com/probelabs/visor/pkg/planner"
	"github.com/probelabs/visor/pkg/scheduler"
)

func TestSummarizeOrdersIssuesByDeclarationOrder(t *testing.T) {
	plan := &planner.Plan{Steps: []planner.PlannedStep{
		{Step: model.Step{Name: "b"}, Scope: model.Root(model.EventManual)},
		{Step: model.Step{Name: "a"}, Scope: model.Root(model.EventManual)},
	}}
	res := &scheduler.Result{Outcomes: []scheduler.Outcome{
		{
			Task:   scheduler.Task{Step: model.Step{Name: "a"}, Scope: model.Root(model.EventManual)},
			Status: model.StatusSuccess,
			Result: model.CheckResult{Status: model.StatusSuccess, Issues: []model.Issue{{RuleID: "a/1"}}},
		},
		{
			Task:   scheduler.Task{Step: model.Step{Name: "b"}, Scope: model.Root(model.EventManual)},
			Status: model.StatusSuccess,
			Result: model.CheckResult{Status: model.StatusSuccess, Issues: []model.Issue{{RuleID: "b/1"}}},
		},
	}}

	summary := aggregate.Summarize(context.Background(), plan, res, 3, aggregate.Options{})

	require.Contains(t, summary.Groups, "default")
	issues := summary.Groups["default"].Issues
	require.Len(t, issues, 2)
	assert.Equal(t, "b/1", issues[0].RuleID)
	assert.Equal(t, "a/1", issues[1].RuleID)
}

func TestSummarizeGroupsByOutputOption(t *testing.T) {
	scope := model.Root(model.EventManual)
	plan := &planner.Plan{Steps: []planner.PlannedStep{
		{Step: model.Step{Name: "sec", Options: map[string]interface{}{"group": "security"}}, Scope: scope},
	}}
	res := &scheduler.Result{Outcomes: []scheduler.Outcome{
		{
			Task:   scheduler.Task{Step: model.Step{Name: "sec", Options: map[string]interface{}{"group": "security"}}, Scope: scope},
			Status: model.StatusSuccess,
			Result: model.CheckResult{Status: model.StatusSuccess, Issues: []model.Issue{{RuleID: "sec/1", Severity: model.SeverityCritical}}},
		},
	}}

	summary := aggregate.Summarize(context.Background(), plan, res, 1, aggregate.Options{})

	require.Contains(t, summary.Groups, "security")
	assert.NotContains(t, summary.Groups, "default")
	assert.Equal(t, 1, summary.Stats.StepsExecuted)
}

func TestSummarizeCountsRoutingHopsAsReexecutions(t *testing.T) {
	scope := model.Root(model.EventManual)
	step := model.Step{Name: "flaky"}
	res := &scheduler.Result{Outcomes: []scheduler.Outcome{
		{Task: scheduler.Task{Step: step, Scope: scope}, Status: model.StatusFailure, Result: model.CheckResult{Status: model.StatusFailure}},
		{Task: scheduler.Task{Step: step, Scope: scope}, Status: model.StatusSuccess, Result: model.CheckResult{Status: model.StatusSuccess}},
	}}

	summary := aggregate.Summarize(context.Background(), &planner.Plan{}, res, 1, aggregate.Options{})

	assert.Equal(t, 1, summary.Stats.RoutingHops)
}

func TestSummarizeExtractsSuggestionsFromReplacements(t *testing.T) {
	scope := model.Root(model.EventManual)
	step := model.Step{Name: "lint"}
	res := &scheduler.Result{Outcomes: []scheduler.Outcome{
		{
			Task:   scheduler.Task{Step: step, Scope: scope},
			Status: model.StatusSuccess,
			Result: model.CheckResult{Status: model.StatusSuccess, Issues: []model.Issue{
				{File: "a.go", Line: 3, Message: "use x", Replacement: "x := 1"},
			}},
		},
	}}

	summary := aggregate.Summarize(context.Background(), &planner.Plan{}, res, 1, aggregate.Options{})

	require.Len(t, summary.Groups["default"].Suggestions, 1)
	assert.Equal(t, "x := 1", summary.Groups["default"].Suggestions[0].Replacement)
}
