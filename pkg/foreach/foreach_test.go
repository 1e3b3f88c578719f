package foreach_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelabs/visor/pkg/foreach"
	"github.com/probelabs/visor/pkg/model"
	"github.com/probelabs/visor/pkg/scheduler"
)

func TestExpandFansMapDependentPerItem(t *testing.T) {
	parent := model.Step{Name: "list", ForEach: true}
	steps := map[string]model.Step{
		"list": parent,
		"mark": {Name: "mark", DependsOn: []string{"list"}, Fanout: model.FanoutMap},
	}
	parentScope := model.Root(model.EventManual)

	plan := foreach.Expand(parent, parentScope, []interface{}{"a", "b", "c"}, steps)

	require.Len(t, plan.ChildTasks, 3)
	require.Len(t, plan.ItemScopes, 3)
	assert.Empty(t, plan.ReduceTasks)
	for i, task := range plan.ChildTasks {
		assert.Equal(t, "mark", task.Step.Name)
		assert.Equal(t, plan.ItemScopes[i], task.Scope)
		assert.Equal(t, []interface{}{"a", "b", "c"}[i], plan.ItemSeeds[task.Scope])
	}
}

func TestExpandRecordsTransitiveDependentAsMemberWithoutDispatchingItYet(t *testing.T) {
	parent := model.Step{Name: "list", ForEach: true}
	steps := map[string]model.Step{
		"list":    parent,
		"fetch":   {Name: "fetch", DependsOn: []string{"list"}},
		"analyze": {Name: "analyze", DependsOn: []string{"fetch"}},
	}

	plan := foreach.Expand(parent, model.Root(model.EventManual), []interface{}{"a", "b"}, steps)

	require.Len(t, plan.ChildTasks, 2, "only the direct dependent is dispatched up front")
	for _, task := range plan.ChildTasks {
		assert.Equal(t, "fetch", task.Step.Name)
	}

	require.Len(t, plan.Members, 4, "both fetch and analyze are tracked per item")
	var sawAnalyze int
	for _, m := range plan.Members {
		if m.Step == "analyze" {
			sawAnalyze++
		}
	}
	assert.Equal(t, 2, sawAnalyze, "analyze is a tracked member once per item even though it isn't dispatched yet")
}

func TestWrapFansTransitiveDependentOutOnceItsPrerequisiteSettles(t *testing.T) {
	parent := model.Step{Name: "list", ForEach: true}
	steps := map[string]model.Step{
		"list":    parent,
		"fetch":   {Name: "fetch", DependsOn: []string{"list"}},
		"analyze": {Name: "analyze", DependsOn: []string{"fetch"}},
	}
	tracker := foreach.NewTracker()
	coord := newFakeCoordinator()
	coord.finishResult = scheduler.RouteDecision{Status: model.StatusSuccess}

	inner := func(_ context.Context, _ scheduler.Task, result model.CheckResult) (scheduler.RouteDecision, error) {
		return scheduler.RouteDecision{Status: result.Status}, nil
	}
	wrapped := foreach.Wrap(inner, steps, tracker, coord, scheduler.RunContext{})

	parentTask := scheduler.Task{Step: parent, Scope: model.Root(model.EventManual)}
	decision, err := wrapped(context.Background(), parentTask, model.CheckResult{
		Status: model.StatusSuccess,
		Output: model.NewValue([]interface{}{"a"}),
	})
	require.NoError(t, err)
	require.Len(t, decision.FollowUps, 1, "only fetch dispatched by the initial expansion")
	fetchTask := decision.FollowUps[0]
	require.Equal(t, "fetch", fetchTask.Step.Name)
	itemScope := fetchTask.Scope
	require.False(t, itemScope.IsRoot())

	fetchDecision, err := wrapped(context.Background(), fetchTask, model.CheckResult{Status: model.StatusSuccess})
	require.NoError(t, err)
	require.Len(t, fetchDecision.FollowUps, 1, "fetch settling unblocks analyze in the same child scope")
	analyzeTask := fetchDecision.FollowUps[0]
	assert.Equal(t, "analyze", analyzeTask.Step.Name)
	assert.Equal(t, itemScope, analyzeTask.Scope, "analyze runs in the same per-item scope as fetch, not root")
	assert.Equal(t, 0, coord.finishCalls, "on_finish must wait for analyze too, not just fetch")

	analyzeDecision, err := wrapped(context.Background(), analyzeTask, model.CheckResult{Status: model.StatusSuccess})
	require.NoError(t, err)
	assert.Empty(t, analyzeDecision.FollowUps)
	assert.Equal(t, 1, coord.finishCalls, "on_finish fires once the transitive dependent itself settles")
}

func TestExpandReduceDependentRunsOnceAtParentScope(t *testing.T) {
	parent := model.Step{Name: "list", ForEach: true}
	steps := map[string]model.Step{
		"list":    parent,
		"summary": {Name: "summary", DependsOn: []string{"list"}, Fanout: model.FanoutReduce},
	}
	parentScope := model.Root(model.EventManual)

	plan := foreach.Expand(parent, parentScope, []interface{}{"a", "b"}, steps)

	require.Len(t, plan.ReduceTasks, 1)
	assert.Equal(t, parentScope, plan.ReduceTasks[0].Scope)
	assert.Equal(t, "summary", plan.ReduceTasks[0].Step.Name)
	assert.Empty(t, plan.ChildTasks)
}

func TestExpandEmptyArrayProducesNoMembers(t *testing.T) {
	parent := model.Step{Name: "list", ForEach: true}
	steps := map[string]model.Step{
		"list": parent,
		"mark": {Name: "mark", DependsOn: []string{"list"}, Fanout: model.FanoutMap},
	}

	plan := foreach.Expand(parent, model.Root(model.EventManual), nil, steps)
	assert.Empty(t, plan.ChildTasks)
	assert.Empty(t, plan.Members)
}

func TestTrackerFiresOnlyOnceAllMembersSettle(t *testing.T) {
	tr := foreach.NewTracker()
	parentScope := model.Root(model.EventManual)
	child0 := parentScope.Child("list", 0)
	child1 := parentScope.Child("list", 1)

	members := []foreach.Member{
		{Scope: child0, Step: "mark"},
		{Scope: child1, Step: "mark"},
	}
	done := tr.Register(parentScope, "list", members)
	require.False(t, done)

	_, _, done = tr.Settle(child0, "mark")
	assert.False(t, done, "one of two members settling must not fire yet")

	scope, step, done := tr.Settle(child1, "mark")
	require.True(t, done, "the last member settling must fire")
	assert.Equal(t, parentScope, scope)
	assert.Equal(t, "list", step)
}

func TestTrackerSettleIgnoresUntrackedMember(t *testing.T) {
	tr := foreach.NewTracker()
	_, _, done := tr.Settle(model.Root(model.EventManual), "unrelated")
	assert.False(t, done)
}

func TestTrackerRegisterEmptyMembersDoneImmediately(t *testing.T) {
	tr := foreach.NewTracker()
	done := tr.Register(model.Root(model.EventManual), "list", nil)
	assert.True(t, done)
}

type fakeCoordinator struct {
	recorded     map[model.Scope]map[string]interface{}
	finishCalls  int
	finishResult scheduler.RouteDecision
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{recorded: map[model.Scope]map[string]interface{}{}}
}

func (f *fakeCoordinator) RecordOutput(scope model.Scope, step string, value interface{}) {
	if f.recorded[scope] == nil {
		f.recorded[scope] = map[string]interface{}{}
	}
	f.recorded[scope][step] = value
}

func (f *fakeCoordinator) RouteFinish(_ context.Context, _ scheduler.RunContext, _ scheduler.Task) (scheduler.RouteDecision, error) {
	f.finishCalls++
	return f.finishResult, nil
}

func TestWrapExpandsSeedsAndFiresOnFinishOnceAllSettle(t *testing.T) {
	parent := model.Step{Name: "list", ForEach: true}
	steps := map[string]model.Step{
		"list": parent,
		"mark": {Name: "mark", DependsOn: []string{"list"}, Fanout: model.FanoutMap},
	}
	tracker := foreach.NewTracker()
	coord := newFakeCoordinator()
	coord.finishResult = scheduler.RouteDecision{
		Status:    model.StatusSuccess,
		FollowUps: []scheduler.Task{{Step: model.Step{Name: "done"}, Scope: model.Root(model.EventManual)}},
	}

	inner := func(_ context.Context, task scheduler.Task, result model.CheckResult) (scheduler.RouteDecision, error) {
		return scheduler.RouteDecision{Status: result.Status}, nil
	}

	wrapped := foreach.Wrap(inner, steps, tracker, coord, scheduler.RunContext{})

	parentTask := scheduler.Task{Step: parent, Scope: model.Root(model.EventManual)}
	decision, err := wrapped(context.Background(), parentTask, model.CheckResult{
		Status: model.StatusSuccess,
		Output: model.NewValue([]interface{}{"a", "b"}),
	})
	require.NoError(t, err)
	require.Len(t, decision.FollowUps, 2, "two map dependents, one per item")
	assert.Len(t, coord.recorded, 2, "each child scope seeded with its item")
	assert.Equal(t, 0, coord.finishCalls, "on_finish must not fire before any dependent settles")

	markTask0 := decision.FollowUps[0]
	d0, err := wrapped(context.Background(), markTask0, model.CheckResult{Status: model.StatusSuccess})
	require.NoError(t, err)
	assert.Empty(t, d0.FollowUps)
	assert.Equal(t, 0, coord.finishCalls)

	markTask1 := decision.FollowUps[1]
	d1, err := wrapped(context.Background(), markTask1, model.CheckResult{Status: model.StatusSuccess})
	require.NoError(t, err)
	require.Equal(t, 1, coord.finishCalls, "last dependent settling must fire on_finish")
	require.Len(t, d1.FollowUps, 1)
	assert.Equal(t, "done", d1.FollowUps[0].Step.Name)
}

func TestWrapEmptyForeachFiresOnFinishImmediately(t *testing.T) {
	parent := model.Step{Name: "list", ForEach: true}
	steps := map[string]model.Step{"list": parent}
	tracker := foreach.NewTracker()
	coord := newFakeCoordinator()
	coord.finishResult = scheduler.RouteDecision{Status: model.StatusSuccess}

	inner := func(_ context.Context, _ scheduler.Task, result model.CheckResult) (scheduler.RouteDecision, error) {
		return scheduler.RouteDecision{Status: result.Status}, nil
	}
	wrapped := foreach.Wrap(inner, steps, tracker, coord, scheduler.RunContext{})

	parentTask := scheduler.Task{Step: parent, Scope: model.Root(model.EventManual)}
	_, err := wrapped(context.Background(), parentTask, model.CheckResult{
		Status: model.StatusSuccess,
		Output: model.NewValue([]interface{}{}),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, coord.finishCalls, "empty forEach array settles trivially")
}
