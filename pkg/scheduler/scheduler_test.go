package scheduler_test

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/probelabs/visor/pkg/config"
	"github.com/probelabs/visor/pkg/foreach"
	"github.com/probelabs/visor/pkg/model"
	"github.com/probelabs/visor/pkg/planner"
	"github.com/probelabs/visor/pkg/scheduler"
)

func newPlan(t *testing.T, steps map[string]model.Step, order []string) *planner.Plan {
	t.Helper()
	for name, s := range steps {
		s.Name = name
		steps[name] = s
	}
	cfg := config.DefaultConfig()
	cfg.Steps = steps
	cfg.StepOrder = order

	plan, err := planner.Build(cfg, model.Event{Type: model.EventManual}, planner.Options{})
	if err != nil {
		t.Fatalf("planner.Build: %v", err)
	}
	return plan
}

func statusOf(res *scheduler.Result, name string) (model.Status, bool) {
	for _, o := range res.Outcomes {
		if o.Task.Step.Name == name && o.Task.Scope.IsRoot() {
			return o.Status, true
		}
	}
	return "", false
}

func TestRunLinearDependencyExecutesInOrder(t *testing.T) {
	plan := newPlan(t, map[string]model.Step{
		"a": {Type: "noop"},
		"b": {Type: "noop", DependsOn: []string{"a"}},
		"c": {Type: "noop", DependsOn: []string{"b"}},
	}, []string{"a", "b", "c"})

	var mu sync.Mutex
	var order []string
	exec := scheduler.ExecutorFunc(func(_ context.Context, task scheduler.Task) model.CheckResult {
		mu.Lock()
		order = append(order, task.Step.Name)
		mu.Unlock()
		return model.CheckResult{Status: model.StatusSuccess}
	})

	s := scheduler.New(scheduler.Options{MaxParallelism: 3})
	res, err := s.Run(context.Background(), plan, scheduler.RunContext{}, exec, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("expected a,b,c order, got %v", order)
	}
	for _, name := range []string{"a", "b", "c"} {
		st, ok := statusOf(res, name)
		if !ok || st != model.StatusSuccess {
			t.Fatalf("expected %s success, got %v (found=%v)", name, st, ok)
		}
	}
}

func TestRunRespectsMaxParallelism(t *testing.T) {
	steps := map[string]model.Step{}
	order := []string{}
	for _, n := range []string{"a", "b", "c", "d", "e"} {
		steps[n] = model.Step{Type: "noop"}
		order = append(order, n)
	}
	plan := newPlan(t, steps, order)

	var inFlight int32
	var maxSeen int32
	exec := scheduler.ExecutorFunc(func(_ context.Context, _ scheduler.Task) model.CheckResult {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return model.CheckResult{Status: model.StatusSuccess}
	})

	s := scheduler.New(scheduler.Options{MaxParallelism: 2})
	if _, err := s.Run(context.Background(), plan, scheduler.RunContext{}, exec, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if maxSeen > 2 {
		t.Fatalf("expected at most 2 concurrent executions, saw %d", maxSeen)
	}
}

func TestRunFailFastCancelsNotYetStartedTasks(t *testing.T) {
	plan := newPlan(t, map[string]model.Step{
		"a": {Type: "noop"},
		"b": {Type: "noop"},
		"c": {Type: "noop"},
	}, []string{"a", "b", "c"})

	exec := scheduler.ExecutorFunc(func(_ context.Context, task scheduler.Task) model.CheckResult {
		if task.Step.Name == "a" {
			return model.CheckResult{Status: model.StatusFailure}
		}
		time.Sleep(20 * time.Millisecond)
		return model.CheckResult{Status: model.StatusSuccess}
	})

	s := scheduler.New(scheduler.Options{MaxParallelism: 1, FailFast: true})
	res, err := s.Run(context.Background(), plan, scheduler.RunContext{}, exec, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.FailFastTripped {
		t.Fatalf("expected fail_fast to trip")
	}
	st, ok := statusOf(res, "c")
	if !ok || st != model.StatusCancelled {
		t.Fatalf("expected c cancelled, got %v (found=%v)", st, ok)
	}
}

func TestRunContinueOnFailureAllowsDependentToProceed(t *testing.T) {
	plan := newPlan(t, map[string]model.Step{
		"a": {Type: "noop", ContinueOnFailure: true},
		"b": {Type: "noop", DependsOn: []string{"a"}},
	}, []string{"a", "b"})

	exec := scheduler.ExecutorFunc(func(_ context.Context, task scheduler.Task) model.CheckResult {
		if task.Step.Name == "a" {
			return model.CheckResult{Status: model.StatusFailure}
		}
		return model.CheckResult{Status: model.StatusSuccess}
	})

	s := scheduler.New(scheduler.Options{MaxParallelism: 2})
	res, err := s.Run(context.Background(), plan, scheduler.RunContext{}, exec, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	st, ok := statusOf(res, "b")
	if !ok || st != model.StatusSuccess {
		t.Fatalf("expected b to run and succeed despite a's failure, got %v (found=%v)", st, ok)
	}
}

func TestRunCascadesSkipThroughMultipleLevels(t *testing.T) {
	plan := newPlan(t, map[string]model.Step{
		"a": {Type: "noop"},
		"b": {Type: "noop", DependsOn: []string{"a"}},
		"c": {Type: "noop", DependsOn: []string{"b"}},
	}, []string{"a", "b", "c"})

	exec := scheduler.ExecutorFunc(func(_ context.Context, task scheduler.Task) model.CheckResult {
		if task.Step.Name == "a" {
			return model.CheckResult{Status: model.StatusFailure}
		}
		return model.CheckResult{Status: model.StatusSuccess}
	})

	s := scheduler.New(scheduler.Options{MaxParallelism: 2})
	res, err := s.Run(context.Background(), plan, scheduler.RunContext{}, exec, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, name := range []string{"b", "c"} {
		st, ok := statusOf(res, name)
		if !ok || st != model.StatusSkipped {
			t.Fatalf("expected %s skipped, got %v (found=%v)", name, st, ok)
		}
	}
}

func TestRunMaxRunsExhaustionFails(t *testing.T) {
	plan := newPlan(t, map[string]model.Step{
		"a": {Type: "noop", MaxRuns: 1},
	}, []string{"a"})

	var calls int32
	exec := scheduler.ExecutorFunc(func(_ context.Context, _ scheduler.Task) model.CheckResult {
		atomic.AddInt32(&calls, 1)
		return model.CheckResult{Status: model.StatusSuccess}
	})

	// A route that re-requests the same task as a follow-up every time,
	// simulating a retry loop that should be stopped by max_runs.
	route := func(_ context.Context, task scheduler.Task, result model.CheckResult) (scheduler.RouteDecision, error) {
		return scheduler.RouteDecision{Status: result.Status, FollowUps: []scheduler.Task{task}}, nil
	}

	s := scheduler.New(scheduler.Options{MaxParallelism: 1})
	res, err := s.Run(context.Background(), plan, scheduler.RunContext{}, exec, route)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 execution before max_runs stops it, got %d", calls)
	}
	found := false
	for _, o := range res.Outcomes {
		if o.Task.Step.Name == "a" && o.Status == model.StatusFailure {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a max_runs-exhaustion failure outcome, got %+v", res.Outcomes)
	}
}

func TestRunProviderTimeoutProducesSystemIssue(t *testing.T) {
	plan := newPlan(t, map[string]model.Step{
		"a": {Type: "noop", Timeout: 10 * time.Millisecond},
	}, []string{"a"})

	exec := scheduler.ExecutorFunc(func(ctx context.Context, _ scheduler.Task) model.CheckResult {
		<-ctx.Done()
		return model.CheckResult{Status: model.StatusSuccess}
	})

	var gotTimeout bool
	route := func(_ context.Context, _ scheduler.Task, result model.CheckResult) (scheduler.RouteDecision, error) {
		for _, iss := range result.Issues {
			if iss.RuleID == model.RuleTimeout {
				gotTimeout = true
			}
		}
		return scheduler.DefaultRoute(context.Background(), scheduler.Task{}, result)
	}

	s := scheduler.New(scheduler.Options{MaxParallelism: 1})
	if _, err := s.Run(context.Background(), plan, scheduler.RunContext{}, exec, route); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !gotTimeout {
		t.Fatalf("expected a system/timeout issue to surface from the timed-out task")
	}
}

// noopForeachCoordinator satisfies foreach.Coordinator without wiring a real
// routing.Engine — this test only cares about what gets scheduled where.
type noopForeachCoordinator struct{}

func (noopForeachCoordinator) RecordOutput(model.Scope, string, interface{}) {}

func (noopForeachCoordinator) RouteFinish(_ context.Context, _ scheduler.RunContext, _ scheduler.Task) (scheduler.RouteDecision, error) {
	return scheduler.RouteDecision{Status: model.StatusSuccess}, nil
}

// TestRunForeachFansTransitiveDependentIntoChildScope wires planner.Build,
// scheduler.Run and foreach.Wrap together end to end — a forEach step's
// direct dependent (fetch) and its own dependent (analyze) must each run
// once per item, inside that item's own scope, never at root.
func TestRunForeachFansTransitiveDependentIntoChildScope(t *testing.T) {
	steps := map[string]model.Step{
		"list":    {Type: "noop", ForEach: true},
		"fetch":   {Type: "noop", DependsOn: []string{"list"}},
		"analyze": {Type: "noop", DependsOn: []string{"fetch"}},
	}
	plan := newPlan(t, steps, []string{"list", "fetch", "analyze"})

	var mu sync.Mutex
	calls := map[string][]model.Scope{}
	exec := scheduler.ExecutorFunc(func(_ context.Context, task scheduler.Task) model.CheckResult {
		mu.Lock()
		calls[task.Step.Name] = append(calls[task.Step.Name], task.Scope)
		mu.Unlock()
		if task.Step.Name == "list" {
			return model.CheckResult{Status: model.StatusSuccess, Output: model.NewValue([]interface{}{"a", "b"})}
		}
		return model.CheckResult{Status: model.StatusSuccess}
	})

	tracker := foreach.NewTracker()
	route := foreach.Wrap(scheduler.DefaultRoute, steps, tracker, noopForeachCoordinator{}, scheduler.RunContext{})

	s := scheduler.New(scheduler.Options{MaxParallelism: 4})
	res, err := s.Run(context.Background(), plan, scheduler.RunContext{}, exec, route)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(calls["list"]) != 1 || !calls["list"][0].IsRoot() {
		t.Fatalf("expected list to run exactly once at root scope, got %v", calls["list"])
	}

	for _, name := range []string{"fetch", "analyze"} {
		if len(calls[name]) != 2 {
			t.Fatalf("expected %s to run exactly twice (once per item), got %d", name, len(calls[name]))
		}
		for _, sc := range calls[name] {
			if sc.IsRoot() {
				t.Fatalf("expected every %s invocation to run in a per-item scope, got root", name)
			}
		}
	}

	fetchScopes := scopeStrings(calls["fetch"])
	analyzeScopes := scopeStrings(calls["analyze"])
	sort.Strings(fetchScopes)
	sort.Strings(analyzeScopes)
	if fetchScopes[0] != analyzeScopes[0] || fetchScopes[1] != analyzeScopes[1] {
		t.Fatalf("expected analyze to run in the same per-item scopes as fetch: fetch=%v analyze=%v", fetchScopes, analyzeScopes)
	}

	for _, name := range []string{"fetch", "analyze"} {
		st, ok := statusOf(res, name)
		if !ok || st != model.StatusSkipped {
			t.Fatalf("expected %s's root-scope entry to be skipped as foreach_fanout, got %v (found=%v)", name, st, ok)
		}
	}
	for _, o := range res.Outcomes {
		if o.Task.Scope.IsRoot() && (o.Task.Step.Name == "fetch" || o.Task.Step.Name == "analyze") {
			if o.Result.SkipReason != "foreach_fanout" {
				t.Fatalf("expected root-scope %s to be skipped with reason foreach_fanout, got %q", o.Task.Step.Name, o.Result.SkipReason)
			}
		}
	}
}

func scopeStrings(scopes []model.Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = s.String()
	}
	return out
}

func TestRunLiveOutputsIfReCheckOverridesPlannerDecision(t *testing.T) {
	plan := newPlan(t, map[string]model.Step{
		"a": {Type: "noop"},
		"b": {Type: "noop", DependsOn: []string{"a"}, If: "outputs.a && outputs.a.proceed"},
	}, []string{"a", "b"})

	var bRan bool
	exec := scheduler.ExecutorFunc(func(_ context.Context, task scheduler.Task) model.CheckResult {
		if task.Step.Name == "a" {
			return model.CheckResult{Status: model.StatusSuccess, Output: model.NewValue(map[string]interface{}{"proceed": false})}
		}
		bRan = true
		return model.CheckResult{Status: model.StatusSuccess}
	})

	s := scheduler.New(scheduler.Options{MaxParallelism: 2})
	res, err := s.Run(context.Background(), plan, scheduler.RunContext{}, exec, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if bRan {
		t.Fatalf("expected b to be gated out once a's live output made the if predicate falsy")
	}
	st, ok := statusOf(res, "b")
	if !ok || st != model.StatusSkipped {
		t.Fatalf("expected b skipped via dispatch-time if re-check, got %v (found=%v)", st, ok)
	}
}
