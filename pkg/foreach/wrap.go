package foreach

import (
	"context"

	"github.com/probelabs/visor/pkg/model"
	"github.com/probelabs/visor/pkg/scheduler"
)

// Coordinator is the subset of pkg/routing.Engine the ForEach Engine needs:
// recording per-scope outputs ahead of dispatch, and running on_finish once
// a fan-out group settles.
type Coordinator interface {
	// RecordOutput seeds outputs.<step> at scope, ahead of that scope's own
	// dependents being dispatched.
	RecordOutput(scope model.Scope, step string, value interface{})
	// RouteFinish runs parentTask.Step.OnFinish, reusing the same
	// run[]/transitions/goto/retry machinery as on_success/on_fail.
	RouteFinish(ctx context.Context, rc scheduler.RunContext, parentTask scheduler.Task) (scheduler.RouteDecision, error)
}

// Wrap decorates route with ForEach fan-out accounting. On a successful
// forEach step it expands the array output into per-item/reduce dependent
// tasks via Expand, seeds their outputs through coord, registers the
// fan-out with tracker, and appends the dependent tasks to the decision's
// FollowUps so the scheduler's existing ready queue dispatches them without
// any further graph surgery (pkg/scheduler's FollowUps path admits tasks
// whose (scope, step) was never part of the plan-time graph). Every task's
// own terminal settlement is then checked against tracker; the task that
// turns out to be the last outstanding member triggers on_finish via
// coord.RouteFinish, merged into that task's own RouteDecision.
func Wrap(route scheduler.RouteFunc, steps map[string]model.Step, tracker *Tracker, coord Coordinator, rc scheduler.RunContext) scheduler.RouteFunc {
	return func(ctx context.Context, task scheduler.Task, result model.CheckResult) (scheduler.RouteDecision, error) {
		decision, err := route(ctx, task, result)
		if err != nil {
			return decision, err
		}

		if task.Step.ForEach && decision.Status == model.StatusSuccess {
			items, _ := result.Output.Array()
			plan := Expand(task.Step, task.Scope, items, steps)

			for scope, item := range plan.ItemSeeds {
				coord.RecordOutput(scope, task.Step.Name, item)
			}

			for _, ct := range plan.ChildTasks {
				tracker.claimDispatch(ct.Scope, ct.Step.Name)
			}

			decision.FollowUps = append(decision.FollowUps, plan.ChildTasks...)
			decision.FollowUps = append(decision.FollowUps, plan.ReduceTasks...)

			if done := tracker.Register(task.Scope, task.Step.Name, plan.Members); done {
				mergeFinish(ctx, rc, coord, task, &decision)
			}
		}

		// A step completing inside a non-root (per-item) scope may itself
		// unblock further dependents of the same forEach ancestor that
		// weren't direct dependents of the forEach step — the transitive
		// case Expand can't dispatch up front because FollowUp tasks carry
		// no dependency gate (spec.md §4.9 step 3).
		if decision.Status == model.StatusSuccess && !task.Scope.IsRoot() {
			tracker.markCompleted(task.Scope, task.Step.Name)
			decision.FollowUps = append(decision.FollowUps, fanoutReady(task, steps, tracker)...)
		}

		if decision.Status.Terminal() {
			if parentScope, parentStep, done := tracker.Settle(task.Scope, task.Step.Name); done {
				parentTask := scheduler.Task{Step: steps[parentStep], Scope: parentScope}
				mergeFinish(ctx, rc, coord, parentTask, &decision)
			}
		}

		return decision, nil
	}
}

// fanoutReady returns task.Step's direct dependents that are now eligible
// to run inside task.Scope: each is a tracked fan-out member there (part of
// some forEach ancestor's transitive subtree) and every one of its own
// depends_on entries that is itself a member of this scope has already
// completed. Each eligible dependent is claimed via tracker.claimDispatch
// so a dependent with more than one in-scope prerequisite is only ever
// scheduled once, on whichever prerequisite settles last.
func fanoutReady(task scheduler.Task, steps map[string]model.Step, tracker *Tracker) []scheduler.Task {
	var ready []scheduler.Task
	for _, dep := range dependentsOf(task.Step.Name, steps) {
		if dep.Fanout == model.FanoutReduce {
			continue
		}
		if !tracker.isMember(task.Scope, dep.Name) {
			continue
		}
		if !prerequisitesSatisfied(dep, task.Scope, tracker) {
			continue
		}
		if !tracker.claimDispatch(task.Scope, dep.Name) {
			continue
		}
		ready = append(ready, scheduler.Task{Step: dep, Scope: task.Scope})
	}
	return ready
}

// prerequisitesSatisfied reports whether every depends_on entry of dep that
// is itself tracked as a fan-out member of scope has already completed
// there. A depends_on entry that is NOT a tracked member belongs outside
// the forEach subtree (e.g. a plain root-scope step) and is assumed already
// satisfied — the root-scope graph gated on it before the forEach ever ran.
func prerequisitesSatisfied(dep model.Step, scope model.Scope, tracker *Tracker) bool {
	for _, depName := range dep.DependsOn {
		if !tracker.isMember(scope, depName) {
			continue
		}
		if !tracker.isCompleted(scope, depName) {
			return false
		}
	}
	return true
}

func mergeFinish(ctx context.Context, rc scheduler.RunContext, coord Coordinator, parentTask scheduler.Task, decision *scheduler.RouteDecision) {
	fd, err := coord.RouteFinish(ctx, rc, parentTask)
	if err != nil {
		return
	}
	decision.Issues = append(decision.Issues, fd.Issues...)
	decision.FollowUps = append(decision.FollowUps, fd.FollowUps...)
	if fd.HaltExecution {
		decision.HaltExecution = true
	}
}
