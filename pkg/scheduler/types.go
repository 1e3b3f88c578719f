package scheduler

import (
	"context"
	"time"

	"github.com/probelabs/visor/pkg/model"
)

// Task is one (step, scope) work item the scheduler dispatches (spec.md
// §4.2).
type Task struct {
	Step  model.Step
	Scope model.Scope
}

func taskKey(t Task) string { return t.Scope.String() + "::" + t.Step.Name }

// Executor performs a single execution attempt of a task and reports its
// CheckResult. The real implementation is the Provider Dispatcher
// (pkg/dispatcher); tests substitute a fake.
type Executor interface {
	Execute(ctx context.Context, task Task) model.CheckResult
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, task Task) model.CheckResult

func (f ExecutorFunc) Execute(ctx context.Context, task Task) model.CheckResult { return f(ctx, task) }

// RouteDecision is what a RouteFunc returns after observing one task's
// CheckResult: the status to record for dependency-gating purposes, plus
// any follow-up tasks to enqueue immediately (retry re-run, goto target).
// FollowUps count against the scope's loop budget; the initial dependency-
// driven dispatch of a step does not.
type RouteDecision struct {
	Status    model.Status
	FollowUps []Task
	// Issues are routing-synthesised findings (guarantee/fail_if/assume
	// compile warnings) to merge into the task's recorded CheckResult
	// alongside whatever the provider itself produced, so the aggregator
	// sees them without the RouteFunc needing write access to the
	// provider's own result.
	Issues []model.Issue
	// Reentry is set when routing resolved a `goto_event`: re-entering the
	// Planner for a fresh event is outside the Scheduler's own DAG (it may
	// introduce steps this Run never planned), so the Scheduler collects
	// these on Result.PendingReentries instead of enqueueing them itself.
	Reentry *GotoEventRequest
	// SkipReason is merged into the recorded CheckResult.SkipReason when
	// Status is StatusSkipped and the provider itself didn't already set
	// one (e.g. routing's own "assume" gate).
	SkipReason string
	// HaltExecution mirrors a fail_if condition's halt_execution: true
	// trips the scheduler's global cancellation token immediately,
	// independent of the run's fail_fast setting.
	HaltExecution bool
}

// GotoEventRequest asks the plan's caller to build and run a fresh plan
// for Event, starting at Step, with isolated outputs from the originating
// Scope (spec.md §4.3 "goto_event").
type GotoEventRequest struct {
	Event model.EventType
	Step  string
	Scope model.Scope
}

// RouteFunc post-processes a raw CheckResult into routing's verdict. The
// real implementation is the Routing State Machine (pkg/routing) applying
// assume/guarantee/fail_if and on_success/on_fail (spec.md §4.3); the
// default used when a caller passes nil is DefaultRoute, a pass-through
// that treats the provider's own status as terminal.
type RouteFunc func(ctx context.Context, task Task, result model.CheckResult) (RouteDecision, error)

// DefaultRoute maps CheckResult.Status directly to a terminal Status with
// no follow-ups — used by scheduler's own tests and any caller that hasn't
// wired a routing layer yet.
func DefaultRoute(_ context.Context, _ Task, result model.CheckResult) (RouteDecision, error) {
	switch result.Status {
	case model.StatusSuccess:
		return RouteDecision{Status: model.StatusSuccess}, nil
	case model.StatusSkipped:
		return RouteDecision{Status: model.StatusSkipped}, nil
	default:
		return RouteDecision{Status: model.StatusFailure}, nil
	}
}

// RunContext carries the ambient values the scheduler's dispatch-time
// `if` gate exposes to the sandbox (spec.md §4.3 "On Pending → evaluate
// if"), alongside the Planner's own plan-time evaluation.
type RunContext struct {
	Event model.Event
	Env   map[string]string
}

// Outcome records one task's final, routed result.
type Outcome struct {
	Task   Task
	Result model.CheckResult
	Status model.Status
	// Duration is how long the dispatched execution itself took (zero for
	// tasks that never reached the Executor — skipped or cancelled before
	// dispatch), used by pkg/aggregate for run statistics.
	Duration time.Duration
}

// Result is everything a Run produced.
type Result struct {
	Outcomes         []Outcome
	FailFastTripped  bool
	PendingReentries []GotoEventRequest
}
