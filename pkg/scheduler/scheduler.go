// Package scheduler executes a planner.Plan's DAG: a bounded worker pool
// drains a live ready queue of (step, scope) pairs, dispatching each to an
// Executor under a per-step timeout, routing its CheckResult through a
// RouteFunc, and unblocking dependents as they settle (spec.md §4.2).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/probelabs/visor/pkg/model"
	"github.com/probelabs/visor/pkg/planner"
	"github.com/probelabs/visor/pkg/sandbox"
)

// Options configures a Scheduler.
type Options struct {
	// MaxParallelism bounds concurrent in-flight executions; defaults to
	// 3 per spec.md §4.2.
	MaxParallelism int
	// FailFast flips a run-wide cancellation token on the first task that
	// routes to a terminal Failed status; no further tasks are dispatched
	// (Open Question decision #2 in DESIGN.md).
	FailFast bool
	// Sandbox evaluates the dispatch-time `if` re-check; defaults to a
	// fresh sandbox.New().
	Sandbox *sandbox.Sandbox
}

// Scheduler runs plans built by pkg/planner.
type Scheduler struct {
	maxParallelism int
	failFast       bool
	sandbox        *sandbox.Sandbox
}

// New constructs a Scheduler.
func New(opts Options) *Scheduler {
	maxParallelism := opts.MaxParallelism
	if maxParallelism <= 0 {
		maxParallelism = 3
	}
	sb := opts.Sandbox
	if sb == nil {
		sb = sandbox.New()
	}
	return &Scheduler{maxParallelism: maxParallelism, failFast: opts.FailFast, sandbox: sb}
}

type workResult struct {
	task     Task
	result   model.CheckResult
	duration time.Duration
}

// Run drives plan to completion: every task reaches a terminal Status
// (spec.md §3 invariant table) either by executing, being skipped, or
// being cancelled once fail_fast trips. route may be nil, in which case
// DefaultRoute is used.
func (s *Scheduler) Run(ctx context.Context, plan *planner.Plan, rc RunContext, exec Executor, route RouteFunc) (*Result, error) {
	if route == nil {
		route = DefaultRoute
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g := buildGraph(plan)
	queue := newReadyQueue()

	var outcomes []Outcome
	var pendingReentries []GotoEventRequest
	failFastTripped := false

	recordTerminal := func(t Task, status model.Status, result model.CheckResult, duration time.Duration) {
		outcomes = append(outcomes, Outcome{Task: t, Result: result, Status: status, Duration: duration})
		if status == model.StatusSuccess {
			g.recordOutput(t.Scope, t.Step.Name, result.Output.Raw())
		}
		ready, cascaded := g.resolve(t, status)
		for _, c := range cascaded {
			outcomes = append(outcomes, Outcome{
				Task:   c,
				Status: model.StatusSkipped,
				Result: model.CheckResult{Status: model.StatusSkipped, SkipReason: "dependency_unsatisfied"},
			})
		}
		if failFastTripped {
			return
		}
		for _, r := range ready {
			queue.push(r)
		}
	}

	for _, t := range g.initialSkipped() {
		n := g.nodes[taskKey(t)]
		result := model.CheckResult{Status: model.StatusSkipped, SkipReason: n.skipReason}
		recordTerminal(t, model.StatusSkipped, result, 0)
	}
	for _, t := range g.initialReady() {
		queue.push(t)
	}

	resultsCh := make(chan workResult)
	var wg sync.WaitGroup
	outstanding := 0

	for queue.len() > 0 || outstanding > 0 {
		for queue.len() > 0 && outstanding < s.maxParallelism {
			t := queue.pop()

			if failFastTripped {
				recordTerminal(t, model.StatusCancelled, model.CheckResult{Status: model.StatusCancelled}, 0)
				continue
			}

			if skip, reason := s.admit(t, g, rc); skip {
				recordTerminal(t, model.StatusSkipped, model.CheckResult{Status: model.StatusSkipped, SkipReason: reason}, 0)
				continue
			}

			if !g.reserveRun(t) {
				issue := model.SystemIssue(model.RuleMaxRunsExceeded,
					fmt.Sprintf("step %q exceeded max_runs (%d) in scope %s", t.Step.Name, t.Step.EffectiveMaxRuns(), t.Scope), model.SeverityError)
				recordTerminal(t, model.StatusFailure, model.CheckResult{Status: model.StatusFailure, Issues: []model.Issue{issue}}, 0)
				continue
			}

			outstanding++
			wg.Add(1)
			go s.runOne(runCtx, t, exec, resultsCh, &wg)
		}

		if outstanding == 0 {
			break
		}

		wr := <-resultsCh
		outstanding--

		decision, err := route(runCtx, wr.task, wr.result)
		if err != nil {
			decision, _ = DefaultRoute(runCtx, wr.task, wr.result)
		}

		routed := wr.result
		if len(decision.Issues) > 0 {
			routed.Issues = append(append([]model.Issue{}, wr.result.Issues...), decision.Issues...)
		}
		if decision.Status == model.StatusSkipped && routed.SkipReason == "" && decision.SkipReason != "" {
			routed.SkipReason = decision.SkipReason
		}
		recordTerminal(wr.task, decision.Status, routed, wr.duration)

		if decision.Reentry != nil {
			pendingReentries = append(pendingReentries, *decision.Reentry)
		}

		if decision.HaltExecution {
			failFastTripped = true
			cancel()
		}
		if decision.Status == model.StatusFailure && s.failFast {
			failFastTripped = true
			cancel()
		}
		if !failFastTripped {
			for _, follow := range decision.FollowUps {
				queue.push(follow)
			}
		}
	}

	wg.Wait()
	return &Result{Outcomes: outcomes, FailFastTripped: failFastTripped, PendingReentries: pendingReentries}, nil
}

// admit is the scheduler's own "Pending → evaluate if" check (spec.md
// §4.3), re-run with the live, now-populated scope outputs right before
// dispatch — a second, authoritative pass over the Planner's necessarily
// approximate plan-time evaluation (DESIGN.md Open Question decision #7),
// since most `if` predicates reference upstream `outputs.*` that don't
// exist yet when the plan is first built.
func (s *Scheduler) admit(t Task, g *graph, rc RunContext) (skip bool, reason string) {
	if t.Step.If == "" {
		return false, ""
	}
	ok, _ := s.sandbox.EvalIf(t.Step.If, sandbox.Bindings{
		CheckName:    t.Step.Name,
		Branch:       rc.Event.Branch,
		BaseBranch:   rc.Event.BaseBranch,
		FilesChanged: rc.Event.FilesChanged,
		Event:        rc.Event.ToSandboxMap(),
		Env:          rc.Env,
		Outputs:      g.scopeOutputs(t.Scope),
	})
	if !ok {
		return true, "if"
	}
	return false, ""
}

func (s *Scheduler) runOne(ctx context.Context, t Task, exec Executor, out chan<- workResult, wg *sync.WaitGroup) {
	defer wg.Done()

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, t.Step.EffectiveTimeout())
	defer cancel()

	resCh := make(chan model.CheckResult, 1)
	go func() {
		resCh <- exec.Execute(callCtx, t)
	}()

	select {
	case res := <-resCh:
		out <- workResult{task: t, result: res, duration: time.Since(start)}
	case <-callCtx.Done():
		out <- workResult{task: t, result: timeoutResult(callCtx.Err()), duration: time.Since(start)}
	}
}

func timeoutResult(err error) model.CheckResult {
	return model.CheckResult{
		Status: model.StatusFailure,
		Issues: []model.Issue{model.SystemIssue(model.RuleTimeout,
			fmt.Sprintf("provider call timed out: %v", err), model.SeverityError)},
	}
}
