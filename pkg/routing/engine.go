// Package routing implements the Routing State Machine (spec.md §4.3):
// assume/guarantee/fail_if evaluation, on_success/on_fail/on_finish
// transitions, goto/goto_event resolution, retry with backoff, and the
// per-scope loop budget. An Engine binds into a pkg/scheduler.RouteFunc,
// the same decision-tree-over-a-plan role the teacher's
// pkg/routing/hybrid.go and autonomous.go play over an LLM-produced
// RoutingPlan, generalised from "pick a route once" into a retry/goto
// state machine with persistent per-scope budget.
package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/probelabs/visor/pkg/model"
	"github.com/probelabs/visor/pkg/sandbox"
	"github.com/probelabs/visor/pkg/scheduler"
)

// Options configures an Engine.
type Options struct {
	Sandbox *sandbox.Sandbox
	// Steps is the full step registry (by name), used to resolve goto/
	// run[] targets that aren't necessarily in the triggering task's own
	// dependency neighbourhood.
	Steps map[string]model.Step
	// Executor runs named on_*.run[] remediation entries synchronously,
	// in declaration order, before any goto/retry (spec.md §4.3). May be
	// nil if the config never declares named run entries.
	Executor scheduler.Executor
	// LoopBudget is the default per-scope goto+retry budget; 25 if <= 0.
	LoopBudget int
	Memory     sandbox.MemoryAccessor
}

// Engine evaluates one task's routing decision per call, matching the
// scheduler.RouteFunc contract via Bind.
type Engine struct {
	sandbox  *sandbox.Sandbox
	steps    map[string]model.Step
	executor scheduler.Executor
	budgets  *loopBudgets
	memory   sandbox.MemoryAccessor

	mu       sync.Mutex
	outputs  map[string]map[string]interface{} // scope key -> step name -> output
	attempts map[string]int                    // scope::step -> attempts observed so far
}

// New constructs an Engine.
func New(opts Options) *Engine {
	sb := opts.Sandbox
	if sb == nil {
		sb = sandbox.New()
	}
	return &Engine{
		sandbox:  sb,
		steps:    opts.Steps,
		executor: opts.Executor,
		budgets:  newLoopBudgets(opts.LoopBudget),
		memory:   opts.Memory,
		outputs:  map[string]map[string]interface{}{},
		attempts: map[string]int{},
	}
}

// Bind produces a scheduler.RouteFunc closing over the ambient event/env
// values a run shares across every task.
func (e *Engine) Bind(rc scheduler.RunContext) scheduler.RouteFunc {
	return func(ctx context.Context, task scheduler.Task, result model.CheckResult) (scheduler.RouteDecision, error) {
		return e.route(ctx, rc, task, result)
	}
}

// WrapExecutor decorates exec with the Initialising state (spec.md §4.3:
// "On Initialising: execute on_init.run..."): on_init's run[] entries
// execute before the provider call, in the scope the task will run in, and
// their failure is terminal — it skips the provider call entirely and
// bypasses on_fail, surfacing only as a routing/init_failed issue that
// route() turns straight into Failure.
func (e *Engine) WrapExecutor(rc scheduler.RunContext, exec scheduler.Executor) scheduler.Executor {
	return scheduler.ExecutorFunc(func(ctx context.Context, task scheduler.Task) model.CheckResult {
		step := task.Step
		if step.OnInit != nil {
			attempt := 0
			b := e.bindings(rc, task, model.CheckResult{}, attempt)
			for _, rs := range step.OnInit.Run {
				if err := e.runRemediation(ctx, task, rs, b); err != nil {
					return model.CheckResult{
						Status: model.StatusFailure,
						Issues: []model.Issue{model.SystemIssue(model.RuleInitFailed,
							fmt.Sprintf("on_init failed: %v", err), model.SeverityError)},
					}
				}
				b = e.bindings(rc, task, model.CheckResult{}, attempt)
			}
		}
		return exec.Execute(ctx, task)
	})
}

// RecordOutput exposes the Engine's per-scope output map so external
// composition code (the ForEach Engine, pkg/foreach) can seed
// outputs.<step> at a freshly created child scope (spec.md §4.9 step 2)
// before that scope's dependents are dispatched.
func (e *Engine) RecordOutput(scope model.Scope, step string, value interface{}) {
	e.recordOutput(scope, step, value)
}

// Outputs exposes the Engine's live per-scope output map (pkg/dispatcher's
// OutputsView) so a provider can read outputs.* already recorded for its
// task's scope.
func (e *Engine) Outputs(scope model.Scope) map[string]interface{} {
	return e.scopeOutputs(scope)
}

// RouteFinish runs a ForEach parent step's on_finish block (spec.md §4.3,
// §4.9 step 5). It is invoked by pkg/foreach once every fan-out task the
// parent step produced has reached a terminal state, reusing applyBlock so
// on_finish gets the same run[]/transitions/goto/retry semantics as
// on_success and on_fail.
func (e *Engine) RouteFinish(ctx context.Context, rc scheduler.RunContext, task scheduler.Task) (scheduler.RouteDecision, error) {
	step := task.Step
	if step.OnFinish == nil {
		return scheduler.RouteDecision{Status: model.StatusSuccess}, nil
	}
	attempt := e.nextAttempt(task)
	result := model.CheckResult{Status: model.StatusSuccess}
	return e.applyBlock(ctx, rc, result, task, step, step.OnFinish, attempt, model.StatusSuccess, nil)
}

func hasInitFailure(issues []model.Issue) bool {
	for _, iss := range issues {
		if iss.RuleID == model.RuleInitFailed {
			return true
		}
	}
	return false
}

func taskKey(t scheduler.Task) string { return t.Scope.String() + "::" + t.Step.Name }

func (e *Engine) recordOutput(scope model.Scope, step string, output interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sk := scope.String()
	if e.outputs[sk] == nil {
		e.outputs[sk] = map[string]interface{}{}
	}
	e.outputs[sk][step] = output
}

func (e *Engine) scopeOutputs(scope model.Scope) map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]interface{}, len(e.outputs[scope.String()]))
	for k, v := range e.outputs[scope.String()] {
		out[k] = v
	}
	return out
}

func (e *Engine) nextAttempt(t scheduler.Task) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := taskKey(t)
	e.attempts[k]++
	return e.attempts[k]
}

func (e *Engine) bindings(rc scheduler.RunContext, task scheduler.Task, result model.CheckResult, attempt int) sandbox.Bindings {
	return sandbox.Bindings{
		Output:       result.Output.Raw(),
		Outputs:      e.scopeOutputs(task.Scope),
		Issues:       result.Issues,
		Metadata:     model.CountIssues(result.Issues),
		CheckName:    task.Step.Name,
		Branch:       rc.Event.Branch,
		BaseBranch:   rc.Event.BaseBranch,
		FilesChanged: rc.Event.FilesChanged,
		Event:        rc.Event.ToSandboxMap(),
		Env:          rc.Env,
		Memory:       e.memory,
		Attempt:      attempt,
	}
}

// route implements the Evaluating state (spec.md §4.3 numbered list).
func (e *Engine) route(ctx context.Context, rc scheduler.RunContext, task scheduler.Task, result model.CheckResult) (scheduler.RouteDecision, error) {
	step := task.Step

	// 0. Initialising: an on_init failure (flagged by WrapExecutor) is
	// terminal and bypasses on_fail entirely (spec.md §4.3).
	if hasInitFailure(result.Issues) {
		return scheduler.RouteDecision{Status: model.StatusFailure, Issues: result.Issues}, nil
	}

	attempt := e.nextAttempt(task)
	b := e.bindings(rc, task, result, attempt)

	var issues []model.Issue

	// 1. assume: falsy precondition ⇒ Skipped(assume), terminal.
	for _, expr := range step.Assume {
		ok, warn := e.sandbox.EvalIf(expr, b)
		if warn != nil {
			issues = append(issues, *warn)
		}
		if !ok {
			return scheduler.RouteDecision{Status: model.StatusSkipped, SkipReason: "assume", Issues: issues}, nil
		}
	}

	// 2. guarantee: falsy ⇒ append contract/guarantee_failed, does not
	// flip status by itself.
	for _, expr := range step.Guarantee {
		v, err := e.sandbox.Eval(expr, b)
		if err != nil {
			issues = append(issues, model.SystemIssue(model.RuleSandboxCompileError,
				fmt.Sprintf("guarantee failed to evaluate: %v (expr: %s)", err, expr), model.SeverityWarning))
			continue
		}
		if !v.Bool() {
			issues = append(issues, model.SystemIssue(model.RuleGuaranteeFailed,
				fmt.Sprintf("guarantee violated: %s", expr), model.SeverityError))
		}
	}

	// 3. fail_if: truthy ⇒ Failed, with a system issue per matched
	// condition; halt_execution trips the global cancellation token.
	status := result.Status
	if status != model.StatusFailure {
		status = model.StatusSuccess
	}
	halt := false
	for _, cond := range step.FailIf {
		ok, warn := e.sandbox.EvalFailIf(cond.Expr, b)
		if warn != nil {
			issues = append(issues, *warn)
		}
		if ok {
			status = model.StatusFailure
			severity := cond.Severity
			if severity == "" {
				severity = model.SeverityError
			}
			msg := cond.Message
			if msg == "" {
				msg = fmt.Sprintf("fail_if matched: %s", cond.Expr)
			}
			ruleID := model.RuleFailIf
			if cond.Name != "" {
				ruleID = model.RuleFailIf + "/" + cond.Name
			}
			issues = append(issues, model.SystemIssue(ruleID, msg, severity))
			if cond.HaltExecution {
				halt = true
			}
		}
	}

	// forEach steps must resolve to an array output; a Success result that
	// doesn't is a core-detected failure, same severity band as fail_if
	// (spec.md §4.9 step 1).
	if status == model.StatusSuccess && step.ForEach {
		if _, ok := result.Output.Array(); !ok {
			status = model.StatusFailure
			issues = append(issues, model.SystemIssue(model.RuleForeachExpectArray,
				fmt.Sprintf("forEach step %q output is not an array", step.Name), model.SeverityError))
		}
	}

	if status == model.StatusSuccess {
		e.recordOutput(task.Scope, step.Name, result.Output.Raw())
	}

	// 4. on_success / on_fail.
	var block *model.RoutingBlock
	if status == model.StatusSuccess {
		block = step.OnSuccess
	} else {
		block = step.OnFail
	}
	if block == nil {
		return scheduler.RouteDecision{Status: status, Issues: issues, HaltExecution: halt}, nil
	}

	decision, err := e.applyBlock(ctx, rc, result, task, step, block, attempt, status, issues)
	if err != nil {
		return scheduler.RouteDecision{Status: status, Issues: issues, HaltExecution: halt}, err
	}
	decision.HaltExecution = decision.HaltExecution || halt
	return decision, nil
}

// applyBlock runs run[] remediation, then resolves a routing target via
// transitions[] (first truthy `when` wins) falling back to goto_js then
// static goto, then — only if no target resolved — retry.max. Bindings
// are rebuilt from rc/result after every remediation entry so transitions
// see both the full ambient event context and each run[] entry's freshly
// recorded outputs.
func (e *Engine) applyBlock(ctx context.Context, rc scheduler.RunContext, result model.CheckResult, task scheduler.Task, step model.Step, block *model.RoutingBlock, attempt int, status model.Status, issues []model.Issue) (scheduler.RouteDecision, error) {
	scopeKey := task.Scope.String()
	b := e.bindings(rc, task, result, attempt)

	for _, rs := range block.Run {
		if err := e.runRemediation(ctx, task, rs, b); err != nil {
			issues = append(issues, model.SystemIssue(model.RuleSandboxCompileError,
				fmt.Sprintf("on_%s run entry failed: %v", strOutcome(status), err), model.SeverityWarning))
		}
		b = e.bindings(rc, task, result, attempt)
	}

	target, gotoEvent, explicitlyDisabled := e.resolveTarget(block, b)

	if target != "" && !explicitlyDisabled {
		if !e.budgets.consume(scopeKey) {
			issues = append(issues, model.SystemIssue(model.RuleLoopBudgetExceeded,
				fmt.Sprintf("loop budget exhausted routing %q -> %q", step.Name, target), model.SeverityError))
			return scheduler.RouteDecision{Status: model.StatusFailure, Issues: issues}, nil
		}
		if gotoEvent != "" {
			return scheduler.RouteDecision{
				Status: status,
				Issues: issues,
				Reentry: &scheduler.GotoEventRequest{
					Event: model.EventType(gotoEvent),
					Step:  target,
					Scope: task.Scope,
				},
			}, nil
		}
		targetStep, ok := e.steps[target]
		if !ok {
			issues = append(issues, model.SystemIssue(model.RulePlanUnresolvedDep,
				fmt.Sprintf("goto target %q is not a declared step", target), model.SeverityError))
			return scheduler.RouteDecision{Status: model.StatusFailure, Issues: issues}, nil
		}
		return scheduler.RouteDecision{
			Status:    status,
			Issues:    issues,
			FollowUps: []scheduler.Task{{Step: targetStep, Scope: task.Scope}},
		}, nil
	}

	if block.Retry != nil && block.Retry.Max > 0 && attempt <= block.Retry.Max {
		if !e.budgets.consume(scopeKey) {
			issues = append(issues, model.SystemIssue(model.RuleLoopBudgetExceeded,
				fmt.Sprintf("loop budget exhausted retrying %q", step.Name), model.SeverityError))
			return scheduler.RouteDecision{Status: model.StatusFailure, Issues: issues}, nil
		}
		delay := delayForAttempt(block.Retry.Backoff, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return scheduler.RouteDecision{Status: model.StatusCancelled, Issues: issues}, ctx.Err()
		case <-timer.C:
		}
		return scheduler.RouteDecision{
			Status:    status,
			Issues:    issues,
			FollowUps: []scheduler.Task{{Step: step, Scope: task.Scope}},
		}, nil
	}

	return scheduler.RouteDecision{Status: status, Issues: issues}, nil
}

func strOutcome(status model.Status) string {
	if status == model.StatusSuccess {
		return "success"
	}
	return "fail"
}

// resolveTarget implements the shared transitions[]/goto_js/goto fallback
// chain (spec.md §4.3 "Routing rules"). explicitlyDisabled reports a
// matching rule whose `to` is the literal null, which must suppress any
// fallback rather than simply resolving to an empty target.
func (e *Engine) resolveTarget(block *model.RoutingBlock, b sandbox.Bindings) (target, gotoEvent string, explicitlyDisabled bool) {
	for _, tr := range block.Transitions {
		ok, _ := e.sandbox.EvalIf(tr.When, b)
		if !ok {
			continue
		}
		if tr.To != nil && *tr.To == "" {
			return "", "", true
		}
		if tr.To != nil {
			return *tr.To, tr.GotoEvent, false
		}
		return "", tr.GotoEvent, false
	}

	if block.GotoJS != "" {
		v, err := e.sandbox.Eval(block.GotoJS, b)
		if err == nil && !v.IsNil() && v.String() != "" {
			return v.String(), block.GotoEvent, false
		}
	}

	if block.Goto != "" {
		return block.Goto, block.GotoEvent, false
	}
	return "", "", false
}

func (e *Engine) runRemediation(ctx context.Context, task scheduler.Task, rs model.RunStep, b sandbox.Bindings) error {
	alias := rs.As
	if rs.RunJS != "" {
		if alias == "" {
			alias = "run"
		}
		v, err := e.sandbox.Eval(rs.RunJS, b)
		if err != nil {
			return err
		}
		e.recordOutput(task.Scope, alias, v.Raw())
		return nil
	}
	if rs.Name == "" {
		return nil
	}
	if alias == "" {
		alias = rs.Name
	}
	target, ok := e.steps[rs.Name]
	if !ok {
		return fmt.Errorf("run entry references undeclared step %q", rs.Name)
	}
	if e.executor == nil {
		return fmt.Errorf("no executor configured to run remediation step %q", rs.Name)
	}
	res := e.executor.Execute(ctx, scheduler.Task{Step: target, Scope: task.Scope})
	e.recordOutput(task.Scope, alias, res.Output.Raw())
	return nil
}
