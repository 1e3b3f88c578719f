// Package aggregate turns a finished scheduler.Result into the
// ReviewSummary formatters consume (spec.md §4.11): stable issue
// ordering (by step declaration order, then emission order within a
// step), suggestion extraction, and per-run statistics (durations,
// parallelism hit rate, routing hops consumed).
//
// This generalises the role the teacher's pkg/orchestration/synthesizer.go
// plays — folding a multi-step ExecutionResult into one response — from
// prose synthesis into structured aggregation; the "walk declared step
// order, fold per-step state into one object" shape survives, the LLM
// synthesis strategy does not (DESIGN.md).
package aggregate

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/probelabs/visor/pkg/model"
	"github.com/probelabs/visor/pkg/planner"
	"github.com/probelabs/visor/pkg/scheduler"
)

// Suggestion is an issue with an actionable Replacement, surfaced
// separately from the general Issues list since several formatters
// (table, markdown) render it as a diff rather than a findings row.
type Suggestion struct {
	File        string
	Line        int
	Message     string
	Replacement string
}

// GroupSummary is one output-group's slice of a run: the issues and
// suggestions any steps tagged with that group produced, plus the output
// of the last successful execution among the group's steps (visited in
// declaration order) and the last non-nil debug payload a successful
// execution in the group attached.
type GroupSummary struct {
	Issues      []model.Issue
	Suggestions []Suggestion
	Debug       map[string]interface{}
	Output      interface{}
}

// Stats are the per-run statistics spec.md §4.11 promises alongside the
// summary: wall-clock durations per step, an estimated parallelism hit
// rate (1/max_parallelism, see Summarize), and how many routing hops
// (goto + retry transitions) the run consumed in total.
type Stats struct {
	TotalDuration      time.Duration
	StepDurations      map[string]time.Duration
	ParallelismHitRate float64
	RoutingHops        int
	StepsExecuted      int
	StepsSkipped       int
	StepsFailed        int
}

// ReviewSummary is the engine's aggregation boundary output (spec.md
// §4.11): one GroupSummary per declared output group, plus run Stats.
// "default" is the group every step without its own `group` option
// belongs to.
type ReviewSummary struct {
	Groups map[string]*GroupSummary
	Stats  Stats
}

// Options configures Summarize's optional OpenTelemetry instrumentation.
// Both fields may be left nil; Summarize degrades to pure aggregation
// with no emitted spans or metrics.
type Options struct {
	Tracer trace.Tracer
	Meter  metric.Meter
}

const defaultGroup = "default"

// Summarize folds res into a ReviewSummary, ordering issues by plan's
// step declaration order and, within a step, by the order the provider
// emitted them (spec.md §4.11 "stable issue ordering"). plan supplies the
// declaration order and each step's configured output group; steps that
// are not in plan sort by name after the planned ones and belong to the
// default group. The hit rate estimate depends on maxParallelism alone.
func Summarize(ctx context.Context, plan *planner.Plan, res *scheduler.Result, maxParallelism int, opts Options) *ReviewSummary {
	order := make(map[string]int, len(plan.Steps))
	groupOf := make(map[string]string, len(plan.Steps))
	for i, ps := range plan.Steps {
		if _, exists := order[ps.Step.Name]; !exists {
			order[ps.Step.Name] = i
		}
		g := ps.Step.Options["group"]
		if gs, ok := g.(string); ok && gs != "" {
			groupOf[ps.Step.Name] = gs
		} else {
			groupOf[ps.Step.Name] = defaultGroup
		}
	}

	byStep := make(map[string][]scheduler.Outcome)
	for _, oc := range res.Outcomes {
		byStep[oc.Task.Step.Name] = append(byStep[oc.Task.Step.Name], oc)
	}

	stepNames := make([]string, 0, len(byStep))
	for name := range byStep {
		stepNames = append(stepNames, name)
	}
	sort.Slice(stepNames, func(i, j int) bool {
		oi, iok := order[stepNames[i]]
		oj, jok := order[stepNames[j]]
		if !iok || !jok {
			return stepNames[i] < stepNames[j]
		}
		return oi < oj
	})

	summary := &ReviewSummary{Groups: map[string]*GroupSummary{}}
	stats := Stats{StepDurations: map[string]time.Duration{}}

	var totalBusy time.Duration
	var span trace.Span
	if opts.Tracer != nil {
		ctx, span = opts.Tracer.Start(ctx, "aggregate.summarize")
		defer span.End()
	}

	for _, name := range stepNames {
		group, ok := groupOf[name]
		if !ok {
			group = defaultGroup
		}
		gs := summary.Groups[group]
		if gs == nil {
			gs = &GroupSummary{}
			summary.Groups[group] = gs
		}

		for _, oc := range byStep[name] {
			stats.StepDurations[name] += oc.Duration
			totalBusy += oc.Duration

			switch oc.Status {
			case model.StatusSuccess:
				stats.StepsExecuted++
				gs.Output = oc.Result.Output.Raw()
				if oc.Result.Debug != nil {
					gs.Debug = oc.Result.Debug
				}
			case model.StatusFailure:
				stats.StepsExecuted++
				stats.StepsFailed++
			case model.StatusSkipped:
				stats.StepsSkipped++
			}

			for _, iss := range oc.Result.Issues {
				gs.Issues = append(gs.Issues, iss)
				if iss.Replacement != "" {
					gs.Suggestions = append(gs.Suggestions, Suggestion{
						File: iss.File, Line: iss.Line, Message: iss.Message, Replacement: iss.Replacement,
					})
				}
			}
		}
	}

	stats.RoutingHops = countRoutingHops(res.Outcomes)
	stats.TotalDuration = totalBusy
	// Outcome carries no start timestamp, so the true wall-clock overlap
	// across concurrent tasks isn't recoverable here; 1/max_parallelism is
	// the conservative estimate for a fully sequential run, which this
	// rate approaches as max_parallelism grows and actual overlap is low.
	if maxParallelism > 0 {
		stats.ParallelismHitRate = 1 / float64(maxParallelism)
	}
	summary.Stats = stats

	if span != nil {
		span.SetAttributes(
			attribute.Int("visor.steps_executed", stats.StepsExecuted),
			attribute.Int("visor.steps_failed", stats.StepsFailed),
			attribute.Int("visor.routing_hops", stats.RoutingHops),
		)
	}
	if opts.Meter != nil {
		emitMetrics(ctx, opts.Meter, stats)
	}

	return summary
}

// countRoutingHops counts executions beyond each (step, scope) pair's
// first: every re-dispatch after the initial one is a goto or retry
// transition consuming loop budget (spec.md §3 invariant 5).
func countRoutingHops(outcomes []scheduler.Outcome) int {
	seen := map[string]int{}
	hops := 0
	for _, oc := range outcomes {
		key := oc.Task.Scope.String() + "::" + oc.Task.Step.Name
		seen[key]++
		if seen[key] > 1 {
			hops++
		}
	}
	return hops
}

func emitMetrics(ctx context.Context, meter metric.Meter, stats Stats) {
	executed, err := meter.Int64Counter("visor.steps.executed")
	if err == nil {
		executed.Add(ctx, int64(stats.StepsExecuted))
	}
	failed, err := meter.Int64Counter("visor.steps.failed")
	if err == nil {
		failed.Add(ctx, int64(stats.StepsFailed))
	}
	hops, err := meter.Int64Counter("visor.routing.hops")
	if err == nil {
		hops.Add(ctx, int64(stats.RoutingHops))
	}
}
