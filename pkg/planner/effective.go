package planner

import (
	"fmt"

	"github.com/probelabs/visor/pkg/config"
	"github.com/probelabs/visor/pkg/model"
)

// effectiveStep computes a step's runtime configuration by merging
// routing.defaults.on_fail underneath its own on_fail and applying
// criticality defaults (spec.md §4.1 rule 7), returning any plan-time
// warnings the merge produces.
func effectiveStep(step model.Step, routing config.RoutingDefaults) (model.Step, []model.Issue) {
	eff := step
	eff.OnFail = mergeOnFail(step.OnFail, routing.OnFail)

	var warnings []model.Issue
	if step.Criticality == model.CriticalityExternal || step.Criticality == model.CriticalityInternal {
		eff.OnFail = applyCriticalityRetryDefault(eff.OnFail, step.Criticality)

		if len(step.FailIf) == 0 {
			warnings = append(warnings, model.SystemIssue(model.RulePlanMissingContract,
				fmt.Sprintf("check %q (criticality=%s) declares no fail_if", step.Name, step.Criticality),
				model.SeverityWarning))
		}
		if len(step.Guarantee) == 0 {
			warnings = append(warnings, model.SystemIssue(model.RulePlanMissingContract,
				fmt.Sprintf("check %q (criticality=%s) declares no guarantee", step.Name, step.Criticality),
				model.SeverityWarning))
		}
	}

	return eff, warnings
}

// mergeOnFail fills fields own leaves unset from defaults, own taking
// precedence field by field rather than all-or-nothing.
func mergeOnFail(own, defaults *model.RoutingBlock) *model.RoutingBlock {
	if defaults == nil {
		return own
	}
	if own == nil {
		merged := *defaults
		return &merged
	}
	merged := *own
	if len(merged.Run) == 0 {
		merged.Run = defaults.Run
	}
	if len(merged.Transitions) == 0 {
		merged.Transitions = defaults.Transitions
	}
	if merged.GotoJS == "" {
		merged.GotoJS = defaults.GotoJS
	}
	if merged.Goto == "" {
		merged.Goto = defaults.Goto
	}
	if merged.GotoEvent == "" {
		merged.GotoEvent = defaults.GotoEvent
	}
	if merged.Retry == nil {
		merged.Retry = defaults.Retry
	}
	return &merged
}

// applyCriticalityRetryDefault raises retry.max to the criticality's
// floor when the step hasn't declared its own retry.max.
func applyCriticalityRetryDefault(onFail *model.RoutingBlock, crit model.Criticality) *model.RoutingBlock {
	floor, ok := criticalityRetryDefaults[crit]
	if !ok {
		return onFail
	}
	if onFail != nil && onFail.Retry != nil && onFail.Retry.Max > 0 {
		return onFail
	}
	block := model.RoutingBlock{}
	if onFail != nil {
		block = *onFail
	}
	block.Retry = &model.RetryConfig{Max: floor}
	return &block
}
