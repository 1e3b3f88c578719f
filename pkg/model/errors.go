package model

import (
	"errors"
	"fmt"
)

// Stable rule IDs the core itself emits (§7). Provider-declared rule IDs
// are free-form and live under the "provider/" prefix by convention, not
// enumerated here.
const (
	RuleTimeout            = "system/timeout"
	RuleAPIKeyMissing      = "system/api-key-missing"
	RuleAIExecutionError   = "system/ai-execution-error"
	RuleAISessionReuseErr  = "system/ai-session-reuse-error"
	RuleForeachExpectArray = "system/foreach_expected_array"
	RuleLoopBudgetExceeded = "routing/loop_budget_exceeded"
	RuleMaxRunsExceeded    = "routing/max_runs_exceeded"
	RuleGuaranteeFailed    = "contract/guarantee_failed"
	RulePlanCycle          = "plan/cycle"
	RulePlanUnresolvedDep  = "plan/unresolved_dependency"
	RuleSessionUnresolved  = "session/unresolved"
	RuleFailIf             = "fail_if"
	RuleSandboxCompileError = "sandbox/compile_error"
	RulePlanMissingContract = "plan/missing_contract"
	RuleInitFailed          = "routing/init_failed"
	RuleSchemaInvalid       = "system/schema_invalid"
	RuleJSONParseWarning    = "system/json_parse_warning"
	RuleProviderNotImplemented = "system/provider_not_implemented"
	RuleUnknownProviderType = "system/unknown_provider_type"
	RuleProviderExecutionError = "provider/execution_error"
	RuleHTTPStatus          = "provider/http_status"
)

// Sentinel errors for errors.Is comparisons across package boundaries.
var (
	ErrUnknownProviderType = errors.New("unknown provider type")
	ErrSessionUnresolved   = errors.New("ai session reference does not exist in registry")
	ErrForeachExpectArray  = errors.New("forEach step output is not an array")
	ErrPlanCycle           = errors.New("dependency cycle detected")
	ErrPlanUnresolvedDep   = errors.New("unresolved dependency")
	ErrLoopBudgetExceeded  = errors.New("routing loop budget exceeded")
	ErrMaxRunsExceeded     = errors.New("step max_runs exceeded")
	ErrCancelled           = errors.New("run cancelled")
)

// EngineError carries a stable RuleID alongside the wrapped cause, letting
// the routing state machine and aggregator attribute an issue without
// re-deriving which failure mode occurred (§7 propagation policy).
type EngineError struct {
	Op     string
	RuleID string
	Err    error
}

func (e *EngineError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.RuleID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.RuleID, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// NewEngineError wraps err with a stable rule ID.
func NewEngineError(op, ruleID string, err error) *EngineError {
	return &EngineError{Op: op, RuleID: ruleID, Err: err}
}
