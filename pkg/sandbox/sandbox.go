// Package sandbox evaluates the engine's predicate/transform expressions
// (`if`, `fail_if`, `value_js`, `goto_js`, `transitions[].when`) inside a
// locked-down JavaScript-like environment: a fixed global allowlist, no
// filesystem or network access, and no host globals beyond the helper
// functions and bound variables spec.md §4.5 names (GLOSSARY: Expression
// Sandbox).
package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/robertkrimen/otto"

	"github.com/probelabs/visor/pkg/model"
)

// MemoryAccessor is the read-only view of the Memory Store an expression
// may use via `memory.get(ns, key)`. Expressions never get a mutating
// handle — §4.5 forbids side effects from inside the sandbox.
type MemoryAccessor interface {
	Get(ns, key string) (interface{}, bool)
}

// Bindings is the full variable set exposed to one evaluation (§4.5).
type Bindings struct {
	Output       interface{}
	Outputs      map[string]interface{}
	Issues       []model.Issue
	Metadata     model.IssueCounts
	CheckName    string
	Schema       string
	Group        string
	Branch       string
	BaseBranch   string
	FilesChanged []string
	Event        map[string]interface{}
	Env          map[string]string
	Memory       MemoryAccessor
	Attempt      int
}

// Sandbox evaluates expressions. It carries no mutable state: every Eval
// call builds a fresh otto.Otto VM so no host global or prior expression's
// state can leak into the next (§4.5).
type Sandbox struct{}

// New constructs a Sandbox.
func New() *Sandbox { return &Sandbox{} }

// EvalIf evaluates an `if` gate. Fail-open: a compile error is treated as
// truthy (the step still runs) and surfaces a warning issue (§4.5 "fail-open
// on if").
func (s *Sandbox) EvalIf(expr string, b Bindings) (bool, *model.Issue) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}
	v, err := s.run(expr, b)
	if err != nil {
		return true, compileWarning(expr, err)
	}
	return v.Bool(), nil
}

// EvalFailIf evaluates a `fail_if` predicate. Fail-closed: a compile error
// is treated as falsy (the step does not fail) and surfaces a warning
// issue (§4.5 "fail-closed on fail_if").
func (s *Sandbox) EvalFailIf(expr string, b Bindings) (bool, *model.Issue) {
	if strings.TrimSpace(expr) == "" {
		return false, nil
	}
	v, err := s.run(expr, b)
	if err != nil {
		return false, compileWarning(expr, err)
	}
	return v.Bool(), nil
}

// Eval evaluates an arbitrary transform expression (`value_js`, `goto_js`,
// `transitions[].when`, `ai_mcp_servers_js`) and returns its value.
func (s *Sandbox) Eval(expr string, b Bindings) (model.Value, error) {
	return s.run(expr, b)
}

func compileWarning(expr string, err error) *model.Issue {
	issue := model.SystemIssue(model.RuleSandboxCompileError,
		fmt.Sprintf("expression failed to evaluate: %v", err), model.SeverityWarning)
	issue.Message = fmt.Sprintf("%s (expr: %s)", issue.Message, expr)
	return &issue
}

func (s *Sandbox) run(expr string, b Bindings) (model.Value, error) {
	vm := otto.New()
	if err := bind(vm, b); err != nil {
		return model.Value{}, fmt.Errorf("sandbox: bind variables: %w", err)
	}

	script, err := vm.Compile("expr", expr)
	if err != nil {
		return model.Value{}, fmt.Errorf("sandbox: compile: %w", err)
	}

	result, err := vm.Run(script)
	if err != nil {
		return model.Value{}, fmt.Errorf("sandbox: evaluate: %w", err)
	}

	exported, err := result.Export()
	if err != nil {
		return model.Value{}, fmt.Errorf("sandbox: export result: %w", err)
	}
	return model.NewValue(exported), nil
}

func bind(vm *otto.Otto, b Bindings) error {
	// Slices are bound as []interface{} so the helpers, which type-switch
	// on the exported value, see the same shape a JS array literal has.
	files := make([]interface{}, len(b.FilesChanged))
	for i, f := range b.FilesChanged {
		files[i] = f
	}
	sets := map[string]interface{}{
		"output":       b.Output,
		"outputs":      b.Outputs,
		"issues":       issuesToMaps(b.Issues),
		"metadata":     metadataToMap(b.Metadata),
		"checkName":    b.CheckName,
		"schema":       b.Schema,
		"group":        b.Group,
		"branch":       b.Branch,
		"baseBranch":   b.BaseBranch,
		"filesChanged": files,
		"filesCount":   len(b.FilesChanged),
		"event":        b.Event,
		"env":          b.Env,
		"attempt":      b.Attempt,
	}
	for name, value := range sets {
		if err := vm.Set(name, value); err != nil {
			return fmt.Errorf("set %s: %w", name, err)
		}
	}

	if err := bindMemory(vm, b.Memory); err != nil {
		return err
	}
	return bindHelpers(vm, b)
}

func issuesToMaps(issues []model.Issue) []interface{} {
	out := make([]interface{}, 0, len(issues))
	for _, iss := range issues {
		out = append(out, issueToMap(iss))
	}
	return out
}

func issueToMap(iss model.Issue) map[string]interface{} {
	return map[string]interface{}{
		"file":        iss.File,
		"line":        iss.Line,
		"endLine":     iss.EndLine,
		"ruleId":      iss.RuleID,
		"message":     iss.Message,
		"severity":    string(iss.Severity),
		"category":    iss.Category,
		"suggestion":  iss.Suggestion,
		"replacement": iss.Replacement,
		"group":       iss.Group,
		"schema":      iss.Schema,
	}
}

func metadataToMap(m model.IssueCounts) map[string]interface{} {
	return map[string]interface{}{
		"critical":   m.Critical,
		"error":      m.Error,
		"warning":    m.Warning,
		"info":       m.Info,
		"total":      m.Total,
		"hasChanges": m.HasChanges,
	}
}

func bindMemory(vm *otto.Otto, accessor MemoryAccessor) error {
	memObj, err := vm.Object(`({})`)
	if err != nil {
		return err
	}
	getFn := func(call otto.FunctionCall) otto.Value {
		if accessor == nil {
			v, _ := vm.ToValue(nil)
			return v
		}
		ns := call.Argument(0).String()
		key := call.Argument(1).String()
		value, ok := accessor.Get(ns, key)
		if !ok {
			v, _ := vm.ToValue(nil)
			return v
		}
		v, _ := vm.ToValue(value)
		return v
	}
	if err := memObj.Set("get", getFn); err != nil {
		return err
	}
	return vm.Set("memory", memObj)
}

func bindHelpers(vm *otto.Otto, b Bindings) error {
	helpers := map[string]func(otto.FunctionCall) otto.Value{
		"contains":      helperContains,
		"startsWith":    helperStartsWith,
		"endsWith":      helperEndsWith,
		"length":        helperLength,
		"always":        func(otto.FunctionCall) otto.Value { return trueValue(vm) },
		"log":           helperLog,
		"hasIssue":      helperHasIssue,
		"hasIssueWith":  helperHasIssue,
		"countIssues":   helperCountIssues,
		"hasFileMatching": helperHasFileMatching,
		"hasFileWith":     helperHasFileMatching,
		"hasSuggestion": helperHasSuggestion,
	}
	for name, fn := range helpers {
		if err := vm.Set(name, fn); err != nil {
			return fmt.Errorf("set helper %s: %w", name, err)
		}
	}

	failed := b.Metadata.Critical > 0 || b.Metadata.Error > 0
	if err := vm.Set("success", func(call otto.FunctionCall) otto.Value {
		return boolValue(vm, !failed)
	}); err != nil {
		return err
	}
	if err := vm.Set("failure", func(call otto.FunctionCall) otto.Value {
		return boolValue(vm, failed)
	}); err != nil {
		return err
	}
	return nil
}

func trueValue(vm *otto.Otto) otto.Value { return boolValue(vm, true) }

func boolValue(vm *otto.Otto, b bool) otto.Value {
	v, _ := vm.ToValue(b)
	return v
}

func helperContains(call otto.FunctionCall) otto.Value {
	hay, _ := call.Argument(0).Export()
	needle, _ := call.Argument(1).Export()
	result := false
	switch h := hay.(type) {
	case string:
		if n, ok := needle.(string); ok {
			result = strings.Contains(h, n)
		}
	case []interface{}:
		for _, item := range h {
			if fmt.Sprint(item) == fmt.Sprint(needle) {
				result = true
				break
			}
		}
	}
	v, _ := call.Otto.ToValue(result)
	return v
}

func helperStartsWith(call otto.FunctionCall) otto.Value {
	s := call.Argument(0).String()
	prefix := call.Argument(1).String()
	v, _ := call.Otto.ToValue(strings.HasPrefix(s, prefix))
	return v
}

func helperEndsWith(call otto.FunctionCall) otto.Value {
	s := call.Argument(0).String()
	suffix := call.Argument(1).String()
	v, _ := call.Otto.ToValue(strings.HasSuffix(s, suffix))
	return v
}

func helperLength(call otto.FunctionCall) otto.Value {
	arg, _ := call.Argument(0).Export()
	length := 0
	switch val := arg.(type) {
	case string:
		length = len(val)
	case []interface{}:
		length = len(val)
	case map[string]interface{}:
		length = len(val)
	}
	v, _ := call.Otto.ToValue(length)
	return v
}

func helperLog(call otto.FunctionCall) otto.Value {
	// Expressions are evaluated in a locked-down sandbox with no external
	// sink wired up; log() is a documented no-op allowlisted call so
	// authors can leave debug statements in predicates without a
	// ReferenceError (§4.5 "restricted console (log/warn/error only)").
	return otto.UndefinedValue()
}

func helperHasIssue(call otto.FunctionCall) otto.Value {
	arr, _ := call.Argument(0).Export()
	field := call.Argument(1).String()
	want, _ := call.Argument(2).Export()
	result := false
	if list, ok := arr.([]interface{}); ok {
		for _, item := range list {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if fmt.Sprint(m[field]) == fmt.Sprint(want) {
				result = true
				break
			}
		}
	}
	v, _ := call.Otto.ToValue(result)
	return v
}

func helperCountIssues(call otto.FunctionCall) otto.Value {
	arr, _ := call.Argument(0).Export()
	var counts model.IssueCounts
	if list, ok := arr.([]interface{}); ok {
		issues := make([]model.Issue, 0, len(list))
		for _, item := range list {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			issues = append(issues, model.Issue{Severity: model.Severity(fmt.Sprint(m["severity"]))})
		}
		counts = model.CountIssues(issues)
	}
	v, _ := call.Otto.ToValue(metadataToMap(counts))
	return v
}

func helperHasFileMatching(call otto.FunctionCall) otto.Value {
	arr, _ := call.Argument(0).Export()
	pattern := call.Argument(1).String()
	result := false
	if list, ok := arr.([]interface{}); ok {
		for _, item := range list {
			var file string
			switch v := item.(type) {
			case string:
				file = v
			case map[string]interface{}:
				file = fmt.Sprint(v["file"])
			}
			if matched, _ := filepath.Match(pattern, file); matched {
				result = true
				break
			}
		}
	}
	v, _ := call.Otto.ToValue(result)
	return v
}

func helperHasSuggestion(call otto.FunctionCall) otto.Value {
	arr, _ := call.Argument(0).Export()
	result := false
	if list, ok := arr.([]interface{}); ok {
		for _, item := range list {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if s, ok := m["suggestion"].(string); ok && s != "" {
				result = true
				break
			}
		}
	}
	v, _ := call.Otto.ToValue(result)
	return v
}
