package dispatcher

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/probelabs/visor/pkg/memory"
	"github.com/probelabs/visor/pkg/model"
)

func optString(opts map[string]interface{}, key, def string) string {
	if opts == nil {
		return def
	}
	if v, ok := opts[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func optFloat(opts map[string]interface{}, key string) float64 {
	if opts == nil {
		return 0
	}
	if v, ok := opts[key]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return 0
}

func executionFailure(err error) model.CheckResult {
	return model.CheckResult{
		Status: model.StatusFailure,
		Issues: []model.Issue{model.SystemIssue(model.RuleProviderExecutionError, err.Error(), model.SeverityError)},
	}
}

// noopProvider does nothing and always succeeds — a placeholder step, or a
// synthetic target for goto/on_finish that only needs to exist.
type noopProvider struct{}

func (noopProvider) Validate(model.Step) error { return nil }

func (noopProvider) Execute(Context, model.Step) model.CheckResult {
	return model.CheckResult{Status: model.StatusSuccess}
}

// logProvider writes options.message through the configured logger at
// options.level (default info) and returns it as output, useful for
// routing diagnostics and as a goto/on_finish target with an observable
// side effect.
type logProvider struct{}

func (logProvider) Validate(model.Step) error { return nil }

func (logProvider) Execute(dc Context, step model.Step) model.CheckResult {
	msg := optString(step.Options, "message", step.Name)
	if dc.Logger != nil {
		switch optString(step.Options, "level", "info") {
		case "debug":
			dc.Logger.Debug(msg)
		case "warn":
			dc.Logger.Warn(msg)
		case "error":
			dc.Logger.Error(msg)
		default:
			dc.Logger.Info(msg)
		}
	}
	return model.CheckResult{Status: model.StatusSuccess, Output: model.NewValue(msg)}
}

// memoryProvider exposes the Memory Store (§4.7) as a check type, so a
// plan can read/write memory without an on_*.run_js expression.
type memoryProvider struct{}

var memoryOps = map[string]bool{
	"get": true, "set": true, "append": true, "increment": true,
	"delete": true, "clear": true, "list": true, "has": true, "get_all": true,
}

func (memoryProvider) Validate(step model.Step) error {
	op, _ := step.Options["operation"].(string)
	if !memoryOps[op] {
		return fmt.Errorf("memory provider: unknown operation %q", op)
	}
	return nil
}

func (memoryProvider) Execute(dc Context, step model.Step) model.CheckResult {
	if dc.Memory == nil {
		return model.CheckResult{Status: model.StatusFailure, Issues: []model.Issue{
			model.SystemIssue(model.RuleProviderExecutionError, "memory provider: no Memory Store configured", model.SeverityError),
		}}
	}
	ns := optString(step.Options, "namespace", memory.DefaultNamespace)
	key := optString(step.Options, "key", "")
	op, _ := step.Options["operation"].(string)

	switch op {
	case "get":
		v, ok, err := dc.Memory.Get(dc.Ctx, ns, key)
		if err != nil {
			return executionFailure(err)
		}
		if !ok {
			return model.CheckResult{Status: model.StatusSuccess}
		}
		return model.CheckResult{Status: model.StatusSuccess, Output: model.NewValue(v)}
	case "set":
		if err := dc.Memory.Set(dc.Ctx, ns, key, step.Options["value"]); err != nil {
			return executionFailure(err)
		}
		return model.CheckResult{Status: model.StatusSuccess, Output: model.NewValue(step.Options["value"])}
	case "append":
		if err := dc.Memory.Append(dc.Ctx, ns, key, step.Options["value"]); err != nil {
			return executionFailure(err)
		}
		return model.CheckResult{Status: model.StatusSuccess}
	case "increment":
		total, err := dc.Memory.Increment(dc.Ctx, ns, key, optFloat(step.Options, "amount"))
		if err != nil {
			return executionFailure(err)
		}
		return model.CheckResult{Status: model.StatusSuccess, Output: model.NewValue(total)}
	case "delete":
		if err := dc.Memory.Delete(dc.Ctx, ns, key); err != nil {
			return executionFailure(err)
		}
		return model.CheckResult{Status: model.StatusSuccess}
	case "clear":
		if err := dc.Memory.Clear(dc.Ctx, ns); err != nil {
			return executionFailure(err)
		}
		return model.CheckResult{Status: model.StatusSuccess}
	case "list":
		keys, err := dc.Memory.List(dc.Ctx, ns)
		if err != nil {
			return executionFailure(err)
		}
		out := make([]interface{}, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return model.CheckResult{Status: model.StatusSuccess, Output: model.NewValue(out)}
	case "get_all":
		all, err := dc.Memory.GetAll(dc.Ctx, ns)
		if err != nil {
			return executionFailure(err)
		}
		return model.CheckResult{Status: model.StatusSuccess, Output: model.NewValue(all)}
	case "has":
		ok, err := dc.Memory.Has(dc.Ctx, ns, key)
		if err != nil {
			return executionFailure(err)
		}
		return model.CheckResult{Status: model.StatusSuccess, Output: model.NewValue(ok)}
	default:
		return model.CheckResult{Status: model.StatusFailure}
	}
}

// commandProvider runs options.command through the shell in the workspace
// working directory, capturing stdout as the check's output.
type commandProvider struct{}

func (commandProvider) Validate(step model.Step) error {
	if optString(step.Options, "command", "") == "" {
		return fmt.Errorf("command provider: options.command is required")
	}
	return nil
}

func (commandProvider) Execute(dc Context, step model.Step) model.CheckResult {
	cmdStr := optString(step.Options, "command", "")
	cmd := exec.CommandContext(dc.Ctx, "sh", "-c", cmdStr)
	if dc.WorkingDirectory != "" {
		cmd.Dir = dc.WorkingDirectory
	}
	cmd.Env = os.Environ()
	for k, v := range dc.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return model.CheckResult{
			Status: model.StatusFailure,
			Output: model.NewValue(stdout.String()),
			Issues: []model.Issue{model.SystemIssue(model.RuleProviderExecutionError,
				fmt.Sprintf("command failed: %v: %s", err, strings.TrimSpace(stderr.String())), model.SeverityError)},
		}
	}
	return model.CheckResult{Status: model.StatusSuccess, Output: model.NewValue(stdout.String())}
}

// httpProvider issues options.method (default GET) options.url, with an
// optional options.body and options.headers, reporting a non-2xx response
// as a failure with the status code attached.
type httpProvider struct{}

func (httpProvider) Validate(step model.Step) error {
	if optString(step.Options, "url", "") == "" {
		return fmt.Errorf("http provider: options.url is required")
	}
	return nil
}

func (httpProvider) Execute(dc Context, step model.Step) model.CheckResult {
	method := strings.ToUpper(optString(step.Options, "method", "GET"))
	url := optString(step.Options, "url", "")

	var body io.Reader
	if b := optString(step.Options, "body", ""); b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(dc.Ctx, method, url, body)
	if err != nil {
		return executionFailure(err)
	}
	if headers, ok := step.Options["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	client := &http.Client{Timeout: step.EffectiveTimeout()}
	resp, err := client.Do(req)
	if err != nil {
		return executionFailure(err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.CheckResult{
			Status: model.StatusFailure,
			Output: model.NewValue(string(data)),
			Issues: []model.Issue{model.SystemIssue(model.RuleHTTPStatus,
				fmt.Sprintf("%s %s -> %d", method, url, resp.StatusCode), model.SeverityError)},
		}
	}
	return model.CheckResult{Status: model.StatusSuccess, Output: model.NewValue(string(data))}
}

// stubProvider satisfies the Provider contract for check types this build
// doesn't implement end-to-end (external LLM/VCS/human-in-the-loop
// integrations). It registers so a step of that type reaches a provider at
// dispatch and fails there with RuleProviderNotImplemented, rather than
// with the unknown-provider-type failure an unregistered type gets.
type stubProvider struct {
	providerType string
}

func (stubProvider) Validate(model.Step) error { return nil }

func (s stubProvider) Execute(Context, model.Step) model.CheckResult {
	return model.CheckResult{
		Status: model.StatusFailure,
		Issues: []model.Issue{model.SystemIssue(model.RuleProviderNotImplemented,
			fmt.Sprintf("provider type %q is registered but not implemented in this build", s.providerType),
			model.SeverityWarning)},
	}
}
