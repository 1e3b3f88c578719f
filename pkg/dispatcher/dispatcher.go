package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/probelabs/visor/pkg/logger"
	"github.com/probelabs/visor/pkg/memory"
	"github.com/probelabs/visor/pkg/model"
	"github.com/probelabs/visor/pkg/sandbox"
	"github.com/probelabs/visor/pkg/scheduler"
	"github.com/probelabs/visor/pkg/session"
)

// OutputsView supplies a task's live, already-recorded scope outputs —
// pkg/routing.Engine.Outputs satisfies this, letting a provider read
// upstream outputs.* without the Dispatcher needing its own copy of the
// routing Engine's output map.
type OutputsView interface {
	Outputs(scope model.Scope) map[string]interface{}
}

// Options configures a Dispatcher.
type Options struct {
	Memory           memory.Store
	Sessions         *session.Registry
	Sandbox          *sandbox.Sandbox
	Event            model.Event
	Env              map[string]string
	Outputs          OutputsView
	Logger           logger.Logger
	WorkingDirectory string
}

// Dispatcher implements scheduler.Executor by resolving a task's provider
// type through Registry, validating its config, running it, then
// normalising the result: output_format: json stdout parsing and schema
// validation both happen here so no individual provider needs to
// special-case them (spec.md §4.4).
type Dispatcher struct {
	registry         *Registry
	memory           memory.Store
	sessions         *session.Registry
	sandbox          *sandbox.Sandbox
	event            model.Event
	env              map[string]string
	outputs          OutputsView
	logger           logger.Logger
	workingDirectory string
}

// New constructs a Dispatcher bound to registry.
func New(registry *Registry, opts Options) *Dispatcher {
	return &Dispatcher{
		registry:         registry,
		memory:           opts.Memory,
		sessions:         opts.Sessions,
		sandbox:          opts.Sandbox,
		event:            opts.Event,
		env:              opts.Env,
		outputs:          opts.Outputs,
		logger:           opts.Logger,
		workingDirectory: opts.WorkingDirectory,
	}
}

var _ scheduler.Executor = (*Dispatcher)(nil)

// Execute satisfies scheduler.Executor.
func (d *Dispatcher) Execute(ctx context.Context, task scheduler.Task) model.CheckResult {
	provider, ok := d.registry.Get(task.Step.Type)
	if !ok {
		return model.CheckResult{Status: model.StatusFailure, Issues: []model.Issue{
			model.SystemIssue(model.RuleUnknownProviderType,
				fmt.Sprintf("unknown provider type %q for step %q", task.Step.Type, task.Step.Name), model.SeverityCritical),
		}}
	}
	if err := provider.Validate(task.Step); err != nil {
		return model.CheckResult{Status: model.StatusFailure, Issues: []model.Issue{
			model.SystemIssue(model.RuleSchemaInvalid,
				fmt.Sprintf("invalid config for step %q: %v", task.Step.Name, err), model.SeverityError),
		}}
	}

	var scopeOutputs map[string]interface{}
	if d.outputs != nil {
		scopeOutputs = d.outputs.Outputs(task.Scope)
	}

	dc := Context{
		Ctx:              ctx,
		Event:            d.event,
		Scope:            task.Scope,
		Outputs:          scopeOutputs,
		Memory:           d.memory,
		WorkingDirectory: d.workingDirectory,
		Sandbox:          d.sandbox,
		Sessions:         d.sessions,
		Env:              d.env,
		Logger:           d.logger,
	}

	result := provider.Execute(dc, task.Step)

	if optString(task.Step.Options, "output_format", "") == "json" {
		result = parseJSONOutput(result)
	}
	if task.Step.Schema != "" && result.Status == model.StatusSuccess {
		if err := validateSchema(task.Step.Schema, result.Output.Raw()); err != nil {
			result.Issues = append(result.Issues, model.SystemIssue(model.RuleSchemaInvalid,
				fmt.Sprintf("schema validation for step %q: %v", task.Step.Name, err), model.SeverityWarning))
		}
	}
	return result
}

// parseJSONOutput re-parses a string Output as JSON when the step declares
// output_format: json (spec.md §4.4: "Providers MAY request output_format:
// json stdout parsing"). A parse failure is a warning, not a failure — the
// raw string output is preserved so downstream steps still see something.
func parseJSONOutput(result model.CheckResult) model.CheckResult {
	s, ok := result.Output.Raw().(string)
	if !ok {
		return result
	}
	var parsed interface{}
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		result.Issues = append(result.Issues, model.SystemIssue(model.RuleJSONParseWarning,
			fmt.Sprintf("output_format json: %v", err), model.SeverityWarning))
		return result
	}
	result.Output = model.NewValue(parsed)
	return result
}

func validateSchema(schema string, value interface{}) error {
	doc, err := json.Marshal(value)
	if err != nil {
		return err
	}
	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schema), gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
