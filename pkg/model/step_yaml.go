package model

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// rawStep mirrors Step but leaves the fields a config author may write as
// either a bare scalar or a list (`on`, `tags`, `depends_on`, `fail_if`,
// `assume`, `guarantee`, `triggers`) as interface{} for post-processing,
// and captures every unrecognised key into Options via a yaml inline map
// so provider-specific settings need no schema of their own (§3).
type rawStep struct {
	Type              string                 `yaml:"type"`
	On                interface{}            `yaml:"on"`
	Triggers          interface{}            `yaml:"triggers"`
	DependsOn         interface{}            `yaml:"depends_on"`
	If                string                 `yaml:"if"`
	FailIf            interface{}            `yaml:"fail_if"`
	Assume            interface{}            `yaml:"assume"`
	Guarantee         interface{}            `yaml:"guarantee"`
	ForEach           bool                   `yaml:"forEach"`
	Fanout            Fanout                 `yaml:"fanout"`
	Tags              interface{}            `yaml:"tags"`
	Criticality       Criticality            `yaml:"criticality"`
	ContinueOnFailure bool                   `yaml:"continue_on_failure"`
	MaxRuns           int                    `yaml:"max_runs"`
	ReuseAISession    string                 `yaml:"reuse_ai_session"`
	SessionMode       SessionMode            `yaml:"session_mode"`
	Timeout           interface{}            `yaml:"timeout"`
	Schema            string                 `yaml:"schema"`
	Template          string                 `yaml:"template"`
	OnInit            *RoutingBlock          `yaml:"on_init"`
	OnSuccess         *RoutingBlock          `yaml:"on_success"`
	OnFail            *RoutingBlock          `yaml:"on_fail"`
	OnFinish          *RoutingBlock          `yaml:"on_finish"`
	Options           map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML lets a config author write `on: issue_comment` instead of
// `on: [issue_comment]`, and a bare `fail_if: output.success == false`
// instead of the fully-named FailCondition list form (§3, §6).
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	var raw rawStep
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("decode step: %w", err)
	}

	onStrings, err := toStringSlice(raw.On)
	if err != nil {
		return fmt.Errorf("on: %w", err)
	}
	on := make([]EventType, 0, len(onStrings))
	for _, e := range onStrings {
		on = append(on, EventType(e))
	}

	triggers, err := toStringSlice(raw.Triggers)
	if err != nil {
		return fmt.Errorf("triggers: %w", err)
	}
	dependsOn, err := toStringSlice(raw.DependsOn)
	if err != nil {
		return fmt.Errorf("depends_on: %w", err)
	}
	assume, err := toStringSlice(raw.Assume)
	if err != nil {
		return fmt.Errorf("assume: %w", err)
	}
	guarantee, err := toStringSlice(raw.Guarantee)
	if err != nil {
		return fmt.Errorf("guarantee: %w", err)
	}
	tags, err := toStringSlice(raw.Tags)
	if err != nil {
		return fmt.Errorf("tags: %w", err)
	}
	failIf, err := toFailConditions(raw.FailIf)
	if err != nil {
		return fmt.Errorf("fail_if: %w", err)
	}
	timeout, err := toDuration(raw.Timeout)
	if err != nil {
		return fmt.Errorf("timeout: %w", err)
	}

	delete(raw.Options, "name") // the step name always comes from the map key

	*s = Step{
		Type:              raw.Type,
		Options:           raw.Options,
		On:                on,
		Triggers:          triggers,
		DependsOn:         dependsOn,
		If:                raw.If,
		FailIf:            failIf,
		Assume:            assume,
		Guarantee:         guarantee,
		ForEach:           raw.ForEach,
		Fanout:            raw.Fanout,
		Tags:              tags,
		Criticality:       raw.Criticality,
		ContinueOnFailure: raw.ContinueOnFailure,
		MaxRuns:           raw.MaxRuns,
		ReuseAISession:    raw.ReuseAISession,
		SessionMode:       raw.SessionMode,
		Timeout:           timeout,
		Schema:            raw.Schema,
		Template:          raw.Template,
		OnInit:            raw.OnInit,
		OnSuccess:         raw.OnSuccess,
		OnFail:            raw.OnFail,
		OnFinish:          raw.OnFinish,
	}
	return nil
}

func toStringSlice(v interface{}) ([]string, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{val}, nil
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string list item, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string or string list, got %T", v)
	}
}

func toFailConditions(v interface{}) ([]FailCondition, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []FailCondition{{Expr: val}}, nil
	case []interface{}:
		out := make([]FailCondition, 0, len(val))
		for _, item := range val {
			switch entry := item.(type) {
			case string:
				out = append(out, FailCondition{Expr: entry})
			case map[string]interface{}:
				fc, err := decodeFailCondition(entry)
				if err != nil {
					return nil, err
				}
				out = append(out, fc)
			default:
				return nil, fmt.Errorf("unsupported fail_if entry type %T", item)
			}
		}
		return out, nil
	case map[string]interface{}:
		fc, err := decodeFailCondition(val)
		if err != nil {
			return nil, err
		}
		return []FailCondition{fc}, nil
	default:
		return nil, fmt.Errorf("unsupported fail_if type %T", v)
	}
}

func decodeFailCondition(m map[string]interface{}) (FailCondition, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return FailCondition{}, err
	}
	var fc FailCondition
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return FailCondition{}, err
	}
	return fc, nil
}

func toDuration(v interface{}) (time.Duration, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil
	case string:
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, err
		}
		return d, nil
	case int:
		return time.Duration(val) * time.Second, nil
	case float64:
		return time.Duration(val) * time.Second, nil
	default:
		return 0, fmt.Errorf("unsupported timeout type %T", v)
	}
}
