package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/probelabs/visor/pkg/model"
)

// document is the direct YAML decode target for one visor.yaml file,
// before extends merging or env overrides are applied.
type document struct {
	Version        string                 `yaml:"version"`
	Steps          map[string]model.Step  `yaml:"steps"`
	Checks         map[string]model.Step  `yaml:"checks"`
	Output         *outputDoc             `yaml:"output"`
	MaxParallelism *int                   `yaml:"max_parallelism"`
	FailFast       *bool                  `yaml:"fail_fast"`
	FailIf         string                 `yaml:"fail_if"`
	TagFilter      *model.TagFilter       `yaml:"tag_filter"`
	Routing        *routingDoc            `yaml:"routing"`
	Limits         *limitsDoc             `yaml:"limits"`
	Workspace      *workspaceDoc          `yaml:"workspace"`
	Memory         *memoryDoc             `yaml:"memory"`
	Extends        stringList             `yaml:"extends"`
}

type outputDoc struct {
	Format            string `yaml:"format"`
	MaxTableCell      int    `yaml:"max_table_cell"`
	MaxTableCodeLines int    `yaml:"max_table_code_lines"`
}

type routingDoc struct {
	Defaults *routingDefaultsDoc `yaml:"defaults"`
}

type routingDefaultsDoc struct {
	OnFail *model.RoutingBlock `yaml:"on_fail"`
}

type limitsDoc struct {
	MaxConfigSnapshots int `yaml:"max_config_snapshots"`
}

type workspaceDoc struct {
	Enabled       *bool  `yaml:"enabled"`
	Path          string `yaml:"path"`
	CleanupOnExit *bool  `yaml:"cleanup_on_exit"`
}

type memoryDoc struct {
	Mode     string `yaml:"mode"`
	Path     string `yaml:"path"`
	Format   string `yaml:"format"`
	RedisURL string `yaml:"redis_url"`
}

// stringList decodes either a bare scalar or a YAML sequence of scalars,
// matching spec.md §6's "extends (string or list)".
type stringList []string

func (l *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		if s != "" {
			*l = []string{s}
		}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	case 0:
		return nil
	default:
		return fmt.Errorf("expected scalar or sequence, got yaml kind %d", node.Kind)
	}
}

// knownTopLevelKeys drives strict-mode unknown-key detection (spec.md §6:
// "unknown keys produce warnings; strict mode promotes them to errors").
var knownTopLevelKeys = map[string]bool{
	"version": true, "steps": true, "checks": true, "output": true,
	"max_parallelism": true, "fail_fast": true, "fail_if": true,
	"tag_filter": true, "routing": true, "limits": true, "workspace": true,
	"memory": true, "extends": true,
}

// unknownTopLevelKeys returns the top-level mapping keys of raw that
// knownTopLevelKeys doesn't recognise, preserving source order.
func unknownTopLevelKeys(raw []byte) ([]string, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return nil, nil
	}
	mapping := node.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil, nil
	}
	var unknown []string
	for i := 0; i < len(mapping.Content); i += 2 {
		key := mapping.Content[i].Value
		if !knownTopLevelKeys[key] {
			unknown = append(unknown, key)
		}
	}
	return unknown, nil
}

// stepKeyOrder returns the declared order of the `steps` mapping's keys in
// raw, or of `checks` when `steps` is absent or empty (the same choice
// mergeSteps makes), used for the scheduler's declaration-order tie-break
// (spec.md §4.2) since Go map iteration is unordered.
func stepKeyOrder(raw []byte) ([]string, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return nil, nil
	}
	mapping := node.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil, nil
	}
	var checksOrder []string
	for i := 0; i < len(mapping.Content); i += 2 {
		key := mapping.Content[i].Value
		if key != "steps" && key != "checks" {
			continue
		}
		seq := mapping.Content[i+1]
		if seq.Kind != yaml.MappingNode || len(seq.Content) == 0 {
			continue
		}
		var order []string
		for j := 0; j < len(seq.Content); j += 2 {
			order = append(order, seq.Content[j].Value)
		}
		if key == "steps" {
			return order, nil
		}
		checksOrder = order
	}
	return checksOrder, nil
}

// mergeSteps implements spec.md §6: both `steps` and `checks` are accepted
// as the step map; when both are present, `steps` wins entirely (Open
// Question #1 resolution, see DESIGN.md) rather than being merged key by
// key.
func mergeSteps(d *document) map[string]model.Step {
	if len(d.Steps) > 0 {
		return d.Steps
	}
	return d.Checks
}
