// Package config loads and merges visor.yaml/visor.yml documents into the
// typed Config the rest of the engine consumes: extends resolution,
// steps/checks normalisation, environment-variable overrides, and strict
// unknown-key handling (spec.md §6), in the functional-options style the
// teacher's core/config.go uses for its own Config.
package config

import (
	"github.com/probelabs/visor/pkg/model"
)

// Config is the fully resolved, extends-merged, env-overridden view of a
// loaded visor.yaml document.
type Config struct {
	Version        string
	Steps          map[string]model.Step
	// StepOrder records step names in declaration order across the
	// extends chain (parents first), since YAML-decoded Go maps carry no
	// order of their own and the scheduler's tie-break needs one
	// (spec.md §4.2).
	StepOrder      []string
	Output         OutputConfig
	MaxParallelism int
	FailFast       bool
	FailIf         string
	TagFilter      model.TagFilter
	Routing        RoutingDefaults
	Limits         Limits
	Workspace      WorkspaceConfig
	Memory         MemoryConfig

	// SourcePath is the file this Config was loaded from (the root of the
	// extends chain), used by the config-snapshot store.
	SourcePath string
	// Hash is the first 16 hex characters of sha256(raw YAML bytes) of the
	// root document, per spec.md §6's snapshot record shape.
	Hash string
}

// OutputConfig controls rendering independent of the CLI's --output flag.
type OutputConfig struct {
	Format            string
	MaxTableCell      int
	MaxTableCodeLines int
}

// RoutingDefaults are merged underneath a step's own routing blocks per
// the Planner's effective-config computation (spec.md §4.1 rule 7).
type RoutingDefaults struct {
	OnFail *model.RoutingBlock
}

// Limits bounds ambient resources not tied to a single step.
type Limits struct {
	MaxConfigSnapshots int
}

// WorkspaceConfig configures the per-run isolated working directory
// (spec.md §4.8).
type WorkspaceConfig struct {
	Enabled       bool
	Path          string
	CleanupOnExit bool
}

// MemoryConfig selects and configures the Memory Store backend
// (spec.md §4.7).
type MemoryConfig struct {
	Mode     string // "memory" | "file" | "redis"
	Path     string // file mode
	Format   string // file mode: "json" | "csv"
	RedisURL string // redis mode
}

// DefaultConfig seeds every field spec.md gives a default for, mirroring
// the teacher's DefaultConfig() function.
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Steps:   map[string]model.Step{},
		Output: OutputConfig{
			Format:            "table",
			MaxTableCell:      80,
			MaxTableCodeLines: 10,
		},
		MaxParallelism: 3,
		Limits: Limits{
			MaxConfigSnapshots: 3,
		},
		Workspace: WorkspaceConfig{
			Enabled:       true,
			CleanupOnExit: true,
		},
		Memory: MemoryConfig{
			Mode: "memory",
		},
	}
}
