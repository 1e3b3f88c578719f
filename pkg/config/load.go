package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/probelabs/visor/pkg/logger"
	"github.com/probelabs/visor/pkg/model"
)

// Warner receives non-fatal load-time diagnostics (unknown config keys,
// parse-recoverable oddities). logger.Logger satisfies it directly.
type Warner interface {
	Warn(msg string, fields ...interface{})
}

type noopWarner struct{}

func (noopWarner) Warn(string, ...interface{}) {}

// Option configures a Load call, mirroring the teacher's functional
// options over core.Config.
type Option func(*loadOptions)

type loadOptions struct {
	strict       bool
	noRemote     bool
	warner       Warner
	httpClient   *http.Client
	envLookup    func(string) (string, bool)
}

// WithStrict promotes unknown top-level config keys from warnings to a
// load error (VISOR_STRICT_CONFIG_NAME-adjacent but independent knob;
// spec.md §6).
func WithStrict(strict bool) Option {
	return func(o *loadOptions) { o.strict = strict }
}

// WithNoRemoteExtends disables HTTPS `extends` resolution even if
// VISOR_NO_REMOTE_EXTENDS isn't set in the environment (useful for tests).
func WithNoRemoteExtends(disabled bool) Option {
	return func(o *loadOptions) { o.noRemote = disabled }
}

// WithWarner overrides where unknown-key warnings are logged.
func WithWarner(w Warner) Option {
	return func(o *loadOptions) { o.warner = w }
}

// WithHTTPClient overrides the client used to fetch HTTPS extends targets.
func WithHTTPClient(c *http.Client) Option {
	return func(o *loadOptions) { o.httpClient = c }
}

func newLoadOptions(opts ...Option) *loadOptions {
	o := &loadOptions{
		warner:     noopWarner{},
		httpClient: &http.Client{Timeout: 10 * time.Second},
		envLookup:  os.LookupEnv,
	}
	if v, _ := o.envLookup("VISOR_NO_REMOTE_EXTENDS"); v != "" {
		o.noRemote = true
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Load reads path, resolves its extends chain (local files and, unless
// disabled, HTTPS URLs), merges steps/checks, applies environment-variable
// overrides, and returns the resolved Config (spec.md §6).
func Load(path string, opts ...Option) (*Config, error) {
	o := newLoadOptions(opts...)

	raw, err := readSource(path, o)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := decodeChain(path, raw, o, map[string]bool{})
	if err != nil {
		return nil, err
	}

	cfg.SourcePath = path
	cfg.Hash = hashYAML(raw)

	applyEnvOverrides(cfg, o.envLookup)

	return cfg, nil
}

// decodeChain decodes raw at path into a document, recursively resolving
// `extends` (parent first, child overriding), and folds the result into a
// Config. visited guards against extends cycles.
func decodeChain(path string, raw []byte, o *loadOptions, visited map[string]bool) (*Config, error) {
	if visited[path] {
		return nil, fmt.Errorf("config: extends cycle at %s", path)
	}
	visited[path] = true

	if o.strict {
		unknown, err := unknownTopLevelKeys(raw)
		if err != nil {
			return nil, fmt.Errorf("config: inspect %s: %w", path, err)
		}
		if len(unknown) > 0 {
			return nil, fmt.Errorf("config: unknown key(s) %s in %s (strict mode)", strings.Join(unknown, ", "), path)
		}
	} else {
		unknown, _ := unknownTopLevelKeys(raw)
		for _, k := range unknown {
			o.warner.Warn("unknown config key", logger.Field{Key: "key", Value: k}, logger.Field{Key: "file", Value: path})
		}
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg := DefaultConfig()

	for _, parentRef := range doc.Extends {
		parentPath, parentRaw, err := resolveExtends(path, parentRef, o)
		if err != nil {
			return nil, fmt.Errorf("config: extends %q from %s: %w", parentRef, path, err)
		}
		parentCfg, err := decodeChain(parentPath, parentRaw, o, visited)
		if err != nil {
			return nil, err
		}
		mergeConfigInto(cfg, parentCfg)
	}

	applyDocument(cfg, &doc)

	order, _ := stepKeyOrder(raw)
	appendStepOrder(cfg, order)

	return cfg, nil
}

// appendStepOrder extends cfg.StepOrder with any names in order not
// already recorded, preserving first-seen position across the extends
// chain.
func appendStepOrder(cfg *Config, order []string) {
	seen := make(map[string]bool, len(cfg.StepOrder))
	for _, n := range cfg.StepOrder {
		seen[n] = true
	}
	for _, n := range order {
		if !seen[n] {
			cfg.StepOrder = append(cfg.StepOrder, n)
			seen[n] = true
		}
	}
}

// mergeConfigInto overlays every field src actually diverges from
// DefaultConfig() on top of dst, so a multi-entry `extends` list folds in
// left-to-right with later parents (and finally the child itself via
// applyDocument) overriding earlier ones.
func mergeConfigInto(dst, src *Config) {
	base := DefaultConfig()
	if src.Version != base.Version {
		dst.Version = src.Version
	}
	for name, step := range src.Steps {
		if dst.Steps == nil {
			dst.Steps = map[string]model.Step{}
		}
		dst.Steps[name] = step
	}
	appendStepOrder(dst, src.StepOrder)
	if src.Output != base.Output {
		dst.Output = src.Output
	}
	if src.MaxParallelism != base.MaxParallelism {
		dst.MaxParallelism = src.MaxParallelism
	}
	if src.FailFast != base.FailFast {
		dst.FailFast = src.FailFast
	}
	if src.FailIf != "" {
		dst.FailIf = src.FailIf
	}
	if len(src.TagFilter.Include) > 0 || len(src.TagFilter.Exclude) > 0 {
		dst.TagFilter = src.TagFilter
	}
	if src.Routing.OnFail != nil {
		dst.Routing.OnFail = src.Routing.OnFail
	}
	if src.Limits != base.Limits {
		dst.Limits = src.Limits
	}
	if src.Workspace != base.Workspace {
		dst.Workspace = src.Workspace
	}
	if src.Memory != base.Memory {
		dst.Memory = src.Memory
	}
}

// applyDocument overlays doc's explicitly-set fields onto cfg (which may
// already carry a parent's settings from the extends chain), so a child
// overrides only what it actually declares.
func applyDocument(cfg *Config, doc *document) {
	if doc.Version != "" {
		cfg.Version = doc.Version
	}
	if steps := mergeSteps(doc); len(steps) > 0 {
		if cfg.Steps == nil {
			cfg.Steps = map[string]model.Step{}
		}
		for name, step := range steps {
			step.Name = name
			cfg.Steps[name] = step
		}
	}
	if doc.Output != nil {
		if doc.Output.Format != "" {
			cfg.Output.Format = doc.Output.Format
		}
		if doc.Output.MaxTableCell != 0 {
			cfg.Output.MaxTableCell = doc.Output.MaxTableCell
		}
		if doc.Output.MaxTableCodeLines != 0 {
			cfg.Output.MaxTableCodeLines = doc.Output.MaxTableCodeLines
		}
	}
	if doc.MaxParallelism != nil {
		cfg.MaxParallelism = *doc.MaxParallelism
	}
	if doc.FailFast != nil {
		cfg.FailFast = *doc.FailFast
	}
	if doc.FailIf != "" {
		cfg.FailIf = doc.FailIf
	}
	if doc.TagFilter != nil {
		cfg.TagFilter = *doc.TagFilter
	}
	if doc.Routing != nil && doc.Routing.Defaults != nil {
		cfg.Routing.OnFail = doc.Routing.Defaults.OnFail
	}
	if doc.Limits != nil && doc.Limits.MaxConfigSnapshots != 0 {
		cfg.Limits.MaxConfigSnapshots = doc.Limits.MaxConfigSnapshots
	}
	if doc.Workspace != nil {
		if doc.Workspace.Enabled != nil {
			cfg.Workspace.Enabled = *doc.Workspace.Enabled
		}
		if doc.Workspace.Path != "" {
			cfg.Workspace.Path = doc.Workspace.Path
		}
		if doc.Workspace.CleanupOnExit != nil {
			cfg.Workspace.CleanupOnExit = *doc.Workspace.CleanupOnExit
		}
	}
	if doc.Memory != nil {
		if doc.Memory.Mode != "" {
			cfg.Memory.Mode = doc.Memory.Mode
		}
		if doc.Memory.Path != "" {
			cfg.Memory.Path = doc.Memory.Path
		}
		if doc.Memory.Format != "" {
			cfg.Memory.Format = doc.Memory.Format
		}
		if doc.Memory.RedisURL != "" {
			cfg.Memory.RedisURL = doc.Memory.RedisURL
		}
	}
}

func readSource(path string, o *loadOptions) ([]byte, error) {
	if isRemote(path) {
		if o.noRemote {
			return nil, fmt.Errorf("remote config source disabled (VISOR_NO_REMOTE_EXTENDS)")
		}
		return fetchRemote(path, o)
	}
	return os.ReadFile(path)
}

func resolveExtends(fromPath, ref string, o *loadOptions) (string, []byte, error) {
	if isRemote(ref) {
		raw, err := readSource(ref, o)
		return ref, raw, err
	}
	resolved := ref
	if !filepath.IsAbs(ref) {
		resolved = filepath.Join(filepath.Dir(fromPath), ref)
	}
	raw, err := os.ReadFile(resolved)
	return resolved, raw, err
}

func isRemote(path string) bool {
	return strings.HasPrefix(path, "https://") || strings.HasPrefix(path, "http://")
}

func fetchRemote(url string, o *loadOptions) ([]byte, error) {
	resp, err := o.httpClient.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s fetching %s", resp.Status, url)
	}
	return io.ReadAll(resp.Body)
}

func hashYAML(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}

// DefaultConfigPath resolves the config path the CLI should use absent an
// explicit --config flag, honouring VISOR_STRICT_CONFIG_NAME (SPEC_FULL.md
// §7 item 4: only the exact "visor.yaml" name is accepted when strict,
// legacy dotfile names are rejected).
func DefaultConfigPath(dir string, envLookup func(string) (string, bool)) (string, error) {
	if envLookup == nil {
		envLookup = os.LookupEnv
	}
	strict := false
	if v, ok := envLookup("VISOR_STRICT_CONFIG_NAME"); ok && v != "" {
		strict = true
	}

	candidates := []string{"visor.yaml"}
	if !strict {
		candidates = append(candidates, "visor.yml", ".visor.yaml", ".visor.yml")
	}
	for _, name := range candidates {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	if strict {
		return "", fmt.Errorf("config: no visor.yaml found in %s (VISOR_STRICT_CONFIG_NAME set, legacy names rejected)", dir)
	}
	return "", fmt.Errorf("config: no visor.yaml/.visor.yaml found in %s", dir)
}

// applyEnvOverrides applies the small set of environment variables that
// override resolved config values directly (spec.md §6), mirroring the
// teacher's LoadFromEnv pattern of "only overwrite if the variable is
// set".
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup("VISOR_WORKSPACE_PATH"); ok && v != "" {
		cfg.Workspace.Path = v
	}
	if v, ok := lookup("VISOR_WORKSPACE_ENABLED"); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Workspace.Enabled = b
		}
	}
	if v, ok := lookup("VISOR_MAX_TABLE_CELL"); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Output.MaxTableCell = n
		}
	}
	if v, ok := lookup("VISOR_MAX_TABLE_CODE_LINES"); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Output.MaxTableCodeLines = n
		}
	}
}
