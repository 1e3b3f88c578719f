package model

import "time"

// Criticality tunes a check's default retry counts and whether missing
// fail_if/guarantee declarations are warned about at plan time (§3).
type Criticality string

const (
	CriticalityExternal Criticality = "external"
	CriticalityInternal Criticality = "internal"
	CriticalityPolicy   Criticality = "policy"
	CriticalityInfo     Criticality = "info"
)

// Fanout selects how a dependent of a ForEach ancestor is scheduled (§4.9,
// GLOSSARY).
type Fanout string

const (
	FanoutMap    Fanout = "map"
	FanoutReduce Fanout = "reduce"
)

// SessionMode selects AI session reuse semantics (§4.6, GLOSSARY).
type SessionMode string

const (
	SessionModeClone  SessionMode = "clone"
	SessionModeAppend SessionMode = "append"
)

// BackoffMode selects the retry delay curve (§4.3).
type BackoffMode string

const (
	BackoffFixed       BackoffMode = "fixed"
	BackoffExponential BackoffMode = "exponential"
)

// Backoff configures retry delay.
type Backoff struct {
	Mode    BackoffMode   `yaml:"mode,omitempty"`
	DelayMS int           `yaml:"delay_ms,omitempty"`
	MaxMS   int           `yaml:"max_ms,omitempty"`
}

// Delay returns the Duration to sleep before retry attempt n (1-indexed).
func (b Backoff) Delay(attempt int) time.Duration {
	delay := b.DelayMS
	if delay <= 0 {
		delay = 1000
	}
	maxDelay := b.MaxMS
	if maxDelay <= 0 {
		maxDelay = 60000
	}
	if b.Mode == BackoffExponential {
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
				break
			}
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return time.Duration(delay) * time.Millisecond
}

// RetryConfig bounds re-executions of the current step (§4.3).
type RetryConfig struct {
	Max     int     `yaml:"max,omitempty"`
	Backoff Backoff `yaml:"backoff,omitempty"`
}

// Transition is one entry of a transitions[] routing list (§4.3).
type Transition struct {
	When      string `yaml:"when"`
	To        *string `yaml:"to"` // nil = unset; empty-string pointer = explicit null, disables fallback goto
	GotoEvent string `yaml:"goto_event,omitempty"`
}

// RunStep is one remediation invocation inside an on_init/on_success/
// on_fail run[] list (§4.3): either a named step re-run or an inline
// expression producing the value assigned to outputs[as||name].
type RunStep struct {
	Name  string `yaml:"name,omitempty"`
	RunJS string `yaml:"run_js,omitempty"`
	As    string `yaml:"as,omitempty"`
}

// RoutingBlock is the shared shape of on_init/on_success/on_fail/on_finish
// (§4.3).
type RoutingBlock struct {
	Run         []RunStep    `yaml:"run,omitempty"`
	Transitions []Transition `yaml:"transitions,omitempty"`
	GotoJS      string       `yaml:"goto_js,omitempty"`
	Goto        string       `yaml:"goto,omitempty"`
	GotoEvent   string       `yaml:"goto_event,omitempty"`
	Retry       *RetryConfig `yaml:"retry,omitempty"`
}

// FailCondition is one named fail_if rule with its own severity and
// halt behaviour (§4.10). A bare string fail_if is normalised to a single
// unnamed FailCondition at config-load time.
type FailCondition struct {
	Name          string   `yaml:"name,omitempty"`
	Expr          string   `yaml:"expr"`
	Message       string   `yaml:"message,omitempty"`
	Severity      Severity `yaml:"severity,omitempty"`
	HaltExecution bool     `yaml:"halt_execution,omitempty"`
}

// TagFilter selects checks by tag at plan time (§4.1).
type TagFilter struct {
	Include []string `yaml:"include,omitempty"`
	Exclude []string `yaml:"exclude,omitempty"`
}

// Step is a single declared check, immutable once loaded (§3). Both
// "check" and "step" are accepted as config-file synonyms; the loader
// normalises to this one type regardless of which key the operator used.
type Step struct {
	Name      string
	Type      string
	Options   map[string]interface{}

	On       []EventType
	Triggers []string

	DependsOn []string

	If        string
	FailIf    []FailCondition
	Assume    []string
	Guarantee []string

	ForEach bool
	Fanout  Fanout

	Tags        []string
	Criticality Criticality

	ContinueOnFailure bool
	MaxRuns           int

	ReuseAISession string
	SessionMode    SessionMode

	Timeout time.Duration

	Schema   string
	Template string

	OnInit    *RoutingBlock
	OnSuccess *RoutingBlock
	OnFail    *RoutingBlock
	OnFinish  *RoutingBlock
}

// MatchesEvent reports whether the step participates for the given event
// type per §4.1 rule 1: an empty On list matches any event.
func (s Step) MatchesEvent(t EventType) bool {
	if len(s.On) == 0 {
		return true
	}
	for _, e := range s.On {
		if e == t {
			return true
		}
	}
	return false
}

// EffectiveMaxRuns returns the step's per-scope run cap, defaulting to 50
// per §3 invariant 6.
func (s Step) EffectiveMaxRuns() int {
	if s.MaxRuns > 0 {
		return s.MaxRuns
	}
	return 50
}

// EffectiveTimeout returns the provider call timeout, defaulting to 60s
// (600s for the ai/claude-code provider types) per §4.2.
func (s Step) EffectiveTimeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	if s.Type == "ai" || s.Type == "claude-code" {
		return 600 * time.Second
	}
	return 60 * time.Second
}

// HasTag reports whether the step carries tag t.
func (s Step) HasTag(t string) bool {
	for _, tag := range s.Tags {
		if tag == t {
			return true
		}
	}
	return false
}
