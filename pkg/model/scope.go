package model

import "fmt"

// Scope identifies an execution context: the root scope is keyed only by
// event type; a ForEach child scope additionally carries the parent step
// name and the item index (§3, GLOSSARY). Scope is a plain comparable
// struct so it can be used directly as a map key — the Outputs map, loop
// budget accounting, and per-check run caps are all keyed on Scope.
type Scope struct {
	Event EventType
	// Parent, when non-empty, is the String() key of the enclosing child
	// scope, so nested ForEach produces scopes whose Parent chains back to
	// the root. A child of a root scope leaves Parent empty; root scopes
	// leave Parent/Step empty and Item at -1.
	Parent string
	Step   string
	Item   int
}

// Root returns the top-level scope for an event.
func Root(event EventType) Scope {
	return Scope{Event: event, Item: -1}
}

// IsRoot reports whether s is a root (non-ForEach) scope.
func (s Scope) IsRoot() bool { return s.Step == "" && s.Item == -1 }

// Child returns the ForEach child scope for iteration index i of step.
func (s Scope) Child(step string, i int) Scope {
	parent := ""
	if !s.IsRoot() {
		parent = s.String()
	}
	return Scope{Event: s.Event, Parent: parent, Step: step, Item: i}
}

// WithEvent returns a copy of s re-scoped to a different event, used by
// goto_event (§4.3): the resulting scope is otherwise unrelated to s and
// shares none of its Outputs map.
func (s Scope) WithEvent(event EventType) Scope {
	return Scope{Event: event, Item: -1}
}

// String renders a stable, human-readable scope key, used in logs and as
// the basis for loop-budget/run-cap map keys.
func (s Scope) String() string {
	if s.IsRoot() {
		return string(s.Event)
	}
	if s.Parent != "" {
		return fmt.Sprintf("%s/%s[%d]", s.Parent, s.Step, s.Item)
	}
	return fmt.Sprintf("%s/%s[%d]", s.Event, s.Step, s.Item)
}
