// Package dispatcher implements the Provider Registry & Dispatcher
// (spec.md §4.4): a type-keyed registry of Provider implementations, and a
// Dispatcher binding into the scheduler.Executor contract — validate the
// step's config, run the provider, then normalise its CheckResult
// (output_format: json parsing, schema validation) before it reaches
// routing. Mirrors the teacher's pkg/ai ProviderFactory/ProviderRegistry
// pattern: swap "AI provider" for "check provider" and the registration,
// lookup, and validate-then-execute shape carries over unchanged.
package dispatcher

import (
	"context"

	"github.com/probelabs/visor/pkg/logger"
	"github.com/probelabs/visor/pkg/memory"
	"github.com/probelabs/visor/pkg/model"
	"github.com/probelabs/visor/pkg/sandbox"
	"github.com/probelabs/visor/pkg/session"
)

// Context is everything a Provider's Execute may read: the ambient event,
// the task's scope and its live outputs view, a Memory Store handle, the
// workspace's working directory, the expression sandbox, the session
// registry, and process environment overrides (spec.md §4.4).
type Context struct {
	Ctx              context.Context
	Event            model.Event
	Scope            model.Scope
	Outputs          map[string]interface{}
	Memory           memory.Store
	WorkingDirectory string
	Sandbox          *sandbox.Sandbox
	Sessions         *session.Registry
	Env              map[string]string
	Logger           logger.Logger
}

// Provider is one registered check type (spec.md §4.4 GLOSSARY: Provider).
// Validate runs once at registry lookup time, ahead of Execute, so a
// malformed step config fails before any side effect occurs.
type Provider interface {
	Validate(step model.Step) error
	Execute(dc Context, step model.Step) model.CheckResult
}
