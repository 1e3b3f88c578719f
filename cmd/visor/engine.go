package main

import (
	"context"
	"fmt"

	"github.com/probelabs/visor/pkg/aggregate"
	"github.com/probelabs/visor/pkg/config"
	"github.com/probelabs/visor/pkg/dispatcher"
	"github.com/probelabs/visor/pkg/foreach"
	"github.com/probelabs/visor/pkg/guard"
	"github.com/probelabs/visor/pkg/logger"
	"github.com/probelabs/visor/pkg/memory"
	"github.com/probelabs/visor/pkg/model"
	"github.com/probelabs/visor/pkg/planner"
	"github.com/probelabs/visor/pkg/routing"
	"github.com/probelabs/visor/pkg/sandbox"
	"github.com/probelabs/visor/pkg/scheduler"
	"github.com/probelabs/visor/pkg/session"
	"github.com/probelabs/visor/pkg/workspace"
)

// runState is one invocation's wired-up set of substrates, assembled once
// and reused across every event a goto_event re-entry drives (spec.md
// §4.3 "goto_event ... creates a fresh child scope keyed on the new
// event").
type runState struct {
	cfg      *config.Config
	log      logger.Logger
	mem      memory.Store
	ws       *workspace.Workspace
	sessions *session.Registry
	sandbox  *sandbox.Sandbox
	registry *dispatcher.Registry
	latch    *guard.CancellationLatch
}

func newRunState(cfg *config.Config, log logger.Logger) (*runState, error) {
	mem, err := buildMemoryStore(cfg.Memory)
	if err != nil {
		return nil, fmt.Errorf("engine: build memory store: %w", err)
	}

	ws := workspace.New(workspace.Options{
		Base:          cfg.Workspace.Path,
		CleanupOnExit: boolPtr(cfg.Workspace.CleanupOnExit),
	})

	return &runState{
		cfg:      cfg,
		log:      log,
		mem:      mem,
		ws:       ws,
		sessions: session.New(),
		sandbox:  sandbox.New(),
		registry: dispatcher.NewDefaultRegistry(),
		latch:    guard.New(),
	}, nil
}

func boolPtr(b bool) *bool { return &b }

func buildMemoryStore(cfg config.MemoryConfig) (memory.Store, error) {
	switch cfg.Mode {
	case "", "memory":
		return memory.NewMemStore(), nil
	case "file":
		return memory.NewFileStore(cfg.Path, memory.FileFormat(cfg.Format))
	case "redis":
		return memory.NewRedisStore(cfg.RedisURL, "visor")
	default:
		return nil, fmt.Errorf("unknown memory mode %q", cfg.Mode)
	}
}

func (rs *runState) close() {
	if rs.mem != nil {
		rs.mem.Close()
	}
	rs.ws.Close()
}

// runOutcome is one event's settled run, ready for aggregation.
type runOutcome struct {
	event   model.Event
	plan    *planner.Plan
	result  *scheduler.Result
	summary *aggregate.ReviewSummary
}

// runEvent plans and executes one event to completion, following every
// goto_event reentry the routing engine surfaces into a fresh child run
// (spec.md §4.3), and returns every event's outcome in the order
// encountered — the first is always the originally requested event.
func runEvent(ctx context.Context, rs *runState, event model.Event, requestedChecks []string, maxParallelism int, failFast bool) ([]runOutcome, error) {
	var outcomes []runOutcome

	type pending struct {
		event model.Event
		steps []string
	}
	queue := []pending{{event: event, steps: requestedChecks}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if rs.latch.Tripped() {
			break
		}

		plan, err := planner.Build(rs.cfg, cur.event, planner.Options{
			RequestedChecks: cur.steps,
			Env:             envMap(),
			Sandbox:         rs.sandbox,
		})
		if err != nil {
			return outcomes, err
		}

		rc := scheduler.RunContext{Event: cur.event, Env: envMap()}
		memAccessor := memory.NewAccessor(ctx, rs.mem)

		// routing.Engine and dispatcher.Dispatcher need each other: the
		// Engine runs on_init/on_*.run remediation through a
		// scheduler.Executor (the Dispatcher), and the Dispatcher reads
		// already-recorded scope outputs through an OutputsView (the
		// Engine). outputsRef breaks the cycle — the Dispatcher is built
		// against a forwarding stub, the Engine against the live
		// Dispatcher, then the stub is pointed at the finished Engine.
		outputsRef := &engineOutputsRef{}
		disp := dispatcher.New(rs.registry, dispatcher.Options{
			Memory:           rs.mem,
			Sessions:         rs.sessions,
			Sandbox:          rs.sandbox,
			Event:            cur.event,
			Env:              envMap(),
			Outputs:          outputsRef,
			Logger:           rs.log,
			WorkingDirectory: rs.ws.WorkingDirectory,
		})
		routingEngine := routing.New(routing.Options{
			Sandbox:  rs.sandbox,
			Steps:    rs.cfg.Steps,
			Executor: disp,
			Memory:   memAccessor,
		})
		outputsRef.engine = routingEngine

		tracker := foreach.NewTracker()
		route := routingEngine.Bind(rc)
		route = foreach.Wrap(route, rs.cfg.Steps, tracker, routingEngine, rc)
		exec := routingEngine.WrapExecutor(rc, disp)

		sched := scheduler.New(scheduler.Options{
			MaxParallelism: maxParallelism,
			FailFast:       failFast,
			Sandbox:        rs.sandbox,
		})

		result, err := sched.Run(ctx, plan, rc, exec, route)
		if err != nil {
			return outcomes, err
		}

		if result.FailFastTripped {
			rs.latch.Trip("fail_fast")
		}

		summary := aggregate.Summarize(ctx, plan, result, maxParallelism, aggregate.Options{})
		outcomes = append(outcomes, runOutcome{event: cur.event, plan: plan, result: result, summary: summary})

		for _, reentry := range result.PendingReentries {
			queue = append(queue, pending{
				event: model.Event{Type: reentry.Event, Branch: cur.event.Branch, BaseBranch: cur.event.BaseBranch, FilesChanged: cur.event.FilesChanged},
				steps: []string{reentry.Step},
			})
		}
	}

	return outcomes, nil
}
