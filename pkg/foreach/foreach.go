// Package foreach implements the ForEach Engine (spec.md §4.9): fanning a
// forEach step's array output into per-item child scopes, seeding each
// scope's outputs.<step> with its item, scheduling the step's dependents
// either once per item (fanout: map, the default) or once at the parent
// scope aggregating every item (fanout: reduce), and firing the parent
// step's on_finish once every fan-out task it produced has settled.
//
// This mirrors how the teacher's pkg/orchestration/executor.go fans a
// discovery result out across parallel per-target executions, generalised
// from a hard-coded "one goroutine per target" loop into scope-addressed
// tasks the scheduler's own ready queue drains.
package foreach

import (
	"sort"

	"github.com/probelabs/visor/pkg/model"
	"github.com/probelabs/visor/pkg/scheduler"
)

// Member identifies one fan-out task a ForEach expansion produced, for
// Tracker bookkeeping.
type Member struct {
	Scope model.Scope
	Step  string
}

// Plan is the result of expanding one forEach step's array output.
type Plan struct {
	// ChildTasks are fanout:map dependents, one per (item, dependent).
	ChildTasks []scheduler.Task
	// ReduceTasks are fanout:reduce dependents, one per dependent, run once
	// at the parent's own scope.
	ReduceTasks []scheduler.Task
	// ItemScopes are the per-item child scopes created, in item order.
	ItemScopes []model.Scope
	// ItemSeeds maps each child scope to the item value that must be
	// recorded as outputs.<parent step> there (spec.md §4.9 step 2).
	ItemSeeds map[model.Scope]interface{}
	// Members lists every fan-out task produced, for Tracker.Register.
	Members []Member
}

// Expand computes the fan-out plan for parentStep's dependents, given its
// parsed array output. steps is the full step registry, used to find
// parentStep's direct and transitive dependents and their fanout mode.
//
// Only the DIRECT map-mode dependents are dispatched immediately here, as
// ChildTasks — a transitive dependent (e.g. analyze depends_on:[fetch],
// fetch depends_on:[list]) must wait for its own in-scope prerequisite to
// actually finish, and FollowUp tasks carry no dependency gate of their
// own. Wrap dispatches the rest progressively, via fanoutReady, as each
// in-scope task settles. Every map-mode step in the transitive subtree is
// still recorded in Members so the Tracker's on_finish accounting covers
// the whole subtree from the start, not just the steps dispatched now.
func Expand(parentStep model.Step, parentScope model.Scope, items []interface{}, steps map[string]model.Step) Plan {
	direct := dependentsOf(parentStep.Name, steps)
	subtree := transitiveDependentsOf(parentStep.Name, steps)

	plan := Plan{ItemSeeds: map[model.Scope]interface{}{}}
	for i, item := range items {
		childScope := parentScope.Child(parentStep.Name, i)
		plan.ItemScopes = append(plan.ItemScopes, childScope)
		plan.ItemSeeds[childScope] = item

		for _, dep := range direct {
			if dep.Fanout == model.FanoutReduce {
				continue
			}
			t := scheduler.Task{Step: dep, Scope: childScope}
			plan.ChildTasks = append(plan.ChildTasks, t)
		}

		for _, dep := range subtree {
			if dep.Fanout == model.FanoutReduce {
				continue
			}
			plan.Members = append(plan.Members, Member{Scope: childScope, Step: dep.Name})
		}
	}

	for _, dep := range subtree {
		if dep.Fanout != model.FanoutReduce {
			continue
		}
		t := scheduler.Task{Step: dep, Scope: parentScope}
		plan.ReduceTasks = append(plan.ReduceTasks, t)
		plan.Members = append(plan.Members, Member{Scope: parentScope, Step: dep.Name})
	}

	return plan
}

// dependentsOf returns every step that directly depends_on name, ordered
// deterministically by declaration name (the step registry itself carries
// no stable order; scope/declaration order is restored by the caller's own
// step-order bookkeeping for everything downstream of this package).
func dependentsOf(name string, steps map[string]model.Step) []model.Step {
	var out []model.Step
	for _, s := range steps {
		for _, d := range s.DependsOn {
			if d == name {
				out = append(out, s)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// transitiveDependentsOf returns every step downstream of name (direct and
// transitive), without descending past a step that is itself forEach: true
// — that step's own dependents belong to its own, separately-triggered
// expansion (Wrap re-enters this whole package when it completes).
func transitiveDependentsOf(name string, steps map[string]model.Step) []model.Step {
	seen := map[string]bool{}
	var out []model.Step
	var walk func(name string)
	walk = func(name string) {
		for _, dep := range dependentsOf(name, steps) {
			if seen[dep.Name] {
				continue
			}
			seen[dep.Name] = true
			out = append(out, dep)
			if !dep.ForEach {
				walk(dep.Name)
			}
		}
	}
	walk(name)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
