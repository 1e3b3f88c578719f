package scheduler

import (
	"github.com/probelabs/visor/pkg/model"
	"github.com/probelabs/visor/pkg/planner"
)

// node is one task's tracked runtime state.
type node struct {
	task       Task
	skipped    bool
	skipReason string
	remaining  int  // unresolved depends_on count, within this node's scope
	blocked    bool // some depends_on entry settled without satisfying invariant 1
}

// graph tracks dependency satisfaction for one Run call, across however
// many scopes the plan (and later, runtime-added tasks) contains.
type graph struct {
	order      []string // task keys, in plan order (topological + declaration)
	nodes      map[string]*node
	dependents map[string][]Task // dep key -> dependent tasks in the same scope
	runCounts  map[string]int
	outputs    map[string]map[string]interface{} // scope key -> outputs map
}

func buildGraph(plan *planner.Plan) *graph {
	g := &graph{
		nodes:      map[string]*node{},
		dependents: map[string][]Task{},
		runCounts:  map[string]int{},
		outputs:    map[string]map[string]interface{}{},
	}

	for _, ps := range plan.Steps {
		t := Task{Step: ps.Step, Scope: ps.Scope}
		k := taskKey(t)
		g.order = append(g.order, k)
		g.nodes[k] = &node{task: t, skipped: ps.Skipped, skipReason: ps.SkipReason}
	}

	for _, ps := range plan.Steps {
		t := Task{Step: ps.Step, Scope: ps.Scope}
		k := taskKey(t)
		n := g.nodes[k]
		for _, dep := range ps.Step.DependsOn {
			depKey := taskKey(Task{Step: model.Step{Name: dep}, Scope: ps.Scope})
			if _, ok := g.nodes[depKey]; ok {
				g.dependents[depKey] = append(g.dependents[depKey], t)
				n.remaining++
			} else if !n.skipped {
				// A dependency the plan never scheduled cannot succeed in
				// this scope, so invariant 1 can never hold.
				n.skipped = true
				n.skipReason = "dependency_unsatisfied"
			}
		}
	}

	return g
}

// initialReady returns, in plan order, every non-skipped task with no
// unresolved dependencies.
func (g *graph) initialReady() []Task {
	var out []Task
	for _, k := range g.order {
		n := g.nodes[k]
		if !n.skipped && n.remaining == 0 {
			out = append(out, n.task)
		}
	}
	return out
}

// initialSkipped returns, in plan order, every task the planner already
// marked Skipped.
func (g *graph) initialSkipped() []Task {
	var out []Task
	for _, k := range g.order {
		if n := g.nodes[k]; n.skipped {
			out = append(out, n.task)
		}
	}
	return out
}

// satisfied reports whether status (terminal) satisfies invariant 1 for a
// dependent of depStep: success always does; any other terminal status
// does only if depStep itself declares continue_on_failure.
func satisfied(status model.Status, depStep model.Step) bool {
	return status == model.StatusSuccess || depStep.ContinueOnFailure
}

// resolve records task's terminal status and cascades through every
// transitively blocked dependent: a dependent becomes ready once all its
// depends_on entries have settled and invariant 1 is satisfied for each;
// if any settle unsatisfied, the dependent (and in turn its own
// dependents) are cascaded to Skipped without ever running.
func (g *graph) resolve(task Task, status model.Status) (ready []Task, cascadedSkips []Task) {
	type settled struct {
		task   Task
		status model.Status
	}
	queue := []settled{{task, status}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, dep := range g.dependents[taskKey(cur.task)] {
			dn := g.nodes[taskKey(dep)]
			if dn == nil || dn.skipped {
				continue
			}
			if !satisfied(cur.status, cur.task.Step) {
				dn.blocked = true
			}
			dn.remaining--
			if dn.remaining > 0 {
				continue
			}
			if !dn.blocked {
				ready = append(ready, dep)
			} else {
				dn.skipped = true
				dn.skipReason = "dependency_unsatisfied"
				cascadedSkips = append(cascadedSkips, dep)
				queue = append(queue, settled{dep, model.StatusSkipped})
			}
		}
	}
	return ready, cascadedSkips
}

func (g *graph) reserveRun(task Task) bool {
	k := taskKey(task)
	if g.runCounts[k] >= task.Step.EffectiveMaxRuns() {
		return false
	}
	g.runCounts[k]++
	return true
}

func (g *graph) recordOutput(scope model.Scope, stepName string, output interface{}) {
	sk := scope.String()
	if g.outputs[sk] == nil {
		g.outputs[sk] = map[string]interface{}{}
	}
	g.outputs[sk][stepName] = output
}

func (g *graph) scopeOutputs(scope model.Scope) map[string]interface{} {
	return g.outputs[scope.String()]
}
