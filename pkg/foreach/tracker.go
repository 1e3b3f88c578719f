package foreach

import (
	"sync"

	"github.com/probelabs/visor/pkg/model"
)

type memberKey struct {
	scope string
	step  string
}

type owner struct {
	scope model.Scope
	step  string
}

// Tracker counts down a ForEach parent step's outstanding fan-out tasks so
// on_finish can fire exactly once, the moment every item and every
// dependent of every item has reached a terminal state (spec.md §4.9 step
// 5). A single Tracker is shared across an entire run.
type Tracker struct {
	mu         sync.Mutex
	remaining  map[string]int
	owners     map[string]owner
	members    map[memberKey]string
	completed  map[string]map[string]bool // scope key -> step -> done
	dispatched map[string]map[string]bool // scope key -> step -> already fanned out
}

// NewTracker constructs an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		remaining:  map[string]int{},
		owners:     map[string]owner{},
		members:    map[memberKey]string{},
		completed:  map[string]map[string]bool{},
		dispatched: map[string]map[string]bool{},
	}
}

func groupID(parentScope model.Scope, parentStep string) string {
	return parentScope.String() + "::" + parentStep
}

// Register declares the fan-out members produced for (parentScope,
// parentStep). Returns true immediately when members is empty — an empty
// forEach array settles trivially, with nothing left to wait on.
func (t *Tracker) Register(parentScope model.Scope, parentStep string, members []Member) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(members) == 0 {
		return true
	}

	id := groupID(parentScope, parentStep)
	t.remaining[id] = len(members)
	t.owners[id] = owner{scope: parentScope, step: parentStep}
	for _, m := range members {
		t.members[memberKey{scope: m.Scope.String(), step: m.Step}] = id
	}
	return false
}

// Settle records that (scope, step) reached a terminal state. If it was a
// tracked fan-out member and this was the last one outstanding for its
// group, it reports the owning (parentScope, parentStep) pair and done =
// true; the caller should then fire on_finish for that parent step exactly
// once.
func (t *Tracker) Settle(scope model.Scope, step string) (parentScope model.Scope, parentStep string, done bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := memberKey{scope: scope.String(), step: step}
	id, ok := t.members[k]
	if !ok {
		return model.Scope{}, "", false
	}
	delete(t.members, k)

	t.remaining[id]--
	if t.remaining[id] > 0 {
		return model.Scope{}, "", false
	}

	o := t.owners[id]
	delete(t.remaining, id)
	delete(t.owners, id)
	return o.scope, o.step, true
}

// isMember reports whether (scope, step) was registered as a fan-out
// member — i.e. it belongs to some forEach ancestor's transitive dependent
// subtree at this scope, whether or not it has been dispatched yet.
func (t *Tracker) isMember(scope model.Scope, step string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.members[memberKey{scope: scope.String(), step: step}]
	return ok
}

// markCompleted records that step finished successfully inside scope, so
// fanoutReady can tell when a transitive dependent's own prerequisites are
// all satisfied.
func (t *Tracker) markCompleted(scope model.Scope, step string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := scope.String()
	if t.completed[k] == nil {
		t.completed[k] = map[string]bool{}
	}
	t.completed[k][step] = true
}

func (t *Tracker) isCompleted(scope model.Scope, step string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed[scope.String()][step]
}

// claimDispatch claims (scope, step) for fan-out exactly once, so a
// dependent with more than one in-scope prerequisite is only ever scheduled
// the first time every prerequisite is satisfied, not once per prerequisite.
func (t *Tracker) claimDispatch(scope model.Scope, step string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := scope.String()
	if t.dispatched[k] == nil {
		t.dispatched[k] = map[string]bool{}
	}
	if t.dispatched[k][step] {
		return false
	}
	t.dispatched[k][step] = true
	return true
}
