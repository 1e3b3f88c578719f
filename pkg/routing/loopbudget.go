package routing

import "sync"

// loopBudgets tracks the remaining goto/retry budget per scope (spec.md
// §4.3: "every goto + retry consumes one unit of the scope's loop
// budget"), mutex-guarded since routes for different scopes can be in
// flight concurrently.
type loopBudgets struct {
	mu       sync.Mutex
	def      int
	balances map[string]int
}

func newLoopBudgets(def int) *loopBudgets {
	if def <= 0 {
		def = 25
	}
	return &loopBudgets{def: def, balances: map[string]int{}}
}

// consume spends one unit of scopeKey's budget, returning false once it's
// exhausted (the caller should fail the step with
// model.RuleLoopBudgetExceeded and stop spending further units).
func (b *loopBudgets) consume(scopeKey string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining, ok := b.balances[scopeKey]
	if !ok {
		remaining = b.def
	}
	if remaining <= 0 {
		return false
	}
	b.balances[scopeKey] = remaining - 1
	return true
}
