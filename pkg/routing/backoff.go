package routing

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/probelabs/visor/pkg/model"
)

// policyFor builds the cenkalti/backoff/v5 policy object matching a
// step's declared backoff mode (spec.md §4.3), replacing the engine's
// earlier hand-rolled doubling arithmetic now that retry sits on the
// execution critical path.
func policyFor(b model.Backoff) backoff.BackOff {
	delay := time.Duration(b.DelayMS) * time.Millisecond
	if delay <= 0 {
		delay = time.Second
	}
	maxDelay := time.Duration(b.MaxMS) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	if b.Mode == model.BackoffExponential {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = delay
		eb.MaxInterval = maxDelay
		eb.Multiplier = 2
		eb.RandomizationFactor = 0
		return eb
	}
	return backoff.NewConstantBackOff(delay)
}

// delayForAttempt advances a fresh policy object attempt times and
// returns the resulting delay, so repeated calls for the same step
// reproduce the same curve without the caller holding policy state
// across route() invocations.
func delayForAttempt(b model.Backoff, attempt int) time.Duration {
	policy := policyFor(b)
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = policy.NextBackOff()
	}
	return d
}
