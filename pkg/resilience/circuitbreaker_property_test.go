package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// A closed breaker opens exactly when the run of consecutive failures reaches maxFailures.
func TestProperty_CircuitBreakerOpensOnConsecutiveFailures(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("state follows the consecutive failure run", prop.ForAll(
		func(maxFailures int, outcomes []bool) bool {
			cb := NewCircuitBreaker(maxFailures, time.Hour)
			run := 0
			for _, ok := range outcomes {
				err := cb.Execute(func() error {
					if ok {
						return nil
					}
					return errors.New("fail")
				})
				if run >= maxFailures {
					return errors.Is(err, ErrCircuitBreakerOpen)
				}
				if ok {
					run = 0
				} else {
					run++
				}
				if (run >= maxFailures) != (cb.GetState() == StateOpen) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 6),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
