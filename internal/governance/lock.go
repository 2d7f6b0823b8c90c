package governance

import (
	"context"

	"github.com/sawpanic/forecastrun/infra/breakers"
)

// GuardedLock runs a LockChecker under a circuit breaker. An open breaker
// fails the check, so mutations stay vetoed while the lock service is
// unreachable instead of stalling every apply on a dead connection.
type GuardedLock struct {
	inner   LockChecker
	breaker *breakers.Breaker
}

// NewGuardedLock wraps a remote lock with the standard trip policy.
func NewGuardedLock(inner LockChecker) *GuardedLock {
	return &GuardedLock{
		inner:   inner,
		breaker: breakers.New("governance-lock"),
	}
}

// CheckLock consults the wrapped lock under the breaker.
func (g *GuardedLock) CheckLock(ctx context.Context, scope string) error {
	return g.breaker.Do(func() error {
		return g.inner.CheckLock(ctx, scope)
	})
}
