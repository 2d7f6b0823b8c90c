package governance

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingLock struct {
	calls int
	err   error
}

func (l *countingLock) CheckLock(ctx context.Context, scope string) error {
	l.calls++
	return l.err
}

func TestGuardedLockPassesVerdictsThrough(t *testing.T) {
	open := NewGuardedLock(&stubLock{})
	assert.NoError(t, open.CheckLock(context.Background(), "fsm"))

	denied := NewGuardedLock(&stubLock{err: errors.New("scope fsm is frozen")})
	err := denied.CheckLock(context.Background(), "fsm")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frozen")
}

func TestGuardedLockFailsFastWhenLockServiceIsDown(t *testing.T) {
	inner := &countingLock{err: errors.New("lock service unreachable")}
	guarded := NewGuardedLock(inner)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, guarded.CheckLock(ctx, "fsm"))
	}
	assert.Equal(t, 3, inner.calls)

	require.Error(t, guarded.CheckLock(ctx, "fsm"))
	assert.Equal(t, 3, inner.calls, "an open breaker must not reach the lock service")
}

func TestGuardedLockKeepsApplyVetoedWhileOpen(t *testing.T) {
	inner := &countingLock{err: errors.New("lock service unreachable")}
	engine, store := newTestEngine(t, &stubSimulator{result: passingSimulation()}, NewGuardedLock(inner))
	ctx := context.Background()

	proposal, err := engine.Propose(ctx, "fsm", "tuner", map[string]float64{"fsm.enter_threshold": 0.02})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err = engine.Apply(ctx, proposal.ID, "ops", "tighten entries")
		require.Error(t, err)
		assert.Equal(t, ReasonLockDenied, ReasonOf(err))
	}
	assert.Equal(t, 3, inner.calls, "applies fail closed once the breaker is open")
	assert.Empty(t, store.apps, "no vetoed apply may reach the chain")
}
