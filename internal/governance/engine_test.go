package governance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a minimal in-memory Store with error injection for the
// paths a real store cannot exercise deterministically.
type fakeStore struct {
	current     *PolicyDocument
	docs        map[string]*PolicyDocument
	proposals   map[string]*Proposal
	apps        []Application
	commitErr   error
	proposalErr error
}

func newFakeStore(seed *PolicyDocument) *fakeStore {
	return &fakeStore{
		current:   seed.Clone(),
		docs:      map[string]*PolicyDocument{seed.Hash: seed.Clone()},
		proposals: make(map[string]*Proposal),
	}
}

func (s *fakeStore) CurrentDocument(ctx context.Context) (*PolicyDocument, error) {
	return s.current.Clone(), nil
}

func (s *fakeStore) GetDocumentByHash(ctx context.Context, hash string) (*PolicyDocument, error) {
	doc, ok := s.docs[hash]
	if !ok {
		return nil, nil
	}
	return doc.Clone(), nil
}

func (s *fakeStore) SaveProposal(ctx context.Context, proposal *Proposal) error {
	copied := *proposal
	s.proposals[proposal.ID] = &copied
	return nil
}

func (s *fakeStore) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	if s.proposalErr != nil {
		return nil, s.proposalErr
	}
	proposal, ok := s.proposals[id]
	if !ok {
		return nil, nil
	}
	copied := *proposal
	return &copied, nil
}

func (s *fakeStore) CommitApplication(ctx context.Context, doc *PolicyDocument, app *Application, proposalStatus ProposalStatus) error {
	if s.commitErr != nil {
		return s.commitErr
	}
	s.docs[doc.Hash] = doc.Clone()
	s.current = doc.Clone()
	s.apps = append(s.apps, *app)
	if proposalStatus != "" {
		if proposal, ok := s.proposals[app.ProposalID]; ok {
			proposal.Status = proposalStatus
		}
	}
	return nil
}

func (s *fakeStore) GetApplication(ctx context.Context, id string) (*Application, error) {
	for i := range s.apps {
		if s.apps[i].ID == id {
			copied := s.apps[i]
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) ListApplications(ctx context.Context, filter ApplicationFilter) ([]Application, error) {
	out := make([]Application, 0, len(s.apps))
	for i := len(s.apps) - 1; i >= 0; i-- {
		app := s.apps[i]
		if filter.ProposalID != "" && app.ProposalID != filter.ProposalID {
			continue
		}
		if filter.RollbacksOnly && app.RollbackOf == "" {
			continue
		}
		out = append(out, app)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) FindRollbackOf(ctx context.Context, applicationID string) (*Application, error) {
	for i := range s.apps {
		if s.apps[i].RollbackOf == applicationID {
			copied := s.apps[i]
			return &copied, nil
		}
	}
	return nil, nil
}

type stubSimulator struct {
	result *SimulationResult
	err    error
}

func (s *stubSimulator) Simulate(ctx context.Context, scope string, deltas map[string]float64) (*SimulationResult, error) {
	return s.result, s.err
}

type stubLock struct{ err error }

func (l *stubLock) CheckLock(ctx context.Context, scope string) error { return l.err }

func passingSimulation() *SimulationResult {
	return &SimulationResult{
		CVAccuracy:           0.58,
		BaselineAccuracy:     0.55,
		WalkForwardStability: 0.85,
		SharpeDelta:          0.10,
		MaxDrawdownDelta:     0.00,
		SampleSize:           500,
	}
}

func newTestEngine(t *testing.T, sim Simulator, lock LockChecker) (*Engine, *fakeStore) {
	t.Helper()
	store := newFakeStore(DefaultDocument(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
	engine := NewEngine(store, lock, sim, nil)
	engine.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return engine, store
}

func TestComputeHashDeterministic(t *testing.T) {
	a := map[string]float64{"fsm.enter_threshold": 0.2, "budget.max_dominance": 0.45, "regime.crash_threshold": -0.3}
	b := map[string]float64{"regime.crash_threshold": -0.3, "fsm.enter_threshold": 0.2, "budget.max_dominance": 0.45}

	assert.Equal(t, ComputeHash(a), ComputeHash(b), "hash must not depend on map iteration order")
	assert.Len(t, ComputeHash(a), 64)

	c := map[string]float64{"fsm.enter_threshold": 0.2001, "budget.max_dominance": 0.45, "regime.crash_threshold": -0.3}
	assert.NotEqual(t, ComputeHash(a), ComputeHash(c), "any param change must change the hash")
}

func TestApplyDeltas(t *testing.T) {
	doc := DefaultDocument(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	next, err := doc.ApplyDeltas(map[string]float64{"fsm.enter_threshold": 0.05}, now)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, next.Params["fsm.enter_threshold"], 1e-12, "deltas are additive")
	assert.Equal(t, doc.Version+1, next.Version)
	assert.Equal(t, ComputeHash(next.Params), next.Hash)
	assert.NotEqual(t, doc.Hash, next.Hash)
	assert.InDelta(t, 0.20, doc.Params["fsm.enter_threshold"], 1e-12, "the source document is never mutated")

	_, err = doc.ApplyDeltas(map[string]float64{"no.such_parameter": 0.1}, now)
	require.Error(t, err)
	assert.Equal(t, ReasonUnknownParameter, ReasonOf(err))
}

func TestProposePassingGuardrails(t *testing.T) {
	engine, store := newTestEngine(t, &stubSimulator{result: passingSimulation()}, nil)

	proposal, err := engine.Propose(context.Background(), "fsm", "tuner",
		map[string]float64{"fsm.enter_threshold": 0.02})
	require.NoError(t, err)

	assert.Equal(t, StatusProposed, proposal.Status)
	assert.Equal(t, VerdictPromote, proposal.Verdict)
	assert.True(t, proposal.Guardrails.AllPass())
	assert.NotNil(t, proposal.Simulation)

	stored, err := store.GetProposal(context.Background(), proposal.ID)
	require.NoError(t, err)
	require.NotNil(t, stored, "proposals are persisted")
}

func TestProposeFailingGuardrailsIsStructuredDiscard(t *testing.T) {
	sim := passingSimulation()
	sim.WalkForwardStability = 0.40 // below the 0.70 floor
	sim.SampleSize = 10             // below the 100 minimum
	engine, store := newTestEngine(t, &stubSimulator{result: sim}, nil)

	proposal, err := engine.Propose(context.Background(), "fsm", "tuner",
		map[string]float64{"fsm.enter_threshold": 0.02})
	require.NoError(t, err, "a guardrail failure is a verdict, not an error")

	assert.Equal(t, StatusDiscarded, proposal.Status)
	assert.Equal(t, VerdictDiscard, proposal.Verdict)
	failing := proposal.Guardrails.FailingChecks()
	sort.Strings(failing)
	assert.Equal(t, []string{"sample_size_adequate", "walk_forward_stable"}, failing)
	assert.Contains(t, proposal.Notes, "walk_forward_stable")

	stored, err := store.GetProposal(context.Background(), proposal.ID)
	require.NoError(t, err)
	require.NotNil(t, stored, "discarded proposals stay in the audit trail")
	assert.Equal(t, StatusDiscarded, stored.Status)
}

func TestProposeUnknownParameter(t *testing.T) {
	engine, _ := newTestEngine(t, &stubSimulator{result: passingSimulation()}, nil)

	_, err := engine.Propose(context.Background(), "fsm", "tuner",
		map[string]float64{"fsm.bogus_knob": 0.1})
	require.Error(t, err)
	assert.Equal(t, ReasonUnknownParameter, ReasonOf(err))
}

func TestApplyLifecycle(t *testing.T) {
	engine, store := newTestEngine(t, &stubSimulator{result: passingSimulation()}, nil)
	ctx := context.Background()

	before, err := store.CurrentDocument(ctx)
	require.NoError(t, err)

	proposal, err := engine.Propose(ctx, "fsm", "tuner", map[string]float64{"fsm.enter_threshold": 0.02})
	require.NoError(t, err)

	receipt, err := engine.Apply(ctx, proposal.ID, "ops@desk", "raise entry bar")
	require.NoError(t, err)
	assert.Equal(t, before.Hash, receipt.PreviousHash)
	assert.NotEqual(t, receipt.PreviousHash, receipt.NewHash)

	after, err := store.CurrentDocument(ctx)
	require.NoError(t, err)
	assert.Equal(t, receipt.NewHash, after.Hash)
	assert.InDelta(t, 0.22, after.Params["fsm.enter_threshold"], 1e-12)

	stored, err := store.GetProposal(ctx, proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, stored.Status)

	// Retrying the same apply must fail loudly, not no-op.
	_, err = engine.Apply(ctx, proposal.ID, "ops@desk", "retry")
	require.Error(t, err)
	assert.Equal(t, ReasonDuplicateApply, ReasonOf(err))
}

func TestApplyRejectsWrongStates(t *testing.T) {
	engine, store := newTestEngine(t, &stubSimulator{result: passingSimulation()}, nil)
	ctx := context.Background()

	t.Run("unknown proposal", func(t *testing.T) {
		_, err := engine.Apply(ctx, "no-such-id", "ops", "x")
		require.Error(t, err)
		assert.Equal(t, ReasonProposalNotFound, ReasonOf(err))
	})

	t.Run("discarded proposal", func(t *testing.T) {
		sim := passingSimulation()
		sim.SampleSize = 1
		discarding := NewEngine(store, nil, &stubSimulator{result: sim}, nil)
		proposal, err := discarding.Propose(ctx, "fsm", "tuner", map[string]float64{"fsm.exit_threshold": 0.01})
		require.NoError(t, err)
		require.Equal(t, StatusDiscarded, proposal.Status)

		_, err = engine.Apply(ctx, proposal.ID, "ops", "x")
		require.Error(t, err)
		assert.Equal(t, ReasonProposalNotProposed, ReasonOf(err))
	})

	t.Run("ineligible source", func(t *testing.T) {
		proposal, err := engine.Propose(ctx, "fsm", "experiment", map[string]float64{"fsm.exit_threshold": 0.01})
		require.NoError(t, err)

		_, err = engine.Apply(ctx, proposal.ID, "ops", "x")
		require.Error(t, err)
		assert.Equal(t, ReasonProposalNotEligible, ReasonOf(err))
	})
}

func TestApplyLockVeto(t *testing.T) {
	lock := &stubLock{err: errors.New("change window closed")}
	engine, store := newTestEngine(t, &stubSimulator{result: passingSimulation()}, lock)
	ctx := context.Background()

	proposal, err := engine.Propose(ctx, "fsm", "tuner", map[string]float64{"fsm.enter_threshold": 0.02})
	require.NoError(t, err)

	before, _ := store.CurrentDocument(ctx)
	_, err = engine.Apply(ctx, proposal.ID, "ops", "x")
	require.Error(t, err)
	assert.Equal(t, ReasonLockDenied, ReasonOf(err))

	after, _ := store.CurrentDocument(ctx)
	assert.Equal(t, before.Hash, after.Hash, "a vetoed apply must not touch the document")
	assert.Empty(t, store.apps, "a vetoed apply must not append to the chain")
}

func TestRollbackRoundTrip(t *testing.T) {
	engine, store := newTestEngine(t, &stubSimulator{result: passingSimulation()}, nil)
	ctx := context.Background()

	original, err := store.CurrentDocument(ctx)
	require.NoError(t, err)

	proposal, err := engine.Propose(ctx, "fsm", "tuner", map[string]float64{"fsm.enter_threshold": 0.02})
	require.NoError(t, err)
	receipt, err := engine.Apply(ctx, proposal.ID, "ops", "x")
	require.NoError(t, err)

	rollback, err := engine.Rollback(ctx, receipt.ApplicationID, "ops", "regression in shadow")
	require.NoError(t, err)
	assert.Equal(t, original.Hash, rollback.RestoredHash, "rollback restores the pre-apply hash exactly")

	current, err := store.CurrentDocument(ctx)
	require.NoError(t, err)
	assert.Equal(t, original.Hash, current.Hash)
	assert.InDelta(t, 0.20, current.Params["fsm.enter_threshold"], 1e-12)
	assert.Greater(t, current.Version, original.Version, "rollback moves version forward, never back")

	// The chain grew: apply + rollback, both intact.
	apps, err := engine.ListApplications(ctx, ApplicationFilter{})
	require.NoError(t, err)
	require.Len(t, apps, 2)
	assert.Equal(t, receipt.ApplicationID, apps[0].RollbackOf, "newest first")

	rollbacks, err := engine.ListApplications(ctx, ApplicationFilter{RollbacksOnly: true})
	require.NoError(t, err)
	require.Len(t, rollbacks, 1)
	assert.Equal(t, rollback.ApplicationID, rollbacks[0].ID)
}

func TestRollbackGuards(t *testing.T) {
	engine, _ := newTestEngine(t, &stubSimulator{result: passingSimulation()}, nil)
	ctx := context.Background()

	t.Run("unknown application", func(t *testing.T) {
		_, err := engine.Rollback(ctx, "no-such-app", "ops", "x")
		require.Error(t, err)
		assert.Equal(t, ReasonApplicationNotFound, ReasonOf(err))
	})

	t.Run("double rollback", func(t *testing.T) {
		proposal, err := engine.Propose(ctx, "fsm", "tuner", map[string]float64{"fsm.enter_threshold": 0.02})
		require.NoError(t, err)
		receipt, err := engine.Apply(ctx, proposal.ID, "ops", "x")
		require.NoError(t, err)

		_, err = engine.Rollback(ctx, receipt.ApplicationID, "ops", "first")
		require.NoError(t, err)
		_, err = engine.Rollback(ctx, receipt.ApplicationID, "ops", "second")
		require.Error(t, err)
		assert.Equal(t, ReasonAlreadyRolledBack, ReasonOf(err))
	})
}

func TestRollbackProposalLookupFailure(t *testing.T) {
	engine, store := newTestEngine(t, &stubSimulator{result: passingSimulation()}, nil)
	ctx := context.Background()

	proposal, err := engine.Propose(ctx, "fsm", "tuner", map[string]float64{"fsm.enter_threshold": 0.02})
	require.NoError(t, err)
	receipt, err := engine.Apply(ctx, proposal.ID, "ops", "x")
	require.NoError(t, err)

	store.proposalErr = fmt.Errorf("connection reset")
	_, err = engine.Rollback(ctx, receipt.ApplicationID, "ops", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load proposal")

	current, err := store.CurrentDocument(ctx)
	require.NoError(t, err)
	assert.Equal(t, receipt.NewHash, current.Hash, "a failed rollback must not touch the document")
	assert.Len(t, store.apps, 1, "a failed rollback must not append to the chain")
}

func TestCommitFailureSurfaces(t *testing.T) {
	engine, store := newTestEngine(t, &stubSimulator{result: passingSimulation()}, nil)
	ctx := context.Background()

	proposal, err := engine.Propose(ctx, "fsm", "tuner", map[string]float64{"fsm.enter_threshold": 0.02})
	require.NoError(t, err)

	store.commitErr = fmt.Errorf("connection reset")
	_, err = engine.Apply(ctx, proposal.ID, "ops", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to commit application")
}

func TestConfigValidate(t *testing.T) {
	config := DefaultConfig()
	assert.Empty(t, config.Validate())

	config.EligibleSources = nil
	config.MinWalkForwardScore = 1.5
	config.MinSampleSize = 0
	assert.GreaterOrEqual(t, len(config.Validate()), 3)
}
