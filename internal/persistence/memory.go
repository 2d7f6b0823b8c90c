package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sawpanic/forecastrun/internal/calibration"
	"github.com/sawpanic/forecastrun/internal/governance"
	"github.com/sawpanic/forecastrun/internal/position"
)

// Memory-backed stores. They satisfy the same interfaces as the PostgreSQL
// repos and are the default for tests and single-process runs.

// MemoryCalibrationStore keeps calibration snapshots in a mutex-guarded map.
type MemoryCalibrationStore struct {
	mu    sync.RWMutex
	snaps map[string]calibration.Snapshot
}

// NewMemoryCalibrationStore creates an empty in-memory calibration store.
func NewMemoryCalibrationStore() *MemoryCalibrationStore {
	return &MemoryCalibrationStore{snaps: make(map[string]calibration.Snapshot)}
}

func calibrationKey(symbol string, horizonDays int) string {
	return fmt.Sprintf("%s|%d", symbol, horizonDays)
}

func cloneCalibrationSnapshot(snap calibration.Snapshot) calibration.Snapshot {
	copied := snap
	copied.Buckets = make([]calibration.Bucket, len(snap.Buckets))
	copy(copied.Buckets, snap.Buckets)
	return copied
}

// SaveSnapshot upserts one tracker snapshot keyed by (symbol, horizon).
func (s *MemoryCalibrationStore) SaveSnapshot(ctx context.Context, snap calibration.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[calibrationKey(snap.Symbol, snap.HorizonDays)] = cloneCalibrationSnapshot(snap)
	return nil
}

// GetSnapshot loads one tracker; (nil, nil) when none is stored.
func (s *MemoryCalibrationStore) GetSnapshot(ctx context.Context, symbol string, horizonDays int) (*calibration.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[calibrationKey(symbol, horizonDays)]
	if !ok {
		return nil, nil
	}
	copied := cloneCalibrationSnapshot(snap)
	return &copied, nil
}

// ListSnapshots loads all persisted trackers.
func (s *MemoryCalibrationStore) ListSnapshots(ctx context.Context) ([]calibration.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]calibration.Snapshot, 0, len(s.snaps))
	for _, snap := range s.snaps {
		out = append(out, cloneCalibrationSnapshot(snap))
	}
	return out, nil
}

// MemoryPositionStore keeps position records in a mutex-guarded map.
type MemoryPositionStore struct {
	mu        sync.RWMutex
	positions map[string]position.State
}

// NewMemoryPositionStore creates an empty in-memory position store.
func NewMemoryPositionStore() *MemoryPositionStore {
	return &MemoryPositionStore{positions: make(map[string]position.State)}
}

// Save upserts the position state for its symbol.
func (s *MemoryPositionStore) Save(ctx context.Context, state position.State) error {
	if state.Symbol == "" {
		return fmt.Errorf("position state requires a symbol")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[state.Symbol] = state
	return nil
}

// Get loads one symbol's position; (nil, nil) when the symbol is unknown.
func (s *MemoryPositionStore) Get(ctx context.Context, symbol string) (*position.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.positions[symbol]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

// List loads every persisted position.
func (s *MemoryPositionStore) List(ctx context.Context) ([]position.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]position.State, 0, len(s.positions))
	for _, state := range s.positions {
		out = append(out, state)
	}
	return out, nil
}

// MemoryPolicyStore keeps the policy hash chain in memory. Every document
// state is retained by hash; applications are append-only.
type MemoryPolicyStore struct {
	mu        sync.RWMutex
	current   *governance.PolicyDocument
	documents map[string]*governance.PolicyDocument
	proposals map[string]*governance.Proposal
	apps      []governance.Application
}

// NewMemoryPolicyStore creates a policy store seeded with the given
// document; a nil seed uses the production defaults.
func NewMemoryPolicyStore(seed *governance.PolicyDocument) *MemoryPolicyStore {
	if seed == nil {
		seed = governance.DefaultDocument(time.Now().UTC())
	}
	return &MemoryPolicyStore{
		current:   seed.Clone(),
		documents: map[string]*governance.PolicyDocument{seed.Hash: seed.Clone()},
		proposals: make(map[string]*governance.Proposal),
	}
}

// CurrentDocument returns the live policy document.
func (s *MemoryPolicyStore) CurrentDocument(ctx context.Context) (*governance.PolicyDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone(), nil
}

// GetDocumentByHash returns the document state with the given content
// hash; (nil, nil) when that state was never stored.
func (s *MemoryPolicyStore) GetDocumentByHash(ctx context.Context, hash string) (*governance.PolicyDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[hash]
	if !ok {
		return nil, nil
	}
	return doc.Clone(), nil
}

// SaveProposal upserts a proposal record.
func (s *MemoryPolicyStore) SaveProposal(ctx context.Context, proposal *governance.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proposals[proposal.ID] = cloneProposal(proposal)
	return nil
}

// GetProposal returns a proposal; (nil, nil) when unknown.
func (s *MemoryPolicyStore) GetProposal(ctx context.Context, id string) (*governance.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	proposal, ok := s.proposals[id]
	if !ok {
		return nil, nil
	}
	return cloneProposal(proposal), nil
}

// CommitApplication atomically stores the new document state, appends the
// application record, and (when non-empty) flips the proposal status. The
// single lock scope is the in-memory equivalent of a transaction.
func (s *MemoryPolicyStore) CommitApplication(ctx context.Context, doc *governance.PolicyDocument, app *governance.Application, proposalStatus governance.ProposalStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.documents[doc.Hash] = doc.Clone()
	s.current = doc.Clone()
	s.apps = append(s.apps, *app)
	if proposalStatus != "" {
		if proposal, ok := s.proposals[app.ProposalID]; ok {
			proposal.Status = proposalStatus
		}
	}
	return nil
}

// GetApplication returns one audit record; (nil, nil) when unknown.
func (s *MemoryPolicyStore) GetApplication(ctx context.Context, id string) (*governance.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.apps {
		if s.apps[i].ID == id {
			copied := s.apps[i]
			return &copied, nil
		}
	}
	return nil, nil
}

// ListApplications returns the audit chain, newest first.
func (s *MemoryPolicyStore) ListApplications(ctx context.Context, filter governance.ApplicationFilter) ([]governance.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]governance.Application, 0, len(s.apps))
	for i := len(s.apps) - 1; i >= 0; i-- {
		app := s.apps[i]
		if filter.ProposalID != "" && app.ProposalID != filter.ProposalID {
			continue
		}
		if filter.Actor != "" && app.Actor != filter.Actor {
			continue
		}
		if filter.RollbacksOnly && app.RollbackOf == "" {
			continue
		}
		if !filter.Since.IsZero() && app.AppliedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && app.AppliedAt.After(filter.Until) {
			continue
		}
		out = append(out, app)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// FindRollbackOf returns the application that rolled back the given one;
// (nil, nil) when it has not been rolled back.
func (s *MemoryPolicyStore) FindRollbackOf(ctx context.Context, applicationID string) (*governance.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.apps {
		if s.apps[i].RollbackOf == applicationID {
			copied := s.apps[i]
			return &copied, nil
		}
	}
	return nil, nil
}

func cloneProposal(p *governance.Proposal) *governance.Proposal {
	copied := *p
	copied.Deltas = make(map[string]float64, len(p.Deltas))
	for k, v := range p.Deltas {
		copied.Deltas[k] = v
	}
	if p.Simulation != nil {
		sim := *p.Simulation
		copied.Simulation = &sim
	}
	return &copied
}
