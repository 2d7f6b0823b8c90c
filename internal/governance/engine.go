package governance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Store is the persistence surface the engine drives. CommitApplication is
// the single transaction boundary: the new document, the application
// record, and the proposal status land together or not at all, since a
// partial write would corrupt the hash chain. An empty proposalStatus
// leaves the proposal untouched (used by rollbacks). Lookups return
// (nil, nil) when the record does not exist.
type Store interface {
	CurrentDocument(ctx context.Context) (*PolicyDocument, error)
	GetDocumentByHash(ctx context.Context, hash string) (*PolicyDocument, error)
	SaveProposal(ctx context.Context, proposal *Proposal) error
	GetProposal(ctx context.Context, id string) (*Proposal, error)
	CommitApplication(ctx context.Context, doc *PolicyDocument, app *Application, proposalStatus ProposalStatus) error
	GetApplication(ctx context.Context, id string) (*Application, error)
	ListApplications(ctx context.Context, filter ApplicationFilter) ([]Application, error)
	FindRollbackOf(ctx context.Context, applicationID string) (*Application, error)
}

// LockChecker is the external governance lock: a non-nil error vetoes the
// mutation. Remote implementations should be wrapped in GuardedLock.
type LockChecker interface {
	CheckLock(ctx context.Context, scope string) error
}

// Config holds the promotion gates and live-apply eligibility rules.
type Config struct {
	// EligibleSources may have their proposals applied to the live policy.
	EligibleSources []string `yaml:"eligible_sources"`

	// Guardrail thresholds evaluated against simulation results.
	MinCVAccuracyGain    float64 `yaml:"min_cv_accuracy_gain"`   // required edge over baseline
	MinWalkForwardScore  float64 `yaml:"min_walk_forward_score"` // stability floor
	MaxDrawdownTolerance float64 `yaml:"max_drawdown_tolerance"` // allowed drawdown worsening
	MinSampleSize        int     `yaml:"min_sample_size"`
}

// DefaultConfig returns the production governance gates.
func DefaultConfig() *Config {
	return &Config{
		EligibleSources:      []string{"manual", "tuner"},
		MinCVAccuracyGain:    0.0, // must not regress
		MinWalkForwardScore:  0.70,
		MaxDrawdownTolerance: 0.02,
		MinSampleSize:        100,
	}
}

// Validate reports every configuration violation.
func (c *Config) Validate() []string {
	var problems []string
	if len(c.EligibleSources) == 0 {
		problems = append(problems, "eligible_sources must name at least one source")
	}
	if c.MinWalkForwardScore < 0 || c.MinWalkForwardScore > 1 {
		problems = append(problems, fmt.Sprintf("min_walk_forward_score %.3f must be in [0, 1]", c.MinWalkForwardScore))
	}
	if c.MaxDrawdownTolerance < 0 {
		problems = append(problems, "max_drawdown_tolerance must be non-negative")
	}
	if c.MinSampleSize < 1 {
		problems = append(problems, "min_sample_size must be at least 1")
	}
	return problems
}

// Engine runs the propose / apply / rollback pipeline over the policy hash
// chain. It is the only legal writer of policy state.
type Engine struct {
	store  Store
	locks  LockChecker
	sim    Simulator
	config *Config
	now    func() time.Time
}

// NewEngine creates a governance engine. A nil config uses defaults; locks
// and sim may be nil (no external lock, no simulation; proposals are then
// promoted on source authority alone).
func NewEngine(store Store, locks LockChecker, sim Simulator, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	return &Engine{
		store:  store,
		locks:  locks,
		sim:    sim,
		config: config,
		now:    time.Now,
	}
}

// Propose simulates a parameter delta and records the outcome. Guardrail
// failures produce a stored DISCARDED proposal carrying the specific
// failing checks rather than an invisible drop or a silent promotion.
func (e *Engine) Propose(ctx context.Context, scope, source string, deltas map[string]float64) (*Proposal, error) {
	if len(deltas) == 0 {
		return nil, fmt.Errorf("proposal requires at least one parameter delta")
	}

	current, err := e.store.CurrentDocument(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load current policy: %w", err)
	}
	for key := range deltas {
		if _, ok := current.Params[key]; !ok {
			return nil, GovernanceError{
				Reason:  ReasonUnknownParameter,
				Message: fmt.Sprintf("delta targets unknown parameter %q", key),
				Details: map[string]interface{}{"parameter": key, "policy_version": current.Version},
			}
		}
	}

	copied := make(map[string]float64, len(deltas))
	for k, v := range deltas {
		copied[k] = v
	}
	proposal := &Proposal{
		ID:        uuid.NewString(),
		Scope:     scope,
		Source:    source,
		Deltas:    copied,
		Status:    StatusProposed,
		Verdict:   VerdictPromote,
		CreatedAt: e.now(),
	}

	if e.sim != nil {
		sim, err := e.sim.Simulate(ctx, scope, deltas)
		if err != nil {
			return nil, fmt.Errorf("simulation failed for scope %s: %w", scope, err)
		}
		proposal.Simulation = sim
		proposal.Guardrails = e.evaluateGuardrails(sim)
		if !proposal.Guardrails.AllPass() {
			failing := proposal.Guardrails.FailingChecks()
			proposal.Status = StatusDiscarded
			proposal.Verdict = VerdictDiscard
			proposal.Notes = "failed guardrails: " + strings.Join(failing, ", ")
			log.Warn().
				Str("proposal_id", proposal.ID).
				Str("scope", scope).
				Strs("failing_checks", failing).
				Msg("Proposal discarded by guardrails")
		}
	} else {
		proposal.Guardrails = GuardrailChecks{
			CVAccuracyImproves: true,
			WalkForwardStable:  true,
			TradingMetricsHold: true,
			SampleSizeAdequate: true,
		}
		proposal.Notes = "unsimulated: promoted on source authority"
	}

	if err := e.store.SaveProposal(ctx, proposal); err != nil {
		return nil, fmt.Errorf("failed to save proposal: %w", err)
	}

	log.Info().
		Str("proposal_id", proposal.ID).
		Str("scope", scope).
		Str("source", source).
		Str("status", string(proposal.Status)).
		Int("deltas", len(deltas)).
		Msg("Proposal recorded")
	return proposal, nil
}

// Apply mutates the live policy document by an approved proposal's deltas
// and appends the application to the hash chain. Retrying an already
// applied proposal is DUPLICATE_APPLY, never a silent no-op, so the audit
// chain stays unambiguous.
func (e *Engine) Apply(ctx context.Context, proposalID, actor, reason string) (*ApplyReceipt, error) {
	proposal, err := e.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load proposal: %w", err)
	}
	if proposal == nil {
		return nil, GovernanceError{
			Reason:  ReasonProposalNotFound,
			Message: fmt.Sprintf("proposal %s does not exist", proposalID),
		}
	}

	switch proposal.Status {
	case StatusProposed:
	case StatusApplied:
		return nil, GovernanceError{
			Reason:  ReasonDuplicateApply,
			Message: fmt.Sprintf("proposal %s is already applied", proposalID),
			Details: map[string]interface{}{"proposal_id": proposalID},
		}
	default:
		return nil, GovernanceError{
			Reason:  ReasonProposalNotProposed,
			Message: fmt.Sprintf("proposal %s has status %s, only PROPOSED can be applied", proposalID, proposal.Status),
			Details: map[string]interface{}{"proposal_id": proposalID, "status": string(proposal.Status)},
		}
	}

	if !e.eligibleSource(proposal.Source) {
		return nil, GovernanceError{
			Reason:  ReasonProposalNotEligible,
			Message: fmt.Sprintf("source %q is not eligible for live application", proposal.Source),
			Details: map[string]interface{}{"source": proposal.Source, "eligible": e.config.EligibleSources},
		}
	}

	if err := e.checkLock(ctx, proposal.Scope); err != nil {
		return nil, err
	}

	current, err := e.store.CurrentDocument(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load current policy: %w", err)
	}
	next, err := current.ApplyDeltas(proposal.Deltas, e.now())
	if err != nil {
		return nil, err
	}

	app := &Application{
		ID:           uuid.NewString(),
		ProposalID:   proposalID,
		PreviousHash: current.Hash,
		NewHash:      next.Hash,
		Actor:        actor,
		Reason:       reason,
		AppliedAt:    e.now(),
	}
	if err := e.store.CommitApplication(ctx, next, app, StatusApplied); err != nil {
		return nil, fmt.Errorf("failed to commit application: %w", err)
	}

	log.Info().
		Str("application_id", app.ID).
		Str("proposal_id", proposalID).
		Str("actor", actor).
		Str("previous_hash", shortHash(app.PreviousHash)).
		Str("new_hash", shortHash(app.NewHash)).
		Msg("Policy applied")
	return &ApplyReceipt{
		ApplicationID: app.ID,
		PreviousHash:  app.PreviousHash,
		NewHash:       app.NewHash,
	}, nil
}

// Rollback restores the document state an application replaced and appends
// a compensating application with RollbackOf set. History is never
// deleted; the rollback relation is 1:1, so a second rollback of the same
// application is ALREADY_ROLLED_BACK.
func (e *Engine) Rollback(ctx context.Context, applicationID, actor, reason string) (*RollbackReceipt, error) {
	app, err := e.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load application: %w", err)
	}
	if app == nil {
		return nil, GovernanceError{
			Reason:  ReasonApplicationNotFound,
			Message: fmt.Sprintf("application %s does not exist", applicationID),
		}
	}

	existing, err := e.store.FindRollbackOf(ctx, applicationID)
	if err != nil {
		return nil, fmt.Errorf("failed to check rollback state: %w", err)
	}
	if existing != nil {
		return nil, GovernanceError{
			Reason:  ReasonAlreadyRolledBack,
			Message: fmt.Sprintf("application %s was already rolled back by %s", applicationID, existing.ID),
			Details: map[string]interface{}{"application_id": applicationID, "rollback_id": existing.ID},
		}
	}

	scope := ""
	proposal, err := e.store.GetProposal(ctx, app.ProposalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load proposal: %w", err)
	}
	if proposal != nil {
		scope = proposal.Scope
	}
	if err := e.checkLock(ctx, scope); err != nil {
		return nil, err
	}

	current, err := e.store.CurrentDocument(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load current policy: %w", err)
	}
	restored, err := e.store.GetDocumentByHash(ctx, app.PreviousHash)
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", shortHash(app.PreviousHash), err)
	}
	if restored == nil {
		return nil, GovernanceError{
			Reason:  ReasonDocumentNotFound,
			Message: fmt.Sprintf("no document stored for hash %s", shortHash(app.PreviousHash)),
			Details: map[string]interface{}{"hash": app.PreviousHash},
		}
	}
	if ComputeHash(restored.Params) != app.PreviousHash {
		return nil, GovernanceError{
			Reason:  ReasonHashMismatch,
			Message: fmt.Sprintf("stored document for %s does not reproduce its hash", shortHash(app.PreviousHash)),
			Details: map[string]interface{}{"hash": app.PreviousHash},
		}
	}

	doc := restored.Clone()
	doc.Version = current.Version + 1
	doc.UpdatedAt = e.now()

	rollback := &Application{
		ID:           uuid.NewString(),
		ProposalID:   app.ProposalID,
		PreviousHash: current.Hash,
		NewHash:      doc.Hash,
		Actor:        actor,
		Reason:       reason,
		RollbackOf:   applicationID,
		AppliedAt:    e.now(),
	}
	if err := e.store.CommitApplication(ctx, doc, rollback, ""); err != nil {
		return nil, fmt.Errorf("failed to commit rollback: %w", err)
	}

	log.Info().
		Str("application_id", rollback.ID).
		Str("rollback_of", applicationID).
		Str("actor", actor).
		Str("restored_hash", shortHash(doc.Hash)).
		Msg("Policy rolled back")
	return &RollbackReceipt{
		ApplicationID: rollback.ID,
		RestoredHash:  doc.Hash,
	}, nil
}

// ListApplications returns the audit chain, newest first.
func (e *Engine) ListApplications(ctx context.Context, filter ApplicationFilter) ([]Application, error) {
	return e.store.ListApplications(ctx, filter)
}

// CurrentDocument returns the live policy document.
func (e *Engine) CurrentDocument(ctx context.Context) (*PolicyDocument, error) {
	return e.store.CurrentDocument(ctx)
}

func (e *Engine) checkLock(ctx context.Context, scope string) error {
	if e.locks == nil {
		return nil
	}
	if err := e.locks.CheckLock(ctx, scope); err != nil {
		return GovernanceError{
			Reason:  ReasonLockDenied,
			Message: fmt.Sprintf("governance lock vetoed mutation: %v", err),
			Details: map[string]interface{}{"scope": scope},
		}
	}
	return nil
}

func (e *Engine) eligibleSource(source string) bool {
	for _, s := range e.config.EligibleSources {
		if s == source {
			return true
		}
	}
	return false
}

func (e *Engine) evaluateGuardrails(sim *SimulationResult) GuardrailChecks {
	return GuardrailChecks{
		CVAccuracyImproves: sim.CVAccuracy >= sim.BaselineAccuracy+e.config.MinCVAccuracyGain,
		WalkForwardStable:  sim.WalkForwardStability >= e.config.MinWalkForwardScore,
		TradingMetricsHold: sim.SharpeDelta >= 0 && sim.MaxDrawdownDelta <= e.config.MaxDrawdownTolerance,
		SampleSizeAdequate: sim.SampleSize >= e.config.MinSampleSize,
	}
}

func shortHash(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:12]
}
