package governance

import (
	"context"
	"time"
)

// ProposalStatus tracks a proposal through its lifecycle.
type ProposalStatus string

const (
	StatusProposed  ProposalStatus = "PROPOSED"
	StatusApplied   ProposalStatus = "APPLIED"
	StatusRejected  ProposalStatus = "REJECTED"
	StatusDiscarded ProposalStatus = "DISCARDED" // failed guardrails, kept for audit
)

// Verdict labels on a proposal.
const (
	VerdictPromote = "PROMOTE"
	VerdictDiscard = "DISCARD"
)

// SimulationResult captures how a parameter delta performed when replayed
// against historical decision cycles.
type SimulationResult struct {
	CVAccuracy           float64 `json:"cv_accuracy"`
	BaselineAccuracy     float64 `json:"baseline_accuracy"`
	WalkForwardStability float64 `json:"walk_forward_stability"`
	HitRateDelta         float64 `json:"hit_rate_delta"`
	SharpeDelta          float64 `json:"sharpe_delta"`
	MaxDrawdownDelta     float64 `json:"max_drawdown_delta"` // positive = drawdown got worse
	SampleSize           int     `json:"sample_size"`
}

// Simulator replays a parameter delta against history. Implementations run
// outside the kernel; the engine only consumes the summary.
type Simulator interface {
	Simulate(ctx context.Context, scope string, deltas map[string]float64) (*SimulationResult, error)
}

// GuardrailChecks are the promotion gates a simulated proposal must clear.
type GuardrailChecks struct {
	CVAccuracyImproves bool `json:"cv_accuracy_improves"`
	WalkForwardStable  bool `json:"walk_forward_stable"`
	TradingMetricsHold bool `json:"trading_metrics_hold"`
	SampleSizeAdequate bool `json:"sample_size_adequate"`
}

// AllPass reports whether every gate cleared.
func (g GuardrailChecks) AllPass() bool {
	return g.CVAccuracyImproves && g.WalkForwardStable && g.TradingMetricsHold && g.SampleSizeAdequate
}

// FailingChecks names each gate that failed, so a DISCARDED result
// carries more than a bare boolean.
func (g GuardrailChecks) FailingChecks() []string {
	var failing []string
	if !g.CVAccuracyImproves {
		failing = append(failing, "cv_accuracy_improves")
	}
	if !g.WalkForwardStable {
		failing = append(failing, "walk_forward_stable")
	}
	if !g.TradingMetricsHold {
		failing = append(failing, "trading_metrics_hold")
	}
	if !g.SampleSizeAdequate {
		failing = append(failing, "sample_size_adequate")
	}
	return failing
}

// Proposal is one candidate parameter change, from simulation through
// verdict. Discarded proposals are stored too: the audit trail records
// what was considered, not just what was applied.
type Proposal struct {
	ID         string             `json:"id"`
	Scope      string             `json:"scope"`
	Source     string             `json:"source"` // who generated it, drives live-apply eligibility
	Deltas     map[string]float64 `json:"deltas"`
	Simulation *SimulationResult  `json:"simulation,omitempty"`
	Guardrails GuardrailChecks    `json:"guardrails"`
	Verdict    string             `json:"verdict"`
	Status     ProposalStatus     `json:"status"`
	Notes      string             `json:"notes,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

// Application is one immutable link in the policy hash chain. A rollback
// appends a new application whose NewHash equals some earlier
// PreviousHash; nothing is ever deleted.
type Application struct {
	ID           string    `json:"application_id"`
	ProposalID   string    `json:"proposal_id"`
	PreviousHash string    `json:"previous_hash"`
	NewHash      string    `json:"new_hash"`
	Actor        string    `json:"actor"`
	Reason       string    `json:"reason"`
	RollbackOf   string    `json:"rollback_of,omitempty"`
	AppliedAt    time.Time `json:"applied_at"`
}

// ApplicationFilter narrows ListApplications output.
type ApplicationFilter struct {
	ProposalID    string    `json:"proposal_id,omitempty"`
	Actor         string    `json:"actor,omitempty"`
	Since         time.Time `json:"since,omitempty"`
	Until         time.Time `json:"until,omitempty"`
	RollbacksOnly bool      `json:"rollbacks_only,omitempty"`
	Limit         int       `json:"limit,omitempty"`
}

// ApplyReceipt is returned by a successful apply.
type ApplyReceipt struct {
	ApplicationID string `json:"application_id"`
	PreviousHash  string `json:"previous_hash"`
	NewHash       string `json:"new_hash"`
}

// RollbackReceipt is returned by a successful rollback.
type RollbackReceipt struct {
	ApplicationID string `json:"application_id"`
	RestoredHash  string `json:"restored_hash"`
}
