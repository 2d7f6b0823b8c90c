package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/forecastrun/internal/governance"
	"github.com/sawpanic/forecastrun/internal/persistence"
)

// policyRepo implements the governance hash-chain store for PostgreSQL.
//
// Four tables back it: policy_documents is content-addressed by hash and
// never updated, policy_current is a single-row pointer at the live hash,
// policy_proposals holds every candidate (discarded ones included), and
// policy_applications is the append-only chain. CommitApplication is the
// one transactional write.
type policyRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPolicyRepo creates a PostgreSQL policy store.
func NewPolicyRepo(db *sqlx.DB, timeout time.Duration) persistence.PolicyStore {
	return &policyRepo{
		db:      db,
		timeout: timeout,
	}
}

// SeedDefaultPolicy installs the default document as the live policy when no
// current pointer exists yet. Safe to call on every startup.
func SeedDefaultPolicy(ctx context.Context, db *sqlx.DB, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var count int
	if err := db.QueryRowxContext(ctx, `SELECT COUNT(*) FROM policy_current WHERE id = 1`).Scan(&count); err != nil {
		return fmt.Errorf("failed to check policy pointer: %w", err)
	}
	if count > 0 {
		return nil
	}

	doc := governance.DefaultDocument(time.Now().UTC())

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertDocument(ctx, tx, doc); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO policy_current (id, hash)
		VALUES (1, $1)
		ON CONFLICT (id) DO NOTHING`,
		doc.Hash)
	if err != nil {
		return fmt.Errorf("failed to seed policy pointer: %w", err)
	}
	return tx.Commit()
}

// CurrentDocument loads the live policy; (nil, nil) before seeding.
func (r *policyRepo) CurrentDocument(ctx context.Context) (*governance.PolicyDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx, `
		SELECT d.version, d.params, d.updated_at, d.hash
		FROM policy_current c
		JOIN policy_documents d ON d.hash = c.hash
		WHERE c.id = 1`)

	doc, err := scanDocument(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get current policy: %w", err)
	}
	return doc, nil
}

// GetDocumentByHash loads a historical document; (nil, nil) when unknown.
func (r *policyRepo) GetDocumentByHash(ctx context.Context, hash string) (*governance.PolicyDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx, `
		SELECT version, params, updated_at, hash
		FROM policy_documents
		WHERE hash = $1`,
		hash)

	doc, err := scanDocument(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get policy document: %w", err)
	}
	return doc, nil
}

// SaveProposal upserts a proposal with its simulation evidence.
func (r *policyRepo) SaveProposal(ctx context.Context, proposal *governance.Proposal) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	deltasJSON, err := json.Marshal(proposal.Deltas)
	if err != nil {
		return fmt.Errorf("failed to marshal proposal deltas: %w", err)
	}
	guardrailsJSON, err := json.Marshal(proposal.Guardrails)
	if err != nil {
		return fmt.Errorf("failed to marshal guardrail checks: %w", err)
	}
	var simulationJSON []byte
	if proposal.Simulation != nil {
		simulationJSON, err = json.Marshal(proposal.Simulation)
		if err != nil {
			return fmt.Errorf("failed to marshal simulation result: %w", err)
		}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO policy_proposals (id, scope, source, deltas, simulation, guardrails, verdict, status, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			verdict = EXCLUDED.verdict,
			status = EXCLUDED.status,
			notes = EXCLUDED.notes`,
		proposal.ID, proposal.Scope, proposal.Source,
		deltasJSON, simulationJSON, guardrailsJSON,
		proposal.Verdict, string(proposal.Status), proposal.Notes, proposal.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save proposal: %w", err)
	}
	return nil
}

// GetProposal loads one proposal; (nil, nil) when unknown.
func (r *policyRepo) GetProposal(ctx context.Context, id string) (*governance.Proposal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		proposal       governance.Proposal
		status         string
		deltasJSON     []byte
		simulationJSON []byte
		guardrailsJSON []byte
	)
	err := r.db.QueryRowxContext(ctx, `
		SELECT id, scope, source, deltas, simulation, guardrails, verdict, status, notes, created_at
		FROM policy_proposals
		WHERE id = $1`,
		id).
		Scan(&proposal.ID, &proposal.Scope, &proposal.Source,
			&deltasJSON, &simulationJSON, &guardrailsJSON,
			&proposal.Verdict, &status, &proposal.Notes, &proposal.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get proposal: %w", err)
	}

	proposal.Status = governance.ProposalStatus(status)
	if err := json.Unmarshal(deltasJSON, &proposal.Deltas); err != nil {
		return nil, fmt.Errorf("failed to unmarshal proposal deltas: %w", err)
	}
	if err := json.Unmarshal(guardrailsJSON, &proposal.Guardrails); err != nil {
		return nil, fmt.Errorf("failed to unmarshal guardrail checks: %w", err)
	}
	if len(simulationJSON) > 0 {
		proposal.Simulation = &governance.SimulationResult{}
		if err := json.Unmarshal(simulationJSON, proposal.Simulation); err != nil {
			return nil, fmt.Errorf("failed to unmarshal simulation result: %w", err)
		}
	}
	return &proposal, nil
}

// CommitApplication lands the new document, the chain record, and the
// proposal status in one transaction.
func (r *policyRepo) CommitApplication(ctx context.Context, doc *governance.PolicyDocument, app *governance.Application, proposalStatus governance.ProposalStatus) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertDocument(ctx, tx, doc); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO policy_current (id, hash)
		VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET
			hash = EXCLUDED.hash`,
		doc.Hash)
	if err != nil {
		return fmt.Errorf("failed to move policy pointer: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO policy_applications (id, proposal_id, previous_hash, new_hash, actor, reason, rollback_of, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		app.ID, app.ProposalID, app.PreviousHash, app.NewHash,
		app.Actor, app.Reason, app.RollbackOf, app.AppliedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate application: %w", err)
		}
		return fmt.Errorf("failed to append application: %w", err)
	}

	if proposalStatus != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE policy_proposals
			SET status = $2
			WHERE id = $1`,
			app.ProposalID, string(proposalStatus))
		if err != nil {
			return fmt.Errorf("failed to update proposal status: %w", err)
		}
	}

	return tx.Commit()
}

// GetApplication loads one chain record; (nil, nil) when unknown.
func (r *policyRepo) GetApplication(ctx context.Context, id string) (*governance.Application, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx, `
		SELECT id, proposal_id, previous_hash, new_hash, actor, reason, rollback_of, applied_at
		FROM policy_applications
		WHERE id = $1`,
		id)

	app, err := scanApplication(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get application: %w", err)
	}
	return app, nil
}

// ListApplications returns chain records newest-first.
func (r *policyRepo) ListApplications(ctx context.Context, filter governance.ApplicationFilter) ([]governance.Application, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, proposal_id, previous_hash, new_hash, actor, reason, rollback_of, applied_at
		FROM policy_applications`

	var conditions []string
	var args []interface{}
	if filter.ProposalID != "" {
		args = append(args, filter.ProposalID)
		conditions = append(conditions, fmt.Sprintf("proposal_id = $%d", len(args)))
	}
	if filter.Actor != "" {
		args = append(args, filter.Actor)
		conditions = append(conditions, fmt.Sprintf("actor = $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		conditions = append(conditions, fmt.Sprintf("applied_at >= $%d", len(args)))
	}
	if !filter.Until.IsZero() {
		args = append(args, filter.Until)
		conditions = append(conditions, fmt.Sprintf("applied_at <= $%d", len(args)))
	}
	if filter.RollbacksOnly {
		conditions = append(conditions, "rollback_of <> ''")
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY applied_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}
	defer rows.Close()

	var apps []governance.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan application: %w", err)
		}
		apps = append(apps, *app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating applications: %w", err)
	}
	return apps, nil
}

// FindRollbackOf returns the rollback that undid the given application;
// (nil, nil) when it has not been rolled back.
func (r *policyRepo) FindRollbackOf(ctx context.Context, applicationID string) (*governance.Application, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx, `
		SELECT id, proposal_id, previous_hash, new_hash, actor, reason, rollback_of, applied_at
		FROM policy_applications
		WHERE rollback_of = $1
		ORDER BY applied_at
		LIMIT 1`,
		applicationID)

	app, err := scanApplication(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find rollback: %w", err)
	}
	return app, nil
}

// insertDocument stores a content-addressed document. Re-inserting the same
// hash is a no-op: documents are immutable once written.
func insertDocument(ctx context.Context, tx *sqlx.Tx, doc *governance.PolicyDocument) error {
	paramsJSON, err := json.Marshal(doc.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal policy params: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO policy_documents (hash, version, params, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (hash) DO NOTHING`,
		doc.Hash, doc.Version, paramsJSON, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert policy document: %w", err)
	}
	return nil
}

func scanDocument(row rowScanner) (*governance.PolicyDocument, error) {
	var (
		doc        governance.PolicyDocument
		paramsJSON []byte
	)
	if err := row.Scan(&doc.Version, &paramsJSON, &doc.UpdatedAt, &doc.Hash); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(paramsJSON, &doc.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy params: %w", err)
	}
	return &doc, nil
}

func scanApplication(row rowScanner) (*governance.Application, error) {
	var app governance.Application
	if err := row.Scan(&app.ID, &app.ProposalID, &app.PreviousHash, &app.NewHash,
		&app.Actor, &app.Reason, &app.RollbackOf, &app.AppliedAt); err != nil {
		return nil, err
	}
	return &app, nil
}
