package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/forecastrun/internal/governance"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	return sqlx.NewDb(mockDB, "postgres"), mock
}

func TestPolicyRepoCurrentDocumentMissReturnsNil(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPolicyRepo(db, time.Second)

	mock.ExpectQuery(regexp.QuoteMeta("FROM policy_current")).
		WillReturnError(sql.ErrNoRows)

	doc, err := repo.CurrentDocument(context.Background())
	require.NoError(t, err)
	assert.Nil(t, doc)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPolicyRepoCurrentDocumentDecodesParams(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPolicyRepo(db, time.Second)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	want := governance.DefaultDocument(now)
	paramsJSON, err := json.Marshal(want.Params)
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"version", "params", "updated_at", "hash"}).
		AddRow(want.Version, paramsJSON, now, want.Hash)
	mock.ExpectQuery(regexp.QuoteMeta("FROM policy_current")).
		WillReturnRows(rows)

	got, err := repo.CurrentDocument(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.Version, got.Version)
	assert.Equal(t, want.Hash, got.Hash)
	assert.Equal(t, want.Params, got.Params)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPolicyRepoGetDocumentByHashMissReturnsNil(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPolicyRepo(db, time.Second)

	mock.ExpectQuery(regexp.QuoteMeta("FROM policy_documents")).
		WithArgs("deadbeef").
		WillReturnError(sql.ErrNoRows)

	doc, err := repo.GetDocumentByHash(context.Background(), "deadbeef")
	require.NoError(t, err)
	assert.Nil(t, doc)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPolicyRepoCommitApplicationLandsAtomically(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPolicyRepo(db, time.Second)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	doc := governance.NewDocument(2, map[string]float64{"fsm.enter_threshold": 0.25}, now)
	app := &governance.Application{
		ID:           "app-1",
		ProposalID:   "prop-1",
		PreviousHash: "prevhash",
		NewHash:      doc.Hash,
		Actor:        "operator",
		Reason:       "raise entry bar",
		AppliedAt:    now,
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_documents")).
		WithArgs(doc.Hash, 2, sqlmock.AnyArg(), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_current")).
		WithArgs(doc.Hash).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_applications")).
		WithArgs("app-1", "prop-1", "prevhash", doc.Hash, "operator", "raise entry bar", "", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE policy_proposals")).
		WithArgs("prop-1", "APPLIED").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.CommitApplication(context.Background(), doc, app, governance.StatusApplied)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPolicyRepoCommitApplicationSkipsStatusForRollbacks(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPolicyRepo(db, time.Second)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	doc := governance.NewDocument(3, map[string]float64{"fsm.enter_threshold": 0.20}, now)
	app := &governance.Application{
		ID:           "app-2",
		ProposalID:   "prop-1",
		PreviousHash: "badhash",
		NewHash:      doc.Hash,
		Actor:        "operator",
		Reason:       "revert regression",
		RollbackOf:   "app-1",
		AppliedAt:    now,
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_documents")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_current")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_applications")).
		WithArgs("app-2", "prop-1", "badhash", doc.Hash, "operator", "revert regression", "app-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.CommitApplication(context.Background(), doc, app, "")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPolicyRepoCommitApplicationReportsDuplicate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPolicyRepo(db, time.Second)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	doc := governance.NewDocument(2, map[string]float64{"fsm.enter_threshold": 0.25}, now)
	app := &governance.Application{
		ID:         "app-1",
		ProposalID: "prop-1",
		NewHash:    doc.Hash,
		Actor:      "operator",
		AppliedAt:  now,
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_documents")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_current")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_applications")).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := repo.CommitApplication(context.Background(), doc, app, governance.StatusApplied)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate application")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPolicyRepoCommitApplicationRollsBackOnPointerFailure(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPolicyRepo(db, time.Second)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	doc := governance.NewDocument(2, map[string]float64{"fsm.enter_threshold": 0.25}, now)
	app := &governance.Application{ID: "app-1", NewHash: doc.Hash, AppliedAt: now}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_documents")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_current")).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := repo.CommitApplication(context.Background(), doc, app, governance.StatusApplied)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to move policy pointer")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPolicyRepoSaveProposalSerializesEvidence(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPolicyRepo(db, time.Second)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	proposal := &governance.Proposal{
		ID:     "prop-1",
		Scope:  "kernel",
		Source: "tuner",
		Deltas: map[string]float64{"fsm.enter_threshold": 0.05},
		Simulation: &governance.SimulationResult{
			CVAccuracy:       0.72,
			BaselineAccuracy: 0.66,
			SampleSize:       180,
		},
		Guardrails: governance.GuardrailChecks{
			CVAccuracyImproves: true,
			WalkForwardStable:  true,
			TradingMetricsHold: true,
			SampleSizeAdequate: true,
		},
		Verdict:   governance.VerdictPromote,
		Status:    governance.StatusProposed,
		CreatedAt: now,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_proposals")).
		WithArgs("prop-1", "kernel", "tuner",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			governance.VerdictPromote, "PROPOSED", "", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.SaveProposal(context.Background(), proposal))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPolicyRepoGetProposalRoundTrip(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPolicyRepo(db, time.Second)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	deltas := map[string]float64{"similarity.min_matches": 3}
	sim := &governance.SimulationResult{CVAccuracy: 0.8, BaselineAccuracy: 0.7, SampleSize: 250}
	checks := governance.GuardrailChecks{CVAccuracyImproves: true, SampleSizeAdequate: true}

	deltasJSON, err := json.Marshal(deltas)
	require.NoError(t, err)
	simJSON, err := json.Marshal(sim)
	require.NoError(t, err)
	checksJSON, err := json.Marshal(checks)
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{
		"id", "scope", "source", "deltas", "simulation", "guardrails",
		"verdict", "status", "notes", "created_at",
	}).AddRow("prop-2", "kernel", "tuner", deltasJSON, simJSON, checksJSON,
		governance.VerdictDiscard, "DISCARDED", "failed guardrails: walk_forward_stable", now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM policy_proposals")).
		WithArgs("prop-2").
		WillReturnRows(rows)

	got, err := repo.GetProposal(context.Background(), "prop-2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, deltas, got.Deltas)
	assert.Equal(t, governance.StatusDiscarded, got.Status)
	require.NotNil(t, got.Simulation)
	assert.Equal(t, 250, got.Simulation.SampleSize)
	assert.True(t, got.Guardrails.CVAccuracyImproves)
	assert.False(t, got.Guardrails.WalkForwardStable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPolicyRepoGetProposalMissReturnsNil(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPolicyRepo(db, time.Second)

	mock.ExpectQuery(regexp.QuoteMeta("FROM policy_proposals")).
		WithArgs("prop-404").
		WillReturnError(sql.ErrNoRows)

	got, err := repo.GetProposal(context.Background(), "prop-404")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPolicyRepoListApplicationsAppliesFilter(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPolicyRepo(db, time.Second)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "proposal_id", "previous_hash", "new_hash",
		"actor", "reason", "rollback_of", "applied_at",
	}).
		AddRow("app-3", "prop-9", "h2", "h1", "operator", "revert", "app-2", now).
		AddRow("app-2", "prop-9", "h1", "h2", "operator", "revert earlier", "app-1", now.Add(-time.Hour))

	// ProposalID binds $1, Actor $2, Limit $3. RollbacksOnly adds no bind.
	mock.ExpectQuery(regexp.QuoteMeta("FROM policy_applications")).
		WithArgs("prop-9", "operator", 5).
		WillReturnRows(rows)

	apps, err := repo.ListApplications(context.Background(), governance.ApplicationFilter{
		ProposalID:    "prop-9",
		Actor:         "operator",
		RollbacksOnly: true,
		Limit:         5,
	})
	require.NoError(t, err)
	require.Len(t, apps, 2)
	assert.Equal(t, "app-3", apps[0].ID)
	assert.Equal(t, "app-2", apps[0].RollbackOf)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedDefaultPolicySkipsWhenPointerExists(t *testing.T) {
	db, mock := newMockDB(t)

	count := sqlmock.NewRows([]string{"count"}).AddRow(1)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM policy_current")).
		WillReturnRows(count)

	require.NoError(t, SeedDefaultPolicy(context.Background(), db, time.Second))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedDefaultPolicyInstallsDefaults(t *testing.T) {
	db, mock := newMockDB(t)

	count := sqlmock.NewRows([]string{"count"}).AddRow(0)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM policy_current")).
		WillReturnRows(count)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_documents")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_current")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, SeedDefaultPolicy(context.Background(), db, time.Second))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPolicyRepoFindRollbackOfMissReturnsNil(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPolicyRepo(db, time.Second)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE rollback_of = $1")).
		WithArgs("app-1").
		WillReturnError(sql.ErrNoRows)

	app, err := repo.FindRollbackOf(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Nil(t, app)
	assert.NoError(t, mock.ExpectationsWereMet())
}
