package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/forecastrun/internal/governance"
	"github.com/sawpanic/forecastrun/internal/kernel"
	"github.com/sawpanic/forecastrun/internal/metrics"
	"github.com/sawpanic/forecastrun/internal/persistence"
	"github.com/sawpanic/forecastrun/internal/position"
	"github.com/sawpanic/forecastrun/internal/snapshot"
)

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	config := DefaultConfig()
	config.Port = 0
	srv, err := NewServer(config, deps)
	require.NoError(t, err)
	return srv
}

func doGet(s *Server, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func cachedDecision(symbol string) *kernel.DecisionResult {
	return &kernel.DecisionResult{
		Symbol:               symbol,
		Direction:            "LONG",
		AssembledScore:       0.42,
		RawConfidence:        0.71,
		CalibratedConfidence: 0.66,
		AdjustedConfidence:   0.66,
		ReliabilityBadge:     "OK",
		Transition: position.TransitionResult{
			Action: position.ActionEnter,
			Reason: position.ReasonThresholdCrossed,
			To:     position.State{Symbol: symbol, Side: position.SideLong, Size: 0.5},
		},
		Diagnostics: kernel.Diagnostics{
			RegimeKey:       "BULL",
			MatchCount:      23,
			DominantHorizon: 14,
		},
		EvaluatedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

type stubHealthChecker struct {
	healthy bool
}

func (s stubHealthChecker) Ping(ctx context.Context) error { return nil }

func (s stubHealthChecker) Health(ctx context.Context) persistence.HealthCheck {
	check := persistence.HealthCheck{
		Healthy:   s.healthy,
		LastCheck: time.Now().UTC(),
	}
	if !s.healthy {
		check.Errors = []string{"connection refused"}
	}
	return check
}

// emptyPolicyStore simulates a backend with no installed document.
type emptyPolicyStore struct {
	*persistence.MemoryPolicyStore
}

func (s emptyPolicyStore) CurrentDocument(ctx context.Context) (*governance.PolicyDocument, error) {
	return nil, nil
}

func TestHealthEndpoint(t *testing.T) {
	engine := kernel.NewEngine(nil)
	engine.SeedPosition(position.State{Symbol: "BTC-USD", Side: position.SideLong, Size: 0.5})
	engine.SeedPosition(position.State{Symbol: "ETH-USD", Side: position.SideFlat})

	srv := newTestServer(t, Deps{
		Engine:    engine,
		Snapshots: snapshot.NewMemoryStore(time.Hour),
		Storage:   stubHealthChecker{healthy: true},
	})

	w := doGet(srv, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var resp healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, 1, resp.OpenPositions)
	require.NotNil(t, resp.Storage)
	assert.True(t, resp.Storage.Healthy)
	require.NotNil(t, resp.SnapshotCache)
}

func TestHealthDegradedWhenStorageDown(t *testing.T) {
	srv := newTestServer(t, Deps{
		Engine:  kernel.NewEngine(nil),
		Storage: stubHealthChecker{healthy: false},
	})

	w := doGet(srv, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	require.NotNil(t, resp.Storage)
	assert.Contains(t, resp.Storage.Errors, "connection refused")
}

func TestDecisionHitAndMiss(t *testing.T) {
	store := snapshot.NewMemoryStore(time.Hour)
	require.NoError(t, store.Put(context.Background(), cachedDecision("BTC-USD")))
	reg := metrics.NewRegistry()

	srv := newTestServer(t, Deps{
		Engine:    kernel.NewEngine(nil),
		Snapshots: store,
		Metrics:   reg,
	})

	w := doGet(srv, "/decisions/BTC-USD")
	require.Equal(t, http.StatusOK, w.Code)

	var decision kernel.DecisionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decision))
	assert.Equal(t, "BTC-USD", decision.Symbol)
	assert.Equal(t, "LONG", decision.Direction)
	assert.Equal(t, position.ActionEnter, decision.Transition.Action)

	w = doGet(srv, "/decisions/DOGE-USD")
	require.Equal(t, http.StatusNotFound, w.Code)

	var errResp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, "decision_not_found", errResp.Code)
	assert.NotEmpty(t, errResp.RequestID)

	// Both lookups land in the exported counters.
	w = doGet(srv, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "forecastrun_snapshot_cache_hits_total 1")
	assert.Contains(t, w.Body.String(), "forecastrun_snapshot_cache_misses_total 1")
}

func TestDecisionWithoutSnapshots(t *testing.T) {
	srv := newTestServer(t, Deps{Engine: kernel.NewEngine(nil)})

	w := doGet(srv, "/decisions/BTC-USD")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var errResp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, "snapshots_disabled", errResp.Code)
}

func TestPositionsEndpoint(t *testing.T) {
	engine := kernel.NewEngine(nil)
	engine.SeedPosition(position.State{Symbol: "SOL-USD", Side: position.SideShort, Size: 0.3})

	srv := newTestServer(t, Deps{Engine: engine})

	w := doGet(srv, "/positions")
	require.Equal(t, http.StatusOK, w.Code)

	var states []position.State
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &states))
	require.Len(t, states, 1)
	assert.Equal(t, "SOL-USD", states[0].Symbol)
	assert.Equal(t, position.SideShort, states[0].Side)
}

func TestPositionsWithoutEngine(t *testing.T) {
	srv := newTestServer(t, Deps{})

	w := doGet(srv, "/positions")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var errResp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, "engine_unavailable", errResp.Code)
}

func TestPolicyEndpoint(t *testing.T) {
	doc := governance.NewDocument(7, map[string]float64{"fsm.enter_threshold": 0.3}, time.Now().UTC())
	srv := newTestServer(t, Deps{Policies: persistence.NewMemoryPolicyStore(doc)})

	w := doGet(srv, "/policy")
	require.Equal(t, http.StatusOK, w.Code)

	var got governance.PolicyDocument
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 7, got.Version)
	assert.Equal(t, doc.Hash, got.Hash)
}

func TestPolicyNotInstalled(t *testing.T) {
	srv := newTestServer(t, Deps{
		Policies: emptyPolicyStore{persistence.NewMemoryPolicyStore(nil)},
	})

	w := doGet(srv, "/policy")
	require.Equal(t, http.StatusNotFound, w.Code)

	var errResp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, "policy_not_found", errResp.Code)
}

func TestPolicyWithoutStore(t *testing.T) {
	srv := newTestServer(t, Deps{})

	w := doGet(srv, "/policy")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestApplicationsEndpoint(t *testing.T) {
	store := persistence.NewMemoryPolicyStore(nil)
	doc := governance.NewDocument(2, map[string]float64{"fsm.enter_threshold": 0.35}, time.Now().UTC())
	app := &governance.Application{
		ID:           "app-001",
		ProposalID:   "prop-001",
		PreviousHash: "aaa",
		NewHash:      doc.Hash,
		Actor:        "ops",
		Reason:       "raise entry bar",
		AppliedAt:    time.Now().UTC(),
	}
	require.NoError(t, store.CommitApplication(context.Background(), doc, app, governance.StatusApplied))

	srv := newTestServer(t, Deps{Policies: store})

	w := doGet(srv, "/applications")
	require.Equal(t, http.StatusOK, w.Code)

	var apps []governance.Application
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apps))
	require.Len(t, apps, 1)
	assert.Equal(t, "app-001", apps[0].ID)
	assert.Equal(t, "ops", apps[0].Actor)

	// Rollback filter excludes plain applications.
	w = doGet(srv, "/applications?rollbacks_only=true")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apps))
	assert.Empty(t, apps)

	// Actor filter matches the audit record's operator.
	w = doGet(srv, "/applications?actor=tuner")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apps))
	assert.Empty(t, apps)
}

func TestApplicationsRejectsBadParams(t *testing.T) {
	srv := newTestServer(t, Deps{Policies: persistence.NewMemoryPolicyStore(nil)})

	for _, path := range []string{
		"/applications?rollbacks_only=sometimes",
		"/applications?limit=-3",
		"/applications?since=yesterday",
		"/applications?until=2025-13-99",
	} {
		w := doGet(srv, path)
		require.Equal(t, http.StatusBadRequest, w.Code, "path %s", path)

		var errResp errorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
		assert.Equal(t, "invalid_parameter", errResp.Code)
	}
}

func TestUnknownRouteReturnsJSONError(t *testing.T) {
	srv := newTestServer(t, Deps{})

	w := doGet(srv, "/nope")
	require.Equal(t, http.StatusNotFound, w.Code)

	var errResp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, "endpoint_not_found", errResp.Code)
	assert.Equal(t, http.StatusText(http.StatusNotFound), errResp.Error)
}
