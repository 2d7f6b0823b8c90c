package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/sawpanic/forecastrun/internal/governance"
	"github.com/sawpanic/forecastrun/internal/persistence"
	"github.com/sawpanic/forecastrun/internal/position"
	"github.com/sawpanic/forecastrun/internal/snapshot"
)

type errorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

type healthResponse struct {
	Status        string                   `json:"status"` // "healthy" or "degraded"
	Timestamp     time.Time                `json:"timestamp"`
	Storage       *persistence.HealthCheck `json:"storage,omitempty"`
	SnapshotCache *snapshot.Stats          `json:"snapshot_cache,omitempty"`
	OpenPositions int                      `json:"open_positions"`
}

// writeJSON writes a JSON response with proper error handling.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"json_encoding_failed"}`, http.StatusInternalServerError)
	}
}

// writeError writes a standardized error response.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	s.writeJSON(w, status, errorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestID(r),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.writeError(w, r, http.StatusNotFound, "endpoint_not_found",
		"The requested endpoint does not exist")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
	}

	if s.deps.Storage != nil {
		check := s.deps.Storage.Health(r.Context())
		resp.Storage = &check
		if !check.Healthy {
			resp.Status = "degraded"
		}
	}

	if s.deps.Snapshots != nil {
		stats := s.deps.Snapshots.Stats()
		resp.SnapshotCache = &stats
		if !s.deps.Snapshots.Health(r.Context()) {
			resp.Status = "degraded"
		}
	}

	if s.deps.Engine != nil {
		for _, state := range s.deps.Engine.Positions() {
			if state.Side != position.SideFlat {
				resp.OpenPositions++
			}
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	if s.deps.Snapshots == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "snapshots_disabled",
			"decision snapshots are not configured")
		return
	}

	symbol := mux.Vars(r)["symbol"]
	decision, ok := s.deps.Snapshots.Get(r.Context(), symbol)
	if s.deps.Metrics != nil {
		if ok {
			s.deps.Metrics.RecordSnapshotHit()
		} else {
			s.deps.Metrics.RecordSnapshotMiss()
		}
	}
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "decision_not_found",
			fmt.Sprintf("no cached decision for %s", symbol))
		return
	}

	s.writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "engine_unavailable",
			"the decision engine is not running")
		return
	}

	states := s.deps.Engine.Positions()
	if states == nil {
		states = []position.State{}
	}
	s.writeJSON(w, http.StatusOK, states)
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	if s.deps.Policies == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "governance_disabled",
			"policy storage is not configured")
		return
	}

	doc, err := s.deps.Policies.CurrentDocument(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	if doc == nil {
		s.writeError(w, r, http.StatusNotFound, "policy_not_found",
			"no policy document is installed")
		return
	}

	s.writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleApplications(w http.ResponseWriter, r *http.Request) {
	if s.deps.Policies == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "governance_disabled",
			"policy storage is not configured")
		return
	}

	filter, err := parseApplicationFilter(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}

	apps, err := s.deps.Policies.ListApplications(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	if apps == nil {
		apps = []governance.Application{}
	}

	s.writeJSON(w, http.StatusOK, apps)
}

func parseApplicationFilter(r *http.Request) (governance.ApplicationFilter, error) {
	query := r.URL.Query()
	filter := governance.ApplicationFilter{
		ProposalID: query.Get("proposal_id"),
		Actor:      query.Get("actor"),
	}

	if v := query.Get("rollbacks_only"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return filter, fmt.Errorf("rollbacks_only %q is not a boolean", v)
		}
		filter.RollbacksOnly = parsed
	}

	if v := query.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			return filter, fmt.Errorf("limit %q is not a non-negative integer", v)
		}
		filter.Limit = parsed
	}

	if v := query.Get("since"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("since %q is not an RFC3339 timestamp", v)
		}
		filter.Since = parsed
	}

	if v := query.Get("until"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("until %q is not an RFC3339 timestamp", v)
		}
		filter.Until = parsed
	}

	return filter, nil
}
