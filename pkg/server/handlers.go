package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"mercator-hq/conductor/pkg/recovery"
	"mercator-hq/conductor/pkg/workflow"
)

// defaultComplianceWindow is used when /v1/compliance has no since parameter.
const defaultComplianceWindow = 24 * time.Hour

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, RequestID: w.Header().Get(RequestIDHeader)})
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	Uptime       string `json:"uptime"`
	Workflows    int    `json:"workflows"`
	OpenCircuits int    `json:"open_circuits"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Uptime: s.now().Sub(s.started).Truncate(time.Second).String(),
	}
	if s.opts.Workflows != nil {
		resp.Workflows = len(s.opts.Workflows.List())
	}
	if s.opts.Circuits != nil {
		for _, st := range s.opts.Circuits.States() {
			if st.Status == recovery.StatusOpen {
				resp.OpenCircuits++
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CircuitView is one backend's circuit as reported by GET /v1/circuits.
type CircuitView struct {
	recovery.CircuitState
	NextTrial *time.Time `json:"next_trial,omitempty"`
}

func (s *Server) handleCircuits(w http.ResponseWriter, r *http.Request) {
	if s.opts.Circuits == nil {
		writeError(w, http.StatusServiceUnavailable, "circuit breakers not configured")
		return
	}

	states := s.opts.Circuits.States()
	sort.Slice(states, func(i, j int) bool { return states[i].BackendID < states[j].BackendID })

	out := make([]CircuitView, 0, len(states))
	for _, st := range states {
		v := CircuitView{CircuitState: st}
		if next := st.NextTrial(); !next.IsZero() {
			v.NextTrial = &next
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	if s.opts.Workflows == nil {
		writeError(w, http.StatusServiceUnavailable, "workflows not configured")
		return
	}

	all := s.opts.Workflows.List()
	state := r.URL.Query().Get("state")
	if state == "" {
		writeJSON(w, http.StatusOK, all)
		return
	}

	out := make([]workflow.Summary, 0, len(all))
	for _, sum := range all {
		if string(sum.State) == state {
			out = append(out, sum)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.opts.Workflows == nil {
		writeError(w, http.StatusServiceUnavailable, "workflows not configured")
		return
	}

	id := mux.Vars(r)["id"]
	inst, ok := s.opts.Workflows.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "workflow not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, inst.Snapshot())
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.opts.Workflows == nil {
		writeError(w, http.StatusServiceUnavailable, "workflows not configured")
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.opts.Workflows.Cancel(id); err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			writeError(w, http.StatusNotFound, "workflow not found: "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("workflow cancelled via admin API",
		"workflow_id", id,
		"request_id", GetRequestID(r.Context()),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.opts.Usage == nil {
		writeError(w, http.StatusServiceUnavailable, "usage tracking not configured")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session":  s.opts.Usage.Session(),
		"backends": s.opts.Usage.Backends(),
	})
}

// handleCompliance accepts since as an RFC 3339 timestamp or a duration
// back from now ("24h", "168h").
func (s *Server) handleCompliance(w http.ResponseWriter, r *http.Request) {
	if s.opts.Compliance == nil {
		writeError(w, http.StatusServiceUnavailable, "evidence storage not configured")
		return
	}

	since, err := parseSince(r.URL.Query().Get("since"), s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := s.opts.Compliance.ComplianceStats(r.Context(), since)
	if err != nil {
		s.logger.Error("failed to compute compliance stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute compliance stats")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"since":           stats.Since,
		"total":           stats.Total,
		"resolved":        stats.Resolved,
		"unresolved":      stats.Unresolved(),
		"resolution_rate": stats.ResolutionRate(),
		"by_severity":     stats.BySeverity,
	})
}

func parseSince(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return now.Add(-defaultComplianceWindow), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		if d < 0 {
			return time.Time{}, errors.New("since duration must be positive")
		}
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New("since must be a duration or RFC 3339 timestamp")
	}
	return t, nil
}
