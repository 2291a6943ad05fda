package httpapi

import (
	"net/http"
	"strconv"

	"github.com/randalmurphal/flowrun/pkg/flowrun/model"
)

// runRequest is the body of POST /graph/run.
type runRequest struct {
	GraphID      string         `json:"graph_id"`
	InitialState map[string]any `json:"initial_state"`
}

func (s *Server) handleCreateGraph(w http.ResponseWriter, r *http.Request) {
	var g model.Graph
	if err := decode(w, r, s.maxBodyBytes, &g); err != nil {
		writeBadRequest(w, "invalid graph body: "+err.Error())
		return
	}

	id, err := s.engine.CreateGraph(r.Context(), g)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"graph_id": id,
		"message":  "Graph created successfully",
	})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decode(w, r, s.maxBodyBytes, &req); err != nil {
		writeBadRequest(w, "invalid run body: "+err.Error())
		return
	}
	if req.GraphID == "" {
		writeBadRequest(w, "graph_id is required")
		return
	}

	runID, err := s.engine.StartRun(r.Context(), req.GraphID, req.InitialState)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"run_id": runID,
		"status": "started",
	})
}

func (s *Server) handleRunState(w http.ResponseWriter, r *http.Request) {
	includeLogs := false
	if v := r.URL.Query().Get("include_logs"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeBadRequest(w, "include_logs must be a boolean")
			return
		}
		includeLogs = b
	}

	view, err := s.engine.GetRunState(r.Context(), r.PathValue("run_id"), includeLogs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if includeLogs && view.Logs == nil {
		view.Logs = []model.ExecutionStep{}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	steps, err := s.engine.GetSteps(r.Context(), r.PathValue("run_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if steps == nil {
		steps = []model.ExecutionStep{}
	}
	writeJSON(w, http.StatusOK, steps)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if err := s.engine.Cancel(r.Context(), runID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id":  runID,
		"message": "cancellation requested",
	})
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	g, err := s.engine.GetGraph(r.Context(), r.PathValue("graph_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Tools().List())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_runs": s.engine.ActiveRuns(),
	})
}
