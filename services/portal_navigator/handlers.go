package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"portalnav/diagstore"
	nav "portalnav/services/portal_navigator/navigator_pkg"
)

// SessionRequest asks for one navigation session.
type SessionRequest struct {
	WorkID string            `json:"work_id"`
	Kind   string            `json:"kind,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("⚠️ encoding response: %v", err)
	}
}

// Router builds the HTTP API.
func (s *NavigatorService) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/sessions", s.handleStartSession).Methods("POST", "OPTIONS")
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}/checkpoints", s.handleGetCheckpoints).Methods("GET")
	api.HandleFunc("/failures", s.handleFailures).Methods("GET")
	api.HandleFunc("/plan", s.handlePlan).Methods("GET")
	return r
}

func (s *NavigatorService) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "portal-navigator",
		"driver":  s.driver.Name(),
		"plan":    s.plan.Name,
		"time":    time.Now().Format(time.RFC3339),
	})
}

func (s *NavigatorService) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	job, err := s.Submit(nav.WorkUnit{ID: req.WorkID, Kind: req.Kind, Fields: req.Fields}, "api")
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":     job.ID,
		"work_id":    job.Work.ID,
		"status":     job.Status,
		"created_at": job.CreatedAt,
	})
}

// handleGetSession reports a live job, or falls back to the stored result
// once the job has aged out of memory.
func (s *NavigatorService) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if job, ok := s.store.Get(id); ok {
		writeJSON(w, http.StatusOK, job)
		return
	}
	if s.results == nil {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	result, err := s.results.Get(r.Context(), id)
	if errors.Is(err, diagstore.ErrNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status := JobStatusFailed
	if result.Succeeded() {
		status = JobStatusCompleted
	}
	writeJSON(w, http.StatusOK, NavigationJob{
		ID:          result.SessionID,
		Work:        nav.WorkUnit{ID: result.WorkID},
		Status:      status,
		CreatedAt:   result.StartedAt,
		StartedAt:   &result.StartedAt,
		CompletedAt: &result.FinishedAt,
		Result:      result,
		Error:       result.Error,
	})
}

func (s *NavigatorService) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		http.Error(w, "result store not configured", http.StatusNotImplemented)
		return
	}
	results, err := s.results.Recent(r.Context(), queryLimit(r, 20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": results,
		"count":    len(results),
	})
}

func (s *NavigatorService) handleGetCheckpoints(w http.ResponseWriter, r *http.Request) {
	if s.checkpoints == nil {
		http.Error(w, "checkpoint index not configured", http.StatusNotImplemented)
		return
	}
	id := mux.Vars(r)["id"]
	entries, err := s.checkpoints.List(r.Context(), id, queryLimit(r, 0))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":  id,
		"checkpoints": entries,
	})
}

func (s *NavigatorService) handleFailures(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		http.Error(w, "result store not configured", http.StatusNotImplemented)
		return
	}
	byPhase, err := s.results.FailuresByPhase(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, byPhase)
}

type planPhase struct {
	Phase    nav.Phase `json:"phase"`
	Optional bool      `json:"optional,omitempty"`
	Timeout  string    `json:"timeout"`
	Steps    []string  `json:"steps"`
}

func (s *NavigatorService) handlePlan(w http.ResponseWriter, r *http.Request) {
	var phases []planPhase
	for _, ps := range s.plan.Phases() {
		p := planPhase{Phase: ps.Phase, Optional: ps.Optional, Timeout: ps.Timeout.String(), Steps: []string{}}
		for _, step := range ps.Steps {
			p.Steps = append(p.Steps, step.Label)
		}
		phases = append(phases, p)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":      s.plan.Name,
		"login_url": s.plan.LoginURL,
		"phases":    phases,
	})
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
