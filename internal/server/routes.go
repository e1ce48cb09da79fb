package server

import (
	"net/http"

	"github.com/bobmcallan/fhegate/internal/common"
)

// registerRoutes sets up all REST API routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Key and use-case management
	mux.HandleFunc("/add_key", s.handleAddKey)
	mux.HandleFunc("/get_use_cases", s.handleGetUseCases)

	// Task lifecycle
	mux.HandleFunc("/start_task", s.handleStartTask)
	mux.HandleFunc("/list_current_tasks", s.handleListCurrentTasks)
	mux.HandleFunc("/get_task_status", s.handleGetTaskStatus)
	mux.HandleFunc("/get_task_result", s.handleGetTaskResult)
	mux.HandleFunc("/cancel_task", s.handleCancelTask)

	// Events
	mux.HandleFunc("/ws/tasks", s.handleTasksWS)

	// System
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/version", s.handleVersion)
}

// --- System handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}

func (s *Server) handleTasksWS(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r)
}
