package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dohr-michael/taskdeck/internal/runner"
	"github.com/dohr-michael/taskdeck/internal/runs"
	"github.com/dohr-michael/taskdeck/internal/tasks"
)

const maxBodyBytes = 1 << 20

type createTaskRequest struct {
	WorkspaceID string `json:"workspace_id"`
	Title       string `json:"title"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.tasks.ListTasks(r.Context(), r.URL.Query().Get("workspace_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*tasks.Task{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeErrorMessage(w, http.StatusBadRequest, "title is required")
		return
	}

	t := &tasks.Task{WorkspaceID: req.WorkspaceID, Title: req.Title}
	if err := s.tasks.CreateTask(r.Context(), t); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleTaskRuns(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, err := s.tasks.GetTask(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}

	list, err := s.engine.GetTaskRuns(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*runs.Run{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var opts runner.StartOptions
	if !decodeBody(w, r, &opts) {
		return
	}

	run, err := s.engine.StartRun(r.Context(), chi.URLParam(r, "taskID"), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleActiveRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.GetActiveRunForTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if run == nil {
		writeErrorMessage(w, http.StatusNotFound, "no active run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.GetRunStatus(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if run == nil {
		writeErrorMessage(w, http.StatusNotFound, runs.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.engine.CancelRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleCompleteRun(w http.ResponseWriter, r *http.Request) {
	completed, err := s.engine.MarkRunComplete(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"completed": completed})
}
