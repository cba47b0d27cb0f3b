package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
)

// StartWorkflowRequest is the body of POST /api/v1/workflows.
type StartWorkflowRequest struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// StartWorkflowResponse is returned when a workflow is created.
type StartWorkflowResponse struct {
	Workflow  WorkflowView `json:"workflow"`
	FirstTask TaskView     `json:"first_task"`
}

const maxBodyBytes = 1 << 20

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req StartWorkflowRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Type == "" {
		respondError(w, http.StatusUnprocessableEntity, "type is required")
		return
	}

	wf, first, err := s.runner.StartWorkflow(r.Context(), req.Type, req.Data)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/workflows/"+string(wf.ID))
	respondJSON(w, http.StatusCreated, StartWorkflowResponse{
		Workflow:  NewWorkflowView(wf, []*core.Task{first}),
		FirstTask: NewTaskView(first),
	})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := core.WorkflowID(chi.URLParam(r, "workflowID"))
	wf, err := s.store.GetWorkflow(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	tasks, err := s.store.ListTasks(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, NewWorkflowView(wf, tasks))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), core.TaskID(chi.URLParam(r, "taskID")))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, NewTaskView(task))
}

func (s *Server) handleRedeliverTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.runner.Redeliver(r.Context(), core.TaskID(chi.URLParam(r, "taskID")))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, NewTaskView(task))
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	dls, err := s.store.ListDeadLetters(r.Context(), limit)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, NewDeadLetterViews(dls))
}

func (s *Server) handleListGraphs(w http.ResponseWriter, _ *http.Request) {
	types := []string{}
	if s.graphs != nil {
		types = s.graphs()
	}
	respondJSON(w, http.StatusOK, map[string][]string{"types": types})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.stats == nil {
		respondError(w, http.StatusNotFound, "no worker pool in this process")
		return
	}
	respondJSON(w, http.StatusOK, s.stats())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		respondError(w, http.StatusNotFound, "no event stream in this process")
		return
	}
	s.events.ServeHTTP(w, r)
}
