package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/korvo-chat/backend/internal/chaterr"
	"github.com/korvo-chat/backend/internal/store"
	"github.com/korvo-chat/backend/internal/workflow"
)

const maxBodyBytes = 256 << 10

// ============================================================================
// Save and list
// ============================================================================

type saveWorkflowRequest struct {
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
}

type workflowView struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	Owner      string          `json:"owner"`
	Definition json.RawMessage `json:"definition"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (s *Server) handleSaveWorkflow(w http.ResponseWriter, r *http.Request, user string) {
	var req saveWorkflowRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, chaterr.Wrap(chaterr.Invalid, "request body is not valid JSON", err))
		return
	}
	if req.Name == "" {
		writeError(w, chaterr.New(chaterr.Invalid, "workflow name is required"))
		return
	}
	if _, err := workflow.ParseDefinition(req.Definition); err != nil {
		writeError(w, err)
		return
	}

	rec, err := s.store.SaveWorkflow(r.Context(), &store.WorkflowRecord{
		Owner:      user,
		Name:       req.Name,
		Definition: string(req.Definition),
	})
	if err != nil {
		s.log.Error("workflow save failed", "user", user, "error", err)
		writeError(w, err)
		return
	}
	if s.sched != nil {
		if err := s.sched.Register(rec); err != nil {
			s.log.Error("schedule registration failed", "workflow", rec.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, viewOf(rec))
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request, user string) {
	all, err := s.store.ListWorkflows(r.Context())
	if err != nil {
		s.log.Error("workflow list failed", "user", user, "error", err)
		writeError(w, err)
		return
	}
	views := make([]workflowView, 0, len(all))
	for i := range all {
		if all[i].Owner != user {
			continue
		}
		views = append(views, viewOf(&all[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": views})
}

func viewOf(rec *store.WorkflowRecord) workflowView {
	return workflowView{
		ID:         rec.ID,
		Name:       rec.Name,
		Owner:      rec.Owner,
		Definition: json.RawMessage(rec.Definition),
		CreatedAt:  rec.CreatedAt,
	}
}

// ============================================================================
// Ad-hoc runs and execution status
// ============================================================================

type runRequest struct {
	WorkflowID  int64           `json:"workflow_id,omitempty"`
	Definition  json.RawMessage `json:"definition,omitempty"`
	RoomID      int64           `json:"room_id,omitempty"`
	TriggerData map[string]any  `json:"trigger_data,omitempty"`
}

type runResponse struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	Result  *executionView `json:"execution,omitempty"`
}

// handleRun starts a one-off run from an inline definition or a saved
// workflow id. Inline runs go through the engine's idempotency window;
// saved-workflow runs require ownership.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request, user string) {
	var req runRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, chaterr.Wrap(chaterr.Invalid, "request body is not valid JSON", err))
		return
	}

	var (
		res *workflow.StartResult
		err error
	)
	switch {
	case len(req.Definition) > 0:
		var def *workflow.Definition
		def, err = workflow.ParseDefinition(req.Definition)
		if err != nil {
			writeError(w, err)
			return
		}
		res, err = s.engine.StartAdHoc(r.Context(), user, req.RoomID, def, req.TriggerData)
	case req.WorkflowID != 0:
		var rec *store.WorkflowRecord
		rec, err = s.store.GetWorkflow(r.Context(), req.WorkflowID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, chaterr.New(chaterr.NotFound, "workflow not found"))
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		if rec.Owner != user {
			writeError(w, chaterr.New(chaterr.Forbidden, "you do not own this workflow"))
			return
		}
		res, err = s.engine.StartForWorkflow(r.Context(), rec, workflow.TriggerManual, req.TriggerData)
	default:
		writeError(w, chaterr.New(chaterr.Invalid, "provide a definition or a workflow_id"))
		return
	}
	if err != nil {
		s.log.Error("workflow run failed to start", "user", user, "error", err)
		writeError(w, err)
		return
	}

	resp := runResponse{Status: res.Status, Message: res.Message}
	code := http.StatusOK
	if res.Execution != nil {
		resp.RunID = res.Execution.ExternalRunID
		resp.Result = execView(res.Execution)
	}
	if res.Status == workflow.StartDeferred {
		code = http.StatusAccepted
	}
	writeJSON(w, code, resp)
}

type executionView struct {
	RunID         string     `json:"run_id"`
	WorkflowID    *int64     `json:"workflow_id,omitempty"`
	TriggerType   string     `json:"trigger_type"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ResultContext string     `json:"result_context,omitempty"`
	Error         string     `json:"error,omitempty"`
}

func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request, user string) {
	runID := mux.Vars(r)["run_id"]
	exec, err := s.store.GetExecutionByRunID(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, chaterr.New(chaterr.NotFound, "no execution with that run id"))
		return
	}
	if err != nil {
		s.log.Error("execution lookup failed", "user", user, "run_id", runID, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execView(exec))
}

func execView(exec *store.Execution) *executionView {
	return &executionView{
		RunID:         exec.ExternalRunID,
		WorkflowID:    exec.WorkflowID,
		TriggerType:   exec.TriggerType,
		Status:        string(exec.Status),
		StartedAt:     exec.StartedAt,
		CompletedAt:   exec.CompletedAt,
		ResultContext: exec.ResultContext,
		Error:         exec.ErrorMessage,
	}
}
