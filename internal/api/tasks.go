package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/emberworks/bellows/internal/engine"
	"github.com/emberworks/bellows/internal/handler"
	"github.com/emberworks/bellows/internal/journal"
	"github.com/emberworks/bellows/internal/model"
)

const maxBodySize = 1 << 20 // 1 MB

// submitTaskRequest is the JSON body for POST /v1/tasks and POST /v1/tasks/sync.
type submitTaskRequest struct {
	OwnerID   string            `json:"owner_id"`
	OwnerKind string            `json:"owner_kind"`
	Handler   string            `json:"handler"`
	Payload   json.RawMessage   `json:"payload"`
	Config    *model.TaskConfig `json:"config"`
}

// taskResultResponse pairs a task ID with its result.
type taskResultResponse struct {
	TaskID string            `json:"task_id"`
	Result *model.TaskResult `json:"result"`
}

func (s *Server) decodeSubmit(w http.ResponseWriter, r *http.Request) (*submitTaskRequest, bool) {
	var req submitTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	if req.Handler == "" {
		s.writeError(w, http.StatusBadRequest, "handler is required")
		return nil, false
	}
	return &req, true
}

func (s *Server) submit(ctx context.Context, req *submitTaskRequest) (*engine.Handle, error) {
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	return s.engine.ExecuteInBackground(ctx, req.OwnerID, req.OwnerKind, req.Handler, payload, req.Config)
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSubmit(w, r)
	if !ok {
		return
	}

	h, err := s.submit(r.Context(), req)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, h.Task())
}

func (s *Server) handleExecuteSync(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSubmit(w, r)
	if !ok {
		return
	}

	h, err := s.submit(r.Context(), req)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	res, err := h.Wait(r.Context())
	switch {
	case errors.Is(err, engine.ErrAwaitTimeout):
		s.writeError(w, http.StatusGatewayTimeout, "task did not finish in time")
		return
	case errors.Is(err, engine.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, "engine shut down")
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return // Client went away; nothing left to write to.
	case err != nil:
		s.logger.Error("await task", "task_id", h.TaskID(), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to await task")
		return
	}

	s.writeJSON(w, http.StatusOK, taskResultResponse{TaskID: h.TaskID(), Result: res})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if res, ok := s.engine.Result(id); ok {
		s.writeJSON(w, http.StatusOK, taskResultResponse{TaskID: id, Result: res})
		return
	}

	// Evicted results survive in the journal, minus their value.
	rec, err := s.jour.Get(r.Context(), id)
	if errors.Is(err, journal.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task record", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusOK, taskResultResponse{
		TaskID: id,
		Result: &model.TaskResult{
			Success:         rec.Success,
			Error:           rec.Error,
			ExecutionTimeMS: rec.ExecutionTimeMS,
			MemoryUsageMB:   rec.MemoryUsageMB,
		},
	})
}

// writeSubmitError maps task submission failures to HTTP status codes.
func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, handler.ErrNotRegistered),
		errors.Is(err, model.ErrNotSerializable),
		errors.Is(err, engine.ErrInvalidConfig):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, "engine shut down")
	default:
		s.logger.Error("submit task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit task")
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultVal
	}
	return v
}
