package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"planpal/internal/dispatch"
	"planpal/internal/storage"
	logx "planpal/pkg/logx"
)

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/agent/plan-day/{$}", s.handlePlanDay)

	mux.HandleFunc("GET /api/tasks/{$}", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}/{$}", s.handleGetTask)
	mux.HandleFunc("PATCH /api/tasks/{id}/{$}", s.handlePatchTask)
	mux.HandleFunc("DELETE /api/tasks/{id}/{$}", s.handleDeleteTask)

	mux.HandleFunc("GET /api/reminders/{id}/{$}", s.handleGetReminder)
	mux.HandleFunc("POST /api/reminders/{id}/dispatch/{$}", s.handleDispatch)

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

type planDayRequest struct {
	Prompt any `json:"prompt"`
}

func (s *Server) handlePlanDay(w http.ResponseWriter, r *http.Request) {
	var req planDayRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Non-string prompts are treated as empty.
	prompt, _ := req.Prompt.(string)

	res, err := s.deps.Planner.Execute(r.Context(), prompt)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.TaskFilter{Status: strings.TrimSpace(q.Get("status"))}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	tasks, err := s.deps.Store.ListTasks(r.Context(), f)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []storage.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

type taskDetail struct {
	storage.Task
	Reminders []storage.Reminder `json:"reminders"`
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	t, err := s.deps.Store.GetTask(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	rems, err := s.deps.Store.ListReminders(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if rems == nil {
		rems = []storage.Reminder{}
	}
	writeJSON(w, http.StatusOK, taskDetail{Task: t, Reminders: rems})
}

type patchTaskRequest struct {
	Status string `json:"status"`
}

func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req patchTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Store.UpdateTaskStatus(r.Context(), id, strings.TrimSpace(req.Status)); err != nil {
		s.writeErr(w, r, err)
		return
	}
	t, err := s.deps.Store.GetTask(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	rems, err := s.deps.Store.ListReminders(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.deps.Store.DeleteTask(r.Context(), id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if s.deps.Scheduler != nil {
		for _, rem := range rems {
			s.deps.Scheduler.Forget(rem.ID)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetReminder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	rem, err := s.deps.Store.GetReminder(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

type dispatchResponse struct {
	ReminderID int64            `json:"reminder_id"`
	Outcome    dispatch.Outcome `json:"outcome"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	out, err := s.deps.Dispatcher.Dispatch(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.log.Info("manual dispatch", logx.Int64("reminder_id", id), logx.String("outcome", string(out)))
	writeJSON(w, http.StatusOK, dispatchResponse{ReminderID: id, Outcome: out})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Status(r.Context()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
