package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/GoCodeAlone/taskq/comms"
	"github.com/GoCodeAlone/taskq/manager"
	"github.com/GoCodeAlone/taskq/task"
)

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Queue   QueueService
	Bus     comms.Bus
	Metrics StatsObserver // optional
	Logger  *slog.Logger
	Version string
	StartAt int64 // unix timestamp of server start
}

// RegisterRoutes registers all protected API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", h.deleteTask)
	mux.HandleFunc("GET /api/tasks/{id}/history", h.taskHistory)
	mux.HandleFunc("POST /api/tasks/{id}/start", h.startTask)
	mux.HandleFunc("POST /api/tasks/{id}/complete", h.completeTask)
	mux.HandleFunc("POST /api/tasks/{id}/retry", h.retryTask)
	mux.HandleFunc("POST /api/tasks/{id}/priority", h.setPriority)
	mux.HandleFunc("POST /api/tasks/{id}/block", h.blockTask)
	mux.HandleFunc("POST /api/tasks/{id}/unblock", h.unblockTask)

	mux.HandleFunc("GET /api/queue/next", h.nextTask)
	mux.HandleFunc("POST /api/queue/pop", h.popTask)

	mux.HandleFunc("GET /api/stats", h.stats)
	mux.HandleFunc("POST /api/stats/snapshot", h.snapshot)
	mux.HandleFunc("POST /api/boost", h.boost)
	mux.HandleFunc("POST /api/batches", h.createBatches)
	mux.HandleFunc("GET /api/batches/next", h.nextBatch)

	mux.HandleFunc("GET /api/events", h.listEvents)
	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// StatusCode maps queue errors onto HTTP statuses.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, task.ErrRetryExhausted),
		errors.Is(err, task.ErrExists):
		return http.StatusConflict
	case errors.Is(err, task.ErrMalformedPriority),
		errors.Is(err, manager.ErrInvalidRequest),
		errors.Is(err, manager.ErrInvalidFilter):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusCode(err)
	if code == http.StatusInternalServerError {
		h.Logger.Error("api request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("err", err))
	}
	writeError(w, code, err.Error())
}

// decodeOptional decodes a JSON body into v. An empty body is not an error.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func emptyIfNil(ts []*task.Task) []*task.Task {
	if ts == nil {
		return []*task.Task{}
	}
	return ts
}

// --- Task handlers ---

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := manager.ListOptions{
		Status:   q.Get("status"),
		Priority: q.Get("priority"),
		Category: q.Get("category"),
		Filter:   q.Get("filter"),
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			opts.Limit = n
		}
	}

	tasks, err := h.Queue.List(r.Context(), opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, emptyIfNil(tasks))
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var req manager.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ID != "" {
		writeError(w, http.StatusBadRequest, "task ids are assigned by the server")
		return
	}
	t, err := h.Queue.Add(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) deleteTask(w http.ResponseWriter, r *http.Request) {
	ok, err := h.Queue.Delete(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) taskHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.Queue.History(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if events == nil {
		events = []task.HistoryEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

type startRequest struct {
	Agent string `json:"agent"`
}

func (h *Handlers) startTask(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	h.respond(w, r)(h.Queue.Start(r.Context(), r.PathValue("id"), req.Agent))
}

type completeRequest struct {
	Success *bool `json:"success"`
}

func (h *Handlers) completeTask(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	success := req.Success == nil || *req.Success
	h.respond(w, r)(h.Queue.Complete(r.Context(), r.PathValue("id"), success))
}

func (h *Handlers) retryTask(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r)(h.Queue.Retry(r.Context(), r.PathValue("id")))
}

type priorityRequest struct {
	Priority string `json:"priority"`
}

func (h *Handlers) setPriority(w http.ResponseWriter, r *http.Request) {
	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	h.respond(w, r)(h.Queue.SetPriority(r.Context(), r.PathValue("id"), req.Priority))
}

type blockRequest struct {
	Reason string `json:"reason"`
}

func (h *Handlers) blockTask(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	h.respond(w, r)(h.Queue.Block(r.Context(), r.PathValue("id"), req.Reason))
}

func (h *Handlers) unblockTask(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r)(h.Queue.Unblock(r.Context(), r.PathValue("id")))
}

// respond writes the result of a single-task operation.
func (h *Handlers) respond(w http.ResponseWriter, r *http.Request) func(*task.Task, error) {
	return func(t *task.Task, err error) {
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

// --- Queue handlers ---

func (h *Handlers) nextTask(w http.ResponseWriter, r *http.Request) {
	h.queueHead(w, r, h.Queue.Next)
}

func (h *Handlers) popTask(w http.ResponseWriter, r *http.Request) {
	h.queueHead(w, r, h.Queue.Pop)
}

func (h *Handlers) queueHead(w http.ResponseWriter, r *http.Request, fn func(context.Context) (*task.Task, error)) {
	t, err := fn(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if t == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- Stats, aging and batches ---

func (h *Handlers) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Queue.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.observe(st)
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) snapshot(w http.ResponseWriter, r *http.Request) {
	st, err := h.Queue.SaveMetrics(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.observe(st)
	writeJSON(w, http.StatusCreated, st)
}

func (h *Handlers) observe(st *task.Stats) {
	if h.Metrics != nil {
		h.Metrics.Observe(st)
	}
}

func (h *Handlers) boost(w http.ResponseWriter, r *http.Request) {
	n, err := h.Queue.ApplyBoosts(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"boosted": n})
}

func (h *Handlers) createBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.Queue.CreateBatches(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]BatchView, 0, len(batches))
	for _, b := range batches {
		views = append(views, newBatchView(b))
	}
	writeJSON(w, http.StatusCreated, views)
}

func (h *Handlers) nextBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.Queue.NextBatch(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if b == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, newBatchView(b))
}

// --- Events ---

func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}

	events, err := h.Bus.History(taskID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []*comms.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Status / version ---

func (h *Handlers) status(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": h.Version,
	}
	if h.StartAt > 0 {
		resp["started_at"] = h.StartAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatusHandler returns the status handler function for external registration.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
