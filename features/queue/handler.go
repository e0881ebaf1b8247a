package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"subsidyflow/internal/middleware"
)

type Handler struct {
	scheduler *Scheduler
}

func NewHandler(s *Scheduler) *Handler {
	return &Handler{scheduler: s}
}

func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := h.scheduler.Summary(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to summarize queue", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	if counts == nil {
		counts = []StatusCount{}
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"data": counts,
		"meta": map[string]int{"count": len(counts)},
	})
}

type runRequest struct {
	Shard     *int `json:"shard"`
	BatchSize int  `json:"batchSize"`
}

func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req runRequest
	if !h.decodeOptional(ctx, w, r, &req) {
		return
	}
	if req.Shard != nil && (*req.Shard < 0 || *req.Shard >= ShardCount) {
		h.writeError(ctx, w, "BAD_REQUEST", "shard out of range", http.StatusBadRequest)
		return
	}

	slog.InfoContext(ctx, "queue run requested", "batch_size", req.BatchSize)
	// A client disconnect must not abandon claimed jobs mid-handler.
	report := h.scheduler.Run(context.WithoutCancel(ctx), RunOptions{Shard: req.Shard, BatchSize: req.BatchSize})
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": report})
}

type enqueueRequest struct {
	JobTypes []JobType `json:"jobTypes"`
	Cap      int       `json:"cap"`
}

func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req enqueueRequest
	if !h.decodeOptional(ctx, w, r, &req) {
		return
	}
	for _, jt := range req.JobTypes {
		if !jt.Valid() {
			h.writeError(ctx, w, "BAD_REQUEST", "unknown job type: "+string(jt), http.StatusBadRequest)
			return
		}
	}

	report := h.scheduler.Enqueue(ctx, EnqueueOptions{JobTypes: req.JobTypes, Cap: req.Cap})
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": report})
}

type requeueRequest struct {
	SubsidyID string  `json:"subsidyId"`
	JobType   JobType `json:"jobType"`
}

func (h *Handler) Requeue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req requeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "BAD_REQUEST", "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.SubsidyID == "" || !req.JobType.Valid() {
		h.writeError(ctx, w, "BAD_REQUEST", "subsidyId and a known jobType are required", http.StatusBadRequest)
		return
	}

	ok, err := h.scheduler.Requeue(ctx, req.SubsidyID, req.JobType)
	if err != nil {
		slog.ErrorContext(ctx, "failed to requeue job", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		h.writeError(ctx, w, "CONFLICT", "no done or failed job to requeue", http.StatusConflict)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": map[string]bool{"requeued": true}})
}

// decodeOptional decodes a JSON body into v, accepting an empty body.
func (h *Handler) decodeOptional(ctx context.Context, w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	h.writeError(ctx, w, "BAD_REQUEST", "invalid JSON body", http.StatusBadRequest)
	return false
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	h.writeJSON(ctx, w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	})
}
