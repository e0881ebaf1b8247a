package failure

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"subsidyflow/internal/middleware"
)

type Handler struct {
	ledger *Ledger
}

func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := Filter{
		Status:    Status(q.Get("status")),
		Reason:    Reason(q.Get("reason")),
		Stage:     q.Get("stage"),
		SubsidyID: q.Get("subsidy_id"),
	}
	if filter.Reason != "" && !filter.Reason.Valid() {
		h.writeError(ctx, w, "BAD_REQUEST", "unknown reason", http.StatusBadRequest)
		return
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		h.writeError(ctx, w, "BAD_REQUEST", "limit must be an integer", http.StatusBadRequest)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		h.writeError(ctx, w, "BAD_REQUEST", "offset must be an integer", http.StatusBadRequest)
		return
	}

	failures, err := h.ledger.List(ctx, filter)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list extraction failures", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	if failures == nil {
		failures = []Failure{}
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"data": failures,
		"meta": map[string]int{"count": len(failures)},
	})
}

func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": h.ledger.Summary(ctx)})
}

type transitionRequest struct {
	SubsidyID string `json:"subsidyId"`
	URL       string `json:"url"`
	Stage     string `json:"stage"`
	Note      string `json:"note"`
}

func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "resolve", h.ledger.Resolve)
}

func (h *Handler) Ignore(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "ignore", h.ledger.Ignore)
}

func (h *Handler) Reopen(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "reopen", h.ledger.Reopen)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context, Key, string) bool) {
	ctx := r.Context()

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "BAD_REQUEST", "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.SubsidyID == "" || req.Stage == "" {
		h.writeError(ctx, w, "BAD_REQUEST", "subsidyId and stage are required", http.StatusBadRequest)
		return
	}

	key := Key{SubsidyID: req.SubsidyID, URL: req.URL, Stage: req.Stage}
	slog.InfoContext(ctx, "transitioning extraction failure", "action", action, "key", key.String())

	if !fn(ctx, key, req.Note) {
		h.writeError(ctx, w, "CONFLICT", "no failure in a state that allows "+action, http.StatusConflict)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": map[string]bool{"updated": true}})
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
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
