package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"subsidyflow/features/queue"
	"subsidyflow/internal/middleware"
)

type Sweeper interface {
	Enqueue(ctx context.Context, opts queue.EnqueueOptions) queue.EnqueueReport
	Run(ctx context.Context, opts queue.RunOptions) queue.RunReport
}

// RunConsumer executes enqueue and consume sweeps requested on the
// extraction.run topic. Sweep errors are reported in the logs and never
// requeue the message; leases make a later sweep pick up what this one
// left behind.
type RunConsumer struct {
	sweeper Sweeper
}

func NewRunConsumer(s Sweeper) *RunConsumer {
	return &RunConsumer{sweeper: s}
}

func (h *RunConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var req RunRequest
	if err := json.Unmarshal(m.Body, &req); err != nil {
		// Poison Pill: Invalid JSON, don't retry
		slog.Error("poison pill: invalid json", "error", err)
		return nil
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	ctx := middleware.WithCorrelationID(context.Background(), correlationID)

	types, ok := parseJobTypes(req.JobTypes)
	if !ok {
		slog.ErrorContext(ctx, "poison pill: unknown job type", "job_types", req.JobTypes)
		return nil
	}
	if req.Shard != nil && (*req.Shard < 0 || *req.Shard >= queue.ShardCount) {
		slog.ErrorContext(ctx, "poison pill: shard out of range", "shard", *req.Shard)
		return nil
	}

	if req.Enqueue {
		report := h.sweeper.Enqueue(ctx, queue.EnqueueOptions{JobTypes: types})
		slog.InfoContext(ctx, "enqueue sweep finished", "inserted", report.Inserted, "errors", len(report.Errors))
	}
	if req.ShouldConsume() {
		report := h.sweeper.Run(ctx, queue.RunOptions{BatchSize: req.BatchSize, Shard: req.Shard})
		slog.InfoContext(ctx, "consume sweep finished",
			"owner", report.Owner,
			"claimed", report.Claimed,
			"completed", report.Completed,
			"retried", report.Retried,
			"failed", report.Failed,
			"errors", len(report.Errors))
	}
	return nil
}

func parseJobTypes(raw []string) ([]queue.JobType, bool) {
	var types []queue.JobType
	for _, s := range raw {
		jt := queue.JobType(s)
		if !jt.Valid() {
			return nil, false
		}
		types = append(types, jt)
	}
	return types, true
}
