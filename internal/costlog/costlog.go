package costlog

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

const (
	ProviderFirecrawl = "firecrawl"
	ProviderGemini    = "gemini"
)

// Entry is one paid external call, successful or not.
type Entry struct {
	ID               int64     `json:"id"`
	SubsidyID        string    `json:"subsidyId"`
	Provider         string    `json:"provider"`
	Operation        string    `json:"operation"`
	Success          bool      `json:"success"`
	Units            int       `json:"units"`
	EstimatedCostUSD float64   `json:"estimatedCostUsd"`
	ErrorMessage     string    `json:"errorMessage,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

type Repository interface {
	Insert(ctx context.Context, e *Entry) error
}

// Recorder writes cost entries. Failing to record never fails the caller.
type Recorder struct {
	repo Repository
}

func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo}
}

func (r *Recorder) Record(ctx context.Context, e Entry) {
	if err := r.repo.Insert(ctx, &e); err != nil {
		slog.ErrorContext(ctx, "failed to record api cost",
			"subsidy_id", e.SubsidyID, "provider", e.Provider, "operation", e.Operation, "error", err)
		return
	}
	slog.DebugContext(ctx, "api cost recorded",
		"subsidy_id", e.SubsidyID, "provider", e.Provider, "success", e.Success, "units", e.Units)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Insert(ctx context.Context, e *Entry) error {
	query := `INSERT INTO api_cost_logs (subsidy_id, provider, operation, success, units, estimated_cost_usd, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at`
	var errMsg sql.NullString
	if e.ErrorMessage != "" {
		errMsg = sql.NullString{String: e.ErrorMessage, Valid: true}
	}
	return r.db.QueryRowContext(ctx, query,
		e.SubsidyID, e.Provider, e.Operation, e.Success, e.Units, e.EstimatedCostUSD, errMsg,
	).Scan(&e.ID, &e.CreatedAt)
}
