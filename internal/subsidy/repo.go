package subsidy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

var ErrNotFound = errors.New("subsidy not found")

type Record struct {
	ID            string
	Detail        Detail
	IsReady       bool
	MissingFields []string
	UpdatedAt     time.Time
}

// Readiness returns the readiness stored alongside the record.
func (r *Record) Readiness() Readiness {
	missing := r.MissingFields
	if missing == nil {
		missing = []string{}
	}
	return Readiness{Ready: r.IsReady, Missing: missing}
}

type Store interface {
	Get(ctx context.Context, id string) (*Record, error)
	SaveExtraction(ctx context.Context, id string, d Detail, r Readiness) error
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Record, error) {
	rec := &Record{}
	var raw []byte
	query := `SELECT id, detail_json, is_ready, missing_fields, updated_at FROM subsidies WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).Scan(&rec.ID, &raw, &rec.IsReady, pq.Array(&rec.MissingFields), &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rec.Detail); err != nil {
			return nil, fmt.Errorf("decode detail_json for %s: %w", id, err)
		}
	}
	return rec, nil
}

func (r *PostgresRepo) SaveExtraction(ctx context.Context, id string, d Detail, rd Readiness) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode detail_json: %w", err)
	}
	query := `UPDATE subsidies SET detail_json = $1, is_ready = $2, missing_fields = $3, updated_at = NOW() WHERE id = $4`
	res, err := r.db.ExecContext(ctx, query, raw, rd.Ready, pq.Array(rd.Missing), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
