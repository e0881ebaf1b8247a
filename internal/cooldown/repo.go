package cooldown

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) LastAttempts(ctx context.Context, subsidyID string) (map[Method]time.Time, error) {
	query := `SELECT method, MAX(attempted_at) FROM extraction_attempts WHERE subsidy_id = $1 GROUP BY method`
	rows, err := r.db.QueryContext(ctx, query, subsidyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[Method]time.Time)
	for rows.Next() {
		var m string
		var at time.Time
		if err := rows.Scan(&m, &at); err != nil {
			return nil, err
		}
		out[Method(m)] = at
	}
	return out, rows.Err()
}

func (r *PostgresRepo) LastAttemptsFor(ctx context.Context, subsidyIDs []string, method Method) (map[string]time.Time, error) {
	query := `SELECT subsidy_id, MAX(attempted_at) FROM extraction_attempts WHERE method = $1 AND subsidy_id = ANY($2) GROUP BY subsidy_id`
	rows, err := r.db.QueryContext(ctx, query, string(method), pq.Array(subsidyIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var at time.Time
		if err := rows.Scan(&id, &at); err != nil {
			return nil, err
		}
		out[id] = at
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Insert(ctx context.Context, subsidyID string, method Method, success bool, at time.Time) error {
	query := `INSERT INTO extraction_attempts (subsidy_id, method, success, attempted_at) VALUES ($1, $2, $3, $4)`
	_, err := r.db.ExecContext(ctx, query, subsidyID, string(method), success, at)
	return err
}
