package failure

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type Repository interface {
	Upsert(ctx context.Context, f *Failure) error
	SetStatus(ctx context.Context, k Key, from []Status, to Status, note string, at *time.Time) (bool, error)
	List(ctx context.Context, filter Filter) ([]Failure, error)
	OpenCounts(ctx context.Context) ([]OpenCount, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var listColumns = []string{
	"id", "subsidy_id", "url", "stage", "reason", "message", "retry_count", "status", "priority",
	"first_occurred_at", "last_occurred_at", "resolved_at", "resolution_note",
}

// Upsert inserts a new open failure or, for an existing key, bumps the
// retry count and reopens it.
func (r *PostgresRepo) Upsert(ctx context.Context, f *Failure) error {
	query := `INSERT INTO extraction_failures (subsidy_id, url, stage, reason, message, priority, status, retry_count, first_occurred_at, last_occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'open', 0, $7, $7)
		ON CONFLICT (subsidy_id, url, stage) DO UPDATE
		SET reason = EXCLUDED.reason, message = EXCLUDED.message, priority = EXCLUDED.priority,
			retry_count = extraction_failures.retry_count + 1, status = 'open',
			last_occurred_at = EXCLUDED.last_occurred_at, resolved_at = NULL, resolution_note = NULL
		RETURNING id, retry_count, first_occurred_at`
	err := r.db.QueryRowContext(ctx, query,
		f.SubsidyID, f.URL, f.Stage, string(f.Reason), f.Message, f.Priority, f.LastOccurredAt,
	).Scan(&f.ID, &f.RetryCount, &f.FirstOccurredAt)
	if err != nil {
		return err
	}
	f.Status = StatusOpen
	return nil
}

func (r *PostgresRepo) SetStatus(ctx context.Context, k Key, from []Status, to Status, note string, at *time.Time) (bool, error) {
	fromStr := make([]string, len(from))
	for i, s := range from {
		fromStr[i] = string(s)
	}
	var noteArg sql.NullString
	if note != "" {
		noteArg = sql.NullString{String: note, Valid: true}
	}
	query := `UPDATE extraction_failures SET status = $1, resolved_at = $2, resolution_note = $3
		WHERE subsidy_id = $4 AND url = $5 AND stage = $6 AND status = ANY($7)`
	res, err := r.db.ExecContext(ctx, query, string(to), at, noteArg, k.SubsidyID, k.URL, k.Stage, pq.Array(fromStr))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresRepo) List(ctx context.Context, filter Filter) ([]Failure, error) {
	q := psql.Select(listColumns...).From("extraction_failures")
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.Reason != "" {
		q = q.Where(sq.Eq{"reason": string(filter.Reason)})
	}
	if filter.Stage != "" {
		q = q.Where(sq.Eq{"stage": filter.Stage})
	}
	if filter.SubsidyID != "" {
		q = q.Where(sq.Eq{"subsidy_id": filter.SubsidyID})
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	q = q.OrderBy("priority ASC", "last_occurred_at DESC").Limit(uint64(limit))
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var (
			f        Failure
			reason   string
			status   string
			resolved sql.NullTime
			note     sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.SubsidyID, &f.URL, &f.Stage, &reason, &f.Message, &f.RetryCount, &status, &f.Priority,
			&f.FirstOccurredAt, &f.LastOccurredAt, &resolved, &note); err != nil {
			return nil, err
		}
		f.Reason = Reason(reason)
		f.Status = Status(status)
		if resolved.Valid {
			t := resolved.Time
			f.ResolvedAt = &t
		}
		f.ResolutionNote = note.String
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) OpenCounts(ctx context.Context) ([]OpenCount, error) {
	query := `SELECT reason, stage, COUNT(*) FROM extraction_failures WHERE status = 'open' GROUP BY reason, stage`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OpenCount
	for rows.Next() {
		var c OpenCount
		var reason string
		if err := rows.Scan(&reason, &c.Stage, &c.Count); err != nil {
			return nil, err
		}
		c.Reason = Reason(reason)
		out = append(out, c)
	}
	return out, rows.Err()
}
