package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
)

// ErrLeaseLost is returned when a job is no longer leased by the caller,
// typically because its lease expired and another run reclaimed it.
var ErrLeaseLost = errors.New("job lease lost")

type Repository interface {
	EligibleSubsidies(ctx context.Context, jt JobType, limit int) ([]string, error)
	Insert(ctx context.Context, j *Job) (bool, error)
	ReclaimExpired(ctx context.Context, now time.Time) (int, error)
	BackfillShardKeys(ctx context.Context, limit int) (int, error)
	SelectQueued(ctx context.Context, shard *int, limit int) ([]Job, error)
	Claim(ctx context.Context, id, owner string, until, now time.Time) (bool, error)
	Complete(ctx context.Context, id, owner string, now time.Time) error
	Fail(ctx context.Context, id, owner, lastErr string, now time.Time) (FailOutcome, error)
	Requeue(ctx context.Context, subsidyID string, jt JobType, now time.Time) (bool, error)
	Summary(ctx context.Context) ([]StatusCount, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var jobColumns = []string{
	"id", "subsidy_id", "shard_key", "job_type", "status", "priority", "attempts", "max_attempts",
	"lease_owner", "lease_until", "last_error", "created_at", "updated_at",
}

var (
	hasDetailURL = sq.Expr("COALESCE(s.detail_json->>'detailUrl', '') <> ''")
	hasPDFURLs   = sq.Expr("jsonb_array_length(COALESCE(s.detail_json->'pdf_urls', '[]'::jsonb)) > 0")
	notReady     = sq.Eq{"s.is_ready": false}
)

// eligibility holds the predicate selecting subsidies that need a job of
// each type.
var eligibility = map[JobType]sq.Sqlizer{
	JobExtractForms: sq.And{notReady, sq.Or{hasDetailURL, hasPDFURLs}},
	JobExtractPDF: sq.And{
		hasPDFURLs,
		sq.Expr("jsonb_array_length(COALESCE(s.detail_json->'pdf_hashes', '[]'::jsonb)) = 0"),
	},
	JobEnrichFirecrawl: sq.And{
		notReady,
		hasDetailURL,
		sq.Expr("jsonb_array_length(COALESCE(s.detail_json->'required_forms', '[]'::jsonb)) = 0"),
	},
	JobEnrichLLM: sq.And{notReady, sq.Expr("cardinality(s.missing_fields) >= 2")},
}

// EligibleSubsidies returns ids of subsidies matching the job type's
// predicate that have no job of that type yet, oldest first.
func (r *PostgresRepo) EligibleSubsidies(ctx context.Context, jt JobType, limit int) ([]string, error) {
	pred, ok := eligibility[jt]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jt)
	}
	query, args, err := psql.Select("s.id").
		From("subsidies s").
		Where(pred).
		Where("NOT EXISTS (SELECT 1 FROM extraction_jobs j WHERE j.subsidy_id = s.id AND j.job_type = ?)", string(jt)).
		OrderBy("s.updated_at ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Insert adds a queued job unless one already exists for the same
// (subsidy_id, job_type). It reports whether a row was inserted.
func (r *PostgresRepo) Insert(ctx context.Context, j *Job) (bool, error) {
	query := `INSERT INTO extraction_jobs (subsidy_id, shard_key, job_type, status, priority, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, 'queued', $4, 0, $5, $6, $6)
		ON CONFLICT (subsidy_id, job_type) DO NOTHING`
	res, err := r.db.ExecContext(ctx, query, j.SubsidyID, j.ShardKey, string(j.JobType), j.Priority, j.MaxAttempts, j.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresRepo) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	query := `UPDATE extraction_jobs SET status = 'queued', lease_owner = NULL, lease_until = NULL, updated_at = $1
		WHERE status = 'leased' AND lease_until < $1`
	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// BackfillShardKeys assigns shard keys to up to limit subsidies whose jobs
// were inserted without one.
func (r *PostgresRepo) BackfillShardKeys(ctx context.Context, limit int) (int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT subsidy_id FROM extraction_jobs WHERE shard_key IS NULL LIMIT $1`, limit)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	total := 0
	for _, id := range ids {
		res, err := r.db.ExecContext(ctx, `UPDATE extraction_jobs SET shard_key = $1 WHERE subsidy_id = $2 AND shard_key IS NULL`, ShardKey(id), id)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += int(n)
	}
	return total, nil
}

func (r *PostgresRepo) SelectQueued(ctx context.Context, shard *int, limit int) ([]Job, error) {
	q := psql.Select(jobColumns...).
		From("extraction_jobs").
		Where(sq.Eq{"status": string(StatusQueued)})
	if shard != nil {
		q = q.Where(sq.Eq{"shard_key": *shard})
	}
	query, args, err := q.OrderBy("priority ASC", "updated_at ASC").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(rows *sql.Rows) (Job, error) {
	var (
		j          Job
		jobType    string
		status     string
		shard      sql.NullInt64
		leaseOwner sql.NullString
		leaseUntil sql.NullTime
		lastError  sql.NullString
	)
	err := rows.Scan(&j.ID, &j.SubsidyID, &shard, &jobType, &status, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&leaseOwner, &leaseUntil, &lastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return Job{}, err
	}
	j.JobType = JobType(jobType)
	j.Status = Status(status)
	if shard.Valid {
		k := int(shard.Int64)
		j.ShardKey = &k
	}
	j.LeaseOwner = leaseOwner.String
	if leaseUntil.Valid {
		t := leaseUntil.Time
		j.LeaseUntil = &t
	}
	j.LastError = lastError.String
	return j, nil
}

// Claim leases a queued job to owner. It reports true only when this call
// changed exactly one row; a concurrent claimer sees false.
func (r *PostgresRepo) Claim(ctx context.Context, id, owner string, until, now time.Time) (bool, error) {
	query := `UPDATE extraction_jobs SET status = 'leased', lease_owner = $1, lease_until = $2, updated_at = $3
		WHERE id = $4 AND status = 'queued'`
	res, err := r.db.ExecContext(ctx, query, owner, until, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresRepo) Complete(ctx context.Context, id, owner string, now time.Time) error {
	query := `UPDATE extraction_jobs SET status = 'done', lease_owner = NULL, lease_until = NULL, last_error = NULL, updated_at = $1
		WHERE id = $2 AND status = 'leased' AND lease_owner = $3`
	res, err := r.db.ExecContext(ctx, query, now, id, owner)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrLeaseLost
	}
	return nil
}

// Fail records a handler error and either requeues the job or marks it
// failed once attempts reach max_attempts.
func (r *PostgresRepo) Fail(ctx context.Context, id, owner, lastErr string, now time.Time) (FailOutcome, error) {
	query := `UPDATE extraction_jobs
		SET attempts = attempts + 1,
			last_error = $1,
			status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
			lease_owner = NULL, lease_until = NULL, updated_at = $2
		WHERE id = $3 AND status = 'leased' AND lease_owner = $4
		RETURNING status, attempts`
	var (
		out    FailOutcome
		status string
	)
	err := r.db.QueryRowContext(ctx, query, lastErr, now, id, owner).Scan(&status, &out.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return FailOutcome{}, ErrLeaseLost
	}
	if err != nil {
		return FailOutcome{}, err
	}
	out.Status = Status(status)
	return out, nil
}

// Requeue resets a finished job so the next run picks it up again.
func (r *PostgresRepo) Requeue(ctx context.Context, subsidyID string, jt JobType, now time.Time) (bool, error) {
	query := `UPDATE extraction_jobs SET status = 'queued', attempts = 0, last_error = NULL, updated_at = $1
		WHERE subsidy_id = $2 AND job_type = $3 AND status = ANY($4)`
	from := []string{string(StatusDone), string(StatusFailed)}
	res, err := r.db.ExecContext(ctx, query, now, subsidyID, string(jt), pq.Array(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresRepo) Summary(ctx context.Context) ([]StatusCount, error) {
	query := `SELECT job_type, status, COUNT(*) FROM extraction_jobs GROUP BY job_type, status ORDER BY job_type, status`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []StatusCount
	for rows.Next() {
		var c StatusCount
		var jobType, status string
		if err := rows.Scan(&jobType, &status, &c.Count); err != nil {
			return nil, err
		}
		c.JobType = JobType(jobType)
		c.Status = Status(status)
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
