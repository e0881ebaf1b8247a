package queue_test

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subsidyflow/features/queue"
)

var now = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

var jobRowColumns = []string{
	"id", "subsidy_id", "shard_key", "job_type", "status", "priority", "attempts", "max_attempts",
	"lease_owner", "lease_until", "last_error", "created_at", "updated_at",
}

func newMock(t *testing.T) (*queue.PostgresRepo, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return queue.NewPostgresRepo(db), mock
}

func TestPostgresRepo_EligibleSubsidies(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT s.id FROM subsidies s WHERE (s.is_ready = $1 AND (COALESCE(s.detail_json->>'detailUrl', '') <> '' OR jsonb_array_length(COALESCE(s.detail_json->'pdf_urls', '[]'::jsonb)) > 0)) AND NOT EXISTS (SELECT 1 FROM extraction_jobs j WHERE j.subsidy_id = s.id AND j.job_type = $2) ORDER BY s.updated_at ASC LIMIT 500`)).
		WithArgs(false, "extract_forms").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("sub-1").AddRow("sub-2"))

	ids, err := repo.EligibleSubsidies(context.Background(), queue.JobExtractForms, 500)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub-1", "sub-2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_EligibleSubsidies_Predicates(t *testing.T) {
	cases := []struct {
		jobType  queue.JobType
		fragment string
	}{
		{queue.JobExtractPDF, `jsonb_array_length(COALESCE(s.detail_json->'pdf_hashes', '[]'::jsonb)) = 0`},
		{queue.JobEnrichFirecrawl, `jsonb_array_length(COALESCE(s.detail_json->'required_forms', '[]'::jsonb)) = 0`},
		{queue.JobEnrichLLM, `cardinality(s.missing_fields) >= 2`},
	}
	for _, tc := range cases {
		t.Run(string(tc.jobType), func(t *testing.T) {
			repo, mock := newMock(t)
			mock.ExpectQuery(regexp.QuoteMeta(tc.fragment)).
				WillReturnRows(sqlmock.NewRows([]string{"id"}))

			ids, err := repo.EligibleSubsidies(context.Background(), tc.jobType, 10)
			require.NoError(t, err)
			assert.Empty(t, ids)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresRepo_EligibleSubsidies_UnknownType(t *testing.T) {
	repo, _ := newMock(t)
	_, err := repo.EligibleSubsidies(context.Background(), queue.JobType("bogus"), 10)
	assert.ErrorIs(t, err, queue.ErrUnknownJobType)
}

func TestPostgresRepo_Insert(t *testing.T) {
	repo, mock := newMock(t)
	insert := `INSERT INTO extraction_jobs (.+) ON CONFLICT \(subsidy_id, job_type\) DO NOTHING`
	shard := 7
	job := &queue.Job{SubsidyID: "sub-1", ShardKey: &shard, JobType: queue.JobExtractForms, Priority: 10, MaxAttempts: 3, CreatedAt: now}

	mock.ExpectExec(insert).
		WithArgs("sub-1", 7, "extract_forms", 10, 3, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insert).
		WithArgs("sub-1", 7, "extract_forms", 10, 3, now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := repo.Insert(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.Insert(context.Background(), job)
	require.NoError(t, err)
	assert.False(t, inserted, "second insert for the same pair must be a no-op")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_ReclaimExpired(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE extraction_jobs SET status = 'queued', lease_owner = NULL, lease_until = NULL, updated_at = $1 WHERE status = 'leased' AND lease_until < $1`)).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.ReclaimExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_BackfillShardKeys(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT DISTINCT subsidy_id FROM extraction_jobs WHERE shard_key IS NULL LIMIT $1`)).
		WithArgs(500).
		WillReturnRows(sqlmock.NewRows([]string{"subsidy_id"}).AddRow("sub-a").AddRow("sub-b"))
	update := regexp.QuoteMeta(`UPDATE extraction_jobs SET shard_key = $1 WHERE subsidy_id = $2 AND shard_key IS NULL`)
	mock.ExpectExec(update).WithArgs(queue.ShardKey("sub-a"), "sub-a").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(update).WithArgs(queue.ShardKey("sub-b"), "sub-b").WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := repo.BackfillShardKeys(context.Background(), 500)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_SelectQueued(t *testing.T) {
	t.Run("AllShards", func(t *testing.T) {
		repo, mock := newMock(t)
		mock.ExpectQuery(regexp.QuoteMeta(`FROM extraction_jobs WHERE status = $1 ORDER BY priority ASC, updated_at ASC LIMIT 10`)).
			WithArgs("queued").
			WillReturnRows(sqlmock.NewRows(jobRowColumns).
				AddRow("job-1", "sub-1", 3, "extract_forms", "queued", 10, 0, 3, nil, nil, nil, now, now).
				AddRow("job-2", "sub-2", nil, "extract_pdf", "queued", 20, 1, 3, nil, nil, "timeout", now, now))

		jobs, err := repo.SelectQueued(context.Background(), nil, 10)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		require.NotNil(t, jobs[0].ShardKey)
		assert.Equal(t, 3, *jobs[0].ShardKey)
		assert.Equal(t, queue.JobExtractForms, jobs[0].JobType)
		assert.Nil(t, jobs[1].ShardKey)
		assert.Equal(t, "timeout", jobs[1].LastError)
		assert.Equal(t, 1, jobs[1].Attempts)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("OneShard", func(t *testing.T) {
		repo, mock := newMock(t)
		mock.ExpectQuery(regexp.QuoteMeta(`WHERE status = $1 AND shard_key = $2 ORDER BY priority ASC, updated_at ASC LIMIT 5`)).
			WithArgs("queued", 4).
			WillReturnRows(sqlmock.NewRows(jobRowColumns))

		shard := 4
		jobs, err := repo.SelectQueued(context.Background(), &shard, 5)
		require.NoError(t, err)
		assert.Empty(t, jobs)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresRepo_Claim(t *testing.T) {
	repo, mock := newMock(t)
	claim := regexp.QuoteMeta(`UPDATE extraction_jobs SET status = 'leased', lease_owner = $1, lease_until = $2, updated_at = $3 WHERE id = $4 AND status = 'queued'`)
	until := now.Add(10 * time.Minute)

	mock.ExpectExec(claim).WithArgs("w1:a", until, now, "job-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(claim).WithArgs("w2:b", until, now, "job-1").WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Claim(context.Background(), "job-1", "w1:a", until, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Claim(context.Background(), "job-1", "w2:b", until, now)
	require.NoError(t, err)
	assert.False(t, ok, "a row already leased must not be claimed again")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_Complete(t *testing.T) {
	repo, mock := newMock(t)
	complete := regexp.QuoteMeta(`UPDATE extraction_jobs SET status = 'done'`)

	mock.ExpectExec(complete).WithArgs(now, "job-1", "w1:a").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Complete(context.Background(), "job-1", "w1:a", now))

	mock.ExpectExec(complete).WithArgs(now, "job-1", "w1:a").WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.Complete(context.Background(), "job-1", "w1:a", now), queue.ErrLeaseLost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_Fail(t *testing.T) {
	fail := `UPDATE extraction_jobs SET attempts = attempts \+ 1, last_error = \$1, status = CASE WHEN attempts \+ 1 >= max_attempts THEN 'failed' ELSE 'queued' END`

	t.Run("Retry", func(t *testing.T) {
		repo, mock := newMock(t)
		mock.ExpectQuery(fail).WithArgs("boom", now, "job-1", "w1:a").
			WillReturnRows(sqlmock.NewRows([]string{"status", "attempts"}).AddRow("queued", 1))

		out, err := repo.Fail(context.Background(), "job-1", "w1:a", "boom", now)
		require.NoError(t, err)
		assert.Equal(t, queue.FailOutcome{Status: queue.StatusQueued, Attempts: 1}, out)
	})

	t.Run("Terminal", func(t *testing.T) {
		repo, mock := newMock(t)
		mock.ExpectQuery(fail).WithArgs("boom", now, "job-1", "w1:a").
			WillReturnRows(sqlmock.NewRows([]string{"status", "attempts"}).AddRow("failed", 3))

		out, err := repo.Fail(context.Background(), "job-1", "w1:a", "boom", now)
		require.NoError(t, err)
		assert.True(t, out.Terminal())
		assert.Equal(t, 3, out.Attempts)
	})

	t.Run("LeaseLost", func(t *testing.T) {
		repo, mock := newMock(t)
		mock.ExpectQuery(fail).WillReturnError(sql.ErrNoRows)

		_, err := repo.Fail(context.Background(), "job-1", "w1:a", "boom", now)
		assert.ErrorIs(t, err, queue.ErrLeaseLost)
	})

	t.Run("DBError", func(t *testing.T) {
		repo, mock := newMock(t)
		mock.ExpectQuery(fail).WillReturnError(errors.New("connection reset"))

		_, err := repo.Fail(context.Background(), "job-1", "w1:a", "boom", now)
		assert.EqualError(t, err, "connection reset")
	})
}

func TestPostgresRepo_Requeue(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE extraction_jobs SET status = 'queued', attempts = 0, last_error = NULL, updated_at = $1 WHERE subsidy_id = $2 AND job_type = $3 AND status = ANY($4)`)).
		WithArgs(now, "sub-1", "extract_pdf", pq.Array([]string{"done", "failed"})).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.Requeue(context.Background(), "sub-1", queue.JobExtractPDF, now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_Summary(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT job_type, status, COUNT(*) FROM extraction_jobs GROUP BY job_type, status`)).
		WillReturnRows(sqlmock.NewRows([]string{"job_type", "status", "count"}).
			AddRow("extract_forms", "done", 12).
			AddRow("extract_forms", "queued", 3))

	counts, err := repo.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []queue.StatusCount{
		{JobType: queue.JobExtractForms, Status: queue.StatusDone, Count: 12},
		{JobType: queue.JobExtractForms, Status: queue.StatusQueued, Count: 3},
	}, counts)
	assert.NoError(t, mock.ExpectationsWereMet())
}
