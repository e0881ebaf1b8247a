package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subsidyflow/features/failure"
	"subsidyflow/features/queue"
	"subsidyflow/internal/testutils"
)

func TestQueue_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	ctx := context.Background()
	repo := queue.NewPostgresRepo(s.DB)
	ledger := failure.NewLedger(failure.NewPostgresRepo(s.DB))

	s.SeedSubsidy("sub-html", `{"detailUrl":"https://example.go.jp/a"}`, false, []string{"deadline"})
	s.SeedSubsidy("sub-pdf", `{"pdf_urls":["https://example.go.jp/a.pdf"]}`, false, []string{"deadline", "required_forms"})
	s.SeedSubsidy("sub-ready", `{"detailUrl":"https://example.go.jp/b"}`, true, []string{})

	sched := queue.NewScheduler(repo, ledger, queue.Options{WorkerID: "it", MaxAttempts: 2})

	t.Run("EnqueueIsIdempotent", func(t *testing.T) {
		opts := queue.EnqueueOptions{JobTypes: []queue.JobType{queue.JobExtractForms}}
		first := sched.Enqueue(ctx, opts)
		second := sched.Enqueue(ctx, opts)

		assert.Equal(t, 2, first.Inserted)
		assert.Equal(t, 0, second.Inserted)

		var n int
		require.NoError(t, s.DB.QueryRow(`SELECT COUNT(*) FROM extraction_jobs WHERE job_type = 'extract_forms'`).Scan(&n))
		assert.Equal(t, 2, n)
	})

	t.Run("ConcurrentClaimsLeaseOnce", func(t *testing.T) {
		var id string
		require.NoError(t, s.DB.QueryRow(`SELECT id FROM extraction_jobs WHERE subsidy_id = 'sub-html'`).Scan(&id))

		const claimers = 10
		var wg sync.WaitGroup
		wins := make(chan string, claimers)
		at := time.Now()
		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				owner := string(rune('a' + i))
				ok, err := repo.Claim(ctx, id, owner, at.Add(time.Minute), at)
				if err == nil && ok {
					wins <- owner
				}
			}(i)
		}
		wg.Wait()
		close(wins)
		assert.Len(t, wins, 1)
	})

	t.Run("ExpiredLeaseIsReclaimed", func(t *testing.T) {
		_, err := s.DB.Exec(`UPDATE extraction_jobs SET lease_until = NOW() - INTERVAL '1 minute' WHERE subsidy_id = 'sub-html'`)
		require.NoError(t, err)

		var handled []string
		sched.Register(queue.JobExtractForms, queue.JobHandlerFunc(func(_ context.Context, j queue.Job) error {
			handled = append(handled, j.SubsidyID)
			return nil
		}))
		report := sched.Run(ctx, queue.RunOptions{BatchSize: 10})

		assert.Equal(t, 1, report.Reclaimed)
		assert.Equal(t, 2, report.Completed)
		assert.ElementsMatch(t, []string{"sub-html", "sub-pdf"}, handled)
	})

	t.Run("ExhaustedJobIsLedgeredOnce", func(t *testing.T) {
		ok, err := sched.Requeue(ctx, "sub-pdf", queue.JobExtractForms)
		require.NoError(t, err)
		require.True(t, ok)

		sched.Register(queue.JobExtractForms, queue.JobHandlerFunc(func(context.Context, queue.Job) error {
			return assert.AnError
		}))
		first := sched.Run(ctx, queue.RunOptions{})
		second := sched.Run(ctx, queue.RunOptions{})
		assert.Equal(t, 1, first.Retried)
		assert.Equal(t, 1, second.Failed)

		var status string
		var attempts int
		require.NoError(t, s.DB.QueryRow(`SELECT status, attempts FROM extraction_jobs WHERE subsidy_id = 'sub-pdf' AND job_type = 'extract_forms'`).Scan(&status, &attempts))
		assert.Equal(t, "failed", status)
		assert.Equal(t, 2, attempts)

		summary := ledger.Summary(ctx)
		assert.Equal(t, 1, summary.TotalOpen)
		require.Len(t, summary.ByReason, 1)
		assert.Equal(t, failure.ReasonJobExhausted, summary.ByReason[0].Reason)
	})
}
