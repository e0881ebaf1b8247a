package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"subsidyflow/features/failure"
	"subsidyflow/internal/middleware"
)

const (
	DefaultBatchSize   = 10
	DefaultMaxBatch    = 50
	DefaultLease       = 10 * time.Minute
	DefaultEnqueueCap  = 500
	DefaultMaxAttempts = 3

	maxLastErrorLen = 1000
	backfillBatch   = 500
)

var ErrUnknownJobType = errors.New("unknown job type")

// JobHandler processes one leased job. Returning an error schedules a retry
// or, once attempts are exhausted, fails the job.
type JobHandler interface {
	Handle(ctx context.Context, j Job) error
}

type JobHandlerFunc func(ctx context.Context, j Job) error

func (f JobHandlerFunc) Handle(ctx context.Context, j Job) error {
	return f(ctx, j)
}

type FailureRecorder interface {
	Record(ctx context.Context, f failure.Failure)
}

type Options struct {
	BatchSize   int
	MaxBatch    int // upper bound on a caller-supplied RunOptions.BatchSize
	Lease       time.Duration
	EnqueueCap  int
	MaxAttempts int
	WorkerID    string
}

func DefaultOptions() Options {
	return Options{
		BatchSize:   DefaultBatchSize,
		MaxBatch:    DefaultMaxBatch,
		Lease:       DefaultLease,
		EnqueueCap:  DefaultEnqueueCap,
		MaxAttempts: DefaultMaxAttempts,
		WorkerID:    "worker",
	}
}

// Scheduler enqueues extraction jobs and consumes them in bounded,
// sequential batches. Concurrent runs are coordinated only through
// conditional updates in the repository.
type Scheduler struct {
	repo     Repository
	ledger   FailureRecorder
	handlers map[JobType]JobHandler
	metrics  *Metrics
	opts     Options
	now      func() time.Time
}

func NewScheduler(repo Repository, ledger FailureRecorder, opts Options) *Scheduler {
	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = def.MaxBatch
	}
	if opts.BatchSize > opts.MaxBatch {
		opts.MaxBatch = opts.BatchSize
	}
	if opts.Lease <= 0 {
		opts.Lease = def.Lease
	}
	if opts.EnqueueCap <= 0 {
		opts.EnqueueCap = def.EnqueueCap
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.WorkerID == "" {
		opts.WorkerID = def.WorkerID
	}
	return &Scheduler{
		repo:     repo,
		ledger:   ledger,
		handlers: make(map[JobType]JobHandler),
		opts:     opts,
		now:      time.Now,
	}
}

func (s *Scheduler) WithMetrics(m *Metrics) *Scheduler {
	s.metrics = m
	return s
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

func (s *Scheduler) Register(jt JobType, h JobHandler) {
	s.handlers[jt] = h
}

// Enqueue inserts jobs for eligible subsidies, at most opts.Cap per job
// type. Existing (subsidy, job type) pairs are left untouched.
func (s *Scheduler) Enqueue(ctx context.Context, opts EnqueueOptions) EnqueueReport {
	limit := opts.Cap
	if limit <= 0 {
		limit = s.opts.EnqueueCap
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.opts.MaxAttempts
	}
	types := opts.JobTypes
	if len(types) == 0 {
		types = s.Registered()
	}

	report := EnqueueReport{ByType: []EnqueueCount{}, Errors: []string{}}
	for _, jt := range types {
		if !jt.Valid() {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", ErrUnknownJobType, jt))
			continue
		}
		count := EnqueueCount{JobType: jt}
		ids, err := s.repo.EligibleSubsidies(ctx, jt, limit)
		if err != nil {
			slog.ErrorContext(ctx, "failed to select eligible subsidies", "job_type", jt, "error", err)
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", jt, err))
			report.ByType = append(report.ByType, count)
			continue
		}
		count.Eligible = len(ids)
		now := s.now()
		for _, id := range ids {
			shard := ShardKey(id)
			inserted, err := s.repo.Insert(ctx, &Job{
				SubsidyID:   id,
				ShardKey:    &shard,
				JobType:     jt,
				Priority:    jt.Priority(),
				MaxAttempts: maxAttempts,
				CreatedAt:   now,
			})
			if err != nil {
				slog.ErrorContext(ctx, "failed to insert job", "job_type", jt, "subsidy_id", id, "error", err)
				report.Errors = append(report.Errors, fmt.Sprintf("%s/%s: %v", jt, id, err))
				continue
			}
			if inserted {
				count.Inserted++
			}
		}
		s.metrics.Enqueued(jt, count.Inserted)
		report.Inserted += count.Inserted
		report.ByType = append(report.ByType, count)
		slog.InfoContext(ctx, "jobs enqueued", "job_type", jt, "eligible", count.Eligible, "inserted", count.Inserted)
	}
	return report
}

// Registered lists the job types with a handler, in priority order.
func (s *Scheduler) Registered() []JobType {
	var types []JobType
	for _, jt := range JobTypes {
		if _, ok := s.handlers[jt]; ok {
			types = append(types, jt)
		}
	}
	return types
}

// Run reclaims expired leases, then claims and processes up to BatchSize
// queued jobs one at a time, never more than MaxBatch. Errors are reported,
// never returned.
func (s *Scheduler) Run(ctx context.Context, opts RunOptions) RunReport {
	if opts.BatchSize <= 0 {
		opts.BatchSize = s.opts.BatchSize
	}
	if opts.BatchSize > s.opts.MaxBatch {
		opts.BatchSize = s.opts.MaxBatch
	}
	if opts.Lease <= 0 {
		opts.Lease = s.opts.Lease
	}
	if opts.WorkerID == "" {
		opts.WorkerID = s.opts.WorkerID
	}
	owner := opts.WorkerID + ":" + uuid.NewString()
	report := RunReport{Owner: owner, Errors: []string{}}

	start := s.now()
	defer func() {
		s.metrics.ObserveRun(s.now().Sub(start).Seconds())
	}()

	reclaimed, err := s.repo.ReclaimExpired(ctx, s.now())
	if err != nil {
		// Leasing without the sweep could strand expired jobs behind fresh ones.
		slog.ErrorContext(ctx, "failed to reclaim expired leases", "error", err)
		report.Errors = append(report.Errors, fmt.Sprintf("reclaim: %v", err))
		return report
	}
	report.Reclaimed = reclaimed
	s.metrics.Reclaimed(reclaimed)
	if reclaimed > 0 {
		slog.WarnContext(ctx, "reclaimed expired leases", "count", reclaimed)
	}

	backfilled, err := s.repo.BackfillShardKeys(ctx, backfillBatch)
	if err != nil {
		slog.ErrorContext(ctx, "failed to backfill shard keys", "error", err)
		report.Errors = append(report.Errors, fmt.Sprintf("backfill: %v", err))
	}
	report.Backfilled = backfilled

	jobs, err := s.repo.SelectQueued(ctx, opts.Shard, opts.BatchSize)
	if err != nil {
		slog.ErrorContext(ctx, "failed to select queued jobs", "error", err)
		report.Errors = append(report.Errors, fmt.Sprintf("select: %v", err))
		return report
	}
	report.Selected = len(jobs)

	for _, j := range jobs {
		if ctx.Err() != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("run interrupted: %v", ctx.Err()))
			break
		}
		now := s.now()
		ok, err := s.repo.Claim(ctx, j.ID, owner, now.Add(opts.Lease), now)
		if err != nil {
			slog.ErrorContext(ctx, "failed to claim job", "job_id", j.ID, "error", err)
			report.Errors = append(report.Errors, fmt.Sprintf("claim %s: %v", j.ID, err))
			continue
		}
		if !ok {
			slog.DebugContext(ctx, "job claimed by another worker", "job_id", j.ID)
			continue
		}
		report.Claimed++
		s.metrics.Claimed(j.JobType)
		s.process(middleware.WithJobID(ctx, j.ID), j, owner, &report)
	}

	slog.InfoContext(ctx, "queue run finished",
		"owner", owner,
		"reclaimed", report.Reclaimed,
		"selected", report.Selected,
		"claimed", report.Claimed,
		"completed", report.Completed,
		"retried", report.Retried,
		"failed", report.Failed)
	return report
}

func (s *Scheduler) process(ctx context.Context, j Job, owner string, report *RunReport) {
	slog.InfoContext(ctx, "processing job", "job_type", j.JobType, "subsidy_id", j.SubsidyID, "attempts", j.Attempts)

	herr := s.dispatch(ctx, j)
	if herr == nil {
		if err := s.repo.Complete(ctx, j.ID, owner, s.now()); err != nil {
			slog.ErrorContext(ctx, "failed to complete job", "error", err)
			report.Errors = append(report.Errors, fmt.Sprintf("complete %s: %v", j.ID, err))
			return
		}
		report.Completed++
		s.metrics.Completed(j.JobType)
		return
	}

	msg := truncate(herr.Error(), maxLastErrorLen)
	out, err := s.repo.Fail(ctx, j.ID, owner, msg, s.now())
	if err != nil {
		slog.ErrorContext(ctx, "failed to record job failure", "handler_error", msg, "error", err)
		report.Errors = append(report.Errors, fmt.Sprintf("fail %s: %v", j.ID, err))
		return
	}
	s.metrics.Failed(j.JobType, out.Terminal())

	if !out.Terminal() {
		report.Retried++
		slog.WarnContext(ctx, "job failed, will retry", "job_type", j.JobType, "attempts", out.Attempts, "error", msg)
		return
	}

	report.Failed++
	slog.ErrorContext(ctx, "job exhausted", "job_type", j.JobType, "subsidy_id", j.SubsidyID, "attempts", out.Attempts, "error", msg)
	if failure.AlreadyRecorded(herr) {
		return
	}
	s.ledger.Record(ctx, failure.Failure{
		SubsidyID: j.SubsidyID,
		Stage:     failure.QueueStage(string(j.JobType)),
		Reason:    failure.ReasonJobExhausted,
		Message:   fmt.Sprintf("failed after %d attempts: %s", out.Attempts, msg),
	})
}

func (s *Scheduler) dispatch(ctx context.Context, j Job) (err error) {
	h, ok := s.handlers[j.JobType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJobType, j.JobType)
	}
	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "job handler panicked", "job_type", j.JobType, "panic", p)
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.Handle(ctx, j)
}

// Requeue puts a done or failed job back in the queue with its attempts
// reset. It reports false when no such job exists in a finished state.
func (s *Scheduler) Requeue(ctx context.Context, subsidyID string, jt JobType) (bool, error) {
	if !jt.Valid() {
		return false, fmt.Errorf("%w: %s", ErrUnknownJobType, jt)
	}
	ok, err := s.repo.Requeue(ctx, subsidyID, jt, s.now())
	if err != nil {
		return false, err
	}
	if ok {
		slog.InfoContext(ctx, "job requeued", "subsidy_id", subsidyID, "job_type", jt)
	}
	return ok, nil
}

func (s *Scheduler) Summary(ctx context.Context) ([]StatusCount, error) {
	return s.repo.Summary(ctx)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
