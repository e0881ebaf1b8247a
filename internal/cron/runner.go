package cron

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"

	"subsidyflow/features/queue"
	"subsidyflow/internal/middleware"
)

var parser = rcron.NewParser(rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

type Sweeper interface {
	Enqueue(ctx context.Context, opts queue.EnqueueOptions) queue.EnqueueReport
	Run(ctx context.Context, opts queue.RunOptions) queue.RunReport
}

// Options configures the two periodic sweeps. An empty spec disables that
// sweep.
type Options struct {
	EnqueueSpec string
	ConsumeSpec string
	Run         queue.RunOptions
}

// Runner fires enqueue and consume sweeps on cron schedules. A sweep that is
// still running when its next tick arrives skips that tick.
type Runner struct {
	c       *rcron.Cron
	sweeper Sweeper
	opts    Options
	jobs    []string
}

func New(s Sweeper, opts Options) (*Runner, error) {
	logger := slogLogger{}
	r := &Runner{
		c: rcron.New(
			rcron.WithParser(parser),
			rcron.WithLogger(logger),
			rcron.WithChain(rcron.Recover(logger), rcron.SkipIfStillRunning(logger)),
		),
		sweeper: s,
		opts:    opts,
	}
	if err := r.add("enqueue", opts.EnqueueSpec, r.EnqueueSweep); err != nil {
		return nil, err
	}
	if err := r.add("consume", opts.ConsumeSpec, r.ConsumeSweep); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Runner) add(name, spec string, fn func()) error {
	if spec == "" {
		return nil
	}
	if _, err := r.c.AddFunc(spec, fn); err != nil {
		return fmt.Errorf("invalid %s cron expression %q: %w", name, spec, err)
	}
	r.jobs = append(r.jobs, name)
	return nil
}

// Jobs names the sweeps that are scheduled.
func (r *Runner) Jobs() []string {
	return r.jobs
}

func (r *Runner) Start() {
	slog.Info("cron runner started", "jobs", r.jobs)
	r.c.Start()
}

// Stop halts the schedule and waits for running sweeps until ctx is done.
func (r *Runner) Stop(ctx context.Context) {
	done := r.c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		slog.Warn("cron runner stop timed out, sweep still running")
	}
}

func (r *Runner) EnqueueSweep() {
	ctx := sweepContext()
	report := r.sweeper.Enqueue(ctx, queue.EnqueueOptions{})
	slog.InfoContext(ctx, "scheduled enqueue finished", "inserted", report.Inserted, "errors", len(report.Errors))
}

func (r *Runner) ConsumeSweep() {
	ctx := sweepContext()
	report := r.sweeper.Run(ctx, r.opts.Run)
	slog.InfoContext(ctx, "scheduled consume finished",
		"owner", report.Owner,
		"claimed", report.Claimed,
		"completed", report.Completed,
		"failed", report.Failed,
		"errors", len(report.Errors))
}

func sweepContext() context.Context {
	return middleware.WithCorrelationID(context.Background(), uuid.New().String())
}

// slogLogger adapts slog to the cron library's logger.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug(msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error(msg, append(keysAndValues, "error", err)...)
}
