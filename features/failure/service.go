package failure

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

const maxMessageLen = 2000

// Ledger is the write path into the failure ledger. Record, the status
// transitions and Summary log and swallow storage errors so that callers
// in the extraction pipeline are never aborted by bookkeeping.
type Ledger struct {
	repo Repository
	now  func() time.Time
}

func NewLedger(repo Repository) *Ledger {
	return &Ledger{repo: repo, now: time.Now}
}

func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func (l *Ledger) Record(ctx context.Context, f Failure) {
	f.Priority = f.Reason.Priority()
	f.LastOccurredAt = l.now()
	if r := []rune(f.Message); len(r) > maxMessageLen {
		f.Message = string(r[:maxMessageLen])
	}
	if err := l.repo.Upsert(ctx, &f); err != nil {
		slog.ErrorContext(ctx, "failed to record extraction failure",
			"subsidy_id", f.SubsidyID, "stage", f.Stage, "reason", f.Reason, "error", err)
		return
	}
	slog.InfoContext(ctx, "extraction failure recorded",
		"subsidy_id", f.SubsidyID, "stage", f.Stage, "reason", f.Reason, "retry_count", f.RetryCount)
}

func (l *Ledger) Resolve(ctx context.Context, k Key, note string) bool {
	now := l.now()
	return l.transition(ctx, k, []Status{StatusOpen}, StatusResolved, note, &now)
}

func (l *Ledger) Ignore(ctx context.Context, k Key, note string) bool {
	now := l.now()
	return l.transition(ctx, k, []Status{StatusOpen}, StatusIgnored, note, &now)
}

func (l *Ledger) Reopen(ctx context.Context, k Key, note string) bool {
	return l.transition(ctx, k, []Status{StatusResolved, StatusIgnored}, StatusOpen, note, nil)
}

func (l *Ledger) transition(ctx context.Context, k Key, from []Status, to Status, note string, at *time.Time) bool {
	ok, err := l.repo.SetStatus(ctx, k, from, to, note, at)
	if err != nil {
		slog.ErrorContext(ctx, "failed to transition extraction failure", "key", k.String(), "to", to, "error", err)
		return false
	}
	if ok {
		slog.InfoContext(ctx, "extraction failure transitioned", "key", k.String(), "to", to)
	}
	return ok
}

func (l *Ledger) List(ctx context.Context, filter Filter) ([]Failure, error) {
	return l.repo.List(ctx, filter)
}

// Summary aggregates open failures by reason, in priority order, and by stage.
func (l *Ledger) Summary(ctx context.Context) Summary {
	s := Summary{ByReason: []ReasonCount{}, ByStage: []StageCount{}}
	counts, err := l.repo.OpenCounts(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to summarize extraction failures", "error", err)
		return s
	}

	byReason := map[Reason]int{}
	byStage := map[string]int{}
	for _, c := range counts {
		s.TotalOpen += c.Count
		byReason[c.Reason] += c.Count
		byStage[c.Stage] += c.Count
	}
	for r, n := range byReason {
		s.ByReason = append(s.ByReason, ReasonCount{Reason: r, Priority: r.Priority(), Count: n})
	}
	sort.Slice(s.ByReason, func(i, j int) bool {
		a, b := s.ByReason[i], s.ByReason[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.Reason < b.Reason
	})
	for st, n := range byStage {
		s.ByStage = append(s.ByStage, StageCount{Stage: st, Count: n})
	}
	sort.Slice(s.ByStage, func(i, j int) bool {
		a, b := s.ByStage[i], s.ByStage[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Stage < b.Stage
	})
	return s
}
