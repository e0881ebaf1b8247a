package cooldown

import (
	"context"
	"log/slog"
	"time"
)

type Method string

const (
	MethodHTML      Method = "html"
	MethodFirecrawl Method = "firecrawl"
	MethodVisionOCR Method = "vision_ocr"
	MethodLLM       Method = "llm"
)

// Policy holds the minimum interval between attempts per paid method.
// A zero window leaves the method unrestricted.
type Policy struct {
	FirecrawlWindow time.Duration
	VisionWindow    time.Duration
	LLMWindow       time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		FirecrawlWindow: 6 * time.Hour,
		VisionWindow:    24 * time.Hour,
		LLMWindow:       24 * time.Hour,
	}
}

func (p Policy) window(m Method) time.Duration {
	switch m {
	case MethodFirecrawl:
		return p.FirecrawlWindow
	case MethodVisionOCR:
		return p.VisionWindow
	case MethodLLM:
		return p.LLMWindow
	}
	return 0
}

var gatedMethods = []Method{MethodFirecrawl, MethodVisionOCR, MethodLLM}

type Decision struct {
	AllowFirecrawl bool       `json:"allowFirecrawl"`
	AllowVision    bool       `json:"allowVision"`
	AllowLLM       bool       `json:"allowLlm"`
	LastAttempt    *time.Time `json:"lastAttempt,omitempty"`
}

func allowAll() Decision {
	return Decision{AllowFirecrawl: true, AllowVision: true, AllowLLM: true}
}

// Allows reports the decision for a single method. Unknown methods are not gated.
func (d Decision) Allows(m Method) bool {
	switch m {
	case MethodFirecrawl:
		return d.AllowFirecrawl
	case MethodVisionOCR:
		return d.AllowVision
	case MethodLLM:
		return d.AllowLLM
	}
	return true
}

func (d *Decision) set(m Method, allowed bool) {
	switch m {
	case MethodFirecrawl:
		d.AllowFirecrawl = allowed
	case MethodVisionOCR:
		d.AllowVision = allowed
	case MethodLLM:
		d.AllowLLM = allowed
	}
}

func (d *Decision) observe(at time.Time) {
	if d.LastAttempt == nil || at.After(*d.LastAttempt) {
		t := at
		d.LastAttempt = &t
	}
}

type AttemptLog interface {
	LastAttempts(ctx context.Context, subsidyID string) (map[Method]time.Time, error)
	LastAttemptsFor(ctx context.Context, subsidyIDs []string, method Method) (map[string]time.Time, error)
	Insert(ctx context.Context, subsidyID string, method Method, success bool, at time.Time) error
}

// Guard rate-limits paid extraction methods per subsidy. Lookup failures
// fail open: the attempt is allowed and a warning is logged.
type Guard struct {
	log AttemptLog
	now func() time.Time
}

func NewGuard(log AttemptLog) *Guard {
	return &Guard{log: log, now: time.Now}
}

// WithClock replaces the time source.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

func (g *Guard) Check(ctx context.Context, subsidyID string, p Policy) Decision {
	d := allowAll()
	last, err := g.log.LastAttempts(ctx, subsidyID)
	if err != nil {
		slog.WarnContext(ctx, "cooldown lookup failed, allowing attempt", "subsidy_id", subsidyID, "error", err)
		return d
	}
	now := g.now()
	for _, m := range gatedMethods {
		at, ok := last[m]
		if !ok {
			continue
		}
		d.observe(at)
		d.set(m, !within(now, at, p.window(m)))
	}
	return d
}

// CheckBatch evaluates many subsidies with one aggregate query per method.
func (g *Guard) CheckBatch(ctx context.Context, subsidyIDs []string, p Policy) map[string]Decision {
	out := make(map[string]Decision, len(subsidyIDs))
	for _, id := range subsidyIDs {
		out[id] = allowAll()
	}
	if len(subsidyIDs) == 0 {
		return out
	}
	now := g.now()
	for _, m := range gatedMethods {
		last, err := g.log.LastAttemptsFor(ctx, subsidyIDs, m)
		if err != nil {
			slog.WarnContext(ctx, "cooldown batch lookup failed, allowing attempts", "method", m, "count", len(subsidyIDs), "error", err)
			continue
		}
		for id, at := range last {
			d, ok := out[id]
			if !ok {
				continue
			}
			d.observe(at)
			d.set(m, !within(now, at, p.window(m)))
			out[id] = d
		}
	}
	return out
}

// RecordAttempt appends to the attempt log. Errors are logged, never returned.
func (g *Guard) RecordAttempt(ctx context.Context, subsidyID string, m Method, success bool) {
	if err := g.log.Insert(ctx, subsidyID, m, success, g.now()); err != nil {
		slog.ErrorContext(ctx, "failed to record extraction attempt", "subsidy_id", subsidyID, "method", m, "error", err)
	}
}

func within(now, at time.Time, window time.Duration) bool {
	return window > 0 && now.Sub(at) < window
}
