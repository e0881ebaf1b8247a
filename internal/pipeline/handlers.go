package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"subsidyflow/features/failure"
	"subsidyflow/features/queue"
	"subsidyflow/internal/adapter/firecrawl"
	"subsidyflow/internal/adapter/gemini"
	"subsidyflow/internal/config"
	"subsidyflow/internal/cooldown"
	"subsidyflow/internal/costlog"
	"subsidyflow/internal/extraction"
	"subsidyflow/internal/middleware"
	"subsidyflow/internal/subsidy"
	"subsidyflow/internal/worker"
)

type Router interface {
	ExtractAndUpdateSubsidy(ctx context.Context, in extraction.Input) extraction.Result
	AcquireText(ctx context.Context, in extraction.Input) (extraction.Text, bool)
	AnalyzeText(ctx context.Context, in extraction.Input, t extraction.Text) extraction.Result
	ApplyPatch(ctx context.Context, in extraction.Input, patch subsidy.Patch, t extraction.Text) extraction.Result
}

type CooldownGuard interface {
	Check(ctx context.Context, subsidyID string, p cooldown.Policy) cooldown.Decision
	RecordAttempt(ctx context.Context, subsidyID string, m cooldown.Method, success bool)
}

type FailureRecorder interface {
	Record(ctx context.Context, f failure.Failure)
}

type CostRecorder interface {
	Record(ctx context.Context, e costlog.Entry)
}

type Scraper interface {
	Scrape(ctx context.Context, url string) (string, error)
}

type FieldExtractor interface {
	Extract(ctx context.Context, text string) (gemini.Extraction, error)
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

// Deps are the collaborators of the job handlers. Scraper, LLM and
// Publisher are optional; enrichment job types without a client are not
// registered.
type Deps struct {
	Store     subsidy.Store
	Router    Router
	Ledger    FailureRecorder
	Guard     CooldownGuard
	Policy    cooldown.Policy
	Costs     CostRecorder
	Scraper   Scraper
	LLM       FieldExtractor
	Publisher EventPublisher
}

type Handlers struct {
	d Deps
}

func New(d Deps) *Handlers {
	return &Handlers{d: d}
}

// Register binds every job type this process can serve to s.
func (h *Handlers) Register(s *queue.Scheduler) {
	s.Register(queue.JobExtractForms, queue.JobHandlerFunc(h.ExtractForms))
	s.Register(queue.JobExtractPDF, queue.JobHandlerFunc(h.ExtractPDF))
	if h.d.Scraper != nil {
		s.Register(queue.JobEnrichFirecrawl, queue.JobHandlerFunc(h.EnrichFirecrawl))
	}
	if h.d.LLM != nil {
		s.Register(queue.JobEnrichLLM, queue.JobHandlerFunc(h.EnrichLLM))
	}
}

func (h *Handlers) ExtractForms(ctx context.Context, j queue.Job) error {
	return h.extract(ctx, j, extraction.ModeAuto)
}

func (h *Handlers) ExtractPDF(ctx context.Context, j queue.Job) error {
	return h.extract(ctx, j, extraction.ModePDFOnly)
}

func (h *Handlers) extract(ctx context.Context, j queue.Job, mode extraction.Mode) error {
	in, ok, err := h.load(ctx, j.SubsidyID)
	if !ok {
		return err
	}
	in.Mode = mode

	res := h.d.Router.ExtractAndUpdateSubsidy(ctx, in)
	if !res.Success {
		return &extraction.Failure{
			Reason:   res.FailureReason,
			Message:  fmt.Sprintf("no usable text from %d source(s)", len(res.Attempts)),
			Ledgered: true,
		}
	}
	return h.persist(ctx, j, res)
}

// EnrichFirecrawl scrapes the detail page through the paid scrape API.
// Paid calls are never retried by the queue; the cooldown window decides
// when the next attempt may run.
func (h *Handlers) EnrichFirecrawl(ctx context.Context, j queue.Job) error {
	in, ok, err := h.load(ctx, j.SubsidyID)
	if !ok {
		return err
	}
	url := in.Detail.DetailURL
	if url == "" {
		slog.InfoContext(ctx, "no detail url to scrape", "subsidy_id", j.SubsidyID)
		return nil
	}
	if !h.allowed(ctx, j.SubsidyID, url, cooldown.MethodFirecrawl) {
		return nil
	}

	content, err := h.d.Scraper.Scrape(ctx, url)
	h.d.Costs.Record(ctx, costlog.Entry{
		SubsidyID:        j.SubsidyID,
		Provider:         costlog.ProviderFirecrawl,
		Operation:        "scrape",
		Success:          err == nil,
		Units:            1,
		EstimatedCostUSD: firecrawl.CostPerScrapeUSD,
		ErrorMessage:     errorString(err),
	})
	h.d.Guard.RecordAttempt(ctx, j.SubsidyID, cooldown.MethodFirecrawl, err == nil && content != "")
	if err != nil {
		slog.WarnContext(ctx, "scrape failed", "subsidy_id", j.SubsidyID, "url", url, "error", err)
		h.d.Ledger.Record(ctx, failure.Failure{
			SubsidyID: j.SubsidyID,
			URL:       url,
			Stage:     failure.StageFirecrawl,
			Reason:    failure.ReasonFetchFailed,
			Message:   err.Error(),
		})
		return nil
	}

	res := h.d.Router.AnalyzeText(ctx, in, extraction.Text{Content: content, From: extraction.SourceFirecrawl, URL: url})
	return h.persist(ctx, j, res)
}

// EnrichLLM asks the model for structured fields over the best free text
// source. Model-proposed forms still go through the quality gate.
func (h *Handlers) EnrichLLM(ctx context.Context, j queue.Job) error {
	in, ok, err := h.load(ctx, j.SubsidyID)
	if !ok {
		return err
	}
	if !h.allowed(ctx, j.SubsidyID, "", cooldown.MethodLLM) {
		return nil
	}

	text, ok := h.d.Router.AcquireText(ctx, in)
	if !ok {
		h.d.Ledger.Record(ctx, failure.Failure{
			SubsidyID: j.SubsidyID,
			Stage:     failure.StageLLM,
			Reason:    failure.ReasonFetchFailed,
			Message:   "no source text for model extraction",
		})
		return &extraction.Failure{Reason: failure.ReasonFetchFailed, Message: "no source text for model extraction", Ledgered: true}
	}

	out, err := h.d.LLM.Extract(ctx, text.Content)
	h.d.Costs.Record(ctx, costlog.Entry{
		SubsidyID:        j.SubsidyID,
		Provider:         costlog.ProviderGemini,
		Operation:        "extract_fields",
		Success:          err == nil,
		Units:            out.Usage.Total(),
		EstimatedCostUSD: out.Usage.CostUSD(),
		ErrorMessage:     errorString(err),
	})
	h.d.Guard.RecordAttempt(ctx, j.SubsidyID, cooldown.MethodLLM, err == nil)
	if err != nil {
		reason := failure.ReasonFetchFailed
		if errors.Is(err, gemini.ErrInvalidOutput) {
			reason = failure.ReasonParseFailed
		}
		slog.WarnContext(ctx, "model extraction failed", "subsidy_id", j.SubsidyID, "reason", reason, "error", err)
		h.d.Ledger.Record(ctx, failure.Failure{
			SubsidyID: j.SubsidyID,
			URL:       text.URL,
			Stage:     failure.StageLLM,
			Reason:    reason,
			Message:   err.Error(),
		})
		return nil
	}

	res := h.d.Router.ApplyPatch(ctx, in, out.Patch, extraction.Text{
		Content:  text.Content,
		From:     extraction.SourceLLM,
		URL:      text.URL,
		PDFHash:  text.PDFHash,
		Attempts: text.Attempts,
	})
	return h.persist(ctx, j, res)
}

// allowed consults the cooldown guard and ledgers a block.
func (h *Handlers) allowed(ctx context.Context, subsidyID, url string, m cooldown.Method) bool {
	d := h.d.Guard.Check(ctx, subsidyID, h.d.Policy)
	if d.Allows(m) {
		return true
	}
	msg := fmt.Sprintf("%s attempted within cooldown window", m)
	if d.LastAttempt != nil {
		msg = fmt.Sprintf("%s last attempted at %s, within cooldown window", m, d.LastAttempt.UTC().Format(time.RFC3339))
	}
	slog.InfoContext(ctx, "paid extraction blocked by cooldown", "subsidy_id", subsidyID, "method", m)
	h.d.Ledger.Record(ctx, failure.Failure{
		SubsidyID: subsidyID,
		URL:       url,
		Stage:     failure.CostGuardStage(string(m)),
		Reason:    failure.ReasonCostGuardBlocked,
		Message:   msg,
	})
	return false
}

// load reads the subsidy. ok is false when the handler should stop; err is
// nil in that case when the subsidy no longer exists.
func (h *Handlers) load(ctx context.Context, subsidyID string) (extraction.Input, bool, error) {
	rec, err := h.d.Store.Get(ctx, subsidyID)
	if errors.Is(err, subsidy.ErrNotFound) {
		slog.WarnContext(ctx, "subsidy no longer exists, dropping job", "subsidy_id", subsidyID)
		return extraction.Input{}, false, nil
	}
	if err != nil {
		return extraction.Input{}, false, fmt.Errorf("load subsidy %s: %w", subsidyID, err)
	}
	return extraction.Input{SubsidyID: subsidyID, Detail: rec.Detail, Readiness: rec.Readiness()}, true, nil
}

func (h *Handlers) persist(ctx context.Context, j queue.Job, res extraction.Result) error {
	if err := h.d.Store.SaveExtraction(ctx, j.SubsidyID, res.Detail, res.Readiness); err != nil {
		return fmt.Errorf("save extraction for %s: %w", j.SubsidyID, err)
	}
	h.publish(ctx, j, res)
	return nil
}

func (h *Handlers) publish(ctx context.Context, j queue.Job, res extraction.Result) {
	if h.d.Publisher == nil {
		return
	}
	body, err := json.Marshal(worker.SubsidyExtracted{
		SubsidyID:     j.SubsidyID,
		JobType:       string(j.JobType),
		ExtractedFrom: string(res.ExtractedFrom),
		Ready:         res.Readiness.Ready,
		MissingFields: res.Readiness.Missing,
		UpdatedFields: res.UpdatedFields,
		FormsCount:    res.FormsCount,
		GateValid:     res.Gate.Valid,
		CorrelationID: middleware.GetCorrelationID(ctx),
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode extracted event", "error", err)
		return
	}
	if err := h.d.Publisher.Publish(config.TopicSubsidyExtracted, body); err != nil {
		slog.ErrorContext(ctx, "failed to publish extracted event", "subsidy_id", j.SubsidyID, "error", err)
	}
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
