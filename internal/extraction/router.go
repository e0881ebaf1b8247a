package extraction

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"subsidyflow/features/failure"
	"subsidyflow/internal/cooldown"
	"subsidyflow/internal/fetch"
	"subsidyflow/internal/forms"
	"subsidyflow/internal/subsidy"
)

const (
	MinTextLenForNonOCR = 800
	MaxPDFURLs          = 5
)

var errNotPDF = errors.New("not a PDF document")

type Source string

const (
	SourceHTML      Source = "html"
	SourcePDFNative Source = "pdf_native"
	SourceFirecrawl Source = "firecrawl"
	SourceLLM       Source = "llm"
)

type Mode int

const (
	ModeAuto Mode = iota
	ModePDFOnly
)

type Fetcher interface {
	FetchHTMLText(ctx context.Context, url string) (string, error)
	FetchPDF(ctx context.Context, url string) ([]byte, error)
}

type FailureRecorder interface {
	Record(ctx context.Context, f failure.Failure)
}

type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, subsidyID string, m cooldown.Method, success bool)
}

type Options struct {
	MinTextLen       int
	MaxPDFURLs       int
	MinForms         int
	MinFieldsPerForm int
	EnableOCR        bool
}

func DefaultOptions() Options {
	return Options{
		MinTextLen:       MinTextLenForNonOCR,
		MaxPDFURLs:       MaxPDFURLs,
		MinForms:         forms.DefaultMinForms,
		MinFieldsPerForm: forms.DefaultMinFieldsPerForm,
	}
}

type Input struct {
	SubsidyID string
	Detail    subsidy.Detail
	Readiness subsidy.Readiness
	Mode      Mode
}

// SourceAttempt records the outcome of one candidate URL.
type SourceAttempt struct {
	URL        string `json:"url"`
	Kind       string `json:"kind"`
	TextLength int    `json:"textLength"`
	Accepted   bool   `json:"accepted"`
	Err        string `json:"error,omitempty"`
}

// Text is acquired source text with its provenance.
type Text struct {
	Content  string
	From     Source
	URL      string
	PDFHash  string
	Attempts []SourceAttempt
}

type Result struct {
	Success       bool              `json:"success"`
	ExtractedFrom Source            `json:"extractedFrom,omitempty"`
	TextLength    int               `json:"textLength"`
	FormsCount    int               `json:"formsCount"`
	FieldsCount   int               `json:"fieldsCount"`
	Gate          forms.GateResult  `json:"gate"`
	Detail        subsidy.Detail    `json:"detail"`
	Readiness     subsidy.Readiness `json:"readiness"`
	UpdatedFields []string          `json:"updatedFields"`
	Attempts      []SourceAttempt   `json:"attempts"`
	FailureReason failure.Reason    `json:"failureReason,omitempty"`
}

// Router extracts structured data for one subsidy from its detail page or
// PDFs. It never writes the subsidy store; callers persist Result.Detail.
type Router struct {
	fetcher  Fetcher
	ledger   FailureRecorder
	attempts AttemptRecorder
	ocr      OCRStrategy
	opts     Options
	now      func() time.Time
}

func NewRouter(f Fetcher, ledger FailureRecorder, attempts AttemptRecorder, opts Options) *Router {
	def := DefaultOptions()
	if opts.MinTextLen <= 0 {
		opts.MinTextLen = def.MinTextLen
	}
	if opts.MaxPDFURLs <= 0 {
		opts.MaxPDFURLs = def.MaxPDFURLs
	}
	if opts.MinForms <= 0 {
		opts.MinForms = def.MinForms
	}
	if opts.MinFieldsPerForm <= 0 {
		opts.MinFieldsPerForm = def.MinFieldsPerForm
	}
	return &Router{
		fetcher:  f,
		ledger:   ledger,
		attempts: attempts,
		ocr:      NoopOCR{},
		opts:     opts,
		now:      time.Now,
	}
}

func (r *Router) WithOCR(s OCRStrategy) *Router {
	r.ocr = s
	return r
}

func (r *Router) WithClock(now func() time.Time) *Router {
	r.now = now
	return r
}

func (r *Router) ExtractAndUpdateSubsidy(ctx context.Context, in Input) Result {
	text, ok := r.AcquireText(ctx, in)
	if !ok {
		r.ledger.Record(ctx, failure.Failure{
			SubsidyID: in.SubsidyID,
			Stage:     failure.StageExtract,
			Reason:    failure.ReasonFetchFailed,
			Message:   describeAttempts(text.Attempts),
		})
		slog.WarnContext(ctx, "no source yielded sufficient text", "subsidy_id", in.SubsidyID, "attempts", len(text.Attempts))
		return Result{
			Detail:        in.Detail,
			Readiness:     in.Readiness,
			UpdatedFields: []string{},
			Attempts:      text.Attempts,
			FailureReason: failure.ReasonFetchFailed,
		}
	}
	return r.AnalyzeText(ctx, in, text)
}

// AcquireText tries the detail page, then up to MaxPDFURLs PDFs, and
// returns the first text that clears the minimum length.
func (r *Router) AcquireText(ctx context.Context, in Input) (Text, bool) {
	var attempts []SourceAttempt

	if in.Mode != ModePDFOnly && in.Detail.DetailURL != "" {
		url := in.Detail.DetailURL
		a := SourceAttempt{URL: url, Kind: "html"}
		content, err := r.fetcher.FetchHTMLText(ctx, url)
		if err != nil {
			a.Err = err.Error()
			slog.WarnContext(ctx, "html fetch failed", "subsidy_id", in.SubsidyID, "url", url, "error", err)
		} else {
			a.TextLength = utf8.RuneCountInString(content)
			a.Accepted = a.TextLength >= r.opts.MinTextLen
		}
		r.attempts.RecordAttempt(ctx, in.SubsidyID, cooldown.MethodHTML, a.Accepted)
		attempts = append(attempts, a)
		if a.Accepted {
			return Text{Content: content, From: SourceHTML, URL: url, Attempts: attempts}, true
		}
	}

	for i, url := range in.Detail.PDFURLs {
		if i >= r.opts.MaxPDFURLs {
			break
		}
		a := SourceAttempt{URL: url, Kind: "pdf"}
		content, data, err := r.pdfText(ctx, in.SubsidyID, url)
		if err != nil {
			a.Err = err.Error()
			attempts = append(attempts, a)
			continue
		}
		a.TextLength = utf8.RuneCountInString(content)
		a.Accepted = a.TextLength >= r.opts.MinTextLen
		attempts = append(attempts, a)
		if a.Accepted {
			sum := sha256.Sum256(data)
			return Text{
				Content:  content,
				From:     SourcePDFNative,
				URL:      url,
				PDFHash:  hex.EncodeToString(sum[:]),
				Attempts: attempts,
			}, true
		}
	}
	return Text{Attempts: attempts}, false
}

func (r *Router) pdfText(ctx context.Context, subsidyID, url string) (string, []byte, error) {
	data, err := r.fetcher.FetchPDF(ctx, url)
	if err != nil {
		slog.WarnContext(ctx, "pdf fetch failed", "subsidy_id", subsidyID, "url", url, "error", err)
		return "", nil, err
	}
	if !bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("%PDF")) {
		r.recordParseFailure(ctx, subsidyID, url, errNotPDF)
		return "", nil, errNotPDF
	}
	content, err := nativeText(data)
	if err != nil {
		r.recordParseFailure(ctx, subsidyID, url, err)
		return "", nil, err
	}
	if r.opts.EnableOCR && utf8.RuneCountInString(content) < r.opts.MinTextLen {
		recognized, err := r.ocr.Recognize(ctx, data, content)
		if err != nil {
			slog.WarnContext(ctx, "ocr failed, keeping native text", "subsidy_id", subsidyID, "url", url, "error", err)
		} else {
			content = recognized
		}
	}
	return content, data, nil
}

func nativeText(data []byte) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("pdf text extraction: %v", p)
		}
	}()
	return fetch.ExtractNativeText(data), nil
}

func (r *Router) recordParseFailure(ctx context.Context, subsidyID, url string, err error) {
	slog.WarnContext(ctx, "pdf parse failed", "subsidy_id", subsidyID, "url", url, "error", err)
	r.ledger.Record(ctx, failure.Failure{
		SubsidyID: subsidyID,
		URL:       url,
		Stage:     failure.StageExtract,
		Reason:    failure.ReasonParseFailed,
		Message:   err.Error(),
	})
}

// AnalyzeText runs field and forms extraction over text obtained by any
// means and merges the outcome into the input record.
func (r *Router) AnalyzeText(ctx context.Context, in Input, t Text) Result {
	patch := ExtractFields(t.Content)
	patch.RequiredForms = forms.ExtractRequiredFormsFromText(t.Content)
	res := r.ApplyPatch(ctx, in, patch, t)
	res.TextLength = utf8.RuneCountInString(t.Content)
	return res
}

// ApplyPatch gates the patch's forms, merges it non-destructively and
// recomputes readiness. Gate rejections are recorded in the failure ledger.
func (r *Router) ApplyPatch(ctx context.Context, in Input, patch subsidy.Patch, t Text) Result {
	gate := forms.ValidateFormsResult(patch.RequiredForms, r.opts.MinForms, r.opts.MinFieldsPerForm)
	if !gate.Valid {
		r.ledger.Record(ctx, failure.Failure{
			SubsidyID: in.SubsidyID,
			URL:       t.URL,
			Stage:     failure.StageFormsGate,
			Reason:    failure.Reason(gate.Reason),
			Message:   gate.Message,
		})
	}

	merged, updated := subsidy.Merge(in.Detail, patch, gate.Valid)
	if t.PDFHash != "" {
		merged.AppendPDFHash(t.PDFHash)
	}
	now := r.now()
	merged.LastExtractedFrom = string(t.From)
	merged.LastExtractedAt = &now
	if updated == nil {
		updated = []string{}
	}

	readiness := subsidy.Evaluate(merged)
	slog.InfoContext(ctx, "extraction merged",
		"subsidy_id", in.SubsidyID,
		"from", t.From,
		"forms", len(patch.RequiredForms),
		"gate_valid", gate.Valid,
		"updated", strings.Join(updated, ","),
		"ready", readiness.Ready)

	return Result{
		Success:       true,
		ExtractedFrom: t.From,
		FormsCount:    len(patch.RequiredForms),
		FieldsCount:   forms.CountFields(patch.RequiredForms),
		Gate:          gate,
		Detail:        merged,
		Readiness:     readiness,
		UpdatedFields: updated,
		Attempts:      t.Attempts,
	}
}

func describeAttempts(attempts []SourceAttempt) string {
	if len(attempts) == 0 {
		return "no detail URL or PDF URL to fetch"
	}
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		if a.Err != "" {
			parts = append(parts, fmt.Sprintf("%s %s: %s", a.Kind, a.URL, a.Err))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %s: %d chars", a.Kind, a.URL, a.TextLength))
	}
	return strings.Join(parts, "; ")
}
