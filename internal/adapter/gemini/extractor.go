package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"subsidyflow/internal/subsidy"
)

const (
	DefaultModel = "gemini-2.0-flash"

	// List prices per million tokens.
	inputCostPerMTok  = 0.10
	outputCostPerMTok = 0.40

	maxInputRunes = 60000
)

var (
	ErrEmptyResponse = errors.New("empty model response")
	// ErrInvalidOutput wraps model answers that fail decoding or schema validation.
	ErrInvalidOutput = errors.New("invalid model output")
)

const systemPrompt = `You extract application data from Japanese and English subsidy announcements.
Return ONLY JSON that matches the provided JSON Schema.
Use ISO-8601 dates (YYYY-MM-DD) for "deadline"; use the application closing date.
"required_forms" lists the numbered application forms (for example 様式第1号) with the
fields an applicant must fill in on each form.
Never output null. If a field is not present in the text, omit it.
Do not invent data that the text does not contain.`

type Usage struct {
	PromptTokens int
	OutputTokens int
}

func (u Usage) Total() int {
	return u.PromptTokens + u.OutputTokens
}

// CostUSD estimates the list price of the call.
func (u Usage) CostUSD() float64 {
	return float64(u.PromptTokens)/1e6*inputCostPerMTok + float64(u.OutputTokens)/1e6*outputCostPerMTok
}

type Extraction struct {
	Patch   subsidy.Patch
	Usage   Usage
	Dropped []string
}

// FieldExtractor asks the model for structured subsidy fields and
// validates the answer before it reaches the merge step.
type FieldExtractor struct {
	client *genai.Client
	model  string
	schema *Schema
}

func NewFieldExtractor(ctx context.Context, apiKey, model string, opts ...option.ClientOption) (*FieldExtractor, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key not configured")
	}
	if model == "" {
		model = DefaultModel
	}
	schema, err := CompileSchema()
	if err != nil {
		return nil, err
	}
	opts = append(opts, option.WithAPIKey(apiKey))
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &FieldExtractor{client: client, model: model, schema: schema}, nil
}

func (e *FieldExtractor) Close() error {
	return e.client.Close()
}

// Extract returns whatever usage the call consumed even when it fails, so
// callers can log the cost of failed calls.
func (e *FieldExtractor) Extract(ctx context.Context, text string) (Extraction, error) {
	if utf8.RuneCountInString(text) > maxInputRunes {
		text = string([]rune(text)[:maxInputRunes])
	}

	model := e.client.GenerativeModel(e.model)
	model.ResponseMIMEType = "application/json"
	model.SetTemperature(0)
	model.SystemInstruction = genai.NewUserContent(genai.Text(systemPrompt + "\nJSON Schema:\n" + fieldsSchemaJSON))

	start := time.Now()
	slog.DebugContext(ctx, "requesting field extraction", "model", e.model, "length", len(text))
	resp, err := model.GenerateContent(ctx, genai.Text(text))
	if err != nil {
		slog.ErrorContext(ctx, "field extraction failed", "model", e.model, "error", err)
		return Extraction{}, err
	}

	var out Extraction
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens: int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}

	raw := responseText(resp)
	if raw == "" {
		return out, fmt.Errorf("%w: %w", ErrInvalidOutput, ErrEmptyResponse)
	}
	patch, dropped, err := e.schema.Decode([]byte(raw))
	out.Dropped = dropped
	if err != nil {
		return out, fmt.Errorf("%w: %w", ErrInvalidOutput, err)
	}
	out.Patch = patch

	slog.InfoContext(ctx, "field extraction finished",
		"model", e.model,
		"tokens", out.Usage.Total(),
		"forms", len(patch.RequiredForms),
		"elapsed_ms", time.Since(start).Milliseconds())
	return out, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}
