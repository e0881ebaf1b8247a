package gemini_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"subsidyflow/internal/adapter/gemini"
)

func modelServer(t *testing.T, text string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"candidates": []map[string]interface{}{{
				"content": map[string]interface{}{
					"role":  "model",
					"parts": []map[string]interface{}{{"text": text}},
				},
				"finishReason": "STOP",
			}},
			"usageMetadata": map[string]interface{}{
				"promptTokenCount":     1200,
				"candidatesTokenCount": 300,
				"totalTokenCount":      1500,
			},
		})
	}))
}

func TestFieldExtractor_Extract(t *testing.T) {
	ts := modelServer(t, `{"deadline":"2025-07-31","required_documents":["履歴事項全部証明書"]}`)
	defer ts.Close()

	ctx := context.Background()
	e, err := gemini.NewFieldExtractor(ctx, "test-key", "", option.WithEndpoint(ts.URL))
	require.NoError(t, err)
	defer e.Close()

	out, err := e.Extract(ctx, "公募期間 2025年7月31日まで")
	require.NoError(t, err)
	assert.Equal(t, "2025-07-31", out.Patch.Deadline)
	assert.Equal(t, []string{"履歴事項全部証明書"}, out.Patch.RequiredDocuments)
	assert.Equal(t, 1200, out.Usage.PromptTokens)
	assert.Equal(t, 300, out.Usage.OutputTokens)
}

func TestFieldExtractor_Extract_InvalidOutputKeepsUsage(t *testing.T) {
	ts := modelServer(t, `{"deadline":"soon"}`)
	defer ts.Close()

	ctx := context.Background()
	e, err := gemini.NewFieldExtractor(ctx, "test-key", "", option.WithEndpoint(ts.URL))
	require.NoError(t, err)
	defer e.Close()

	out, err := e.Extract(ctx, "text")
	assert.ErrorIs(t, err, gemini.ErrInvalidOutput)
	assert.Equal(t, 1500, out.Usage.Total())
}

func TestNewFieldExtractor_RequiresKey(t *testing.T) {
	_, err := gemini.NewFieldExtractor(context.Background(), "", "")
	assert.Error(t, err)
}
