package firecrawl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.firecrawl.dev"

	// CostPerScrapeUSD is the list price of one scrape credit.
	CostPerScrapeUSD = 0.001
)

var ErrNotConfigured = errors.New("firecrawl api key not configured")

type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewClient(apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) SetBaseURL(url string) {
	c.baseURL = strings.TrimRight(url, "/")
}

func (c *Client) Configured() bool {
	return c.apiKey != ""
}

type scrapeResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    struct {
		Markdown string `json:"markdown"`
	} `json:"data"`
}

// Scrape fetches url through the scrape API and returns the main content
// as markdown.
func (c *Client) Scrape(ctx context.Context, url string) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}

	reqBody := map[string]interface{}{
		"url":             url,
		"formats":         []string{"markdown"},
		"onlyMainContent": true,
	}
	jsonBody, _ := json.Marshal(reqBody)
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/scrape", bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("firecrawl api error: %d", resp.StatusCode)
	}

	var result scrapeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode scrape response: %w", err)
	}
	if !result.Success {
		return "", fmt.Errorf("firecrawl scrape failed: %s", result.Error)
	}

	slog.DebugContext(ctx, "firecrawl scrape finished", "url", url, "length", len(result.Data.Markdown), "elapsed_ms", time.Since(start).Milliseconds())
	return result.Data.Markdown, nil
}
