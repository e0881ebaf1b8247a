package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	DefaultUserAgent   = "SubsidyflowBot/1.0"
	DefaultTimeout     = 30 * time.Second
	DefaultMaxPDFBytes = 5 << 20

	maxHTMLBytes = 10 << 20
)

var ErrTooLarge = errors.New("document exceeds size limit")

type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Code)
}

type Client struct {
	http        *http.Client
	userAgent   string
	maxPDFBytes int64
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

func WithMaxPDFBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxPDFBytes = n
		}
	}
}

func NewClient(timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		http:        &http.Client{Timeout: timeout},
		userAgent:   DefaultUserAgent,
		maxPDFBytes: DefaultMaxPDFBytes,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}
	return resp, nil
}

// FetchHTMLText downloads a page and returns its visible text.
func (c *Client) FetchHTMLText(ctx context.Context, url string) (string, error) {
	resp, err := c.get(ctx, url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxHTMLBytes))
	if err != nil {
		return "", fmt.Errorf("parse document: %w", err)
	}
	return DocumentText(doc), nil
}

// FetchPDF downloads a PDF. Bodies larger than the configured cap are
// rejected from Content-Length when known and by a bounded read otherwise.
func (c *Client) FetchPDF(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.ContentLength > c.maxPDFBytes {
		return nil, fmt.Errorf("%w: %s declares %d bytes", ErrTooLarge, url, resp.ContentLength)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxPDFBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if int64(len(data)) > c.maxPDFBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, url, c.maxPDFBytes)
	}
	return data, nil
}
