package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/vine-crawler/internal/crawler"
)

// StatusError is returned when the dispatcher answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dispatcher returned %d: %s", e.Code, e.Body)
}

// IsTransportError reports whether err came from reaching the dispatcher rather than from
// its answer.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	return !errors.As(err, &se)
}

// Client talks to a dispatcher over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithAPIKey sets the X-API-Key header on every request.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// NewClient builds a client for the dispatcher at address ("host:port" or a full URL).
func NewClient(address string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: NormalizeAddress(address),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NormalizeAddress turns "host:port" into "http://host:port" and trims trailing slashes.
func NormalizeAddress(address string) string {
	address = strings.TrimRight(strings.TrimSpace(address), "/")
	if address != "" && !strings.Contains(address, "://") {
		address = "http://" + address
	}
	return address
}

// BaseURL returns the dispatcher URL the client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// JobCount returns the number of jobs the dispatcher can lease right now.
func (c *Client) JobCount(ctx context.Context) (int, error) {
	var n int
	if err := c.do(ctx, http.MethodGet, "/job-count", nil, &n); err != nil {
		return 0, fmt.Errorf("job count: %w", err)
	}
	return n, nil
}

// ListJobs leases up to count jobs.
func (c *Client) ListJobs(ctx context.Context, count int) ([]crawler.Job, error) {
	if count <= 0 {
		count = 1
	}
	var jobs []crawler.Job
	if err := c.do(ctx, http.MethodGet, "/job/"+strconv.Itoa(count), nil, &jobs); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// CompleteJobs submits results for leased jobs.
func (c *Client) CompleteJobs(ctx context.Context, completion crawler.Completion) (crawler.CompletionResult, error) {
	if completion.Data == nil {
		completion.Data = []json.RawMessage{}
	}
	var res crawler.CompletionResult
	if err := c.do(ctx, http.MethodPut, "/job", completion, &res); err != nil {
		return crawler.CompletionResult{}, fmt.Errorf("complete jobs: %w", err)
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.baseURL == "" {
		return errors.New("dispatcher address is not set")
	}
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
