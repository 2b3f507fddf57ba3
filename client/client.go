// Package client provides a Go client for a remote Finsight server: job
// submission and inspection over HTTP, and a sync adapter that keeps a
// local view of a document's analysis current via the WebSocket push
// stream, falling back to status polling when push is unavailable.
//
// Usage:
//
//	c, err := client.New("https://finsight.example.com",
//	    client.WithToken("fk_..."),
//	)
//
//	ack, err := c.Analyze(ctx, docID, "assess liquidity risk")
//
//	w := c.Watch(ctx, docID)
//	for state := range w.Updates() {
//	    fmt.Printf("%s: %s\n", state.Stage, state.Status)
//	}
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	finsight "github.com/finsight/finsight"
	"github.com/finsight/finsight/api"
	"github.com/finsight/finsight/id"
)

// Client talks to a remote Finsight server.
type Client struct {
	baseURL string
	wsURL   string
	token   string
	httpc   *http.Client
	logger  *slog.Logger

	// Watch behavior.
	pollInterval time.Duration
	baseDelay    time.Duration
	maxDelay     time.Duration
}

// New creates a client for the server at baseURL (http or https).
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("finsight/client: parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("finsight/client: unsupported scheme %q", u.Scheme)
	}

	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpc:        http.DefaultClient,
		logger:       slog.Default(),
		pollInterval: 2 * time.Second,
		baseDelay:    time.Second,
		maxDelay:     30 * time.Second,
	}
	c.wsURL = "ws" + strings.TrimPrefix(c.baseURL, "http")
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Analyze submits a document for analysis. The returned acknowledgment
// carries the job ID; Reused is set when an equivalent live submission
// was adopted instead of a new job.
func (c *Client) Analyze(ctx context.Context, docID id.DocumentID, prompt string) (*api.AnalyzeResponse, error) {
	var ack api.AnalyzeResponse
	path := "/v1/documents/" + docID.String() + "/analyze"
	if err := c.do(ctx, http.MethodPost, path, api.AnalyzeRequest{Prompt: prompt}, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Job fetches the current state of a job.
func (c *Client) Job(ctx context.Context, jobID id.JobID) (*api.JobView, error) {
	var view api.JobView
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+jobID.String(), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// DocumentJobs lists all jobs for a document, newest first.
func (c *Client) DocumentJobs(ctx context.Context, docID id.DocumentID) ([]api.JobView, error) {
	var views []api.JobView
	path := "/v1/documents/" + docID.String() + "/jobs"
	if err := c.do(ctx, http.MethodGet, path, nil, &views); err != nil {
		return nil, err
	}
	return views, nil
}

// Cancel requests cancellation of a job. A no-op for terminal jobs.
func (c *Client) Cancel(ctx context.Context, jobID id.JobID) error {
	return c.do(ctx, http.MethodPost, "/v1/jobs/"+jobID.String()+"/cancel", nil, nil)
}

// do performs one JSON request and decodes the response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("finsight/client: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("finsight/client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("finsight/client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return c.responseError(resp, method, path)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("finsight/client: decode response: %w", err)
	}
	return nil
}

// responseError maps HTTP error responses back to sentinel errors.
func (c *Client) responseError(resp *http.Response, method, path string) error {
	var body struct {
		Error string `json:"error"`
	}
	msg := resp.Status
	if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Error != "" {
		msg = body.Error
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if secs, parseErr := strconv.Atoi(resp.Header.Get("Retry-After")); parseErr == nil {
			retryAfter = time.Duration(secs) * time.Second
		}
		return &RateLimitedError{RetryAfter: retryAfter, Message: msg}
	case http.StatusNotFound:
		return fmt.Errorf("finsight/client: %s: %w", msg, finsight.ErrJobNotFound)
	case http.StatusBadRequest:
		return fmt.Errorf("finsight/client: %s: %w", msg, finsight.ErrInvalidSubmission)
	default:
		return fmt.Errorf("finsight/client: %s %s: %s", method, path, msg)
	}
}

// RateLimitedError reports a submission denied by the server's rate
// limiter, with the server's suggested wait.
type RateLimitedError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("finsight/client: %s (retry after %s)", e.Message, e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return finsight.ErrRateLimited }
