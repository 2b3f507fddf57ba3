package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/finsight/finsight/job"
)

// HTTPExecutor invokes a remote stage service over HTTP. The stage input
// is POSTed as JSON to the configured URL; a 2xx response body is the
// stage payload. 4xx responses classify as terminal failures (bad input,
// content rejected), 5xx and transport errors as transient.
type HTTPExecutor struct {
	url     string
	client  *http.Client
	headers map[string]string
	logger  *slog.Logger
}

// HTTPOption configures an HTTPExecutor.
type HTTPOption func(*HTTPExecutor)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(e *HTTPExecutor) { e.client = c }
}

// WithHeader adds a request header to every stage call.
func WithHeader(key, value string) HTTPOption {
	return func(e *HTTPExecutor) { e.headers[key] = value }
}

// WithHTTPLogger sets the executor's logger.
func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(e *HTTPExecutor) { e.logger = logger }
}

// NewHTTPExecutor creates an executor that calls the given stage endpoint.
func NewHTTPExecutor(url string, opts ...HTTPOption) *HTTPExecutor {
	e := &HTTPExecutor{
		url:     url,
		client:  &http.Client{Timeout: 90 * time.Second},
		headers: make(map[string]string),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute implements Executor.
func (e *HTTPExecutor) Execute(ctx context.Context, in Input) (json.RawMessage, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, job.Terminal("encode stage input: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, job.Terminal("build stage request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		// Context errors bubble up so deadline handling stays with the caller.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, job.Transient("stage call failed: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, job.Transient("read stage response: %v", readErr)
	}

	e.logger.Debug("stage call finished",
		slog.String("url", e.url),
		slog.String("stage", string(in.Stage)),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)),
	)

	switch {
	case resp.StatusCode/100 == 2:
		if !json.Valid(raw) {
			return nil, job.Transient("stage returned invalid JSON")
		}
		return raw, nil
	case resp.StatusCode/100 == 4:
		return nil, job.Terminal("stage rejected input: %s", summarize(raw, resp.StatusCode))
	default:
		return nil, job.Transient("stage upstream error: %s", summarize(raw, resp.StatusCode))
	}
}

// summarize keeps error details bounded.
func summarize(body []byte, status int) string {
	const maxDetail = 256
	s := string(body)
	if len(s) > maxDetail {
		s = s[:maxDetail]
	}
	if s == "" {
		return fmt.Sprintf("status %d", status)
	}
	return fmt.Sprintf("status %d: %s", status, s)
}
