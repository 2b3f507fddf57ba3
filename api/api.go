// Package api exposes the Finsight engine over HTTP: job submission and
// inspection, cancellation, the per-document event stream (WebSocket with
// an SSE fallback), and the failure archive.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	finsight "github.com/finsight/finsight"
	"github.com/finsight/finsight/engine"
)

// API wires all HTTP handlers for a Finsight engine.
type API struct {
	eng    *engine.Engine
	auth   Authenticator
	logger *slog.Logger
}

// Option configures the API.
type Option func(*API)

// WithAuthenticator sets the principal resolver for incoming requests.
func WithAuthenticator(auth Authenticator) Option {
	return func(a *API) { a.auth = auth }
}

// WithLogger sets the API logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// New creates an API from an engine. Without an explicit authenticator
// every request runs as a single anonymous principal.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{
		eng:    eng,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.auth == nil {
		a.auth = NewAnonymousAuthenticator()
	}
	return a
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/documents/{documentID}/analyze", a.analyzeDocument)
	mux.HandleFunc("GET /v1/documents/{documentID}/jobs", a.listDocumentJobs)
	mux.HandleFunc("GET /v1/documents/{documentID}/events", a.streamEvents)
	mux.HandleFunc("DELETE /v1/documents/{documentID}", a.deleteDocument)

	mux.HandleFunc("GET /v1/jobs/{jobID}", a.getJob)
	mux.HandleFunc("POST /v1/jobs/{jobID}/cancel", a.cancelJob)

	mux.HandleFunc("GET /v1/archive", a.listArchive)
	mux.HandleFunc("GET /v1/archive/{entryID}", a.getArchiveEntry)
	mux.HandleFunc("POST /v1/archive/{entryID}/replay", a.replayArchiveEntry)

	mux.HandleFunc("GET /healthz", a.healthz)

	return mux
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Store().Ping(r.Context()); err != nil {
		a.writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorResponse is the JSON body for all non-2xx responses.
type errorResponse struct {
	Error string `json:"error"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("failed to write response", slog.String("error", err.Error()))
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, errorResponse{Error: msg})
}

// writeEngineError maps engine and store errors to HTTP responses.
func (a *API) writeEngineError(w http.ResponseWriter, err error) {
	var rle *engine.RateLimitError
	switch {
	case errors.As(err, &rle):
		w.Header().Set("Retry-After", retryAfterSeconds(rle))
		a.writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, finsight.ErrInvalidSubmission):
		a.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, finsight.ErrJobNotFound),
		errors.Is(err, finsight.ErrArchiveNotFound):
		a.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, finsight.ErrAlreadyReplayed):
		a.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrUnauthorized):
		a.writeError(w, http.StatusUnauthorized, err.Error())
	default:
		a.logger.Error("request failed", slog.String("error", err.Error()))
		a.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// retryAfterSeconds renders a rate limit delay as whole seconds, rounded
// up so clients never retry early.
func retryAfterSeconds(rle *engine.RateLimitError) string {
	secs := int64(math.Ceil(rle.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
