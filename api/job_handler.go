package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	finsight "github.com/finsight/finsight"
	"github.com/finsight/finsight/id"
	"github.com/finsight/finsight/job"
	"github.com/finsight/finsight/scope"
)

// AnalyzeRequest is the JSON body for job submission. Form submissions
// use the "prompt" field instead.
type AnalyzeRequest struct {
	Prompt string `json:"prompt"`
}

// AnalyzeResponse acknowledges an admitted submission.
type AnalyzeResponse struct {
	JobID  string     `json:"job_id"`
	Status job.Status `json:"status"`
	Reused bool       `json:"reused,omitempty"`
}

// JobView is the external representation of a job.
type JobView struct {
	JobID       string       `json:"job_id"`
	DocumentID  string       `json:"document_id"`
	Stage       job.Stage    `json:"stage"`
	Status      job.Status   `json:"status"`
	Attempts    int          `json:"attempts,omitempty"`
	Result      job.Result   `json:"result,omitempty"`
	Error       *job.Failure `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

func viewOf(j *job.Job) JobView {
	return JobView{
		JobID:       j.ID.String(),
		DocumentID:  j.DocumentID.String(),
		Stage:       j.Stage,
		Status:      j.Status,
		Attempts:    j.Attempts,
		Result:      j.Result,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}

func (a *API) analyzeDocument(w http.ResponseWriter, r *http.Request) {
	docID, err := id.ParseDocumentID(r.PathValue("documentID"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid document ID: %v", err))
		return
	}

	principal, err := a.auth.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		a.writeEngineError(w, err)
		return
	}

	prompt, err := submittedPrompt(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := scope.WithPrincipal(r.Context(), principal)
	j, isNew, err := a.eng.Submit(ctx, docID, prompt)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}

	status := http.StatusAccepted
	if !isNew {
		status = http.StatusOK
	}
	a.writeJSON(w, status, AnalyzeResponse{
		JobID:  j.ID.String(),
		Status: j.Status,
		Reused: !isNew,
	})
}

// submittedPrompt reads the prompt from a JSON body or a form field.
// An empty or absent prompt is valid; admission applies the default.
func submittedPrompt(r *http.Request) (string, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		var req AnalyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("invalid request body: %w", err)
		}
		return req.Prompt, nil
	}
	if err := r.ParseForm(); err != nil {
		return "", fmt.Errorf("invalid form body: %w", err)
	}
	return r.PostFormValue("prompt"), nil
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(r.PathValue("jobID"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid job ID: %v", err))
		return
	}

	j, err := a.eng.Job(r.Context(), jobID)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, viewOf(j))
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(r.PathValue("jobID"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid job ID: %v", err))
		return
	}

	if err := a.eng.Cancel(r.Context(), jobID); err != nil {
		a.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listDocumentJobs(w http.ResponseWriter, r *http.Request) {
	docID, err := id.ParseDocumentID(r.PathValue("documentID"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid document ID: %v", err))
		return
	}

	jobs, err := a.eng.JobsByDocument(r.Context(), docID)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}

	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, viewOf(j))
	}
	a.writeJSON(w, http.StatusOK, views)
}

// deleteDocument is the document-deletion cancellation signal: every
// live job for the document gets a cancel request and the document's
// event topic is dropped. Idempotent.
func (a *API) deleteDocument(w http.ResponseWriter, r *http.Request) {
	docID, err := id.ParseDocumentID(r.PathValue("documentID"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid document ID: %v", err))
		return
	}

	jobs, err := a.eng.JobsByDocument(r.Context(), docID)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}

	for _, j := range jobs {
		if j.Status.Terminal() {
			continue
		}
		if cancelErr := a.eng.Cancel(r.Context(), j.ID); cancelErr != nil &&
			!errors.Is(cancelErr, finsight.ErrJobNotFound) {
			a.writeEngineError(w, cancelErr)
			return
		}
	}

	a.eng.Events().Forget(docID)
	w.WriteHeader(http.StatusNoContent)
}
