// Package api exposes the analysis orchestrator over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/threatsmith/threatsmith/config"
	"github.com/threatsmith/threatsmith/input"
	"github.com/threatsmith/threatsmith/job"
	"github.com/threatsmith/threatsmith/knowledge"
	"github.com/threatsmith/threatsmith/storage"
)

// maxRequestBodySize limits JSON request bodies to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// idRe constrains project and input IDs to KV-safe tokens.
var idRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// API holds the handler dependencies.
type API struct {
	manager    *job.Manager
	store      storage.Store
	normalizer *input.Normalizer
	kb         *knowledge.Base
	logger     *slog.Logger
}

// New builds the API.
func New(manager *job.Manager, store storage.Store, kb *knowledge.Base, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		manager:    manager,
		store:      store,
		normalizer: input.NewNormalizer(),
		kb:         kb,
		logger:     logger,
	}
}

// Register mounts all routes on the mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /projects/{project_id}/analysis/start", a.handleStart)
	mux.HandleFunc("GET /projects/{project_id}/analysis/status", a.handleStatus)
	mux.HandleFunc("GET /projects/{project_id}/analysis/results", a.handleResults)
	mux.HandleFunc("GET /projects/{project_id}/analysis/results/partial", a.handlePartialResults)
	mux.HandleFunc("POST /projects/{project_id}/analysis/cancel", a.handleCancel)
	mux.HandleFunc("PUT /projects/{project_id}/inputs/{input_id}", a.handlePutInput)
	mux.HandleFunc("GET /healthz", a.handleHealthz)
}

// StartRequest is the body of POST /projects/{id}/analysis/start.
// Exactly one of InputIDs and InputText must be set.
type StartRequest struct {
	InputIDs  []string              `json:"input_ids,omitempty"`
	InputText string                `json:"input_text,omitempty"`
	Config    config.AnalysisConfig `json:"config"`
}

// StartResponse acknowledges a queued job.
type StartResponse struct {
	ProjectID string    `json:"project_id"`
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	projectID, ok := a.projectID(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req StartRequest
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := req.Config.Normalize(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if (len(req.InputIDs) == 0) == (req.InputText == "") {
		writeError(w, http.StatusBadRequest, "exactly one of input_ids and input_text is required")
		return
	}

	var inputIDs []string
	var text string
	switch {
	case len(req.InputIDs) > 0:
		// Stored inputs are loaded in request order and joined into one
		// description; a reference outside the project is a client error.
		texts := make([]string, 0, len(req.InputIDs))
		for _, id := range req.InputIDs {
			if !idRe.MatchString(id) {
				writeError(w, http.StatusBadRequest, "invalid input ID")
				return
			}
			stored, err := a.store.GetInput(r.Context(), projectID, id)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					writeError(w, http.StatusBadRequest, "input "+id+" not found")
					return
				}
				a.internalError(w, "load input", err)
				return
			}
			texts = append(texts, stored.Text)
		}
		inputIDs, text = req.InputIDs, strings.Join(texts, "\n\n---\n\n")
	default:
		normalized, err := a.normalizer.Normalize([]byte(req.InputText), "text/plain")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		inputIDs, text = []string{"inline-" + uuid.New().String()}, normalized
	}

	j, err := a.manager.Start(r.Context(), job.StartRequest{
		ProjectID: projectID,
		InputIDs:  inputIDs,
		InputText: text,
		Config:    req.Config,
	})
	if err != nil {
		if errors.Is(err, storage.ErrActiveJobExists) {
			writeError(w, http.StatusConflict, "project already has an active analysis job")
			return
		}
		a.internalError(w, "start job", err)
		return
	}

	writeJSON(w, http.StatusAccepted, StartResponse{
		ProjectID: projectID,
		JobID:     j.ID,
		Status:    string(j.Status),
		StartedAt: j.CreatedAt,
	})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	projectID, ok := a.projectID(w, r)
	if !ok {
		return
	}
	status, err := a.manager.GetStatus(r.Context(), projectID)
	if err != nil {
		a.internalError(w, "get status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) handleResults(w http.ResponseWriter, r *http.Request) {
	projectID, ok := a.projectID(w, r)
	if !ok {
		return
	}

	// Results track the latest job, not just the stored blob: a live job
	// may be about to replace it, and a failed or cancelled run makes an
	// older stored result stale.
	status, err := a.manager.GetStatus(r.Context(), projectID)
	if err != nil {
		a.internalError(w, "get status", err)
		return
	}
	if status.Job != nil && status.Job.Status != storage.StatusCompleted {
		if status.Job.Status.Terminal() {
			writeError(w, http.StatusConflict,
				"latest analysis job "+string(status.Job.Status)+"; no current results")
			return
		}
		writeError(w, http.StatusConflict, "analysis in progress; results not final")
		return
	}

	res, err := a.store.GetResult(r.Context(), projectID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no completed analysis for project")
			return
		}
		a.internalError(w, "get result", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PartialResultsResponse carries whatever stage outputs a job managed
// to persist before it stopped.
type PartialResultsResponse struct {
	JobID     string                 `json:"job_id"`
	Status    string                 `json:"status"`
	Error     string                 `json:"error,omitempty"`
	Stages    []*storage.StageOutput `json:"stages"`
	Warnings  []string               `json:"warnings,omitempty"`
	ProjectID string                 `json:"project_id"`
}

func (a *API) handlePartialResults(w http.ResponseWriter, r *http.Request) {
	projectID, ok := a.projectID(w, r)
	if !ok {
		return
	}
	status, err := a.manager.GetStatus(r.Context(), projectID)
	if err != nil {
		a.internalError(w, "get status", err)
		return
	}
	if status.Job == nil {
		writeError(w, http.StatusNotFound, "project has no analysis jobs")
		return
	}
	outs, err := a.store.ListStageOutputs(r.Context(), status.Job.ID)
	if err != nil {
		a.internalError(w, "list stage outputs", err)
		return
	}
	if outs == nil {
		outs = []*storage.StageOutput{}
	}
	writeJSON(w, http.StatusOK, PartialResultsResponse{
		JobID:     status.Job.ID,
		ProjectID: projectID,
		Status:    string(status.Job.Status),
		Error:     status.Job.Error,
		Warnings:  status.Job.Warnings,
		Stages:    outs,
	})
}

// CancelResponse acknowledges a cancellation request.
type CancelResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	projectID, ok := a.projectID(w, r)
	if !ok {
		return
	}
	jobID, err := a.manager.Cancel(r.Context(), projectID)
	if err != nil {
		if errors.Is(err, job.ErrNoActiveJob) {
			writeError(w, http.StatusConflict, "no active job to cancel")
			return
		}
		a.internalError(w, "cancel job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, CancelResponse{JobID: jobID, Status: "cancelling"})
}

// PutInputResponse acknowledges a stored input.
type PutInputResponse struct {
	InputID string `json:"input_id"`
	Chars   int    `json:"chars"`
}

func (a *API) handlePutInput(w http.ResponseWriter, r *http.Request) {
	projectID, ok := a.projectID(w, r)
	if !ok {
		return
	}
	inputID := r.PathValue("input_id")
	if !idRe.MatchString(inputID) {
		writeError(w, http.StatusBadRequest, "invalid input ID")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, input.MaxInputBytes+1)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	text, err := a.normalizer.Normalize(raw, r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.store.PutInput(r.Context(), &storage.ProjectInput{
		ID:          inputID,
		ProjectID:   projectID,
		ContentType: r.Header.Get("Content-Type"),
		Text:        text,
		UpdatedAt:   nowUTC(),
	}); err != nil {
		a.internalError(w, "store input", err)
		return
	}
	writeJSON(w, http.StatusOK, PutInputResponse{InputID: inputID, Chars: len(text)})
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"knowledge_base": map[string]any{
			"version":    a.kb.Version(),
			"techniques": a.kb.Len(),
		},
	})
}

func (a *API) projectID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("project_id")
	if !idRe.MatchString(id) {
		writeError(w, http.StatusBadRequest, "invalid project ID")
		return "", false
	}
	return id, true
}

func (a *API) internalError(w http.ResponseWriter, op string, err error) {
	a.logger.Error(op, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
