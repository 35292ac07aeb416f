// Package api provides the HTTP API handlers and routing for the split service.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Zbehel/Music-Split/internal/apperrors"
	"github.com/Zbehel/Music-Split/internal/health"
	"github.com/Zbehel/Music-Split/internal/job"
	"github.com/Zbehel/Music-Split/internal/observability"
)

// formOverhead covers multipart boundaries and text fields on top of the
// audio payload when sizing the request body limit.
const formOverhead = 64 << 10

// allowedUploadExtensions are the input formats we accept for staging. Only
// .wav gets a duration probe; the rest pass through to the engine untouched.
var allowedUploadExtensions = map[string]bool{
	".wav":  true,
	".flac": true,
	".mp3":  true,
	".ogg":  true,
	".m4a":  true,
}

// Handler contains HTTP handlers for the split API.
type Handler struct {
	svc         *job.Service
	metrics     *observability.Metrics
	health      *health.Checker
	sessionsDir string
	maxUpload   int64
	maxDuration time.Duration
}

// HandlerConfig holds the transport-level limits and paths.
type HandlerConfig struct {
	SessionsDir    string
	MaxUploadBytes int64
	MaxDuration    time.Duration
}

// NewHandler creates a new API handler.
func NewHandler(svc *job.Service, metrics *observability.Metrics, healthChecker *health.Checker, cfg HandlerConfig) *Handler {
	return &Handler{
		svc:         svc,
		metrics:     metrics,
		health:      healthChecker,
		sessionsDir: cfg.SessionsDir,
		maxUpload:   cfg.MaxUploadBytes,
		maxDuration: cfg.MaxDuration,
	}
}

// CreateJob handles POST /v1/jobs. Accepts either a multipart upload (file
// plus model/device/sessionId fields) or a JSON request referencing an
// already staged input path.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+formOverhead)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var req *job.Request
	var err error
	if mediaType == "multipart/form-data" {
		req, err = h.stageUpload(r)
	} else {
		req, err = decodeJobRequest(r)
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	req.ClientKey = clientKey(r, req.SessionID)

	resp, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

func decodeJobRequest(r *http.Request) (*job.Request, error) {
	var req job.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if isTooLarge(err) {
			return nil, apperrors.TooLarge("body", "request body exceeds the upload limit")
		}
		return nil, apperrors.Validation("body", "invalid request body: "+err.Error())
	}
	return &req, nil
}

// stageUpload parses a multipart submission and writes the audio part under
// the session's directory before handing the request to the scheduler.
func (h *Handler) stageUpload(r *http.Request) (*job.Request, error) {
	if err := r.ParseMultipartForm(formOverhead); err != nil {
		if isTooLarge(err) {
			return nil, apperrors.TooLarge("file", fmt.Sprintf("upload exceeds the %d MiB limit", h.maxUpload>>20))
		}
		return nil, apperrors.Validation("body", "invalid multipart request: "+err.Error())
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, apperrors.Validation("file", "file part is required")
	}
	defer file.Close()

	sessionID := r.FormValue("sessionId")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if !job.ValidSessionID(sessionID) {
		return nil, apperrors.Validation("sessionId", "invalid session id")
	}

	inputPath, err := h.writeInput(file, header, sessionID)
	if err != nil {
		return nil, err
	}

	if filepath.Ext(inputPath) == ".wav" && h.maxDuration > 0 {
		duration, err := wavDuration(inputPath)
		if err != nil && !errors.Is(err, errNotWAV) {
			os.Remove(inputPath)
			return nil, apperrors.Validation("file", "unreadable WAV header: "+err.Error())
		}
		if err == nil && duration > h.maxDuration {
			os.Remove(inputPath)
			return nil, apperrors.Validation("file",
				fmt.Sprintf("audio runs %s, limit is %s", duration.Round(time.Second), h.maxDuration))
		}
	}

	return &job.Request{
		Model:     r.FormValue("model"),
		Device:    r.FormValue("device"),
		SessionID: sessionID,
		Source:    job.SourceUpload,
		InputPath: inputPath,
	}, nil
}

func (h *Handler) writeInput(file multipart.File, header *multipart.FileHeader, sessionID string) (string, error) {
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedUploadExtensions[ext] {
		return "", apperrors.Validation("file", fmt.Sprintf("unsupported audio format %q", ext))
	}

	dir := filepath.Join(h.sessionsDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperrors.Internal("api.stageUpload", err)
	}

	inputPath := filepath.Join(dir, "input"+ext)
	dst, err := os.Create(inputPath)
	if err != nil {
		return "", apperrors.Internal("api.stageUpload", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		os.Remove(inputPath)
		if isTooLarge(err) {
			return "", apperrors.TooLarge("file", fmt.Sprintf("upload exceeds the %d MiB limit", h.maxUpload>>20))
		}
		return "", apperrors.Internal("api.stageUpload", err)
	}
	return inputPath, nil
}

// ListJobs handles GET /v1/jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.List(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /v1/jobs/{jobId}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.handleError(w, r, apperrors.Validation("jobId", "job id is required"))
		return
	}

	rec, err := h.svc.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, rec)
}

// DownloadStem handles GET /v1/jobs/{jobId}/stems/{stem}. Streams one
// separated track; range requests are not supported.
func (h *Handler) DownloadStem(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	stem := r.PathValue("stem")

	path, err := h.svc.StemPath(r.Context(), jobID, stem)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		h.handleError(w, r, apperrors.NotFound("stem", stem))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.handleError(w, r, apperrors.Internal("api.downloadStem", err))
		return
	}

	w.Header().Set("Accept-Ranges", "none")
	w.Header().Set("Content-Type", stemContentType(path))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	if _, err := io.Copy(w, f); err != nil {
		slog.WarnContext(r.Context(), "Stem download interrupted", "jobId", jobID, "stem", stem, "error", err)
	}
}

func stemContentType(path string) string {
	switch filepath.Ext(path) {
	case ".wav":
		return "audio/wav"
	case ".flac":
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}

// ListModels handles GET /v1/models.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"models": h.svc.Models()})
}

// GetModel handles GET /v1/models/{model}.
func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	model, err := h.svc.Model(r.PathValue("model"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, model)
}

// DeleteSession handles DELETE /v1/sessions/{sessionId}.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteSession(r.Context(), r.PathValue("sessionId")); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if the worker pool is broken or the service is shutting down.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// errorBody is the JSON shape of all error responses.
type errorBody struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	Remaining *int   `json:"remaining,omitempty"`
}

// handleError handles errors from the service layer with appropriate HTTP
// status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 && !errors.Is(err, apperrors.ErrUnavailable) && !errors.Is(err, apperrors.ErrCircuitOpen) {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.WarnContext(r.Context(), "Request rejected", "error", err, "path", r.URL.Path, "status", status)
	}

	body := errorBody{Error: err.Error()}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		body.Field = appErr.Field
		if errors.Is(err, apperrors.ErrRateLimited) {
			remaining := appErr.Remaining
			body.Remaining = &remaining
		}
	}
	h.writeJSON(w, status, body)
}

// clientKey picks the rate-limit identity for a submission: the session when
// one is named, the caller's address otherwise.
func clientKey(r *http.Request, sessionID string) string {
	if sessionID != "" {
		return sessionID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isTooLarge(err error) bool {
	var maxBytes *http.MaxBytesError
	return errors.As(err, &maxBytes)
}
