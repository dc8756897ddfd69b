// Package handlers is the chi HTTP transport: multipart submission, status
// polling, result download, early deletion, and health.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"fileconverter/jobs"
	"fileconverter/models"
	"fileconverter/queue"
	"fileconverter/status"
	"fileconverter/storage"
)

// multipartMemory caps how much of an upload is buffered in memory before
// spilling to disk.
const multipartMemory = 32 << 20

type Handler struct {
	svc     *jobs.Service
	queue   queue.Queue
	backend storage.Backend

	// ping checks broker connectivity for /health.
	ping func(ctx context.Context) error
	// workers is the configured pool size; active reports in-flight jobs.
	workers int
	active  func() int64
}

func NewHandler(svc *jobs.Service, q queue.Queue, backend storage.Backend, ping func(ctx context.Context) error, workers int, active func() int64) *Handler {
	return &Handler{
		svc:     svc,
		queue:   q,
		backend: backend,
		ping:    ping,
		workers: workers,
		active:  active,
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, httpStatus int, code, msg string) {
	writeJSON(w, httpStatus, apiError{Code: code, Message: msg})
}

// ownerKey identifies the submitting client: the API key when one is
// presented, otherwise the client IP (RealIP middleware has already
// resolved forwarded addresses).
func ownerKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func (h *Handler) writeAdmissionError(w http.ResponseWriter, admErr *models.AdmissionError) {
	httpStatus := http.StatusBadRequest
	switch admErr.Code {
	case models.CodePayloadTooLarge:
		httpStatus = http.StatusRequestEntityTooLarge
	case models.CodeRateLimited:
		httpStatus = http.StatusTooManyRequests
		if admErr.RetryAfter > 0 {
			secs := int(admErr.RetryAfter.Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
		}
	case models.CodeServiceUnavailable:
		httpStatus = http.StatusServiceUnavailable
	}
	writeError(w, httpStatus, string(admErr.Code), admErr.Message)
}

type convertResponse struct {
	Status       string `json:"status"`
	TaskID       string `json:"task_id"`
	Message      string `json:"message"`
	FilesCount   int    `json:"files_count"`
	TargetFormat string `json:"target_format"`
}

func (h *Handler) Convert(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, string(models.CodeInvalidFormat), "invalid multipart request")
		return
	}
	defer r.MultipartForm.RemoveAll()

	var uploads []jobs.Upload
	for _, fh := range r.MultipartForm.File["files"] {
		uploads = append(uploads, fileUpload(fh))
	}
	target := r.FormValue("target_format")

	job, err := h.svc.Submit(r.Context(), ownerKey(r), uploads, target)
	if err != nil {
		var admErr *models.AdmissionError
		if errors.As(err, &admErr) {
			h.writeAdmissionError(w, admErr)
			return
		}
		log.Printf("[HTTP] Submit failed: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	writeJSON(w, http.StatusAccepted, convertResponse{
		Status:       "queued",
		TaskID:       job.ID,
		Message:      fmt.Sprintf("Conversion of %d file(s) to %s queued", len(job.Inputs), job.TargetFormat),
		FilesCount:   len(job.Inputs),
		TargetFormat: job.TargetFormat,
	})
}

func fileUpload(fh *multipart.FileHeader) jobs.Upload {
	return jobs.Upload{
		Filename: fh.Filename,
		Size:     fh.Size,
		Open: func() (io.ReadCloser, error) {
			return fh.Open()
		},
	}
}

// lookup resolves the job for the calling owner, writing the error response
// itself when access fails.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) *models.Job {
	taskID := chi.URLParam(r, "taskID")
	job, err := h.svc.Lookup(r.Context(), taskID, ownerKey(r))
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", "task not found")
		case errors.Is(err, jobs.ErrForbidden):
			writeError(w, http.StatusForbidden, "FORBIDDEN", "task belongs to another client")
		default:
			log.Printf("[HTTP] Lookup of task %s failed: %v", taskID, err)
			writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		}
		return nil
	}
	return job
}

type statusResponse struct {
	TaskID      string           `json:"task_id"`
	Status      string           `json:"status"`
	Message     string           `json:"message"`
	Result      *models.Output   `json:"result,omitempty"`
	Error       *models.JobError `json:"error,omitempty"`
	DownloadURL string           `json:"download_url,omitempty"`
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	job := h.lookup(w, r)
	if job == nil {
		return
	}

	resp := statusResponse{TaskID: job.ID, Status: job.Status.External()}
	switch job.Status {
	case models.StatusQueued:
		resp.Message = "Task is pending"
	case models.StatusRunning:
		resp.Message = "Task is processing"
	case models.StatusSucceeded:
		resp.Message = "Task completed successfully"
		resp.Result = job.Output
		resp.DownloadURL = "/download/" + job.ID
	case models.StatusFailed:
		resp.Message = "Task failed"
		resp.Error = job.Error
	case models.StatusExpired:
		resp.Message = "Task result has expired"
		writeJSON(w, http.StatusGone, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// mediaType maps a result filename to its content type.
func mediaType(filename string) string {
	switch {
	case strings.HasSuffix(filename, ".zip"):
		return "application/zip"
	case strings.HasSuffix(filename, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(filename, ".docx"):
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case strings.HasSuffix(filename, ".jpg"), strings.HasSuffix(filename, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(filename, ".png"):
		return "image/png"
	case strings.HasSuffix(filename, ".webp"):
		return "image/webp"
	}
	return "application/octet-stream"
}

func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	job := h.lookup(w, r)
	if job == nil {
		return
	}

	if job.Status == models.StatusExpired {
		writeError(w, http.StatusGone, "EXPIRED", "task result has expired")
		return
	}
	if job.Status != models.StatusSucceeded || job.Output == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "conversion not complete")
		return
	}

	rc, err := h.svc.OpenResult(r.Context(), job)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "result no longer available")
			return
		}
		log.Printf("[HTTP] Opening result of task %s failed: %v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", mediaType(job.Output.Filename))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", job.Output.Filename))
	if job.Output.SizeBytes > 0 {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", job.Output.SizeBytes))
	}
	if _, err := io.Copy(w, rc); err != nil {
		log.Printf("[HTTP] Streaming result of task %s failed: %v", job.ID, err)
	}
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	err := h.svc.Delete(r.Context(), taskID, ownerKey(r))
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", "task not found")
		case errors.Is(err, jobs.ErrForbidden):
			writeError(w, http.StatusForbidden, "FORBIDDEN", "task belongs to another client")
		case errors.Is(err, status.ErrConflict):
			writeError(w, http.StatusConflict, "CONFLICT", "task is still in progress")
		default:
			log.Printf("[HTTP] Deleting task %s failed: %v", taskID, err)
			writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type healthResponse struct {
	Status     string        `json:"status"`
	Redis      string        `json:"redis"`
	Workers    int           `json:"workers"`
	ActiveJobs int64         `json:"active_jobs"`
	Pending    int64         `json:"pending_jobs"`
	Storage    storage.Stats `json:"storage"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "healthy",
		Redis:   "connected",
		Workers: h.workers,
	}
	if h.active != nil {
		resp.ActiveJobs = h.active()
	}

	if err := h.ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Redis = "disconnected"
	} else if pending, err := h.queue.Pending(r.Context()); err == nil {
		resp.Pending = pending
	}

	stats, err := h.backend.Stats(r.Context())
	if err != nil {
		log.Printf("[HTTP] Storage stats failed: %v", err)
		resp.Status = "degraded"
	} else {
		resp.Storage = stats
	}

	writeJSON(w, http.StatusOK, resp)
}
