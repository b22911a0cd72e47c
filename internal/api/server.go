// Package api implements the thin management surface (C6): file
// registration and job enqueue/get/list/retry/delete. It performs no
// multipart parsing and no token verification — it trusts an
// already-authenticated X-User-ID header.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"thumbnailpipe/internal/models"
	"thumbnailpipe/internal/pipeline"
	"thumbnailpipe/internal/store"
	"thumbnailpipe/internal/telemetry"
)

// Server wires HTTP handlers for the management API.
type Server struct {
	pipeline *pipeline.Pipeline
	store    store.JobStore
}

// New constructs the API server.
func New(p *pipeline.Pipeline, st store.JobStore) *Server {
	return &Server{pipeline: p, store: st}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/files", s.handleCreateFile)
	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs", s.handleListJobs)
	r.Post("/jobs/{id}/retry", s.handleRetry)
	r.Delete("/jobs/{id}", s.handleDelete)
	return r
}

type createFileRequest struct {
	DisplayName string `json:"display_name"`
	StoredName  string `json:"stored_name"`
	MimeType    string `json:"mime_type"`
	Size        int64  `json:"size"`
	Path        string `json:"path"`
	Kind        string `json:"kind"`
}

func (s *Server) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	if userID == "" {
		http.Error(w, "X-User-ID header is required", http.StatusUnauthorized)
		return
	}

	var req createFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Path == "" || req.StoredName == "" {
		http.Error(w, "path and stored_name are required", http.StatusBadRequest)
		return
	}
	kind := models.FileKind(req.Kind)
	if kind != models.KindImage && kind != models.KindVideo {
		http.Error(w, "kind must be image or video", http.StatusBadRequest)
		return
	}

	file, err := s.store.CreateFile(r.Context(), store.CreateFileParams{
		UserID:      userID,
		DisplayName: req.DisplayName,
		StoredName:  req.StoredName,
		MimeType:    req.MimeType,
		Size:        req.Size,
		Path:        req.Path,
		Kind:        kind,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, file)
}

type enqueueRequest struct {
	FileID    string `json:"file_id"`
	OutputDir string `json:"output_dir"`
}

type enqueueResponse struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	if userID == "" {
		http.Error(w, "X-User-ID header is required", http.StatusUnauthorized)
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.FileID == "" {
		http.Error(w, "file_id is required", http.StatusBadRequest)
		return
	}

	file, err := s.store.GetFile(r.Context(), req.FileID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if file.UserID != userID {
		http.Error(w, "file does not belong to this user", http.StatusForbidden)
		return
	}

	jobID, err := s.pipeline.EnqueueJob(r.Context(), userID, file.ID, string(file.Kind), file.Path, req.OutputDir)
	if err != nil {
		if errors.Is(err, pipeline.ErrRateLimited) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: jobID})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if job.UserID != userIDFromRequest(r) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	if userID == "" {
		http.Error(w, "X-User-ID header is required", http.StatusUnauthorized)
		return
	}
	jobs, err := s.store.ListJobsByUser(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if job.UserID != userIDFromRequest(r) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if err := s.pipeline.RetryJob(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			http.Error(w, "job is not in a failed state", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if job.UserID != userIDFromRequest(r) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if err := s.pipeline.Queue.Remove(r.Context(), id); err != nil {
		http.Error(w, "failed to remove queue entry", http.StatusInternalServerError)
		return
	}
	if err := s.store.DeleteJob(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func userIDFromRequest(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
