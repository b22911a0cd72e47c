// Package models holds the File, Job, and Thumbnail records persisted by
// the job store.
package models

import (
	"errors"
	"time"
)

// FileKind distinguishes the two media kinds the pipeline accepts.
type FileKind string

const (
	KindImage FileKind = "image"
	KindVideo FileKind = "video"
)

// JobStatus enumerates the lifecycle states of a Job, per the DAG:
// pending -> queued -> processing -> {completed, failed}.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Sentinel errors returned by the store and queue.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyAcked      = errors.New("entry already acked or nacked")
	ErrDuplicateJob      = errors.New("job already enqueued")
)

// File is an immutable record of an uploaded image or video.
type File struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	DisplayName  string    `json:"display_name"`
	StoredName   string    `json:"stored_name"`
	MimeType     string    `json:"mime_type"`
	Size         int64     `json:"size"`
	Path         string    `json:"path"`
	Kind         FileKind  `json:"kind"`
	CreatedAt    time.Time `json:"created_at"`
}

// Thumbnail is an immutable artifact produced for a Job.
type Thumbnail struct {
	ID       string `json:"id"`
	JobID    string `json:"job_id"`
	FileID   string `json:"file_id"`
	Size     string `json:"size"` // "WxH"
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
	URL      string `json:"url"`
}

// Job is the lifecycle entity tracked through the pipeline.
type Job struct {
	ID             string      `json:"id"`
	UserID         string      `json:"user_id"`
	FileID         string      `json:"file_id"`
	Status         JobStatus   `json:"status"`
	Progress       int         `json:"progress"`
	ThumbnailSizes []string    `json:"thumbnail_sizes"`
	Thumbnails     []Thumbnail `json:"thumbnails"`
	Error          string      `json:"error,omitempty"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// legalTransitions encodes the job status DAG: pending -> queued ->
// processing -> {completed, failed}, plus the pre-processing shortcuts
// pending -> failed and queued -> failed.
//
// pending -> processing is also legal; the pipeline relies on it for an
// automatic retry: when the queue backs an entry off internally (a Nack with attempts
// remaining) the entry never leaves the queue, so the worker resets the
// job straight from failed to pending and back into processing for the
// next attempt without a second trip through queued. A user-driven retry
// or a fresh enqueue re-enters the queue from scratch and goes through
// queued like any first attempt.
var legalTransitions = map[JobStatus]map[JobStatus]bool{
	StatusPending:    {StatusQueued: true, StatusFailed: true, StatusProcessing: true},
	StatusQueued:     {StatusProcessing: true, StatusFailed: true},
	StatusProcessing: {StatusCompleted: true, StatusFailed: true},
	StatusCompleted:  {},
	StatusFailed:     {StatusPending: true}, // only via ResetForRetry
}

// CanTransition reports whether moving from `from` to `to` is legal.
func CanTransition(from, to JobStatus) bool {
	next, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}
