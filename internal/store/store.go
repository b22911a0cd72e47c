// Package store persists File, Job, and Thumbnail records (the Job Store,
// component C1) and enforces the status transition DAG from the data model.
package store

import (
	"context"
	"time"

	"thumbnailpipe/internal/models"
)

// CreateFileParams collects inputs required to register a File.
type CreateFileParams struct {
	UserID      string
	DisplayName string
	StoredName  string
	MimeType    string
	Size        int64
	Path        string
	Kind        models.FileKind
}

// StatusPatch carries the optional fields SetStatus may update alongside
// status. StartedAt and CompletedAt are not read: SetStatus stamps those
// timestamps itself from the transition.
type StatusPatch struct {
	Progress        *int
	Error           *string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	AppendThumbnail *models.Thumbnail
}

// JobStore is the Job Store contract (C1). *Store (Postgres-backed) and
// *MemStore (in-memory, for tests) both implement it.
type JobStore interface {
	CreateFile(ctx context.Context, p CreateFileParams) (models.File, error)
	GetFile(ctx context.Context, fileID string) (models.File, error)

	CreateJob(ctx context.Context, userID, fileID string, thumbnailSizes []string) (models.Job, error)
	SetStatus(ctx context.Context, jobID string, status models.JobStatus, patch StatusPatch) error
	AppendThumbnail(ctx context.Context, jobID string, thumb models.Thumbnail) error
	GetJob(ctx context.Context, jobID string) (models.Job, error)
	ListJobsByUser(ctx context.Context, userID string) ([]models.Job, error)
	ResetForRetry(ctx context.Context, jobID string) error
	DeleteJob(ctx context.Context, jobID string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}
