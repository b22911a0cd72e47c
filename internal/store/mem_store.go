package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"thumbnailpipe/internal/models"
)

// MemStore is an in-memory JobStore used by tests that exercise the worker
// and queue without a real Postgres instance.
type MemStore struct {
	mu     sync.Mutex
	files  map[string]models.File
	jobs   map[string]models.Job
	audits []string
}

// NewMemStore constructs an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		files: make(map[string]models.File),
		jobs:  make(map[string]models.Job),
	}
}

func (m *MemStore) CreateFile(_ context.Context, p CreateFileParams) (models.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := models.File{
		ID:          uuid.New().String(),
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		StoredName:  p.StoredName,
		MimeType:    p.MimeType,
		Size:        p.Size,
		Path:        p.Path,
		Kind:        p.Kind,
		CreatedAt:   time.Now().UTC(),
	}
	m.files[f.ID] = f
	return f, nil
}

func (m *MemStore) GetFile(_ context.Context, fileID string) (models.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[fileID]
	if !ok {
		return models.File{}, models.ErrNotFound
	}
	return f, nil
}

func (m *MemStore) CreateJob(_ context.Context, userID, fileID string, thumbnailSizes []string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	j := models.Job{
		ID:             uuid.New().String(),
		UserID:         userID,
		FileID:         fileID,
		Status:         models.StatusPending,
		Progress:       0,
		ThumbnailSizes: append([]string{}, thumbnailSizes...),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.jobs[j.ID] = j
	return cloneJob(j), nil
}

func (m *MemStore) SetStatus(_ context.Context, jobID string, status models.JobStatus, patch StatusPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return models.ErrNotFound
	}
	if !models.CanTransition(job.Status, status) {
		return models.ErrInvalidTransition
	}

	now := time.Now().UTC()
	job.Status = status
	if patch.Progress != nil {
		job.Progress = *patch.Progress
	}
	if patch.Error != nil {
		job.Error = *patch.Error
	} else if status != models.StatusFailed {
		job.Error = ""
	}
	if status == models.StatusProcessing && job.StartedAt == nil {
		t := now
		job.StartedAt = &t
	}
	if status == models.StatusCompleted || status == models.StatusFailed {
		t := now
		job.CompletedAt = &t
	}
	if patch.AppendThumbnail != nil {
		thumb := *patch.AppendThumbnail
		if thumb.ID == "" {
			thumb.ID = uuid.New().String()
		}
		job.Thumbnails = append(job.Thumbnails, thumb)
	}
	job.UpdatedAt = now
	m.jobs[jobID] = job
	return nil
}

func (m *MemStore) AppendThumbnail(_ context.Context, jobID string, thumb models.Thumbnail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return models.ErrNotFound
	}
	if thumb.ID == "" {
		thumb.ID = uuid.New().String()
	}
	job.Thumbnails = append(job.Thumbnails, thumb)
	job.UpdatedAt = time.Now().UTC()
	m.jobs[jobID] = job
	return nil
}

func (m *MemStore) GetJob(_ context.Context, jobID string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	return cloneJob(job), nil
}

func (m *MemStore) ListJobsByUser(_ context.Context, userID string) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, j := range m.jobs {
		if j.UserID == userID {
			out = append(out, cloneJob(j))
		}
	}
	for i := 0; i < len(out); i++ {
		for k := i + 1; k < len(out); k++ {
			if out[k].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[k] = out[k], out[i]
			}
		}
	}
	return out, nil
}

func (m *MemStore) ResetForRetry(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return models.ErrNotFound
	}
	if job.Status != models.StatusFailed {
		return models.ErrInvalidTransition
	}
	job.Status = models.StatusPending
	job.Progress = 0
	job.Error = ""
	job.StartedAt = nil
	job.CompletedAt = nil
	job.UpdatedAt = time.Now().UTC()
	m.jobs[jobID] = job
	return nil
}

func (m *MemStore) DeleteJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	return nil
}

func (m *MemStore) AppendAudit(_ context.Context, jobID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, jobID+":"+event+":"+detail)
	return nil
}

func cloneJob(j models.Job) models.Job {
	out := j
	out.ThumbnailSizes = append([]string{}, j.ThumbnailSizes...)
	out.Thumbnails = append([]models.Thumbnail{}, j.Thumbnails...)
	return out
}

var _ JobStore = (*MemStore)(nil)
var _ JobStore = (*Store)(nil)
