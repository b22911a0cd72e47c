package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"thumbnailpipe/internal/models"
)

// Store wraps pgxpool for Postgres persistence of the Job Store.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateFile inserts an immutable File record.
func (s *Store) CreateFile(ctx context.Context, p CreateFileParams) (models.File, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO files (id, user_id, display_name, stored_name, mime_type, size, path, kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, id, p.UserID, p.DisplayName, p.StoredName, p.MimeType, p.Size, p.Path, string(p.Kind), now)
	if err != nil {
		return models.File{}, fmt.Errorf("insert file: %w", err)
	}
	return models.File{
		ID:          id,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		StoredName:  p.StoredName,
		MimeType:    p.MimeType,
		Size:        p.Size,
		Path:        p.Path,
		Kind:        p.Kind,
		CreatedAt:   now,
	}, nil
}

// GetFile fetches a file by id.
func (s *Store) GetFile(ctx context.Context, fileID string) (models.File, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, display_name, stored_name, mime_type, size, path, kind, created_at
		FROM files WHERE id = $1
	`, fileID)
	var f models.File
	var kind string
	if err := row.Scan(&f.ID, &f.UserID, &f.DisplayName, &f.StoredName, &f.MimeType, &f.Size, &f.Path, &kind, &f.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.File{}, models.ErrNotFound
		}
		return models.File{}, fmt.Errorf("scan file: %w", err)
	}
	f.Kind = models.FileKind(kind)
	return f, nil
}

// CreateJob inserts a job row in status pending, progress 0.
func (s *Store) CreateJob(ctx context.Context, userID, fileID string, thumbnailSizes []string) (models.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	sizesJSON, err := json.Marshal(thumbnailSizes)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal thumbnail sizes: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, user_id, file_id, status, progress, thumbnail_sizes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $6)
	`, id, userID, fileID, string(models.StatusPending), sizesJSON, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return models.Job{
		ID:             id,
		UserID:         userID,
		FileID:         fileID,
		Status:         models.StatusPending,
		Progress:       0,
		ThumbnailSizes: thumbnailSizes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// SetStatus transitions a job's status, enforcing the legal status DAG,
// and applies the optional patch fields atomically.
func (s *Store) SetStatus(ctx context.Context, jobID string, status models.JobStatus, patch StatusPatch) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current models.JobStatus
	var startedAt, completedAt pgtype.Timestamptz
	var currentProgress int
	if err := tx.QueryRow(ctx, `SELECT status, progress, started_at, completed_at FROM jobs WHERE id = $1 FOR UPDATE`, jobID).
		Scan(&current, &currentProgress, &startedAt, &completedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrNotFound
		}
		return fmt.Errorf("load job for transition: %w", err)
	}

	if !models.CanTransition(current, status) {
		return models.ErrInvalidTransition
	}

	now := time.Now().UTC()
	progress := currentProgress
	if patch.Progress != nil {
		progress = *patch.Progress
	}
	errText := ""
	if patch.Error != nil {
		errText = *patch.Error
	}

	newStarted := startedAt
	if status == models.StatusProcessing && !startedAt.Valid {
		newStarted = pgtype.Timestamptz{Time: now, Valid: true}
	}
	newCompleted := completedAt
	if status == models.StatusCompleted || status == models.StatusFailed {
		newCompleted = pgtype.Timestamptz{Time: now, Valid: true}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $2, progress = $3, error = $4, started_at = $5, completed_at = $6, updated_at = $7
		WHERE id = $1
	`, jobID, string(status), progress, nullableText(errText), newStarted, newCompleted, now); err != nil {
		return fmt.Errorf("update job status: %w", err)
	}

	if patch.AppendThumbnail != nil {
		if err := insertThumbnail(ctx, tx, jobID, *patch.AppendThumbnail); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// AppendThumbnail adds a Thumbnail record owned by the job.
func (s *Store) AppendThumbnail(ctx context.Context, jobID string, thumb models.Thumbnail) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := insertThumbnail(ctx, tx, jobID, thumb); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertThumbnail(ctx context.Context, tx pgx.Tx, jobID string, thumb models.Thumbnail) error {
	id := thumb.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO thumbnails (id, job_id, file_id, size, width, height, filename, path, url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, id, jobID, thumb.FileID, thumb.Size, thumb.Width, thumb.Height, thumb.Filename, thumb.Path, thumb.URL)
	if err != nil {
		return fmt.Errorf("insert thumbnail: %w", err)
	}
	return nil
}

// GetJob fetches a job and its thumbnails.
func (s *Store) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, file_id, status, progress, thumbnail_sizes, error, started_at, completed_at, created_at, updated_at
		FROM jobs WHERE id = $1
	`, jobID)

	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, err
	}

	thumbs, err := s.loadThumbnails(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	job.Thumbnails = thumbs
	return job, nil
}

// ListJobsByUser returns a user's jobs ordered by createdAt desc.
func (s *Store) ListJobsByUser(ctx context.Context, userID string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, file_id, status, progress, thumbnail_sizes, error, started_at, completed_at, created_at, updated_at
		FROM jobs WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		thumbs, err := s.loadThumbnails(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		job.Thumbnails = thumbs
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ResetForRetry resets a failed job to pending, clearing error/timestamps.
func (s *Store) ResetForRetry(ctx context.Context, jobID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current models.JobStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrNotFound
		}
		return fmt.Errorf("load job for reset: %w", err)
	}
	if current != models.StatusFailed {
		return models.ErrInvalidTransition
	}

	if _, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $2, progress = 0, error = NULL, started_at = NULL, completed_at = NULL, updated_at = $3
		WHERE id = $1
	`, jobID, string(models.StatusPending), time.Now().UTC()); err != nil {
		return fmt.Errorf("reset job: %w", err)
	}
	return tx.Commit(ctx)
}

// DeleteJob removes a job and cascades to its thumbnails.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts) VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

func (s *Store) loadThumbnails(ctx context.Context, jobID string) ([]models.Thumbnail, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, file_id, size, width, height, filename, path, url
		FROM thumbnails WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query thumbnails: %w", err)
	}
	defer rows.Close()

	var thumbs []models.Thumbnail
	for rows.Next() {
		var t models.Thumbnail
		if err := rows.Scan(&t.ID, &t.JobID, &t.FileID, &t.Size, &t.Width, &t.Height, &t.Filename, &t.Path, &t.URL); err != nil {
			return nil, fmt.Errorf("scan thumbnail: %w", err)
		}
		thumbs = append(thumbs, t)
	}
	return thumbs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var status string
	var sizesJSON []byte
	var errText pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.UserID, &job.FileID, &status, &job.Progress, &sizesJSON, &errText, &startedAt, &completedAt, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, models.ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = models.JobStatus(status)
	if err := json.Unmarshal(sizesJSON, &job.ThumbnailSizes); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal thumbnail sizes: %w", err)
	}
	if errText.Valid {
		job.Error = errText.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
