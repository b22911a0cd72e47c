// Package pipeline is the single explicit value tying together the Job
// Store, Queue, and rate limiter handles that the management API depends
// on — no package-level singletons, per the Design Notes' "no hidden
// globals" guidance.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"thumbnailpipe/internal/config"
	"thumbnailpipe/internal/models"
	"thumbnailpipe/internal/queue"
	"thumbnailpipe/internal/ratelimit"
	"thumbnailpipe/internal/store"
	"thumbnailpipe/internal/telemetry"
)

// Pipeline bundles the handles EnqueueJob and the management API need.
type Pipeline struct {
	Store   store.JobStore
	Queue   *queue.Queue
	Limiter *ratelimit.TokenBucket
	Cfg     config.Config
}

// New constructs a Pipeline from already-built component handles.
func New(cfg config.Config, st store.JobStore, q *queue.Queue, limiter *ratelimit.TokenBucket) *Pipeline {
	return &Pipeline{Store: st, Queue: q, Limiter: limiter, Cfg: cfg}
}

// ErrRateLimited is returned when the per-user enqueue rate is exceeded.
var ErrRateLimited = fmt.Errorf("enqueue rate limited")

// EnqueueJob is the inbound contract the upload boundary calls once a
// File record already exists: given a userId, fileId, kind, and filePath,
// it creates a pending Job and enqueues its processing envelope, returning
// the new jobId.
func (p *Pipeline) EnqueueJob(ctx context.Context, userID, fileID, kind, filePath, outputDir string) (string, error) {
	if p.Limiter != nil {
		allowed, _, err := p.Limiter.Allow(ctx, "enqueue:"+userID)
		if err != nil {
			return "", fmt.Errorf("rate limit check: %w", err)
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			return "", ErrRateLimited
		}
	}

	thumbnailSizes := []string{fmt.Sprintf("%dx%d", p.Cfg.ThumbnailSize, p.Cfg.ThumbnailSize)}

	job, err := p.Store.CreateJob(ctx, userID, fileID, thumbnailSizes)
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	if outputDir == "" {
		outputDir = filepath.Join(p.Cfg.OutputDir)
	}

	env := queue.Envelope{
		JobID:          job.ID,
		FileID:         fileID,
		UserID:         userID,
		FilePath:       filePath,
		Kind:           kind,
		ThumbnailSizes: thumbnailSizes,
		OutputDir:      outputDir,
	}
	if err := p.Queue.Enqueue(ctx, env); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	// The queue's lifecycle event for a successful enqueue marks the job
	// queued; a failure here is logged but not fatal, since the entry is
	// already durably on the queue and the worker will still process it.
	if err := p.Store.SetStatus(ctx, job.ID, models.StatusQueued, store.StatusPatch{}); err != nil {
		log.Printf("pipeline: set queued %s: %v", job.ID, err)
	}

	telemetry.EnqueueCounter.Inc()
	return job.ID, nil
}

// RetryJob resets a failed job to pending and re-enqueues it, implementing
// the user-driven retry path.
func (p *Pipeline) RetryJob(ctx context.Context, jobID string) error {
	job, err := p.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.StatusFailed {
		return models.ErrInvalidTransition
	}
	if err := p.Store.ResetForRetry(ctx, jobID); err != nil {
		return err
	}

	file, err := p.Store.GetFile(ctx, job.FileID)
	if err != nil {
		return fmt.Errorf("load file for retry: %w", err)
	}

	env := queue.Envelope{
		JobID:          job.ID,
		FileID:         job.FileID,
		UserID:         job.UserID,
		FilePath:       file.Path,
		Kind:           string(file.Kind),
		ThumbnailSizes: job.ThumbnailSizes,
		OutputDir:      p.Cfg.OutputDir,
	}
	if err := p.Queue.Enqueue(ctx, env); err != nil {
		return err
	}

	if err := p.Store.SetStatus(ctx, job.ID, models.StatusQueued, store.StatusPatch{}); err != nil {
		log.Printf("pipeline: set queued %s: %v", job.ID, err)
	}
	return nil
}
