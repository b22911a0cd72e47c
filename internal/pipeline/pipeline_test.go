package pipeline

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"thumbnailpipe/internal/config"
	"thumbnailpipe/internal/eventbus"
	"thumbnailpipe/internal/models"
	"thumbnailpipe/internal/queue"
	"thumbnailpipe/internal/ratelimit"
	"thumbnailpipe/internal/store"
)

func newTestPipeline(t *testing.T) (*Pipeline, *store.MemStore) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := config.Config{
		ThumbnailSize:       128,
		MaxAttempts:         3,
		BackoffBase:         time.Millisecond,
		StallWindow:         time.Minute,
		EnqueueRateCapacity: 10,
		EnqueueRateRefill:   5,
		OutputDir:           t.TempDir(),
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := eventbus.New(client)
	q := queue.New(client, bus, cfg)
	limiter := ratelimit.NewTokenBucket(client, cfg.EnqueueRateCapacity, cfg.EnqueueRateRefill, time.Hour)
	st := store.NewMemStore()
	return New(cfg, st, q, limiter), st
}

func TestEnqueueJobLeavesJobQueued(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	file, err := st.CreateFile(ctx, store.CreateFileParams{UserID: "u1", StoredName: "a.jpg", Kind: models.KindImage, Path: "/tmp/a.jpg"})
	if err != nil {
		t.Fatalf("create file: %v", err)
	}

	jobID, err := p.EnqueueJob(ctx, "u1", file.ID, "image", file.Path, "")
	if err != nil {
		t.Fatalf("enqueue job: %v", err)
	}

	got, err := st.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.StatusQueued {
		t.Fatalf("expected job to be queued immediately after enqueue, got %s", got.Status)
	}
}

func TestRetryJobReturnsToQueued(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	file, err := st.CreateFile(ctx, store.CreateFileParams{UserID: "u1", StoredName: "a.jpg", Kind: models.KindImage, Path: "/tmp/a.jpg"})
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	job, err := st.CreateJob(ctx, "u1", file.ID, []string{"128x128"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	errMsg := "boom"
	if err := st.SetStatus(ctx, job.ID, models.StatusQueued, store.StatusPatch{}); err != nil {
		t.Fatalf("queued: %v", err)
	}
	if err := st.SetStatus(ctx, job.ID, models.StatusProcessing, store.StatusPatch{}); err != nil {
		t.Fatalf("processing: %v", err)
	}
	if err := st.SetStatus(ctx, job.ID, models.StatusFailed, store.StatusPatch{Error: &errMsg}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if err := p.RetryJob(ctx, job.ID); err != nil {
		t.Fatalf("retry job: %v", err)
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.StatusQueued {
		t.Fatalf("expected job to be queued after retry, got %s", got.Status)
	}
	if got.Error != "" {
		t.Fatalf("expected error cleared after retry, got %q", got.Error)
	}
}

func TestRetryJobRejectsNonFailedJob(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	file, _ := st.CreateFile(ctx, store.CreateFileParams{UserID: "u1", StoredName: "a.jpg", Kind: models.KindImage, Path: "/tmp/a.jpg"})
	job, _ := st.CreateJob(ctx, "u1", file.ID, []string{"128x128"})

	if err := p.RetryJob(ctx, job.ID); err != models.ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition for a pending job, got %v", err)
	}
}
