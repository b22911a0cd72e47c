// Package worker implements the Worker (C4): it reserves entries from the
// Queue, drives the Media Processor, updates the Job Store, and publishes
// terminal events on the Event Bus. Concurrency is a configured number of
// independent reservation loops; at concurrency=1 this is strict FIFO with
// no additional locking, per the worker's serialization policy.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"thumbnailpipe/internal/config"
	"thumbnailpipe/internal/eventbus"
	"thumbnailpipe/internal/media"
	"thumbnailpipe/internal/models"
	"thumbnailpipe/internal/queue"
	"thumbnailpipe/internal/store"
	"thumbnailpipe/internal/telemetry"
)

// Worker drives the pipeline's consuming side.
type Worker struct {
	cfg         config.Config
	queue       *queue.Queue
	store       store.JobStore
	bus         *eventbus.Bus
	processor   *media.Processor
	mirror      ThumbnailMirror
	concurrency int

	wg      sync.WaitGroup
	stopped chan struct{}
}

// ThumbnailMirror uploads a generated thumbnail to a secondary store. A
// mirror failure is logged, never fatal to the job.
type ThumbnailMirror interface {
	Mirror(ctx context.Context, localPath, key string) (string, error)
}

// New builds a Worker. mirror may be nil when no S3 mirror is configured.
func New(cfg config.Config, q *queue.Queue, st store.JobStore, bus *eventbus.Bus, proc *media.Processor, mirror ThumbnailMirror) *Worker {
	concurrency := cfg.WorkerConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		cfg:         cfg,
		queue:       q,
		store:       st,
		bus:         bus,
		processor:   proc,
		mirror:      mirror,
		concurrency: concurrency,
		stopped:     make(chan struct{}),
	}
}

// Run starts the configured number of reservation loops plus the stall/delay
// reclaim ticker, blocking until ctx is cancelled, then draining in-flight
// work up to ShutdownDrain before returning.
func (w *Worker) Run(ctx context.Context) error {
	var reclaimWG sync.WaitGroup
	reclaimCtx, cancelReclaim := context.WithCancel(context.Background())
	reclaimWG.Add(1)
	go func() {
		defer reclaimWG.Done()
		w.runReclaimLoop(reclaimCtx)
	}()

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func(id int) {
			defer w.wg.Done()
			w.runLoop(ctx, id)
		}(i)
	}

	<-ctx.Done()

	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(w.cfg.ShutdownDrain):
		log.Printf("worker: shutdown drain deadline (%s) elapsed with jobs still in flight", w.cfg.ShutdownDrain)
	}

	cancelReclaim()
	reclaimWG.Wait()
	return nil
}

func (w *Worker) runLoop(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		entry, err := w.queue.Reserve(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			log.Printf("worker[%d]: reserve: %v", id, err)
			continue
		}
		telemetry.InFlightGauge.Inc()
		w.process(ctx, entry)
		telemetry.InFlightGauge.Dec()
	}
}

// runReclaimLoop periodically promotes due backoff entries back to ready
// and reclaims stalled in-flight entries, writing terminal failures to the
// Job Store for any that have exhausted their attempts.
func (w *Worker) runReclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if _, err := w.queue.PromoteDelayed(ctx, now); err != nil {
				log.Printf("worker: promote delayed: %v", err)
			}
			stalled, err := w.queue.ReclaimStalled(ctx, now)
			if err != nil {
				log.Printf("worker: reclaim stalled: %v", err)
			}
			for _, s := range stalled {
				telemetry.StallReclaims.Inc()
				if s.Exhausted {
					w.finalizeExhaustedStall(ctx, s)
				}
			}
			if depth, err := w.queue.ReadyDepth(ctx); err == nil {
				telemetry.QueueDepthGauge.Set(float64(depth))
			}
			if inflight, err := w.queue.InflightDepth(ctx); err == nil {
				telemetry.InFlightGauge.Set(float64(inflight))
			}
		}
	}
}

func (w *Worker) finalizeExhaustedStall(ctx context.Context, s queue.StalledEntry) {
	errMsg := "job stalled: no progress within the stall window"
	w.failJob(ctx, s.JobID, errMsg)
	w.bus.PublishFailed(ctx, s.JobID, errMsg)
	telemetry.WorkerDeadLetter.Inc()
}

// process executes exactly one attempt for entry end to end: status
// transitions, the Media Processor call with its timeout, and the
// terminal Ack/Nack.
func (w *Worker) process(ctx context.Context, entry *queue.Entry) {
	env := entry.Envelope

	if entry.Attempt > 1 {
		if err := w.store.ResetForRetry(ctx, env.JobID); err != nil && !errors.Is(err, models.ErrInvalidTransition) {
			log.Printf("worker: reset for retry %s: %v", env.JobID, err)
		}
	}

	progress := 10
	if err := w.store.SetStatus(ctx, env.JobID, models.StatusProcessing, store.StatusPatch{Progress: &progress}); err != nil {
		log.Printf("worker: set processing %s: %v", env.JobID, err)
	}
	w.bus.PublishProgress(ctx, env.JobID, 10)

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	result, err := w.processor.Process(jobCtx, env.FilePath, env.Kind, env.OutputDir, func(percent int) {
		if uerr := w.queue.UpdateProgress(ctx, entry, percent); uerr != nil {
			log.Printf("worker: update progress %s: %v", env.JobID, uerr)
		}
	})
	telemetry.ProcessDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if jobCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("job timeout: %w", err)
		}
		w.failAttempt(ctx, entry, err.Error())
		return
	}

	w.succeed(ctx, entry, result)
}

func (w *Worker) succeed(ctx context.Context, entry *queue.Entry, result media.Result) {
	env := entry.Envelope
	size := fmt.Sprintf("%dx%d", result.Width, result.Height)
	filename := filepath.Base(result.ThumbnailPath)
	publicURL := "/uploads/thumbnails/" + filename

	thumb := models.Thumbnail{
		JobID:    env.JobID,
		FileID:   env.FileID,
		Size:     size,
		Width:    result.Width,
		Height:   result.Height,
		Filename: filename,
		Path:     result.ThumbnailPath,
		URL:      publicURL,
	}

	if w.mirror != nil {
		if _, err := w.mirror.Mirror(ctx, result.ThumbnailPath, filename); err != nil {
			log.Printf("worker: mirror thumbnail %s: %v", env.JobID, err)
		}
	}

	completed := 100
	if err := w.store.SetStatus(ctx, env.JobID, models.StatusCompleted, store.StatusPatch{
		Progress:        &completed,
		AppendThumbnail: &thumb,
	}); err != nil {
		log.Printf("worker: set completed %s: %v", env.JobID, err)
	}

	if err := w.queue.Ack(ctx, entry); err != nil {
		log.Printf("worker: ack %s: %v", env.JobID, err)
	}

	w.bus.PublishCompleted(ctx, env.JobID, []string{thumb.URL})
	telemetry.WorkerSuccess.Inc()
}

// failAttempt writes the terminal-looking failure for this attempt, then
// lets the queue decide whether it is actually terminal (Nack handles the
// maxAttempts check) before publishing job-failed, per the retry reset
// ordering rule: an internal `failed` state between retries is permissible,
// but the observable record after all attempts must end in `failed`.
func (w *Worker) failAttempt(ctx context.Context, entry *queue.Entry, errMsg string) {
	env := entry.Envelope
	w.failJob(ctx, env.JobID, errMsg)

	if err := w.queue.Nack(ctx, entry); err != nil {
		log.Printf("worker: nack %s: %v", env.JobID, err)
	}

	if entry.Attempt >= w.cfg.MaxAttempts {
		w.bus.PublishFailed(ctx, env.JobID, errMsg)
		telemetry.WorkerDeadLetter.Inc()
	} else {
		telemetry.WorkerFailures.Inc()
	}
}

func (w *Worker) failJob(ctx context.Context, jobID, errMsg string) {
	if err := w.store.SetStatus(ctx, jobID, models.StatusFailed, store.StatusPatch{Error: &errMsg}); err != nil {
		log.Printf("worker: set failed %s: %v", jobID, err)
	}
}
