// Package queue implements the durable FIFO job queue (C2): a Redis ready
// list, an in-flight sorted set keyed by lease deadline, and a delayed set
// for backoff, generalized from a priority-tiered design down to the single
// global FIFO list the ordering policy requires.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"thumbnailpipe/internal/config"
	"thumbnailpipe/internal/eventbus"
	"thumbnailpipe/internal/models"
)

// Envelope is the processing payload carried through the queue for one job,
// per the data model's Envelope definition.
type Envelope struct {
	JobID          string   `json:"jobId"`
	FileID         string   `json:"fileId"`
	UserID         string   `json:"userId"`
	FilePath       string   `json:"filePath"`
	Kind           string   `json:"kind"`
	ThumbnailSizes []string `json:"thumbnailSizes"`
	OutputDir      string   `json:"outputDir"`
}

// Entry is the handle returned by Reserve. The caller must Ack or Nack it
// exactly once.
type Entry struct {
	JobID    string
	Attempt  int
	Envelope Envelope
}

// meta is the per-job bookkeeping record stored alongside the envelope.
type meta struct {
	Envelope    Envelope  `json:"envelope"`
	Attempt     int       `json:"attempt"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// Queue is the Redis-backed implementation of the durable FIFO queue.
type Queue struct {
	client *redis.Client
	bus    *eventbus.Bus

	readyKey     string
	inflightKey  string
	delayedKey   string
	dlqKey       string
	metaPrefix   string

	maxAttempts  int
	backoffBase  time.Duration
	stallWindow  time.Duration
	paused       bool
}

// New builds a Queue from config, sharing the Redis client with other
// components that need it (the bus is constructed separately but typically
// wraps the same client).
func New(client *redis.Client, bus *eventbus.Bus, cfg config.Config) *Queue {
	return &Queue{
		client:      client,
		bus:         bus,
		readyKey:    "thumbq:ready",
		inflightKey: "thumbq:inflight",
		delayedKey:  "thumbq:delayed",
		dlqKey:      "thumbq:dlq",
		metaPrefix:  "thumbq:meta:",
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		stallWindow: cfg.StallWindow,
	}
}

func (q *Queue) metaKey(jobID string) string {
	return q.metaPrefix + jobID
}

// Enqueue inserts a job identifier into the ready list, rejecting the call
// if the jobID already has a live entry anywhere in the queue.
func (q *Queue) Enqueue(ctx context.Context, env Envelope) error {
	exists, err := q.client.Exists(ctx, q.metaKey(env.JobID)).Result()
	if err != nil {
		return fmt.Errorf("queue: check existing: %w", err)
	}
	if exists > 0 {
		return models.ErrDuplicateJob
	}

	m := meta{Envelope: env, Attempt: 0, EnqueuedAt: time.Now().UTC()}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("queue: marshal meta: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.metaKey(env.JobID), data, 0)
	pipe.RPush(ctx, q.readyKey, env.JobID)
	_, err = pipe.Exec(ctx)
	return err
}

// Reserve blocks until a job is available (or ctx is cancelled), moving it
// from the ready list into the in-flight set with a lease deadline, and
// publishes job-active.
func (q *Queue) Reserve(ctx context.Context) (*Entry, error) {
	for {
		res, err := dequeueScript.Run(ctx, q.client,
			[]string{q.readyKey, q.inflightKey},
			time.Now().Add(q.stallWindow).UnixMilli(),
		).Result()
		if err == redis.Nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(250 * time.Millisecond):
				continue
			}
		}
		if err != nil {
			return nil, fmt.Errorf("queue: dequeue: %w", err)
		}

		jobID, ok := res.(string)
		if !ok {
			return nil, fmt.Errorf("queue: unexpected dequeue result %T", res)
		}

		m, err := q.loadMeta(ctx, jobID)
		if err != nil {
			// Meta vanished between list pop and load; drop this lease and
			// keep looking rather than surface a broken entry.
			q.client.ZRem(ctx, q.inflightKey, jobID)
			continue
		}
		m.Attempt++
		if err := q.saveMeta(ctx, jobID, m); err != nil {
			return nil, fmt.Errorf("queue: save meta: %w", err)
		}

		q.bus.PublishActive(ctx, jobID)
		return &Entry{JobID: jobID, Attempt: m.Attempt, Envelope: m.Envelope}, nil
	}
}

// UpdateProgress refreshes the entry's stall deadline and publishes
// job-progress. Called by the worker on every Media Processor progress tick.
func (q *Queue) UpdateProgress(ctx context.Context, entry *Entry, percent int) error {
	err := q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(q.stallWindow).UnixMilli()),
		Member: entry.JobID,
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: refresh lease: %w", err)
	}
	q.bus.PublishProgress(ctx, entry.JobID, percent)
	return nil
}

// Ack marks the entry completed and removes its bookkeeping. The
// job-completed event is published by the worker directly, per the single
// emission point resolution, not here.
func (q *Queue) Ack(ctx context.Context, entry *Entry) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, entry.JobID)
	pipe.Del(ctx, q.metaKey(entry.JobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Nack reports a failed attempt. If attempts remain, the entry is
// rescheduled with exponential backoff; otherwise it is moved to the DLQ.
// job-failed is published by the worker, not here, for the same reason Ack
// does not publish job-completed.
func (q *Queue) Nack(ctx context.Context, entry *Entry) error {
	m, err := q.loadMeta(ctx, entry.JobID)
	if err != nil {
		// Meta already gone (e.g. concurrent Ack/Nack): report it as the
		// already-acked case the contract calls out.
		return models.ErrAlreadyAcked
	}

	if m.Attempt < q.maxAttempts {
		delay := q.backoffBase * time.Duration(1<<uint(m.Attempt-1))
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.inflightKey, entry.JobID)
		pipe.ZAdd(ctx, q.delayedKey, redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: entry.JobID,
		})
		_, err := pipe.Exec(ctx)
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, entry.JobID)
	pipe.RPush(ctx, q.dlqKey, entry.JobID)
	pipe.Del(ctx, q.metaKey(entry.JobID))
	_, err = pipe.Exec(ctx)
	return err
}

// Remove best-effort removes a waiting entry from the ready list.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, jobID)
	pipe.ZRem(ctx, q.delayedKey, jobID)
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Pause stops PromoteDelayed from releasing jobs into the ready list; it
// does not affect entries already in flight.
func (q *Queue) Pause() { q.paused = true }

// Resume re-enables delayed-job promotion.
func (q *Queue) Resume() { q.paused = false }

// PromoteDelayed moves jobs whose backoff has elapsed back into the ready
// list. The worker calls this on a ticker alongside ReclaimStalled.
func (q *Queue) PromoteDelayed(ctx context.Context, now time.Time) (int, error) {
	if q.paused {
		return 0, nil
	}
	return q.moveDue(ctx, q.delayedKey, q.readyKey, now)
}

// StalledEntry reports the outcome of reclaiming one stalled in-flight job:
// either returned to the ready list for another attempt, or exhausted and
// moved to the DLQ, in which case the worker is responsible for writing the
// terminal failure to the Job Store and publishing job-failed, since that
// is worker-side per this queue's single-emission-point split.
type StalledEntry struct {
	JobID     string
	Envelope  Envelope
	Exhausted bool
}

// ReclaimStalled finds in-flight entries whose lease has expired without an
// Ack, Nack, or progress refresh within the stall window, and either
// requeues them (counting the stall as a spent attempt, since Reserve
// already incremented Attempt when the lease was first taken) or, if
// attempts are exhausted, dead-letters them.
func (q *Queue) ReclaimStalled(ctx context.Context, now time.Time) ([]StalledEntry, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var out []StalledEntry
	for _, id := range ids {
		m, err := q.loadMeta(ctx, id)
		if err != nil {
			q.client.ZRem(ctx, q.inflightKey, id)
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.inflightKey, id)
		if m.Attempt < q.maxAttempts {
			pipe.RPush(ctx, q.readyKey, id)
			out = append(out, StalledEntry{JobID: id, Envelope: m.Envelope, Exhausted: false})
		} else {
			pipe.RPush(ctx, q.dlqKey, id)
			pipe.Del(ctx, q.metaKey(id))
			out = append(out, StalledEntry{JobID: id, Envelope: m.Envelope, Exhausted: true})
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return out, err
		}
	}
	return out, nil
}

// Clean removes dead-lettered job identifiers older than olderThan from the
// DLQ bookkeeping. This queue has a single DLQ, not one per kind, so Clean
// takes no kind argument.
func (q *Queue) Clean(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	ids, err := q.client.LRange(ctx, q.dlqKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		m, err := q.loadMeta(ctx, id)
		if err == nil && !m.EnqueuedAt.Before(cutoff) {
			continue
		}
		q.client.LRem(ctx, q.dlqKey, 0, id)
		removed++
	}
	return removed, nil
}

// ReadyDepth returns the number of jobs waiting in the ready list, for
// gauge metrics.
func (q *Queue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// InflightDepth returns the number of leased jobs, for gauge metrics.
func (q *Queue) InflightDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

func (q *Queue) moveDue(ctx context.Context, fromKey, toKey string, now time.Time) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, fromKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, fromKey, id)
		pipe.RPush(ctx, toKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (q *Queue) loadMeta(ctx context.Context, jobID string) (meta, error) {
	raw, err := q.client.Get(ctx, q.metaKey(jobID)).Bytes()
	if err != nil {
		return meta{}, err
	}
	var m meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return meta{}, err
	}
	return m, nil
}

func (q *Queue) saveMeta(ctx context.Context, jobID string, m meta) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, q.metaKey(jobID), data, 0).Err()
}

// dequeueScript atomically pops the head of the ready list and leases it
// into the in-flight sorted set, returning the job identifier (or nil if
// the list is empty).
var dequeueScript = redis.NewScript(`
local ready = KEYS[1]
local inflight = KEYS[2]
local job = redis.call('LPOP', ready)
if job then
  redis.call('ZADD', inflight, ARGV[1], job)
  return job
end
return nil
`)
