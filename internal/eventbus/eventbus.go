// Package eventbus implements the topic-based publish/subscribe bus (C3)
// that carries per-job lifecycle events to the edge, decoupled from the
// queue implementation.
package eventbus

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

// Topic names are fixed per the data model; subscribers dispatch on these.
const (
	TopicJobActive    = "job-active"
	TopicJobProgress  = "job-progress"
	TopicJobCompleted = "job-completed"
	TopicJobFailed    = "job-failed"
)

// ActiveEvent announces that a job has been reserved by a worker.
type ActiveEvent struct {
	JobID string `json:"jobId"`
}

// ProgressEvent reports a progress tick for a job already in processing.
type ProgressEvent struct {
	JobID    string `json:"jobId"`
	Progress int    `json:"progress"`
}

// CompletedEvent reports a terminal success.
type CompletedEvent struct {
	JobID       string      `json:"jobId"`
	Status      string      `json:"status"`
	Progress    int         `json:"progress"`
	ReturnValue ReturnValue `json:"returnvalue"`
}

// ReturnValue carries the public URLs of the produced thumbnails.
type ReturnValue struct {
	Thumbnails []string `json:"thumbnails"`
}

// FailedEvent reports a terminal failure.
type FailedEvent struct {
	JobID    string `json:"jobId"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Error    string `json:"error"`
}

// Bus is a Redis Pub/Sub-backed event bus. Publishing is best-effort: each
// publish is one synchronous Redis PUBLISH whose errors are logged, not
// returned; subscribers must tolerate missed events and resync on
// reconnect, per the bus's delivery contract.
type Bus struct {
	client *redis.Client
}

// New wraps an existing Redis client. The queue and the bus typically wrap
// the same client and so share its connection pool.
func New(client *redis.Client) *Bus {
	return &Bus{client: client}
}

// PublishActive publishes a job-active event.
func (b *Bus) PublishActive(ctx context.Context, jobID string) {
	b.publish(ctx, TopicJobActive, ActiveEvent{JobID: jobID})
}

// PublishProgress publishes a job-progress event.
func (b *Bus) PublishProgress(ctx context.Context, jobID string, progress int) {
	b.publish(ctx, TopicJobProgress, ProgressEvent{JobID: jobID, Progress: progress})
}

// PublishCompleted publishes a job-completed event.
func (b *Bus) PublishCompleted(ctx context.Context, jobID string, thumbnailURLs []string) {
	b.publish(ctx, TopicJobCompleted, CompletedEvent{
		JobID:       jobID,
		Status:      "completed",
		Progress:    100,
		ReturnValue: ReturnValue{Thumbnails: thumbnailURLs},
	})
}

// PublishFailed publishes a job-failed event.
func (b *Bus) PublishFailed(ctx context.Context, jobID string, errMsg string) {
	b.publish(ctx, TopicJobFailed, FailedEvent{
		JobID:    jobID,
		Status:   "failed",
		Progress: 0,
		Error:    errMsg,
	})
}

// publish never returns an error to the caller: a dropped event does not
// make the Job record wrong, only the live stream briefly stale.
func (b *Bus) publish(ctx context.Context, topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("eventbus: marshal %s: %v", topic, err)
		return
	}
	if err := b.client.Publish(ctx, topic, data).Err(); err != nil {
		log.Printf("eventbus: publish %s: %v", topic, err)
	}
}

// Subscription wraps a Redis Pub/Sub subscription to one topic.
type Subscription struct {
	pubsub *redis.PubSub
}

// Subscribe opens a subscription to topic. Callers must call Close when
// done. Intended for the edge fan-out layer (out of scope here) and for
// tests that assert on emitted events.
func (b *Bus) Subscribe(ctx context.Context, topic string) *Subscription {
	return &Subscription{pubsub: b.client.Subscribe(ctx, topic)}
}

// Channel exposes the raw Redis message channel.
func (s *Subscription) Channel() <-chan *redis.Message {
	return s.pubsub.Channel()
}

// Close releases the underlying Redis connection.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}
