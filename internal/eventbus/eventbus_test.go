package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestPublishSubscribeCompleted(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := New(client)

	sub := bus.Subscribe(ctx, TopicJobCompleted)
	defer sub.Close()

	// Give the subscription a moment to register before publishing.
	time.Sleep(20 * time.Millisecond)
	bus.PublishCompleted(ctx, "job-1", []string{"/uploads/thumbnails/thumb_1.jpg"})

	select {
	case msg := <-sub.Channel():
		var evt CompletedEvent
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if evt.JobID != "job-1" || evt.Status != "completed" || evt.Progress != 100 {
			t.Fatalf("unexpected event: %+v", evt)
		}
		if len(evt.ReturnValue.Thumbnails) != 1 {
			t.Fatalf("expected one thumbnail url, got %+v", evt.ReturnValue.Thumbnails)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job-completed event")
	}
}

func TestPublishFailed(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := New(client)

	sub := bus.Subscribe(ctx, TopicJobFailed)
	defer sub.Close()

	time.Sleep(20 * time.Millisecond)
	bus.PublishFailed(ctx, "job-2", "input missing")

	select {
	case msg := <-sub.Channel():
		var evt FailedEvent
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if evt.JobID != "job-2" || evt.Error != "input missing" || evt.Progress != 0 {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job-failed event")
	}
}
