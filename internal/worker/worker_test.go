package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"thumbnailpipe/internal/config"
	"thumbnailpipe/internal/eventbus"
	"thumbnailpipe/internal/media"
	"thumbnailpipe/internal/models"
	"thumbnailpipe/internal/queue"
	"thumbnailpipe/internal/store"
)

func writeInputJPEG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			img.Set(x, y, color.RGBA{R: 100, G: 150, B: 200, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create input: %v", err)
	}
	defer f.Close()
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode input: %v", err)
	}
}

func TestHappyImagePathCompletesJob(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	dir := t.TempDir()
	input := filepath.Join(dir, "input.jpg")
	writeInputJPEG(t, input)

	cfg := config.Config{
		ThumbnailSize:       128,
		ThumbnailQuality:    80,
		MaxAttempts:         3,
		BackoffBase:         time.Millisecond,
		JobTimeout:          5 * time.Second,
		VideoExtractTimeout: time.Second,
		StallWindow:         5 * time.Second,
		WorkerConcurrency:   1,
		ShutdownDrain:       time.Second,
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := eventbus.New(client)
	q := queue.New(client, bus, cfg)
	st := store.NewMemStore()
	proc := media.New(cfg)
	w := New(cfg, q, st, bus, proc, nil)

	file, err := st.CreateFile(context.Background(), store.CreateFileParams{UserID: "u1", StoredName: "input.jpg", Kind: models.KindImage, Path: input})
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	job, err := st.CreateJob(context.Background(), "u1", file.ID, []string{"128x128"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	if err := q.Enqueue(context.Background(), queue.Envelope{
		JobID:     job.ID,
		FileID:    file.ID,
		UserID:    "u1",
		FilePath:  input,
		Kind:      "image",
		OutputDir: dir,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub := bus.Subscribe(context.Background(), eventbus.TopicJobCompleted)
	defer sub.Close()

	runCtx, runCancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(runCtx)
		close(done)
	}()

	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		got, err := st.GetJob(ctx, job.ID)
		if err == nil && (got.Status == models.StatusCompleted || got.Status == models.StatusFailed) {
			if got.Status != models.StatusCompleted {
				t.Fatalf("expected job to complete, got status=%s error=%s", got.Status, got.Error)
			}
			if len(got.Thumbnails) != 1 {
				t.Fatalf("expected exactly one thumbnail, got %d", len(got.Thumbnails))
			}
			runCancel()
			<-done

			select {
			case msg := <-sub.Channel():
				if !bytes.Contains([]byte(msg.Payload), []byte(job.ID)) {
					t.Fatalf("expected job-completed event for %s, got %s", job.ID, msg.Payload)
				}
			case <-time.After(time.Second):
				t.Fatal("expected a job-completed event on the bus from the real worker run")
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	runCancel()
	<-done
	t.Fatal("job did not reach a terminal state before the test deadline")
}

// TestFIFOOrderingWithSingleWorker enqueues two jobs in order and, with a
// single reservation loop (concurrency 1), asserts job-completed events are
// observed in the same order they were enqueued.
func TestFIFOOrderingWithSingleWorker(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	dir := t.TempDir()
	inputA := filepath.Join(dir, "a.jpg")
	inputB := filepath.Join(dir, "b.jpg")
	writeInputJPEG(t, inputA)
	writeInputJPEG(t, inputB)

	cfg := config.Config{
		ThumbnailSize:       128,
		ThumbnailQuality:    80,
		MaxAttempts:         3,
		BackoffBase:         time.Millisecond,
		JobTimeout:          5 * time.Second,
		VideoExtractTimeout: time.Second,
		StallWindow:         5 * time.Second,
		WorkerConcurrency:   1,
		ShutdownDrain:       time.Second,
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := eventbus.New(client)
	q := queue.New(client, bus, cfg)
	st := store.NewMemStore()
	proc := media.New(cfg)
	w := New(cfg, q, st, bus, proc, nil)

	fileA, _ := st.CreateFile(context.Background(), store.CreateFileParams{UserID: "u1", StoredName: "a.jpg", Kind: models.KindImage, Path: inputA})
	jobA, _ := st.CreateJob(context.Background(), "u1", fileA.ID, []string{"128x128"})
	fileB, _ := st.CreateFile(context.Background(), store.CreateFileParams{UserID: "u1", StoredName: "b.jpg", Kind: models.KindImage, Path: inputB})
	jobB, _ := st.CreateJob(context.Background(), "u1", fileB.ID, []string{"128x128"})

	sub := bus.Subscribe(context.Background(), eventbus.TopicJobCompleted)
	defer sub.Close()

	if err := q.Enqueue(context.Background(), queue.Envelope{JobID: jobA.ID, FileID: fileA.ID, UserID: "u1", FilePath: inputA, Kind: "image", OutputDir: dir}); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if err := q.Enqueue(context.Background(), queue.Envelope{JobID: jobB.ID, FileID: fileB.ID, UserID: "u1", FilePath: inputB, Kind: "image", OutputDir: dir}); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(runCtx)
		close(done)
	}()
	defer func() {
		runCancel()
		<-done
	}()

	var order []string
	for len(order) < 2 {
		select {
		case msg := <-sub.Channel():
			var evt eventbus.CompletedEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				t.Fatalf("unmarshal completed event: %v", err)
			}
			order = append(order, evt.JobID)
		case <-time.After(4 * time.Second):
			t.Fatalf("timed out waiting for both jobs to complete, got order %v", order)
		}
	}

	if order[0] != jobA.ID || order[1] != jobB.ID {
		t.Fatalf("expected FIFO completion order [%s %s], got %v", jobA.ID, jobB.ID, order)
	}
}

// TestRetryThenSucceed drives a video job whose frame-extraction subprocess
// fails on the first attempt and succeeds on the second, exercising the
// queue's Nack-backoff-requeue path and the worker's attempt>1 retry reset
// ordering (ResetForRetry then a direct pending -> processing transition)
// end to end.
func TestRetryThenSucceed(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	dir := t.TempDir()
	input := filepath.Join(dir, "input.mp4")
	writeInputJPEG(t, input) // fake ffmpeg just copies this file; content doesn't matter

	counter := filepath.Join(dir, "attempts.count")
	ffmpeg := flakyFFMPEG(t, dir, counter)

	cfg := config.Config{
		ThumbnailSize:       128,
		ThumbnailQuality:    80,
		VideoCaptureTime:    "00:00:01",
		FFMPEGPath:          ffmpeg,
		MaxAttempts:         3,
		BackoffBase:         time.Millisecond,
		JobTimeout:          5 * time.Second,
		VideoExtractTimeout: time.Second,
		StallWindow:         5 * time.Second,
		WorkerConcurrency:   1,
		ShutdownDrain:       time.Second,
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := eventbus.New(client)
	q := queue.New(client, bus, cfg)
	st := store.NewMemStore()
	proc := media.New(cfg)
	w := New(cfg, q, st, bus, proc, nil)

	file, err := st.CreateFile(context.Background(), store.CreateFileParams{UserID: "u1", StoredName: "input.mp4", Kind: models.KindVideo, Path: input})
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	job, err := st.CreateJob(context.Background(), "u1", file.ID, []string{"128x128"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	if err := q.Enqueue(context.Background(), queue.Envelope{
		JobID:     job.ID,
		FileID:    file.ID,
		UserID:    "u1",
		FilePath:  input,
		Kind:      "video",
		OutputDir: dir,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()
	runCtx, runCancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(runCtx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := st.GetJob(ctx, job.ID)
		if err == nil && got.Status == models.StatusCompleted {
			if len(got.Thumbnails) != 1 {
				t.Fatalf("expected exactly one thumbnail, got %d", len(got.Thumbnails))
			}
			runCancel()
			<-done

			data, rerr := os.ReadFile(counter)
			if rerr != nil {
				t.Fatalf("read attempt counter: %v", rerr)
			}
			if string(data) == "1\n" || string(data) == "1" {
				t.Fatal("expected more than one ffmpeg invocation — job should not have succeeded on the first attempt")
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	runCancel()
	<-done
	t.Fatal("job did not complete before the test deadline")
}

// flakyFFMPEG writes a script that fails every invocation until the second,
// then behaves like fakeFFMPEG (copying -i's argument to the destination).
func flakyFFMPEG(t *testing.T, dir, counterPath string) string {
	t.Helper()
	script := filepath.Join(dir, "flaky-ffmpeg.sh")
	contents := `#!/bin/sh
count=0
if [ -f "` + counterPath + `" ]; then
  count=$(cat "` + counterPath + `")
fi
count=$((count + 1))
echo "$count" > "` + counterPath + `"
if [ "$count" -lt 2 ]; then
  echo "forced failure" >&2
  exit 1
fi
input=""
prev=""
for arg in "$@"; do
  if [ "$prev" = "-i" ]; then
    input="$arg"
  fi
  prev="$arg"
  dest="$arg"
done
cp "$input" "$dest"
`
	if err := os.WriteFile(script, []byte(contents), 0o755); err != nil {
		t.Fatalf("write flaky ffmpeg: %v", err)
	}
	return script
}
