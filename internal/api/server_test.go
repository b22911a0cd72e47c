package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"thumbnailpipe/internal/config"
	"thumbnailpipe/internal/eventbus"
	"thumbnailpipe/internal/pipeline"
	"thumbnailpipe/internal/queue"
	"thumbnailpipe/internal/ratelimit"
	"thumbnailpipe/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := config.Config{
		ThumbnailSize:       128,
		MaxAttempts:         3,
		EnqueueRateCapacity: 50,
		EnqueueRateRefill:   20,
		OutputDir:           t.TempDir(),
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := eventbus.New(client)
	q := queue.New(client, bus, cfg)
	limiter := ratelimit.NewTokenBucket(client, cfg.EnqueueRateCapacity, cfg.EnqueueRateRefill, time.Hour)
	st := store.NewMemStore()
	pl := pipeline.New(cfg, st, q, limiter)
	return New(pl, st)
}

func TestCreateFileAndEnqueueJob(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	fileBody, _ := json.Marshal(createFileRequest{
		DisplayName: "photo.jpg",
		StoredName:  "abc.jpg",
		MimeType:    "image/jpeg",
		Size:        1024,
		Path:        "/tmp/abc.jpg",
		Kind:        "image",
	})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/files", bytes.NewReader(fileBody))
	req.Header.Set("X-User-ID", "u1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var file struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		t.Fatalf("decode file: %v", err)
	}

	enqueueBody, _ := json.Marshal(enqueueRequest{FileID: file.ID})
	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/jobs", bytes.NewReader(enqueueBody))
	req.Header.Set("X-User-ID", "u1")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var enqueued enqueueResponse
	if err := json.NewDecoder(resp.Body).Decode(&enqueued); err != nil {
		t.Fatalf("decode enqueue response: %v", err)
	}
	if enqueued.JobID == "" {
		t.Fatal("expected non-empty job id")
	}

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/jobs/"+enqueued.JobID, nil)
	req.Header.Set("X-User-ID", "u1")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestGetJobWrongUserIsNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	fileBody, _ := json.Marshal(createFileRequest{StoredName: "abc.jpg", Path: "/tmp/abc.jpg", Kind: "image"})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/files", bytes.NewReader(fileBody))
	req.Header.Set("X-User-ID", "owner")
	resp, _ := http.DefaultClient.Do(req)
	var file struct {
		ID string `json:"id"`
	}
	json.NewDecoder(resp.Body).Decode(&file)
	resp.Body.Close()

	enqueueBody, _ := json.Marshal(enqueueRequest{FileID: file.ID})
	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/jobs", bytes.NewReader(enqueueBody))
	req.Header.Set("X-User-ID", "owner")
	resp, _ = http.DefaultClient.Do(req)
	var enqueued enqueueResponse
	json.NewDecoder(resp.Body).Decode(&enqueued)
	resp.Body.Close()

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/jobs/"+enqueued.JobID, nil)
	req.Header.Set("X-User-ID", "someone-else")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for mismatched user, got %d", resp.StatusCode)
	}
}
