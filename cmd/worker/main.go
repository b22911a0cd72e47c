package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"thumbnailpipe/internal/config"
	"thumbnailpipe/internal/eventbus"
	"thumbnailpipe/internal/media"
	"thumbnailpipe/internal/queue"
	"thumbnailpipe/internal/store"
	"thumbnailpipe/internal/telemetry"
	workerproc "thumbnailpipe/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	bus := eventbus.New(redisClient)
	q := queue.New(redisClient, bus, cfg)
	proc := media.New(cfg)

	var mirror workerproc.ThumbnailMirror
	s3Mirror, err := workerproc.NewS3Mirror(ctx, cfg)
	if err != nil {
		log.Fatalf("init s3 mirror: %v", err)
	}
	if s3Mirror != nil {
		mirror = s3Mirror
	}

	w := workerproc.New(cfg, q, st, bus, proc, mirror)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker started concurrency=%d job_timeout=%s", cfg.WorkerConcurrency, cfg.JobTimeout)
	if err := w.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
