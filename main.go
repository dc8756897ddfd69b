package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"fileconverter/cleanup"
	"fileconverter/config"
	"fileconverter/converters"
	"fileconverter/handlers"
	"fileconverter/jobs"
	"fileconverter/queue"
	"fileconverter/ratelimit"
	"fileconverter/status"
	"fileconverter/storage"
	"fileconverter/workers"
)

func main() {
	log.Println("Starting file conversion service...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Println("Connected to Redis successfully")

	var backend storage.Backend
	switch cfg.StorageType {
	case "s3":
		backend = storage.NewS3(cfg)
		log.Printf("Using S3 storage (bucket %s)", cfg.S3Bucket)
	default:
		local, err := storage.NewLocal(cfg.LocalStorageDir, cfg.MaxFileSize)
		if err != nil {
			log.Fatalf("Failed to initialize local storage: %v", err)
		}
		backend = local
		log.Printf("Using local storage at %s", cfg.LocalStorageDir)
	}

	registry := converters.NewRegistry()
	registry.RegisterDefaults(
		cfg.ImageMagickPath,
		cfg.PdftoppmPath,
		cfg.SofficePath,
		converters.NewGotenbergClient(cfg.GotenbergURL),
	)

	store := status.NewRedis(redisClient, cfg.RedisPrefix, 0)
	q := queue.NewRedis(redisClient, cfg.PendingQueue, cfg.ProcessingQueue)
	limiter := ratelimit.NewRedisLimiter(redisClient, cfg.RedisPrefix, cfg.RateLimitPerHour)

	svc := jobs.NewService(registry, limiter, store, q, backend, cfg.MaxFilesPerReq, cfg.MaxFileSize)
	pool := workers.NewPool(cfg, q, store, backend, registry)
	sweeper := cleanup.NewSweeper(store, backend, cfg.RetentionWindow, cfg.CleanupInterval)

	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(context.Background())

	for i := 0; i < cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			pool.StartWorker(runCtx, workerID)
		}(i)
	}
	log.Printf("Started %d conversion workers", cfg.WorkerCount)

	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.RecoveryLoop(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(runCtx)
	}()

	handler := handlers.NewHandler(
		svc, q, backend,
		func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		cfg.WorkerCount,
		pool.Active,
	)
	globalLimiter := rate.NewLimiter(rate.Limit(cfg.GlobalRPS), cfg.GlobalBurst)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handlers.Routes(handler, globalLimiter),
	}

	go func() {
		log.Printf("HTTP server listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	log.Printf("Listening on Redis queue: %s", cfg.PendingQueue)
	log.Println("Service is ready to process conversions")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutdown signal received, stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("All workers stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Println("Shutdown timeout, forcing exit")
	}

	redisClient.Close()
	log.Println("Conversion service stopped")
}
