package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"presence/internal/attendance"
	"presence/internal/config"
	"presence/internal/faceclient"
	"presence/internal/geofence"
	"presence/internal/matcher"
	"presence/internal/queue"
	"presence/internal/store"
	"presence/internal/worker"
)

// Worker consumes queue messages: it enrolls faces from image URLs and writes
// the decision audit log.
func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend == "memory" {
		log.Fatal("QUEUE_BACKEND=memory is served in-process by the api, the worker needs redis")
	}

	matchCfg, err := cfg.MatcherConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("db migrate failed: %v", err)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	q := queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)

	// The worker only enrolls; api instances pick up the change over redis.
	svc := attendance.NewService(attendance.NewRepository(db.Client), matcher.NewSnapshot(matchCfg.Dimension), attendance.Options{
		Matcher:        matchCfg,
		Geofence:       geofence.Validator{MaxAccuracyMeters: cfg.MaxAccuracyM},
		DefaultRadiusM: cfg.DefaultRadiusM,
	}).WithNotifier(redisClient)
	if _, err := svc.ReloadGallery(ctx); err != nil {
		log.Fatalf("gallery load failed: %v", err)
	}

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip, cfg.EmbeddingDim)

	// Check face service health on startup
	if !cfg.FaceSkip {
		if err := face.Health(ctx); err != nil {
			log.Printf("WARNING: Face service not available: %v", err)
			log.Println("Enroll jobs will fail until it is reachable")
		} else {
			log.Println("Face service connected")
		}
	}

	go serveMetrics(ctx, ":"+cfg.MetricsPort)

	log.Printf("worker started on %s, waiting for messages...", cfg.QueueKey)
	if err := worker.NewProcessor(svc, face).Run(ctx, q); err != nil {
		log.Fatalf("worker: %v", err)
	}
	log.Println("worker stopped")
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Printf("metrics on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("metrics server: %v", err)
	}
}
