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

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"presence/internal/attendance"
	"presence/internal/auth"
	"presence/internal/config"
	"presence/internal/faceclient"
	"presence/internal/geofence"
	"presence/internal/handler"
	"presence/internal/httpmiddleware"
	"presence/internal/matcher"
	"presence/internal/queue"
	"presence/internal/store"
	"presence/internal/worker"
)

func main() {
	cfg := config.Load()

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	matchCfg, err := cfg.MatcherConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := store.NewRedis(cfg.RedisAddr)
	memoryMode := cfg.StoreBackend == "memory"

	var (
		db   *store.DB
		repo attendance.Store
	)
	if memoryMode {
		log.Println("WARNING: STORE_BACKEND=memory, decisions and enrollments are lost on restart")
		repo = attendance.NewMemoryStore()
	} else {
		db, err = store.NewDB(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		repo = attendance.NewRepository(db.Client)
	}

	var q queue.Queue
	var memQueue *queue.InMemory
	if cfg.QueueBackend == "memory" {
		memQueue = queue.NewInMemory(64)
		q = memQueue
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	}

	svc := attendance.NewService(repo, matcher.NewSnapshot(matchCfg.Dimension), attendance.Options{
		Matcher:        matchCfg,
		Geofence:       geofence.Validator{MaxAccuracyMeters: cfg.MaxAccuracyM},
		DedupWindow:    cfg.DedupWindow,
		WindowGrace:    cfg.WindowGrace,
		DefaultRadiusM: cfg.DefaultRadiusM,
	}).WithEvents(q)
	if !memoryMode {
		svc.WithNotifier(redisClient)
	}

	gallery, err := svc.ReloadGallery(ctx)
	if err != nil {
		return err
	}
	log.Printf("gallery loaded: %d enrollments, %d identities (%s, threshold %.3f)",
		gallery.Len(), gallery.Identities(), matchCfg.Metric, matchCfg.Threshold)

	r := gin.New()

	// Recovery middleware
	r.Use(gin.Recovery())

	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	r.Use(corsMiddleware(cfg.CORSOrigins))
	r.Use(securityHeaders())

	// Rate limiting: shared window in redis, per-process bucket when redis is down
	r.Use(httpmiddleware.RateLimit(httpmiddleware.Fallback{
		Primary:   httpmiddleware.NewRedisWindow(redisClient.Client, cfg.RateLimitPerMin),
		Secondary: httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin),
	}))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := memoryMode || (db != nil && db.Client.PingContext(c.Request.Context()) == nil)
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		g := svc.Gallery()
		c.JSON(status, gin.H{
			"status":     "ok",
			"redis":      redisHealthy,
			"db":         dbHealthy,
			"gallery":    g.Len(),
			"identities": g.Identities(),
		})
	})

	tokens := auth.Issuer{
		Name:       cfg.JWTIssuer,
		Key:        cfg.JWTSigningKey,
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
	}
	handler.New(svc, tokens, cfg.AdminAPIKey).Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down server...")

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server forced shutdown: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		var changes <-chan struct{}
		if !memoryMode {
			changes = redisClient.GalleryChanges(gctx)
		}
		return svc.WatchGallery(gctx, changes, cfg.GalleryRefresh)
	})
	if memQueue != nil {
		// No separate worker can reach an in-process queue.
		face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip, cfg.EmbeddingDim)
		g.Go(func() error {
			return worker.NewProcessor(svc, face).Run(gctx, memQueue)
		})
	}

	err = g.Wait()
	log.Println("Server exited")
	return err
}

// CORS for browser dashboards. "*" allows every origin without credentials.
func corsMiddleware(origins []string) gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Admin-Key"},
		MaxAge:       24 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = origins
		cc.AllowCredentials = true
	}
	return cors.New(cc)
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
