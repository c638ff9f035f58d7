package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"companion-backend/internal/config"
	"companion-backend/internal/database"
	"companion-backend/internal/docstore"
	"companion-backend/internal/handlers"
	"companion-backend/internal/middleware"
	"companion-backend/internal/repository"
	"companion-backend/internal/router"
	"companion-backend/internal/services"
	"companion-backend/internal/websocket"
	"companion-backend/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and WebSocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(config.Load())
	},
}

func serve(cfg *config.Config) error {
	log.Println("🚀 Starting Companion Backend...")
	log.Println("✓ Environment variables loaded")

	// ──── Step 1: Redis (optional unless it is the document store) ────
	var redisClients *database.RedisClients
	if cfg.RedisURL != "" {
		clients, err := database.NewRedisClients(cfg.RedisURL)
		if err != nil {
			if cfg.StoreType == "redis" {
				return fmt.Errorf("redis connection failed: %w", err)
			}
			log.Printf("✗ Redis connection failed, WebSocket fan-out stays local: %v", err)
		} else {
			redisClients = clients
			defer redisClients.Close()
			log.Println("✓ Redis connected")
		}
	}

	// ──── Step 2: Document Store ────
	store, err := openStore(cfg, redisClients)
	if err != nil {
		return fmt.Errorf("document store initialization failed: %w", err)
	}
	defer store.Close()
	log.Printf("✓ Document store ready (%s)", cfg.StoreType)

	sessionRepo := repository.NewSessionRepo(store)
	progressRepo := repository.NewProgressRepo(store)
	companionRepo := repository.NewCompanionRepo(store)

	// ──── Step 3: Completion Service ────
	var backend services.CompletionBackend
	var curriculum *services.CurriculumGenerator
	pipelineOpts := services.PipelineOptions{
		HistoryTurns: cfg.CompletionHistoryTurns,
		MaxTokens:    cfg.CompletionMaxTokens,
		RetryDelay:   cfg.CompletionRetryDelay,
	}
	if cfg.GeminiAPIKey != "" {
		gemini, err := services.NewGeminiBackend(cfg.GeminiAPIKey, cfg.GeminiConcurrentReqs)
		if err != nil {
			return fmt.Errorf("gemini client initialization failed: %w", err)
		}
		defer gemini.Close()
		backend = gemini
		log.Println("✓ Gemini client initialized")
	} else {
		log.Println("✗ GEMINI_API_KEY not set, replies will use fallback messages")
	}
	pipeline := services.NewPipeline(backend, nil, pipelineOpts)
	if gemini, ok := backend.(*services.GeminiBackend); ok {
		curriculum = services.NewCurriculumGenerator(gemini, pipeline.Selector())
	}

	// ──── Step 4: Persistence Workers ────
	workerPool := worker.NewPool(sessionRepo, cfg.PersistWorkers)
	workerPool.Start()
	log.Printf("✓ Worker pool started (%d goroutines)", cfg.PersistWorkers)

	// ──── Step 5: WebSocket Hub & Speech Devices ────
	var pubsub *redis.Client
	if redisClients != nil {
		pubsub = redisClients.PubSub
	}
	wsHub := websocket.NewHub(pubsub, cfg.JWTSecret)
	devices := websocket.NewDeviceRegistry(wsHub)
	wsHub.SetHandler(devices)
	log.Println("✓ WebSocket hub started")

	// ──── Step 6: Session Engine ────
	companionService := services.NewCompanionService(companionRepo, sessionRepo, progressRepo, curriculum)
	registry := services.NewRegistry(companionService, services.ManagerDeps{
		Sessions:  sessionRepo,
		Progress:  progressRepo,
		Pipeline:  pipeline,
		Persister: workerPool,
		Publisher: wsHub,
		Speech: services.SpeechOptions{
			Lang:     cfg.SpeechLanguage,
			Rate:     services.DefaultSpeechRate,
			Pitch:    services.DefaultSpeechPitch,
			Cooldown: cfg.SpeechCooldown,
		},
	}, devices.NewDevice)
	devices.Bind(registry)

	reaper := services.NewIdleReaper(registry, cfg.SessionIdleTimeout)
	reaper.Start()

	// ──── Step 7: HTTP Server ────
	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret)
	messageLimiter := middleware.NewRateLimiter(30, time.Minute)
	defer messageLimiter.Stop()

	r := router.New(
		jwtAuth,
		handlers.NewSessionHandler(registry),
		handlers.NewCompanionHandler(companionService),
		messageLimiter,
		wsHub,
		cfg.FrontendURL,
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		reaper.Stop()
		registry.CloseAll(ctx)
		server.Shutdown(ctx)
		workerPool.Stop()
	}()

	log.Printf("✓ Companion Backend ready on http://localhost:%s", cfg.Port)
	log.Printf("  API: http://localhost:%s/api/v1", cfg.Port)
	log.Printf("  WS:  ws://localhost:%s/api/v1/ws", cfg.Port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	<-done
	return nil
}

// openStore builds the document store selected by STORE_TYPE. Postgres
// migrations are applied on open.
func openStore(cfg *config.Config, redisClients *database.RedisClients) (docstore.Store, error) {
	switch cfg.StoreType {
	case "postgres":
		ctx := context.Background()
		pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, database.DefaultPoolOptions(cfg.PersistWorkers))
		if err != nil {
			return nil, err
		}
		applied, err := database.RunMigrations(ctx, pool, "migrations")
		if err != nil {
			pool.Close()
			return nil, err
		}
		log.Printf("✓ Database migrations applied (%d new)", applied)
		return docstore.NewPostgres(pool), nil
	case "redis":
		if redisClients == nil {
			return nil, fmt.Errorf("STORE_TYPE=redis requires REDIS_URL")
		}
		return docstore.NewRedis(redisClients.Store), nil
	case "sqlite":
		return docstore.NewSQLite(cfg.SQLitePath)
	case "memory":
		return docstore.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported STORE_TYPE %q", cfg.StoreType)
	}
}
