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

	"codedrill-backend/internal/config"
	"codedrill-backend/internal/database"
	"codedrill-backend/internal/handlers"
	"codedrill-backend/internal/middleware"
	"codedrill-backend/internal/repository"
	"codedrill-backend/internal/router"
	"codedrill-backend/internal/services"
	"codedrill-backend/internal/websocket"
	"codedrill-backend/internal/worker"
)

func main() {
	log.Println("🚀 Starting CodeDrill Backend...")

	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()
	log.Println("✓ Environment variables loaded")

	// ──── Step 2: Initialize PostgreSQL Connection Pool ────
	pool, err := database.NewPostgresPool(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("✗ PostgreSQL connection failed: %v", err)
	}
	defer pool.Close()
	log.Println("✓ PostgreSQL connected")

	// ──── Step 3: Initialize Redis Clients ────
	redisClients, err := database.NewRedisClients(cfg.RedisURL)
	if err != nil {
		log.Fatalf("✗ Redis connection failed: %v", err)
	}
	defer redisClients.Close()
	log.Println("✓ Redis connected")

	// ──── Step 4: Run Database Migrations ────
	if err := database.RunMigrations(pool, "migrations"); err != nil {
		log.Fatalf("✗ Database migration failed: %v", err)
	}
	log.Println("✓ Database migrations applied")

	// ──── Initialize Repositories ────
	userRepo := repository.NewUserRepo(pool)
	sessionRepo := repository.NewSessionRepo(pool)
	historyRepo := repository.NewHistoryRepo(pool)
	problemRepo := repository.NewProblemRepo(pool)

	// ──── Initialize Services ────
	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret)
	authService := services.NewAuthService(userRepo, redisClients.Queue, jwtAuth)

	publisher := services.NewPublisher(redisClients.Queue)
	sessionCache := services.NewSessionCache(redisClients.Queue, cfg.SessionCacheTTL)
	recoveryService := services.NewRecoveryService(sessionRepo, problemRepo, redisClients.Queue, cfg.RecoverySummaryTTL)
	analyticsService := services.NewAnalyticsService(sessionRepo, historyRepo, redisClients.Queue, publisher, cfg.AnalyticsFlushInterval)
	presenceTracker := services.NewPresenceTracker(sessionRepo, sessionCache, publisher, cfg.HeartbeatInterval)
	sessionService := services.NewSessionService(sessionRepo, problemRepo, recoveryService, analyticsService, presenceTracker, sessionCache, publisher)

	// ──── Step 5: Start Background Loops ────
	analyticsService.Start()
	log.Println("✓ Analytics aggregator started")

	presenceTracker.Start()
	log.Println("✓ Presence tracker started")

	expiryScheduler := services.NewExpiryScheduler(sessionRepo, analyticsService, sessionCache, publisher, cfg.SessionStaleAfter, cfg.PausedRetention, cfg.ExpirySweepInterval)
	expiryScheduler.Start()
	log.Println("✓ Expiry scheduler started")

	workerPool := worker.NewPool(redisClients.Queue, sessionRepo, cfg.WorkerCount)
	workerPool.Start()
	log.Printf("✓ Worker pool started (%d goroutines)", cfg.WorkerCount)

	// ──── Step 6: Start WebSocket Hub ────
	wsHub := websocket.NewHub(redisClients.PubSub, cfg.JWTSecret, sessionService, presenceTracker)
	log.Println("✓ WebSocket hub started")

	// ──── Step 7: Start HTTP Server ────
	authHandler := handlers.NewAuthHandler(authService)
	sessionHandler := handlers.NewSessionHandler(sessionService, analyticsService, recoveryService, historyRepo)
	problemHandler := handlers.NewProblemHandler(problemRepo)

	r := router.New(
		jwtAuth,
		authHandler,
		sessionHandler,
		problemHandler,
		wsHub,
		cfg.FrontendURL,
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down...")
		workerPool.Stop()
		expiryScheduler.Stop()
		presenceTracker.Stop()
		analyticsService.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	log.Printf("✓ CodeDrill Backend ready on http://localhost:%s", cfg.Port)
	log.Printf("  API: http://localhost:%s/api/v1", cfg.Port)
	log.Printf("  WS:  ws://localhost:%s/api/v1/ws", cfg.Port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
