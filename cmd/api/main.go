package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"lokal/api/internal/app"
	"lokal/api/internal/authpw"
	"lokal/api/internal/config"
	"lokal/api/internal/ratelimit"
	"lokal/api/internal/search"
	"lokal/api/internal/session"
	"lokal/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	authService := authpw.NewService(dataStore)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliAPIKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
	}

	// Refresh tokens and the message rate limiter share one Redis
	// connection; without Redis both fall back (Postgres sessions,
	// unthrottled sends) so a single-node dev setup still works.
	var sessions *session.RedisStore
	var limiter ratelimit.Limiter = ratelimit.Unlimited{}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		sessions, err = session.NewRedisStore(cfg.RedisURL, dataStore)
		if err != nil {
			log.Printf("WARNING: redis unavailable, using Postgres sessions: %v", err)
			sessions = nil
		} else {
			defer sessions.Close()
			limiter = ratelimit.NewRedisLimiter(sessions.Client(), cfg.MessageRateWindow, cfg.MessageRateBudget)
			log.Printf("Using Redis for refresh tokens and message throttling")
		}
	}

	var service *app.Service
	if sessions != nil {
		service = app.New(cfg, dataStore, sessions, authService, limiter, searchService)
	} else {
		service = app.New(cfg, dataStore, nil, authService, limiter, searchService)
	}
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}
	searchService.ReindexAllFromPG(ctx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Lokal API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
