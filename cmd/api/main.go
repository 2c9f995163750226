package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"crashout/internal/auth"
	"crashout/internal/cache"
	"crashout/internal/config"
	"crashout/internal/fair"
	"crashout/internal/jobs"
	"crashout/internal/server"
	"crashout/internal/store"
)

func main() {
	cfg := config.Load()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if cfg.IsProduction() {
		log.SetFormatter(&log.JSONFormatter{})
	}

	databaseURL := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBSchema)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := store.NewPostgres(ctx, databaseURL, store.Defaults{
		MaxDailyWager:  cfg.DailyWagerDefault,
		MaxDailyLoss:   cfg.DailyLossDefault,
		MaxGamesPerDay: cfg.DailyGamesDefault,
	})
	cancel()
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}

	cacheSvc, err := cache.New(cache.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.WithError(err).Fatal("redis is required")
	}

	authSvc := auth.NewService(cfg.TokenSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, cfg.SessionIdleLimit)
	oracle := fair.NewOracle(cfg.HouseEdgeBasisPoints)

	srv := server.New(cfg, db, cacheSvc, authSvc, oracle)
	srv.RegisterFiberRoutes()
	srv.Start()

	scheduler, err := jobs.New(authSvc, srv.Engine())
	if err != nil {
		log.WithError(err).Fatal("failed to build scheduler")
	}
	scheduler.Start()

	go func() {
		if err := srv.Listen(":" + cfg.Port); err != nil {
			log.WithError(err).Fatal("server stopped")
		}
	}()
	log.WithField("port", cfg.Port).Info("server listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Stop taking new connections, let the live round crash and settle,
	// then tear down.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.App.ShutdownWithContext(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown failed")
	}
	if err := scheduler.Stop(); err != nil {
		log.WithError(err).Warn("scheduler shutdown failed")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown incomplete")
	}
	log.Info("bye")
}
