package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	log "github.com/sirupsen/logrus"

	"crashout/internal/auth"
	"crashout/internal/cache"
	"crashout/internal/config"
	"crashout/internal/fair"
	"crashout/internal/game"
	"crashout/internal/store"
	"crashout/internal/ws"
)

type FiberServer struct {
	*fiber.App

	cfg     *config.Config
	db      store.Store
	cache   cache.Service
	authSvc *auth.Service
	engine  *game.Engine
	hub     *ws.Hub
}

// crashRecorder tees terminal crash events into the durable history list in
// redis while forwarding everything to the hub.
type crashRecorder struct {
	*ws.Hub
	cache cache.Service
}

func (r *crashRecorder) Publish(ev game.Event) {
	if ev.Terminal && ev.Snapshot.Phase == game.PhaseCrashed {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := r.cache.RecordCrash(ctx, ev.Snapshot.CrashPoint); err != nil {
			log.WithError(err).Warn("failed to persist crash history")
		}
		cancel()
	}
	r.Hub.Publish(ev)
}

// New wires the full server: store, cache, credential service, hub and
// engine. The engine and hub are started by the caller.
func New(cfg *config.Config, db store.Store, cacheSvc cache.Service, authSvc *auth.Service, oracle fair.Oracle) *FiberServer {
	hub := ws.NewHub()
	engine := game.NewEngine(game.Config{
		MinBet:            cfg.MinBet,
		MaxBet:            cfg.MaxBet,
		DefaultBalance:    cfg.DefaultBalance,
		CountdownDuration: cfg.CountdownDuration,
		TickInterval:      cfg.TickInterval,
		PostCrashPause:    cfg.PostCrashPause,
		StoreTimeout:      cfg.StoreTimeout,
	}, oracle, db, &crashRecorder{Hub: hub, cache: cacheSvc})

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "crashout",
			AppName:       "crashout",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		cfg:     cfg,
		db:      db,
		cache:   cacheSvc,
		authSvc: authSvc,
		engine:  engine,
		hub:     hub,
	}

	server.App.Use(recover.New())

	return server
}

// Engine exposes the round engine for startup and shutdown wiring.
func (s *FiberServer) Engine() *game.Engine { return s.engine }

// Hub exposes the broadcast fabric for startup and shutdown wiring.
func (s *FiberServer) Hub() *ws.Hub { return s.hub }

// Start launches the hub and the round engine.
func (s *FiberServer) Start() {
	go s.hub.Run()
	s.engine.Start()
	log.Info("game engine and hub started")
}

// Shutdown drains the current round, then tears the stack down.
func (s *FiberServer) Shutdown(ctx context.Context) error {
	log.Info("shutting down")

	if err := s.engine.Drain(ctx); err != nil {
		log.WithError(err).Warn("engine drain aborted")
	}
	s.hub.Stop()

	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	return nil
}
