package server

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.AllowedOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api/v1")

	// Authentication. Tight budgets on everything that mints or checks
	// credentials.
	authGroup := api.Group("/auth")
	authGroup.Post("/telegram", s.rateLimit("auth.telegram", 10, time.Minute), s.telegramAuthHandler)
	authGroup.Post("/admin/login", s.rateLimit("auth.adminLogin", 5, time.Minute), s.adminLoginHandler)
	authGroup.Post("/admin/register", s.rateLimit("auth.adminRegister", 3, time.Minute), s.adminRegisterHandler)
	authGroup.Post("/refresh", s.rateLimit("auth.refresh", 10, time.Minute), s.refreshHandler)
	authGroup.Post("/logout", s.requireAuth, s.logoutHandler)
	authGroup.Get("/profile", s.requireAuth, s.rateLimit("auth.profile", 60, time.Minute), s.profileHandler)
	authGroup.Post("/password", s.requireAuth, s.rateLimit("auth.password", 5, time.Minute), s.changePasswordHandler)

	// Player surface. Settings reads are hot; writes are capped low.
	player := api.Group("/player", s.requireAuth)
	player.Get("/settings", s.rateLimit("player.getSettings", 120, time.Minute), s.getSettingsHandler)
	player.Put("/settings", s.rateLimit("player.updateSettings", 12, time.Minute), s.updateSettingsHandler)
	player.Get("/ledger", s.rateLimit("player.ledger", 60, time.Minute), s.ledgerHandler)

	api.Get("/leaderboard", s.optionalAuth, s.rateLimit("leaderboard", 60, time.Minute), s.leaderboardHandler)

	farming := api.Group("/farming", s.requireAuth)
	farming.Get("/status", s.rateLimit("farming.status", 60, time.Minute), s.farmingStatusHandler)
	farming.Post("/claim", s.rateLimit("farming.claim", 6, time.Minute), s.farmingClaimHandler)

	api.Get("/fairness/rounds", s.optionalAuth, s.rateLimit("fairness.recentRounds", 60, time.Minute), s.fairRoundsHandler)

	game := api.Group("/game")
	game.Get("/state", s.rateLimit("game.state", 120, time.Minute), s.gameStateHandler)
	game.Get("/history", s.rateLimit("game.history", 60, time.Minute), s.gameHistoryHandler)

	admin := api.Group("/admin", s.requireAuth, s.requireAdmin, s.rateLimit("admin", 30, time.Minute))
	admin.Get("/stats", s.adminStatsHandler)
	admin.Get("/users", s.adminUsersHandler)
	admin.Patch("/users/:id", s.adminUpdateUserHandler)
	admin.Get("/rounds", s.adminRoundsHandler)

	// Socket attach. Token validation happens inside the handshake so
	// guests can connect too.
	s.App.Use("/ws", s.wsUpgradeMiddleware)
	s.App.Get("/ws", websocket.New(s.gameWebSocketHandler))
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	snapshot := s.engine.Snapshot()
	health := fiber.Map{
		"database": s.db.Health(c.Context()),
		"cache":    s.cache.Health(c.Context()),
		"game": fiber.Map{
			"phase":             snapshot.Phase,
			"round":             snapshot.RoundID,
			"connected_clients": s.hub.SessionCount(),
			"active_sessions":   s.authSvc.ActiveSessions(),
		},
	}
	return c.JSON(health)
}
