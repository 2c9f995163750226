package server

import (
	"github.com/gofiber/fiber/v2"
)

// fairRoundsHandler is the audit surface: recent crashed rounds with their
// commitments, and server seeds revealed once past the grace period. A
// verifier re-hashes the seed and re-derives the crash point.
func (s *FiberServer) fairRoundsHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 25)
	if limit < 1 || limit > 100 {
		limit = 25
	}

	rounds, err := s.db.GetRecentFairRounds(c.Context(), limit, s.cfg.SeedRevealGrace)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"house_edge_bp":    s.cfg.HouseEdgeBasisPoints,
		"reveal_grace_sec": int(s.cfg.SeedRevealGrace.Seconds()),
		"rounds":           rounds,
	})
}
