package server

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"crashout/internal/apperr"
	"crashout/internal/money"
	"crashout/internal/store"
)

func (s *FiberServer) getSettingsHandler(c *fiber.Ctx) error {
	identity := identityFrom(c)
	settings, err := s.db.GetPlayerSettings(c.Context(), identity.UserID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(settings)
}

// updateSettingsHandler applies a partial update over the allowlisted
// fields only; anything else in the body is ignored.
func (s *FiberServer) updateSettingsHandler(c *fiber.Ctx) error {
	identity := identityFrom(c)

	var body struct {
		AutoCashoutEnabled *bool    `json:"auto_cashout_enabled"`
		AutoCashoutTarget  *float64 `json:"auto_cashout_target"`
		SoundEnabled       *bool    `json:"sound_enabled"`
		DailyLimitsEnabled *bool    `json:"daily_limits_enabled"`
		MaxDailyWager      *float64 `json:"max_daily_wager"`
		MaxDailyLoss       *float64 `json:"max_daily_loss"`
		MaxGamesPerDay     *int     `json:"max_games_per_day"`
	}
	if err := c.BodyParser(&body); err != nil {
		return respondError(c, apperr.New(apperr.InvalidArgument, "invalid settings payload"))
	}

	update := store.SettingsUpdate{
		AutoCashoutEnabled: body.AutoCashoutEnabled,
		SoundEnabled:       body.SoundEnabled,
		DailyLimitsEnabled: body.DailyLimitsEnabled,
		MaxGamesPerDay:     body.MaxGamesPerDay,
	}
	if body.AutoCashoutTarget != nil {
		target, err := money.MultiplierFromFloat(*body.AutoCashoutTarget)
		if err != nil || target <= money.BaseMultiplier {
			return respondError(c, apperr.New(apperr.InvalidArgument, "auto cashout target must be above 1.00").
				WithDetails("auto_cashout_target: above 1.00, two decimal places"))
		}
		update.AutoCashoutTarget = &target
	}
	if body.MaxDailyWager != nil {
		amount, err := money.AmountFromFloat(*body.MaxDailyWager)
		if err != nil || !amount.IsPositive() {
			return respondError(c, apperr.New(apperr.InvalidArgument, "max daily wager must be positive"))
		}
		update.MaxDailyWager = &amount
	}
	if body.MaxDailyLoss != nil {
		amount, err := money.AmountFromFloat(*body.MaxDailyLoss)
		if err != nil || !amount.IsPositive() {
			return respondError(c, apperr.New(apperr.InvalidArgument, "max daily loss must be positive"))
		}
		update.MaxDailyLoss = &amount
	}
	if body.MaxGamesPerDay != nil && *body.MaxGamesPerDay <= 0 {
		return respondError(c, apperr.New(apperr.InvalidArgument, "max games per day must be positive"))
	}

	settings, err := s.db.UpsertPlayerSettings(c.Context(), identity.UserID, update)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(settings)
}

func (s *FiberServer) ledgerHandler(c *fiber.Ctx) error {
	identity := identityFrom(c)
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	entries, err := s.db.LedgerEntries(c.Context(), identity.UserID, limit)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"entries": entries})
}

func (s *FiberServer) leaderboardHandler(c *fiber.Ctx) error {
	sortKey := store.LeaderboardSort(c.Query("sort", string(store.SortByBalance)))
	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}

	const minGamesForWinRate = 10
	entries, err := s.db.Leaderboard(c.Context(), sortKey, limit, minGamesForWinRate)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"sort": sortKey, "entries": entries})
}

func (s *FiberServer) farmingStatusHandler(c *fiber.Ctx) error {
	identity := identityFrom(c)
	user, err := s.db.FindUser(c.Context(), identity.UserID)
	if err != nil {
		return respondError(c, err)
	}

	resp := fiber.Map{
		"reward":    s.cfg.FarmingReward,
		"cycle_sec": int(s.cfg.FarmingCycle.Seconds()),
		"claimable": true,
	}
	if user.FarmingClaimedAt != nil {
		next := user.FarmingClaimedAt.Add(s.cfg.FarmingCycle)
		if remaining := time.Until(next); remaining > 0 {
			resp["claimable"] = false
			resp["next_claim_in_sec"] = int(remaining.Seconds())
		}
	}
	return c.JSON(resp)
}

func (s *FiberServer) farmingClaimHandler(c *fiber.Ctx) error {
	identity := identityFrom(c)
	user, err := s.db.ClaimFarmingPoints(c.Context(), identity.UserID, s.cfg.FarmingCycle, s.cfg.FarmingReward)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"balance": user.Balance,
		"reward":  s.cfg.FarmingReward,
		"xp":      user.XP,
	})
}

func (s *FiberServer) gameStateHandler(c *fiber.Ctx) error {
	snapshot := s.engine.Snapshot()
	if snapshot.Phase == "" {
		return respondError(c, apperr.New(apperr.NotFound, "no active game round"))
	}
	return c.JSON(snapshot)
}

// gameHistoryHandler reads the crash history persisted in redis, which
// reaches further back than the live snapshot's ring.
func (s *FiberServer) gameHistoryHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 100 {
		limit = 50
	}
	crashes, err := s.cache.RecentCrashes(c.Context(), limit)
	if err != nil {
		return respondError(c, apperr.Wrap(apperr.Internal, "history unavailable", err))
	}
	return c.JSON(fiber.Map{"crashes": crashes})
}
