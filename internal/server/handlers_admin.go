package server

import (
	"github.com/gofiber/fiber/v2"

	"crashout/internal/apperr"
	"crashout/internal/money"
	"crashout/internal/store"
)

func (s *FiberServer) adminStatsHandler(c *fiber.Ctx) error {
	stats, err := s.db.GetStats(c.Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(stats)
}

func (s *FiberServer) adminUsersHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	users, err := s.db.ListUsers(c.Context(), limit, offset)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"users": users, "limit": limit, "offset": offset})
}

func (s *FiberServer) adminUpdateUserHandler(c *fiber.Ctx) error {
	userID, err := c.ParamsInt("id")
	if err != nil || userID <= 0 {
		return respondError(c, apperr.New(apperr.InvalidArgument, "invalid user id"))
	}

	var body struct {
		Username *string  `json:"username"`
		Role     *string  `json:"role"`
		IsActive *bool    `json:"is_active"`
		Balance  *float64 `json:"balance"`
	}
	if err := c.BodyParser(&body); err != nil {
		return respondError(c, apperr.New(apperr.InvalidArgument, "invalid update payload"))
	}

	fields := store.UpdateUserFields{
		Username: body.Username,
		IsActive: body.IsActive,
	}
	if body.Role != nil {
		role := store.Role(*body.Role)
		if role != store.RolePlayer && role != store.RoleAdmin {
			return respondError(c, apperr.New(apperr.InvalidArgument, "role must be PLAYER or ADMIN"))
		}
		fields.Role = &role
	}
	if body.Balance != nil {
		amount, err := money.AmountFromFloat(*body.Balance)
		if err != nil || amount < 0 {
			return respondError(c, apperr.New(apperr.InvalidArgument, "balance must be a non-negative amount"))
		}
		fields.Balance = &amount
	}

	user, err := s.db.UpdateUser(c.Context(), int64(userID), fields)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(user)
}

func (s *FiberServer) adminRoundsHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	rounds, err := s.db.ListRounds(c.Context(), limit, offset)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"rounds": rounds, "limit": limit, "offset": offset})
}
