package server

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"crashout/internal/apperr"
	"crashout/internal/auth"
	"crashout/internal/store"
)

type tokenResponse struct {
	User   *store.User     `json:"user"`
	Tokens *auth.TokenPair `json:"tokens"`
}

// telegramAuthHandler validates a Telegram WebApp payload, upserts the user
// and issues tokens.
func (s *FiberServer) telegramAuthHandler(c *fiber.Ctx) error {
	var body struct {
		InitData string `json:"init_data"`
	}
	if err := c.BodyParser(&body); err != nil || body.InitData == "" {
		return respondError(c, apperr.New(apperr.InvalidArgument, "init_data is required"))
	}

	tgUser, err := auth.ValidateInitData(body.InitData, s.cfg.TelegramBotToken)
	if err != nil {
		return respondError(c, err)
	}

	externalID := fmt.Sprintf("%d", tgUser.ID)
	user, err := s.db.FindUserByExternalID(c.Context(), externalID)
	if apperr.Is(err, apperr.NotFound) {
		user, err = s.db.CreateUser(c.Context(), store.CreateUserParams{
			ExternalID:     &externalID,
			Username:       tgUser.DisplayName(),
			InitialBalance: s.cfg.DefaultBalance,
		})
	}
	if err != nil {
		return respondError(c, err)
	}
	if !user.IsActive {
		return respondError(c, apperr.New(apperr.PermissionDenied, "account deactivated"))
	}

	tokens, err := s.authSvc.IssueTokens(user.ID, user.Role)
	if err != nil {
		return respondError(c, err)
	}
	if err := s.db.RecordLogin(c.Context(), user.ID); err != nil {
		log.WithError(err).Warn("failed to record login")
	}

	return c.JSON(tokenResponse{User: user, Tokens: tokens})
}

// adminLoginHandler is the password flow for operators.
func (s *FiberServer) adminLoginHandler(c *fiber.Ctx) error {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil || body.Username == "" || body.Password == "" {
		return respondError(c, apperr.New(apperr.InvalidArgument, "username and password are required").
			WithDetails("username: required", "password: required"))
	}

	user, err := s.db.AuthenticateUser(c.Context(), body.Username, body.Password)
	if err != nil {
		return respondError(c, err)
	}
	if user.Role != store.RoleAdmin {
		return respondError(c, apperr.New(apperr.PermissionDenied, "admin role required"))
	}

	tokens, err := s.authSvc.IssueTokens(user.ID, user.Role)
	if err != nil {
		return respondError(c, err)
	}
	if err := s.db.RecordLogin(c.Context(), user.ID); err != nil {
		log.WithError(err).Warn("failed to record login")
	}

	return c.JSON(tokenResponse{User: user, Tokens: tokens})
}

// adminRegisterHandler creates an admin account. Gated by the shared
// registration key and disabled in production unless explicitly enabled.
func (s *FiberServer) adminRegisterHandler(c *fiber.Ctx) error {
	if s.cfg.IsProduction() && !s.cfg.AdminRegistrationOpen {
		return respondError(c, apperr.New(apperr.PermissionDenied, "admin registration is disabled"))
	}
	if s.cfg.AdminRegistrationSecret == "" {
		return respondError(c, apperr.New(apperr.FailedPrecondition, "admin registration is not configured"))
	}

	var body struct {
		Username        string `json:"username"`
		Password        string `json:"password"`
		RegistrationKey string `json:"registration_key"`
	}
	if err := c.BodyParser(&body); err != nil || body.Username == "" || len(body.Password) < 8 {
		return respondError(c, apperr.New(apperr.InvalidArgument, "invalid registration payload").
			WithDetails("username: required", "password: at least 8 characters"))
	}
	if body.RegistrationKey != s.cfg.AdminRegistrationSecret {
		return respondError(c, apperr.New(apperr.PermissionDenied, "wrong registration key"))
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		return respondError(c, err)
	}
	user, err := s.db.CreateUser(c.Context(), store.CreateUserParams{
		Username:     body.Username,
		Role:         store.RoleAdmin,
		PasswordHash: &hash,
	})
	if err != nil {
		return respondError(c, err)
	}

	tokens, err := s.authSvc.IssueTokens(user.ID, user.Role)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(tokenResponse{User: user, Tokens: tokens})
}

func (s *FiberServer) refreshHandler(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil || body.RefreshToken == "" {
		return respondError(c, apperr.New(apperr.InvalidArgument, "refresh_token is required"))
	}

	access, _, err := s.authSvc.Refresh(body.RefreshToken)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"access_token": access})
}

func (s *FiberServer) logoutHandler(c *fiber.Ctx) error {
	identity := identityFrom(c)
	s.authSvc.Logout(identity.UserID)
	return c.JSON(fiber.Map{"message": "logged out"})
}

func (s *FiberServer) profileHandler(c *fiber.Ctx) error {
	identity := identityFrom(c)
	user, err := s.db.FindUser(c.Context(), identity.UserID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"user":       user,
		"net_profit": user.NetProfit(),
	})
}

func (s *FiberServer) changePasswordHandler(c *fiber.Ctx) error {
	identity := identityFrom(c)

	var body struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := c.BodyParser(&body); err != nil || len(body.NewPassword) < 8 {
		return respondError(c, apperr.New(apperr.InvalidArgument, "invalid password payload").
			WithDetails("new_password: at least 8 characters"))
	}

	user, err := s.db.FindUser(c.Context(), identity.UserID)
	if err != nil {
		return respondError(c, err)
	}
	if _, err := s.db.AuthenticateUser(c.Context(), user.Username, body.CurrentPassword); err != nil {
		return respondError(c, apperr.New(apperr.Unauthenticated, "current password is wrong"))
	}

	hash, err := auth.HashPassword(body.NewPassword)
	if err != nil {
		return respondError(c, err)
	}
	if err := s.db.UpdatePassword(c.Context(), identity.UserID, hash); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "password changed"})
}
