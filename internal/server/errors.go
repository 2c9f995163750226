package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"crashout/internal/apperr"
)

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.Unauthenticated:
		return fiber.StatusUnauthorized
	case apperr.PermissionDenied:
		return fiber.StatusForbidden
	case apperr.InvalidArgument, apperr.InsufficientFunds, apperr.DailyLimitExceeded:
		return fiber.StatusBadRequest
	case apperr.FailedPrecondition, apperr.AlreadyExists:
		return fiber.StatusConflict
	case apperr.NotFound:
		return fiber.StatusNotFound
	case apperr.ResourceExhausted:
		return fiber.StatusTooManyRequests
	case apperr.DeadlineExceeded:
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}

// respondError translates an error to the wire: safe message and kind out,
// full detail to the logs.
func respondError(c *fiber.Ctx, err error) error {
	kind := apperr.KindOf(err)
	status := statusFor(kind)

	if status >= 500 {
		log.WithError(err).WithField("path", c.Path()).Error("request failed")
	}

	body := fiber.Map{
		"error": apperr.Message(err),
		"code":  kind.String(),
	}
	var ae *apperr.Error
	if errors.As(err, &ae) && len(ae.Details) > 0 {
		body["details"] = ae.Details
	}
	return c.Status(status).JSON(body)
}
