package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"crashout/internal/apperr"
	"crashout/internal/auth"
)

const identityKey = "identity"

// bearerToken extracts the token from the query parameter, the
// Authorization header, or a "bearer.<token>" subprotocol offer.
func bearerToken(c *fiber.Ctx) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	if header := c.Get(fiber.HeaderAuthorization); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	for _, proto := range strings.Split(c.Get("Sec-Websocket-Protocol"), ",") {
		proto = strings.TrimSpace(proto)
		if strings.HasPrefix(proto, "bearer.") {
			return strings.TrimPrefix(proto, "bearer.")
		}
	}
	return ""
}

func identityFrom(c *fiber.Ctx) *auth.Identity {
	id, _ := c.Locals(identityKey).(*auth.Identity)
	return id
}

// requireAuth rejects requests without a valid access token.
func (s *FiberServer) requireAuth(c *fiber.Ctx) error {
	token := bearerToken(c)
	if token == "" {
		return respondError(c, apperr.New(apperr.Unauthenticated, "authorization required"))
	}
	identity, err := s.authSvc.Validate(token)
	if err != nil {
		return respondError(c, err)
	}
	c.Locals(identityKey, identity)
	return c.Next()
}

// optionalAuth attaches identity when a valid token is present but lets
// anonymous callers through.
func (s *FiberServer) optionalAuth(c *fiber.Ctx) error {
	if token := bearerToken(c); token != "" {
		if identity, err := s.authSvc.Validate(token); err == nil {
			c.Locals(identityKey, identity)
		}
	}
	return c.Next()
}

// requireAdmin gates a route on role ADMIN and, when configured, on the
// caller IP allowlist.
func (s *FiberServer) requireAdmin(c *fiber.Ctx) error {
	identity := identityFrom(c)
	if identity == nil {
		return respondError(c, apperr.New(apperr.Unauthenticated, "authorization required"))
	}
	if !identity.IsAdmin() {
		return respondError(c, apperr.New(apperr.PermissionDenied, "admin role required"))
	}
	if len(s.cfg.AdminIPAllowlist) > 0 {
		ip := c.IP()
		allowed := false
		for _, entry := range s.cfg.AdminIPAllowlist {
			if entry == ip {
				allowed = true
				break
			}
		}
		if !allowed {
			log.WithFields(log.Fields{"ip": ip, "user": identity.UserID}).Warn("admin call from unlisted IP")
			return respondError(c, apperr.New(apperr.PermissionDenied, "caller address not allowed"))
		}
	}
	return c.Next()
}

// rateLimit enforces a per-route budget keyed by user id when known,
// falling back to the caller IP. Responses carry a retry-after hint and
// never close the connection.
func (s *FiberServer) rateLimit(route string, limit int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := route + ":"
		if identity := identityFrom(c); identity != nil {
			key += fmt.Sprintf("u%d", identity.UserID)
		} else {
			key += c.IP()
		}

		allowed, retryAfter, err := s.cache.CheckRateLimit(c.Context(), key, limit, window)
		if err != nil {
			// A rate limiter outage must not take the API down with it.
			log.WithError(err).Warn("rate limiter unavailable, letting request through")
			return c.Next()
		}
		if !allowed {
			seconds := int(retryAfter.Seconds() + 0.5)
			if seconds < 1 {
				seconds = 1
			}
			c.Set(fiber.HeaderRetryAfter, fmt.Sprintf("%d", seconds))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "rate limit exceeded",
				"code":        apperr.ResourceExhausted.String(),
				"retry_after": seconds,
			})
		}
		return c.Next()
	}
}
