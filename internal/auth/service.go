package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"crashout/internal/apperr"
	"crashout/internal/store"
)

const refreshTokenType = "refresh"

// Identity is the resolved caller of a request or socket.
type Identity struct {
	UserID int64
	Role   store.Role
}

func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == store.RoleAdmin
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type claims struct {
	UserID    int64  `json:"uid"`
	Role      string `json:"role"`
	TokenType string `json:"typ,omitempty"`
	jwt.RegisteredClaims
}

type session struct {
	fingerprint  string
	lastActivity time.Time
}

// Service issues and validates bearer tokens. A token is only honored while
// an in-process session for its user exists and records the same token
// fingerprint; Logout and reaping invalidate outstanding tokens without a
// denylist.
type Service struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	idleLimit  time.Duration

	mu       sync.Mutex
	sessions map[int64]*session
}

func NewService(secret string, accessTTL, refreshTTL, idleLimit time.Duration) *Service {
	return &Service{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		idleLimit:  idleLimit,
		sessions:   make(map[int64]*session),
	}
}

func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// IssueTokens mints an access/refresh pair and (re)binds the user's session
// to the new access token.
func (s *Service) IssueTokens(userID int64, role store.Role) (*TokenPair, error) {
	access, err := s.sign(userID, role, "", s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.sign(userID, role, refreshTokenType, s.refreshTTL)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sessions[userID] = &session{fingerprint: fingerprint(access), lastActivity: time.Now()}
	s.mu.Unlock()

	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *Service) sign(userID int64, role store.Role, tokenType string, ttl time.Duration) (string, error) {
	// A random token id keeps tokens minted within the same second distinct,
	// so rebinding a session always invalidates the previous token.
	jti := make([]byte, 16)
	if _, err := rand.Read(jti); err != nil {
		return "", fmt.Errorf("failed to generate token id: %w", err)
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserID:    userID,
		Role:      string(role),
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        hex.EncodeToString(jti),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (s *Service) parse(tokenString string) (*claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Unauthenticated, "invalid or expired token", err)
	}
	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return nil, apperr.New(apperr.Unauthenticated, "invalid or expired token")
	}
	return c, nil
}

// Validate resolves an access token to an identity. The user's live session
// must exist and must have recorded exactly this token.
func (s *Service) Validate(tokenString string) (*Identity, error) {
	c, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if c.TokenType == refreshTokenType {
		return nil, apperr.New(apperr.Unauthenticated, "refresh token used as access token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[c.UserID]
	if !ok || sess.fingerprint != fingerprint(tokenString) {
		return nil, apperr.New(apperr.Unauthenticated, "session not found")
	}
	sess.lastActivity = time.Now()

	return &Identity{UserID: c.UserID, Role: store.Role(c.Role)}, nil
}

// Refresh exchanges a valid refresh token for a fresh access token. The
// user's session is rebound, invalidating the previous access token.
func (s *Service) Refresh(refreshToken string) (string, *Identity, error) {
	c, err := s.parse(refreshToken)
	if err != nil {
		return "", nil, err
	}
	if c.TokenType != refreshTokenType {
		return "", nil, apperr.New(apperr.Unauthenticated, "not a refresh token")
	}

	s.mu.Lock()
	_, ok := s.sessions[c.UserID]
	s.mu.Unlock()
	if !ok {
		return "", nil, apperr.New(apperr.Unauthenticated, "session not found")
	}

	access, err := s.sign(c.UserID, store.Role(c.Role), "", s.accessTTL)
	if err != nil {
		return "", nil, err
	}

	s.mu.Lock()
	s.sessions[c.UserID] = &session{fingerprint: fingerprint(access), lastActivity: time.Now()}
	s.mu.Unlock()

	return access, &Identity{UserID: c.UserID, Role: store.Role(c.Role)}, nil
}

// Logout removes the user's session; outstanding tokens stop validating.
func (s *Service) Logout(userID int64) {
	s.mu.Lock()
	delete(s.sessions, userID)
	s.mu.Unlock()
}

// ReapSessions drops sessions idle past the configured limit and returns
// how many were removed.
func (s *Service) ReapSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	reaped := 0
	cutoff := time.Now().Add(-s.idleLimit)
	for userID, sess := range s.sessions {
		if sess.lastActivity.Before(cutoff) {
			delete(s.sessions, userID)
			reaped++
		}
	}
	if reaped > 0 {
		log.WithField("count", reaped).Info("reaped idle sessions")
	}
	return reaped
}

func (s *Service) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// HashPassword produces a bcrypt hash for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
