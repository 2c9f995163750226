package auth

import (
	"testing"
	"time"

	"crashout/internal/apperr"
	"crashout/internal/store"
)

func newTestService() *Service {
	return NewService("test-secret", time.Hour, 24*time.Hour, time.Hour)
}

func TestIssueAndValidate(t *testing.T) {
	s := newTestService()

	pair, err := s.IssueTokens(42, store.RolePlayer)
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}

	identity, err := s.Validate(pair.AccessToken)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if identity.UserID != 42 {
		t.Errorf("user id = %d, want 42", identity.UserID)
	}
	if identity.Role != store.RolePlayer {
		t.Errorf("role = %s, want PLAYER", identity.Role)
	}
}

func TestValidate_RejectsRefreshToken(t *testing.T) {
	s := newTestService()
	pair, err := s.IssueTokens(1, store.RolePlayer)
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}

	if _, err := s.Validate(pair.RefreshToken); !apperr.Is(err, apperr.Unauthenticated) {
		t.Errorf("refresh-as-access error = %v, want Unauthenticated", err)
	}
}

func TestValidate_RejectsForeignSignature(t *testing.T) {
	other := NewService("other-secret", time.Hour, 24*time.Hour, time.Hour)
	pair, err := other.IssueTokens(1, store.RolePlayer)
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}

	s := newTestService()
	if _, err := s.Validate(pair.AccessToken); !apperr.Is(err, apperr.Unauthenticated) {
		t.Errorf("foreign token error = %v, want Unauthenticated", err)
	}
}

func TestRefresh_RotatesAccessToken(t *testing.T) {
	s := newTestService()
	pair, err := s.IssueTokens(7, store.RoleAdmin)
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}

	access, identity, err := s.Refresh(pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if identity.UserID != 7 || identity.Role != store.RoleAdmin {
		t.Errorf("refresh identity = %+v", identity)
	}

	// The new access token validates; the rotated-out one does not.
	if _, err := s.Validate(access); err != nil {
		t.Errorf("new access token rejected: %v", err)
	}
	if _, err := s.Validate(pair.AccessToken); !apperr.Is(err, apperr.Unauthenticated) {
		t.Errorf("old access token error = %v, want Unauthenticated", err)
	}
}

func TestLogout_InvalidatesEverything(t *testing.T) {
	s := newTestService()
	pair, err := s.IssueTokens(9, store.RolePlayer)
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}

	s.Logout(9)

	if _, err := s.Validate(pair.AccessToken); !apperr.Is(err, apperr.Unauthenticated) {
		t.Errorf("access after logout error = %v, want Unauthenticated", err)
	}
	if _, _, err := s.Refresh(pair.RefreshToken); !apperr.Is(err, apperr.Unauthenticated) {
		t.Errorf("refresh after logout error = %v, want Unauthenticated", err)
	}
}

func TestReapSessions(t *testing.T) {
	s := NewService("test-secret", time.Hour, 24*time.Hour, time.Nanosecond)
	if _, err := s.IssueTokens(1, store.RolePlayer); err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}
	if _, err := s.IssueTokens(2, store.RolePlayer); err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}

	time.Sleep(time.Millisecond)
	if reaped := s.ReapSessions(); reaped != 2 {
		t.Errorf("reaped = %d, want 2", reaped)
	}
	if s.ActiveSessions() != 0 {
		t.Errorf("active sessions = %d, want 0", s.ActiveSessions())
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if hash == "correct horse battery staple" {
		t.Error("password stored in the clear")
	}
	if len(hash) == 0 {
		t.Error("empty hash")
	}
}
