package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"crashout/internal/auth"
	"crashout/internal/config"
	"crashout/internal/fair"
	"crashout/internal/money"
	"crashout/internal/store"
)

// fakeCache satisfies the cache interface without a redis instance.
type fakeCache struct {
	denyRateLimit bool
	crashes       []money.Multiplier
}

func (f *fakeCache) GetClient() *redis.Client { return nil }

func (f *fakeCache) Health(context.Context) map[string]string {
	return map[string]string{"status": "up"}
}

func (f *fakeCache) CheckRateLimit(context.Context, string, int, time.Duration) (bool, time.Duration, error) {
	if f.denyRateLimit {
		return false, 30 * time.Second, nil
	}
	return true, 0, nil
}

func (f *fakeCache) RecordCrash(_ context.Context, cp money.Multiplier) error {
	f.crashes = append(f.crashes, cp)
	return nil
}

func (f *fakeCache) RecentCrashes(context.Context, int) ([]money.Multiplier, error) {
	return f.crashes, nil
}

func (f *fakeCache) Close() error { return nil }

func testServerConfig() *config.Config {
	return &config.Config{
		Env:                     "test",
		MinBet:                  100,
		MaxBet:                  1000000,
		DefaultBalance:          100000,
		HouseEdgeBasisPoints:    100,
		SeedRevealGrace:         5 * time.Minute,
		CountdownDuration:       5 * time.Second,
		TickInterval:            50 * time.Millisecond,
		PostCrashPause:          3 * time.Second,
		FarmingCycle:            6 * time.Hour,
		FarmingReward:           6000,
		TokenSecret:             "test-secret",
		AccessTokenTTL:          time.Hour,
		RefreshTokenTTL:         24 * time.Hour,
		SessionIdleLimit:        time.Hour,
		AdminRegistrationOpen:   true,
		AdminRegistrationSecret: "letmein",
		AllowedOrigins:          "*",
		StoreTimeout:            5 * time.Second,
	}
}

func newTestServer(t *testing.T) (*FiberServer, *store.Memory, *fakeCache) {
	t.Helper()
	mem := store.NewMemory(store.Defaults{MaxDailyWager: 1 << 40, MaxDailyLoss: 1 << 40, MaxGamesPerDay: 1 << 20})
	cacheSvc := &fakeCache{}
	authSvc := auth.NewService("test-secret", time.Hour, 24*time.Hour, time.Hour)
	srv := New(testServerConfig(), mem, cacheSvc, authSvc, fair.NewOracle(100))
	srv.RegisterFiberRoutes()
	return srv, mem, cacheSvc
}

func doJSON(t *testing.T, srv *FiberServer, method, path, token string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, path, reader)
	if err != nil {
		t.Fatalf("could not create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := srv.Test(req, -1)
	if err != nil {
		t.Fatalf("could not perform request: %v", err)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("could not read response body: %v", err)
	}
	var parsed map[string]interface{}
	if len(raw) > 0 {
		json.Unmarshal(raw, &parsed)
	}
	return resp, parsed
}

func registerAdmin(t *testing.T, srv *FiberServer) (accessToken, refreshToken string) {
	t.Helper()
	resp, body := doJSON(t, srv, "POST", "/api/v1/auth/admin/register", "", map[string]string{
		"username":         "operator",
		"password":         "super-secret-pw",
		"registration_key": "letmein",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("admin register status = %d, body = %v", resp.StatusCode, body)
	}
	tokens := body["tokens"].(map[string]interface{})
	return tokens["access_token"].(string), tokens["refresh_token"].(string)
}

func TestHealthHandler(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, body := doJSON(t, srv, "GET", "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if body["database"] == nil || body["cache"] == nil || body["game"] == nil {
		t.Errorf("health body incomplete: %v", body)
	}
}

func TestGameStateHandler_NoRound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, _ := doJSON(t, srv, "GET", "/api/v1/game/state", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 before any round exists", resp.StatusCode)
	}
}

func TestAdminAuthFlow(t *testing.T) {
	srv, _, _ := newTestServer(t)
	access, refresh := registerAdmin(t, srv)

	// Profile with the fresh access token.
	resp, body := doJSON(t, srv, "GET", "/api/v1/auth/profile", access, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("profile status = %d, body = %v", resp.StatusCode, body)
	}

	// Login again with the password.
	resp, _ = doJSON(t, srv, "POST", "/api/v1/auth/admin/login", "", map[string]string{
		"username": "operator",
		"password": "super-secret-pw",
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("login status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, srv, "POST", "/api/v1/auth/admin/login", "", map[string]string{
		"username": "operator",
		"password": "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad login status = %d, want 401", resp.StatusCode)
	}

	// Login rotated the session, so refresh must run against the latest
	// refresh token semantics: exchange still works for this user.
	resp, body = doJSON(t, srv, "POST", "/api/v1/auth/refresh", "", map[string]string{
		"refresh_token": refresh,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d, body = %v", resp.StatusCode, body)
	}
	newAccess := body["access_token"].(string)

	// Logout, then both the token and refresh are dead.
	resp, _ = doJSON(t, srv, "POST", "/api/v1/auth/logout", newAccess, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, srv, "GET", "/api/v1/auth/profile", newAccess, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("profile after logout = %d, want 401", resp.StatusCode)
	}
	resp, _ = doJSON(t, srv, "POST", "/api/v1/auth/refresh", "", map[string]string{
		"refresh_token": refresh,
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("refresh after logout = %d, want 401", resp.StatusCode)
	}
}

func TestAdminRegister_WrongKey(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, _ := doJSON(t, srv, "POST", "/api/v1/auth/admin/register", "", map[string]string{
		"username":         "intruder",
		"password":         "super-secret-pw",
		"registration_key": "guess",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestSettingsRoundTripOverHTTP(t *testing.T) {
	srv, _, _ := newTestServer(t)
	access, _ := registerAdmin(t, srv)

	resp, body := doJSON(t, srv, "PUT", "/api/v1/player/settings", access, map[string]interface{}{
		"auto_cashout_enabled": true,
		"auto_cashout_target":  2.5,
		"sound_enabled":        false,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d, body = %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, srv, "GET", "/api/v1/player/settings", access, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if body["auto_cashout_enabled"] != true {
		t.Errorf("auto_cashout_enabled = %v, want true", body["auto_cashout_enabled"])
	}
	if body["auto_cashout_target"] != float64(250) {
		t.Errorf("auto_cashout_target = %v, want 250 hundredths", body["auto_cashout_target"])
	}
	if body["sound_enabled"] != false {
		t.Errorf("sound_enabled = %v, want false", body["sound_enabled"])
	}
}

func TestSettings_InvalidTargetRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)
	access, _ := registerAdmin(t, srv)

	resp, _ := doJSON(t, srv, "PUT", "/api/v1/player/settings", access, map[string]interface{}{
		"auto_cashout_target": 0.5,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAdminGate(t *testing.T) {
	srv, mem, _ := newTestServer(t)

	// A plain player is rejected from admin routes.
	user, err := mem.CreateUser(context.Background(), store.CreateUserParams{Username: "pleb"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	pair, err := srv.authSvc.IssueTokens(user.ID, store.RolePlayer)
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}
	resp, _ := doJSON(t, srv, "GET", "/api/v1/admin/stats", pair.AccessToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("player on admin route = %d, want 403", resp.StatusCode)
	}

	// No token at all is 401.
	resp, _ = doJSON(t, srv, "GET", "/api/v1/admin/stats", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous on admin route = %d, want 401", resp.StatusCode)
	}

	// An admin gets through.
	access, _ := registerAdmin(t, srv)
	resp, _ = doJSON(t, srv, "GET", "/api/v1/admin/stats", access, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("admin on admin route = %d, want 200", resp.StatusCode)
	}
}

func TestRateLimitResponse(t *testing.T) {
	srv, _, cacheSvc := newTestServer(t)
	cacheSvc.denyRateLimit = true

	resp, body := doJSON(t, srv, "GET", "/api/v1/leaderboard", "", nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if body["retry_after"] == nil {
		t.Error("missing retry_after hint in body")
	}
}

func TestLeaderboardHandler(t *testing.T) {
	srv, mem, _ := newTestServer(t)
	if _, err := mem.CreateUser(context.Background(), store.CreateUserParams{Username: "rich", InitialBalance: 500000}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	resp, body := doJSON(t, srv, "GET", "/api/v1/leaderboard?sort=balance", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	entries := body["entries"].([]interface{})
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}

	resp, _ = doJSON(t, srv, "GET", "/api/v1/leaderboard?sort=bogus", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus sort status = %d, want 400", resp.StatusCode)
	}
}

func TestFairnessRoute(t *testing.T) {
	srv, mem, _ := newTestServer(t)

	seed := "audit-seed"
	r, err := mem.CreateRound(context.Background(), fair.Commit{
		ServerSeed:     seed,
		ServerSeedHash: fair.SeedHash(seed),
		ClientSeed:     "client",
		Nonce:          1,
		CrashPoint:     245,
	})
	if err != nil {
		t.Fatalf("CreateRound: %v", err)
	}
	ended := time.Now().Add(-time.Hour)
	if err := mem.UpdateRoundStatus(context.Background(), r.ID, store.RoundCrashed, &ended); err != nil {
		t.Fatalf("UpdateRoundStatus: %v", err)
	}

	resp, body := doJSON(t, srv, "GET", "/api/v1/fairness/rounds", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	rounds := body["rounds"].([]interface{})
	if len(rounds) != 1 {
		t.Fatalf("rounds = %d, want 1", len(rounds))
	}
	round := rounds[0].(map[string]interface{})
	// Ended an hour ago, past the 5 minute grace: seed revealed.
	if round["server_seed"] != seed {
		t.Errorf("server_seed = %v, want revealed %q", round["server_seed"], seed)
	}
}

func TestFarmingClaimRoute(t *testing.T) {
	srv, _, _ := newTestServer(t)
	access, _ := registerAdmin(t, srv)

	resp, body := doJSON(t, srv, "POST", "/api/v1/farming/claim", access, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim status = %d, body = %v", resp.StatusCode, body)
	}
	if body["balance"] != float64(6000) {
		t.Errorf("balance = %v, want 6000", body["balance"])
	}

	// Immediately claiming again hits the cooldown.
	resp, _ = doJSON(t, srv, "POST", "/api/v1/farming/claim", access, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second claim status = %d, want 409", resp.StatusCode)
	}
}

func TestBearerTokenViaQueryParam(t *testing.T) {
	srv, _, _ := newTestServer(t)
	access, _ := registerAdmin(t, srv)

	req, err := http.NewRequest("GET", "/api/v1/auth/profile?token="+access, nil)
	if err != nil {
		t.Fatalf("could not create request: %v", err)
	}
	resp, err := srv.Test(req, -1)
	if err != nil {
		t.Fatalf("could not perform request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 with query token", resp.StatusCode)
	}
}
