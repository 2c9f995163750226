package game

import (
	"context"
	"testing"
	"time"

	"crashout/internal/apperr"
	"crashout/internal/fair"
	"crashout/internal/money"
	"crashout/internal/store"
)

// scriptedOracle hands out fixed crash points so round outcomes are
// deterministic.
type scriptedOracle struct {
	crashPoints []money.Multiplier
	calls       int
}

func (o *scriptedOracle) NextRound(nonce int64) (fair.Commit, error) {
	cp := o.crashPoints[o.calls%len(o.crashPoints)]
	o.calls++
	seed := "scripted-seed"
	return fair.Commit{
		ServerSeed:     seed,
		ServerSeedHash: fair.SeedHash(seed),
		ClientSeed:     "scripted-client",
		Nonce:          nonce,
		CrashPoint:     cp,
	}, nil
}

func testConfig() Config {
	return Config{
		MinBet:            100,     // 1.00
		MaxBet:            1000000, // 10,000.00
		DefaultBalance:    100000,  // 1,000.00
		CountdownDuration: 60 * time.Millisecond,
		CountdownTick:     20 * time.Millisecond,
		TickInterval:      5 * time.Millisecond,
		PostCrashPause:    30 * time.Millisecond,
		StoreTimeout:      2 * time.Second,
	}
}

func startEngine(t *testing.T, crashPoints ...money.Multiplier) (*Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory(store.Defaults{MaxDailyWager: 1 << 40, MaxDailyLoss: 1 << 40, MaxGamesPerDay: 1 << 20})
	e := NewEngine(testConfig(), &scriptedOracle{crashPoints: crashPoints}, mem, NopBroadcaster{})
	e.Start()
	t.Cleanup(e.Stop)
	return e, mem
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newPlayer(t *testing.T, mem *store.Memory, balance money.Amount) (*store.User, PlayerKey) {
	t.Helper()
	u, err := mem.CreateUser(context.Background(), store.CreateUserParams{
		Username:       "player-" + t.Name(),
		InitialBalance: balance,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u, PlayerKey("u:test")
}

func TestMultiplierAt(t *testing.T) {
	tests := []struct {
		elapsed time.Duration
		want    money.Multiplier
	}{
		{0, 100},
		{1500 * time.Millisecond, 150}, // m(1.5s) = 1.50
		{3 * time.Second, 200},         // m(3s) = 2.00
		{4350 * time.Millisecond, 245}, // m(4.35s) = 2.45
	}
	for _, tt := range tests {
		if got := MultiplierAt(tt.elapsed); got != tt.want {
			t.Errorf("MultiplierAt(%v) = %d, want %d", tt.elapsed, got, tt.want)
		}
	}
}

func TestEngine_ManualCashout(t *testing.T) {
	// High crash point so the cashout always lands while running.
	e, mem := startEngine(t, 100000) // 1000.00x
	user, player := newPlayer(t, mem, 100000)

	waitFor(t, 2*time.Second, func() bool { return e.Snapshot().Phase == PhaseBetting }, "betting phase")

	res, err := e.PlaceBet(context.Background(), BetRequest{
		Player: player, UserID: user.ID, Amount: 10000, // 100.00
	})
	if err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}
	if res.Balance != 90000 {
		t.Errorf("balance after bet = %d, want 90000", res.Balance)
	}

	waitFor(t, 2*time.Second, func() bool {
		s := e.Snapshot()
		return s.Phase == PhaseRunning && s.Multiplier >= 110
	}, "running at 1.10x or more")

	out, err := e.Cashout(context.Background(), player)
	if err != nil {
		t.Fatalf("Cashout: %v", err)
	}
	if out.Payout != out.Multiplier.Payout(10000) {
		t.Errorf("payout %d does not match stake x multiplier %d", out.Payout, out.Multiplier.Payout(10000))
	}
	if out.Balance != 90000+out.Payout {
		t.Errorf("balance %d, want %d", out.Balance, 90000+out.Payout)
	}

	// Second cashout for the same wager must be rejected without touching
	// anything.
	_, err = e.Cashout(context.Background(), player)
	if !apperr.Is(err, apperr.AlreadyExists) {
		t.Errorf("duplicate cashout error = %v, want AlreadyExists", err)
	}
	after, err := mem.FindUser(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("FindUser: %v", err)
	}
	if after.Balance != out.Balance {
		t.Errorf("balance changed by duplicate cashout: %d != %d", after.Balance, out.Balance)
	}

	entries, _ := mem.LedgerEntries(context.Background(), user.ID, 10)
	var sawPlaced, sawWon bool
	for _, entry := range entries {
		switch entry.Type {
		case store.LedgerBetPlaced:
			sawPlaced = entry.Amount == 10000
		case store.LedgerBetWon:
			sawWon = entry.Amount == out.Payout
		}
	}
	if !sawPlaced || !sawWon {
		t.Errorf("ledger missing BET_PLACED/BET_WON rows: placed=%v won=%v", sawPlaced, sawWon)
	}
}

func TestEngine_DuplicateWagerRejected(t *testing.T) {
	e, mem := startEngine(t, 100000)
	user, player := newPlayer(t, mem, 100000)

	waitFor(t, 2*time.Second, func() bool { return e.Snapshot().Phase == PhaseBetting }, "betting phase")

	if _, err := e.PlaceBet(context.Background(), BetRequest{Player: player, UserID: user.ID, Amount: 1000}); err != nil {
		t.Fatalf("first bet: %v", err)
	}
	_, err := e.PlaceBet(context.Background(), BetRequest{Player: player, UserID: user.ID, Amount: 1000})
	if !apperr.Is(err, apperr.AlreadyExists) {
		t.Fatalf("second bet error = %v, want AlreadyExists", err)
	}

	after, _ := mem.FindUser(context.Background(), user.ID)
	if after.Balance != 99000 {
		t.Errorf("balance after rejected duplicate = %d, want 99000", after.Balance)
	}
}

func TestEngine_InsufficientFunds(t *testing.T) {
	e, mem := startEngine(t, 100000)
	user, player := newPlayer(t, mem, 5000) // 50.00

	waitFor(t, 2*time.Second, func() bool { return e.Snapshot().Phase == PhaseBetting }, "betting phase")

	_, err := e.PlaceBet(context.Background(), BetRequest{Player: player, UserID: user.ID, Amount: 10000})
	if !apperr.Is(err, apperr.InsufficientFunds) {
		t.Fatalf("error = %v, want InsufficientFunds", err)
	}

	after, _ := mem.FindUser(context.Background(), user.ID)
	if after.Balance != 5000 {
		t.Errorf("balance mutated by failed bet: %d", after.Balance)
	}
	if after.GamesPlayed != 0 {
		t.Errorf("games played mutated by failed bet: %d", after.GamesPlayed)
	}
}

func TestEngine_BetBounds(t *testing.T) {
	e, mem := startEngine(t, 100000)
	user, player := newPlayer(t, mem, 100000)

	waitFor(t, 2*time.Second, func() bool { return e.Snapshot().Phase == PhaseBetting }, "betting phase")

	if _, err := e.PlaceBet(context.Background(), BetRequest{Player: player, UserID: user.ID, Amount: 99}); !apperr.Is(err, apperr.InvalidArgument) {
		t.Errorf("below minBet error = %v, want InvalidArgument", err)
	}
	if _, err := e.PlaceBet(context.Background(), BetRequest{Player: player, UserID: user.ID, Amount: 1000001}); !apperr.Is(err, apperr.InvalidArgument) {
		t.Errorf("above maxBet error = %v, want InvalidArgument", err)
	}
	// Exactly minBet is accepted.
	if _, err := e.PlaceBet(context.Background(), BetRequest{Player: player, UserID: user.ID, Amount: 100}); err != nil {
		t.Errorf("minBet bet rejected: %v", err)
	}
}

func TestEngine_LossAtCrash(t *testing.T) {
	// Crash at 1.10x, roughly 300ms of running time.
	e, mem := startEngine(t, 110)
	user, player := newPlayer(t, mem, 100000)

	waitFor(t, 2*time.Second, func() bool { return e.Snapshot().Phase == PhaseBetting }, "betting phase")

	res, err := e.PlaceBet(context.Background(), BetRequest{Player: player, UserID: user.ID, Amount: 20000})
	if err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return e.Snapshot().Phase == PhaseCrashed }, "crash")
	if got := e.Snapshot().CrashPoint; got != 110 {
		t.Errorf("crash point = %d, want 110", got)
	}

	// Settlement runs off the engine goroutine; wait for the wager row.
	waitFor(t, 2*time.Second, func() bool {
		entries, _ := mem.LedgerEntries(context.Background(), user.ID, 10)
		for _, entry := range entries {
			if entry.Type == store.LedgerBetLost {
				return true
			}
		}
		return false
	}, "loss settlement")

	after, _ := mem.FindUser(context.Background(), user.ID)
	if after.Balance != 80000 {
		t.Errorf("balance = %d, want 80000 (net -200.00)", after.Balance)
	}
	if after.TotalLost != 20000 {
		t.Errorf("total lost = %d, want 20000", after.TotalLost)
	}
	_ = res
}

func TestEngine_AutoCashoutBeforeCrash(t *testing.T) {
	// Crash at 1.10x; auto target 1.03 fires first.
	e, mem := startEngine(t, 110)
	user, player := newPlayer(t, mem, 100000)

	waitFor(t, 2*time.Second, func() bool { return e.Snapshot().Phase == PhaseBetting }, "betting phase")

	target := money.Multiplier(103)
	if _, err := e.PlaceBet(context.Background(), BetRequest{
		Player: player, UserID: user.ID, Amount: 5000, AutoCashout: &target,
	}); err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return e.Snapshot().Phase == PhaseCrashed }, "crash")

	waitFor(t, 2*time.Second, func() bool {
		u, _ := mem.FindUser(context.Background(), user.ID)
		return u.Balance != 95000
	}, "auto-cashout settlement")

	after, _ := mem.FindUser(context.Background(), user.ID)
	// Cashed out at exactly the 1.03 target: 50.00 -> 51.50.
	want := money.Amount(100000 - 5000 + 5150)
	if after.Balance != want {
		t.Errorf("balance = %d, want %d", after.Balance, want)
	}
	if after.TotalLost != 0 {
		t.Errorf("wager recorded as lost despite auto-cashout")
	}
}

func TestEngine_AutoCashoutAboveCrashLoses(t *testing.T) {
	e, mem := startEngine(t, 105)
	user, player := newPlayer(t, mem, 100000)

	waitFor(t, 2*time.Second, func() bool { return e.Snapshot().Phase == PhaseBetting }, "betting phase")

	target := money.Multiplier(300)
	if _, err := e.PlaceBet(context.Background(), BetRequest{
		Player: player, UserID: user.ID, Amount: 5000, AutoCashout: &target,
	}); err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return e.Snapshot().Phase == PhaseCrashed }, "crash")
	waitFor(t, 2*time.Second, func() bool {
		u, _ := mem.FindUser(context.Background(), user.ID)
		return u.TotalLost == 5000
	}, "loss settlement")
}

func TestEngine_CashoutOutsideRunning(t *testing.T) {
	e, mem := startEngine(t, 100000)
	user, player := newPlayer(t, mem, 100000)

	waitFor(t, 2*time.Second, func() bool { return e.Snapshot().Phase == PhaseBetting }, "betting phase")

	if _, err := e.PlaceBet(context.Background(), BetRequest{Player: player, UserID: user.ID, Amount: 1000}); err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}
	_, err := e.Cashout(context.Background(), player)
	if !apperr.Is(err, apperr.FailedPrecondition) {
		t.Errorf("cashout during betting error = %v, want FailedPrecondition", err)
	}
}

func TestEngine_GuestPlay(t *testing.T) {
	e, _ := startEngine(t, 100000)
	player := PlayerKey("g:guest-1")

	waitFor(t, 2*time.Second, func() bool { return e.Snapshot().Phase == PhaseBetting }, "betting phase")

	res, err := e.PlaceBet(context.Background(), BetRequest{Player: player, Guest: true, Amount: 10000})
	if err != nil {
		t.Fatalf("guest bet: %v", err)
	}
	if res.Balance != 90000 {
		t.Errorf("guest balance after bet = %d, want 90000", res.Balance)
	}

	waitFor(t, 2*time.Second, func() bool {
		s := e.Snapshot()
		return s.Phase == PhaseRunning && s.Multiplier >= 105
	}, "running at 1.05x or more")

	out, err := e.Cashout(context.Background(), player)
	if err != nil {
		t.Fatalf("guest cashout: %v", err)
	}
	if out.Balance != 90000+out.Payout {
		t.Errorf("guest balance = %d, want %d", out.Balance, 90000+out.Payout)
	}
}

func TestEngine_RoundNumbersIncrease(t *testing.T) {
	e, _ := startEngine(t, 105)

	waitFor(t, 2*time.Second, func() bool { return e.Snapshot().RoundID == 1 }, "first round")
	waitFor(t, 5*time.Second, func() bool { return e.Snapshot().RoundID == 2 }, "second round")
	waitFor(t, 5*time.Second, func() bool { return e.Snapshot().RoundID == 3 }, "third round")
}

func TestEngine_CrashHistoryRing(t *testing.T) {
	e, _ := startEngine(t, 105)

	waitFor(t, 10*time.Second, func() bool {
		s := e.Snapshot()
		return len(s.RecentCrashes) >= 2
	}, "two entries in the crash ring")

	for _, cp := range e.Snapshot().RecentCrashes {
		if cp != 105 {
			t.Errorf("ring entry = %d, want 105", cp)
		}
	}
}
