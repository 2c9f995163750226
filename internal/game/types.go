package game

import (
	"time"

	"github.com/google/uuid"

	"crashout/internal/money"
)

type Phase string

const (
	PhaseBetting Phase = "BETTING"
	PhaseRunning Phase = "RUNNING"
	PhaseCrashed Phase = "CRASHED"
	PhasePaused  Phase = "PAUSED"
)

// PlayerKey identifies a participant across the engine and the socket
// layer: "u:<id>" for authenticated users, "g:<uuid>" for guests.
type PlayerKey string

// BetRequest is an admission request for the current round.
type BetRequest struct {
	Player      PlayerKey
	UserID      int64 // zero for guests
	Guest       bool
	Amount      money.Amount
	AutoCashout *money.Multiplier
}

// BetResult acknowledges a placed wager with the caller's updated balance.
type BetResult struct {
	WagerID uuid.UUID    `json:"wager_id"`
	RoundID int64        `json:"round_id"`
	Balance money.Amount `json:"balance"`
}

// CashoutResult acknowledges a settled cashout.
type CashoutResult struct {
	Multiplier money.Multiplier `json:"multiplier"`
	Payout     money.Amount     `json:"payout"`
	Balance    money.Amount     `json:"balance"`
}

// Snapshot is the public view of the live round, safe to serialize as-is.
type Snapshot struct {
	Phase          Phase              `json:"phase"`
	RoundID        int64              `json:"round_id"`
	Multiplier     money.Multiplier   `json:"multiplier"`
	Countdown      int                `json:"countdown"`
	CrashPoint     money.Multiplier   `json:"crash_point,omitempty"` // set once crashed
	ServerSeedHash string             `json:"server_seed_hash"`
	RecentCrashes  []money.Multiplier `json:"recent_crashes"`
	Maintenance    bool               `json:"maintenance,omitempty"`
}

// Overlay is the per-player personal state layered on a Snapshot.
type Overlay struct {
	Player            PlayerKey        `json:"-"`
	HasWager          bool             `json:"has_wager"`
	Stake             money.Amount     `json:"stake,omitempty"`
	CashedOut         bool             `json:"cashed_out"`
	CashoutMultiplier money.Multiplier `json:"cashout_multiplier,omitempty"`
	Balance           money.Amount     `json:"balance"`
}

// Event is one broadcastable engine occurrence. Terminal events (betting
// open, crash) must survive backpressure; ticks may be dropped per session.
type Event struct {
	Snapshot Snapshot
	Overlays []Overlay
	Terminal bool
}

// BetNotice announces a placed bet to all sessions.
type BetNotice struct {
	Player PlayerKey    `json:"player"`
	Amount money.Amount `json:"amount"`
}

// CashoutNotice announces a cashout to all sessions.
type CashoutNotice struct {
	Player     PlayerKey        `json:"player"`
	Multiplier money.Multiplier `json:"multiplier"`
	Payout     money.Amount     `json:"payout"`
}

// Broadcaster fans engine output out to connected sessions.
type Broadcaster interface {
	Publish(ev Event)
	BetPlaced(n BetNotice)
	CashedOut(n CashoutNotice)
}

// NopBroadcaster discards events; used when no socket layer is attached.
type NopBroadcaster struct{}

func (NopBroadcaster) Publish(Event)           {}
func (NopBroadcaster) BetPlaced(BetNotice)     {}
func (NopBroadcaster) CashedOut(CashoutNotice) {}

// MultiplierAt maps elapsed running time to the multiplier, m(t) = 1 + t/3.
// Exact in integer hundredths: 100 + ms/30.
func MultiplierAt(elapsed time.Duration) money.Multiplier {
	return money.Multiplier(100 + elapsed.Milliseconds()/30)
}
