package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"crashout/internal/fair"
	"crashout/internal/money"
)

type Role string

const (
	RolePlayer Role = "PLAYER"
	RoleAdmin  Role = "ADMIN"
)

type RoundStatus string

const (
	RoundBetting RoundStatus = "BETTING"
	RoundRunning RoundStatus = "RUNNING"
	RoundCrashed RoundStatus = "CRASHED"
)

type WagerStatus string

const (
	WagerActive    WagerStatus = "ACTIVE"
	WagerCashedOut WagerStatus = "CASHED_OUT"
	WagerLost      WagerStatus = "LOST"
	WagerCancelled WagerStatus = "CANCELLED"
)

type LedgerType string

const (
	LedgerDeposit      LedgerType = "DEPOSIT"
	LedgerWithdrawal   LedgerType = "WITHDRAWAL"
	LedgerBetPlaced    LedgerType = "BET_PLACED"
	LedgerBetWon       LedgerType = "BET_WON"
	LedgerBetLost      LedgerType = "BET_LOST"
	LedgerFarmingClaim LedgerType = "FARMING_CLAIM"
	LedgerAdjustment   LedgerType = "ADJUSTMENT"
)

type User struct {
	ID               int64        `json:"id"`
	ExternalID       *string      `json:"external_id,omitempty"`
	Username         string       `json:"username"`
	Role             Role         `json:"role"`
	Balance          money.Amount `json:"balance"`
	TotalWagered     money.Amount `json:"total_wagered"`
	TotalWon         money.Amount `json:"total_won"`
	TotalLost        money.Amount `json:"total_lost"`
	GamesPlayed      int64        `json:"games_played"`
	BiggestWin       money.Amount `json:"biggest_win"`
	BiggestLoss      money.Amount `json:"biggest_loss"`
	XP               int64        `json:"xp"`
	Level            int64        `json:"level"`
	IsActive         bool         `json:"is_active"`
	PasswordHash     *string      `json:"-"`
	FarmingClaimedAt *time.Time   `json:"farming_claimed_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	LastLoginAt      *time.Time   `json:"last_login_at,omitempty"`
}

// NetProfit is totalWon - totalLost.
func (u *User) NetProfit() money.Amount {
	return u.TotalWon - u.TotalLost
}

type Round struct {
	ID             int64            `json:"id"`
	ServerSeed     string           `json:"-"`
	ServerSeedHash string           `json:"server_seed_hash"`
	ClientSeed     string           `json:"client_seed"`
	Nonce          int64            `json:"nonce"`
	CrashPoint     money.Multiplier `json:"-"`
	Status         RoundStatus      `json:"status"`
	StartedAt      time.Time        `json:"started_at"`
	EndedAt        *time.Time       `json:"ended_at,omitempty"`
}

type Wager struct {
	ID          uuid.UUID         `json:"id"`
	UserID      int64             `json:"user_id"`
	RoundID     int64             `json:"round_id"`
	Stake       money.Amount      `json:"stake"`
	AutoCashout *money.Multiplier `json:"auto_cashout,omitempty"`
	CashoutMultiplier *money.Multiplier `json:"cashout_multiplier,omitempty"`
	Payout      *money.Amount     `json:"payout,omitempty"`
	Status      WagerStatus       `json:"status"`
	PlacedAt    time.Time         `json:"placed_at"`
	SettledAt   *time.Time        `json:"cashed_out_at,omitempty"`
}

type LedgerEntry struct {
	ID            int64        `json:"id"`
	UserID        int64        `json:"user_id"`
	WagerID       *uuid.UUID   `json:"wager_id,omitempty"`
	Type          LedgerType   `json:"type"`
	Amount        money.Amount `json:"amount"`
	BalanceBefore money.Amount `json:"balance_before"`
	BalanceAfter  money.Amount `json:"balance_after"`
	Description   string       `json:"description"`
	CreatedAt     time.Time    `json:"created_at"`
}

type PlayerSettings struct {
	UserID             int64             `json:"user_id"`
	AutoCashoutEnabled bool              `json:"auto_cashout_enabled"`
	AutoCashoutTarget  *money.Multiplier `json:"auto_cashout_target,omitempty"`
	SoundEnabled       bool              `json:"sound_enabled"`
	DailyLimitsEnabled bool              `json:"daily_limits_enabled"`
	MaxDailyWager      money.Amount      `json:"max_daily_wager"`
	MaxDailyLoss       money.Amount      `json:"max_daily_loss"`
	MaxGamesPerDay     int               `json:"max_games_per_day"`
}

// SettingsUpdate is a partial update; nil fields are untouched. The field
// set is the full allowlist callers may change.
type SettingsUpdate struct {
	AutoCashoutEnabled *bool
	AutoCashoutTarget  *money.Multiplier
	SoundEnabled       *bool
	DailyLimitsEnabled *bool
	MaxDailyWager      *money.Amount
	MaxDailyLoss       *money.Amount
	MaxGamesPerDay     *int
}

type CreateUserParams struct {
	ExternalID     *string
	Username       string
	Role           Role
	PasswordHash   *string
	InitialBalance money.Amount
}

// UpdateUserFields is the admin-facing partial update; nil fields are
// untouched.
type UpdateUserFields struct {
	Username *string
	Role     *Role
	IsActive *bool
	Balance  *money.Amount
}

type PlaceWagerParams struct {
	UserID      int64
	RoundID     int64
	Stake       money.Amount
	AutoCashout *money.Multiplier
}

// FairRound is the audit view of a finished round. ServerSeed is nil while
// the round is inside the reveal grace period.
type FairRound struct {
	RoundID        int64            `json:"round_id"`
	ServerSeed     *string          `json:"server_seed"`
	ServerSeedHash string           `json:"server_seed_hash"`
	ClientSeed     string           `json:"client_seed"`
	Nonce          int64            `json:"nonce"`
	CrashPoint     money.Multiplier `json:"crash_point"`
	EndedAt        time.Time        `json:"ended_at"`
}

type LeaderboardSort string

const (
	SortByBalance  LeaderboardSort = "balance"
	SortByTotalWon LeaderboardSort = "totalWon"
	SortByWinRate  LeaderboardSort = "winRate"
	SortByLevel    LeaderboardSort = "level"
)

type LeaderboardEntry struct {
	UserID      int64        `json:"user_id"`
	Username    string       `json:"username"`
	Balance     money.Amount `json:"balance"`
	TotalWon    money.Amount `json:"total_won"`
	GamesPlayed int64        `json:"games_played"`
	WinRate     float64      `json:"win_rate"`
	Level       int64        `json:"level"`
}

type Stats struct {
	TotalUsers    int64        `json:"total_users"`
	ActiveUsers   int64        `json:"active_users"`
	TotalRounds   int64        `json:"total_rounds"`
	TotalWagers   int64        `json:"total_wagers"`
	TotalWagered  money.Amount `json:"total_wagered"`
	TotalPaidOut  money.Amount `json:"total_paid_out"`
	HouseNet      money.Amount `json:"house_net"`
	BalancesTotal money.Amount `json:"balances_total"`
}

// Store is the persistence gateway. Every mutating operation runs in a
// single serializable transaction; balance mutations always write a ledger
// row in the same transaction. Operations raise apperr kinds on contract
// violations.
type Store interface {
	FindUser(ctx context.Context, id int64) (*User, error)
	FindUserByExternalID(ctx context.Context, externalID string) (*User, error)
	AuthenticateUser(ctx context.Context, username, password string) (*User, error)
	CreateUser(ctx context.Context, params CreateUserParams) (*User, error)
	UpdateUser(ctx context.Context, id int64, fields UpdateUserFields) (*User, error)
	UpdatePassword(ctx context.Context, id int64, passwordHash string) error
	RecordLogin(ctx context.Context, id int64) error
	AdjustBalance(ctx context.Context, userID int64, delta money.Amount, entryType LedgerType, description string) (*User, error)

	CreateRound(ctx context.Context, commit fair.Commit) (*Round, error)
	UpdateRoundStatus(ctx context.Context, roundID int64, status RoundStatus, endedAt *time.Time) error

	PlaceWager(ctx context.Context, params PlaceWagerParams) (*Wager, *User, error)
	CashoutWager(ctx context.Context, wagerID uuid.UUID, multiplier money.Multiplier) (*Wager, *User, error)
	SettleCrashedRound(ctx context.Context, roundID int64, crashPoint money.Multiplier) (int, error)

	GetPlayerSettings(ctx context.Context, userID int64) (*PlayerSettings, error)
	UpsertPlayerSettings(ctx context.Context, userID int64, update SettingsUpdate) (*PlayerSettings, error)

	GetRecentFairRounds(ctx context.Context, limit int, revealGrace time.Duration) ([]FairRound, error)
	ClaimFarmingPoints(ctx context.Context, userID int64, cycle time.Duration, reward money.Amount) (*User, error)
	Leaderboard(ctx context.Context, sort LeaderboardSort, limit, minGamesForWinRate int) ([]LeaderboardEntry, error)
	LedgerEntries(ctx context.Context, userID int64, limit int) ([]LedgerEntry, error)

	ListUsers(ctx context.Context, limit, offset int) ([]User, error)
	ListRounds(ctx context.Context, limit, offset int) ([]Round, error)
	GetStats(ctx context.Context) (*Stats, error)

	Health(ctx context.Context) map[string]string
	Close()
}
