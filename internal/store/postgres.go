package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"crashout/internal/apperr"
	"crashout/internal/fair"
	"crashout/internal/money"
)

// Defaults seeds the settings row created alongside each new user.
type Defaults struct {
	MaxDailyWager  money.Amount
	MaxDailyLoss   money.Amount
	MaxGamesPerDay int
}

// Postgres implements Store over a pgx connection pool.
type Postgres struct {
	pool     *pgxpool.Pool
	defaults Defaults
}

// NewPostgres connects, pins the pool to UTC and pings before returning.
func NewPostgres(ctx context.Context, databaseURL string, defaults Defaults) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	cfg.ConnConfig.RuntimeParams["timezone"] = "UTC"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{pool: pool, defaults: defaults}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Health(ctx context.Context) map[string]string {
	stats := make(map[string]string)

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if err := p.pool.Ping(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "It's healthy"

	poolStats := p.pool.Stat()
	stats["total_conns"] = strconv.FormatInt(int64(poolStats.TotalConns()), 10)
	stats["idle_conns"] = strconv.FormatInt(int64(poolStats.IdleConns()), 10)
	stats["acquired_conns"] = strconv.FormatInt(int64(poolStats.AcquiredConns()), 10)

	return stats
}

// withTx runs fn in a serializable transaction, retrying once on a
// serialization or deadlock failure.
func (p *Postgres) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		err = fn(tx)
		if err == nil {
			if err = tx.Commit(ctx); err == nil {
				return nil
			}
		}
		_ = tx.Rollback(ctx)

		if !isSerializationFailure(err) {
			return err
		}
		lastErr = err
		log.WithError(err).Warn("serialization conflict, retrying transaction")
	}
	return lastErr
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const userColumns = `
	id, external_id, username, role, balance,
	total_wagered, total_won, total_lost, games_played,
	biggest_win, biggest_loss, xp, level, is_active,
	password_hash, farming_claimed_at, created_at, last_login_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.ExternalID, &u.Username, &u.Role, &u.Balance,
		&u.TotalWagered, &u.TotalWon, &u.TotalLost, &u.GamesPlayed,
		&u.BiggestWin, &u.BiggestLoss, &u.XP, &u.Level, &u.IsActive,
		&u.PasswordHash, &u.FarmingClaimedAt, &u.CreatedAt, &u.LastLoginAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (p *Postgres) FindUser(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(p.pool.QueryRow(ctx,
		`SELECT`+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user %d: %w", id, err)
	}
	return u, nil
}

func (p *Postgres) FindUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	u, err := scanUser(p.pool.QueryRow(ctx,
		`SELECT`+userColumns+` FROM users WHERE external_id = $1`, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by external id %s: %w", externalID, err)
	}
	return u, nil
}

// AuthenticateUser resolves the username/password pair to a user. Unknown
// username, wrong password and deactivated accounts are indistinguishable to
// the caller.
func (p *Postgres) AuthenticateUser(ctx context.Context, username, password string) (*User, error) {
	u, err := scanUser(p.pool.QueryRow(ctx,
		`SELECT`+userColumns+` FROM users WHERE username = $1`, username))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.Unauthenticated, "invalid credentials")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user %s: %w", username, err)
	}
	if !u.IsActive || u.PasswordHash == nil {
		return nil, apperr.New(apperr.Unauthenticated, "invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(*u.PasswordHash), []byte(password)) != nil {
		return nil, apperr.New(apperr.Unauthenticated, "invalid credentials")
	}
	return u, nil
}

// CreateUser inserts the user row and its default settings row in one
// transaction.
func (p *Postgres) CreateUser(ctx context.Context, params CreateUserParams) (*User, error) {
	role := params.Role
	if role == "" {
		role = RolePlayer
	}

	var user *User
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		u, err := scanUser(tx.QueryRow(ctx, `
			INSERT INTO users (external_id, username, role, balance, password_hash)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING`+userColumns,
			params.ExternalID, params.Username, role, params.InitialBalance, params.PasswordHash))
		if isUniqueViolation(err) {
			return apperr.Wrap(apperr.AlreadyExists, "user already exists", err)
		}
		if err != nil {
			return fmt.Errorf("failed to create user %s: %w", params.Username, err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO player_settings (user_id, max_daily_wager, max_daily_loss, max_games_per_day)
			VALUES ($1, $2, $3, $4)`,
			u.ID, p.defaults.MaxDailyWager, p.defaults.MaxDailyLoss, p.defaults.MaxGamesPerDay)
		if err != nil {
			return fmt.Errorf("failed to create settings for user %d: %w", u.ID, err)
		}

		if params.InitialBalance > 0 {
			if err := insertLedgerRow(ctx, tx, u.ID, nil, LedgerDeposit,
				params.InitialBalance, 0, params.InitialBalance, "initial balance"); err != nil {
				return err
			}
		}

		user = u
		return nil
	})
	return user, err
}

func (p *Postgres) UpdateUser(ctx context.Context, id int64, fields UpdateUserFields) (*User, error) {
	var user *User
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		current, err := scanUser(tx.QueryRow(ctx,
			`SELECT`+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.New(apperr.NotFound, "user not found")
		}
		if err != nil {
			return fmt.Errorf("failed to lock user %d: %w", id, err)
		}

		if fields.Balance != nil && *fields.Balance != current.Balance {
			// A direct balance edit is an adjustment and must hit the ledger.
			delta := *fields.Balance - current.Balance
			if *fields.Balance < 0 {
				return apperr.New(apperr.InsufficientFunds, "balance cannot go negative")
			}
			if err := insertLedgerRow(ctx, tx, id, nil, LedgerAdjustment,
				abs(delta), current.Balance, *fields.Balance, "admin balance adjustment"); err != nil {
				return err
			}
		}

		username := current.Username
		if fields.Username != nil {
			username = *fields.Username
		}
		role := current.Role
		if fields.Role != nil {
			role = *fields.Role
		}
		active := current.IsActive
		if fields.IsActive != nil {
			active = *fields.IsActive
		}
		balance := current.Balance
		if fields.Balance != nil {
			balance = *fields.Balance
		}

		user, err = scanUser(tx.QueryRow(ctx, `
			UPDATE users SET username = $2, role = $3, is_active = $4, balance = $5
			WHERE id = $1
			RETURNING`+userColumns,
			id, username, role, active, balance))
		if err != nil {
			return fmt.Errorf("failed to update user %d: %w", id, err)
		}
		return nil
	})
	return user, err
}

func (p *Postgres) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE users SET password_hash = $2 WHERE id = $1`, id, passwordHash)
	if err != nil {
		return fmt.Errorf("failed to update password for user %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "user not found")
	}
	return nil
}

func (p *Postgres) RecordLogin(ctx context.Context, id int64) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE users SET last_login_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to record login for user %d: %w", id, err)
	}
	return nil
}

// AdjustBalance applies a signed delta and writes the matching ledger row
// atomically.
func (p *Postgres) AdjustBalance(ctx context.Context, userID int64, delta money.Amount, entryType LedgerType, description string) (*User, error) {
	var user *User
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		current, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		newBalance := current + delta
		if newBalance < 0 {
			return apperr.New(apperr.InsufficientFunds, "insufficient balance")
		}

		user, err = scanUser(tx.QueryRow(ctx,
			`UPDATE users SET balance = $2 WHERE id = $1 RETURNING`+userColumns,
			userID, newBalance))
		if err != nil {
			return fmt.Errorf("failed to adjust balance for user %d: %w", userID, err)
		}

		return insertLedgerRow(ctx, tx, userID, nil, entryType, abs(delta), current, newBalance, description)
	})
	return user, err
}

func lockBalance(ctx context.Context, tx pgx.Tx, userID int64) (money.Amount, error) {
	var balance money.Amount
	var active bool
	err := tx.QueryRow(ctx,
		`SELECT balance, is_active FROM users WHERE id = $1 FOR UPDATE`, userID).
		Scan(&balance, &active)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, apperr.New(apperr.NotFound, "user not found")
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock user %d: %w", userID, err)
	}
	if !active {
		return 0, apperr.New(apperr.PermissionDenied, "account deactivated")
	}
	return balance, nil
}

func insertLedgerRow(ctx context.Context, tx pgx.Tx, userID int64, wagerID *uuid.UUID, entryType LedgerType, amount, before, after money.Amount, description string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (user_id, wager_id, entry_type, amount, balance_before, balance_after, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		userID, wagerID, entryType, amount, before, after, description)
	if err != nil {
		return fmt.Errorf("failed to write ledger entry for user %d: %w", userID, err)
	}
	return nil
}

func abs(a money.Amount) money.Amount {
	if a < 0 {
		return -a
	}
	return a
}

// CreateRound inserts the committed round in BETTING. The bigserial id is
// the monotonic round number.
func (p *Postgres) CreateRound(ctx context.Context, commit fair.Commit) (*Round, error) {
	var r Round
	err := p.pool.QueryRow(ctx, `
		INSERT INTO rounds (server_seed, server_seed_hash, client_seed, nonce, crash_point, status)
		VALUES ($1, $2, $3, $4, $5, 'BETTING')
		RETURNING id, server_seed, server_seed_hash, client_seed, nonce, crash_point, status, started_at, ended_at`,
		commit.ServerSeed, commit.ServerSeedHash, commit.ClientSeed, commit.Nonce, commit.CrashPoint).
		Scan(&r.ID, &r.ServerSeed, &r.ServerSeedHash, &r.ClientSeed, &r.Nonce, &r.CrashPoint, &r.Status, &r.StartedAt, &r.EndedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create round: %w", err)
	}
	return &r, nil
}

func (p *Postgres) UpdateRoundStatus(ctx context.Context, roundID int64, status RoundStatus, endedAt *time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE rounds SET status = $2, ended_at = COALESCE($3, ended_at) WHERE id = $1`,
		roundID, status, endedAt)
	if err != nil {
		return fmt.Errorf("failed to update round %d status: %w", roundID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "round not found")
	}
	return nil
}

// PlaceWager is the single atomic bet admission: round phase check, balance
// check, daily limits, debit, wager row, ledger row, counter bump.
func (p *Postgres) PlaceWager(ctx context.Context, params PlaceWagerParams) (*Wager, *User, error) {
	var (
		wager *Wager
		user  *User
	)
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		var roundStatus RoundStatus
		err := tx.QueryRow(ctx, `SELECT status FROM rounds WHERE id = $1`, params.RoundID).Scan(&roundStatus)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.New(apperr.NotFound, "round not found")
		}
		if err != nil {
			return fmt.Errorf("failed to read round %d: %w", params.RoundID, err)
		}
		if roundStatus != RoundBetting {
			return apperr.New(apperr.FailedPrecondition, "round is not accepting bets")
		}

		balance, err := lockBalance(ctx, tx, params.UserID)
		if err != nil {
			return err
		}
		if balance < params.Stake {
			return apperr.New(apperr.InsufficientFunds, "insufficient balance")
		}

		if err := checkDailyLimits(ctx, tx, params.UserID, params.Stake); err != nil {
			return err
		}

		w := Wager{
			ID:          uuid.New(),
			UserID:      params.UserID,
			RoundID:     params.RoundID,
			Stake:       params.Stake,
			AutoCashout: params.AutoCashout,
			Status:      WagerActive,
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO wagers (id, user_id, round_id, stake, auto_cashout, status)
			VALUES ($1, $2, $3, $4, $5, 'ACTIVE')
			RETURNING placed_at`,
			w.ID, w.UserID, w.RoundID, w.Stake, w.AutoCashout).Scan(&w.PlacedAt)
		if isUniqueViolation(err) {
			return apperr.New(apperr.AlreadyExists, "wager already placed this round")
		}
		if err != nil {
			return fmt.Errorf("failed to insert wager: %w", err)
		}

		newBalance := balance - params.Stake
		user, err = scanUser(tx.QueryRow(ctx, `
			UPDATE users SET
				balance = $2,
				total_wagered = total_wagered + $3,
				games_played = games_played + 1
			WHERE id = $1
			RETURNING`+userColumns,
			params.UserID, newBalance, params.Stake))
		if err != nil {
			return fmt.Errorf("failed to debit user %d: %w", params.UserID, err)
		}

		if err := insertLedgerRow(ctx, tx, params.UserID, &w.ID, LedgerBetPlaced,
			params.Stake, balance, newBalance, fmt.Sprintf("bet on round %d", params.RoundID)); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO daily_limits (user_id, day, wagered, games)
			VALUES ($1, CURRENT_DATE, $2, 1)
			ON CONFLICT (user_id, day)
			DO UPDATE SET wagered = daily_limits.wagered + $2, games = daily_limits.games + 1`,
			params.UserID, params.Stake)
		if err != nil {
			return fmt.Errorf("failed to bump daily counters for user %d: %w", params.UserID, err)
		}

		wager = &w
		return nil
	})
	return wager, user, err
}

func checkDailyLimits(ctx context.Context, tx pgx.Tx, userID int64, stake money.Amount) error {
	var (
		enabled        bool
		maxWager       money.Amount
		maxLoss        money.Amount
		maxGames       int
		wagered        money.Amount
		lost           money.Amount
		games          int
	)
	err := tx.QueryRow(ctx, `
		SELECT s.daily_limits_enabled, s.max_daily_wager, s.max_daily_loss, s.max_games_per_day,
		       COALESCE(d.wagered, 0), COALESCE(d.lost, 0), COALESCE(d.games, 0)
		FROM player_settings s
		LEFT JOIN daily_limits d ON d.user_id = s.user_id AND d.day = CURRENT_DATE
		WHERE s.user_id = $1`, userID).
		Scan(&enabled, &maxWager, &maxLoss, &maxGames, &wagered, &lost, &games)
	if errors.Is(err, pgx.ErrNoRows) {
		// No settings row means no limits configured.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read daily limits for user %d: %w", userID, err)
	}
	if !enabled {
		return nil
	}
	if wagered+stake > maxWager {
		return apperr.New(apperr.DailyLimitExceeded, "daily wager limit reached")
	}
	if lost >= maxLoss {
		return apperr.New(apperr.DailyLimitExceeded, "daily loss limit reached")
	}
	if games+1 > maxGames {
		return apperr.New(apperr.DailyLimitExceeded, "daily games limit reached")
	}
	return nil
}

// CashoutWager settles a winning wager: assert ACTIVE + round RUNNING,
// credit the payout, flip the wager, write the ledger row, bump counters.
func (p *Postgres) CashoutWager(ctx context.Context, wagerID uuid.UUID, multiplier money.Multiplier) (*Wager, *User, error) {
	var (
		wager *Wager
		user  *User
	)
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		var w Wager
		err := tx.QueryRow(ctx, `
			SELECT id, user_id, round_id, stake, auto_cashout, cashout_multiplier, payout, status, placed_at, settled_at
			FROM wagers WHERE id = $1 FOR UPDATE`, wagerID).
			Scan(&w.ID, &w.UserID, &w.RoundID, &w.Stake, &w.AutoCashout, &w.CashoutMultiplier, &w.Payout, &w.Status, &w.PlacedAt, &w.SettledAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.New(apperr.NotFound, "wager not found")
		}
		if err != nil {
			return fmt.Errorf("failed to lock wager %s: %w", wagerID, err)
		}

		switch w.Status {
		case WagerActive:
		case WagerCashedOut:
			return apperr.New(apperr.AlreadyExists, "wager already cashed out")
		default:
			return apperr.New(apperr.FailedPrecondition, "wager is not active")
		}

		var roundStatus RoundStatus
		if err := tx.QueryRow(ctx, `SELECT status FROM rounds WHERE id = $1`, w.RoundID).Scan(&roundStatus); err != nil {
			return fmt.Errorf("failed to read round %d: %w", w.RoundID, err)
		}
		if roundStatus != RoundRunning {
			return apperr.New(apperr.FailedPrecondition, "round is not running")
		}

		payout := multiplier.Payout(w.Stake)
		netWin := payout - w.Stake

		err = tx.QueryRow(ctx, `
			UPDATE wagers SET status = 'CASHED_OUT', cashout_multiplier = $2, payout = $3, settled_at = now()
			WHERE id = $1
			RETURNING cashout_multiplier, payout, status, settled_at`,
			w.ID, multiplier, payout).
			Scan(&w.CashoutMultiplier, &w.Payout, &w.Status, &w.SettledAt)
		if err != nil {
			return fmt.Errorf("failed to settle wager %s: %w", w.ID, err)
		}

		balance, err := lockBalance(ctx, tx, w.UserID)
		if err != nil {
			return err
		}
		newBalance := balance + payout

		user, err = scanUser(tx.QueryRow(ctx, `
			UPDATE users SET
				balance = $2,
				total_won = total_won + $3,
				biggest_win = GREATEST(biggest_win, $3),
				xp = xp + 10,
				level = (xp + 10) / 1000 + 1
			WHERE id = $1
			RETURNING`+userColumns,
			w.UserID, newBalance, netWin))
		if err != nil {
			return fmt.Errorf("failed to credit user %d: %w", w.UserID, err)
		}

		if err := insertLedgerRow(ctx, tx, w.UserID, &w.ID, LedgerBetWon,
			payout, balance, newBalance, fmt.Sprintf("cashed out at %s on round %d", multiplier, w.RoundID)); err != nil {
			return err
		}

		wager = &w
		return nil
	})
	return wager, user, err
}

// SettleCrashedRound marks every still-active wager of the round lost and
// writes its loss ledger row. Returns the number of wagers settled.
func (p *Postgres) SettleCrashedRound(ctx context.Context, roundID int64, crashPoint money.Multiplier) (int, error) {
	settled := 0
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, user_id, stake FROM wagers
			WHERE round_id = $1 AND status = 'ACTIVE'
			FOR UPDATE`, roundID)
		if err != nil {
			return fmt.Errorf("failed to list active wagers for round %d: %w", roundID, err)
		}

		type lostWager struct {
			id     uuid.UUID
			userID int64
			stake  money.Amount
		}
		var losers []lostWager
		for rows.Next() {
			var lw lostWager
			if err := rows.Scan(&lw.id, &lw.userID, &lw.stake); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan wager: %w", err)
			}
			losers = append(losers, lw)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to iterate wagers: %w", err)
		}

		for _, lw := range losers {
			_, err := tx.Exec(ctx, `
				UPDATE wagers SET status = 'LOST', settled_at = now() WHERE id = $1`, lw.id)
			if err != nil {
				return fmt.Errorf("failed to mark wager %s lost: %w", lw.id, err)
			}

			var balance money.Amount
			err = tx.QueryRow(ctx, `
				UPDATE users SET
					total_lost = total_lost + $2,
					biggest_loss = GREATEST(biggest_loss, $2),
					xp = xp + 10,
					level = (xp + 10) / 1000 + 1
				WHERE id = $1
				RETURNING balance`, lw.userID, lw.stake).Scan(&balance)
			if err != nil {
				return fmt.Errorf("failed to update stats for user %d: %w", lw.userID, err)
			}

			// The stake was debited at placement; the loss row records the
			// terminal outcome without moving the balance.
			if err := insertLedgerRow(ctx, tx, lw.userID, &lw.id, LedgerBetLost,
				lw.stake, balance, balance, fmt.Sprintf("lost at %s on round %d", crashPoint, roundID)); err != nil {
				return err
			}

			_, err = tx.Exec(ctx, `
				INSERT INTO daily_limits (user_id, day, lost, games)
				VALUES ($1, CURRENT_DATE, $2, 0)
				ON CONFLICT (user_id, day)
				DO UPDATE SET lost = daily_limits.lost + $2`,
				lw.userID, lw.stake)
			if err != nil {
				return fmt.Errorf("failed to bump loss counter for user %d: %w", lw.userID, err)
			}
		}

		settled = len(losers)
		return nil
	})
	return settled, err
}

func (p *Postgres) GetPlayerSettings(ctx context.Context, userID int64) (*PlayerSettings, error) {
	var s PlayerSettings
	err := p.pool.QueryRow(ctx, `
		SELECT user_id, auto_cashout_enabled, auto_cashout_target, sound_enabled,
		       daily_limits_enabled, max_daily_wager, max_daily_loss, max_games_per_day
		FROM player_settings WHERE user_id = $1`, userID).
		Scan(&s.UserID, &s.AutoCashoutEnabled, &s.AutoCashoutTarget, &s.SoundEnabled,
			&s.DailyLimitsEnabled, &s.MaxDailyWager, &s.MaxDailyLoss, &s.MaxGamesPerDay)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "settings not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settings for user %d: %w", userID, err)
	}
	return &s, nil
}

func (p *Postgres) UpsertPlayerSettings(ctx context.Context, userID int64, update SettingsUpdate) (*PlayerSettings, error) {
	var settings *PlayerSettings
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO player_settings (user_id, max_daily_wager, max_daily_loss, max_games_per_day)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id) DO NOTHING`,
			userID, p.defaults.MaxDailyWager, p.defaults.MaxDailyLoss, p.defaults.MaxGamesPerDay)
		if err != nil {
			return fmt.Errorf("failed to ensure settings row for user %d: %w", userID, err)
		}

		var s PlayerSettings
		err = tx.QueryRow(ctx, `
			UPDATE player_settings SET
				auto_cashout_enabled = COALESCE($2, auto_cashout_enabled),
				auto_cashout_target  = COALESCE($3, auto_cashout_target),
				sound_enabled        = COALESCE($4, sound_enabled),
				daily_limits_enabled = COALESCE($5, daily_limits_enabled),
				max_daily_wager      = COALESCE($6, max_daily_wager),
				max_daily_loss       = COALESCE($7, max_daily_loss),
				max_games_per_day    = COALESCE($8, max_games_per_day),
				updated_at = now()
			WHERE user_id = $1
			RETURNING user_id, auto_cashout_enabled, auto_cashout_target, sound_enabled,
			          daily_limits_enabled, max_daily_wager, max_daily_loss, max_games_per_day`,
			userID, update.AutoCashoutEnabled, update.AutoCashoutTarget, update.SoundEnabled,
			update.DailyLimitsEnabled, update.MaxDailyWager, update.MaxDailyLoss, update.MaxGamesPerDay).
			Scan(&s.UserID, &s.AutoCashoutEnabled, &s.AutoCashoutTarget, &s.SoundEnabled,
				&s.DailyLimitsEnabled, &s.MaxDailyWager, &s.MaxDailyLoss, &s.MaxGamesPerDay)
		if err != nil {
			return fmt.Errorf("failed to update settings for user %d: %w", userID, err)
		}
		settings = &s
		return nil
	})
	return settings, err
}

// GetRecentFairRounds returns the audit view of recent crashed rounds. The
// server seed stays null until the reveal grace period has passed.
func (p *Postgres) GetRecentFairRounds(ctx context.Context, limit int, revealGrace time.Duration) ([]FairRound, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id,
		       CASE WHEN ended_at <= now() - $2::interval THEN server_seed END,
		       server_seed_hash, client_seed, nonce, crash_point, ended_at
		FROM rounds
		WHERE status = 'CRASHED' AND ended_at IS NOT NULL
		ORDER BY id DESC
		LIMIT $1`, limit, revealGrace)
	if err != nil {
		return nil, fmt.Errorf("failed to list fair rounds: %w", err)
	}
	defer rows.Close()

	var out []FairRound
	for rows.Next() {
		var fr FairRound
		if err := rows.Scan(&fr.RoundID, &fr.ServerSeed, &fr.ServerSeedHash, &fr.ClientSeed, &fr.Nonce, &fr.CrashPoint, &fr.EndedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fair round: %w", err)
		}
		out = append(out, fr)
	}
	return out, rows.Err()
}

// ClaimFarmingPoints credits the farming reward if the cooldown has lapsed.
func (p *Postgres) ClaimFarmingPoints(ctx context.Context, userID int64, cycle time.Duration, reward money.Amount) (*User, error) {
	var user *User
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		var (
			balance   money.Amount
			claimedAt *time.Time
			active    bool
		)
		err := tx.QueryRow(ctx,
			`SELECT balance, farming_claimed_at, is_active FROM users WHERE id = $1 FOR UPDATE`, userID).
			Scan(&balance, &claimedAt, &active)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.New(apperr.NotFound, "user not found")
		}
		if err != nil {
			return fmt.Errorf("failed to lock user %d: %w", userID, err)
		}
		if !active {
			return apperr.New(apperr.PermissionDenied, "account deactivated")
		}
		if claimedAt != nil && time.Since(*claimedAt) < cycle {
			return apperr.New(apperr.FailedPrecondition, "farming cooldown active")
		}

		newBalance := balance + reward
		user, err = scanUser(tx.QueryRow(ctx, `
			UPDATE users SET balance = $2, farming_claimed_at = now(), xp = xp + 50, level = (xp + 50) / 1000 + 1
			WHERE id = $1
			RETURNING`+userColumns,
			userID, newBalance))
		if err != nil {
			return fmt.Errorf("failed to credit farming reward for user %d: %w", userID, err)
		}

		return insertLedgerRow(ctx, tx, userID, nil, LedgerFarmingClaim,
			reward, balance, newBalance, "farming claim")
	})
	return user, err
}

func (p *Postgres) Leaderboard(ctx context.Context, sort LeaderboardSort, limit, minGamesForWinRate int) ([]LeaderboardEntry, error) {
	var orderBy string
	switch sort {
	case SortByBalance:
		orderBy = "u.balance DESC"
	case SortByTotalWon:
		orderBy = "u.total_won DESC"
	case SortByLevel:
		orderBy = "u.level DESC, u.xp DESC"
	case SortByWinRate:
		orderBy = "win_rate DESC"
	default:
		return nil, apperr.Newf(apperr.InvalidArgument, "unknown leaderboard sort %q", sort)
	}

	filter := ""
	if sort == SortByWinRate {
		filter = "AND u.games_played >= $2"
	}

	query := fmt.Sprintf(`
		SELECT u.id, u.username, u.balance, u.total_won, u.games_played, u.level,
		       COALESCE(w.wins::float / NULLIF(w.total, 0), 0) AS win_rate
		FROM users u
		LEFT JOIN (
			SELECT user_id,
			       COUNT(*) FILTER (WHERE status = 'CASHED_OUT') AS wins,
			       COUNT(*) FILTER (WHERE status IN ('CASHED_OUT', 'LOST')) AS total
			FROM wagers GROUP BY user_id
		) w ON w.user_id = u.id
		WHERE u.is_active %s
		ORDER BY %s
		LIMIT $1`, filter, orderBy)

	var (
		rows pgx.Rows
		err  error
	)
	if sort == SortByWinRate {
		rows, err = p.pool.Query(ctx, query, limit, minGamesForWinRate)
	} else {
		rows, err = p.pool.Query(ctx, query, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	defer rows.Close()

	var out []LeaderboardEntry
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.UserID, &e.Username, &e.Balance, &e.TotalWon, &e.GamesPlayed, &e.Level, &e.WinRate); err != nil {
			return nil, fmt.Errorf("failed to scan leaderboard entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) LedgerEntries(ctx context.Context, userID int64, limit int) ([]LedgerEntry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, wager_id, entry_type, amount, balance_before, balance_after, description, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries for user %d: %w", userID, err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.WagerID, &e.Type, &e.Amount, &e.BalanceBefore, &e.BalanceAfter, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) ListUsers(ctx context.Context, limit, offset int) ([]User, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT`+userColumns+` FROM users ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (p *Postgres) ListRounds(ctx context.Context, limit, offset int) ([]Round, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, server_seed, server_seed_hash, client_seed, nonce, crash_point, status, started_at, ended_at
		FROM rounds ORDER BY id DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list rounds: %w", err)
	}
	defer rows.Close()

	var out []Round
	for rows.Next() {
		var r Round
		if err := rows.Scan(&r.ID, &r.ServerSeed, &r.ServerSeedHash, &r.ClientSeed, &r.Nonce, &r.CrashPoint, &r.Status, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, fmt.Errorf("failed to scan round: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) GetStats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := p.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM users WHERE is_active),
			(SELECT COUNT(*) FROM rounds),
			(SELECT COUNT(*) FROM wagers),
			(SELECT COALESCE(SUM(stake), 0) FROM wagers),
			(SELECT COALESCE(SUM(payout), 0) FROM wagers WHERE status = 'CASHED_OUT'),
			(SELECT COALESCE(SUM(balance), 0) FROM users)`).
		Scan(&s.TotalUsers, &s.ActiveUsers, &s.TotalRounds, &s.TotalWagers,
			&s.TotalWagered, &s.TotalPaidOut, &s.BalancesTotal)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate stats: %w", err)
	}
	s.HouseNet = s.TotalWagered - s.TotalPaidOut
	return &s, nil
}
