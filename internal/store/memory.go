package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"crashout/internal/apperr"
	"crashout/internal/fair"
	"crashout/internal/money"
)

// Memory is an in-process Store with the same contract as Postgres. It backs
// the engine and front-end tests; a coarse mutex stands in for serializable
// transactions.
type Memory struct {
	mu       sync.Mutex
	defaults Defaults

	nextUserID   int64
	nextRoundID  int64
	nextLedgerID int64

	users    map[int64]*User
	rounds   map[int64]*Round
	wagers   map[uuid.UUID]*Wager
	ledger   []LedgerEntry
	settings map[int64]*PlayerSettings
	daily    map[string]*dailyCounter
}

type dailyCounter struct {
	wagered money.Amount
	lost    money.Amount
	games   int
}

func NewMemory(defaults Defaults) *Memory {
	return &Memory{
		defaults: defaults,
		users:    make(map[int64]*User),
		rounds:   make(map[int64]*Round),
		wagers:   make(map[uuid.UUID]*Wager),
		settings: make(map[int64]*PlayerSettings),
		daily:    make(map[string]*dailyCounter),
	}
}

func (m *Memory) Close() {}

func (m *Memory) Health(context.Context) map[string]string {
	return map[string]string{"status": "up", "message": "It's healthy"}
}

func dailyKey(userID int64, t time.Time) string {
	return fmt.Sprintf("%d:%s", userID, t.UTC().Format("2006-01-02"))
}

func (m *Memory) dailyFor(userID int64) *dailyCounter {
	key := dailyKey(userID, time.Now())
	c, ok := m.daily[key]
	if !ok {
		c = &dailyCounter{}
		m.daily[key] = c
	}
	return c
}

func (m *Memory) appendLedger(userID int64, wagerID *uuid.UUID, entryType LedgerType, amount, before, after money.Amount, description string) {
	m.nextLedgerID++
	m.ledger = append(m.ledger, LedgerEntry{
		ID:            m.nextLedgerID,
		UserID:        userID,
		WagerID:       wagerID,
		Type:          entryType,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   description,
		CreatedAt:     time.Now(),
	})
}

func copyUser(u *User) *User {
	cp := *u
	return &cp
}

func (m *Memory) FindUser(_ context.Context, id int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "user not found")
	}
	return copyUser(u), nil
}

func (m *Memory) FindUserByExternalID(_ context.Context, externalID string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ExternalID != nil && *u.ExternalID == externalID {
			return copyUser(u), nil
		}
	}
	return nil, apperr.New(apperr.NotFound, "user not found")
}

func (m *Memory) AuthenticateUser(_ context.Context, username, password string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			if !u.IsActive || u.PasswordHash == nil {
				break
			}
			if bcrypt.CompareHashAndPassword([]byte(*u.PasswordHash), []byte(password)) != nil {
				break
			}
			return copyUser(u), nil
		}
	}
	return nil, apperr.New(apperr.Unauthenticated, "invalid credentials")
}

func (m *Memory) CreateUser(_ context.Context, params CreateUserParams) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Username == params.Username ||
			(params.ExternalID != nil && u.ExternalID != nil && *u.ExternalID == *params.ExternalID) {
			return nil, apperr.New(apperr.AlreadyExists, "user already exists")
		}
	}

	role := params.Role
	if role == "" {
		role = RolePlayer
	}

	m.nextUserID++
	u := &User{
		ID:           m.nextUserID,
		ExternalID:   params.ExternalID,
		Username:     params.Username,
		Role:         role,
		Balance:      params.InitialBalance,
		IsActive:     true,
		PasswordHash: params.PasswordHash,
		Level:        1,
		CreatedAt:    time.Now(),
	}
	m.users[u.ID] = u

	m.settings[u.ID] = &PlayerSettings{
		UserID:         u.ID,
		SoundEnabled:   true,
		MaxDailyWager:  m.defaults.MaxDailyWager,
		MaxDailyLoss:   m.defaults.MaxDailyLoss,
		MaxGamesPerDay: m.defaults.MaxGamesPerDay,
	}

	if params.InitialBalance > 0 {
		m.appendLedger(u.ID, nil, LedgerDeposit, params.InitialBalance, 0, params.InitialBalance, "initial balance")
	}
	return copyUser(u), nil
}

func (m *Memory) UpdateUser(_ context.Context, id int64, fields UpdateUserFields) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "user not found")
	}
	if fields.Balance != nil && *fields.Balance != u.Balance {
		if *fields.Balance < 0 {
			return nil, apperr.New(apperr.InsufficientFunds, "balance cannot go negative")
		}
		delta := *fields.Balance - u.Balance
		m.appendLedger(id, nil, LedgerAdjustment, abs(delta), u.Balance, *fields.Balance, "admin balance adjustment")
		u.Balance = *fields.Balance
	}
	if fields.Username != nil {
		u.Username = *fields.Username
	}
	if fields.Role != nil {
		u.Role = *fields.Role
	}
	if fields.IsActive != nil {
		u.IsActive = *fields.IsActive
	}
	return copyUser(u), nil
}

func (m *Memory) UpdatePassword(_ context.Context, id int64, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return apperr.New(apperr.NotFound, "user not found")
	}
	u.PasswordHash = &passwordHash
	return nil
}

func (m *Memory) RecordLogin(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		now := time.Now()
		u.LastLoginAt = &now
	}
	return nil
}

func (m *Memory) AdjustBalance(_ context.Context, userID int64, delta money.Amount, entryType LedgerType, description string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "user not found")
	}
	if !u.IsActive {
		return nil, apperr.New(apperr.PermissionDenied, "account deactivated")
	}
	newBalance := u.Balance + delta
	if newBalance < 0 {
		return nil, apperr.New(apperr.InsufficientFunds, "insufficient balance")
	}
	m.appendLedger(userID, nil, entryType, abs(delta), u.Balance, newBalance, description)
	u.Balance = newBalance
	return copyUser(u), nil
}

func (m *Memory) CreateRound(_ context.Context, commit fair.Commit) (*Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextRoundID++
	r := &Round{
		ID:             m.nextRoundID,
		ServerSeed:     commit.ServerSeed,
		ServerSeedHash: commit.ServerSeedHash,
		ClientSeed:     commit.ClientSeed,
		Nonce:          commit.Nonce,
		CrashPoint:     commit.CrashPoint,
		Status:         RoundBetting,
		StartedAt:      time.Now(),
	}
	m.rounds[r.ID] = r
	cp := *r
	return &cp, nil
}

func (m *Memory) UpdateRoundStatus(_ context.Context, roundID int64, status RoundStatus, endedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rounds[roundID]
	if !ok {
		return apperr.New(apperr.NotFound, "round not found")
	}
	r.Status = status
	if endedAt != nil {
		r.EndedAt = endedAt
	}
	return nil
}

func (m *Memory) PlaceWager(_ context.Context, params PlaceWagerParams) (*Wager, *User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rounds[params.RoundID]
	if !ok {
		return nil, nil, apperr.New(apperr.NotFound, "round not found")
	}
	if r.Status != RoundBetting {
		return nil, nil, apperr.New(apperr.FailedPrecondition, "round is not accepting bets")
	}

	u, ok := m.users[params.UserID]
	if !ok {
		return nil, nil, apperr.New(apperr.NotFound, "user not found")
	}
	if !u.IsActive {
		return nil, nil, apperr.New(apperr.PermissionDenied, "account deactivated")
	}
	if u.Balance < params.Stake {
		return nil, nil, apperr.New(apperr.InsufficientFunds, "insufficient balance")
	}

	for _, w := range m.wagers {
		if w.UserID == params.UserID && w.RoundID == params.RoundID {
			return nil, nil, apperr.New(apperr.AlreadyExists, "wager already placed this round")
		}
	}

	if s, ok := m.settings[params.UserID]; ok && s.DailyLimitsEnabled {
		c := m.dailyFor(params.UserID)
		if c.wagered+params.Stake > s.MaxDailyWager {
			return nil, nil, apperr.New(apperr.DailyLimitExceeded, "daily wager limit reached")
		}
		if c.lost >= s.MaxDailyLoss {
			return nil, nil, apperr.New(apperr.DailyLimitExceeded, "daily loss limit reached")
		}
		if c.games+1 > s.MaxGamesPerDay {
			return nil, nil, apperr.New(apperr.DailyLimitExceeded, "daily games limit reached")
		}
	}

	w := &Wager{
		ID:          uuid.New(),
		UserID:      params.UserID,
		RoundID:     params.RoundID,
		Stake:       params.Stake,
		AutoCashout: params.AutoCashout,
		Status:      WagerActive,
		PlacedAt:    time.Now(),
	}
	m.wagers[w.ID] = w

	before := u.Balance
	u.Balance -= params.Stake
	u.TotalWagered += params.Stake
	u.GamesPlayed++
	m.appendLedger(u.ID, &w.ID, LedgerBetPlaced, params.Stake, before, u.Balance,
		fmt.Sprintf("bet on round %d", params.RoundID))

	c := m.dailyFor(params.UserID)
	c.wagered += params.Stake
	c.games++

	wcp := *w
	return &wcp, copyUser(u), nil
}

func (m *Memory) CashoutWager(_ context.Context, wagerID uuid.UUID, multiplier money.Multiplier) (*Wager, *User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wagers[wagerID]
	if !ok {
		return nil, nil, apperr.New(apperr.NotFound, "wager not found")
	}
	switch w.Status {
	case WagerActive:
	case WagerCashedOut:
		return nil, nil, apperr.New(apperr.AlreadyExists, "wager already cashed out")
	default:
		return nil, nil, apperr.New(apperr.FailedPrecondition, "wager is not active")
	}

	r := m.rounds[w.RoundID]
	if r == nil || r.Status != RoundRunning {
		return nil, nil, apperr.New(apperr.FailedPrecondition, "round is not running")
	}

	u := m.users[w.UserID]
	payout := multiplier.Payout(w.Stake)
	netWin := payout - w.Stake
	now := time.Now()

	w.Status = WagerCashedOut
	w.CashoutMultiplier = &multiplier
	w.Payout = &payout
	w.SettledAt = &now

	before := u.Balance
	u.Balance += payout
	u.TotalWon += netWin
	if netWin > u.BiggestWin {
		u.BiggestWin = netWin
	}
	u.XP += 10
	u.Level = u.XP/1000 + 1
	m.appendLedger(u.ID, &w.ID, LedgerBetWon, payout, before, u.Balance,
		fmt.Sprintf("cashed out at %s on round %d", multiplier, w.RoundID))

	wcp := *w
	return &wcp, copyUser(u), nil
}

func (m *Memory) SettleCrashedRound(_ context.Context, roundID int64, crashPoint money.Multiplier) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	settled := 0
	now := time.Now()
	for _, w := range m.wagers {
		if w.RoundID != roundID || w.Status != WagerActive {
			continue
		}
		w.Status = WagerLost
		w.SettledAt = &now

		u := m.users[w.UserID]
		u.TotalLost += w.Stake
		if w.Stake > u.BiggestLoss {
			u.BiggestLoss = w.Stake
		}
		u.XP += 10
		u.Level = u.XP/1000 + 1
		m.appendLedger(u.ID, &w.ID, LedgerBetLost, w.Stake, u.Balance, u.Balance,
			fmt.Sprintf("lost at %s on round %d", crashPoint, roundID))

		m.dailyFor(w.UserID).lost += w.Stake
		settled++
	}
	return settled, nil
}

func (m *Memory) GetPlayerSettings(_ context.Context, userID int64) (*PlayerSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[userID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "settings not found")
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) UpsertPlayerSettings(_ context.Context, userID int64, update SettingsUpdate) (*PlayerSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.settings[userID]
	if !ok {
		s = &PlayerSettings{
			UserID:         userID,
			SoundEnabled:   true,
			MaxDailyWager:  m.defaults.MaxDailyWager,
			MaxDailyLoss:   m.defaults.MaxDailyLoss,
			MaxGamesPerDay: m.defaults.MaxGamesPerDay,
		}
		m.settings[userID] = s
	}
	if update.AutoCashoutEnabled != nil {
		s.AutoCashoutEnabled = *update.AutoCashoutEnabled
	}
	if update.AutoCashoutTarget != nil {
		s.AutoCashoutTarget = update.AutoCashoutTarget
	}
	if update.SoundEnabled != nil {
		s.SoundEnabled = *update.SoundEnabled
	}
	if update.DailyLimitsEnabled != nil {
		s.DailyLimitsEnabled = *update.DailyLimitsEnabled
	}
	if update.MaxDailyWager != nil {
		s.MaxDailyWager = *update.MaxDailyWager
	}
	if update.MaxDailyLoss != nil {
		s.MaxDailyLoss = *update.MaxDailyLoss
	}
	if update.MaxGamesPerDay != nil {
		s.MaxGamesPerDay = *update.MaxGamesPerDay
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) GetRecentFairRounds(_ context.Context, limit int, revealGrace time.Duration) ([]FairRound, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var crashed []*Round
	for _, r := range m.rounds {
		if r.Status == RoundCrashed && r.EndedAt != nil {
			crashed = append(crashed, r)
		}
	}
	sort.Slice(crashed, func(i, j int) bool { return crashed[i].ID > crashed[j].ID })
	if len(crashed) > limit {
		crashed = crashed[:limit]
	}

	out := make([]FairRound, 0, len(crashed))
	for _, r := range crashed {
		fr := FairRound{
			RoundID:        r.ID,
			ServerSeedHash: r.ServerSeedHash,
			ClientSeed:     r.ClientSeed,
			Nonce:          r.Nonce,
			CrashPoint:     r.CrashPoint,
			EndedAt:        *r.EndedAt,
		}
		if time.Since(*r.EndedAt) >= revealGrace {
			seed := r.ServerSeed
			fr.ServerSeed = &seed
		}
		out = append(out, fr)
	}
	return out, nil
}

func (m *Memory) ClaimFarmingPoints(_ context.Context, userID int64, cycle time.Duration, reward money.Amount) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "user not found")
	}
	if !u.IsActive {
		return nil, apperr.New(apperr.PermissionDenied, "account deactivated")
	}
	if u.FarmingClaimedAt != nil && time.Since(*u.FarmingClaimedAt) < cycle {
		return nil, apperr.New(apperr.FailedPrecondition, "farming cooldown active")
	}

	before := u.Balance
	now := time.Now()
	u.Balance += reward
	u.FarmingClaimedAt = &now
	u.XP += 50
	u.Level = u.XP/1000 + 1
	m.appendLedger(userID, nil, LedgerFarmingClaim, reward, before, u.Balance, "farming claim")
	return copyUser(u), nil
}

func (m *Memory) Leaderboard(_ context.Context, sortKey LeaderboardSort, limit, minGamesForWinRate int) ([]LeaderboardEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wins := make(map[int64]int64)
	totals := make(map[int64]int64)
	for _, w := range m.wagers {
		switch w.Status {
		case WagerCashedOut:
			wins[w.UserID]++
			totals[w.UserID]++
		case WagerLost:
			totals[w.UserID]++
		}
	}

	var out []LeaderboardEntry
	for _, u := range m.users {
		if !u.IsActive {
			continue
		}
		if sortKey == SortByWinRate && u.GamesPlayed < int64(minGamesForWinRate) {
			continue
		}
		e := LeaderboardEntry{
			UserID:      u.ID,
			Username:    u.Username,
			Balance:     u.Balance,
			TotalWon:    u.TotalWon,
			GamesPlayed: u.GamesPlayed,
			Level:       u.Level,
		}
		if totals[u.ID] > 0 {
			e.WinRate = float64(wins[u.ID]) / float64(totals[u.ID])
		}
		out = append(out, e)
	}

	switch sortKey {
	case SortByBalance:
		sort.Slice(out, func(i, j int) bool { return out[i].Balance > out[j].Balance })
	case SortByTotalWon:
		sort.Slice(out, func(i, j int) bool { return out[i].TotalWon > out[j].TotalWon })
	case SortByLevel:
		sort.Slice(out, func(i, j int) bool { return out[i].Level > out[j].Level })
	case SortByWinRate:
		sort.Slice(out, func(i, j int) bool { return out[i].WinRate > out[j].WinRate })
	default:
		return nil, apperr.Newf(apperr.InvalidArgument, "unknown leaderboard sort %q", sortKey)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) LedgerEntries(_ context.Context, userID int64, limit int) ([]LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []LedgerEntry
	for i := len(m.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if m.ledger[i].UserID == userID {
			out = append(out, m.ledger[i])
		}
	}
	return out, nil
}

func (m *Memory) ListUsers(_ context.Context, limit, offset int) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int64, 0, len(m.users))
	for id := range m.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []User
	for i := offset; i < len(ids) && len(out) < limit; i++ {
		out = append(out, *m.users[ids[i]])
	}
	return out, nil
}

func (m *Memory) ListRounds(_ context.Context, limit, offset int) ([]Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int64, 0, len(m.rounds))
	for id := range m.rounds {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	var out []Round
	for i := offset; i < len(ids) && len(out) < limit; i++ {
		out = append(out, *m.rounds[ids[i]])
	}
	return out, nil
}

func (m *Memory) GetStats(_ context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Stats{TotalRounds: m.nextRoundID}
	for _, u := range m.users {
		s.TotalUsers++
		if u.IsActive {
			s.ActiveUsers++
		}
		s.BalancesTotal += u.Balance
	}
	for _, w := range m.wagers {
		s.TotalWagers++
		s.TotalWagered += w.Stake
		if w.Status == WagerCashedOut && w.Payout != nil {
			s.TotalPaidOut += *w.Payout
		}
	}
	s.HouseNet = s.TotalWagered - s.TotalPaidOut
	return s, nil
}
