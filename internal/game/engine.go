package game

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"crashout/internal/apperr"
	"crashout/internal/fair"
	"crashout/internal/money"
	"crashout/internal/store"
)

const (
	crashHistoryLen = 10
	mailboxSize     = 256
	settleAttempts  = 3
	pausedBackoffCap = 30 * time.Second
)

// Config is the engine's slice of the operator configuration.
type Config struct {
	MinBet            money.Amount
	MaxBet            money.Amount
	DefaultBalance    money.Amount // guest virtual balance
	CountdownDuration time.Duration
	CountdownTick     time.Duration // broadcast interval during betting; one second when zero
	TickInterval      time.Duration
	PostCrashPause    time.Duration
	StoreTimeout      time.Duration
}

func (c Config) countdownTick() time.Duration {
	if c.CountdownTick > 0 {
		return c.CountdownTick
	}
	return time.Second
}

type liveWager struct {
	player      PlayerKey
	userID      int64
	guest       bool
	wagerID     uuid.UUID
	stake       money.Amount
	autoCashout *money.Multiplier
	pending     bool // store insert in flight
	cashingOut  bool // store cashout in flight
	cashedOut   bool
	cashoutMult money.Multiplier
}

type settleJob struct {
	roundID    int64
	crashPoint money.Multiplier
	endedAt    time.Time
}

// Engine drives the round state machine on a single goroutine. All round
// fields and the live-wager set are touched only on that goroutine; callers
// interact through the mailbox. The one store call made on the engine
// goroutine is CreateRound, which enterBetting awaits (bounded by
// StoreTimeout) before betting opens; every other persistence call runs off
// the engine goroutine.
type Engine struct {
	cfg    Config
	oracle fair.Oracle
	store  store.Store
	bcast  Broadcaster

	mailbox  chan func()
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// Engine-goroutine state.
	phase         Phase
	round         *store.Round
	commit        fair.Commit
	nonce         int64
	countdown     int
	startedAt     time.Time
	multiplier    money.Multiplier
	wagers        map[PlayerKey]*liveWager
	ring          []money.Multiplier
	guestBalances map[PlayerKey]money.Amount
	balances      map[PlayerKey]money.Amount
	pausedBackoff time.Duration
	draining      bool

	secTicker  *time.Ticker
	runTicker  *time.Ticker
	phaseTimer *time.Timer

	snapMu sync.RWMutex
	snap   Snapshot

	// Cashout persistence calls still in flight. Settlement waits for them
	// so a cashout granted before the crash cannot be recorded as a loss.
	inflight atomic.Int32

	recMu     sync.Mutex
	reconcile []settleJob
}

func NewEngine(cfg Config, oracle fair.Oracle, st store.Store, bcast Broadcaster) *Engine {
	if bcast == nil {
		bcast = NopBroadcaster{}
	}
	return &Engine{
		cfg:           cfg,
		oracle:        oracle,
		store:         st,
		bcast:         bcast,
		mailbox:       make(chan func(), mailboxSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		wagers:        make(map[PlayerKey]*liveWager),
		guestBalances: make(map[PlayerKey]money.Amount),
		balances:      make(map[PlayerKey]money.Amount),
	}
}

func (e *Engine) Start() {
	go e.run()
}

// Stop halts the engine immediately.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done
}

// Drain lets the current round finish (through CRASHED and settlement
// dispatch), then stops the engine. Used on shutdown.
func (e *Engine) Drain(ctx context.Context) error {
	e.mustPost(func() { e.draining = true })
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		e.stopOnce.Do(func() { close(e.stop) })
		return ctx.Err()
	}
}

// post enqueues fn for the engine goroutine without blocking. A full
// mailbox means extreme overload; client actions are shed rather than
// stalling the engine.
func (e *Engine) post(fn func()) bool {
	select {
	case e.mailbox <- fn:
		return true
	default:
		return false
	}
}

// mustPost is for internal confirmations that may not be shed.
func (e *Engine) mustPost(fn func()) {
	select {
	case e.mailbox <- fn:
	case <-e.stop:
	}
}

func (e *Engine) run() {
	defer close(e.done)
	defer e.stopTimers()

	e.enterBetting()

	for {
		select {
		case <-e.stop:
			log.Info("engine stopped")
			return
		case fn := <-e.mailbox:
			fn()
		case <-e.secTickerC():
			e.onCountdownTick()
		case <-e.runTickerC():
			e.onRunTick()
		case <-e.phaseTimerC():
			e.onPhaseTimer()
		}
	}
}

func (e *Engine) secTickerC() <-chan time.Time {
	if e.secTicker == nil {
		return nil
	}
	return e.secTicker.C
}

func (e *Engine) runTickerC() <-chan time.Time {
	if e.runTicker == nil {
		return nil
	}
	return e.runTicker.C
}

func (e *Engine) phaseTimerC() <-chan time.Time {
	if e.phaseTimer == nil {
		return nil
	}
	return e.phaseTimer.C
}

func (e *Engine) stopTimers() {
	if e.secTicker != nil {
		e.secTicker.Stop()
		e.secTicker = nil
	}
	if e.runTicker != nil {
		e.runTicker.Stop()
		e.runTicker = nil
	}
	if e.phaseTimer != nil {
		e.phaseTimer.Stop()
		e.phaseTimer = nil
	}
}

// enterBetting commits to the next round's outcome and opens betting.
// Oracle or persistence refusal pauses the engine instead.
func (e *Engine) enterBetting() {
	e.stopTimers()

	if e.draining {
		e.stopOnce.Do(func() { close(e.stop) })
		return
	}

	e.nonce++
	commit, err := e.oracle.NextRound(e.nonce)
	if err != nil {
		log.WithError(err).Error("fairness oracle refused a round")
		e.enterPaused()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StoreTimeout)
	round, err := e.store.CreateRound(ctx, commit)
	cancel()
	if err != nil {
		log.WithError(err).Error("failed to create round")
		e.enterPaused()
		return
	}

	e.pausedBackoff = 0
	e.commit = commit
	e.round = round
	e.phase = PhaseBetting
	e.countdown = int(e.cfg.CountdownDuration / e.cfg.countdownTick())
	e.multiplier = money.BaseMultiplier
	e.wagers = make(map[PlayerKey]*liveWager)

	e.secTicker = time.NewTicker(e.cfg.countdownTick())

	log.WithFields(log.Fields{
		"round":       round.ID,
		"commitment":  commit.ServerSeedHash[:16],
		"crash_point": commit.CrashPoint,
	}).Info("betting open")

	e.publish(true)
}

func (e *Engine) onCountdownTick() {
	if e.phase != PhaseBetting {
		return
	}
	e.countdown--
	if e.countdown <= 0 {
		e.enterRunning()
		return
	}
	e.publish(false)
}

func (e *Engine) enterRunning() {
	if e.secTicker != nil {
		e.secTicker.Stop()
		e.secTicker = nil
	}

	e.phase = PhaseRunning
	e.startedAt = time.Now()
	e.multiplier = money.BaseMultiplier
	e.countdown = 0
	e.runTicker = time.NewTicker(e.cfg.TickInterval)

	roundID := e.round.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StoreTimeout)
		defer cancel()
		if err := e.store.UpdateRoundStatus(ctx, roundID, store.RoundRunning, nil); err != nil {
			log.WithError(err).WithField("round", roundID).Error("failed to persist RUNNING, ending round")
			e.mustPost(func() {
				if e.phase == PhaseRunning && e.round != nil && e.round.ID == roundID {
					e.crash()
				}
			})
		}
	}()

	log.WithField("round", roundID).Info("round running")
	e.publish(false)
}

func (e *Engine) onRunTick() {
	if e.phase != PhaseRunning {
		return
	}

	m := MultiplierAt(time.Since(e.startedAt))
	crashPoint := e.commit.CrashPoint

	if m >= crashPoint {
		// Auto-cashouts strictly below the crash point fire before the
		// crash check on this tick; targets at or above it lose.
		e.fireAutoCashouts(crashPoint - 1)
		e.crash()
		return
	}

	e.multiplier = m
	e.fireAutoCashouts(m)
	e.publish(false)
}

// fireAutoCashouts cashes out every live wager whose target is at or below
// limit, at the target multiplier.
func (e *Engine) fireAutoCashouts(limit money.Multiplier) {
	for _, lw := range e.wagers {
		if lw.cashedOut || lw.cashingOut || lw.pending || lw.autoCashout == nil {
			continue
		}
		target := *lw.autoCashout
		if target > limit {
			continue
		}
		if lw.guest {
			e.settleGuestCashout(lw, target)
			continue
		}
		lw.cashingOut = true
		e.inflight.Add(1)
		go e.persistCashout(lw.player, lw.wagerID, target)
	}
}

func (e *Engine) settleGuestCashout(lw *liveWager, mult money.Multiplier) {
	payout := mult.Payout(lw.stake)
	e.guestBalances[lw.player] += payout
	lw.cashedOut = true
	lw.cashoutMult = mult
	e.bcast.CashedOut(CashoutNotice{Player: lw.player, Multiplier: mult, Payout: payout})
}

// persistCashout runs the store settlement off the engine goroutine and
// reports the outcome back through the mailbox.
func (e *Engine) persistCashout(player PlayerKey, wagerID uuid.UUID, mult money.Multiplier) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StoreTimeout)
	defer cancel()

	_, user, err := e.store.CashoutWager(ctx, wagerID, mult)
	e.inflight.Add(-1)
	e.mustPost(func() {
		lw, ok := e.wagers[player]
		if !ok || lw.wagerID != wagerID {
			return
		}
		if err != nil {
			lw.cashingOut = false
			log.WithError(err).WithFields(log.Fields{
				"player": player,
				"wager":  wagerID,
			}).Warn("auto-cashout failed")
			return
		}
		lw.cashingOut = false
		lw.cashedOut = true
		lw.cashoutMult = mult
		e.balances[player] = user.Balance
		e.bcast.CashedOut(CashoutNotice{Player: player, Multiplier: mult, Payout: mult.Payout(lw.stake)})
	})
}

// crash pins the multiplier to the committed crash point and dispatches
// settlement.
func (e *Engine) crash() {
	if e.runTicker != nil {
		e.runTicker.Stop()
		e.runTicker = nil
	}

	e.phase = PhaseCrashed
	e.multiplier = e.commit.CrashPoint
	endedAt := time.Now()

	e.ring = append(e.ring, e.commit.CrashPoint)
	if len(e.ring) > crashHistoryLen {
		e.ring = e.ring[len(e.ring)-crashHistoryLen:]
	}

	log.WithFields(log.Fields{
		"round":       e.round.ID,
		"crash_point": e.commit.CrashPoint,
	}).Info("round crashed")

	e.publish(true)

	job := settleJob{roundID: e.round.ID, crashPoint: e.commit.CrashPoint, endedAt: endedAt}
	go e.settleRound(job)

	e.phaseTimer = time.NewTimer(e.cfg.PostCrashPause)
}

// settleRound persists the terminal round state with bounded retries.
// Unresolved failures go to the reconciliation queue; the game continues.
func (e *Engine) settleRound(job settleJob) {
	// Let cashouts that were granted before the crash reach the store
	// first; otherwise settlement would mark them lost.
	waitUntil := time.Now().Add(e.cfg.StoreTimeout)
	for e.inflight.Load() > 0 && time.Now().Before(waitUntil) {
		time.Sleep(5 * time.Millisecond)
	}

	var lastErr error
	for attempt := 1; attempt <= settleAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StoreTimeout)
		err := e.store.UpdateRoundStatus(ctx, job.roundID, store.RoundCrashed, &job.endedAt)
		if err == nil {
			var settled int
			settled, err = e.store.SettleCrashedRound(ctx, job.roundID, job.crashPoint)
			if err == nil {
				cancel()
				if settled > 0 {
					log.WithFields(log.Fields{"round": job.roundID, "lost": settled}).Info("round settled")
				}
				return
			}
		}
		cancel()
		lastErr = err
		time.Sleep(time.Duration(attempt) * 250 * time.Millisecond)
	}

	log.WithError(lastErr).WithFields(log.Fields{
		"round": job.roundID,
		"event": "degraded_consistency",
	}).Error("settlement failed after retries, queueing reconciliation")
	e.recMu.Lock()
	e.reconcile = append(e.reconcile, job)
	e.recMu.Unlock()
}

// Reconcile retries settlements that exhausted their inline attempts. Runs
// from the background scheduler.
func (e *Engine) Reconcile(ctx context.Context) int {
	e.recMu.Lock()
	jobs := e.reconcile
	e.reconcile = nil
	e.recMu.Unlock()

	fixed := 0
	for _, job := range jobs {
		err := e.store.UpdateRoundStatus(ctx, job.roundID, store.RoundCrashed, &job.endedAt)
		if err == nil {
			_, err = e.store.SettleCrashedRound(ctx, job.roundID, job.crashPoint)
		}
		if err != nil {
			log.WithError(err).WithField("round", job.roundID).Warn("reconciliation attempt failed")
			e.recMu.Lock()
			e.reconcile = append(e.reconcile, job)
			e.recMu.Unlock()
			continue
		}
		fixed++
		log.WithField("round", job.roundID).Info("round reconciled")
	}
	return fixed
}

func (e *Engine) onPhaseTimer() {
	e.phaseTimer = nil
	switch e.phase {
	case PhaseCrashed, PhasePaused:
		e.enterBetting()
	}
}

func (e *Engine) enterPaused() {
	e.stopTimers()
	e.phase = PhasePaused

	if e.pausedBackoff == 0 {
		e.pausedBackoff = time.Second
	} else if e.pausedBackoff < pausedBackoffCap {
		e.pausedBackoff *= 2
	}

	log.WithField("retry_in", e.pausedBackoff).Warn("engine paused")
	e.publish(true)
	e.phaseTimer = time.NewTimer(e.pausedBackoff)
}

// publish mirrors the snapshot for request-reply reads and hands the event
// to the broadcast fabric.
func (e *Engine) publish(terminal bool) {
	snap := Snapshot{
		Phase:         e.phase,
		Multiplier:    e.multiplier,
		Countdown:     e.countdown,
		RecentCrashes: append([]money.Multiplier(nil), e.ring...),
		Maintenance:   e.phase == PhasePaused,
	}
	if e.round != nil {
		snap.RoundID = e.round.ID
		snap.ServerSeedHash = e.round.ServerSeedHash
	}
	if e.phase == PhaseCrashed {
		snap.CrashPoint = e.commit.CrashPoint
	}

	overlays := make([]Overlay, 0, len(e.wagers))
	for _, lw := range e.wagers {
		if lw.pending {
			continue
		}
		overlays = append(overlays, Overlay{
			Player:            lw.player,
			HasWager:          true,
			Stake:             lw.stake,
			CashedOut:         lw.cashedOut,
			CashoutMultiplier: lw.cashoutMult,
			Balance:           e.playerBalance(lw),
		})
	}

	e.snapMu.Lock()
	e.snap = snap
	e.snapMu.Unlock()

	e.bcast.Publish(Event{Snapshot: snap, Overlays: overlays, Terminal: terminal})
}

func (e *Engine) playerBalance(lw *liveWager) money.Amount {
	if lw.guest {
		return e.guestBalances[lw.player]
	}
	return e.balances[lw.player]
}

// Snapshot returns the latest published public state.
func (e *Engine) Snapshot() Snapshot {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.snap
}

type reserveOutcome struct {
	roundID int64
	result  *BetResult     // set when the action completed on-unit (guests)
	cashout *CashoutResult // set for completed guest cashouts
	wagerID uuid.UUID
	mult    money.Multiplier
	err     error
}

// PlaceBet admits a wager for the current round. Admission and live-wager
// registration happen on the engine goroutine; the durable debit runs on
// the caller's goroutine and is confirmed or cancelled afterwards.
func (e *Engine) PlaceBet(ctx context.Context, req BetRequest) (*BetResult, error) {
	if req.Amount < e.cfg.MinBet || req.Amount > e.cfg.MaxBet {
		return nil, apperr.Newf(apperr.InvalidArgument,
			"bet must be between %s and %s", e.cfg.MinBet, e.cfg.MaxBet)
	}
	if req.AutoCashout != nil && *req.AutoCashout <= money.BaseMultiplier {
		return nil, apperr.New(apperr.InvalidArgument, "auto cashout must be above 1.00")
	}

	respC := make(chan reserveOutcome, 1)
	ok := e.post(func() { respC <- e.reserveBet(req) })
	if !ok {
		return nil, apperr.New(apperr.ResourceExhausted, "engine busy, try again")
	}

	var out reserveOutcome
	select {
	case out = <-respC:
	case <-e.done:
		return nil, apperr.New(apperr.FailedPrecondition, "game is shutting down")
	}
	if out.err != nil {
		return nil, out.err
	}
	if out.result != nil { // guest, completed on-unit
		return out.result, nil
	}

	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	wager, user, err := e.store.PlaceWager(sctx, store.PlaceWagerParams{
		UserID:      req.UserID,
		RoundID:     out.roundID,
		Stake:       req.Amount,
		AutoCashout: req.AutoCashout,
	})
	if err != nil {
		e.mustPost(func() { delete(e.wagers, req.Player) })
		if sctx.Err() != nil && apperr.KindOf(err) == apperr.Internal {
			return nil, apperr.Wrap(apperr.DeadlineExceeded, "bet timed out", err)
		}
		return nil, err
	}

	e.mustPost(func() {
		lw, present := e.wagers[req.Player]
		if !present {
			return
		}
		lw.pending = false
		lw.wagerID = wager.ID
		e.balances[req.Player] = user.Balance
		e.bcast.BetPlaced(BetNotice{Player: req.Player, Amount: req.Amount})
	})

	return &BetResult{WagerID: wager.ID, RoundID: out.roundID, Balance: user.Balance}, nil
}

// reserveBet runs on the engine goroutine.
func (e *Engine) reserveBet(req BetRequest) reserveOutcome {
	if e.phase != PhaseBetting {
		return reserveOutcome{err: apperr.New(apperr.FailedPrecondition, "betting is closed")}
	}
	if _, exists := e.wagers[req.Player]; exists {
		return reserveOutcome{err: apperr.New(apperr.AlreadyExists, "wager already placed this round")}
	}

	if req.Guest {
		balance, seen := e.guestBalances[req.Player]
		if !seen {
			balance = e.cfg.DefaultBalance
		}
		if balance < req.Amount {
			return reserveOutcome{err: apperr.New(apperr.InsufficientFunds, "insufficient balance")}
		}
		e.guestBalances[req.Player] = balance - req.Amount
		lw := &liveWager{
			player:      req.Player,
			guest:       true,
			wagerID:     uuid.New(),
			stake:       req.Amount,
			autoCashout: req.AutoCashout,
		}
		e.wagers[req.Player] = lw
		e.bcast.BetPlaced(BetNotice{Player: req.Player, Amount: req.Amount})
		return reserveOutcome{result: &BetResult{
			WagerID: lw.wagerID,
			RoundID: e.round.ID,
			Balance: e.guestBalances[req.Player],
		}}
	}

	e.wagers[req.Player] = &liveWager{
		player:      req.Player,
		userID:      req.UserID,
		stake:       req.Amount,
		autoCashout: req.AutoCashout,
		pending:     true,
	}
	return reserveOutcome{roundID: e.round.ID}
}

// Cashout settles the caller's live wager at the engine's current
// multiplier.
func (e *Engine) Cashout(ctx context.Context, player PlayerKey) (*CashoutResult, error) {
	respC := make(chan reserveOutcome, 1)
	ok := e.post(func() { respC <- e.reserveCashout(player) })
	if !ok {
		return nil, apperr.New(apperr.ResourceExhausted, "engine busy, try again")
	}

	var out reserveOutcome
	select {
	case out = <-respC:
	case <-e.done:
		return nil, apperr.New(apperr.FailedPrecondition, "game is shutting down")
	}
	if out.err != nil {
		return nil, out.err
	}
	if out.cashout != nil { // guest, completed on-unit
		return out.cashout, nil
	}

	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	wager, user, err := e.store.CashoutWager(sctx, out.wagerID, out.mult)
	e.inflight.Add(-1)
	if err != nil {
		e.mustPost(func() {
			if lw, present := e.wagers[player]; present && lw.wagerID == out.wagerID {
				lw.cashingOut = false
			}
		})
		if sctx.Err() != nil && apperr.KindOf(err) == apperr.Internal {
			return nil, apperr.Wrap(apperr.DeadlineExceeded, "cashout timed out", err)
		}
		return nil, err
	}

	payout := *wager.Payout
	e.mustPost(func() {
		lw, present := e.wagers[player]
		if !present || lw.wagerID != out.wagerID {
			return
		}
		lw.cashingOut = false
		lw.cashedOut = true
		lw.cashoutMult = out.mult
		e.balances[player] = user.Balance
		e.bcast.CashedOut(CashoutNotice{Player: player, Multiplier: out.mult, Payout: payout})
	})

	return &CashoutResult{Multiplier: out.mult, Payout: payout, Balance: user.Balance}, nil
}

// reserveCashout runs on the engine goroutine.
func (e *Engine) reserveCashout(player PlayerKey) reserveOutcome {
	if e.phase != PhaseRunning {
		return reserveOutcome{err: apperr.New(apperr.FailedPrecondition, "round is not running")}
	}
	lw, exists := e.wagers[player]
	if !exists {
		return reserveOutcome{err: apperr.New(apperr.NotFound, "no wager this round")}
	}
	if lw.cashedOut || lw.cashingOut {
		return reserveOutcome{err: apperr.New(apperr.AlreadyExists, "wager already cashed out")}
	}
	if lw.pending {
		return reserveOutcome{err: apperr.New(apperr.FailedPrecondition, "bet is still settling")}
	}

	mult := e.multiplier
	if lw.guest {
		payout := mult.Payout(lw.stake)
		e.guestBalances[player] += payout
		lw.cashedOut = true
		lw.cashoutMult = mult
		e.bcast.CashedOut(CashoutNotice{Player: player, Multiplier: mult, Payout: payout})
		return reserveOutcome{cashout: &CashoutResult{
			Multiplier: mult,
			Payout:     payout,
			Balance:    e.guestBalances[player],
		}}
	}

	lw.cashingOut = true
	e.inflight.Add(1)
	return reserveOutcome{wagerID: lw.wagerID, mult: mult}
}

// GuestBalance reports a guest's virtual balance, seeding it on first use.
func (e *Engine) GuestBalance(player PlayerKey) money.Amount {
	respC := make(chan money.Amount, 1)
	ok := e.post(func() {
		balance, seen := e.guestBalances[player]
		if !seen {
			balance = e.cfg.DefaultBalance
			e.guestBalances[player] = balance
		}
		respC <- balance
	})
	if !ok {
		return e.cfg.DefaultBalance
	}
	select {
	case b := <-respC:
		return b
	case <-e.done:
		return e.cfg.DefaultBalance
	}
}
