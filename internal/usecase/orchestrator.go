package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitos/grid_trade_engine/internal/config"
	"github.com/vitos/grid_trade_engine/internal/domain"
	"github.com/vitos/grid_trade_engine/internal/metrics"
)

// errorBackoff is the fixed sleep after a failed tick. The loop itself never
// terminates on a non-fatal error.
const errorBackoff = 5 * time.Second

// flatConfirmReads is how many consecutive non-erroring zero-qty position
// reads are required before the grid is forcibly reset. A single ambiguous
// read must never wipe the ladder.
const flatConfirmReads = 2

// Orchestrator is the single-threaded control loop: one tick per poll
// interval, strictly sequential, with all cross-process coordination done
// through the leader lock. Uncertainty about fills or position always biases
// toward inaction until reconciliation confirms the true state.
type Orchestrator struct {
	cfg     *config.EngineConfig
	grid    domain.GridParams
	logger  *zap.Logger
	broker  domain.Broker
	store   domain.StateStore
	journal domain.TradeJournal // nil disables journaling
	elector *LeaderElector
	risk    *RiskGate

	state     domain.EngineState
	pending   *pendingOrder
	flatReads int

	lastSaved     time.Time
	lastHeartbeat time.Time

	etLoc *time.Location
	now   func() time.Time
}

// pendingOrder is an order whose fill-wait timed out without a terminal
// status. While one exists, no new buys are placed; it is resolved at the
// top of a later tick against order status or the live position delta.
type pendingOrder struct {
	OrderID     string
	ClientID    string
	Side        domain.Side
	Qty         int64
	EstPrice    float64
	PrevLiveQty int64
}

func NewOrchestrator(
	cfg *config.EngineConfig,
	broker domain.Broker,
	store domain.StateStore,
	journal domain.TradeJournal,
	elector *LeaderElector,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	risk, err := NewRiskGate(cfg.RiskLimits(), cfg.KillSwitch)
	if err != nil {
		return nil, err
	}
	etLoc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("load exchange timezone: %w", err)
	}

	return &Orchestrator{
		cfg:     cfg,
		grid:    cfg.GridParams(),
		logger:  logger,
		broker:  broker,
		store:   store,
		journal: journal,
		elector: elector,
		risk:    risk,
		etLoc:   etLoc,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run boots the engine and drives the tick loop until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.boot(ctx); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		delay, err := o.safeTick(ctx)
		if err != nil {
			metrics.TickErrorsTotal.Inc()
			o.logger.Error("tick failed", zap.Error(err))
			delay = errorBackoff
		}
		if delay <= 0 {
			delay = o.cfg.PollInterval()
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// boot loads and reconciles persisted state. A load failure is fatal: the
// engine must never start trading without the durable copy, since that copy
// is the only memory of an open episode.
func (o *Orchestrator) boot(ctx context.Context) error {
	state, err := o.store.Load(ctx, o.cfg.StateID())
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	o.state = state

	if o.state.GroupID == "" {
		o.state.GroupID = uuid.NewString()
	}
	o.rolloverDay(o.now())

	live := !o.cfg.DryRun && o.cfg.Alpaca.LiveEndpoint()
	if live && !o.state.LiveNoticeShown {
		o.logger.Warn("LIVE trading enabled, real orders will be submitted",
			zap.String("symbol", o.cfg.Symbol),
			zap.String("endpoint", o.cfg.Alpaca.BaseURL),
		)
		o.state.LiveNoticeShown = true
	}

	o.logger.Info("engine start",
		zap.String("symbol", o.cfg.Symbol),
		zap.Bool("dry_run", o.cfg.DryRun),
		zap.Bool("kill_switch", o.cfg.KillSwitch),
		zap.Bool("live_endpoint", o.cfg.Alpaca.LiveEndpoint()),
		zap.Bool("standby_only", o.cfg.StandbyOnly),
		zap.Float64("grid_step_start", o.grid.StepStartUSD),
		zap.Float64("grid_step_increment", o.grid.StepIncrementUSD),
		zap.Int("grid_tier_size", o.grid.TierSize),
		zap.Float64("sell_rise_usd", o.grid.SellRiseUSD),
		zap.Int("buys_in_group", o.state.BuyCountInGroup),
		zap.Int64("owned_qty", o.state.OwnedQty),
	)

	if o.elector.IsLeader() {
		o.persistState(ctx, true)
	}
	return nil
}

// safeTick converts a panic inside a tick into an ordinary tick error so the
// loop survives it.
func (o *Orchestrator) safeTick(ctx context.Context) (delay time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			delay = errorBackoff
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()
	return o.tick(ctx)
}

func (o *Orchestrator) tick(ctx context.Context) (time.Duration, error) {
	clock, err := o.broker.GetClock(ctx)
	if err != nil {
		return 0, fmt.Errorf("get clock: %w", err)
	}

	o.rolloverDay(clock.Timestamp)

	if !clock.IsOpen {
		o.heartbeat(clock, o.elector.IsLeader())
		return o.cfg.MarketClosedSleep(), nil
	}

	leader := o.elector.Refresh(ctx)
	if leader {
		metrics.IsLeader.Set(1)
	} else {
		metrics.IsLeader.Set(0)
	}

	// Resolve any uncertain order before making new decisions.
	tradeExecuted := o.resolvePending(ctx)

	bar, err := o.broker.GetLatestClosedBar(ctx, o.cfg.Symbol)
	if err != nil {
		return 0, fmt.Errorf("get latest bar: %w", err)
	}
	if bar == nil {
		if tradeExecuted && leader {
			o.persistState(ctx, true)
		}
		o.heartbeat(clock, leader)
		return o.idleDelay(leader), nil
	}

	// Replay guard: the same closed bar is processed at most once.
	if !bar.Timestamp.After(o.state.LastBarTime) {
		if tradeExecuted && leader {
			o.persistState(ctx, true)
		}
		o.heartbeat(clock, leader)
		return o.idleDelay(leader), nil
	}

	liveQty, ok := o.readLivePosition(ctx)
	if !ok {
		// Inconclusive read: change nothing, decide nothing this tick. A
		// fill already confirmed by resolvePending still saves immediately.
		if tradeExecuted && leader {
			o.persistState(ctx, true)
		}
		o.heartbeat(clock, leader)
		return o.idleDelay(leader), nil
	}

	// --- SELL ---
	sold := false
	if ShouldSell(o.state.GridState, bar.Close, o.grid) {
		if !leader {
			o.logger.Warn("standby block: sell signal without leader lock",
				zap.Float64("close", bar.Close))
		} else if o.executeSell(ctx, bar.Close, liveQty) {
			tradeExecuted = true
			sold = true
		}
	}

	// --- BUY ladder ---
	// An exit ends the tick; re-entry waits for the next closed bar.
	buysThisTick := 0
	for !sold && o.pending == nil {
		if !ShouldBuy(o.state.GridState, bar.Close, o.grid) {
			break
		}

		decision := o.risk.EvaluateBuy(BuyContext{
			Now:          clock.Timestamp,
			EstPrice:     bar.Close,
			OrderQty:     o.cfg.OrderQty,
			LiveQty:      liveQty,
			BuysToday:    o.state.BuysToday,
			BuysThisTick: buysThisTick,
		})
		if !decision.Allowed {
			metrics.BuysBlockedTotal.WithLabelValues(string(decision.Reason)).Inc()
			o.logger.Info("buy blocked",
				zap.String("reason", string(decision.Reason)),
				zap.Float64("close", bar.Close))
			o.journalEntry(ctx, domain.SideBuy, o.cfg.OrderQty, bar.Close, "", "", leader,
				"BUY_BLOCKED: "+string(decision.Reason))
			break
		}
		if !leader {
			o.logger.Warn("standby block: buy signal without leader lock",
				zap.Float64("close", bar.Close))
			break
		}

		filled, submitted := o.executeBuy(ctx, bar.Close, liveQty)
		if submitted {
			// Submissions consume buy budget even when the fill outcome is
			// still uncertain; a failed submit reached nothing and costs
			// nothing.
			buysThisTick++
			o.state.BuysToday++
			o.state.BuyCountTotal++
			tradeExecuted = true
		}
		if !filled {
			break // failed or uncertain, no further rungs this tick
		}
		liveQty += o.cfg.OrderQty
	}

	o.state.LastBarTime = bar.Timestamp

	metrics.TicksTotal.Inc()
	metrics.LastClosePrice.Set(bar.Close)
	metrics.OwnedQty.Set(float64(o.state.OwnedQty))

	if leader {
		o.persistState(ctx, tradeExecuted)
	}
	o.heartbeat(clock, leader)

	return o.idleDelay(leader), nil
}

// readLivePosition fetches the broker-reported quantity and applies the
// forced-reset and clamp rules. ok is false when the read was inconclusive;
// an erroring read never counts toward the flat confirmation and never
// resets anything. In dry-run mode the simulated owned quantity stands in
// for the live position.
func (o *Orchestrator) readLivePosition(ctx context.Context) (int64, bool) {
	if o.cfg.DryRun {
		return o.state.OwnedQty, true
	}

	pos, err := o.broker.GetPosition(ctx, o.cfg.Symbol)
	if err != nil {
		o.flatReads = 0
		o.logger.Warn("position unavailable, skipping tick", zap.Error(err))
		return 0, false
	}

	var liveQty int64
	if pos != nil {
		liveQty = pos.Qty
	}

	if liveQty == 0 {
		o.flatReads++
	} else {
		o.flatReads = 0
	}

	// The brokerage is ground truth for quantity owned: a confirmed-flat
	// position wipes the ladder no matter what the persisted copy says.
	if o.flatReads >= flatConfirmReads && !o.state.GridState.Empty() {
		o.logger.Warn("broker position confirmed flat, resetting grid",
			zap.Int("buys_in_group", o.state.BuyCountInGroup),
			zap.Int64("owned_qty", o.state.OwnedQty))
		ResetGrid(&o.state.GridState)
		o.state.GroupID = uuid.NewString()
	}

	if ClampOwned(&o.state.GridState, liveQty) {
		o.logger.Warn("owned qty clamped to live position",
			zap.Int64("live_qty", liveQty),
			zap.Int64("owned_qty", o.state.OwnedQty))
	}

	return liveQty, true
}

// executeSell liquidates min(owned, live) and resets the episode. Returns
// true when state changed (fill confirmed or simulated).
func (o *Orchestrator) executeSell(ctx context.Context, close float64, liveQty int64) bool {
	qty := SellQty(o.state.GridState, liveQty)
	if qty <= 0 {
		return false
	}

	o.logger.Warn("sell signal",
		zap.Float64("close", close),
		zap.Float64("anchor", deref(o.state.AnchorPrice)),
		zap.Int64("qty", qty))

	if o.cfg.DryRun {
		o.journalEntry(ctx, domain.SideSell, qty, close, "", "", true, "DRY_RUN sell")
		o.finishEpisode()
		metrics.OrdersTotal.WithLabelValues("sell", "dry_run").Inc()
		return true
	}

	ord, err := o.broker.SubmitOrder(ctx, o.cfg.Symbol, domain.SideSell, qty)
	if err != nil {
		o.logger.Error("sell submit failed", zap.Error(err))
		return false
	}
	metrics.OrdersTotal.WithLabelValues("sell", "live").Inc()

	final, err := o.broker.WaitForFill(ctx, ord.ID, o.cfg.FillTimeout(), o.cfg.FillPollInterval())
	if err != nil || final == nil || !final.Status.Terminal() {
		o.markPending(ctx, ord, domain.SideSell, qty, close, liveQty, err)
		return true
	}

	if !final.Filled() {
		o.logger.Warn("sell order ended without fill",
			zap.String("order_id", final.ID),
			zap.String("status", string(final.Status)))
		o.journalEntry(ctx, domain.SideSell, qty, close, final.ID, final.ClientOrderID, true,
			"SELL_"+string(final.Status))
		return false
	}

	o.journalEntry(ctx, domain.SideSell, qty, fillPrice(final, close), final.ID, final.ClientOrderID, true,
		"ORDER_FILLED sell")
	o.finishEpisode()
	return true
}

// executeBuy submits one rung. filled is true only when the fill is
// confirmed (or simulated) and the ladder advanced; submitted is true once
// an order reached the brokerage at all.
func (o *Orchestrator) executeBuy(ctx context.Context, close float64, liveQty int64) (filled, submitted bool) {
	qty := o.cfg.OrderQty

	o.logger.Info("grid buy",
		zap.Float64("close", close),
		zap.Int("buys_in_group", o.state.BuyCountInGroup),
		zap.Float64("step_now", StepSize(o.grid, o.state.BuyCountInGroup)),
		zap.Int64("qty", qty))

	if o.cfg.DryRun {
		ApplyBuyFill(&o.state.GridState, close, qty, o.grid)
		o.journalEntry(ctx, domain.SideBuy, qty, close, "", "", true, "DRY_RUN buy")
		metrics.OrdersTotal.WithLabelValues("buy", "dry_run").Inc()
		return true, true
	}

	ord, err := o.broker.SubmitOrder(ctx, o.cfg.Symbol, domain.SideBuy, qty)
	if err != nil {
		o.logger.Error("buy submit failed", zap.Error(err))
		return false, false
	}
	metrics.OrdersTotal.WithLabelValues("buy", "live").Inc()

	final, err := o.broker.WaitForFill(ctx, ord.ID, o.cfg.FillTimeout(), o.cfg.FillPollInterval())
	if err != nil || final == nil || !final.Status.Terminal() {
		o.markPending(ctx, ord, domain.SideBuy, qty, close, liveQty, err)
		return false, true
	}

	if !final.Filled() {
		o.logger.Warn("buy order ended without fill",
			zap.String("order_id", final.ID),
			zap.String("status", string(final.Status)))
		o.journalEntry(ctx, domain.SideBuy, qty, close, final.ID, final.ClientOrderID, true,
			"BUY_"+string(final.Status))
		return false, true
	}

	ApplyBuyFill(&o.state.GridState, fillPrice(final, close), qty, o.grid)
	o.journalEntry(ctx, domain.SideBuy, qty, fillPrice(final, close), final.ID, final.ClientOrderID, true,
		"ORDER_FILLED buy")
	return true, true
}

// markPending records an order whose outcome is unknown. The grid is not
// advanced; the ambiguity is resolved on a later tick against order status
// or the live position, never by assumption.
func (o *Orchestrator) markPending(ctx context.Context, ord *domain.Order, side domain.Side, qty int64, est float64, prevLiveQty int64, waitErr error) {
	o.pending = &pendingOrder{
		OrderID:     ord.ID,
		ClientID:    ord.ClientOrderID,
		Side:        side,
		Qty:         qty,
		EstPrice:    est,
		PrevLiveQty: prevLiveQty,
	}
	o.logger.Warn("order outcome uncertain, deferring to next tick",
		zap.String("order_id", ord.ID),
		zap.String("side", string(side)),
		zap.Error(waitErr))
	o.journalEntry(ctx, side, qty, est, ord.ID, ord.ClientOrderID, true, "FILL_PENDING "+string(side))
}

// resolvePending checks an uncertain order: terminal status settles it
// directly, otherwise a live-position delta that fully covers the order
// quantity counts as confirmation. Anything less keeps it pending, which
// keeps new buys blocked. Returns true when state changed.
func (o *Orchestrator) resolvePending(ctx context.Context) bool {
	if o.pending == nil {
		return false
	}
	p := o.pending

	ord, err := o.broker.GetOrder(ctx, p.OrderID)
	if err == nil && ord.Status.Terminal() {
		o.pending = nil
		if !ord.Filled() {
			o.logger.Warn("pending order ended without fill",
				zap.String("order_id", ord.ID),
				zap.String("status", string(ord.Status)))
			o.journalEntry(ctx, p.Side, p.Qty, p.EstPrice, ord.ID, p.ClientID, o.elector.IsLeader(),
				"PENDING_"+string(ord.Status))
			return false
		}
		o.applyConfirmedFill(p, fillPrice(ord, p.EstPrice))
		o.journalEntry(ctx, p.Side, p.Qty, fillPrice(ord, p.EstPrice), ord.ID, p.ClientID, o.elector.IsLeader(),
			"PENDING_FILLED "+string(p.Side))
		return true
	}

	pos, perr := o.broker.GetPosition(ctx, o.cfg.Symbol)
	if perr != nil {
		o.logger.Warn("pending order unresolved, position read failed", zap.Error(perr))
		return false
	}
	var liveQty int64
	if pos != nil {
		liveQty = pos.Qty
	}

	confirmed := (p.Side == domain.SideBuy && liveQty >= p.PrevLiveQty+p.Qty) ||
		(p.Side == domain.SideSell && liveQty <= p.PrevLiveQty-p.Qty)
	if !confirmed {
		o.logger.Info("pending order still unresolved",
			zap.String("order_id", p.OrderID),
			zap.Int64("live_qty", liveQty))
		return false
	}

	o.pending = nil
	o.applyConfirmedFill(p, p.EstPrice)
	o.journalEntry(ctx, p.Side, p.Qty, p.EstPrice, p.OrderID, p.ClientID, o.elector.IsLeader(),
		"PENDING_CONFIRMED_BY_POSITION "+string(p.Side))
	return true
}

func (o *Orchestrator) applyConfirmedFill(p *pendingOrder, price float64) {
	switch p.Side {
	case domain.SideBuy:
		ApplyBuyFill(&o.state.GridState, price, p.Qty, o.grid)
	case domain.SideSell:
		o.finishEpisode()
	}
}

// finishEpisode resets the grid after a full exit and starts a new group id
// so journal rows of the next episode tie together.
func (o *Orchestrator) finishEpisode() {
	ResetGrid(&o.state.GridState)
	o.state.GroupID = uuid.NewString()
}

// rolloverDay resets the daily buy counter when the exchange-time date
// changes.
func (o *Orchestrator) rolloverDay(now time.Time) {
	key := now.In(o.etLoc).Format("2006-01-02")
	if o.state.BuysTodayDate != key {
		o.state.BuysTodayDate = key
		o.state.BuysToday = 0
	}
}

// persistState saves under the throttle rules: trade-adjacent saves are
// immediate and unconditional, everything else waits out the minimum
// inter-save interval. A store failure degrades to in-memory state rather
// than failing the tick.
func (o *Orchestrator) persistState(ctx context.Context, immediate bool) {
	if !immediate && o.now().Sub(o.lastSaved) < o.cfg.StateSaveInterval() {
		return
	}
	if err := o.store.Save(ctx, o.cfg.StateID(), o.state); err != nil {
		o.logger.Warn("state save failed, continuing with in-memory state", zap.Error(err))
		return
	}
	o.lastSaved = o.now()
}

func (o *Orchestrator) journalEntry(ctx context.Context, side domain.Side, qty int64, est float64, orderID, clientID string, leader bool, note string) {
	if o.journal == nil {
		return
	}
	entry := domain.JournalEntry{
		Time:             o.now(),
		Symbol:           o.cfg.Symbol,
		Side:             side,
		Qty:              qty,
		EstPrice:         est,
		OrderID:          orderID,
		ClientOrderID:    clientID,
		DryRun:           o.cfg.DryRun,
		Leader:           leader,
		GroupID:          o.state.GroupID,
		AnchorPrice:      o.state.AnchorPrice,
		LastTriggerPrice: o.state.LastTriggerPrice,
		BuysInGroup:      o.state.BuyCountInGroup,
		Note:             note,
	}
	if err := o.journal.Record(ctx, entry); err != nil {
		o.logger.Warn("journal write failed", zap.Error(err))
	}
}

func (o *Orchestrator) heartbeat(clock domain.Clock, leader bool) {
	if o.now().Sub(o.lastHeartbeat) < o.cfg.HeartbeatInterval() {
		return
	}
	o.lastHeartbeat = o.now()

	sellTarget, _ := SellTarget(o.state.GridState, o.grid)
	o.logger.Info("heartbeat",
		zap.String("symbol", o.cfg.Symbol),
		zap.Bool("market_open", clock.IsOpen),
		zap.Bool("leader", leader),
		zap.Bool("dry_run", o.cfg.DryRun),
		zap.Bool("kill_switch", o.cfg.KillSwitch),
		zap.Float64("anchor", deref(o.state.AnchorPrice)),
		zap.Float64("last_trigger", deref(o.state.LastTriggerPrice)),
		zap.Int("buys_in_group", o.state.BuyCountInGroup),
		zap.Int64("owned_qty", o.state.OwnedQty),
		zap.Float64("step_now", StepSize(o.grid, o.state.BuyCountInGroup)),
		zap.Float64("sell_target", sellTarget),
		zap.Int("buys_today", o.state.BuysToday),
		zap.Int("buy_count_total", o.state.BuyCountTotal),
	)
}

func (o *Orchestrator) idleDelay(leader bool) time.Duration {
	if leader {
		return o.cfg.PollInterval()
	}
	return o.cfg.StandbyPollInterval()
}

func fillPrice(ord *domain.Order, fallback float64) float64 {
	if ord != nil && ord.FilledAvgPrice > 0 {
		return ord.FilledAvgPrice
	}
	return fallback
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
