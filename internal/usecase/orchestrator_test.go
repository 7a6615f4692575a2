package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/grid_trade_engine/internal/config"
	"github.com/vitos/grid_trade_engine/internal/domain"
)

// --- mocks ---

type mockBroker struct {
	clock       domain.Clock
	bar         *domain.PriceBar
	barErr      error
	position    *domain.Position
	positionErr error

	submitErr  error
	fillStatus domain.OrderStatus
	fillPrice  float64

	submitted []*domain.Order
	orders    map[string]*domain.Order
	nextID    int
}

func newMockBroker() *mockBroker {
	return &mockBroker{
		clock:      domain.Clock{IsOpen: true, Timestamp: time.Date(2025, 6, 16, 16, 0, 0, 0, time.UTC)},
		fillStatus: domain.OrderStatusFilled,
		orders:     make(map[string]*domain.Order),
	}
}

func (m *mockBroker) GetClock(_ context.Context) (domain.Clock, error) {
	return m.clock, nil
}

func (m *mockBroker) GetLatestClosedBar(_ context.Context, _ string) (*domain.PriceBar, error) {
	return m.bar, m.barErr
}

func (m *mockBroker) GetPosition(_ context.Context, _ string) (*domain.Position, error) {
	if m.positionErr != nil {
		return nil, m.positionErr
	}
	return m.position, nil
}

func (m *mockBroker) SubmitOrder(_ context.Context, symbol string, side domain.Side, qty int64) (*domain.Order, error) {
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	m.nextID++
	ord := &domain.Order{
		ID:            fmt.Sprintf("ord-%d", m.nextID),
		ClientOrderID: fmt.Sprintf("client-%d", m.nextID),
		Symbol:        symbol,
		Side:          side,
		Qty:           qty,
		Status:        domain.OrderStatusAccepted,
	}
	m.submitted = append(m.submitted, ord)
	m.orders[ord.ID] = ord
	return ord, nil
}

func (m *mockBroker) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	ord, ok := m.orders[orderID]
	if !ok {
		return nil, errors.New("order not found")
	}
	return ord, nil
}

func (m *mockBroker) WaitForFill(_ context.Context, orderID string, _, _ time.Duration) (*domain.Order, error) {
	ord := m.orders[orderID]
	cp := *ord
	cp.Status = m.fillStatus
	if cp.Status == domain.OrderStatusFilled {
		cp.FilledQty = cp.Qty
		cp.FilledAvgPrice = m.fillPrice
		// simulate the brokerage position after the fill
		var qty int64
		if m.position != nil {
			qty = m.position.Qty
		}
		if cp.Side == domain.SideBuy {
			qty += cp.Qty
		} else {
			qty -= cp.Qty
		}
		m.position = &domain.Position{Symbol: cp.Symbol, Qty: qty}
	}
	m.orders[orderID] = &cp
	return &cp, nil
}

// settle marks an existing order terminal, for pending-resolution tests.
func (m *mockBroker) settle(orderID string, status domain.OrderStatus, price float64) {
	ord := m.orders[orderID]
	cp := *ord
	cp.Status = status
	if status == domain.OrderStatusFilled {
		cp.FilledQty = cp.Qty
		cp.FilledAvgPrice = price
		var qty int64
		if m.position != nil {
			qty = m.position.Qty
		}
		if cp.Side == domain.SideBuy {
			qty += cp.Qty
		} else {
			qty -= cp.Qty
		}
		m.position = &domain.Position{Symbol: cp.Symbol, Qty: qty}
	}
	m.orders[orderID] = &cp
}

type mockStore struct {
	states    map[string]domain.EngineState
	loadErr   error
	saveErr   error
	saveCalls int
}

func newMockStore() *mockStore {
	return &mockStore{states: make(map[string]domain.EngineState)}
}

func (m *mockStore) Load(_ context.Context, id string) (domain.EngineState, error) {
	if m.loadErr != nil {
		return domain.EngineState{}, m.loadErr
	}
	return m.states[id], nil
}

func (m *mockStore) Save(_ context.Context, id string, state domain.EngineState) error {
	m.saveCalls++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.states[id] = state
	return nil
}

type mockJournal struct {
	entries []domain.JournalEntry
}

func (m *mockJournal) Record(_ context.Context, e domain.JournalEntry) error {
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockJournal) Recent(_ context.Context, limit int) ([]domain.JournalEntry, error) {
	if limit > len(m.entries) {
		limit = len(m.entries)
	}
	out := make([]domain.JournalEntry, 0, limit)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

// --- helpers ---

func testConfig() *config.EngineConfig {
	cfg := &config.EngineConfig{
		Symbol:               "TSLA",
		PollSec:              5,
		StandbyPollSec:       10,
		MarketClosedSleepSec: 30,
		FillTimeoutSec:       1,
		FillPollSec:          0.01,
		HeartbeatSec:         3600,
		StateSaveSec:         5,
		OrderQty:             1,
	}
	cfg.Grid.StepStartUSD = 1.0
	cfg.Grid.StepIncrementUSD = 1.0
	cfg.Grid.TierSize = 5
	cfg.Grid.SellRiseUSD = 2.0
	cfg.Risk.MaxBuysPerTick = 1
	return cfg
}

type harness struct {
	t      *testing.T
	orch   *Orchestrator
	broker *mockBroker
	store  *mockStore
	jrnl   *mockJournal
	cfg    *config.EngineConfig
	barAt  time.Time
}

func newHarness(t *testing.T, cfg *config.EngineConfig) *harness {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}

	b := newMockBroker()
	store := newMockStore()
	jrnl := &mockJournal{}
	elector := NewLeaderElector(nil, cfg.LeaderLockKey, cfg.StandbyOnly, zap.NewNop())

	orch, err := NewOrchestrator(cfg, b, store, jrnl, elector, zap.NewNop())
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	if err := orch.boot(context.Background()); err != nil {
		t.Fatalf("boot failed: %v", err)
	}

	return &harness{
		t:      t,
		orch:   orch,
		broker: b,
		store:  store,
		jrnl:   jrnl,
		cfg:    cfg,
		barAt:  time.Date(2025, 6, 16, 15, 59, 0, 0, time.UTC),
	}
}

// tick feeds one closed bar at the given price and runs a tick.
func (h *harness) tick(close float64) {
	h.t.Helper()
	h.barAt = h.barAt.Add(time.Minute)
	h.broker.bar = &domain.PriceBar{Timestamp: h.barAt, Close: close}
	if _, err := h.orch.tick(context.Background()); err != nil {
		h.t.Fatalf("tick failed: %v", err)
	}
}

// tickSameBar re-runs a tick without advancing the bar timestamp.
func (h *harness) tickSameBar() {
	h.t.Helper()
	if _, err := h.orch.tick(context.Background()); err != nil {
		h.t.Fatalf("tick failed: %v", err)
	}
}

func (h *harness) submittedCount() int {
	return len(h.broker.submitted)
}

// --- tests ---

func TestTick_FirstBuyAnchorsGrid(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.fillPrice = 100.0

	h.tick(100.0)

	if h.submittedCount() != 1 {
		t.Fatalf("submitted %d orders, want 1", h.submittedCount())
	}
	ord := h.broker.submitted[0]
	if ord.Side != domain.SideBuy || ord.Qty != 1 {
		t.Errorf("order = %s qty %d, want buy qty 1", ord.Side, ord.Qty)
	}

	st := h.orch.state
	if st.AnchorPrice == nil || *st.AnchorPrice != 100.0 {
		t.Errorf("anchor = %v, want 100", st.AnchorPrice)
	}
	if st.OwnedQty != 1 || st.BuyCountInGroup != 1 || st.BuysToday != 1 {
		t.Errorf("owned=%d count=%d buysToday=%d, want 1/1/1", st.OwnedQty, st.BuyCountInGroup, st.BuysToday)
	}
}

func TestTick_ReplayedBarIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.fillPrice = 100.0

	h.tick(100.0)
	before := h.orch.state

	// Same closed bar arrives again: no decision may repeat.
	h.tickSameBar()
	h.tickSameBar()

	if h.submittedCount() != 1 {
		t.Fatalf("replayed bar produced extra orders: %d", h.submittedCount())
	}
	after := h.orch.state
	if after.OwnedQty != before.OwnedQty || after.BuyCountInGroup != before.BuyCountInGroup {
		t.Errorf("state changed on replay: %+v -> %+v", before.GridState, after.GridState)
	}
}

func TestTick_NoBuyAboveRung(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.fillPrice = 100.0

	h.tick(100.0)    // anchors at 100
	h.tick(99.50)    // above the 99.00 rung
	h.tick(99.01)    // still above

	if h.submittedCount() != 1 {
		t.Fatalf("bought above the rung: %d orders", h.submittedCount())
	}

	h.broker.fillPrice = 99.0
	h.tick(99.00) // exactly at the rung

	if h.submittedCount() != 2 {
		t.Fatalf("rung touch did not buy: %d orders", h.submittedCount())
	}
	if h.orch.state.OwnedQty != 2 {
		t.Errorf("owned = %d, want 2", h.orch.state.OwnedQty)
	}
}

func TestTick_SellOnRiseLiquidatesAndResets(t *testing.T) {
	h := newHarness(t, nil)

	// Episode already in progress: anchor 100, 12 shares accumulated.
	anchor := 100.0
	trigger := 89.0
	h.orch.state.AnchorPrice = &anchor
	h.orch.state.LastTriggerPrice = &trigger
	h.orch.state.BuyCountInGroup = 12
	h.orch.state.OwnedQty = 12
	prevGroup := h.orch.state.GroupID
	h.broker.position = &domain.Position{Symbol: "TSLA", Qty: 12}
	h.broker.fillPrice = 102.0

	h.tick(102.0) // anchor + 2.00 reached

	if h.submittedCount() != 1 {
		t.Fatalf("submitted %d orders, want 1 sell", h.submittedCount())
	}
	ord := h.broker.submitted[0]
	if ord.Side != domain.SideSell || ord.Qty != 12 {
		t.Errorf("order = %s qty %d, want sell qty 12", ord.Side, ord.Qty)
	}

	st := h.orch.state
	if !st.GridState.Empty() {
		t.Errorf("grid not reset after full exit: %+v", st.GridState)
	}
	if st.GroupID == prevGroup || st.GroupID == "" {
		t.Error("a new group id must start after a full exit")
	}
}

func TestTick_SellBoundedByLivePosition(t *testing.T) {
	h := newHarness(t, nil)

	anchor := 100.0
	h.orch.state.AnchorPrice = &anchor
	h.orch.state.OwnedQty = 12
	h.orch.state.BuyCountInGroup = 12
	// Manual partial sell outside the engine: brokerage reports only 7.
	h.broker.position = &domain.Position{Symbol: "TSLA", Qty: 7}
	h.broker.fillPrice = 102.0

	h.tick(102.0)

	if h.submittedCount() != 1 {
		t.Fatalf("submitted %d orders, want 1", h.submittedCount())
	}
	if got := h.broker.submitted[0].Qty; got != 7 {
		t.Errorf("sell qty = %d, want 7 (bounded by live position)", got)
	}
}

// A single zero-qty read must not reset the grid; the second consecutive one
// does.
func TestTick_FlatResetNeedsTwoConfirmedReads(t *testing.T) {
	cfg := testConfig()
	cfg.KillSwitch = true // block re-entry so the reset is observable
	h := newHarness(t, cfg)

	anchor := 100.0
	h.orch.state.AnchorPrice = &anchor
	h.orch.state.OwnedQty = 5
	h.orch.state.BuyCountInGroup = 5
	h.broker.position = nil // brokerage reports flat

	h.tick(150.0)
	if h.orch.state.GridState.Empty() {
		t.Fatal("grid reset after a single flat read")
	}

	h.tick(150.0)
	if !h.orch.state.GridState.Empty() {
		t.Fatal("grid must reset after the second consecutive flat read")
	}
	if h.submittedCount() != 0 {
		t.Errorf("forced reset must not trade, got %d orders", h.submittedCount())
	}
}

// An erroring position read neither counts toward the flat confirmation nor
// lets the tick act on the bar.
func TestTick_PositionErrorFreezesTick(t *testing.T) {
	cfg := testConfig()
	cfg.KillSwitch = true
	h := newHarness(t, cfg)

	anchor := 100.0
	h.orch.state.AnchorPrice = &anchor
	h.orch.state.OwnedQty = 5
	h.orch.state.BuyCountInGroup = 5

	h.broker.position = nil
	h.tick(150.0) // flat read #1

	h.broker.positionErr = errors.New("http 500")
	h.tick(150.0) // error resets the streak, bar not consumed

	h.broker.positionErr = nil
	h.tick(150.0) // flat read #1 again

	if h.orch.state.GridState.Empty() {
		t.Fatal("error read must reset the flat streak, grid was wiped")
	}

	h.tick(150.0) // flat read #2
	if !h.orch.state.GridState.Empty() {
		t.Fatal("grid must reset once two clean flat reads accumulate")
	}
}

func TestTick_StandbySubmitsNothing(t *testing.T) {
	cfg := testConfig()
	cfg.StandbyOnly = true
	h := newHarness(t, cfg)

	anchor := 100.0
	h.orch.state.AnchorPrice = &anchor
	h.orch.state.OwnedQty = 5
	h.orch.state.BuyCountInGroup = 5
	h.broker.position = &domain.Position{Symbol: "TSLA", Qty: 5}

	saves := h.store.saveCalls
	h.tick(102.0) // sell signal present
	h.tick(90.0)  // buy signal present

	if h.submittedCount() != 0 {
		t.Fatalf("standby submitted %d orders", h.submittedCount())
	}
	if h.store.saveCalls != saves {
		t.Errorf("standby wrote state %d times", h.store.saveCalls-saves)
	}
}

func TestTick_MarketClosedSleeps(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.clock.IsOpen = false
	h.broker.bar = &domain.PriceBar{Timestamp: h.barAt, Close: 50.0}

	delay, err := h.orch.tick(context.Background())
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if delay != h.cfg.MarketClosedSleep() {
		t.Errorf("delay = %v, want %v", delay, h.cfg.MarketClosedSleep())
	}
	if h.submittedCount() != 0 {
		t.Error("traded while the market was closed")
	}
}

func TestTick_DryRunSimulatesWithoutOrders(t *testing.T) {
	cfg := testConfig()
	cfg.DryRun = true
	h := newHarness(t, cfg)

	h.tick(100.0)

	if h.submittedCount() != 0 {
		t.Fatalf("dry-run submitted %d real orders", h.submittedCount())
	}
	st := h.orch.state
	if st.OwnedQty != 1 || st.AnchorPrice == nil {
		t.Errorf("dry-run did not simulate the fill: owned=%d anchor=%v", st.OwnedQty, st.AnchorPrice)
	}
	if len(h.jrnl.entries) == 0 || !h.jrnl.entries[len(h.jrnl.entries)-1].DryRun {
		t.Error("dry-run trade must be journaled with the dry_run flag")
	}
}

// A fill-wait timeout with a non-terminal status must not advance the ladder.
// The order resolves on a later tick, first via order status.
func TestTick_UncertainBuyDefersUntilConfirmed(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.fillStatus = domain.OrderStatusNew

	h.tick(100.0)

	st := h.orch.state
	if st.OwnedQty != 0 || st.AnchorPrice != nil {
		t.Fatalf("uncertain fill advanced the ladder: owned=%d anchor=%v", st.OwnedQty, st.AnchorPrice)
	}
	if st.BuysToday != 1 {
		t.Errorf("submission must still count toward daily cap, buysToday=%d", st.BuysToday)
	}

	// No new buys while the order is unresolved.
	h.tick(90.0)
	if h.submittedCount() != 1 {
		t.Fatalf("submitted %d orders with an unresolved order outstanding", h.submittedCount())
	}

	// Order reaches terminal filled: next tick applies it exactly once.
	h.broker.settle(h.broker.submitted[0].ID, domain.OrderStatusFilled, 100.0)
	h.tick(95.0)

	st = h.orch.state
	if st.OwnedQty != 1 {
		t.Fatalf("confirmed fill not applied, owned=%d", st.OwnedQty)
	}
	if st.AnchorPrice == nil || *st.AnchorPrice != 100.0 {
		t.Errorf("anchor = %v, want 100 (the fill price)", st.AnchorPrice)
	}
}

// When order status stays inconclusive, a live-position delta covering the
// order quantity counts as confirmation.
func TestTick_UncertainBuyConfirmedByPositionDelta(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.fillStatus = domain.OrderStatusNew

	h.tick(100.0)
	if h.orch.state.OwnedQty != 0 {
		t.Fatal("setup: fill should be uncertain")
	}

	// The order never reports terminal, but the position shows the share.
	h.broker.position = &domain.Position{Symbol: "TSLA", Qty: 1}
	h.tick(99.5)

	if h.orch.state.OwnedQty != 1 {
		t.Fatalf("position delta did not confirm the buy, owned=%d", h.orch.state.OwnedQty)
	}
}

// A canceled order clears the pending slot without advancing the ladder, and
// the engine is free to attempt the buy again.
func TestTick_UncertainBuyCanceledIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.fillStatus = domain.OrderStatusNew

	h.tick(100.0)
	h.broker.settle(h.broker.submitted[0].ID, domain.OrderStatusCanceled, 0)

	h.broker.fillStatus = domain.OrderStatusFilled
	h.broker.fillPrice = 100.5
	h.tick(100.5)

	if h.orch.pending != nil {
		t.Fatal("canceled order must clear the pending slot")
	}
	if h.submittedCount() != 2 {
		t.Fatalf("engine must re-attempt after a cancel, submitted %d", h.submittedCount())
	}
	st := h.orch.state
	if st.OwnedQty != 1 {
		t.Errorf("owned = %d, only the second order filled", st.OwnedQty)
	}
	if st.AnchorPrice == nil || *st.AnchorPrice != 100.5 {
		t.Errorf("anchor = %v, want 100.5 from the re-attempted fill", st.AnchorPrice)
	}
}

// A fill confirmed while resolving a pending order must reach durable storage
// even when the tick then exits early for lack of a fresh bar.
func TestTick_PendingFillSavedWithoutFreshBar(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.fillStatus = domain.OrderStatusNew
	h.tick(100.0) // uncertain buy occupies the pending slot

	h.broker.settle(h.broker.submitted[0].ID, domain.OrderStatusFilled, 100.0)
	h.broker.bar = nil
	h.orch.lastSaved = time.Now().UTC() // throttle active
	saves := h.store.saveCalls

	h.tickSameBar()

	if h.orch.state.OwnedQty != 1 {
		t.Fatalf("confirmed fill not applied, owned=%d", h.orch.state.OwnedQty)
	}
	if h.store.saveCalls != saves+1 {
		t.Fatalf("confirmed fill not persisted on the no-bar exit, saves=%d", h.store.saveCalls-saves)
	}
}

// Same guarantee when the early exit is an unreadable live position.
func TestTick_PendingFillSavedWhenPositionUnreadable(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.fillStatus = domain.OrderStatusNew
	h.tick(100.0)

	h.broker.settle(h.broker.submitted[0].ID, domain.OrderStatusFilled, 100.0)
	h.broker.positionErr = errors.New("http 500")
	h.orch.lastSaved = time.Now().UTC()
	saves := h.store.saveCalls

	h.tick(99.0)

	if h.orch.state.OwnedQty != 1 {
		t.Fatalf("confirmed fill not applied, owned=%d", h.orch.state.OwnedQty)
	}
	if h.store.saveCalls != saves+1 {
		t.Fatalf("confirmed fill not persisted on the frozen tick, saves=%d", h.store.saveCalls-saves)
	}
}

// A rejected submission reached the brokerage with nothing; it must not burn
// the daily buy budget.
func TestTick_FailedSubmitDoesNotConsumeBuyBudget(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.submitErr = errors.New("http 500")

	h.tick(100.0) // buy signal, submit fails

	st := h.orch.state
	if st.BuysToday != 0 || st.BuyCountTotal != 0 {
		t.Fatalf("failed submit consumed buy budget: buysToday=%d total=%d", st.BuysToday, st.BuyCountTotal)
	}
	if h.submittedCount() != 0 {
		t.Fatalf("submitted %d orders", h.submittedCount())
	}

	// The same budget is still available once the brokerage recovers.
	h.broker.submitErr = nil
	h.broker.fillPrice = 100.0
	h.tick(100.0)

	if st := h.orch.state; st.BuysToday != 1 || st.OwnedQty != 1 {
		t.Errorf("recovered buy not counted: buysToday=%d owned=%d", st.BuysToday, st.OwnedQty)
	}
}

func TestTick_TradeSavesImmediately(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.fillPrice = 100.0

	// Make the throttle active so only trade ticks may save.
	h.orch.lastSaved = time.Now().UTC()
	saves := h.store.saveCalls

	h.tick(100.0) // trade

	if h.store.saveCalls != saves+1 {
		t.Fatalf("trade tick saved %d times, want 1", h.store.saveCalls-saves)
	}

	h.orch.lastSaved = time.Now().UTC()
	saves = h.store.saveCalls
	h.tick(99.9) // no trade, throttle holds

	if h.store.saveCalls != saves {
		t.Errorf("non-trade tick saved despite the throttle")
	}
}

func TestTick_SaveFailureDoesNotFailTick(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.fillPrice = 100.0
	h.store.saveErr = errors.New("disk full")

	h.tick(100.0) // must not error

	if h.orch.state.OwnedQty != 1 {
		t.Error("tick must keep its in-memory result when the save fails")
	}
}

func TestTick_DailyCapAcrossRollover(t *testing.T) {
	cfg := testConfig()
	cfg.Risk.MaxBuysPerDay = 1
	h := newHarness(t, cfg)
	h.broker.fillPrice = 100.0

	h.tick(100.0)
	h.tick(99.0) // cap reached, denied

	if h.submittedCount() != 1 {
		t.Fatalf("daily cap did not hold: %d orders", h.submittedCount())
	}

	// Next exchange-time day: the counter resets.
	h.broker.clock.Timestamp = h.broker.clock.Timestamp.Add(24 * time.Hour)
	h.broker.fillPrice = 99.0
	h.tick(99.0)

	if h.submittedCount() != 2 {
		t.Errorf("rollover did not reset the daily counter: %d orders", h.submittedCount())
	}
	if h.orch.state.BuysToday != 1 {
		t.Errorf("buysToday = %d after rollover buy, want 1", h.orch.state.BuysToday)
	}
}

func TestRun_BootFailsOnStoreError(t *testing.T) {
	cfg := testConfig()
	b := newMockBroker()
	store := newMockStore()
	store.loadErr = errors.New("connection refused")
	elector := NewLeaderElector(nil, cfg.LeaderLockKey, false, zap.NewNop())

	orch, err := NewOrchestrator(cfg, b, store, nil, elector, zap.NewNop())
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	if err := orch.Run(context.Background()); err == nil {
		t.Fatal("Run must fail fast when the state store is unreadable at boot")
	}
}
