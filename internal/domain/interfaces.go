package domain

import (
	"context"
	"time"
)

// Broker defines the resilient interface to the brokerage. Implementations
// retry transient failures internally; fatal auth errors propagate
// immediately.
type Broker interface {
	GetClock(ctx context.Context) (Clock, error)
	// GetLatestClosedBar returns the most recent fully closed bar within the
	// client's lookback window, or nil when none exists.
	GetLatestClosedBar(ctx context.Context, symbol string) (*PriceBar, error)
	// GetPosition returns (nil, nil) when the brokerage reports no position.
	// Any other failure returns an error; callers must never treat an error
	// as flat.
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	SubmitOrder(ctx context.Context, symbol string, side Side, qty int64) (*Order, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	// WaitForFill polls until the order reaches a terminal status or the
	// timeout elapses. On timeout the last observed order is returned with a
	// nil error; a non-terminal status means the outcome is uncertain.
	WaitForFill(ctx context.Context, orderID string, timeout, poll time.Duration) (*Order, error)
}

// StateStore persists the engine state as a single atomic upsert per id.
type StateStore interface {
	Load(ctx context.Context, id string) (EngineState, error)
	Save(ctx context.Context, id string, state EngineState) error
}

// LeaderLock is an exclusive, connection-scoped distributed lock. The store
// releases it automatically when the holding connection drops; there is no
// voluntary release.
type LeaderLock interface {
	TryAcquire(ctx context.Context, key string) (bool, error)
	// Verify confirms the holding connection is still alive. An error means
	// the lock is lost and leadership must be surrendered.
	Verify(ctx context.Context) error
}

// JournalEntry is one row of the trade journal: a submitted, simulated, or
// blocked trade together with a snapshot of the grid at decision time.
type JournalEntry struct {
	ID               int64
	Time             time.Time
	Symbol           string
	Side             Side
	Qty              int64
	EstPrice         float64
	OrderID          string
	ClientOrderID    string
	DryRun           bool
	Leader           bool
	GroupID          string
	AnchorPrice      *float64
	LastTriggerPrice *float64
	BuysInGroup      int
	Note             string
}

// TradeJournal records trade activity for offline inspection. Journal
// failures are never allowed to break a tick.
type TradeJournal interface {
	Record(ctx context.Context, entry JournalEntry) error
	Recent(ctx context.Context, limit int) ([]JournalEntry, error)
}
