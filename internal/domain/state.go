package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// GridParams are the immutable ladder shape parameters.
type GridParams struct {
	StepStartUSD     float64
	StepIncrementUSD float64
	TierSize         int
	SellRiseUSD      float64
	SellRisePct      float64 // when > 0, sell target is anchor * (1 + pct)
}

// RiskLimits are the admission-control caps evaluated before every buy.
// A zero value disables the corresponding check.
type RiskLimits struct {
	MaxBuysPerTick   int
	MaxBuysPerDay    int
	MaxDollarsPerBuy float64
	MaxPositionQty   int64
	TradeStartET     string // "HH:MM" in exchange time, empty = no lower bound
	TradeEndET       string
}

// GridState is the ladder memory for the current accumulation episode.
//
// AnchorPrice is the first buy of the episode (basis for the sell target).
// LastTriggerPrice is the deterministic rung the ladder steps down from;
// LastBuyPrice is the actual last fill, kept for display and journaling.
// Invariant: AnchorPrice is present iff BuyCountInGroup > 0, and OwnedQty
// never exceeds the live brokerage position.
type GridState struct {
	AnchorPrice      *float64 `json:"grid_anchor_price"`
	LastTriggerPrice *float64 `json:"grid_last_trigger_price"`
	LastBuyPrice     *float64 `json:"grid_last_buy_price"`
	BuyCountInGroup  int      `json:"grid_buy_count_in_group"`
	OwnedQty         int64    `json:"owned_qty"`
}

// Empty reports whether the grid holds no episode memory.
func (g *GridState) Empty() bool {
	return g.AnchorPrice == nil && g.LastTriggerPrice == nil && g.BuyCountInGroup == 0 && g.OwnedQty == 0
}

// EngineState is the single persisted unit, written as one JSON blob keyed by
// symbol. The in-memory copy is reconciled against it and against the live
// brokerage position at boot.
type EngineState struct {
	GridState
	BuyCountTotal   int       `json:"buy_count_total"`
	BuysToday       int       `json:"buys_today"`
	BuysTodayDate   string    `json:"buys_today_date"`
	GroupID         string    `json:"group_id"`
	LastBarTime     time.Time `json:"last_bar_time"`
	LiveNoticeShown bool      `json:"live_notice_shown"`
}

// NewEngineState returns the default state used on first boot.
func NewEngineState() EngineState {
	return EngineState{}
}

// legacyStateKeys maps key names accumulated by older engine revisions to the
// canonical fields. A legacy key may back more than one canonical field:
// "grid_last_trigger" predates the trigger/buy price split and recorded the
// actual last fill, so it fills grid_last_buy_price and, failing anything
// better, seeds grid_last_trigger_price too. Applied once at decode time;
// unmapped legacy keys drop.
var legacyStateKeys = map[string][]string{
	"grid_last_trigger":   {"grid_last_buy_price", "grid_last_trigger_price"},
	"grid_tier_buys_used": {"grid_buy_count_in_group"},
	"buys_today_et":       {"buys_today"},
	"buys_today_date_et":  {"buys_today_date"},
}

// DecodeEngineState parses a persisted state blob, migrating legacy key names
// to the canonical schema. Empty input yields the default state.
func DecodeEngineState(data []byte) (EngineState, error) {
	st := NewEngineState()
	if len(data) == 0 {
		return st, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return st, fmt.Errorf("decode engine state: %w", err)
	}

	for legacy, canonicals := range legacyStateKeys {
		v, ok := raw[legacy]
		if !ok {
			continue
		}
		for _, canonical := range canonicals {
			if _, exists := raw[canonical]; !exists {
				raw[canonical] = v
			}
		}
		delete(raw, legacy)
	}

	buf, err := json.Marshal(raw)
	if err != nil {
		return st, fmt.Errorf("re-encode engine state: %w", err)
	}
	if err := json.Unmarshal(buf, &st); err != nil {
		return st, fmt.Errorf("decode engine state: %w", err)
	}

	st.normalize()
	return st, nil
}

// Encode serializes the state as the canonical JSON blob.
func (s EngineState) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// normalize repairs a state that violates the anchor/count invariant, which
// can only come from a corrupt or hand-edited blob.
func (s *EngineState) normalize() {
	if s.BuyCountInGroup < 0 {
		s.BuyCountInGroup = 0
	}
	if s.OwnedQty < 0 {
		s.OwnedQty = 0
	}
	if s.BuyCountInGroup == 0 {
		s.AnchorPrice = nil
		s.LastTriggerPrice = nil
		s.LastBuyPrice = nil
		return
	}
	if s.AnchorPrice == nil || s.LastTriggerPrice == nil {
		s.AnchorPrice = nil
		s.LastTriggerPrice = nil
		s.LastBuyPrice = nil
		s.BuyCountInGroup = 0
		s.OwnedQty = 0
	}
}
