package usecase

import (
	"github.com/vitos/grid_trade_engine/internal/domain"
)

// Grid logic is pure: decisions are computed from the closed-bar price and
// the persisted ladder state, never from anything fetched inside. The ladder
// aims at predetermined rungs stepped down from LastTriggerPrice, so a
// gap-down past several rungs still fires buys one rung at a time.

// StepSize returns the tiered ladder step for the next buy: buys
// 1..TierSize use StepStartUSD, the next TierSize buys add one increment,
// and so on. buyCountInGroup is the count of completed buys.
func StepSize(p domain.GridParams, buyCountInGroup int) float64 {
	tierSize := p.TierSize
	if tierSize <= 0 {
		tierSize = 5
	}
	count := buyCountInGroup
	if count < 0 {
		count = 0
	}
	tierIndex := count / tierSize
	return p.StepStartUSD + p.StepIncrementUSD*float64(tierIndex)
}

// NextTriggerPrice is the deterministic next rung. ok is false while the grid
// is flat (no rung reference yet).
func NextTriggerPrice(gs domain.GridState, p domain.GridParams) (float64, bool) {
	if gs.LastTriggerPrice == nil {
		return 0, false
	}
	return *gs.LastTriggerPrice - StepSize(p, gs.BuyCountInGroup), true
}

// ShouldBuy gates a buy on the closed price. The first buy of an episode is
// always allowed here; risk and trading-window gating happen in the
// RiskGate.
func ShouldBuy(gs domain.GridState, close float64, p domain.GridParams) bool {
	next, ok := NextTriggerPrice(gs, p)
	if !ok {
		return true
	}
	return close <= next
}

// ApplyBuyFill advances the ladder after a confirmed buy. The first buy sets
// the anchor and the rung reference; later buys step the rung down exactly
// once, using the step for the count before increment.
func ApplyBuyFill(gs *domain.GridState, fillPrice float64, qty int64, p domain.GridParams) {
	if gs.AnchorPrice == nil {
		v := fillPrice
		gs.AnchorPrice = &v
	}

	if gs.LastTriggerPrice == nil {
		v := fillPrice
		gs.LastTriggerPrice = &v
	} else {
		v := *gs.LastTriggerPrice - StepSize(p, gs.BuyCountInGroup)
		gs.LastTriggerPrice = &v
	}

	lb := fillPrice
	gs.LastBuyPrice = &lb
	gs.BuyCountInGroup++
	gs.OwnedQty += qty
}

// SellTarget is the price at which the episode liquidates: anchor plus the
// configured rise, or anchor*(1+pct) when a percentage is configured.
func SellTarget(gs domain.GridState, p domain.GridParams) (float64, bool) {
	if gs.AnchorPrice == nil {
		return 0, false
	}
	if p.SellRisePct > 0 {
		return *gs.AnchorPrice * (1 + p.SellRisePct), true
	}
	return *gs.AnchorPrice + p.SellRiseUSD, true
}

// ShouldSell fires when the closed price reaches the sell target and the
// strategy believes it owns shares to liquidate.
func ShouldSell(gs domain.GridState, close float64, p domain.GridParams) bool {
	target, ok := SellTarget(gs, p)
	if !ok {
		return false
	}
	return gs.OwnedQty > 0 && close >= target
}

// SellQty liquidates at most what the strategy bought and at most what the
// brokerage actually reports, whichever is smaller. Externally acquired
// shares are never sold.
func SellQty(gs domain.GridState, liveQty int64) int64 {
	qty := gs.OwnedQty
	if liveQty < qty {
		qty = liveQty
	}
	if qty < 0 {
		return 0
	}
	return qty
}

// ResetGrid clears the episode memory after a full exit or a confirmed-flat
// broker position.
func ResetGrid(gs *domain.GridState) {
	gs.AnchorPrice = nil
	gs.LastTriggerPrice = nil
	gs.LastBuyPrice = nil
	gs.BuyCountInGroup = 0
	gs.OwnedQty = 0
}

// ClampOwned bounds OwnedQty by the live position after a manual partial
// sell. It only ever adjusts downward; external buys are not this
// strategy's purchases. Returns true when a clamp happened.
func ClampOwned(gs *domain.GridState, liveQty int64) bool {
	if liveQty < 0 {
		liveQty = 0
	}
	if gs.OwnedQty > liveQty {
		gs.OwnedQty = liveQty
		return true
	}
	return false
}
