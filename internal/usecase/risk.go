package usecase

import (
	"fmt"
	"time"

	"github.com/vitos/grid_trade_engine/internal/config"
	"github.com/vitos/grid_trade_engine/internal/domain"
)

type DenyReason string

const (
	DenyKillSwitch       DenyReason = "KILL_SWITCH"
	DenyOutsideWindow    DenyReason = "OUTSIDE_TRADING_WINDOW"
	DenyMaxBuysPerDay    DenyReason = "MAX_BUYS_PER_DAY"
	DenyMaxPositionQty   DenyReason = "MAX_POSITION_QTY"
	DenyMaxDollarsPerBuy DenyReason = "MAX_DOLLARS_PER_BUY"
	DenyMaxBuysPerTick   DenyReason = "MAX_BUYS_PER_TICK"
)

type RiskDecision struct {
	Allowed bool
	Reason  DenyReason
}

func allow() RiskDecision            { return RiskDecision{Allowed: true} }
func deny(r DenyReason) RiskDecision { return RiskDecision{Reason: r} }

// BuyContext is everything EvaluateBuy needs about the current tick.
type BuyContext struct {
	Now          time.Time
	EstPrice     float64
	OrderQty     int64
	LiveQty      int64
	BuysToday    int
	BuysThisTick int
}

// RiskGate is the admission control evaluated before every buy. Sells are
// never gated; a sell only reduces exposure.
type RiskGate struct {
	limits     domain.RiskLimits
	killSwitch bool
	loc        *time.Location
}

func NewRiskGate(limits domain.RiskLimits, killSwitch bool) (*RiskGate, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("load exchange timezone: %w", err)
	}
	if limits.TradeStartET != "" {
		if _, _, err := config.ParseHHMM(limits.TradeStartET); err != nil {
			return nil, err
		}
	}
	if limits.TradeEndET != "" {
		if _, _, err := config.ParseHHMM(limits.TradeEndET); err != nil {
			return nil, err
		}
	}
	return &RiskGate{limits: limits, killSwitch: killSwitch, loc: loc}, nil
}

// EvaluateBuy applies the checks in fixed order; the first failure wins and
// its reason is reported. A zero-valued limit disables its check.
func (g *RiskGate) EvaluateBuy(bc BuyContext) RiskDecision {
	if g.killSwitch {
		return deny(DenyKillSwitch)
	}
	if !g.withinWindow(bc.Now) {
		return deny(DenyOutsideWindow)
	}
	if g.limits.MaxBuysPerDay > 0 && bc.BuysToday >= g.limits.MaxBuysPerDay {
		return deny(DenyMaxBuysPerDay)
	}
	if g.limits.MaxPositionQty > 0 && bc.LiveQty+bc.OrderQty > g.limits.MaxPositionQty {
		return deny(DenyMaxPositionQty)
	}
	if g.limits.MaxDollarsPerBuy > 0 && bc.EstPrice*float64(bc.OrderQty) > g.limits.MaxDollarsPerBuy {
		return deny(DenyMaxDollarsPerBuy)
	}
	if g.limits.MaxBuysPerTick > 0 && bc.BuysThisTick >= g.limits.MaxBuysPerTick {
		return deny(DenyMaxBuysPerTick)
	}
	return allow()
}

func (g *RiskGate) withinWindow(now time.Time) bool {
	if g.limits.TradeStartET == "" && g.limits.TradeEndET == "" {
		return true
	}

	et := now.In(g.loc)
	minutes := et.Hour()*60 + et.Minute()

	if g.limits.TradeStartET != "" {
		hh, mm, _ := config.ParseHHMM(g.limits.TradeStartET)
		if minutes < hh*60+mm {
			return false
		}
	}
	if g.limits.TradeEndET != "" {
		hh, mm, _ := config.ParseHHMM(g.limits.TradeEndET)
		if minutes > hh*60+mm {
			return false
		}
	}
	return true
}
