package domain

import "time"

// PriceBar is one fully closed OHLCV interval. The engine only ever decides
// on closed bars; an in-progress bar must not reach the strategy.
type PriceBar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Clock is the brokerage's view of the trading session.
type Clock struct {
	IsOpen    bool
	Timestamp time.Time
	NextOpen  time.Time
	NextClose time.Time
}
