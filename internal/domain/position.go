package domain

import "time"

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Position is the brokerage-reported holding for a symbol. Read-only to the
// engine. An absent position (flat) is represented by a nil *Position with a
// nil error, never by an error value.
type Position struct {
	Symbol        string
	Qty           int64
	AvgEntryPrice float64
	CurrentPrice  float64
	UnrealizedPL  float64
}

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPendingNew      OrderStatus = "pending_new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// Terminal reports whether the status is final. A non-terminal status after a
// fill-wait timeout means the trade outcome is uncertain and must be resolved
// against the live position on a later tick, never assumed.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Order is a normalized view of a brokerage order.
type Order struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           Side
	Qty            int64
	FilledQty      int64
	FilledAvgPrice float64
	Status         OrderStatus
	SubmittedAt    time.Time
}

func (o *Order) Filled() bool {
	return o.Status == OrderStatusFilled
}
