package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitos/grid_trade_engine/internal/domain"
)

// barLookback bounds how far back GetLatestClosedBar searches for a closed
// minute bar. Outside this window the market is effectively stale and the
// tick should idle.
const barLookback = 15 * time.Minute

var _ domain.Broker = (*Client)(nil)

// Client is the resilient Alpaca REST adapter. Every call goes through the
// shared retry policy; auth failures propagate immediately.
type Client struct {
	trading *resty.Client
	data    *resty.Client
	feed    string
	retry   retryPolicy
	logger  *zap.Logger

	now func() time.Time

	// clockSkew is server time minus host time, captured on every GetClock.
	// Bar-closed checks use server time so a fast host clock cannot promote
	// an in-progress bar. Written and read from the single engine loop.
	clockSkew time.Duration
}

func NewClient(keyID, secretKey, baseURL, dataURL, feed string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	auth := map[string]string{
		"APCA-API-KEY-ID":     keyID,
		"APCA-API-SECRET-KEY": secretKey,
	}

	trading := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeaders(auth)
	data := resty.New().
		SetBaseURL(dataURL).
		SetTimeout(10 * time.Second).
		SetHeaders(auth)

	return &Client{
		trading: trading,
		data:    data,
		feed:    feed,
		retry:   defaultRetryPolicy(),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type clockResponse struct {
	Timestamp time.Time `json:"timestamp"`
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

func (c *Client) GetClock(ctx context.Context) (domain.Clock, error) {
	var out clockResponse
	err := c.call(ctx, "get_clock", func() error {
		return c.do(ctx, c.trading.R(), "GET", "/v2/clock", nil, &out, "get_clock")
	})
	if err != nil {
		return domain.Clock{}, err
	}
	c.clockSkew = out.Timestamp.Sub(c.now())
	return domain.Clock{
		IsOpen:    out.IsOpen,
		Timestamp: out.Timestamp,
		NextOpen:  out.NextOpen,
		NextClose: out.NextClose,
	}, nil
}

type barPayload struct {
	T time.Time `json:"t"`
	O float64   `json:"o"`
	H float64   `json:"h"`
	L float64   `json:"l"`
	C float64   `json:"c"`
	V float64   `json:"v"`
}

type barsResponse struct {
	Bars []barPayload `json:"bars"`
}

// serverNow is the host clock adjusted by the skew observed on the last
// GetClock. Before the first GetClock it equals the host clock.
func (c *Client) serverNow() time.Time {
	return c.now().Add(c.clockSkew)
}

// GetLatestClosedBar returns the newest minute bar whose interval has fully
// ended by exchange time, or nil when no closed bar exists in the lookback
// window. An in-progress bar is never returned.
func (c *Client) GetLatestClosedBar(ctx context.Context, symbol string) (*domain.PriceBar, error) {
	now := c.serverNow()
	start := now.Add(-barLookback)

	var out barsResponse
	err := c.call(ctx, "get_bars", func() error {
		req := c.data.R().SetQueryParams(map[string]string{
			"timeframe":  "1Min",
			"start":      start.Format(time.RFC3339),
			"limit":      "100",
			"feed":       c.feed,
			"adjustment": "raw",
		})
		return c.do(ctx, req, "GET", "/v2/stocks/"+symbol+"/bars", nil, &out, "get_bars")
	})
	if err != nil {
		return nil, err
	}

	for i := len(out.Bars) - 1; i >= 0; i-- {
		b := out.Bars[i]
		barEnd := b.T.Add(time.Minute)
		if barEnd.After(now) {
			continue // still in progress
		}
		return &domain.PriceBar{
			Timestamp: b.T,
			Open:      b.O,
			High:      b.H,
			Low:       b.L,
			Close:     b.C,
			Volume:    b.V,
		}, nil
	}
	return nil, nil
}

type positionPayload struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
	CurrentPrice  string `json:"current_price"`
	UnrealizedPL  string `json:"unrealized_pl"`
}

// GetPosition returns (nil, nil) only on Alpaca's explicit "position does not
// exist" response. Every other failure propagates so the caller can never
// confuse an outage with being flat.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	var out positionPayload
	err := c.call(ctx, "get_position", func() error {
		err := c.do(ctx, c.trading.R(), "GET", "/v2/positions/"+symbol, nil, &out, "get_position")
		if err != nil && IsPositionNotFound(err) {
			out = positionPayload{}
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if out.Symbol == "" {
		return nil, nil // flat is a valid state
	}

	qty, err := strconv.ParseFloat(out.Qty, 64)
	if err != nil {
		return nil, fmt.Errorf("parse position qty %q: %w", out.Qty, err)
	}
	return &domain.Position{
		Symbol:        out.Symbol,
		Qty:           int64(qty),
		AvgEntryPrice: parseFloatOrZero(out.AvgEntryPrice),
		CurrentPrice:  parseFloatOrZero(out.CurrentPrice),
		UnrealizedPL:  parseFloatOrZero(out.UnrealizedPL),
	}, nil
}

type orderPayload struct {
	ID             string    `json:"id"`
	ClientOrderID  string    `json:"client_order_id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Qty            string    `json:"qty"`
	FilledQty      string    `json:"filled_qty"`
	FilledAvgPrice *string   `json:"filled_avg_price"`
	Status         string    `json:"status"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

func (p orderPayload) toDomain() *domain.Order {
	o := &domain.Order{
		ID:            p.ID,
		ClientOrderID: p.ClientOrderID,
		Symbol:        p.Symbol,
		Side:          domain.Side(p.Side),
		Qty:           int64(parseFloatOrZero(p.Qty)),
		FilledQty:     int64(parseFloatOrZero(p.FilledQty)),
		Status:        domain.OrderStatus(p.Status),
		SubmittedAt:   p.SubmittedAt,
	}
	if p.FilledAvgPrice != nil {
		o.FilledAvgPrice = parseFloatOrZero(*p.FilledAvgPrice)
	}
	return o
}

// SubmitOrder places a day market order. The uuid client order id makes
// retries idempotent at the brokerage, so a duplicated submit after an
// ambiguous failure cannot double-fill.
func (c *Client) SubmitOrder(ctx context.Context, symbol string, side domain.Side, qty int64) (*domain.Order, error) {
	body := map[string]string{
		"symbol":          symbol,
		"qty":             strconv.FormatInt(qty, 10),
		"side":            string(side),
		"type":            "market",
		"time_in_force":   "day",
		"client_order_id": fmt.Sprintf("grid-%s-%s-%s", side, symbol, uuid.NewString()[:10]),
	}

	var out orderPayload
	err := c.call(ctx, "submit_order", func() error {
		return c.do(ctx, c.trading.R(), "POST", "/v2/orders", body, &out, "submit_order")
	})
	if err != nil {
		return nil, err
	}
	return out.toDomain(), nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var out orderPayload
	err := c.call(ctx, "get_order", func() error {
		return c.do(ctx, c.trading.R(), "GET", "/v2/orders/"+orderID, nil, &out, "get_order")
	})
	if err != nil {
		return nil, err
	}
	return out.toDomain(), nil
}

// WaitForFill polls the order until a terminal status or the timeout. On
// timeout the last observed order is returned with a nil error; its
// non-terminal status tells the caller the outcome is uncertain.
func (c *Client) WaitForFill(ctx context.Context, orderID string, timeout, poll time.Duration) (*domain.Order, error) {
	deadline := c.now().Add(timeout)
	var last *domain.Order
	var lastErr error

	for {
		ord, err := c.GetOrder(ctx, orderID)
		if err == nil {
			last = ord
			if ord.Status.Terminal() {
				return ord, nil
			}
		} else {
			if classify(err) == classFatal {
				return last, err
			}
			lastErr = err
		}

		if !c.now().Before(deadline) {
			if last != nil {
				return last, nil
			}
			return nil, fmt.Errorf("wait for fill %s: no status observed: %w", orderID, lastErr)
		}

		timer := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, ctx.Err()
		case <-timer.C:
		}
	}
}

// do executes one HTTP request, mapping non-2xx responses to *APIError.
func (c *Client) do(ctx context.Context, req *resty.Request, method, path string, body, out interface{}, op string) error {
	req.SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	var resp *resty.Response
	var err error
	switch method {
	case "GET":
		resp, err = req.Get(path)
	case "POST":
		resp, err = req.Post(path)
	case "DELETE":
		resp, err = req.Delete(path)
	default:
		return fmt.Errorf("unsupported method %s", method)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if resp.IsError() {
		apiErr := &APIError{Op: op, StatusCode: resp.StatusCode()}
		var payload struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if jsonErr := json.Unmarshal(resp.Body(), &payload); jsonErr == nil {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Message
		} else {
			apiErr.Message = string(resp.Body())
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("%s: decode response: %w", op, err)
		}
	}
	return nil
}

func parseFloatOrZero(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
