package kalshi

import (
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/meridian/internal/adapter"
)

// --- Raw wire types ---

type rawMarket struct {
	Ticker         string  `json:"ticker"`
	EventTicker    string  `json:"event_ticker"`
	Title          string  `json:"title"`
	Subtitle       string  `json:"subtitle"`
	Status         string  `json:"status"`
	YesBid         *int    `json:"yes_bid"`
	YesAsk         *int    `json:"yes_ask"`
	LastPrice      *int    `json:"last_price"`
	Volume         float64 `json:"volume"`
	OpenInterest   float64 `json:"open_interest"`
	CloseTime      string  `json:"close_time"`
	ExpirationTime string  `json:"expiration_time"`
	Result         string  `json:"result"`
}

type rawMarketsResponse struct {
	Markets []rawMarket `json:"markets"`
	Cursor  string      `json:"cursor"`
}

type rawMarketResponse struct {
	Market rawMarket `json:"market"`
}

type rawOrderbookResponse struct {
	Orderbook struct {
		Yes [][2]int `json:"yes"`
		No  [][2]int `json:"no"`
	} `json:"orderbook"`
}

type rawCreateOrder struct {
	Ticker        string `json:"ticker"`
	ClientOrderID string `json:"client_order_id"`
	Action        string `json:"action"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Count         int    `json:"count"`
	YesPrice      int    `json:"yes_price,omitempty"`
	NoPrice       int    `json:"no_price,omitempty"`
	TimeInForce   string `json:"time_in_force,omitempty"`
	ExpirationTS  int64  `json:"expiration_ts,omitempty"`
	PostOnly      bool   `json:"post_only,omitempty"`
}

type rawOrder struct {
	OrderID        string `json:"order_id"`
	Ticker         string `json:"ticker"`
	Action         string `json:"action"`
	Side           string `json:"side"`
	Status         string `json:"status"`
	YesPrice       int    `json:"yes_price"`
	NoPrice        int    `json:"no_price"`
	InitialCount   int    `json:"initial_count"`
	Count          int    `json:"count"`
	RemainingCount int    `json:"remaining_count"`
	FillCount      int    `json:"fill_count"`
	CreatedTime    string `json:"created_time"`
	LastUpdateTime string `json:"last_update_time"`
}

type rawOrderResponse struct {
	Order rawOrder `json:"order"`
}

type rawOrdersResponse struct {
	Orders []rawOrder `json:"orders"`
	Cursor string     `json:"cursor"`
}

type rawPosition struct {
	Ticker         string `json:"ticker"`
	Position       int    `json:"position"`
	MarketExposure int64  `json:"market_exposure"`
}

type rawPositionsResponse struct {
	MarketPositions []rawPosition `json:"market_positions"`
	Cursor          string        `json:"cursor"`
}

type rawBalanceResponse struct {
	Balance int64 `json:"balance"`
}

// --- Normalization ---

var marketStatus = map[string]adapter.MarketStatus{
	"active":     adapter.MarketOpen,
	"open":       adapter.MarketOpen,
	"closed":     adapter.MarketClosed,
	"settled":    adapter.MarketResolved,
	"determined": adapter.MarketResolved,
	"finalized":  adapter.MarketResolved,
}

var orderStatus = map[string]adapter.OrderStatus{
	"resting":   adapter.StatusOpen,
	"active":    adapter.StatusOpen,
	"open":      adapter.StatusOpen,
	"pending":   adapter.StatusPending,
	"executed":  adapter.StatusFilled,
	"filled":    adapter.StatusFilled,
	"canceled":  adapter.StatusCancelled,
	"cancelled": adapter.StatusCancelled,
	"partial":   adapter.StatusPartiallyFilled,
}

func parseMarket(rm rawMarket) (adapter.Market, bool) {
	if rm.Ticker == "" {
		return adapter.Market{}, false
	}

	question := rm.Title
	if rm.Subtitle != "" {
		question += " - " + rm.Subtitle
	}

	status, ok := marketStatus[strings.ToLower(rm.Status)]
	if !ok {
		status = adapter.MarketClosed
	}
	if rm.Result != "" {
		status = adapter.MarketResolved
	}

	m := adapter.Market{
		ID:        rm.Ticker,
		Question:  question,
		Outcomes:  []string{"Yes", "No"},
		Prices:    map[string]float64{},
		Volume:    rm.Volume,
		Liquidity: rm.OpenInterest,
		Status:    status,
		TickSize:  0.01,
		Metadata: map[string]any{
			"ticker":       rm.Ticker,
			"event_ticker": rm.EventTicker,
		},
	}
	if mid, ok := midPrice(rm); ok {
		m.Prices["Yes"] = mid
		m.Prices["No"] = adapter.Complement(mid)
	}
	closeTime := rm.CloseTime
	if closeTime == "" {
		closeTime = rm.ExpirationTime
	}
	if t, err := time.Parse(time.RFC3339, closeTime); err == nil {
		m.CloseTime = t
	}
	// Both outcomes trade under the market ticker.
	m.SetTokenIDs([]string{rm.Ticker, rm.Ticker})
	return m, true
}

// midPrice is the YES mid in [0,1], falling back to the bid, then the last trade.
func midPrice(rm rawMarket) (float64, bool) {
	switch {
	case rm.YesBid != nil && rm.YesAsk != nil && *rm.YesAsk > 0:
		sum := decimal.NewFromInt(int64(*rm.YesBid + *rm.YesAsk))
		f, _ := adapter.FromNative(sum.Div(decimal.NewFromInt(2)), adapter.PlacesCents).Float64()
		return f, true
	case rm.YesBid != nil && *rm.YesBid > 0:
		return adapter.CentsToPrice(*rm.YesBid), true
	case rm.LastPrice != nil && *rm.LastPrice > 0:
		return adapter.CentsToPrice(*rm.LastPrice), true
	default:
		return 0, false
	}
}

func parseOrder(ro rawOrder) adapter.Order {
	outcome := "Yes"
	cents := ro.YesPrice
	if strings.EqualFold(ro.Side, "no") {
		outcome = "No"
		cents = ro.NoPrice
	}

	side := adapter.Buy
	if strings.EqualFold(ro.Action, "sell") {
		side = adapter.Sell
	}

	size := ro.InitialCount
	if size == 0 {
		size = ro.Count
	}
	if size == 0 {
		size = ro.FillCount + ro.RemainingCount
	}

	status, ok := orderStatus[strings.ToLower(ro.Status)]
	if !ok {
		status = adapter.StatusOpen
	}
	if status == adapter.StatusOpen && ro.FillCount > 0 && ro.FillCount < size {
		status = adapter.StatusPartiallyFilled
	}

	o := adapter.Order{
		ID:          ro.OrderID,
		MarketID:    ro.Ticker,
		Outcome:     outcome,
		Side:        side,
		Price:       adapter.CentsToPrice(cents),
		Size:        float64(size),
		Filled:      float64(ro.FillCount),
		TimeInForce: adapter.GTC,
		Status:      status,
	}
	if t, err := time.Parse(time.RFC3339, ro.CreatedTime); err == nil {
		o.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, ro.LastUpdateTime); err == nil {
		o.UpdatedAt = t
	}
	return o
}

// parsePosition maps a signed contract count to an outcome: positive holds
// YES, negative holds NO.
func parsePosition(rp rawPosition) (adapter.Position, bool) {
	if rp.Position == 0 {
		return adapter.Position{}, false
	}
	outcome := "Yes"
	if rp.Position < 0 {
		outcome = "No"
	}
	size := math.Abs(float64(rp.Position))

	avg, _ := adapter.FromNative(decimal.NewFromInt(rp.MarketExposure), adapter.PlacesCents).
		Div(decimal.NewFromFloat(size)).Float64()

	return adapter.Position{
		MarketID:     rp.Ticker,
		Outcome:      outcome,
		Size:         size,
		AveragePrice: math.Abs(avg),
	}, true
}
