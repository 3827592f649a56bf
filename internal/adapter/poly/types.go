package poly

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caesar-terminal/meridian/internal/adapter"
)

// --- Raw wire types ---

// jsonStringList decodes Gamma's double-encoded arrays ("[\"Yes\",\"No\"]")
// as well as plain JSON arrays.
type jsonStringList []string

func (l *jsonStringList) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s == "" {
			*l = nil
			return nil
		}
		b = []byte(s)
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		var v string
		if err := json.Unmarshal(r, &v); err != nil {
			// numbers are kept verbatim
			v = string(r)
		}
		out = append(out, v)
	}
	*l = out
	return nil
}

type gammaMarket struct {
	ID            string         `json:"id"`
	ConditionID   string         `json:"conditionId"`
	Question      string         `json:"question"`
	Slug          string         `json:"slug"`
	Outcomes      jsonStringList `json:"outcomes"`
	OutcomePrices jsonStringList `json:"outcomePrices"`
	ClobTokenIDs  jsonStringList `json:"clobTokenIds"`
	VolumeNum     float64        `json:"volumeNum"`
	LiquidityNum  float64        `json:"liquidityNum"`
	EndDate       string         `json:"endDate"`
	Active        bool           `json:"active"`
	Closed        bool           `json:"closed"`
	TickSize      float64        `json:"orderPriceMinTickSize"`
	NegRisk       bool           `json:"negRisk"`
}

type gammaEvent struct {
	Slug    string        `json:"slug"`
	Markets []gammaMarket `json:"markets"`
}

type clobToken struct {
	TokenID string  `json:"token_id"`
	Outcome string  `json:"outcome"`
	Price   float64 `json:"price"`
	Winner  bool    `json:"winner"`
}

type clobMarket struct {
	ConditionID     string      `json:"condition_id"`
	Question        string      `json:"question"`
	Tokens          []clobToken `json:"tokens"`
	Active          bool        `json:"active"`
	Closed          bool        `json:"closed"`
	AcceptingOrders bool        `json:"accepting_orders"`
	EndDateISO      string      `json:"end_date_iso"`
	MinimumTickSize float64     `json:"minimum_tick_size"`
	NegRisk         bool        `json:"neg_risk"`
}

type clobMarketsPage struct {
	Data       []clobMarket `json:"data"`
	NextCursor string       `json:"next_cursor"`
}

type rawPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type rawBook struct {
	EventType string          `json:"event_type"`
	Market    string          `json:"market"`
	AssetID   string          `json:"asset_id"`
	Bids      []rawPriceLevel `json:"bids"`
	Asks      []rawPriceLevel `json:"asks"`
	Hash      string          `json:"hash"`
	Timestamp string          `json:"timestamp"`
}

type rawOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	Outcome      string `json:"outcome"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
	OrderType    string `json:"order_type"`
	CreatedAt    int64  `json:"created_at"`
}

type rawOrdersPage struct {
	Data       []rawOrder `json:"data"`
	NextCursor string     `json:"next_cursor"`
}

type rawPosition struct {
	ConditionID string  `json:"conditionId"`
	Asset       string  `json:"asset"`
	Outcome     string  `json:"outcome"`
	Size        float64 `json:"size"`
	AvgPrice    float64 `json:"avgPrice"`
	CurPrice    float64 `json:"curPrice"`
}

// --- Normalization ---

var orderStatus = map[string]adapter.OrderStatus{
	"LIVE":      adapter.StatusOpen,
	"MATCHED":   adapter.StatusFilled,
	"DELAYED":   adapter.StatusPending,
	"UNMATCHED": adapter.StatusPending,
	"CANCELED":  adapter.StatusCancelled,
	"CANCELLED": adapter.StatusCancelled,
}

func statusOf(s string) adapter.OrderStatus {
	s = strings.ToUpper(s)
	s = strings.TrimPrefix(s, "ORDER_STATUS_")
	if st, ok := orderStatus[s]; ok {
		return st
	}
	return adapter.StatusPending
}

func parseGammaMarket(gm gammaMarket) adapter.Market {
	id := gm.ConditionID
	if id == "" {
		id = gm.ID
	}

	m := adapter.Market{
		ID:        id,
		Question:  gm.Question,
		Outcomes:  []string(gm.Outcomes),
		Prices:    make(map[string]float64, len(gm.Outcomes)),
		Volume:    gm.VolumeNum,
		Liquidity: gm.LiquidityNum,
		TickSize:  gm.TickSize,
		Metadata: map[string]any{
			"gamma_id":     gm.ID,
			"condition_id": gm.ConditionID,
			"slug":         gm.Slug,
			"neg_risk":     gm.NegRisk,
		},
	}
	if m.TickSize == 0 {
		m.TickSize = 0.01
	}
	if len(gm.OutcomePrices) == len(gm.Outcomes) {
		for i, o := range gm.Outcomes {
			if p, err := adapter.ParsePrice(gm.OutcomePrices[i]); err == nil {
				m.Prices[o] = p
			}
		}
	}
	switch {
	case gm.Closed:
		m.Status = adapter.MarketClosed
	case gm.Active:
		m.Status = adapter.MarketOpen
	default:
		m.Status = adapter.MarketClosed
	}
	if t, err := time.Parse(time.RFC3339, gm.EndDate); err == nil {
		m.CloseTime = t
	}
	if len(gm.ClobTokenIDs) > 0 {
		m.SetTokenIDs([]string(gm.ClobTokenIDs))
	}
	return m
}

func parseClobMarket(cm clobMarket) (adapter.Market, bool) {
	if cm.ConditionID == "" {
		return adapter.Market{}, false
	}

	m := adapter.Market{
		ID:       cm.ConditionID,
		Question: cm.Question,
		Prices:   make(map[string]float64, len(cm.Tokens)),
		TickSize: cm.MinimumTickSize,
		Metadata: map[string]any{
			"condition_id": cm.ConditionID,
			"neg_risk":     cm.NegRisk,
		},
	}
	if m.TickSize == 0 {
		m.TickSize = 0.01
	}

	ids := make([]string, 0, len(cm.Tokens))
	resolved := false
	for _, t := range cm.Tokens {
		m.Outcomes = append(m.Outcomes, t.Outcome)
		m.Prices[t.Outcome] = t.Price
		ids = append(ids, t.TokenID)
		resolved = resolved || t.Winner
	}
	if len(m.Outcomes) == 0 {
		m.Outcomes = []string{"Yes", "No"}
	}
	m.SetTokenIDs(ids)

	switch {
	case resolved:
		m.Status = adapter.MarketResolved
	case cm.Active && cm.AcceptingOrders && !cm.Closed:
		m.Status = adapter.MarketOpen
	default:
		m.Status = adapter.MarketClosed
	}
	if t, err := time.Parse(time.RFC3339, cm.EndDateISO); err == nil {
		m.CloseTime = t
	}
	return m, true
}

// parseOrder normalizes a CLOB order. An empty size_matched means unfilled;
// size and price must parse.
func parseOrder(ro rawOrder) (adapter.Order, error) {
	size, err := adapter.ParseDecimal(ro.OriginalSize)
	if err != nil {
		return adapter.Order{}, fmt.Errorf("order %s: original_size: %w", ro.ID, err)
	}
	price, err := adapter.ParseDecimal(ro.Price)
	if err != nil {
		return adapter.Order{}, fmt.Errorf("order %s: price: %w", ro.ID, err)
	}
	var filled float64
	if ro.SizeMatched != "" {
		if filled, err = adapter.ParseDecimal(ro.SizeMatched); err != nil {
			return adapter.Order{}, fmt.Errorf("order %s: size_matched: %w", ro.ID, err)
		}
	}

	status := statusOf(ro.Status)
	if status == adapter.StatusOpen && filled > 0 && filled < size {
		status = adapter.StatusPartiallyFilled
	}
	side := adapter.Buy
	if strings.EqualFold(ro.Side, "sell") {
		side = adapter.Sell
	}
	tif := adapter.TimeInForce(strings.ToUpper(ro.OrderType))
	switch tif {
	case adapter.GTC, adapter.GTD, adapter.FOK:
	case "FAK":
		tif = adapter.IOC
	default:
		tif = adapter.GTC
	}

	o := adapter.Order{
		ID:          ro.ID,
		MarketID:    ro.Market,
		Outcome:     ro.Outcome,
		Side:        side,
		Price:       price,
		Size:        size,
		Filled:      filled,
		TimeInForce: tif,
		Status:      status,
	}
	if ro.CreatedAt > 0 {
		o.CreatedAt = time.Unix(ro.CreatedAt, 0)
	}
	return o, nil
}

func parseLevels(raw []rawPriceLevel) []adapter.PriceLevel {
	levels := make([]adapter.PriceLevel, 0, len(raw))
	for _, r := range raw {
		p, err := adapter.ParsePrice(r.Price)
		if err != nil {
			continue
		}
		s, err := adapter.ParseDecimal(r.Size)
		if err != nil {
			continue
		}
		levels = append(levels, adapter.PriceLevel{Price: p, Size: s})
	}
	return levels
}

// parseTimestamp converts a Unix-millisecond string to time.Time.
func parseTimestamp(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
