package adapter

import (
	"sort"
	"time"
)

// Exchange identifies a trading venue.
type Exchange string

const (
	ExchangePolymarket Exchange = "polymarket"
	ExchangeKalshi     Exchange = "kalshi"
	ExchangePredictFun Exchange = "predictfun"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// TimeInForce controls how long an order rests on the book.
type TimeInForce string

const (
	GTC TimeInForce = "GTC"
	FOK TimeInForce = "FOK"
	IOC TimeInForce = "IOC"
	GTD TimeInForce = "GTD"
)

// OrderStatus tracks the lifecycle of an order as reported by the venue.
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusOpen            OrderStatus = "open"
	StatusFilled          OrderStatus = "filled"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// MarketStatus is the tradability of a market.
type MarketStatus string

const (
	MarketOpen     MarketStatus = "open"
	MarketClosed   MarketStatus = "closed"
	MarketResolved MarketStatus = "resolved"
)

// MetaTokenIDs is the Market.Metadata key under which outcome token ids are cached.
const MetaTokenIDs = "clobTokenIds"

// Market is a tradable question with a set of outcomes. Prices are
// probabilities in [0,1] regardless of the venue's native encoding.
type Market struct {
	ID        string
	Question  string
	Outcomes  []string
	Prices    map[string]float64
	Volume    float64
	Liquidity float64
	CloseTime time.Time
	Status    MarketStatus
	TickSize  float64

	// Metadata carries venue-specific extras, e.g. lazily fetched token ids.
	Metadata map[string]any
}

// IsOpen reports whether the market accepts orders.
func (m Market) IsOpen() bool { return m.Status == MarketOpen }

// TokenIDs returns the cached outcome token ids, if enrichment has run.
func (m Market) TokenIDs() []string {
	if m.Metadata == nil {
		return nil
	}
	ids, _ := m.Metadata[MetaTokenIDs].([]string)
	return ids
}

// SetTokenIDs caches token ids on this Market value's metadata.
func (m *Market) SetTokenIDs(ids []string) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[MetaTokenIDs] = ids
}

// TokenFor returns the token id for an outcome label using the cached ids.
func (m Market) TokenFor(outcome string) (string, bool) {
	ids := m.TokenIDs()
	for i, o := range m.Outcomes {
		if o == outcome && i < len(ids) {
			return ids[i], true
		}
	}
	return "", false
}

// Order is the normalized order representation for every venue.
type Order struct {
	ID          string
	MarketID    string
	Outcome     string
	Side        Side
	Price       float64
	Size        float64
	Filled      float64
	TimeInForce TimeInForce
	Status      OrderStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Remaining is the unfilled size.
func (o Order) Remaining() float64 { return o.Size - o.Filled }

// Terminal reports whether the order can no longer change.
func (o Order) Terminal() bool { return o.Status.Terminal() }

// Position is a signed holding in one outcome of a market.
type Position struct {
	MarketID     string
	Outcome      string
	Size         float64
	AveragePrice float64
	CurrentPrice float64
}

// UnrealizedPnL is size × (current − average).
func (p Position) UnrealizedPnL() float64 {
	return p.Size * (p.CurrentPrice - p.AveragePrice)
}

// Value is the position marked at the current price.
func (p Position) Value() float64 { return p.Size * p.CurrentPrice }

// PriceLevel represents a single bid or ask at a given price.
type PriceLevel struct {
	Price float64
	Size  float64
}

// Orderbook is a materialized snapshot. Bids are sorted descending and asks
// ascending; zero-size levels are never present.
type Orderbook struct {
	Exchange  Exchange
	MarketID  string
	AssetID   string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
	Hash      string
}

// BestBid returns the highest bid, or 0 if the side is empty.
func (ob Orderbook) BestBid() float64 {
	if len(ob.Bids) == 0 {
		return 0
	}
	return ob.Bids[0].Price
}

// BestAsk returns the lowest ask, or 0 if the side is empty.
func (ob Orderbook) BestAsk() float64 {
	if len(ob.Asks) == 0 {
		return 0
	}
	return ob.Asks[0].Price
}

// Mid returns the midpoint of the touch, falling back to whichever side exists.
func (ob Orderbook) Mid() float64 {
	bid, ask := ob.BestBid(), ob.BestAsk()
	switch {
	case bid > 0 && ask > 0:
		return (bid + ask) / 2
	case bid > 0:
		return bid
	default:
		return ask
	}
}

// Spread returns ask − bid, or 0 if either side is empty.
func (ob Orderbook) Spread() float64 {
	bid, ask := ob.BestBid(), ob.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return ask - bid
}

// SortLevels orders bids descending and asks ascending and strips zero-size
// and duplicate levels (last one wins). Used for books that arrive as full
// snapshots and never pass through a Book.
func SortLevels(bids, asks []PriceLevel) ([]PriceLevel, []PriceLevel) {
	return dedupe(bids, true), dedupe(asks, false)
}

func dedupe(levels []PriceLevel, desc bool) []PriceLevel {
	byPrice := make(map[float64]float64, len(levels))
	for _, l := range levels {
		byPrice[l.Price] = l.Size
	}
	out := make([]PriceLevel, 0, len(byPrice))
	for p, s := range byPrice {
		if s > 0 && p > 0 {
			out = append(out, PriceLevel{Price: p, Size: s})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}

// Balance maps a currency code to an available amount.
type Balance map[string]float64
