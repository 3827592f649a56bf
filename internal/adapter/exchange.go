package adapter

import (
	"context"
	"time"
)

// Capability names an optional part of the Venue contract.
type Capability string

const (
	CapFetchMarkets    Capability = "fetch_markets"
	CapFetchMarket     Capability = "fetch_market"
	CapCreateOrder     Capability = "create_order"
	CapCancelOrder     Capability = "cancel_order"
	CapFetchOrder      Capability = "fetch_order"
	CapFetchOpenOrders Capability = "fetch_open_orders"
	CapFetchPositions  Capability = "fetch_positions"
	CapFetchBalance    Capability = "fetch_balance"
	CapStreaming       Capability = "streaming"
	CapFetchOrderbook  Capability = "fetch_orderbook"
)

// AllCapabilities lists every capability key Describe reports on.
var AllCapabilities = []Capability{
	CapFetchMarkets,
	CapFetchMarket,
	CapCreateOrder,
	CapCancelOrder,
	CapFetchOrder,
	CapFetchOpenOrders,
	CapFetchPositions,
	CapFetchBalance,
	CapStreaming,
	CapFetchOrderbook,
}

// Capabilities maps each capability to whether the adapter supports it.
type Capabilities map[Capability]bool

// Has reports whether c is supported. Unknown keys are unsupported.
func (c Capabilities) Has(cp Capability) bool { return c[cp] }

// NewCapabilities returns a map with every known key set to false except
// those listed.
func NewCapabilities(supported ...Capability) Capabilities {
	c := make(Capabilities, len(AllCapabilities))
	for _, k := range AllCapabilities {
		c[k] = false
	}
	for _, k := range supported {
		c[k] = true
	}
	return c
}

// MarketQuery narrows FetchMarkets. Ext holds a venue extension type such as
// kalshi.MarketExt.
type MarketQuery struct {
	Limit      int
	ActiveOnly bool
	Ext        any
}

// OrderRequest is the intent passed to CreateOrder.
type OrderRequest struct {
	MarketID    string
	Outcome     string
	Side        Side
	Price       float64
	Size        float64
	TimeInForce TimeInForce
	ExpiresAt   time.Time // GTD only
	Ext         any
}

// OrderOptions qualifies CancelOrder and FetchOrder.
type OrderOptions struct {
	MarketID string
	Ext      any
}

// OrderQuery narrows FetchOpenOrders.
type OrderQuery struct {
	MarketID string
	Ext      any
}

// PositionQuery narrows FetchPositions.
type PositionQuery struct {
	MarketID string
	Ext      any
}

// Venue is the contract every exchange adapter implements. Callers consult
// Describe before invoking optional operations; unsupported ones fail with
// ErrNotSupported.
type Venue interface {
	ID() Exchange
	Name() string
	Describe() Capabilities

	FetchMarkets(ctx context.Context, q MarketQuery) ([]Market, error)
	FetchMarket(ctx context.Context, id string) (Market, error)

	CreateOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, id string, opts OrderOptions) (Order, error)
	FetchOrder(ctx context.Context, id string, opts OrderOptions) (Order, error)
	FetchOpenOrders(ctx context.Context, q OrderQuery) ([]Order, error)

	FetchPositions(ctx context.Context, q PositionQuery) ([]Position, error)
	FetchBalance(ctx context.Context) (Balance, error)

	// WebSocket returns the adapter's streaming handle.
	WebSocket() (Stream, error)
}

// OrderbookFetcher is implemented by venues that serve books over REST.
type OrderbookFetcher interface {
	FetchOrderbook(ctx context.Context, assetID string) (Orderbook, error)
}

// TokenResolver performs the enrichment half of two-phase market discovery.
// The result is cached on the Market's metadata.
type TokenResolver interface {
	FetchTokenIDs(ctx context.Context, m *Market) ([]string, error)
}

// SlugSearcher resolves a human-readable slug or URL into markets.
type SlugSearcher interface {
	FetchMarketsBySlug(ctx context.Context, slug string) ([]Market, error)
}

// Stream is the push side of a venue: callbacks are delivered in order per key.
type Stream interface {
	Connect(ctx context.Context) error
	WatchOrderbook(key string, fn func(Orderbook)) error
	Unwatch(key string) error
	Disconnect() error
	State() SessionState
	Done() <-chan struct{}
	Err() error
}

// Unimplemented can be embedded by adapters to satisfy Venue for operations
// they do not support.
type Unimplemented struct {
	Exchange Exchange
}

func (u Unimplemented) notSupported(op string) error {
	return &Error{Kind: ErrNotSupported, Exchange: u.Exchange, Op: op}
}

func (u Unimplemented) FetchMarkets(context.Context, MarketQuery) ([]Market, error) {
	return nil, u.notSupported("fetch_markets")
}

func (u Unimplemented) FetchMarket(context.Context, string) (Market, error) {
	return Market{}, u.notSupported("fetch_market")
}

func (u Unimplemented) CreateOrder(context.Context, OrderRequest) (Order, error) {
	return Order{}, u.notSupported("create_order")
}

func (u Unimplemented) CancelOrder(context.Context, string, OrderOptions) (Order, error) {
	return Order{}, u.notSupported("cancel_order")
}

func (u Unimplemented) FetchOrder(context.Context, string, OrderOptions) (Order, error) {
	return Order{}, u.notSupported("fetch_order")
}

func (u Unimplemented) FetchOpenOrders(context.Context, OrderQuery) ([]Order, error) {
	return nil, u.notSupported("fetch_open_orders")
}

func (u Unimplemented) FetchPositions(context.Context, PositionQuery) ([]Position, error) {
	return nil, u.notSupported("fetch_positions")
}

func (u Unimplemented) FetchBalance(context.Context) (Balance, error) {
	return nil, u.notSupported("fetch_balance")
}

func (u Unimplemented) WebSocket() (Stream, error) {
	return nil, u.notSupported("streaming")
}
