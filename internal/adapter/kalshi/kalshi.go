// Package kalshi implements the Venue contract for Kalshi: a CFTC-regulated
// exchange quoting binary contracts in integer cents.
package kalshi

import (
	"context"
	"errors"
	"log"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/meridian/internal/adapter"
)

const (
	prodREST = "https://api.elections.kalshi.com/trade-api/v2"
	demoREST = "https://demo-api.kalshi.co/trade-api/v2"
	prodWS   = "wss://api.elections.kalshi.com/trade-api/ws/v2"
	demoWS   = "wss://demo-api.kalshi.co/trade-api/ws/v2"
	wsPath   = "/trade-api/ws/v2"

	defaultPageSize = 100
	maxPageSize     = 1000
)

// MarketExt narrows FetchMarkets with Kalshi filters.
type MarketExt struct {
	// Status overrides the status filter (open, closed, settled).
	Status       string
	Cursor       string
	EventTicker  string
	SeriesTicker string
}

// OrderExt carries Kalshi order options.
type OrderExt struct {
	// ClientOrderID defaults to a random UUID.
	ClientOrderID string
	PostOnly      bool
}

// Adapter talks to the Kalshi trade API.
type Adapter struct {
	cfg  adapter.ExchangeConfig
	exec *adapter.Executor
	auth *Auth

	wsURL      string
	sessionCfg adapter.SessionConfig

	mu     sync.Mutex
	stream *adapter.BookStream

	now func() time.Time
}

// New builds a Kalshi adapter. Credentials are optional for market data;
// an API key id without a parseable key is an ErrAuthentication.
func New(cfg adapter.ExchangeConfig) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, adapter.Wrap(adapter.ErrExchange, adapter.ExchangeKalshi, "new", err)
	}

	base, ws := prodREST, prodWS
	if cfg.IsDemo() {
		base, ws = demoREST, demoWS
	}
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}
	if cfg.WSURL != "" {
		ws = cfg.WSURL
	}

	a := &Adapter{
		cfg:        cfg,
		exec:       adapter.NewExecutor(adapter.ExchangeKalshi, base, cfg),
		wsURL:      ws,
		sessionCfg: adapter.DefaultSessionConfig(ws),
		now:        time.Now,
	}

	creds := cfg.Credentials
	if creds.APIKey != "" || len(creds.PrivateKeyPEM) > 0 {
		auth, err := NewAuth(creds.APIKey, creds.PrivateKeyPEM)
		if err != nil {
			return nil, adapter.Wrap(adapter.ErrAuthentication, adapter.ExchangeKalshi, "new", err)
		}
		a.auth = auth
	}
	return a, nil
}

func (a *Adapter) ID() adapter.Exchange { return adapter.ExchangeKalshi }
func (a *Adapter) Name() string         { return "Kalshi" }

func (a *Adapter) Describe() adapter.Capabilities {
	return adapter.NewCapabilities(adapter.AllCapabilities...)
}

func (a *Adapter) requireAuth(op string) error {
	if a.auth == nil {
		return adapter.Errorf(adapter.ErrAuthentication, adapter.ExchangeKalshi, op, "api key id and private key required")
	}
	return nil
}

// request fills in signing when credentials are present.
func (a *Adapter) request(op, method, path string) adapter.Request {
	req := adapter.Request{Op: op, Method: method, URL: path}
	if a.auth != nil {
		req.Sign = a.auth.Sign
	}
	return req
}

// --- Market data ---

func (a *Adapter) FetchMarkets(ctx context.Context, q adapter.MarketQuery) ([]adapter.Market, error) {
	const op = "fetch_markets"

	var ext MarketExt
	switch e := q.Ext.(type) {
	case nil:
	case MarketExt:
		ext = e
	case *MarketExt:
		ext = *e
	default:
		return nil, adapter.Errorf(adapter.ErrExchange, adapter.ExchangeKalshi, op, "unsupported extension %T", q.Ext)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}

	status := ext.Status
	if status == "" && q.ActiveOnly {
		status = "open"
	}

	var (
		markets []adapter.Market
		cursor  = ext.Cursor
	)
	for len(markets) < limit {
		query := url.Values{}
		query.Set("limit", strconv.Itoa(min(limit-len(markets), maxPageSize)))
		if status != "" {
			query.Set("status", status)
		}
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		if ext.EventTicker != "" {
			query.Set("event_ticker", ext.EventTicker)
		}
		if ext.SeriesTicker != "" {
			query.Set("series_ticker", ext.SeriesTicker)
		}

		req := a.request(op, http.MethodGet, "/markets")
		req.Query = query
		var resp rawMarketsResponse
		if err := a.exec.DoJSON(ctx, req, &resp); err != nil {
			return nil, adapter.Normalize(adapter.ExchangeKalshi, op, err)
		}
		for _, rm := range resp.Markets {
			if m, ok := parseMarket(rm); ok {
				markets = append(markets, m)
			}
		}
		if resp.Cursor == "" || len(resp.Markets) == 0 {
			break
		}
		cursor = resp.Cursor
	}

	if len(markets) > limit {
		markets = markets[:limit]
	}
	return markets, nil
}

func (a *Adapter) FetchMarket(ctx context.Context, ticker string) (adapter.Market, error) {
	const op = "fetch_market"
	if ticker == "" {
		return adapter.Market{}, adapter.Errorf(adapter.ErrMarketNotFound, adapter.ExchangeKalshi, op, "empty ticker")
	}

	var resp rawMarketResponse
	req := a.request(op, http.MethodGet, "/markets/"+url.PathEscape(ticker))
	if err := a.exec.DoJSON(ctx, req, &resp); err != nil {
		return adapter.Market{}, adapter.Normalize(adapter.ExchangeKalshi, op, err)
	}
	m, ok := parseMarket(resp.Market)
	if !ok {
		return adapter.Market{}, adapter.Errorf(adapter.ErrMarketNotFound, adapter.ExchangeKalshi, op, "market %s", ticker)
	}
	return m, nil
}

// FetchMarketsBySlug treats slug as an event ticker.
func (a *Adapter) FetchMarketsBySlug(ctx context.Context, slug string) ([]adapter.Market, error) {
	return a.FetchMarkets(ctx, adapter.MarketQuery{
		Limit: maxPageSize,
		Ext:   MarketExt{EventTicker: strings.ToUpper(eventFromURL(slug))},
	})
}

// eventFromURL accepts a bare event ticker or a kalshi.com market URL.
func eventFromURL(s string) string {
	s = strings.TrimRight(s, "/")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	return s
}

// FetchOrderbook returns the YES book: YES bids as bids, NO bids as asks at
// the complementary price.
func (a *Adapter) FetchOrderbook(ctx context.Context, ticker string) (adapter.Orderbook, error) {
	const op = "fetch_orderbook"

	var resp rawOrderbookResponse
	req := a.request(op, http.MethodGet, "/markets/"+url.PathEscape(ticker)+"/orderbook")
	if err := a.exec.DoJSON(ctx, req, &resp); err != nil {
		return adapter.Orderbook{}, adapter.Normalize(adapter.ExchangeKalshi, op, err)
	}

	bids, asks := adapter.SortLevels(yesLevels(resp.Orderbook.Yes), noLevels(resp.Orderbook.No))
	return adapter.Orderbook{
		Exchange:  adapter.ExchangeKalshi,
		MarketID:  ticker,
		AssetID:   ticker,
		Bids:      bids,
		Asks:      asks,
		Timestamp: a.now(),
	}, nil
}

// --- Orders ---

func (a *Adapter) CreateOrder(ctx context.Context, req adapter.OrderRequest) (adapter.Order, error) {
	const op = "create_order"

	if err := adapter.ValidateOrder(adapter.ExchangeKalshi, req); err != nil {
		return adapter.Order{}, err
	}

	var ext OrderExt
	switch e := req.Ext.(type) {
	case nil:
	case OrderExt:
		ext = e
	case *OrderExt:
		ext = *e
	default:
		return adapter.Order{}, adapter.Errorf(adapter.ErrInvalidOrder, adapter.ExchangeKalshi, op, "unsupported extension %T", req.Ext)
	}

	side := strings.ToLower(req.Outcome)
	if side != "yes" && side != "no" {
		return adapter.Order{}, adapter.Errorf(adapter.ErrInvalidOrder, adapter.ExchangeKalshi, op, "outcome must be Yes or No, got %q", req.Outcome)
	}
	if req.Size != math.Trunc(req.Size) {
		return adapter.Order{}, adapter.Errorf(adapter.ErrInvalidOrder, adapter.ExchangeKalshi, op, "size %v is not a whole number of contracts", req.Size)
	}
	count := int(req.Size)
	if count < 1 {
		return adapter.Order{}, adapter.Errorf(adapter.ErrInvalidOrder, adapter.ExchangeKalshi, op, "size %.4f is less than one contract", req.Size)
	}
	cents := adapter.PriceToCents(req.Price)
	if cents < 1 || cents > 99 {
		return adapter.Order{}, adapter.Errorf(adapter.ErrInvalidOrder, adapter.ExchangeKalshi, op, "price %.4f rounds outside 1-99 cents", req.Price)
	}

	if a.cfg.DryRun {
		return adapter.DryRunOrder(req, a.now()), nil
	}
	if err := a.requireAuth(op); err != nil {
		return adapter.Order{}, err
	}

	clientID := ext.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	body := rawCreateOrder{
		Ticker:        req.MarketID,
		ClientOrderID: clientID,
		Action:        string(req.Side),
		Side:          side,
		Type:          "limit",
		Count:         count,
		PostOnly:      ext.PostOnly,
	}
	if side == "yes" {
		body.YesPrice = cents
	} else {
		body.NoPrice = cents
	}
	switch req.TimeInForce {
	case adapter.IOC:
		body.TimeInForce = "immediate_or_cancel"
	case adapter.FOK:
		body.TimeInForce = "fill_or_kill"
	case adapter.GTD:
		body.ExpirationTS = req.ExpiresAt.Unix()
	}

	r := a.request(op, http.MethodPost, "/portfolio/orders")
	r.Body = body
	r.BadRequest = adapter.ErrInvalidOrder
	var resp rawOrderResponse
	if err := a.exec.DoJSON(ctx, r, &resp); err != nil {
		return adapter.Order{}, adapter.Normalize(adapter.ExchangeKalshi, op, err)
	}
	if resp.Order.OrderID == "" {
		return adapter.Order{}, adapter.Errorf(adapter.ErrExchange, adapter.ExchangeKalshi, op, "response carried no order id")
	}

	o := parseOrder(resp.Order)
	o.TimeInForce = tifOrDefault(req.TimeInForce)
	return o, nil
}

// CancelOrder is idempotent: cancelling an order that is already terminal
// returns that order.
func (a *Adapter) CancelOrder(ctx context.Context, id string, _ adapter.OrderOptions) (adapter.Order, error) {
	const op = "cancel_order"
	if err := a.requireAuth(op); err != nil {
		return adapter.Order{}, err
	}

	r := a.request(op, http.MethodDelete, "/portfolio/orders/"+url.PathEscape(id))
	r.NotFound = adapter.ErrExchange
	var resp rawOrderResponse
	err := a.exec.DoJSON(ctx, r, &resp)
	if err == nil {
		return parseOrder(resp.Order), nil
	}
	if !errors.Is(err, adapter.ErrExchange) {
		return adapter.Order{}, adapter.Normalize(adapter.ExchangeKalshi, op, err)
	}

	o, ferr := a.FetchOrder(ctx, id, adapter.OrderOptions{})
	if ferr == nil && o.Terminal() {
		if a.cfg.Verbose {
			log.Printf("kalshi: order %s already %s", id, o.Status)
		}
		return o, nil
	}
	return adapter.Order{}, adapter.Normalize(adapter.ExchangeKalshi, op, err)
}

func (a *Adapter) FetchOrder(ctx context.Context, id string, _ adapter.OrderOptions) (adapter.Order, error) {
	const op = "fetch_order"
	if err := a.requireAuth(op); err != nil {
		return adapter.Order{}, err
	}

	r := a.request(op, http.MethodGet, "/portfolio/orders/"+url.PathEscape(id))
	r.NotFound = adapter.ErrExchange
	var resp rawOrderResponse
	if err := a.exec.DoJSON(ctx, r, &resp); err != nil {
		return adapter.Order{}, adapter.Normalize(adapter.ExchangeKalshi, op, err)
	}
	return parseOrder(resp.Order), nil
}

func (a *Adapter) FetchOpenOrders(ctx context.Context, q adapter.OrderQuery) ([]adapter.Order, error) {
	const op = "fetch_open_orders"
	if err := a.requireAuth(op); err != nil {
		return nil, err
	}

	var (
		orders []adapter.Order
		cursor string
	)
	for {
		query := url.Values{"status": {"resting"}}
		if q.MarketID != "" {
			query.Set("ticker", q.MarketID)
		}
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		r := a.request(op, http.MethodGet, "/portfolio/orders")
		r.Query = query
		var resp rawOrdersResponse
		if err := a.exec.DoJSON(ctx, r, &resp); err != nil {
			return nil, adapter.Normalize(adapter.ExchangeKalshi, op, err)
		}
		for _, ro := range resp.Orders {
			orders = append(orders, parseOrder(ro))
		}
		if resp.Cursor == "" || len(resp.Orders) == 0 {
			return orders, nil
		}
		cursor = resp.Cursor
	}
}

// --- Account ---

func (a *Adapter) FetchPositions(ctx context.Context, q adapter.PositionQuery) ([]adapter.Position, error) {
	const op = "fetch_positions"
	if err := a.requireAuth(op); err != nil {
		return nil, err
	}

	r := a.request(op, http.MethodGet, "/portfolio/positions")
	if q.MarketID != "" {
		r.Query = url.Values{"ticker": {q.MarketID}}
	}
	var resp rawPositionsResponse
	if err := a.exec.DoJSON(ctx, r, &resp); err != nil {
		return nil, adapter.Normalize(adapter.ExchangeKalshi, op, err)
	}

	positions := make([]adapter.Position, 0, len(resp.MarketPositions))
	for _, rp := range resp.MarketPositions {
		if p, ok := parsePosition(rp); ok {
			positions = append(positions, p)
		}
	}
	return positions, nil
}

func (a *Adapter) FetchBalance(ctx context.Context) (adapter.Balance, error) {
	const op = "fetch_balance"
	if err := a.requireAuth(op); err != nil {
		return nil, err
	}

	var resp rawBalanceResponse
	if err := a.exec.DoJSON(ctx, a.request(op, http.MethodGet, "/portfolio/balance"), &resp); err != nil {
		return nil, adapter.Normalize(adapter.ExchangeKalshi, op, err)
	}
	usd, _ := adapter.FromNative(decimal.NewFromInt(resp.Balance), adapter.PlacesCents).Float64()
	return adapter.Balance{"USD": usd}, nil
}

// --- Streaming ---

// WebSocket returns the adapter's orderbook stream, creating it on first
// use. The handshake is signed on every dial when credentials are set.
func (a *Adapter) WebSocket() (adapter.Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stream != nil {
		return a.stream, nil
	}

	cfg := a.sessionCfg
	if a.auth != nil {
		path := wsPath
		if u, err := url.Parse(a.wsURL); err == nil && u.Path != "" {
			path = u.Path
		}
		cfg.Header = func() (http.Header, error) {
			return a.auth.Headers(http.MethodGet, path)
		}
	}

	s := adapter.NewSession(adapter.ExchangeKalshi, cfg, newDialect())
	s.SetVerbose(a.cfg.Verbose)
	a.stream = adapter.NewBookStream(adapter.ExchangeKalshi, s)
	return a.stream, nil
}

func tifOrDefault(t adapter.TimeInForce) adapter.TimeInForce {
	if t == "" {
		return adapter.GTC
	}
	return t
}

var (
	_ adapter.Venue            = (*Adapter)(nil)
	_ adapter.OrderbookFetcher = (*Adapter)(nil)
	_ adapter.SlugSearcher     = (*Adapter)(nil)
)
