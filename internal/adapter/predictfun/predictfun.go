// Package predictfun implements the Venue contract for Predict.fun, a CTF
// exchange on BNB Chain. Requests carry an API key; account calls also need a
// JWT obtained by signing a login message with the configured Signer.
package predictfun

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/caesar-terminal/meridian/internal/adapter"
)

// Hosts are the endpoints an adapter talks to. RPC is a BNB Chain JSON-RPC
// node used for the collateral balance.
type Hosts struct {
	REST string
	WS   string
	RPC  string
}

// DefaultHosts returns mainnet endpoints, or testnet ones when demo is set.
func DefaultHosts(demo bool) Hosts {
	if demo {
		return Hosts{
			REST: "https://api-testnet.predict.fun",
			WS:   "wss://ws.predict.fun/ws",
			RPC:  "https://data-seed-prebsc-1-s1.binance.org:8545/",
		}
	}
	return Hosts{
		REST: "https://api.predict.fun",
		WS:   "wss://ws.predict.fun/ws",
		RPC:  "https://bsc-dataseed.binance.org/",
	}
}

const (
	headerAPIKey    = "x-api-key"
	defaultPageSize = 100
)

// tokenRef locates an outcome token within its market.
type tokenRef struct {
	market  string
	index   int
	outcome string
}

// Adapter talks to Predict.fun.
type Adapter struct {
	cfg   adapter.ExchangeConfig
	hosts Hosts
	exec  *adapter.Executor
	auth  *jwtAuth

	sessionCfg adapter.SessionConfig

	mu     sync.Mutex
	stream *Stream
	eth    *ethclient.Client
	tokens map[string]tokenRef

	now func() time.Time
}

// New builds an adapter for the configured environment. ExchangeConfig.BaseURL
// and WSURL override the REST and WebSocket hosts.
func New(cfg adapter.ExchangeConfig) (*Adapter, error) {
	hosts := DefaultHosts(cfg.IsDemo())
	if cfg.BaseURL != "" {
		hosts.REST = cfg.BaseURL
	}
	if cfg.WSURL != "" {
		hosts.WS = cfg.WSURL
	}
	return NewWithHosts(cfg, hosts)
}

// NewWithHosts builds an adapter against explicit hosts.
func NewWithHosts(cfg adapter.ExchangeConfig, hosts Hosts) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, adapter.Wrap(adapter.ErrExchange, adapter.ExchangePredictFun, "new", err)
	}
	hosts.REST = strings.TrimRight(hosts.REST, "/")

	a := &Adapter{
		cfg:    cfg,
		hosts:  hosts,
		exec:   adapter.NewExecutor(adapter.ExchangePredictFun, hosts.REST, cfg),
		tokens: make(map[string]tokenRef),
		now:    time.Now,
	}
	if cfg.Signer != nil {
		a.auth = &jwtAuth{a: a, signer: cfg.Signer}
	}

	a.sessionCfg = adapter.DefaultSessionConfig(hosts.WS)
	if key := cfg.Credentials.APIKey; key != "" {
		a.sessionCfg.Header = func() (http.Header, error) {
			return http.Header{headerAPIKey: {key}}, nil
		}
	}
	return a, nil
}

func (a *Adapter) ID() adapter.Exchange { return adapter.ExchangePredictFun }
func (a *Adapter) Name() string         { return "Predict.fun" }

func (a *Adapter) Describe() adapter.Capabilities {
	return adapter.NewCapabilities(adapter.AllCapabilities...)
}

// maker is the wallet that holds funds: Funder for smart wallets, otherwise
// the signing address.
func (a *Adapter) maker() string {
	if a.cfg.Credentials.Funder != "" {
		return a.cfg.Credentials.Funder
	}
	if a.cfg.Signer != nil {
		return a.cfg.Signer.Address()
	}
	return a.cfg.Credentials.Address
}

func (a *Adapter) request(op, method, path string) adapter.Request {
	r := adapter.Request{Op: op, Method: method, URL: path, Header: http.Header{}}
	if a.cfg.Credentials.APIKey != "" {
		r.Header.Set(headerAPIKey, a.cfg.Credentials.APIKey)
	}
	return r
}

// doAuthed sends r with a bearer token. A rejected token is replaced once.
func (a *Adapter) doAuthed(ctx context.Context, r adapter.Request, out any) error {
	if a.auth == nil {
		return adapter.Wrap(adapter.ErrAuthentication, adapter.ExchangePredictFun, r.Op, errNoSigner)
	}
	for attempt := 0; ; attempt++ {
		token, err := a.auth.Token(ctx)
		if err != nil {
			return err
		}
		r.Header = r.Header.Clone()
		r.Header.Set("Authorization", "Bearer "+token)
		err = a.exec.DoJSON(ctx, r, out)
		if attempt == 0 && errors.Is(err, adapter.ErrAuthentication) {
			if a.cfg.Verbose {
				log.Printf("predictfun: token rejected on %s, logging in again", r.Op)
			}
			a.auth.Invalidate()
			continue
		}
		return err
	}
}

// remember indexes a market's outcome tokens for orderbook and order lookups.
func (a *Adapter) remember(m adapter.Market) {
	ids := m.TokenIDs()
	if len(ids) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, id := range ids {
		ref := tokenRef{market: m.ID, index: i}
		if i < len(m.Outcomes) {
			ref.outcome = m.Outcomes[i]
		}
		a.tokens[id] = ref
	}
}

func (a *Adapter) lookupToken(id string) (tokenRef, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ref, ok := a.tokens[id]
	return ref, ok
}

func (a *Adapter) outcomeOf(tokenID string) string {
	ref, _ := a.lookupToken(tokenID)
	return ref.outcome
}

// resolveBook maps a market id or outcome token id to the market whose book
// carries it, and whether the key is the second outcome.
func (a *Adapter) resolveBook(key string) (string, bool) {
	if ref, ok := a.lookupToken(key); ok {
		return ref.market, ref.index == 1
	}
	return key, false
}

// --- Market data ---

func (a *Adapter) FetchMarkets(ctx context.Context, q adapter.MarketQuery) ([]adapter.Market, error) {
	const op = "fetch_markets"
	if q.Ext != nil {
		return nil, adapter.Errorf(adapter.ErrExchange, adapter.ExchangePredictFun, op, "unsupported extension %T", q.Ext)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}

	var (
		markets []adapter.Market
		cursor  string
	)
	for len(markets) < limit {
		r := a.request(op, http.MethodGet, "/v1/markets")
		r.Query = url.Values{"first": {strconv.Itoa(min(limit-len(markets), defaultPageSize))}}
		if cursor != "" {
			r.Query.Set("after", cursor)
		}
		var page envelope[[]rawMarket]
		if err := a.exec.DoJSON(ctx, r, &page); err != nil {
			return nil, adapter.Normalize(adapter.ExchangePredictFun, op, err)
		}
		for _, rm := range page.Data {
			m := parseMarket(rm)
			a.remember(m)
			if q.ActiveOnly && !m.IsOpen() {
				continue
			}
			markets = append(markets, m)
			if len(markets) == limit {
				break
			}
		}
		if page.Cursor == "" || len(page.Data) == 0 {
			break
		}
		cursor = page.Cursor
	}
	return markets, nil
}

func (a *Adapter) FetchMarket(ctx context.Context, id string) (adapter.Market, error) {
	const op = "fetch_market"
	if id == "" {
		return adapter.Market{}, adapter.Errorf(adapter.ErrMarketNotFound, adapter.ExchangePredictFun, op, "empty market id")
	}

	var resp envelope[rawMarket]
	if err := a.exec.DoJSON(ctx, a.request(op, http.MethodGet, "/v1/markets/"+url.PathEscape(id)), &resp); err != nil {
		return adapter.Market{}, adapter.Normalize(adapter.ExchangePredictFun, op, err)
	}
	if resp.Data.ID == "" {
		return adapter.Market{}, adapter.Errorf(adapter.ErrMarketNotFound, adapter.ExchangePredictFun, op, "market %s", id)
	}
	m := parseMarket(resp.Data)
	a.remember(m)
	return m, nil
}

// FetchMarketsBySlug resolves a category slug or predict.fun URL into the
// category's markets.
func (a *Adapter) FetchMarketsBySlug(ctx context.Context, slug string) ([]adapter.Market, error) {
	const op = "fetch_markets_by_slug"
	slug = strings.TrimSpace(slug)
	if i := strings.IndexAny(slug, "?#"); i >= 0 {
		slug = slug[:i]
	}
	slug = strings.TrimRight(slug, "/")
	if i := strings.LastIndex(slug, "/"); i >= 0 {
		slug = slug[i+1:]
	}
	if slug == "" {
		return nil, adapter.Errorf(adapter.ErrMarketNotFound, adapter.ExchangePredictFun, op, "empty slug")
	}

	var resp envelope[rawCategory]
	if err := a.exec.DoJSON(ctx, a.request(op, http.MethodGet, "/v1/categories/"+url.PathEscape(slug)), &resp); err != nil {
		return nil, adapter.Normalize(adapter.ExchangePredictFun, op, err)
	}
	if len(resp.Data.Markets) == 0 {
		return nil, adapter.Errorf(adapter.ErrMarketNotFound, adapter.ExchangePredictFun, op, "category %s has no markets", slug)
	}
	markets := make([]adapter.Market, 0, len(resp.Data.Markets))
	for _, rm := range resp.Data.Markets {
		m := parseMarket(rm)
		if cs, _ := m.Metadata["category_slug"].(string); cs == "" {
			m.Metadata["category_slug"] = resp.Data.Slug
		}
		a.remember(m)
		markets = append(markets, m)
	}
	return markets, nil
}

// FetchTokenIDs fills m's outcome token ids from the market record.
func (a *Adapter) FetchTokenIDs(ctx context.Context, m *adapter.Market) ([]string, error) {
	const op = "fetch_token_ids"
	if ids := m.TokenIDs(); len(ids) > 0 {
		return ids, nil
	}
	full, err := a.FetchMarket(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	ids := full.TokenIDs()
	if len(ids) == 0 {
		return nil, adapter.Errorf(adapter.ErrExchange, adapter.ExchangePredictFun, op, "no token ids for market %s", m.ID)
	}
	m.SetTokenIDs(ids)
	if len(m.Outcomes) != len(ids) {
		m.Outcomes = full.Outcomes
	}
	return ids, nil
}

// FetchOrderbook accepts a market id (first outcome's book) or any outcome
// token id seen in an earlier market fetch. The venue publishes one book per
// market; the second outcome's view is derived from it.
func (a *Adapter) FetchOrderbook(ctx context.Context, key string) (adapter.Orderbook, error) {
	const op = "fetch_orderbook"
	market, second := a.resolveBook(key)

	var resp envelope[rawBook]
	if err := a.exec.DoJSON(ctx, a.request(op, http.MethodGet, "/v1/markets/"+url.PathEscape(market)+"/orderbook"), &resp); err != nil {
		return adapter.Orderbook{}, adapter.Normalize(adapter.ExchangePredictFun, op, err)
	}

	bids, asks := bookLevels(resp.Data.Bids, resp.Data.Asks, second)
	ts := a.now()
	if ms := resp.Data.UpdateTimestampMs; ms > 0 {
		ts = time.UnixMilli(ms)
	}
	return adapter.Orderbook{
		Exchange:  adapter.ExchangePredictFun,
		MarketID:  market,
		AssetID:   key,
		Bids:      bids,
		Asks:      asks,
		Timestamp: ts,
	}, nil
}

// --- Streaming ---

// WebSocket returns the market stream. Book keys are market ids or outcome
// token ids, as for FetchOrderbook.
func (a *Adapter) WebSocket() (adapter.Stream, error) {
	return a.Stream(), nil
}

// Stream is WebSocket with the concrete type, which adds wallet events.
func (a *Adapter) Stream() *Stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stream == nil {
		d := newDialect(a.resolveBook, a.walletToken)
		s := adapter.NewSession(adapter.ExchangePredictFun, a.sessionCfg, d)
		s.SetVerbose(a.cfg.Verbose)
		a.stream = &Stream{BookStream: adapter.NewBookStream(adapter.ExchangePredictFun, s), session: s}
	}
	return a.stream
}

func (a *Adapter) walletToken(ctx context.Context) (string, error) {
	if a.auth == nil {
		return "", adapter.Wrap(adapter.ErrAuthentication, adapter.ExchangePredictFun, "stream", errNoSigner)
	}
	return a.auth.Token(ctx)
}

var (
	_ adapter.Venue            = (*Adapter)(nil)
	_ adapter.OrderbookFetcher = (*Adapter)(nil)
	_ adapter.TokenResolver    = (*Adapter)(nil)
	_ adapter.SlugSearcher     = (*Adapter)(nil)
)
