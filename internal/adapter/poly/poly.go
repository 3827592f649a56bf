// Package poly implements the Venue contract for Polymarket. Market data
// comes from Gamma and the CLOB, orders are EIP-712 signed CTF exchange
// orders posted with L2 HMAC headers, and positions come from the Data API.
package poly

import (
	"context"
	"errors"
	"log"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caesar-terminal/meridian/internal/adapter"
)

// Hosts are the four Polymarket endpoints an adapter talks to.
type Hosts struct {
	Gamma string
	CLOB  string
	Data  string
	WS    string
}

// DefaultHosts returns the production endpoints.
func DefaultHosts() Hosts {
	return Hosts{
		Gamma: "https://gamma-api.polymarket.com",
		CLOB:  "https://clob.polymarket.com",
		Data:  "https://data-api.polymarket.com",
		WS:    "wss://ws-subscriptions-clob.polymarket.com/ws/market",
	}
}

const endCursor = "LTE="

// Adapter talks to Polymarket.
type Adapter struct {
	cfg   adapter.ExchangeConfig
	hosts Hosts
	exec  *adapter.Executor
	l2    *l2Auth

	sessionCfg adapter.SessionConfig

	mu     sync.Mutex
	stream *adapter.BookStream

	now func() time.Time
}

// New builds an adapter against the production hosts. ExchangeConfig.BaseURL
// and WSURL override the CLOB and WebSocket hosts.
func New(cfg adapter.ExchangeConfig) (*Adapter, error) {
	hosts := DefaultHosts()
	if cfg.BaseURL != "" {
		hosts.CLOB = cfg.BaseURL
	}
	if cfg.WSURL != "" {
		hosts.WS = cfg.WSURL
	}
	return NewWithHosts(cfg, hosts)
}

// NewWithHosts builds an adapter against explicit hosts.
func NewWithHosts(cfg adapter.ExchangeConfig, hosts Hosts) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, adapter.Wrap(adapter.ErrExchange, adapter.ExchangePolymarket, "new", err)
	}
	for _, h := range []*string{&hosts.Gamma, &hosts.CLOB, &hosts.Data} {
		*h = strings.TrimRight(*h, "/")
	}

	a := &Adapter{
		cfg:        cfg,
		hosts:      hosts,
		exec:       adapter.NewExecutor(adapter.ExchangePolymarket, hosts.CLOB, cfg),
		sessionCfg: adapter.DefaultSessionConfig(hosts.WS),
		now:        time.Now,
	}

	creds := cfg.Credentials
	if creds.APIKey != "" || creds.APISecret != "" || creds.APIPassphrase != "" {
		l2, err := newL2Auth(creds, a.address())
		if err != nil {
			return nil, adapter.Wrap(adapter.ErrAuthentication, adapter.ExchangePolymarket, "new", err)
		}
		a.l2 = l2
	}
	return a, nil
}

func (a *Adapter) ID() adapter.Exchange { return adapter.ExchangePolymarket }
func (a *Adapter) Name() string         { return "Polymarket" }

func (a *Adapter) Describe() adapter.Capabilities {
	return adapter.NewCapabilities(adapter.AllCapabilities...)
}

// address is the signing wallet: the Signer's when one is configured.
func (a *Adapter) address() string {
	if a.cfg.Signer != nil {
		return a.cfg.Signer.Address()
	}
	return a.cfg.Credentials.Address
}

// funder holds the collateral; proxy wallets set it apart from the signer.
func (a *Adapter) funder() string {
	if a.cfg.Credentials.Funder != "" {
		return a.cfg.Credentials.Funder
	}
	return a.address()
}

// --- Market data ---

// FetchMarkets lists markets from the CLOB sampling endpoint, which carries
// token ids, and falls back to Gamma when the CLOB is unavailable.
func (a *Adapter) FetchMarkets(ctx context.Context, q adapter.MarketQuery) ([]adapter.Market, error) {
	const op = "fetch_markets"
	if q.Ext != nil {
		return nil, adapter.Errorf(adapter.ErrExchange, adapter.ExchangePolymarket, op, "unsupported extension %T", q.Ext)
	}

	markets, err := a.fetchSampling(ctx, q)
	if err == nil {
		return markets, nil
	}
	if ctx.Err() != nil {
		return nil, adapter.Normalize(adapter.ExchangePolymarket, op, err)
	}
	if a.cfg.Verbose {
		log.Printf("poly: sampling-markets failed, falling back to gamma: %v", err)
	}

	query := url.Values{}
	if q.ActiveOnly || q.Limit == 0 {
		query.Set("active", "true")
		query.Set("closed", "false")
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	var raw []gammaMarket
	req := adapter.Request{Op: op, URL: a.hosts.Gamma + "/markets", Query: query}
	if err := a.exec.DoJSON(ctx, req, &raw); err != nil {
		return nil, adapter.Normalize(adapter.ExchangePolymarket, op, err)
	}
	markets = make([]adapter.Market, 0, len(raw))
	for _, gm := range raw {
		markets = append(markets, parseGammaMarket(gm))
	}
	return markets, nil
}

func (a *Adapter) fetchSampling(ctx context.Context, q adapter.MarketQuery) ([]adapter.Market, error) {
	var (
		markets []adapter.Market
		cursor  string
	)
	for {
		req := adapter.Request{Op: "fetch_markets", URL: "/sampling-markets"}
		if cursor != "" {
			req.Query = url.Values{"next_cursor": {cursor}}
		}
		var page clobMarketsPage
		if err := a.exec.DoJSON(ctx, req, &page); err != nil {
			return nil, err
		}
		for _, cm := range page.Data {
			m, ok := parseClobMarket(cm)
			if !ok || (q.ActiveOnly && !m.IsOpen()) {
				continue
			}
			markets = append(markets, m)
			if q.Limit > 0 && len(markets) >= q.Limit {
				return markets, nil
			}
		}
		if page.NextCursor == "" || page.NextCursor == endCursor || len(page.Data) == 0 {
			return markets, nil
		}
		cursor = page.NextCursor
	}
}

// FetchMarket looks a market up on Gamma by condition id (0x…) or Gamma id.
func (a *Adapter) FetchMarket(ctx context.Context, id string) (adapter.Market, error) {
	const op = "fetch_market"
	if id == "" {
		return adapter.Market{}, adapter.Errorf(adapter.ErrMarketNotFound, adapter.ExchangePolymarket, op, "empty market id")
	}

	if strings.HasPrefix(id, "0x") {
		var raw []gammaMarket
		req := adapter.Request{Op: op, URL: a.hosts.Gamma + "/markets", Query: url.Values{"condition_ids": {id}}}
		if err := a.exec.DoJSON(ctx, req, &raw); err != nil {
			return adapter.Market{}, adapter.Normalize(adapter.ExchangePolymarket, op, err)
		}
		if len(raw) == 0 {
			return adapter.Market{}, adapter.Errorf(adapter.ErrMarketNotFound, adapter.ExchangePolymarket, op, "market %s", id)
		}
		return parseGammaMarket(raw[0]), nil
	}

	var raw gammaMarket
	req := adapter.Request{Op: op, URL: a.hosts.Gamma + "/markets/" + url.PathEscape(id)}
	if err := a.exec.DoJSON(ctx, req, &raw); err != nil {
		return adapter.Market{}, adapter.Normalize(adapter.ExchangePolymarket, op, err)
	}
	if raw.ID == "" && raw.ConditionID == "" {
		return adapter.Market{}, adapter.Errorf(adapter.ErrMarketNotFound, adapter.ExchangePolymarket, op, "market %s", id)
	}
	return parseGammaMarket(raw), nil
}

// FetchMarketsBySlug resolves a market slug, an event slug or a
// polymarket.com URL.
func (a *Adapter) FetchMarketsBySlug(ctx context.Context, slug string) ([]adapter.Market, error) {
	const op = "fetch_markets_by_slug"
	slug = slugFromURL(slug)
	if slug == "" {
		return nil, adapter.Errorf(adapter.ErrMarketNotFound, adapter.ExchangePolymarket, op, "empty slug")
	}

	var raw []gammaMarket
	req := adapter.Request{Op: op, URL: a.hosts.Gamma + "/markets", Query: url.Values{"slug": {slug}}}
	if err := a.exec.DoJSON(ctx, req, &raw); err != nil {
		return nil, adapter.Normalize(adapter.ExchangePolymarket, op, err)
	}

	if len(raw) == 0 {
		var events []gammaEvent
		req := adapter.Request{Op: op, URL: a.hosts.Gamma + "/events", Query: url.Values{"slug": {slug}}}
		if err := a.exec.DoJSON(ctx, req, &events); err != nil {
			return nil, adapter.Normalize(adapter.ExchangePolymarket, op, err)
		}
		for _, ev := range events {
			raw = append(raw, ev.Markets...)
		}
	}
	if len(raw) == 0 {
		return nil, adapter.Errorf(adapter.ErrMarketNotFound, adapter.ExchangePolymarket, op, "slug %s", slug)
	}

	markets := make([]adapter.Market, 0, len(raw))
	for _, gm := range raw {
		markets = append(markets, parseGammaMarket(gm))
	}
	return markets, nil
}

func slugFromURL(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimRight(s, "/")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	return s
}

// FetchTokenIDs returns the outcome token ids for m, caching them on m's
// metadata. Cached ids are returned without a request.
func (a *Adapter) FetchTokenIDs(ctx context.Context, m *adapter.Market) ([]string, error) {
	const op = "fetch_token_ids"
	if ids := m.TokenIDs(); len(ids) > 0 {
		return ids, nil
	}

	conditionID := m.ID
	if cid, _ := m.Metadata["condition_id"].(string); cid != "" {
		conditionID = cid
	}

	var cm clobMarket
	err := a.exec.DoJSON(ctx, adapter.Request{Op: op, URL: "/markets/" + url.PathEscape(conditionID)}, &cm)
	if err == nil && len(cm.Tokens) > 0 {
		return a.cacheTokens(m, cm), nil
	}
	if ctx.Err() != nil {
		return nil, adapter.Normalize(adapter.ExchangePolymarket, op, ctx.Err())
	}
	if err != nil && a.cfg.Verbose {
		log.Printf("poly: clob market %s: %v, scanning simplified-markets", conditionID, err)
	}

	var page clobMarketsPage
	if err := a.exec.DoJSON(ctx, adapter.Request{Op: op, URL: "/simplified-markets"}, &page); err != nil {
		return nil, adapter.Normalize(adapter.ExchangePolymarket, op, err)
	}
	for _, c := range page.Data {
		if c.ConditionID == conditionID && len(c.Tokens) > 0 {
			return a.cacheTokens(m, c), nil
		}
	}
	return nil, adapter.Errorf(adapter.ErrExchange, adapter.ExchangePolymarket, op, "no token ids for market %s", conditionID)
}

func (a *Adapter) cacheTokens(m *adapter.Market, cm clobMarket) []string {
	ids := make([]string, len(cm.Tokens))
	outcomes := make([]string, len(cm.Tokens))
	for i, t := range cm.Tokens {
		ids[i] = t.TokenID
		outcomes[i] = t.Outcome
	}
	if len(m.Outcomes) != len(ids) {
		m.Outcomes = outcomes
	}
	m.SetTokenIDs(ids)
	return ids
}

// FetchOrderbook returns the CLOB book for one outcome token.
func (a *Adapter) FetchOrderbook(ctx context.Context, tokenID string) (adapter.Orderbook, error) {
	const op = "fetch_orderbook"

	var raw rawBook
	req := adapter.Request{Op: op, URL: "/book", Query: url.Values{"token_id": {tokenID}}}
	if err := a.exec.DoJSON(ctx, req, &raw); err != nil {
		return adapter.Orderbook{}, adapter.Normalize(adapter.ExchangePolymarket, op, err)
	}

	bids, asks := adapter.SortLevels(parseLevels(raw.Bids), parseLevels(raw.Asks))
	ts := parseTimestamp(raw.Timestamp)
	if ts.IsZero() {
		ts = a.now()
	}
	return adapter.Orderbook{
		Exchange:  adapter.ExchangePolymarket,
		MarketID:  raw.Market,
		AssetID:   tokenID,
		Bids:      bids,
		Asks:      asks,
		Timestamp: ts,
		Hash:      raw.Hash,
	}, nil
}

// --- Streaming ---

// WebSocket returns the public market-channel stream. Keys are token ids.
func (a *Adapter) WebSocket() (adapter.Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stream == nil {
		s := adapter.NewSession(adapter.ExchangePolymarket, a.sessionCfg, newDialect())
		s.SetVerbose(a.cfg.Verbose)
		a.stream = adapter.NewBookStream(adapter.ExchangePolymarket, s)
	}
	return a.stream, nil
}

var errNoCredentials = errors.New("api key, secret and passphrase required")

var (
	_ adapter.Venue            = (*Adapter)(nil)
	_ adapter.OrderbookFetcher = (*Adapter)(nil)
	_ adapter.TokenResolver    = (*Adapter)(nil)
	_ adapter.SlugSearcher     = (*Adapter)(nil)
)
