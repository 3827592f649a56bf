package kalshi

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caesar-terminal/meridian/internal/adapter"
)

const apiPrefix = "/trade-api/v2"

// generateTestKey creates an RSA key pair and returns the PEM-encoded private key.
func generateTestKey(t *testing.T) ([]byte, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return pemBytes, &priv.PublicKey
}

func verifySignature(pub *rsa.PublicKey, h http.Header, method, path string) error {
	sig, err := base64.StdEncoding.DecodeString(h.Get(headerSignature))
	if err != nil {
		return err
	}
	digest := sha256.Sum256([]byte(h.Get(headerTimestamp) + method + path))
	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
}

func TestAuthHeaders(t *testing.T) {
	pemKey, pub := generateTestKey(t)

	auth, err := NewAuth("test-api-key", pemKey)
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	auth.now = func() time.Time { return time.UnixMilli(1700000000123) }

	headers, err := auth.Headers(http.MethodGet, "/trade-api/v2/portfolio/balance")
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	if headers.Get(headerKey) != "test-api-key" {
		t.Fatalf("expected API key 'test-api-key', got %q", headers.Get(headerKey))
	}
	if headers.Get(headerTimestamp) != "1700000000123" {
		t.Fatalf("timestamp = %q", headers.Get(headerTimestamp))
	}
	if err := verifySignature(pub, headers, http.MethodGet, "/trade-api/v2/portfolio/balance"); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}
}

func TestNewAuth_PKCS1Fallback(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	if _, err := NewAuth("k", pemKey); err != nil {
		t.Fatalf("PKCS#1 key rejected: %v", err)
	}
}

func TestNewAuth_BadPEM(t *testing.T) {
	if _, err := NewAuth("k", []byte("not a key")); err == nil {
		t.Fatal("expected error for garbage PEM")
	}
}

func TestNew_BadKeyIsAuthError(t *testing.T) {
	cfg := adapter.DefaultExchangeConfig()
	cfg.Credentials.APIKey = "k"
	cfg.Credentials.PrivateKeyPEM = []byte("junk")
	if _, err := New(cfg); !errors.Is(err, adapter.ErrAuthentication) {
		t.Fatalf("New = %v, want ErrAuthentication", err)
	}
}

// venue is a fake Kalshi REST API. Handlers see paths without the prefix.
type venue struct {
	srv  *httptest.Server
	hits atomic.Int32
	pub  *rsa.PublicKey

	mu        sync.Mutex
	unsigned  int
	lastBody  []byte
	lastQuery string
}

func newVenue(t *testing.T, pub *rsa.PublicKey, routes map[string]http.HandlerFunc) *venue {
	t.Helper()
	v := &venue{pub: pub}
	v.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v.hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		v.mu.Lock()
		v.lastBody = body
		v.lastQuery = r.URL.RawQuery
		if pub != nil && verifySignature(pub, r.Header, r.Method, r.URL.Path) != nil {
			v.unsigned++
		}
		v.mu.Unlock()

		h, ok := routes[r.Method+" "+strings.TrimPrefix(r.URL.Path, apiPrefix)]
		if !ok {
			http.Error(w, `{"error":{"code":"not_found"}}`, http.StatusNotFound)
			return
		}
		h(w, r)
	}))
	t.Cleanup(v.srv.Close)
	return v
}

func jsonReply(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func testConfig(baseURL string) adapter.ExchangeConfig {
	cfg := adapter.DefaultExchangeConfig()
	cfg.BaseURL = baseURL + apiPrefix
	cfg.RetryDelay = time.Millisecond
	cfg.MaxRetries = 2
	cfg.RateLimit = 1000
	cfg.Timeout = 2 * time.Second
	return cfg
}

func newAuthedAdapter(t *testing.T, routes map[string]http.HandlerFunc) (*Adapter, *venue) {
	t.Helper()
	pemKey, pub := generateTestKey(t)
	v := newVenue(t, pub, routes)
	cfg := testConfig(v.srv.URL)
	cfg.Credentials.APIKey = "key-id"
	cfg.Credentials.PrivateKeyPEM = pemKey
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, v
}

func newPublicAdapter(t *testing.T, routes map[string]http.HandlerFunc) (*Adapter, *venue) {
	t.Helper()
	v := newVenue(t, nil, routes)
	a, err := New(testConfig(v.srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, v
}

func TestFetchMarkets_ParsesAndPaginates(t *testing.T) {
	var page atomic.Int32
	a, v := newPublicAdapter(t, map[string]http.HandlerFunc{
		"GET /markets": func(w http.ResponseWriter, r *http.Request) {
			if page.Add(1) == 1 {
				jsonReply(`{"markets":[{"ticker":"FED-DEC","title":"Fed cut?","status":"active","yes_bid":40,"yes_ask":44,"volume":1200,"open_interest":300,"close_time":"2026-12-10T19:00:00Z"}],"cursor":"c2"}`)(w, r)
				return
			}
			if r.URL.Query().Get("cursor") != "c2" {
				t.Errorf("second page cursor = %q", r.URL.Query().Get("cursor"))
			}
			jsonReply(`{"markets":[{"ticker":"CPI-HI","title":"CPI high?","status":"settled","last_price":7}],"cursor":""}`)(w, r)
		},
	})

	markets, err := a.FetchMarkets(context.Background(), adapter.MarketQuery{Limit: 10, ActiveOnly: true})
	if err != nil {
		t.Fatalf("FetchMarkets: %v", err)
	}
	if len(markets) != 2 || v.hits.Load() != 2 {
		t.Fatalf("got %d markets in %d requests", len(markets), v.hits.Load())
	}

	fed := markets[0]
	if fed.ID != "FED-DEC" || fed.Status != adapter.MarketOpen || !fed.IsOpen() {
		t.Fatalf("market = %+v", fed)
	}
	if fed.Prices["Yes"] != 0.42 || fed.Prices["No"] != 0.58 {
		t.Fatalf("prices = %v", fed.Prices)
	}
	if fed.Liquidity != 300 || fed.Volume != 1200 || fed.CloseTime.IsZero() {
		t.Fatalf("volume/liquidity/close = %v/%v/%v", fed.Volume, fed.Liquidity, fed.CloseTime)
	}
	if tok, ok := fed.TokenFor("No"); !ok || tok != "FED-DEC" {
		t.Fatalf("TokenFor(No) = %q, %v", tok, ok)
	}

	cpi := markets[1]
	if cpi.Status != adapter.MarketResolved || cpi.Prices["Yes"] != 0.07 {
		t.Fatalf("fallback market = %+v", cpi)
	}
}

func TestFetchMarkets_ForeignExtension(t *testing.T) {
	a, v := newPublicAdapter(t, nil)
	_, err := a.FetchMarkets(context.Background(), adapter.MarketQuery{Ext: struct{}{}})
	if !errors.Is(err, adapter.ErrExchange) {
		t.Fatalf("err = %v, want ErrExchange", err)
	}
	if v.hits.Load() != 0 {
		t.Fatal("foreign extension must fail before any request")
	}
}

func TestFetchMarket_NotFoundIsNotRetried(t *testing.T) {
	a, v := newPublicAdapter(t, nil)
	_, err := a.FetchMarket(context.Background(), "NOPE")
	if !errors.Is(err, adapter.ErrMarketNotFound) {
		t.Fatalf("err = %v, want ErrMarketNotFound", err)
	}
	if v.hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1", v.hits.Load())
	}
}

func TestFetchOrderbook(t *testing.T) {
	a, _ := newPublicAdapter(t, map[string]http.HandlerFunc{
		"GET /markets/FED-DEC/orderbook": jsonReply(`{"orderbook":{"yes":[[44,50],[45,100]],"no":[[53,80],[50,10]]}}`),
	})

	ob, err := a.FetchOrderbook(context.Background(), "FED-DEC")
	if err != nil {
		t.Fatalf("FetchOrderbook: %v", err)
	}
	if ob.BestBid() != 0.45 || ob.BestAsk() != 0.47 {
		t.Fatalf("touch = %v/%v, want 0.45/0.47", ob.BestBid(), ob.BestAsk())
	}
	if len(ob.Asks) != 2 || ob.Asks[1].Price != 0.5 {
		t.Fatalf("asks = %+v", ob.Asks)
	}
}

func orderRequest() adapter.OrderRequest {
	return adapter.OrderRequest{MarketID: "M1", Outcome: "Yes", Side: adapter.Buy, Price: 0.52, Size: 100}
}

func TestCreateOrder_DryRunMakesNoRequest(t *testing.T) {
	v := newVenue(t, nil, nil)
	cfg := testConfig(v.srv.URL)
	cfg.DryRun = true
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	o, err := a.CreateOrder(context.Background(), orderRequest())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if o.Status != adapter.StatusPending || o.MarketID != "M1" {
		t.Fatalf("order = %+v", o)
	}
	if v.hits.Load() != 0 {
		t.Fatalf("dry run made %d requests", v.hits.Load())
	}
}

func TestCreateOrder_ValidationBeforeNetwork(t *testing.T) {
	a, v := newAuthedAdapter(t, nil)
	cases := []func(*adapter.OrderRequest){
		func(r *adapter.OrderRequest) { r.Price = 1.2 },
		func(r *adapter.OrderRequest) { r.Size = 0 },
		func(r *adapter.OrderRequest) { r.Outcome = "Maybe" },
		func(r *adapter.OrderRequest) { r.Size = 0.5 },
		func(r *adapter.OrderRequest) { r.Size = 1.5 },
		func(r *adapter.OrderRequest) { r.Ext = "foreign" },
	}
	for i, mutate := range cases {
		req := orderRequest()
		mutate(&req)
		if _, err := a.CreateOrder(context.Background(), req); !errors.Is(err, adapter.ErrInvalidOrder) {
			t.Fatalf("case %d: err = %v, want ErrInvalidOrder", i, err)
		}
	}
	if v.hits.Load() != 0 {
		t.Fatalf("invalid orders made %d requests", v.hits.Load())
	}
}

func TestCreateOrder_SignedRequest(t *testing.T) {
	a, v := newAuthedAdapter(t, map[string]http.HandlerFunc{
		"POST /portfolio/orders": jsonReply(`{"order":{"order_id":"ord-1","ticker":"M1","action":"buy","side":"yes","status":"resting","yes_price":52,"initial_count":100,"fill_count":0}}`),
	})

	req := orderRequest()
	req.TimeInForce = adapter.IOC
	o, err := a.CreateOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if o.ID != "ord-1" || o.Status != adapter.StatusOpen || o.Price != 0.52 || o.Size != 100 || o.TimeInForce != adapter.IOC {
		t.Fatalf("order = %+v", o)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.unsigned != 0 {
		t.Fatal("request signature did not verify")
	}
	var body rawCreateOrder
	if err := json.Unmarshal(v.lastBody, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Ticker != "M1" || body.Side != "yes" || body.Action != "buy" || body.Type != "limit" {
		t.Fatalf("body = %+v", body)
	}
	if body.YesPrice != 52 || body.NoPrice != 0 || body.Count != 100 || body.ClientOrderID == "" {
		t.Fatalf("body = %+v", body)
	}
	if body.TimeInForce != "immediate_or_cancel" {
		t.Fatalf("time_in_force = %q", body.TimeInForce)
	}
}

func TestCreateOrder_RejectedIsInvalidOrder(t *testing.T) {
	a, _ := newAuthedAdapter(t, map[string]http.HandlerFunc{
		"POST /portfolio/orders": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, `{"error":{"code":"insufficient_balance"}}`, http.StatusBadRequest)
		},
	})
	if _, err := a.CreateOrder(context.Background(), orderRequest()); !errors.Is(err, adapter.ErrInvalidOrder) {
		t.Fatalf("err = %v, want ErrInvalidOrder", err)
	}
}

func TestCancelOrder_Idempotent(t *testing.T) {
	const cancelled = `{"order":{"order_id":"ord-1","ticker":"M1","action":"buy","side":"no","status":"canceled","no_price":48,"initial_count":10,"fill_count":0}}`
	var deleted atomic.Bool
	a, _ := newAuthedAdapter(t, map[string]http.HandlerFunc{
		"DELETE /portfolio/orders/ord-1": func(w http.ResponseWriter, r *http.Request) {
			if deleted.Swap(true) {
				http.Error(w, `{"error":{"code":"not_found"}}`, http.StatusNotFound)
				return
			}
			jsonReply(cancelled)(w, r)
		},
		"GET /portfolio/orders/ord-1": jsonReply(cancelled),
	})

	first, err := a.CancelOrder(context.Background(), "ord-1", adapter.OrderOptions{})
	if err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	second, err := a.CancelOrder(context.Background(), "ord-1", adapter.OrderOptions{})
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if first != second {
		t.Fatalf("cancel results differ:\n%+v\n%+v", first, second)
	}
	if first.Status != adapter.StatusCancelled || first.Outcome != "No" || first.Price != 0.48 {
		t.Fatalf("order = %+v", first)
	}
}

func TestCancelOrder_OpenOrderFailureSurfaces(t *testing.T) {
	a, _ := newAuthedAdapter(t, map[string]http.HandlerFunc{
		"DELETE /portfolio/orders/ord-2": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, `{"error":{"code":"conflict"}}`, http.StatusConflict)
		},
		"GET /portfolio/orders/ord-2": jsonReply(`{"order":{"order_id":"ord-2","status":"resting","yes_price":30,"initial_count":5}}`),
	})
	if _, err := a.CancelOrder(context.Background(), "ord-2", adapter.OrderOptions{}); !errors.Is(err, adapter.ErrExchange) {
		t.Fatalf("err = %v, want ErrExchange", err)
	}
}

func TestAccountCallsRequireCredentials(t *testing.T) {
	a, v := newPublicAdapter(t, nil)
	if _, err := a.FetchBalance(context.Background()); !errors.Is(err, adapter.ErrAuthentication) {
		t.Fatalf("FetchBalance = %v", err)
	}
	if _, err := a.FetchOpenOrders(context.Background(), adapter.OrderQuery{}); !errors.Is(err, adapter.ErrAuthentication) {
		t.Fatalf("FetchOpenOrders = %v", err)
	}
	if v.hits.Load() != 0 {
		t.Fatalf("unauthenticated calls made %d requests", v.hits.Load())
	}
}

func TestFetchBalance(t *testing.T) {
	a, _ := newAuthedAdapter(t, map[string]http.HandlerFunc{
		"GET /portfolio/balance": jsonReply(`{"balance":12345}`),
	})
	bal, err := a.FetchBalance(context.Background())
	if err != nil {
		t.Fatalf("FetchBalance: %v", err)
	}
	if bal["USD"] != 123.45 {
		t.Fatalf("USD = %v", bal["USD"])
	}
}

func TestFetchPositions(t *testing.T) {
	a, v := newAuthedAdapter(t, map[string]http.HandlerFunc{
		"GET /portfolio/positions": jsonReply(`{"market_positions":[{"ticker":"FED-DEC","position":-5,"market_exposure":250},{"ticker":"FLAT","position":0}]}`),
	})
	ps, err := a.FetchPositions(context.Background(), adapter.PositionQuery{MarketID: "FED-DEC"})
	if err != nil {
		t.Fatalf("FetchPositions: %v", err)
	}
	if len(ps) != 1 {
		t.Fatalf("positions = %+v", ps)
	}
	if p := ps[0]; p.Outcome != "No" || p.Size != 5 || p.AveragePrice != 0.5 {
		t.Fatalf("position = %+v", p)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.lastQuery != "ticker=FED-DEC" {
		t.Fatalf("query = %q", v.lastQuery)
	}
}

func TestFetchOpenOrders_Paginates(t *testing.T) {
	var page atomic.Int32
	a, _ := newAuthedAdapter(t, map[string]http.HandlerFunc{
		"GET /portfolio/orders": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("status") != "resting" {
				t.Errorf("status filter = %q", r.URL.Query().Get("status"))
			}
			if page.Add(1) == 1 {
				jsonReply(`{"orders":[{"order_id":"a","status":"resting","yes_price":40,"initial_count":10,"fill_count":4}],"cursor":"n"}`)(w, r)
				return
			}
			jsonReply(`{"orders":[{"order_id":"b","status":"resting","yes_price":41,"initial_count":1}],"cursor":""}`)(w, r)
		},
	})
	orders, err := a.FetchOpenOrders(context.Background(), adapter.OrderQuery{})
	if err != nil {
		t.Fatalf("FetchOpenOrders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("orders = %+v", orders)
	}
	if orders[0].Status != adapter.StatusPartiallyFilled || orders[0].Remaining() != 6 {
		t.Fatalf("partial order = %+v", orders[0])
	}
}

func TestDescribe(t *testing.T) {
	a, _ := newPublicAdapter(t, nil)
	caps := a.Describe()
	for _, c := range adapter.AllCapabilities {
		if !caps.Has(c) {
			t.Fatalf("capability %s not reported", c)
		}
	}
}
