package poly

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/meridian/internal/adapter"
)

// L2 header names.
const (
	headerAddress    = "POLY_ADDRESS"
	headerSignature  = "POLY_SIGNATURE"
	headerTimestamp  = "POLY_TIMESTAMP"
	headerAPIKey     = "POLY_API_KEY"
	headerPassphrase = "POLY_PASSPHRASE"
)

// CTF exchange contracts. Neg-risk markets settle through their own exchange.
const (
	exchangeContract        = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	negRiskExchangeContract = "0xC5d563A36AE78145C45a50134d48A1215220f80a"

	chainPolygon = 137
	chainAmoy    = 80002
)

// OrderExt carries Polymarket-specific order options.
type OrderExt struct {
	// TokenID skips outcome-to-token resolution.
	TokenID    string
	FeeRateBps int
	// TickSize and NegRisk override what the market reports.
	TickSize float64
	NegRisk  *bool
}

// l2Auth produces the HMAC headers for authenticated CLOB calls.
type l2Auth struct {
	apiKey     string
	secret     []byte
	passphrase string
	address    string
	now        func() time.Time
}

func newL2Auth(creds adapter.Credentials, address string) (*l2Auth, error) {
	if creds.APIKey == "" || creds.APISecret == "" || creds.APIPassphrase == "" {
		return nil, errNoCredentials
	}
	if address == "" {
		return nil, errors.New("wallet address required with api credentials")
	}
	secret, err := base64.URLEncoding.DecodeString(creds.APISecret)
	if err != nil {
		if secret, err = base64.StdEncoding.DecodeString(creds.APISecret); err != nil {
			return nil, fmt.Errorf("decode api secret: %w", err)
		}
	}
	return &l2Auth{
		apiKey:     creds.APIKey,
		secret:     secret,
		passphrase: creds.APIPassphrase,
		address:    address,
		now:        time.Now,
	}, nil
}

// signature is the url-safe base64 HMAC-SHA256 of ts+method+path+body.
func (l *l2Auth) signature(ts, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, l.secret)
	mac.Write([]byte(ts + method + path))
	mac.Write(body)
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

// Sign is the executor hook.
func (l *l2Auth) Sign(r *http.Request, body []byte) error {
	ts := strconv.FormatInt(l.now().Unix(), 10)
	r.Header.Set(headerAddress, l.address)
	r.Header.Set(headerSignature, l.signature(ts, r.Method, r.URL.Path, body))
	r.Header.Set(headerTimestamp, ts)
	r.Header.Set(headerAPIKey, l.apiKey)
	r.Header.Set(headerPassphrase, l.passphrase)
	return nil
}

func (a *Adapter) requireL2(op string) error {
	if a.l2 == nil {
		return adapter.Wrap(adapter.ErrAuthentication, adapter.ExchangePolymarket, op, errNoCredentials)
	}
	return nil
}

func (a *Adapter) authed(op, method, path string) adapter.Request {
	return adapter.Request{Op: op, Method: method, URL: path, Sign: a.l2.Sign}
}

// --- Orders ---

type postOrder struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType uint8  `json:"signatureType"`
	Signature     string `json:"signature"`
}

type postOrderRequest struct {
	Order     postOrder `json:"order"`
	Owner     string    `json:"owner"`
	OrderType string    `json:"orderType"`
}

type postOrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
}

type cancelRequest struct {
	OrderID string `json:"orderID"`
}

type cancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

type rawBalance struct {
	Balance string `json:"balance"`
}

var maxSalt = big.NewInt(1 << 53)

// CreateOrder signs a CTF exchange order through the configured Signer and
// posts it to the CLOB.
func (a *Adapter) CreateOrder(ctx context.Context, req adapter.OrderRequest) (adapter.Order, error) {
	const op = "create_order"

	if err := adapter.ValidateOrder(adapter.ExchangePolymarket, req); err != nil {
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
		return adapter.Order{}, adapter.Errorf(adapter.ErrInvalidOrder, adapter.ExchangePolymarket, op, "unsupported extension %T", req.Ext)
	}
	if ext.FeeRateBps < 0 {
		return adapter.Order{}, adapter.Errorf(adapter.ErrInvalidOrder, adapter.ExchangePolymarket, op, "negative fee rate %d", ext.FeeRateBps)
	}

	if a.cfg.DryRun {
		return adapter.DryRunOrder(req, a.now()), nil
	}
	if a.cfg.Signer == nil {
		return adapter.Order{}, adapter.Errorf(adapter.ErrAuthentication, adapter.ExchangePolymarket, op, "no signer configured")
	}
	if err := a.requireL2(op); err != nil {
		return adapter.Order{}, err
	}

	tokenID, tick, negRisk, err := a.orderTarget(ctx, req, ext)
	if err != nil {
		return adapter.Order{}, err
	}
	price := adapter.RoundToTick(req.Price, tick)
	if price <= 0 || price >= 1 {
		return adapter.Order{}, adapter.Errorf(adapter.ErrInvalidOrder, adapter.ExchangePolymarket, op, "price %.4f rounds outside the book at tick %v", req.Price, tick)
	}

	makerAmt, takerAmt := orderAmounts(req.Side, price, req.Size)
	if makerAmt.IsZero() || takerAmt.IsZero() {
		return adapter.Order{}, adapter.Errorf(adapter.ErrInvalidOrder, adapter.ExchangePolymarket, op, "size %.4f too small", req.Size)
	}

	salt, err := rand.Int(rand.Reader, maxSalt)
	if err != nil {
		return adapter.Order{}, adapter.Wrap(adapter.ErrExchange, adapter.ExchangePolymarket, op, err)
	}
	signerAddr := a.cfg.Signer.Address()
	if !common.IsHexAddress(signerAddr) || !common.IsHexAddress(a.funder()) {
		return adapter.Order{}, adapter.Errorf(adapter.ErrAuthentication, adapter.ExchangePolymarket, op, "invalid wallet address")
	}

	var side uint8
	if req.Side == adapter.Sell {
		side = 1
	}
	expiration := "0"
	if req.TimeInForce == adapter.GTD {
		expiration = strconv.FormatInt(req.ExpiresAt.Unix(), 10)
	}
	order := adapter.SignableOrder{
		Salt:          salt.String(),
		Maker:         common.HexToAddress(a.funder()).Hex(),
		Signer:        common.HexToAddress(signerAddr).Hex(),
		Taker:         common.Address{}.Hex(),
		TokenID:       tokenID,
		MakerAmount:   makerAmt.String(),
		TakerAmount:   takerAmt.String(),
		Expiration:    expiration,
		Nonce:         "0",
		FeeRateBps:    strconv.Itoa(ext.FeeRateBps),
		Side:          side,
		SignatureType: a.cfg.Credentials.SignatureType,
	}

	sig, err := a.cfg.Signer.SignOrder(ctx, a.domain(negRisk), order)
	if err != nil {
		return adapter.Order{}, adapter.Wrap(adapter.ErrAuthentication, adapter.ExchangePolymarket, op, err)
	}

	body := postOrderRequest{
		Order: postOrder{
			Salt:          salt.Int64(),
			Maker:         order.Maker,
			Signer:        order.Signer,
			Taker:         order.Taker,
			TokenID:       order.TokenID,
			MakerAmount:   order.MakerAmount,
			TakerAmount:   order.TakerAmount,
			Expiration:    order.Expiration,
			Nonce:         order.Nonce,
			FeeRateBps:    order.FeeRateBps,
			Side:          strings.ToUpper(string(req.Side)),
			SignatureType: order.SignatureType,
			Signature:     sig,
		},
		Owner:     a.l2.apiKey,
		OrderType: wireOrderType(req.TimeInForce),
	}

	r := a.authed(op, http.MethodPost, "/order")
	r.Body = body
	r.BadRequest = adapter.ErrInvalidOrder
	var resp postOrderResponse
	if err := a.exec.DoJSON(ctx, r, &resp); err != nil {
		return adapter.Order{}, adapter.Normalize(adapter.ExchangePolymarket, op, err)
	}
	if !resp.Success || resp.OrderID == "" {
		return adapter.Order{}, adapter.Errorf(adapter.ErrInvalidOrder, adapter.ExchangePolymarket, op, "order rejected: %s", resp.ErrorMsg)
	}

	now := a.now()
	tif := req.TimeInForce
	if tif == "" {
		tif = adapter.GTC
	}
	status := statusOf(resp.Status)
	return adapter.Order{
		ID:          resp.OrderID,
		MarketID:    req.MarketID,
		Outcome:     req.Outcome,
		Side:        req.Side,
		Price:       price,
		Size:        req.Size,
		TimeInForce: tif,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// orderTarget resolves the outcome token, tick size and neg-risk flag,
// fetching the market only when the extension leaves something open.
func (a *Adapter) orderTarget(ctx context.Context, req adapter.OrderRequest, ext OrderExt) (string, float64, bool, error) {
	const op = "create_order"
	tokenID, tick := ext.TokenID, ext.TickSize
	negRisk := ext.NegRisk != nil && *ext.NegRisk
	if tokenID != "" && tick > 0 && ext.NegRisk != nil {
		return tokenID, tick, negRisk, nil
	}

	m, err := a.FetchMarket(ctx, req.MarketID)
	if err != nil {
		return "", 0, false, err
	}
	if tokenID == "" {
		if _, err := a.FetchTokenIDs(ctx, &m); err != nil {
			return "", 0, false, err
		}
		id, ok := m.TokenFor(req.Outcome)
		if !ok {
			return "", 0, false, adapter.Errorf(adapter.ErrInvalidOrder, adapter.ExchangePolymarket, op, "market %s has no outcome %q", req.MarketID, req.Outcome)
		}
		tokenID = id
	}
	if tick <= 0 {
		tick = m.TickSize
	}
	if ext.NegRisk == nil {
		negRisk, _ = m.Metadata["neg_risk"].(bool)
	}
	return tokenID, tick, negRisk, nil
}

// orderAmounts returns maker and taker amounts in USDC base units. Shares are
// truncated to 2 places and notional to 4.
func orderAmounts(side adapter.Side, price, size float64) (maker, taker decimal.Decimal) {
	shares := decimal.NewFromFloat(size).Truncate(2)
	notional := shares.Mul(decimal.NewFromFloat(price)).Truncate(4)
	shares = shares.Shift(adapter.PlacesUSDC)
	notional = notional.Shift(adapter.PlacesUSDC)
	if side == adapter.Sell {
		return shares, notional
	}
	return notional, shares
}

func wireOrderType(tif adapter.TimeInForce) string {
	switch tif {
	case adapter.FOK:
		return "FOK"
	case adapter.IOC:
		return "FAK"
	case adapter.GTD:
		return "GTD"
	default:
		return "GTC"
	}
}

func (a *Adapter) domain(negRisk bool) adapter.OrderDomain {
	d := adapter.OrderDomain{
		Name:              "Polymarket CTF Exchange",
		Version:           "1",
		ChainID:           chainPolygon,
		VerifyingContract: exchangeContract,
	}
	if a.cfg.IsDemo() {
		d.ChainID = chainAmoy
	}
	if negRisk {
		d.VerifyingContract = negRiskExchangeContract
	}
	return d
}

// CancelOrder is idempotent: an order that is already cancelled or filled is
// returned as-is.
func (a *Adapter) CancelOrder(ctx context.Context, id string, opts adapter.OrderOptions) (adapter.Order, error) {
	const op = "cancel_order"
	if err := a.requireL2(op); err != nil {
		return adapter.Order{}, err
	}

	r := a.authed(op, http.MethodDelete, "/order")
	r.Body = cancelRequest{OrderID: id}
	r.NotFound = adapter.ErrExchange
	var resp cancelResponse
	if err := a.exec.DoJSON(ctx, r, &resp); err != nil {
		return adapter.Order{}, adapter.Normalize(adapter.ExchangePolymarket, op, err)
	}

	for _, c := range resp.Canceled {
		if c != id {
			continue
		}
		o, err := a.FetchOrder(ctx, id, opts)
		if err != nil {
			return adapter.Order{}, adapter.Normalize(adapter.ExchangePolymarket, op,
				fmt.Errorf("order %s cancelled, reading it back: %w", id, err))
		}
		o.Status = adapter.StatusCancelled
		return o, nil
	}

	reason := resp.NotCanceled[id]
	o, err := a.FetchOrder(ctx, id, opts)
	if err == nil && o.Terminal() {
		if a.cfg.Verbose {
			log.Printf("poly: order %s already %s", id, o.Status)
		}
		return o, nil
	}
	if reason == "" {
		reason = "not cancelled"
	}
	return adapter.Order{}, adapter.Errorf(adapter.ErrExchange, adapter.ExchangePolymarket, op, "order %s: %s", id, reason)
}

func (a *Adapter) FetchOrder(ctx context.Context, id string, _ adapter.OrderOptions) (adapter.Order, error) {
	const op = "fetch_order"
	if err := a.requireL2(op); err != nil {
		return adapter.Order{}, err
	}

	r := a.authed(op, http.MethodGet, "/data/order/"+url.PathEscape(id))
	r.NotFound = adapter.ErrExchange
	var raw rawOrder
	if err := a.exec.DoJSON(ctx, r, &raw); err != nil {
		return adapter.Order{}, adapter.Normalize(adapter.ExchangePolymarket, op, err)
	}
	if raw.ID == "" {
		return adapter.Order{}, adapter.Errorf(adapter.ErrExchange, adapter.ExchangePolymarket, op, "order %s not found", id)
	}
	o, err := parseOrder(raw)
	if err != nil {
		return adapter.Order{}, adapter.Wrap(adapter.ErrExchange, adapter.ExchangePolymarket, op, err)
	}
	return o, nil
}

// FetchOpenOrders pages through live orders. OrderQuery.MarketID filters by
// condition id.
func (a *Adapter) FetchOpenOrders(ctx context.Context, q adapter.OrderQuery) ([]adapter.Order, error) {
	const op = "fetch_open_orders"
	if err := a.requireL2(op); err != nil {
		return nil, err
	}

	var (
		orders []adapter.Order
		cursor string
	)
	for {
		r := a.authed(op, http.MethodGet, "/data/orders")
		r.Query = url.Values{}
		if q.MarketID != "" {
			r.Query.Set("market", q.MarketID)
		}
		if cursor != "" {
			r.Query.Set("next_cursor", cursor)
		}
		var page rawOrdersPage
		if err := a.exec.DoJSON(ctx, r, &page); err != nil {
			return nil, adapter.Normalize(adapter.ExchangePolymarket, op, err)
		}
		for _, ro := range page.Data {
			o, err := parseOrder(ro)
			if err != nil {
				return nil, adapter.Wrap(adapter.ErrExchange, adapter.ExchangePolymarket, op, err)
			}
			orders = append(orders, o)
		}
		if page.NextCursor == "" || page.NextCursor == endCursor || len(page.Data) == 0 {
			return orders, nil
		}
		cursor = page.NextCursor
	}
}

// FetchPositions reads the funder's positions from the Data API.
func (a *Adapter) FetchPositions(ctx context.Context, q adapter.PositionQuery) ([]adapter.Position, error) {
	const op = "fetch_positions"
	user := a.funder()
	if user == "" {
		return nil, adapter.Errorf(adapter.ErrAuthentication, adapter.ExchangePolymarket, op, "wallet address required")
	}

	query := url.Values{"user": {user}}
	if q.MarketID != "" {
		query.Set("market", q.MarketID)
	}
	var raw []rawPosition
	req := adapter.Request{Op: op, URL: a.hosts.Data + "/positions", Query: query}
	if err := a.exec.DoJSON(ctx, req, &raw); err != nil {
		return nil, adapter.Normalize(adapter.ExchangePolymarket, op, err)
	}

	positions := make([]adapter.Position, 0, len(raw))
	for _, p := range raw {
		if p.Size == 0 {
			continue
		}
		positions = append(positions, adapter.Position{
			MarketID:     p.ConditionID,
			Outcome:      p.Outcome,
			Size:         p.Size,
			AveragePrice: p.AvgPrice,
			CurrentPrice: p.CurPrice,
		})
	}
	return positions, nil
}

// FetchBalance returns available USDC collateral.
func (a *Adapter) FetchBalance(ctx context.Context) (adapter.Balance, error) {
	const op = "fetch_balance"
	if err := a.requireL2(op); err != nil {
		return nil, err
	}

	r := a.authed(op, http.MethodGet, "/balance-allowance")
	r.Query = url.Values{
		"asset_type":     {"COLLATERAL"},
		"signature_type": {strconv.Itoa(int(a.cfg.Credentials.SignatureType))},
	}
	var raw rawBalance
	if err := a.exec.DoJSON(ctx, r, &raw); err != nil {
		return nil, adapter.Normalize(adapter.ExchangePolymarket, op, err)
	}
	usdc, err := adapter.ScaledToFloat(raw.Balance, adapter.PlacesUSDC)
	if err != nil {
		return nil, adapter.Wrap(adapter.ErrExchange, adapter.ExchangePolymarket, op, err)
	}
	return adapter.Balance{"USDC": usdc}, nil
}
