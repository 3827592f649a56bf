package predictfun

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/meridian/internal/adapter"
)

const (
	chainBNB        = 56
	chainBNBTestnet = 97

	// noExpiry is the expiration the venue expects on orders without one.
	noExpiry = 4102444800

	// Amounts and prices are 18-decimal integers in multiples of 1e13.
	amountStep = int64(1e13)
)

var maxSalt = big.NewInt(1 << 31)

// exchangeContracts holds the CTF exchange addresses by yield-bearing and
// neg-risk flags.
type exchangeContracts struct {
	yield, yieldNegRisk, plain, plainNegRisk string
}

var (
	mainnetExchanges = exchangeContracts{
		yield:        "0x6bEb5a40C032AFc305961162d8204CDA16DECFa5",
		yieldNegRisk: "0x8A289d458f5a134bA40015085A8F50Ffb681B41d",
		plain:        "0x8BC070BEdAB741406F4B1Eb65A72bee27894B689",
		plainNegRisk: "0x365fb81bd4A24D6303cd2F19c349dE6894D8d58A",
	}
	testnetExchanges = exchangeContracts{
		yield:        "0x8a6B4Fa700A1e310b106E7a48bAFa29111f66e89",
		yieldNegRisk: "0x95D5113bc50eD201e319101bbca3e0E250662fCC",
		plain:        "0x2A6413639BD3d73a20ed8C95F634Ce198ABbd2d7",
		plainNegRisk: "0xd690b2bd441bE36431F6F6639D7Ad351e7B29680",
	}
)

func (c exchangeContracts) pick(yieldBearing, negRisk bool) string {
	switch {
	case yieldBearing && negRisk:
		return c.yieldNegRisk
	case yieldBearing:
		return c.yield
	case negRisk:
		return c.plainNegRisk
	default:
		return c.plain
	}
}

// OrderExt carries Predict.fun order options.
type OrderExt struct {
	// TokenID skips outcome-to-token resolution.
	TokenID string
	// Strategy is LIMIT (default) or MARKET.
	Strategy    string
	SlippageBps int
}

func (a *Adapter) domain(m adapter.Market) adapter.OrderDomain {
	yieldBearing, ok := m.Metadata["is_yield_bearing"].(bool)
	if !ok {
		yieldBearing = true
	}
	negRisk, _ := m.Metadata["is_neg_risk"].(bool)

	d := adapter.OrderDomain{Name: "predict.fun CTF Exchange", Version: "1", ChainID: chainBNB}
	contracts := mainnetExchanges
	if a.cfg.IsDemo() {
		d.ChainID = chainBNBTestnet
		contracts = testnetExchanges
	}
	d.VerifyingContract = contracts.pick(yieldBearing, negRisk)
	return d
}

// orderAmounts returns maker and taker amounts in wei, rounded down to the
// venue's precision.
func orderAmounts(side adapter.Side, price, size float64) (maker, taker decimal.Decimal) {
	shares := adapter.FloatToScaled(size, adapter.PlacesWei, amountStep)
	p := adapter.FloatToScaled(price, adapter.PlacesWei, amountStep)
	notional := adapter.RoundDown(shares.Mul(p).Shift(-adapter.PlacesWei).Truncate(0), amountStep)
	if side == adapter.Sell {
		return shares, notional
	}
	return notional, shares
}

func (a *Adapter) CreateOrder(ctx context.Context, req adapter.OrderRequest) (adapter.Order, error) {
	const op = "create_order"

	if err := adapter.ValidateOrder(adapter.ExchangePredictFun, req); err != nil {
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
		return adapter.Order{}, adapter.Errorf(adapter.ErrInvalidOrder, adapter.ExchangePredictFun, op, "unsupported extension %T", req.Ext)
	}
	strategy := strings.ToUpper(ext.Strategy)
	switch strategy {
	case "":
		strategy = "LIMIT"
		if req.TimeInForce == adapter.IOC || req.TimeInForce == adapter.FOK {
			strategy = "MARKET"
		}
	case "LIMIT", "MARKET":
	default:
		return adapter.Order{}, adapter.Errorf(adapter.ErrInvalidOrder, adapter.ExchangePredictFun, op, "unknown strategy %q", ext.Strategy)
	}
	if ext.SlippageBps < 0 {
		return adapter.Order{}, adapter.Errorf(adapter.ErrInvalidOrder, adapter.ExchangePredictFun, op, "negative slippage %d", ext.SlippageBps)
	}

	makerAmt, takerAmt := orderAmounts(req.Side, req.Price, req.Size)
	if makerAmt.IsZero() || takerAmt.IsZero() {
		return adapter.Order{}, adapter.Errorf(adapter.ErrInvalidOrder, adapter.ExchangePredictFun, op, "size %.6f too small", req.Size)
	}

	if a.cfg.DryRun {
		return adapter.DryRunOrder(req, a.now()), nil
	}
	if a.cfg.Signer == nil {
		return adapter.Order{}, adapter.Wrap(adapter.ErrAuthentication, adapter.ExchangePredictFun, op, errNoSigner)
	}
	maker := a.maker()
	if !common.IsHexAddress(maker) {
		return adapter.Order{}, adapter.Errorf(adapter.ErrAuthentication, adapter.ExchangePredictFun, op, "invalid maker address %q", maker)
	}

	m, err := a.FetchMarket(ctx, req.MarketID)
	if err != nil {
		return adapter.Order{}, err
	}
	tokenID := ext.TokenID
	if tokenID == "" {
		id, ok := m.TokenFor(req.Outcome)
		if !ok {
			return adapter.Order{}, adapter.Errorf(adapter.ErrInvalidOrder, adapter.ExchangePredictFun, op, "market %s has no outcome %q", req.MarketID, req.Outcome)
		}
		tokenID = id
	}
	feeRate, _ := m.Metadata["fee_rate_bps"].(int)

	salt, err := rand.Int(rand.Reader, maxSalt)
	if err != nil {
		return adapter.Order{}, adapter.Wrap(adapter.ErrExchange, adapter.ExchangePredictFun, op, err)
	}
	var side uint8
	if req.Side == adapter.Sell {
		side = 1
	}
	expiration := int64(noExpiry)
	if req.TimeInForce == adapter.GTD {
		expiration = req.ExpiresAt.Unix()
	}
	makerAddr := common.HexToAddress(maker).Hex()
	order := adapter.SignableOrder{
		Salt:          salt.String(),
		Maker:         makerAddr,
		Signer:        makerAddr,
		Taker:         common.Address{}.Hex(),
		TokenID:       tokenID,
		MakerAmount:   makerAmt.String(),
		TakerAmount:   takerAmt.String(),
		Expiration:    strconv.FormatInt(expiration, 10),
		Nonce:         "0",
		FeeRateBps:    strconv.Itoa(feeRate),
		Side:          side,
		SignatureType: a.cfg.Credentials.SignatureType,
	}
	sig, err := a.cfg.Signer.SignOrder(ctx, a.domain(m), order)
	if err != nil {
		return adapter.Order{}, adapter.Wrap(adapter.ErrAuthentication, adapter.ExchangePredictFun, op, err)
	}

	body := createOrderBody{Data: createOrderData{
		PricePerShare: adapter.FloatToScaled(req.Price, adapter.PlacesWei, amountStep).String(),
		Strategy:      strategy,
		SlippageBps:   strconv.Itoa(ext.SlippageBps),
		Order: rawSignedOrder{
			Salt:          order.Salt,
			Maker:         order.Maker,
			Signer:        order.Signer,
			Taker:         order.Taker,
			TokenID:       flexString(order.TokenID),
			MakerAmount:   flexString(order.MakerAmount),
			TakerAmount:   flexString(order.TakerAmount),
			Expiration:    flexString(order.Expiration),
			Nonce:         flexString(order.Nonce),
			FeeRateBps:    flexString(order.FeeRateBps),
			Side:          int(order.Side),
			SignatureType: int(order.SignatureType),
			Signature:     sig,
		},
	}}

	r := a.request(op, http.MethodPost, "/v1/orders")
	r.Body = body
	r.BadRequest = adapter.ErrInvalidOrder
	var resp envelope[createOrderResult]
	if err := a.doAuthed(ctx, r, &resp); err != nil {
		return adapter.Order{}, adapter.Normalize(adapter.ExchangePredictFun, op, err)
	}
	id := string(resp.Data.OrderID)
	if id == "" {
		id = resp.Data.OrderHash
	}
	if id == "" {
		return adapter.Order{}, adapter.Errorf(adapter.ErrExchange, adapter.ExchangePredictFun, op, "response carried no order id")
	}

	now := a.now()
	tif := req.TimeInForce
	if tif == "" {
		tif = adapter.GTC
	}
	return adapter.Order{
		ID:          id,
		MarketID:    req.MarketID,
		Outcome:     req.Outcome,
		Side:        req.Side,
		Price:       req.Price,
		Size:        req.Size,
		TimeInForce: tif,
		Status:      adapter.StatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// CancelOrder is idempotent: an order already cancelled or filled is
// fetched and returned.
func (a *Adapter) CancelOrder(ctx context.Context, id string, opts adapter.OrderOptions) (adapter.Order, error) {
	const op = "cancel_order"

	var body removeBody
	body.Data.IDs = []string{id}
	r := a.request(op, http.MethodPost, "/v1/orders/remove")
	r.Body = body
	r.NotFound = adapter.ErrExchange
	var resp envelope[json.RawMessage]
	err := a.doAuthed(ctx, r, &resp)
	if err != nil && !errors.Is(err, adapter.ErrExchange) {
		return adapter.Order{}, adapter.Normalize(adapter.ExchangePredictFun, op, err)
	}

	o, ferr := a.FetchOrder(ctx, id, opts)
	if err != nil {
		if ferr == nil && o.Terminal() {
			if a.cfg.Verbose {
				log.Printf("predictfun: order %s already %s", id, o.Status)
			}
			return o, nil
		}
		return adapter.Order{}, adapter.Normalize(adapter.ExchangePredictFun, op, err)
	}

	if ferr != nil {
		return adapter.Order{}, adapter.Normalize(adapter.ExchangePredictFun, op,
			fmt.Errorf("order %s cancelled, reading it back: %w", id, ferr))
	}
	if !o.Terminal() {
		o.Status = adapter.StatusCancelled
	}
	return o, nil
}

func (a *Adapter) FetchOrder(ctx context.Context, id string, _ adapter.OrderOptions) (adapter.Order, error) {
	const op = "fetch_order"
	r := a.request(op, http.MethodGet, "/v1/orders/"+url.PathEscape(id))
	r.NotFound = adapter.ErrExchange
	var resp envelope[rawOrder]
	if err := a.doAuthed(ctx, r, &resp); err != nil {
		return adapter.Order{}, adapter.Normalize(adapter.ExchangePredictFun, op, err)
	}
	o, err := parseOrder(resp.Data, a.outcomeOf)
	if err != nil {
		return adapter.Order{}, adapter.Wrap(adapter.ErrExchange, adapter.ExchangePredictFun, op, err)
	}
	if o.ID == "" {
		return adapter.Order{}, adapter.Errorf(adapter.ErrExchange, adapter.ExchangePredictFun, op, "order %s not found", id)
	}
	return o, nil
}

func (a *Adapter) FetchOpenOrders(ctx context.Context, q adapter.OrderQuery) ([]adapter.Order, error) {
	const op = "fetch_open_orders"

	var (
		orders []adapter.Order
		cursor string
	)
	for {
		r := a.request(op, http.MethodGet, "/v1/orders")
		r.Query = url.Values{"status": {"OPEN"}}
		if q.MarketID != "" {
			r.Query.Set("marketId", q.MarketID)
		}
		if cursor != "" {
			r.Query.Set("after", cursor)
		}
		var page envelope[[]rawOrder]
		if err := a.doAuthed(ctx, r, &page); err != nil {
			return nil, adapter.Normalize(adapter.ExchangePredictFun, op, err)
		}
		for _, ro := range page.Data {
			o, err := parseOrder(ro, a.outcomeOf)
			if err != nil {
				return nil, adapter.Wrap(adapter.ErrExchange, adapter.ExchangePredictFun, op, err)
			}
			orders = append(orders, o)
		}
		if page.Cursor == "" || len(page.Data) == 0 {
			return orders, nil
		}
		cursor = page.Cursor
	}
}

func (a *Adapter) FetchPositions(ctx context.Context, q adapter.PositionQuery) ([]adapter.Position, error) {
	const op = "fetch_positions"
	r := a.request(op, http.MethodGet, "/v1/positions")
	if q.MarketID != "" {
		r.Query = url.Values{"marketId": {q.MarketID}}
	}
	var resp envelope[[]rawPosition]
	if err := a.doAuthed(ctx, r, &resp); err != nil {
		return nil, adapter.Normalize(adapter.ExchangePredictFun, op, err)
	}
	positions := make([]adapter.Position, 0, len(resp.Data))
	for _, rp := range resp.Data {
		p := parsePosition(rp)
		if p.Size <= 0 {
			continue
		}
		positions = append(positions, p)
	}
	return positions, nil
}
