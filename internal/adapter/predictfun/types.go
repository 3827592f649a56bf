package predictfun

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/meridian/internal/adapter"
)

// flexString accepts JSON strings and numbers. Market ids and token ids
// arrive as either.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	*s = flexString(b)
	return nil
}

// flexFloat accepts numbers and numeric strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// rawLevel decodes [price, size] pairs and {"price","size"} objects.
type rawLevel struct {
	Price float64
	Size  float64
}

func (l *rawLevel) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '[' {
		var pair []flexFloat
		if err := json.Unmarshal(b, &pair); err != nil {
			return err
		}
		if len(pair) >= 2 {
			l.Price, l.Size = float64(pair[0]), float64(pair[1])
		}
		return nil
	}
	var obj struct {
		Price flexFloat `json:"price"`
		Size  flexFloat `json:"size"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	l.Price, l.Size = float64(obj.Price), float64(obj.Size)
	return nil
}

type envelope[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Cursor  string `json:"cursor"`
	Data    T      `json:"data"`
}

type rawOutcome struct {
	Name      string     `json:"name"`
	IndexSet  int        `json:"indexSet"`
	OnChainID flexString `json:"onChainId"`
}

type rawMarket struct {
	ID               flexString   `json:"id"`
	Title            string       `json:"title"`
	Question         string       `json:"question"`
	Status           string       `json:"status"`
	IsNegRisk        bool         `json:"isNegRisk"`
	IsYieldBearing   *bool        `json:"isYieldBearing"`
	FeeRateBps       int          `json:"feeRateBps"`
	ConditionID      string       `json:"conditionId"`
	CategorySlug     string       `json:"categorySlug"`
	DecimalPrecision *int         `json:"decimalPrecision"`
	Volume           flexFloat    `json:"volume"`
	Liquidity        flexFloat    `json:"liquidity"`
	Outcomes         []rawOutcome `json:"outcomes"`
}

type rawCategory struct {
	ID      flexString  `json:"id"`
	Slug    string      `json:"slug"`
	Title   string      `json:"title"`
	Markets []rawMarket `json:"markets"`
}

type rawBook struct {
	MarketID          flexString `json:"marketId"`
	UpdateTimestampMs int64      `json:"updateTimestampMs"`
	Timestamp         int64      `json:"timestamp"`
	Bids              []rawLevel `json:"bids"`
	Asks              []rawLevel `json:"asks"`
}

type rawSignedOrder struct {
	Hash          string     `json:"hash,omitempty"`
	Salt          string     `json:"salt"`
	Maker         string     `json:"maker"`
	Signer        string     `json:"signer"`
	Taker         string     `json:"taker"`
	TokenID       flexString `json:"tokenId"`
	MakerAmount   flexString `json:"makerAmount"`
	TakerAmount   flexString `json:"takerAmount"`
	Expiration    flexString `json:"expiration"`
	Nonce         flexString `json:"nonce"`
	FeeRateBps    flexString `json:"feeRateBps"`
	Side          int        `json:"side"`
	SignatureType int        `json:"signatureType"`
	Signature     string     `json:"signature,omitempty"`
}

type createOrderData struct {
	PricePerShare string         `json:"pricePerShare"`
	Strategy      string         `json:"strategy"`
	SlippageBps   string         `json:"slippageBps"`
	Order         rawSignedOrder `json:"order"`
}

type createOrderBody struct {
	Data createOrderData `json:"data"`
}

type createOrderResult struct {
	Code      string     `json:"code"`
	OrderID   flexString `json:"orderId"`
	OrderHash string     `json:"orderHash"`
}

type removeBody struct {
	Data struct {
		IDs []string `json:"ids"`
	} `json:"data"`
}

type rawOrder struct {
	ID            flexString      `json:"id"`
	MarketID      flexString      `json:"marketId"`
	Status        string          `json:"status"`
	Strategy      string          `json:"strategy"`
	Amount        flexString      `json:"amount"`
	AmountFilled  flexString      `json:"amountFilled"`
	PricePerShare flexString      `json:"pricePerShare"`
	Order         *rawSignedOrder `json:"order"`
	CreatedAt     string          `json:"createdAt"`
	UpdatedAt     string          `json:"updatedAt"`
}

type rawPosition struct {
	Market struct {
		ID flexString `json:"id"`
	} `json:"market"`
	MarketID flexString `json:"marketId"`
	Outcome  struct {
		Name      string     `json:"name"`
		OnChainID flexString `json:"onChainId"`
	} `json:"outcome"`
	Amount       flexString `json:"amount"`
	AvgPrice     flexFloat  `json:"avgPrice"`
	CurrentPrice flexFloat  `json:"currentPrice"`
}

// --- Normalization ---

var orderStatus = map[string]adapter.OrderStatus{
	"PENDING":          adapter.StatusPending,
	"OPEN":             adapter.StatusOpen,
	"LIVE":             adapter.StatusOpen,
	"ACTIVE":           adapter.StatusOpen,
	"FILLED":           adapter.StatusFilled,
	"MATCHED":          adapter.StatusFilled,
	"PARTIALLY_FILLED": adapter.StatusPartiallyFilled,
	"CANCELLED":        adapter.StatusCancelled,
	"CANCELED":         adapter.StatusCancelled,
	"EXPIRED":          adapter.StatusCancelled,
	"INVALIDATED":      adapter.StatusRejected,
}

func statusOf(s string) adapter.OrderStatus {
	if st, ok := orderStatus[strings.ToUpper(s)]; ok {
		return st
	}
	return adapter.StatusOpen
}

func parseMarket(rm rawMarket) adapter.Market {
	question := rm.Question
	if question == "" {
		question = rm.Title
	}
	yieldBearing := rm.IsYieldBearing == nil || *rm.IsYieldBearing

	m := adapter.Market{
		ID:        string(rm.ID),
		Question:  question,
		Prices:    map[string]float64{},
		Volume:    float64(rm.Volume),
		Liquidity: float64(rm.Liquidity),
		TickSize:  0.01,
		Metadata: map[string]any{
			"is_neg_risk":      rm.IsNegRisk,
			"is_yield_bearing": yieldBearing,
			"fee_rate_bps":     rm.FeeRateBps,
			"condition_id":     rm.ConditionID,
			"category_slug":    rm.CategorySlug,
		},
	}
	if rm.DecimalPrecision != nil {
		m.TickSize, _ = decimal.New(1, -int32(*rm.DecimalPrecision)).Float64()
	}

	var ids []string
	for _, o := range rm.Outcomes {
		if o.Name == "" {
			continue
		}
		m.Outcomes = append(m.Outcomes, o.Name)
		if o.OnChainID != "" {
			ids = append(ids, string(o.OnChainID))
		}
	}
	if len(m.Outcomes) == 0 {
		m.Outcomes = []string{"Yes", "No"}
	}
	if len(ids) > 0 {
		m.SetTokenIDs(ids)
	}

	switch strings.ToUpper(rm.Status) {
	case "", "REGISTERED", "ACTIVE", "OPEN":
		m.Status = adapter.MarketOpen
	case "RESOLVED":
		m.Status = adapter.MarketResolved
	default:
		m.Status = adapter.MarketClosed
	}
	return m
}

// weiToFloat converts an 18-decimal integer string.
func weiToFloat(s flexString) float64 {
	f, err := adapter.ScaledToFloat(string(s), adapter.PlacesWei)
	if err != nil {
		return 0
	}
	return f
}

// parseOrder normalizes an order record. Price comes from the signed
// amounts when present: maker/taker for buys, taker/maker for sells. Empty
// amounts read as zero; malformed ones are an error.
func parseOrder(ro rawOrder, outcomeOf func(tokenID string) string) (adapter.Order, error) {
	size, err := weiField(ro.ID, "amount", ro.Amount)
	if err != nil {
		return adapter.Order{}, err
	}
	filled, err := weiField(ro.ID, "amountFilled", ro.AmountFilled)
	if err != nil {
		return adapter.Order{}, err
	}
	o := adapter.Order{
		ID:          string(ro.ID),
		MarketID:    string(ro.MarketID),
		Side:        adapter.Buy,
		Status:      statusOf(ro.Status),
		TimeInForce: adapter.GTC,
		Size:        size,
		Filled:      filled,
	}
	if strings.EqualFold(ro.Strategy, "MARKET") {
		o.TimeInForce = adapter.IOC
	}

	if so := ro.Order; so != nil {
		if o.ID == "" {
			o.ID = so.Hash
		}
		if so.Side == 1 {
			o.Side = adapter.Sell
		}
		maker, err := decimal.NewFromString(string(so.MakerAmount))
		if err != nil {
			return adapter.Order{}, fmt.Errorf("order %s: makerAmount: %w", o.ID, err)
		}
		taker, err := decimal.NewFromString(string(so.TakerAmount))
		if err != nil {
			return adapter.Order{}, fmt.Errorf("order %s: takerAmount: %w", o.ID, err)
		}
		num, den := maker, taker
		if o.Side == adapter.Sell {
			num, den = taker, maker
		}
		if den.IsPositive() {
			o.Price, _ = num.Div(den).Round(6).Float64()
		}
		if o.Size == 0 {
			shares := taker
			if o.Side == adapter.Sell {
				shares = maker
			}
			o.Size, _ = adapter.FromNative(shares, adapter.PlacesWei).Float64()
		}
		if outcomeOf != nil {
			o.Outcome = outcomeOf(string(so.TokenID))
		}
	}
	if o.Price == 0 && ro.PricePerShare != "" {
		if o.Price, err = weiField(ro.ID, "pricePerShare", ro.PricePerShare); err != nil {
			return adapter.Order{}, err
		}
	}

	if o.Status == adapter.StatusOpen && o.Filled > 0 && o.Filled < o.Size {
		o.Status = adapter.StatusPartiallyFilled
	}
	if t, err := time.Parse(time.RFC3339, ro.CreatedAt); err == nil {
		o.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, ro.UpdatedAt); err == nil {
		o.UpdatedAt = t
	}
	return o, nil
}

func weiField(id flexString, name string, s flexString) (float64, error) {
	if s == "" {
		return 0, nil
	}
	f, err := adapter.ScaledToFloat(string(s), adapter.PlacesWei)
	if err != nil {
		return 0, fmt.Errorf("order %s: %s: %w", id, name, err)
	}
	return f, nil
}

func parsePosition(rp rawPosition) adapter.Position {
	id := rp.Market.ID
	if id == "" {
		id = rp.MarketID
	}
	return adapter.Position{
		MarketID:     string(id),
		Outcome:      rp.Outcome.Name,
		Size:         weiToFloat(rp.Amount),
		AveragePrice: float64(rp.AvgPrice),
		CurrentPrice: float64(rp.CurrentPrice),
	}
}

// bookLevels converts raw levels for the first outcome, or the second
// outcome's view of them: prices complemented and sides swapped.
func bookLevels(bids, asks []rawLevel, second bool) ([]adapter.PriceLevel, []adapter.PriceLevel) {
	conv := func(raw []rawLevel, invert bool) []adapter.PriceLevel {
		out := make([]adapter.PriceLevel, 0, len(raw))
		for _, r := range raw {
			p := r.Price
			if invert {
				p = adapter.Complement(p)
			}
			if p <= 0 || p > 1 {
				continue
			}
			out = append(out, adapter.PriceLevel{Price: p, Size: r.Size})
		}
		return out
	}
	if second {
		return adapter.SortLevels(conv(asks, true), conv(bids, true))
	}
	return adapter.SortLevels(conv(bids, false), conv(asks, false))
}
