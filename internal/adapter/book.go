package adapter

import (
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

// BookSide selects bids or asks.
type BookSide int

const (
	BidSide BookSide = iota
	AskSide
)

type level struct {
	price decimal.Decimal
	size  decimal.Decimal
}

func levelLess(a, b level) bool { return a.price.LessThan(b.price) }

// Book materializes an orderbook from a snapshot plus incremental updates.
// Levels are keyed by exact decimal price so float noise never creates
// duplicate levels. Not safe for concurrent use; streams own one Book per key.
type Book struct {
	exchange Exchange
	marketID string
	assetID  string
	hash     string

	bids *btree.BTreeG[level]
	asks *btree.BTreeG[level]
}

// NewBook creates an empty Book for one asset.
func NewBook(exchange Exchange, marketID, assetID string) *Book {
	return &Book{
		exchange: exchange,
		marketID: marketID,
		assetID:  assetID,
		bids:     btree.NewG(32, levelLess),
		asks:     btree.NewG(32, levelLess),
	}
}

func (b *Book) side(s BookSide) *btree.BTreeG[level] {
	if s == BidSide {
		return b.bids
	}
	return b.asks
}

// Reset replaces both sides with a snapshot.
func (b *Book) Reset(bids, asks []PriceLevel) {
	b.bids.Clear(false)
	b.asks.Clear(false)
	for _, l := range bids {
		b.Set(BidSide, l.Price, l.Size)
	}
	for _, l := range asks {
		b.Set(AskSide, l.Price, l.Size)
	}
}

// Set assigns an absolute size to a level. A size of zero or less removes it.
func (b *Book) Set(s BookSide, price, size float64) {
	b.setDecimal(s, decimal.NewFromFloat(price), decimal.NewFromFloat(size))
}

func (b *Book) setDecimal(s BookSide, price, size decimal.Decimal) {
	t := b.side(s)
	if !size.IsPositive() {
		t.Delete(level{price: price})
		return
	}
	t.ReplaceOrInsert(level{price: price, size: size})
}

// Add applies a signed size change to a level (Kalshi deltas). A resulting
// size of zero or less removes it.
func (b *Book) Add(s BookSide, price, delta float64) {
	p := decimal.NewFromFloat(price)
	cur := decZero
	if l, ok := b.side(s).Get(level{price: p}); ok {
		cur = l.size
	}
	b.setDecimal(s, p, cur.Add(decimal.NewFromFloat(delta)))
}

// BookEvent is a decoded venue book message, before it is folded into a Book.
type BookEvent struct {
	MarketID string
	AssetID  string

	// Snapshot replaces the whole book. Otherwise levels are updates:
	// absolute sizes, or signed size changes when Additive is set.
	Snapshot bool
	Additive bool

	Bids []PriceLevel
	Asks []PriceLevel

	Hash      string
	Timestamp time.Time
}

// Apply folds ev into the book.
func (b *Book) Apply(ev BookEvent) {
	if ev.MarketID != "" {
		b.marketID = ev.MarketID
	}
	if ev.AssetID != "" {
		b.assetID = ev.AssetID
	}
	if ev.Snapshot {
		b.Reset(ev.Bids, ev.Asks)
	} else {
		apply := b.Set
		if ev.Additive {
			apply = b.Add
		}
		for _, l := range ev.Bids {
			apply(BidSide, l.Price, l.Size)
		}
		for _, l := range ev.Asks {
			apply(AskSide, l.Price, l.Size)
		}
	}
	if ev.Hash != "" {
		b.hash = ev.Hash
	}
}

// SetHash records the venue integrity hash for the next snapshot.
func (b *Book) SetHash(h string) { b.hash = h }

// Len returns the number of levels on a side.
func (b *Book) Len(s BookSide) int { return b.side(s).Len() }

// Snapshot returns the current state: bids descending, asks ascending.
func (b *Book) Snapshot(ts time.Time) Orderbook {
	ob := Orderbook{
		Exchange:  b.exchange,
		MarketID:  b.marketID,
		AssetID:   b.assetID,
		Bids:      make([]PriceLevel, 0, b.bids.Len()),
		Asks:      make([]PriceLevel, 0, b.asks.Len()),
		Timestamp: ts,
		Hash:      b.hash,
	}
	b.bids.Descend(func(l level) bool {
		ob.Bids = append(ob.Bids, toPriceLevel(l))
		return true
	})
	b.asks.Ascend(func(l level) bool {
		ob.Asks = append(ob.Asks, toPriceLevel(l))
		return true
	})
	return ob
}

func toPriceLevel(l level) PriceLevel {
	p, _ := l.price.Float64()
	s, _ := l.size.Float64()
	return PriceLevel{Price: p, Size: s}
}
