package kalshi

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/caesar-terminal/meridian/internal/adapter"
)

const channelOrderbook = "orderbook_delta"

// command is the Kalshi WebSocket command envelope.
type command struct {
	ID     int           `json:"id"`
	Cmd    string        `json:"cmd"`
	Params commandParams `json:"params"`
}

type commandParams struct {
	Channels      []string `json:"channels,omitempty"`
	MarketTickers []string `json:"market_tickers,omitempty"`
	SIDs          []int    `json:"sids,omitempty"`
}

type rawEnvelope struct {
	ID   int             `json:"id"`
	Type string          `json:"type"`
	SID  int             `json:"sid"`
	Seq  int             `json:"seq"`
	Msg  json.RawMessage `json:"msg"`
}

type rawSubscribed struct {
	Channel string `json:"channel"`
	SID     int    `json:"sid"`
}

type rawSnapshot struct {
	MarketTicker string   `json:"market_ticker"`
	Yes          [][2]int `json:"yes"`
	No           [][2]int `json:"no"`
}

type rawDelta struct {
	MarketTicker string `json:"market_ticker"`
	Price        int    `json:"price"`
	Delta        int    `json:"delta"`
	Side         string `json:"side"`
	Ts           string `json:"ts"`
}

type rawError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// dialect speaks the orderbook_delta channel. Kalshi assigns a sid per
// subscription in its "subscribed" ack; unsubscribing needs that sid, so
// the mapping is tracked per connection.
type dialect struct {
	nextID  int
	pending map[int]string // command id -> ticker
	sids    map[string]int // ticker -> sid
	tickers map[int]string // sid -> ticker
	seqs    map[int]int    // sid -> last seq
}

func newDialect() *dialect {
	d := &dialect{}
	d.Reset()
	return d
}

// Reset drops per-connection sid state.
func (d *dialect) Reset() {
	d.pending = make(map[int]string)
	d.sids = make(map[string]int)
	d.tickers = make(map[int]string)
	d.seqs = make(map[int]int)
}

func (d *dialect) Subscribe(sub adapter.Subscription) ([][]byte, error) {
	frame, err := d.subscribe(sub.Key)
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (d *dialect) subscribe(ticker string) ([]byte, error) {
	d.nextID++
	d.pending[d.nextID] = ticker
	return json.Marshal(command{
		ID:  d.nextID,
		Cmd: "subscribe",
		Params: commandParams{
			Channels:      []string{channelOrderbook},
			MarketTickers: []string{ticker},
		},
	})
}

func (d *dialect) Unsubscribe(sub adapter.Subscription) ([][]byte, error) {
	sid, ok := d.sids[sub.Key]
	if !ok {
		// Not acked yet; forget the pending command so a late ack is ignored.
		for id, t := range d.pending {
			if t == sub.Key {
				delete(d.pending, id)
			}
		}
		return nil, nil
	}
	frame, err := d.unsubscribe(sid)
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (d *dialect) unsubscribe(sid int) ([]byte, error) {
	delete(d.sids, d.tickers[sid])
	delete(d.tickers, sid)
	delete(d.seqs, sid)
	d.nextID++
	return json.Marshal(command{
		ID:     d.nextID,
		Cmd:    "unsubscribe",
		Params: commandParams{SIDs: []int{sid}},
	})
}

func (d *dialect) Route(frame []byte) ([]adapter.Delivery, [][]byte, error) {
	var env rawEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, nil, fmt.Errorf("kalshi: invalid JSON: %w", err)
	}

	switch env.Type {
	case "subscribed":
		d.handleSubscribed(env)
		return nil, nil, nil
	case "orderbook_snapshot":
		return d.handleSnapshot(env)
	case "orderbook_delta":
		return d.handleDelta(env)
	case "error":
		var e rawError
		if err := json.Unmarshal(env.Msg, &e); err != nil {
			log.Printf("kalshi: failed to parse error frame: %v", err)
			return nil, nil, nil
		}
		log.Printf("kalshi: exchange error %d: %s", e.Code, e.Msg)
		return nil, nil, nil
	default:
		// unsubscribed, ok and other acks
		return nil, nil, nil
	}
}

func (d *dialect) handleSubscribed(env rawEnvelope) {
	var ack rawSubscribed
	if err := json.Unmarshal(env.Msg, &ack); err != nil {
		log.Printf("kalshi: failed to parse subscribed ack: %v", err)
		return
	}
	ticker, ok := d.pending[env.ID]
	if !ok {
		return
	}
	delete(d.pending, env.ID)
	d.sids[ticker] = ack.SID
	d.tickers[ack.SID] = ticker
}

func (d *dialect) handleSnapshot(env rawEnvelope) ([]adapter.Delivery, [][]byte, error) {
	var snap rawSnapshot
	if err := json.Unmarshal(env.Msg, &snap); err != nil {
		return nil, nil, fmt.Errorf("kalshi: failed to parse snapshot: %w", err)
	}
	d.seqs[env.SID] = env.Seq

	ev := adapter.BookEvent{
		MarketID: snap.MarketTicker,
		AssetID:  snap.MarketTicker,
		Snapshot: true,
		Bids:     yesLevels(snap.Yes),
		Asks:     noLevels(snap.No),
	}
	return []adapter.Delivery{{Channel: adapter.ChannelBook, Key: snap.MarketTicker, Payload: ev}}, nil, nil
}

func (d *dialect) handleDelta(env rawEnvelope) ([]adapter.Delivery, [][]byte, error) {
	var delta rawDelta
	if err := json.Unmarshal(env.Msg, &delta); err != nil {
		return nil, nil, fmt.Errorf("kalshi: failed to parse delta: %w", err)
	}

	// Deltas on a sid that was dropped or never acked would patch a stale
	// book.
	if _, ok := d.tickers[env.SID]; !ok {
		return nil, nil, nil
	}
	if last, ok := d.seqs[env.SID]; ok && env.Seq != 0 && env.Seq != last+1 {
		log.Printf("kalshi: seq gap on %s (%d -> %d), resubscribing", delta.MarketTicker, last, env.Seq)
		return nil, d.resubscribe(env.SID, delta.MarketTicker), nil
	}
	d.seqs[env.SID] = env.Seq

	ev := adapter.BookEvent{
		MarketID: delta.MarketTicker,
		AssetID:  delta.MarketTicker,
		Additive: true,
	}
	if ts, err := time.Parse(time.RFC3339Nano, delta.Ts); err == nil {
		ev.Timestamp = ts
	}
	level := [][2]int{{delta.Price, delta.Delta}}
	if delta.Side == "no" {
		ev.Asks = noLevels(level)
	} else {
		ev.Bids = yesLevels(level)
	}
	return []adapter.Delivery{{Channel: adapter.ChannelBook, Key: delta.MarketTicker, Payload: ev}}, nil, nil
}

// resubscribe drops a subscription whose delta stream has a gap and asks
// for a fresh snapshot.
func (d *dialect) resubscribe(sid int, ticker string) [][]byte {
	var frames [][]byte
	if unsub, err := d.unsubscribe(sid); err == nil {
		frames = append(frames, unsub)
	}
	if sub, err := d.subscribe(ticker); err == nil {
		frames = append(frames, sub)
	}
	return frames
}

// yesLevels maps YES bids in cents to bids.
func yesLevels(raw [][2]int) []adapter.PriceLevel {
	out := make([]adapter.PriceLevel, 0, len(raw))
	for _, l := range raw {
		out = append(out, adapter.PriceLevel{Price: adapter.CentsToPrice(l[0]), Size: float64(l[1])})
	}
	return out
}

// noLevels maps NO bids to YES asks at the complementary price.
func noLevels(raw [][2]int) []adapter.PriceLevel {
	out := make([]adapter.PriceLevel, 0, len(raw))
	for _, l := range raw {
		out = append(out, adapter.PriceLevel{
			Price: adapter.Complement(adapter.CentsToPrice(l[0])),
			Size:  float64(l[1]),
		})
	}
	return out
}
