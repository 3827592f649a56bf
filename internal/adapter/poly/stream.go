package poly

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/caesar-terminal/meridian/internal/adapter"
)

// marketSub opens the market channel; later changes use Operation.
type marketSub struct {
	AssetsIDs []string `json:"assets_ids"`
	Type      string   `json:"type,omitempty"`
	Operation string   `json:"operation,omitempty"`
}

type wsEvent struct {
	EventType    string          `json:"event_type"`
	Market       string          `json:"market"`
	AssetID      string          `json:"asset_id"`
	Bids         []rawPriceLevel `json:"bids"`
	Asks         []rawPriceLevel `json:"asks"`
	Hash         string          `json:"hash"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []priceChange   `json:"price_changes"`
}

type priceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
	Hash    string `json:"hash"`
}

// dialect speaks the public market channel. Keys are token ids.
type dialect struct {
	assets map[string]struct{}
}

func newDialect() *dialect {
	d := &dialect{}
	d.Reset()
	return d
}

// Reset forgets the assets of the previous connection so the next
// subscription reopens the channel.
func (d *dialect) Reset() { d.assets = make(map[string]struct{}) }

func (d *dialect) Subscribe(sub adapter.Subscription) ([][]byte, error) {
	msg := marketSub{AssetsIDs: []string{sub.Key}, Operation: "subscribe"}
	if len(d.assets) == 0 {
		msg = marketSub{AssetsIDs: []string{sub.Key}, Type: "market"}
	}
	d.assets[sub.Key] = struct{}{}
	frame, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (d *dialect) Unsubscribe(sub adapter.Subscription) ([][]byte, error) {
	if _, ok := d.assets[sub.Key]; !ok {
		return nil, nil
	}
	delete(d.assets, sub.Key)
	frame, err := json.Marshal(marketSub{AssetsIDs: []string{sub.Key}, Operation: "unsubscribe"})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

// Ping is the text keepalive the market channel expects.
func (d *dialect) Ping() []byte { return []byte("PING") }

// Route accepts single events and arrays of events.
func (d *dialect) Route(frame []byte) ([]adapter.Delivery, [][]byte, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 || string(frame) == "PONG" {
		return nil, nil, nil
	}

	var events []wsEvent
	if frame[0] == '[' {
		if err := json.Unmarshal(frame, &events); err != nil {
			return nil, nil, fmt.Errorf("poly: invalid JSON: %w", err)
		}
	} else {
		var ev wsEvent
		if err := json.Unmarshal(frame, &ev); err != nil {
			return nil, nil, fmt.Errorf("poly: invalid JSON: %w", err)
		}
		events = append(events, ev)
	}

	var out []adapter.Delivery
	for _, ev := range events {
		switch ev.EventType {
		case "book":
			out = append(out, d.book(ev))
		case "price_change":
			out = append(out, d.priceChange(ev)...)
		default:
			// last_trade_price, tick_size_change
		}
	}
	return out, nil, nil
}

func (d *dialect) book(ev wsEvent) adapter.Delivery {
	bids, asks := adapter.SortLevels(parseLevels(ev.Bids), parseLevels(ev.Asks))
	return adapter.Delivery{
		Channel: adapter.ChannelBook,
		Key:     ev.AssetID,
		Payload: adapter.BookEvent{
			MarketID:  ev.Market,
			AssetID:   ev.AssetID,
			Snapshot:  true,
			Bids:      bids,
			Asks:      asks,
			Hash:      ev.Hash,
			Timestamp: parseTimestamp(ev.Timestamp),
		},
	}
}

// priceChange groups level updates by asset, preserving first-seen order.
// Sizes are absolute; zero removes the level.
func (d *dialect) priceChange(ev wsEvent) []adapter.Delivery {
	ts := parseTimestamp(ev.Timestamp)
	byAsset := make(map[string]*adapter.BookEvent)
	var order []string

	for _, pc := range ev.PriceChanges {
		asset := pc.AssetID
		if asset == "" {
			asset = ev.AssetID
		}
		be, ok := byAsset[asset]
		if !ok {
			be = &adapter.BookEvent{MarketID: ev.Market, AssetID: asset, Timestamp: ts}
			byAsset[asset] = be
			order = append(order, asset)
		}
		levels := parseLevels([]rawPriceLevel{{Price: pc.Price, Size: pc.Size}})
		if len(levels) == 0 {
			continue
		}
		if strings.EqualFold(pc.Side, "sell") {
			be.Asks = append(be.Asks, levels[0])
		} else {
			be.Bids = append(be.Bids, levels[0])
		}
		if pc.Hash != "" {
			be.Hash = pc.Hash
		}
	}

	out := make([]adapter.Delivery, 0, len(order))
	for _, asset := range order {
		out = append(out, adapter.Delivery{Channel: adapter.ChannelBook, Key: asset, Payload: *byAsset[asset]})
	}
	return out
}
