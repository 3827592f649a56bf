package predictfun

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/caesar-terminal/meridian/internal/adapter"
)

const (
	topicHeartbeat = "heartbeat"
	topicBook      = "predictOrderbook/"
	topicWallet    = "predictWalletEvents/"

	channelWallet = "wallet"
	walletKey     = "self"
)

// WalletEvent is an order lifecycle notification for the authenticated
// wallet: orderAccepted, orderNotAccepted, orderExpired, orderCancelled,
// orderTransactionSubmitted, orderTransactionSuccess, orderTransactionFailed.
type WalletEvent struct {
	Type      string
	OrderID   string
	MarketID  string
	Timestamp time.Time
	Data      json.RawMessage
}

type wsRequest struct {
	Method    string   `json:"method"`
	RequestID int      `json:"requestId"`
	Params    []string `json:"params"`
}

type wsHeartbeat struct {
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data"`
}

type wsMessage struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
	RequestID int             `json:"requestId"`
	Success   bool            `json:"success"`
	Error     json.RawMessage `json:"error"`
}

type rawWalletEvent struct {
	EventType string     `json:"eventType"`
	OrderID   flexString `json:"orderId"`
	OrderHash string     `json:"orderHash"`
	MarketID  flexString `json:"marketId"`
	Timestamp int64      `json:"timestamp"`
}

type bookKey struct {
	key    string
	second bool
}

// dialect speaks Predict.fun's topic protocol. One orderbook topic per market
// serves every watched key on that market.
type dialect struct {
	resolve func(key string) (market string, second bool)
	token   func(ctx context.Context) (string, error)

	nextID  int
	markets map[string][]bookKey // market -> watched keys
	jwt     string
}

func newDialect(resolve func(string) (string, bool), token func(context.Context) (string, error)) *dialect {
	d := &dialect{resolve: resolve, token: token}
	d.Reset()
	return d
}

// Reset forgets per-connection topics; replay rebuilds them.
func (d *dialect) Reset() {
	d.markets = make(map[string][]bookKey)
	d.jwt = ""
}

// Authenticate fetches the JWT that names the wallet topic. Predict.fun has
// no login frame.
func (d *dialect) Authenticate(ctx context.Context) ([][]byte, error) {
	jwt, err := d.token(ctx)
	if err != nil {
		// Classified failures keep their kind; a network error here is a
		// reconnect attempt, not a rejected login.
		if adapter.KindOf(err) == nil {
			err = adapter.Wrap(adapter.ErrAuthentication, adapter.ExchangePredictFun, "stream", err)
		}
		return nil, err
	}
	d.jwt = jwt
	return nil, nil
}

func (d *dialect) request(method, topic string) ([][]byte, error) {
	d.nextID++
	frame, err := json.Marshal(wsRequest{Method: method, RequestID: d.nextID, Params: []string{topic}})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (d *dialect) Subscribe(sub adapter.Subscription) ([][]byte, error) {
	if sub.Channel == channelWallet {
		if d.jwt == "" {
			return nil, adapter.Errorf(adapter.ErrAuthentication, adapter.ExchangePredictFun, "stream", "wallet topic before authentication")
		}
		return d.request("subscribe", topicWallet+d.jwt)
	}

	market, second := d.resolve(sub.Key)
	keys := d.markets[market]
	for _, k := range keys {
		if k.key == sub.Key {
			return nil, nil
		}
	}
	d.markets[market] = append(keys, bookKey{key: sub.Key, second: second})
	if len(keys) > 0 {
		return nil, nil
	}
	return d.request("subscribe", topicBook+market)
}

func (d *dialect) Unsubscribe(sub adapter.Subscription) ([][]byte, error) {
	if sub.Channel == channelWallet {
		if d.jwt == "" {
			return nil, nil
		}
		return d.request("unsubscribe", topicWallet+d.jwt)
	}

	market, _ := d.resolve(sub.Key)
	keys := d.markets[market]
	kept := keys[:0]
	for _, k := range keys {
		if k.key != sub.Key {
			kept = append(kept, k)
		}
	}
	if len(kept) == len(keys) {
		return nil, nil
	}
	if len(kept) > 0 {
		d.markets[market] = kept
		return nil, nil
	}
	delete(d.markets, market)
	return d.request("unsubscribe", topicBook+market)
}

func (d *dialect) Route(frame []byte) ([]adapter.Delivery, [][]byte, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 || string(frame) == "PING" || string(frame) == "PONG" {
		return nil, nil, nil
	}

	var msg wsMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, nil, fmt.Errorf("predictfun: invalid JSON: %w", err)
	}

	switch msg.Type {
	case "M":
	case "R":
		if !msg.Success {
			log.Printf("predictfun: request %d failed: %s", msg.RequestID, msg.Error)
		}
		return nil, nil, nil
	default:
		return nil, nil, nil
	}

	switch {
	case msg.Topic == topicHeartbeat:
		reply, err := json.Marshal(wsHeartbeat{Method: "heartbeat", Data: msg.Data})
		if err != nil {
			return nil, nil, err
		}
		return nil, [][]byte{reply}, nil
	case strings.HasPrefix(msg.Topic, topicBook):
		return d.routeBook(strings.TrimPrefix(msg.Topic, topicBook), msg.Data)
	case strings.HasPrefix(msg.Topic, topicWallet):
		return d.routeWallet(msg.Data)
	default:
		return nil, nil, nil
	}
}

func (d *dialect) routeBook(market string, data json.RawMessage) ([]adapter.Delivery, [][]byte, error) {
	var raw rawBook
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("predictfun: failed to parse book: %w", err)
	}
	var ts time.Time
	switch {
	case raw.UpdateTimestampMs > 0:
		ts = time.UnixMilli(raw.UpdateTimestampMs)
	case raw.Timestamp > 0:
		ts = time.UnixMilli(raw.Timestamp)
	}

	keys := d.markets[market]
	out := make([]adapter.Delivery, 0, len(keys))
	for _, k := range keys {
		bids, asks := bookLevels(raw.Bids, raw.Asks, k.second)
		out = append(out, adapter.Delivery{
			Channel: adapter.ChannelBook,
			Key:     k.key,
			Payload: adapter.BookEvent{
				MarketID:  market,
				AssetID:   k.key,
				Snapshot:  true,
				Bids:      bids,
				Asks:      asks,
				Timestamp: ts,
			},
		})
	}
	return out, nil, nil
}

func (d *dialect) routeWallet(data json.RawMessage) ([]adapter.Delivery, [][]byte, error) {
	var raw rawWalletEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("predictfun: failed to parse wallet event: %w", err)
	}
	ev := WalletEvent{
		Type:     raw.EventType,
		OrderID:  string(raw.OrderID),
		MarketID: string(raw.MarketID),
		Data:     data,
	}
	if ev.OrderID == "" {
		ev.OrderID = raw.OrderHash
	}
	switch {
	case raw.Timestamp > 1e12:
		ev.Timestamp = time.UnixMilli(raw.Timestamp)
	case raw.Timestamp > 0:
		ev.Timestamp = time.Unix(raw.Timestamp, 0)
	}
	return []adapter.Delivery{{Channel: channelWallet, Key: walletKey, Payload: ev}}, nil, nil
}

// Stream is the Predict.fun market stream plus the wallet event channel.
type Stream struct {
	*adapter.BookStream
	session *adapter.Session
}

// WatchWalletEvents delivers order lifecycle events for the signing wallet.
// The session authenticates before subscribing and again after every
// reconnect.
func (s *Stream) WatchWalletEvents(fn func(WalletEvent)) error {
	sub := adapter.Subscription{Channel: channelWallet, Key: walletKey, Auth: true}
	return s.session.Subscribe(sub, func(p any) {
		if ev, ok := p.(WalletEvent); ok {
			fn(ev)
		}
	})
}

// UnwatchWalletEvents stops wallet event delivery.
func (s *Stream) UnwatchWalletEvents() error {
	return s.session.Unsubscribe(channelWallet, walletKey)
}
