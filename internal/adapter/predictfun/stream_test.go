package predictfun

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/caesar-terminal/meridian/internal/adapter"
)

func staticResolve(tokens map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if m, ok := tokens[key]; ok {
			return m, key == "222"
		}
		return key, false
	}
}

func decodeRequest(t *testing.T, frame []byte) wsRequest {
	t.Helper()
	var req wsRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		t.Fatalf("decode %s: %v", frame, err)
	}
	return req
}

func TestDialect_BookSubscriptionsShareTopic(t *testing.T) {
	d := newDialect(staticResolve(map[string]string{"111": "1234", "222": "1234"}), nil)

	frames, err := d.Subscribe(adapter.Subscription{Channel: adapter.ChannelBook, Key: "111"})
	if err != nil || len(frames) != 1 {
		t.Fatalf("first subscribe = %d frames, %v", len(frames), err)
	}
	req := decodeRequest(t, frames[0])
	if req.Method != "subscribe" || req.Params[0] != "predictOrderbook/1234" || req.RequestID != 1 {
		t.Fatalf("request = %+v", req)
	}

	if frames, _ := d.Subscribe(adapter.Subscription{Channel: adapter.ChannelBook, Key: "222"}); len(frames) != 0 {
		t.Fatalf("second key on same market sent %d frames", len(frames))
	}
	if frames, _ := d.Unsubscribe(adapter.Subscription{Channel: adapter.ChannelBook, Key: "111"}); len(frames) != 0 {
		t.Fatalf("unsubscribe with a key left sent %d frames", len(frames))
	}
	frames, _ = d.Unsubscribe(adapter.Subscription{Channel: adapter.ChannelBook, Key: "222"})
	if len(frames) != 1 || decodeRequest(t, frames[0]).Method != "unsubscribe" {
		t.Fatalf("last unsubscribe = %q", frames)
	}
	if frames, _ := d.Unsubscribe(adapter.Subscription{Channel: adapter.ChannelBook, Key: "222"}); len(frames) != 0 {
		t.Fatal("repeat unsubscribe sent a frame")
	}
}

func TestDialect_BookFansOutWithInversion(t *testing.T) {
	d := newDialect(staticResolve(map[string]string{"111": "1234", "222": "1234"}), nil)
	_, _ = d.Subscribe(adapter.Subscription{Channel: adapter.ChannelBook, Key: "111"})
	_, _ = d.Subscribe(adapter.Subscription{Channel: adapter.ChannelBook, Key: "222"})

	deliveries, _, err := d.Route([]byte(`{"type":"M","topic":"predictOrderbook/1234","data":{"updateTimestampMs":1700000000000,
		"bids":[[0.40,10]],"asks":[[0.45,5]]}}`))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(deliveries) != 2 {
		t.Fatalf("deliveries = %d, want 2", len(deliveries))
	}
	for _, dl := range deliveries {
		ev := dl.Payload.(adapter.BookEvent)
		if !ev.Snapshot || ev.MarketID != "1234" || ev.AssetID != dl.Key {
			t.Fatalf("event = %+v", ev)
		}
		switch dl.Key {
		case "111":
			if ev.Bids[0].Price != 0.40 || ev.Asks[0].Price != 0.45 {
				t.Fatalf("yes book = %+v", ev)
			}
		case "222":
			if ev.Bids[0].Price != 0.55 || ev.Bids[0].Size != 5 || ev.Asks[0].Price != 0.60 {
				t.Fatalf("no book = %+v", ev)
			}
		default:
			t.Fatalf("unexpected key %s", dl.Key)
		}
	}
}

func TestDialect_HeartbeatEchoed(t *testing.T) {
	d := newDialect(staticResolve(nil), nil)
	deliveries, replies, err := d.Route([]byte(`{"type":"M","topic":"heartbeat","data":1700000000123}`))
	if err != nil || len(deliveries) != 0 || len(replies) != 1 {
		t.Fatalf("Route = %v, %q, %v", deliveries, replies, err)
	}
	if string(replies[0]) != `{"method":"heartbeat","data":1700000000123}` {
		t.Fatalf("reply = %s", replies[0])
	}
}

func TestDialect_IgnoresAcksAndRejectsMalformed(t *testing.T) {
	d := newDialect(staticResolve(nil), nil)
	for _, frame := range []string{"", "PONG", `{"type":"R","requestId":1,"success":true}`, `{"type":"R","requestId":2,"success":false,"error":{"code":"bad"}}`} {
		if deliveries, replies, err := d.Route([]byte(frame)); err != nil || len(deliveries)+len(replies) != 0 {
			t.Fatalf("Route(%q) = %v, %v, %v", frame, deliveries, replies, err)
		}
	}
	if _, _, err := d.Route([]byte("{oops")); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func TestDialect_WalletNeedsAuthentication(t *testing.T) {
	token := func(context.Context) (string, error) { return "jwt-1", nil }
	d := newDialect(staticResolve(nil), token)
	wallet := adapter.Subscription{Channel: channelWallet, Key: walletKey, Auth: true}

	if _, err := d.Subscribe(wallet); !errors.Is(err, adapter.ErrAuthentication) {
		t.Fatalf("subscribe before auth err = %v", err)
	}
	if frames, err := d.Authenticate(context.Background()); err != nil || len(frames) != 0 {
		t.Fatalf("Authenticate = %q, %v", frames, err)
	}
	frames, err := d.Subscribe(wallet)
	if err != nil || len(frames) != 1 {
		t.Fatalf("Subscribe = %q, %v", frames, err)
	}
	if p := decodeRequest(t, frames[0]).Params[0]; p != "predictWalletEvents/jwt-1" {
		t.Fatalf("topic = %s", p)
	}

	deliveries, _, err := d.Route([]byte(`{"type":"M","topic":"predictWalletEvents/jwt-1","data":{"eventType":"orderAccepted","orderHash":"0xh","marketId":1234,"timestamp":1700000000}}`))
	if err != nil || len(deliveries) != 1 {
		t.Fatalf("Route = %v, %v", deliveries, err)
	}
	ev := deliveries[0].Payload.(WalletEvent)
	if ev.Type != "orderAccepted" || ev.OrderID != "0xh" || ev.MarketID != "1234" || !ev.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("event = %+v", ev)
	}

	d.Reset()
	if _, err := d.Subscribe(wallet); !errors.Is(err, adapter.ErrAuthentication) {
		t.Fatal("reset should drop the session token")
	}
}

func TestDialect_AuthenticateFailureIsAuthError(t *testing.T) {
	d := newDialect(staticResolve(nil), func(context.Context) (string, error) { return "", errors.New("boom") })
	if _, err := d.Authenticate(context.Background()); !errors.Is(err, adapter.ErrAuthentication) {
		t.Fatalf("err = %v", err)
	}
}

func TestDialect_AuthenticateKeepsTransientKind(t *testing.T) {
	d := newDialect(staticResolve(nil), func(context.Context) (string, error) {
		return "", adapter.Errorf(adapter.ErrNetwork, adapter.ExchangePredictFun, "auth", "http 503 after retries")
	})
	_, err := d.Authenticate(context.Background())
	if !errors.Is(err, adapter.ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
	if errors.Is(err, adapter.ErrAuthentication) {
		t.Fatalf("transient login failure classified as authentication: %v", err)
	}
	if !adapter.IsRetryable(err) {
		t.Fatal("expected a retryable error")
	}
}

func TestStream_BookAndWalletEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	heartbeat := make(chan string, 1)

	v := newVenue(t, map[string]http.HandlerFunc{
		"GET /ws": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(headerAPIKey) != "api-key" {
				http.Error(w, "missing api key", http.StatusUnauthorized)
				return
			}
			c, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer c.Close()
			_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"M","topic":"heartbeat","data":99}`))
			for {
				_, msg, err := c.ReadMessage()
				if err != nil {
					return
				}
				var req struct {
					Method    string          `json:"method"`
					RequestID int             `json:"requestId"`
					Params    []string        `json:"params"`
					Data      json.RawMessage `json:"data"`
				}
				if json.Unmarshal(msg, &req) != nil {
					continue
				}
				if req.Method == "heartbeat" {
					select {
					case heartbeat <- string(req.Data):
					default:
					}
					continue
				}
				if req.Method != "subscribe" || len(req.Params) == 0 {
					continue
				}
				topic := req.Params[0]
				_ = c.WriteJSON(map[string]any{"type": "R", "requestId": req.RequestID, "success": true})
				switch {
				case strings.HasPrefix(topic, topicBook):
					_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"M","topic":"`+topic+`","data":{"bids":[[0.41,7]],"asks":[[0.44,2]]}}`))
				case strings.HasPrefix(topic, topicWallet):
					_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"M","topic":"`+topic+`","data":{"eventType":"orderCancelled","orderId":5501,"timestamp":1700000000000}}`))
				}
			}
		},
	}, nil)
	a := newAdapter(t, v, &fakeSigner{})
	a.sessionCfg.PingInterval = 0

	stream := a.Stream()
	books := make(chan adapter.Orderbook, 4)
	events := make(chan WalletEvent, 4)
	if err := stream.WatchOrderbook("1234", func(ob adapter.Orderbook) { books <- ob }); err != nil {
		t.Fatalf("WatchOrderbook: %v", err)
	}
	if err := stream.WatchWalletEvents(func(ev WalletEvent) { events <- ev }); err != nil {
		t.Fatalf("WatchWalletEvents: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stream.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer stream.Disconnect()

	select {
	case ob := <-books:
		if ob.MarketID != "1234" || ob.BestBid() != 0.41 || ob.BestAsk() != 0.44 {
			t.Fatalf("book = %+v", ob)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("book not delivered")
	}
	select {
	case ev := <-events:
		if ev.Type != "orderCancelled" || ev.OrderID != "5501" || !ev.Timestamp.Equal(time.UnixMilli(1700000000000)) {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("wallet event not delivered")
	}
	select {
	case data := <-heartbeat:
		if data != "99" {
			t.Fatalf("heartbeat data = %s", data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("heartbeat not echoed")
	}
	if n := v.loginCount(); n != 1 {
		t.Fatalf("logins = %d, want 1", n)
	}
}
