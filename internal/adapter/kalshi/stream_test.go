package kalshi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/caesar-terminal/meridian/internal/adapter"
)

func decodeCommand(t *testing.T, frame []byte) command {
	t.Helper()
	var c command
	if err := json.Unmarshal(frame, &c); err != nil {
		t.Fatalf("decode command %s: %v", frame, err)
	}
	return c
}

func TestDialect_SubscribeAckUnsubscribe(t *testing.T) {
	d := newDialect()

	frames, err := d.Subscribe(adapter.Subscription{Channel: adapter.ChannelBook, Key: "FED-DEC"})
	if err != nil || len(frames) != 1 {
		t.Fatalf("Subscribe = %d frames, %v", len(frames), err)
	}
	sub := decodeCommand(t, frames[0])
	if sub.Cmd != "subscribe" || sub.Params.Channels[0] != channelOrderbook || sub.Params.MarketTickers[0] != "FED-DEC" {
		t.Fatalf("subscribe command = %+v", sub)
	}

	ack := []byte(`{"id":` + itoa(sub.ID) + `,"type":"subscribed","msg":{"channel":"orderbook_delta","sid":7}}`)
	if _, _, err := d.Route(ack); err != nil {
		t.Fatalf("Route ack: %v", err)
	}

	frames, err = d.Unsubscribe(adapter.Subscription{Channel: adapter.ChannelBook, Key: "FED-DEC"})
	if err != nil || len(frames) != 1 {
		t.Fatalf("Unsubscribe = %d frames, %v", len(frames), err)
	}
	unsub := decodeCommand(t, frames[0])
	if unsub.Cmd != "unsubscribe" || len(unsub.Params.SIDs) != 1 || unsub.Params.SIDs[0] != 7 {
		t.Fatalf("unsubscribe command = %+v", unsub)
	}
	if unsub.ID <= sub.ID {
		t.Fatalf("command ids not increasing: %d then %d", sub.ID, unsub.ID)
	}
}

func TestDialect_UnsubscribeBeforeAck(t *testing.T) {
	d := newDialect()
	frames, _ := d.Subscribe(adapter.Subscription{Key: "X"})
	sub := decodeCommand(t, frames[0])

	frames, err := d.Unsubscribe(adapter.Subscription{Key: "X"})
	if err != nil || len(frames) != 0 {
		t.Fatalf("Unsubscribe before ack = %d frames, %v", len(frames), err)
	}
	// A late ack is ignored.
	_, _, _ = d.Route([]byte(`{"id":` + itoa(sub.ID) + `,"type":"subscribed","msg":{"sid":3}}`))
	if _, ok := d.sids["X"]; ok {
		t.Fatal("late ack registered a sid")
	}
}

func TestDialect_SnapshotAndDelta(t *testing.T) {
	d := newDialect()
	frames, _ := d.Subscribe(adapter.Subscription{Key: "FED-DEC"})
	sub := decodeCommand(t, frames[0])
	_, _, _ = d.Route([]byte(`{"id":` + itoa(sub.ID) + `,"type":"subscribed","msg":{"sid":1}}`))

	deliveries, _, err := d.Route([]byte(`{"type":"orderbook_snapshot","sid":1,"seq":1,"msg":{"market_ticker":"FED-DEC","yes":[[45,100]],"no":[[53,80]]}}`))
	if err != nil || len(deliveries) != 1 {
		t.Fatalf("snapshot = %v, %v", deliveries, err)
	}
	snap := deliveries[0].Payload.(adapter.BookEvent)
	if deliveries[0].Key != "FED-DEC" || !snap.Snapshot {
		t.Fatalf("delivery = %+v", deliveries[0])
	}
	if snap.Bids[0].Price != 0.45 || snap.Asks[0].Price != 0.47 {
		t.Fatalf("snapshot levels = %+v / %+v", snap.Bids, snap.Asks)
	}

	deliveries, _, err = d.Route([]byte(`{"type":"orderbook_delta","sid":1,"seq":2,"msg":{"market_ticker":"FED-DEC","price":53,"delta":-30,"side":"no","ts":"2026-10-16T12:00:00Z"}}`))
	if err != nil || len(deliveries) != 1 {
		t.Fatalf("delta = %v, %v", deliveries, err)
	}
	delta := deliveries[0].Payload.(adapter.BookEvent)
	if !delta.Additive || len(delta.Asks) != 1 || delta.Asks[0] != (adapter.PriceLevel{Price: 0.47, Size: -30}) {
		t.Fatalf("delta event = %+v", delta)
	}
	if delta.Timestamp.IsZero() {
		t.Fatal("delta timestamp not parsed")
	}

	b := adapter.NewBook(adapter.ExchangeKalshi, "", "FED-DEC")
	b.Apply(snap)
	b.Apply(delta)
	if ob := b.Snapshot(time.Now()); ob.Asks[0].Size != 50 {
		t.Fatalf("ask size after delta = %v, want 50", ob.Asks[0].Size)
	}
}

func TestDialect_SeqGapResubscribes(t *testing.T) {
	d := newDialect()
	frames, _ := d.Subscribe(adapter.Subscription{Key: "FED-DEC"})
	sub := decodeCommand(t, frames[0])
	_, _, _ = d.Route([]byte(`{"id":` + itoa(sub.ID) + `,"type":"subscribed","msg":{"sid":4}}`))
	_, _, _ = d.Route([]byte(`{"type":"orderbook_snapshot","sid":4,"seq":1,"msg":{"market_ticker":"FED-DEC","yes":[[45,1]]}}`))

	deliveries, replies, err := d.Route([]byte(`{"type":"orderbook_delta","sid":4,"seq":3,"msg":{"market_ticker":"FED-DEC","price":45,"delta":1,"side":"yes"}}`))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(deliveries) != 0 {
		t.Fatal("delta after a gap must not be delivered")
	}
	if len(replies) != 2 {
		t.Fatalf("replies = %d, want unsubscribe + subscribe", len(replies))
	}
	if c := decodeCommand(t, replies[0]); c.Cmd != "unsubscribe" || c.Params.SIDs[0] != 4 {
		t.Fatalf("first reply = %+v", c)
	}
	if c := decodeCommand(t, replies[1]); c.Cmd != "subscribe" || c.Params.MarketTickers[0] != "FED-DEC" {
		t.Fatalf("second reply = %+v", c)
	}
}

func TestDialect_DeltasOnDroppedSidIgnored(t *testing.T) {
	d := newDialect()
	frames, _ := d.Subscribe(adapter.Subscription{Key: "FED-DEC"})
	sub := decodeCommand(t, frames[0])
	_, _, _ = d.Route([]byte(`{"id":` + itoa(sub.ID) + `,"type":"subscribed","msg":{"sid":4}}`))
	_, _, _ = d.Route([]byte(`{"type":"orderbook_snapshot","sid":4,"seq":1,"msg":{"market_ticker":"FED-DEC","yes":[[45,1]]}}`))
	_, _, _ = d.Route([]byte(`{"type":"orderbook_delta","sid":4,"seq":3,"msg":{"market_ticker":"FED-DEC","price":45,"delta":1,"side":"yes"}}`))

	// In flight before the venue processed the unsubscribe.
	deliveries, replies, err := d.Route([]byte(`{"type":"orderbook_delta","sid":4,"seq":4,"msg":{"market_ticker":"FED-DEC","price":46,"delta":5,"side":"yes"}}`))
	if err != nil || len(deliveries) != 0 || len(replies) != 0 {
		t.Fatalf("stale delta = %d deliveries, %d replies, %v", len(deliveries), len(replies), err)
	}

	deliveries, _, _ = d.Route([]byte(`{"type":"orderbook_delta","sid":77,"seq":1,"msg":{"market_ticker":"FED-DEC","price":46,"delta":5,"side":"yes"}}`))
	if len(deliveries) != 0 {
		t.Fatal("delta on an unknown sid was delivered")
	}
}

func TestDialect_ErrorFrameIgnored(t *testing.T) {
	d := newDialect()
	for _, f := range []string{
		`{"type":"error","id":3,"msg":{"code":6,"msg":"already subscribed"}}`,
		`{"type":"error","msg":"not an object"}`,
	} {
		deliveries, replies, err := d.Route([]byte(f))
		if err != nil || len(deliveries) != 0 || len(replies) != 0 {
			t.Fatalf("Route(%s) = %d, %d, %v", f, len(deliveries), len(replies), err)
		}
	}
}

func TestDialect_ResetDropsSids(t *testing.T) {
	d := newDialect()
	frames, _ := d.Subscribe(adapter.Subscription{Key: "A"})
	sub := decodeCommand(t, frames[0])
	_, _, _ = d.Route([]byte(`{"id":` + itoa(sub.ID) + `,"type":"subscribed","msg":{"sid":9}}`))

	d.Reset()
	frames, err := d.Unsubscribe(adapter.Subscription{Key: "A"})
	if err != nil || len(frames) != 0 {
		t.Fatalf("Unsubscribe after reset = %d frames, %v", len(frames), err)
	}
}

func TestDialect_MalformedFrame(t *testing.T) {
	if _, _, err := newDialect().Route([]byte("{not json")); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

// TestWebSocket_SignedHandshakeAndBook drives the adapter's stream against a
// fake venue that checks the handshake signature, acks the subscription and
// pushes a snapshot.
func TestWebSocket_SignedHandshakeAndBook(t *testing.T) {
	pemKey, pub := generateTestKey(t)
	upgrader := websocket.Upgrader{}
	handshake := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case handshake <- verifySignature(pub, r.Header, http.MethodGet, r.URL.Path):
		default:
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		var cmd command
		if json.Unmarshal(msg, &cmd) != nil || len(cmd.Params.MarketTickers) == 0 {
			return
		}
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"id":`+itoa(cmd.ID)+`,"type":"subscribed","msg":{"channel":"orderbook_delta","sid":1}}`))
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"orderbook_snapshot","sid":1,"seq":1,"msg":{"market_ticker":"`+cmd.Params.MarketTickers[0]+`","yes":[[45,100]],"no":[[53,80]]}}`))
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := adapter.DefaultExchangeConfig()
	cfg.WSURL = "ws" + strings.TrimPrefix(srv.URL, "http") + wsPath
	cfg.Credentials.APIKey = "key-id"
	cfg.Credentials.PrivateKeyPEM = pemKey
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.sessionCfg.PingInterval = 0

	stream, err := a.WebSocket()
	if err != nil {
		t.Fatalf("WebSocket: %v", err)
	}
	if again, _ := a.WebSocket(); again != stream {
		t.Fatal("WebSocket must return the same stream")
	}

	books := make(chan adapter.Orderbook, 4)
	if err := stream.WatchOrderbook("FED-DEC", func(ob adapter.Orderbook) { books <- ob }); err != nil {
		t.Fatalf("WatchOrderbook: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stream.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer stream.Disconnect()

	if err := <-handshake; err != nil {
		t.Fatalf("handshake signature: %v", err)
	}

	select {
	case ob := <-books:
		if ob.Exchange != adapter.ExchangeKalshi || ob.MarketID != "FED-DEC" {
			t.Fatalf("book identity = %+v", ob)
		}
		if ob.BestBid() != 0.45 || ob.BestAsk() != 0.47 {
			t.Fatalf("touch = %v/%v", ob.BestBid(), ob.BestAsk())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no book delivered")
	}
}
