package adapter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock provides a controllable time source for tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (fc *fakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

func (fc *fakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	fc.now = fc.now.Add(d)
	fc.mu.Unlock()
}

type fakeState struct{ v atomic.Int32 }

func (f *fakeState) State() SessionState { return SessionState(f.v.Load()) }
func (f *fakeState) set(s SessionState) { f.v.Store(int32(s)) }

func newTestBreaker(clock *fakeClock) (*CircuitBreaker, chan Orderbook) {
	feed := make(chan Orderbook, 64)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		StaleThreshold: time.Second,
		CoolOff:        2 * time.Second,
		PollInterval:   20 * time.Millisecond,
	}, feed)
	cb.nowFunc = clock.Now
	return cb, feed
}

// warm records a book, waits out the cool-off and records another.
func warm(cb *CircuitBreaker, clock *fakeClock, ob Orderbook) {
	cb.recordUpdate(ob)
	clock.Advance(3 * time.Second)
	cb.recordUpdate(ob)
}

func TestCircuitBreaker_NoDataBlocks(t *testing.T) {
	cb, _ := newTestBreaker(newFakeClock(time.Now()))
	if cb.CanTrade(ExchangeKalshi, "FED-DEC") {
		t.Fatal("expected CanTrade=false before any book")
	}
}

func TestCircuitBreaker_SessionNotActive(t *testing.T) {
	clock := newFakeClock(time.Now())
	cb, _ := newTestBreaker(clock)

	st := &fakeState{}
	st.set(StateActive)
	cb.WatchConnection(ExchangePolymarket, st)

	ob := Orderbook{Exchange: ExchangePolymarket, MarketID: "0xcond", AssetID: "tok-yes"}
	warm(cb, clock, ob)
	if !cb.CanTrade(ExchangePolymarket, "0xcond") {
		t.Fatal("expected CanTrade=true with active session and fresh data")
	}
	if !cb.CanTrade(ExchangePolymarket, "tok-yes") {
		t.Fatal("expected asset key to be tracked too")
	}

	st.set(StateReconnecting)
	if cb.CanTrade(ExchangePolymarket, "0xcond") {
		t.Fatal("expected CanTrade=false while reconnecting")
	}

	// The poll marks markets unhealthy, so recovery restarts the cool-off.
	cb.poll()
	st.set(StateActive)
	cb.recordUpdate(ob)
	if cb.CanTrade(ExchangePolymarket, "0xcond") {
		t.Fatal("expected cool-off after session recovery")
	}
	clock.Advance(2100 * time.Millisecond)
	cb.recordUpdate(ob)
	if !cb.CanTrade(ExchangePolymarket, "0xcond") {
		t.Fatal("expected CanTrade=true after cool-off")
	}
}

func TestCircuitBreaker_StaleData(t *testing.T) {
	clock := newFakeClock(time.Now())
	cb, _ := newTestBreaker(clock)

	warm(cb, clock, Orderbook{Exchange: ExchangeKalshi, MarketID: "FED-DEC"})
	if !cb.CanTrade(ExchangeKalshi, "FED-DEC") {
		t.Fatal("expected CanTrade=true for fresh data")
	}

	clock.Advance(1500 * time.Millisecond)
	if cb.CanTrade(ExchangeKalshi, "FED-DEC") {
		t.Fatal("expected CanTrade=false 1500ms after the last book")
	}
}

func TestCircuitBreaker_CoolOffAfterMarkStale(t *testing.T) {
	clock := newFakeClock(time.Now())
	cb, _ := newTestBreaker(clock)
	ob := Orderbook{Exchange: ExchangePredictFun, MarketID: "812"}

	warm(cb, clock, ob)
	cb.MarkStale(ExchangePredictFun, "812")
	if cb.CanTrade(ExchangePredictFun, "812") {
		t.Fatal("expected CanTrade=false after MarkStale")
	}

	clock.Advance(100 * time.Millisecond)
	cb.recordUpdate(ob)
	if cb.CanTrade(ExchangePredictFun, "812") {
		t.Fatal("expected CanTrade=false during cool-off")
	}

	clock.Advance(2100 * time.Millisecond)
	cb.recordUpdate(ob)
	if !cb.CanTrade(ExchangePredictFun, "812") {
		t.Fatal("expected CanTrade=true after cool-off")
	}
}

func TestCircuitBreaker_ManualHalt(t *testing.T) {
	clock := newFakeClock(time.Now())
	cb, _ := newTestBreaker(clock)
	warm(cb, clock, Orderbook{Exchange: ExchangeKalshi, MarketID: "HALT"})

	cb.ManualHalt()
	if cb.CanTrade(ExchangeKalshi, "HALT") {
		t.Fatal("expected CanTrade=false after ManualHalt")
	}
	cb.Resume()
	if !cb.CanTrade(ExchangeKalshi, "HALT") {
		t.Fatal("expected CanTrade=true after Resume")
	}
}

func TestCircuitBreaker_RunConsumesFeed(t *testing.T) {
	clock := newFakeClock(time.Now())
	cb, feed := newTestBreaker(clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cb.Run(ctx)
		close(done)
	}()

	feed <- Orderbook{Exchange: ExchangeKalshi, MarketID: "RUN"}

	deadline := time.Now().Add(time.Second)
	for {
		cb.mu.RLock()
		_, ok := cb.markets[subKey{Exchange: ExchangeKalshi, Key: "RUN"}]
		cb.mu.RUnlock()
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("feed update never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
