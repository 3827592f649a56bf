package adapter

import (
	"context"
	"sync"
	"time"
)

// CircuitBreakerConfig holds tunable parameters for the CircuitBreaker.
type CircuitBreakerConfig struct {
	// StaleThreshold is the maximum age of a book before the market is
	// considered stale. Default: 5s; prediction markets tick slowly.
	StaleThreshold time.Duration

	// CoolOff is the duration of continuous healthy data required after a
	// recovery before trading is re-enabled. Default: 2s.
	CoolOff time.Duration

	// PollInterval is how often session state and staleness are checked.
	// Default: 250ms.
	PollInterval time.Duration
}

// DefaultCircuitBreakerConfig returns the defaults used by cmd/meridian.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		StaleThreshold: 5 * time.Second,
		CoolOff:        2 * time.Second,
		PollInterval:   250 * time.Millisecond,
	}
}

// StateReporter is satisfied by Session and every Stream.
type StateReporter interface {
	State() SessionState
}

type marketState struct {
	LastUpdate  time.Time
	RecoveredAt time.Time
	Healthy     bool
}

// CircuitBreaker watches stream sessions and book freshness and implements
// TradingGate. CanTrade is true only when:
//   - no manual halt is active;
//   - the venue's session, if watched, is Active;
//   - the market's last book is within StaleThreshold;
//   - the cool-off since the market last recovered has elapsed.
type CircuitBreaker struct {
	cfg  CircuitBreakerConfig
	feed <-chan Orderbook

	connMu sync.RWMutex
	conns  map[Exchange]StateReporter

	mu      sync.RWMutex
	markets map[subKey]*marketState

	haltMu sync.RWMutex
	halted bool

	nowFunc func() time.Time
}

// NewCircuitBreaker creates a CircuitBreaker fed by a Broadcaster stream.
// Sessions are registered separately via WatchConnection.
func NewCircuitBreaker(cfg CircuitBreakerConfig, feed <-chan Orderbook) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:     cfg,
		feed:    feed,
		conns:   make(map[Exchange]StateReporter),
		markets: make(map[subKey]*marketState),
		nowFunc: time.Now,
	}
}

// WatchConnection registers a venue's stream so its state gates trading.
func (cb *CircuitBreaker) WatchConnection(exchange Exchange, s StateReporter) {
	cb.connMu.Lock()
	cb.conns[exchange] = s
	cb.connMu.Unlock()
}

// ManualHalt blocks all trading until Resume.
func (cb *CircuitBreaker) ManualHalt() {
	cb.haltMu.Lock()
	cb.halted = true
	cb.haltMu.Unlock()
}

// Resume clears the manual halt. Markets still need to pass staleness and
// cool-off checks.
func (cb *CircuitBreaker) Resume() {
	cb.haltMu.Lock()
	cb.halted = false
	cb.haltMu.Unlock()
}

// Halted reports whether a manual halt is active.
func (cb *CircuitBreaker) Halted() bool {
	cb.haltMu.RLock()
	defer cb.haltMu.RUnlock()
	return cb.halted
}

// CanTrade implements TradingGate.
func (cb *CircuitBreaker) CanTrade(exchange Exchange, marketID string) bool {
	if cb.Halted() {
		return false
	}
	if !cb.connectionHealthy(exchange) {
		return false
	}

	now := cb.nowFunc()
	cb.mu.RLock()
	ms, ok := cb.markets[subKey{Exchange: exchange, Key: marketID}]
	var st marketState
	if ok {
		st = *ms
	}
	cb.mu.RUnlock()

	if !ok || !st.Healthy {
		return false
	}
	if now.Sub(st.LastUpdate) > cb.cfg.StaleThreshold {
		return false
	}
	if !st.RecoveredAt.IsZero() && now.Sub(st.RecoveredAt) < cb.cfg.CoolOff {
		return false
	}
	return true
}

func (cb *CircuitBreaker) connectionHealthy(exchange Exchange) bool {
	cb.connMu.RLock()
	s, ok := cb.conns[exchange]
	cb.connMu.RUnlock()
	return !ok || s.State() == StateActive
}

// Run consumes the feed and polls session health until ctx is cancelled.
func (cb *CircuitBreaker) Run(ctx context.Context) {
	interval := cb.cfg.PollInterval
	if interval <= 0 {
		interval = DefaultCircuitBreakerConfig().PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ob, ok := <-cb.feed:
			if !ok {
				return
			}
			cb.recordUpdate(ob)
		case <-ticker.C:
			cb.poll()
		}
	}
}

// recordUpdate marks the book's market (and asset, when distinct) fresh.
func (cb *CircuitBreaker) recordUpdate(ob Orderbook) {
	now := cb.nowFunc()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	for _, key := range bookKeys(ob) {
		ms, ok := cb.markets[key]
		if !ok {
			ms = &marketState{}
			cb.markets[key] = ms
		}
		if !ms.Healthy {
			ms.RecoveredAt = now
		}
		ms.LastUpdate = now
		ms.Healthy = true
	}
}

func bookKeys(ob Orderbook) []subKey {
	keys := []subKey{{Exchange: ob.Exchange, Key: ob.MarketID}}
	if ob.AssetID != "" && ob.AssetID != ob.MarketID {
		keys = append(keys, subKey{Exchange: ob.Exchange, Key: ob.AssetID})
	}
	return keys
}

// poll marks stale markets, and every market of a venue whose session is not
// Active, unhealthy so recovery restarts the cool-off.
func (cb *CircuitBreaker) poll() {
	now := cb.nowFunc()

	down := make(map[Exchange]bool)
	cb.connMu.RLock()
	for ex, s := range cb.conns {
		if s.State() != StateActive {
			down[ex] = true
		}
	}
	cb.connMu.RUnlock()

	cb.mu.Lock()
	for key, ms := range cb.markets {
		if down[key.Exchange] || now.Sub(ms.LastUpdate) > cb.cfg.StaleThreshold {
			ms.Healthy = false
		}
	}
	cb.mu.Unlock()
}

// MarkStale forces a market unhealthy.
func (cb *CircuitBreaker) MarkStale(exchange Exchange, marketID string) {
	cb.mu.Lock()
	if ms, ok := cb.markets[subKey{Exchange: exchange, Key: marketID}]; ok {
		ms.Healthy = false
	}
	cb.mu.Unlock()
}

var _ TradingGate = (*CircuitBreaker)(nil)
