package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
)

// Leg is one venue's book for a linked outcome. Key is the book key the
// venue streams under: a Polymarket token id, a Kalshi ticker or a
// Predict.fun market id.
type Leg struct {
	Exchange Exchange
	Key      string
}

// LinkedOutcome ties the same real-world outcome across venues, e.g. the
// YES side of "Fed holds in January" on Polymarket and Kalshi.
type LinkedOutcome struct {
	Name string
	Legs []Leg
}

// Quote is the latest touch for one leg.
type Quote struct {
	BestBid float64
	BestAsk float64
	Updated time.Time
}

// SpreadEvent is emitted when one venue bids above another venue's ask.
type SpreadEvent struct {
	Outcome   LinkedOutcome
	BidLeg    Leg
	AskLeg    Leg
	Bid       float64
	Ask       float64
	Spread    float64 // Bid − Ask, positive when crossed
	Timestamp time.Time
}

type outcomeState struct {
	outcome LinkedOutcome
	quotes  map[Leg]Quote
}

// SpreadMonitor merges the touch of linked books and reports crossed
// venues in real time.
type SpreadMonitor struct {
	bc        *Broadcaster
	threshold float64

	mu     sync.RWMutex
	states map[string]*outcomeState

	events  chan SpreadEvent
	nowFunc func() time.Time
}

// NewSpreadMonitor creates a SpreadMonitor. An event is emitted when
// bid − ask exceeds threshold; zero reports every crossed pair.
func NewSpreadMonitor(bc *Broadcaster, threshold float64) *SpreadMonitor {
	return &SpreadMonitor{
		bc:        bc,
		threshold: threshold,
		states:    make(map[string]*outcomeState),
		events:    make(chan SpreadEvent, 256),
		nowFunc:   time.Now,
	}
}

// Events returns detected crossings.
func (sm *SpreadMonitor) Events() <-chan SpreadEvent { return sm.events }

// Link registers an outcome. Must be called before Run.
func (sm *SpreadMonitor) Link(o LinkedOutcome) {
	sm.mu.Lock()
	sm.states[o.Name] = &outcomeState{outcome: o, quotes: make(map[Leg]Quote)}
	sm.mu.Unlock()
}

// Quotes returns a copy of the current touch per leg.
func (sm *SpreadMonitor) Quotes(name string) (map[Leg]Quote, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	st, ok := sm.states[name]
	if !ok {
		return nil, false
	}
	out := make(map[Leg]Quote, len(st.quotes))
	for k, v := range st.quotes {
		out[k] = v
	}
	return out, true
}

// MidSpread is the gap between the highest and lowest leg mid, or 0 with
// fewer than two quoted legs.
func (sm *SpreadMonitor) MidSpread(name string) float64 {
	quotes, _ := sm.Quotes(name)
	var lo, hi float64
	n := 0
	for _, q := range quotes {
		mid := Orderbook{Bids: []PriceLevel{{Price: q.BestBid}}, Asks: []PriceLevel{{Price: q.BestAsk}}}.Mid()
		if mid <= 0 {
			continue
		}
		if n == 0 || mid < lo {
			lo = mid
		}
		if n == 0 || mid > hi {
			hi = mid
		}
		n++
	}
	if n < 2 {
		return 0
	}
	return hi - lo
}

// Run subscribes to every leg and processes books until ctx is cancelled.
func (sm *SpreadMonitor) Run(ctx context.Context) {
	sm.mu.RLock()
	outcomes := make([]LinkedOutcome, 0, len(sm.states))
	for _, st := range sm.states {
		outcomes = append(outcomes, st.outcome)
	}
	sm.mu.RUnlock()

	var wg conc.WaitGroup
	for _, o := range outcomes {
		for _, leg := range o.Legs {
			o, leg := o, leg
			ch := sm.bc.Subscribe(leg.Exchange, leg.Key)
			wg.Go(func() {
				for {
					select {
					case <-ctx.Done():
						return
					case ob, ok := <-ch:
						if !ok {
							return
						}
						sm.apply(o.Name, leg, ob)
					}
				}
			})
		}
	}
	wg.Wait()
}

func (sm *SpreadMonitor) apply(name string, leg Leg, ob Orderbook) {
	sm.mu.Lock()
	st, ok := sm.states[name]
	if !ok {
		sm.mu.Unlock()
		return
	}
	st.quotes[leg] = Quote{BestBid: ob.BestBid(), BestAsk: ob.BestAsk(), Updated: ob.Timestamp}
	quotes := make(map[Leg]Quote, len(st.quotes))
	for k, v := range st.quotes {
		quotes[k] = v
	}
	outcome := st.outcome
	sm.mu.Unlock()

	sm.check(outcome, leg, quotes)
}

// check compares the updated leg against every other leg in both directions.
func (sm *SpreadMonitor) check(o LinkedOutcome, updated Leg, quotes map[Leg]Quote) {
	mine := quotes[updated]
	for other, q := range quotes {
		if other == updated {
			continue
		}
		sm.cross(o, updated, mine, other, q)
		sm.cross(o, other, q, updated, mine)
	}
}

func (sm *SpreadMonitor) cross(o LinkedOutcome, bidLeg Leg, bid Quote, askLeg Leg, ask Quote) {
	if bid.BestBid <= 0 || ask.BestAsk <= 0 {
		return
	}
	spread := bid.BestBid - ask.BestAsk
	if spread <= sm.threshold {
		return
	}
	ev := SpreadEvent{
		Outcome:   o,
		BidLeg:    bidLeg,
		AskLeg:    askLeg,
		Bid:       bid.BestBid,
		Ask:       ask.BestAsk,
		Spread:    spread,
		Timestamp: sm.nowFunc(),
	}
	select {
	case sm.events <- ev:
	default:
	}
}
