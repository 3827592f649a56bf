package adapter

import (
	"context"
	"log"
	"sync"

	"github.com/sourcegraph/conc"
)

// UpdatesProvider is a source of materialized books for the Broadcaster.
type UpdatesProvider interface {
	Updates() <-chan Orderbook
}

// Feed adapts a Stream's callbacks into an UpdatesProvider. Pass Publish as
// the WatchOrderbook callback.
type Feed struct {
	ch chan Orderbook
}

// NewFeed creates a Feed with the given buffer.
func NewFeed(buffer int) *Feed {
	return &Feed{ch: make(chan Orderbook, buffer)}
}

// Publish hands ob to the Broadcaster. It blocks while the buffer is full so
// the session's per-key queue absorbs the backpressure.
func (f *Feed) Publish(ob Orderbook) { f.ch <- ob }

// Offer is Publish that gives up once ctx ends, so a stream can be torn
// down after the Broadcaster has stopped reading.
func (f *Feed) Offer(ctx context.Context, ob Orderbook) bool {
	select {
	case f.ch <- ob:
		return true
	case <-ctx.Done():
		return false
	}
}

// Updates implements UpdatesProvider.
func (f *Feed) Updates() <-chan Orderbook { return f.ch }

// subKey identifies a filtered subscription by exchange and book key.
type subKey struct {
	Exchange Exchange
	Key      string
}

// BookKey is the identifier subscribers filter on: the asset id when the
// venue books per outcome token, the market id otherwise.
func BookKey(ob Orderbook) string {
	if ob.AssetID != "" {
		return ob.AssetID
	}
	return ob.MarketID
}

// Broadcaster is a many-to-many hub that ingests books from any number of
// venue streams and distributes them to filtered subscribers and a unified
// "all" stream.
type Broadcaster struct {
	sources []<-chan Orderbook

	mu   sync.RWMutex
	subs map[subKey][]chan Orderbook

	allMu  sync.RWMutex
	allSub []chan Orderbook
}

// NewBroadcaster creates a Broadcaster ready for source registration.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[subKey][]chan Orderbook),
	}
}

// Register adds a source. Must be called before Run.
func (b *Broadcaster) Register(provider UpdatesProvider) {
	b.sources = append(b.sources, provider.Updates())
}

// Subscribe returns a buffered channel of books for one exchange and key.
// The caller must drain it or updates are dropped.
func (b *Broadcaster) Subscribe(exchange Exchange, key string) <-chan Orderbook {
	ch := make(chan Orderbook, 256)
	k := subKey{Exchange: exchange, Key: key}

	b.mu.Lock()
	b.subs[k] = append(b.subs[k], ch)
	b.mu.Unlock()

	return ch
}

// SubscribeAll returns a buffered channel that receives every book.
func (b *Broadcaster) SubscribeAll() <-chan Orderbook {
	ch := make(chan Orderbook, 512)

	b.allMu.Lock()
	b.allSub = append(b.allSub, ch)
	b.allMu.Unlock()

	return ch
}

// Run consumes every registered source until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	var wg conc.WaitGroup

	for _, src := range b.sources {
		src := src
		wg.Go(func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ob, ok := <-src:
					if !ok {
						return
					}
					b.distribute(ob)
				}
			}
		})
	}

	wg.Wait()
}

// distribute is non-blocking: slow subscribers lose updates.
func (b *Broadcaster) distribute(ob Orderbook) {
	k := subKey{Exchange: ob.Exchange, Key: BookKey(ob)}

	b.mu.RLock()
	for _, ch := range b.subs[k] {
		select {
		case ch <- ob:
		default:
			log.Printf("broadcaster: dropping update for slow subscriber (%s/%s)", k.Exchange, k.Key)
		}
	}
	b.mu.RUnlock()

	b.allMu.RLock()
	for _, ch := range b.allSub {
		select {
		case ch <- ob:
		default:
		}
	}
	b.allMu.RUnlock()
}
