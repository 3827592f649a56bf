package adapter

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"
)

// RedisClient is the subset of Redis used by RedisWriter. Production code
// wraps *redis.Client with NewGoRedis; tests use a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

// goRedis adapts go-redis to RedisClient. Every HSET is pipelined with an
// EXPIRE so keys of venues that stop streaming age out.
type goRedis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewGoRedis wraps a go-redis client. A zero ttl disables expiry.
func NewGoRedis(rdb *redis.Client, ttl time.Duration) RedisClient {
	return &goRedis{rdb: rdb, ttl: ttl}
}

func (g *goRedis) HSet(ctx context.Context, key string, values ...any) error {
	_, err := g.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, values...)
		if g.ttl > 0 {
			p.Expire(ctx, key, g.ttl)
		}
		return nil
	})
	return err
}

type bookSnapshot struct {
	Bid string
	Ask string
}

// RedisWriter persists the touch of every book it sees:
//
//	Key:    book:{exchange}:{asset_id or market_id}
//	Fields: bid, ask, mid, market, ts
//
// Updates are buffered and flushed by a dedicated goroutine. Unchanged
// touches are not rewritten.
type RedisWriter struct {
	client RedisClient
	feed   <-chan Orderbook
	buf    chan Orderbook

	mu   sync.Mutex
	last map[string]bookSnapshot
}

// NewRedisWriter creates a RedisWriter reading from a Broadcaster stream.
func NewRedisWriter(client RedisClient, feed <-chan Orderbook) *RedisWriter {
	return &RedisWriter{
		client: client,
		feed:   feed,
		buf:    make(chan Orderbook, 1024),
		last:   make(map[string]bookSnapshot),
	}
}

// RedisKey returns the hash key a book is written under.
func RedisKey(ob Orderbook) string {
	return fmt.Sprintf("book:%s:%s", ob.Exchange, BookKey(ob))
}

// Run ingests and flushes until ctx is cancelled.
func (rw *RedisWriter) Run(ctx context.Context) {
	var wg conc.WaitGroup

	// Ingestion never blocks the Broadcaster; overflow is dropped.
	wg.Go(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ob, ok := <-rw.feed:
				if !ok {
					return
				}
				select {
				case rw.buf <- ob:
				default:
				}
			}
		}
	})

	wg.Go(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ob := <-rw.buf:
				rw.write(ctx, ob)
			}
		}
	})

	wg.Wait()
}

func (rw *RedisWriter) write(ctx context.Context, ob Orderbook) {
	bid := formatPrice(ob.BestBid())
	ask := formatPrice(ob.BestAsk())
	key := RedisKey(ob)

	rw.mu.Lock()
	prev, ok := rw.last[key]
	if ok && prev.Bid == bid && prev.Ask == ask {
		rw.mu.Unlock()
		return
	}
	rw.last[key] = bookSnapshot{Bid: bid, Ask: ask}
	rw.mu.Unlock()

	ts := strconv.FormatInt(ob.Timestamp.UnixMilli(), 10)
	err := rw.client.HSet(ctx, key,
		"bid", bid,
		"ask", ask,
		"mid", formatPrice(ob.Mid()),
		"market", ob.MarketID,
		"ts", ts)
	if err != nil {
		log.Printf("redis: hset %s: %v", key, err)
		// Forget the snapshot so the next update retries the write.
		rw.mu.Lock()
		delete(rw.last, key)
		rw.mu.Unlock()
	}
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}
