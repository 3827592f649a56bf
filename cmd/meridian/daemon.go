package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/caesar-terminal/meridian/internal/adapter"
	"github.com/caesar-terminal/meridian/internal/config"
	"github.com/caesar-terminal/meridian/internal/signer"
)

// daemon streams the configured books from every venue into Redis and
// watches linked outcomes for cross-venue crossings.
type daemon struct {
	cfg      *config.Config
	newVenue func(id string, cfg adapter.ExchangeConfig) (adapter.Venue, error)
	redis    adapter.RedisClient

	remote *signer.Client
}

// healthEvery is how often tradability is re-checked for logging.
const healthEvery = time.Second

func (d *daemon) run(ctx context.Context) error {
	links, err := parseLinks(d.cfg.Feed.Links)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bc := adapter.NewBroadcaster()

	breakerCfg := adapter.DefaultCircuitBreakerConfig()
	if d.cfg.Feed.StaleAfter > 0 {
		breakerCfg.StaleThreshold = d.cfg.Feed.StaleAfter
	}
	breaker := adapter.NewCircuitBreaker(breakerCfg, bc.SubscribeAll())
	writer := adapter.NewRedisWriter(d.redis, bc.SubscribeAll())

	monitor := adapter.NewSpreadMonitor(bc, d.cfg.Feed.SpreadThreshold)
	for _, l := range links {
		monitor.Link(l)
	}

	var streams []venueStream
	defer func() {
		for _, vs := range streams {
			vs.stream.Disconnect()
		}
		if d.remote != nil {
			d.remote.Close()
		}
	}()

	for _, id := range feedVenues(d.cfg.Feed.Books) {
		s, err := d.startVenue(ctx, id, d.cfg.Feed.Books[id], bc, breaker)
		if err != nil {
			return err
		}
		streams = append(streams, venueStream{id: id, stream: s})
	}
	if len(streams) == 0 {
		log.Printf("feed: no books configured; set MERIDIAN_FEED_BOOKS_<VENUE>")
	}

	var wg conc.WaitGroup
	wg.Go(func() { bc.Run(ctx) })
	wg.Go(func() { breaker.Run(ctx) })
	wg.Go(func() { writer.Run(ctx) })
	wg.Go(func() { monitor.Run(ctx) })
	wg.Go(func() { logSpreads(ctx, monitor.Events()) })
	wg.Go(func() { reportHealth(ctx, breaker, d.cfg.Feed.Books, healthEvery) })

	fatal := make(chan error, len(streams))
	for _, vs := range streams {
		wg.Go(func() { watchStream(ctx, vs, fatal) })
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-fatal:
		log.Printf("feed: %v", runErr)
		cancel()
	}
	wg.Wait()
	return runErr
}

type venueStream struct {
	id     adapter.Exchange
	stream adapter.Stream
}

// watchStream reports a stream that closed on its own: reconnects ran out or
// the venue rejected its credentials.
func watchStream(ctx context.Context, vs venueStream, fatal chan<- error) {
	select {
	case <-ctx.Done():
	case <-vs.stream.Done():
		if ctx.Err() != nil {
			return
		}
		err := vs.stream.Err()
		if err == nil {
			err = errors.New("stopped")
		}
		fatal <- fmt.Errorf("%s stream closed: %w", vs.id, err)
	}
}

// reportHealth logs every configured book's tradability when it changes.
func reportHealth(ctx context.Context, gate adapter.TradingGate, books map[adapter.Exchange][]string, every time.Duration) {
	last := make(map[string]bool)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		for _, line := range healthChanges(gate, books, last) {
			log.Print(line)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// healthChanges returns a log line for each book whose tradability differs
// from last, updating last.
func healthChanges(gate adapter.TradingGate, books map[adapter.Exchange][]string, last map[string]bool) []string {
	var out []string
	for _, id := range feedVenues(books) {
		for _, key := range books[id] {
			ok := gate.CanTrade(id, key)
			bk := string(id) + ":" + key
			if prev, seen := last[bk]; seen && prev == ok {
				continue
			}
			last[bk] = ok
			if ok {
				out = append(out, fmt.Sprintf("health: %s %s tradable", id, key))
			} else {
				out = append(out, fmt.Sprintf("health: %s %s halted", id, key))
			}
		}
	}
	return out
}

// startVenue connects one venue's stream and watches keys, publishing each
// book into a Feed registered with bc.
func (d *daemon) startVenue(ctx context.Context, id adapter.Exchange, keys []string, bc *adapter.Broadcaster, breaker *adapter.CircuitBreaker) (adapter.Stream, error) {
	ec, err := d.cfg.Exchange(id)
	if err != nil {
		return nil, err
	}
	if ec.Signer, err = d.signerFor(ctx, id); err != nil {
		return nil, fmt.Errorf("%s signer: %w", id, err)
	}

	venue, err := d.newVenue(string(id), ec)
	if err != nil {
		return nil, err
	}
	stream, err := venue.WebSocket()
	if err != nil {
		return nil, err
	}

	feed := adapter.NewFeed(256)
	bc.Register(feed)
	breaker.WatchConnection(id, stream)

	if err := stream.Connect(ctx); err != nil {
		return nil, err
	}
	for _, key := range keys {
		if err := stream.WatchOrderbook(key, func(ob adapter.Orderbook) { feed.Offer(ctx, ob) }); err != nil {
			stream.Disconnect()
			return nil, fmt.Errorf("%s watch %s: %w", id, key, err)
		}
	}

	log.Printf("feed: %s streaming %d book(s)", venue.Name(), len(keys))
	return stream, nil
}

// signerFor returns the order signer for id: the signer daemon when
// configured remote, an in-process session for a configured key, or nil for
// venues that sign requests themselves.
func (d *daemon) signerFor(ctx context.Context, id adapter.Exchange) (adapter.Signer, error) {
	if id == adapter.ExchangeKalshi {
		return nil, nil
	}
	if d.cfg.Signer.Remote {
		if d.remote == nil {
			c, err := signer.Dial(ctx, d.cfg.Signer.SocketPath)
			if err != nil {
				return nil, err
			}
			d.remote = c
		}
		return d.remote, nil
	}

	raw := d.cfg.PrivateKey(id)
	if raw == "" {
		return nil, nil
	}
	key, err := config.ParsePrivateKey(raw)
	if err != nil {
		return nil, err
	}
	limit, ok := new(big.Int).SetString(d.cfg.Signer.MaxValue, 10)
	if !ok {
		return nil, fmt.Errorf("invalid signer max value %q", d.cfg.Signer.MaxValue)
	}

	session := signer.NewSessionManager(time.Duration(d.cfg.Signer.SessionTTLSec) * time.Second)
	if err := session.Activate(key, limit); err != nil {
		return nil, err
	}
	return signer.NewLocal(session), nil
}

func logSpreads(ctx context.Context, events <-chan adapter.SpreadEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			log.Printf("spread: %s: %s bid %.4f > %s ask %.4f (spread %.4f)",
				ev.Outcome.Name, ev.BidLeg.Exchange, ev.Bid, ev.AskLeg.Exchange, ev.Ask, ev.Spread)
		}
	}
}

func feedVenues(books map[adapter.Exchange][]string) []adapter.Exchange {
	out := make([]adapter.Exchange, 0, len(books))
	for id, keys := range books {
		if len(keys) > 0 {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// parseLinks parses "name=venue:key,venue:key" entries. Each outcome needs
// at least two legs.
func parseLinks(specs []string) ([]adapter.LinkedOutcome, error) {
	var out []adapter.LinkedOutcome
	for _, s := range specs {
		name, legs, ok := strings.Cut(strings.TrimSpace(s), "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("link %q: expected name=venue:key,...", s)
		}

		o := adapter.LinkedOutcome{Name: name}
		for _, leg := range strings.Split(legs, ",") {
			venue, key, ok := strings.Cut(strings.TrimSpace(leg), ":")
			venue = strings.ToLower(strings.TrimSpace(venue))
			key = strings.TrimSpace(key)
			if !ok || venue == "" || key == "" {
				return nil, fmt.Errorf("link %q: bad leg %q", name, leg)
			}
			o.Legs = append(o.Legs, adapter.Leg{Exchange: adapter.Exchange(venue), Key: key})
		}
		if len(o.Legs) < 2 {
			return nil, fmt.Errorf("link %q: needs at least two legs", name)
		}
		out = append(out, o)
	}
	return out, nil
}
