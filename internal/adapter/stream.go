package adapter

import "time"

// ChannelBook is the registry channel every venue uses for orderbook keys.
const ChannelBook = "book"

// BookStream implements Stream on top of a Session whose dialect delivers
// BookEvent payloads on ChannelBook. Each watched key owns one Book, touched
// only by that key's dispatcher.
type BookStream struct {
	*Session

	exchange Exchange
	now      func() time.Time
}

// NewBookStream wraps s.
func NewBookStream(exchange Exchange, s *Session) *BookStream {
	return &BookStream{Session: s, exchange: exchange, now: time.Now}
}

// WatchOrderbook subscribes to key and calls fn with the materialized book
// after every update. Watching a key again replaces fn.
func (bs *BookStream) WatchOrderbook(key string, fn func(Orderbook)) error {
	return bs.WatchOrderbookWith(Subscription{Channel: ChannelBook, Key: key}, fn)
}

// WatchOrderbookWith is WatchOrderbook with venue-specific subscription
// parameters.
func (bs *BookStream) WatchOrderbookWith(sub Subscription, fn func(Orderbook)) error {
	sub.Channel = ChannelBook
	book := NewBook(bs.exchange, "", sub.Key)
	return bs.Session.Subscribe(sub, func(p any) {
		ev, ok := p.(BookEvent)
		if !ok {
			return
		}
		book.Apply(ev)
		ts := ev.Timestamp
		if ts.IsZero() {
			ts = bs.now()
		}
		fn(book.Snapshot(ts))
	})
}

// Unwatch stops delivery for key.
func (bs *BookStream) Unwatch(key string) error {
	return bs.Session.Unsubscribe(ChannelBook, key)
}

var _ Stream = (*BookStream)(nil)
