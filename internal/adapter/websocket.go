package adapter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// SessionState is the connection state of a Session.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateActive
	StateReconnecting
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const writeWait = 10 * time.Second

// SessionConfig holds tunable parameters for a Session.
type SessionConfig struct {
	URL string

	// Header is called before every dial so signed handshakes stay fresh.
	Header func() (http.Header, error)

	ReadBufferSize   int
	WriteBufferSize  int
	HandshakeTimeout time.Duration

	// HeartbeatTimeout is the maximum silence before the connection is
	// considered dead. Zero disables the read deadline.
	HeartbeatTimeout time.Duration

	// PingInterval drives keepalives; the dialect's Ping frame is used when
	// it has one, a control ping otherwise. Zero disables pings.
	PingInterval time.Duration

	// Reconnect delay before attempt n is ReconnectDelay × ReconnectBackoff^(n−1),
	// capped at MaxReconnectDelay.
	ReconnectDelay       time.Duration
	ReconnectBackoff     float64
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int

	// DispatchBuffer is the per-key callback queue length.
	DispatchBuffer int
}

// DefaultSessionConfig returns the defaults used by every venue stream.
func DefaultSessionConfig(url string) SessionConfig {
	return SessionConfig{
		URL:                  url,
		ReadBufferSize:       4096,
		WriteBufferSize:      4096,
		HandshakeTimeout:     10 * time.Second,
		HeartbeatTimeout:     30 * time.Second,
		PingInterval:         10 * time.Second,
		ReconnectDelay:       5 * time.Second,
		ReconnectBackoff:     2.0,
		MaxReconnectDelay:    60 * time.Second,
		MaxReconnectAttempts: 10,
		DispatchBuffer:       256,
	}
}

// Subscription is one registry entry: a channel plus a key within it.
type Subscription struct {
	Channel string
	Key     string
	Params  any

	// Auth marks channels that need credentials before subscribing.
	Auth bool
}

// Delivery is a decoded inbound payload addressed to a registry entry.
type Delivery struct {
	Channel string
	Key     string
	Payload any
}

// Dialect translates registry operations and inbound frames for one venue.
// Its methods are only called from the session's run loop.
type Dialect interface {
	Subscribe(sub Subscription) ([][]byte, error)
	Unsubscribe(sub Subscription) ([][]byte, error)

	// Route decodes a frame into deliveries plus frames to send back
	// immediately (heartbeat answers).
	Route(frame []byte) ([]Delivery, [][]byte, error)
}

// Authenticator is implemented by dialects with authenticated channels. The
// returned frames are written before subscriptions are replayed. Failures
// wrapping ErrAuthentication are fatal.
type Authenticator interface {
	Authenticate(ctx context.Context) ([][]byte, error)
}

// Pinger is implemented by dialects with an application-level keepalive.
type Pinger interface {
	Ping() []byte
}

// Resetter is implemented by dialects holding per-connection state.
type Resetter interface {
	Reset()
}

type regKey struct {
	channel string
	key     string
}

type entry struct {
	sub Subscription
	fn  func(any)
}

type intentKind int

const (
	intentSubscribe intentKind = iota
	intentUnsubscribe
)

type intent struct {
	kind  intentKind
	sub   Subscription
	fn    func(any)
	reply chan error
}

type queued struct {
	fn      func(any)
	payload any
}

type worker struct {
	queue chan queued
}

// run is the state of one Connect..Disconnect/Closed cycle.
type run struct {
	intents chan intent
	stopped chan struct{} // loop exited, connection closed
	done    chan struct{} // stopped and every worker exited
	ready   chan struct{}
	cancel  context.CancelFunc

	readyOnce sync.Once
	err       error

	workers map[regKey]*worker
	wg      sync.WaitGroup
}

// Session is a venue WebSocket connection with a subscription registry. One
// run loop goroutine owns the connection and the registry; public methods
// enqueue intents to it. It reconnects with backoff, replays subscriptions
// on reaching Active and reports exhaustion once as a fatal error.
type Session struct {
	exchange Exchange
	cfg      SessionConfig
	dialect  Dialect
	verbose  bool

	state atomic.Int32

	mu      sync.Mutex
	cur     *run
	running bool

	// owned by the run loop while running, guarded by mu otherwise.
	subs   map[regKey]*entry
	conn   *websocket.Conn
	authed bool

	// OnFatal, if set, is called once when the session moves to Closed.
	OnFatal func(error)

	// onState observes transitions (testing hook).
	onState func(from, to SessionState)
}

// NewSession creates a Session. Call Connect to start it.
func NewSession(exchange Exchange, cfg SessionConfig, dialect Dialect) *Session {
	if cfg.DispatchBuffer <= 0 {
		cfg.DispatchBuffer = 256
	}
	if cfg.ReconnectBackoff < 1 {
		cfg.ReconnectBackoff = 1
	}
	return &Session{
		exchange: exchange,
		cfg:      cfg,
		dialect:  dialect,
		subs:     make(map[regKey]*entry),
	}
}

// SetVerbose enables per-frame logging.
func (s *Session) SetVerbose(v bool) { s.verbose = v }

// State returns the current connection state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(to SessionState) {
	from := SessionState(s.state.Swap(int32(to)))
	if from != to && s.onState != nil {
		s.onState(from, to)
	}
}

// Done is closed when the current run ends, by Disconnect or fatally.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.cur.done
}

// Err returns the fatal error of the last run, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	r := s.cur
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Connect starts the session and blocks until it is Active, it closes
// fatally, or ctx ends. If ctx ends first the session is stopped.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	r := s.cur
	if !s.running {
		rctx, cancel := context.WithCancel(context.Background())
		r = &run{
			intents: make(chan intent),
			stopped: make(chan struct{}),
			done:    make(chan struct{}),
			ready:   make(chan struct{}),
			cancel:  cancel,
			workers: make(map[regKey]*worker),
		}
		s.cur = r
		s.running = true
		go s.run(rctx, r)
	}
	s.mu.Unlock()

	select {
	case <-r.ready:
		return nil
	case <-r.done:
		if r.err != nil {
			return r.err
		}
		return Errorf(ErrNetwork, s.exchange, "connect", "session stopped before becoming active")
	case <-ctx.Done():
		s.Disconnect()
		return Wrap(ErrNetwork, s.exchange, "connect", ctx.Err())
	}
}

// Disconnect stops the session and returns once the receive loop and every
// callback worker have exited. Called from inside a callback it returns once
// the receive loop has exited; the calling worker finishes after the
// callback returns.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	r := s.cur
	running := s.running
	s.mu.Unlock()

	if r == nil || !running {
		s.setState(StateDisconnected)
		return nil
	}
	r.cancel()
	if inCallback() {
		<-r.stopped
	} else {
		<-r.done
	}
	s.setState(StateDisconnected)
	return nil
}

// inCallback reports whether the calling goroutine is a Session dispatcher.
func inCallback() bool {
	pcs := make([]uintptr, 256)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if strings.HasSuffix(f.Function, ".(*Session).dispatch") {
			return true
		}
		if !more {
			return false
		}
	}
}

// Subscribe registers fn for (sub.Channel, sub.Key). Subscribing an existing
// key replaces the callback without sending another subscribe command.
func (s *Session) Subscribe(sub Subscription, fn func(any)) error {
	return s.submit(intent{kind: intentSubscribe, sub: sub, fn: fn})
}

// Unsubscribe removes the entry and, when Active, sends the venue's
// unsubscribe command.
func (s *Session) Unsubscribe(channel, key string) error {
	return s.submit(intent{kind: intentUnsubscribe, sub: Subscription{Channel: channel, Key: key}})
}

func (s *Session) submit(it intent) error {
	for {
		s.mu.Lock()
		if !s.running {
			s.applyOffline(it)
			s.mu.Unlock()
			return nil
		}
		r := s.cur
		s.mu.Unlock()

		it.reply = make(chan error, 1)
		select {
		case r.intents <- it:
			return <-it.reply
		case <-r.done:
			// The loop exited; retry against the stopped session.
		}
	}
}

// applyOffline edits the registry while no run loop exists. Caller holds mu.
func (s *Session) applyOffline(it intent) {
	key := regKey{it.sub.Channel, it.sub.Key}
	switch it.kind {
	case intentSubscribe:
		if e, ok := s.subs[key]; ok {
			e.fn = it.fn
			return
		}
		s.subs[key] = &entry{sub: it.sub, fn: it.fn}
	case intentUnsubscribe:
		delete(s.subs, key)
	}
}

// run is the owner loop: connect, serve, reconnect, until stopped or closed.
func (s *Session) run(ctx context.Context, r *run) {
	defer s.finish(r)

	attempts := 0
	for {
		err := s.establish(ctx, r)
		if err == nil {
			attempts = 0
			err = s.serve(ctx, r)
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrAuthentication) {
			r.err = err
			return
		}

		attempts++
		if attempts > s.cfg.MaxReconnectAttempts {
			log.Printf("%s: ws: giving up after %d reconnect attempts: %v", s.exchange, s.cfg.MaxReconnectAttempts, err)
			r.err = Wrap(ErrNetwork, s.exchange, "stream",
				fmt.Errorf("reconnect attempts exhausted (%d): %w", s.cfg.MaxReconnectAttempts, err))
			return
		}

		s.setState(StateReconnecting)
		delay := s.reconnectDelay(attempts)
		log.Printf("%s: ws: connection lost: %v (attempt %d/%d in %v)", s.exchange, err, attempts, s.cfg.MaxReconnectAttempts, delay)
		if !s.wait(ctx, r, delay) {
			return
		}
	}
}

// reconnectDelay returns the wait before reconnect attempt n (1-based).
func (s *Session) reconnectDelay(n int) time.Duration {
	d := float64(s.cfg.ReconnectDelay) * math.Pow(s.cfg.ReconnectBackoff, float64(n-1))
	if s.cfg.MaxReconnectDelay > 0 && d > float64(s.cfg.MaxReconnectDelay) {
		d = float64(s.cfg.MaxReconnectDelay)
	}
	return time.Duration(d)
}

// wait sleeps for d while still servicing intents. It returns false if the
// session was stopped.
func (s *Session) wait(ctx context.Context, r *run, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		case it := <-r.intents:
			s.handleIntent(ctx, r, it)
		}
	}
}

// establish walks Connecting → Connected → (Authenticating) → Active and
// replays the registry.
func (s *Session) establish(ctx context.Context, r *run) error {
	s.setState(StateConnecting)
	if rs, ok := s.dialect.(Resetter); ok {
		rs.Reset()
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	s.conn = conn
	s.authed = false
	s.setState(StateConnected)

	if s.needsAuth() {
		if err := s.authenticate(ctx); err != nil {
			s.closeConn()
			return err
		}
	}

	for _, e := range s.subs {
		if err := s.sendSubscribe(e.sub); err != nil {
			s.closeConn()
			return err
		}
	}

	s.setState(StateActive)
	r.readyOnce.Do(func() { close(r.ready) })
	return nil
}

func (s *Session) needsAuth() bool {
	for _, e := range s.subs {
		if e.sub.Auth {
			return true
		}
	}
	return false
}

func (s *Session) authenticate(ctx context.Context) error {
	a, ok := s.dialect.(Authenticator)
	if !ok {
		s.authed = true
		return nil
	}
	// An Active session stays Active whether or not the login succeeds.
	if prev := s.State(); prev == StateActive {
		defer s.setState(StateActive)
	}
	s.setState(StateAuthenticating)
	frames, err := a.Authenticate(ctx)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := s.write(f); err != nil {
			return err
		}
	}
	s.authed = true
	return nil
}

// dial establishes the connection with TCP_NODELAY enabled.
func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	var header http.Header
	if s.cfg.Header != nil {
		h, err := s.cfg.Header()
		if err != nil {
			return nil, Wrap(ErrAuthentication, s.exchange, "stream", err)
		}
		header = h
	}

	dialer := websocket.Dialer{
		ReadBufferSize:   s.cfg.ReadBufferSize,
		WriteBufferSize:  s.cfg.WriteBufferSize,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	conn, resp, err := dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, Wrap(ErrAuthentication, s.exchange, "stream", err)
		}
		return nil, err
	}

	conn.SetPingHandler(func(appData string) error {
		s.extendDeadline(conn)
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	conn.SetPongHandler(func(string) error {
		s.extendDeadline(conn)
		return nil
	})
	return conn, nil
}

func (s *Session) extendDeadline(c *websocket.Conn) {
	if s.cfg.HeartbeatTimeout > 0 {
		c.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout))
	}
}

// serve runs while the connection is healthy. It returns the reason the
// connection ended.
func (s *Session) serve(ctx context.Context, r *run) error {
	conn := s.conn
	frames := make(chan []byte)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	readerDone := make(chan struct{})

	go func() {
		defer close(readerDone)
		s.readLoop(conn, frames, readErr, stop)
	}()
	defer func() {
		close(stop)
		s.closeConn()
		<-readerDone
	}()

	var pingC <-chan time.Time
	if s.cfg.PingInterval > 0 {
		t := time.NewTicker(s.cfg.PingInterval)
		defer t.Stop()
		pingC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case f := <-frames:
			if err := s.route(ctx, r, f); err != nil {
				return err
			}
		case it := <-r.intents:
			s.handleIntent(ctx, r, it)
		case <-pingC:
			if err := s.ping(); err != nil {
				return err
			}
		}
	}
}

// readLoop reads frames and hands them to the run loop. It doubles as the
// heartbeat monitor: silence beyond HeartbeatTimeout ends the connection.
func (s *Session) readLoop(c *websocket.Conn, frames chan<- []byte, errc chan<- error, stop <-chan struct{}) {
	for {
		s.extendDeadline(c)
		_, msg, err := c.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		select {
		case frames <- msg:
		case <-stop:
			return
		}
	}
}

// route decodes one frame and queues deliveries for registered keys. Frames
// for unknown keys are dropped.
func (s *Session) route(ctx context.Context, r *run, frame []byte) error {
	deliveries, replies, err := s.dialect.Route(frame)
	if err != nil {
		if s.verbose {
			log.Printf("%s: ws: dropping frame: %v", s.exchange, err)
		}
		return nil
	}
	for _, rep := range replies {
		if err := s.write(rep); err != nil {
			return err
		}
	}
	for _, d := range deliveries {
		key := regKey{d.Channel, d.Key}
		e, ok := s.subs[key]
		if !ok {
			continue
		}
		w := s.worker(r, key)
		select {
		case w.queue <- queued{fn: e.fn, payload: d.Payload}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// worker returns the dispatcher for key, starting it on first use. Each key
// has one goroutine so callbacks for that key never run concurrently or out
// of order.
func (s *Session) worker(r *run, key regKey) *worker {
	if w, ok := r.workers[key]; ok {
		return w
	}
	w := &worker{queue: make(chan queued, s.cfg.DispatchBuffer)}
	r.workers[key] = w
	r.wg.Add(1)
	go s.dispatch(r, w)
	return w
}

func (s *Session) dispatch(r *run, w *worker) {
	defer r.wg.Done()
	for q := range w.queue {
		q.fn(q.payload)
	}
}

func (s *Session) stopWorker(r *run, key regKey) {
	if w, ok := r.workers[key]; ok {
		close(w.queue)
		delete(r.workers, key)
	}
}

func (s *Session) handleIntent(ctx context.Context, r *run, it intent) {
	key := regKey{it.sub.Channel, it.sub.Key}
	active := s.State() == StateActive && s.conn != nil

	switch it.kind {
	case intentSubscribe:
		if e, ok := s.subs[key]; ok {
			e.fn = it.fn
			it.reply <- nil
			return
		}
		s.subs[key] = &entry{sub: it.sub, fn: it.fn}
		if !active {
			it.reply <- nil
			return
		}
		if it.sub.Auth && !s.authed {
			if err := s.authenticate(ctx); err != nil {
				delete(s.subs, key)
				it.reply <- Normalize(s.exchange, "subscribe", err)
				return
			}
		}
		if err := s.sendSubscribe(it.sub); err != nil {
			// The entry stays registered and is replayed after reconnect.
			log.Printf("%s: ws: subscribe %s/%s: %v", s.exchange, it.sub.Channel, it.sub.Key, err)
		}
		it.reply <- nil

	case intentUnsubscribe:
		e, ok := s.subs[key]
		if !ok {
			it.reply <- nil
			return
		}
		delete(s.subs, key)
		s.stopWorker(r, key)
		if active {
			frames, err := s.dialect.Unsubscribe(e.sub)
			if err == nil {
				for _, f := range frames {
					if err = s.write(f); err != nil {
						break
					}
				}
			}
			if err != nil {
				log.Printf("%s: ws: unsubscribe %s/%s: %v", s.exchange, e.sub.Channel, e.sub.Key, err)
			}
		}
		it.reply <- nil
	}
}

func (s *Session) sendSubscribe(sub Subscription) error {
	frames, err := s.dialect.Subscribe(sub)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := s.write(f); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) ping() error {
	if p, ok := s.dialect.(Pinger); ok {
		return s.write(p.Ping())
	}
	if s.conn == nil {
		return nil
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *Session) write(data []byte) error {
	if s.conn == nil {
		return errors.New("not connected")
	}
	if s.verbose {
		log.Printf("%s: ws: send %s", s.exchange, data)
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) closeConn() {
	if s.conn == nil {
		return
	}
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.conn.Close()
	s.conn = nil
}

// finish releases the connection and workers and publishes the final state.
func (s *Session) finish(r *run) {
	s.closeConn()
	for key := range r.workers {
		s.stopWorker(r, key)
	}
	close(r.stopped)
	r.wg.Wait()

	if r.err != nil {
		s.setState(StateClosed)
	} else {
		s.setState(StateDisconnected)
	}

	s.mu.Lock()
	s.running = false
	close(r.done)
	s.mu.Unlock()

	if r.err != nil && s.OnFatal != nil {
		s.OnFatal(r.err)
	}
}
