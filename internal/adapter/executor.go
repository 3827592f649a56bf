package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// class is the executor's classification of one attempt.
type class int

const (
	classSuccess class = iota
	classTransient
	classRateLimited
	classAuth
	classNotFound
	classClientError
	classServerError
)

func (c class) String() string {
	switch c {
	case classSuccess:
		return "success"
	case classTransient:
		return "transient"
	case classRateLimited:
		return "rate-limited"
	case classAuth:
		return "auth"
	case classNotFound:
		return "not-found"
	case classClientError:
		return "client-error"
	case classServerError:
		return "server-error"
	default:
		return "unknown"
	}
}

func (c class) retryable() bool {
	return c == classTransient || c == classRateLimited || c == classServerError
}

// Request describes one logical REST call. The body is encoded once and
// replayed on every attempt.
type Request struct {
	Method string
	// URL is absolute, or relative to the executor's base URL.
	URL    string
	Query  url.Values
	Body   any
	Header http.Header

	// Sign is invoked on every attempt after the request is built, with the
	// encoded body, so signatures carry a fresh timestamp.
	Sign func(r *http.Request, body []byte) error

	// NotFound and BadRequest select the taxonomy kind for 404 and other 4xx
	// responses. Defaults: ErrMarketNotFound and ErrExchange.
	NotFound   error
	BadRequest error

	// Op names the contract operation for error context.
	Op string
}

// StatusError is the cause attached to non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("http %d: %s", e.Code, strings.TrimSpace(body))
}

// Executor issues REST calls through the adapter's rate limiter, retrying
// transient failures with exponential backoff.
type Executor struct {
	exchange Exchange
	baseURL  string
	client   *http.Client
	limiter  *RateLimiter

	maxRetries int
	retryDelay time.Duration
	backoff    float64
	timeout    time.Duration
	verbose    bool

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor builds an executor for one adapter instance.
func NewExecutor(exchange Exchange, baseURL string, cfg ExchangeConfig) *Executor {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Executor{
		exchange:   exchange,
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     client,
		limiter:    NewRateLimiter(cfg.RateLimit),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		backoff:    cfg.RetryBackoff,
		timeout:    cfg.Timeout,
		verbose:    cfg.Verbose,
		sleep:      sleepCtx,
	}
}

// BaseURL returns the base the executor resolves relative URLs against.
func (e *Executor) BaseURL() string { return e.baseURL }

// RetryDelay is the wait before retry number attempt (0-based):
// retry_delay × backoff^attempt.
func (e *Executor) RetryDelay(attempt int) time.Duration {
	return time.Duration(float64(e.retryDelay) * math.Pow(e.backoff, float64(attempt)))
}

// DoJSON executes req and decodes the 2xx body into out. A body that does
// not decode is an ErrExchange; partial results are never returned.
func (e *Executor) DoJSON(ctx context.Context, req Request, out any) error {
	body, err := e.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return Wrap(ErrExchange, e.exchange, req.Op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// Do executes req, returning the raw 2xx body.
func (e *Executor) Do(ctx context.Context, req Request) ([]byte, error) {
	var payload []byte
	if req.Body != nil {
		var err error
		if payload, err = json.Marshal(req.Body); err != nil {
			return nil, Wrap(ErrExchange, e.exchange, req.Op, fmt.Errorf("encode request: %w", err))
		}
	}

	var (
		lastClass class
		lastErr   error
	)
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			d := e.RetryDelay(attempt - 1)
			if e.verbose {
				log.Printf("%s: %s %s retry %d/%d in %v (%s)", e.exchange, req.Method, req.URL, attempt, e.maxRetries, d, lastClass)
			}
			if err := e.sleep(ctx, d); err != nil {
				return nil, Wrap(ErrNetwork, e.exchange, req.Op, err)
			}
		}

		if err := e.limiter.Wait(ctx); err != nil {
			return nil, Wrap(ErrNetwork, e.exchange, req.Op, err)
		}

		body, c, err := e.attempt(ctx, req, payload)
		if c == classSuccess {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, Wrap(ErrNetwork, e.exchange, req.Op, ctx.Err())
		}
		lastClass, lastErr = c, err
		if !c.retryable() {
			return nil, Wrap(e.kindFor(c, req), e.exchange, req.Op, err)
		}
	}

	if lastClass == classRateLimited {
		return nil, Wrap(ErrRateLimit, e.exchange, req.Op, lastErr)
	}
	return nil, Wrap(ErrNetwork, e.exchange, req.Op, lastErr)
}

// attempt performs one network round trip under its own timeout.
func (e *Executor) attempt(ctx context.Context, req Request, payload []byte) ([]byte, class, error) {
	actx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	hr, err := e.build(actx, req, payload)
	if err != nil {
		return nil, classClientError, err
	}

	resp, err := e.client.Do(hr)
	if err != nil {
		return nil, classTransient, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classTransient, fmt.Errorf("read body: %w", err)
	}

	c := classify(resp.StatusCode)
	if e.verbose {
		log.Printf("%s: %s %s -> %d (%s)", e.exchange, req.Method, hr.URL.Path, resp.StatusCode, c)
	}
	if c == classSuccess {
		return body, c, nil
	}
	return nil, c, &StatusError{Code: resp.StatusCode, Body: string(body)}
}

func (e *Executor) build(ctx context.Context, req Request, payload []byte) (*http.Request, error) {
	u := req.URL
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = e.baseURL + u
	}
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	hr, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	hr.Header.Set("Accept", "application/json")
	if payload != nil {
		hr.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	if req.Sign != nil {
		if err := req.Sign(hr, payload); err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}
	return hr, nil
}

func (e *Executor) kindFor(c class, req Request) error {
	switch c {
	case classAuth:
		return ErrAuthentication
	case classNotFound:
		if req.NotFound != nil {
			return req.NotFound
		}
		return ErrMarketNotFound
	case classClientError:
		if req.BadRequest != nil {
			return req.BadRequest
		}
		return ErrExchange
	default:
		return ErrExchange
	}
}

// classify maps an HTTP status to an attempt class.
func classify(code int) class {
	switch {
	case code >= 200 && code < 300:
		return classSuccess
	case code == http.StatusTooManyRequests:
		return classRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return classAuth
	case code == http.StatusNotFound:
		return classNotFound
	case code == http.StatusRequestTimeout:
		return classTransient
	case code >= 400 && code < 500:
		return classClientError
	default:
		return classServerError
	}
}

// StatusCode extracts the HTTP status from an executor error, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
