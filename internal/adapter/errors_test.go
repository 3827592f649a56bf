package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestErrorUnwrapsToKindAndCause(t *testing.T) {
	err := Wrap(ErrNetwork, ExchangeKalshi, "fetch_markets", io.ErrUnexpectedEOF)
	if !errors.Is(err, ErrNetwork) {
		t.Fatal("errors.Is kind failed")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatal("errors.Is cause failed")
	}
	if errors.Is(err, ErrExchange) {
		t.Fatal("matched a foreign kind")
	}
	msg := err.Error()
	if !strings.Contains(msg, "kalshi fetch_markets") || !strings.Contains(msg, "unexpected EOF") {
		t.Fatalf("message = %q", msg)
	}
}

func TestKindOfPrefersOutermostKind(t *testing.T) {
	inner := Wrap(ErrAuthentication, ExchangePolymarket, "sign", errors.New("bad key"))
	outer := Wrap(ErrExchange, ExchangePolymarket, "create_order", inner)
	if got := KindOf(outer); got != ErrExchange {
		t.Fatalf("KindOf = %v, want ErrExchange", got)
	}
	if got := KindOf(fmt.Errorf("ctx: %w", ErrRateLimit)); got != ErrRateLimit {
		t.Fatalf("KindOf bare sentinel = %v", got)
	}
	if KindOf(errors.New("plain")) != nil {
		t.Fatal("plain error has no kind")
	}
}

func TestNormalize(t *testing.T) {
	if Normalize(ExchangeKalshi, "x", nil) != nil {
		t.Fatal("nil must stay nil")
	}

	kinded := Errorf(ErrInvalidOrder, ExchangeKalshi, "create_order", "size")
	if Normalize(ExchangeKalshi, "x", kinded) != kinded {
		t.Fatal("taxonomy errors must pass through")
	}

	if err := Normalize(ExchangeKalshi, "x", context.DeadlineExceeded); !errors.Is(err, ErrNetwork) {
		t.Fatalf("deadline = %v, want ErrNetwork", err)
	}
	if err := Normalize(ExchangeKalshi, "x", errors.New("boom")); !errors.Is(err, ErrExchange) {
		t.Fatalf("raw = %v, want ErrExchange", err)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(Wrap(ErrRateLimit, "", "", nil)) {
		t.Fatal("rate limit should be retryable")
	}
	if IsRetryable(Wrap(ErrInvalidOrder, "", "", nil)) {
		t.Fatal("invalid order is structural")
	}
}

func TestUnimplementedReportsNotSupported(t *testing.T) {
	u := Unimplemented{Exchange: ExchangePredictFun}
	if _, err := u.FetchPositions(context.Background(), PositionQuery{}); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("FetchPositions = %v", err)
	}
	if _, err := u.WebSocket(); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("WebSocket = %v", err)
	}
}

func TestNewCapabilities(t *testing.T) {
	c := NewCapabilities(CapFetchMarkets, CapStreaming)
	if len(c) != len(AllCapabilities) {
		t.Fatalf("capability map has %d keys, want every known key", len(c))
	}
	if !c.Has(CapStreaming) || c.Has(CapCreateOrder) {
		t.Fatalf("capabilities = %v", c)
	}
}
