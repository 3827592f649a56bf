package adapter

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func validRequest() OrderRequest {
	return OrderRequest{
		MarketID: "FED-DEC",
		Outcome:  "Yes",
		Side:     Buy,
		Price:    0.42,
		Size:     10,
	}
}

func TestValidateOrder(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*OrderRequest)
		ok     bool
	}{
		{"valid", func(*OrderRequest) {}, true},
		{"price zero", func(r *OrderRequest) { r.Price = 0 }, false},
		{"price one", func(r *OrderRequest) { r.Price = 1 }, false},
		{"price above one", func(r *OrderRequest) { r.Price = 1.5 }, false},
		{"negative size", func(r *OrderRequest) { r.Size = -1 }, false},
		{"zero size", func(r *OrderRequest) { r.Size = 0 }, false},
		{"nan price", func(r *OrderRequest) { r.Price = math.NaN() }, false},
		{"infinite size", func(r *OrderRequest) { r.Size = math.Inf(1) }, false},
		{"missing market", func(r *OrderRequest) { r.MarketID = "" }, false},
		{"missing outcome", func(r *OrderRequest) { r.Outcome = "" }, false},
		{"bad side", func(r *OrderRequest) { r.Side = "hold" }, false},
		{"gtd without expiry", func(r *OrderRequest) { r.TimeInForce = GTD }, false},
		{"gtd with expiry", func(r *OrderRequest) { r.TimeInForce = GTD; r.ExpiresAt = time.Now().Add(time.Hour) }, true},
		{"unknown tif", func(r *OrderRequest) { r.TimeInForce = "DAY" }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			err := ValidateOrder(ExchangeKalshi, req)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidOrder) {
				t.Fatalf("err = %v, want ErrInvalidOrder", err)
			}
		})
	}
}

func TestDryRunOrder(t *testing.T) {
	now := time.Unix(1700000000, 0)
	o := DryRunOrder(validRequest(), now)
	if !strings.HasPrefix(o.ID, "dry-") {
		t.Fatalf("id = %q", o.ID)
	}
	if o.Status != StatusPending || o.TimeInForce != GTC || !o.CreatedAt.Equal(now) {
		t.Fatalf("order = %+v", o)
	}
	if o.Remaining() != 10 {
		t.Fatalf("remaining = %v", o.Remaining())
	}
}

type mockGate struct{ allow bool }

func (g mockGate) CanTrade(Exchange, string) bool { return g.allow }

// countingVenue records CreateOrder calls.
type countingVenue struct {
	Unimplemented
	creates int
}

func (v *countingVenue) ID() Exchange { return ExchangeKalshi }
func (v *countingVenue) Name() string { return "Counting" }
func (v *countingVenue) Describe() Capabilities { return NewCapabilities(CapCreateOrder) }
func (v *countingVenue) CreateOrder(_ context.Context, req OrderRequest) (Order, error) {
	v.creates++
	return Order{ID: "1", MarketID: req.MarketID, Status: StatusOpen}, nil
}

func TestWithTradingGate(t *testing.T) {
	inner := &countingVenue{Unimplemented: Unimplemented{Exchange: ExchangeKalshi}}

	halted := WithTradingGate(inner, mockGate{allow: false})
	_, err := halted.CreateOrder(context.Background(), validRequest())
	if !errors.Is(err, ErrExchange) || !errors.Is(err, ErrTradingHalted) {
		t.Fatalf("err = %v, want ErrExchange wrapping ErrTradingHalted", err)
	}

	bad := validRequest()
	bad.Price = 2
	if _, err := halted.CreateOrder(context.Background(), bad); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("invalid order behind closed gate = %v, want ErrInvalidOrder", err)
	}

	open := WithTradingGate(inner, mockGate{allow: true})
	o, err := open.CreateOrder(context.Background(), validRequest())
	if err != nil || o.ID != "1" {
		t.Fatalf("CreateOrder = %+v, %v", o, err)
	}
	if inner.creates != 1 {
		t.Fatalf("inner venue called %d times, want 1", inner.creates)
	}
}
