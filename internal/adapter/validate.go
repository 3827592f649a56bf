package adapter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// ValidateOrder runs the pre-flight checks every adapter applies before any
// network call. It fails fast with ErrInvalidOrder on the first violation.
func ValidateOrder(exchange Exchange, req OrderRequest) error {
	if err := validateOrder(req); err != nil {
		return Wrap(ErrInvalidOrder, exchange, "create_order", err)
	}
	return nil
}

func validateOrder(req OrderRequest) error {
	if req.MarketID == "" {
		return fmt.Errorf("market id is required")
	}
	if req.Outcome == "" {
		return fmt.Errorf("outcome is required")
	}
	if req.Side != Buy && req.Side != Sell {
		return fmt.Errorf("invalid side %q", req.Side)
	}
	if !(req.Price > 0 && req.Price < 1) {
		return fmt.Errorf("price %.4f not in (0, 1)", req.Price)
	}
	if !(req.Size > 0) || math.IsInf(req.Size, 1) {
		return fmt.Errorf("size %.4f must be positive", req.Size)
	}
	switch req.TimeInForce {
	case "", GTC, FOK, IOC:
	case GTD:
		if req.ExpiresAt.IsZero() {
			return fmt.Errorf("GTD order requires an expiry")
		}
	default:
		return fmt.Errorf("invalid time in force %q", req.TimeInForce)
	}
	return nil
}

// DryRunOrder builds the pending Order returned when DryRun is set.
func DryRunOrder(req OrderRequest, now time.Time) Order {
	tif := req.TimeInForce
	if tif == "" {
		tif = GTC
	}
	return Order{
		ID:          "dry-" + uuid.NewString(),
		MarketID:    req.MarketID,
		Outcome:     req.Outcome,
		Side:        req.Side,
		Price:       req.Price,
		Size:        req.Size,
		TimeInForce: tif,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// TradingGate decides whether orders may be sent for a market.
// Satisfied by CircuitBreaker.
type TradingGate interface {
	CanTrade(exchange Exchange, marketID string) bool
}

// ErrTradingHalted is wrapped in ErrExchange when a gate refuses an order.
var ErrTradingHalted = errors.New("trading halted for market")

type gatedVenue struct {
	Venue
	gate TradingGate
}

// WithTradingGate returns a Venue whose CreateOrder is refused while gate
// reports the market unhealthy. Validation still runs first so bad input is
// reported as ErrInvalidOrder regardless of gate state.
func WithTradingGate(v Venue, gate TradingGate) Venue {
	return &gatedVenue{Venue: v, gate: gate}
}

func (g *gatedVenue) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if err := ValidateOrder(g.ID(), req); err != nil {
		return Order{}, err
	}
	if !g.gate.CanTrade(g.ID(), req.MarketID) {
		return Order{}, Wrap(ErrExchange, g.ID(), "create_order", ErrTradingHalted)
	}
	return g.Venue.CreateOrder(ctx, req)
}
