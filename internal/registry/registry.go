// Package registry maps venue identifiers to adapter constructors so callers
// can select a venue without importing its package.
package registry

import (
	"sort"
	"strings"

	"github.com/caesar-terminal/meridian/internal/adapter"
	"github.com/caesar-terminal/meridian/internal/adapter/kalshi"
	"github.com/caesar-terminal/meridian/internal/adapter/poly"
	"github.com/caesar-terminal/meridian/internal/adapter/predictfun"
)

// Constructor builds a venue adapter from its configuration.
type Constructor func(cfg adapter.ExchangeConfig) (adapter.Venue, error)

// factories is fixed at init and never mutated.
var factories = map[adapter.Exchange]Constructor{
	adapter.ExchangePolymarket: func(cfg adapter.ExchangeConfig) (adapter.Venue, error) {
		return poly.New(cfg)
	},
	adapter.ExchangeKalshi: func(cfg adapter.ExchangeConfig) (adapter.Venue, error) {
		return kalshi.New(cfg)
	},
	adapter.ExchangePredictFun: func(cfg adapter.ExchangeConfig) (adapter.Venue, error) {
		return predictfun.New(cfg)
	},
}

// Names lists the registered venue ids in sorted order.
func Names() []adapter.Exchange {
	out := make([]adapter.Exchange, 0, len(factories))
	for id := range factories {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Lookup returns the constructor for id. Ids are case-insensitive.
func Lookup(id string) (Constructor, bool) {
	c, ok := factories[adapter.Exchange(strings.ToLower(strings.TrimSpace(id)))]
	return c, ok
}

// New constructs the adapter registered under id. An unknown id is
// ErrNotSupported and names the available venues.
func New(id string, cfg adapter.ExchangeConfig) (adapter.Venue, error) {
	c, ok := Lookup(id)
	if !ok {
		names := make([]string, 0, len(factories))
		for _, n := range Names() {
			names = append(names, string(n))
		}
		return nil, adapter.Errorf(adapter.ErrNotSupported, adapter.Exchange(id), "new",
			"unknown exchange %q (available: %s)", id, strings.Join(names, ", "))
	}
	return c(cfg)
}
