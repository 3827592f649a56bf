package adapter

import (
	"fmt"
	"net/http"
	"time"
)

// Environment selects production or demo/testnet endpoints.
type Environment string

const (
	Production Environment = "production"
	Demo       Environment = "demo"
)

// Credentials holds the optional secrets an adapter may need. Which fields
// are used depends on the venue.
type Credentials struct {
	APIKey        string
	APISecret     string
	APIPassphrase string

	// PrivateKeyPEM is an RSA key (Kalshi request signing).
	PrivateKeyPEM []byte

	// Address is the wallet that owns funds; Funder overrides it as maker
	// for proxy wallets.
	Address       string
	Funder        string
	SignatureType uint8
}

// ExchangeConfig is captured once at adapter construction and never mutated.
// Adapters keep their own copy.
type ExchangeConfig struct {
	Credentials Credentials

	// Signer produces signed order payloads for venues that settle on-chain.
	Signer Signer

	RateLimit    float64 // requests per second
	MaxRetries   int
	RetryDelay   time.Duration
	RetryBackoff float64
	Timeout      time.Duration
	Environment  Environment
	Verbose      bool
	DryRun       bool

	// Optional endpoint overrides, mostly for tests.
	BaseURL string
	WSURL   string

	// HTTPClient is used for REST calls when set.
	HTTPClient *http.Client
}

// DefaultExchangeConfig returns the defaults every adapter starts from.
func DefaultExchangeConfig() ExchangeConfig {
	return ExchangeConfig{
		RateLimit:    10,
		MaxRetries:   3,
		RetryDelay:   time.Second,
		RetryBackoff: 2.0,
		Timeout:      30 * time.Second,
		Environment:  Production,
	}
}

// Validate rejects configurations the executor cannot honour.
func (c ExchangeConfig) Validate() error {
	if c.RateLimit <= 0 {
		return fmt.Errorf("rate_limit must be positive, got %v", c.RateLimit)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry_delay must not be negative, got %v", c.RetryDelay)
	}
	if c.RetryBackoff < 1 {
		return fmt.Errorf("retry_backoff must be >= 1, got %v", c.RetryBackoff)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	switch c.Environment {
	case Production, Demo:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	return nil
}

// IsDemo reports whether demo/testnet endpoints should be used.
func (c ExchangeConfig) IsDemo() bool { return c.Environment == Demo }
