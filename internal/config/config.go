package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/caesar-terminal/meridian/internal/adapter"
)

var (
	ErrUnknownVenue      = errors.New("unknown venue")
	ErrMissingCredential = errors.New("missing required credential")
	ErrInvalidPrivateKey = errors.New("invalid private key")
)

// Config holds all application configuration.
type Config struct {
	Env                string `mapstructure:"env"`
	LocalStackEndpoint string `mapstructure:"localstack_endpoint"`
	Signer             SignerConfig
	Redis              RedisConfig
	Executor           ExecutorConfig
	Feed               FeedConfig
	Polymarket         PolymarketConfig
	Kalshi             KalshiConfig
	PredictFun         PredictFunConfig
}

// SignerConfig holds signer-specific settings.
type SignerConfig struct {
	SocketPath    string `mapstructure:"socket_path"`
	SessionTTLSec int    `mapstructure:"session_ttl_sec"`
	KMSKeyID      string `mapstructure:"kms_key_id"`
	AWSRegion     string `mapstructure:"aws_region"`
	// EncryptedKeyPath is a KMS ciphertext blob holding the session key.
	EncryptedKeyPath string `mapstructure:"encrypted_key_path"`
	// MaxValue caps the cumulative maker amount a session may sign, in
	// micro-USD across all venues.
	MaxValue string `mapstructure:"max_value"`
	// Remote routes order signing through the signer daemon instead of an
	// in-process key.
	Remote bool `mapstructure:"remote"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	TTLSec   int    `mapstructure:"ttl_sec"`
}

// ExecutorConfig holds the request executor settings shared by every venue.
type ExecutorConfig struct {
	RateLimit    float64
	MaxRetries   int
	RetryDelay   time.Duration
	RetryBackoff float64
	Timeout      time.Duration
	Verbose      bool
	DryRun       bool
}

// FeedConfig selects the books cmd/meridian streams.
type FeedConfig struct {
	// Books maps a venue to the book keys to watch.
	Books           map[adapter.Exchange][]string
	StaleAfter      time.Duration
	SpreadThreshold float64
	// Links are cross-venue outcomes, each "name=venue:key,venue:key".
	Links []string
}

type PolymarketConfig struct {
	PrivateKey    string
	Funder        string
	APIKey        string
	APISecret     string
	APIPassphrase string
	SignatureType int
}

type KalshiConfig struct {
	APIKeyID       string
	PrivateKeyPath string
	PrivateKeyPEM  string
	Demo           bool
}

type PredictFunConfig struct {
	APIKey                     string
	PrivateKey                 string
	UseSmartWallet             bool
	SmartWalletAddress         string
	SmartWalletOwnerPrivateKey string
	Testnet                    bool
}

// venueEnv binds config keys to the conventional unprefixed variable names
// venue tooling already uses.
var venueEnv = map[string]string{
	"polymarket.private_key":    "POLYMARKET_PRIVATE_KEY",
	"polymarket.funder":         "POLYMARKET_FUNDER",
	"polymarket.api_key":        "POLYMARKET_API_KEY",
	"polymarket.api_secret":     "POLYMARKET_API_SECRET",
	"polymarket.api_passphrase": "POLYMARKET_API_PASSPHRASE",
	"polymarket.signature_type": "POLYMARKET_SIGNATURE_TYPE",

	"kalshi.api_key_id":       "KALSHI_API_KEY_ID",
	"kalshi.private_key_path": "KALSHI_PRIVATE_KEY_PATH",
	"kalshi.private_key_pem":  "KALSHI_PRIVATE_KEY_PEM",
	"kalshi.demo":             "KALSHI_DEMO",

	"predictfun.api_key":                        "PREDICTFUN_API_KEY",
	"predictfun.private_key":                    "PREDICTFUN_PRIVATE_KEY",
	"predictfun.use_smart_wallet":               "PREDICTFUN_USE_SMART_WALLET",
	"predictfun.smart_wallet_address":           "PREDICTFUN_SMART_WALLET_ADDRESS",
	"predictfun.smart_wallet_owner_private_key": "PREDICTFUN_SMART_WALLET_OWNER_PRIVATE_KEY",
	"predictfun.testnet":                        "PREDICTFUN_TESTNET",
}

// Load reads configuration from environment variables prefixed with
// MERIDIAN_, the venue variables in venueEnv, and the optional file named by
// MERIDIAN_CONFIG.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MERIDIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range venueEnv {
		prefixed := "MERIDIAN_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	// Defaults
	v.SetDefault("env", "development")

	// Signer defaults
	v.SetDefault("signer.socket_path", "/var/run/meridian/signer.sock")
	v.SetDefault("signer.session_ttl_sec", 3600)
	v.SetDefault("signer.aws_region", "us-east-1")
	v.SetDefault("signer.max_value", "1000000000000") // 1M USDC

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl_sec", 60)

	// Executor defaults mirror adapter.DefaultExchangeConfig.
	v.SetDefault("exchange.rate_limit", 10.0)
	v.SetDefault("exchange.max_retries", 3)
	v.SetDefault("exchange.retry_delay_ms", 1000)
	v.SetDefault("exchange.retry_backoff", 2.0)
	v.SetDefault("exchange.timeout_sec", 30)

	// Feed defaults
	v.SetDefault("feed.stale_after_ms", 5000)
	v.SetDefault("feed.spread_threshold", 0.0)

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("env")
	cfg.LocalStackEndpoint = v.GetString("localstack_endpoint")

	cfg.Signer = SignerConfig{
		SocketPath:       v.GetString("signer.socket_path"),
		SessionTTLSec:    v.GetInt("signer.session_ttl_sec"),
		KMSKeyID:         v.GetString("signer.kms_key_id"),
		AWSRegion:        v.GetString("signer.aws_region"),
		EncryptedKeyPath: v.GetString("signer.encrypted_key_path"),
		MaxValue:         v.GetString("signer.max_value"),
		Remote:           v.GetBool("signer.remote"),
	}

	cfg.Redis = RedisConfig{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
		TTLSec:   v.GetInt("redis.ttl_sec"),
	}

	cfg.Executor = ExecutorConfig{
		RateLimit:    v.GetFloat64("exchange.rate_limit"),
		MaxRetries:   v.GetInt("exchange.max_retries"),
		RetryDelay:   time.Duration(v.GetInt("exchange.retry_delay_ms")) * time.Millisecond,
		RetryBackoff: v.GetFloat64("exchange.retry_backoff"),
		Timeout:      time.Duration(v.GetInt("exchange.timeout_sec")) * time.Second,
		Verbose:      v.GetBool("exchange.verbose"),
		DryRun:       v.GetBool("exchange.dry_run"),
	}

	cfg.Feed = FeedConfig{
		Books:           make(map[adapter.Exchange][]string),
		StaleAfter:      time.Duration(v.GetInt("feed.stale_after_ms")) * time.Millisecond,
		SpreadThreshold: v.GetFloat64("feed.spread_threshold"),
		Links:           splitList(v.GetString("feed.links"), ";"),
	}
	for _, id := range []adapter.Exchange{adapter.ExchangePolymarket, adapter.ExchangeKalshi, adapter.ExchangePredictFun} {
		if keys := splitList(v.GetString("feed.books."+string(id)), ","); len(keys) > 0 {
			cfg.Feed.Books[id] = keys
		}
	}

	cfg.Polymarket = PolymarketConfig{
		PrivateKey:    v.GetString("polymarket.private_key"),
		Funder:        v.GetString("polymarket.funder"),
		APIKey:        v.GetString("polymarket.api_key"),
		APISecret:     v.GetString("polymarket.api_secret"),
		APIPassphrase: v.GetString("polymarket.api_passphrase"),
		SignatureType: v.GetInt("polymarket.signature_type"),
	}

	cfg.Kalshi = KalshiConfig{
		APIKeyID:       v.GetString("kalshi.api_key_id"),
		PrivateKeyPath: v.GetString("kalshi.private_key_path"),
		PrivateKeyPEM:  v.GetString("kalshi.private_key_pem"),
		Demo:           v.GetBool("kalshi.demo"),
	}

	cfg.PredictFun = PredictFunConfig{
		APIKey:                     v.GetString("predictfun.api_key"),
		PrivateKey:                 v.GetString("predictfun.private_key"),
		UseSmartWallet:             v.GetBool("predictfun.use_smart_wallet"),
		SmartWalletAddress:         v.GetString("predictfun.smart_wallet_address"),
		SmartWalletOwnerPrivateKey: v.GetString("predictfun.smart_wallet_owner_private_key"),
		Testnet:                    v.GetBool("predictfun.testnet"),
	}

	return cfg, nil
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Exchange builds the adapter configuration for a venue. The Signer is left
// nil; the caller attaches one built from PrivateKey or the signer daemon.
func (c *Config) Exchange(id adapter.Exchange) (adapter.ExchangeConfig, error) {
	ec := adapter.DefaultExchangeConfig()
	ec.RateLimit = c.Executor.RateLimit
	ec.MaxRetries = c.Executor.MaxRetries
	ec.RetryDelay = c.Executor.RetryDelay
	ec.RetryBackoff = c.Executor.RetryBackoff
	ec.Timeout = c.Executor.Timeout
	ec.Verbose = c.Executor.Verbose
	ec.DryRun = c.Executor.DryRun

	switch id {
	case adapter.ExchangePolymarket:
		p := c.Polymarket
		ec.Credentials = adapter.Credentials{
			APIKey:        p.APIKey,
			APISecret:     p.APISecret,
			APIPassphrase: p.APIPassphrase,
			Funder:        p.Funder,
			SignatureType: uint8(p.SignatureType),
		}
	case adapter.ExchangeKalshi:
		k := c.Kalshi
		ec.Credentials.APIKey = k.APIKeyID
		switch {
		case k.PrivateKeyPEM != "":
			// Env values often carry literal \n.
			ec.Credentials.PrivateKeyPEM = []byte(strings.ReplaceAll(k.PrivateKeyPEM, `\n`, "\n"))
		case k.PrivateKeyPath != "":
			pem, err := os.ReadFile(k.PrivateKeyPath)
			if err != nil {
				return ec, fmt.Errorf("read kalshi private key: %w", err)
			}
			ec.Credentials.PrivateKeyPEM = pem
		}
		if k.Demo {
			ec.Environment = adapter.Demo
		}
	case adapter.ExchangePredictFun:
		p := c.PredictFun
		ec.Credentials.APIKey = p.APIKey
		if p.UseSmartWallet {
			ec.Credentials.Funder = p.SmartWalletAddress
		}
		if p.Testnet {
			ec.Environment = adapter.Demo
		}
	default:
		return ec, fmt.Errorf("%w: %s", ErrUnknownVenue, id)
	}
	return ec, nil
}

// PrivateKey returns the hex signing key configured for a venue, if any.
func (c *Config) PrivateKey(id adapter.Exchange) string {
	switch id {
	case adapter.ExchangePolymarket:
		return c.Polymarket.PrivateKey
	case adapter.ExchangePredictFun:
		if c.PredictFun.UseSmartWallet {
			return c.PredictFun.SmartWalletOwnerPrivateKey
		}
		return c.PredictFun.PrivateKey
	default:
		return ""
	}
}

// Validate checks that a venue has the credentials trading requires and that
// any private key is well formed. Read-only use can skip it.
func (c *Config) Validate(id adapter.Exchange) error {
	var missing []string
	need := func(value, env string) {
		if value == "" {
			missing = append(missing, env)
		}
	}

	switch id {
	case adapter.ExchangePolymarket:
		p := c.Polymarket
		if !c.Signer.Remote {
			need(p.PrivateKey, "POLYMARKET_PRIVATE_KEY")
		}
		need(p.Funder, "POLYMARKET_FUNDER")
		if p.APIKey != "" || p.APISecret != "" || p.APIPassphrase != "" {
			need(p.APIKey, "POLYMARKET_API_KEY")
			need(p.APISecret, "POLYMARKET_API_SECRET")
			need(p.APIPassphrase, "POLYMARKET_API_PASSPHRASE")
		}
	case adapter.ExchangeKalshi:
		k := c.Kalshi
		need(k.APIKeyID, "KALSHI_API_KEY_ID")
		if k.PrivateKeyPath == "" && k.PrivateKeyPEM == "" {
			missing = append(missing, "KALSHI_PRIVATE_KEY_PATH or KALSHI_PRIVATE_KEY_PEM")
		}
	case adapter.ExchangePredictFun:
		p := c.PredictFun
		need(p.APIKey, "PREDICTFUN_API_KEY")
		if p.UseSmartWallet {
			need(p.SmartWalletOwnerPrivateKey, "PREDICTFUN_SMART_WALLET_OWNER_PRIVATE_KEY")
			need(p.SmartWalletAddress, "PREDICTFUN_SMART_WALLET_ADDRESS")
		} else if !c.Signer.Remote {
			need(p.PrivateKey, "PREDICTFUN_PRIVATE_KEY")
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownVenue, id)
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w for %s: set %s", ErrMissingCredential, id, strings.Join(missing, ", "))
	}
	if key := c.PrivateKey(id); key != "" {
		if _, err := ParsePrivateKey(key); err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
	}
	return nil
}

// ParsePrivateKey decodes a 32-byte hex key, with or without 0x.
func ParsePrivateKey(key string) ([]byte, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(key), "0x")
	if len(clean) != 64 {
		return nil, fmt.Errorf("%w: expected 64 hex characters, got %d", ErrInvalidPrivateKey, len(clean))
	}
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: not hexadecimal", ErrInvalidPrivateKey)
	}
	return b, nil
}
