package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"

	"github.com/caesar-terminal/meridian/internal/adapter"
	"github.com/caesar-terminal/meridian/internal/config"
	"github.com/caesar-terminal/meridian/internal/kms"
	"github.com/caesar-terminal/meridian/internal/signer"
)

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Meridian signer starting (env=%s, socket=%s)\n", cfg.Env, cfg.Signer.SocketPath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ttl := time.Duration(cfg.Signer.SessionTTLSec) * time.Second
	session := signer.NewSessionManager(ttl)

	if err := activate(ctx, cfg, session); err != nil {
		fmt.Fprintf(os.Stderr, "failed to activate session: %v\n", err)
		os.Exit(1)
	}

	srv, err := signer.New(cfg.Signer.SocketPath, session)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create signer server: %v\n", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve()
	}()

	st := session.Status()
	fmt.Printf("Signer ready (address=%s, ttl=%ds, limit=%s micro-USD)\n", st.Address, st.TTLSeconds, st.MaxValueLimit)

	select {
	case <-ctx.Done():
		fmt.Println("Signer shutting down gracefully...")
		session.Destroy()
		srv.GracefulStop()
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "signer server error: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Println("Signer stopped")
}

// activate loads the session key from a KMS-encrypted file when one is
// configured, otherwise from the first venue private key in the environment.
func activate(ctx context.Context, cfg *config.Config, session *signer.SessionManager) error {
	limit, ok := new(big.Int).SetString(cfg.Signer.MaxValue, 10)
	if !ok || limit.Sign() < 0 {
		return fmt.Errorf("invalid signer max value %q", cfg.Signer.MaxValue)
	}

	var key []byte
	if cfg.Signer.EncryptedKeyPath != "" {
		client, err := kms.New(ctx, cfg.Signer.AWSRegion, cfg.Signer.KMSKeyID, cfg.LocalStackEndpoint)
		if err != nil {
			return err
		}
		if key, err = kms.DecryptKeyFile(ctx, client, cfg.Signer.EncryptedKeyPath); err != nil {
			return err
		}
	} else {
		for _, id := range []adapter.Exchange{adapter.ExchangePolymarket, adapter.ExchangePredictFun} {
			if raw := cfg.PrivateKey(id); raw != "" {
				var err error
				if key, err = config.ParsePrivateKey(raw); err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
				break
			}
		}
		if key == nil {
			return fmt.Errorf("%w: set MERIDIAN_SIGNER_ENCRYPTED_KEY_PATH or a venue private key", config.ErrMissingCredential)
		}
	}

	return session.Activate(key, limit)
}
