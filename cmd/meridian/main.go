package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/caesar-terminal/meridian/internal/adapter"
	"github.com/caesar-terminal/meridian/internal/config"
	"github.com/caesar-terminal/meridian/internal/registry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Meridian feed starting (env=%s, venues=%v)\n", cfg.Env, registry.Names())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: redis unreachable at %s: %v\n", cfg.Redis.Addr, err)
	}
	pingCancel()

	d := &daemon{
		cfg:      cfg,
		newVenue: registry.New,
		redis:    adapter.NewGoRedis(rdb, time.Duration(cfg.Redis.TTLSec)*time.Second),
	}
	if err := d.run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "feed error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Meridian feed stopped")
}
