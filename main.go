package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func main() {
	seedFile := flag.String("seed", "", "load products from a ;-separated file and exit")
	flag.Parse()

	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	log := newLogger(cfg.LogLevel)

	if err := run(cfg, log, *seedFile); err != nil {
		log.Error("storefront exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *Config, log *slog.Logger, seedFile string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(cfg)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Error("tracer shutdown", "err", err)
		}
	}()

	store, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	if seedFile != "" {
		n, err := SeedFile(ctx, store, seedFile)
		if err != nil {
			return err
		}
		log.Info("seed complete", "file", seedFile, "products", n)
		return nil
	}

	var idem *IdempotencyStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		idem = NewIdempotencyStore(rdb, cfg.IdempotencyTTL)
		log.Info("idempotency keys enabled", "redis", cfg.RedisAddr)
	}

	var payments PaymentGateway
	if cfg.StripeSecretKey != "" {
		payments = NewStripeGateway(cfg.StripeSecretKey, cfg.Currency)
		log.Info("stripe payments enabled", "currency", cfg.Currency)
	}

	server := NewAPIServer(cfg, log, store, payments, idem)
	if cfg.AdminEmail != "" {
		if err := server.auth.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			return err
		}
	}

	relayDone := make(chan struct{})
	if len(cfg.KafkaBrokers) > 0 {
		writer := NewKafkaWriter(cfg.KafkaBrokers)
		defer writer.Close()
		relay := NewRelay(log, store, NewDispatcher(log, writer, cfg.OrderEventsTopic), "relay-"+uuid.NewString()[:8])
		go func() {
			defer close(relayDone)
			relay.Run(ctx)
		}()
		log.Info("outbox relay started", "brokers", cfg.KafkaBrokers, "topic", cfg.OrderEventsTopic)
	} else {
		close(relayDone)
	}

	err = server.Run(ctx)
	stop()
	<-relayDone
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openStorage connects to Postgres when DATABASE_URL is set and otherwise
// falls back to an in-process store that forgets everything on exit.
func openStorage(ctx context.Context, cfg *Config, log *slog.Logger) (Storage, error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using in-memory storage")
		return NewMemoryStore(), nil
	}
	store, err := NewPostgresStorage(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, err
	}
	log.Info("connected to postgres")
	return store, nil
}
