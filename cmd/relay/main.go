// Standalone outbox dispatcher. Any number of relay instances may run
// against the same database; row locking keeps their batches disjoint.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/punchamoorthee/allocops/internal/config"
	"github.com/punchamoorthee/allocops/internal/domain"
	"github.com/punchamoorthee/allocops/internal/outbox"
	"github.com/punchamoorthee/allocops/internal/store"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(1)
	}

	st, err := store.New(cfg.DBSource)
	if err != nil {
		log.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()

	var publisher outbox.Publisher
	if cfg.WebhookEndpoint != "" {
		publisher = &outbox.WebhookPublisher{Endpoint: cfg.WebhookEndpoint}
	} else {
		publisher = &outbox.StreamPublisher{Client: rdb, Stream: cfg.EventStream}
	}

	dispatcher := outbox.NewDispatcher(
		&outbox.PgSource{Pool: st.Pool},
		publisher,
		outbox.Config{
			BatchLimit:  cfg.OutboxBatch,
			Interval:    cfg.OutboxInterval,
			MaxRetries:  cfg.OutboxRetries,
			BackoffBase: cfg.OutboxBackoff,
			BackoffCap:  cfg.OutboxCap,
		},
		log.With("component", "relay"),
	)
	dispatcher.SetObserver(func(eventID string, status domain.OutboxStatus, detail string) {
		if status == domain.OutboxFailed {
			log.Warn("event quarantined", "event_id", eventID, "detail", detail)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("relay starting", "interval", cfg.OutboxInterval.String(), "batch", cfg.OutboxBatch)
	dispatcher.Run(ctx)
}
