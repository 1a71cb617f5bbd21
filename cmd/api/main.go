package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/punchamoorthee/allocops/internal/api"
	"github.com/punchamoorthee/allocops/internal/config"
	"github.com/punchamoorthee/allocops/internal/idempotency"
	"github.com/punchamoorthee/allocops/internal/outbox"
	"github.com/punchamoorthee/allocops/internal/policy"
	"github.com/punchamoorthee/allocops/internal/ratelimit"
	"github.com/punchamoorthee/allocops/internal/sequence"
	"github.com/punchamoorthee/allocops/internal/service"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Core collaborators.
	resolver := service.NewPartitionResolver(cfg.DefaultPartition, cfg.CategoryPrefix, cfg.SerialWidth, cfg.MaxSerial)
	codes := sequence.New(rdb)
	engine := policy.Chain{
		policy.MetadataGate{DenyKey: "standing", DenyValue: "suspended", Code: "REQUESTER_SUSPENDED"},
	}
	svc := service.NewAllocationService(service.PgDB{Pool: st.Pool}, codes, engine, resolver)

	coordinator := idempotency.New(rdb, idempotency.Config{
		RecordTTL:    cfg.IdempotencyTTL,
		LockTTL:      cfg.IdempotencyLockTTL,
		WaitAttempts: cfg.IdempotencyWaitAttempts,
		WaitDelay:    cfg.IdempotencyWaitDelay,
	})
	limiter := ratelimit.New(rdb)

	// Outbox dispatcher runs alongside request handling; cmd/relay runs the
	// same loop standalone when delivery is scaled out.
	dispatcher := outbox.NewDispatcher(
		&outbox.PgSource{Pool: st.Pool},
		newPublisher(cfg, rdb),
		outbox.Config{
			BatchLimit:  cfg.OutboxBatch,
			Interval:    cfg.OutboxInterval,
			MaxRetries:  cfg.OutboxRetries,
			BackoffBase: cfg.OutboxBackoff,
			BackoffCap:  cfg.OutboxCap,
		},
		log.With("component", "outbox"),
	)
	go dispatcher.Run(ctx)

	handler := api.NewHandler(st, svc, coordinator, codes, resolver)

	readGate := api.RateLimitMiddleware(api.RateLimitOptions{
		Limiter:        limiter,
		Limit:          ratelimit.Limit{Capacity: cfg.ReadCapacity, RefillPerSec: cfg.ReadRefillRate, FailOpen: true},
		Route:          "read",
		ConsumerHeader: "X-API-Consumer",
	})
	writeGate := api.RateLimitMiddleware(api.RateLimitOptions{
		Limiter:        limiter,
		Limit:          ratelimit.Limit{Capacity: cfg.WriteCapacity, RefillPerSec: cfg.WriteRefill, FailOpen: false},
		Route:          "allocate",
		ConsumerHeader: "X-API-Consumer",
	})

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", handler.HealthCheckHandler)

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Handle("/allocations", writeGate(http.HandlerFunc(handler.CreateAllocationHandler))).Methods("POST")
	apiV1.Handle("/allocations/{id:[0-9]+}", readGate(http.HandlerFunc(handler.GetAllocationHandler))).Methods("GET")
	apiV1.Handle("/allocations/code/{code}", readGate(http.HandlerFunc(handler.GetAllocationByCodeHandler))).Methods("GET")
	apiV1.Handle("/partitions/{partition}/next", readGate(http.HandlerFunc(handler.PreviewCodeHandler))).Methods("GET")
	apiV1.Handle("/outbox/stats", readGate(http.HandlerFunc(handler.OutboxStatsHandler))).Methods("GET")

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	log.Info("server starting", "port", cfg.Port, "env", cfg.Env)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func newPublisher(cfg *config.Config, rdb *redis.Client) outbox.Publisher {
	if cfg.WebhookEndpoint != "" {
		return &outbox.WebhookPublisher{Endpoint: cfg.WebhookEndpoint}
	}
	return &outbox.StreamPublisher{Client: rdb, Stream: cfg.EventStream}
}
