package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/collabhq/activity/internal/app/activityapi"
	"github.com/collabhq/activity/internal/app/bubble"
	"github.com/collabhq/activity/internal/app/event"
	"github.com/collabhq/activity/internal/app/identity"
	"github.com/collabhq/activity/internal/app/notify"
	"github.com/collabhq/activity/internal/app/recorder"
	"github.com/collabhq/activity/internal/app/rollup"
	"github.com/collabhq/activity/internal/platform/dbpool"
	"github.com/collabhq/activity/internal/platform/env"
	"github.com/collabhq/activity/internal/platform/metrics"
	"github.com/collabhq/activity/internal/platform/natsutil"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	apiAddr := env.String("API_ADDR", env.DefaultAPIAddr)
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	identityRepo := identity.NewPostgresRepository(pool)
	bubbleRepo := bubble.NewPostgresRepository(pool)
	rollupStore := rollup.NewStore(pool)
	eventStore := event.NewStore(pool)
	notifyRepo := notify.NewPostgresRepository(pool)

	// Tables reference each other, so schemas run in dependency order.
	schemas := []func(context.Context) error{
		identityRepo.EnsureSchema,
		bubbleRepo.EnsureSchema,
		rollupStore.EnsureSchema,
		eventStore.EnsureSchema,
		notifyRepo.EnsureSchema,
	}
	if err := waitForSchemas(runCtx, schemas, 30*time.Second); err != nil {
		log.Fatal(err)
	}

	client, err := natsutil.ConnectJetStreamWithRetry(natsURL, 20*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()
	publisher := natsutil.JetStreamPublisher{JS: client.JS}

	identitySvc := identity.NewService(identityRepo, identity.NewTokenManager(jwtSecret))

	notifySvc := notify.NewService(notifyRepo, eventStore, identitySvc)
	notifySvc.Publish = publisher.Publish

	rec := recorder.NewService(recorder.NewPostgresStore(pool, rollupStore))
	rec.RollupWindow = env.Duration("ROLLUP_REUSE_WINDOW", env.DefaultRollupWindow)
	rec.Notify = func(e event.Event) {
		if err := notifySvc.EnqueueNotifications(e); err != nil {
			log.Printf("enqueue notification dispatch for event %d: %v", e.ID, err)
		}
	}

	bubbles := bubble.NewService(bubbleRepo, rec)
	aggregator := rollup.NewAggregator(rollupStore, eventStore, identitySvc)
	handler := activityapi.NewHandler(identitySvc, bubbles, eventStore, aggregator, notifyRepo)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := checkReadiness(r.Context(), pool, client.Conn); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.DefaultHandler())
	mux.Handle("/", handler.Router())

	server := &http.Server{
		Addr:              apiAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	fmt.Printf("Activity API listening on %s\n", apiAddr)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatal(err)
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("activity-api graceful shutdown failed: %v", err)
	}
}

func waitForSchemas(ctx context.Context, schemas []func(context.Context) error, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		lastErr = applySchemas(ctx, schemas)
		if lastErr == nil {
			return nil
		}
		log.Printf("waiting for postgres schema readiness: %v", lastErr)
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

func applySchemas(ctx context.Context, schemas []func(context.Context) error) error {
	attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	for _, ensure := range schemas {
		if err := ensure(attemptCtx); err != nil {
			return err
		}
	}
	return nil
}

func checkReadiness(ctx context.Context, pool *pgxpool.Pool, conn *nats.Conn) error {
	if conn == nil {
		return errors.New("nats connection is nil")
	}
	if conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", conn.Status().String())
	}

	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := pool.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}
