package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/collabhq/activity/internal/app/event"
	"github.com/collabhq/activity/internal/app/identity"
	"github.com/collabhq/activity/internal/app/notify"
	"github.com/collabhq/activity/internal/messaging"
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

	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	identityRepo := identity.NewPostgresRepository(pool)
	eventStore := event.NewStore(pool)
	notifyRepo := notify.NewPostgresRepository(pool)
	if err := waitForPostgres(runCtx, pool, notifyRepo, 30*time.Second); err != nil {
		log.Fatal(err)
	}

	identitySvc := identity.NewService(identityRepo, identity.NewTokenManager(env.String("JWT_SECRET", "dev-insecure-change-me")))
	service := notify.NewService(notifyRepo, eventStore, identitySvc)

	client, err := natsutil.ConnectJetStreamWithRetry(natsURL, 20*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	sub, err := client.JS.QueueSubscribe(messaging.DispatchSubjectWildcard, "notify-worker", func(msg *nats.Msg) {
		jobCtx, cancel := context.WithTimeout(runCtx, 3*time.Second)
		defer cancel()

		if err := service.HandleJob(jobCtx, msg.Data); err != nil {
			if errors.Is(err, notify.ErrInvalidJobPayload) {
				log.Printf("discarding invalid dispatch job: %v", err)
				metrics.DispatchJobs.WithLabelValues("invalid").Inc()
				_ = msg.Term()
				return
			}
			// The event a job points at can only be gone if its bubble was
			// deleted after enqueue; retrying cannot bring it back.
			if errors.Is(err, event.ErrEventNotFound) {
				log.Printf("discarding dispatch job for missing event: %v", err)
				metrics.DispatchJobs.WithLabelValues("missing_event").Inc()
				_ = msg.Term()
				return
			}
			log.Printf("dispatch job failed: %v", err)
			metrics.DispatchJobs.WithLabelValues("retried").Inc()
			_ = msg.Nak()
			return
		}

		metrics.DispatchJobs.WithLabelValues("processed").Inc()
		_ = msg.Ack()
	}, nats.ManualAck())
	if err != nil {
		log.Fatal(err)
	}

	log.Println("Notify worker listening on subject:", sub.Subject)

	<-runCtx.Done()
	if err := sub.Drain(); err != nil {
		log.Printf("notify-worker subscription drain failed: %v", err)
	}
}

func waitForPostgres(ctx context.Context, pool *pgxpool.Pool, repo *notify.PostgresRepository, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = pool.Ping(attemptCtx)
		if lastErr == nil {
			lastErr = repo.EnsureSchema(attemptCtx)
		}
		cancel()

		if lastErr == nil {
			return nil
		}
		log.Printf("waiting for postgres readiness: %v", lastErr)
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}
