//go:build integration

package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/collabhq/activity/internal/app/activityapi"
	"github.com/collabhq/activity/internal/app/bubble"
	"github.com/collabhq/activity/internal/app/event"
	"github.com/collabhq/activity/internal/app/identity"
	"github.com/collabhq/activity/internal/app/notify"
	"github.com/collabhq/activity/internal/app/recorder"
	"github.com/collabhq/activity/internal/app/rollup"
	"github.com/collabhq/activity/internal/messaging"
	"github.com/collabhq/activity/internal/platform/dbpool"
	"github.com/collabhq/activity/internal/platform/env"
	"github.com/collabhq/activity/internal/platform/natsutil"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
)

type stack struct {
	pool      *pgxpool.Pool
	client    *natsutil.Client
	identity  *identity.Service
	bubbles   *bubble.Service
	events    *event.Store
	rollups   *rollup.Store
	notifier  *notify.Service
	inbox     *notify.PostgresRepository
	server    *httptest.Server
	aggregate *rollup.Aggregator
}

func startStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()

	pool, err := dbpool.New(ctx, env.String("DATABASE_URL", env.DefaultDatabaseURL))
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(pool.Close)

	identityRepo := identity.NewPostgresRepository(pool)
	bubbleRepo := bubble.NewPostgresRepository(pool)
	rollupStore := rollup.NewStore(pool)
	eventStore := event.NewStore(pool)
	notifyRepo := notify.NewPostgresRepository(pool)
	for _, ensure := range []func(context.Context) error{
		identityRepo.EnsureSchema,
		bubbleRepo.EnsureSchema,
		rollupStore.EnsureSchema,
		eventStore.EnsureSchema,
		notifyRepo.EnsureSchema,
	} {
		if err := ensure(ctx); err != nil {
			t.Fatalf("ensure schema: %v", err)
		}
	}

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), 10*time.Second)
	if err != nil {
		t.Fatalf("connect jetstream: %v", err)
	}
	t.Cleanup(client.Close)
	publisher := natsutil.JetStreamPublisher{JS: client.JS}

	identitySvc := identity.NewService(identityRepo, identity.NewTokenManager("integration-secret"))

	notifySvc := notify.NewService(notifyRepo, eventStore, identitySvc)
	notifySvc.Publish = publisher.Publish

	rec := recorder.NewService(recorder.NewPostgresStore(pool, rollupStore))
	rec.Notify = func(e event.Event) {
		if err := notifySvc.EnqueueNotifications(e); err != nil {
			t.Logf("enqueue dispatch for event %d: %v", e.ID, err)
		}
	}

	bubbles := bubble.NewService(bubbleRepo, rec)
	aggregator := rollup.NewAggregator(rollupStore, eventStore, identitySvc)
	handler := activityapi.NewHandler(identitySvc, bubbles, eventStore, aggregator, notifyRepo)

	server := httptest.NewServer(handler.Router())
	t.Cleanup(server.Close)

	return &stack{
		pool:      pool,
		client:    client,
		identity:  identitySvc,
		bubbles:   bubbles,
		events:    eventStore,
		rollups:   rollupStore,
		notifier:  notifySvc,
		inbox:     notifyRepo,
		server:    server,
		aggregate: aggregator,
	}
}

func (s *stack) post(t *testing.T, path, token string, payload any) (int, []byte) {
	t.Helper()
	return s.request(t, http.MethodPost, path, token, payload)
}

func (s *stack) request(t *testing.T, method, path, token string, payload any) (int, []byte) {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req, err := http.NewRequest(method, s.server.URL+path, &body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp.StatusCode, out.Bytes()
}

func (s *stack) register(t *testing.T, username, name string) identity.AuthResponse {
	t.Helper()
	status, body := s.post(t, "/api/v1/auth/register", "", map[string]string{
		"username": username,
		"password": "correct-horse",
		"name":     name,
	})
	if status != http.StatusCreated {
		t.Fatalf("register %s returned %d: %s", username, status, body)
	}
	var resp identity.AuthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	return resp
}

// runWorker drains the dispatch stream once, the way the notify worker
// binary does, and returns how many jobs it processed.
func (s *stack) runWorker(t *testing.T, wait time.Duration) int {
	t.Helper()
	var processed atomic.Int64
	sub, err := s.client.JS.QueueSubscribe(messaging.DispatchSubjectWildcard, "notify-worker", func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.notifier.HandleJob(ctx, msg.Data); err != nil {
			t.Logf("dispatch job failed: %v", err)
			_ = msg.Nak()
			return
		}
		processed.Add(1)
		_ = msg.Ack()
	}, nats.ManualAck())
	if err != nil {
		t.Fatalf("subscribe dispatch stream: %v", err)
	}
	defer func() { _ = sub.Drain() }()
	time.Sleep(wait)
	return int(processed.Load())
}

func TestActivityPipelineEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	s := startStack(t)
	ctx := context.Background()

	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	alice := s.register(t, "alice-"+suffix, "Alice Appleton")
	kevin := s.register(t, "kevin-"+suffix, "Kevin "+suffix)

	status, body := s.post(t, "/api/v1/bubbles", alice.AccessToken, map[string]string{
		"title": "Ship the launch plan",
	})
	if status != http.StatusCreated {
		t.Fatalf("create bubble returned %d: %s", status, body)
	}
	var b bubble.Bubble
	if err := json.Unmarshal(body, &b); err != nil {
		t.Fatalf("decode bubble: %v", err)
	}

	status, body = s.post(t, "/api/v1/bubbles/"+b.ID+"/assignments", alice.AccessToken, map[string]any{
		"assignees": []string{"@" + identity.MentionHandle("Kevin "+suffix)},
	})
	if status != http.StatusCreated {
		t.Fatalf("assign returned %d: %s", status, body)
	}
	status, _ = s.post(t, "/api/v1/bubbles/"+b.ID+"/boosts", alice.AccessToken, nil)
	if status != http.StatusCreated {
		t.Fatalf("boost returned %d", status)
	}

	// All three writes landed in one open rollup.
	events, err := s.events.Chronological(ctx, b.ID)
	if err != nil {
		t.Fatalf("load timeline: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	summaryID := events[0].SummaryID
	for _, ev := range events {
		if ev.SummaryID != summaryID {
			t.Fatalf("events split across rollups: %+v", events)
		}
	}

	bodyText, err := s.aggregate.Body(ctx, summaryID)
	if err != nil {
		t.Fatalf("rollup body: %v", err)
	}
	if bodyText == "" {
		t.Fatal("rollup body is empty")
	}

	// The worker turns the queued assignment job into a notification for
	// Kevin and nobody else.
	if processed := s.runWorker(t, 2*time.Second); processed == 0 {
		t.Fatal("worker processed no dispatch jobs")
	}
	notifications, err := s.inbox.ListForUser(ctx, kevin.UserID, 10)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notifications) != 1 || notifications[0].ResourceID != b.ID {
		t.Fatalf("expected one notification for the bubble, got %+v", notifications)
	}
	aliceInbox, err := s.inbox.ListForUser(ctx, alice.UserID, 10)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(aliceInbox) != 0 {
		t.Fatalf("actor must not be notified, got %+v", aliceInbox)
	}
}
