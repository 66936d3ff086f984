package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/collabhq/activity/internal/app/event"
	"github.com/collabhq/activity/internal/contracts"
	"github.com/collabhq/activity/internal/messaging"
)

type fakeRepo struct {
	inserted []Notification
	existing map[string]struct{} // "eventID/userID"
	err      error
}

func key(eventID int64, userID string) string {
	return strconv.FormatInt(eventID, 10) + "/" + userID
}

func (f *fakeRepo) InsertIfAbsent(_ context.Context, n Notification) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.existing == nil {
		f.existing = map[string]struct{}{}
	}
	k := key(n.EventID, n.UserID)
	if _, ok := f.existing[k]; ok {
		return false, nil
	}
	f.existing[k] = struct{}{}
	f.inserted = append(f.inserted, n)
	return true, nil
}

func (f *fakeRepo) ListForUser(context.Context, string, int) ([]Notification, error) {
	return f.inserted, nil
}

type fakeDirectory struct {
	names map[string]string
}

func (f *fakeDirectory) NamesByID(_ context.Context, ids []string) (map[string]string, error) {
	out := map[string]string{}
	for _, id := range ids {
		if name, ok := f.names[id]; ok {
			out[id] = name
		}
	}
	return out, nil
}

type fakeEvents struct {
	byID map[int64]event.Event
}

func (f *fakeEvents) GetByID(_ context.Context, id int64) (event.Event, error) {
	e, ok := f.byID[id]
	if !ok {
		return event.Event{}, event.ErrEventNotFound
	}
	return e, nil
}

func newTestService(repo *fakeRepo, dir *fakeDirectory, events *fakeEvents) *Service {
	if dir == nil {
		dir = &fakeDirectory{names: map[string]string{}}
	}
	if events == nil {
		events = &fakeEvents{byID: map[int64]event.Event{}}
	}
	svc := NewService(repo, events, dir)
	svc.NewID = func() string { return "n-1" }
	svc.Now = func() time.Time { return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC) }
	return svc
}

func assignedEvent(creatorID string, assigneeIDs ...string) event.Event {
	return event.Event{
		ID:        42,
		BubbleID:  "bubble-1",
		SummaryID: "sum-1",
		CreatorID: creatorID,
		Action:    event.ActionAssigned,
		Particulars: event.Particulars{
			event.ParticularCreatorName: "Alice",
			event.ParticularAssigneeIDs: assigneeIDs,
		},
	}
}

func TestGenerate_AssignedNotifiesAssignee(t *testing.T) {
	repo := &fakeRepo{}
	dir := &fakeDirectory{names: map[string]string{"u-kevin": "Kevin"}}
	svc := newTestService(repo, dir, nil)

	got, err := svc.GenerateNotifications(context.Background(), assignedEvent("u-alice", "u-kevin"))
	if err != nil {
		t.Fatalf("GenerateNotifications returned error: %v", err)
	}
	if len(got) != 1 || got[0].UserID != "u-kevin" {
		t.Fatalf("expected one notification for u-kevin, got %+v", got)
	}
	if got[0].ResourceID != "bubble-1" {
		t.Fatalf("notification resource should be the bubble, got %q", got[0].ResourceID)
	}
}

func TestGenerate_NoSelfNotification(t *testing.T) {
	repo := &fakeRepo{}
	dir := &fakeDirectory{names: map[string]string{"u-kevin": "Kevin"}}
	svc := newTestService(repo, dir, nil)

	got, err := svc.GenerateNotifications(context.Background(), assignedEvent("u-kevin", "u-kevin"))
	if err != nil {
		t.Fatalf("GenerateNotifications returned error: %v", err)
	}
	if len(got) != 0 || len(repo.inserted) != 0 {
		t.Fatalf("self-assignment must not notify, got %+v", got)
	}
}

func TestGenerate_SelfExcludedAmongOthers(t *testing.T) {
	repo := &fakeRepo{}
	dir := &fakeDirectory{names: map[string]string{"u-u": "U", "u-v": "V"}}
	svc := newTestService(repo, dir, nil)

	got, err := svc.GenerateNotifications(context.Background(), assignedEvent("u-u", "u-u", "u-v"))
	if err != nil {
		t.Fatalf("GenerateNotifications returned error: %v", err)
	}
	if len(got) != 1 || got[0].UserID != "u-v" {
		t.Fatalf("expected exactly one notification for u-v, got %+v", got)
	}
}

func TestGenerate_DistinctRecipients(t *testing.T) {
	repo := &fakeRepo{}
	dir := &fakeDirectory{names: map[string]string{"u-v": "V"}}
	svc := newTestService(repo, dir, nil)

	got, err := svc.GenerateNotifications(context.Background(), assignedEvent("u-u", "u-v", "u-v"))
	if err != nil {
		t.Fatalf("GenerateNotifications returned error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("duplicate assignee ids must collapse, got %+v", got)
	}
}

func TestGenerate_SilentActionIsNoop(t *testing.T) {
	repo := &fakeRepo{}
	svc := newTestService(repo, nil, nil)

	e := event.Event{ID: 1, BubbleID: "b1", CreatorID: "u1", Action: event.ActionBoosted}
	got, err := svc.GenerateNotifications(context.Background(), e)
	if err != nil {
		t.Fatalf("GenerateNotifications returned error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil notifications for silent action, got %+v", got)
	}
	if svc.DispatcherFor(event.ActionBoosted) != nil {
		t.Fatal("boosted must have no dispatcher")
	}
}

func TestGenerate_RedeliveryIsIdempotent(t *testing.T) {
	repo := &fakeRepo{}
	dir := &fakeDirectory{names: map[string]string{"u-kevin": "Kevin"}}
	svc := newTestService(repo, dir, nil)

	e := assignedEvent("u-alice", "u-kevin")
	if _, err := svc.GenerateNotifications(context.Background(), e); err != nil {
		t.Fatalf("first generation failed: %v", err)
	}
	again, err := svc.GenerateNotifications(context.Background(), e)
	if err != nil {
		t.Fatalf("second generation failed: %v", err)
	}
	if len(again) != 0 || len(repo.inserted) != 1 {
		t.Fatalf("redelivery created duplicates: %+v", repo.inserted)
	}
}

func TestEnqueueNotifications_PublishesJob(t *testing.T) {
	svc := newTestService(&fakeRepo{}, nil, nil)

	var gotSubject string
	var gotPayload []byte
	svc.Publish = func(subject string, payload []byte) error {
		gotSubject = subject
		gotPayload = payload
		return nil
	}

	e := event.Event{ID: 7, BubbleID: "bubble-1", Action: event.ActionAssigned}
	if err := svc.EnqueueNotifications(e); err != nil {
		t.Fatalf("EnqueueNotifications returned error: %v", err)
	}
	if gotSubject != messaging.DispatchSubject("bubble-1") {
		t.Fatalf("unexpected subject: %q", gotSubject)
	}

	var job contracts.DispatchJob
	if err := json.Unmarshal(gotPayload, &job); err != nil {
		t.Fatalf("job payload invalid JSON: %v", err)
	}
	if job.EventID != 7 || job.BubbleID != "bubble-1" || job.Action != "assigned" {
		t.Fatalf("unexpected job payload: %+v", job)
	}
}

func TestHandleJob_GeneratesForStoredEvent(t *testing.T) {
	repo := &fakeRepo{}
	dir := &fakeDirectory{names: map[string]string{"u-kevin": "Kevin"}}
	events := &fakeEvents{byID: map[int64]event.Event{42: assignedEvent("u-alice", "u-kevin")}}
	svc := newTestService(repo, dir, events)

	payload, _ := json.Marshal(contracts.DispatchJob{EventID: 42, BubbleID: "bubble-1", Action: "assigned"})
	if err := svc.HandleJob(context.Background(), payload); err != nil {
		t.Fatalf("HandleJob returned error: %v", err)
	}
	if len(repo.inserted) != 1 || repo.inserted[0].UserID != "u-kevin" {
		t.Fatalf("expected notification for u-kevin, got %+v", repo.inserted)
	}
}

func TestHandleJob_InvalidPayload(t *testing.T) {
	svc := newTestService(&fakeRepo{}, nil, nil)
	err := svc.HandleJob(context.Background(), []byte("{invalid"))
	if !errors.Is(err, ErrInvalidJobPayload) {
		t.Fatalf("expected ErrInvalidJobPayload, got %v", err)
	}
}

func TestHandleJob_MissingEvent(t *testing.T) {
	svc := newTestService(&fakeRepo{}, nil, &fakeEvents{byID: map[int64]event.Event{}})
	payload, _ := json.Marshal(contracts.DispatchJob{EventID: 99})
	err := svc.HandleJob(context.Background(), payload)
	if !errors.Is(err, event.ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}
