package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/collabhq/activity/internal/app/event"
	"github.com/collabhq/activity/internal/contracts"
	"github.com/collabhq/activity/internal/messaging"
	"github.com/collabhq/activity/internal/platform/metrics"
	"github.com/nats-io/nuid"
)

var ErrInvalidJobPayload = errors.New("invalid dispatch job payload")

// Notification is the output record of a dispatcher. ResourceID is always
// the bubble the triggering event belongs to.
type Notification struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	EventID    int64     `json:"event_id"`
	ResourceID string    `json:"resource_id"`
	CreatedAt  time.Time `json:"created_at"`
}

type Repository interface {
	// InsertIfAbsent persists the notification unless one already exists
	// for the same (event, user) pair. The pair uniqueness is what keeps
	// at-least-once job delivery idempotent.
	InsertIfAbsent(ctx context.Context, n Notification) (bool, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]Notification, error)
}

type Directory interface {
	NamesByID(ctx context.Context, ids []string) (map[string]string, error)
}

type EventSource interface {
	GetByID(ctx context.Context, eventID int64) (event.Event, error)
}

// Dispatcher maps one event to zero or more persisted notifications.
type Dispatcher interface {
	Generate(ctx context.Context, e event.Event) ([]Notification, error)
}

type PublishFunc func(subject string, payload []byte) error

type Service struct {
	Repo    Repository
	Events  EventSource
	Users   Directory
	Publish PublishFunc
	NewID   func() string
	Now     func() time.Time
}

func NewService(repo Repository, events EventSource, users Directory) *Service {
	return &Service{
		Repo:   repo,
		Events: events,
		Users:  users,
		NewID:  nuid.Next,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// dispatchers keys each notifying action to its generator. Actions absent
// from the table are silent.
var dispatchers = map[event.Action]func(*Service) Dispatcher{
	event.ActionAssigned: func(s *Service) Dispatcher { return assignedDispatcher{s} },
}

// DispatcherFor returns nil for action kinds with no notification behavior.
func (s *Service) DispatcherFor(action event.Action) Dispatcher {
	build, ok := dispatchers[action]
	if !ok {
		return nil
	}
	return build(s)
}

// GenerateNotifications runs the event's dispatcher synchronously.
// A silent action or an empty recipient set is a successful no-op.
func (s *Service) GenerateNotifications(ctx context.Context, e event.Event) ([]Notification, error) {
	d := s.DispatcherFor(e.Action)
	if d == nil {
		return nil, nil
	}
	notifications, err := d.Generate(ctx, e)
	if err != nil {
		return nil, err
	}
	metrics.NotificationsGenerated.WithLabelValues(string(e.Action)).Add(float64(len(notifications)))
	return notifications, nil
}

// EnqueueNotifications defers generation to the notify worker. This is the
// recorder's post-commit hook; the job carries only the event id, so
// redeliveries always reload the committed fact.
func (s *Service) EnqueueNotifications(e event.Event) error {
	job := contracts.DispatchJob{
		EventID:    e.ID,
		BubbleID:   e.BubbleID,
		Action:     string(e.Action),
		EnqueuedAt: s.Now(),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.Publish(messaging.DispatchSubject(e.BubbleID), payload)
}

// HandleJob processes one deferred dispatch job from the stream.
func (s *Service) HandleJob(ctx context.Context, payload []byte) error {
	var job contracts.DispatchJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return ErrInvalidJobPayload
	}
	e, err := s.Events.GetByID(ctx, job.EventID)
	if err != nil {
		return err
	}
	_, err = s.GenerateNotifications(ctx, e)
	return err
}

// assignedDispatcher notifies every distinct assignee except the actor who
// made the assignment.
type assignedDispatcher struct {
	svc *Service
}

func (d assignedDispatcher) Generate(ctx context.Context, e event.Event) ([]Notification, error) {
	var recipients []string
	seen := map[string]struct{}{}
	for _, id := range e.Particulars.AssigneeIDs() {
		if id == "" || id == e.CreatorID {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		recipients = append(recipients, id)
	}
	if len(recipients) == 0 {
		return nil, nil
	}

	known, err := d.svc.Users.NamesByID(ctx, recipients)
	if err != nil {
		return nil, err
	}

	var out []Notification
	for _, userID := range recipients {
		if _, ok := known[userID]; !ok {
			continue
		}
		n := Notification{
			ID:         d.svc.NewID(),
			UserID:     userID,
			EventID:    e.ID,
			ResourceID: e.BubbleID,
			CreatedAt:  d.svc.Now(),
		}
		created, err := d.svc.Repo.InsertIfAbsent(ctx, n)
		if err != nil {
			return nil, err
		}
		if created {
			out = append(out, n)
		}
	}
	return out, nil
}
