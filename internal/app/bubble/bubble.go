package bubble

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/collabhq/activity/internal/app/event"
	"github.com/collabhq/activity/internal/app/recorder"
	"github.com/nats-io/nuid"
)

var (
	ErrTitleRequired  = errors.New("title is required")
	ErrStageRequired  = errors.New("stage name is required")
	ErrNotStaged      = errors.New("bubble is not staged")
	ErrBubbleNotFound = errors.New("bubble not found")
	ErrNoAssignees    = errors.New("at least one assignee is required")
)

// Bubble is the shared container all activity hangs off.
type Bubble struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	CreatorID   string     `json:"creator_id"`
	StageName   string     `json:"stage_name,omitempty"`
	PostponedAt *time.Time `json:"postponed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (b Bubble) Postponed() bool {
	return b.PostponedAt != nil
}

type Repository interface {
	Insert(ctx context.Context, b Bubble) error
	Get(ctx context.Context, bubbleID string) (Bubble, error)
	SetStage(ctx context.Context, bubbleID, stageName string, updatedAt time.Time) error
	SetPostponed(ctx context.Context, bubbleID string, postponedAt *time.Time, updatedAt time.Time) error
}

type Recorder interface {
	Record(ctx context.Context, bubbleID string, action event.Action, opts recorder.Options) (event.Event, error)
}

// Service applies domain mutations and records the matching fact for each.
type Service struct {
	Repo     Repository
	Recorder Recorder
	NewID    func() string
	Now      func() time.Time
}

func NewService(repo Repository, rec Recorder) *Service {
	return &Service{
		Repo:     repo,
		Recorder: rec,
		NewID:    nuid.Next,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts the bubble and records its `created` event.
func (s *Service) Create(ctx context.Context, title string) (Bubble, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Bubble{}, ErrTitleRequired
	}

	actor, ok := recorder.ActorFrom(ctx)
	if !ok {
		return Bubble{}, recorder.ErrNoActor
	}

	now := s.Now()
	b := Bubble{
		ID:        s.NewID(),
		Title:     title,
		CreatorID: actor.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Repo.Insert(ctx, b); err != nil {
		return Bubble{}, err
	}
	if _, err := s.Recorder.Record(ctx, b.ID, event.ActionCreated, recorder.Options{}); err != nil {
		return Bubble{}, err
	}
	return b, nil
}

func (s *Service) Get(ctx context.Context, bubbleID string) (Bubble, error) {
	return s.Repo.Get(ctx, bubbleID)
}

// Assign records an `assigned` event carrying the assignee ids. The
// dispatcher fans the event out to everyone but the actor.
func (s *Service) Assign(ctx context.Context, bubbleID string, assigneeIDs []string) (event.Event, error) {
	if len(assigneeIDs) == 0 {
		return event.Event{}, ErrNoAssignees
	}
	if _, err := s.Repo.Get(ctx, bubbleID); err != nil {
		return event.Event{}, err
	}
	return s.Recorder.Record(ctx, bubbleID, event.ActionAssigned, recorder.Options{
		Particulars: event.Particulars{event.ParticularAssigneeIDs: assigneeIDs},
	})
}

func (s *Service) Stage(ctx context.Context, bubbleID, stageName string) (event.Event, error) {
	stageName = strings.TrimSpace(stageName)
	if stageName == "" {
		return event.Event{}, ErrStageRequired
	}
	if _, err := s.Repo.Get(ctx, bubbleID); err != nil {
		return event.Event{}, err
	}
	if err := s.Repo.SetStage(ctx, bubbleID, stageName, s.Now()); err != nil {
		return event.Event{}, err
	}
	return s.Recorder.Record(ctx, bubbleID, event.ActionStaged, recorder.Options{
		Particulars: event.Particulars{event.ParticularStageName: stageName},
	})
}

func (s *Service) Unstage(ctx context.Context, bubbleID string) (event.Event, error) {
	b, err := s.Repo.Get(ctx, bubbleID)
	if err != nil {
		return event.Event{}, err
	}
	if b.StageName == "" {
		return event.Event{}, ErrNotStaged
	}
	if err := s.Repo.SetStage(ctx, bubbleID, "", s.Now()); err != nil {
		return event.Event{}, err
	}
	return s.Recorder.Record(ctx, bubbleID, event.ActionUnstaged, recorder.Options{
		Particulars: event.Particulars{event.ParticularStageName: b.StageName},
	})
}

func (s *Service) Boost(ctx context.Context, bubbleID string) (event.Event, error) {
	if _, err := s.Repo.Get(ctx, bubbleID); err != nil {
		return event.Event{}, err
	}
	return s.Recorder.Record(ctx, bubbleID, event.ActionBoosted, recorder.Options{})
}

// Postpone parks the bubble. A postponed bubble leaves its stage, and
// postponing twice is a no-op.
func (s *Service) Postpone(ctx context.Context, bubbleID string) (Bubble, error) {
	b, err := s.Repo.Get(ctx, bubbleID)
	if err != nil {
		return Bubble{}, err
	}
	if b.Postponed() {
		return b, nil
	}

	now := s.Now()
	if b.StageName != "" {
		if err := s.Repo.SetStage(ctx, bubbleID, "", now); err != nil {
			return Bubble{}, err
		}
		b.StageName = ""
	}
	if err := s.Repo.SetPostponed(ctx, bubbleID, &now, now); err != nil {
		return Bubble{}, err
	}
	b.PostponedAt = &now
	b.UpdatedAt = now

	if _, err := s.Recorder.Record(ctx, bubbleID, event.ActionPostponed, recorder.Options{}); err != nil {
		return Bubble{}, err
	}
	return b, nil
}

func (s *Service) Resume(ctx context.Context, bubbleID string) (Bubble, error) {
	b, err := s.Repo.Get(ctx, bubbleID)
	if err != nil {
		return Bubble{}, err
	}
	if !b.Postponed() {
		return b, nil
	}

	now := s.Now()
	if err := s.Repo.SetPostponed(ctx, bubbleID, nil, now); err != nil {
		return Bubble{}, err
	}
	b.PostponedAt = nil
	b.UpdatedAt = now

	if _, err := s.Recorder.Record(ctx, bubbleID, event.ActionResumed, recorder.Options{}); err != nil {
		return Bubble{}, err
	}
	return b, nil
}
