package recorder

import (
	"context"
	"errors"
	"time"

	"github.com/collabhq/activity/internal/app/event"
	"github.com/collabhq/activity/internal/app/rollup"
	"github.com/collabhq/activity/internal/platform/env"
	"github.com/collabhq/activity/internal/platform/metrics"
)

// ErrNoActor means no acting user could be resolved for the write.
var ErrNoActor = errors.New("no acting user")

// Store is the transactional storage arm of the recorder.
type Store interface {
	// LatestOpenRollup returns the bubble's open rollup id, or
	// rollup.ErrRollupNotFound when none qualifies.
	LatestOpenRollup(ctx context.Context, bubbleID string, notBefore time.Time) (string, error)
	CreateRollup(ctx context.Context) (string, error)
	// AppendThreaded appends the event and threads its rollup in one
	// transaction, absorbing a concurrent duplicate thread entry.
	AppendThreaded(ctx context.Context, e event.Event) (event.Event, error)
}

// Options tune a single Record call.
type Options struct {
	// RollupID pins the rollup instead of resolving the latest open one.
	RollupID string
	// Creator overrides the context actor.
	Creator *Actor
	// Particulars are merged over the creator_name snapshot.
	Particulars event.Particulars
}

// Service is the sole write path for activity history. Every domain
// mutation funnels through Record.
type Service struct {
	Store Store

	// Notify runs after a successful commit, typically enqueueing deferred
	// notification generation. It must not block and its failures never
	// surface to the Record caller.
	Notify func(e event.Event)

	// DefaultActor backs call sites with no ambient actor (seeding, jobs).
	DefaultActor *Actor

	// RollupWindow is how long a rollup stays open for reuse after its
	// newest event.
	RollupWindow time.Duration

	Now func() time.Time
}

func NewService(store Store) *Service {
	return &Service{
		Store:        store,
		RollupWindow: env.DefaultRollupWindow,
		Now:          func() time.Time { return time.Now().UTC() },
	}
}

// Record appends one immutable fact for the bubble and keeps the
// rollup/thread invariants intact. Fact creation either fully succeeds or
// fully fails; notification triggering happens after, outside the
// transaction.
func (s *Service) Record(ctx context.Context, bubbleID string, action event.Action, opts Options) (event.Event, error) {
	creator, err := s.resolveCreator(ctx, opts)
	if err != nil {
		return event.Event{}, err
	}

	summaryID := opts.RollupID
	if summaryID == "" {
		summaryID, err = s.resolveRollup(ctx, bubbleID)
		if err != nil {
			return event.Event{}, err
		}
	}

	particulars := event.Particulars{event.ParticularCreatorName: creator.Name}
	for k, v := range opts.Particulars {
		particulars[k] = v
	}

	stored, err := s.Store.AppendThreaded(ctx, event.Event{
		BubbleID:    bubbleID,
		SummaryID:   summaryID,
		CreatorID:   creator.ID,
		Action:      action,
		Particulars: particulars,
		CreatedAt:   s.Now(),
	})
	if err != nil {
		return event.Event{}, err
	}
	metrics.EventsRecorded.WithLabelValues(string(action)).Inc()

	if s.Notify != nil {
		s.Notify(stored)
	}
	return stored, nil
}

func (s *Service) resolveCreator(ctx context.Context, opts Options) (Actor, error) {
	if opts.Creator != nil && opts.Creator.ID != "" {
		return *opts.Creator, nil
	}
	if actor, ok := ActorFrom(ctx); ok {
		return actor, nil
	}
	if s.DefaultActor != nil && s.DefaultActor.ID != "" {
		return *s.DefaultActor, nil
	}
	return Actor{}, ErrNoActor
}

func (s *Service) resolveRollup(ctx context.Context, bubbleID string) (string, error) {
	window := s.RollupWindow
	if window <= 0 {
		window = env.DefaultRollupWindow
	}
	id, err := s.Store.LatestOpenRollup(ctx, bubbleID, s.Now().Add(-window))
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, rollup.ErrRollupNotFound) {
		return "", err
	}
	return s.Store.CreateRollup(ctx)
}
