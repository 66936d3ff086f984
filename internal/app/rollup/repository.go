package rollup

import (
	"context"
	"errors"
	"time"

	"github.com/collabhq/activity/internal/app/event"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nuid"
)

var (
	// ErrAlreadyThreaded is the create-if-absent outcome when another writer
	// attached the rollup first. Callers treat it as success.
	ErrAlreadyThreaded = errors.New("rollup already threaded")

	ErrRollupNotFound = errors.New("rollup not found")
)

const createSummariesTableSQL = `
CREATE TABLE IF NOT EXISTS event_summaries (
  id text PRIMARY KEY,
  created_at timestamptz NOT NULL DEFAULT now()
)`

const createThreadEntriesTableSQL = `
CREATE TABLE IF NOT EXISTS thread_entries (
  bubble_id text NOT NULL REFERENCES bubbles (id) ON DELETE CASCADE,
  summary_id text NOT NULL REFERENCES event_summaries (id) ON DELETE CASCADE,
  created_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (bubble_id, summary_id)
)`

const insertSummarySQL = `
INSERT INTO event_summaries (id, created_at) VALUES ($1, $2)`

const insertThreadEntrySQL = `
INSERT INTO thread_entries (bubble_id, summary_id)
VALUES ($1, $2)
ON CONFLICT DO NOTHING`

// latestOpenSQL finds the bubble's most recent rollup whose newest event is
// still inside the reuse window.
const latestOpenSQL = `
SELECT e.summary_id
FROM events e
WHERE e.bubble_id = $1
GROUP BY e.summary_id
HAVING max(e.created_at) >= $2
ORDER BY max(e.created_at) DESC, max(e.id) DESC
LIMIT 1`

type Store struct {
	Pool  *pgxpool.Pool
	NewID func() string
	Now   func() time.Time
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		Pool:  pool,
		NewID: nuid.Next,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, createSummariesTableSQL); err != nil {
		return err
	}
	if _, err := s.Pool.Exec(ctx, createThreadEntriesTableSQL); err != nil {
		return err
	}
	return nil
}

// Create opens a fresh rollup and returns its id.
func (s *Store) Create(ctx context.Context) (string, error) {
	id := s.NewID()
	if _, err := s.Pool.Exec(ctx, insertSummarySQL, id, s.Now()); err != nil {
		return "", err
	}
	return id, nil
}

// LatestOpen returns the id of the bubble's open rollup, or
// ErrRollupNotFound when every rollup's newest event predates notBefore.
func (s *Store) LatestOpen(ctx context.Context, bubbleID string, notBefore time.Time) (string, error) {
	var id string
	err := s.Pool.QueryRow(ctx, latestOpenSQL, bubbleID, notBefore).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrRollupNotFound
		}
		return "", err
	}
	return id, nil
}

func (s *Store) Exists(ctx context.Context, summaryID string) (bool, error) {
	var marker int
	err := s.Pool.QueryRow(ctx,
		`SELECT 1 FROM event_summaries WHERE id = $1`, summaryID,
	).Scan(&marker)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// AttachThread creates the one thread entry linking the rollup into the
// bubble's thread. The storage uniqueness constraint is the only
// correctness mechanism under concurrent writers: the loser sees
// ErrAlreadyThreaded, never a driver error.
func AttachThread(ctx context.Context, q event.Querier, bubbleID, summaryID string) error {
	tag, err := q.Exec(ctx, insertThreadEntrySQL, bubbleID, summaryID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyThreaded
	}
	return nil
}
