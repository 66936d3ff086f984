package event

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrUnknownAction   = errors.New("unknown action")
	ErrBubbleRequired  = errors.New("bubble is required")
	ErrRollupRequired  = errors.New("rollup is required")
	ErrCreatorRequired = errors.New("creator is required")
	ErrEventNotFound   = errors.New("event not found")
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx, so the same statements
// run standalone or inside the recorder's transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const createEventsTableSQL = `
CREATE TABLE IF NOT EXISTS events (
  id bigserial PRIMARY KEY,
  bubble_id text NOT NULL REFERENCES bubbles (id) ON DELETE CASCADE,
  summary_id text NOT NULL REFERENCES event_summaries (id) ON DELETE CASCADE,
  creator_id text NOT NULL REFERENCES users (id),
  action text NOT NULL,
  particulars jsonb NOT NULL DEFAULT '{}'::jsonb,
  created_at timestamptz NOT NULL DEFAULT now()
)`

const createEventsOrderIndexSQL = `
CREATE INDEX IF NOT EXISTS events_bubble_chronological
ON events (bubble_id, created_at ASC, id DESC)`

const createEventsSummaryIndexSQL = `
CREATE INDEX IF NOT EXISTS events_by_summary
ON events (summary_id)`

const insertEventSQL = `
INSERT INTO events (bubble_id, summary_id, creator_id, action, particulars, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`

const selectEventSQL = `
SELECT id, bubble_id, summary_id, creator_id, action, particulars, created_at
FROM events`

type Store struct {
	Pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, createEventsTableSQL); err != nil {
		return err
	}
	if _, err := s.Pool.Exec(ctx, createEventsOrderIndexSQL); err != nil {
		return err
	}
	if _, err := s.Pool.Exec(ctx, createEventsSummaryIndexSQL); err != nil {
		return err
	}
	return nil
}

// Append inserts a new immutable fact and returns it with the
// store-assigned id.
func (s *Store) Append(ctx context.Context, e Event) (Event, error) {
	return AppendTx(ctx, s.Pool, e)
}

// AppendTx is Append running on a caller-owned transaction or pool.
func AppendTx(ctx context.Context, q Querier, e Event) (Event, error) {
	if !e.Action.Known() {
		return Event{}, ErrUnknownAction
	}
	if e.BubbleID == "" {
		return Event{}, ErrBubbleRequired
	}
	if e.SummaryID == "" {
		return Event{}, ErrRollupRequired
	}
	if e.CreatorID == "" {
		return Event{}, ErrCreatorRequired
	}
	if e.Particulars == nil {
		e.Particulars = Particulars{}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(e.Particulars)
	if err != nil {
		return Event{}, err
	}
	if err := q.QueryRow(ctx, insertEventSQL,
		e.BubbleID,
		e.SummaryID,
		e.CreatorID,
		string(e.Action),
		payload,
		e.CreatedAt,
	).Scan(&e.ID); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Chronological returns every event for the bubble ordered by
// (created_at ASC, id DESC). Ties on identical timestamps deliberately
// surface the newest insertion first.
func (s *Store) Chronological(ctx context.Context, bubbleID string) ([]Event, error) {
	return s.query(ctx, selectEventSQL+`
		WHERE bubble_id = $1
		ORDER BY created_at ASC, id DESC`, bubbleID)
}

func (s *Store) NonBoosts(ctx context.Context, bubbleID string) ([]Event, error) {
	return s.query(ctx, selectEventSQL+`
		WHERE bubble_id = $1 AND action <> 'boosted'
		ORDER BY created_at ASC, id DESC`, bubbleID)
}

func (s *Store) Boosts(ctx context.Context, bubbleID string) ([]Event, error) {
	return s.query(ctx, selectEventSQL+`
		WHERE bubble_id = $1 AND action = 'boosted'
		ORDER BY created_at ASC, id DESC`, bubbleID)
}

// ForSummary returns a rollup's events in the same chronological order.
func (s *Store) ForSummary(ctx context.Context, summaryID string) ([]Event, error) {
	return s.query(ctx, selectEventSQL+`
		WHERE summary_id = $1
		ORDER BY created_at ASC, id DESC`, summaryID)
}

func (s *Store) GetByID(ctx context.Context, eventID int64) (Event, error) {
	row := s.Pool.QueryRow(ctx, selectEventSQL+` WHERE id = $1`, eventID)
	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Event{}, ErrEventNotFound
		}
		return Event{}, err
	}
	return e, nil
}

func (s *Store) query(ctx context.Context, sql string, args ...any) ([]Event, error) {
	rows, err := s.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanEvent(row pgx.Row) (Event, error) {
	var (
		e       Event
		action  string
		payload []byte
	)
	if err := row.Scan(
		&e.ID,
		&e.BubbleID,
		&e.SummaryID,
		&e.CreatorID,
		&action,
		&payload,
		&e.CreatedAt,
	); err != nil {
		return Event{}, err
	}
	e.Action = Action(action)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Particulars); err != nil {
			return Event{}, err
		}
	}
	if e.Particulars == nil {
		e.Particulars = Particulars{}
	}
	return e, nil
}
