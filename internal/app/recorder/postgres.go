package recorder

import (
	"context"
	"errors"
	"time"

	"github.com/collabhq/activity/internal/app/event"
	"github.com/collabhq/activity/internal/app/rollup"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore backs the recorder with pgx. The append and the thread
// attachment share one transaction so a fact is never committed without
// its rollup being threadable.
type PostgresStore struct {
	Pool    *pgxpool.Pool
	Rollups *rollup.Store
}

func NewPostgresStore(pool *pgxpool.Pool, rollups *rollup.Store) *PostgresStore {
	return &PostgresStore{Pool: pool, Rollups: rollups}
}

func (p *PostgresStore) LatestOpenRollup(ctx context.Context, bubbleID string, notBefore time.Time) (string, error) {
	return p.Rollups.LatestOpen(ctx, bubbleID, notBefore)
}

func (p *PostgresStore) CreateRollup(ctx context.Context) (string, error) {
	return p.Rollups.Create(ctx)
}

func (p *PostgresStore) AppendThreaded(ctx context.Context, e event.Event) (event.Event, error) {
	tx, err := p.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return event.Event{}, err
	}
	defer tx.Rollback(ctx)

	stored, err := event.AppendTx(ctx, tx, e)
	if err != nil {
		return event.Event{}, err
	}

	// A concurrent writer may have threaded the rollup already; the event
	// still commits.
	if err := rollup.AttachThread(ctx, tx, e.BubbleID, e.SummaryID); err != nil && !errors.Is(err, rollup.ErrAlreadyThreaded) {
		return event.Event{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return event.Event{}, err
	}
	return stored, nil
}
