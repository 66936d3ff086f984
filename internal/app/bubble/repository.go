package bubble

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createBubblesTableSQL = `
CREATE TABLE IF NOT EXISTS bubbles (
  id text PRIMARY KEY,
  title text NOT NULL,
  creator_id text NOT NULL REFERENCES users (id),
  stage_name text,
  postponed_at timestamptz,
  created_at timestamptz NOT NULL,
  updated_at timestamptz NOT NULL
)`

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.Pool.Exec(ctx, createBubblesTableSQL)
	return err
}

func (r *PostgresRepository) Insert(ctx context.Context, b Bubble) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO bubbles (id, title, creator_id, stage_name, postponed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)`,
		b.ID, b.Title, b.CreatorID, b.StageName, b.PostponedAt, b.CreatedAt, b.UpdatedAt,
	)
	return err
}

func (r *PostgresRepository) Get(ctx context.Context, bubbleID string) (Bubble, error) {
	var (
		b     Bubble
		stage *string
	)
	err := r.Pool.QueryRow(ctx,
		`SELECT id, title, creator_id, stage_name, postponed_at, created_at, updated_at
		 FROM bubbles
		 WHERE id = $1`,
		bubbleID,
	).Scan(&b.ID, &b.Title, &b.CreatorID, &stage, &b.PostponedAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bubble{}, ErrBubbleNotFound
		}
		return Bubble{}, err
	}
	if stage != nil {
		b.StageName = *stage
	}
	return b, nil
}

func (r *PostgresRepository) SetStage(ctx context.Context, bubbleID, stageName string, updatedAt time.Time) error {
	tag, err := r.Pool.Exec(ctx,
		`UPDATE bubbles
		 SET stage_name = NULLIF($2, ''), updated_at = $3
		 WHERE id = $1`,
		bubbleID, stageName, updatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBubbleNotFound
	}
	return nil
}

func (r *PostgresRepository) SetPostponed(ctx context.Context, bubbleID string, postponedAt *time.Time, updatedAt time.Time) error {
	tag, err := r.Pool.Exec(ctx,
		`UPDATE bubbles
		 SET postponed_at = $2, updated_at = $3
		 WHERE id = $1`,
		bubbleID, postponedAt, updatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBubbleNotFound
	}
	return nil
}
