package notify

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createNotificationsTableSQL = `
CREATE TABLE IF NOT EXISTS notifications (
  id text PRIMARY KEY,
  user_id text NOT NULL REFERENCES users (id),
  event_id bigint NOT NULL REFERENCES events (id) ON DELETE CASCADE,
  resource_id text NOT NULL REFERENCES bubbles (id) ON DELETE CASCADE,
  created_at timestamptz NOT NULL DEFAULT now(),
  UNIQUE (event_id, user_id)
)`

const createNotificationsUserIndexSQL = `
CREATE INDEX IF NOT EXISTS notifications_by_user
ON notifications (user_id, created_at DESC)`

const insertNotificationSQL = `
INSERT INTO notifications (id, user_id, event_id, resource_id, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (event_id, user_id) DO NOTHING`

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createNotificationsTableSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createNotificationsUserIndexSQL); err != nil {
		return err
	}
	return nil
}

func (r *PostgresRepository) InsertIfAbsent(ctx context.Context, n Notification) (bool, error) {
	tag, err := r.Pool.Exec(ctx, insertNotificationSQL,
		n.ID, n.UserID, n.EventID, n.ResourceID, n.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) ListForUser(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.Pool.Query(ctx,
		`SELECT id, user_id, event_id, resource_id, created_at
		 FROM notifications
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]Notification, 0, limit)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.EventID, &n.ResourceID, &n.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
