package identity

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createUsersTableSQL = `
CREATE TABLE IF NOT EXISTS users (
  id text PRIMARY KEY,
  username text NOT NULL UNIQUE,
  name text NOT NULL,
  password_hash text NOT NULL,
  created_at timestamptz NOT NULL
)`

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.Pool.Exec(ctx, createUsersTableSQL)
	return err
}

func (r *PostgresRepository) CreateUser(ctx context.Context, user User) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO users (id, username, name, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.Username, user.Name, user.PasswordHash, user.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrUsernameTaken
		}
		return err
	}
	return nil
}

func (r *PostgresRepository) FindUserByUsername(ctx context.Context, username string) (User, error) {
	return r.findUser(ctx,
		`SELECT id, username, name, password_hash, created_at
		 FROM users
		 WHERE username = $1`,
		username)
}

// FindUserByHandle matches a mention handle against either the username or
// the squashed display name.
func (r *PostgresRepository) FindUserByHandle(ctx context.Context, handle string) (User, error) {
	return r.findUser(ctx,
		`SELECT id, username, name, password_hash, created_at
		 FROM users
		 WHERE username = $1 OR replace(lower(name), ' ', '') = $1
		 LIMIT 1`,
		handle)
}

func (r *PostgresRepository) findUser(ctx context.Context, sql, arg string) (User, error) {
	var u User
	err := r.Pool.QueryRow(ctx, sql, arg).
		Scan(&u.ID, &u.Username, &u.Name, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}

func (r *PostgresRepository) NamesByID(ctx context.Context, ids []string) (map[string]string, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT id, name FROM users WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := map[string]string{}
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		result[id] = name
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
