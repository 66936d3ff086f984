package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/collabhq/activity/internal/platform/auth"
	"github.com/nats-io/nuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidUsername    = errors.New("username is required")
	ErrInvalidPassword    = errors.New("password must be at least 8 characters")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUsernameTaken      = errors.New("username already exists")
	ErrNotFound           = errors.New("not found")
)

type User struct {
	ID           string
	Username     string
	Name         string
	PasswordHash string
	CreatedAt    time.Time
}

type Repository interface {
	EnsureSchema(ctx context.Context) error
	CreateUser(ctx context.Context, user User) error
	FindUserByUsername(ctx context.Context, username string) (User, error)
	FindUserByHandle(ctx context.Context, handle string) (User, error)
	NamesByID(ctx context.Context, ids []string) (map[string]string, error)
}

type AuthResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	Name        string `json:"name"`
}

// Service is both the auth surface and the user directory the pipeline
// reads names and mention handles from.
type Service struct {
	Repo      Repository
	AuthToken auth.Manager
	NewID     func() string
	Now       func() time.Time
}

func NewService(repo Repository, tokenManager auth.Manager) *Service {
	return &Service{
		Repo:      repo,
		AuthToken: tokenManager,
		NewID:     nuid.Next,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func NewTokenManager(secret string) auth.Manager {
	return auth.NewManager(secret, 24*time.Hour)
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// MentionHandle is the "@"-addressable form of a display name: lowercase,
// spaces stripped.
func MentionHandle(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "")
}

func validateCredentials(username, password string) error {
	if normalizeUsername(username) == "" {
		return ErrInvalidUsername
	}
	if len(strings.TrimSpace(password)) < 8 {
		return ErrInvalidPassword
	}
	return nil
}

func (s *Service) Register(ctx context.Context, username, password, name string) (AuthResponse, error) {
	if err := validateCredentials(username, password); err != nil {
		return AuthResponse{}, err
	}
	uname := normalizeUsername(username)
	name = strings.TrimSpace(name)
	if name == "" {
		name = uname
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return AuthResponse{}, err
	}

	u := User{
		ID:           s.NewID(),
		Username:     uname,
		Name:         name,
		PasswordHash: string(hash),
		CreatedAt:    s.Now(),
	}
	if err := s.Repo.CreateUser(ctx, u); err != nil {
		return AuthResponse{}, err
	}
	return s.issueToken(u)
}

func (s *Service) Login(ctx context.Context, username, password string) (AuthResponse, error) {
	uname := normalizeUsername(username)
	if uname == "" || strings.TrimSpace(password) == "" {
		return AuthResponse{}, ErrInvalidCredentials
	}

	u, err := s.Repo.FindUserByUsername(ctx, uname)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthResponse{}, ErrInvalidCredentials
		}
		return AuthResponse{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return AuthResponse{}, ErrInvalidCredentials
	}
	return s.issueToken(u)
}

func (s *Service) issueToken(u User) (AuthResponse, error) {
	token, err := s.AuthToken.Sign(u.ID, u.Username, u.Name)
	if err != nil {
		return AuthResponse{}, err
	}
	return AuthResponse{
		AccessToken: token,
		UserID:      u.ID,
		Username:    u.Username,
		Name:        u.Name,
	}, nil
}

// NamesByID resolves display names in bulk; unknown ids are simply absent
// from the result.
func (s *Service) NamesByID(ctx context.Context, ids []string) (map[string]string, error) {
	if len(ids) == 0 {
		return map[string]string{}, nil
	}
	return s.Repo.NamesByID(ctx, ids)
}

// ResolveAssignees turns a mixed list of user ids and "@handle" mentions
// into user ids. Unknown mentions fail with ErrNotFound; bare ids pass
// through untouched.
func (s *Service) ResolveAssignees(ctx context.Context, refs []string) ([]string, error) {
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if !strings.HasPrefix(ref, "@") {
			ids = append(ids, ref)
			continue
		}
		u, err := s.Repo.FindUserByHandle(ctx, MentionHandle(strings.TrimPrefix(ref, "@")))
		if err != nil {
			return nil, err
		}
		ids = append(ids, u.ID)
	}
	return ids, nil
}
