package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	GitHubID     *int64    `json:"-"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

const userColumns = "id, email, username, password_hash, github_id, avatar_url, created_at"

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var githubID sql.NullInt64
	if err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &githubID, &u.AvatarURL, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if githubID.Valid {
		u.GitHubID = &githubID.Int64
	}
	return &u, nil
}

// CreateUser inserts a user. Email and username (case-folded) must be unique,
// otherwise ErrConflict is returned.
func (s *Store) CreateUser(ctx context.Context, email, username, passwordHash string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	username = strings.TrimSpace(username)
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, username, username_key, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		email, username, usernameKey(username), passwordHash, now)
	if err != nil {
		if isConstraint(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("inserting user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading user id: %w", err)
	}
	return &User{ID: id, Email: email, Username: username, PasswordHash: passwordHash, CreatedAt: now}, nil
}

func (s *Store) UserByID(ctx context.Context, id int64) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	return scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE email = ?", email))
}

// UserByUsername matches case-insensitively.
func (s *Store) UserByUsername(ctx context.Context, username string) (*User, error) {
	key := usernameKey(strings.TrimSpace(username))
	return scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE username_key = ?", key))
}

// UpsertGitHubUser returns the user linked to githubID, linking an existing
// account with the same email or creating a new one. A clashing username
// gets the GitHub id appended.
func (s *Store) UpsertGitHubUser(ctx context.Context, githubID int64, login, email, avatarURL string) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE github_id = ?", githubID))
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("looking up github user: %w", err)
	}

	if email == "" {
		email = fmt.Sprintf("%d+%s@users.noreply.github.com", githubID, login)
	}

	if existing, err := s.UserByEmail(ctx, email); err == nil {
		if _, err := s.db.ExecContext(ctx,
			"UPDATE users SET github_id = ?, avatar_url = ? WHERE id = ?",
			githubID, avatarURL, existing.ID); err != nil {
			return nil, fmt.Errorf("linking github account: %w", err)
		}
		existing.GitHubID = &githubID
		existing.AvatarURL = avatarURL
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	username := login
	if _, err := s.UserByUsername(ctx, username); err == nil {
		username = fmt.Sprintf("%s%d", login, githubID)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, username, username_key, github_id, avatar_url, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		strings.ToLower(email), username, usernameKey(username), githubID, avatarURL, now)
	if err != nil {
		if isConstraint(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("inserting github user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading user id: %w", err)
	}
	return &User{
		ID:        id,
		Email:     strings.ToLower(email),
		Username:  username,
		GitHubID:  &githubID,
		AvatarURL: avatarURL,
		CreatedAt: now,
	}, nil
}
