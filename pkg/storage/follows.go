package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrSelfFollow = errors.New("cannot follow yourself")

// ToggleFollow flips the follow edge followerID -> followingID and reports
// whether it exists afterwards.
func (s *Store) ToggleFollow(ctx context.Context, followerID, followingID int64) (bool, error) {
	if followerID == followingID {
		return false, ErrSelfFollow
	}

	var following bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			"SELECT 1 FROM follows WHERE follower_id = ? AND following_id = ?",
			followerID, followingID).Scan(&exists)
		switch {
		case err == nil:
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM follows WHERE follower_id = ? AND following_id = ?",
				followerID, followingID); err != nil {
				return fmt.Errorf("unfollowing: %w", err)
			}
			following = false
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO follows (follower_id, following_id, created_at) VALUES (?, ?, ?)",
				followerID, followingID, time.Now().UTC()); err != nil {
				return fmt.Errorf("following: %w", err)
			}
			following = true
		default:
			return fmt.Errorf("checking follow: %w", err)
		}
		return nil
	})
	return following, err
}

// FollowerIDs returns the ids of the users following userID.
func (s *Store) FollowerIDs(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT follower_id FROM follows WHERE following_id = ? ORDER BY follower_id", userID)
	if err != nil {
		return nil, fmt.Errorf("querying followers: %w", err)
	}
	defer closeRows(rows)

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning follower: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Followers(ctx context.Context, userID int64) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.email, u.username, u.password_hash, u.github_id, u.avatar_url, u.created_at
		FROM follows f JOIN users u ON u.id = f.follower_id
		WHERE f.following_id = ?
		ORDER BY f.rowid DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying followers: %w", err)
	}
	defer closeRows(rows)

	users := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning follower: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *Store) IsFollowing(ctx context.Context, followerID, followingID int64) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM follows WHERE follower_id = ? AND following_id = ?",
		followerID, followingID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking follow: %w", err)
	}
	return true, nil
}
