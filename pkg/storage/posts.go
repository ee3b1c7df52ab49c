package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Post struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	ImageURL  string    `json:"image_url,omitempty"`
	Likes     int       `json:"likes"`
	Comments  int       `json:"comments"`
	CreatedAt time.Time `json:"created_at"`
}

type Comment struct {
	ID        int64     `json:"id"`
	PostID    int64     `json:"post_id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) CreatePost(ctx context.Context, userID int64, content, imageURL string) (*Post, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO posts (user_id, content, image_url, created_at) VALUES (?, ?, ?, ?)",
		userID, content, imageURL, now)
	if err != nil {
		return nil, fmt.Errorf("inserting post: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading post id: %w", err)
	}
	return s.PostByID(ctx, id)
}

func (s *Store) PostByID(ctx context.Context, id int64) (*Post, error) {
	var p Post
	err := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.user_id, u.username, p.content, p.image_url, p.created_at,
			(SELECT COUNT(*) FROM likes l WHERE l.post_id = p.id),
			(SELECT COUNT(*) FROM comments c WHERE c.post_id = p.id)
		FROM posts p JOIN users u ON u.id = p.user_id
		WHERE p.id = ?`, id).Scan(
		&p.ID, &p.UserID, &p.Username, &p.Content, &p.ImageURL, &p.CreatedAt, &p.Likes, &p.Comments)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying post %d: %w", id, err)
	}
	return &p, nil
}

// toggle flips membership of (userID, postID) in a likes-shaped table.
func (s *Store) toggle(ctx context.Context, table string, userID, postID int64) (bool, error) {
	var on bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM "+table+" WHERE user_id = ? AND post_id = ?", userID, postID)
		if err != nil {
			return fmt.Errorf("deleting from %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			on = false
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO "+table+" (user_id, post_id, created_at) VALUES (?, ?, ?)",
			userID, postID, time.Now().UTC()); err != nil {
			return fmt.Errorf("inserting into %s: %w", table, err)
		}
		on = true
		return nil
	})
	return on, err
}

// ToggleLike reports whether the post is liked by userID afterwards.
func (s *Store) ToggleLike(ctx context.Context, userID, postID int64) (bool, error) {
	return s.toggle(ctx, "likes", userID, postID)
}

func (s *Store) ToggleBookmark(ctx context.Context, userID, postID int64) (bool, error) {
	return s.toggle(ctx, "bookmarks", userID, postID)
}

func (s *Store) AddComment(ctx context.Context, postID, userID int64, content string) (*Comment, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO comments (post_id, user_id, content, created_at) VALUES (?, ?, ?, ?)",
		postID, userID, content, now)
	if err != nil {
		return nil, fmt.Errorf("inserting comment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading comment id: %w", err)
	}
	c := &Comment{ID: id, PostID: postID, UserID: userID, Content: content, CreatedAt: now}
	if u, err := s.UserByID(ctx, userID); err == nil {
		c.Username = u.Username
	}
	return c, nil
}

func (s *Store) Comments(ctx context.Context, postID int64) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.post_id, c.user_id, u.username, c.content, c.created_at
		FROM comments c JOIN users u ON u.id = c.user_id
		WHERE c.post_id = ?
		ORDER BY c.id`, postID)
	if err != nil {
		return nil, fmt.Errorf("querying comments: %w", err)
	}
	defer closeRows(rows)

	comments := []Comment{}
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.PostID, &c.UserID, &c.Username, &c.Content, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning comment: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}
