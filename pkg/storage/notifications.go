package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rubiojr/chirper/pkg/core"
)

// CreateNotification persists n and returns it with ID, CreatedAt and
// FromUser filled in. Persisting comes before any realtime push.
func (s *Store) CreateNotification(ctx context.Context, n core.Notification) (core.Notification, error) {
	if err := n.Validate(); err != nil {
		return n, err
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	var postID sql.NullInt64
	if n.RelatedPostID != nil {
		postID = sql.NullInt64{Int64: *n.RelatedPostID, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (user_id, type, related_user_id, related_post_id, content, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.UserID, string(n.Type), n.RelatedUserID, postID, n.Content, n.IsRead, n.CreatedAt)
	if err != nil {
		return n, fmt.Errorf("inserting notification: %w", err)
	}
	if n.ID, err = res.LastInsertId(); err != nil {
		return n, fmt.Errorf("reading notification id: %w", err)
	}

	if n.FromUser == nil && n.RelatedUserID != 0 {
		if u, err := s.UserByID(ctx, n.RelatedUserID); err == nil {
			n.FromUser = &core.UserRef{ID: u.ID, Username: u.Username}
		}
	}
	return n, nil
}

// Notifications lists the most recent notifications for userID, newest first.
func (s *Store) Notifications(ctx context.Context, userID int64, limit int) ([]core.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.type, n.user_id, n.related_user_id, n.related_post_id, n.content, n.is_read, n.created_at,
			COALESCE(u.username, '')
		FROM notifications n LEFT JOIN users u ON u.id = n.related_user_id
		WHERE n.user_id = ?
		ORDER BY n.id DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer closeRows(rows)

	list := []core.Notification{}
	for rows.Next() {
		var n core.Notification
		var typ, username string
		var postID sql.NullInt64
		if err := rows.Scan(&n.ID, &typ, &n.UserID, &n.RelatedUserID, &postID, &n.Content, &n.IsRead, &n.CreatedAt, &username); err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		n.Type = core.NotificationType(typ)
		if postID.Valid {
			n.RelatedPostID = core.PostRef(postID.Int64)
		}
		if username != "" {
			n.FromUser = &core.UserRef{ID: n.RelatedUserID, Username: username}
		}
		list = append(list, n)
	}
	return list, rows.Err()
}

func (s *Store) UnreadCount(ctx context.Context, userID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = 0", userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting unread notifications: %w", err)
	}
	return count, nil
}

// MarkNotificationRead returns ErrNotFound unless id belongs to userID.
func (s *Store) MarkNotificationRead(ctx context.Context, userID, id int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = 1 WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}
	return expectRow(res)
}

func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0", userID)
	if err != nil {
		return 0, fmt.Errorf("marking notifications read: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) DeleteNotification(ctx context.Context, userID, id int64) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM notifications WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return fmt.Errorf("deleting notification: %w", err)
	}
	return expectRow(res)
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
