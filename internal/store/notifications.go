package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Notification is the receipt of one delivery attempt. It is created before
// the transport call so a crashed dispatcher still leaves an audit trail.
type Notification struct {
	ID          int64
	Code        string
	OwnerID     int64
	ChannelID   int64
	CheckStatus string
	Created     time.Time
	Error       string
}

type NotificationWrite struct {
	OwnerID     int64
	ChannelID   int64
	CheckStatus string
	Created     time.Time
}

const notificationColumns = "id, code, owner_id, channel_id, check_status, created, error"

func (s *Store) CreateNotification(ctx context.Context, w NotificationWrite) (Notification, error) {
	code := uuid.NewString()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (code, owner_id, channel_id, check_status, created)
		 VALUES (?, ?, ?, ?, ?)`,
		code, w.OwnerID, w.ChannelID, w.CheckStatus, fmtTime(w.Created))
	if err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return Notification{}, err
	}
	return s.GetNotification(ctx, id)
}

func (s *Store) GetNotification(ctx context.Context, id int64) (Notification, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+notificationColumns+" FROM notifications WHERE id = ?", id)
	return scanNotification(row)
}

// SetNotificationError records the transport outcome; empty means success.
func (s *Store) SetNotificationError(ctx context.Context, id int64, errText string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET error = ? WHERE id = ?", errText, id)
	return err
}

// ListNotifications returns a check's delivery history, newest first.
func (s *Store) ListNotifications(ctx context.Context, ownerID int64, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE owner_id = ? ORDER BY created DESC, id DESC LIMIT ?`,
		ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanNotification(row rowScanner) (Notification, error) {
	var n Notification
	var created string
	if err := row.Scan(
		&n.ID, &n.Code, &n.OwnerID, &n.ChannelID, &n.CheckStatus, &created, &n.Error,
	); err != nil {
		return Notification{}, err
	}
	createdAt, err := parseTime(created)
	if err != nil {
		return Notification{}, err
	}
	n.Created = createdAt
	return n, nil
}
