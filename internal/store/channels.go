package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel is a notification target. Value is an opaque config blob
// interpreted by the channel's transport variant.
type Channel struct {
	ID                 int64
	Code               string
	Name               string
	Kind               string
	Value              string
	EmailVerified      bool
	Disabled           bool
	LastNotify         *time.Time
	LastNotifyDuration *time.Duration
	LastError          string
}

type ChannelWrite struct {
	Name          string
	Kind          string
	Value         string
	EmailVerified bool
}

const channelColumns = `id, code, name, kind, value, email_verified, disabled,
	last_notify, last_notify_duration_ms, last_error`

func (s *Store) CreateChannel(ctx context.Context, w ChannelWrite) (Channel, error) {
	if w.Kind == "" {
		return Channel{}, fmt.Errorf("channel kind is required")
	}
	code := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (code, name, kind, value, email_verified, created)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		code, w.Name, w.Kind, w.Value, boolToInt(w.EmailVerified), fmtTime(time.Now()))
	if err != nil {
		return Channel{}, fmt.Errorf("insert channel: %w", err)
	}
	return s.GetChannelByCode(ctx, code)
}

func (s *Store) GetChannel(ctx context.Context, id int64) (Channel, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+channelColumns+" FROM channels WHERE id = ?", id)
	return scanChannel(row)
}

func (s *Store) GetChannelByCode(ctx context.Context, code string) (Channel, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+channelColumns+" FROM channels WHERE code = ?", code)
	return scanChannel(row)
}

func (s *Store) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+channelColumns+" FROM channels ORDER BY created ASC, id ASC")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanChannels(rows)
}

func (s *Store) DeleteChannel(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM channels WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AssignChannel attaches a channel to a check. The join is an explicit
// relation: deleting a check removes join rows, never the channel.
func (s *Store) AssignChannel(ctx context.Context, checkID, channelID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO check_channels (check_id, channel_id) VALUES (?, ?)
		 ON CONFLICT (check_id, channel_id) DO NOTHING`,
		checkID, channelID)
	return err
}

func (s *Store) UnassignChannel(ctx context.Context, checkID, channelID int64) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM check_channels WHERE check_id = ? AND channel_id = ?",
		checkID, channelID)
	return err
}

// ChannelsForCheck returns the enabled channels attached to a check, fastest
// responders first so slow integrations cannot delay fast ones.
func (s *Store) ChannelsForCheck(ctx context.Context, checkID int64) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channels
		 JOIN check_channels ON check_channels.channel_id = channels.id
		 WHERE check_channels.check_id = ? AND channels.disabled = 0
		 ORDER BY COALESCE(channels.last_notify_duration_ms, 0) ASC, channels.id ASC`,
		checkID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanChannels(rows)
}

// ChannelNotified records a successful delivery on the channel cache.
func (s *Store) ChannelNotified(ctx context.Context, id int64, at time.Time, took time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channels SET last_notify = ?, last_notify_duration_ms = ?, last_error = ''
		 WHERE id = ?`,
		fmtTime(at), took.Milliseconds(), id)
	return err
}

// ChannelFailed records a delivery error; permanent provider errors disable
// the channel so it is skipped by future dispatches.
func (s *Store) ChannelFailed(ctx context.Context, id int64, errText string, disable bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channels SET last_error = ?, disabled = disabled | ? WHERE id = ?`,
		errText, boolToInt(disable), id)
	return err
}

func scanChannels(rows *sql.Rows) ([]Channel, error) {
	var out []Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func scanChannel(row rowScanner) (Channel, error) {
	var ch Channel
	var emailVerified, disabled int
	var lastNotify sql.NullString
	var lastNotifyMS sql.NullInt64
	if err := row.Scan(
		&ch.ID, &ch.Code, &ch.Name, &ch.Kind, &ch.Value,
		&emailVerified, &disabled, &lastNotify, &lastNotifyMS, &ch.LastError,
	); err != nil {
		return Channel{}, err
	}
	var err error
	if ch.LastNotify, err = scanTime(lastNotify); err != nil {
		return Channel{}, err
	}
	if lastNotifyMS.Valid {
		d := time.Duration(lastNotifyMS.Int64) * time.Millisecond
		ch.LastNotifyDuration = &d
	}
	ch.EmailVerified = emailVerified != 0
	ch.Disabled = disabled != 0
	return ch, nil
}
