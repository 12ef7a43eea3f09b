package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// FlipRetention is the hard system-wide retention for status transitions.
const FlipRetention = 93 * 24 * time.Hour

// Flip is an immutable status transition event.
type Flip struct {
	ID           int64
	OwnerID      int64
	Created      time.Time
	Processed    *time.Time
	ClaimedUntil *time.Time
	OldStatus    string
	NewStatus    string
	Reason       string
}

// Repeat reports whether this flip is a repeat (nag) notification; the
// human-visible payloads of transports render it as such.
func (f *Flip) Repeat() bool {
	return f.Reason == ReasonNag
}

type FlipWrite struct {
	OwnerID   int64
	Created   time.Time
	OldStatus string
	NewStatus string
	Reason    string
}

const flipColumns = "id, owner_id, created, processed, claimed_until, old_status, new_status, reason"

func (s *Store) InsertFlip(ctx context.Context, w FlipWrite) (Flip, error) {
	id, err := insertFlipTx(ctx, s.db, w)
	if err != nil {
		return Flip{}, err
	}
	return s.GetFlip(ctx, id)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertFlipTx(ctx context.Context, db execer, w FlipWrite) (int64, error) {
	if w.OldStatus == w.NewStatus && w.Reason != ReasonNag {
		return 0, fmt.Errorf("flip without transition: %s -> %s", w.OldStatus, w.NewStatus)
	}
	result, err := db.ExecContext(ctx,
		`INSERT INTO flips (owner_id, created, old_status, new_status, reason)
		 VALUES (?, ?, ?, ?, ?)`,
		w.OwnerID, fmtTime(w.Created), w.OldStatus, w.NewStatus, w.Reason)
	if err != nil {
		return 0, fmt.Errorf("insert flip: %w", err)
	}
	return result.LastInsertId()
}

func (s *Store) GetFlip(ctx context.Context, id int64) (Flip, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+flipColumns+" FROM flips WHERE id = ?", id)
	return scanFlip(row)
}

// ListFlips returns a check's transition history, newest first.
func (s *Store) ListFlips(ctx context.Context, ownerID int64, limit int) ([]Flip, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+flipColumns+` FROM flips
		 WHERE owner_id = ? ORDER BY created DESC, id DESC LIMIT ?`,
		ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Flip
	for rows.Next() {
		f, err := scanFlip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ClaimNextFlip leases the oldest unprocessed, unclaimed flip to the caller.
// The lease expires so a crashed worker's flips are retried; workers observe
// a peer's live lease and skip. Returns false when no flip is available.
func (s *Store) ClaimNextFlip(ctx context.Context, now time.Time, lease time.Duration) (Flip, bool, error) {
	for {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+flipColumns+` FROM flips
			 WHERE processed IS NULL AND (claimed_until IS NULL OR claimed_until < ?)
			 ORDER BY created ASC, id ASC LIMIT 1`,
			fmtTime(now))
		f, err := scanFlip(row)
		if errors.Is(err, sql.ErrNoRows) {
			return Flip{}, false, nil
		}
		if err != nil {
			return Flip{}, false, err
		}

		until := now.Add(lease)
		result, err := s.db.ExecContext(ctx,
			`UPDATE flips SET claimed_until = ?
			 WHERE id = ? AND processed IS NULL AND (claimed_until IS NULL OR claimed_until < ?)`,
			fmtTime(until), f.ID, fmtTime(now))
		if err != nil {
			return Flip{}, false, err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return Flip{}, false, err
		}
		if n == 1 {
			f.ClaimedUntil = &until
			return f, true, nil
		}
		// A peer claimed it between the read and the update; try the next one.
	}
}

// MarkFlipProcessed records that dispatch for this flip completed. The flip
// is never re-dispatched afterwards.
func (s *Store) MarkFlipProcessed(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE flips SET processed = ?, claimed_until = NULL WHERE id = ?",
		fmtTime(at), id)
	return err
}

// LastDownEventTime returns the creation time of the event that started the
// check's current down spell or the last nag sent for it, whichever is most
// recent. The predicate deliberately reads flips, not notifications: a nag
// notification is itself a down notification, and filtering notifications by
// check_status would block all future nags.
func (s *Store) LastDownEventTime(ctx context.Context, ownerID int64) (*time.Time, error) {
	var created sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(created) FROM flips
		 WHERE owner_id = ?
		   AND (reason = ? OR (new_status = ? AND old_status != ?))`,
		ownerID, ReasonNag, StatusDown, StatusDown).Scan(&created)
	if err != nil {
		return nil, err
	}
	return scanTime(created)
}

// PruneFlips removes flips past the retention window.
func (s *Store) PruneFlips(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM flips WHERE created < ?",
		fmtTime(now.Add(-FlipRetention)))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanFlip(row rowScanner) (Flip, error) {
	var f Flip
	var created string
	var processed, claimedUntil sql.NullString
	if err := row.Scan(
		&f.ID, &f.OwnerID, &created, &processed, &claimedUntil,
		&f.OldStatus, &f.NewStatus, &f.Reason,
	); err != nil {
		return Flip{}, err
	}
	createdAt, err := parseTime(created)
	if err != nil {
		return Flip{}, err
	}
	f.Created = createdAt
	if f.Processed, err = scanTime(processed); err != nil {
		return Flip{}, err
	}
	if f.ClaimedUntil, err = scanTime(claimedUntil); err != nil {
		return Flip{}, err
	}
	return f, nil
}
