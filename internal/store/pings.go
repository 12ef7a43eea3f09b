package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrStaleCheck is returned when a concurrent ping advanced the check
// between the caller's read and its write; the caller should re-read and
// retry.
var ErrStaleCheck = errors.New("check changed concurrently")

// Ping is one heartbeat event.
type Ping struct {
	ID         int64
	OwnerID    int64
	N          int64
	Kind       string
	Created    time.Time
	Scheme     string
	RemoteAddr string
	Method     string
	UA         string
	ExitStatus *int64
	RID        string
	Body       string
	ObjectSize int64
}

type PingWrite struct {
	OwnerID    int64
	Kind       string
	Created    time.Time
	Scheme     string
	RemoteAddr string
	Method     string
	UA         string
	ExitStatus *int64
	RID        string
	Body       string
	ObjectSize int64
}

// CheckMutation carries the check-state updates a ping causes. The ingest
// writer computes it from the check it read plus the status resolver; the
// store applies it atomically with the ping insert.
type CheckMutation struct {
	Status       string
	LastPing     *time.Time
	LastStart    *time.Time
	LastDuration *time.Duration
	AlertAfter   *time.Time
}

const pingColumns = "id, owner_id, n, kind, created, scheme, remote_addr, method, ua, exit_status, rid, body, object_size"

// RecordPing appends a ping as sequence number prevNPings+1 and applies the
// check mutation and optional fail flip in one transaction. The n_pings
// compare-and-set detects concurrent writers (ErrStaleCheck). Re-ingesting
// a ping identical to the check's latest (same instant, kind, run id)
// returns the stored ping without writing anything.
func (s *Store) RecordPing(ctx context.Context, w PingWrite, prevNPings int64, mut CheckMutation, failFlip *FlipWrite) (Ping, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Ping{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+pingColumns+` FROM pings
		 WHERE owner_id = ? ORDER BY n DESC LIMIT 1`, w.OwnerID)
	last, err := scanPing(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Ping{}, err
	case last.Created.Equal(w.Created) && last.Kind == w.Kind && last.RID == w.RID:
		return last, nil
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE checks SET
			n_pings = n_pings + 1,
			status = ?,
			last_ping = ?,
			last_start = ?,
			last_duration_ms = ?,
			alert_after = ?
		 WHERE id = ? AND n_pings = ?`,
		mut.Status, dbTime(mut.LastPing), dbTime(mut.LastStart),
		durationMS(mut.LastDuration), dbTime(mut.AlertAfter),
		w.OwnerID, prevNPings)
	if err != nil {
		return Ping{}, fmt.Errorf("update check: %w", err)
	}
	if n, _ := result.RowsAffected(); n != 1 {
		return Ping{}, ErrStaleCheck
	}

	seq := prevNPings + 1
	insert, err := tx.ExecContext(ctx,
		`INSERT INTO pings
		 (owner_id, n, kind, created, scheme, remote_addr, method, ua, exit_status, rid, body, object_size)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.OwnerID, seq, w.Kind, fmtTime(w.Created), w.Scheme, w.RemoteAddr,
		w.Method, w.UA, w.ExitStatus, w.RID, w.Body, w.ObjectSize)
	if err != nil {
		return Ping{}, fmt.Errorf("insert ping: %w", err)
	}
	pingID, err := insert.LastInsertId()
	if err != nil {
		return Ping{}, err
	}

	if failFlip != nil {
		if _, err := insertFlipTx(ctx, tx, *failFlip); err != nil {
			return Ping{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Ping{}, err
	}
	return s.getPing(ctx, pingID)
}

func (s *Store) getPing(ctx context.Context, id int64) (Ping, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+pingColumns+" FROM pings WHERE id = ?", id)
	return scanPing(row)
}

// LastPing returns a check's most recent ping.
func (s *Store) LastPing(ctx context.Context, ownerID int64) (Ping, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pingColumns+` FROM pings
		 WHERE owner_id = ? ORDER BY n DESC LIMIT 1`, ownerID)
	return scanPing(row)
}

// ListPings returns a check's ping history, newest first.
func (s *Store) ListPings(ctx context.Context, ownerID int64, limit int) ([]Ping, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pingColumns+` FROM pings
		 WHERE owner_id = ? ORDER BY n DESC LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Ping
	for rows.Next() {
		p, err := scanPing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PrunePings drops the oldest pings beyond the per-check retention and
// returns the sequence numbers that had offloaded bodies, so the caller can
// remove the objects too.
func (s *Store) PrunePings(ctx context.Context, ownerID int64, keep int64) ([]int64, error) {
	if keep <= 0 {
		return nil, nil
	}
	var maxN sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		"SELECT MAX(n) FROM pings WHERE owner_id = ?", ownerID).Scan(&maxN); err != nil {
		return nil, err
	}
	if !maxN.Valid {
		return nil, nil
	}
	cutoff := maxN.Int64 - keep

	rows, err := s.db.QueryContext(ctx,
		"SELECT n FROM pings WHERE owner_id = ? AND n <= ? AND object_size > 0",
		ownerID, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var offloaded []int64
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		offloaded = append(offloaded, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM pings WHERE owner_id = ? AND n <= ?", ownerID, cutoff); err != nil {
		return nil, err
	}
	return offloaded, nil
}

func scanPing(row rowScanner) (Ping, error) {
	var p Ping
	var created string
	var exitStatus sql.NullInt64
	if err := row.Scan(
		&p.ID, &p.OwnerID, &p.N, &p.Kind, &created, &p.Scheme, &p.RemoteAddr,
		&p.Method, &p.UA, &exitStatus, &p.RID, &p.Body, &p.ObjectSize,
	); err != nil {
		return Ping{}, err
	}
	createdAt, err := parseTime(created)
	if err != nil {
		return Ping{}, err
	}
	p.Created = createdAt
	if exitStatus.Valid {
		v := exitStatus.Int64
		p.ExitStatus = &v
	}
	return p, nil
}

func durationMS(d *time.Duration) any {
	if d == nil {
		return nil
	}
	return d.Milliseconds()
}
