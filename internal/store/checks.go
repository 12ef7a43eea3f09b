package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-run/vigil/internal/schedule"
)

// Check is a monitored schedule plus its cached status.
type Check struct {
	ID           int64
	Code         string
	BadgeKey     string
	Name         string
	Kind         string // simple, cron, oncalendar
	TimeoutSecs  int64
	Schedule     string
	TZ           string
	GraceSecs    int64
	Status       string
	NPings       int64
	LastPing     *time.Time
	LastStart    *time.Time
	LastDuration *time.Duration
	AlertAfter   *time.Time
	ManualResume bool

	// Filter policy for HTTP/email pings.
	Methods       string // comma-separated allowlist, empty means any
	FilterSubject bool
	FilterBody    bool
	SuccessKW     string
	StartKW       string
	FailureKW     string

	Created time.Time
}

// Descriptor returns the schedule evaluator input for this check.
func (c *Check) Descriptor() schedule.Descriptor {
	return schedule.Descriptor{
		Kind:    c.Kind,
		Timeout: time.Duration(c.TimeoutSecs) * time.Second,
		Expr:    c.Schedule,
		TZ:      c.TZ,
	}
}

func (c *Check) Grace() time.Duration {
	return time.Duration(c.GraceSecs) * time.Second
}

// AllowsMethod applies the HTTP method allowlist of the filter policy.
func (c *Check) AllowsMethod(method string) bool {
	if c.Methods == "" {
		return true
	}
	for _, m := range strings.Split(c.Methods, ",") {
		if strings.EqualFold(strings.TrimSpace(m), method) {
			return true
		}
	}
	return false
}

// CheckWrite contains the fields needed to create a check.
type CheckWrite struct {
	Name          string
	Kind          string
	TimeoutSecs   int64
	Schedule      string
	TZ            string
	GraceSecs     int64
	ManualResume  bool
	Methods       string
	FilterSubject bool
	FilterBody    bool
	SuccessKW     string
	StartKW       string
	FailureKW     string
}

const checkColumns = `id, code, badge_key, name, kind, timeout_secs, schedule, tz,
	grace_secs, status, n_pings, last_ping, last_start, last_duration_ms,
	alert_after, manual_resume, methods, filter_subject, filter_body,
	success_kw, start_kw, failure_kw, created`

func (s *Store) CreateCheck(ctx context.Context, w CheckWrite) (Check, error) {
	kind := w.Kind
	if kind == "" {
		kind = schedule.KindSimple
	}
	timeout := w.TimeoutSecs
	if timeout <= 0 {
		timeout = 86400
	}
	grace := w.GraceSecs
	if grace <= 0 {
		grace = 3600
	}
	tz := w.TZ
	if tz == "" {
		tz = "UTC"
	}
	code := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checks
		 (code, badge_key, name, kind, timeout_secs, schedule, tz, grace_secs,
		  manual_resume, methods, filter_subject, filter_body, success_kw, start_kw, failure_kw, created)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code, randomBadgeKey(), w.Name, kind, timeout, w.Schedule, tz, grace,
		boolToInt(w.ManualResume), w.Methods, boolToInt(w.FilterSubject), boolToInt(w.FilterBody),
		w.SuccessKW, w.StartKW, w.FailureKW, fmtTime(time.Now()))
	if err != nil {
		return Check{}, fmt.Errorf("insert check: %w", err)
	}
	return s.GetCheckByCode(ctx, code)
}

func (s *Store) GetCheck(ctx context.Context, id int64) (Check, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+checkColumns+" FROM checks WHERE id = ?", id)
	return scanCheck(row)
}

func (s *Store) GetCheckByCode(ctx context.Context, code string) (Check, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+checkColumns+" FROM checks WHERE code = ?", code)
	return scanCheck(row)
}

func (s *Store) ListChecks(ctx context.Context) ([]Check, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+checkColumns+" FROM checks ORDER BY created ASC, id ASC")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanChecks(rows)
}

func (s *Store) DeleteCheck(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM checks WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// NextCheckDue returns the check with the oldest expired alert deadline.
// Paused and new checks carry a NULL alert_after and never match; checks
// already down are excluded because no further timeout transition applies.
func (s *Store) NextCheckDue(ctx context.Context, now time.Time) (Check, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkColumns+` FROM checks
		 WHERE alert_after IS NOT NULL AND alert_after < ? AND status != ?
		 ORDER BY alert_after ASC LIMIT 1`,
		fmtTime(now), StatusDown)
	return scanCheck(row)
}

// ListDownChecks returns checks currently down, oldest flip candidates first.
func (s *Store) ListDownChecks(ctx context.Context) ([]Check, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+checkColumns+" FROM checks WHERE status = ? ORDER BY id ASC",
		StatusDown)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanChecks(rows)
}

// UpdateAlertAfter moves the alert deadline without changing status. The
// update is conditional on the status the caller observed, so a concurrent
// transition invalidates it silently.
func (s *Store) UpdateAlertAfter(ctx context.Context, id int64, oldStatus string, alertAfter *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE checks SET alert_after = ? WHERE id = ? AND status = ?",
		dbTime(alertAfter), id, oldStatus)
	return err
}

// MarkCheckDown atomically transitions a check to down, clearing the alert
// deadline. It returns false when a peer worker transitioned the check
// first; the caller must not insert a flip in that case.
func (s *Store) MarkCheckDown(ctx context.Context, id int64, oldStatus string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE checks SET status = ?, alert_after = NULL WHERE id = ? AND status = ?",
		StatusDown, id, oldStatus)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ResumeCheck flips a manually-held down check back to up and records the
// transition. Returns the flip, or sql.ErrNoRows when the check is not down.
func (s *Store) ResumeCheck(ctx context.Context, id int64, now time.Time, alertAfter *time.Time) (Flip, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Flip{}, err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		"UPDATE checks SET status = ?, alert_after = ? WHERE id = ? AND status = ?",
		StatusUp, dbTime(alertAfter), id, StatusDown)
	if err != nil {
		return Flip{}, err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return Flip{}, sql.ErrNoRows
	}

	flipID, err := insertFlipTx(ctx, tx, FlipWrite{
		OwnerID:   id,
		Created:   now,
		OldStatus: StatusDown,
		NewStatus: StatusUp,
	})
	if err != nil {
		return Flip{}, err
	}
	if err := tx.Commit(); err != nil {
		return Flip{}, err
	}
	return s.GetFlip(ctx, flipID)
}

func scanChecks(rows *sql.Rows) ([]Check, error) {
	var out []Check
	for rows.Next() {
		c, err := scanCheck(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheck(row rowScanner) (Check, error) {
	var c Check
	var lastPing, lastStart, alertAfter, created sql.NullString
	var lastDurationMS sql.NullInt64
	var manualResume, filterSubject, filterBody int
	if err := row.Scan(
		&c.ID, &c.Code, &c.BadgeKey, &c.Name, &c.Kind, &c.TimeoutSecs,
		&c.Schedule, &c.TZ, &c.GraceSecs, &c.Status, &c.NPings,
		&lastPing, &lastStart, &lastDurationMS, &alertAfter,
		&manualResume, &c.Methods, &filterSubject, &filterBody,
		&c.SuccessKW, &c.StartKW, &c.FailureKW, &created,
	); err != nil {
		return Check{}, err
	}
	var err error
	if c.LastPing, err = scanTime(lastPing); err != nil {
		return Check{}, err
	}
	if c.LastStart, err = scanTime(lastStart); err != nil {
		return Check{}, err
	}
	if c.AlertAfter, err = scanTime(alertAfter); err != nil {
		return Check{}, err
	}
	if lastDurationMS.Valid {
		d := time.Duration(lastDurationMS.Int64) * time.Millisecond
		c.LastDuration = &d
	}
	if createdAt, err := scanTime(created); err == nil && createdAt != nil {
		c.Created = *createdAt
	}
	c.ManualResume = manualResume != 0
	c.FilterSubject = filterSubject != 0
	c.FilterBody = filterBody != 0
	return c, nil
}
