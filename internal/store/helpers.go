package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// timeLayout keeps a fixed fraction width so that lexicographic order of
// stored timestamps matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// dbTime converts an optional timestamp for binding; nil maps to SQL NULL.
func dbTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by older versions carry plain RFC3339.
		t, err = time.Parse(time.RFC3339, s)
	}
	if err != nil {
		// Column defaults use sqlite's datetime('now'), which is UTC.
		t, err = time.Parse("2006-01-02 15:04:05", s)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func scanTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func randomBadgeKey() string {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return fmt.Sprintf("badge-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(raw[:])
}
