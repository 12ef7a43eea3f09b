// Package status derives a check's current status label and next alert
// deadline. Resolve is a pure function of its arguments: it never touches
// the store or the clock, so the whole monitoring semantics is covered by
// table-driven tests.
package status

import (
	"time"

	"github.com/vigil-run/vigil/internal/store"
)

// Label is the resolved status of a check. Started is reported to API
// consumers for a check whose last start ping has no matching finish; it is
// stored as "up".
type Label string

const (
	New     Label = store.StatusNew
	Up      Label = store.StatusUp
	Down    Label = store.StatusDown
	Paused  Label = store.StatusPaused
	Started Label = "started"
)

// Stored maps a label to the value cached in the check's status column.
func (l Label) Stored() string {
	if l == Started {
		return store.StatusUp
	}
	return string(l)
}

// Resolve returns the check's status label at instant now plus the deadline
// at which the alerting loop must re-evaluate it. The deadline is nil for
// paused, new and down checks: no timeout transition applies to them (for
// down checks the nag loop takes over).
//
// A schedule that fails to parse also yields a nil deadline; the check then
// behaves as paused until the operator fixes the expression.
func Resolve(c *store.Check, now time.Time) (Label, *time.Time, error) {
	if c.Status == store.StatusPaused {
		return Paused, nil, nil
	}
	if c.NPings == 0 {
		return New, nil, nil
	}
	// A check that has already flipped down stays down until a ping resets
	// it; elapsed time alone never recovers a check.
	if c.Status == store.StatusDown {
		return Down, nil, nil
	}

	deadline, err := Deadline(c)
	if err != nil {
		return Paused, nil, err
	}
	if deadline == nil {
		return Label(c.Status), nil, nil
	}
	if now.Before(*deadline) {
		if c.LastStart != nil {
			return Started, deadline, nil
		}
		return Up, deadline, nil
	}
	return Down, nil, nil
}

// Deadline computes the instant at which the check goes down: the next
// expected ping after the reference instant, plus grace. The reference is
// the unmatched start ping when the check is running, else the last ping.
// Nil when no deadline applies.
func Deadline(c *store.Check) (*time.Time, error) {
	ref := c.LastPing
	if c.LastStart != nil {
		ref = c.LastStart
	}
	if ref == nil {
		return nil, nil
	}
	next, err := c.Descriptor().NextAfter(*ref)
	if err != nil {
		return nil, err
	}
	deadline := next.Add(c.Grace())
	return &deadline, nil
}
