// Package schedule evaluates a check's schedule descriptor: given a
// reference instant, it yields the next instant at which a ping is expected.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule kinds supported by a check.
const (
	KindSimple     = "simple"
	KindCron       = "cron"
	KindOnCalendar = "oncalendar"
)

var ErrBadDescriptor = errors.New("invalid schedule descriptor")

// Descriptor is the schedule of one check. For KindSimple only Timeout is
// used; for the other kinds Expr and TZ are.
type Descriptor struct {
	Kind    string
	Timeout time.Duration
	Expr    string
	TZ      string
}

// cronParser accepts the conventional five fields plus @descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Parsed expressions are cached per (kind, expr) since checks evaluate the
// same expression on every ping and every alerting tick.
var parseCache sync.Map // string -> cron.Schedule | *onCalendarExpr

// NextAfter returns the least expected-ping instant strictly after t.
// It is a pure function of the descriptor and t.
func (d Descriptor) NextAfter(t time.Time) (time.Time, error) {
	switch d.Kind {
	case KindSimple:
		if d.Timeout <= 0 {
			return time.Time{}, fmt.Errorf("%w: timeout %v", ErrBadDescriptor, d.Timeout)
		}
		return t.Add(d.Timeout), nil
	case KindCron:
		sched, err := parseCron(d.Expr)
		if err != nil {
			return time.Time{}, err
		}
		loc, err := loadLocation(d.TZ)
		if err != nil {
			return time.Time{}, err
		}
		return nextCron(sched, t.In(loc)), nil
	case KindOnCalendar:
		expr, err := parseOnCalendar(d.Expr)
		if err != nil {
			return time.Time{}, err
		}
		loc, err := loadLocation(d.TZ)
		if err != nil {
			return time.Time{}, err
		}
		next, ok := expr.next(t.In(loc))
		if !ok {
			return time.Time{}, fmt.Errorf("%w: %q never fires", ErrBadDescriptor, d.Expr)
		}
		return next, nil
	default:
		return time.Time{}, fmt.Errorf("%w: kind %q", ErrBadDescriptor, d.Kind)
	}
}

// nextCron wraps the parsed schedule's Next. When a DST fall-back repeats an
// hour, robfig/cron can report the same wall-clock time twice; a repeated
// hour must fire once, in the first occurrence.
func nextCron(sched cron.Schedule, t time.Time) time.Time {
	next := sched.Next(t)
	if sameWallClock(next, t) {
		next = sched.Next(next)
	}
	return next
}

func sameWallClock(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day() &&
		a.Hour() == b.Hour() && a.Minute() == b.Minute() && a.Second() == b.Second()
}

func parseCron(expr string) (cron.Schedule, error) {
	key := "cron\x00" + expr
	if cached, ok := parseCache.Load(key); ok {
		return cached.(cron.Schedule), nil
	}
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty cron expression", ErrBadDescriptor)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDescriptor, err)
	}
	parseCache.Store(key, sched)
	return sched, nil
}

func parseOnCalendar(expr string) (*onCalendarExpr, error) {
	key := "oncalendar\x00" + expr
	if cached, ok := parseCache.Load(key); ok {
		return cached.(*onCalendarExpr), nil
	}
	parsed, err := ParseOnCalendar(expr)
	if err != nil {
		return nil, err
	}
	parseCache.Store(key, parsed)
	return parsed, nil
}

// loadLocation resolves an IANA timezone name, defaulting to UTC.
func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q", ErrBadDescriptor, tz)
	}
	return loc, nil
}
