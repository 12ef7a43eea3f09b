package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// onCalendarExpr is a parsed systemd OnCalendar expression, restricted to
// the calendar subset the product accepts:
//
//	[DOW[,DOW][..DOW]] [YYYY-MM-DD] [HH:MM[:SS]]
//
// with "*", comma lists, "a..b" ranges and "/step" in date and time
// components, plus the named shorthands (minutely, hourly, daily, weekly,
// monthly, yearly). Seconds default to 0 when omitted, matching systemd.
type onCalendarExpr struct {
	weekdays map[time.Weekday]bool // nil means any
	years    map[int]bool          // nil means any
	months   map[int]bool
	days     map[int]bool
	hours    map[int]bool
	minutes  map[int]bool
	seconds  map[int]bool
}

var onCalendarShorthands = map[string]string{
	"minutely": "*-*-* *:*:00",
	"hourly":   "*-*-* *:00:00",
	"daily":    "*-*-* 00:00:00",
	"weekly":   "Mon *-*-* 00:00:00",
	"monthly":  "*-*-01 00:00:00",
	"yearly":   "*-01-01 00:00:00",
	"annually": "*-01-01 00:00:00",
}

var weekdayNames = map[string]time.Weekday{
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
	"sun": time.Sunday, "sunday": time.Sunday,
}

// ParseOnCalendar parses a systemd OnCalendar expression.
func ParseOnCalendar(expr string) (*onCalendarExpr, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, fmt.Errorf("%w: empty oncalendar expression", ErrBadDescriptor)
	}
	if full, ok := onCalendarShorthands[strings.ToLower(s)]; ok {
		s = full
	}

	parts := strings.Fields(s)
	out := &onCalendarExpr{}

	// Optional leading weekday spec.
	if len(parts) > 0 && !strings.Contains(parts[0], "-") && !strings.Contains(parts[0], ":") && parts[0] != "*" {
		wd, err := parseWeekdays(parts[0])
		if err != nil {
			return nil, err
		}
		out.weekdays = wd
		parts = parts[1:]
	}

	dateSpec, timeSpec := "*-*-*", "00:00:00"
	switch len(parts) {
	case 0:
		// Weekday-only expression, e.g. "Mon..Fri".
	case 1:
		if strings.Contains(parts[0], ":") {
			timeSpec = parts[0]
		} else {
			dateSpec = parts[0]
		}
	case 2:
		dateSpec, timeSpec = parts[0], parts[1]
	default:
		return nil, fmt.Errorf("%w: oncalendar %q", ErrBadDescriptor, expr)
	}

	dateFields := strings.Split(dateSpec, "-")
	if len(dateFields) != 3 {
		return nil, fmt.Errorf("%w: oncalendar date %q", ErrBadDescriptor, dateSpec)
	}
	var err error
	if out.years, err = parseComponent(dateFields[0], 1970, 2199); err != nil {
		return nil, err
	}
	if out.months, err = parseComponent(dateFields[1], 1, 12); err != nil {
		return nil, err
	}
	if out.days, err = parseComponent(dateFields[2], 1, 31); err != nil {
		return nil, err
	}

	timeFields := strings.Split(timeSpec, ":")
	if len(timeFields) == 2 {
		timeFields = append(timeFields, "00")
	}
	if len(timeFields) != 3 {
		return nil, fmt.Errorf("%w: oncalendar time %q", ErrBadDescriptor, timeSpec)
	}
	if out.hours, err = parseComponent(timeFields[0], 0, 23); err != nil {
		return nil, err
	}
	if out.minutes, err = parseComponent(timeFields[1], 0, 59); err != nil {
		return nil, err
	}
	if out.seconds, err = parseComponent(timeFields[2], 0, 59); err != nil {
		return nil, err
	}
	return out, nil
}

func parseWeekdays(spec string) (map[time.Weekday]bool, error) {
	out := make(map[time.Weekday]bool)
	for _, part := range strings.Split(spec, ",") {
		lo, hi, isRange := strings.Cut(part, "..")
		from, ok := weekdayNames[strings.ToLower(lo)]
		if !ok {
			return nil, fmt.Errorf("%w: weekday %q", ErrBadDescriptor, part)
		}
		if !isRange {
			out[from] = true
			continue
		}
		to, ok := weekdayNames[strings.ToLower(hi)]
		if !ok {
			return nil, fmt.Errorf("%w: weekday %q", ErrBadDescriptor, part)
		}
		// Ranges wrap: Fri..Mon means Fri, Sat, Sun, Mon.
		for d := from; ; d = (d + 1) % 7 {
			out[d] = true
			if d == to {
				break
			}
		}
	}
	return out, nil
}

// parseComponent parses one date or time component into its allowed set.
// A nil result means the component is unconstrained.
func parseComponent(spec string, min, max int) (map[int]bool, error) {
	if spec == "*" {
		return nil, nil
	}
	out := make(map[int]bool)
	for _, part := range strings.Split(spec, ",") {
		body, stepStr, hasStep := strings.Cut(part, "/")
		step := 1
		if hasStep {
			v, err := strconv.Atoi(stepStr)
			if err != nil || v < 1 {
				return nil, fmt.Errorf("%w: step %q", ErrBadDescriptor, part)
			}
			step = v
		}

		lo, hi := min, max
		switch {
		case body == "*":
			// Full range.
		case strings.Contains(body, ".."):
			loStr, hiStr, _ := strings.Cut(body, "..")
			var err error
			if lo, err = strconv.Atoi(loStr); err != nil {
				return nil, fmt.Errorf("%w: range %q", ErrBadDescriptor, part)
			}
			if hi, err = strconv.Atoi(hiStr); err != nil {
				return nil, fmt.Errorf("%w: range %q", ErrBadDescriptor, part)
			}
		default:
			v, err := strconv.Atoi(body)
			if err != nil {
				return nil, fmt.Errorf("%w: value %q", ErrBadDescriptor, part)
			}
			lo, hi = v, v
			if hasStep {
				hi = max
			}
		}
		if lo < min || hi > max || lo > hi {
			return nil, fmt.Errorf("%w: %q out of range %d..%d", ErrBadDescriptor, part, min, max)
		}
		for v := lo; v <= hi; v += step {
			out[v] = true
		}
	}
	return out, nil
}

func allows(set map[int]bool, v int) bool {
	return set == nil || set[v]
}

// searchHorizonDays bounds the next-occurrence scan. Four years covers any
// satisfiable day-of-month/weekday combination, leap days included.
const searchHorizonDays = 4 * 366

// next returns the first matching instant strictly after t, in t's location.
// A wall-clock time that falls in a DST gap does not fire; a repeated hour
// fires once, in the first occurrence (time.Date resolves to it).
func (e *onCalendarExpr) next(t time.Time) (time.Time, bool) {
	loc := t.Location()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)

	for i := 0; i < searchHorizonDays; i++ {
		if i > 0 {
			day = time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, loc)
		}
		if !allows(e.years, day.Year()) || !allows(e.months, int(day.Month())) ||
			!allows(e.days, day.Day()) {
			continue
		}
		if e.weekdays != nil && !e.weekdays[day.Weekday()] {
			continue
		}
		for h := 0; h < 24; h++ {
			if !allows(e.hours, h) {
				continue
			}
			for m := 0; m < 60; m++ {
				if !allows(e.minutes, m) {
					continue
				}
				for s := 0; s < 60; s++ {
					if !allows(e.seconds, s) {
						continue
					}
					candidate := time.Date(day.Year(), day.Month(), day.Day(), h, m, s, 0, loc)
					if candidate.Hour() != h {
						// DST gap: the wall-clock time does not exist today.
						continue
					}
					if candidate.After(t) {
						return candidate, true
					}
				}
			}
		}
	}
	return time.Time{}, false
}
