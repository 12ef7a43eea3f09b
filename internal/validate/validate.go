// Package validate checks operator-supplied check and schedule inputs.
package validate

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/vigil-run/vigil/internal/schedule"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron parses a five-field cron expression (plus @descriptors).
func ParseCron(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	return cronParser.Parse(expr)
}

// CronExpression reports whether expr is a valid five-field cron expression.
func CronExpression(expr string) error {
	_, err := ParseCron(expr)
	return err
}

// OnCalendar reports whether expr is a valid systemd OnCalendar expression.
func OnCalendar(expr string) error {
	_, err := schedule.ParseOnCalendar(expr)
	return err
}

// Timezone reports whether tz is a resolvable IANA timezone. Empty means
// UTC and is accepted.
func Timezone(tz string) error {
	if tz == "" {
		return nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("unknown timezone %q", tz)
	}
	return nil
}

// CheckCode reports whether code is a well-formed check UUID.
func CheckCode(code string) error {
	if _, err := uuid.Parse(code); err != nil {
		return fmt.Errorf("invalid check code %q", code)
	}
	return nil
}
