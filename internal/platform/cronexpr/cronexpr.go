package cronexpr

import (
	"strings"
	"time"

	crerr "github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// Package cronexpr wraps five-field cron parsing. The brokers only need
// next-fire-time computation for repeating jobs, not a full scheduler.

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate reports whether expr is a parsable five-field cron expression.
func Validate(expr string) error {
	_, err := parse(expr)
	return err
}

// Next returns the first fire time strictly after the given instant.
func Next(expr string, after time.Time) (time.Time, error) {
	schedule, err := parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(after), nil
}

// DelayUntilNext returns the duration from now until the next fire time,
// floored at zero.
func DelayUntilNext(expr string, now time.Time) (time.Duration, error) {
	next, err := Next(expr, now)
	if err != nil {
		return 0, err
	}
	delay := next.Sub(now)
	if delay < 0 {
		delay = 0
	}
	return delay, nil
}

func parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, crerr.New("cron expression is empty")
	}
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, crerr.Wrapf(err, "parse cron expression %q", expr)
	}
	return schedule, nil
}
