package application

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// minInterval bounds how often an interval cadence may fire.
const minInterval = time.Minute

// Cadence is an owner's digest schedule: either a fixed interval ("6h") or a
// standard cron expression ("0 8 * * 1-5", "@daily", "CRON_TZ=Europe/Lisbon 0 8 * * *").
type Cadence struct {
	raw      string
	interval time.Duration
	schedule cron.Schedule
}

// ParseCadence parses a duration first and falls back to a cron expression.
func ParseCadence(s string) (Cadence, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Cadence{}, fmt.Errorf("cadence is empty")
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d < minInterval {
			return Cadence{}, fmt.Errorf("cadence interval %s is shorter than %s", d, minInterval)
		}
		return Cadence{raw: s, interval: d}, nil
	}

	schedule, err := cron.ParseStandard(s)
	if err != nil {
		return Cadence{}, fmt.Errorf("parse cadence %q: %w", s, err)
	}
	return Cadence{raw: s, schedule: schedule}, nil
}

func (c Cadence) String() string { return c.raw }

// IsInterval reports whether the cadence is a fixed interval.
func (c Cadence) IsInterval() bool { return c.interval > 0 }

// Next returns the first fire time strictly after now. For interval cadences
// it advances prev by whole intervals so fire times stay on the original
// grid; missed windows collapse into the next one. A zero prev starts the
// grid one interval from now. Cron cadences ignore prev.
func (c Cadence) Next(prev, now time.Time) time.Time {
	if c.interval <= 0 {
		return c.schedule.Next(now)
	}

	if prev.IsZero() {
		return now.Add(c.interval)
	}

	next := prev.Add(c.interval)
	if next.After(now) {
		return next
	}
	steps := now.Sub(prev)/c.interval + 1
	return prev.Add(steps * c.interval)
}
