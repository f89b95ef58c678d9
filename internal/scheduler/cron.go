package scheduler

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// TimeOfDay is a wall-clock HH:MM pair used by built-in and custom schedules.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// CronTuple is the (HH:MM, dow?, dom?) shape spec.md §6 describes: at most
// one of DayOfWeek/DayOfMonth is meaningful. Neither set means "daily".
type CronTuple struct {
	Time       TimeOfDay
	DayOfWeek  *int // 0=Sunday .. 6=Saturday
	DayOfMonth *int // 1..31
}

// ToCronExpression implements spec.md §6's helper: monthly if DayOfMonth is
// set, weekly if DayOfWeek is set, else daily. Standard 5-field form.
func (t CronTuple) ToCronExpression() string {
	switch {
	case t.DayOfMonth != nil:
		return fmt.Sprintf("%d %d %d * *", t.Time.Minute, t.Time.Hour, *t.DayOfMonth)
	case t.DayOfWeek != nil:
		return fmt.Sprintf("%d %d * * %d", t.Time.Minute, t.Time.Hour, *t.DayOfWeek)
	default:
		return fmt.Sprintf("%d %d * * *", t.Time.Minute, t.Time.Hour)
	}
}

// ValidateCronExpression fails closed: a malformed custom-schedule cron
// string is rejected before persistence (SPEC_FULL.md §4.7) rather than
// left to fail silently the first time gocron ticks it.
func ValidateCronExpression(expr string) error {
	_, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}
