package scheduler

import "time"

// Schedule reports whether a job is due at now given its last successful
// completion. lastSuccess is nil when the job never completed.
type Schedule func(now time.Time, lastSuccess *time.Time) bool

// Daily is due once per UTC day.
func Daily(now time.Time, lastSuccess *time.Time) bool {
	if lastSuccess == nil {
		return true
	}
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return lastSuccess.Before(today)
}

// Weekly is due once per ISO week, starting Monday.
func Weekly(now time.Time, lastSuccess *time.Time) bool {
	if lastSuccess == nil {
		return true
	}
	now = now.UTC()
	weekday := int(now.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	weekStart := time.Date(now.Year(), now.Month(), now.Day()-(weekday-1), 0, 0, 0, 0, time.UTC)
	return lastSuccess.Before(weekStart)
}

// Every is due when at least d has passed since the last success.
func Every(d time.Duration) Schedule {
	return func(now time.Time, lastSuccess *time.Time) bool {
		return lastSuccess == nil || now.Sub(*lastSuccess) >= d
	}
}

// ParseSchedule maps a config value to a schedule: "daily", "weekly" or a
// Go duration such as "6h".
func ParseSchedule(s string) (Schedule, bool) {
	switch s {
	case "daily", "":
		return Daily, true
	case "weekly":
		return Weekly, true
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return nil, false
	}
	return Every(d), true
}
