package health

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts 5-field cron expressions plus descriptors, so sampling
// intervals can be written as "@every 15s" and sweeps as "@daily".
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a monitor schedule and returns the underlying
// cron schedule.
func ParseSchedule(expr string) (cron.Schedule, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return schedule, nil
}

// NextSampleTimes returns the next n firings of a schedule from a base time.
func NextSampleTimes(schedule cron.Schedule, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		times = append(times, next)
	}
	return times
}
