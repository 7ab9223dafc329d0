package icron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts the same five-field expressions (and @descriptors) as
// cron.New().
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type TriggerInfo struct {
	Next       time.Time
	Last       time.Time
	Expression string

	TimeSinceLast time.Duration
	TimeUntilNext time.Duration
}

// Validate reports whether expr is a schedule cron.New() would accept.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

func GetTriggerInfo(cronExpr string, refTime time.Time) (*TriggerInfo, error) {
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	nextTime := schedule.Next(refTime)

	// walk back an hour at a time until the schedule fires before refTime
	var prevTime time.Time
	searchStart := refTime.Add(-time.Minute)
	for i := range 366 * 24 {
		candidate := schedule.Next(searchStart.Add(-time.Duration(i) * time.Hour))
		if !candidate.After(refTime) {
			prevTime = candidate
			break
		}
	}

	info := &TriggerInfo{
		Expression:    cronExpr,
		Next:          nextTime,
		Last:          prevTime,
		TimeUntilNext: nextTime.Sub(refTime),
	}
	if !prevTime.IsZero() {
		info.TimeSinceLast = refTime.Sub(prevTime)
	}
	return info, nil
}

// Schedule registers fn on c and returns when it will first run.
func Schedule(c *cron.Cron, expr string, fn func()) (time.Time, error) {
	if err := Validate(expr); err != nil {
		return time.Time{}, err
	}
	if _, err := c.AddFunc(expr, fn); err != nil {
		return time.Time{}, err
	}
	info, err := GetTriggerInfo(expr, time.Now())
	if err != nil {
		return time.Time{}, err
	}
	return info.Next, nil
}
