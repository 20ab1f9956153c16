package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

type Schedule struct {
	Kind       string `json:"kind"`        // "cron", "interval", "once"
	CronExpr   string `json:"cron_expr"`   // Cron expression (if kind=cron)
	IntervalMs int64  `json:"interval_ms"` // Interval in ms (if kind=interval)
	AtMs       int64  `json:"at_ms"`       // Unix ms timestamp (if kind=once)
}

// Parse accepts the JSON form, a plain cron expression, or "every <duration>"
// and returns a validated schedule.
func Parse(raw string) (*Schedule, error) {
	raw = strings.TrimSpace(raw)

	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err == nil && s.Kind != "" {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		return &s, nil
	}

	if rest, ok := strings.CutPrefix(raw, "every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q: %w", rest, err)
		}
		s = Schedule{Kind: KindInterval, IntervalMs: d.Milliseconds()}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		return &s, nil
	}

	if !gronx.New().IsValid(raw) {
		return nil, fmt.Errorf("invalid schedule: not valid JSON, interval or cron expression: %s", raw)
	}
	return &Schedule{Kind: KindCron, CronExpr: raw}, nil
}

func (s *Schedule) Validate() error {
	switch s.Kind {
	case KindCron:
		if !gronx.New().IsValid(s.CronExpr) {
			return fmt.Errorf("invalid cron expression: %s", s.CronExpr)
		}
	case KindInterval:
		if s.IntervalMs <= 0 {
			return fmt.Errorf("interval_ms must be positive")
		}
	case KindOnce:
		if s.AtMs <= 0 {
			return fmt.Errorf("at_ms must be positive")
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
	return nil
}

// Next returns the first run strictly after now. ok is false when the
// schedule will not fire again.
func (s *Schedule) Next(now time.Time) (time.Time, bool) {
	switch s.Kind {
	case KindCron:
		next, err := gronx.NextTickAfter(s.CronExpr, now, false)
		if err != nil {
			return time.Time{}, false
		}
		return next, true
	case KindInterval:
		if s.IntervalMs <= 0 {
			return time.Time{}, false
		}
		return now.Add(time.Duration(s.IntervalMs) * time.Millisecond), true
	case KindOnce:
		at := time.UnixMilli(s.AtMs)
		if !at.After(now) {
			return time.Time{}, false
		}
		return at, true
	}
	return time.Time{}, false
}

// String returns a human-readable description of the schedule.
func (s *Schedule) String() string {
	switch s.Kind {
	case KindCron:
		if strings.HasPrefix(s.CronExpr, "@") {
			return s.CronExpr
		}
		return "Cron: " + s.CronExpr
	case KindInterval:
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			if h := int(d.Hours()); h != 1 {
				return fmt.Sprintf("Every %d hours", h)
			}
			return "Every hour"
		case d%time.Minute == 0 && d >= time.Minute:
			if m := int(d.Minutes()); m != 1 {
				return fmt.Sprintf("Every %d minutes", m)
			}
			return "Every minute"
		default:
			return "Every " + d.String()
		}
	case KindOnce:
		return "Once at " + time.UnixMilli(s.AtMs).UTC().Format("Jan 2 15:04")
	}
	return s.Kind
}
