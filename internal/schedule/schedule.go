// Package schedule parses the schedule attached to a scheduled turn and
// computes when it fires next.
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
	Kind       string `json:"kind"`                  // "cron", "interval", "once"
	CronExpr   string `json:"cron_expr,omitempty"`   // Cron expression (if kind=cron)
	IntervalMs int64  `json:"interval_ms,omitempty"` // Interval in ms (if kind=interval)
	AtMs       int64  `json:"at_ms,omitempty"`       // Unix ms timestamp (if kind=once)
}

func Parse(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Schedule) validate() error {
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

// Next returns the first firing strictly after now, or nil when the schedule
// is invalid or will not fire again.
func Next(raw string, now time.Time) *time.Time {
	s, err := Parse(raw)
	if err != nil {
		return nil
	}

	var next time.Time
	switch s.Kind {
	case KindCron:
		t, err := gronx.NextTickAfter(s.CronExpr, now, false)
		if err != nil {
			return nil
		}
		next = t
	case KindInterval:
		if s.IntervalMs <= 0 {
			return nil
		}
		next = now.Add(time.Duration(s.IntervalMs) * time.Millisecond)
	case KindOnce:
		t := time.UnixMilli(s.AtMs)
		if !t.After(now) {
			return nil
		}
		next = t
	default:
		return nil
	}
	return &next
}

// Describe returns a human-readable description of a schedule JSON string.
func Describe(raw string) string {
	s, err := Parse(raw)
	if err != nil {
		return raw
	}

	switch s.Kind {
	case KindCron:
		return "Cron: " + s.CronExpr
	case KindInterval:
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			h := int(d.Hours())
			if h == 1 {
				return "Every hour"
			}
			return fmt.Sprintf("Every %d hours", h)
		case d%time.Minute == 0 && d >= time.Minute:
			m := int(d.Minutes())
			if m == 1 {
				return "Every minute"
			}
			return fmt.Sprintf("Every %d minutes", m)
		default:
			return fmt.Sprintf("Every %d seconds", int(d.Seconds()))
		}
	case KindOnce:
		return "Once at " + time.UnixMilli(s.AtMs).UTC().Format("Jan 2 15:04 MST")
	default:
		return raw
	}
}

// Normalize turns operator input into schedule JSON. Accepted forms:
// schedule JSON (validated and passed through), "every <duration>",
// "in <duration>" (relative to now) and plain cron expressions.
func Normalize(raw string, now time.Time) (string, error) {
	raw = strings.TrimSpace(raw)

	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err == nil && s.Kind != "" {
		if err := s.validate(); err != nil {
			return "", err
		}
		return raw, nil
	}

	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "every "):
		d, err := time.ParseDuration(strings.TrimSpace(raw[len("every "):]))
		if err != nil || d < time.Second {
			return "", fmt.Errorf("invalid interval: %s", raw)
		}
		s = Schedule{Kind: KindInterval, IntervalMs: d.Milliseconds()}
	case strings.HasPrefix(lower, "in "):
		d, err := time.ParseDuration(strings.TrimSpace(raw[len("in "):]))
		if err != nil || d <= 0 {
			return "", fmt.Errorf("invalid delay: %s", raw)
		}
		s = Schedule{Kind: KindOnce, AtMs: now.Add(d).UnixMilli()}
	default:
		if !gronx.New().IsValid(raw) {
			return "", fmt.Errorf("invalid schedule: not valid JSON, interval or cron expression: %s", raw)
		}
		s = Schedule{Kind: KindCron, CronExpr: raw}
	}

	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
