// Package schedule decides whether chaos is permitted at a given instant
// based on configured weekly windows. Windows are compiled once from
// configuration; evaluation is pure and safe for concurrent use.
package schedule

import (
	"fmt"
	"time"

	"github.com/faultline-io/chaos-agent/internal/config"
)

// Window is a compiled weekly schedule window. The start bound is inclusive,
// the end bound exclusive.
type Window struct {
	days     map[time.Weekday]bool
	startMin int
	endMin   int
	loc      *time.Location
}

// Compile builds evaluable windows from configuration. The configuration must
// already have passed validation; errors are still surfaced rather than
// swallowed.
func Compile(windows []config.ScheduleWindow) ([]Window, error) {
	out := make([]Window, 0, len(windows))
	for i, w := range windows {
		days := make(map[time.Weekday]bool, len(w.Days))
		for _, d := range w.Days {
			wd, ok := config.ParseWeekday(d)
			if !ok {
				return nil, fmt.Errorf("schedule window %d: invalid weekday %q", i, d)
			}
			days[wd] = true
		}
		start, err := config.ParseTimeOfDay(w.Start)
		if err != nil {
			return nil, fmt.Errorf("schedule window %d: %w", i, err)
		}
		end, err := config.ParseTimeOfDay(w.End)
		if err != nil {
			return nil, fmt.Errorf("schedule window %d: %w", i, err)
		}
		loc, err := time.LoadLocation(w.Timezone)
		if err != nil {
			return nil, fmt.Errorf("schedule window %d: invalid timezone %q: %w", i, w.Timezone, err)
		}
		out = append(out, Window{days: days, startMin: start, endMin: end, loc: loc})
	}
	return out, nil
}

// Contains reports whether the instant falls inside the window, evaluated in
// the window's own timezone.
func (w Window) Contains(now time.Time) bool {
	local := now.In(w.loc)
	if !w.days[local.Weekday()] {
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= w.startMin && minutes < w.endMin
}

// Allowed reports whether chaos is permitted at the given instant. An empty
// window list means no restriction; otherwise the windows are OR'd.
func Allowed(windows []Window, now time.Time) bool {
	if len(windows) == 0 {
		return true
	}
	for _, w := range windows {
		if w.Contains(now) {
			return true
		}
	}
	return false
}
