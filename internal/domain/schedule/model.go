package schedule

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Window is a contiguous time-of-day range in which an assistant may dial.
// Start and End are wall-clock values in "HH:MM" form. The interval is
// half-open: a call at exactly Start is inside, at exactly End it is not.
type Window struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Slot binds an assistant to a window on a given weekday.
type Slot struct {
	AssistantID string `json:"assistant_id"`
	Window
}

// WeeklySchedule maps weekdays to named slots. It is tenant configuration
// owned by an external provider; the resolver tolerates malformed or
// overlapping slots (first match wins) instead of failing.
type WeeklySchedule map[time.Weekday]map[string]Slot

// Contains reports whether the instant's time of day falls inside the
// window, half-open on the end bound.
func (w Window) Contains(now time.Time) bool {
	start, okStart := parseClock(w.Start)
	end, okEnd := parseClock(w.End)
	if !okStart || !okEnd {
		return false
	}

	minute := now.Hour()*60 + now.Minute()
	return minute >= start && minute < end
}

// startMinutes returns the window start as minutes past midnight.
func (w Window) startMinutes() (int, bool) {
	return parseClock(w.Start)
}

func parseClock(value string) (int, bool) {
	parts := strings.SplitN(strings.TrimSpace(value), ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, false
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, false
	}
	return hour*60 + minute, true
}

// slotsFor returns the day's slots for one assistant in deterministic
// slot-name order.
func (ws WeeklySchedule) slotsFor(day time.Weekday, assistantID string) []Slot {
	named, ok := ws[day]
	if !ok || len(named) == 0 {
		return nil
	}

	names := make([]string, 0, len(named))
	for name := range named {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Slot, 0, len(named))
	for _, name := range names {
		slot := named[name]
		if slot.AssistantID != assistantID {
			continue
		}
		out = append(out, slot)
	}
	return out
}
