package schedule

import "time"

// NextSlotResult describes the earliest upcoming slot for an assistant.
// DayOffset is 0 for a later slot today, 1..7 for following days.
type NextSlotResult struct {
	DayOffset int
	Slot      Slot
}

// CurrentSlot returns the first slot scheduled today for the assistant
// whose window contains now.
func CurrentSlot(ws WeeklySchedule, assistantID string, now time.Time) (Slot, bool) {
	for _, slot := range ws.slotsFor(now.Weekday(), assistantID) {
		if slot.Contains(now) {
			return slot, true
		}
	}
	return Slot{}, false
}

// NextSlot finds the earliest slot whose start is strictly after now.
// Remaining slots later today are considered before the seven-day wrap, so
// an assistant with a second window this afternoon is not pushed to next
// week.
func NextSlot(ws WeeklySchedule, assistantID string, now time.Time) (NextSlotResult, bool) {
	nowMinute := now.Hour()*60 + now.Minute()
	best, found := earliestAfter(ws.slotsFor(now.Weekday(), assistantID), nowMinute)
	if found {
		return NextSlotResult{DayOffset: 0, Slot: best}, true
	}

	for offset := 1; offset <= 7; offset++ {
		day := now.AddDate(0, 0, offset).Weekday()
		best, found = earliestAfter(ws.slotsFor(day, assistantID), -1)
		if found {
			return NextSlotResult{DayOffset: offset, Slot: best}, true
		}
	}

	return NextSlotResult{}, false
}

// DelayUntil computes how long to wait until the assistant's next window
// opens. The result is floored at zero. The second return is false when the
// assistant has no slot anywhere in the week.
func DelayUntil(ws WeeklySchedule, assistantID string, now time.Time) (time.Duration, bool) {
	next, ok := NextSlot(ws, assistantID, now)
	if !ok {
		return 0, false
	}

	startMin, _ := next.Slot.startMinutes()
	day := now.AddDate(0, 0, next.DayOffset)
	start := time.Date(day.Year(), day.Month(), day.Day(), startMin/60, startMin%60, 0, 0, now.Location())

	delay := start.Sub(now)
	if delay < 0 {
		delay = 0
	}
	return delay, true
}

// earliestAfter picks the slot with the smallest valid start strictly
// greater than afterMinute.
func earliestAfter(slots []Slot, afterMinute int) (Slot, bool) {
	var best Slot
	bestStart := -1
	for _, slot := range slots {
		start, ok := slot.startMinutes()
		if !ok || start <= afterMinute {
			continue
		}
		if bestStart == -1 || start < bestStart {
			best = slot
			bestStart = start
		}
	}
	return best, bestStart != -1
}
