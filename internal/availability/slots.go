package availability

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// TimeSlot is a candidate bookable window. Slots are derived per request and
// never persisted on their own.
type TimeSlot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// GenerateSlots expands one calendar date of a template into an ordered list
// of candidate slots. The walk steps forward by interval inside each working
// window and emits [cursor, cursor+duration) while the slot still fits.
// An interval shorter than the duration yields overlapping slots and one
// longer than the duration leaves gaps; both are deliberate configuration.
//
// Missing template, unavailable day or malformed windows yield an empty
// result, never an error.
func GenerateSlots(tmpl *Template, date time.Time, duration, interval time.Duration) []TimeSlot {
	if tmpl == nil || duration <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = duration
	}

	entry := tmpl.entryFor(date)
	if !entry.Available || len(entry.Windows) == 0 {
		return nil
	}

	year, month, day := date.Date()
	loc := date.Location()

	var slots []TimeSlot
	for _, w := range entry.Windows {
		startMin, ok := parseClock(w.Start)
		if !ok {
			continue
		}
		endMin, ok := parseClock(w.End)
		if !ok || endMin <= startMin {
			continue
		}

		windowStart := time.Date(year, month, day, 0, startMin, 0, 0, loc)
		windowEnd := time.Date(year, month, day, 0, endMin, 0, 0, loc)

		for cursor := windowStart; !cursor.Add(duration).After(windowEnd); cursor = cursor.Add(interval) {
			slots = append(slots, TimeSlot{Start: cursor, End: cursor.Add(duration)})
		}
	}

	sort.Slice(slots, func(i, j int) bool {
		return slots[i].Start.Before(slots[j].Start)
	})

	return slots
}

// Contains reports whether the exact [start, end) window is one of the
// generated slots. Used to reject booking requests for windows the schedule
// never offered.
func Contains(slots []TimeSlot, start, end time.Time) bool {
	for _, s := range slots {
		if s.Start.Equal(start) && s.End.Equal(end) {
			return true
		}
	}
	return false
}

// parseClock parses "HH:MM" into minutes from midnight.
func parseClock(s string) (int, bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
