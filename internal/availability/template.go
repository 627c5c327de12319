package availability

import (
	"time"

	"github.com/google/uuid"
)

// Window is a working interval in local wall-clock time, "HH:MM" inclusive
// start, exclusive end.
type Window struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// DayEntry is the weekly template entry for one weekday.
type DayEntry struct {
	Available bool     `json:"available"`
	Windows   []Window `json:"windows"`
}

// DateOverride replaces the weekday entry outright for one calendar date.
// There is no merging: an override with available=false kills the whole day
// even if the weekday template has windows.
type DateOverride struct {
	Date      string   `json:"date"` // YYYY-MM-DD
	Available bool     `json:"available"`
	Windows   []Window `json:"windows"`
	Reason    string   `json:"reason,omitempty"`
}

// Template holds the bookable hours for an appointment, optionally scoped to
// a single provider. It is owned by schedule management; the booking core
// only reads it.
type Template struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	ProviderID    *uuid.UUID
	Weekly        [7]DayEntry // indexed by time.Weekday, Sunday = 0
	Overrides     []DateOverride
}

const dateLayout = "2006-01-02"

// entryFor resolves the effective day entry for a calendar date, applying
// override precedence.
func (t *Template) entryFor(date time.Time) DayEntry {
	key := date.Format(dateLayout)
	for _, ov := range t.Overrides {
		if ov.Date == key {
			return DayEntry{Available: ov.Available, Windows: ov.Windows}
		}
	}
	return t.Weekly[int(date.Weekday())]
}
