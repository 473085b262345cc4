package ledger

import (
	"time"

	"outreach/models"
)

// ClampToWindow returns the smallest instant >= t that falls inside the send
// window on an active weekday, evaluated in loc.
func ClampToWindow(t time.Time, loc *time.Location, w models.SendWindow) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	if w.End <= w.Start {
		return t
	}
	local := t.In(loc)
	y, m, d := local.Date()

	for i := 0; i <= 7; i++ {
		day := time.Date(y, m, d+i, 0, 0, 0, 0, loc)
		if !w.Days.Has(day.Weekday()) {
			continue
		}
		open := atMinute(day, w.Start, loc)
		closeAt := atMinute(day, w.End, loc)
		if i == 0 {
			if local.Before(open) {
				return open
			}
			if local.Before(closeAt) {
				return t
			}
			continue
		}
		return open
	}
	return t
}

// InWindow reports whether t already lies inside the window.
func InWindow(t time.Time, loc *time.Location, w models.SendWindow) bool {
	return ClampToWindow(t, loc, w).Equal(t)
}

func atMinute(day time.Time, minute int, loc *time.Location) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, minute/60, minute%60, 0, 0, loc)
}
