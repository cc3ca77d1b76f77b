package engine

import (
	"time"

	"streamarr/internal/storage"
)

// inQuietHours reports whether now falls inside the configured quiet-hours
// window. Windows may wrap past midnight (e.g. 23:00-07:00).
func inQuietHours(settings storage.GlobalSettings, now time.Time) bool {
	if !settings.QuietHoursEnabled {
		return false
	}
	start, err := time.Parse("15:04", settings.QuietHoursStart)
	if err != nil {
		return false
	}
	end, err := time.Parse("15:04", settings.QuietHoursEnd)
	if err != nil {
		return false
	}

	minutes := now.Hour()*60 + now.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()

	if startMin <= endMin {
		return minutes >= startMin && minutes <= endMin
	}
	return minutes >= startMin || minutes <= endMin
}
