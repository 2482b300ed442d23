package risk

import "time"

// DayOpen returns local midnight for now in tz. Falls back to UTC when the
// timezone cannot be loaded.
func DayOpen(tz string, now time.Time) time.Time {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// WeekOpen returns the Monday 00:00 that starts the trading week containing
// now, in tz.
func WeekOpen(tz string, now time.Time) time.Time {
	open := DayOpen(tz, now)
	// Monday-anchored: time.Weekday has Sunday == 0.
	offset := (int(open.Weekday()) + 6) % 7
	return open.AddDate(0, 0, -offset)
}

// SameTradingDay checks whether a and b fall on the same local day in tz.
func SameTradingDay(tz string, a, b time.Time) bool {
	return DayOpen(tz, a).Equal(DayOpen(tz, b))
}

// SameTradingWeek checks whether a and b fall in the same Monday-anchored
// week in tz.
func SameTradingWeek(tz string, a, b time.Time) bool {
	return WeekOpen(tz, a).Equal(WeekOpen(tz, b))
}
