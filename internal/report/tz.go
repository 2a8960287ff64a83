package report

import "time"

// startOfDay returns local midnight of t's calendar day in loc.
func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// endOfDay returns the last instant of t's calendar day in loc.
// Built from the next day's midnight so DST transitions don't shift it.
func endOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc).Add(-time.Nanosecond)
}

// floor10Min returns the most recent 10-minute wall-clock boundary ≤ t
// in loc.
func floor10Min(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	y, m, d := lt.Date()
	return time.Date(y, m, d, lt.Hour(), lt.Minute()/10*10, 0, 0, loc)
}
