package subscription

import "time"

// advancePeriod computes the end of a billing period from its start using
// calendar components, not fixed durations. Month and year advances clamp to
// the last day of the target month (Jan 31 + 1 month = Feb 28/29) instead of
// letting the date normalize into the following month.
func advancePeriod(start time.Time, interval Interval) time.Time {
	switch interval {
	case IntervalWeekly:
		return start.AddDate(0, 0, 7)
	case IntervalMonthly:
		return addCalendarMonths(start, 1)
	case IntervalYearly:
		return addCalendarMonths(start, 12)
	}
	return start
}

func addCalendarMonths(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	firstOfTarget := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), day, hour, min, sec, t.Nanosecond(), t.Location())
}
