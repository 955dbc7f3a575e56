package gometer

import "time"

// currentDailyPeriod returns the UTC calendar-day period containing now.
func currentDailyPeriod(now time.Time) Period {
	start := startOfDayUTC(now)
	return Period{
		Start: start,
		End:   start.Add(24 * time.Hour),
		Type:  PeriodTypeDaily,
	}
}

// currentMonthlyPeriod returns the UTC calendar-month period containing now.
func currentMonthlyPeriod(now time.Time) Period {
	n := now.UTC()
	start := time.Date(n.Year(), n.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{
		Start: start,
		End:   addMonthsSafe(start, 1),
		Type:  PeriodTypeMonthly,
	}
}

// addMonthsSafe adds months to a time, handling month-end edge cases.
// Standard Go pattern: use time.Date with day=1 to avoid overflow, then
// clip to the last day of the target month.
func addMonthsSafe(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	targetDate := time.Date(year, month+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())

	// day=0 of month+1 is the last day of month.
	lastDay := time.Date(targetDate.Year(), targetDate.Month()+1, 0, 0, 0, 0, 0, targetDate.Location()).Day()

	actualDay := day
	if actualDay > lastDay {
		actualDay = lastDay
	}

	return time.Date(targetDate.Year(), targetDate.Month(), actualDay, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// startOfDayUTC returns the start of day (00:00:00) in UTC for the given time.
func startOfDayUTC(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month(), tt.Day(), 0, 0, 0, 0, time.UTC)
}
