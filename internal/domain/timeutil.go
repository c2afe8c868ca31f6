package domain

import (
	"fmt"
	"time"
)

// periodDateLayout is DataPoint's date-only form: a calendar date with a
// literal "Z" and no time of day.
const periodDateLayout = "2006-01-02Z"

// PeriodMidnight parses a Period date such as "2016-01-01Z" as midnight UTC.
func PeriodMidnight(date string) (time.Time, error) {
	t, err := time.ParseInLocation(periodDateLayout, date, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: period date %q: %w", ErrFormat, date, err)
	}
	return t, nil
}

const minutesPerDay = 24 * 60

// AtOffset returns midnight plus a whole number of minutes. Offsets are not
// range-checked: DataPoint only sends 0–1439, and anything at or past 1440
// lands on a following day. Whole days go through AddDate so large offsets
// cannot overflow a time.Duration.
func AtOffset(midnight time.Time, minutes uint32) time.Time {
	days := int(minutes / minutesPerDay)
	rest := time.Duration(minutes%minutesPerDay) * time.Minute
	return midnight.AddDate(0, 0, days).Add(rest)
}
