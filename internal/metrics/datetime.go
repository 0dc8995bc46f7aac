package metrics

import (
	"time"
)

// TimeUnit is the precision of a formatted datetime.
type TimeUnit string

const (
	TimeUnitDay         TimeUnit = "day"
	TimeUnitHour        TimeUnit = "hour"
	TimeUnitMinute      TimeUnit = "minute"
	TimeUnitSecond      TimeUnit = "second"
	TimeUnitMillisecond TimeUnit = "millisecond"
)

var datetimeLayouts = map[TimeUnit]string{
	TimeUnitDay:         "2006-01-02-07:00",
	TimeUnitHour:        "2006-01-02T15-07:00",
	TimeUnitMinute:      "2006-01-02T15:04-07:00",
	TimeUnitSecond:      "2006-01-02T15:04:05-07:00",
	TimeUnitMillisecond: "2006-01-02T15:04:05.000-07:00",
}

// FormatDatetime renders t truncated to unit, keeping its timezone offset.
// Unknown units format with millisecond precision.
func FormatDatetime(t time.Time, unit TimeUnit) string {
	layout, ok := datetimeLayouts[unit]
	if !ok {
		layout = datetimeLayouts[TimeUnitMillisecond]
	}
	return t.Format(layout)
}

// ParseDatetime parses a value produced by FormatDatetime with the same unit.
func ParseDatetime(s string, unit TimeUnit) (time.Time, error) {
	layout, ok := datetimeLayouts[unit]
	if !ok {
		layout = datetimeLayouts[TimeUnitMillisecond]
	}
	return time.Parse(layout, s)
}
