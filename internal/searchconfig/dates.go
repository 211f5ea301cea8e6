package searchconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
)

// Date precisions, finest first. Each date parameter is indexed once per
// precision under the field suffix "-<PRECISION>".
var Precisions = []string{"MILLI", "SECOND", "MINUTE", "DAY", "MONTH", "YEAR"}

// DateField returns the physical field holding a date at a precision.
func DateField(field, precision string) string {
	return field + "-" + precision
}

// TruncateDate truncates t (in UTC) to the given precision.
func TruncateDate(t time.Time, precision string) (time.Time, error) {
	t = t.UTC()
	switch precision {
	case "MILLI":
		return t.Truncate(time.Millisecond), nil
	case "SECOND":
		return t.Truncate(time.Second), nil
	case "MINUTE":
		return t.Truncate(time.Minute), nil
	case "DAY":
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	case "MONTH":
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	case "YEAR":
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC), nil
	}
	return time.Time{}, fmt.Errorf("unsupported date precision %q", precision)
}

var partialLayouts = []string{"2006-01-02T15:04:05", "2006-01-02", "2006-01", "2006"}

// ParseDate accepts full date-times and the partial forms year, year-month
// and date.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if dt, err := strfmt.ParseDateTime(s); err == nil && strings.Contains(s, "T") {
		return time.Time(dt).UTC(), nil
	}
	for _, layout := range partialLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}
