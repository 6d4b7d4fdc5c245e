package timeseries

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Precision is the grain at which observation times are grouped into
// date ranges.
type Precision int

const (
	Original Precision = iota
	Year
	Month
	Day
	Hour
	Minute
	Second
	Millisecond
)

var precisionNames = []string{"Original", "Year", "Month", "Day", "Hour", "Minute", "Second", "Millisecond"}

func (p Precision) String() string {
	if p < Original || p > Millisecond {
		return "Unknown"
	}
	return precisionNames[p]
}

func ParsePrecision(s string) (Precision, error) {
	for i, name := range precisionNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return Precision(i), nil
		}
	}
	return Original, errors.Errorf("unknown precision %q", s)
}

func (p Precision) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Precision) UnmarshalText(b []byte) error {
	v, err := ParsePrecision(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Snap truncates t (in UTC) to the start of the range containing it.
func (p Precision) Snap(t time.Time) time.Time {
	t = t.UTC()
	switch p {
	case Year:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Hour:
		return t.Truncate(time.Hour)
	case Minute:
		return t.Truncate(time.Minute)
	case Second:
		return t.Truncate(time.Second)
	case Millisecond:
		return t.Truncate(time.Millisecond)
	}
	return t
}

func (p Precision) step(t time.Time) time.Time {
	switch p {
	case Year:
		return t.AddDate(1, 0, 0)
	case Month:
		return t.AddDate(0, 1, 0)
	case Day:
		return t.AddDate(0, 0, 1)
	case Hour:
		return t.Add(time.Hour)
	case Minute:
		return t.Add(time.Minute)
	case Second:
		return t.Add(time.Second)
	case Millisecond:
		return t.Add(time.Millisecond)
	}
	return t
}

// DateRange is the half open interval [Begin, End). For Original
// precision Begin == End and the range holds only that instant.
type DateRange struct {
	Begin time.Time
	End   time.Time
}

func (p Precision) Range(t time.Time) DateRange {
	begin := p.Snap(t)
	return DateRange{Begin: begin, End: p.step(begin)}
}

func (r DateRange) Contains(t time.Time) bool {
	if r.Begin.Equal(r.End) {
		return t.Equal(r.Begin)
	}
	return !t.Before(r.Begin) && t.Before(r.End)
}

func (r DateRange) Equal(o DateRange) bool {
	return r.Begin.Equal(o.Begin) && r.End.Equal(o.End)
}
