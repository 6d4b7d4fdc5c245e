package timeseries

import (
	"time"
)

type CheckState int

const (
	Unchecked CheckState = iota
	PartiallyChecked
	Checked
)

func (c CheckState) String() string {
	switch c {
	case Checked:
		return "checked"
	case PartiallyChecked:
		return "partially checked"
	}
	return "unchecked"
}

// DateKey identifies a TimeSeriesDate within a catalogue.
type DateKey struct {
	Begin time.Time
	SID   string
}

func (k DateKey) less(o DateKey) bool {
	if !k.Begin.Equal(o.Begin) {
		return k.Begin.Before(o.Begin)
	}
	return k.SID < o.SID
}

func (k DateKey) equal(o DateKey) bool {
	return k.Begin.Equal(o.Begin) && k.SID == o.SID
}

// bucket is the catalogue owned, mutable form of a TimeSeriesDate.
type bucket struct {
	rng     DateRange
	sid     string
	sources []*Source
}

func (b *bucket) key() DateKey {
	return DateKey{Begin: b.rng.Begin, SID: b.sid}
}

func (b *bucket) insert(src *Source) {
	i := 0
	for i < len(b.sources) && sourceLess(b.sources[i], src) {
		i++
	}
	b.sources = append(b.sources, nil)
	copy(b.sources[i+1:], b.sources[i:])
	b.sources[i] = src
}

func (b *bucket) remove(uri string) bool {
	for i, s := range b.sources {
		if s.uri == uri {
			b.sources = append(b.sources[:i], b.sources[i+1:]...)
			return true
		}
	}
	return false
}

func (b *bucket) snapshot(sensor SensorID) TimeSeriesDate {
	return TimeSeriesDate{
		Range:   b.rng,
		SID:     b.sid,
		Sensor:  sensor,
		Sources: append([]*Source(nil), b.sources...),
	}
}

// TimeSeriesDate is a read-only view of the sources sharing a date range
// and a sensor.
type TimeSeriesDate struct {
	Range   DateRange
	SID     string
	Sensor  SensorID
	Sources []*Source
}

func (d TimeSeriesDate) Key() DateKey {
	return DateKey{Begin: d.Range.Begin, SID: d.SID}
}

func (d TimeSeriesDate) Begin() time.Time {
	return d.Range.Begin
}

func (d TimeSeriesDate) URIs() []string {
	uris := make([]string, len(d.Sources))
	for i, s := range d.Sources {
		uris[i] = s.uri
	}
	return uris
}

func (d TimeSeriesDate) CheckState() CheckState {
	visible := 0
	for _, s := range d.Sources {
		if s.IsVisible() {
			visible++
		}
	}
	switch {
	case visible == 0:
		return Unchecked
	case visible == len(d.Sources):
		return Checked
	}
	return PartiallyChecked
}
