// Package profile holds temporal profile records, the vector layer they
// are stored in and the expression engine evaluating them.
package profile

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/nci/eotsv/timeseries"
	"github.com/pkg/errors"
)

var (
	ErrUnknownBand   = errors.New("unknown band")
	ErrMaskedValue   = errors.New("masked value")
	ErrInvalidRecord = errors.New("invalid profile record")
)

// Values holds the band values of one observation. Masked values are NaN
// in memory and null in JSON.
type Values []float64

func (v Values) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			buf.WriteByte(',')
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			buf.WriteString("null")
			continue
		}
		buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (v *Values) UnmarshalJSON(data []byte) error {
	var raw []*float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Values, len(raw))
	for i, f := range raw {
		if f == nil {
			out[i] = math.NaN()
		} else {
			out[i] = *f
		}
	}
	*v = out
	return nil
}

// Valid reports whether at least one value is not masked.
func (v Values) Valid() bool {
	for _, f := range v {
		if !math.IsNaN(f) {
			return true
		}
	}
	return false
}

// Record is a temporal profile: parallel lists with one entry per
// observation. Sensor holds indices into SensorIDs.
type Record struct {
	SensorIDs []string `json:"sensor_ids"`
	Sensor    []int    `json:"sensor"`
	Date      []string `json:"date"`
	Values    []Values `json:"values"`
	Source    []string `json:"source,omitempty"`
}

const DateFormat = "2006-01-02T15:04:05.999999999Z07:00"

func (r *Record) Len() int {
	return len(r.Date)
}

// Append adds an observation. Masked observations are refused.
func (r *Record) Append(sid string, date time.Time, values Values, source string) error {
	if !values.Valid() {
		return ErrMaskedValue
	}
	idx := -1
	for i, s := range r.SensorIDs {
		if s == sid {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.SensorIDs = append(r.SensorIDs, sid)
		idx = len(r.SensorIDs) - 1
	}
	r.Sensor = append(r.Sensor, idx)
	r.Date = append(r.Date, date.UTC().Format(DateFormat))
	r.Values = append(r.Values, values)
	if source != "" || len(r.Source) > 0 {
		for len(r.Source) < len(r.Date)-1 {
			r.Source = append(r.Source, "")
		}
		r.Source = append(r.Source, source)
	}
	return nil
}

// Validate checks the parallel lists and the band counts against the
// sensor ids.
func (r *Record) Validate() error {
	n := len(r.Date)
	if len(r.Sensor) != n || len(r.Values) != n {
		return errors.Wrapf(ErrInvalidRecord, "list lengths sensor=%d date=%d values=%d", len(r.Sensor), n, len(r.Values))
	}
	if r.Source != nil && len(r.Source) != n {
		return errors.Wrapf(ErrInvalidRecord, "%d sources for %d observations", len(r.Source), n)
	}
	bands := make([]int, len(r.SensorIDs))
	for i, s := range r.SensorIDs {
		sid, err := timeseries.ParseSensorID(s)
		if err != nil {
			return err
		}
		bands[i] = sid.NB
	}
	for i, s := range r.Sensor {
		if s < 0 || s >= len(bands) {
			return errors.Wrapf(ErrInvalidRecord, "observation %d: sensor index %d", i, s)
		}
		if len(r.Values[i]) != bands[s] {
			return errors.Wrapf(ErrInvalidRecord, "observation %d: %d values for %d bands", i, len(r.Values[i]), bands[s])
		}
	}
	return nil
}

func (r *Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

func ParseRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(ErrInvalidRecord, err.Error())
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}
