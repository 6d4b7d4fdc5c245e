package utils

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/edisonguo/jet"
	"github.com/pkg/errors"
)

// Observation is one dated value of a temporal profile.
type Observation struct {
	Date  string
	Value float64
	// Text is Value formatted for output, "nan" for masked values.
	Text string
}

// ProfileSeries is the rendered form of one extracted profile.
type ProfileSeries struct {
	FID          uint64
	Name         string
	X, Y         float64
	Band         string
	Observations []Observation
	Expression   string
	Result       string
}

func FormatValue(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "nan"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// NewProfileSeries pairs dates with values. The shorter list wins.
func NewProfileSeries(fid uint64, name string, x, y float64, band string, dates []string, values []float64) *ProfileSeries {
	n := len(dates)
	if len(values) < n {
		n = len(values)
	}
	s := &ProfileSeries{FID: fid, Name: name, X: x, Y: y, Band: band, Observations: make([]Observation, n)}
	for i := 0; i < n; i++ {
		s.Observations[i] = Observation{Date: dates[i], Value: values[i], Text: FormatValue(values[i])}
	}
	return s
}

// FormatResult renders an expression result: a number, a list or nil.
func FormatResult(v interface{}) string {
	switch r := v.(type) {
	case nil:
		return "null"
	case float64:
		return FormatValue(r)
	case []float64:
		out := make([]interface{}, len(r))
		for i, x := range r {
			out[i] = jsonNumber(x)
		}
		b, _ := json.Marshal(out)
		return string(b)
	case string:
		return r
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func jsonNumber(v float64) interface{} {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

const DefaultProfileTemplate = `{{ range i, s := . }}# feature {{ s.FID }} {{ s.Name }} ({{ s.X }}, {{ s.Y }}) band {{ s.Band }}
{{ if s.Expression != "" }}# {{ s.Expression }} = {{ s.Result }}
{{ end }}{{ range j, o := s.Observations }}{{ o.Date }}	{{ o.Text }}
{{ end }}{{ end }}`

func newTemplateSet() *jet.Set {
	return jet.NewSet(jet.SafeWriter(func(w io.Writer, b []byte) {
		w.Write(b)
	}))
}

// LoadProfileTemplate reads a jet template from path, or returns the
// default text template for an empty path.
func LoadProfileTemplate(path string) (*jet.Template, error) {
	name, content := "profiles", DefaultProfileTemplate
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read profile template")
		}
		name, content = path, string(b)
	}
	tmpl, err := newTemplateSet().LoadTemplate(name, content)
	if err != nil {
		return nil, errors.Wrapf(err, "parse profile template %s", name)
	}
	return tmpl, nil
}

func RenderProfiles(w io.Writer, tmpl *jet.Template, series []*ProfileSeries) error {
	if err := tmpl.Execute(w, make(jet.VarMap), series); err != nil {
		return errors.Wrap(err, "render profiles")
	}
	return nil
}

// EncodeProfilesCSV writes one row per observation.
func EncodeProfilesCSV(w io.Writer, series []*ProfileSeries) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"fid", "name", "x", "y", "band", "date", "value"}); err != nil {
		return err
	}
	for _, s := range series {
		for _, o := range s.Observations {
			row := []string{
				strconv.FormatUint(s.FID, 10),
				s.Name,
				FormatValue(s.X),
				FormatValue(s.Y),
				s.Band,
				o.Date,
				o.Text,
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

type jsonSeries struct {
	FID    uint64        `json:"fid"`
	Name   string        `json:"name,omitempty"`
	X      float64       `json:"x"`
	Y      float64       `json:"y"`
	Band   string        `json:"band"`
	Dates  []string      `json:"dates"`
	Values []interface{} `json:"values"`
	Result interface{}   `json:"result,omitempty"`
}

// EncodeProfilesJSON writes masked values as null.
func EncodeProfilesJSON(w io.Writer, series []*ProfileSeries) error {
	out := make([]jsonSeries, len(series))
	for i, s := range series {
		js := jsonSeries{FID: s.FID, Name: s.Name, X: s.X, Y: s.Y, Band: s.Band,
			Dates: []string{}, Values: []interface{}{}}
		for _, o := range s.Observations {
			js.Dates = append(js.Dates, o.Date)
			js.Values = append(js.Values, jsonNumber(o.Value))
		}
		if s.Expression != "" {
			js.Result = json.RawMessage(resultJSON(s.Result))
		}
		out[i] = js
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func resultJSON(text string) string {
	if text == "nan" {
		return "null"
	}
	if json.Valid([]byte(text)) {
		return text
	}
	b, _ := json.Marshal(text)
	return string(b)
}
