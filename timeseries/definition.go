package timeseries

import (
	"bufio"
	"context"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/nci/eotsv/geo"
	"github.com/nci/eotsv/task"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// definition is the JSON form of a saved time series.
type definition struct {
	Sensors        map[string]SensorID `json:"sensors"`
	SensorNames    map[string]string   `json:"sensor_names,omitempty"`
	Precision      string              `json:"precision,omitempty"`
	SensorMatching []string            `json:"sensor_matching,omitempty"`
	Sources        []sourceEntry       `json:"sources"`
}

type sourceEntry struct {
	Source   string `json:"source"`
	Name     string `json:"name,omitempty"`
	Provider string `json:"provider,omitempty"`
	SID      string `json:"sid,omitempty"`
	DateTime string `json:"datetime"`
	Dims     []int  `json:"dims,omitempty"`
	CRS      string `json:"crs,omitempty"`
	Extent   string `json:"extent,omitempty"`
	Visible  *bool  `json:"visible,omitempty"`
	Sensor   *int   `json:"sensor,omitempty"`
}

const isoFormat = "2006-01-02T15:04:05.999999999Z07:00"

func isLocalPath(uri string) bool {
	return !strings.Contains(uri, "://") && !strings.HasPrefix(uri, "/vsi")
}

func resolvePath(dir, uri string) string {
	if isLocalPath(uri) && !filepath.IsAbs(uri) {
		return filepath.Join(dir, uri)
	}
	return uri
}

// Save writes the catalogue as a JSON definition. With relative set,
// local paths are written relative to the directory of path.
func (ts *TimeSeries) Save(path string, relative bool) error {
	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return errors.Wrap(err, "resolve definition directory")
	}

	ts.mu.RLock()
	def := definition{
		Sensors:        make(map[string]SensorID, len(ts.sensors)),
		SensorNames:    make(map[string]string),
		Precision:      ts.precision.String(),
		SensorMatching: ts.matching.Names(),
	}
	index := make(map[string]int, len(ts.sensors))
	for i, e := range ts.sensors {
		idx := strconv.Itoa(i)
		index[e.key] = i
		def.Sensors[idx] = e.id
		if name, ok := ts.sensorNames[e.key]; ok {
			def.SensorNames[idx] = name
		}
	}
	for _, b := range ts.buckets {
		for _, s := range b.sources {
			uri := s.uri
			if relative && isLocalPath(uri) && filepath.IsAbs(uri) {
				if rel, err := filepath.Rel(dir, uri); err == nil {
					uri = rel
				}
			}
			visible := s.IsVisible()
			sensor := index[b.sid]
			def.Sources = append(def.Sources, sourceEntry{
				Source:   uri,
				Name:     s.name,
				Provider: s.provider,
				SID:      s.sid.String(),
				DateTime: s.dtg.Format(isoFormat),
				Dims:     []int{s.nb, s.nl, s.ns},
				CRS:      s.crs,
				Extent:   s.extent.MarshalWKT(),
				Visible:  &visible,
				Sensor:   &sensor,
			})
		}
	}
	ts.mu.RUnlock()

	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode time series definition")
	}
	return errors.Wrap(ioutil.WriteFile(path, data, 0644), "write time series definition")
}

// Load reads a time series definition. JSON files restore sources without
// opening them; text and CSV files list URIs that go through the loading
// pipeline. A stored sensor id that does not parse fails the whole load.
func (ts *TimeSeries) Load(path string, async bool) (*task.Task, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ts.loadJSON(path, async)
	}
	files, err := ReadSourceList(path)
	if err != nil {
		return nil, err
	}
	return ts.AddSources(files, async), nil
}

// ReadSourceList reads a text or CSV definition: one URI per line, '#'
// and ';' start comments, relative paths are resolved against the
// directory of path. CSV files contribute their first column.
func ReadSourceList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open time series definition")
	}
	defer f.Close()

	dir := filepath.Dir(path)
	csv := strings.EqualFold(filepath.Ext(path), ".csv")
	var files []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexAny(line, "#;"); i >= 0 {
			line = line[:i]
		}
		if csv {
			line = strings.SplitN(line, ",", 2)[0]
			line = strings.Trim(strings.TrimSpace(line), `"`)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		files = append(files, resolvePath(dir, line))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read time series definition")
	}
	return files, nil
}

type restoredSource struct {
	src    *Source
	sensor *int
}

func (ts *TimeSeries) loadJSON(path string, async bool) (*task.Task, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read time series definition")
	}
	var def definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, errors.Wrap(err, "decode time series definition")
	}

	precision := ts.Precision()
	if def.Precision != "" {
		if precision, err = ParsePrecision(def.Precision); err != nil {
			return nil, err
		}
	}
	matching := ts.SensorMatching()
	if len(def.SensorMatching) > 0 {
		if matching, err = ParseSensorMatching(def.SensorMatching); err != nil {
			return nil, err
		}
	}

	indices := make([]int, 0, len(def.Sensors))
	sensors := make(map[int]SensorID, len(def.Sensors))
	for k, sid := range def.Sensors {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidSensorID, "sensor index %q", k)
		}
		if err := sid.Validate(); err != nil {
			return nil, err
		}
		sensors[idx] = sid
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	dir := filepath.Dir(path)
	var restored []restoredSource
	var skipped []error
	for _, e := range def.Sources {
		src, err := sourceFromEntry(e, dir, sensors)
		if err != nil {
			if errors.Is(err, ErrInvalidSensorID) {
				return nil, err
			}
			skipped = append(skipped, err)
			continue
		}
		restored = append(restored, restoredSource{src: src, sensor: e.Sensor})
	}

	t := task.New("load "+filepath.Base(path), func(ctx context.Context, t *task.Task) bool {
		for _, err := range skipped {
			t.AddError(err)
		}
		ts.SetPrecision(precision)
		ts.SetSensorMatching(matching)
		ts.restore(restored, indices, sensors, def.SensorNames)
		ts.log.Info("restored time series",
			zap.String("definition", path),
			zap.Int("sources", len(restored)),
			zap.Int("skipped", len(skipped)),
		)
		return true
	})
	ts.run(t, async)
	return t, nil
}

func sourceFromEntry(e sourceEntry, dir string, sensors map[int]SensorID) (*Source, error) {
	if e.Source == "" {
		return nil, errors.New("source entry without uri")
	}
	uri := resolvePath(dir, e.Source)

	var sid SensorID
	var err error
	switch {
	case e.SID != "":
		if sid, err = ParseSensorID(e.SID); err != nil {
			return nil, errors.Wrap(err, uri)
		}
	case e.Sensor != nil:
		s, ok := sensors[*e.Sensor]
		if !ok {
			return nil, errors.Wrapf(ErrInvalidSensorID, "%s: unknown sensor index %d", uri, *e.Sensor)
		}
		sid = s
	default:
		return nil, errors.Wrapf(ErrInvalidSensorID, "%s: no sensor id", uri)
	}

	dtg, ok := ParseDateTime(e.DateTime)
	if !ok {
		return nil, newSourceError(uri, ErrNoValidDate, "%q", e.DateTime)
	}

	p := SourceParams{
		URI:      uri,
		Name:     e.Name,
		Provider: e.Provider,
		SID:      sid,
		DateTime: dtg,
		NB:       sid.NB,
		CRS:      e.CRS,
		Visible:  e.Visible == nil || *e.Visible,
	}
	if len(e.Dims) == 3 {
		p.NB, p.NL, p.NS = e.Dims[0], e.Dims[1], e.Dims[2]
	}
	if e.Extent != "" {
		if p.Extent, err = geo.ParsePolygonWKT(e.Extent); err != nil {
			return nil, newSourceError(uri, ErrIncompatibleExtent, "%v", err)
		}
	}
	return NewSource(p)
}

// restore adds sources with the sensor assignment stored in the
// definition. Stored sensors that end up unused are dropped again.
func (ts *TimeSeries) restore(restored []restoredSource, indices []int, sensors map[int]SensorID, names map[string]string) {
	var c changes
	ts.mu.Lock()
	keys := make(map[int]string, len(indices))
	for _, idx := range indices {
		sid := sensors[idx]
		key := sid.String()
		keys[idx] = key
		if _, ok := ts.sensorLocked(key); !ok {
			ts.sensors = append(ts.sensors, sensorEntry{id: sid, key: key})
			c.newSensors = append(c.newSensors, sid)
		}
		if name, ok := names[strconv.Itoa(idx)]; ok {
			ts.sensorNames[key] = name
		}
	}
	for _, r := range restored {
		key := ""
		if r.sensor != nil {
			key = keys[*r.sensor]
		}
		if ts.addLocked(r.src, key, &c) {
			ts.opts.Dates.Remember(r.src.uri, r.src.dtg)
			if r.src.wgs84 == nil {
				ts.reindexLocked(r.src)
			}
		}
	}
	ts.pruneSensorsLocked()
	used := c.newSensors[:0]
	for _, sid := range c.newSensors {
		if _, ok := ts.sensorLocked(sid.String()); ok {
			used = append(used, sid)
		}
	}
	c.newSensors = used
	q := ts.eventsLocked(&c)
	ts.mu.Unlock()
	ts.emit(q)
}

// reindexLocked computes the WGS84 footprint of a restored source and adds
// it to the spatial index.
func (ts *TimeSeries) reindexLocked(src *Source) {
	if src.extent.IsEmpty() {
		return
	}
	wgs84, err := geo.TransformPolygon(ts.opts.Transform, src.extent, src.crs, geo.WGS84)
	if err != nil {
		ts.log.Debug("no WGS84 footprint", zap.String("uri", src.uri), zap.Error(err))
		return
	}
	src.wgs84 = wgs84
	env := wgs84.Envelope()
	ts.index.Insert([2]float64{env.MinX, env.MinY}, [2]float64{env.MaxX, env.MaxY}, src)
}
