// Package timeseries holds the sensor aware, date indexed catalogue of
// raster sources together with the pipelines that fill it.
package timeseries

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/nci/eotsv/geo"
	"github.com/nci/eotsv/metrics"
	"github.com/nci/eotsv/raster"
	"github.com/nci/eotsv/task"
	"github.com/pkg/errors"
	"github.com/tidwall/rtree"
	"go.uber.org/zap"
)

type Options struct {
	Precision Precision
	Matching  SensorMatching

	LoadThreads    int
	BlockSize      int
	OverlapThreads int
	SampleSize     int

	Opener    raster.Opener
	Transform geo.TransformContext
	Dates     *DateReader

	// Tasks runs asynchronous pipelines. Without a manager async
	// requests run on their own goroutine.
	Tasks         *task.Manager
	Log           *zap.Logger
	Metrics       *metrics.PipelineMetrics
	MetricsLogger metrics.Logger
}

type sensorEntry struct {
	id  SensorID
	key string
}

// TimeSeries is the catalogue. Buckets are kept sorted by (begin, sensor
// id); sensors are exactly those referenced by a bucket.
type TimeSeries struct {
	opts    Options
	factory *SourceFactory
	log     *zap.Logger

	mu           sync.RWMutex
	buckets      []*bucket
	sensors      []sensorEntry
	sensorNames  map[string]string
	sensorOf     map[string]string
	dateOf       map[string]DateKey
	index        rtree.RTree
	precision    Precision
	matching     SensorMatching
	visibleDates []DateKey

	lmu       sync.Mutex
	listeners []Listener
}

func New(opts Options) *TimeSeries {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Transform == nil {
		opts.Transform = geo.BuiltinContext{}
	}
	if opts.Dates == nil {
		opts.Dates = NewDateReader()
	}
	if opts.LoadThreads < 1 {
		opts.LoadThreads = 4
	}
	if opts.BlockSize < 1 {
		opts.BlockSize = 50
	}
	if opts.OverlapThreads < 1 {
		opts.OverlapThreads = 4
	}
	if opts.SampleSize < 1 {
		opts.SampleSize = 16
	}
	return &TimeSeries{
		opts: opts,
		factory: &SourceFactory{
			Opener:    opts.Opener,
			Transform: opts.Transform,
			Dates:     opts.Dates,
		},
		log:         opts.Log,
		sensorNames: make(map[string]string),
		sensorOf:    make(map[string]string),
		dateOf:      make(map[string]DateKey),
		precision:   opts.Precision,
		matching:    opts.Matching | PxDims,
	}
}

func (ts *TimeSeries) Factory() *SourceFactory {
	return ts.factory
}

// Subscribe registers fn for all catalogue events.
func (ts *TimeSeries) Subscribe(fn Listener) {
	ts.lmu.Lock()
	ts.listeners = append(ts.listeners, fn)
	ts.lmu.Unlock()
}

func (ts *TimeSeries) emit(q eventQueue) {
	if len(q) == 0 {
		return
	}
	ts.lmu.Lock()
	listeners := append([]Listener(nil), ts.listeners...)
	ts.lmu.Unlock()
	for _, ev := range q {
		for _, fn := range listeners {
			fn(ev)
		}
	}
	ts.mu.RLock()
	dates, sources := len(ts.buckets), len(ts.dateOf)
	ts.mu.RUnlock()
	ts.opts.Metrics.CatalogueSize(dates, sources)
}

func (ts *TimeSeries) Precision() Precision {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.precision
}

func (ts *TimeSeries) SensorMatching() SensorMatching {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.matching
}

// Len returns the number of sources.
func (ts *TimeSeries) Len() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.dateOf)
}

func (ts *TimeSeries) Dates() []TimeSeriesDate {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make([]TimeSeriesDate, len(ts.buckets))
	for i, b := range ts.buckets {
		out[i] = ts.snapshotLocked(b)
	}
	return out
}

// DatesOf returns the dates of one sensor in catalogue order.
func (ts *TimeSeries) DatesOf(sid string) []TimeSeriesDate {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	var out []TimeSeriesDate
	for _, b := range ts.buckets {
		if b.sid == sid {
			out = append(out, ts.snapshotLocked(b))
		}
	}
	return out
}

func (ts *TimeSeries) Date(key DateKey) (TimeSeriesDate, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	i, ok := ts.findLocked(key)
	if !ok {
		return TimeSeriesDate{}, false
	}
	return ts.snapshotLocked(ts.buckets[i]), true
}

// Sources returns all sources in catalogue order.
func (ts *TimeSeries) Sources() []*Source {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make([]*Source, 0, len(ts.dateOf))
	for _, b := range ts.buckets {
		out = append(out, b.sources...)
	}
	return out
}

func (ts *TimeSeries) Source(uri string) (*Source, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	k, ok := ts.dateOf[uri]
	if !ok {
		return nil, false
	}
	i, _ := ts.findLocked(k)
	for _, s := range ts.buckets[i].sources {
		if s.uri == uri {
			return s, true
		}
	}
	return nil, false
}

// DateOf returns the date holding uri.
func (ts *TimeSeries) DateOf(uri string) (TimeSeriesDate, bool) {
	ts.mu.RLock()
	k, ok := ts.dateOf[uri]
	ts.mu.RUnlock()
	if !ok {
		return TimeSeriesDate{}, false
	}
	return ts.Date(k)
}

// Sensors returns the interned sensors in the order they were first seen.
func (ts *TimeSeries) Sensors() []SensorID {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.sensorIDsLocked()
}

func (ts *TimeSeries) Sensor(sid string) (SensorID, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	for _, e := range ts.sensors {
		if e.key == sid {
			return e.id, true
		}
	}
	return SensorID{}, false
}

// SensorOf returns the interned sensor key of a source.
func (ts *TimeSeries) SensorOf(uri string) (string, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	sid, ok := ts.sensorOf[uri]
	return sid, ok
}

// SensorName returns the display name of a sensor.
func (ts *TimeSeries) SensorName(sid string) string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if name, ok := ts.sensorNames[sid]; ok {
		return name
	}
	for _, e := range ts.sensors {
		if e.key == sid {
			return e.id.DisplayName()
		}
	}
	return ""
}

// SetSensorName sets the display name of a sensor. The identity key does
// not change.
func (ts *TimeSeries) SetSensorName(sid, name string) error {
	ts.mu.Lock()
	id, ok := ts.sensorLocked(sid)
	if !ok {
		ts.mu.Unlock()
		return errors.Errorf("unknown sensor %s", sid)
	}
	if ts.sensorNames[sid] == name {
		ts.mu.Unlock()
		return nil
	}
	ts.sensorNames[sid] = name
	ts.mu.Unlock()

	var q eventQueue
	q.push(SensorNameChanged, nil, nil, []SensorID{id})
	ts.emit(q)
	return nil
}

func (ts *TimeSeries) sensorLocked(sid string) (SensorID, bool) {
	for _, e := range ts.sensors {
		if e.key == sid {
			return e.id, true
		}
	}
	return SensorID{}, false
}

func (ts *TimeSeries) sensorIDsLocked() []SensorID {
	out := make([]SensorID, len(ts.sensors))
	for i, e := range ts.sensors {
		out[i] = e.id
	}
	return out
}

func (ts *TimeSeries) snapshotLocked(b *bucket) TimeSeriesDate {
	id, _ := ts.sensorLocked(b.sid)
	return b.snapshot(id)
}

func (ts *TimeSeries) findLocked(k DateKey) (int, bool) {
	i := sort.Search(len(ts.buckets), func(i int) bool {
		return !ts.buckets[i].key().less(k)
	})
	return i, i < len(ts.buckets) && ts.buckets[i].key().equal(k)
}

// internLocked returns the sensor key sid is filed under, registering sid
// as a new sensor when no known sensor matches.
func (ts *TimeSeries) internLocked(sid SensorID) (string, bool) {
	key := sid.String()
	if _, ok := ts.sensorLocked(key); ok {
		return key, false
	}
	if m, ok := MatchingSensor(sid, ts.matching, ts.sensorIDsLocked()); ok {
		return m.String(), false
	}
	ts.sensors = append(ts.sensors, sensorEntry{id: sid, key: key})
	return key, true
}

type changes struct {
	sources    []*Source
	newBuckets []*bucket
	newSensors []SensorID
}

func (ts *TimeSeries) addLocked(src *Source, sensorKey string, c *changes) bool {
	if _, dup := ts.dateOf[src.uri]; dup {
		return false
	}
	if sensorKey == "" {
		key, isNew := ts.internLocked(src.sid)
		if isNew {
			c.newSensors = append(c.newSensors, src.sid)
		}
		sensorKey = key
	}
	rng := ts.precision.Range(src.dtg)
	k := DateKey{Begin: rng.Begin, SID: sensorKey}
	i, found := ts.findLocked(k)
	if !found {
		b := &bucket{rng: rng, sid: sensorKey}
		ts.buckets = append(ts.buckets, nil)
		copy(ts.buckets[i+1:], ts.buckets[i:])
		ts.buckets[i] = b
		c.newBuckets = append(c.newBuckets, b)
	}
	ts.buckets[i].insert(src)
	ts.sensorOf[src.uri] = sensorKey
	ts.dateOf[src.uri] = k
	if !src.wgs84.IsEmpty() {
		env := src.wgs84.Envelope()
		ts.index.Insert([2]float64{env.MinX, env.MinY}, [2]float64{env.MaxX, env.MaxY}, src)
	}
	c.sources = append(c.sources, src)
	return true
}

func (ts *TimeSeries) eventsLocked(c *changes) eventQueue {
	var q eventQueue
	q.push(SensorAdded, nil, nil, c.newSensors)
	q.push(SourcesAdded, c.sources, nil, nil)
	dates := make([]TimeSeriesDate, len(c.newBuckets))
	for i, b := range c.newBuckets {
		dates[i] = ts.snapshotLocked(b)
	}
	q.push(DatesAdded, nil, dates, nil)
	return q
}

// AddTimeSeriesSource files src under its date and sensor. A source whose
// URI is already known is ignored and false is returned.
func (ts *TimeSeries) AddTimeSeriesSource(src *Source) bool {
	return len(ts.AddSourceObjects([]*Source{src})) == 1
}

// AddSourceObjects adds several sources and returns the ones that were new.
func (ts *TimeSeries) AddSourceObjects(sources []*Source) []*Source {
	var c changes
	ts.mu.Lock()
	for _, src := range sources {
		ts.addLocked(src, "", &c)
	}
	q := ts.eventsLocked(&c)
	ts.mu.Unlock()
	ts.emit(q)
	return c.sources
}

func (ts *TimeSeries) newCollector(name string) *metrics.MetricsCollector {
	if ts.opts.MetricsLogger == nil {
		return nil
	}
	return metrics.NewMetricsCollector(name, ts.opts.MetricsLogger)
}

func (ts *TimeSeries) run(t *task.Task, async bool) {
	switch {
	case !async:
		t.RunSerial()
	case ts.opts.Tasks != nil:
		ts.opts.Tasks.Submit(t)
	default:
		go t.RunSerial()
	}
}

// AddSources runs the loading pipeline over files and adds every batch as
// it arrives. With async false the call returns after the task finished.
func (ts *TimeSeries) AddSources(files []string, async bool) *task.Task {
	collector := ts.newCollector("load")
	t := NewLoadSourcesTask(ts.factory, files, LoadOptions{
		Threads:   ts.opts.LoadThreads,
		BlockSize: ts.opts.BlockSize,
		Log:       ts.log,
		Metrics:   ts.opts.Metrics,
		Collector: collector,
	}, func(batch []*Source) {
		ts.AddSourceObjects(batch)
	})
	t.OnFinished(func(bool) { collector.Log() })
	ts.run(t, async)
	return t
}

// RemoveSources removes the sources with the given URIs. Dates and
// sensors left empty are removed too.
func (ts *TimeSeries) RemoveSources(uris []string) []*Source {
	ts.mu.Lock()
	before := make(map[DateKey]TimeSeriesDate)
	var removed []*Source
	for _, uri := range uris {
		k, ok := ts.dateOf[uri]
		if !ok {
			continue
		}
		i, _ := ts.findLocked(k)
		b := ts.buckets[i]
		if _, seen := before[k]; !seen {
			before[k] = ts.snapshotLocked(b)
		}
		for _, s := range b.sources {
			if s.uri == uri {
				removed = append(removed, s)
				if !s.wgs84.IsEmpty() {
					env := s.wgs84.Envelope()
					ts.index.Delete([2]float64{env.MinX, env.MinY}, [2]float64{env.MaxX, env.MaxY}, s)
				}
				break
			}
		}
		b.remove(uri)
		delete(ts.dateOf, uri)
		delete(ts.sensorOf, uri)
		if len(b.sources) == 0 {
			ts.buckets = append(ts.buckets[:i], ts.buckets[i+1:]...)
		}
	}

	var removedDates []TimeSeriesDate
	for k, snap := range before {
		if _, ok := ts.findLocked(k); !ok {
			removedDates = append(removedDates, snap)
		}
	}
	sort.Slice(removedDates, func(i, j int) bool {
		return removedDates[i].Key().less(removedDates[j].Key())
	})
	removedSensors := ts.pruneSensorsLocked()
	ts.pruneVisibleDatesLocked()
	ts.mu.Unlock()

	var q eventQueue
	q.push(SourcesRemoved, removed, nil, nil)
	q.push(DatesRemoved, nil, removedDates, nil)
	q.push(SensorRemoved, nil, nil, removedSensors)
	ts.emit(q)
	return removed
}

// RemoveDates removes whole dates.
func (ts *TimeSeries) RemoveDates(keys []DateKey) []*Source {
	var uris []string
	for _, k := range keys {
		if d, ok := ts.Date(k); ok {
			uris = append(uris, d.URIs()...)
		}
	}
	return ts.RemoveSources(uris)
}

// Clear removes every source.
func (ts *TimeSeries) Clear() {
	sources := ts.Sources()
	uris := make([]string, len(sources))
	for i, s := range sources {
		uris[i] = s.uri
	}
	ts.RemoveSources(uris)
}

func (ts *TimeSeries) pruneSensorsLocked() []SensorID {
	used := make(map[string]bool)
	for _, b := range ts.buckets {
		used[b.sid] = true
	}
	var kept []sensorEntry
	var removed []SensorID
	for _, e := range ts.sensors {
		if used[e.key] {
			kept = append(kept, e)
			continue
		}
		removed = append(removed, e.id)
		delete(ts.sensorNames, e.key)
	}
	ts.sensors = kept
	return removed
}

func (ts *TimeSeries) pruneVisibleDatesLocked() {
	kept := ts.visibleDates[:0]
	for _, k := range ts.visibleDates {
		if _, ok := ts.findLocked(k); ok {
			kept = append(kept, k)
		}
	}
	ts.visibleDates = kept
}

// rebuildLocked refiles every source under the current precision. With
// reintern the sensors are interned again under the current matching
// flags, otherwise each source keeps its sensor.
func (ts *TimeSeries) rebuildLocked(reintern bool) eventQueue {
	oldDates := make([]TimeSeriesDate, len(ts.buckets))
	var all []*Source
	for i, b := range ts.buckets {
		oldDates[i] = ts.snapshotLocked(b)
		all = append(all, b.sources...)
	}
	sort.Slice(all, func(i, j int) bool { return sourceLess(all[i], all[j]) })

	oldSensors := ts.sensors
	sensorOf := ts.sensorOf
	if reintern {
		ts.sensors = nil
		sensorOf = make(map[string]string, len(all))
		for _, src := range all {
			key, _ := ts.internLocked(src.sid)
			sensorOf[src.uri] = key
		}
	}

	ts.buckets = nil
	ts.sensorOf = make(map[string]string, len(all))
	ts.dateOf = make(map[string]DateKey, len(all))
	ts.index = rtree.RTree{}
	var c changes
	for _, src := range all {
		ts.addLocked(src, sensorOf[src.uri], &c)
	}
	newDates := make([]TimeSeriesDate, len(ts.buckets))
	for i, b := range ts.buckets {
		newDates[i] = ts.snapshotLocked(b)
	}

	var added, removed []SensorID
	if reintern {
		ts.pruneSensorsLocked()
		oldKeys := make(map[string]bool)
		for _, e := range oldSensors {
			oldKeys[e.key] = true
		}
		newKeys := make(map[string]bool)
		for _, e := range ts.sensors {
			newKeys[e.key] = true
			if !oldKeys[e.key] {
				added = append(added, e.id)
			}
		}
		for _, e := range oldSensors {
			if !newKeys[e.key] {
				removed = append(removed, e.id)
				delete(ts.sensorNames, e.key)
			}
		}
	}
	ts.pruneVisibleDatesLocked()

	var q eventQueue
	q.push(DatesRemoved, nil, oldDates, nil)
	q.push(SensorRemoved, nil, nil, removed)
	q.push(SensorAdded, nil, nil, added)
	q.push(DatesAdded, nil, newDates, nil)
	return q
}

// SetPrecision regroups all sources under p. Setting the current
// precision is a no-op.
func (ts *TimeSeries) SetPrecision(p Precision) {
	ts.mu.Lock()
	if p == ts.precision {
		ts.mu.Unlock()
		return
	}
	ts.precision = p
	q := ts.rebuildLocked(false)
	ts.mu.Unlock()
	ts.emit(q)
}

// SetSensorMatching re-interns all sensors under flags. PxDims is always
// added.
func (ts *TimeSeries) SetSensorMatching(flags SensorMatching) {
	flags |= PxDims
	ts.mu.Lock()
	if flags == ts.matching {
		ts.mu.Unlock()
		return
	}
	ts.matching = flags
	q := ts.rebuildLocked(true)
	ts.mu.Unlock()
	ts.emit(q)
}

// FindDate returns the date whose begin is nearest to t. Of two equally
// distant dates the earlier one wins.
func (ts *TimeSeries) FindDate(t time.Time) (TimeSeriesDate, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	best := -1
	bestDist := math.Inf(1)
	for i, b := range ts.buckets {
		d := math.Abs(b.rng.Begin.Sub(t).Seconds())
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return TimeSeriesDate{}, false
	}
	return ts.snapshotLocked(ts.buckets[best]), true
}

// FocusVisibility runs the overlap pipeline over all sources and sets
// their visibility to whether extent covers a valid pixel. Sources that
// were not tested before a cancellation keep their visibility. One
// VisibilityChanged event is emitted when the task finishes.
func (ts *TimeSeries) FocusVisibility(extent geo.Rect, crs string, pivot *time.Time, async bool) *task.Task {
	collector := ts.newCollector("overlap")
	t, result := NewOverlapTask(ts.Sources(), extent, crs, OverlapOptions{
		Threads:    ts.opts.OverlapThreads,
		SampleSize: ts.opts.SampleSize,
		Pivot:      pivot,
		Opener:     ts.factory.Opener,
		Transform:  ts.opts.Transform,
		Log:        ts.log,
		Metrics:    ts.opts.Metrics,
		Collector:  collector,
	})
	t.OnFinished(func(bool) {
		ts.applyVisibility(result.Tested())
		collector.Log()
	})
	ts.run(t, async)
	return t
}

func (ts *TimeSeries) applyVisibility(visible map[string]bool) {
	var changed []*Source
	ts.mu.RLock()
	for _, b := range ts.buckets {
		for _, s := range b.sources {
			if v, ok := visible[s.uri]; ok && s.setVisible(v) {
				changed = append(changed, s)
			}
		}
	}
	ts.mu.RUnlock()

	var q eventQueue
	q.push(VisibilityChanged, changed, nil, nil)
	ts.emit(q)
}

// SetDateVisibility shows or hides every source of the given dates.
func (ts *TimeSeries) SetDateVisibility(keys []DateKey, visible bool) {
	flags := make(map[string]bool)
	for _, k := range keys {
		if d, ok := ts.Date(k); ok {
			for _, uri := range d.URIs() {
				flags[uri] = visible
			}
		}
	}
	ts.applyVisibility(flags)
}

// SetVisibleDates records the dates currently shown by map views.
func (ts *TimeSeries) SetVisibleDates(keys []DateKey) {
	ts.mu.Lock()
	ts.visibleDates = ts.visibleDates[:0]
	for _, k := range keys {
		if _, ok := ts.findLocked(k); ok {
			ts.visibleDates = append(ts.visibleDates, k)
		}
	}
	ts.mu.Unlock()

	var q eventQueue
	q.push(VisibleDatesChanged, nil, nil, nil)
	ts.emit(q)
}

func (ts *TimeSeries) VisibleDates() []DateKey {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return append([]DateKey(nil), ts.visibleDates...)
}

// SourcesIn returns the sources whose WGS84 footprint envelope intersects
// rect, in catalogue order.
func (ts *TimeSeries) SourcesIn(rect geo.Rect) []*Source {
	ts.mu.RLock()
	var out []*Source
	ts.index.Search([2]float64{rect.MinX, rect.MinY}, [2]float64{rect.MaxX, rect.MaxY},
		func(min, max [2]float64, data interface{}) bool {
			out = append(out, data.(*Source))
			return true
		})
	ts.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return sourceLess(out[i], out[j]) })
	return out
}

// MaxSpatialExtent returns the union of all source footprints in crs.
func (ts *TimeSeries) MaxSpatialExtent(crs string) (geo.Rect, error) {
	union := geo.EmptyRect()
	var lastErr error
	for _, s := range ts.Sources() {
		var r geo.Rect
		var err error
		switch {
		case geo.SameCRS(s.crs, crs):
			r = s.extent.Envelope()
		case !s.wgs84.IsEmpty():
			r, err = geo.TransformRect(ts.opts.Transform, s.wgs84.Envelope(), geo.WGS84, crs)
		default:
			r, err = geo.TransformRect(ts.opts.Transform, s.extent.Envelope(), s.crs, crs)
		}
		if err != nil {
			lastErr = err
			continue
		}
		union = union.Union(r)
	}
	if union.IsEmpty() && lastErr != nil {
		return union, errors.Wrap(ErrTransformFailed, lastErr.Error())
	}
	return union, nil
}
