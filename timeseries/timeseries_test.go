package timeseries

import (
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nci/eotsv/geo"
	"github.com/nci/eotsv/raster"
	"github.com/nci/eotsv/task"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jan15 = time.Date(2014, 1, 15, 0, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func TestTwoSensorsSameDate(t *testing.T) {
	a := fixture{name: "/data/A_20140115.tif", bands: 4, pxSize: 30}.dataset()
	b := fixture{name: "/data/B_20140115.tif", bands: 6, pxSize: 30}.dataset()
	ts := newTestSeries(raster.NewMemOpener(a, b), Day)

	rec := &recorder{}
	ts.Subscribe(rec.listen)
	job := ts.AddSources([]string{b.Name, a.Name}, false)
	require.True(t, job.Result())
	assert.Empty(t, job.Errors())

	dates := ts.Dates()
	require.Len(t, dates, 2)
	require.Len(t, ts.Sensors(), 2)
	for _, d := range dates {
		assert.Equal(t, jan15, d.Begin())
		assert.Len(t, d.Sources, 1)
	}
	assert.Equal(t, 4, dates[0].Sensor.NB)
	assert.Equal(t, 6, dates[1].Sensor.NB)
	assert.True(t, dates[0].SID < dates[1].SID)
	assert.NoError(t, checkInvariants(ts))

	added := 0
	for _, ev := range rec.events {
		if ev.Kind == SensorAdded {
			added += len(ev.Sensors)
		}
	}
	assert.Equal(t, 2, added)
	assert.GreaterOrEqual(t, rec.count(DatesAdded), 1)
}

func yearOfDays(t *testing.T) (*raster.MemOpener, []string) {
	t.Helper()
	opener := raster.NewMemOpener()
	var files []string
	day := time.Date(2014, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 365; i++ {
		ds := fixture{name: dayName("LS", day.AddDate(0, 0, i)), bands: 2, pxSize: 30, size: 2}.dataset()
		opener.Add(ds)
		files = append(files, ds.Name)
	}
	return opener, files
}

func TestReprecision(t *testing.T) {
	opener, files := yearOfDays(t)
	ts := newTestSeries(opener, Day)
	ts.AddSources(files, false)
	require.Len(t, ts.Dates(), 365)

	ts.SetPrecision(Year)
	dates := ts.Dates()
	require.Len(t, dates, 1)
	require.Len(t, dates[0].Sources, 365)
	order := uris(dates[0].Sources)
	assert.True(t, sort.StringsAreSorted(order))
	assert.NoError(t, checkInvariants(ts))

	ts.SetPrecision(Day)
	dates = ts.Dates()
	require.Len(t, dates, 365)
	for _, d := range dates {
		assert.Len(t, d.Sources, 1)
	}
	assert.NoError(t, checkInvariants(ts))

	ts.SetPrecision(Year)
	dates = ts.Dates()
	require.Len(t, dates, 1)
	assert.Equal(t, order, uris(dates[0].Sources))
	assert.Len(t, ts.Sensors(), 1)
}

func TestSetPrecisionNoop(t *testing.T) {
	opener, files := yearOfDays(t)
	ts := newTestSeries(opener, Month)
	ts.AddSources(files[:59], false)
	before := ts.Dates()
	require.Len(t, before, 2)

	rec := &recorder{}
	ts.Subscribe(rec.listen)
	ts.SetPrecision(Month)
	assert.Empty(t, rec.events)
	assert.Equal(t, before, ts.Dates())

	ts.SetPrecision(Original)
	for _, d := range ts.Dates() {
		assert.Equal(t, d.Range.Begin, d.Range.End)
	}
	assert.Equal(t, 1, rec.count(DatesRemoved))
	assert.Equal(t, 1, rec.count(DatesAdded))
}

func TestAddSourcesIdempotent(t *testing.T) {
	a := fixture{name: "/data/A_20140115.tif", bands: 4, pxSize: 30}.dataset()
	b := fixture{name: "/data/A_20140116.tif", bands: 4, pxSize: 30}.dataset()
	ts := newTestSeries(raster.NewMemOpener(a, b), Day)

	ts.AddSources([]string{a.Name, a.Name, a.Name, b.Name}, false)
	assert.Equal(t, 2, ts.Len())
	first := ts.Dates()

	ts.AddSources([]string{a.Name, b.Name}, false)
	assert.Equal(t, 2, ts.Len())
	assert.Equal(t, first, ts.Dates())
	assert.False(t, ts.AddTimeSeriesSource(first[0].Sources[0]))
	assert.NoError(t, checkInvariants(ts))
}

func TestSensorMatchingByName(t *testing.T) {
	named := func(uri, name string) *raster.MemDataset {
		return fixture{
			name:   uri,
			bands:  4,
			pxSize: 30,
			meta:   map[string]map[string]string{"": {"SENSOR_NAME": name}},
		}.dataset()
	}
	a := named("/data/a_20140115.tif", "L8")
	b := named("/data/b_20140115.tif", "L9")
	ts := newTestSeries(raster.NewMemOpener(a, b), Day)
	ts.AddSources([]string{a.Name, b.Name}, false)

	require.Len(t, ts.Sensors(), 1)
	require.Len(t, ts.Dates(), 1)

	rec := &recorder{}
	ts.Subscribe(rec.listen)
	ts.SetSensorMatching(Name)
	assert.True(t, ts.SensorMatching().Has(PxDims))
	assert.Len(t, ts.Sensors(), 2)
	assert.Len(t, ts.Dates(), 2)
	assert.Equal(t, 1, rec.count(SensorAdded))
	assert.NoError(t, checkInvariants(ts))

	ts.SetSensorMatching(PxDims)
	assert.Len(t, ts.Sensors(), 1)
	assert.Len(t, ts.Dates(), 1)
	assert.Equal(t, 1, rec.count(SensorRemoved))
	assert.NoError(t, checkInvariants(ts))
}

func TestRemoveSources(t *testing.T) {
	a := fixture{name: "/data/A_20140115.tif", bands: 4, pxSize: 30}.dataset()
	a2 := fixture{name: "/data/A2_20140115.tif", bands: 4, pxSize: 30}.dataset()
	b := fixture{name: "/data/B_20140116.tif", bands: 6, pxSize: 30}.dataset()
	ts := newTestSeries(raster.NewMemOpener(a, a2, b), Day)
	ts.AddSources([]string{a.Name, a2.Name, b.Name}, false)
	require.Len(t, ts.Dates(), 2)

	rec := &recorder{}
	ts.Subscribe(rec.listen)

	ts.RemoveSources([]string{a.Name})
	assert.Len(t, ts.Dates(), 2)
	assert.Equal(t, 0, rec.count(DatesRemoved))
	assert.Equal(t, 1, rec.count(SourcesRemoved))

	d, ok := ts.DateOf(b.Name)
	require.True(t, ok)
	ts.RemoveDates([]DateKey{d.Key()})
	assert.Len(t, ts.Dates(), 1)
	assert.Len(t, ts.Sensors(), 1)
	assert.Equal(t, 1, rec.count(DatesRemoved))
	assert.Equal(t, 1, rec.count(SensorRemoved))
	_, ok = ts.Source(b.Name)
	assert.False(t, ok)
	assert.Len(t, ts.SourcesIn(geo.NewRect(-180, -90, 180, 90)), 1)
	assert.NoError(t, checkInvariants(ts))

	ts.Clear()
	assert.Zero(t, ts.Len())
	assert.Empty(t, ts.Sensors())
}

func TestFindDate(t *testing.T) {
	a := fixture{name: "/data/A_20140101.tif", bands: 4, pxSize: 30}.dataset()
	b := fixture{name: "/data/A_20140103.tif", bands: 4, pxSize: 30}.dataset()
	ts := newTestSeries(raster.NewMemOpener(a, b), Day)

	_, ok := ts.FindDate(jan15)
	assert.False(t, ok)

	ts.AddSources([]string{a.Name, b.Name}, false)
	d, ok := ts.FindDate(time.Date(2014, 1, 2, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, time.Date(2014, 1, 1, 0, 0, 0, 0, time.UTC), d.Begin())

	d, _ = ts.FindDate(time.Date(2014, 1, 2, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2014, 1, 3, 0, 0, 0, 0, time.UTC), d.Begin())

	d, _ = ts.FindDate(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2014, 1, 3, 0, 0, 0, 0, time.UTC), d.Begin())
}

func TestVisibilityHelpers(t *testing.T) {
	a := fixture{name: "/data/A_20140115.tif", bands: 4, pxSize: 30}.dataset()
	a2 := fixture{name: "/data/A2_20140115.tif", bands: 4, pxSize: 30}.dataset()
	ts := newTestSeries(raster.NewMemOpener(a, a2), Day)
	ts.AddSources([]string{a.Name, a2.Name}, false)
	d := ts.Dates()[0]
	assert.Equal(t, Checked, d.CheckState())

	rec := &recorder{}
	ts.Subscribe(rec.listen)
	src, _ := ts.Source(a.Name)
	src.setVisible(false)
	assert.Equal(t, PartiallyChecked, d.CheckState())

	ts.SetDateVisibility([]DateKey{d.Key()}, false)
	assert.Equal(t, Unchecked, d.CheckState())
	assert.Equal(t, 1, rec.count(VisibilityChanged))

	ts.SetVisibleDates([]DateKey{d.Key(), {Begin: jan15, SID: "unknown"}})
	assert.Equal(t, []DateKey{d.Key()}, ts.VisibleDates())
	assert.Equal(t, 1, rec.count(VisibleDatesChanged))

	require.NoError(t, ts.SetSensorName(d.SID, "Landsat"))
	assert.Equal(t, "Landsat", ts.SensorName(d.SID))
	assert.Error(t, ts.SetSensorName("nope", "x"))
	assert.Equal(t, 1, rec.count(SensorNameChanged))
}

// overlapSeries builds 5 sources inside and 5 outside of the query rect
// (2,2)-(8,8). Insiders come first in date order.
func overlapSeries(t *testing.T, opener raster.Opener, mem *raster.MemOpener, tasks *task.Manager) *TimeSeries {
	t.Helper()
	var files []string
	for i := 0; i < 10; i++ {
		origin := geo.Point{X: 0, Y: 10}
		if i >= 5 {
			origin = geo.Point{X: 100, Y: 50}
		}
		ds := fixture{
			name:   dayName("ov", jan15.AddDate(0, 0, i)),
			bands:  3,
			pxSize: 1,
			origin: origin,
		}.dataset()
		mem.Add(ds)
		files = append(files, ds.Name)
	}
	ts := New(Options{Precision: Day, Opener: opener, OverlapThreads: 1, SampleSize: 16, Tasks: tasks})
	ts.AddSources(files, false)
	require.Equal(t, 10, ts.Len())
	return ts
}

func TestFocusVisibility(t *testing.T) {
	mem := raster.NewMemOpener()
	ts := overlapSeries(t, mem, mem, nil)
	before := ts.Dates()

	rec := &recorder{}
	ts.Subscribe(rec.listen)
	job := ts.FocusVisibility(geo.NewRect(2, 2, 8, 8), geo.WGS84, nil, false)
	require.True(t, job.Result())

	for i, src := range ts.Sources() {
		assert.Equal(t, i < 5, src.IsVisible(), src.URI())
	}
	assert.Equal(t, 1, rec.count(VisibilityChanged))

	for i := range before {
		assert.Equal(t, before[i].Key(), ts.Dates()[i].Key())
	}

	rec.reset()
	pivot := jan15.AddDate(0, 0, 9)
	ts.FocusVisibility(geo.NewRect(500, 500, 600, 600), geo.WGS84, &pivot, false)
	for _, src := range ts.Sources() {
		assert.False(t, src.IsVisible())
	}
	assert.Equal(t, 1, rec.count(VisibilityChanged))

	extent, err := ts.MaxSpatialExtent(geo.WGS84)
	require.NoError(t, err)
	assert.Equal(t, geo.NewRect(0, 0, 110, 50), extent)
	assert.Len(t, ts.SourcesIn(geo.NewRect(1, 1, 2, 2)), 5)
}

func TestFocusVisibilityCancel(t *testing.T) {
	mgr := task.NewManager(4, nil)
	mem := raster.NewMemOpener()
	var armed atomic.Bool
	var opens atomic.Int32
	opener := raster.OpenerFunc(func(uri string) (raster.Dataset, error) {
		if armed.Load() && opens.Add(1) == 3 {
			mgr.CancelAll()
		}
		return mem.Open(uri)
	})
	ts := overlapSeries(t, opener, mem, mgr)

	var keys []DateKey
	for _, d := range ts.Dates() {
		keys = append(keys, d.Key())
	}
	ts.SetDateVisibility(keys, false)

	rec := &recorder{}
	ts.Subscribe(rec.listen)
	armed.Store(true)
	focus := ts.FocusVisibility(geo.NewRect(2, 2, 8, 8), geo.WGS84, nil, true)
	assert.False(t, focus.Wait())
	assert.Equal(t, task.Canceled, focus.Status())

	visible := 0
	for i, src := range ts.Sources() {
		if src.IsVisible() {
			visible++
			assert.Less(t, i, 3)
		}
	}
	assert.Equal(t, 3, visible)
	assert.Equal(t, 1, rec.count(VisibilityChanged))
}

func TestHasValidPixel(t *testing.T) {
	nd := -9999.0
	pixels := make([]float64, 100)
	for i := range pixels {
		pixels[i] = nd
	}
	ds := fixture{name: "/data/nd_20140115.tif", bands: 1, pxSize: 1, origin: geo.Point{X: 0, Y: 10}, nodata: &nd, pixels: pixels}.dataset()

	ok, reads, err := HasValidPixel(ds, geo.NewRect(0, 0, 10, 10), 16)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 16, reads)
	assert.EqualValues(t, 16, ds.Reads())

	// grid node (col 6, row 3)
	pixels[3*10+6] = 1
	ok, _, err = HasValidPixel(ds, geo.NewRect(0, 0, 10, 10), 16)
	require.NoError(t, err)
	assert.True(t, ok)

	mem := raster.NewMemOpener(ds)
	pixels[3*10+6] = nd
	ts := newTestSeries(mem, Day)
	ts.AddSources([]string{ds.Name}, false)
	ts.FocusVisibility(geo.NewRect(0, 0, 10, 10), geo.WGS84, nil, false)
	src, _ := ts.Source(ds.Name)
	assert.False(t, src.IsVisible())
}

func TestOverlapErrors(t *testing.T) {
	src, err := NewSource(SourceParams{
		URI:      "/data/missing_20140115.tif",
		SID:      SensorID{NB: 1, PxSizeX: 1, PxSizeY: 1},
		DateTime: jan15,
		NB:       1,
		CRS:      "EPSG:32755",
		Extent:   geo.NewRect(0, 0, 10, 10).Polygon(),
	})
	require.NoError(t, err)

	job, result := NewOverlapTask([]*Source{src}, geo.NewRect(0, 0, 5, 5), geo.WGS84, OverlapOptions{Opener: raster.NewMemOpener()})
	assert.True(t, job.RunSerial())
	assert.Equal(t, map[string]bool{src.URI(): false}, result.Tested())
	require.Len(t, job.Errors(), 1)
	assert.True(t, errors.Is(job.Errors()[0], ErrTransformFailed))
}

func TestSaveLoad(t *testing.T) {
	a := fixture{name: "/data/A_20140115.tif", bands: 4, pxSize: 30}.dataset()
	b := fixture{name: "/data/B_20140116.tif", bands: 6, pxSize: 30, origin: geo.Point{X: 20, Y: 30}}.dataset()
	c := fixture{name: "/data/C_20140116.tif", bands: 6, pxSize: 30}.dataset()
	ts := newTestSeries(raster.NewMemOpener(a, b, c), Day)
	ts.AddSources([]string{a.Name, b.Name, c.Name}, false)
	src, _ := ts.Source(b.Name)
	src.setVisible(false)
	require.NoError(t, ts.SetSensorName(ts.Dates()[0].SID, "four bands"))

	type entry struct {
		uri, sid string
		begin    time.Time
		visible  bool
	}
	tuples := func(ts *TimeSeries) []entry {
		var out []entry
		for _, d := range ts.Dates() {
			for _, s := range d.Sources {
				out = append(out, entry{s.URI(), d.SID, d.Begin(), s.IsVisible()})
			}
		}
		return out
	}

	for _, relative := range []bool{false, true} {
		path := filepath.Join(t.TempDir(), "series.json")
		require.NoError(t, ts.Save(path, relative))

		failing := raster.OpenerFunc(func(uri string) (raster.Dataset, error) {
			return nil, errors.New("no access")
		})
		restored := newTestSeries(failing, Original)
		job, err := restored.Load(path, false)
		require.NoError(t, err)
		require.True(t, job.Result())

		assert.Equal(t, tuples(ts), tuples(restored))
		assert.Equal(t, Day, restored.Precision())
		assert.Equal(t, "four bands", restored.SensorName(ts.Dates()[0].SID))
		assert.Len(t, restored.SourcesIn(geo.NewRect(19, 19, 21, 21)), 1)
		assert.NoError(t, checkInvariants(restored))
	}
}

func TestLoadInvalidSensorID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, writeFile(path, `{"sources":[{"source":"/data/a.tif","sid":"{\"nb\":0}","datetime":"2014-01-15"}]}`))
	ts := newTestSeries(raster.NewMemOpener(), Day)
	_, err := ts.Load(path, false)
	assert.True(t, errors.Is(err, ErrInvalidSensorID))
}

func TestLoadTextDefinition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "series.txt")
	require.NoError(t, writeFile(path, "# a comment\n  A_20140115.tif  \n; other\n\n/abs/B_20140116.tif # trailing\n"))
	files, err := ReadSourceList(path)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "A_20140115.tif"), "/abs/B_20140116.tif"}, files)

	csv := filepath.Join(dir, "series.csv")
	require.NoError(t, writeFile(csv, "A_20140115.tif,landsat\ns3://bucket/B.tif,x\n"))
	files, err = ReadSourceList(csv)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "A_20140115.tif"), "s3://bucket/B.tif"}, files)

	a := fixture{name: filepath.Join(dir, "A_20140115.tif"), bands: 4, pxSize: 30}.dataset()
	ts := newTestSeries(raster.NewMemOpener(a), Day)
	job, err := ts.Load(path, false)
	require.NoError(t, err)
	assert.True(t, job.Result())
	assert.Equal(t, 1, ts.Len())
	require.Len(t, job.Errors(), 1)
	assert.True(t, errors.Is(job.Errors()[0], ErrUnreadableSource))
}
