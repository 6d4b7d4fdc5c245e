package processor

import (
	"context"
	"math"
	"sync/atomic"
	"testing"

	"github.com/nci/eotsv/geo"
	"github.com/nci/eotsv/profile"
	"github.com/nci/eotsv/raster"
	"github.com/nci/eotsv/task"
	"github.com/nci/eotsv/timeseries"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func grid(name string, b1, b2 *raster.MemBand) *raster.MemDataset {
	return &raster.MemDataset{
		Name:      name,
		Width:     4,
		Height:    4,
		Transform: geo.GeoTransform{100, 1, 0, 0, 0, -1},
		CRS:       geo.WGS84,
		Type:      raster.Int16,
		Bands:     []*raster.MemBand{b1, b2},
	}
}

func fixtures() (*raster.MemOpener, []string) {
	nodata := -1.0
	pixels := make([]float64, 16)
	for i := range pixels {
		pixels[i] = 3
	}
	pixels[0] = nodata

	a := grid("/data/A_20140301.tif", &raster.MemBand{Fill: 5}, &raster.MemBand{Fill: 7})
	b := grid("/data/B_20140402.tif",
		&raster.MemBand{NoDataVal: &nodata, Pixels: pixels},
		&raster.MemBand{NoDataVal: &nodata, Fill: nodata})
	return raster.NewMemOpener(a, b), []string{a.Name, "/data/missing_20140101.tif", b.Name}
}

var testPoints = []geo.Point{{X: 100.5, Y: -0.5}, {X: 103.5, Y: -3.5}, {X: 200, Y: 0}}

type countingSampler struct {
	Sampler
	calls      atomic.Int32
	identified atomic.Int32
	after      func(n int32)
}

func (s *countingSampler) Sample(ctx context.Context, req *SampleRequest) (*SampleResult, error) {
	n := s.calls.Add(1)
	if req.Identity != nil {
		s.identified.Add(1)
	}
	res, err := s.Sampler.Sample(ctx, req)
	if s.after != nil {
		s.after(n)
	}
	return res, err
}

func TestSamplePoint(t *testing.T) {
	opener, files := fixtures()
	ds := opener.Get(files[2])

	values, err := SamplePoint(ds, geo.Point{X: 103.5, Y: -3.5})
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, 3.0, values[0])
	assert.True(t, math.IsNaN(values[1]))

	values, err = SamplePoint(ds, geo.Point{X: 100.5, Y: -0.5})
	require.NoError(t, err)
	assert.Nil(t, values)

	values, err = SamplePoint(ds, geo.Point{X: 99, Y: -0.5})
	require.NoError(t, err)
	assert.Nil(t, values)
}

func TestLoadProfiles(t *testing.T) {
	opener, files := fixtures()
	cache := NewIdentityCache()
	opts := ProfileLoaderOptions{
		Sampler: &LocalSampler{Opener: opener},
		Threads: 2,
		Cache:   cache,
	}

	records, errs := LoadProfiles(files, testPoints, geo.WGS84, opts)
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], timeseries.ErrUnreadableSource))

	require.Len(t, records, 2)
	assert.Equal(t, 0, records[0].Index)
	assert.Equal(t, 1, records[1].Index)

	first := records[0].Record
	require.NoError(t, first.Validate())
	assert.Equal(t, []string{"2014-03-01T00:00:00Z"}, first.Date)
	assert.Equal(t, []profile.Values{{5, 7}}, first.Values)
	assert.Equal(t, []string{files[0]}, first.Source)

	second := records[1].Record
	require.NoError(t, second.Validate())
	assert.Equal(t, []string{"2014-03-01T00:00:00Z", "2014-04-02T00:00:00Z"}, second.Date)
	assert.Equal(t, []int{0, 0}, second.Sensor)
	require.Len(t, second.SensorIDs, 1)
	assert.Equal(t, 3.0, second.Values[1][0])
	assert.True(t, math.IsNaN(second.Values[1][1]))

	data, err := second.Encode()
	require.NoError(t, err)
	parsed, err := profile.ParseRecord(data)
	require.NoError(t, err)
	assert.Equal(t, second.Date, parsed.Date)
	assert.Equal(t, second.SensorIDs, parsed.SensorIDs)

	// identities are reused on the second run
	assert.Equal(t, 2, cache.Len())
	counting := &countingSampler{Sampler: opts.Sampler}
	opts.Sampler = counting
	records, _ = LoadProfiles(files, testPoints, geo.WGS84, opts)
	assert.Len(t, records, 2)
	assert.Equal(t, int32(3), counting.calls.Load())
	assert.Equal(t, int32(2), counting.identified.Load())
}

func TestLoadProfilesTransform(t *testing.T) {
	opener, files := fixtures()
	tr, err := geo.BuiltinContext{}.Transformer(geo.WGS84, geo.WebMercator)
	require.NoError(t, err)
	pts, err := tr.Transform(append([]geo.Point(nil), testPoints[:2]...))
	require.NoError(t, err)

	records, errs := LoadProfiles(files[:1], pts, geo.WebMercator, ProfileLoaderOptions{Sampler: &LocalSampler{Opener: opener}})
	assert.Empty(t, errs)
	assert.Len(t, records, 2)
}

func TestProfileLoaderLayer(t *testing.T) {
	opener, files := fixtures()
	layer, err := profile.OpenLayer(profile.LayerOptions{})
	require.NoError(t, err)
	defer layer.Close()

	var added []uint64
	layer.OnProfilesAdded(func(fids []uint64) { added = append(added, fids...) })

	job, result := NewProfileLoaderTask(files, testPoints, geo.WGS84, ProfileLoaderOptions{
		Sampler: &LocalSampler{Opener: opener},
		Layer:   layer,
	})
	assert.True(t, job.RunSerial())
	assert.Equal(t, float64(100), job.Progress())

	records := result.Records()
	require.Len(t, records, 2)
	assert.Equal(t, []uint64{records[0].FID, records[1].FID}, added)

	f, err := layer.Feature(records[1].FID)
	require.NoError(t, err)
	assert.Equal(t, testPoints[1], f.Point)
	assert.Equal(t, records[1].Record.Date, f.Profile(profile.DefaultProfileField).Date)

	eng := profile.NewEngine(nil, layer.Fields(), nil)
	v, err := eng.Evaluate("tpval(1)", f)
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 3}, v)
}

func TestProfileLoaderCancel(t *testing.T) {
	opener, files := fixtures()
	layer, err := profile.OpenLayer(profile.LayerOptions{})
	require.NoError(t, err)
	defer layer.Close()

	var job *task.Task
	counting := &countingSampler{
		Sampler: &LocalSampler{Opener: opener},
		after: func(n int32) {
			if n == 1 {
				job.Cancel()
			}
		},
	}
	job, _ = NewProfileLoaderTask(files, testPoints, geo.WGS84, ProfileLoaderOptions{Sampler: counting, Layer: layer})
	assert.False(t, job.RunSerial())
	assert.Equal(t, task.Canceled, job.Status())
	assert.Equal(t, int32(1), counting.calls.Load())

	n, err := layer.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConcLimiter(t *testing.T) {
	limiter := NewConcLimiter(1)
	require.NoError(t, limiter.Increase(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, limiter.Increase(ctx))

	limiter.Decrease()
	limiter.Wait()
}
