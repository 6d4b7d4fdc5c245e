package processor

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/nci/eotsv/geo"
	"github.com/nci/eotsv/raster"
	"github.com/nci/eotsv/timeseries"
	"github.com/pkg/errors"
)

// Identity is the sensor id and acquisition date of a source.
type Identity struct {
	SID      string    `json:"sid"`
	DateTime time.Time `json:"datetime"`
}

type SampleRequest struct {
	URI    string
	Points []geo.Point
	CRS    string
	// Identity skips sensor and date resolution when set.
	Identity *Identity
}

// PhaseTimings splits the time spent on one source.
type PhaseTimings struct {
	InitLayer time.Duration
	SidDtg    time.Duration
	Sample    time.Duration
}

func (p *PhaseTimings) add(o PhaseTimings) {
	p.InitLayer += o.InitLayer
	p.SidDtg += o.SidDtg
	p.Sample += o.Sample
}

type SampleResult struct {
	Identity Identity
	// Values holds one entry per requested point. Points outside the
	// source or without any valid band value have a nil entry. Masked
	// bands are NaN.
	Values  [][]float64
	Timings PhaseTimings
	Bytes   int64
}

// Sampler reads the band values of one source at a list of points.
type Sampler interface {
	Sample(ctx context.Context, req *SampleRequest) (*SampleResult, error)
}

// LocalSampler reads sources through a raster opener in the calling
// process.
type LocalSampler struct {
	Opener    raster.Opener
	Transform geo.TransformContext
	Dates     *timeseries.DateReader
}

func (s *LocalSampler) Sample(ctx context.Context, req *SampleRequest) (*SampleResult, error) {
	var res SampleResult
	start := time.Now()
	ds, err := s.Opener.Open(req.URI)
	if err != nil {
		return nil, &timeseries.SourceError{URI: req.URI, Kind: timeseries.ErrUnreadableSource, Message: err.Error()}
	}
	defer ds.Close()
	res.Timings.InitLayer = time.Since(start)

	start = time.Now()
	if req.Identity != nil {
		res.Identity = *req.Identity
	} else {
		id, err := s.identify(ds, req.URI)
		if err != nil {
			return nil, err
		}
		res.Identity = id
	}
	res.Timings.SidDtg = time.Since(start)

	start = time.Now()
	pts, err := s.toNative(req.Points, req.CRS, ds.ProjectionWKT())
	if err != nil {
		return nil, &timeseries.SourceError{URI: req.URI, Kind: timeseries.ErrTransformFailed, Message: err.Error()}
	}
	res.Values = make([][]float64, len(pts))
	for i, pt := range pts {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		values, err := SamplePoint(ds, pt)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: failed to sample", req.URI)
		}
		res.Values[i] = values
	}
	res.Timings.Sample = time.Since(start)
	return &res, nil
}

func (s *LocalSampler) identify(ds raster.Dataset, uri string) (Identity, error) {
	dates := s.Dates
	if dates == nil {
		dates = timeseries.NewDateReader()
	}
	dtg, ok := dates.Read(ds, uri)
	if !ok {
		return Identity{}, &timeseries.SourceError{URI: uri, Kind: timeseries.ErrNoValidDate}
	}
	sid, err := timeseries.CreateSensorID(ds)
	if err != nil {
		return Identity{}, &timeseries.SourceError{URI: uri, Kind: timeseries.ErrNoSensorID, Message: errors.Cause(err).Error()}
	}
	return Identity{SID: sid.String(), DateTime: dtg}, nil
}

func (s *LocalSampler) toNative(pts []geo.Point, src, dst string) ([]geo.Point, error) {
	if strings.TrimSpace(dst) == "" {
		dst = geo.WGS84
	}
	if src == "" || geo.SameCRS(src, dst) {
		return pts, nil
	}
	ctx := s.Transform
	if ctx == nil {
		ctx = geo.BuiltinContext{}
	}
	tr, err := ctx.Transformer(src, dst)
	if err != nil {
		return nil, err
	}
	return tr.Transform(append([]geo.Point(nil), pts...))
}

// SamplePoint reads every band of ds at pt, given in the dataset CRS. It
// returns nil when pt is outside the dataset or all bands are masked.
func SamplePoint(ds raster.Dataset, pt geo.Point) ([]float64, error) {
	inv, ok := ds.GeoTransform().Invert()
	if !ok {
		return nil, errors.New("geotransform is not invertible")
	}
	p := inv.Apply(pt.X, pt.Y)
	col, row := math.Floor(p.X), math.Floor(p.Y)
	if col < 0 || row < 0 || col >= float64(ds.XSize()) || row >= float64(ds.YSize()) {
		return nil, nil
	}

	values := make([]float64, ds.RasterCount())
	valid := false
	for i := range values {
		band, err := ds.Band(i + 1)
		if err != nil {
			return nil, err
		}
		v, err := band.ReadPixel(int(col), int(row))
		if err != nil {
			return nil, err
		}
		if nodata, ok := band.NoData(); ok && (v == nodata || math.IsNaN(nodata) && math.IsNaN(v)) {
			v = math.NaN()
		}
		if !math.IsNaN(v) {
			valid = true
		}
		values[i] = v
	}
	if !valid {
		return nil, nil
	}
	return values, nil
}

// IdentityCache remembers the identity of sources across loader runs.
type IdentityCache struct {
	mu sync.RWMutex
	m  map[string]Identity
}

func NewIdentityCache() *IdentityCache {
	return &IdentityCache{m: make(map[string]Identity)}
}

// CacheFromSources seeds a cache with sources already described by a time
// series.
func CacheFromSources(sources []*timeseries.Source) *IdentityCache {
	c := NewIdentityCache()
	for _, src := range sources {
		c.Put(src.URI(), Identity{SID: src.SensorID().String(), DateTime: src.DateTime()})
	}
	return c
}

func (c *IdentityCache) Get(uri string) (Identity, bool) {
	if c == nil {
		return Identity{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.m[uri]
	return id, ok
}

func (c *IdentityCache) Put(uri string, id Identity) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.m[uri] = id
	c.mu.Unlock()
}

func (c *IdentityCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
