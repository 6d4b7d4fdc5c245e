package timeseries

import (
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nci/eotsv/geo"
	"github.com/nci/eotsv/raster"
	"github.com/pkg/errors"
)

// Source describes one raster of the time series. Everything but the
// visibility flag is fixed at construction.
type Source struct {
	uri      string
	name     string
	provider string
	sid      SensorID
	dtg      time.Time
	nb       int
	nl       int
	ns       int
	crs      string
	extent   geo.Polygon
	wgs84    geo.Polygon
	visible  atomic.Bool
}

type SourceParams struct {
	URI      string
	Name     string
	Provider string
	SID      SensorID
	DateTime time.Time
	NB       int
	NL       int
	NS       int
	CRS      string
	Extent   geo.Polygon
	WGS84    geo.Polygon
	Visible  bool
}

// NewSource builds a source from already known properties, as restored
// from a time series definition.
func NewSource(p SourceParams) (*Source, error) {
	if p.URI == "" {
		return nil, errors.New("source without uri")
	}
	if err := p.SID.Validate(); err != nil {
		return nil, err
	}
	if p.NB != p.SID.NB {
		return nil, errors.Wrapf(ErrInvalidSensorID, "%s has %d bands, sensor has %d", p.URI, p.NB, p.SID.NB)
	}
	if p.DateTime.IsZero() {
		return nil, errors.Wrap(ErrNoValidDate, p.URI)
	}
	if p.CRS == "" {
		p.CRS = geo.WGS84
	}
	if p.Name == "" {
		p.Name = filepath.Base(p.URI)
	}
	s := &Source{
		uri:      p.URI,
		name:     p.Name,
		provider: p.Provider,
		sid:      p.SID,
		dtg:      p.DateTime.UTC(),
		nb:       p.NB,
		nl:       p.NL,
		ns:       p.NS,
		crs:      p.CRS,
		extent:   p.Extent,
		wgs84:    p.WGS84,
	}
	s.visible.Store(p.Visible)
	return s, nil
}

func (s *Source) URI() string              { return s.uri }
func (s *Source) Name() string             { return s.name }
func (s *Source) Provider() string         { return s.provider }
func (s *Source) SensorID() SensorID       { return s.sid }
func (s *Source) DateTime() time.Time      { return s.dtg }
func (s *Source) CRS() string              { return s.crs }
func (s *Source) Extent() geo.Polygon      { return s.extent }
func (s *Source) WGS84Extent() geo.Polygon { return s.wgs84 }

// Dims returns bands, lines and samples.
func (s *Source) Dims() (int, int, int) {
	return s.nb, s.nl, s.ns
}

func (s *Source) IsVisible() bool {
	return s.visible.Load()
}

// setVisible returns true when the flag changed.
func (s *Source) setVisible(v bool) bool {
	return s.visible.Swap(v) != v
}

// FeatureID is derived from the URI only, so it is stable across sessions.
func (s *Source) FeatureID() uuid.UUID {
	return FeatureID(s.uri)
}

func FeatureID(uri string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(uri))
}

// SourceFactory opens rasters and derives their Source descriptors.
type SourceFactory struct {
	Opener    raster.Opener
	Transform geo.TransformContext
	Dates     *DateReader
}

// Create opens uri and describes it. Errors are *SourceError values.
func (f *SourceFactory) Create(uri string) (*Source, error) {
	ds, err := f.Opener.Open(uri)
	if err != nil {
		return nil, newSourceError(uri, ErrUnreadableSource, "%v", err)
	}
	defer ds.Close()

	dates := f.Dates
	if dates == nil {
		dates = NewDateReader()
	}
	dtg, ok := dates.Read(ds, uri)
	if !ok {
		return nil, newSourceError(uri, ErrNoValidDate, "")
	}

	sid, err := CreateSensorID(ds)
	if err != nil {
		return nil, newSourceError(uri, ErrNoSensorID, "%v", errors.Cause(err))
	}

	crs := ds.ProjectionWKT()
	if strings.TrimSpace(crs) == "" {
		crs = geo.WGS84
	}
	extent := raster.Footprint(ds)

	var wgs84 geo.Polygon
	if f.Transform != nil {
		// a footprint that cannot be reprojected is kept out of the
		// spatial index but the source stays usable
		wgs84, _ = geo.TransformPolygon(f.Transform, extent, crs, geo.WGS84)
	}

	return NewSource(SourceParams{
		URI:      uri,
		Name:     filepath.Base(uri),
		Provider: ds.Driver(),
		SID:      sid,
		DateTime: dtg,
		NB:       ds.RasterCount(),
		NL:       ds.YSize(),
		NS:       ds.XSize(),
		CRS:      crs,
		Extent:   extent,
		WGS84:    wgs84,
		Visible:  true,
	})
}

func sourceLess(a, b *Source) bool {
	if !a.dtg.Equal(b.dtg) {
		return a.dtg.Before(b.dtg)
	}
	return a.uri < b.uri
}
