package raster

import (
	"sync"
	"time"

	"github.com/nci/eotsv/geo"
	"github.com/pkg/errors"
)

// MemBand is an in-memory band. Pixels are stored row major; a nil Pixels
// slice reads as Fill everywhere.
type MemBand struct {
	Desc      string
	Meta      map[string]map[string]string
	NoDataVal *float64
	Pixels    []float64
	Fill      float64
}

type memBandView struct {
	*MemBand
	ds *MemDataset
}

func (b memBandView) Description() string {
	return b.Desc
}

func (b memBandView) Metadata(domain string) map[string]string {
	return b.Meta[domain]
}

func (b memBandView) NoData() (float64, bool) {
	if b.NoDataVal == nil {
		return 0, false
	}
	return *b.NoDataVal, true
}

func (b memBandView) ReadPixel(x, y int) (float64, error) {
	w, h := b.ds.Width, b.ds.Height
	if x < 0 || y < 0 || x >= w || y >= h {
		return 0, errors.Errorf("pixel (%d,%d) outside raster of size %dx%d", x, y, w, h)
	}
	b.ds.mu.Lock()
	b.ds.reads++
	b.ds.mu.Unlock()
	if b.Pixels == nil {
		return b.Fill, nil
	}
	return b.Pixels[y*w+x], nil
}

// MemDataset is a Dataset held entirely in memory.
type MemDataset struct {
	Name       string
	DriverName string
	Width      int
	Height     int
	Transform  geo.GeoTransform
	CRS        string
	Type       DataType
	Meta       map[string]map[string]string
	Files      []string
	Bands      []*MemBand
	// Temporal, when set, is reported through TemporalRange.
	Temporal *[2]time.Time

	mu    sync.Mutex
	reads int64
}

func (ds *MemDataset) URI() string {
	return ds.Name
}

func (ds *MemDataset) Driver() string {
	if ds.DriverName == "" {
		return "MEM"
	}
	return ds.DriverName
}

func (ds *MemDataset) RasterCount() int               { return len(ds.Bands) }
func (ds *MemDataset) XSize() int                     { return ds.Width }
func (ds *MemDataset) YSize() int                     { return ds.Height }
func (ds *MemDataset) GeoTransform() geo.GeoTransform { return ds.Transform }
func (ds *MemDataset) ProjectionWKT() string          { return ds.CRS }
func (ds *MemDataset) DataType() DataType             { return ds.Type }

func (ds *MemDataset) Metadata(domain string) map[string]string {
	return ds.Meta[domain]
}

func (ds *MemDataset) FileList() []string {
	if len(ds.Files) == 0 {
		return []string{ds.Name}
	}
	return ds.Files
}

func (ds *MemDataset) Band(i int) (Band, error) {
	if i < 1 || i > len(ds.Bands) {
		return nil, errors.Errorf("band %d out of range 1..%d", i, len(ds.Bands))
	}
	return memBandView{MemBand: ds.Bands[i-1], ds: ds}, nil
}

func (ds *MemDataset) Close() error {
	return nil
}

// Reads reports the number of pixels read through any band.
func (ds *MemDataset) Reads() int64 {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.reads
}

func (ds *MemDataset) TemporalRange() (time.Time, time.Time, bool) {
	if ds.Temporal == nil {
		return time.Time{}, time.Time{}, false
	}
	return ds.Temporal[0], ds.Temporal[1], true
}

// MemOpener serves registered datasets by URI.
type MemOpener struct {
	mu       sync.RWMutex
	datasets map[string]*MemDataset
}

func NewMemOpener(datasets ...*MemDataset) *MemOpener {
	o := &MemOpener{datasets: make(map[string]*MemDataset)}
	for _, ds := range datasets {
		o.Add(ds)
	}
	return o
}

func (o *MemOpener) Add(ds *MemDataset) {
	o.mu.Lock()
	o.datasets[ds.Name] = ds
	o.mu.Unlock()
}

func (o *MemOpener) Get(uri string) *MemDataset {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.datasets[uri]
}

func (o *MemOpener) Open(uri string) (Dataset, error) {
	o.mu.RLock()
	ds, ok := o.datasets[uri]
	o.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("could not open dataset: %s", uri)
	}
	return ds, nil
}
