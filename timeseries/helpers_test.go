package timeseries

import (
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/nci/eotsv/geo"
	"github.com/nci/eotsv/raster"
)

type fixture struct {
	name    string
	bands   int
	pxSize  float64
	origin  geo.Point
	size    int
	nodata  *float64
	pixels  []float64
	meta    map[string]map[string]string
	crs     string
	dataTyp raster.DataType
}

func (f fixture) dataset() *raster.MemDataset {
	if f.size == 0 {
		f.size = 10
	}
	if f.crs == "" {
		f.crs = geo.WGS84
	}
	if f.dataTyp == raster.Unknown {
		f.dataTyp = raster.Int16
	}
	bands := make([]*raster.MemBand, f.bands)
	for i := range bands {
		bands[i] = &raster.MemBand{Fill: float64(i + 1)}
	}
	if len(bands) > 0 {
		bands[0].NoDataVal = f.nodata
		bands[0].Pixels = f.pixels
	}
	return &raster.MemDataset{
		Name:      f.name,
		Width:     f.size,
		Height:    f.size,
		Transform: geo.GeoTransform{f.origin.X, f.pxSize, 0, f.origin.Y, 0, -f.pxSize},
		CRS:       f.crs,
		Type:      f.dataTyp,
		Meta:      f.meta,
		Bands:     bands,
	}
}

func dayName(prefix string, t time.Time) string {
	return fmt.Sprintf("/data/%s_%s.tif", prefix, t.Format("20060102"))
}

func newTestSeries(opener raster.Opener, p Precision) *TimeSeries {
	return New(Options{
		Precision:      p,
		Opener:         opener,
		LoadThreads:    3,
		BlockSize:      4,
		OverlapThreads: 2,
		SampleSize:     16,
	})
}

func uris(sources []*Source) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = s.URI()
	}
	return out
}

// checkInvariants verifies the structural invariants of the catalogue.
func checkInvariants(ts *TimeSeries) error {
	dates := ts.Dates()
	seen := make(map[string]bool)
	refs := make(map[string]bool)
	for i, d := range dates {
		if len(d.Sources) == 0 {
			return fmt.Errorf("empty date %v", d.Key())
		}
		if i > 0 && !dates[i-1].Key().less(d.Key()) {
			return fmt.Errorf("dates out of order at %d", i)
		}
		refs[d.SID] = true
		for _, s := range d.Sources {
			if seen[s.URI()] {
				return fmt.Errorf("duplicate uri %s", s.URI())
			}
			seen[s.URI()] = true
			if !ts.Precision().Range(s.DateTime()).Equal(d.Range) {
				return fmt.Errorf("%s filed under wrong range", s.URI())
			}
			if sid, _ := ts.SensorOf(s.URI()); sid != d.SID {
				return fmt.Errorf("%s filed under wrong sensor", s.URI())
			}
		}
	}
	sensors := ts.Sensors()
	if len(sensors) != len(refs) {
		return fmt.Errorf("%d sensors, %d referenced", len(sensors), len(refs))
	}
	for _, s := range sensors {
		if !refs[s.String()] {
			return fmt.Errorf("unreferenced sensor %s", s)
		}
	}
	return nil
}

func mkdir(dir string) error {
	return os.MkdirAll(dir, 0755)
}

func writeFile(path, content string) error {
	return ioutil.WriteFile(path, []byte(content), 0644)
}
