package timeseries

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/nci/eotsv/raster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseName(t *testing.T) {
	cases := []struct {
		name string
		want time.Time
	}{
		{"LC81010742014015LGN00_B4.tif", time.Date(2014, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"LC08_L1TP_101074_20140115_20170306_01_T1.tif", time.Date(2014, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"S2A_MSIL2A_20190305T002701_N0211_R016.jp2", time.Date(2019, 3, 5, 0, 27, 1, 0, time.UTC)},
		{"20180101_LEVEL2_LND08_BOA.tif", time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"DS_PHR1A_201406141025467_FR1_PX_E148S36.tif", time.Date(2014, 6, 14, 10, 25, 46, 0, time.UTC)},
		{"scene_2014-01-15T10:20:30.tif", time.Date(2014, 1, 15, 10, 20, 30, 0, time.UTC)},
		{"img_2014-01-15.tif", time.Date(2014, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"img_20140115.tif", time.Date(2014, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"mosaic_2014-015.tif", time.Date(2014, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"ndvi_2014.5.tif", time.Date(2014, 7, 2, 12, 0, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		got, ok := ParseName(c.name)
		if assert.True(t, ok, c.name) {
			assert.True(t, c.want.Equal(got), "%s: got %v", c.name, got)
		}
	}

	for _, name := range []string{"img_20141345.tif", "mosaic.tif", "img_2014-400.tif"} {
		_, ok := ParseName(name)
		assert.False(t, ok, name)
	}
}

func TestParseDateTime(t *testing.T) {
	got, ok := ParseDateTime("2014-01-15T10:20:30.5Z")
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, time.Duration(got.Nanosecond()))

	got, ok = ParseDateTime("2014:01:15 10:20:30")
	require.True(t, ok)
	assert.Equal(t, 10, got.Hour())

	_, ok = ParseDateTime("yesterday")
	assert.False(t, ok)
}

func TestDateReaderOrder(t *testing.T) {
	r := NewDateReader()
	ds := fixture{
		name:   "/data/img_20140115.tif",
		bands:  1,
		pxSize: 30,
		meta: map[string]map[string]string{
			"": {"ACQUISITION_DATE": "2015-02-03"},
		},
	}.dataset()

	got, ok := r.Read(ds, "")
	require.True(t, ok)
	assert.Equal(t, time.Date(2015, 2, 3, 0, 0, 0, 0, time.UTC), got)

	fixed := [2]time.Time{time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2016, 2, 1, 0, 0, 0, 0, time.UTC)}
	ds2 := fixture{name: "/data/other_20140115.tif", bands: 1, pxSize: 30}.dataset()
	ds2.Temporal = &fixed
	got, ok = r.Read(ds2, "")
	require.True(t, ok)
	assert.Equal(t, fixed[0], got)

	// cached values win over everything else
	r.Remember("/data/cached_20140115.tif", fixed[1])
	got, ok = r.Read(fixture{name: "/data/cached_20140115.tif", bands: 1, pxSize: 30}.dataset(), "")
	require.True(t, ok)
	assert.Equal(t, fixed[1], got)
}

func TestDateReaderDirectory(t *testing.T) {
	r := NewDateReader()
	got, ok := r.Read(fixture{name: "/archive/2014/01/15/band.tif", bands: 1, pxSize: 30}.dataset(), "")
	require.True(t, ok)
	assert.Equal(t, time.Date(2014, 1, 15, 0, 0, 0, 0, time.UTC), got)

	got, ok = r.Read(fixture{name: "/archive/LC81010742014015LGN00/band.tif", bands: 1, pxSize: 30}.dataset(), "")
	require.True(t, ok)
	assert.Equal(t, time.Date(2014, 1, 15, 0, 0, 0, 0, time.UTC), got)

	_, ok = r.Read(fixture{name: "/archive/scenes/band.tif", bands: 1, pxSize: 30}.dataset(), "")
	assert.False(t, ok)
}

func TestDateReaderSidecars(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "scene")
	require.NoError(t, mkdir(dir))

	image := filepath.Join(dir, "image.tif")
	dim := filepath.Join(dir, "METADATA.DIM")
	require.NoError(t, ioutil.WriteFile(dim, []byte(`<Dimap_Document>
  <IMAGING_DATE>2012-09-21</IMAGING_DATE>
  <IMAGING_TIME>00:14:56.5Z</IMAGING_TIME>
</Dimap_Document>`), 0644))

	ds := &raster.MemDataset{Name: image, Width: 1, Height: 1, Files: []string{image, dim}}
	got, ok := NewDateReader().Read(ds, "")
	require.True(t, ok)
	assert.Equal(t, time.Date(2012, 9, 21, 0, 14, 56, 500000000, time.UTC), got)

	ard := filepath.Join(dir, "ard.tif")
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "ard.yaml"), []byte(`
extent:
  center_dt: '2013-04-05 01:02:03'
`), 0644))
	got, ok = NewDateReader().Read(&raster.MemDataset{Name: ard, Width: 1, Height: 1}, "")
	require.True(t, ok)
	assert.Equal(t, time.Date(2013, 4, 5, 1, 2, 3, 0, time.UTC), got)
}
