package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	extr "github.com/nci/eotsv/crawl/extractor"
	"github.com/nci/eotsv/geo"
	"github.com/nci/eotsv/raster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrawlSeries(t *testing.T) {
	root := t.TempDir()
	for _, f := range []string{"a/S2_20170101.tif", "b/S2_20170111.tif", "b/S2_20170111.tif.aux.xml"} {
		p := filepath.Join(root, f)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, nil, 0644))
	}

	var out bytes.Buffer
	err := crawl(context.Background(), root, options{
		conc:     2,
		pattern:  extr.DefaultPattern,
		format:   extr.FormatSeries,
		relative: true,
	}, nil, nil, &out, nil)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, []string{"a/S2_20170101.tif", "b/S2_20170111.tif"}, lines[1:])
}

func TestCrawlIdentify(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "S2_20170101.tif")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	opener := raster.NewMemOpener(&raster.MemDataset{
		Name:      path,
		Width:     1,
		Height:    1,
		Transform: geo.GeoTransform{0, 1, 0, 0, 0, -1},
		CRS:       geo.WGS84,
		Type:      raster.Byte,
		Bands:     []*raster.MemBand{{Fill: 1}},
	})

	var out bytes.Buffer
	err := crawl(context.Background(), root, options{format: extr.FormatIdentify}, opener, geo.BuiltinContext{}, &out, nil)
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"datetime":"2017-01-01T00:00:00`)

	err = crawl(context.Background(), root, options{pattern: "bogus("}, nil, nil, &out, nil)
	assert.Error(t, err)
}
