package worker

import (
	"context"
	"math"
	"net"
	"testing"
	"time"

	"github.com/nci/eotsv/geo"
	"github.com/nci/eotsv/processor"
	"github.com/nci/eotsv/raster"
	"github.com/nci/eotsv/timeseries"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func testOpener() (*raster.MemOpener, string) {
	nodata := -9999.0
	pixels := make([]float64, 9)
	for i := range pixels {
		pixels[i] = float64(i)
	}
	pixels[4] = nodata
	ds := &raster.MemDataset{
		Name:      "/data/W_20150607.tif",
		Width:     3,
		Height:    3,
		Transform: geo.GeoTransform{0, 10, 0, 30, 0, -10},
		CRS:       geo.WGS84,
		Type:      raster.Float32,
		Bands: []*raster.MemBand{
			{NoDataVal: &nodata, Pixels: pixels},
			{Fill: 42},
		},
	}
	return raster.NewMemOpener(ds), ds.Name
}

func startServer(t *testing.T, sampler processor.Sampler) *Client {
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	pool := CreateSamplerPool(2, sampler, nil)
	RegisterSamplerServer(s, &Server{Pool: pool})
	go s.Serve(lis)
	t.Cleanup(func() {
		s.Stop()
		pool.Close()
	})

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	client, err := Dial([]string{"bufnet", "bufnet"}, nil, dialer)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRemoteSample(t *testing.T) {
	opener, uri := testOpener()
	client := startServer(t, &processor.LocalSampler{Opener: opener})

	res, err := client.Sample(context.Background(), &processor.SampleRequest{
		URI:    uri,
		CRS:    geo.WGS84,
		Points: []geo.Point{{X: 5, Y: 25}, {X: 15, Y: 15}, {X: 100, Y: 100}},
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2015, 6, 7, 0, 0, 0, 0, time.UTC), res.Identity.DateTime)
	_, err = timeseries.ParseSensorID(res.Identity.SID)
	assert.NoError(t, err)

	require.Len(t, res.Values, 3)
	assert.Equal(t, []float64{0, 42}, res.Values[0])
	require.Len(t, res.Values[1], 2)
	assert.True(t, math.IsNaN(res.Values[1][0]))
	assert.Equal(t, 42.0, res.Values[1][1])
	assert.Nil(t, res.Values[2])
	assert.Greater(t, res.Bytes, int64(0))

	_, err = client.Sample(context.Background(), &processor.SampleRequest{URI: "/data/gone.tif", CRS: geo.WGS84})
	assert.True(t, errors.Is(err, timeseries.ErrUnreadableSource))
}

func TestRemoteProfileLoader(t *testing.T) {
	opener, uri := testOpener()
	client := startServer(t, &processor.LocalSampler{Opener: opener})
	points := []geo.Point{{X: 25, Y: 5}}

	local, errs := processor.LoadProfiles([]string{uri}, points, geo.WGS84, processor.ProfileLoaderOptions{
		Sampler: &processor.LocalSampler{Opener: opener},
	})
	require.Empty(t, errs)
	remote, errs := processor.LoadProfiles([]string{uri}, points, geo.WGS84, processor.ProfileLoaderOptions{
		Sampler: client,
		Threads: 2,
	})
	require.Empty(t, errs)
	require.Len(t, remote, 1)
	assert.Equal(t, local[0].Record, remote[0].Record)
}

func TestRequestCodec(t *testing.T) {
	dt := time.Date(2015, 6, 7, 1, 2, 3, 4, time.UTC)
	in := &processor.SampleRequest{
		URI:      "/data/x.tif",
		CRS:      geo.WebMercator,
		Points:   []geo.Point{{X: 1.5, Y: -2}},
		Identity: &processor.Identity{SID: "{}", DateTime: dt},
	}
	s, err := EncodeRequest(in)
	require.NoError(t, err)
	out, err := DecodeRequest(s)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	delete(s.Fields, "uri")
	_, err = DecodeRequest(s)
	assert.Error(t, err)
}

func TestPoolQueueFull(t *testing.T) {
	p := &SamplerPool{TaskQueue: make(chan *Job, 40)}
	for i := 0; i < 39; i++ {
		require.NoError(t, p.AddQueue(&Job{}))
	}
	assert.Error(t, p.AddQueue(&Job{}))
}
