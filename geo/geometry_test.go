package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRectIntersectUnion(t *testing.T) {
	a := NewRect(0, 0, 10, 10)
	b := NewRect(5, 5, 20, 20)

	assert.Equal(t, Rect{5, 5, 10, 10}, a.Intersect(b))
	assert.Equal(t, Rect{0, 0, 20, 20}, a.Union(b))
	assert.True(t, a.Intersect(NewRect(10, 0, 20, 10)).IsEmpty(), "touching rects do not intersect")
	assert.True(t, a.Intersect(NewRect(30, 30, 40, 40)).IsEmpty())
	assert.Equal(t, a, EmptyRect().Union(a))
}

func TestPolygonContains(t *testing.T) {
	poly := Polygon{{0, 0}, {4, 0}, {4, 4}, {2, 6}, {0, 4}, {0, 0}}
	assert.True(t, poly.Contains(Point{2, 2}))
	assert.True(t, poly.Contains(Point{2, 5}))
	assert.False(t, poly.Contains(Point{0.5, 5.5}))
	assert.False(t, poly.Contains(Point{5, 2}))
}

func TestPolygonWKT(t *testing.T) {
	poly := NewRect(100.5, -35, 101, -34.25).Polygon()
	wkt := poly.MarshalWKT()
	assert.Equal(t, "POLYGON ((100.5 -34.25,100.5 -35,101 -35,101 -34.25,100.5 -34.25))", wkt)

	parsed, err := ParsePolygonWKT(wkt)
	require.NoError(t, err)
	assert.Equal(t, poly, parsed)

	parsed, err = ParsePolygonWKT("polygon EMPTY")
	require.NoError(t, err)
	assert.True(t, parsed.IsEmpty())

	_, err = ParsePolygonWKT("POINT (1 2)")
	assert.Error(t, err)

	pt, err := ParsePointWKT("POINT (148.5 -35.25)")
	require.NoError(t, err)
	assert.Equal(t, Point{148.5, -35.25}, pt)
}

func TestGeoTransform(t *testing.T) {
	gt := GeoTransform{300000, 30, 0, 6100000, 0, -30}
	fp := gt.Footprint(100, 200)
	assert.Equal(t, Rect{300000, 6094000, 303000, 6100000}, fp.Envelope())

	inv, ok := gt.Invert()
	require.True(t, ok)
	px := inv.Apply(300045, 6099955)
	assert.InDelta(t, 1.5, px.X, 1e-9)
	assert.InDelta(t, 1.5, px.Y, 1e-9)

	sx, sy := gt.PixelSize()
	assert.Equal(t, 30.0, sx)
	assert.Equal(t, 30.0, sy)

	_, ok = GeoTransform{}.Invert()
	assert.False(t, ok)
}

func TestDensify(t *testing.T) {
	poly := NewRect(0, 0, 4, 4).Polygon()
	dense := poly.Densify(4)
	assert.Len(t, dense, 17)
	assert.Equal(t, poly.Envelope(), dense.Envelope())
}

func TestEPSGCode(t *testing.T) {
	code, ok := EPSGCode("EPSG:32755")
	assert.True(t, ok)
	assert.Equal(t, 32755, code)

	code, ok = EPSGCode(WGS84WKT)
	assert.True(t, ok)
	assert.Equal(t, 4326, code)

	_, ok = EPSGCode(`LOCAL_CS["arbitrary"]`)
	assert.False(t, ok)

	assert.True(t, SameCRS("epsg:4326", WGS84WKT))
	assert.False(t, SameCRS(WGS84, WebMercator))
}

func TestBuiltinContext(t *testing.T) {
	ctx := BuiltinContext{}

	r, err := TransformRect(ctx, NewRect(0, 0, 1, 1), WGS84, WebMercator)
	require.NoError(t, err)
	assert.InDelta(t, 0, r.MinX, 1e-6)
	assert.InDelta(t, 111319.49, r.MaxX, 0.01)

	back, err := TransformRect(ctx, r, WebMercator, WGS84)
	require.NoError(t, err)
	assert.InDelta(t, 1, back.MaxX, 1e-9)
	assert.InDelta(t, 1, back.MaxY, 1e-9)

	_, err = ctx.Transformer("EPSG:32755", WGS84)
	assert.ErrorIs(t, err, ErrUnsupportedTransform)

	_, err = TransformPolygon(ctx, Polygon{{0, 90}, {1, 90}, {1, 89}}, WGS84, WebMercator)
	assert.Error(t, err)
	assert.False(t, math.IsNaN(r.MaxY))
}
