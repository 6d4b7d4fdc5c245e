package geo

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const WGS84 = "EPSG:4326"
const WebMercator = "EPSG:3857"

const WGS84WKT = `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563,AUTHORITY["EPSG","7030"]],AUTHORITY["EPSG","6326"]],PRIMEM["Greenwich",0,AUTHORITY["EPSG","8901"]],UNIT["degree",0.01745329251994328,AUTHORITY["EPSG","9122"]],AUTHORITY["EPSG","4326"]]`

var ErrUnsupportedTransform = errors.New("unsupported coordinate transformation")

var (
	reEPSGCode  = regexp.MustCompile(`(?i)^\s*EPSG\s*:\s*(\d+)\s*$`)
	reAuthority = regexp.MustCompile(`(?i)(?:AUTHORITY|ID)\[\s*"EPSG"\s*,\s*"?(\d+)"?\s*\]\s*\]\s*$`)
)

// EPSGCode extracts the EPSG code of a CRS given either as an "EPSG:n"
// identifier or as WKT carrying a root level authority.
func EPSGCode(crs string) (int, bool) {
	if m := reEPSGCode.FindStringSubmatch(crs); m != nil {
		code, err := strconv.Atoi(m[1])
		return code, err == nil
	}
	if m := reAuthority.FindStringSubmatch(crs); m != nil {
		code, err := strconv.Atoi(m[1])
		return code, err == nil
	}
	return 0, false
}

// SameCRS compares two CRS definitions by EPSG code when both have one and
// by normalised text otherwise.
func SameCRS(a, b string) bool {
	ca, okA := EPSGCode(a)
	cb, okB := EPSGCode(b)
	if okA && okB {
		return ca == cb
	}
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

type Transformer interface {
	Transform(pts []Point) ([]Point, error)
}

// TransformContext hands out transformers between CRS definitions.
// Coordinates are always in x/y (easting/longitude first) order.
type TransformContext interface {
	Transformer(src, dst string) (Transformer, error)
}

type TransformFunc func(pts []Point) ([]Point, error)

func (f TransformFunc) Transform(pts []Point) ([]Point, error) {
	return f(pts)
}

var identity = TransformFunc(func(pts []Point) ([]Point, error) {
	return append([]Point(nil), pts...), nil
})

// BuiltinContext covers identity transforms and the EPSG:4326 <-> EPSG:3857
// pair without a projection library.
type BuiltinContext struct{}

func (BuiltinContext) Transformer(src, dst string) (Transformer, error) {
	if SameCRS(src, dst) {
		return identity, nil
	}
	cs, okS := EPSGCode(src)
	cd, okD := EPSGCode(dst)
	if !okS || !okD {
		return nil, errors.Wrapf(ErrUnsupportedTransform, "%q -> %q", abbrev(src), abbrev(dst))
	}
	switch {
	case cs == 4326 && cd == 3857:
		return TransformFunc(lonLatToMercator), nil
	case cs == 3857 && cd == 4326:
		return TransformFunc(mercatorToLonLat), nil
	}
	return nil, errors.Wrapf(ErrUnsupportedTransform, "EPSG:%d -> EPSG:%d", cs, cd)
}

func abbrev(s string) string {
	if len(s) > 40 {
		return s[:40] + "..."
	}
	return s
}

const earthRadius = 6378137.0

func lonLatToMercator(pts []Point) ([]Point, error) {
	out := make([]Point, len(pts))
	for i, p := range pts {
		if p.Y <= -90 || p.Y >= 90 {
			return nil, errors.Errorf("latitude %f out of mercator range", p.Y)
		}
		out[i] = Point{
			X: earthRadius * p.X * math.Pi / 180,
			Y: earthRadius * math.Log(math.Tan(math.Pi/4+p.Y*math.Pi/360)),
		}
	}
	return out, nil
}

func mercatorToLonLat(pts []Point) ([]Point, error) {
	out := make([]Point, len(pts))
	for i, p := range pts {
		out[i] = Point{
			X: p.X / earthRadius * 180 / math.Pi,
			Y: (2*math.Atan(math.Exp(p.Y/earthRadius)) - math.Pi/2) * 180 / math.Pi,
		}
	}
	return out, nil
}

func TransformPolygon(ctx TransformContext, poly Polygon, src, dst string) (Polygon, error) {
	if poly.IsEmpty() {
		return nil, errors.New("empty polygon")
	}
	t, err := ctx.Transformer(src, dst)
	if err != nil {
		return nil, err
	}
	pts, err := t.Transform(poly)
	if err != nil {
		return nil, err
	}
	for _, p := range pts {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return nil, errors.New("transform produced non finite coordinates")
		}
	}
	return Polygon(pts), nil
}

// TransformRect reprojects a rect through its densified outline and returns
// the bounding box of the result.
func TransformRect(ctx TransformContext, r Rect, src, dst string) (Rect, error) {
	if r.IsEmpty() {
		return EmptyRect(), errors.New("empty extent")
	}
	if SameCRS(src, dst) {
		return r, nil
	}
	poly, err := TransformPolygon(ctx, r.Polygon().Densify(8), src, dst)
	if err != nil {
		return EmptyRect(), err
	}
	env := poly.Envelope()
	if env.IsEmpty() {
		return env, errors.New("transform produced an empty extent")
	}
	return env, nil
}
