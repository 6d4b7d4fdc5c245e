package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type Point struct {
	X float64
	Y float64
}

// Rect is an axis aligned bounding box. A rect whose minimum exceeds its
// maximum on either axis is empty.
type Rect struct {
	MinX, MinY float64
	MaxX, MaxY float64
}

func EmptyRect() Rect {
	return Rect{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
}

func NewRect(x0, y0, x1, y1 float64) Rect {
	return Rect{
		MinX: math.Min(x0, x1),
		MinY: math.Min(y0, y1),
		MaxX: math.Max(x0, x1),
		MaxY: math.Max(y0, y1),
	}
}

func (r Rect) IsEmpty() bool {
	return !(r.MinX <= r.MaxX && r.MinY <= r.MaxY)
}

func (r Rect) Width() float64 {
	if r.IsEmpty() {
		return 0
	}
	return r.MaxX - r.MinX
}

func (r Rect) Height() float64 {
	if r.IsEmpty() {
		return 0
	}
	return r.MaxY - r.MinY
}

// Intersect returns the common area of both rects. Rects that only touch
// along an edge yield an empty rect.
func (r Rect) Intersect(o Rect) Rect {
	if r.IsEmpty() || o.IsEmpty() {
		return EmptyRect()
	}
	out := Rect{
		MinX: math.Max(r.MinX, o.MinX),
		MinY: math.Max(r.MinY, o.MinY),
		MaxX: math.Min(r.MaxX, o.MaxX),
		MaxY: math.Min(r.MaxY, o.MaxY),
	}
	if out.MinX >= out.MaxX || out.MinY >= out.MaxY {
		return EmptyRect()
	}
	return out
}

func (r Rect) Union(o Rect) Rect {
	if r.IsEmpty() {
		return o
	}
	if o.IsEmpty() {
		return r
	}
	return Rect{
		MinX: math.Min(r.MinX, o.MinX),
		MinY: math.Min(r.MinY, o.MinY),
		MaxX: math.Max(r.MaxX, o.MaxX),
		MaxY: math.Max(r.MaxY, o.MaxY),
	}
}

func (r Rect) Extend(p Point) Rect {
	return r.Union(Rect{MinX: p.X, MinY: p.Y, MaxX: p.X, MaxY: p.Y})
}

func (r Rect) Contains(p Point) bool {
	return !r.IsEmpty() && p.X >= r.MinX && p.X <= r.MaxX && p.Y >= r.MinY && p.Y <= r.MaxY
}

func (r Rect) Center() Point {
	return Point{X: (r.MinX + r.MaxX) / 2, Y: (r.MinY + r.MaxY) / 2}
}

func (r Rect) Polygon() Polygon {
	if r.IsEmpty() {
		return nil
	}
	return Polygon{
		{r.MinX, r.MaxY},
		{r.MinX, r.MinY},
		{r.MaxX, r.MinY},
		{r.MaxX, r.MaxY},
		{r.MinX, r.MaxY},
	}
}

// Polygon is a single closed exterior ring.
type Polygon []Point

func (p Polygon) IsEmpty() bool {
	return len(p) < 3
}

func (p Polygon) Envelope() Rect {
	env := EmptyRect()
	for _, pt := range p {
		env = env.Extend(pt)
	}
	return env
}

// Contains tests a point against the ring with the even-odd rule.
func (p Polygon) Contains(pt Point) bool {
	if p.IsEmpty() || !p.Envelope().Contains(pt) {
		return false
	}
	inside := false
	j := len(p) - 1
	for i := 0; i < len(p); i++ {
		pi, pj := p[i], p[j]
		if (pi.Y > pt.Y) != (pj.Y > pt.Y) {
			x := (pj.X-pi.X)*(pt.Y-pi.Y)/(pj.Y-pi.Y) + pi.X
			if pt.X < x {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// Densify inserts n-1 evenly spaced vertices on every edge so curved
// reprojections keep their shape.
func (p Polygon) Densify(n int) Polygon {
	if n <= 1 || len(p) < 2 {
		return p
	}
	out := make(Polygon, 0, (len(p)-1)*n+1)
	for i := 0; i < len(p)-1; i++ {
		a, b := p[i], p[i+1]
		for k := 0; k < n; k++ {
			f := float64(k) / float64(n)
			out = append(out, Point{X: a.X + f*(b.X-a.X), Y: a.Y + f*(b.Y-a.Y)})
		}
	}
	return append(out, p[len(p)-1])
}

func (p Polygon) closed() Polygon {
	if len(p) > 0 && p[0] != p[len(p)-1] {
		return append(append(Polygon{}, p...), p[0])
	}
	return p
}

func (p Polygon) MarshalWKT() string {
	if p.IsEmpty() {
		return "POLYGON EMPTY"
	}
	coords := make([]string, 0, len(p)+1)
	for _, pt := range p.closed() {
		coords = append(coords, formatCoord(pt.X)+" "+formatCoord(pt.Y))
	}
	return fmt.Sprintf("POLYGON ((%s))", strings.Join(coords, ","))
}

func (p Point) MarshalWKT() string {
	return fmt.Sprintf("POINT (%s %s)", formatCoord(p.X), formatCoord(p.Y))
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ParsePolygonWKT reads the exterior ring of a POLYGON text. Interior rings
// are ignored.
func ParsePolygonWKT(wkt string) (Polygon, error) {
	body, err := wktBody(wkt, "POLYGON")
	if err != nil {
		return nil, err
	}
	if body == "" {
		return nil, nil
	}
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, "(") {
		return nil, errors.Errorf("malformed polygon wkt: %q", wkt)
	}
	end := strings.Index(body, ")")
	if end < 0 {
		return nil, errors.Errorf("malformed polygon wkt: %q", wkt)
	}
	pts, err := parseCoords(body[1:end])
	if err != nil {
		return nil, errors.Wrapf(err, "polygon wkt %q", wkt)
	}
	return Polygon(pts), nil
}

func ParsePointWKT(wkt string) (Point, error) {
	body, err := wktBody(wkt, "POINT")
	if err != nil {
		return Point{}, err
	}
	pts, err := parseCoords(body)
	if err != nil || len(pts) != 1 {
		return Point{}, errors.Errorf("malformed point wkt: %q", wkt)
	}
	return pts[0], nil
}

func wktBody(wkt, kind string) (string, error) {
	s := strings.TrimSpace(wkt)
	if len(s) < len(kind) || !strings.EqualFold(s[:len(kind)], kind) {
		return "", errors.Errorf("expected %s wkt, got %q", kind, wkt)
	}
	s = strings.TrimSpace(s[len(kind):])
	if strings.EqualFold(s, "EMPTY") {
		return "", nil
	}
	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		return "", errors.Errorf("malformed %s wkt: %q", kind, wkt)
	}
	return s[1 : len(s)-1], nil
}

func parseCoords(s string) ([]Point, error) {
	var pts []Point
	for _, pair := range strings.Split(s, ",") {
		fields := strings.Fields(pair)
		if len(fields) < 2 {
			return nil, errors.Errorf("invalid coordinate %q", pair)
		}
		x, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid coordinate %q", pair)
		}
		y, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid coordinate %q", pair)
		}
		pts = append(pts, Point{X: x, Y: y})
	}
	return pts, nil
}

// GeoTransform is the affine pixel to world mapping used by GDAL:
// Xgeo = gt[0] + col*gt[1] + row*gt[2], Ygeo = gt[3] + col*gt[4] + row*gt[5].
type GeoTransform [6]float64

func (gt GeoTransform) Apply(col, row float64) Point {
	return Point{
		X: gt[0] + col*gt[1] + row*gt[2],
		Y: gt[3] + col*gt[4] + row*gt[5],
	}
}

func (gt GeoTransform) Invert() (GeoTransform, bool) {
	det := gt[1]*gt[5] - gt[2]*gt[4]
	if det == 0 {
		return GeoTransform{}, false
	}
	inv := 1 / det
	return GeoTransform{
		(gt[2]*gt[3] - gt[0]*gt[5]) * inv,
		gt[5] * inv,
		-gt[2] * inv,
		(-gt[1]*gt[3] + gt[0]*gt[4]) * inv,
		-gt[4] * inv,
		gt[1] * inv,
	}, true
}

// PixelSize returns the absolute ground sampling distance along both axes.
func (gt GeoTransform) PixelSize() (float64, float64) {
	return math.Hypot(gt[1], gt[4]), math.Hypot(gt[2], gt[5])
}

// Footprint returns the ring spanned by a raster of the given size.
func (gt GeoTransform) Footprint(xSize, ySize int) Polygon {
	ul := gt.Apply(0, 0)
	ll := gt.Apply(0, float64(ySize))
	lr := gt.Apply(float64(xSize), float64(ySize))
	ur := gt.Apply(float64(xSize), 0)
	return Polygon{ul, ll, lr, ur, ul}
}
