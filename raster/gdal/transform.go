package gdal

// #include <stdlib.h>
// #include "ogr_srs_api.h"
// #cgo pkg-config: gdal
//
//OGRSpatialReferenceH newGISOrderSRS(const char *def)
//{
//	OGRSpatialReferenceH hSRS = OSRNewSpatialReference(NULL);
//	if (OSRSetFromUserInput(hSRS, def) != OGRERR_NONE) {
//		OSRDestroySpatialReference(hSRS);
//		return NULL;
//	}
//	OSRSetAxisMappingStrategy(hSRS, OAMS_TRADITIONAL_GIS_ORDER);
//	return hSRS;
//}
import "C"

import (
	"unsafe"

	"github.com/nci/eotsv/geo"
	"github.com/pkg/errors"
)

// TransformContext reprojects coordinates with OGR. CRS definitions may be
// anything OSRSetFromUserInput accepts.
type TransformContext struct{}

func (TransformContext) Transformer(src, dst string) (geo.Transformer, error) {
	if geo.SameCRS(src, dst) {
		return geo.BuiltinContext{}.Transformer(src, dst)
	}
	// validate both ends up front so that failures surface before sampling
	for _, def := range []string{src, dst} {
		h := newSRS(def)
		if h == nil {
			return nil, errors.Errorf("invalid CRS definition: %.60s", def)
		}
		C.OSRDestroySpatialReference(h)
	}
	return &transformer{src: src, dst: dst}, nil
}

type transformer struct {
	src, dst string
}

func (t *transformer) Transform(pts []geo.Point) ([]geo.Point, error) {
	if len(pts) == 0 {
		return nil, nil
	}
	srcSRS := newSRS(t.src)
	if srcSRS == nil {
		return nil, errors.Errorf("invalid CRS definition: %.60s", t.src)
	}
	defer C.OSRDestroySpatialReference(srcSRS)
	dstSRS := newSRS(t.dst)
	if dstSRS == nil {
		return nil, errors.Errorf("invalid CRS definition: %.60s", t.dst)
	}
	defer C.OSRDestroySpatialReference(dstSRS)

	trans := C.OCTNewCoordinateTransformation(srcSRS, dstSRS)
	if trans == nil {
		return nil, errors.New("OCTNewCoordinateTransformation failed")
	}
	defer C.OCTDestroyCoordinateTransformation(trans)

	xs := make([]C.double, len(pts))
	ys := make([]C.double, len(pts))
	for i, p := range pts {
		xs[i] = C.double(p.X)
		ys[i] = C.double(p.Y)
	}
	if C.OCTTransform(trans, C.int(len(pts)), &xs[0], &ys[0], nil) == 0 {
		return nil, errors.New("coordinate transformation failed")
	}

	out := make([]geo.Point, len(pts))
	for i := range pts {
		out[i] = geo.Point{X: float64(xs[i]), Y: float64(ys[i])}
	}
	return out, nil
}

func newSRS(def string) C.OGRSpatialReferenceH {
	cDef := C.CString(def)
	defer C.free(unsafe.Pointer(cDef))
	return C.newGISOrderSRS(cDef)
}
