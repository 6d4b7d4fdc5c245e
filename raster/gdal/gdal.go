// Package gdal opens rasters and transforms coordinates through the GDAL C
// library.
package gdal

// #include <stdlib.h>
// #include "gdal.h"
// #include "cpl_string.h"
// #include "cpl_error.h"
// #cgo pkg-config: gdal
import "C"

import (
	"strings"
	"sync"
	"unsafe"

	"github.com/nci/eotsv/geo"
	"github.com/nci/eotsv/raster"
	"github.com/pkg/errors"
)

// Opener opens datasets read-only. Every dataset handle must be used from
// one goroutine at a time; the wrapper serialises pixel reads.
type Opener struct{}

func (Opener) Open(uri string) (raster.Dataset, error) {
	cPath := C.CString(uri)
	defer C.free(unsafe.Pointer(cPath))
	hDataset := C.GDALOpen(cPath, C.GA_ReadOnly)
	if hDataset == nil {
		msg := C.GoString(C.CPLGetLastErrorMsg())
		return nil, errors.Errorf("GDAL could not open dataset %s: %s", uri, msg)
	}
	return &dataset{h: hDataset, uri: uri}, nil
}

type dataset struct {
	h   C.GDALDatasetH
	uri string
	mu  sync.Mutex
}

func (ds *dataset) URI() string {
	return ds.uri
}

func (ds *dataset) Driver() string {
	hDriver := C.GDALGetDatasetDriver(ds.h)
	if hDriver == nil {
		return ""
	}
	return C.GoString(C.GDALGetDriverShortName(hDriver))
}

func (ds *dataset) RasterCount() int {
	return int(C.GDALGetRasterCount(ds.h))
}

func (ds *dataset) XSize() int {
	return int(C.GDALGetRasterXSize(ds.h))
}

func (ds *dataset) YSize() int {
	return int(C.GDALGetRasterYSize(ds.h))
}

func (ds *dataset) GeoTransform() geo.GeoTransform {
	dArr := [6]C.double{}
	if C.GDALGetGeoTransform(ds.h, &dArr[0]) != C.CE_None {
		return geo.GeoTransform{0, 1, 0, 0, 0, 1}
	}
	return *(*geo.GeoTransform)(unsafe.Pointer(&dArr))
}

func (ds *dataset) ProjectionWKT() string {
	return C.GoString(C.GDALGetProjectionRef(ds.h))
}

func (ds *dataset) DataType() raster.DataType {
	if ds.RasterCount() == 0 {
		return raster.Unknown
	}
	hBand := C.GDALGetRasterBand(ds.h, 1)
	return raster.DataType(C.GDALGetRasterDataType(hBand))
}

func (ds *dataset) Metadata(domain string) map[string]string {
	return metadata(C.GDALMajorObjectH(ds.h), domain)
}

func (ds *dataset) FileList() []string {
	list := C.GDALGetFileList(ds.h)
	if list == nil {
		return []string{ds.uri}
	}
	defer C.CSLDestroy(list)
	return stringList(list)
}

func (ds *dataset) Band(i int) (raster.Band, error) {
	if i < 1 || i > ds.RasterCount() {
		return nil, errors.Errorf("band %d out of range 1..%d", i, ds.RasterCount())
	}
	return &band{h: C.GDALGetRasterBand(ds.h, C.int(i)), ds: ds}, nil
}

func (ds *dataset) Close() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.h != nil {
		C.GDALClose(ds.h)
		ds.h = nil
	}
	return nil
}

type band struct {
	h  C.GDALRasterBandH
	ds *dataset
}

func (b *band) Description() string {
	return C.GoString(C.GDALGetDescription(C.GDALMajorObjectH(b.h)))
}

func (b *band) Metadata(domain string) map[string]string {
	return metadata(C.GDALMajorObjectH(b.h), domain)
}

func (b *band) NoData() (float64, bool) {
	var hasNoData C.int
	val := C.GDALGetRasterNoDataValue(b.h, &hasNoData)
	return float64(val), hasNoData != 0
}

func (b *band) ReadPixel(x, y int) (float64, error) {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	if b.ds.h == nil {
		return 0, errors.New("dataset closed")
	}
	var val C.double
	ret := C.GDALRasterIO(b.h, C.GF_Read, C.int(x), C.int(y), 1, 1, unsafe.Pointer(&val), 1, 1, C.GDT_Float64, 0, 0)
	if ret != C.CE_None {
		return 0, errors.Errorf("GDALRasterIO(%d,%d) on %s: %s", x, y, b.ds.uri, C.GoString(C.CPLGetLastErrorMsg()))
	}
	return float64(val), nil
}

func metadata(hObj C.GDALMajorObjectH, domain string) map[string]string {
	var cDomain *C.char
	if domain != "" {
		cDomain = C.CString(domain)
		defer C.free(unsafe.Pointer(cDomain))
	}
	md := C.GDALGetMetadata(hObj, cDomain)
	out := make(map[string]string)
	for _, item := range stringList(md) {
		if idx := strings.IndexByte(item, '='); idx > 0 {
			out[item[:idx]] = item[idx+1:]
		}
	}
	return out
}

func stringList(list **C.char) []string {
	if list == nil {
		return nil
	}
	n := int(C.CSLCount(list))
	items := (*[1 << 28]*C.char)(unsafe.Pointer(list))[:n:n]
	out := make([]string, n)
	for i, s := range items {
		out[i] = C.GoString(s)
	}
	return out
}
