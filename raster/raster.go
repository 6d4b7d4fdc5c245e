// Package raster defines the read-only view of raster datasets used by the
// time series core. Backends implement Opener.
package raster

import (
	"time"

	"github.com/nci/eotsv/geo"
)

// DataType follows the GDALDataType enumeration so that sensor
// identities stay comparable across backends.
type DataType int

const (
	Unknown DataType = iota
	Byte
	UInt16
	Int16
	UInt32
	Int32
	Float32
	Float64
	CInt16
	CInt32
	CFloat32
	CFloat64
)

var dataTypeNames = map[DataType]string{
	Unknown: "Unknown", Byte: "Byte", UInt16: "UInt16", Int16: "Int16",
	UInt32: "UInt32", Int32: "Int32", Float32: "Float32", Float64: "Float64",
	CInt16: "CInt16", CInt32: "CInt32", CFloat32: "CFloat32", CFloat64: "CFloat64",
}

func (dt DataType) String() string {
	if name, ok := dataTypeNames[dt]; ok {
		return name
	}
	return "Unknown"
}

func ParseDataType(name string) DataType {
	for dt, n := range dataTypeNames {
		if n == name {
			return dt
		}
	}
	return Unknown
}

type Band interface {
	Description() string
	Metadata(domain string) map[string]string
	NoData() (float64, bool)
	// ReadPixel returns the value of the pixel at column x, row y.
	ReadPixel(x, y int) (float64, error)
}

type Dataset interface {
	URI() string
	Driver() string
	RasterCount() int
	XSize() int
	YSize() int
	GeoTransform() geo.GeoTransform
	ProjectionWKT() string
	DataType() DataType
	// Metadata returns the key/value items of a metadata domain; "" is the
	// default domain.
	Metadata(domain string) map[string]string
	// FileList lists the files making up the dataset, main file first.
	FileList() []string
	// Band is 1-based.
	Band(i int) (Band, error)
	Close() error
}

// TemporalDataset is implemented by datasets that carry a fixed temporal
// range of their own, such as layers restored from a saved session.
type TemporalDataset interface {
	TemporalRange() (time.Time, time.Time, bool)
}

type Opener interface {
	Open(uri string) (Dataset, error)
}

type OpenerFunc func(uri string) (Dataset, error)

func (f OpenerFunc) Open(uri string) (Dataset, error) {
	return f(uri)
}

// Footprint returns the native footprint polygon of a dataset.
func Footprint(ds Dataset) geo.Polygon {
	return ds.GeoTransform().Footprint(ds.XSize(), ds.YSize())
}
