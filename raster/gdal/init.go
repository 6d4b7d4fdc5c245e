package gdal

// #include "gdal.h"
// #include "gdal_frmts.h"
// #cgo pkg-config: gdal
import "C"

import (
	"os"
	"path/filepath"
)

// InitGdal applies environment defaults and registers drivers with the
// common EO formats first. Values in env override the built-in defaults
// but never the process environment.
func InitGdal(env map[string]string) {
	for k, v := range env {
		setDefaultEnv(k, v)
	}
	setDefaultEnv("GDAL_PAM_ENABLED", "NO")
	setDefaultEnv("GDAL_DISABLE_READDIR_ON_OPEN", "NO")
	setDefaultEnv("GDAL_MAX_DATASET_POOL_SIZE", "64")

	exeFilePath, err := os.Executable()
	if err == nil {
		setDefaultEnv("GDAL_DRIVER_PATH", filepath.Dir(exeFilePath))
	}

	registerDrivers()
}

func setDefaultEnv(envVar string, defaultVal string) {
	if _, ok := os.LookupEnv(envVar); !ok {
		os.Setenv(envVar, defaultVal)
	}
}

func registerDrivers() {
	var haveGTiff, haveJP2OpenJPEG, haveHDF4, haveHDF5, haveNetCDF bool

	C.GDALAllRegister()
	for i := 0; i < int(C.GDALGetDriverCount()); i++ {
		driver := C.GDALGetDriver(C.int(i))
		switch C.GoString(C.GDALGetDriverShortName(driver)) {
		case "GTiff":
			haveGTiff = true
		case "JP2OpenJPEG":
			haveJP2OpenJPEG = true
		case "HDF4":
			haveHDF4 = true
		case "HDF5":
			haveHDF5 = true
		case "netCDF":
			haveNetCDF = true
		}
	}

	// drivers are probed in registration order on open
	for C.GDALGetDriverCount() > 0 {
		C.GDALDeregisterDriver(C.GDALGetDriver(0))
	}

	if haveGTiff {
		C.GDALRegister_GTiff()
	}
	if haveJP2OpenJPEG {
		C.GDALRegister_JP2OpenJPEG()
	}
	if haveHDF4 {
		C.GDALRegister_HDF4()
	}
	if haveHDF5 {
		C.GDALRegister_HDF5()
	}
	if haveNetCDF {
		C.GDALRegister_netCDF()
	}
	C.GDALAllRegister()
}
