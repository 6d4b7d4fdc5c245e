package timeseries

import (
	"encoding/json"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nci/eotsv/raster"
	"github.com/nci/eotsv/spectral"
	"github.com/pkg/errors"
)

// SensorMatching selects which parts of a sensor identity must agree for
// two rasters to share a sensor. PxDims is always implied.
type SensorMatching int

const (
	PxDims SensorMatching = 1 << iota
	Wavelengths
	Name
)

var matchingNames = []struct {
	flag SensorMatching
	name string
}{{PxDims, "PxDims"}, {Wavelengths, "Wavelengths"}, {Name, "Name"}}

func (f SensorMatching) Has(flag SensorMatching) bool {
	return f&flag == flag
}

func (f SensorMatching) String() string {
	var names []string
	for _, m := range matchingNames {
		if f.Has(m.flag) {
			names = append(names, m.name)
		}
	}
	return strings.Join(names, "|")
}

func (f SensorMatching) Names() []string {
	return strings.Split(f.String(), "|")
}

func ParseSensorMatching(names []string) (SensorMatching, error) {
	f := PxDims
	for _, n := range names {
		found := false
		for _, m := range matchingNames {
			if strings.EqualFold(strings.TrimSpace(n), m.name) {
				f |= m.flag
				found = true
			}
		}
		if !found {
			return PxDims, errors.Errorf("unknown sensor matching flag %q", n)
		}
	}
	return f, nil
}

// SensorID is the structural fingerprint of a raster. Its canonical JSON
// form is the sensor identity key.
type SensorID struct {
	NB      int             `json:"nb"`
	PxSizeX float64         `json:"px_size_x"`
	PxSizeY float64         `json:"px_size_y"`
	DT      raster.DataType `json:"dt"`
	WL      []float64       `json:"wl"`
	WLU     *string         `json:"wlu"`
	Name    *string         `json:"name"`
}

// String returns the canonical JSON key.
func (s SensorID) String() string {
	b, _ := json.Marshal(s)
	return string(b)
}

func (s SensorID) Validate() error {
	if s.NB < 1 {
		return errors.Wrapf(ErrInvalidSensorID, "band count %d", s.NB)
	}
	if !(s.PxSizeX > 0) || !(s.PxSizeY > 0) {
		return errors.Wrapf(ErrInvalidSensorID, "pixel size %gx%g", s.PxSizeX, s.PxSizeY)
	}
	if s.WL != nil && len(s.WL) != s.NB {
		return errors.Wrapf(ErrInvalidSensorID, "%d wavelengths for %d bands", len(s.WL), s.NB)
	}
	return nil
}

// WavelengthsNM returns the band centre wavelengths in nanometers, or nil
// when the sensor has none.
func (s SensorID) WavelengthsNM() []float64 {
	if s.WL == nil {
		return nil
	}
	unit := spectral.Nanometers
	if s.WLU != nil {
		unit = *s.WLU
	}
	out := make([]float64, len(s.WL))
	for i, wl := range s.WL {
		nm, ok := spectral.ToNanometers(wl, unit)
		if !ok {
			return nil
		}
		out[i] = nm
	}
	return out
}

func (s SensorID) DisplayName() string {
	if s.Name != nil && *s.Name != "" {
		return *s.Name
	}
	return strconv.Itoa(s.NB) + "bands@" + strconv.FormatFloat(s.PxSizeX, 'f', -1, 64) + "m"
}

func ParseSensorID(sid string) (SensorID, error) {
	var s SensorID
	dec := json.NewDecoder(strings.NewReader(sid))
	if err := dec.Decode(&s); err != nil {
		return SensorID{}, errors.Wrapf(ErrInvalidSensorID, "%v", err)
	}
	if err := s.Validate(); err != nil {
		return SensorID{}, err
	}
	return s, nil
}

func (s SensorID) Equal(o SensorID) bool {
	return s.String() == o.String()
}

// Matches reports whether two identities agree on every part selected by
// flags.
func (s SensorID) Matches(o SensorID, flags SensorMatching) bool {
	if s.NB != o.NB || s.PxSizeY != o.PxSizeY || s.PxSizeX != o.PxSizeX || s.DT != o.DT {
		return false
	}
	if flags.Has(Wavelengths) {
		if !equalStringPtr(s.WLU, o.WLU) || len(s.WL) != len(o.WL) || (s.WL == nil) != (o.WL == nil) {
			return false
		}
		for i := range s.WL {
			if s.WL[i] != o.WL[i] {
				return false
			}
		}
	}
	if flags.Has(Name) && !equalStringPtr(s.Name, o.Name) {
		return false
	}
	return true
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// MatchingSensor returns the first of existing that matches sid.
func MatchingSensor(sid SensorID, flags SensorMatching, existing []SensorID) (SensorID, bool) {
	for _, e := range existing {
		if sid.Matches(e, flags|PxDims) {
			return e, true
		}
	}
	return SensorID{}, false
}

var (
	reSensorName = regexp.MustCompile(`(?i)(SATELLITEID|(sensor|product)[ _]?(type|name))\s*=\s*(?P<name>[^<\n;]+)`)
	reWavelength = regexp.MustCompile(`(?i)^(wavelength|central_wavelength|center_wavelength|centre_wavelength)$`)
	reWLUnit     = regexp.MustCompile(`(?i)^(wavelength_units?|units)$`)
	reWLDesc     = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(nm|nanometers?|µm|μm|um|micrometers?|microns?)\b`)
)

// CreateSensorID fingerprints a raster.
func CreateSensorID(ds raster.Dataset) (SensorID, error) {
	nb := ds.RasterCount()
	if nb < 1 {
		return SensorID{}, errors.Wrap(ErrNoSensorID, "raster has no bands")
	}
	psx, psy := ds.GeoTransform().PixelSize()
	if !(psx > 0) || !(psy > 0) {
		return SensorID{}, errors.Wrap(ErrNoSensorID, "raster has no pixel size")
	}
	sid := SensorID{
		NB:      nb,
		PxSizeX: round(psx, 1e9),
		PxSizeY: round(psy, 1e9),
		DT:      ds.DataType(),
	}

	wl, unit := readWavelengths(ds)
	if wl != nil {
		if unit == "" {
			unit = spectral.GuessUnit(wl)
		}
		nm := spectral.Nanometers
		for i := range wl {
			v, _ := spectral.ToNanometers(wl[i], unit)
			wl[i] = round(v, 1e3)
		}
		sid.WL = wl
		sid.WLU = &nm
	}

	if name := readSensorName(ds); name != "" {
		sid.Name = &name
	}
	return sid, nil
}

func round(v, scale float64) float64 {
	return math.Round(v*scale) / scale
}

// readWavelengths looks for per band wavelengths in band metadata, the
// ENVI domain and band descriptions. Partial or unparseable tables yield
// nil.
func readWavelengths(ds raster.Dataset) ([]float64, string) {
	nb := ds.RasterCount()
	unit := ""

	if envi := ds.Metadata("ENVI"); envi != nil {
		if u, ok := spectral.NormalizeUnit(envi["wavelength_units"]); ok {
			unit = u
		}
		if list, ok := envi["wavelength"]; ok {
			if wl := parseFloatList(list); len(wl) == nb {
				return wl, unit
			}
		}
	}

	wl := make([]float64, nb)
	found := 0
	for i := 1; i <= nb; i++ {
		band, err := ds.Band(i)
		if err != nil {
			return nil, ""
		}
		v, u, ok := bandWavelength(band)
		if !ok {
			continue
		}
		if u != "" {
			unit = u
		}
		wl[i-1] = v
		found++
	}
	if found == 0 || found != nb {
		return nil, ""
	}
	return wl, unit
}

func bandWavelength(band raster.Band) (float64, string, bool) {
	for _, domain := range []string{"", "ENVI"} {
		md := band.Metadata(domain)
		unit := ""
		for k, v := range md {
			if reWLUnit.MatchString(k) {
				if u, ok := spectral.NormalizeUnit(v); ok {
					unit = u
				}
			}
		}
		for _, k := range sortedKeys(md) {
			if !reWavelength.MatchString(k) {
				continue
			}
			if v, err := strconv.ParseFloat(strings.TrimSpace(md[k]), 64); err == nil {
				return v, unit, true
			}
		}
	}
	if m := reWLDesc.FindStringSubmatch(band.Description()); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			u, _ := spectral.NormalizeUnit(m[2])
			return v, u, true
		}
	}
	return 0, "", false
}

func parseFloatList(s string) []float64 {
	s = strings.Trim(strings.TrimSpace(s), "{}")
	var out []float64
	for _, item := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(item), 64)
		if err != nil {
			return nil
		}
		out = append(out, v)
	}
	return out
}

func readSensorName(ds raster.Dataset) string {
	for _, domain := range []string{"", "IMAGERY"} {
		md := ds.Metadata(domain)
		for _, k := range sortedKeys(md) {
			if m := reSensorName.FindStringSubmatch(k + "=" + md[k]); m != nil {
				name := strings.TrimSpace(m[reSensorName.SubexpIndex("name")])
				if name != "" {
					return name
				}
			}
		}
	}
	return ""
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
