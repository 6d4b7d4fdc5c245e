package spectral

import "strings"

const (
	Nanometers  = "nm"
	Micrometers = "μm"
	Millimeters = "mm"
	Centimeters = "cm"
	Meters      = "m"
)

var unitSynonyms = map[string]string{
	"nm":          Nanometers,
	"nanometer":   Nanometers,
	"nanometers":  Nanometers,
	"nanometre":   Nanometers,
	"nanometres":  Nanometers,
	"μm":          Micrometers,
	"µm":          Micrometers,
	"um":          Micrometers,
	"micron":      Micrometers,
	"microns":     Micrometers,
	"micrometer":  Micrometers,
	"micrometers": Micrometers,
	"micrometre":  Micrometers,
	"micrometres": Micrometers,
	"mm":          Millimeters,
	"millimeter":  Millimeters,
	"millimeters": Millimeters,
	"cm":          Centimeters,
	"centimeter":  Centimeters,
	"centimeters": Centimeters,
	"m":           Meters,
	"meter":       Meters,
	"meters":      Meters,
	"metre":       Meters,
	"metres":      Meters,
}

var toNanometers = map[string]float64{
	Nanometers:  1,
	Micrometers: 1e3,
	Millimeters: 1e6,
	Centimeters: 1e7,
	Meters:      1e9,
}

// NormalizeUnit maps a wavelength unit spelling onto its SI symbol.
func NormalizeUnit(unit string) (string, bool) {
	u, ok := unitSynonyms[strings.ToLower(strings.TrimSpace(unit))]
	return u, ok
}

func ToNanometers(value float64, unit string) (float64, bool) {
	u, ok := NormalizeUnit(unit)
	if !ok {
		return 0, false
	}
	return value * toNanometers[u], true
}

// GuessUnit picks a unit for wavelengths that came without one. Values
// below 100 are taken as micrometers.
func GuessUnit(wavelengths []float64) string {
	for _, wl := range wavelengths {
		if wl >= 100 {
			return Nanometers
		}
	}
	return Micrometers
}
