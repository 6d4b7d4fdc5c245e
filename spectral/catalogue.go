// Package spectral holds the band identifier, spectral index and constant
// catalogues used to resolve symbolic band names.
package spectral

import (
	"embed"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

//go:embed data/*.json
var dataFS embed.FS

type BandInfo struct {
	ShortName     string   `json:"short_name"`
	LongName      string   `json:"long_name"`
	CommonName    string   `json:"common_name,omitempty"`
	MinWavelength float64  `json:"min_wavelength"`
	MaxWavelength float64  `json:"max_wavelength"`
	Platforms     []string `json:"platforms"`
}

// Center returns the centre wavelength in nanometers.
func (b BandInfo) Center() float64 {
	return (b.MinWavelength + b.MaxWavelength) / 2
}

type Index struct {
	ShortName string             `json:"short_name"`
	LongName  string             `json:"long_name"`
	Formula   string             `json:"formula"`
	Bands     []string           `json:"bands"`
	Constants map[string]float64 `json:"constants,omitempty"`
	Domain    string             `json:"domain"`
	Platforms []string           `json:"platforms"`
	Reference string             `json:"reference"`
}

type Constant struct {
	ShortName   string   `json:"short_name"`
	Description string   `json:"description"`
	Default     float64  `json:"default"`
	Value       *float64 `json:"value"`
}

func (c Constant) Float() float64 {
	if c.Value != nil {
		return *c.Value
	}
	return c.Default
}

// Catalogue is read-only after Load.
type Catalogue struct {
	Bands     map[string]BandInfo
	Indices   map[string]Index
	Constants map[string]Constant

	bandNames  map[string]string
	indexNames map[string]string
}

// Common spelled-out names that do not appear as short or common names in
// the band catalogue.
var bandAliases = map[string]string{
	"NIR":     "N",
	"NIR2":    "N2",
	"SWIR1":   "S1",
	"SWIR2":   "S2",
	"RED":     "R",
	"GREEN":   "G",
	"BLUE":    "B",
	"REDEDGE": "RE1",
	"TIR1":    "T1",
	"TIR2":    "T2",
}

// Load parses the three catalogue documents. The index document may be
// wrapped in a top level "SpectralIndices" object.
func Load(bands, indices, constants []byte) (*Catalogue, error) {
	c := &Catalogue{
		bandNames:  make(map[string]string),
		indexNames: make(map[string]string),
	}
	if err := json.Unmarshal(bands, &c.Bands); err != nil {
		return nil, errors.Wrap(err, "bands catalogue")
	}
	if err := json.Unmarshal(constants, &c.Constants); err != nil {
		return nil, errors.Wrap(err, "constants catalogue")
	}

	var wrapped struct {
		SpectralIndices map[string]Index `json:"SpectralIndices"`
	}
	if err := json.Unmarshal(indices, &wrapped); err == nil && wrapped.SpectralIndices != nil {
		c.Indices = wrapped.SpectralIndices
	} else if err := json.Unmarshal(indices, &c.Indices); err != nil {
		return nil, errors.Wrap(err, "spectral index catalogue")
	}

	keys := make([]string, 0, len(c.Bands))
	for key := range c.Bands {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		b := c.Bands[key]
		for _, name := range []string{b.ShortName, b.CommonName} {
			if name == "" {
				continue
			}
			if _, taken := c.bandNames[strings.ToUpper(name)]; !taken {
				c.bandNames[strings.ToUpper(name)] = key
			}
		}
	}
	// keys win over short and common names
	for key := range c.Bands {
		c.bandNames[strings.ToUpper(key)] = key
	}
	for alias, key := range bandAliases {
		if _, ok := c.Bands[key]; !ok {
			continue
		}
		if _, taken := c.bandNames[alias]; !taken {
			c.bandNames[alias] = key
		}
	}
	for key := range c.Indices {
		c.indexNames[strings.ToUpper(key)] = key
	}
	return c, nil
}

var (
	defaultOnce sync.Once
	defaultCat  *Catalogue
)

// Default returns the catalogue shipped with the package.
func Default() *Catalogue {
	defaultOnce.Do(func() {
		read := func(name string) []byte {
			data, err := dataFS.ReadFile("data/" + name)
			if err != nil {
				panic(err)
			}
			return data
		}
		cat, err := Load(read("bands.json"), read("spectral-indices-dict.json"), read("constants.json"))
		if err != nil {
			panic(err)
		}
		defaultCat = cat
	})
	return defaultCat
}

// LookupBand resolves a band identifier, matching the catalogue key
// exactly first and then keys, short names, common names and aliases
// without regard to case.
func (c *Catalogue) LookupBand(name string) (string, BandInfo, bool) {
	if b, ok := c.Bands[name]; ok {
		return name, b, true
	}
	if key, ok := c.bandNames[strings.ToUpper(strings.TrimSpace(name))]; ok {
		return key, c.Bands[key], true
	}
	return "", BandInfo{}, false
}

func (c *Catalogue) LookupIndex(name string) (Index, bool) {
	if idx, ok := c.Indices[name]; ok {
		return idx, true
	}
	if key, ok := c.indexNames[strings.ToUpper(strings.TrimSpace(name))]; ok {
		return c.Indices[key], true
	}
	return Index{}, false
}

// IsConstant reports whether name is a constant of the catalogue or of
// the index itself.
func (c *Catalogue) IsConstant(idx Index, name string) bool {
	if _, ok := idx.Constants[name]; ok {
		return true
	}
	_, ok := c.Constants[name]
	return ok
}

// ConstantValue returns the value of a constant, preferring the index's
// own setting over the catalogue default.
func (c *Catalogue) ConstantValue(idx Index, name string) (float64, bool) {
	if v, ok := idx.Constants[name]; ok {
		return v, true
	}
	if k, ok := c.Constants[name]; ok {
		return k.Float(), true
	}
	return 0, false
}

// RequiredBands lists the band identifiers an index needs, constants
// excluded, in catalogue order.
func (c *Catalogue) RequiredBands(idx Index) []string {
	var bands []string
	for _, name := range idx.Bands {
		if !c.IsConstant(idx, name) {
			bands = append(bands, name)
		}
	}
	return bands
}

func (c *Catalogue) IndexNames() []string {
	names := make([]string, 0, len(c.Indices))
	for name := range c.Indices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
