package spectral

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogue(t *testing.T) {
	cat := Default()
	require.NotNil(t, cat)

	key, b, ok := cat.LookupBand("NIR")
	require.True(t, ok)
	assert.Equal(t, "N", key)
	assert.Equal(t, 830.0, b.Center())

	key, _, ok = cat.LookupBand("swir16")
	require.True(t, ok)
	assert.Equal(t, "S1", key)

	key, _, ok = cat.LookupBand("SWIR1")
	require.True(t, ok)
	assert.Equal(t, "S1", key)

	key, _, ok = cat.LookupBand("rededge")
	require.True(t, ok)
	assert.Equal(t, "RE1", key)

	_, _, ok = cat.LookupBand("NDVI")
	assert.False(t, ok)

	ndvi, ok := cat.LookupIndex("ndvi")
	require.True(t, ok)
	assert.Equal(t, "(N - R)/(N + R)", ndvi.Formula)
	assert.Equal(t, []string{"N", "R"}, cat.RequiredBands(ndvi))
}

func TestIndexConstants(t *testing.T) {
	cat := Default()

	evi, ok := cat.LookupIndex("EVI")
	require.True(t, ok)
	assert.Equal(t, []string{"N", "R", "B"}, cat.RequiredBands(evi))
	g, ok := cat.ConstantValue(evi, "g")
	assert.True(t, ok)
	assert.Equal(t, 2.5, g)

	savi, ok := cat.LookupIndex("SAVI")
	require.True(t, ok)
	l, ok := cat.ConstantValue(savi, "L")
	assert.True(t, ok)
	assert.Equal(t, 0.5, l, "index level constants override catalogue defaults")

	_, ok = cat.ConstantValue(savi, "nope")
	assert.False(t, ok)
}

func TestLoadUnwrappedIndices(t *testing.T) {
	cat, err := Load(
		[]byte(`{"R": {"short_name": "R", "min_wavelength": 600, "max_wavelength": 700}}`),
		[]byte(`{"RR": {"short_name": "RR", "formula": "R * R", "bands": ["R"]}}`),
		[]byte(`{}`),
	)
	require.NoError(t, err)
	idx, ok := cat.LookupIndex("RR")
	require.True(t, ok)
	assert.Equal(t, "R * R", idx.Formula)

	_, err = Load([]byte(`[`), []byte(`{}`), []byte(`{}`))
	assert.Error(t, err)
}

func TestUnits(t *testing.T) {
	u, ok := NormalizeUnit("Micrometers")
	assert.True(t, ok)
	assert.Equal(t, Micrometers, u)

	nm, ok := ToNanometers(0.865, "µm")
	assert.True(t, ok)
	assert.InDelta(t, 865, nm, 1e-9)

	_, ok = ToNanometers(1, "furlong")
	assert.False(t, ok)

	assert.Equal(t, Micrometers, GuessUnit([]float64{0.48, 0.56, 0.66}))
	assert.Equal(t, Nanometers, GuessUnit([]float64{480, 560}))
}
