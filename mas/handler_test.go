package mas

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler(t *testing.T) {
	store := &fakeStore{payload: response}
	srv := httptest.NewServer(Handler(NewSourceIndex(store, nil, nil)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/g/data/ls8?sources&wkt=POINT(150%20-35)&time=2015-01-01&namespace=red,nir")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, []string{"/g/data/ls8/b.tif"}, out["sources"])
	assert.Equal(t, "/g/data/ls8", store.last.Collection)
	assert.Equal(t, "POINT(150 -35)", store.last.WKT)
	assert.Equal(t, []string{"red", "nir"}, store.last.Namespaces)
	assert.Equal(t, time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC), store.last.Start)

	resp, err = http.Get(srv.URL + "/g/data/ls8?intersects")
	require.NoError(t, err)
	var md MetadataResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&md))
	resp.Body.Close()
	assert.Len(t, md.GDALDatasets, 3)

	for _, path := range []string{"/g/data/ls8", "/g/data/ls8?sources&time=yesterday"} {
		resp, err = http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}
