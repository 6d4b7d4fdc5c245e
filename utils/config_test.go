package utils

import (
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/nci/eotsv/timeseries"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 4, config.Loading.Threads)
	assert.Equal(t, 50, config.Loading.BlockSize)
	assert.Equal(t, 16, config.Overlap.SampleSize)
	assert.Equal(t, "profile", config.Profile.Field)
	assert.Equal(t, runtime.NumCPU(), config.Tasks.Workers)
	assert.Empty(t, config.WorkerNodes)

	p, err := config.Precision()
	require.NoError(t, err)
	assert.Equal(t, timeseries.Day, p)
	flags, err := config.SensorMatching()
	require.NoError(t, err)
	assert.Equal(t, timeseries.PxDims, flags)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "eotsv.yaml")
	doc := `
loading:
  threads: 8
timeseries:
  precision: Month
  sensor_matching: [PxDims, Name]
worker_nodes:
  - host1:6000
  - host2:6000
gdal:
  GDAL_CACHEMAX: "512"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	t.Setenv("EOTSV_LOADING_BLOCK_SIZE", "25")
	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8, config.Loading.Threads)
	assert.Equal(t, 25, config.Loading.BlockSize)
	assert.Equal(t, []string{"host1:6000", "host2:6000"}, config.WorkerNodes)
	assert.Equal(t, map[string]string{"GDAL_CACHEMAX": "512"}, config.GDALEnv())

	flags, err := config.SensorMatching()
	require.NoError(t, err)
	assert.True(t, flags.Has(timeseries.Name))
}

func TestConfigValidate(t *testing.T) {
	config, err := LoadConfig("")
	require.NoError(t, err)

	bad := *config
	bad.Loading.BlockSize = 0
	assert.Error(t, bad.Validate())

	bad = *config
	bad.TimeSeries.Precision = "Fortnight"
	assert.Error(t, bad.Validate())

	bad = *config
	bad.Logging.Format = "xml"
	assert.Error(t, bad.Validate())

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger("debug", "json")
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(-1))

	_, err = NewLogger("loud", "console")
	assert.Error(t, err)

	ml, err := NewMetricsLogger(LoggingConfig{}, log)
	require.NoError(t, err)
	assert.NotNil(t, ml)
}

func TestWatchConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eotsv.yaml")
	require.NoError(t, os.WriteFile(path, []byte("loading:\n  threads: 2\n"), 0644))
	config, err := LoadConfig(path)
	require.NoError(t, err)

	current := new(atomic.Pointer[Config])
	current.Store(config)
	reloaded := make(chan int, 1)
	stop := WatchConfig(path, current, zap.NewNop(), func(c *Config) { reloaded <- c.Loading.Threads })
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("loading:\n  threads: 6\n"), 0644))
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGHUP))

	select {
	case n := <-reloaded:
		assert.Equal(t, 6, n)
	case <-time.After(5 * time.Second):
		t.Fatal("config not reloaded")
	}
	assert.Equal(t, 6, current.Load().Loading.Threads)
}
