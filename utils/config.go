package utils

import (
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/nci/eotsv/timeseries"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var EtcDir = "."

// string used to format Go ISO times
const ISOFormat = "2006-01-02T15:04:05.000Z"

const EnvPrefix = "EOTSV"

type LoadingConfig struct {
	Threads   int `mapstructure:"threads"`
	BlockSize int `mapstructure:"block_size"`
}

type OverlapConfig struct {
	Threads    int `mapstructure:"threads"`
	SampleSize int `mapstructure:"sample_size"`
}

type ProfileConfig struct {
	Threads int    `mapstructure:"threads"`
	Field   string `mapstructure:"field"`
	// LayerDir keeps extracted profiles on disk; empty keeps them in memory.
	LayerDir string `mapstructure:"layer_dir"`
}

type TimeSeriesConfig struct {
	Precision      string   `mapstructure:"precision"`
	SensorMatching []string `mapstructure:"sensor_matching"`
}

type TasksConfig struct {
	Workers int `mapstructure:"workers"`
}

type MASConfig struct {
	DSN        string `mapstructure:"dsn"`
	Memcache   string `mapstructure:"memcache"`
	Collection string `mapstructure:"collection"`
}

type LoggingConfig struct {
	Level          string `mapstructure:"level"`
	Format         string `mapstructure:"format"`
	MetricsDir     string `mapstructure:"metrics_dir"`
	MaxLogFileSize int64  `mapstructure:"max_log_file_size"`
	MaxLogFiles    int    `mapstructure:"max_log_files"`
}

// Config holds the settings shared by the command line tools and the
// sampling server.
type Config struct {
	Loading     LoadingConfig     `mapstructure:"loading"`
	Overlap     OverlapConfig     `mapstructure:"overlap"`
	Profile     ProfileConfig     `mapstructure:"profile"`
	TimeSeries  TimeSeriesConfig  `mapstructure:"timeseries"`
	Tasks       TasksConfig       `mapstructure:"tasks"`
	WorkerNodes []string          `mapstructure:"worker_nodes"`
	MAS         MASConfig         `mapstructure:"mas"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	GDAL        map[string]string `mapstructure:"gdal"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("loading.threads", 4)
	v.SetDefault("loading.block_size", 50)
	v.SetDefault("overlap.threads", 4)
	v.SetDefault("overlap.sample_size", 16)
	v.SetDefault("profile.threads", 4)
	v.SetDefault("profile.field", "profile")
	v.SetDefault("profile.layer_dir", "")
	v.SetDefault("timeseries.precision", "Day")
	v.SetDefault("timeseries.sensor_matching", []string{"PxDims"})
	v.SetDefault("tasks.workers", runtime.NumCPU())
	v.SetDefault("worker_nodes", []string{})
	v.SetDefault("mas.dsn", "")
	v.SetDefault("mas.memcache", "")
	v.SetDefault("mas.collection", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.metrics_dir", "")
	v.SetDefault("logging.max_log_file_size", 64*1024*1024)
	v.SetDefault("logging.max_log_files", 10)
}

// LoadConfig reads defaults, then the optional config file, then
// EOTSV_ prefixed environment variables such as EOTSV_LOADING_THREADS.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "error reading config file %s", configFile)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "error unmarshaling config")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return &config, nil
}

func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"loading.threads", c.Loading.Threads},
		{"loading.block_size", c.Loading.BlockSize},
		{"overlap.threads", c.Overlap.Threads},
		{"overlap.sample_size", c.Overlap.SampleSize},
		{"profile.threads", c.Profile.Threads},
		{"tasks.workers", c.Tasks.Workers},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return errors.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}
	if _, err := c.Precision(); err != nil {
		return err
	}
	if _, err := c.SensorMatching(); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return errors.Errorf("unknown log format %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) Precision() (timeseries.Precision, error) {
	return timeseries.ParsePrecision(c.TimeSeries.Precision)
}

func (c *Config) SensorMatching() (timeseries.SensorMatching, error) {
	return timeseries.ParseSensorMatching(c.TimeSeries.SensorMatching)
}

// GDALEnv returns the gdal section keyed by upper case variable names.
func (c *Config) GDALEnv() map[string]string {
	env := make(map[string]string, len(c.GDAL))
	for k, v := range c.GDAL {
		env[strings.ToUpper(k)] = v
	}
	return env
}

// WatchConfig reloads the config file into current on SIGHUP and then calls
// onReload, if set. A file that fails to load leaves the current config in
// place.
func WatchConfig(configFile string, current *atomic.Pointer[Config], log *zap.Logger, onReload func(*Config)) func() {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sighup:
				log.Info("caught SIGHUP, reloading config", zap.String("file", configFile))
				config, err := LoadConfig(configFile)
				if err != nil {
					log.Error("error in loading config file", zap.Error(err))
					continue
				}
				current.Store(config)
				if onReload != nil {
					onReload(config)
				}
			case <-done:
				signal.Stop(sighup)
				return
			}
		}
	}()
	return func() { close(done) }
}
