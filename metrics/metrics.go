package metrics

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"
)

type LoaderInfo struct {
	Duration   time.Duration  `json:"duration"`
	NumFiles   int            `json:"num_files"`
	NumValid   int            `json:"num_valid"`
	NumInvalid int            `json:"num_invalid"`
	Errors     map[string]int `json:"errors,omitempty"`
	Threads    int            `json:"threads"`
	BlockSize  int            `json:"block_size"`
	NumBatches int            `json:"num_batches"`
}

type OverlapInfo struct {
	Duration   time.Duration `json:"duration"`
	Extent     string        `json:"extent"`
	CRS        string        `json:"-"`
	SampleSize int           `json:"sample_size"`
	NumSources int           `json:"num_sources"`
	NumTested  int           `json:"num_tested"`
	NumVisible int           `json:"num_visible"`
	NumErrors  int           `json:"num_errors"`
}

// ProfileInfo carries the per phase timings of a profile extraction,
// summed over all sources.
type ProfileInfo struct {
	Duration   time.Duration `json:"duration"`
	NumSources int           `json:"num_sources"`
	NumPoints  int           `json:"num_points"`
	NumRecords int           `json:"num_records"`
	NumErrors  int           `json:"num_errors"`
	InitLayer  time.Duration `json:"init_layer"`
	SidDtg     time.Duration `json:"sid_dtg"`
	Sample     time.Duration `json:"sample"`
	BytesRPC   int64         `json:"bytes_rpc"`
	RemoteAddr []string      `json:"remote_addr,omitempty"`
}

type MetricsInfo struct {
	TaskTime     string        `json:"task_time"`
	TaskDuration time.Duration `json:"task_duration"`
	Task         string        `json:"task"`
	Loader       *LoaderInfo   `json:"loader,omitempty"`
	Overlap      *OverlapInfo  `json:"overlap,omitempty"`
	Profile      *ProfileInfo  `json:"profile,omitempty"`
}

// MetricsCollector accumulates the metrics of one task. Pipelines update
// Info through Update so that worker goroutines can report concurrently.
type MetricsCollector struct {
	Info   *MetricsInfo
	logger Logger
	start  time.Time
	mu     sync.Mutex
}

func NewMetricsCollector(task string, logger Logger) *MetricsCollector {
	now := time.Now()
	return &MetricsCollector{
		Info: &MetricsInfo{
			TaskTime: now.UTC().Format(ISOFormat),
			Task:     task,
		},
		logger: logger,
		start:  now,
	}
}

// Update runs fn with exclusive access to the collected info. It is a
// no-op on a nil collector.
func (m *MetricsCollector) Update(fn func(info *MetricsInfo)) {
	if m == nil {
		return
	}
	m.mu.Lock()
	fn(m.Info)
	m.mu.Unlock()
}

// Log stamps the task duration and hands the info to the logger.
func (m *MetricsCollector) Log() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.Info.TaskDuration = time.Since(m.start)
	info := *m.Info
	m.mu.Unlock()
	if m.logger != nil {
		m.logger.Log(&info)
	}
}

const ISOFormat = "2006-01-02T15:04:05.000Z"

func (i *MetricsInfo) ToJSON() (string, error) {
	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(i); err != nil {
		return "", err
	}
	return buf.String(), nil
}
