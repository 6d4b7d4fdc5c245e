package metrics

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memLogger struct {
	infos []*MetricsInfo
}

func (l *memLogger) Log(info *MetricsInfo) {
	l.infos = append(l.infos, info)
}

func TestCollector(t *testing.T) {
	logger := &memLogger{}
	mc := NewMetricsCollector("load", logger)
	mc.Update(func(info *MetricsInfo) {
		info.Loader = &LoaderInfo{NumFiles: 3, NumValid: 2, NumInvalid: 1}
	})
	mc.Log()

	require.Len(t, logger.infos, 1)
	info := logger.infos[0]
	assert.Equal(t, "load", info.Task)
	assert.Equal(t, 2, info.Loader.NumValid)

	js, err := info.ToJSON()
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(js), &doc))
	assert.Contains(t, doc, "loader")
	assert.NotContains(t, doc, "overlap")

	var nilCollector *MetricsCollector
	nilCollector.Update(func(info *MetricsInfo) { t.Fatal("called on nil collector") })
	nilCollector.Log()
}

func TestToJSONNoEscape(t *testing.T) {
	info := &MetricsInfo{Task: "overlap", Overlap: &OverlapInfo{Extent: "POLYGON ((0 0,1 0,1 1,0 0))"}}
	js, err := info.ToJSON()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(js, "\n"))
	assert.NotContains(t, js, `<`)
}

func TestFileLoggerRotation(t *testing.T) {
	dir := t.TempDir()
	l, err := NewFileLogger(dir, 10, 2, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		l.Log(&MetricsInfo{Task: "t", TaskDuration: time.Duration(i)})
	}
	l.Close()

	files, err := filepath.Glob(filepath.Join(dir, "metrics.log*"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(files), 3)
	assert.Contains(t, files, filepath.Join(dir, "metrics.log"))

	f, err := os.Open(filepath.Join(dir, "metrics.log"))
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() {
		var info MetricsInfo
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &info))
		lines++
	}
	assert.Equal(t, 1, lines)
}

func TestPipelineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPipelineMetrics(reg)

	m.SourceLoaded(true)
	m.SourceLoaded(true)
	m.SourceLoaded(false)
	m.SourceError("no valid date")
	m.OverlapTested("visible", 4)
	m.ProfileRecords(2, 6)
	m.TaskFinished("load", "complete", time.Second)
	m.CatalogueSize(3, 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sourcesLoaded.WithLabelValues("valid")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.pixelReads))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.profileObs))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.catalogueSource))

	var nilMetrics *PipelineMetrics
	nilMetrics.SourceLoaded(true)
	nilMetrics.ProfilePhase("sample", time.Millisecond)
}
