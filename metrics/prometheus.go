package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eotsv"

// PipelineMetrics exports pipeline counters. All methods are safe on a nil
// receiver so that pipelines can run without a registry.
type PipelineMetrics struct {
	sourcesLoaded   *prometheus.CounterVec
	sourceErrors    *prometheus.CounterVec
	overlapTests    *prometheus.CounterVec
	pixelReads      prometheus.Counter
	profileRecords  prometheus.Counter
	profileObs      prometheus.Counter
	taskDuration    *prometheus.HistogramVec
	profilePhase    *prometheus.HistogramVec
	catalogueDates  prometheus.Gauge
	catalogueSource prometheus.Gauge
}

func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	factory := promauto.With(reg)
	return &PipelineMetrics{
		sourcesLoaded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "sources_total",
			Help:      "Number of raster sources processed by the loading pipeline",
		}, []string{"result"}),
		sourceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "source_errors_total",
			Help:      "Number of sources rejected, by error kind",
		}, []string{"kind"}),
		overlapTests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "overlap",
			Name:      "tests_total",
			Help:      "Number of per-source overlap tests, by outcome",
		}, []string{"result"}),
		pixelReads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "overlap",
			Name:      "pixel_reads_total",
			Help:      "Number of single pixel reads issued by overlap sampling",
		}),
		profileRecords: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "profile",
			Name:      "records_total",
			Help:      "Number of temporal profile records produced",
		}),
		profileObs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "profile",
			Name:      "observations_total",
			Help:      "Number of observations appended to temporal profiles",
		}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "duration_seconds",
			Help:      "Task run time",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"task", "status"}),
		profilePhase: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "profile",
			Name:      "phase_seconds",
			Help:      "Per source time spent in each profile loading phase",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"phase"}),
		catalogueDates: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "catalogue",
			Name:      "dates",
			Help:      "Number of date buckets in the catalogue",
		}),
		catalogueSource: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "catalogue",
			Name:      "sources",
			Help:      "Number of sources in the catalogue",
		}),
	}
}

func (m *PipelineMetrics) SourceLoaded(valid bool) {
	if m == nil {
		return
	}
	if valid {
		m.sourcesLoaded.WithLabelValues("valid").Inc()
	} else {
		m.sourcesLoaded.WithLabelValues("invalid").Inc()
	}
}

func (m *PipelineMetrics) SourceError(kind string) {
	if m == nil {
		return
	}
	m.sourceErrors.WithLabelValues(kind).Inc()
}

func (m *PipelineMetrics) OverlapTested(result string, reads int) {
	if m == nil {
		return
	}
	m.overlapTests.WithLabelValues(result).Inc()
	m.pixelReads.Add(float64(reads))
}

func (m *PipelineMetrics) ProfileRecords(records, observations int) {
	if m == nil {
		return
	}
	m.profileRecords.Add(float64(records))
	m.profileObs.Add(float64(observations))
}

func (m *PipelineMetrics) ProfilePhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.profilePhase.WithLabelValues(phase).Observe(d.Seconds())
}

func (m *PipelineMetrics) TaskFinished(task, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(task, status).Observe(d.Seconds())
}

func (m *PipelineMetrics) CatalogueSize(dates, sources int) {
	if m == nil {
		return
	}
	m.catalogueDates.Set(float64(dates))
	m.catalogueSource.Set(float64(sources))
}
