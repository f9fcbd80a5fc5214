package retrieval

import (
	"time"

	"github.com/gciqs/gciqs/pkg/metrics"
)

// BuildReport describes one finished build attempt.
type BuildReport struct {
	Documents  int
	Vocabulary int
	Generation uint64
	Duration   time.Duration
	Err        error
}

// Observer receives retriever timings. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveStage(stage string, d time.Duration)
	ObserveBuild(report BuildReport)
}

type nopObserver struct{}

func (nopObserver) ObserveStage(string, time.Duration) {}
func (nopObserver) ObserveBuild(BuildReport)           {}

// MetricsObserver records retriever timings in Prometheus collectors.
type MetricsObserver struct {
	m *metrics.Metrics
}

// NewMetricsObserver returns an Observer backed by m.
func NewMetricsObserver(m *metrics.Metrics) *MetricsObserver {
	return &MetricsObserver{m: m}
}

func (o *MetricsObserver) ObserveStage(stage string, d time.Duration) {
	o.m.SearchLatency.WithLabelValues(stage).Observe(d.Seconds())
}

func (o *MetricsObserver) ObserveBuild(report BuildReport) {
	if report.Err != nil {
		o.m.IndexBuildsTotal.WithLabelValues("error").Inc()
		return
	}
	o.m.IndexBuildsTotal.WithLabelValues("ok").Inc()
	o.m.IndexBuildDuration.Observe(report.Duration.Seconds())
	o.m.IndexDocuments.Set(float64(report.Documents))
	o.m.IndexVocabulary.Set(float64(report.Vocabulary))
	o.m.IndexGeneration.Set(float64(report.Generation))
}
