package mosaic

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the counters shared by the mosaic, tie-point and mask builders.
type Metrics struct {
	DecodeCalls    prometheus.Counter
	DecodeFailures prometheus.Counter
	Builds         *prometheus.CounterVec
	BuildSeconds   *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DecodeCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "s2mosaic",
			Name:      "decode_calls_total",
			Help:      "Number of sub-tile decode calls issued to the tile decoder.",
		}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "s2mosaic",
			Name:      "decode_failures_total",
			Help:      "Number of sub-tile decodes replaced by a background block.",
		}),
		Builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "s2mosaic",
			Name:      "level_builds_total",
			Help:      "Number of level rasters built, by kind.",
		}, []string{"kind"}),
		BuildSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "s2mosaic",
			Name:      "level_build_seconds",
			Help:      "Time spent building a level raster, by kind.",
			Buckets:   []float64{0.01, 0.1, 0.3, 0.6, 1, 3, 6, 9, 30},
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.DecodeCalls, m.DecodeFailures, m.Builds, m.BuildSeconds)
	}
	return m
}

// ObserveBuild records one build of the given kind.
func (m *Metrics) ObserveBuild(kind string, seconds float64) {
	m.Builds.WithLabelValues(kind).Inc()
	m.BuildSeconds.WithLabelValues(kind).Observe(seconds)
}
