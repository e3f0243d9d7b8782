package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics bundles the service's Prometheus collectors.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal        *prometheus.CounterVec
	ExecutionSeconds       prometheus.Histogram
	ArtifactsIngested      prometheus.Counter
	BlobBytesWritten       prometheus.Counter
	DatasetsStagedTotal    *prometheus.CounterVec
	SessionsActive         prometheus.Gauge
	ArtifactDownloadsTotal prometheus.Counter
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replbox",
			Name:      "executions_total",
			Help:      "Code executions by outcome (ok, error, timeout, crashed).",
		}, []string{"outcome"}),
		ExecutionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "replbox",
			Name:      "execution_seconds",
			Help:      "Wall-clock duration of code executions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		ArtifactsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replbox",
			Name:      "artifacts_ingested_total",
			Help:      "Files ingested into the artifact catalog.",
		}),
		BlobBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replbox",
			Name:      "blob_bytes_written_total",
			Help:      "Bytes of artifact content ingested into the blob store.",
		}),
		DatasetsStagedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replbox",
			Name:      "datasets_staged_total",
			Help:      "Dataset staging attempts by outcome (loaded, failed).",
		}, []string{"outcome"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "replbox",
			Name:      "sessions_active",
			Help:      "Currently running sandbox sessions.",
		}),
		ArtifactDownloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replbox",
			Name:      "artifact_downloads_total",
			Help:      "Successful artifact downloads.",
		}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionSeconds,
		m.ArtifactsIngested,
		m.BlobBytesWritten,
		m.DatasetsStagedTotal,
		m.SessionsActive,
		m.ArtifactDownloadsTotal,
	)
	return m
}
