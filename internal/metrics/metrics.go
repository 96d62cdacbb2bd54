// Package metrics exposes Prometheus collectors for the scan stages.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StageRows counts input rows by stage outcome.
	// Labels: stage: "fast", "deep", "pts", "fingerprint", "match"
	//         verdict: "ok", "invalid"
	//         reason: failure reason, "" for ok rows
	StageRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamscan",
			Name:      "stage_rows_total",
			Help:      "Rows processed per scan stage by verdict and reason",
		},
		[]string{"stage", "verdict", "reason"},
	)

	// ProbeDuration observes per-URL probe latency for each stage.
	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "streamscan",
			Name:      "probe_duration_seconds",
			Help:      "Per-URL probe latency by scan stage",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"stage"},
	)

	// LibraryEntries tracks the fake-fingerprint library size.
	LibraryEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "streamscan",
			Name:      "fake_library_entries",
			Help:      "Entries currently in the fake-fingerprint library",
		},
	)
)

// RecordRow increments the stage counter for one row outcome.
func RecordRow(stage string, ok bool, reason string) {
	verdict := "ok"
	if !ok {
		verdict = "invalid"
	} else {
		reason = ""
	}
	StageRows.WithLabelValues(stage, verdict, reason).Inc()
}

// ObserveProbe records one probe's wall-clock seconds for a stage.
func ObserveProbe(stage string, seconds float64) {
	ProbeDuration.WithLabelValues(stage).Observe(seconds)
}

// Serve starts a /metrics listener on addr. It blocks; callers run it in a
// goroutine. Empty addr is a no-op.
func Serve(addr string) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
