// Package metrics exposes Prometheus collectors for the update pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upkeep_attempts_total",
			Help: "Update attempts by final result",
		},
		[]string{"result"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upkeep_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"stage"},
	)

	UpdateInProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "upkeep_update_in_progress",
			Help: "Whether an update or rollback pipeline is running (1) or not (0)",
		},
	)

	ManifestFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upkeep_manifest_fetches_total",
			Help: "Remote manifest fetches by result (ok, error, cached)",
		},
		[]string{"result"},
	)

	DownloadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upkeep_download_bytes_total",
			Help: "Bytes written to disk by release downloads",
		},
	)

	DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upkeep_downloads_total",
			Help: "Release downloads by result (ok, error, integrity)",
		},
		[]string{"result"},
	)

	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upkeep_rollbacks_total",
			Help: "Operator rollbacks by quality (FULL, PARTIAL, NONE, FAILED)",
		},
		[]string{"quality"},
	)
)

func init() {
	prometheus.MustRegister(AttemptsTotal)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(UpdateInProgress)
	prometheus.MustRegister(ManifestFetches)
	prometheus.MustRegister(DownloadBytes)
	prometheus.MustRegister(DownloadsTotal)
	prometheus.MustRegister(RollbacksTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures one stage.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveStage records the elapsed time against the stage label.
func (t *Timer) ObserveStage(stage string) {
	StageDuration.WithLabelValues(stage).Observe(t.Duration().Seconds())
}
