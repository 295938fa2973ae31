// Package metrics exposes station counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	axisMoves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stagescan",
		Name:      "axis_moves_total",
		Help:      "Completed moves and jogs per axis and outcome.",
	}, []string{"axis", "kind", "outcome"})
	axisMoveSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stagescan",
		Name:      "axis_move_duration_seconds",
		Help:      "Time from command to completion of a move or jog.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"axis", "kind"})
	axisPosition = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "stagescan",
		Name:      "axis_position_mm",
		Help:      "Last reported axis position.",
	}, []string{"axis"})
	framesCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stagescan",
		Name:      "camera_frames_total",
		Help:      "Frames requested from the camera by outcome.",
	}, []string{"outcome"})
	scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stagescan",
		Name:      "scans_total",
		Help:      "Scans run to completion or failure.",
	}, []string{"outcome"})
	scanProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "stagescan",
		Name:      "scan_progress_percent",
		Help:      "Progress of the running scan, 0 when idle.",
	})
)

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordMove counts one move ("move", "jog" or "home") on axis.
func RecordMove(axis, kind string, seconds float64, err error) {
	axisMoves.WithLabelValues(axis, kind, outcome(err)).Inc()
	if err == nil {
		axisMoveSeconds.WithLabelValues(axis, kind).Observe(seconds)
	}
}

// SetPosition publishes the last known position of axis.
func SetPosition(axis string, mm float64) {
	axisPosition.WithLabelValues(axis).Set(mm)
}

// RecordFrame counts one frame request. incomplete frames are counted apart
// from errors.
func RecordFrame(incomplete bool, err error) {
	switch {
	case incomplete:
		framesCaptured.WithLabelValues("incomplete").Inc()
	default:
		framesCaptured.WithLabelValues(outcome(err)).Inc()
	}
}

// RecordScan counts one finished scan.
func RecordScan(err error) {
	scansTotal.WithLabelValues(outcome(err)).Inc()
}

// SetScanProgress publishes the running scan progress.
func SetScanProgress(percent int) {
	scanProgress.Set(float64(percent))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
