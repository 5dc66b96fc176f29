package recorder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	samplesAcquired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrec_samples_acquired_total",
		Help: "Samples drained from the receiver, by amplifier.",
	}, []string{"amp"})

	samplesEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrec_samples_evicted_total",
		Help: "Oldest samples dropped because the buffer bound was reached, by amplifier.",
	}, []string{"amp"})

	bufferedSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamrec_buffered_seconds",
		Help: "Duration of signal currently buffered, by amplifier.",
	}, []string{"amp"})

	recordingState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamrec_recording_state",
		Help: "State of the last session: 0 idle, 1 running, 2 stop requested, 3 stopped.",
	})

	pullErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrec_pull_errors_total",
		Help: "Failed receiver pulls, by amplifier.",
	}, []string{"amp"})

	artifactsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrec_artifacts_written_total",
		Help: "Persisted artifacts, by kind (raw, interchange).",
	}, []string{"kind"})

	persistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrec_persist_failures_total",
		Help: "Failed raw writes and conversions, by kind.",
	}, []string{"kind"})
)
