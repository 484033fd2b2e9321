package cvm

import (
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/prometheus/client_golang/prometheus"
)

// Grounded on the teacher's sandbox_metrics.go: a namespace per subsystem,
// a counter per intercept class, and a histogram of handler latency — this
// is the C10 "accumulated cycle times per intercept class" and the exit
// context's billing `selector` field, made externally observable.
const exitMetricsNamespace = "cvm_exit"

var (
	exitClassCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: exitMetricsNamespace,
		Name:      "total",
		Help:      "Number of VM-exits handled, by intercept class.",
	}, []string{"class"})

	exitClassLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: exitMetricsNamespace,
		Name:      "handler_duration_seconds",
		Help:      "Time spent inside an exit handler, by intercept class.",
		Buckets:   prometheus.ExponentialBuckets(0.000001, 4, 12),
	}, []string{"class"})
)

func init() {
	prometheus.MustRegister(exitClassCounter, exitClassLatency)
}

// recordExit bills a completed exit-handler invocation to its class, the
// software equivalent of the original's per-vCPU "selector" pointer and
// accumulated cycle-time counters (spec.md §3 Statistics, §4.5).
func recordExit(class string, started time.Time) {
	exitClassCounter.WithLabelValues(class).Inc()
	exitClassLatency.WithLabelValues(class).Observe(time.Since(started).Seconds())
}

// FormatFootprint renders a byte count in human-readable form; cvmctl's
// create-vm command reports a VM's footprint with it.
func FormatFootprint(bytes uint64) string {
	return bytefmt.ByteSize(bytes)
}
