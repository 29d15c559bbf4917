package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "deskctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	lifecyclePhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "deskctl",
			Subsystem: "lifecycle",
			Name:      "phase",
			Help:      "Current lifecycle phase (1 for the active phase, 0 otherwise).",
		},
		[]string{"phase"},
	)
	hookCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskctl",
			Subsystem: "lifecycle",
			Name:      "hook_calls_total",
			Help:      "Contribution hook invocations.",
		},
		[]string{"hook", "contribution", "success"},
	)
	hookDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "deskctl",
			Subsystem: "lifecycle",
			Name:      "hook_duration_seconds",
			Help:      "Contribution hook duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"hook", "contribution", "success"},
	)
	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskctl",
			Subsystem: "lifecycle",
			Name:      "launches_total",
			Help:      "Launch fan-outs by origin.",
		},
		[]string{"second_instance"},
	)
	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskctl",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Worker start attempts by mode and outcome.",
		},
		[]string{"mode", "success"},
	)
	workerStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "deskctl",
			Subsystem: "worker",
			Name:      "start_duration_seconds",
			Help:      "Time from worker start request to endpoint report.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			lifecyclePhase,
			hookCalls,
			hookDuration,
			launches,
			workerStarts,
			workerStartDuration,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordPhase marks phase as the only active lifecycle phase.
func RecordPhase(phase string, all []string) {
	RegisterMetrics()
	for _, p := range all {
		value := 0.0
		if p == phase {
			value = 1
		}
		lifecyclePhase.WithLabelValues(p).Set(value)
	}
}

func RecordHook(hook, contribution string, duration time.Duration, success bool) {
	RegisterMetrics()
	successLabel := strconv.FormatBool(success)
	hookCalls.WithLabelValues(hook, contribution, successLabel).Inc()
	hookDuration.WithLabelValues(hook, contribution, successLabel).Observe(duration.Seconds())
}

func RecordLaunch(secondInstance bool) {
	RegisterMetrics()
	launches.WithLabelValues(strconv.FormatBool(secondInstance)).Inc()
}

func RecordWorkerStart(mode string, duration time.Duration, success bool) {
	RegisterMetrics()
	successLabel := strconv.FormatBool(success)
	workerStarts.WithLabelValues(mode, successLabel).Inc()
	workerStartDuration.WithLabelValues(mode, successLabel).Observe(duration.Seconds())
}
