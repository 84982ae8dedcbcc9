// Package metrics provides Prometheus instrumentation for the shim itself:
// gauges for open socket/epoll counts and pending tokens, counters for
// wait-any outcomes, and histograms for sweep duration and ready-list
// depth.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OpenSockets tracks the current number of allocated bypass sockets.
	OpenSockets = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kbshim_open_sockets",
		Help: "Current number of allocated bypass sockets",
	})

	// OpenEpollSets tracks the current number of allocated bypass epoll sets.
	OpenEpollSets = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kbshim_open_epoll_sets",
		Help: "Current number of allocated bypass epoll sets",
	})

	// PendingTokens tracks in-flight backend tokens, labeled by slot: "recv"
	// (covers both pop and accept — the two share one slot, per the
	// accepting-mode/connected-mode union) or "send".
	PendingTokens = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kbshim_pending_tokens",
		Help: "Current number of in-flight backend tokens by slot",
	}, []string{"slot"})

	// SweepDuration records how long one readiness-engine sweep-and-wait
	// call takes, including any time spent blocked in wait-any.
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kbshim_sweep_duration_seconds",
		Help:    "Duration of one sweep-and-wait call",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	})

	// ReadyListDepth records the ready-list length observed at drain time,
	// per wait call.
	ReadyListDepth = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kbshim_ready_list_depth",
		Help:    "Ready-list length observed at drain time",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
	})

	// WaitAnyOutcomes counts wait-any results, labeled by outcome:
	// "completed", "timed_out", or "failed".
	WaitAnyOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kbshim_wait_any_outcomes_total",
		Help: "Total wait-any outcomes by result",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		OpenSockets,
		OpenEpollSets,
		PendingTokens,
		SweepDuration,
		ReadyListDepth,
		WaitAnyOutcomes,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
