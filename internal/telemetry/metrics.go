// Package telemetry builds the coordinator's structured logger and
// Prometheus metric collectors.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// NewLogger builds a *slog.Logger for the given format ("json" or "text")
// and level ("debug", "info", "warn", "error").
func NewLogger(format, level string) *slog.Logger {
	return newLogger(os.Stdout, format, level)
}

func newLogger(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var JobsSubmittedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fabric",
		Subsystem: "jobs",
		Name:      "submitted_total",
		Help:      "Total number of jobs submitted, by model.",
	},
	[]string{"model"},
)

var JobsCompletedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fabric",
		Subsystem: "jobs",
		Name:      "completed_total",
		Help:      "Total number of jobs reaching a terminal status.",
	},
	[]string{"status"},
)

var JobLifecycleDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "fabric",
		Subsystem: "jobs",
		Name:      "lifecycle_duration_seconds",
		Help:      "Total job lifecycle duration from submission to terminal state.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	},
)

var NodesActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fabric",
		Subsystem: "nodes",
		Name:      "active",
		Help:      "Number of nodes currently not offline.",
	},
)

var NodeClaimsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fabric",
		Subsystem: "nodes",
		Name:      "claims_total",
		Help:      "Total number of replica claims, by node.",
	},
	[]string{"node_id"},
)

var CreditsMintedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fabric",
		Subsystem: "credits",
		Name:      "minted_total",
		Help:      "Total credits minted into the platform reserve.",
	},
)

var VerificationOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fabric",
		Subsystem: "verification",
		Name:      "outcomes_total",
		Help:      "Total verification outcomes, by status.",
	},
	[]string{"status"},
)

// All returns every fabric-specific metric collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		JobsSubmittedTotal,
		JobsCompletedTotal,
		JobLifecycleDuration,
		NodesActive,
		NodeClaimsTotal,
		CreditsMintedTotal,
		VerificationOutcomesTotal,
	}
}

// NewMetricsRegistry builds a Prometheus registry carrying the Go/process
// collectors plus every collector passed in (fabric metrics, HTTP
// middleware metrics).
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
