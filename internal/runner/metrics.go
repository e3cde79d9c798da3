package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the engine's Prometheus collectors on a private registry,
// so several engines can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	runsStarted  *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	outputBytes  prometheus.Counter
	rejections   *prometheus.CounterVec
}

// NewMetrics creates a registry with the run collectors and the Go runtime
// and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskdeck_runs_started_total",
				Help: "Runs admitted, by backend and mode",
			},
			[]string{"cli_type", "mode"},
		),
		runsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskdeck_runs_finished_total",
				Help: "Runs that reached a terminal status",
			},
			[]string{"status"},
		),
		outputBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "taskdeck_run_output_bytes_total",
				Help: "Bytes of process output captured",
			},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskdeck_admission_rejections_total",
				Help: "StartRun calls rejected by validation, by reason",
			},
			[]string{"reason"},
		),
	}
	m.registry.MustRegister(
		m.runsStarted,
		m.runsFinished,
		m.outputBytes,
		m.rejections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for an HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// observeActive registers a gauge sampling fn at scrape time.
func (m *Metrics) observeActive(fn func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "taskdeck_runs_active",
			Help: "Supervised processes currently alive",
		},
		func() float64 { return float64(fn()) },
	))
}
