package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const namespace = "marianboard"

// Collector provides a central place for all application metrics
type Collector struct {
	// Tailing metrics
	LinesRead     *prometheus.CounterVec
	Passes        *prometheus.CounterVec
	PassDuration  *prometheus.HistogramVec
	CheckpointPos *prometheus.GaugeVec
	TaskState     *prometheus.GaugeVec

	// Parser metrics
	EventsParsed  *prometheus.CounterVec
	ParseFailures *prometheus.CounterVec

	// Sink metrics
	SinkWrites *prometheus.CounterVec
	SinkFlush  *prometheus.HistogramVec

	// Exported training metrics, filled by the Prometheus sink
	TrainingValue *prometheus.GaugeVec
	TrainingStep  *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewCollector creates a new metrics collector with its own registry
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collector{
		registry: registry,
	}

	c.initTailMetrics()
	c.initParserMetrics()
	c.initSinkMetrics()
	c.initTrainingMetrics()

	return c
}

func (c *Collector) initTailMetrics() {
	c.LinesRead = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tail",
			Name:      "lines_read_total",
			Help:      "Total number of new log lines read",
		},
		[]string{"file"},
	)

	c.Passes = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tail",
			Name:      "passes_total",
			Help:      "Total number of read-parse-dispatch passes",
		},
		[]string{"file"},
	)

	c.PassDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tail",
			Name:      "pass_duration_seconds",
			Help:      "Time taken by one pass over a log file",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10), // 100µs to ~26s
		},
		[]string{"file"},
	)

	c.CheckpointPos = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tail",
			Name:      "checkpoint_line",
			Help:      "Number of lines consumed according to the checkpoint",
		},
		[]string{"file"},
	)

	c.TaskState = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "task_state",
			Help:      "Monitor task state (0=starting, 1=running, 2=stopping, 3=stopped)",
		},
		[]string{"file"},
	)
}

func (c *Collector) initParserMetrics() {
	c.EventsParsed = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "events_total",
			Help:      "Total number of metric events extracted",
		},
		[]string{"file", "kind"},
	)

	c.ParseFailures = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "failures_total",
			Help:      "Total number of lines skipped because they were malformed",
		},
		[]string{"file"},
	)
}

func (c *Collector) initSinkMetrics() {
	c.SinkWrites = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "writes_total",
			Help:      "Total number of event writes per sink and outcome",
		},
		[]string{"sink", "status"},
	)

	c.SinkFlush = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "flush_duration_seconds",
			Help:      "Time taken to flush a sink at the end of a pass",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"sink"},
	)
}

func (c *Collector) initTrainingMetrics() {
	c.TrainingValue = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "value",
			Help:      "Latest value of a training or validation metric",
		},
		[]string{"run", "metric"},
	)

	c.TrainingStep = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "step",
			Help:      "Update step of the latest value of a metric",
		},
		[]string{"run", "metric"},
	)
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
