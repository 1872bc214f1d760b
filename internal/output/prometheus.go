package output

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/therealutkarshpriyadarshi/marianboard/internal/metrics"
	"github.com/therealutkarshpriyadarshi/marianboard/pkg/types"
)

// PrometheusSink exposes the latest value and step of every scalar as
// gauges labelled by run and metric name. Text events are ignored.
type PrometheusSink struct {
	run   string
	value *prometheus.GaugeVec
	step  *prometheus.GaugeVec
}

// NewPrometheusSink publishes into the training gauges of collector
func NewPrometheusSink(collector *metrics.Collector, run string) *PrometheusSink {
	return &PrometheusSink{
		run:   run,
		value: collector.TrainingValue,
		step:  collector.TrainingStep,
	}
}

func (s *PrometheusSink) Write(ctx context.Context, event types.MetricEvent) error {
	if event.Kind != types.KindScalar {
		return nil
	}

	s.value.WithLabelValues(s.run, event.Name).Set(event.Value)
	s.step.WithLabelValues(s.run, event.Name).Set(float64(event.StepOr(0)))
	return nil
}

func (s *PrometheusSink) Name() string {
	return "prometheus"
}

// Close leaves the last exported values in place
func (s *PrometheusSink) Close() error {
	return nil
}
