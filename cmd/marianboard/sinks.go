package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/therealutkarshpriyadarshi/marianboard/internal/config"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/logging"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/metrics"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/monitor"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/output"
	"github.com/therealutkarshpriyadarshi/marianboard/pkg/types"
)

// syncWriter serializes writes from the stdout sinks of every task
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// sinkBuilder turns the sinks section of the configuration into the
// factories every task calls at start
type sinkBuilder struct {
	cfg       *config.Config
	collector *metrics.Collector
	logger    *logging.Logger
	stdout    *syncWriter
}

func newSinkBuilder(cfg *config.Config, collector *metrics.Collector, logger *logging.Logger) *sinkBuilder {
	return &sinkBuilder{
		cfg:       cfg,
		collector: collector,
		logger:    logger,
		stdout:    &syncWriter{w: os.Stdout},
	}
}

func (b *sinkBuilder) source(file types.MonitoredFile) output.Source {
	return output.Source{RunID: b.cfg.RunID, File: file.Path}
}

func (b *sinkBuilder) guard(sink output.Sink) output.Sink {
	return output.Guard(sink, b.cfg.RetryPolicy(), b.cfg.BreakerPolicy(), b.logger)
}

// specs lists the enabled sinks in dispatch order
func (b *sinkBuilder) specs() []monitor.SinkSpec {
	sinks := b.cfg.Sinks
	var specs []monitor.SinkSpec

	if !sinks.TensorBoard.Disabled {
		specs = append(specs, monitor.SinkSpec{
			Name: "tensorboard",
			New: func(ctx context.Context, file types.MonitoredFile, dir string) (output.Sink, error) {
				return output.NewTensorBoardSink(dir)
			},
		})
	}

	if sinks.JSONL != nil {
		specs = append(specs, monitor.SinkSpec{
			Name: "jsonl",
			New: func(ctx context.Context, file types.MonitoredFile, dir string) (output.Sink, error) {
				path := filepath.Join(dir, "metrics.jsonl")
				if sinks.JSONL.Dir != "" {
					path = filepath.Join(sinks.JSONL.Dir, file.DirName+".jsonl")
				}
				return output.NewJSONLFileSink(path, b.source(file))
			},
		})
	}

	if sinks.Stdout {
		specs = append(specs, monitor.SinkSpec{
			Name: "stdout",
			New: func(ctx context.Context, file types.MonitoredFile, dir string) (output.Sink, error) {
				return output.NewStdoutSink(b.stdout, b.source(file)), nil
			},
		})
	}

	if sinks.Prometheus {
		specs = append(specs, monitor.SinkSpec{
			Name: "prometheus",
			New: func(ctx context.Context, file types.MonitoredFile, dir string) (output.Sink, error) {
				return output.NewPrometheusSink(b.collector, file.Path), nil
			},
		})
	}

	if k := sinks.Kafka; k != nil {
		specs = append(specs, monitor.SinkSpec{
			Name:     "kafka",
			Optional: k.Optional,
			New: func(ctx context.Context, file types.MonitoredFile, dir string) (output.Sink, error) {
				sink, err := output.NewKafkaSink(k.KafkaConfig, b.source(file))
				if err != nil {
					return nil, err
				}
				return b.guard(sink), nil
			},
		})
	}

	if es := sinks.Elasticsearch; es != nil {
		specs = append(specs, monitor.SinkSpec{
			Name:     "elasticsearch",
			Optional: es.Optional,
			New: func(ctx context.Context, file types.MonitoredFile, dir string) (output.Sink, error) {
				sink, err := output.NewElasticsearchSink(es.ElasticsearchConfig, b.source(file))
				if err != nil {
					return nil, err
				}
				return b.guard(sink), nil
			},
		})
	}

	if s3 := sinks.S3; s3 != nil {
		specs = append(specs, monitor.SinkSpec{
			Name:     "s3",
			Optional: s3.Optional,
			New: func(ctx context.Context, file types.MonitoredFile, dir string) (output.Sink, error) {
				sink, err := output.NewS3Sink(ctx, s3.S3Config, b.source(file))
				if err != nil {
					return nil, err
				}
				return b.guard(sink), nil
			},
		})
	}

	return specs
}
