package output

import (
	"context"

	"github.com/therealutkarshpriyadarshi/marianboard/internal/logging"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/reliability"
	"github.com/therealutkarshpriyadarshi/marianboard/pkg/types"
)

// GuardedSink retries writes and flushes of a remote sink and stops calling
// it for a while after repeated failures
type GuardedSink struct {
	sink    Sink
	retry   reliability.RetryConfig
	breaker *reliability.CircuitBreaker
}

// Guard wraps sink with retry and a circuit breaker
func Guard(sink Sink, retry reliability.RetryConfig, breaker reliability.BreakerConfig, logger *logging.Logger) *GuardedSink {
	if logger == nil {
		logger = logging.Nop()
	}
	log := logger.WithComponent("sink").With().Str("sink", sink.Name()).Logger()

	next := breaker.OnStateChange
	breaker.OnStateChange = func(from, to reliability.State) {
		log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Sink circuit changed state")
		if next != nil {
			next(from, to)
		}
	}

	return &GuardedSink{
		sink:    sink,
		retry:   retry,
		breaker: reliability.NewCircuitBreaker(breaker),
	}
}

func (g *GuardedSink) Write(ctx context.Context, event types.MetricEvent) error {
	return g.call(ctx, func(ctx context.Context) error {
		return g.sink.Write(ctx, event)
	})
}

// Flush flushes the wrapped sink if it buffers
func (g *GuardedSink) Flush(ctx context.Context) error {
	flusher, ok := g.sink.(Flusher)
	if !ok {
		return nil
	}
	return g.call(ctx, flusher.Flush)
}

func (g *GuardedSink) Name() string {
	return g.sink.Name()
}

func (g *GuardedSink) Close() error {
	return g.sink.Close()
}

// Unwrap returns the wrapped sink
func (g *GuardedSink) Unwrap() Sink {
	return g.sink
}

// CircuitState reports the breaker state
func (g *GuardedSink) CircuitState() reliability.State {
	return g.breaker.State()
}

func (g *GuardedSink) call(ctx context.Context, fn reliability.RetryFunc) error {
	return reliability.Retry(ctx, g.retry, func(ctx context.Context) error {
		return g.breaker.Execute(func() error {
			return fn(ctx)
		})
	})
}
