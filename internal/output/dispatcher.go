package output

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/marianboard/internal/logging"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/metrics"
	"github.com/therealutkarshpriyadarshi/marianboard/pkg/types"
)

// Dispatcher fans events out to an ordered set of sinks. A failing sink is
// logged and counted; the remaining sinks still receive the event.
type Dispatcher struct {
	logger  *logging.Logger
	metrics *metrics.Collector

	mu     sync.RWMutex
	sinks  []Sink
	closed bool
}

// NewDispatcher creates an empty dispatcher. collector may be nil.
func NewDispatcher(logger *logging.Logger, collector *metrics.Collector) *Dispatcher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Dispatcher{
		logger:  logger.WithComponent("dispatcher"),
		metrics: collector,
	}
}

// Register appends sink to the write order. It returns false when the same
// sink is already registered.
func (d *Dispatcher) Register(sink Sink) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, existing := range d.sinks {
		if sameSink(existing, sink) {
			return false
		}
	}
	d.sinks = append(d.sinks, sink)
	return true
}

func sameSink(a, b Sink) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// Sinks returns the registered sinks in write order
func (d *Dispatcher) Sinks() []Sink {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sinks := make([]Sink, len(d.sinks))
	copy(sinks, d.sinks)
	return sinks
}

// Len returns the number of registered sinks
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sinks)
}

// Dispatch writes event to every sink in registration order and returns the
// number of sinks that failed
func (d *Dispatcher) Dispatch(ctx context.Context, event types.MetricEvent) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return len(d.sinks)
	}

	failed := 0
	for _, sink := range d.sinks {
		if err := sink.Write(ctx, event); err != nil {
			failed++
			d.record(sink.Name(), "error")
			d.logger.Warn().
				Err(err).
				Str("sink", sink.Name()).
				Str("event", event.Name).
				Msg("Sink write failed")
			continue
		}
		d.record(sink.Name(), "success")
	}

	return failed
}

// Flush flushes every buffering sink. All sinks are flushed even when one
// fails; the failures are joined.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var errs []error
	for _, sink := range d.sinks {
		flusher, ok := sink.(Flusher)
		if !ok {
			continue
		}

		start := time.Now()
		err := flusher.Flush(ctx)
		if d.metrics != nil {
			d.metrics.SinkFlush.WithLabelValues(sink.Name()).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			d.logger.Warn().Err(err).Str("sink", sink.Name()).Msg("Sink flush failed")
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}

	return errors.Join(errs...)
}

// Close closes all sinks in registration order
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error
	for _, sink := range d.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}

	return errors.Join(errs...)
}

func (d *Dispatcher) record(sink, status string) {
	if d.metrics == nil {
		return
	}
	d.metrics.SinkWrites.WithLabelValues(sink, status).Inc()
}
