package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/marianboard/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/health"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/logging"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/metrics"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/output"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/parser"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/tailer"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/tracing"
	"github.com/therealutkarshpriyadarshi/marianboard/pkg/types"
)

// State is the lifecycle state of a Task
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SinkFactory builds a sink for one monitored file. dir is the file's
// checkpoint directory.
type SinkFactory func(ctx context.Context, file types.MonitoredFile, dir string) (output.Sink, error)

// SinkSpec names a sink to build at task start. A task whose required sink
// cannot be built does not start; an optional sink that fails is skipped.
type SinkSpec struct {
	Name     string
	Optional bool
	New      SinkFactory
}

// TaskConfig configures a single Task
type TaskConfig struct {
	File    types.MonitoredFile
	WorkDir string
	// Interval between passes. Zero means a single pass.
	Interval time.Duration
	// Offline consumes an unterminated last line instead of waiting for it
	Offline bool
	// Watch wakes the task early when the file is written
	Watch   bool
	Backend checkpoint.Backend
	Sinks   []SinkSpec
}

// Dir returns the checkpoint directory of the file
func (c TaskConfig) Dir() string {
	return filepath.Join(c.WorkDir, c.File.DirName)
}

// Stats summarizes the work done by a task
type Stats struct {
	Passes        int64 `json:"passes"`
	LinesRead     int64 `json:"lines_read"`
	Events        int64 `json:"events"`
	ParseFailures int64 `json:"parse_failures"`
	SinkFailures  int64 `json:"sink_failures"`
}

// Option configures a Task
type Option func(*Task)

// WithMetrics reports task metrics to collector
func WithMetrics(collector *metrics.Collector) Option {
	return func(t *Task) {
		t.metrics = collector
	}
}

// WithTracer traces every pass with tracer
func WithTracer(tracer trace.Tracer) Option {
	return func(t *Task) {
		t.tracer = tracer
	}
}

// Task tails one file: every pass reads the new lines, parses them and
// dispatches the events, until the context is canceled. Cancellation is
// only observed between passes.
type Task struct {
	cfg     TaskConfig
	logger  *logging.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
	limiter *rate.Limiter

	state atomic.Int32
	done  chan struct{}
	once  sync.Once

	passes        atomic.Int64
	linesRead     atomic.Int64
	events        atomic.Int64
	parseFailures atomic.Int64
	sinkFailures  atomic.Int64

	mu       sync.Mutex
	err      error
	passErr  error
	position types.TailPosition
	sinks    []string

	reader     *tailer.Reader
	parser     *parser.MarianParser
	dispatcher *output.Dispatcher
}

// NewTask creates a task in the starting state
func NewTask(cfg TaskConfig, logger *logging.Logger, opts ...Option) *Task {
	if logger == nil {
		logger = logging.Nop()
	}

	t := &Task{
		cfg:     cfg,
		logger:  logger.WithComponent("monitor").WithFile(cfg.File.Path),
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.metrics == nil {
		t.metrics = metrics.NewCollector()
	}
	if t.tracer == nil {
		t.tracer = otel.Tracer("marianboard/monitor")
	}

	t.setState(StateStarting)
	return t
}

// File returns the monitored file
func (t *Task) File() types.MonitoredFile {
	return t.cfg.File
}

// State returns the current lifecycle state
func (t *Task) State() State {
	return State(t.state.Load())
}

// Done is closed once the task reaches the stopped state
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the error that stopped the task, if any
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Position returns the checkpoint after the last pass
func (t *Task) Position() types.TailPosition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.position
}

// Stats returns counters for the work done so far
func (t *Task) Stats() Stats {
	return Stats{
		Passes:        t.passes.Load(),
		LinesRead:     t.linesRead.Load(),
		Events:        t.events.Load(),
		ParseFailures: t.parseFailures.Load(),
		SinkFailures:  t.sinkFailures.Load(),
	}
}

// Run drives the task until ctx is canceled or, with a zero interval, after
// one pass. It returns a *Error when the task cannot start.
func (t *Task) Run(ctx context.Context) error {
	err := errors.New("task already ran")
	t.once.Do(func() {
		err = t.run(ctx)
	})
	return err
}

func (t *Task) run(ctx context.Context) (err error) {
	defer func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()

		t.setState(StateStopped)
		close(t.done)
	}()

	cleanup, err := t.start(ctx)
	if err != nil {
		t.logger.Error().Err(err).Msg("Failed to start monitoring")
		return err
	}
	defer cleanup()

	var changes <-chan struct{}
	if t.cfg.Watch && t.cfg.Interval > 0 {
		watcher, werr := tailer.NewWatcher(t.cfg.File.AbsPath, t.logger)
		if werr != nil {
			t.logger.Warn().Err(werr).Msg("File watching unavailable, polling only")
		} else {
			defer watcher.Close()
			changes = watcher.Changes()
		}
	}

	t.setState(StateRunning)

	for ctx.Err() == nil {
		t.pass(ctx)

		if t.cfg.Interval <= 0 {
			break
		}
		if !t.sleep(ctx, changes) {
			break
		}
	}

	t.setState(StateStopping)
	return nil
}

// start checks the input and builds the reader, parser and sinks. The
// returned cleanup closes what start opened.
func (t *Task) start(ctx context.Context) (func(), error) {
	path := t.cfg.File.AbsPath
	if path == "" {
		path = t.cfg.File.Path
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, newError(ErrInputNotFound, t.cfg.File.Path, err)
		}
		return nil, newError(ErrInputNotFound, t.cfg.File.Path, fmt.Errorf("cannot stat input: %w", err))
	}

	dir := t.cfg.Dir()
	store, err := checkpoint.Open(t.cfg.Backend, dir)
	if err != nil {
		return nil, newError(ErrCheckpointDir, dir, err)
	}

	// The running total rides along in the checkpoint
	saved, _ := store.Load()
	state := parser.NewState(saved.Seen)
	t.parser = parser.NewMarianParser(state)

	t.reader = tailer.NewReader(path, store, t.logger,
		tailer.WithHoldPartial(!t.cfg.Offline && t.cfg.Interval > 0),
		tailer.WithCounter(state),
	)

	t.dispatcher = output.NewDispatcher(t.logger, t.metrics)
	for _, spec := range t.cfg.Sinks {
		sink, err := spec.New(ctx, t.cfg.File, dir)
		if err != nil {
			if spec.Optional {
				t.logger.Warn().Err(err).Str("sink", spec.Name).Msg("Optional sink unavailable, skipping")
				continue
			}
			t.dispatcher.Close()
			store.Close()
			return nil, newError(ErrSinkInit, t.cfg.File.Path, fmt.Errorf("%s: %w", spec.Name, err))
		}
		if !t.dispatcher.Register(sink) {
			t.logger.Warn().Str("sink", spec.Name).Msg("Sink registered twice, ignoring duplicate")
		}
	}

	registered := t.dispatcher.Sinks()
	names := make([]string, len(registered))
	for i, sink := range registered {
		names[i] = sink.Name()
	}
	t.mu.Lock()
	t.sinks = names
	t.mu.Unlock()

	pos := t.reader.Position()
	t.setPosition(pos)
	t.logger.Info().
		Str("checkpoint_dir", dir).
		Time("last_update", pos.LastUpdate).
		Int64("last_line", pos.LastLine).
		Int64("seen", pos.Seen).
		Strs("sinks", names).
		Msg("Monitoring file")

	cleanup := func() {
		if err := t.dispatcher.Close(); err != nil {
			t.logger.Warn().Err(err).Msg("Failed to close sinks")
		}
		if err := store.Close(); err != nil {
			t.logger.Warn().Err(err).Msg("Failed to close checkpoint store")
		}

		stats := t.Stats()
		pos := t.Position()
		t.logger.Info().
			Int64("passes", stats.Passes).
			Int64("lines_read", stats.LinesRead).
			Int64("events", stats.Events).
			Int64("parse_failures", stats.ParseFailures).
			Int64("last_line", pos.LastLine).
			Int64("seen", pos.Seen).
			Msg("Stopped monitoring file")
	}

	return cleanup, nil
}

// pass reads every new line, parses it and dispatches its events in order
func (t *Task) pass(ctx context.Context) {
	file := t.cfg.File.Path
	start := time.Now()

	ctx, span := tracing.TracePass(ctx, t.tracer, file)

	var lines, events, failures int64
	for index, line := range t.reader.Lines() {
		lines++

		found, err := t.parser.Parse(line)
		if err != nil {
			failures++
			t.metrics.ParseFailures.WithLabelValues(file).Inc()
			if t.limiter.Allow() {
				t.logger.Debug().Err(err).Int64("line", index).Msg("Skipping malformed line")
			}
			continue
		}

		for _, event := range found {
			if failed := t.dispatcher.Dispatch(ctx, event); failed > 0 {
				t.sinkFailures.Add(int64(failed))
			}
			t.metrics.EventsParsed.WithLabelValues(file, string(event.Kind)).Inc()
			events++
		}
	}

	passErr := t.reader.Err()
	if passErr != nil {
		tracing.RecordError(ctx, passErr)
		t.logger.Warn().Err(passErr).Msg("Pass ended early")
	}

	if events > 0 {
		flushCtx, flushSpan := tracing.TraceFlush(ctx, t.tracer, t.dispatcher.Len())
		if err := t.dispatcher.Flush(flushCtx); err != nil {
			tracing.RecordError(flushCtx, err)
		}
		flushSpan.End()
	}

	// Sinks keep unsent batches, so the position advances once they flushed
	if err := t.reader.Commit(); err != nil {
		tracing.RecordError(ctx, err)
		t.logger.Warn().Err(err).Msg("Failed to save checkpoint")
		passErr = errors.Join(passErr, err)
	}

	pos := t.reader.Position()

	t.mu.Lock()
	t.passErr = passErr
	t.position = pos
	t.mu.Unlock()

	t.passes.Add(1)
	t.linesRead.Add(lines)
	t.events.Add(events)
	t.parseFailures.Add(failures)

	t.metrics.Passes.WithLabelValues(file).Inc()
	t.metrics.LinesRead.WithLabelValues(file).Add(float64(lines))
	t.metrics.PassDuration.WithLabelValues(file).Observe(time.Since(start).Seconds())
	t.metrics.CheckpointPos.WithLabelValues(file).Set(float64(pos.LastLine))

	if lines > 0 {
		t.logger.Debug().
			Int64("lines", lines).
			Int64("events", events).
			Int64("last_line", pos.LastLine).
			Msg("Pass complete")
	}

	tracing.EndPass(span, lines, events, failures)
}

// sleep waits for the next pass. It returns false when ctx is canceled.
func (t *Task) sleep(ctx context.Context, changes <-chan struct{}) bool {
	timer := time.NewTimer(t.cfg.Interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-changes:
		return true
	}
}

func (t *Task) setState(s State) {
	t.state.Store(int32(s))
	if t.metrics != nil {
		t.metrics.TaskState.WithLabelValues(t.cfg.File.Path).Set(float64(s))
	}
	t.logger.Debug().Str("state", s.String()).Msg("Task state changed")
}

func (t *Task) setPosition(pos types.TailPosition) {
	t.mu.Lock()
	t.position = pos
	t.mu.Unlock()
}

// HealthCheck reports the task state. A task that failed to start is
// unhealthy, a pass that ended with a read error makes it degraded.
func (t *Task) HealthCheck() health.HealthCheck {
	return health.CheckWithMetadata(func() (health.Status, string, map[string]any) {
		stats := t.Stats()
		state := t.State()

		t.mu.Lock()
		err, passErr, pos, sinks := t.err, t.passErr, t.position, t.sinks
		t.mu.Unlock()

		metadata := map[string]any{
			"state":      state.String(),
			"sinks":      sinks,
			"passes":     stats.Passes,
			"lines_read": stats.LinesRead,
			"events":     stats.Events,
			"last_line":  pos.LastLine,
		}

		switch {
		case err != nil:
			return health.StatusUnhealthy, err.Error(), metadata
		case passErr != nil:
			return health.StatusDegraded, passErr.Error(), metadata
		default:
			return health.StatusHealthy, state.String(), metadata
		}
	})
}
