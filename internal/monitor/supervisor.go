package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/marianboard/internal/health"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/logging"
	"github.com/therealutkarshpriyadarshi/marianboard/pkg/types"
)

// SupervisorConfig configures the tasks a Supervisor runs
type SupervisorConfig struct {
	Files    []types.MonitoredFile
	Template TaskConfig
}

// Supervisor runs one Task per monitored file in parallel
type Supervisor struct {
	cfg    SupervisorConfig
	logger *logging.Logger
	opts   []Option

	mu      sync.Mutex
	tasks   []*Task
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
}

// NewSupervisor creates a supervisor. opts apply to every task.
func NewSupervisor(cfg SupervisorConfig, logger *logging.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Supervisor{
		cfg:    cfg,
		logger: logger,
		opts:   opts,
	}
}

// Start creates the checkpoint root and launches one task per distinct file.
// An error means no task was started.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("supervisor already started")
	}

	if len(s.cfg.Files) == 0 {
		return errors.New("no files to monitor")
	}

	workDir := s.cfg.Template.WorkDir
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return newError(ErrCheckpointDir, workDir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	seen := make(map[string]bool, len(s.cfg.Files))
	for _, file := range s.cfg.Files {
		if seen[file.AbsPath] {
			s.logger.Warn().
				Str("file", file.Path).
				Str("abs_path", file.AbsPath).
				Msg("File listed more than once, monitoring it once")
			continue
		}
		seen[file.AbsPath] = true

		cfg := s.cfg.Template
		cfg.File = file

		task := NewTask(cfg, s.logger, s.opts...)
		s.tasks = append(s.tasks, task)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			task.Run(ctx)
		}()
	}

	s.logger.Info().
		Int("tasks", len(s.tasks)).
		Dur("interval", s.cfg.Template.Interval).
		Str("work_dir", workDir).
		Msg("Supervisor started")

	return nil
}

// Stop requests every task to stop after its current pass
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
}

// Wait blocks until every task has stopped and returns the joined task
// failures
func (s *Supervisor) Wait() error {
	s.wg.Wait()

	var errs []error
	for _, task := range s.Tasks() {
		if err := task.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops the tasks and waits for them until ctx expires. It lets
// the supervisor be registered as a shutdown component.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tasks still running: %w", ctx.Err())
	}
}

// Tasks returns the started tasks
func (s *Supervisor) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]*Task, len(s.tasks))
	copy(tasks, s.tasks)
	return tasks
}

// RegisterHealth adds one health check per task to checker
func (s *Supervisor) RegisterHealth(checker *health.Checker) {
	for _, task := range s.Tasks() {
		checker.Register("task:"+task.File().Path, task.HealthCheck())
	}
}

// Summary logs the final stats of every task
func (s *Supervisor) Summary(elapsed time.Duration) {
	tasks := s.Tasks()

	var total Stats
	for _, task := range tasks {
		stats := task.Stats()
		total.Passes += stats.Passes
		total.LinesRead += stats.LinesRead
		total.Events += stats.Events
		total.ParseFailures += stats.ParseFailures
		total.SinkFailures += stats.SinkFailures
	}

	s.logger.Info().
		Int("tasks", len(tasks)).
		Int64("passes", total.Passes).
		Int64("lines_read", total.LinesRead).
		Int64("events", total.Events).
		Int64("parse_failures", total.ParseFailures).
		Int64("sink_failures", total.SinkFailures).
		Dur("elapsed", elapsed).
		Msg("All tasks stopped")
}
