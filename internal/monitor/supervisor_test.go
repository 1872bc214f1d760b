package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/marianboard/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/health"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/logging"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/output"
	"github.com/therealutkarshpriyadarshi/marianboard/pkg/types"
)

// perFileSinks hands every file its own memory sink
type perFileSinks struct {
	sinks map[string]*memorySink
}

func newPerFileSinks(files ...types.MonitoredFile) *perFileSinks {
	p := &perFileSinks{sinks: make(map[string]*memorySink)}
	for _, f := range files {
		p.sinks[f.AbsPath] = &memorySink{}
	}
	return p
}

func (p *perFileSinks) spec() SinkSpec {
	return SinkSpec{
		Name: "memory",
		New: func(ctx context.Context, file types.MonitoredFile, dir string) (output.Sink, error) {
			return p.sinks[file.AbsPath], nil
		},
	}
}

func TestSupervisor_IsolatesFailedTask(t *testing.T) {
	dir := t.TempDir()
	good := writeLog(t, dir, trainLine+validLine)
	missing, err := types.NewMonitoredFile(filepath.Join(dir, "missing.log"))
	if err != nil {
		t.Fatal(err)
	}

	sinks := newPerFileSinks(good, missing)
	sup := NewSupervisor(SupervisorConfig{
		Files: []types.MonitoredFile{missing, good},
		Template: TaskConfig{
			WorkDir: filepath.Join(dir, "logdir"),
			Sinks:   []SinkSpec{sinks.spec()},
		},
	}, logging.Nop())

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	err = sup.Wait()
	if !errors.Is(err, ErrInputNotFound) {
		t.Fatalf("Expected ErrInputNotFound, got %v", err)
	}

	if n := len(sinks.sinks[good.AbsPath].names()); n != 7 {
		t.Errorf("Expected 7 events from the healthy file, got %d", n)
	}

	tasks := sup.Tasks()
	if len(tasks) != 2 {
		t.Fatalf("Expected 2 tasks, got %d", len(tasks))
	}
	for _, task := range tasks {
		if task.State() != StateStopped {
			t.Errorf("%s: expected stopped, got %s", task.File().Path, task.State())
		}
	}

	// Each file gets its own checkpoint directory
	if _, err := os.Stat(filepath.Join(dir, "logdir", good.DirName)); err != nil {
		t.Errorf("Expected checkpoint dir for %s: %v", good.Path, err)
	}

	sup.Summary(time.Second)
}

func TestSupervisor_CheckpointRootFailure(t *testing.T) {
	dir := t.TempDir()
	file := writeLog(t, dir, trainLine)

	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}

	sup := NewSupervisor(SupervisorConfig{
		Files:    []types.MonitoredFile{file},
		Template: TaskConfig{WorkDir: filepath.Join(blocker, "logdir")},
	}, logging.Nop())

	err := sup.Start(context.Background())
	if !errors.Is(err, ErrCheckpointDir) {
		t.Fatalf("Expected ErrCheckpointDir, got %v", err)
	}
	if len(sup.Tasks()) != 0 {
		t.Error("No task should start when the checkpoint root is unusable")
	}
}

func TestSupervisor_StartErrors(t *testing.T) {
	sup := NewSupervisor(SupervisorConfig{Template: TaskConfig{WorkDir: t.TempDir()}}, logging.Nop())
	if err := sup.Start(context.Background()); err == nil {
		t.Error("Expected error with no files")
	}

	dir := t.TempDir()
	file := writeLog(t, dir, trainLine)
	sup = NewSupervisor(SupervisorConfig{
		Files:    []types.MonitoredFile{file},
		Template: TaskConfig{WorkDir: filepath.Join(dir, "logdir")},
	}, logging.Nop())

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := sup.Start(context.Background()); err == nil {
		t.Error("Expected error on second start")
	}
	if err := sup.Wait(); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestSupervisor_Shutdown(t *testing.T) {
	dir := t.TempDir()
	file := writeLog(t, dir, trainLine)

	sup := NewSupervisor(SupervisorConfig{
		Files: []types.MonitoredFile{file},
		Template: TaskConfig{
			WorkDir:  filepath.Join(dir, "logdir"),
			Interval: time.Hour,
		},
	}, logging.Nop())

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	task := sup.Tasks()[0]
	waitFor(t, 2*time.Second, func() bool { return task.Stats().Passes == 1 }, "first pass")

	checker := health.NewChecker(time.Second)
	sup.RegisterHealth(checker)
	results := checker.Check(context.Background())
	if results["task:"+file.Path].Status != health.StatusHealthy {
		t.Errorf("Expected healthy task, got %+v", results)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if task.State() != StateStopped {
		t.Errorf("Expected stopped, got %s", task.State())
	}
}

func TestSupervisor_MonitorsDuplicateFileOnce(t *testing.T) {
	dir := t.TempDir()
	file := writeLog(t, dir, trainLine)

	files := []types.MonitoredFile{file, file}
	link := filepath.Join(dir, "link.log")
	if err := os.Symlink(file.AbsPath, link); err == nil {
		linked, err := types.NewMonitoredFile(link)
		if err != nil {
			t.Fatalf("Failed to resolve symlink: %v", err)
		}
		files = append(files, linked)
	}

	sinks := newPerFileSinks(file)
	sup := NewSupervisor(SupervisorConfig{
		Files: files,
		Template: TaskConfig{
			WorkDir:  filepath.Join(dir, "logdir"),
			Interval: 50 * time.Millisecond,
			Backend:  checkpoint.BackendBolt,
			Sinks:    []SinkSpec{sinks.spec()},
		},
	}, logging.Nop())

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	tasks := sup.Tasks()
	if len(tasks) != 1 {
		t.Fatalf("Expected 1 task for one distinct file, got %d", len(tasks))
	}
	waitFor(t, 2*time.Second, func() bool { return tasks[0].Stats().Passes >= 2 }, "two passes")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := sup.Wait(); err != nil {
		t.Errorf("Expected no task failure, got %v", err)
	}
	if n := len(sinks.sinks[file.AbsPath].names()); n != 5 {
		t.Errorf("Expected the line's 5 events once, got %d", n)
	}
}
