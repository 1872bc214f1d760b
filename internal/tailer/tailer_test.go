package tailer

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/therealutkarshpriyadarshi/marianboard/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/logging"
)

type fixedCounter int64

func (c fixedCounter) Total() int64 { return int64(c) }

func newTestReader(t *testing.T, logFile string, opts ...Option) (*Reader, checkpoint.Store) {
	t.Helper()

	store := checkpoint.NewFileStore(filepath.Join(t.TempDir()))
	logger := logging.New(logging.Config{Level: "debug", Format: "console"})

	return NewReader(logFile, store, logger, opts...), store
}

// touch moves the modification time forward so successive writes are
// always seen as newer, regardless of filesystem timestamp granularity.
func touch(t *testing.T, path string, offset time.Duration) {
	t.Helper()
	ts := time.Now().Add(offset)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("Failed to touch file: %v", err)
	}
}

func appendLines(t *testing.T, path, content string) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("Failed to open log file: %v", err)
	}
	defer f.Close()

	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("Failed to write to log file: %v", err)
	}
}

func TestReaderFirstPassIncludesFirstLine(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "train.log")
	if err := os.WriteFile(logFile, []byte("line0\nline1\nline2\n"), 0644); err != nil {
		t.Fatalf("Failed to write log file: %v", err)
	}

	reader, _ := newTestReader(t, logFile)

	lines, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("Failed to read lines: %v", err)
	}

	want := []string{"line0", "line1", "line2"}
	if !reflect.DeepEqual(lines, want) {
		t.Errorf("Expected %v, got %v", want, lines)
	}

	if pos := reader.Position(); pos.LastLine != 3 {
		t.Errorf("Expected last line 3, got %d", pos.LastLine)
	}
}

func TestReaderIdempotentWithoutChange(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "train.log")
	if err := os.WriteFile(logFile, []byte("a\nb\n"), 0644); err != nil {
		t.Fatalf("Failed to write log file: %v", err)
	}

	reader, _ := newTestReader(t, logFile)

	if lines, _ := reader.ReadAll(); len(lines) != 2 {
		t.Fatalf("Expected 2 lines on first pass, got %d", len(lines))
	}

	lines, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("Failed to read lines: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("Expected no lines on unchanged file, got %v", lines)
	}
}

func TestReaderResumesAfterAppend(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "train.log")
	if err := os.WriteFile(logFile, []byte("l0\nl1\n"), 0644); err != nil {
		t.Fatalf("Failed to write log file: %v", err)
	}
	touch(t, logFile, -time.Minute)

	reader, store := newTestReader(t, logFile)

	first, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("Failed to read first pass: %v", err)
	}

	appendLines(t, logFile, "l2\nl3\nl4\n")
	touch(t, logFile, 0)

	// A fresh reader over the same store resumes from the checkpoint
	resumed := NewReader(logFile, store, logging.Nop())
	second, err := resumed.ReadAll()
	if err != nil {
		t.Fatalf("Failed to read second pass: %v", err)
	}

	got := append(first, second...)
	want := []string{"l0", "l1", "l2", "l3", "l4"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v across passes, got %v", want, got)
	}
}

func TestReaderHoldsPartialLine(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "train.log")
	if err := os.WriteFile(logFile, []byte("done\nhalf"), 0644); err != nil {
		t.Fatalf("Failed to write log file: %v", err)
	}
	touch(t, logFile, -time.Minute)

	reader, _ := newTestReader(t, logFile, WithHoldPartial(true))

	lines, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("Failed to read lines: %v", err)
	}
	if !reflect.DeepEqual(lines, []string{"done"}) {
		t.Fatalf("Expected only the terminated line, got %v", lines)
	}

	appendLines(t, logFile, " and finished\n")
	touch(t, logFile, 0)

	lines, err = reader.ReadAll()
	if err != nil {
		t.Fatalf("Failed to read lines: %v", err)
	}
	if !reflect.DeepEqual(lines, []string{"half and finished"}) {
		t.Errorf("Expected the completed line, got %v", lines)
	}
}

func TestReaderConsumesPartialLineWhenNotHolding(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "train.log")
	if err := os.WriteFile(logFile, []byte("done\nlast"), 0644); err != nil {
		t.Fatalf("Failed to write log file: %v", err)
	}

	reader, _ := newTestReader(t, logFile)

	lines, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("Failed to read lines: %v", err)
	}
	if !reflect.DeepEqual(lines, []string{"done", "last"}) {
		t.Errorf("Expected both lines, got %v", lines)
	}
}

func TestReaderPersistsCounter(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "train.log")
	if err := os.WriteFile(logFile, []byte("x\n"), 0644); err != nil {
		t.Fatalf("Failed to write log file: %v", err)
	}

	reader, store := newTestReader(t, logFile, WithCounter(fixedCounter(1234)))
	if _, err := reader.ReadAll(); err != nil {
		t.Fatalf("Failed to read lines: %v", err)
	}

	pos, err := store.Load()
	if err != nil {
		t.Fatalf("Failed to load checkpoint: %v", err)
	}
	if pos.Seen != 1234 {
		t.Errorf("Expected seen 1234, got %d", pos.Seen)
	}
	if pos.LastLine != 1 {
		t.Errorf("Expected last line 1, got %d", pos.LastLine)
	}
}

func TestReaderEarlyStopResumes(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "train.log")
	if err := os.WriteFile(logFile, []byte("a\nb\nc\n"), 0644); err != nil {
		t.Fatalf("Failed to write log file: %v", err)
	}

	reader, _ := newTestReader(t, logFile)

	for _, line := range reader.Lines() {
		if line != "a" {
			t.Fatalf("Expected first line a, got %q", line)
		}
		break
	}

	lines, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("Failed to read lines: %v", err)
	}
	if !reflect.DeepEqual(lines, []string{"b", "c"}) {
		t.Errorf("Expected remaining lines, got %v", lines)
	}
}

func TestReaderMissingFile(t *testing.T) {
	reader, _ := newTestReader(t, filepath.Join(t.TempDir(), "missing.log"))

	if _, err := reader.ReadAll(); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestWatcherNotifiesOnWrite(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "train.log")
	if err := os.WriteFile(logFile, []byte("start\n"), 0644); err != nil {
		t.Fatalf("Failed to write log file: %v", err)
	}

	w, err := NewWatcher(logFile, logging.Nop())
	if err != nil {
		t.Fatalf("Failed to create watcher: %v", err)
	}
	defer w.Close()

	appendLines(t, logFile, "more\n")

	select {
	case <-w.Changes():
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for change notification")
	}
}

func TestReaderLinesDoNotPersistUntilCommit(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "train.log")
	if err := os.WriteFile(logFile, []byte("a\nb\n"), 0644); err != nil {
		t.Fatalf("Failed to write log file: %v", err)
	}

	reader, store := newTestReader(t, logFile, WithCounter(fixedCounter(7)))

	var n int
	for range reader.Lines() {
		n++
	}
	if n != 2 || reader.Position().LastLine != 2 {
		t.Fatalf("Expected 2 lines read, got %d (position %d)", n, reader.Position().LastLine)
	}

	pos, err := store.Load()
	if err != nil {
		t.Fatalf("Failed to load checkpoint: %v", err)
	}
	if pos.LastLine != 0 || pos.Seen != 0 {
		t.Errorf("Expected nothing persisted before commit, got %+v", pos)
	}

	if err := reader.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	pos, err = store.Load()
	if err != nil {
		t.Fatalf("Failed to load checkpoint: %v", err)
	}
	if pos.LastLine != 2 || pos.Seen != 7 {
		t.Errorf("Expected line 2 and seen 7 after commit, got %+v", pos)
	}
}

func TestReaderReadErrorKeepsConsumedLines(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "train.log")
	if err := os.WriteFile(logFile, []byte("a\nb\nc\n"), 0644); err != nil {
		t.Fatalf("Failed to write log file: %v", err)
	}

	reader, store := newTestReader(t, logFile, WithCounter(fixedCounter(42)))
	errDisk := errors.New("disk error")
	reader.open = func(string) (io.ReadCloser, error) {
		return io.NopCloser(io.MultiReader(strings.NewReader("a\nb\n"), iotest.ErrReader(errDisk))), nil
	}

	lines, err := reader.ReadAll()
	if !errors.Is(err, errDisk) {
		t.Fatalf("Expected the read error, got %v", err)
	}
	if !reflect.DeepEqual(lines, []string{"a", "b"}) {
		t.Fatalf("Expected the lines before the failure, got %v", lines)
	}

	pos, err := store.Load()
	if err != nil {
		t.Fatalf("Failed to load checkpoint: %v", err)
	}
	if pos.LastLine != 2 || pos.Seen != 42 {
		t.Errorf("Expected yielded lines and counter persisted, got %+v", pos)
	}
	if !pos.LastUpdate.IsZero() {
		t.Errorf("An interrupted pass must not record the file time, got %v", pos.LastUpdate)
	}

	// The next pass continues after the yielded lines
	resumed := NewReader(logFile, store, logging.Nop())
	lines, err = resumed.ReadAll()
	if err != nil {
		t.Fatalf("Failed to read lines: %v", err)
	}
	if !reflect.DeepEqual(lines, []string{"c"}) {
		t.Errorf("Expected only the unread line, got %v", lines)
	}
}
