package output

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/marianboard/pkg/types"
)

// JSONLSink writes one JSON record per line
type JSONLSink struct {
	name string
	src  Source
	now  func() time.Time

	// flush after every record so sinks sharing w never split a line
	lineFlush bool

	mu   sync.Mutex
	w    *bufio.Writer
	enc  *json.Encoder
	file *os.File
}

// NewJSONLFileSink appends records to the file at path
func NewJSONLFileSink(path string, src Source) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create jsonl directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open jsonl file: %w", err)
	}

	s := newJSONLSink("jsonl", file, src)
	s.file = file
	return s, nil
}

// NewStdoutSink writes records to w, usually os.Stdout. Every record reaches
// w in a single Write call, so several sinks may share a w that serializes
// its writes.
func NewStdoutSink(w io.Writer, src Source) *JSONLSink {
	s := newJSONLSink("stdout", w, src)
	s.lineFlush = true
	return s
}

func newJSONLSink(name string, w io.Writer, src Source) *JSONLSink {
	buf := bufio.NewWriter(w)
	return &JSONLSink{
		name: name,
		src:  src,
		now:  time.Now,
		w:    buf,
		enc:  json.NewEncoder(buf),
	}
}

func (s *JSONLSink) Write(ctx context.Context, event types.MetricEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.w == nil {
		return fmt.Errorf("%s sink is closed", s.name)
	}
	if err := s.enc.Encode(NewRecord(s.src, event, s.now())); err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if s.lineFlush {
		return s.flushLocked()
	}
	return nil
}

// Flush writes buffered records; file sinks are also synced
func (s *JSONLSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *JSONLSink) flushLocked() error {
	if s.w == nil {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s sink: %w", s.name, err)
	}
	if s.file != nil {
		return s.file.Sync()
	}
	return nil
}

func (s *JSONLSink) Name() string {
	return s.name
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.flushLocked()
	s.w = nil
	if s.file != nil {
		if closeErr := s.file.Close(); err == nil {
			err = closeErr
		}
		s.file = nil
	}
	return err
}
