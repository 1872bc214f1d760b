package tailer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"

	"github.com/therealutkarshpriyadarshi/marianboard/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/logging"
	"github.com/therealutkarshpriyadarshi/marianboard/pkg/types"
)

const readBufferSize = 64 * 1024

// Counter supplies the running total persisted next to the line position
type Counter interface {
	Total() int64
}

// Reader yields the lines appended to a log file since the last checkpoint
type Reader struct {
	path        string
	store       checkpoint.Store
	logger      *logging.Logger
	pos         types.TailPosition
	holdPartial bool
	counter     Counter
	open        func(name string) (io.ReadCloser, error)
	dirty       bool
	err         error
}

// Option configures a Reader
type Option func(*Reader)

// WithHoldPartial keeps an unterminated last line back until the writer
// finishes it.
func WithHoldPartial(hold bool) Option {
	return func(r *Reader) {
		r.holdPartial = hold
	}
}

// WithCounter stores the counter's total with every checkpoint
func WithCounter(c Counter) Option {
	return func(r *Reader) {
		r.counter = c
	}
}

// NewReader creates a reader positioned at the stored checkpoint. An
// unreadable checkpoint is logged and tailing starts from the beginning.
func NewReader(path string, store checkpoint.Store, logger *logging.Logger, opts ...Option) *Reader {
	r := &Reader{
		path:   path,
		store:  store,
		logger: logger.WithComponent("tailer").WithFile(path),
		open: func(name string) (io.ReadCloser, error) {
			return os.Open(name)
		},
	}
	for _, opt := range opts {
		opt(r)
	}

	pos, err := store.Load()
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to load checkpoint, starting from scratch")
	}
	r.pos = pos

	return r
}

// Position returns the current in-memory checkpoint
func (r *Reader) Position() types.TailPosition {
	return r.pos
}

// Err returns the error that ended the last pass, if any
func (r *Reader) Err() error {
	return r.err
}

// Lines returns the lines not yet consumed, with their zero-based index.
// Nothing is read when the file has not been modified since the last pass.
// The position only advances in memory; Commit persists it.
func (r *Reader) Lines() iter.Seq2[int64, string] {
	return func(yield func(int64, string) bool) {
		r.err = nil

		stat, err := os.Stat(r.path)
		if err != nil {
			r.err = fmt.Errorf("failed to stat file: %w", err)
			return
		}

		mtime := stat.ModTime()
		if !r.pos.LastUpdate.IsZero() && !mtime.After(r.pos.LastUpdate) {
			r.logger.Debug().Msg("File unchanged since last pass")
			return
		}

		file, err := r.open(r.path)
		if err != nil {
			r.err = fmt.Errorf("failed to open file: %w", err)
			return
		}
		defer file.Close()

		reader := bufio.NewReaderSize(file, readBufferSize)
		next := r.pos.LastLine
		var index int64
		complete := true

		for {
			line, err := reader.ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				r.err = fmt.Errorf("failed to read file: %w", err)
				// Lines already yielded are consumed
				r.advance(next)
				return
			}
			if line == "" {
				break
			}

			terminated := strings.HasSuffix(line, "\n")
			if !terminated && r.holdPartial {
				r.logger.Debug().Int64("line", index).Msg("Holding back partial line")
				break
			}

			if index >= r.pos.LastLine {
				if !yield(index, strings.TrimRight(line, "\r\n")) {
					next = index + 1
					complete = false
					break
				}
				next = index + 1
			}
			index++

			if !terminated {
				break
			}
		}

		if complete && index < r.pos.LastLine {
			r.logger.Warn().
				Int64("lines", index).
				Int64("checkpoint", r.pos.LastLine).
				Msg("File has fewer lines than checkpoint, it may have been truncated")
		}

		r.advance(next)
		if complete && mtime.After(r.pos.LastUpdate) {
			r.pos.LastUpdate = mtime
			r.dirty = true
		}
	}
}

func (r *Reader) advance(next int64) {
	if next != r.pos.LastLine {
		r.pos.LastLine = next
		r.dirty = true
	}
}

// Commit saves the position reached by the last pass together with the
// counter's total. It is a no-op when nothing changed.
func (r *Reader) Commit() error {
	if r.counter != nil && r.counter.Total() != r.pos.Seen {
		r.pos.Seen = r.counter.Total()
		r.dirty = true
	}
	if !r.dirty {
		return nil
	}
	if err := r.store.Save(r.pos); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	r.dirty = false
	return nil
}

// ReadAll drains one pass into a slice and commits it
func (r *Reader) ReadAll() ([]string, error) {
	var lines []string
	for _, line := range r.Lines() {
		lines = append(lines, line)
	}
	if err := r.Commit(); err != nil {
		return lines, errors.Join(r.Err(), err)
	}
	return lines, r.Err()
}
