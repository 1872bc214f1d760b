package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/marianboard/pkg/types"
)

// ErrMalformedLine is returned when a line matches a pattern but one of its
// fields cannot be converted.
var ErrMalformedLine = errors.New("malformed log line")

// Parser turns one line of a training log into metric events
type Parser interface {
	// Parse returns the events found in line, possibly none
	Parse(line string) ([]types.MetricEvent, error)

	// Name returns the parser name
	Name() string
}

// State is the running aggregate a parser carries across lines. It counts
// the training items reported by "Seen N" lines.
type State struct {
	seen atomic.Int64
}

// NewState creates a state seeded with a previously persisted total
func NewState(seen int64) *State {
	s := &State{}
	s.seen.Store(seen)
	return s
}

// Total returns the running total
func (s *State) Total() int64 {
	return s.seen.Load()
}

func (s *State) add(n int64) {
	s.seen.Add(n)
}

// TimeLayout is the layout of the leading timestamp of every log line
const TimeLayout = "2006-01-02 15:04:05"

// ParseWallTime reads the first two whitespace-separated tokens of line as a
// UTC timestamp, with optional surrounding brackets.
func ParseWallTime(line string) (int64, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, fmt.Errorf("%w: missing timestamp", ErrMalformedLine)
	}

	stamp := strings.TrimPrefix(fields[0], "[") + " " + strings.TrimSuffix(fields[1], "]")
	ts, err := time.ParseInLocation(TimeLayout, stamp, time.UTC)
	if err != nil {
		return 0, fmt.Errorf("%w: bad timestamp %q", ErrMalformedLine, stamp)
	}

	return ts.Unix(), nil
}

// parseCount parses an integer that may contain thousands separators
func parseCount(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.ReplaceAll(s, ",", ""), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad integer %q", ErrMalformedLine, s)
	}
	return n, nil
}

func parseValue(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad number %q", ErrMalformedLine, s)
	}
	return f, nil
}
