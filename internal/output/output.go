package output

import (
	"context"
	"time"

	"github.com/therealutkarshpriyadarshi/marianboard/pkg/types"
)

// Sink records metric events in some backend
type Sink interface {
	// Write records a single event. Sinks that cannot show text
	// annotations treat text events as a no-op.
	Write(ctx context.Context, event types.MetricEvent) error

	// Name returns the name of the sink
	Name() string

	// Close flushes pending data and releases resources
	Close() error
}

// Flusher is implemented by sinks that buffer writes. The Dispatcher calls
// Flush at the end of every pass that produced events.
type Flusher interface {
	Flush(ctx context.Context) error
}

// CompressionType defines the compression algorithm to use
type CompressionType string

const (
	CompressionNone   CompressionType = "none"
	CompressionGzip   CompressionType = "gzip"
	CompressionSnappy CompressionType = "snappy"
)

// Source describes where events come from. Remote sinks stamp every record
// with it so runs from different machines can be told apart.
type Source struct {
	RunID string
	File  string
}

// Record is the document shape shared by the jsonl, kafka, elasticsearch
// and s3 sinks
type Record struct {
	RunID     string    `json:"run_id"`
	File      string    `json:"file"`
	Timestamp time.Time `json:"@timestamp"`
	types.MetricEvent
}

// NewRecord wraps event for a remote backend. Events without a wall time
// are stamped with now.
func NewRecord(src Source, event types.MetricEvent, now time.Time) Record {
	ts := event.Time()
	if ts.IsZero() {
		ts = now.UTC()
	}

	return Record{
		RunID:       src.RunID,
		File:        src.File,
		Timestamp:   ts,
		MetricEvent: event,
	}
}
