package output

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/therealutkarshpriyadarshi/marianboard/pkg/types"
)

// EventFilePrefix starts the name of every TensorBoard event file
const EventFilePrefix = "events.out.tfevents."

const (
	fileVersion = "brain.Event:2"
	textPlugin  = "text"
	dtString    = 7
	crcMaskIncr = 0xa282ead8
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// TensorBoardSink appends events to a TensorBoard event file. Scalars become
// simple_value summaries, text events become text plugin tensors.
type TensorBoardSink struct {
	path string
	now  func() time.Time

	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
}

// NewTensorBoardSink creates a new event file in dir
func NewTensorBoardSink(dir string) (*TensorBoardSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create event directory: %w", err)
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}

	now := time.Now()
	path := filepath.Join(dir, fmt.Sprintf("%s%010d.%s", EventFilePrefix, now.Unix(), host))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event file: %w", err)
	}

	s := &TensorBoardSink{
		path: path,
		now:  time.Now,
		file: file,
		w:    bufio.NewWriter(file),
	}

	header := appendEvent(nil, wallSeconds(now), 0, func(b []byte) []byte {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		return protowire.AppendString(b, fileVersion)
	})
	if err := s.writeRecord(header); err != nil {
		file.Close()
		return nil, err
	}

	return s, nil
}

// Path returns the event file path
func (s *TensorBoardSink) Path() string {
	return s.path
}

func (s *TensorBoardSink) Write(ctx context.Context, event types.MetricEvent) error {
	var record []byte

	switch event.Kind {
	case types.KindScalar:
		wall := wallSeconds(s.now())
		if event.WallTime != nil {
			wall = float64(*event.WallTime)
		}
		record = appendEvent(nil, wall, event.StepOr(0), func(b []byte) []byte {
			return appendSummary(b, scalarValue(event.Name, event.Value))
		})
	case types.KindText:
		record = appendEvent(nil, wallSeconds(s.now()), event.StepOr(0), func(b []byte) []byte {
			return appendSummary(b, textValue(event.Name, event.Text))
		})
	default:
		return fmt.Errorf("unsupported event kind: %s", event.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeRecord(record)
}

// Flush writes buffered records and syncs the event file
func (s *TensorBoardSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush event file: %w", err)
	}
	return s.file.Sync()
}

func (s *TensorBoardSink) Name() string {
	return "tensorboard"
}

func (s *TensorBoardSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}

	flushErr := s.w.Flush()
	closeErr := s.file.Close()
	s.file = nil

	if flushErr != nil {
		return fmt.Errorf("failed to flush event file: %w", flushErr)
	}
	return closeErr
}

// writeRecord frames data as a TFRecord: length, masked crc of the length,
// data, masked crc of the data
func (s *TensorBoardSink) writeRecord(data []byte) error {
	if s.file == nil {
		return fmt.Errorf("event file is closed")
	}

	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(len(data)))
	binary.LittleEndian.PutUint32(header[8:], maskedCRC(header[:8]))

	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], maskedCRC(data))

	for _, chunk := range [][]byte{header[:], data, footer[:]} {
		if _, err := s.w.Write(chunk); err != nil {
			return fmt.Errorf("failed to write event record: %w", err)
		}
	}
	return nil
}

func maskedCRC(data []byte) uint32 {
	crc := crc32.Checksum(data, castagnoli)
	return ((crc >> 15) | (crc << 17)) + crcMaskIncr
}

func wallSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// appendEvent encodes a tensorflow.Event message. body appends the oneof
// payload (file_version or summary).
func appendEvent(b []byte, wallTime float64, step int64, body func([]byte) []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(wallTime))
	if step != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(step))
	}
	return body(b)
}

// appendSummary encodes Event.summary holding a single Summary.Value
func appendSummary(b []byte, value []byte) []byte {
	var summary []byte
	summary = protowire.AppendTag(summary, 1, protowire.BytesType)
	summary = protowire.AppendBytes(summary, value)

	b = protowire.AppendTag(b, 5, protowire.BytesType)
	return protowire.AppendBytes(b, summary)
}

func scalarValue(tag string, value float64) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, tag)
	b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(float32(value)))
}

func textValue(tag, text string) []byte {
	// SummaryMetadata{plugin_data: {plugin_name: "text"}}
	var plugin []byte
	plugin = protowire.AppendTag(plugin, 1, protowire.BytesType)
	plugin = protowire.AppendString(plugin, textPlugin)

	var metadata []byte
	metadata = protowire.AppendTag(metadata, 1, protowire.BytesType)
	metadata = protowire.AppendBytes(metadata, plugin)

	// TensorProto{dtype: DT_STRING, tensor_shape: {dim: [{size: 1}]}, string_val: [text]}
	var dim []byte
	dim = protowire.AppendTag(dim, 1, protowire.VarintType)
	dim = protowire.AppendVarint(dim, 1)

	var shape []byte
	shape = protowire.AppendTag(shape, 2, protowire.BytesType)
	shape = protowire.AppendBytes(shape, dim)

	var tensor []byte
	tensor = protowire.AppendTag(tensor, 1, protowire.VarintType)
	tensor = protowire.AppendVarint(tensor, dtString)
	tensor = protowire.AppendTag(tensor, 2, protowire.BytesType)
	tensor = protowire.AppendBytes(tensor, shape)
	tensor = protowire.AppendTag(tensor, 8, protowire.BytesType)
	tensor = protowire.AppendString(tensor, text)

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, tag)
	b = protowire.AppendTag(b, 8, protowire.BytesType)
	b = protowire.AppendBytes(b, tensor)
	b = protowire.AppendTag(b, 9, protowire.BytesType)
	return protowire.AppendBytes(b, metadata)
}
