package types

import (
	"fmt"
	"hash/fnv"
	"path/filepath"
	"strings"
	"time"
)

// EventKind distinguishes numeric series from text annotations
type EventKind string

const (
	KindScalar EventKind = "scalar"
	KindText   EventKind = "text"
)

// MetricEvent is a single metric extracted from a training log line.
// Scalar events always carry Step; text events carry Text and may omit both
// Step and WallTime.
type MetricEvent struct {
	Kind     EventKind `json:"kind"`
	WallTime *int64    `json:"wall_time,omitempty"` // seconds since epoch, UTC
	Step     *int64    `json:"step,omitempty"`
	Name     string    `json:"name"`
	Value    float64   `json:"value"`
	Text     string    `json:"text,omitempty"`
}

// Scalar builds a scalar event
func Scalar(name string, step, wallTime int64, value float64) MetricEvent {
	return MetricEvent{
		Kind:     KindScalar,
		WallTime: &wallTime,
		Step:     &step,
		Name:     name,
		Value:    value,
	}
}

// Text builds a text annotation event
func Text(name, value string) MetricEvent {
	return MetricEvent{
		Kind: KindText,
		Name: name,
		Text: value,
	}
}

// StepOr returns the event step or def when the event has none
func (e MetricEvent) StepOr(def int64) int64 {
	if e.Step == nil {
		return def
	}
	return *e.Step
}

// Time returns the wall time of the event, or the zero time
func (e MetricEvent) Time() time.Time {
	if e.WallTime == nil {
		return time.Time{}
	}
	return time.Unix(*e.WallTime, 0).UTC()
}

func (e MetricEvent) String() string {
	if e.Kind == KindText {
		return fmt.Sprintf("text %s=%q", e.Name, e.Text)
	}
	return fmt.Sprintf("scalar %s=%g step=%d time=%d", e.Name, e.Value, e.StepOr(-1), e.Time().Unix())
}

// TailPosition tracks how much of a log file has been processed.
// LastLine is the number of lines already consumed, so the next line to read
// has zero-based index LastLine. Seen is the running total of training items
// reported by the log, carried across restarts.
type TailPosition struct {
	LastUpdate time.Time `json:"last_update"`
	LastLine   int64     `json:"last_line"`
	Seen       int64     `json:"seen"`
}

// IsZero reports whether nothing has been processed yet
func (p TailPosition) IsZero() bool {
	return p.LastUpdate.IsZero() && p.LastLine == 0 && p.Seen == 0
}

// MonitoredFile identifies a log source and its checkpoint directory
type MonitoredFile struct {
	Path    string `json:"path"`
	AbsPath string `json:"abs_path"`
	DirName string `json:"dir_name"`
}

// NewMonitoredFile resolves path and derives its checkpoint directory name
func NewMonitoredFile(path string) (MonitoredFile, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return MonitoredFile{}, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	return MonitoredFile{
		Path:    path,
		AbsPath: abs,
		DirName: DirName(abs),
	}, nil
}

var dirNameReplacer = strings.NewReplacer("/", "__", "\\", "__", " ", "_", ":", "")

// DirName turns an absolute path into a single safe directory component.
// The readable part drops the extension; a hash of the full path keeps names
// of distinct paths apart when the readable parts collide.
func DirName(absPath string) string {
	readable := strings.TrimSuffix(absPath, filepath.Ext(absPath))
	readable = dirNameReplacer.Replace(readable)

	h := fnv.New32a()
	h.Write([]byte(absPath))

	return fmt.Sprintf("%s-%08x", readable, h.Sum32())
}
