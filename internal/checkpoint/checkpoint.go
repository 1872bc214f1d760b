// Package checkpoint persists per-file tail positions so that tailing can
// resume where the previous run stopped.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/therealutkarshpriyadarshi/marianboard/pkg/types"
)

// Backend selects the on-disk format of a Store
type Backend string

const (
	BackendFile Backend = "file"
	BackendBolt Backend = "bolt"
)

const (
	stateFileName = "state.json"
	stateDBName   = "state.db"
)

// Store loads and saves the position of a single monitored file.
// Load never fails hard: a missing checkpoint yields the zero position and a
// nil error, an unreadable one yields the zero position and the cause.
type Store interface {
	Load() (types.TailPosition, error)
	Save(pos types.TailPosition) error
	Close() error
}

// Open opens the store for a checkpoint directory, creating the directory
func Open(backend Backend, dir string) (Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	switch backend {
	case BackendFile, "":
		return NewFileStore(dir), nil
	case BackendBolt:
		return NewBoltStore(filepath.Join(dir, stateDBName))
	default:
		return nil, fmt.Errorf("unknown checkpoint backend: %s", backend)
	}
}

// FileStore keeps the position in a small JSON file
type FileStore struct {
	path string
}

// NewFileStore creates a store writing state.json inside dir
func NewFileStore(dir string) *FileStore {
	return &FileStore{path: filepath.Join(dir, stateFileName)}
}

// Path returns the state file location
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the persisted position
func (s *FileStore) Load() (types.TailPosition, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return types.TailPosition{}, nil
		}
		return types.TailPosition{}, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var pos types.TailPosition
	if err := json.Unmarshal(data, &pos); err != nil {
		return types.TailPosition{}, fmt.Errorf("failed to unmarshal checkpoint data: %w", err)
	}
	if pos.LastLine < 0 || pos.Seen < 0 {
		return types.TailPosition{}, fmt.Errorf("invalid checkpoint data in %s", s.path)
	}

	return pos, nil
}

// Save atomically replaces the persisted position
func (s *FileStore) Save(pos types.TailPosition) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint data: %w", err)
	}

	// Write to temporary file first, then rename for atomicity
	tmpFile := s.path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}

	if err := os.Rename(tmpFile, s.path); err != nil {
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}

	return nil
}

// Close is a no-op for file stores
func (s *FileStore) Close() error {
	return nil
}
