package checkpoint

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/therealutkarshpriyadarshi/marianboard/pkg/types"
)

var (
	bucketName  = []byte("position")
	positionKey = []byte("tail")
)

const positionSize = 24

// BoltStore keeps the position in a bbolt database
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) the database at dbPath
func NewBoltStore(dbPath string) (*BoltStore, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb (file may be locked by another process): %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Load reads the persisted position
func (s *BoltStore) Load() (types.TailPosition, error) {
	var pos types.TailPosition

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		val := b.Get(positionKey)
		if val == nil {
			return nil
		}
		if len(val) != positionSize {
			return fmt.Errorf("invalid position value (%d bytes)", len(val))
		}

		pos = decodePosition(val)
		return nil
	})
	if err != nil {
		return types.TailPosition{}, fmt.Errorf("failed to load position: %w", err)
	}
	if pos.LastLine < 0 || pos.Seen < 0 {
		return types.TailPosition{}, fmt.Errorf("invalid position value")
	}

	return pos, nil
}

// Save replaces the persisted position in a single transaction
func (s *BoltStore) Save(pos types.TailPosition) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.Put(positionKey, encodePosition(pos))
	})
	if err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}

	return nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func encodePosition(pos types.TailPosition) []byte {
	val := make([]byte, positionSize)

	var nanos int64
	if !pos.LastUpdate.IsZero() {
		nanos = pos.LastUpdate.UnixNano()
	}
	binary.BigEndian.PutUint64(val[0:8], uint64(nanos))
	binary.BigEndian.PutUint64(val[8:16], uint64(pos.LastLine))
	binary.BigEndian.PutUint64(val[16:24], uint64(pos.Seen))

	return val
}

func decodePosition(val []byte) types.TailPosition {
	var pos types.TailPosition

	if nanos := int64(binary.BigEndian.Uint64(val[0:8])); nanos != 0 {
		pos.LastUpdate = time.Unix(0, nanos)
	}
	pos.LastLine = int64(binary.BigEndian.Uint64(val[8:16]))
	pos.Seen = int64(binary.BigEndian.Uint64(val[16:24]))

	return pos
}
