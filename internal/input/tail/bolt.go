package inputtail

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/MuchTitan/go-log-shipper/internal"
	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

const bucketName = "file_states"

var errBucketNotFound = errors.New("bucket not found")

// BoltRepository stores file states in a single bbolt bucket. Values hold the
// offset and the update time as two big endian int64s.
type BoltRepository struct {
	db *bbolt.DB
}

func NewBoltRepository(dbPath string) (*BoltRepository, error) {
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb %s (may be locked by another process): %w", dbPath, err)
	}
	logrus.WithField("file", dbPath).Debug("Opened bolt database.")
	return &BoltRepository{db: db}, nil
}

func (r *BoltRepository) CreateTables() error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
}

func (r *BoltRepository) GetFileState(path string, id internal.FileIdentity) (*FileState, error) {
	var state *FileState
	err := r.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return errBucketNotFound
		}
		val := b.Get(makeKey(path, id))
		if val == nil {
			return nil
		}
		offset, updated, err := decodeValue(val)
		if err != nil {
			return err
		}
		state = &FileState{Path: path, Identity: id, Offset: offset, UpdatedAt: updated}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get file state: %w", err)
	}
	return state, nil
}

func (r *BoltRepository) BatchUpsertFileStates(states []FileState) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return errBucketNotFound
		}
		for _, state := range states {
			if err := b.Put(makeKey(state.Path, state.Identity), encodeValue(state)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *BoltRepository) CleanupOldEntries(thresholdDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -thresholdDays)
	var deleted int64
	err := r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return errBucketNotFound
		}
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			_, updated, err := decodeValue(v)
			if err != nil || updated.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

func (r *BoltRepository) Close() error {
	return r.db.Close()
}

// makeKey joins path and identity with NUL separators.
func makeKey(path string, id internal.FileIdentity) []byte {
	return []byte(fmt.Sprintf("%s\x00%d\x00%d", path, id.Device, id.Inode))
}

func encodeValue(state FileState) []byte {
	val := make([]byte, 16)
	binary.BigEndian.PutUint64(val[:8], uint64(state.Offset))
	binary.BigEndian.PutUint64(val[8:], uint64(state.UpdatedAt.Unix()))
	return val
}

func decodeValue(val []byte) (int64, time.Time, error) {
	if len(val) < 16 {
		return 0, time.Time{}, errors.New("invalid file state value")
	}
	offset := int64(binary.BigEndian.Uint64(val[:8]))
	updated := int64(binary.BigEndian.Uint64(val[8:]))
	return offset, time.Unix(updated, 0), nil
}
