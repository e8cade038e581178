package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/substratehq/substrate/pkg/types"
)

var (
	// Bucket layout: executions holds one nested bucket per kernel id,
	// keyed by a big-endian sequence number so iteration yields
	// completion order.
	bucketExecutions = []byte("executions")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the archive database under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "history.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketExecutions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SaveExecution appends a completed execution to the kernel's archive
func (s *BoltStore) SaveExecution(kernelID string, rec *types.ExecutionRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketExecutions)
		b, err := root.CreateBucketIfNotExists([]byte(kernelID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return b.Put(key[:], data)
	})
}

// ListExecutions returns the kernel's archived executions in completion order
func (s *BoltStore) ListExecutions(kernelID string) ([]*types.ExecutionRecord, error) {
	var records []*types.ExecutionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions).Bucket([]byte(kernelID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var rec types.ExecutionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// DeleteKernel removes a kernel's archive bucket
func (s *BoltStore) DeleteKernel(kernelID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketExecutions)
		if root.Bucket([]byte(kernelID)) == nil {
			return nil
		}
		return root.DeleteBucket([]byte(kernelID))
	})
}
