// Package store is the bbolt-backed persistence layer: one bucket per
// entity, JSON-marshalled values, transactions from go.etcd.io/bbolt.
// bbolt opens the database file with a single writer, so every bucket
// mutation in this package is already serialized, giving job claims the
// same atomicity a relational SELECT ... FOR UPDATE SKIP LOCKED would,
// without introducing a relational database.
package store

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs         = []byte("jobs")
	bucketStacks       = []byte("stacks")
	bucketDeployments  = []byte("deployments")
	bucketCertificates = []byte("certificates")
	bucketHealth       = []byte("health_checks")
	bucketMetrics      = []byte("metrics")
	bucketAlerts       = []byte("alerts")
)

// BoltStore is the shared handle every per-entity store wraps.
type BoltStore struct {
	db *bolt.DB
}

// Open opens (creating if absent) the control plane's database file under
// dataDir and ensures every bucket exists.
func Open(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "deployerd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	buckets := [][]byte{
		bucketJobs,
		bucketStacks,
		bucketDeployments,
		bucketCertificates,
		bucketHealth,
		bucketMetrics,
		bucketAlerts,
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
