// Package hostid persists this host's identity across process restarts
// so the host_id segment used throughout the control plane's subjects
// stays stable without requiring an operator to pin it in host-data.
package hostid

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var bucketIdentity = []byte("identity")

const keyHostID = "host_id"

// Store is a tiny single-bucket bbolt database holding the host's
// generated identity.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the identity database under
// dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "hostid.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open hostid db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIdentity)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create identity bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadOrCreate returns the persisted host ID, generating and persisting
// a fresh one on first run. A non-empty override (typically supplied by
// host-data) is persisted and returned as-is, taking precedence over any
// previously stored value.
func (s *Store) LoadOrCreate(override string) (string, error) {
	if override != "" {
		return override, s.save(override)
	}

	existing, err := s.load()
	if err != nil {
		return "", err
	}
	if existing != "" {
		return existing, nil
	}

	generated := uuid.NewString()
	return generated, s.save(generated)
}

func (s *Store) load() (string, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdentity)
		v := b.Get([]byte(keyHostID))
		if v != nil {
			id = string(v)
		}
		return nil
	})
	return id, err
}

func (s *Store) save(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdentity)
		return b.Put([]byte(keyHostID), []byte(id))
	})
}
