package registry

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/wasmbus-host/pkg/types"
)

var (
	bucketLinks   = []byte("links")
	bucketConfigs = []byte("configs")
	bucketSecrets = []byte("secrets")
)

// warmCache persists the links and named configs of registry snapshots
// (not their secret references) to a single bbolt file so a
// restarted host has a best-effort cache before lattice replay
// completes. It is never the source of truth.
type warmCache struct {
	db *bolt.DB
}

// OpenWarmCache opens (creating if necessary) the registry's bbolt
// database under dataDir.
func OpenWarmCache(dataDir string) (*warmCache, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "registry.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open registry warm cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketLinks, bucketConfigs, bucketSecrets} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &warmCache{db: db}, nil
}

func (w *warmCache) close() error {
	return w.db.Close()
}

// linkRecord is the on-disk shape of a Link, since types.LinkKey is not
// itself a valid bbolt key (it is a struct, not a string).
type linkRecord struct {
	Key  types.LinkKey `json:"key"`
	Link types.Link    `json:"link"`
}

func (w *warmCache) save(snap *registrySnapshot) error {
	return w.db.Update(func(tx *bolt.Tx) error {
		links := tx.Bucket(bucketLinks)
		if err := links.ForEach(func(k, _ []byte) error { return links.Delete(k) }); err != nil {
			return err
		}
		for key, link := range snap.links {
			data, err := json.Marshal(linkRecord{Key: key, Link: link})
			if err != nil {
				return err
			}
			if err := links.Put([]byte(key.String()), data); err != nil {
				return err
			}
		}

		configs := tx.Bucket(bucketConfigs)
		if err := configs.ForEach(func(k, _ []byte) error { return configs.Delete(k) }); err != nil {
			return err
		}
		for name, values := range snap.configs {
			data, err := json.Marshal(values)
			if err != nil {
				return err
			}
			if err := configs.Put([]byte(name), data); err != nil {
				return err
			}
		}

		// Secret references are never written to disk; the secrets
		// bucket is only cleared of anything an older file held.
		secrets := tx.Bucket(bucketSecrets)
		if err := secrets.ForEach(func(k, _ []byte) error { return secrets.Delete(k) }); err != nil {
			return err
		}

		return nil
	})
}

func (w *warmCache) load() (*registrySnapshot, error) {
	snap := emptySnapshot()

	err := w.db.View(func(tx *bolt.Tx) error {
		links := tx.Bucket(bucketLinks)
		if err := links.ForEach(func(_, v []byte) error {
			var rec linkRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			snap.links[rec.Key] = rec.Link
			return nil
		}); err != nil {
			return err
		}

		configs := tx.Bucket(bucketConfigs)
		if err := configs.ForEach(func(k, v []byte) error {
			var values map[string]string
			if err := json.Unmarshal(v, &values); err != nil {
				return err
			}
			snap.configs[string(k)] = values
			return nil
		}); err != nil {
			return err
		}

		secrets := tx.Bucket(bucketSecrets)
		return secrets.ForEach(func(k, v []byte) error {
			var values map[string]types.SecretRef
			if err := json.Unmarshal(v, &values); err != nil {
				return err
			}
			snap.secrets[string(k)] = values
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return snap, nil
}
