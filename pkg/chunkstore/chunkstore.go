// Package chunkstore implements the Chunk Store component: an object
// store over Transport's NATS connection for payloads too large to
// travel inline on an invocation message.
package chunkstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"

	"github.com/cuemby/wasmbus-host/pkg/log"
	"github.com/cuemby/wasmbus-host/pkg/metrics"
)

// ChunkThreshold is the payload size, in bytes, at or above which a
// payload must travel through the chunk store rather than inline on the
// invocation message. This is the single threshold this host honors;
// the source project's second SDK-side constant is not implemented.
const ChunkThreshold = 900 * 1024

// RequestKey returns the chunk store key for an invocation's request
// payload.
func RequestKey(invocationID string) string {
	return invocationID
}

// ResponseKey returns the chunk store key for an invocation's response
// payload.
func ResponseKey(invocationID string) string {
	return invocationID + "-r"
}

// Store is a per-lattice object store bucket, created lazily on first
// use.
type Store struct {
	nc      *nats.Conn
	lattice string

	store nats.ObjectStore
}

// New returns a Store bound to nc and scoped to lattice. The backing
// bucket is not created until the first Put or Get.
func New(nc *nats.Conn, lattice string) *Store {
	return &Store{nc: nc, lattice: lattice}
}

func (s *Store) bucket() (nats.ObjectStore, error) {
	if s.store != nil {
		return s.store, nil
	}

	js, err := s.nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	bucketName := s.lattice + "-chunks"

	store, err := js.ObjectStore(bucketName)
	if err != nil {
		store, err = js.CreateObjectStore(&nats.ObjectStoreConfig{Bucket: bucketName})
		if err != nil {
			return nil, fmt.Errorf("create object store %s: %w", bucketName, err)
		}
	}

	s.store = store
	return store, nil
}

// Put streams payload into the store under key.
func (s *Store) Put(ctx context.Context, key string, payload []byte) error {
	store, err := s.bucket()
	if err != nil {
		return err
	}

	_, err = store.Put(&nats.ObjectMeta{Name: key}, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("chunk put %s: %w", key, err)
	}

	metrics.ChunkPutsTotal.Inc()
	return nil
}

// Get reads the full payload stored under key and deletes the object
// afterward. A delete failure after a successful read is logged but
// does not fail the Get.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	store, err := s.bucket()
	if err != nil {
		return nil, err
	}

	obj, err := store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("chunk get %s: %w", key, err)
	}
	defer obj.Close()

	payload, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("chunk read %s: %w", key, err)
	}

	metrics.ChunkGetsTotal.Inc()

	if err := store.Delete(key); err != nil {
		log.Logger.Warn().Err(err).Str("key", key).Msg("chunk delete after read failed")
	}

	return payload, nil
}

// Delete removes the object stored under key, if present.
func (s *Store) Delete(ctx context.Context, key string) error {
	store, err := s.bucket()
	if err != nil {
		return err
	}
	if err := store.Delete(key); err != nil {
		return fmt.Errorf("chunk delete %s: %w", key, err)
	}
	return nil
}
