// Package bolt backs trust.Store with go.etcd.io/bbolt, an embedded
// KV store — a clean fit for a small, durable, single-writer
// fingerprint table keyed by peer endpoint.
package bolt

import (
	"context"

	bolt "go.etcd.io/bbolt"

	"github.com/pkg/errors"

	"github.com/leafsync/leafsync/trust"
)

var bucketName = []byte("fingerprints")

// Store is a bbolt-backed trust.Store.
type Store struct {
	db *bolt.DB
}

var _ trust.Store = (*Store)(nil)

// Open opens (creating if absent) a bbolt database at path and
// ensures its fingerprints bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "opening trust store %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating fingerprints bucket")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Lookup implements trust.Store.
func (s *Store) Lookup(_ context.Context, endpoint string) (string, bool, error) {
	var (
		fingerprint string
		ok          bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(endpoint))
		if v != nil {
			fingerprint = string(v)
			ok = true
		}
		return nil
	})
	return fingerprint, ok, errors.Wrapf(err, "looking up fingerprint for %s", endpoint)
}

// Pin implements trust.Store.
func (s *Store) Pin(_ context.Context, endpoint, fingerprint string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(endpoint), []byte(fingerprint))
	})
	return errors.Wrapf(err, "pinning fingerprint for %s", endpoint)
}

// Remove implements trust.Store.
func (s *Store) Remove(_ context.Context, endpoint string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(endpoint))
	})
	return errors.Wrapf(err, "removing pin for %s", endpoint)
}

// List implements trust.Store.
func (s *Store) List(_ context.Context) (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	return out, errors.Wrap(err, "listing pinned fingerprints")
}
