// Package boltstore is the default store.KV adapter, backed by an embedded
// go.etcd.io/bbolt database file. bbolt is the pack's consistent choice for
// local/embedded device state (jeongkyun-oh-klaytn, gravwell-gravwell,
// josephblackelite-nhbchain, prysmaticlabs-prysm, virtengine-virtengine,
// chaitanyaphalak-go-mcast all persist local state through it).
package boltstore

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/noisemesh/meshchat/store"
)

// Store is a store.KV backed by a bbolt database. Each namespace is a
// bolt bucket, created on first use.
type Store struct {
	db *bolt.DB
}

var _ store.KV = (*Store)(nil)

// Open opens (creating if necessary) the bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return store.ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return store.ErrNotFound
		}
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *Store) Put(namespace, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return fmt.Errorf("boltstore: create bucket %s: %w", namespace, err)
		}
		return b.Put([]byte(key), value)
	})
}

func (s *Store) Delete(namespace, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (s *Store) IteratePrefix(namespace, prefix string, fn func(key string, value []byte) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && hasPrefix(k, p); k, v = c.Next() {
			if !fn(string(k), v) {
				break
			}
		}
		return nil
	})
}

func (s *Store) ClearNamespace(namespace string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(namespace)) == nil {
			return nil
		}
		if err := tx.DeleteBucket([]byte(namespace)); err != nil {
			return fmt.Errorf("boltstore: delete bucket %s: %w", namespace, err)
		}
		_, err := tx.CreateBucket([]byte(namespace))
		return err
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
