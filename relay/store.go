package relay

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"vaultsync/core"
)

var (
	bucketMutations = []byte("mutations")
	bucketCounts    = []byte("counts")
	bucketKnownKeys = []byte("known_public_keys")
)

var storeLogger = logrus.WithField("component", "relay.store")

// Store is the relay's append-only, opaque mutation store: one nested
// bucket per cloud id holding index-keyed raw Mutation bytes exactly as
// received, plus a shared table of verifying keys seen at index 0.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if absent) the relay's bbolt database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("relay: open store %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMutations, bucketCounts, bucketKnownKeys} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("relay: init store buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying bbolt handle.
func (s *Store) Close() error { return s.db.Close() }

func encodeIndex(i uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], i)
	return b[:]
}

func cloudKey(id [32]byte) []byte { return []byte(core.IDHex(id)) }

// Count returns the number of mutations stored for id.
func (s *Store) Count(id [32]byte) (uint64, error) {
	var n uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCounts).Get(cloudKey(id))
		if v != nil {
			n = binary.LittleEndian.Uint64(v)
		}
		return nil
	})
	return n, err
}

// Mutation returns the raw bytes stored at index for id, or found=false if
// index >= the current count.
func (s *Store) Mutation(id [32]byte, index uint64) (raw []byte, found bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMutations).Bucket(cloudKey(id))
		if b == nil {
			return nil
		}
		v := b.Get(encodeIndex(index))
		if v == nil {
			return nil
		}
		raw = append([]byte(nil), v...)
		found = true
		return nil
	})
	return raw, found, err
}

// KnownPublicKey looks up a previously seen public key by its hash.
func (s *Store) KnownPublicKey(hash [32]byte) ([]byte, bool, error) {
	var pub []byte
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKnownKeys).Get(hash[:])
		if v == nil {
			return nil
		}
		pub = append([]byte(nil), v...)
		ok = true
		return nil
	})
	return pub, ok, err
}

// Accept runs the storage half of mutation acceptance inside one bbolt
// write transaction: it re-reads the current count, rejects a
// non-contiguous index with ErrStaleWrite, records the verifying key on a
// first mutation, appends the raw bytes, and returns the new count.
func (s *Store) Accept(id [32]byte, index uint64, raw []byte, pubKeyHash [32]byte, pubKey []byte) (newCount uint64, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		counts := tx.Bucket(bucketCounts)
		key := cloudKey(id)

		existing := uint64(0)
		if v := counts.Get(key); v != nil {
			existing = binary.LittleEndian.Uint64(v)
		}
		if index != existing {
			return core.ErrStaleWrite
		}

		if index == 0 {
			if err := tx.Bucket(bucketKnownKeys).Put(pubKeyHash[:], pubKey); err != nil {
				return err
			}
		}

		b, err := tx.Bucket(bucketMutations).CreateBucketIfNotExists(key)
		if err != nil {
			return err
		}
		if err := b.Put(encodeIndex(index), raw); err != nil {
			return err
		}

		newCount = index + 1
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], newCount)
		return counts.Put(key, buf[:])
	})
	if err != nil {
		return 0, err
	}
	storeLogger.WithFields(logrus.Fields{"cloud": core.IDHex(id), "index": index}).Debug("mutation accepted")
	return newCount, nil
}
