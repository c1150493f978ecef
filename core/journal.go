package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTxs   = []byte("txs")
	bucketMeta  = []byte("meta")
	bucketTbls  = []byte("tables")
	metaKeyLen  = []byte("tx_len")
	metaKeyTail = []byte("tail_hash")
)

var journalLogger = logrus.WithField("component", "journal")

// Journal is the per-cloud (or per-application) transactional, ordered
// log of database operations with a materialized key/value view layered
// on top. It is backed by a single bbolt database file so that
// appending a JournalTransaction and applying its operations to the
// materialized view happen inside one ACID storage transaction.
type Journal struct {
	db   *bolt.DB
	path string
}

// OpenJournal opens (creating if absent) the journal at path. An empty
// path opens a journal backed by a fresh file in the system temp
// directory, for hosts with no writable data directory; Close does not
// remove that file.
func OpenJournal(path string) (*Journal, error) {
	if path == "" {
		f, err := os.CreateTemp("", "vaultsync-*.vsdb")
		if err != nil {
			return nil, fmt.Errorf("core: create temp journal: %w", err)
		}
		path = f.Name()
		_ = f.Close()
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		journalLogger.WithError(err).WithField("path", path).Error("open failed")
		return nil, fmt.Errorf("core: open journal %s: %w", path, err)
	}
	j := &Journal{db: db, path: path}
	if err := j.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTxs); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketTbls); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if meta.Get(metaKeyLen) == nil {
			if err := putU64(meta, metaKeyLen, 0); err != nil {
				return err
			}
			var zero [32]byte
			if err := meta.Put(metaKeyTail, zero[:]); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		journalLogger.WithError(err).WithField("path", path).Error("init buckets failed")
		_ = db.Close()
		return nil, fmt.Errorf("core: init journal buckets: %w", err)
	}
	return j, nil
}

// Close releases the underlying bbolt database handle.
func (j *Journal) Close() error { return j.db.Close() }

func encodeIndexKey(i uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], i)
	return b[:]
}

func decodeIndexKey(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

func putU64(b *bolt.Bucket, key []byte, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return b.Put(key, buf[:])
}

func getU64(b *bolt.Bucket, key []byte) uint64 {
	v := b.Get(key)
	if v == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(v)
}

func getTailHash(b *bolt.Bucket) [32]byte {
	var out [32]byte
	v := b.Get(metaKeyTail)
	copy(out[:], v)
	return out
}

// JournalTxLen returns the number of committed transactions.
func (j *Journal) JournalTxLen() (uint64, error) {
	var n uint64
	err := j.db.View(func(tx *bolt.Tx) error {
		n = getU64(tx.Bucket(bucketMeta), metaKeyLen)
		return nil
	})
	return n, err
}

// JournalTxByIndex returns the transaction at index i, or ErrNotFound.
func (j *Journal) JournalTxByIndex(i uint64) (JournalTransaction, error) {
	var tx JournalTransaction
	err := j.db.View(func(btx *bolt.Tx) error {
		raw := btx.Bucket(bucketTxs).Get(encodeIndexKey(i))
		if raw == nil {
			return ErrNotFound
		}
		decoded, err := DecodeJournalTransaction(raw)
		if err != nil {
			return err
		}
		tx = decoded
		return nil
	})
	return tx, err
}

// JournalTransactions returns every committed transaction in index order.
func (j *Journal) JournalTransactions() ([]JournalTransaction, error) {
	var out []JournalTransaction
	err := j.db.View(func(btx *bolt.Tx) error {
		return btx.Bucket(bucketTxs).ForEach(func(_, v []byte) error {
			tx, err := DecodeJournalTransaction(v)
			if err != nil {
				return err
			}
			out = append(out, tx)
			return nil
		})
	})
	return out, err
}

// TailHash returns the hash that the next transaction's LastTxHash must
// chain from.
func (j *Journal) TailHash() ([32]byte, error) {
	var out [32]byte
	err := j.db.View(func(tx *bolt.Tx) error {
		out = getTailHash(tx.Bucket(bucketMeta))
		return nil
	})
	return out, err
}

// applyOperations replays ops against the materialized table view inside
// an open write transaction.
func applyOperations(btx *bolt.Tx, ops []Operation) error {
	tables := btx.Bucket(bucketTbls)
	for _, op := range ops {
		switch op.Kind {
		case OpInsert:
			b, err := tables.CreateBucketIfNotExists([]byte(op.Table))
			if err != nil {
				return err
			}
			if err := b.Put(op.Key, op.Value); err != nil {
				return err
			}
		case OpRemove:
			b := tables.Bucket([]byte(op.Table))
			if b == nil {
				continue
			}
			if err := b.Delete(op.Key); err != nil {
				return err
			}
		case OpDeleteTable:
			if err := tables.DeleteBucket([]byte(op.Table)); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
		default:
			return fmt.Errorf("%w: unknown operation kind %d", ErrMalformed, op.Kind)
		}
	}
	return nil
}

// commitTx appends tx to the txs bucket and updates meta, inside an
// already-open write transaction.
func commitTx(btx *bolt.Tx, tx JournalTransaction) error {
	meta := btx.Bucket(bucketMeta)
	if err := btx.Bucket(bucketTxs).Put(encodeIndexKey(tx.Index), EncodeJournalTransaction(tx)); err != nil {
		return err
	}
	newHash := HashTx(tx)
	if err := putU64(meta, metaKeyLen, tx.Index+1); err != nil {
		return err
	}
	return meta.Put(metaKeyTail, newHash[:])
}

// TxBuilder accumulates operations for one journal transaction.
type TxBuilder struct {
	journal *Journal
	ops     []Operation
}

// BeginWrite starts a new transaction builder.
func (j *Journal) BeginWrite() *TxBuilder {
	return &TxBuilder{journal: j}
}

// Insert stages an Insert operation against table.
func (b *TxBuilder) Insert(table string, key, value []byte) *TxBuilder {
	b.ops = append(b.ops, Operation{Kind: OpInsert, Table: table, Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)})
	return b
}

// Remove stages a Remove operation against table.
func (b *TxBuilder) Remove(table string, key []byte) *TxBuilder {
	b.ops = append(b.ops, Operation{Kind: OpRemove, Table: table, Key: append([]byte(nil), key...)})
	return b
}

// DeleteTable stages the removal of an entire table.
func (b *TxBuilder) DeleteTable(table string) *TxBuilder {
	b.ops = append(b.ops, Operation{Kind: OpDeleteTable, Table: table})
	return b
}

// Commit atomically applies the staged operations to the materialized
// view and appends the resulting JournalTransaction at the next index,
// chained from the current tail hash. A crash mid-commit leaves the
// bbolt file either fully applied-and-journaled or fully rolled back.
func (b *TxBuilder) Commit() (JournalTransaction, error) {
	var result JournalTransaction
	err := b.journal.db.Update(func(btx *bolt.Tx) error {
		meta := btx.Bucket(bucketMeta)
		index := getU64(meta, metaKeyLen)
		tail := getTailHash(meta)
		result = JournalTransaction{Index: index, Operations: b.ops, LastTxHash: tail}
		if err := applyOperations(btx, b.ops); err != nil {
			return err
		}
		return commitTx(btx, result)
	})
	if err != nil {
		journalLogger.WithError(err).WithField("path", b.journal.path).Error("commit failed")
		return JournalTransaction{}, err
	}
	return result, nil
}

// AppendTx atomically applies a pre-built JournalTransaction received
// from the sync engine. It enforces I1/I2: tx.Index must equal the
// current length and tx.LastTxHash must equal hash(current tail),
// otherwise ErrChainBreak (or ErrIndexGap for a non-contiguous index).
func (j *Journal) AppendTx(tx JournalTransaction) error {
	err := j.db.Update(func(btx *bolt.Tx) error {
		meta := btx.Bucket(bucketMeta)
		length := getU64(meta, metaKeyLen)
		if tx.Index != length {
			return fmt.Errorf("%w: append index %d, expected %d", ErrIndexGap, tx.Index, length)
		}
		tail := getTailHash(meta)
		if tx.LastTxHash != tail {
			return fmt.Errorf("%w: at index %d", ErrChainBreak, tx.Index)
		}
		if err := applyOperations(btx, tx.Operations); err != nil {
			return err
		}
		return commitTx(btx, tx)
	})
	if err != nil {
		entry := journalLogger.WithField("path", j.path).WithField("index", tx.Index)
		switch {
		case errors.Is(err, ErrIndexGap), errors.Is(err, ErrChainBreak):
			entry.WithError(err).Warn("append rejected")
		default:
			entry.WithError(err).Error("append failed")
		}
	}
	return err
}

// Get reads a single key from table's materialized view.
func (j *Journal) Get(table string, key []byte) ([]byte, error) {
	var out []byte
	err := j.db.View(func(btx *bolt.Tx) error {
		b := btx.Bucket(bucketTbls).Bucket([]byte(table))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get(key)
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// ListKeys returns every key currently stored in table.
func (j *Journal) ListKeys(table string) ([][]byte, error) {
	var out [][]byte
	err := j.db.View(func(btx *bolt.Tx) error {
		b := btx.Bucket(bucketTbls).Bucket([]byte(table))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			out = append(out, append([]byte(nil), k...))
			return nil
		})
	})
	return out, err
}

// FindMany returns every (key, value) pair in table for which predicate
// returns true.
func (j *Journal) FindMany(table string, predicate func(key, value []byte) bool) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := j.db.View(func(btx *bolt.Tx) error {
		b := btx.Bucket(bucketTbls).Bucket([]byte(table))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if predicate(k, v) {
				out[string(k)] = append([]byte(nil), v...)
			}
			return nil
		})
	})
	return out, err
}

// Count returns the number of keys stored in table.
func (j *Journal) Count(table string) (int, error) {
	n := 0
	err := j.db.View(func(btx *bolt.Tx) error {
		b := btx.Bucket(bucketTbls).Bucket([]byte(table))
		if b == nil {
			return nil
		}
		stats := b.Stats()
		n = stats.KeyN
		return nil
	})
	return n, err
}
