// Package kvs provides durable typed maps over an embedded badger store.
//
// Several maps share one DB; each map owns one or more tables, and a table
// is a key prefix inside the DB. Values are stored as a 16 byte big-endian
// timestamp followed by the encoded value.
package kvs

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	pkgerrors "vecagent/pkg/errors"
	"vecagent/pkg/logger"
)

const (
	timestampSize     = 16
	DefaultScanBuffer = 128
)

// Timestamp is a 128-bit logical timestamp; Hi usually carries an epoch and
// Lo a sequence or nanosecond offset.
type Timestamp struct {
	Hi uint64
	Lo uint64
}

// NewTimestamp composes a timestamp from an epoch and a sequence.
func NewTimestamp(epoch, seq uint64) Timestamp {
	return Timestamp{Hi: epoch, Lo: seq}
}

// TimestampFromTime uses unix seconds as the epoch and the nanosecond
// remainder as the sequence.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp{Hi: uint64(t.Unix()), Lo: uint64(t.Nanosecond())}
}

// UnixNano collapses the timestamp back to nanoseconds. Only meaningful for
// timestamps built by TimestampFromTime.
func (t Timestamp) UnixNano() int64 {
	return int64(t.Hi)*int64(time.Second) + int64(t.Lo)
}

// Compare returns -1, 0 or 1.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Hi < o.Hi:
		return -1
	case t.Hi > o.Hi:
		return 1
	case t.Lo < o.Lo:
		return -1
	case t.Lo > o.Lo:
		return 1
	}
	return 0
}

func (t Timestamp) IsZero() bool {
	return t.Hi == 0 && t.Lo == 0
}

func joinValue(ts Timestamp, payload []byte) []byte {
	buf := make([]byte, timestampSize, timestampSize+len(payload))
	binary.BigEndian.PutUint64(buf[:8], ts.Hi)
	binary.BigEndian.PutUint64(buf[8:], ts.Lo)
	return append(buf, payload...)
}

func splitValue(raw []byte) (Timestamp, []byte, error) {
	if len(raw) < timestampSize {
		return Timestamp{}, nil, fmt.Errorf("%w: stored value shorter than timestamp (%d bytes)", pkgerrors.ErrCodec, len(raw))
	}
	ts := Timestamp{
		Hi: binary.BigEndian.Uint64(raw[:8]),
		Lo: binary.BigEndian.Uint64(raw[8:timestampSize]),
	}
	return ts, raw[timestampSize:], nil
}

// Entry is one (key, value, timestamp) triple of a map.
type Entry[K, V any] struct {
	Key       K
	Value     V
	Timestamp Timestamp
}

// Item is an Entry delivered over a stream, or the error that ended it.
type Item[K, V any] struct {
	Entry[K, V]
	Err error
}

// Options configures the badger DB backing the maps.
type Options struct {
	// Dir is required unless InMemory is set.
	Dir string

	// InMemory keeps everything in memory; Flush becomes a no-op.
	InMemory bool

	// SyncWrites fsyncs on every commit.
	SyncWrites bool

	// ScanBuffer bounds the queue between a background scan and its reader.
	ScanBuffer int
}

// DB is a badger instance shared by the maps built on it.
type DB struct {
	db         *badger.DB
	inMemory   bool
	scanBuffer int

	// commitHook, when set, runs inside every mutation right before commit.
	commitHook func()
}

// Open opens or creates the store.
func Open(opts Options) (*DB, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("kvs: Options.Dir is required for on-disk mode")
	}
	bopts := badger.DefaultOptions(opts.Dir).
		WithLogger(logger.Badger()).
		WithSyncWrites(opts.SyncWrites)
	if opts.InMemory {
		bopts = bopts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("kvs: failed to open badger at %q: %w", opts.Dir, err)
	}
	if opts.ScanBuffer <= 0 {
		opts.ScanBuffer = DefaultScanBuffer
	}
	return &DB{db: db, inMemory: opts.InMemory, scanBuffer: opts.ScanBuffer}, nil
}

// Flush forces all committed writes to stable storage. The sync runs on its
// own goroutine; cancelling ctx stops the wait, not the sync.
func (d *DB) Flush(ctx context.Context) error {
	if d.inMemory {
		return nil
	}
	done := make(chan error, 1)
	go func() {
		done <- d.db.Sync()
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("kvs: flush: %w", err)
		}
		return nil
	}
}

func (d *DB) Close() error {
	return d.db.Close()
}

// update runs fn in one read-write transaction. badger.ErrConflict from a
// concurrent writer surfaces through txError as ErrTransaction.
func (d *DB) update(fn func(txn *badger.Txn) error) error {
	return d.db.Update(func(txn *badger.Txn) error {
		if err := fn(txn); err != nil {
			return err
		}
		if d.commitHook != nil {
			d.commitHook()
		}
		return nil
	})
}

// txError classifies a failed badger transaction. Codec errors keep their
// own sentinel, everything else from badger is a transaction failure.
func txError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pkgerrors.ErrCodec), errors.Is(err, pkgerrors.ErrNotFound):
		return err
	default:
		return fmt.Errorf("%w: %v", pkgerrors.ErrTransaction, err)
	}
}

// table is a key namespace inside the DB.
type table struct {
	prefix []byte
}

func newTable(name string) table {
	return table{prefix: []byte(name + "/")}
}

func (t table) key(k []byte) []byte {
	out := make([]byte, 0, len(t.prefix)+len(k))
	out = append(out, t.prefix...)
	return append(out, k...)
}

func (t table) strip(k []byte) []byte {
	return bytes.TrimPrefix(k, t.prefix)
}

// getRaw reads one entry of t inside txn.
func getRaw(txn *badger.Txn, t table, k []byte) (Timestamp, []byte, error) {
	item, err := txn.Get(t.key(k))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Timestamp{}, nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return Timestamp{}, nil, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return Timestamp{}, nil, err
	}
	return splitValue(raw)
}

// count scans t and returns its number of keys.
func (d *DB) count(t table) (int64, error) {
	var n int64
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = t.prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(t.prefix); it.ValidForPrefix(t.prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, txError(err)
}

// drop deletes every key of t.
func (d *DB) drop(t table) error {
	return txError(d.db.DropPrefix(t.prefix))
}

// stream runs a full scan of t on a background goroutine and delivers the
// decoded entries over a channel of capacity scanBuffer. The channel closes
// when the scan finishes, fails, or ctx is cancelled.
func stream[K, V any](ctx context.Context, d *DB, t table, decode func(k, v []byte) (K, V, error)) <-chan Item[K, V] {
	ch := make(chan Item[K, V], d.scanBuffer)
	go func() {
		defer close(ch)
		send := func(it Item[K, V]) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- it:
				return true
			}
		}
		errStop := errors.New("stop")
		err := d.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = t.prefix
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Seek(t.prefix); it.ValidForPrefix(t.prefix); it.Next() {
				item := it.Item()
				raw, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				ts, payload, err := splitValue(raw)
				if err != nil {
					return err
				}
				k, v, err := decode(t.strip(item.KeyCopy(nil)), payload)
				if err != nil {
					return err
				}
				if !send(Item[K, V]{Entry: Entry[K, V]{Key: k, Value: v, Timestamp: ts}}) {
					return errStop
				}
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStop) {
			send(Item[K, V]{Err: txError(err)})
		}
	}()
	return ch
}
