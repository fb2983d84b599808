package kvs

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"

	"vecagent/internal/codec"
)

// MapBase is a durable map from K to V with per-entry timestamps.
type MapBase[K, V any] struct {
	db     *DB
	t      table
	kc     codec.Codec[K]
	vc     codec.Codec[V]
	length atomic.Int64
}

// NewMapBase binds a map to the table name inside db. Table names must not be
// prefixes of each other. With scanOnStartup the length counter is rebuilt by
// a full scan, otherwise it starts at zero.
func NewMapBase[K, V any](db *DB, name string, kc codec.Codec[K], vc codec.Codec[V], scanOnStartup bool) (*MapBase[K, V], error) {
	m := &MapBase[K, V]{db: db, t: newTable(name), kc: kc, vc: vc}
	if scanOnStartup {
		n, err := db.count(m.t)
		if err != nil {
			return nil, err
		}
		m.length.Store(n)
	}
	return m, nil
}

func (m *MapBase[K, V]) Get(ctx context.Context, key K) (V, Timestamp, error) {
	var zero V
	payload, ts, err := lookup(ctx, m.db, m.t, m.kc, key)
	if err != nil {
		return zero, Timestamp{}, err
	}
	v, err := m.vc.Decode(payload)
	if err != nil {
		return zero, Timestamp{}, err
	}
	return v, ts, nil
}

// Set writes key → (value, ts) and reports whether key was newly inserted.
func (m *MapBase[K, V]) Set(ctx context.Context, key K, value V, ts Timestamp) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	kb, err := m.kc.Encode(key)
	if err != nil {
		return false, err
	}
	vb, err := m.vc.Encode(value)
	if err != nil {
		return false, err
	}
	var inserted bool
	err = m.db.update(func(txn *badger.Txn) error {
		fk := m.t.key(kb)
		_, err := txn.Get(fk)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			inserted = true
		case err != nil:
			return err
		}
		return txn.Set(fk, joinValue(ts, vb))
	})
	if err != nil {
		return false, txError(err)
	}
	if inserted {
		m.length.Add(1)
	}
	return inserted, nil
}

// Delete removes key and returns the value it held.
func (m *MapBase[K, V]) Delete(ctx context.Context, key K) (V, error) {
	var zero V
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	kb, err := m.kc.Encode(key)
	if err != nil {
		return zero, err
	}
	var payload []byte
	err = m.db.update(func(txn *badger.Txn) error {
		_, payload, err = getRaw(txn, m.t, kb)
		if err != nil {
			return err
		}
		return txn.Delete(m.t.key(kb))
	})
	if err != nil {
		return zero, txError(err)
	}
	m.length.Add(-1)
	v, err := m.vc.Decode(payload)
	if err != nil {
		return zero, err
	}
	return v, nil
}

// Len is the in-memory entry counter; it never touches the store.
func (m *MapBase[K, V]) Len() int {
	return int(m.length.Load())
}

// RangeStream scans the map on a background goroutine. Cancel ctx to stop
// early; the channel is closed once the producer exits.
func (m *MapBase[K, V]) RangeStream(ctx context.Context) <-chan Item[K, V] {
	return stream(ctx, m.db, m.t, m.decode)
}

// Range lazily yields every entry. Each call starts a fresh scan, and breaking
// out of the loop stops the producer without draining it.
func (m *MapBase[K, V]) Range(ctx context.Context) iter.Seq2[Entry[K, V], error] {
	return rangeSeq(ctx, func(ctx context.Context) <-chan Item[K, V] {
		return m.RangeStream(ctx)
	})
}

// Flush makes every prior write durable.
func (m *MapBase[K, V]) Flush(ctx context.Context) error {
	return m.db.Flush(ctx)
}

// Clear removes every entry of the map.
func (m *MapBase[K, V]) Clear() error {
	if err := m.db.drop(m.t); err != nil {
		return err
	}
	m.length.Store(0)
	return nil
}

func (m *MapBase[K, V]) decode(kb, vb []byte) (K, V, error) {
	var v V
	k, err := m.kc.Decode(kb)
	if err != nil {
		return k, v, err
	}
	v, err = m.vc.Decode(vb)
	return k, v, err
}

func rangeSeq[K, V any](ctx context.Context, open func(context.Context) <-chan Item[K, V]) iter.Seq2[Entry[K, V], error] {
	return func(yield func(Entry[K, V], error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		for it := range open(ctx) {
			if !yield(it.Entry, it.Err) {
				return
			}
		}
	}
}
