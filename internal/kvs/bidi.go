package kvs

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"

	"vecagent/internal/codec"
	pkgerrors "vecagent/pkg/errors"
)

// Bidi maps K to V and V back to K. The forward and inverse tables live in
// the same badger DB so every mutation commits both sides in one transaction.
type Bidi[K, V any] struct {
	db     *DB
	fwd    table
	inv    table
	kc     codec.Codec[K]
	vc     codec.Codec[V]
	length atomic.Int64
}

// NewBidi binds a bidirectional map to the tables name/f and name/i.
func NewBidi[K, V any](db *DB, name string, kc codec.Codec[K], vc codec.Codec[V], scanOnStartup bool) (*Bidi[K, V], error) {
	b := &Bidi[K, V]{
		db:  db,
		fwd: newTable(name + "/f"),
		inv: newTable(name + "/i"),
		kc:  kc,
		vc:  vc,
	}
	if scanOnStartup {
		n, err := db.count(b.fwd)
		if err != nil {
			return nil, err
		}
		b.length.Store(n)
	}
	return b, nil
}

// Get returns the value and timestamp stored for key.
func (b *Bidi[K, V]) Get(ctx context.Context, key K) (V, Timestamp, error) {
	var zero V
	payload, ts, err := lookup(ctx, b.db, b.fwd, b.kc, key)
	if err != nil {
		return zero, Timestamp{}, err
	}
	v, err := b.vc.Decode(payload)
	if err != nil {
		return zero, Timestamp{}, err
	}
	return v, ts, nil
}

// GetInverse returns the key and timestamp stored for value.
func (b *Bidi[K, V]) GetInverse(ctx context.Context, value V) (K, Timestamp, error) {
	var zero K
	payload, ts, err := lookup(ctx, b.db, b.inv, b.vc, value)
	if err != nil {
		return zero, Timestamp{}, err
	}
	k, err := b.kc.Decode(payload)
	if err != nil {
		return zero, Timestamp{}, err
	}
	return k, ts, nil
}

func lookup[T any](ctx context.Context, d *DB, t table, c codec.Codec[T], v T) ([]byte, Timestamp, error) {
	if err := ctx.Err(); err != nil {
		return nil, Timestamp{}, err
	}
	enc, err := c.Encode(v)
	if err != nil {
		return nil, Timestamp{}, err
	}
	var (
		ts      Timestamp
		payload []byte
	)
	err = d.db.View(func(txn *badger.Txn) error {
		ts, payload, err = getRaw(txn, t, enc)
		return err
	})
	if err != nil {
		return nil, Timestamp{}, txError(err)
	}
	return payload, ts, nil
}

// Set maps key to value in both directions. A previous value of key loses its
// inverse entry, and a previous key of value loses its forward entry, so no
// orphan survives the commit. It reports whether key was newly inserted.
func (b *Bidi[K, V]) Set(ctx context.Context, key K, value V, ts Timestamp) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	kb, err := b.kc.Encode(key)
	if err != nil {
		return false, err
	}
	vb, err := b.vc.Encode(value)
	if err != nil {
		return false, err
	}

	var inserted, displaced bool
	err = b.db.update(func(txn *badger.Txn) error {
		inserted, displaced = false, false

		_, oldVal, err := getRaw(txn, b.fwd, kb)
		switch {
		case errors.Is(err, pkgerrors.ErrNotFound):
			inserted = true
		case err != nil:
			return err
		case !bytes.Equal(oldVal, vb):
			if err := txn.Delete(b.inv.key(oldVal)); err != nil {
				return err
			}
		}

		_, oldKey, err := getRaw(txn, b.inv, vb)
		switch {
		case errors.Is(err, pkgerrors.ErrNotFound):
		case err != nil:
			return err
		case !bytes.Equal(oldKey, kb):
			if err := txn.Delete(b.fwd.key(oldKey)); err != nil {
				return err
			}
			displaced = true
		}

		if err := txn.Set(b.fwd.key(kb), joinValue(ts, vb)); err != nil {
			return err
		}
		return txn.Set(b.inv.key(vb), joinValue(ts, kb))
	})
	if err != nil {
		return false, txError(err)
	}
	if inserted {
		b.length.Add(1)
	}
	if displaced {
		b.length.Add(-1)
	}
	return inserted, nil
}

// Delete removes key and its inverse entry, returning the value it held.
func (b *Bidi[K, V]) Delete(ctx context.Context, key K) (V, error) {
	var zero V
	payload, err := remove(ctx, b, b.fwd, b.inv, b.kc, key)
	if err != nil {
		return zero, err
	}
	return b.vc.Decode(payload)
}

// DeleteInverse removes value and the forward entry pointing at it,
// returning the key it was mapped from.
func (b *Bidi[K, V]) DeleteInverse(ctx context.Context, value V) (K, error) {
	var zero K
	payload, err := remove(ctx, b, b.inv, b.fwd, b.vc, value)
	if err != nil {
		return zero, err
	}
	return b.kc.Decode(payload)
}

// remove deletes v from primary and, if it still points back, its
// counterpart from secondary. Fails with ErrNotFound when v is absent.
func remove[K, V, T any](ctx context.Context, b *Bidi[K, V], primary, secondary table, c codec.Codec[T], v T) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	enc, err := c.Encode(v)
	if err != nil {
		return nil, err
	}
	var other []byte
	err = b.db.update(func(txn *badger.Txn) error {
		_, other, err = getRaw(txn, primary, enc)
		if err != nil {
			return err
		}
		if err := txn.Delete(primary.key(enc)); err != nil {
			return err
		}
		_, back, err := getRaw(txn, secondary, other)
		switch {
		case errors.Is(err, pkgerrors.ErrNotFound):
			return nil
		case err != nil:
			return err
		case bytes.Equal(back, enc):
			return txn.Delete(secondary.key(other))
		}
		return nil
	})
	if err != nil {
		return nil, txError(err)
	}
	b.length.Add(-1)
	return other, nil
}

// Len is the number of forward entries, kept in memory.
func (b *Bidi[K, V]) Len() int {
	return int(b.length.Load())
}

// RangeStream scans the forward table on a background goroutine.
func (b *Bidi[K, V]) RangeStream(ctx context.Context) <-chan Item[K, V] {
	return stream(ctx, b.db, b.fwd, func(kb, vb []byte) (K, V, error) {
		var v V
		k, err := b.kc.Decode(kb)
		if err != nil {
			return k, v, err
		}
		v, err = b.vc.Decode(vb)
		return k, v, err
	})
}

// Range lazily yields every forward entry; see MapBase.Range.
func (b *Bidi[K, V]) Range(ctx context.Context) iter.Seq2[Entry[K, V], error] {
	return rangeSeq(ctx, b.RangeStream)
}

// Flush makes every prior write durable.
func (b *Bidi[K, V]) Flush(ctx context.Context) error {
	return b.db.Flush(ctx)
}

// Clear drops both tables.
func (b *Bidi[K, V]) Clear() error {
	if err := b.db.drop(b.fwd); err != nil {
		return err
	}
	if err := b.db.drop(b.inv); err != nil {
		return err
	}
	b.length.Store(0)
	return nil
}
