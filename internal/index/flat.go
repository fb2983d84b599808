package index

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"vecagent/internal/cache"
	"vecagent/internal/kvs"
	pkgerrors "vecagent/pkg/errors"
	"vecagent/pkg/logger"
)

// IDTable is the durable uuid ↔ object id translation the flat engine
// commits into. *kvs.Bidi[string, uint32] satisfies it.
type IDTable interface {
	Get(ctx context.Context, uuid string) (uint32, kvs.Timestamp, error)
	GetInverse(ctx context.Context, oid uint32) (string, kvs.Timestamp, error)
	Set(ctx context.Context, uuid string, oid uint32, ts kvs.Timestamp) (bool, error)
	Delete(ctx context.Context, uuid string) (uint32, error)
	Range(ctx context.Context) iter.Seq2[kvs.Entry[string, uint32], error]
	Flush(ctx context.Context) error
	Clear() error
}

// Flat is a brute force engine. Committed vectors live in memory keyed by
// object id; the uuid of every committed vector lives in the id table.
type Flat struct {
	conf    Config
	ids     IDTable
	lookups *cache.LRUCache[string, uint32] // committed uuid -> oid

	mu      sync.RWMutex
	vectors map[uint32][]float32
	nextOID uint32
	ivc     map[string]Object // staged inserts and updates
	dvc     map[string]int64  // staged removals of committed uuids
}

// flatSnapshot carries the uuid of every object so a load can rebuild the id
// table when it no longer matches the saved generation.
type flatSnapshot struct {
	Dimension int                       `msgpack:"dimension"`
	SpaceType SpaceType                 `msgpack:"space_type"`
	NextOID   uint32                    `msgpack:"next_oid"`
	Objects   map[uint32]snapshotObject `msgpack:"objects"`
}

type snapshotObject struct {
	UUID      string    `msgpack:"uuid"`
	Vector    []float32 `msgpack:"vector"`
	Timestamp int64     `msgpack:"timestamp"`
}

func NewFlat(conf Config, ids IDTable) (*Flat, error) {
	if conf.Dimension <= 0 {
		return nil, fmt.Errorf("%w: %d", pkgerrors.ErrInvalidDimensionSize, conf.Dimension)
	}
	if ids == nil {
		return nil, errors.New("index: id table is required")
	}
	if conf.SpaceType == "" {
		conf.SpaceType = L2Space
	}
	return &Flat{
		conf:    conf,
		ids:     ids,
		lookups: cache.NewLRUCache[string, uint32](conf.CacheSize),
		vectors: make(map[uint32][]float32),
		nextOID: 1,
		ivc:     make(map[string]Object),
		dvc:     make(map[string]int64),
	}, nil
}

func (f *Flat) validate(uuid string, vec []float32) error {
	if uuid == "" {
		return pkgerrors.NewUUIDError(uuid, pkgerrors.ErrInvalidUUID)
	}
	if err := pkgerrors.NewDimensionError(len(vec), f.conf.Dimension); err != nil {
		return pkgerrors.NewUUIDError(uuid, err)
	}
	return nil
}

// committed looks uuid up in the id table. Must be called with f.mu held.
func (f *Flat) committed(ctx context.Context, uuid string) (uint32, bool, error) {
	if oid, ok := f.lookups.Get(uuid); ok {
		return oid, true, nil
	}
	oid, _, err := f.ids.Get(ctx, uuid)
	switch {
	case errors.Is(err, pkgerrors.ErrNotFound):
		return 0, false, nil
	case err != nil:
		return 0, false, err
	}
	f.lookups.Set(uuid, oid)
	return oid, true, nil
}

// exists reports whether uuid is visible to writers: staged for insert, or
// committed and not staged for removal. Must be called with f.mu held.
func (f *Flat) exists(ctx context.Context, uuid string) (uint32, bool, error) {
	if _, ok := f.ivc[uuid]; ok {
		return 0, true, nil
	}
	if _, ok := f.dvc[uuid]; ok {
		return 0, false, nil
	}
	return f.committed(ctx, uuid)
}

func (f *Flat) Insert(ctx context.Context, uuid string, vec []float32, ts int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.validate(uuid, vec); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insert(ctx, uuid, vec, ts)
}

func (f *Flat) insert(ctx context.Context, uuid string, vec []float32, ts int64) error {
	_, ok, err := f.exists(ctx, uuid)
	if err != nil {
		return err
	}
	if ok {
		return pkgerrors.NewUUIDError(uuid, pkgerrors.ErrUUIDAlreadyExists)
	}
	f.ivc[uuid] = Object{Vector: slices.Clone(vec), Timestamp: ts}
	return nil
}

func (f *Flat) InsertMultiple(ctx context.Context, vecs map[string][]float32, ts int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return bulk(slices.Sorted(maps.Keys(vecs)), func(uuid string) error {
		if err := f.validate(uuid, vecs[uuid]); err != nil {
			return err
		}
		return f.insert(ctx, uuid, vecs[uuid], ts)
	})
}

func (f *Flat) Update(ctx context.Context, uuid string, vec []float32, ts int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.validate(uuid, vec); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.update(ctx, uuid, vec, ts)
}

func (f *Flat) update(ctx context.Context, uuid string, vec []float32, ts int64) error {
	_, ok, err := f.exists(ctx, uuid)
	if err != nil {
		return err
	}
	if !ok {
		return pkgerrors.NewUUIDError(uuid, pkgerrors.ErrObjectIDNotFound)
	}
	if _, committed, err := f.committed(ctx, uuid); err != nil {
		return err
	} else if committed {
		f.dvc[uuid] = ts
	}
	f.ivc[uuid] = Object{Vector: slices.Clone(vec), Timestamp: ts}
	return nil
}

func (f *Flat) UpdateMultiple(ctx context.Context, vecs map[string][]float32, ts int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return bulk(slices.Sorted(maps.Keys(vecs)), func(uuid string) error {
		if err := f.validate(uuid, vecs[uuid]); err != nil {
			return err
		}
		return f.update(ctx, uuid, vecs[uuid], ts)
	})
}

func (f *Flat) Remove(ctx context.Context, uuid string, ts int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if uuid == "" {
		return pkgerrors.NewUUIDError(uuid, pkgerrors.ErrInvalidUUID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remove(ctx, uuid, ts)
}

func (f *Flat) remove(ctx context.Context, uuid string, ts int64) error {
	_, ok, err := f.exists(ctx, uuid)
	if err != nil {
		return err
	}
	if !ok {
		return pkgerrors.NewUUIDError(uuid, pkgerrors.ErrObjectIDNotFound)
	}
	delete(f.ivc, uuid)
	if _, committed, err := f.committed(ctx, uuid); err != nil {
		return err
	} else if committed {
		f.dvc[uuid] = ts
	}
	return nil
}

func (f *Flat) RemoveMultiple(ctx context.Context, uuids []string, ts int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return bulk(uuids, func(uuid string) error {
		if uuid == "" {
			return pkgerrors.NewUUIDError(uuid, pkgerrors.ErrInvalidUUID)
		}
		return f.remove(ctx, uuid, ts)
	})
}

// CreateIndex applies staged removals, then staged inserts. Inserts whose id
// table write fails stay staged for the next call.
func (f *Flat) CreateIndex(ctx context.Context, poolSize uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ivc) == 0 && len(f.dvc) == 0 {
		return pkgerrors.ErrUncommittedIndexNotFound
	}
	return f.commit(ctx, poolSize)
}

func (f *Flat) commit(ctx context.Context, poolSize uint32) error {
	for _, uuid := range slices.Sorted(maps.Keys(f.dvc)) {
		f.lookups.Delete(uuid)
		oid, err := f.ids.Delete(ctx, uuid)
		if err != nil && !errors.Is(err, pkgerrors.ErrNotFound) {
			return fmt.Errorf("failed to remove %q from id table: %w", uuid, err)
		}
		if err == nil {
			delete(f.vectors, oid)
		}
		delete(f.dvc, uuid)
	}

	uuids := slices.Sorted(maps.Keys(f.ivc))
	entries := make([]kvs.Entry[string, uint32], len(uuids))
	for i, uuid := range uuids {
		entries[i] = kvs.Entry[string, uint32]{
			Key:       uuid,
			Value:     f.nextOID,
			Timestamp: toTimestamp(f.ivc[uuid].Timestamp),
		}
		f.nextOID++
	}
	errs := f.writeIDs(ctx, entries, poolSize)

	var failed []error
	for i, e := range entries {
		if errs[i] != nil {
			failed = append(failed, pkgerrors.NewUUIDError(e.Key, errs[i]))
			continue
		}
		f.vectors[e.Value] = f.ivc[e.Key].Vector
		f.lookups.Set(e.Key, e.Value)
		delete(f.ivc, e.Key)
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to commit %d of %d objects: %w", len(failed), len(entries), errors.Join(failed...))
	}
	logger.Debug("Committed uncommitted index", "inserted", len(entries), "total", len(f.vectors))
	return nil
}

// writeIDs stores entries into the id table with at most poolSize writers in
// flight and returns the per-entry error.
func (f *Flat) writeIDs(ctx context.Context, entries []kvs.Entry[string, uint32], poolSize uint32) []error {
	if poolSize == 0 {
		poolSize = DefaultPoolSize
	}
	errs := make([]error, len(entries))
	var g errgroup.Group
	g.SetLimit(int(poolSize))
	for i, e := range entries {
		g.Go(func() error {
			_, errs[i] = f.ids.Set(ctx, e.Key, e.Value, e.Timestamp)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (f *Flat) Search(ctx context.Context, vec []float32, k uint32, epsilon, radius float32) ([]Distance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := pkgerrors.NewDimensionError(len(vec), f.conf.Dimension); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	// exhaustive scan, so epsilon never widens the result
	_ = epsilon

	type hit struct {
		oid  uint32
		dist float32
	}
	dist := distanceFunc(f.conf.SpaceType)
	hits := make([]hit, 0, len(f.vectors))
	for oid, v := range f.vectors {
		d := dist(vec, v)
		if radius >= 0 && d > radius {
			continue
		}
		hits = append(hits, hit{oid, d})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist == hits[j].dist {
			return hits[i].oid < hits[j].oid
		}
		return hits[i].dist < hits[j].dist
	})
	if int(k) < len(hits) {
		hits = hits[:k]
	}

	res := make([]Distance, 0, len(hits))
	for _, h := range hits {
		uuid, _, err := f.ids.GetInverse(ctx, h.oid)
		if errors.Is(err, pkgerrors.ErrNotFound) {
			logger.Warn("Search hit has no uuid", "oid", h.oid)
			continue
		}
		if err != nil {
			return nil, err
		}
		res = append(res, Distance{ID: uuid, Distance: h.dist})
	}
	return res, nil
}

// GetObject serves staged writes before committed data.
func (f *Flat) GetObject(ctx context.Context, uuid string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if obj, ok := f.ivc[uuid]; ok {
		return &Object{Vector: slices.Clone(obj.Vector), Timestamp: obj.Timestamp}, nil
	}
	if _, ok := f.dvc[uuid]; ok {
		return nil, pkgerrors.NewUUIDError(uuid, pkgerrors.ErrObjectIDNotFound)
	}
	// timestamps live only in the id table, so the lookup cache is bypassed
	oid, ts, err := f.ids.Get(ctx, uuid)
	if errors.Is(err, pkgerrors.ErrNotFound) {
		return nil, pkgerrors.NewUUIDError(uuid, pkgerrors.ErrObjectIDNotFound)
	}
	if err != nil {
		return nil, err
	}
	vec, ok := f.vectors[oid]
	if !ok {
		return nil, pkgerrors.NewUUIDError(uuid, pkgerrors.ErrObjectIDNotFound)
	}
	return &Object{Vector: slices.Clone(vec), Timestamp: ts.UnixNano()}, nil
}

// Exists returns the committed object id of uuid; staged inserts report 0.
func (f *Flat) Exists(ctx context.Context, uuid string) (uint32, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	oid, ok, err := f.exists(ctx, uuid)
	if err != nil {
		logger.Warn("Failed to look up uuid", "uuid", uuid, "error", err)
		return 0, false
	}
	return oid, ok
}

// SaveIndex writes the committed objects into dir and flushes the id table.
// Staged writes are not saved.
func (f *Flat) SaveIndex(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.RLock()
	snap := flatSnapshot{
		Dimension: f.conf.Dimension,
		SpaceType: f.conf.SpaceType,
		NextOID:   f.nextOID,
		Objects:   make(map[uint32]snapshotObject, len(f.vectors)),
	}
	for e, err := range f.ids.Range(ctx) {
		if err != nil {
			f.mu.RUnlock()
			return fmt.Errorf("failed to scan id table: %w", err)
		}
		vec, ok := f.vectors[e.Value]
		if !ok {
			continue
		}
		snap.Objects[e.Value] = snapshotObject{UUID: e.Key, Vector: vec, Timestamp: e.Timestamp.UnixNano()}
	}
	unsaved := len(f.vectors) - len(snap.Objects)
	data, err := msgpack.Marshal(&snap)
	f.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("%w: index snapshot: %v", pkgerrors.ErrCodec, err)
	}
	if unsaved > 0 {
		logger.Warn("Vectors without uuid were not saved", "count", unsaved)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}
	path := filepath.Join(dir, SnapshotFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write index snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to install index snapshot: %w", err)
	}
	if err := f.ids.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush id table: %w", err)
	}
	return nil
}

// LoadIndex replaces the committed state with the snapshot in dir. The
// snapshot is authoritative: when the id table disagrees with it on any
// uuid, the table is rebuilt from the snapshot.
func (f *Flat) LoadIndex(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(dir, SnapshotFile))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", pkgerrors.ErrIndexNotFound, dir)
	}
	if err != nil {
		return fmt.Errorf("failed to read index snapshot: %w", err)
	}
	var snap flatSnapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: index snapshot: %v", pkgerrors.ErrCodec, err)
	}
	if err := pkgerrors.NewDimensionError(snap.Dimension, f.conf.Dimension); err != nil {
		return err
	}
	if snap.SpaceType != f.conf.SpaceType {
		logger.Warn("Index was built with another distance type", "saved", snap.SpaceType, "configured", f.conf.SpaceType)
	}

	vectors := make(map[uint32][]float32, len(snap.Objects))
	entries := make([]kvs.Entry[string, uint32], 0, len(snap.Objects))
	for oid, obj := range snap.Objects {
		if oid == 0 || obj.UUID == "" || len(obj.Vector) != f.conf.Dimension {
			return fmt.Errorf("%w: index snapshot: malformed object %d", pkgerrors.ErrCodec, oid)
		}
		vectors[oid] = obj.Vector
		entries = append(entries, kvs.Entry[string, uint32]{
			Key:       obj.UUID,
			Value:     oid,
			Timestamp: toTimestamp(obj.Timestamp),
		})
		if oid >= snap.NextOID {
			snap.NextOID = oid + 1
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Value < entries[j].Value })

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups.Purge()

	matched, diverged := 0, 0
	for e, err := range f.ids.Range(ctx) {
		if err != nil {
			return fmt.Errorf("failed to scan id table: %w", err)
		}
		if obj, ok := snap.Objects[e.Value]; ok && obj.UUID == e.Key {
			matched++
		} else {
			diverged++
		}
	}
	if diverged > 0 || matched != len(entries) {
		logger.Warn("Rebuilding id table from index snapshot", "matched", matched, "diverged", diverged, "saved", len(entries))
		if err := f.rewriteIDs(ctx, entries); err != nil {
			return err
		}
	}
	if snap.NextOID == 0 {
		snap.NextOID = 1
	}

	f.vectors = vectors
	f.nextOID = snap.NextOID
	clear(f.ivc)
	clear(f.dvc)
	logger.Info("Loaded index", "path", dir, "count", len(f.vectors))
	return nil
}

// rewriteIDs replaces the whole id table with entries. Must be called with
// f.mu held.
func (f *Flat) rewriteIDs(ctx context.Context, entries []kvs.Entry[string, uint32]) error {
	f.lookups.Purge()
	if err := f.ids.Clear(); err != nil {
		return fmt.Errorf("failed to clear id table: %w", err)
	}
	for i, err := range f.writeIDs(ctx, entries, DefaultPoolSize) {
		if err != nil {
			return fmt.Errorf("failed to write uuid %q: %w", entries[i].Key, err)
		}
	}
	return nil
}

// Regenerate commits staged writes and renumbers every committed object
// densely from 1, rewriting the id table.
func (f *Flat) Regenerate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ivc) > 0 || len(f.dvc) > 0 {
		if err := f.commit(ctx, DefaultPoolSize); err != nil {
			return err
		}
	}

	var entries []kvs.Entry[string, uint32]
	for e, err := range f.ids.Range(ctx) {
		if err != nil {
			return fmt.Errorf("failed to scan id table: %w", err)
		}
		if _, ok := f.vectors[e.Value]; ok {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Value < entries[j].Value })

	previous := slices.Clone(entries)
	vectors := make(map[uint32][]float32, len(entries))
	for i := range entries {
		oid := uint32(i + 1)
		vectors[oid] = f.vectors[entries[i].Value]
		entries[i].Value = oid
	}
	if err := f.rewriteIDs(ctx, entries); err != nil {
		// put the numbering the committed vectors are keyed by back
		if rerr := f.rewriteIDs(context.WithoutCancel(ctx), previous); rerr != nil {
			logger.Error("Failed to restore id table after failed regenerate", "error", rerr)
		}
		return fmt.Errorf("failed to regenerate id table: %w", err)
	}
	f.vectors = vectors
	f.nextOID = uint32(len(entries) + 1)
	logger.Info("Regenerated index", "count", len(vectors))
	return nil
}

func (f *Flat) Len() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return uint64(len(f.vectors))
}

func (f *Flat) InsertVCacheLen() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return uint64(len(f.ivc))
}

func (f *Flat) DeleteVCacheLen() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return uint64(len(f.dvc))
}

func (f *Flat) Dimension() int {
	return f.conf.Dimension
}

// Close releases memory; the id table belongs to the caller.
func (f *Flat) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors = make(map[uint32][]float32)
	f.lookups.Purge()
	clear(f.ivc)
	clear(f.dvc)
	return nil
}

func toTimestamp(ns int64) kvs.Timestamp {
	return kvs.TimestampFromTime(time.Unix(0, ns))
}

// bulk runs fn for every uuid and folds the failures into one
// MultiUUIDError per cause.
func bulk(uuids []string, fn func(uuid string) error) error {
	var (
		causes []error
		byKey  = map[error][]string{}
	)
	for _, uuid := range uuids {
		err := fn(uuid)
		if err == nil {
			continue
		}
		cause := rootCause(err)
		if _, ok := byKey[cause]; !ok {
			causes = append(causes, cause)
		}
		byKey[cause] = append(byKey[cause], uuid)
	}
	errs := make([]error, 0, len(causes))
	for _, c := range causes {
		errs = append(errs, pkgerrors.NewMultiUUIDError(c, byKey[c]...))
	}
	return errors.Join(errs...)
}

var bulkCauses = []error{
	pkgerrors.ErrInvalidUUID,
	pkgerrors.ErrIncompatibleDimensionSize,
	pkgerrors.ErrUUIDAlreadyExists,
	pkgerrors.ErrObjectIDNotFound,
}

func rootCause(err error) error {
	for _, c := range bulkCauses {
		if errors.Is(err, c) {
			return c
		}
	}
	return err
}
