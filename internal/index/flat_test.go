package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vecagent/internal/codec"
	"vecagent/internal/kvs"
	pkgerrors "vecagent/pkg/errors"
)

func newIDTable(t *testing.T) *kvs.Bidi[string, uint32] {
	t.Helper()
	db, err := kvs.Open(kvs.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ids, err := kvs.NewBidi[string, uint32](db, "ids", codec.String{}, codec.Uint32{}, true)
	require.NoError(t, err)
	return ids
}

func newTestFlat(t *testing.T, dim int) (*Flat, *kvs.Bidi[string, uint32]) {
	t.Helper()
	ids := newIDTable(t)
	f, err := NewFlat(Config{SpaceType: L2Space, IndexType: FLATIndex, Dimension: dim, CacheSize: 8}, ids)
	require.NoError(t, err)
	return f, ids
}

// generateFlatVectors returns n vectors whose first component is their index.
func generateFlatVectors(n, dim int) map[string][]float32 {
	vecs := make(map[string][]float32, n)
	for i := 0; i < n; i++ {
		v := make([]float32, dim)
		v[0] = float32(i)
		vecs[fmt.Sprintf("vec-%02d", i)] = v
	}
	return vecs
}

func TestFlatInsertIsInvisibleUntilCommitted(t *testing.T) {
	ctx := context.Background()
	f, ids := newTestFlat(t, 4)

	require.NoError(t, f.Insert(ctx, "a", []float32{1, 0, 0, 0}, 10))
	assert.Equal(t, uint64(1), f.InsertVCacheLen())
	assert.Equal(t, uint64(0), f.Len())

	res, err := f.Search(ctx, []float32{1, 0, 0, 0}, 5, 0, -1)
	require.NoError(t, err)
	assert.Empty(t, res)

	_, ok := f.Exists(ctx, "a")
	assert.True(t, ok)

	require.NoError(t, f.CreateIndex(ctx, 2))
	assert.Equal(t, uint64(0), f.InsertVCacheLen())
	assert.Equal(t, uint64(1), f.Len())
	assert.Equal(t, 1, ids.Len())

	res, err = f.Search(ctx, []float32{1, 0, 0, 0}, 5, 0, -1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, Distance{ID: "a", Distance: 0}, res[0])

	oid, ok := f.Exists(ctx, "a")
	assert.True(t, ok)
	assert.NotZero(t, oid)
}

func TestFlatBuildAndSearch(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFlat(t, 4)
	vecs := generateFlatVectors(20, 4)
	require.NoError(t, f.InsertMultiple(ctx, vecs, 1))
	require.NoError(t, f.CreateIndex(ctx, 4))

	res, err := f.Search(ctx, vecs["vec-06"], 3, 0, -1)
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, "vec-06", res[0].ID)
	assert.Equal(t, float32(1), res[1].Distance)
	assert.Equal(t, float32(1), res[2].Distance)

	// squared l2 of 4 or less keeps neighbours within two steps
	res, err = f.Search(ctx, vecs["vec-06"], 10, 0, 4)
	require.NoError(t, err)
	assert.Len(t, res, 5)

	_, err = f.Search(ctx, []float32{1, 2}, 3, 0, -1)
	assert.ErrorIs(t, err, pkgerrors.ErrIncompatibleDimensionSize)
}

func TestFlatWriteErrors(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFlat(t, 2)

	require.NoError(t, f.Insert(ctx, "a", []float32{1, 1}, 1))
	assert.ErrorIs(t, f.Insert(ctx, "a", []float32{1, 1}, 2), pkgerrors.ErrUUIDAlreadyExists)
	assert.ErrorIs(t, f.Insert(ctx, "", []float32{1, 1}, 2), pkgerrors.ErrInvalidUUID)
	assert.ErrorIs(t, f.Update(ctx, "missing", []float32{1, 1}, 2), pkgerrors.ErrObjectIDNotFound)
	assert.ErrorIs(t, f.Remove(ctx, "missing", 2), pkgerrors.ErrObjectIDNotFound)

	err := f.Insert(ctx, "b", []float32{1, 2, 3}, 1)
	var dimErr *pkgerrors.DimensionError
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 3, dimErr.Got)
	assert.Equal(t, 2, dimErr.Want)

	var uuidErr *pkgerrors.UUIDError
	require.ErrorAs(t, err, &uuidErr)
	assert.Equal(t, "b", uuidErr.UUID)
}

func TestFlatUpdateAndRemove(t *testing.T) {
	ctx := context.Background()
	f, ids := newTestFlat(t, 2)
	require.NoError(t, f.Insert(ctx, "a", []float32{1, 1}, 1))
	require.NoError(t, f.Insert(ctx, "b", []float32{2, 2}, 1))
	require.NoError(t, f.CreateIndex(ctx, 0))

	require.NoError(t, f.Update(ctx, "a", []float32{9, 9}, 5))
	assert.Equal(t, uint64(1), f.DeleteVCacheLen())

	// staged writes win over committed data
	obj, err := f.GetObject(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{9, 9}, obj.Vector)
	assert.Equal(t, int64(5), obj.Timestamp)

	require.NoError(t, f.Remove(ctx, "b", 6))
	_, ok := f.Exists(ctx, "b")
	assert.False(t, ok)
	_, err = f.GetObject(ctx, "b")
	assert.ErrorIs(t, err, pkgerrors.ErrObjectIDNotFound)

	require.NoError(t, f.CreateIndex(ctx, 0))
	assert.Equal(t, uint64(1), f.Len())
	assert.Equal(t, 1, ids.Len())

	obj, err = f.GetObject(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{9, 9}, obj.Vector)
	assert.Equal(t, int64(5), obj.Timestamp)

	assert.ErrorIs(t, f.CreateIndex(ctx, 0), pkgerrors.ErrUncommittedIndexNotFound)
}

func TestFlatRemoveStagedInsert(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFlat(t, 2)
	require.NoError(t, f.Insert(ctx, "a", []float32{1, 1}, 1))
	require.NoError(t, f.Remove(ctx, "a", 2))
	assert.Equal(t, uint64(0), f.InsertVCacheLen())
	assert.Equal(t, uint64(0), f.DeleteVCacheLen())
	assert.ErrorIs(t, f.CreateIndex(ctx, 0), pkgerrors.ErrUncommittedIndexNotFound)
}

func TestFlatMultipleAggregatesFailures(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFlat(t, 2)
	require.NoError(t, f.Insert(ctx, "dup-1", []float32{1, 1}, 1))
	require.NoError(t, f.Insert(ctx, "dup-2", []float32{1, 1}, 1))

	err := f.InsertMultiple(ctx, map[string][]float32{
		"dup-1": {0, 0},
		"dup-2": {0, 0},
		"new":   {0, 0},
		"bad":   {0, 0, 0},
	}, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrUUIDAlreadyExists)
	assert.ErrorIs(t, err, pkgerrors.ErrIncompatibleDimensionSize)
	assert.Contains(t, err.Error(), "dup-1,dup-2")

	var multi *pkgerrors.MultiUUIDError
	require.True(t, errors.As(err, &multi))

	// the valid entry still went through
	_, ok := f.Exists(ctx, "new")
	assert.True(t, ok)

	err = f.RemoveMultiple(ctx, []string{"new", "ghost"}, 3)
	assert.ErrorIs(t, err, pkgerrors.ErrObjectIDNotFound)
	assert.Contains(t, err.Error(), "ghost")
	_, ok = f.Exists(ctx, "new")
	assert.False(t, ok)

	require.NoError(t, f.UpdateMultiple(ctx, map[string][]float32{"dup-1": {5, 5}}, 4))
	obj, err := f.GetObject(ctx, "dup-1")
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 5}, obj.Vector)
}

func TestFlatSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	f, ids := newTestFlat(t, 4)
	vecs := generateFlatVectors(15, 4)
	require.NoError(t, f.InsertMultiple(ctx, vecs, time.Unix(100, 0).UnixNano()))
	require.NoError(t, f.CreateIndex(ctx, 3))

	dir := filepath.Join(t.TempDir(), "index")
	require.NoError(t, f.SaveIndex(ctx, dir))
	assert.FileExists(t, filepath.Join(dir, SnapshotFile))

	loaded, err := NewFlat(Config{SpaceType: L2Space, Dimension: 4}, ids)
	require.NoError(t, err)
	require.NoError(t, loaded.LoadIndex(ctx, dir))
	assert.Equal(t, uint64(15), loaded.Len())

	res, err := loaded.Search(ctx, vecs["vec-03"], 1, 0, -1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "vec-03", res[0].ID)

	obj, err := loaded.GetObject(ctx, "vec-03")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(100, 0).UnixNano(), obj.Timestamp)

	// new inserts never reuse a saved object id
	require.NoError(t, loaded.Insert(ctx, "fresh", []float32{100, 0, 0, 0}, 1))
	require.NoError(t, loaded.CreateIndex(ctx, 0))
	assert.Equal(t, uint64(16), loaded.Len())
	assert.Equal(t, 16, ids.Len())

	wrongDim, err := NewFlat(Config{Dimension: 8}, ids)
	require.NoError(t, err)
	assert.ErrorIs(t, wrongDim.LoadIndex(ctx, dir), pkgerrors.ErrIncompatibleDimensionSize)

	assert.ErrorIs(t, loaded.LoadIndex(ctx, t.TempDir()), pkgerrors.ErrIndexNotFound)
}

func TestFlatLoadReconcilesIDTable(t *testing.T) {
	ctx := context.Background()
	f, ids := newTestFlat(t, 2)
	require.NoError(t, f.Insert(ctx, "saved", []float32{1, 1}, 1))
	require.NoError(t, f.CreateIndex(ctx, 0))

	dir := t.TempDir()
	require.NoError(t, f.SaveIndex(ctx, dir))

	// committed after the snapshot, then lost with the process
	require.NoError(t, f.Insert(ctx, "unsaved", []float32{2, 2}, 1))
	require.NoError(t, f.CreateIndex(ctx, 0))
	assert.Equal(t, 2, ids.Len())

	require.NoError(t, f.LoadIndex(ctx, dir))
	assert.Equal(t, uint64(1), f.Len())
	assert.Equal(t, 1, ids.Len())
	_, ok := f.Exists(ctx, "unsaved")
	assert.False(t, ok)
	_, ok = f.Exists(ctx, "saved")
	assert.True(t, ok)
}

func TestFlatLoadCorruptSnapshot(t *testing.T) {
	f, _ := newTestFlat(t, 2)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, SnapshotFile), []byte{0xc1}, 0o644))
	assert.ErrorIs(t, f.LoadIndex(context.Background(), dir), pkgerrors.ErrCodec)
}

func TestFlatRegenerate(t *testing.T) {
	ctx := context.Background()
	f, ids := newTestFlat(t, 4)
	vecs := generateFlatVectors(10, 4)
	require.NoError(t, f.InsertMultiple(ctx, vecs, 1))
	require.NoError(t, f.CreateIndex(ctx, 0))
	require.NoError(t, f.RemoveMultiple(ctx, []string{"vec-00", "vec-01", "vec-02"}, 2))
	require.NoError(t, f.CreateIndex(ctx, 0))
	require.NoError(t, f.Insert(ctx, "staged", []float32{50, 0, 0, 0}, 3))

	require.NoError(t, f.Regenerate(ctx))
	assert.Equal(t, uint64(8), f.Len())
	assert.Equal(t, uint64(0), f.InsertVCacheLen())
	assert.Equal(t, 8, ids.Len())

	for e, err := range ids.Range(ctx) {
		require.NoError(t, err)
		assert.LessOrEqual(t, e.Value, uint32(8), e.Key)
	}

	res, err := f.Search(ctx, vecs["vec-05"], 1, 0, -1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "vec-05", res[0].ID)
}

func TestFlatCancelledContext(t *testing.T) {
	f, _ := newTestFlat(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.Insert(ctx, "a", []float32{1, 1}, 1), context.Canceled)
	_, err := f.Search(ctx, []float32{1, 1}, 1, 0, -1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewEngine(t *testing.T) {
	ids := newIDTable(t)
	_, err := New(Config{Dimension: 0}, ids)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidDimensionSize)

	_, err = New(Config{Dimension: 3, IndexType: "hnsw"}, ids)
	assert.ErrorIs(t, err, pkgerrors.ErrUnsupported)

	e, err := New(Config{Dimension: 3}, ids)
	require.NoError(t, err)
	assert.Equal(t, 3, e.Dimension())
	assert.NoError(t, e.Close())

	st, err := ParseSpaceType("cos")
	require.NoError(t, err)
	assert.Equal(t, CosSpace, st)
	_, err = ParseSpaceType("manhattan")
	assert.ErrorIs(t, err, pkgerrors.ErrUnsupportedDistanceType)
}

func TestFlat_LookupCacheFollowsIDTable(t *testing.T) {
	ctx := context.Background()
	f, ids := newTestFlat(t, 2)

	require.NoError(t, f.InsertMultiple(ctx, generateFlatVectors(4, 2), 1))
	require.NoError(t, f.CreateIndex(ctx, 2))
	assert.Equal(t, 4, f.lookups.Len())

	oid, ok := f.Exists(ctx, "vec-01")
	require.True(t, ok)
	stored, _, err := ids.Get(ctx, "vec-01")
	require.NoError(t, err)
	assert.Equal(t, stored, oid)

	require.NoError(t, f.Remove(ctx, "vec-00", 2))
	require.NoError(t, f.CreateIndex(ctx, 2))
	_, cached := f.lookups.Get("vec-00")
	assert.False(t, cached)
	_, ok = f.Exists(ctx, "vec-00")
	assert.False(t, ok)

	// renumbering must not leave old object ids behind
	require.NoError(t, f.Regenerate(ctx))
	assert.Equal(t, 0, f.lookups.Len())
	oid, ok = f.Exists(ctx, "vec-01")
	require.True(t, ok)
	stored, _, err = ids.Get(ctx, "vec-01")
	require.NoError(t, err)
	assert.Equal(t, stored, oid)
	assert.Equal(t, uint32(1), oid)
}

func TestFlatLoadRebuildsRenumberedIDTable(t *testing.T) {
	ctx := context.Background()
	f, ids := newTestFlat(t, 2)
	vecs := generateFlatVectors(6, 2)
	require.NoError(t, f.InsertMultiple(ctx, vecs, 1))
	require.NoError(t, f.CreateIndex(ctx, 0))
	dir := t.TempDir()
	require.NoError(t, f.SaveIndex(ctx, dir))

	// renumbered after the save, then lost with the process
	require.NoError(t, f.Remove(ctx, "vec-00", 2))
	require.NoError(t, f.Regenerate(ctx))
	oid, _, err := ids.Get(ctx, "vec-01")
	require.NoError(t, err)
	require.Equal(t, uint32(1), oid)

	loaded, err := NewFlat(Config{SpaceType: L2Space, Dimension: 2}, ids)
	require.NoError(t, err)
	require.NoError(t, loaded.LoadIndex(ctx, dir))
	assert.Equal(t, uint64(6), loaded.Len())
	assert.Equal(t, 6, ids.Len())
	for uuid, vec := range vecs {
		obj, err := loaded.GetObject(ctx, uuid)
		require.NoError(t, err, uuid)
		assert.Equal(t, vec, obj.Vector, uuid)
		assert.Equal(t, int64(1), obj.Timestamp, uuid)

		res, err := loaded.Search(ctx, vec, 1, 0, -1)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, uuid, res[0].ID)
	}
}

// failingIDTable fails the first Set of one uuid.
type failingIDTable struct {
	IDTable
	uuid   string
	failed atomic.Bool
}

func (t *failingIDTable) Set(ctx context.Context, uuid string, oid uint32, ts kvs.Timestamp) (bool, error) {
	if uuid == t.uuid && t.failed.CompareAndSwap(false, true) {
		return false, pkgerrors.ErrTransaction
	}
	return t.IDTable.Set(ctx, uuid, oid, ts)
}

func TestFlatRegenerateFailureRestoresIDTable(t *testing.T) {
	ctx := context.Background()
	ids := newIDTable(t)
	f, err := NewFlat(Config{SpaceType: L2Space, Dimension: 2, CacheSize: 8}, ids)
	require.NoError(t, err)
	vecs := generateFlatVectors(5, 2)
	require.NoError(t, f.InsertMultiple(ctx, vecs, 1))
	require.NoError(t, f.CreateIndex(ctx, 0))
	require.NoError(t, f.Remove(ctx, "vec-00", 2))
	require.NoError(t, f.CreateIndex(ctx, 0))
	delete(vecs, "vec-00")

	f.ids = &failingIDTable{IDTable: ids, uuid: "vec-03"}
	assert.ErrorIs(t, f.Regenerate(ctx), pkgerrors.ErrTransaction)

	assert.Equal(t, 4, ids.Len())
	for uuid, vec := range vecs {
		obj, err := f.GetObject(ctx, uuid)
		require.NoError(t, err, uuid)
		assert.Equal(t, vec, obj.Vector, uuid)
	}
	oid, _, err := ids.Get(ctx, "vec-01")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), oid)

	require.NoError(t, f.Regenerate(ctx))
	oid, _, err = ids.Get(ctx, "vec-01")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), oid)
}
