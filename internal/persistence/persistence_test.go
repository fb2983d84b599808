package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vecagent/internal/metadata"
)

// writeGeneration fills dir with a fake index file and a metadata marker.
func writeGeneration(t *testing.T, dir string, count uint64) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.bin"), []byte{byte(count)}, 0o644))
	md, err := metadata.New(metadata.Flat, count)
	require.NoError(t, err)
	require.NoError(t, metadata.Store(filepath.Join(dir, metadata.FileName), md))
}

func TestNewPaths(t *testing.T) {
	p := NewPaths("/data/index/")
	assert.Equal(t, "/data/index", p.Primary)
	assert.Equal(t, "/data/index-backup", p.Secondary)
	assert.Equal(t, "/data/index-next", p.Next)
	assert.Equal(t, "/data/index-tmp", p.Temporary)
	assert.Equal(t, "/data/index-history", p.History)
	assert.Equal(t, "/data/index-broken", p.Broken)
}

func TestSavePath(t *testing.T) {
	base := filepath.Join(t.TempDir(), "index")
	assert.Equal(t, base, New(base, Config{}).SavePath())
	assert.Equal(t, base+"-tmp", New(base, Config{EnableCopyOnWrite: true}).SavePath())
}

func TestPrepareFoldersCopyOnWrite(t *testing.T) {
	base := filepath.Join(t.TempDir(), "index")
	m := New(base, Config{EnableCopyOnWrite: true})

	require.NoError(t, m.PrepareFolders())
	stale := filepath.Join(m.Paths().Temporary, "stale")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	// idempotent, and wipes whatever an aborted save left behind
	require.NoError(t, m.PrepareFolders())
	assert.DirExists(t, m.Paths().Temporary)
	assert.NoFileExists(t, stale)
}

func TestPrepareFoldersInPlace(t *testing.T) {
	base := filepath.Join(t.TempDir(), "deep", "nested", "index")
	m := New(base, Config{})
	require.NoError(t, m.PrepareFolders())
	assert.DirExists(t, filepath.Dir(base))
	assert.NoDirExists(t, m.Paths().Temporary)
}

func TestIndexExists(t *testing.T) {
	base := filepath.Join(t.TempDir(), "index")
	m := New(base, Config{})
	assert.False(t, m.IndexExists())

	require.NoError(t, os.MkdirAll(base, 0o755))
	assert.False(t, m.IndexExists())

	md, err := metadata.New(metadata.Flat, 1)
	require.NoError(t, err)
	require.NoError(t, m.SaveMetadata(md))
	assert.True(t, m.IndexExists())

	got, err := m.LoadMetadata()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.IndexCount())
}

func TestMoveAndSwitchSavedData(t *testing.T) {
	base := filepath.Join(t.TempDir(), "index")
	m := New(base, Config{EnableCopyOnWrite: true})
	writeGeneration(t, base, 100)

	require.NoError(t, m.PrepareFolders())
	writeGeneration(t, m.SavePath(), 150)
	require.NoError(t, m.MoveAndSwitchSavedData())

	md, err := m.LoadMetadata()
	require.NoError(t, err)
	assert.Equal(t, uint64(150), md.IndexCount())
	assert.NoDirExists(t, m.Paths().Secondary)
	assert.NoDirExists(t, m.Paths().Temporary)
	assert.NoDirExists(t, m.Paths().Next)
	assert.False(t, m.InterruptedSwap())
}

func TestMoveAndSwitchWithoutPrimary(t *testing.T) {
	base := filepath.Join(t.TempDir(), "index")
	m := New(base, Config{EnableCopyOnWrite: true})

	require.NoError(t, m.PrepareFolders())
	writeGeneration(t, m.SavePath(), 5)
	require.NoError(t, m.MoveAndSwitchSavedData())
	assert.True(t, m.IndexExists())
}

func TestMoveAndSwitchReplacesStaleSecondary(t *testing.T) {
	base := filepath.Join(t.TempDir(), "index")
	m := New(base, Config{EnableCopyOnWrite: true})
	writeGeneration(t, base, 1)
	writeGeneration(t, m.Paths().Secondary, 0)

	require.NoError(t, m.PrepareFolders())
	writeGeneration(t, m.SavePath(), 2)
	require.NoError(t, m.MoveAndSwitchSavedData())

	md, err := m.LoadMetadata()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), md.IndexCount())
	assert.NoDirExists(t, m.Paths().Secondary)
}

func TestMoveAndSwitchMissingTemporaryRestoresPrimary(t *testing.T) {
	base := filepath.Join(t.TempDir(), "index")
	m := New(base, Config{EnableCopyOnWrite: true})
	writeGeneration(t, base, 100)

	err := m.MoveAndSwitchSavedData()
	assert.Error(t, err)

	md, err := m.LoadMetadata()
	require.NoError(t, err)
	assert.Equal(t, uint64(100), md.IndexCount())
}

func TestMoveAndSwitchNoopInPlace(t *testing.T) {
	base := filepath.Join(t.TempDir(), "index")
	m := New(base, Config{})
	writeGeneration(t, base, 3)
	require.NoError(t, m.MoveAndSwitchSavedData())
	assert.True(t, m.IndexExists())
	assert.NoDirExists(t, m.Paths().Next)
}

func TestInterruptedSwap(t *testing.T) {
	base := filepath.Join(t.TempDir(), "index")
	m := New(base, Config{EnableCopyOnWrite: true})
	writeGeneration(t, base, 1)

	// simulate a crash between the two renames
	require.NoError(t, m.writeSwapMarker())
	require.NoError(t, os.Rename(base, m.Paths().Secondary))
	assert.True(t, m.InterruptedSwap())
}

func TestNeedsBackup(t *testing.T) {
	base := filepath.Join(t.TempDir(), "index")
	m := New(base, Config{})

	assert.False(t, m.NeedsBackup(base))

	require.NoError(t, os.MkdirAll(base, 0o755))
	assert.False(t, m.NeedsBackup(base))

	require.NoError(t, os.WriteFile(filepath.Join(base, "index.bin"), []byte("partial"), 0o644))
	assert.True(t, m.NeedsBackup(base))

	require.NoError(t, os.WriteFile(filepath.Join(base, metadata.FileName), nil, 0o644))
	assert.True(t, m.NeedsBackup(base))

	writeGeneration(t, base, 1)
	assert.False(t, m.NeedsBackup(base))
}

func TestBackupBrokenHistoryLimit(t *testing.T) {
	base := filepath.Join(t.TempDir(), "index")
	m := New(base, Config{BrokenIndexHistoryLimit: 2})

	for i := 0; i < 4; i++ {
		require.NoError(t, os.MkdirAll(base, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(base, "gen"), []byte{byte(i)}, 0o644))
		require.NoError(t, m.BackupBroken())
		assert.NoDirExists(t, base)
	}

	history, err := m.BrokenHistory()
	require.NoError(t, err)
	require.Len(t, history, 2)

	// oldest generations were evicted first
	for i, dir := range history {
		b, err := os.ReadFile(filepath.Join(dir, "gen"))
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i + 2)}, b)
	}
	assert.NoDirExists(t, m.Paths().Broken)
}

func TestBackupBrokenZeroLimitDiscards(t *testing.T) {
	base := filepath.Join(t.TempDir(), "index")
	m := New(base, Config{})
	require.NoError(t, os.MkdirAll(base, 0o755))

	require.NoError(t, m.BackupBroken())
	assert.NoDirExists(t, base)
	assert.NoDirExists(t, m.Paths().Broken)

	history, err := m.BrokenHistory()
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestBackupBrokenWithoutPrimary(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "index"), Config{BrokenIndexHistoryLimit: 1})
	assert.NoError(t, m.BackupBroken())
}

func TestSaveMetadataToSavePath(t *testing.T) {
	base := filepath.Join(t.TempDir(), "index")
	m := New(base, Config{EnableCopyOnWrite: true})
	md, err := metadata.New(metadata.Flat, 4)
	require.NoError(t, err)

	require.NoError(t, m.SaveMetadataToSavePath(md))
	assert.FileExists(t, filepath.Join(m.Paths().Temporary, metadata.FileName))
	assert.False(t, m.IndexExists())
}
