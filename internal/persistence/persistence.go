// Package persistence owns the on-disk layout of an index and the
// copy-on-write swap between its generations.
package persistence

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"vecagent/internal/metadata"
	"vecagent/pkg/logger"
)

const (
	secondarySuffix = "-backup"
	nextSuffix      = "-next"
	temporarySuffix = "-tmp"
	historySuffix   = "-history"
	brokenSuffix    = "-broken"

	swapMarker = "SWAPPING"
)

// Paths are the directories derived from one base path.
type Paths struct {
	// Primary holds the live index.
	Primary string
	// Secondary holds the previous primary while a swap is in flight.
	Secondary string
	// Next holds the swap journal marker.
	Next string
	// Temporary is the copy-on-write scratch generation.
	Temporary string
	// History keeps quarantined generations, newest last.
	History string
	// Broken is the landing slot a broken primary is renamed into before it
	// is filed under History.
	Broken string
}

func NewPaths(base string) Paths {
	base = filepath.Clean(base)
	return Paths{
		Primary:   base,
		Secondary: base + secondarySuffix,
		Next:      base + nextSuffix,
		Temporary: base + temporarySuffix,
		History:   base + historySuffix,
		Broken:    base + brokenSuffix,
	}
}

// Config is immutable once the Manager is built.
type Config struct {
	EnableCopyOnWrite       bool
	BrokenIndexHistoryLimit int
}

// Manager performs every directory mutation for one base path. Callers must
// not run two Manager operations on the same base path concurrently.
type Manager struct {
	paths Paths
	conf  Config
}

func New(base string, conf Config) *Manager {
	return &Manager{paths: NewPaths(base), conf: conf}
}

func (m *Manager) Paths() Paths {
	return m.paths
}

func (m *Manager) CopyOnWrite() bool {
	return m.conf.EnableCopyOnWrite
}

// PrepareFolders readies the write target. With copy-on-write the temporary
// directory is wiped and recreated; otherwise the primary's parent is created.
func (m *Manager) PrepareFolders() error {
	if m.conf.EnableCopyOnWrite {
		if err := os.RemoveAll(m.paths.Temporary); err != nil {
			return fmt.Errorf("failed to clear temporary index directory: %w", err)
		}
		if err := os.MkdirAll(m.paths.Temporary, 0o755); err != nil {
			return fmt.Errorf("failed to create temporary index directory: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.paths.Primary), 0o755); err != nil {
		return fmt.Errorf("failed to create index parent directory: %w", err)
	}
	return nil
}

// IndexExists reports whether the primary carries a metadata marker.
func (m *Manager) IndexExists() bool {
	return fileExists(m.MetadataPath())
}

// SavePath is where the engine must write the next generation.
func (m *Manager) SavePath() string {
	if m.conf.EnableCopyOnWrite {
		return m.paths.Temporary
	}
	return m.paths.Primary
}

func (m *Manager) MetadataPath() string {
	return filepath.Join(m.paths.Primary, metadata.FileName)
}

// LoadMetadata reads the primary's marker.
func (m *Manager) LoadMetadata() (*metadata.Metadata, error) {
	return metadata.Load(m.MetadataPath())
}

// SaveMetadata writes md into the primary.
func (m *Manager) SaveMetadata(md *metadata.Metadata) error {
	return metadata.Store(m.MetadataPath(), md)
}

// SaveMetadataToSavePath writes md into the active write target.
func (m *Manager) SaveMetadataToSavePath(md *metadata.Metadata) error {
	return metadata.Store(filepath.Join(m.SavePath(), metadata.FileName), md)
}

// MoveAndSwitchSavedData promotes the temporary generation to primary:
// primary→secondary, temporary→primary, then secondary is removed. It is a
// no-op without copy-on-write. A journal marker under Next brackets the two
// renames so InterruptedSwap can tell a crash left no primary behind.
func (m *Manager) MoveAndSwitchSavedData() error {
	if !m.conf.EnableCopyOnWrite {
		return nil
	}
	if err := m.writeSwapMarker(); err != nil {
		return err
	}

	hadPrimary := dirExists(m.paths.Primary)
	if hadPrimary {
		if err := os.RemoveAll(m.paths.Secondary); err != nil {
			return fmt.Errorf("failed to remove stale secondary index: %w", err)
		}
		if err := os.Rename(m.paths.Primary, m.paths.Secondary); err != nil {
			return fmt.Errorf("failed to move primary index to secondary: %w", err)
		}
	}

	if err := os.Rename(m.paths.Temporary, m.paths.Primary); err != nil {
		if hadPrimary {
			if rerr := os.Rename(m.paths.Secondary, m.paths.Primary); rerr != nil {
				logger.Error("Failed to restore primary index after failed swap", "secondary", m.paths.Secondary, "error", rerr)
			}
		}
		return fmt.Errorf("failed to move temporary index to primary: %w", err)
	}

	if err := os.RemoveAll(m.paths.Secondary); err != nil {
		// primary is already valid; a leftover secondary is removed by the next swap
		logger.Warn("Failed to remove secondary index", "path", m.paths.Secondary, "error", err)
	}
	if err := os.RemoveAll(m.paths.Next); err != nil {
		logger.Warn("Failed to remove swap marker", "path", m.paths.Next, "error", err)
	}
	logger.Debug("Switched index generation", "primary", m.paths.Primary)
	return nil
}

func (m *Manager) writeSwapMarker() error {
	if err := os.MkdirAll(m.paths.Next, 0o755); err != nil {
		return fmt.Errorf("failed to create swap journal directory: %w", err)
	}
	marker := filepath.Join(m.paths.Next, swapMarker)
	body := []byte(m.paths.Temporary + "\n" + m.paths.Secondary + "\n")
	if err := os.WriteFile(marker, body, 0o644); err != nil {
		return fmt.Errorf("failed to write swap marker: %w", err)
	}
	return nil
}

// InterruptedSwap reports a swap that started and never finished while the
// primary is missing. Repair is left to the operator: the previous
// generation is in Secondary and the new one may still be in Temporary.
func (m *Manager) InterruptedSwap() bool {
	return fileExists(filepath.Join(m.paths.Next, swapMarker)) && !dirExists(m.paths.Primary)
}

// NeedsBackup reports whether path is a non-empty directory without a
// readable metadata marker, i.e. the leftovers of an interrupted write.
func (m *Manager) NeedsBackup(path string) bool {
	entries, err := os.ReadDir(path)
	if err != nil || len(entries) == 0 {
		return false
	}
	md, err := metadata.Load(filepath.Join(path, metadata.FileName))
	return err != nil || md == nil
}

// BackupBroken moves the primary out of the way into History, evicting the
// oldest quarantined generations beyond BrokenIndexHistoryLimit. With a
// limit of zero the broken primary is discarded.
func (m *Manager) BackupBroken() error {
	if !dirExists(m.paths.Primary) {
		return nil
	}
	if err := os.RemoveAll(m.paths.Broken); err != nil {
		return fmt.Errorf("failed to clear broken index slot: %w", err)
	}
	if err := os.Rename(m.paths.Primary, m.paths.Broken); err != nil {
		return fmt.Errorf("failed to quarantine broken index: %w", err)
	}

	if m.conf.BrokenIndexHistoryLimit <= 0 {
		logger.Warn("Discarded broken index", "path", m.paths.Primary)
		return os.RemoveAll(m.paths.Broken)
	}

	if err := os.MkdirAll(m.paths.History, 0o755); err != nil {
		return fmt.Errorf("failed to create broken index history: %w", err)
	}
	var dst string
	for n := time.Now().UnixNano(); ; n++ {
		dst = filepath.Join(m.paths.History, fmt.Sprintf("%020d", n))
		if _, err := os.Stat(dst); errors.Is(err, fs.ErrNotExist) {
			break
		}
	}
	if err := os.Rename(m.paths.Broken, dst); err != nil {
		return fmt.Errorf("failed to file broken index into history: %w", err)
	}
	logger.Warn("Moved broken index to history", "from", m.paths.Primary, "to", dst)
	return m.evictHistory()
}

// BrokenHistory lists quarantined generations, oldest first.
func (m *Manager) BrokenHistory() ([]string, error) {
	entries, err := os.ReadDir(m.paths.History)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read broken index history: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.ParseInt(e.Name(), 10, 64); err != nil {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(m.paths.History, n)
	}
	return paths, nil
}

func (m *Manager) evictHistory() error {
	history, err := m.BrokenHistory()
	if err != nil {
		return err
	}
	for len(history) > m.conf.BrokenIndexHistoryLimit {
		if err := os.RemoveAll(history[0]); err != nil {
			return fmt.Errorf("failed to evict broken index %s: %w", history[0], err)
		}
		logger.Info("Evicted broken index from history", "path", history[0])
		history = history[1:]
	}
	return nil
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
