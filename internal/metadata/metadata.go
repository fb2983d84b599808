// Package metadata reads and writes the JSON sidecar that marks an index
// directory as complete.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	pkgerrors "vecagent/pkg/errors"
)

// FileName is the completion marker inside an index directory.
const FileName = "metadata.json"

// Backend names the engine that produced an index.
type Backend string

const (
	Flat Backend = "flat"
	IVF  Backend = "ivf"
)

// Count is the per-backend record.
type Count struct {
	IndexCount uint64 `json:"index_count"`
}

// Metadata is the sidecar content. At most one backend record is set.
type Metadata struct {
	IsInvalid bool   `json:"is_invalid"`
	Flat      *Count `json:"flat,omitempty"`
	IVF       *Count `json:"ivf,omitempty"`
}

// New returns valid metadata for backend with count indexed vectors.
func New(backend Backend, count uint64) (*Metadata, error) {
	m := &Metadata{}
	switch backend {
	case Flat:
		m.Flat = &Count{IndexCount: count}
	case IVF:
		m.IVF = &Count{IndexCount: count}
	default:
		return nil, fmt.Errorf("%w: metadata backend %q", pkgerrors.ErrUnsupported, backend)
	}
	return m, nil
}

// Invalid returns metadata that marks the index untrustworthy.
func Invalid() *Metadata {
	return &Metadata{IsInvalid: true}
}

// IndexCount returns the populated backend's count, or 0 when the metadata is
// invalid or carries no record.
func (m *Metadata) IndexCount() uint64 {
	if m == nil || m.IsInvalid {
		return 0
	}
	switch {
	case m.Flat != nil:
		return m.Flat.IndexCount
	case m.IVF != nil:
		return m.IVF.IndexCount
	}
	return 0
}

// Load reads metadata from path. A zero length file is reported as
// ErrFileEmpty rather than a parse failure since it is what an interrupted
// write leaves behind.
func Load(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", pkgerrors.ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("failed to read metadata %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrFileEmpty, path)
	}
	m := &Metadata{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: metadata %s: %v", pkgerrors.ErrParse, path, err)
	}
	return m, nil
}

// Store writes m to path, creating parent directories and truncating any
// existing file.
func Store(path string, m *Metadata) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata %s: %w", path, err)
	}
	return nil
}
