package index

import (
	"fmt"

	pkgerrors "vecagent/pkg/errors"
)

const (
	L2Space      SpaceType = "l2"
	IPSpace      SpaceType = "ip"
	CosSpace     SpaceType = "cos"
	HammingSpace SpaceType = "hamming"
)

const (
	FLATIndex IndexType = "flat"
)

const (
	// SnapshotFile is the engine payload written next to metadata.json.
	SnapshotFile = "index.msgpack"

	// DefaultPoolSize bounds CreateIndex writers when the caller passes 0.
	DefaultPoolSize = 16
)

// ParseSpaceType validates a configured distance name.
func ParseSpaceType(s string) (SpaceType, error) {
	switch st := SpaceType(s); st {
	case L2Space, IPSpace, CosSpace, HammingSpace:
		return st, nil
	case "":
		return L2Space, nil
	}
	return "", fmt.Errorf("%w: %q", pkgerrors.ErrUnsupportedDistanceType, s)
}

// New builds the engine named by conf.IndexType.
func New(conf Config, ids IDTable) (Engine, error) {
	switch conf.IndexType {
	case FLATIndex, "":
		return NewFlat(conf, ids)
	}
	return nil, fmt.Errorf("%w: index type %q", pkgerrors.ErrUnsupported, conf.IndexType)
}
