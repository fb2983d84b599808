// Package index holds the approximate nearest neighbour engines the agent
// drives. Writes land in uncommitted caches and become searchable once
// CreateIndex commits them.
package index

import "context"

// SpaceType represents the distance metric type
type SpaceType string

// IndexType names an engine implementation.
type IndexType string

// Config is the engine configuration derived from the agent config.
type Config struct {
	SpaceType SpaceType // distance metric type
	IndexType IndexType // engine, only "flat" is built in
	Dimension int       // vector dimension
	CacheSize int       // uuid lookup cache entries, 0 disables it
}

// Distance is one search hit.
type Distance struct {
	ID       string  `json:"id"`
	Distance float32 `json:"distance"`
}

// Object is a stored vector and the timestamp of its last write, in unix
// nanoseconds.
type Object struct {
	Vector    []float32
	Timestamp int64
}

// Engine is the ANN capability the agent orchestrates. Implementations are
// safe for concurrent use, but the agent still serialises writers against
// readers with its own lock.
type Engine interface {
	// Search returns up to k committed vectors nearest to vec, ascending by
	// distance. radius < 0 disables the distance cut-off.
	Search(ctx context.Context, vec []float32, k uint32, epsilon, radius float32) ([]Distance, error)

	// Insert stages vec under uuid in the insert cache.
	Insert(ctx context.Context, uuid string, vec []float32, ts int64) error
	InsertMultiple(ctx context.Context, vecs map[string][]float32, ts int64) error

	// Update replaces the vector of an existing uuid.
	Update(ctx context.Context, uuid string, vec []float32, ts int64) error
	UpdateMultiple(ctx context.Context, vecs map[string][]float32, ts int64) error

	// Remove stages uuid for deletion.
	Remove(ctx context.Context, uuid string, ts int64) error
	RemoveMultiple(ctx context.Context, uuids []string, ts int64) error

	// CreateIndex commits both caches; poolSize bounds the parallel writes
	// into the id table.
	CreateIndex(ctx context.Context, poolSize uint32) error
	SaveIndex(ctx context.Context, path string) error
	LoadIndex(ctx context.Context, path string) error

	// Regenerate rebuilds the committed index from its current data.
	Regenerate(ctx context.Context) error

	GetObject(ctx context.Context, uuid string) (*Object, error)
	Exists(ctx context.Context, uuid string) (uint32, bool)

	Len() uint64
	InsertVCacheLen() uint64
	DeleteVCacheLen() uint64
	Dimension() int
	Close() error
}
