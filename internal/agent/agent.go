// Package agent orchestrates one vector index: it serialises writers against
// readers, tracks the indexing, saving and flushing lifecycle, and drives the
// persistence manager when the index is saved.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"vecagent/internal/codec"
	"vecagent/internal/config"
	"vecagent/internal/index"
	"vecagent/internal/kvs"
	"vecagent/internal/metadata"
	"vecagent/internal/persistence"
	pkgerrors "vecagent/pkg/errors"
	"vecagent/pkg/logger"
)

const (
	uuidTable  = "uuid"
	stateTable = "agent"
	stateKey   = "state"

	awaitInterval = 10 * time.Millisecond
)

// state survives restarts in the kvs store.
type state struct {
	BuildCount  uint64 `msgpack:"build_count"`
	LastCreated int64  `msgpack:"last_created"`
	LastSaved   int64  `msgpack:"last_saved"`
}

// Info is a point-in-time view of the agent.
type Info struct {
	Stored             uint64 `json:"stored"`
	Uncommitted        uint64 `json:"uncommitted"`
	UncommittedDeletes uint64 `json:"uncommitted_deletes"`
	Dimension          int    `json:"dimension"`
	Indexing           bool   `json:"indexing"`
	Saving             bool   `json:"saving"`
	Flushing           bool   `json:"flushing"`
	BuildCount         uint64 `json:"build_count"`
	LastCreated        int64  `json:"last_created,omitempty"`
	LastSaved          int64  `json:"last_saved,omitempty"`
}

type Agent struct {
	conf     *config.Config
	ids      *kvs.Bidi[string, uint32]
	states   *kvs.MapBase[string, state]
	pm       *persistence.Manager
	inMemory bool
	poolSize uint32

	// mu guards engine: searches and reads share it, writes and the
	// create/save/flush lifecycle take it exclusively.
	mu     sync.RWMutex
	engine index.Engine

	// flagMu makes checking and setting the lifecycle flags one step.
	flagMu          sync.Mutex
	isIndexing      atomic.Bool
	isSaving        atomic.Bool
	isFlushing      atomic.Bool
	indexBuildCount atomic.Uint64
	lastCreated     atomic.Int64
	lastSaved       atomic.Int64
	opened          atomic.Bool
	closed          atomic.Bool

	now func() int64
}

// New wires an agent over db. Nothing is read from disk until Open.
func New(conf *config.Config, db *kvs.DB) (*Agent, error) {
	space, err := index.ParseSpaceType(conf.Index.DistanceType)
	if err != nil {
		return nil, err
	}
	ids, err := kvs.NewBidi[string, uint32](db, uuidTable, codec.String{}, codec.Uint32{}, conf.KVS.ScanOnStartup)
	if err != nil {
		return nil, fmt.Errorf("failed to open uuid table: %w", err)
	}
	states, err := kvs.NewMapBase[string, state](db, stateTable, codec.String{}, codec.Msgpack[state]{}, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open agent state table: %w", err)
	}
	engine, err := index.New(index.Config{
		SpaceType: space,
		IndexType: index.FLATIndex,
		Dimension: conf.Index.Dimension,
		CacheSize: conf.Index.IDCacheSize,
	}, ids)
	if err != nil {
		return nil, err
	}
	return &Agent{
		conf:   conf,
		ids:    ids,
		states: states,
		pm: persistence.New(conf.IndexPath(), persistence.Config{
			EnableCopyOnWrite:       conf.Persistence.EnableCopyOnWrite,
			BrokenIndexHistoryLimit: conf.Persistence.BrokenIndexHistoryLimit,
		}),
		inMemory: conf.Index.EnableInMemoryMode,
		poolSize: index.DefaultPoolSize,
		engine:   engine,
		now:      func() int64 { return time.Now().UnixNano() },
	}, nil
}

// Open restores the last saved generation. Any generation that cannot be
// trusted is quarantined and the agent starts empty.
func (a *Agent) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.open(ctx); err != nil {
		return err
	}
	a.opened.Store(true)
	return nil
}

func (a *Agent) open(ctx context.Context) error {
	if st, _, err := a.states.Get(ctx, stateKey); err == nil {
		a.indexBuildCount.Store(st.BuildCount)
		a.lastCreated.Store(st.LastCreated)
		a.lastSaved.Store(st.LastSaved)
	} else if !errors.Is(err, pkgerrors.ErrNotFound) {
		return fmt.Errorf("failed to load agent state: %w", err)
	}

	if a.inMemory {
		logger.Info("Starting in-memory index")
		return a.startEmpty()
	}

	paths := a.pm.Paths()
	if a.pm.InterruptedSwap() {
		// the uuid table is kept so the secondary can still be restored by hand
		logger.Warn("Previous index swap was interrupted; starting without an index",
			"secondary", paths.Secondary, "temporary", paths.Temporary)
		return nil
	}
	if a.pm.NeedsBackup(paths.Primary) {
		logger.Warn("Index directory has no valid metadata", "path", paths.Primary)
		if err := a.pm.BackupBroken(); err != nil {
			return err
		}
		return a.startEmpty()
	}
	if !a.pm.IndexExists() {
		logger.Info("No saved index found", "path", paths.Primary)
		return a.startEmpty()
	}

	md, err := a.pm.LoadMetadata()
	if err != nil || md.IsInvalid {
		logger.Warn("Index metadata is invalid", "path", a.pm.MetadataPath(), "error", err)
		if err := a.pm.BackupBroken(); err != nil {
			return err
		}
		return a.startEmpty()
	}

	if err := a.engine.LoadIndex(ctx, paths.Primary); err != nil {
		logger.Error("Failed to load index", "path", paths.Primary, "error", err)
		if err := a.pm.BackupBroken(); err != nil {
			return err
		}
		return a.startEmpty()
	}
	if n := a.engine.Len(); n != md.IndexCount() {
		logger.Warn("Loaded index count differs from metadata", "loaded", n, "metadata", md.IndexCount())
	}
	logger.Info("Opened index", "path", paths.Primary, "count", a.engine.Len())
	return nil
}

// startEmpty drops uuid mappings that no loaded generation backs.
func (a *Agent) startEmpty() error {
	if err := a.ids.Clear(); err != nil {
		return fmt.Errorf("failed to reset uuid table: %w", err)
	}
	return nil
}

func (a *Agent) ready() error {
	if a.closed.Load() {
		return pkgerrors.ErrAgentClosed
	}
	return nil
}

// Ready reports whether Open has finished.
func (a *Agent) Ready() bool {
	return a.opened.Load() && !a.closed.Load()
}

func (a *Agent) Search(ctx context.Context, vec []float32, k uint32, epsilon, radius float32) ([]index.Distance, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.engine.Search(ctx, vec, k, epsilon, radius)
}

// SearchByID searches with the stored vector of uuid.
func (a *Agent) SearchByID(ctx context.Context, uuid string, k uint32, epsilon, radius float32) ([]float32, []index.Distance, error) {
	if err := a.ready(); err != nil {
		return nil, nil, err
	}
	if uuid == "" {
		return nil, nil, pkgerrors.NewUUIDError(uuid, pkgerrors.ErrInvalidUUID)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	obj, err := a.engine.GetObject(ctx, uuid)
	if errors.Is(err, pkgerrors.ErrObjectIDNotFound) {
		return nil, nil, pkgerrors.NewUUIDError(uuid, pkgerrors.ErrUUIDNotFound)
	}
	if err != nil {
		return nil, nil, err
	}
	res, err := a.engine.Search(ctx, obj.Vector, k, epsilon, radius)
	if err != nil {
		return nil, nil, err
	}
	return obj.Vector, res, nil
}

func (a *Agent) GetObject(ctx context.Context, uuid string) (*index.Object, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	if uuid == "" {
		return nil, pkgerrors.NewUUIDError(uuid, pkgerrors.ErrInvalidUUID)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.engine.GetObject(ctx, uuid)
}

func (a *Agent) Exists(ctx context.Context, uuid string) (uint32, bool) {
	if a.ready() != nil || uuid == "" {
		return 0, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.engine.Exists(ctx, uuid)
}

func (a *Agent) Insert(ctx context.Context, uuid string, vec []float32) error {
	if err := a.ready(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engine.Insert(ctx, uuid, vec, a.now())
}

func (a *Agent) Update(ctx context.Context, uuid string, vec []float32) error {
	if err := a.ready(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engine.Update(ctx, uuid, vec, a.now())
}

func (a *Agent) Remove(ctx context.Context, uuid string) error {
	if err := a.ready(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engine.Remove(ctx, uuid, a.now())
}

// Upsert updates uuid when it exists and inserts it otherwise.
func (a *Agent) Upsert(ctx context.Context, uuid string, vec []float32) error {
	if err := a.ready(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.engine.Exists(ctx, uuid); ok {
		return a.engine.Update(ctx, uuid, vec, a.now())
	}
	return a.engine.Insert(ctx, uuid, vec, a.now())
}

func (a *Agent) MultiInsert(ctx context.Context, vecs map[string][]float32) error {
	if err := a.ready(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engine.InsertMultiple(ctx, vecs, a.now())
}

func (a *Agent) MultiUpdate(ctx context.Context, vecs map[string][]float32) error {
	if err := a.ready(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engine.UpdateMultiple(ctx, vecs, a.now())
}

func (a *Agent) MultiRemove(ctx context.Context, uuids []string) error {
	if err := a.ready(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engine.RemoveMultiple(ctx, uuids, a.now())
}

func (a *Agent) MultiUpsert(ctx context.Context, vecs map[string][]float32) error {
	if err := a.ready(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	inserts := make(map[string][]float32)
	updates := make(map[string][]float32)
	for uuid, vec := range vecs {
		if _, ok := a.engine.Exists(ctx, uuid); ok {
			updates[uuid] = vec
		} else {
			inserts[uuid] = vec
		}
	}
	ts := a.now()
	var errs []error
	if len(updates) > 0 {
		errs = append(errs, a.engine.UpdateMultiple(ctx, updates, ts))
	}
	if len(inserts) > 0 {
		errs = append(errs, a.engine.InsertMultiple(ctx, inserts, ts))
	}
	return errors.Join(errs...)
}

// CreateIndex commits uncommitted writes. A concurrent call fails instead of
// queueing.
func (a *Agent) CreateIndex(ctx context.Context) error {
	if err := a.ready(); err != nil {
		return err
	}
	end, err := a.begin(phase{indexing: true})
	if err != nil {
		return err
	}
	defer end()

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.createIndex(ctx)
}

func (a *Agent) createIndex(ctx context.Context) error {
	start := time.Now()
	if err := a.engine.CreateIndex(ctx, a.poolSize); err != nil {
		return err
	}
	a.indexBuildCount.Add(1)
	a.lastCreated.Store(a.now())
	a.storeState(ctx)
	logger.Info("Created index", "count", a.engine.Len(), "took", time.Since(start))
	return nil
}

// SaveIndex persists the committed index. It is a no-op in memory mode.
func (a *Agent) SaveIndex(ctx context.Context) error {
	if err := a.ready(); err != nil {
		return err
	}
	if a.inMemory {
		return nil
	}
	end, err := a.begin(phase{saving: true})
	if err != nil {
		return err
	}
	defer end()

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.saveIndex(ctx)
}

// saveIndex writes the engine into the save path, completes it with
// metadata, then switches it in. Without copy-on-write the primary is first
// marked invalid so a crash mid-write is detected on the next Open.
func (a *Agent) saveIndex(ctx context.Context) error {
	start := time.Now()
	if err := a.pm.PrepareFolders(); err != nil {
		return err
	}
	if !a.pm.CopyOnWrite() {
		if err := a.pm.SaveMetadata(metadata.Invalid()); err != nil {
			return err
		}
	}
	savePath := a.pm.SavePath()
	if err := a.engine.SaveIndex(ctx, savePath); err != nil {
		return fmt.Errorf("failed to save index to %s: %w", savePath, err)
	}
	md, err := metadata.New(metadata.Flat, a.engine.Len())
	if err != nil {
		return err
	}
	if err := a.pm.SaveMetadataToSavePath(md); err != nil {
		return err
	}
	if err := a.pm.MoveAndSwitchSavedData(); err != nil {
		return err
	}
	a.lastSaved.Store(a.now())
	a.storeState(ctx)
	logger.Info("Saved index", "path", a.pm.Paths().Primary, "count", md.IndexCount(), "took", time.Since(start))
	return nil
}

// CreateAndSaveIndex commits and saves under one exclusive section. Having
// nothing to commit does not prevent the save.
func (a *Agent) CreateAndSaveIndex(ctx context.Context) error {
	if err := a.ready(); err != nil {
		return err
	}
	end, err := a.begin(a.createAndSavePhase())
	if err != nil {
		return err
	}
	defer end()
	return a.createAndSaveIndex(ctx)
}

func (a *Agent) createAndSavePhase() phase {
	return phase{indexing: true, saving: !a.inMemory}
}

// createAndSaveIndex must be called inside a createAndSavePhase.
func (a *Agent) createAndSaveIndex(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.createIndex(ctx); err != nil && !errors.Is(err, pkgerrors.ErrUncommittedIndexNotFound) {
		return err
	}
	if a.inMemory {
		return nil
	}
	return a.saveIndex(ctx)
}

// RegenerateIndexes rebuilds the index in place and saves it. It fails
// immediately while a flush, create or save is running.
func (a *Agent) RegenerateIndexes(ctx context.Context) error {
	if err := a.ready(); err != nil {
		return err
	}
	end, err := a.begin(phase{flushing: true})
	if err != nil {
		return err
	}
	defer end()

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.engine.Regenerate(ctx); err != nil {
		return fmt.Errorf("failed to regenerate index: %w", err)
	}
	a.indexBuildCount.Add(1)
	a.lastCreated.Store(a.now())
	if a.inMemory {
		a.storeState(ctx)
		return nil
	}
	return a.saveIndex(ctx)
}

// phase names the lifecycle flags an operation holds while it runs.
type phase struct {
	indexing, saving, flushing bool
}

// begin sets the flags of p, or reports the running operation it would
// overlap. A flush excludes both indexing and saving.
func (a *Agent) begin(p phase) (func(), error) {
	a.flagMu.Lock()
	defer a.flagMu.Unlock()
	switch {
	case a.isFlushing.Load():
		return nil, pkgerrors.ErrFlushingIsInProgress
	case (p.indexing || p.flushing) && a.isIndexing.Load():
		return nil, pkgerrors.ErrCreateIndexingIsInProgress
	case (p.saving || p.flushing) && a.isSaving.Load():
		return nil, pkgerrors.ErrSavingIsInProgress
	}
	a.setPhase(p, true)
	return func() {
		a.flagMu.Lock()
		defer a.flagMu.Unlock()
		a.setPhase(p, false)
	}, nil
}

func (a *Agent) setPhase(p phase, v bool) {
	if p.indexing {
		a.isIndexing.Store(v)
	}
	if p.saving {
		a.isSaving.Store(v)
	}
	if p.flushing {
		a.isFlushing.Store(v)
	}
}

// await retries begin until the running operations finish or ctx is done.
func (a *Agent) await(ctx context.Context, p phase) (func(), error) {
	retry := time.NewTicker(awaitInterval)
	defer retry.Stop()
	for {
		end, err := a.begin(p)
		if err == nil || !inProgress(err) {
			return end, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", err, ctx.Err())
		case <-retry.C:
		}
	}
}

func (a *Agent) storeState(ctx context.Context) {
	st := state{
		BuildCount:  a.indexBuildCount.Load(),
		LastCreated: a.lastCreated.Load(),
		LastSaved:   a.lastSaved.Load(),
	}
	if _, err := a.states.Set(ctx, stateKey, st, kvs.TimestampFromTime(time.Now())); err != nil {
		logger.Warn("Failed to persist agent state", "error", err)
	}
}

func (a *Agent) IndexInfo() Info {
	return Info{
		Stored:             a.engine.Len(),
		Uncommitted:        a.engine.InsertVCacheLen(),
		UncommittedDeletes: a.engine.DeleteVCacheLen(),
		Dimension:          a.engine.Dimension(),
		Indexing:           a.isIndexing.Load(),
		Saving:             a.isSaving.Load(),
		Flushing:           a.isFlushing.Load(),
		BuildCount:         a.indexBuildCount.Load(),
		LastCreated:        a.lastCreated.Load(),
		LastSaved:          a.lastSaved.Load(),
	}
}

// Len is the number of committed vectors.
func (a *Agent) Len() uint64 {
	return a.engine.Len()
}

func (a *Agent) IsIndexing() bool { return a.isIndexing.Load() }
func (a *Agent) IsSaving() bool   { return a.isSaving.Load() }
func (a *Agent) IsFlushing() bool { return a.isFlushing.Load() }

// Start runs the automatic lifecycle until ctx is done: uncommitted writes
// are committed once they reach auto_index_length, and the index is saved
// every auto_save_index_duration.
func (a *Agent) Start(ctx context.Context) {
	check := time.NewTicker(a.conf.AutoIndexCheckDuration())
	defer check.Stop()
	save := time.NewTicker(a.conf.AutoSaveIndexDuration())
	defer save.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-check.C:
			pending := a.engine.InsertVCacheLen() + a.engine.DeleteVCacheLen()
			if pending < uint64(a.conf.Index.AutoIndexLength) {
				continue
			}
			if err := a.CreateIndex(ctx); err != nil && !inProgress(err) {
				logger.Error("Automatic index creation failed", "pending", pending, "error", err)
			}
		case <-save.C:
			if a.inMemory {
				continue
			}
			if err := a.CreateAndSaveIndex(ctx); err != nil && !inProgress(err) {
				logger.Error("Automatic index save failed", "error", err)
			}
		}
	}
}

func inProgress(err error) bool {
	return errors.Is(err, pkgerrors.ErrCreateIndexingIsInProgress) ||
		errors.Is(err, pkgerrors.ErrSavingIsInProgress) ||
		errors.Is(err, pkgerrors.ErrFlushingIsInProgress)
}

// Close saves the index unless in memory mode and releases the engine. A
// create, save or flush still running is waited for until ctx is done. The
// kvs DB belongs to the caller.
func (a *Agent) Close(ctx context.Context) error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if !a.inMemory {
		end, err := a.await(ctx, a.createAndSavePhase())
		if err == nil {
			err = a.createAndSaveIndex(ctx)
			end()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to save index on close: %w", err))
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	errs = append(errs, a.engine.Close())
	return errors.Join(errs...)
}
