package runner

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"web/markergrid/cluster"
	"web/markergrid/config"
	"web/markergrid/logging"
	"web/markergrid/metrics"
)

// MaxCreatePoints caps the random markers a single CreateLayer may generate.
const MaxCreatePoints = 5_000_000

type Options struct {
	Dir             string
	Format          string
	MaxLayers       int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration

	GridSize   int
	CacheZooms int
	Precache   bool

	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// OptionsFromConfig maps the runner, cluster and storage sections of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Dir:             cfg.Storage.Dir,
		Format:          cfg.Storage.Format,
		MaxLayers:       cfg.Runner.MaxLayers,
		IdleTimeout:     cfg.Runner.IdleTimeout,
		CleanupInterval: cfg.Runner.CleanupInterval,
		GridSize:        cfg.Cluster.GridSize,
		CacheZooms:      cfg.Cluster.CacheZooms,
		Precache:        cfg.Cluster.Precache,
	}
}

// layer is one marker set with its clustering algorithm.
type layer struct {
	id      string
	created time.Time

	// mu serialises mutations and guards byID. It is taken before the
	// algorithm's own lock.
	mu    sync.Mutex
	byID  map[string]*cluster.Marker
	dirty bool
	// evicted is set under mu once the layer has left r.layers. Writers
	// holding a stale pointer must reacquire.
	evicted bool

	alg   cluster.Algorithm[*cluster.Marker]
	cache *cluster.PreCaching[*cluster.Marker]
}

// Runner holds layers in memory, loading them from and saving them to the
// snapshot directory on demand.
type Runner struct {
	opts    Options
	logger  logging.Logger
	metrics *metrics.Metrics

	layerLock    sync.RWMutex
	layers       map[string]*layer
	lastAccessed map[string]time.Time

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ Service = (*Runner)(nil)

func NewRunner(opts Options) (*Runner, error) {
	if opts.Dir == "" {
		opts.Dir = config.DefaultStorageDir
	}
	if opts.Format == "" {
		opts.Format = config.FormatCompressed
	}
	if opts.Format != config.FormatCompressed && opts.Format != config.FormatMMap {
		return nil, fmt.Errorf("%w: storage format %q", ErrInvalidArgument, opts.Format)
	}
	if opts.MaxLayers <= 0 {
		opts.MaxLayers = config.DefaultMaxLayers
	}
	if opts.GridSize <= 0 {
		opts.GridSize = cluster.DefaultGridSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create layers directory: %w", err)
	}

	r := &Runner{
		opts:         opts,
		logger:       opts.Logger.Named("runner"),
		metrics:      opts.Metrics,
		layers:       make(map[string]*layer),
		lastAccessed: make(map[string]time.Time),
		stop:         make(chan struct{}),
	}

	if opts.CleanupInterval > 0 && opts.IdleTimeout > 0 {
		r.wg.Add(1)
		go r.cleanupInactiveLayers()
	}
	return r, nil
}

// Close stops idle eviction and snapshots every layer with unsaved changes.
func (r *Runner) Close() error {
	var firstErr error
	r.closeOnce.Do(func() {
		close(r.stop)
		r.wg.Wait()

		r.layerLock.Lock()
		defer r.layerLock.Unlock()
		for id, l := range r.layers {
			if l.cache != nil {
				l.cache.Wait()
			}
			if _, err := r.saveIfDirty(l); err != nil {
				r.logger.Error("failed to save layer on close", logging.String("layer", id), logging.Err(err))
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	})
	return firstErr
}

func (r *Runner) newLayer(id string, gridSize int, created time.Time) *layer {
	if gridSize <= 0 {
		gridSize = r.opts.GridSize
	}
	l := &layer{
		id:      id,
		created: created,
		byID:    make(map[string]*cluster.Marker),
	}

	grid := cluster.NewGridBased[*cluster.Marker](
		cluster.WithGridSize(gridSize),
		cluster.WithLogger(r.logger.With(logging.String("layer", id))),
		cluster.WithPassObserver(func(_ float64, _, clusters int, elapsed time.Duration) {
			r.metrics.ObservePass(id, clusters, elapsed)
		}),
	)
	l.alg = grid
	if r.opts.CacheZooms > 0 {
		l.cache = cluster.NewPreCaching[*cluster.Marker](grid,
			cluster.WithCacheZooms(r.opts.CacheZooms),
			cluster.WithPrecache(r.opts.Precache),
			cluster.WithCacheLogger(r.logger.With(logging.String("layer", id))),
			cluster.WithCacheObserver(func(hit bool) {
				r.metrics.RecordCache(id, hit)
			}),
		)
		l.alg = l.cache
	}
	return l
}

func (r *Runner) CreateLayer(ctx context.Context, req CreateLayerRequest) (*LayerInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.NumPoints < 0 || req.NumPoints > MaxCreatePoints {
		return nil, fmt.Errorf("%w: numPoints %d outside [0, %d]", ErrInvalidArgument, req.NumPoints, MaxCreatePoints)
	}
	if req.GridSize < 0 {
		return nil, fmt.Errorf("%w: gridSize %d", ErrInvalidArgument, req.GridSize)
	}
	bounds := cluster.World
	if req.Bounds != nil {
		if err := req.Bounds.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		bounds = *req.Bounds
	}
	seed := req.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	id := newLayerID()
	r.logger.Info("creating layer", logging.String("layer", id), logging.Int("num_points", req.NumPoints))

	l := r.newLayer(id, req.GridSize, time.Now())
	markers := cluster.GenerateTestMarkers(req.NumPoints, bounds, seed)
	for _, m := range markers {
		l.byID[m.ID] = m
	}
	l.alg.AddItems(markers)
	l.dirty = true

	info, err := r.save(l)
	if err != nil {
		return nil, fmt.Errorf("failed to save layer: %w", err)
	}

	r.layerLock.Lock()
	r.evictIfFullLocked()
	r.layers[id] = l
	r.lastAccessed[id] = time.Now()
	r.metrics.SetLayersLoaded(len(r.layers))
	r.layerLock.Unlock()

	r.metrics.SetItems(id, req.NumPoints)
	return info, nil
}

func (r *Runner) ListLayers(ctx context.Context) ([]LayerInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	files, err := listSnapshots(r.opts.Dir)
	if err != nil {
		return nil, err
	}

	r.layerLock.RLock()
	defer r.layerLock.RUnlock()

	infos := make([]LayerInfo, 0, len(files)+len(r.layers))
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		seen[f.id] = true
		info := LayerInfo{
			ID:        f.id,
			NumPoints: f.numPoints,
			Timestamp: f.timestamp,
			FileSize:  f.size,
		}
		if l, ok := r.layers[f.id]; ok {
			info = l.info()
			info.FileSize = f.size
		}
		infos = append(infos, info)
	}
	for id, l := range r.layers {
		if !seen[id] {
			infos = append(infos, l.info())
		}
	}
	return infos, nil
}

func (r *Runner) LoadLayer(ctx context.Context, id string) (*LayerInfo, error) {
	l, err := r.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	info := l.info()
	return &info, nil
}

func (r *Runner) SaveLayer(ctx context.Context, id string) (*LayerInfo, error) {
	l, err := r.lockForWrite(ctx, id)
	if err != nil {
		return nil, err
	}
	defer l.mu.Unlock()
	return r.saveLocked(l)
}

func (r *Runner) DeleteLayer(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.layerLock.Lock()
	l, loaded := r.layers[id]
	if loaded {
		l.mu.Lock()
		l.evicted = true
		l.mu.Unlock()
	}
	delete(r.layers, id)
	delete(r.lastAccessed, id)
	r.metrics.SetLayersLoaded(len(r.layers))
	r.layerLock.Unlock()

	_, findErr := findSnapshot(r.opts.Dir, id)
	if !loaded && findErr != nil {
		return findErr
	}
	if err := removeSnapshots(r.opts.Dir, id, ""); err != nil {
		return err
	}
	r.metrics.ForgetLayer(id, "deleted")
	r.logger.Info("deleted layer", logging.String("layer", id))
	return nil
}

func (r *Runner) AddMarkers(ctx context.Context, id string, markers []*cluster.Marker) (int, error) {
	for _, m := range markers {
		if err := validateMarker(m); err != nil {
			return 0, err
		}
	}
	l, err := r.lockForWrite(ctx, id)
	if err != nil {
		return 0, err
	}
	defer l.mu.Unlock()

	var replaced []*cluster.Marker
	added := make([]*cluster.Marker, 0, len(markers))
	inBatch := make(map[string]int, len(markers))
	for _, m := range markers {
		m := copyMarker(m)
		if i, ok := inBatch[m.ID]; ok {
			// last one wins within a batch
			added[i] = m
			l.byID[m.ID] = m
			continue
		}
		if old, ok := l.byID[m.ID]; ok {
			replaced = append(replaced, old)
		}
		inBatch[m.ID] = len(added)
		l.byID[m.ID] = m
		added = append(added, m)
	}
	l.alg.ReplaceItems(replaced, added)
	l.dirty = l.dirty || len(added) > 0

	r.metrics.RecordMutation(id, "add")
	r.metrics.SetItems(id, len(l.byID))
	return len(added), nil
}

func (r *Runner) RemoveMarkers(ctx context.Context, id string, markerIDs []string) (int, error) {
	l, err := r.lockForWrite(ctx, id)
	if err != nil {
		return 0, err
	}
	defer l.mu.Unlock()

	removed := make([]*cluster.Marker, 0, len(markerIDs))
	for _, markerID := range markerIDs {
		if m, ok := l.byID[markerID]; ok {
			removed = append(removed, m)
			delete(l.byID, markerID)
		}
	}
	if len(removed) > 0 {
		l.alg.RemoveItems(removed)
		l.dirty = true
	}

	r.metrics.RecordMutation(id, "remove")
	r.metrics.SetItems(id, len(l.byID))
	return len(removed), nil
}

// UpdateMarker moves the stored marker in place. Markers carrying new metrics
// or metadata are swapped for a fresh copy so cached clusters keep their
// original members unchanged.
func (r *Runner) UpdateMarker(ctx context.Context, id string, marker *cluster.Marker) error {
	if err := validateMarker(marker); err != nil {
		return err
	}
	l, err := r.lockForWrite(ctx, id)
	if err != nil {
		return err
	}
	defer l.mu.Unlock()

	current, ok := l.byID[marker.ID]
	if !ok {
		return fmt.Errorf("%w: marker %s in layer %s", ErrLayerNotFound, marker.ID, id)
	}

	if marker.Metrics != nil || marker.Metadata != nil {
		next := copyMarker(current)
		next.Lat, next.Lng = marker.Lat, marker.Lng
		if marker.Metrics != nil {
			next.Metrics = copyMarker(marker).Metrics
		}
		if marker.Metadata != nil {
			next.Metadata = copyMarker(marker).Metadata
		}
		l.alg.ReplaceItems([]*cluster.Marker{current}, []*cluster.Marker{next})
		l.byID[next.ID] = next
	} else {
		l.alg.Lock()
		current.SetPosition(marker.Position())
		l.alg.Unlock()
		l.alg.UpdateItem(current)
	}
	l.dirty = true

	r.metrics.RecordMutation(id, "update")
	return nil
}

func (r *Runner) ClearLayer(ctx context.Context, id string) error {
	l, err := r.lockForWrite(ctx, id)
	if err != nil {
		return err
	}
	defer l.mu.Unlock()

	l.alg.ClearItems()
	clear(l.byID)
	l.dirty = true

	r.metrics.RecordMutation(id, "clear")
	r.metrics.SetItems(id, 0)
	return nil
}

func (r *Runner) SetGridSize(ctx context.Context, id string, gridSize int) error {
	if gridSize <= 0 {
		return fmt.Errorf("%w: gridSize %d must be positive", ErrInvalidArgument, gridSize)
	}
	l, err := r.lockForWrite(ctx, id)
	if err != nil {
		return err
	}
	defer l.mu.Unlock()

	if l.alg.MaxDistanceBetweenClusteredItems() != gridSize {
		l.alg.SetMaxDistanceBetweenClusteredItems(gridSize)
		l.dirty = true
	}
	r.metrics.RecordMutation(id, "grid")
	return nil
}

func (r *Runner) GetClusters(ctx context.Context, req ClustersRequest) (*cluster.FeatureCollection, error) {
	clusters, err := r.clusters(ctx, req)
	if err != nil {
		return nil, err
	}
	return cluster.ToGeoJSON(clusters), nil
}

func (r *Runner) GetSummary(ctx context.Context, req ClustersRequest) (*cluster.Summary, error) {
	clusters, err := r.clusters(ctx, req)
	if err != nil {
		return nil, err
	}
	summary := cluster.CalculateSummary(clusters)
	return &summary, nil
}

func (r *Runner) clusters(ctx context.Context, req ClustersRequest) ([]cluster.Cluster[*cluster.Marker], error) {
	if math.IsNaN(req.Zoom) || req.Zoom < 0 || req.Zoom > MaxZoom {
		return nil, fmt.Errorf("%w: zoom %v outside [0, %d]", ErrInvalidArgument, req.Zoom, MaxZoom)
	}
	if req.Bounds != nil {
		if err := req.Bounds.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
	}
	l, err := r.acquire(ctx, req.LayerID)
	if err != nil {
		return nil, err
	}

	clusters := l.alg.Clusters(req.Zoom)
	if req.Bounds != nil {
		clusters = cluster.FilterClusters(clusters, *req.Bounds)
	}
	return clusters, nil
}

// acquire returns a resident layer, loading it from disk if needed.
func (r *Runner) acquire(ctx context.Context, id string) (*layer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("%w: empty layer id", ErrInvalidArgument)
	}

	r.layerLock.RLock()
	l, ok := r.layers[id]
	r.layerLock.RUnlock()
	if ok {
		r.touch(id)
		return l, nil
	}

	r.layerLock.Lock()
	defer r.layerLock.Unlock()

	if l, ok := r.layers[id]; ok {
		r.lastAccessed[id] = time.Now()
		return l, nil
	}

	f, err := findSnapshot(r.opts.Dir, id)
	if err != nil {
		return nil, err
	}
	snap, err := readSnapshot(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load layer %s: %w", id, err)
	}

	r.evictIfFullLocked()

	l = r.newLayer(id, snap.GridSize, f.timestamp)
	for _, m := range snap.Markers {
		l.byID[m.ID] = m
	}
	l.alg.AddItems(snap.Markers)

	r.layers[id] = l
	r.lastAccessed[id] = time.Now()
	r.metrics.SetLayersLoaded(len(r.layers))
	r.metrics.SetItems(id, len(snap.Markers))
	r.logger.Info("loaded layer",
		logging.String("layer", id),
		logging.String("file", f.path),
		logging.Int("markers", len(snap.Markers)))
	return l, nil
}

// lockForWrite returns a resident layer with its mu held. A layer evicted
// between lookup and lock is reloaded from the snapshot its eviction wrote.
func (r *Runner) lockForWrite(ctx context.Context, id string) (*layer, error) {
	for {
		l, err := r.acquire(ctx, id)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		if !l.evicted {
			return l, nil
		}
		l.mu.Unlock()
	}
}

func (r *Runner) touch(id string) {
	r.layerLock.Lock()
	if _, ok := r.layers[id]; ok {
		r.lastAccessed[id] = time.Now()
	}
	r.layerLock.Unlock()
}

// evictIfFullLocked drops least recently used layers until one more fits.
// Caller holds layerLock.
func (r *Runner) evictIfFullLocked() {
	for len(r.layers) >= r.opts.MaxLayers {
		var oldestID string
		var oldestTime time.Time
		first := true
		for id, accessTime := range r.lastAccessed {
			if first || accessTime.Before(oldestTime) {
				oldestID = id
				oldestTime = accessTime
				first = false
			}
		}
		if oldestID == "" {
			return
		}
		r.evictLocked(oldestID, "lru")
	}
}

func (r *Runner) evictLocked(id, reason string) {
	l, ok := r.layers[id]
	if !ok {
		delete(r.lastAccessed, id)
		return
	}
	// Hold mu across the save so no writer lands between the snapshot and
	// the removal.
	l.mu.Lock()
	if l.dirty {
		if _, err := r.saveLocked(l); err != nil {
			r.logger.Error("failed to save evicted layer", logging.String("layer", id), logging.Err(err))
		}
	}
	l.evicted = true
	l.mu.Unlock()
	delete(r.layers, id)
	delete(r.lastAccessed, id)
	r.metrics.SetLayersLoaded(len(r.layers))
	r.metrics.ForgetLayer(id, reason)
	r.logger.Info("evicted layer", logging.String("layer", id), logging.String("reason", reason))
}

func (r *Runner) cleanupInactiveLayers() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.evictIdle(time.Now())
		}
	}
}

// evictIdle drops layers not accessed within IdleTimeout of now.
func (r *Runner) evictIdle(now time.Time) int {
	r.layerLock.Lock()
	defer r.layerLock.Unlock()

	var toRemove []string
	for id, lastAccess := range r.lastAccessed {
		if now.Sub(lastAccess) > r.opts.IdleTimeout {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		r.evictLocked(id, "idle")
	}
	return len(toRemove)
}

func (r *Runner) saveIfDirty(l *layer) (*LayerInfo, error) {
	l.mu.Lock()
	dirty := l.dirty
	l.mu.Unlock()
	if !dirty {
		return nil, nil
	}
	return r.save(l)
}

// save writes a new snapshot of l and removes its older ones.
func (r *Runner) save(l *layer) (*LayerInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return r.saveLocked(l)
}

func (r *Runner) saveLocked(l *layer) (*LayerInfo, error) {
	snap := &cluster.Snapshot{
		GridSize: l.alg.MaxDistanceBetweenClusteredItems(),
		Markers:  make([]*cluster.Marker, 0, len(l.byID)),
	}
	l.alg.Lock()
	for _, m := range l.byID {
		c := *m
		snap.Markers = append(snap.Markers, &c)
	}
	l.alg.Unlock()

	now := time.Now().UTC()
	path := snapshotFilename(r.opts.Dir, len(snap.Markers), now, l.id, r.opts.Format)
	if err := writeSnapshot(path, r.opts.Format, snap); err != nil {
		return nil, err
	}
	if err := removeSnapshots(r.opts.Dir, l.id, path); err != nil {
		r.logger.Warn("failed to remove old snapshots", logging.String("layer", l.id), logging.Err(err))
	}
	l.dirty = false

	info := l.infoLocked()
	info.Timestamp = now.Truncate(time.Second)
	if st, err := os.Stat(path); err == nil {
		info.FileSize = st.Size()
	}
	r.logger.Info("saved layer",
		logging.String("layer", l.id),
		logging.String("file", path),
		logging.Int("markers", len(snap.Markers)))
	return &info, nil
}

func (l *layer) info() LayerInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.infoLocked()
}

func (l *layer) infoLocked() LayerInfo {
	return LayerInfo{
		ID:        l.id,
		NumPoints: len(l.byID),
		GridSize:  l.alg.MaxDistanceBetweenClusteredItems(),
		Timestamp: l.created,
		Loaded:    true,
	}
}

func validateMarker(m *cluster.Marker) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("%w: marker id is required", ErrInvalidArgument)
	}
	if math.IsNaN(m.Lat) || math.IsNaN(m.Lng) || m.Lat < -90 || m.Lat > 90 || m.Lng < -180 || m.Lng > 180 {
		return fmt.Errorf("%w: marker %s position (%v, %v) out of range", ErrInvalidArgument, m.ID, m.Lat, m.Lng)
	}
	return nil
}

// copyMarker detaches a marker from caller-owned maps.
func copyMarker(m *cluster.Marker) *cluster.Marker {
	c := *m
	if m.Metrics != nil {
		c.Metrics = make(map[string]float32, len(m.Metrics))
		for k, v := range m.Metrics {
			c.Metrics[k] = v
		}
	}
	if m.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
