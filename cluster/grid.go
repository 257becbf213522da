package cluster

import (
	"math"
	"sort"
	"sync"
	"time"

	"web/markergrid/logging"
	"web/markergrid/projection"
)

const (
	// DefaultGridSize is the clustering cell width in screen pixels.
	DefaultGridSize = 100

	// TileSize is the pixel width of one map tile at zoom 0.
	TileSize = 256

	// MaxLatitude is the edge of the square Web Mercator world. Items beyond
	// it are bucketed into the outermost row.
	MaxLatitude = 85.0511287798066
)

// PassObserver is told about every completed clustering pass.
type PassObserver func(zoom float64, items, clusters int, elapsed time.Duration)

// GridOption configures a GridBased algorithm.
type GridOption func(*gridOptions)

type gridOptions struct {
	gridSize int
	logger   logging.Logger
	observer PassObserver
}

func WithGridSize(n int) GridOption {
	return func(o *gridOptions) {
		if n > 0 {
			o.gridSize = n
		}
	}
}

func WithLogger(l logging.Logger) GridOption {
	return func(o *gridOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithPassObserver(fn PassObserver) GridOption {
	return func(o *gridOptions) {
		o.observer = fn
	}
}

// GridBased buckets items into square cells of roughly gridSize screen
// pixels at the requested zoom. Each populated cell becomes one cluster
// centered on the cell, not on its members.
type GridBased[T Item] struct {
	mu       sync.Mutex
	items    map[T]struct{}
	gridSize int
	logger   logging.Logger
	observer PassObserver
}

func NewGridBased[T Item](opts ...GridOption) *GridBased[T] {
	o := gridOptions{
		gridSize: DefaultGridSize,
		logger:   logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &GridBased[T]{
		items:    make(map[T]struct{}),
		gridSize: o.gridSize,
		logger:   o.logger,
		observer: o.observer,
	}
}

func (g *GridBased[T]) AddItem(item T) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.add(item)
}

func (g *GridBased[T]) AddItems(items []T) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	changed := false
	for _, item := range items {
		if g.add(item) {
			changed = true
		}
	}
	return changed
}

func (g *GridBased[T]) RemoveItem(item T) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.remove(item)
}

func (g *GridBased[T]) RemoveItems(items []T) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	changed := false
	for _, item := range items {
		if g.remove(item) {
			changed = true
		}
	}
	return changed
}

func (g *GridBased[T]) UpdateItem(item T) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.remove(item) {
		return false
	}
	return g.add(item)
}

func (g *GridBased[T]) ReplaceItems(old, items []T) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	changed := false
	for _, item := range old {
		if g.remove(item) {
			changed = true
		}
	}
	for _, item := range items {
		if g.add(item) {
			changed = true
		}
	}
	return changed
}

func (g *GridBased[T]) ClearItems() {
	g.mu.Lock()
	defer g.mu.Unlock()
	clear(g.items)
}

func (g *GridBased[T]) add(item T) bool {
	if _, ok := g.items[item]; ok {
		return false
	}
	g.items[item] = struct{}{}
	return true
}

func (g *GridBased[T]) remove(item T) bool {
	if _, ok := g.items[item]; !ok {
		return false
	}
	delete(g.items, item)
	return true
}

func (g *GridBased[T]) MaxDistanceBetweenClusteredItems() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gridSize
}

// SetMaxDistanceBetweenClusteredItems sets the cell width in pixels.
// Non-positive values are ignored.
func (g *GridBased[T]) SetMaxDistanceBetweenClusteredItems(n int) {
	if n <= 0 {
		return
	}
	g.mu.Lock()
	g.gridSize = n
	g.mu.Unlock()
}

func (g *GridBased[T]) Items() ItemView[T] {
	return ItemView[T]{set: g.items}
}

func (g *GridBased[T]) Lock() {
	g.mu.Lock()
}

func (g *GridBased[T]) Unlock() {
	g.mu.Unlock()
}

func (g *GridBased[T]) Clusters(zoom float64) []Cluster[T] {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ClustersLocked(zoom)
}

func (g *GridBased[T]) ClustersLocked(zoom float64) []Cluster[T] {
	start := time.Now()

	numCells := NumCells(zoom, g.gridSize)
	proj := projection.NewSphericalMercator(float64(numCells))

	cells := make(map[cellKey]*StaticCluster[T])
	for item := range g.items {
		cx, cy := cellIndex(proj, item.Position(), numCells)
		key := cellKey{cx, cy}

		c, ok := cells[key]
		if !ok {
			c = NewStaticCluster[T](proj.ToLatLng(projection.Point{
				X: float64(cx) + 0.5,
				Y: float64(cy) + 0.5,
			}))
			cells[key] = c
		}
		c.Add(item)
	}

	keys := make([]cellKey, 0, len(cells))
	for k := range cells {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	result := make([]Cluster[T], len(keys))
	for i, k := range keys {
		result[i] = cells[k]
	}

	elapsed := time.Since(start)
	g.logger.Debug("grid clustering pass",
		logging.Float64("zoom", zoom),
		logging.Int64("num_cells", numCells),
		logging.Int("items", len(g.items)),
		logging.Int("clusters", len(result)),
		logging.Duration("elapsed", elapsed))
	if g.observer != nil {
		g.observer(zoom, len(g.items), len(result), elapsed)
	}
	return result
}

// cellKey orders cells as numCells*cx + cy would, without overflowing at
// deep zooms.
type cellKey struct {
	cx, cy int64
}

func (k cellKey) less(o cellKey) bool {
	if k.cx != o.cx {
		return k.cx < o.cx
	}
	return k.cy < o.cy
}

// NumCells is the number of grid cells along each axis at zoom:
// ceil(256 * 2^zoom / gridSize).
func NumCells(zoom float64, gridSize int) int64 {
	n := int64(math.Ceil(TileSize * math.Pow(2, zoom) / float64(gridSize)))
	if n < 1 {
		n = 1
	}
	return n
}

// cellIndex floors the projected position into a cell. Longitude +180 wraps
// onto the -180 column and rows are clamped so every position, however
// malformed, lands in a cell of the grid.
func cellIndex(proj projection.SphericalMercator, ll projection.LatLng, numCells int64) (int64, int64) {
	ll.Lat = math.Max(-MaxLatitude, math.Min(MaxLatitude, ll.Lat))
	p := proj.ToPoint(ll)

	cx := int64(math.Floor(p.X)) % numCells
	if cx < 0 {
		cx += numCells
	}

	cy := int64(math.Floor(p.Y))
	if cy < 0 {
		cy = 0
	}
	if cy >= numCells {
		cy = numCells - 1
	}
	return cx, cy
}
