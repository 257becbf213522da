package cluster

import (
	"math"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"web/markergrid/logging"
)

// DefaultCacheZooms bounds how many zoom levels PreCaching keeps.
const DefaultCacheZooms = 5

// CacheObserver receives one call per cached lookup.
type CacheObserver func(hit bool)

// PreCachingOption configures a PreCaching decorator.
type PreCachingOption func(*precacheOptions)

type precacheOptions struct {
	maxEntries int
	precache   bool
	logger     logging.Logger
	observer   CacheObserver
}

func WithCacheZooms(n int) PreCachingOption {
	return func(o *precacheOptions) {
		if n > 0 {
			o.maxEntries = n
		}
	}
}

// WithPrecache computes the neighbouring zoom levels in the background
// after every miss.
func WithPrecache(enabled bool) PreCachingOption {
	return func(o *precacheOptions) {
		o.precache = enabled
	}
}

func WithCacheLogger(l logging.Logger) PreCachingOption {
	return func(o *precacheOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithCacheObserver(fn CacheObserver) PreCachingOption {
	return func(o *precacheOptions) {
		o.observer = fn
	}
}

// PreCaching memoises Clusters per integer zoom level on top of another
// Algorithm. Fractional zooms are floored. Any successful mutation drops the
// whole cache. Returned slices are shared between callers and must be
// treated as read-only.
type PreCaching[T Item] struct {
	alg Algorithm[T]

	mu         sync.RWMutex
	cache      map[int][]Cluster[T]
	order      []int
	generation uint64

	group   singleflight.Group
	pending sync.WaitGroup
	opts    precacheOptions
}

func NewPreCaching[T Item](alg Algorithm[T], opts ...PreCachingOption) *PreCaching[T] {
	o := precacheOptions{
		maxEntries: DefaultCacheZooms,
		logger:     logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &PreCaching[T]{
		alg:   alg,
		cache: make(map[int][]Cluster[T]),
		opts:  o,
	}
}

func (p *PreCaching[T]) AddItem(item T) bool {
	return p.invalidateIf(p.alg.AddItem(item))
}

func (p *PreCaching[T]) AddItems(items []T) bool {
	return p.invalidateIf(p.alg.AddItems(items))
}

func (p *PreCaching[T]) RemoveItem(item T) bool {
	return p.invalidateIf(p.alg.RemoveItem(item))
}

func (p *PreCaching[T]) RemoveItems(items []T) bool {
	return p.invalidateIf(p.alg.RemoveItems(items))
}

func (p *PreCaching[T]) UpdateItem(item T) bool {
	return p.invalidateIf(p.alg.UpdateItem(item))
}

func (p *PreCaching[T]) ReplaceItems(old, items []T) bool {
	return p.invalidateIf(p.alg.ReplaceItems(old, items))
}

func (p *PreCaching[T]) ClearItems() {
	p.alg.ClearItems()
	p.invalidate()
}

func (p *PreCaching[T]) MaxDistanceBetweenClusteredItems() int {
	return p.alg.MaxDistanceBetweenClusteredItems()
}

func (p *PreCaching[T]) SetMaxDistanceBetweenClusteredItems(n int) {
	p.alg.SetMaxDistanceBetweenClusteredItems(n)
	p.invalidate()
}

func (p *PreCaching[T]) Items() ItemView[T] { return p.alg.Items() }
func (p *PreCaching[T]) Lock()              { p.alg.Lock() }
func (p *PreCaching[T]) Unlock()            { p.alg.Unlock() }

// ClustersLocked bypasses the cache.
func (p *PreCaching[T]) ClustersLocked(zoom float64) []Cluster[T] {
	return p.alg.ClustersLocked(zoom)
}

func (p *PreCaching[T]) Clusters(zoom float64) []Cluster[T] {
	level := zoomLevel(zoom)

	p.mu.RLock()
	cached, ok := p.cache[level]
	p.mu.RUnlock()
	if p.opts.observer != nil {
		p.opts.observer(ok)
	}
	if ok {
		return cached
	}

	result := p.fetch(level)
	if p.opts.precache {
		p.precacheAround(level)
	}
	return result
}

func (p *PreCaching[T]) fetch(level int) []Cluster[T] {
	p.mu.RLock()
	gen := p.generation
	p.mu.RUnlock()

	key := strconv.FormatUint(gen, 10) + "/" + strconv.Itoa(level)
	v, _, _ := p.group.Do(key, func() (interface{}, error) {
		result := p.alg.Clusters(float64(level))
		p.store(gen, level, result)
		return result, nil
	})
	return v.([]Cluster[T])
}

func (p *PreCaching[T]) store(gen uint64, level int, result []Cluster[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.generation {
		// An invalidation raced this pass.
		return
	}
	if _, ok := p.cache[level]; ok {
		return
	}
	for len(p.order) >= p.opts.maxEntries {
		delete(p.cache, p.order[0])
		p.order = p.order[1:]
	}
	p.cache[level] = result
	p.order = append(p.order, level)
}

func (p *PreCaching[T]) precacheAround(level int) {
	for _, next := range []int{level + 1, level - 1} {
		if next < 0 {
			continue
		}
		p.mu.RLock()
		_, ok := p.cache[next]
		p.mu.RUnlock()
		if ok {
			continue
		}

		p.pending.Add(1)
		go func(l int) {
			defer p.pending.Done()
			p.fetch(l)
			p.opts.logger.Debug("precached zoom level", logging.Int("zoom", l))
		}(next)
	}
}

// Wait blocks until background precache passes have finished.
func (p *PreCaching[T]) Wait() {
	p.pending.Wait()
}

// CachedZooms reports the zoom levels currently held.
func (p *PreCaching[T]) CachedZooms() []int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]int(nil), p.order...)
}

func (p *PreCaching[T]) invalidateIf(changed bool) bool {
	if changed {
		p.invalidate()
	}
	return changed
}

func (p *PreCaching[T]) invalidate() {
	p.mu.Lock()
	p.generation++
	clear(p.cache)
	p.order = p.order[:0]
	p.mu.Unlock()
}

func zoomLevel(zoom float64) int {
	return int(math.Floor(zoom))
}
