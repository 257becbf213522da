package cluster

import (
	"iter"

	"web/markergrid/projection"
)

// Item is anything with a geographic position that can be clustered.
// Items are stored in a Go map, so equality is ==: pointer items are tracked
// by identity, value items by their fields.
type Item interface {
	comparable
	Position() projection.LatLng
}

// Cluster is a group of items drawn as one marker.
type Cluster[T Item] interface {
	Position() projection.LatLng
	Items() []T
	Size() int
}

// Algorithm is the capability set a clustering strategy exposes to the
// renderer. Every method except Items and ClustersLocked is safe for
// concurrent use.
type Algorithm[T Item] interface {
	AddItem(item T) bool
	AddItems(items []T) bool
	RemoveItem(item T) bool
	RemoveItems(items []T) bool
	// UpdateItem replaces item's entry in one critical section. The caller
	// must already have moved the item.
	UpdateItem(item T) bool
	// ReplaceItems removes old and adds items in one critical section, so
	// a concurrent Clusters never sees a replaced item missing.
	ReplaceItems(old, items []T) bool
	ClearItems()

	Clusters(zoom float64) []Cluster[T]
	// ClustersLocked computes clusters while the caller holds Lock.
	ClustersLocked(zoom float64) []Cluster[T]
	// Items is a live view of the index. Bracket reads with Lock/Unlock
	// when other goroutines may mutate.
	Items() ItemView[T]

	MaxDistanceBetweenClusteredItems() int
	SetMaxDistanceBetweenClusteredItems(n int)

	// Lock and Unlock expose the index mutex. It is not re-entrant.
	Lock()
	Unlock()
}

// ItemView reads the index without locking.
type ItemView[T Item] struct {
	set map[T]struct{}
}

func (v ItemView[T]) Len() int {
	return len(v.set)
}

func (v ItemView[T]) Contains(item T) bool {
	_, ok := v.set[item]
	return ok
}

// All iterates the items in unspecified order.
func (v ItemView[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for item := range v.set {
			if !yield(item) {
				return
			}
		}
	}
}

// Slice copies the items out in unspecified order.
func (v ItemView[T]) Slice() []T {
	out := make([]T, 0, len(v.set))
	for item := range v.set {
		out = append(out, item)
	}
	return out
}
