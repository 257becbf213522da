package cluster

import (
	"fmt"

	"web/markergrid/projection"
)

// StaticCluster has a center fixed at construction and an ordered member
// list. Duplicates are allowed.
type StaticCluster[T Item] struct {
	center projection.LatLng
	items  []T
}

func NewStaticCluster[T Item](center projection.LatLng) *StaticCluster[T] {
	return &StaticCluster[T]{center: center}
}

// Add appends item. It always changes the list.
func (c *StaticCluster[T]) Add(item T) bool {
	c.items = append(c.items, item)
	return true
}

// Remove drops the first entry equal to item.
func (c *StaticCluster[T]) Remove(item T) bool {
	for i, it := range c.items {
		if it == item {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return true
		}
	}
	return false
}

func (c *StaticCluster[T]) Position() projection.LatLng {
	return c.center
}

// Items returns the member list. Callers must not modify it.
func (c *StaticCluster[T]) Items() []T {
	return c.items
}

func (c *StaticCluster[T]) Size() int {
	return len(c.items)
}

// Equal reports whether both clusters share a center and the same member
// multiset. Order is ignored.
func (c *StaticCluster[T]) Equal(other *StaticCluster[T]) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.center != other.center || len(c.items) != len(other.items) {
		return false
	}

	counts := make(map[T]int, len(c.items))
	for _, it := range c.items {
		counts[it]++
	}
	for _, it := range other.items {
		if counts[it] == 0 {
			return false
		}
		counts[it]--
	}
	return true
}

func (c *StaticCluster[T]) String() string {
	return fmt.Sprintf("StaticCluster{center=(%f,%f), size=%d}", c.center.Lat, c.center.Lng, len(c.items))
}
