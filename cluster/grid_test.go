package cluster

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"web/markergrid/projection"
)

func randomItems(n int, seed int64) []*testItem {
	r := rand.New(rand.NewSource(seed))
	items := make([]*testItem, n)
	for i := range items {
		items[i] = newItem(fmt.Sprintf("item-%d", i), -80+r.Float64()*160, -180+r.Float64()*360)
	}
	return items
}

// requirePartition checks that clusters cover want exactly once each.
func requirePartition(t *testing.T, clusters []Cluster[*testItem], want []*testItem) {
	t.Helper()
	seen := make(map[*testItem]int, len(want))
	for _, c := range clusters {
		require.NotZero(t, c.Size(), "empty cells produce no cluster")
		for _, it := range c.Items() {
			seen[it]++
		}
	}
	require.Len(t, seen, len(want))
	for _, it := range want {
		require.Equal(t, 1, seen[it], "item %s", it.name)
	}
}

func TestNumCells(t *testing.T) {
	assert.EqualValues(t, 3, NumCells(0, 100))
	assert.EqualValues(t, 6, NumCells(1, 100))
	assert.EqualValues(t, 2, NumCells(0, 128))
	assert.EqualValues(t, 1, NumCells(0, 256))
	assert.EqualValues(t, 1, NumCells(-10, 100))
	assert.EqualValues(t, 4, NumCells(0.5, 100), "fractional zoom: ceil(362.04/100)")
}

func TestGridAddRemove(t *testing.T) {
	g := NewGridBased[*testItem]()
	a, b := newItem("a", 0, 0), newItem("b", 1, 1)

	assert.True(t, g.AddItem(a))
	assert.False(t, g.AddItem(a), "already present")
	assert.True(t, g.AddItems([]*testItem{a, b}))
	assert.False(t, g.AddItems([]*testItem{a, b}))
	assert.Equal(t, 2, g.Items().Len())

	assert.True(t, g.RemoveItem(a))
	assert.False(t, g.RemoveItem(a))
	assert.False(t, g.RemoveItems([]*testItem{a}))
	assert.True(t, g.RemoveItems([]*testItem{a, b}))
	assert.Equal(t, 0, g.Items().Len())
	assert.Empty(t, g.Clusters(4))
}

func TestGridValueItemsDeduplicate(t *testing.T) {
	g := NewGridBased[valueItem]()
	assert.True(t, g.AddItem(valueItem{lat: 1, lng: 2}))
	assert.False(t, g.AddItem(valueItem{lat: 1, lng: 2}))
	assert.Equal(t, 1, g.Items().Len())
}

type valueItem struct{ lat, lng float64 }

func (v valueItem) Position() projection.LatLng { return projection.LatLng{Lat: v.lat, Lng: v.lng} }

func TestGridClearItems(t *testing.T) {
	g := NewGridBased[*testItem]()
	g.AddItems(randomItems(50, 1))
	g.ClearItems()
	assert.Equal(t, 0, g.Items().Len())
	assert.Empty(t, g.Clusters(3))
}

func TestGridMaxDistance(t *testing.T) {
	g := NewGridBased[*testItem]()
	assert.Equal(t, DefaultGridSize, g.MaxDistanceBetweenClusteredItems())

	g.SetMaxDistanceBetweenClusteredItems(250)
	assert.Equal(t, 250, g.MaxDistanceBetweenClusteredItems())

	g.SetMaxDistanceBetweenClusteredItems(0)
	g.SetMaxDistanceBetweenClusteredItems(-3)
	assert.Equal(t, 250, g.MaxDistanceBetweenClusteredItems())

	assert.Equal(t, 64, NewGridBased[*testItem](WithGridSize(64)).MaxDistanceBetweenClusteredItems())
	assert.Equal(t, DefaultGridSize, NewGridBased[*testItem](WithGridSize(0)).MaxDistanceBetweenClusteredItems())
}

func TestGridPartition(t *testing.T) {
	items := randomItems(2000, 42)
	g := NewGridBased[*testItem]()
	g.AddItems(items)

	for _, zoom := range []float64{0, 1, 2.5, 5, 8, 12, 18, 21} {
		requirePartition(t, g.Clusters(zoom), items)
	}
}

func TestGridClusterPositionIsCellCenter(t *testing.T) {
	g := NewGridBased[*testItem]()
	g.AddItems(randomItems(500, 9))

	zoom := 4.0
	n := NumCells(zoom, DefaultGridSize)
	proj := projection.NewSphericalMercator(float64(n))

	for _, c := range g.Clusters(zoom) {
		p := proj.ToPoint(c.Position())
		assert.InDelta(t, 0.5, p.X-math.Floor(p.X), 1e-6)
		assert.InDelta(t, 0.5, p.Y-math.Floor(p.Y), 1e-6)

		for _, it := range c.Items() {
			ip := proj.ToPoint(it.Position())
			assert.Equal(t, math.Floor(p.X), math.Floor(ip.X))
			assert.Equal(t, math.Floor(p.Y), math.Floor(ip.Y))
		}
	}
}

func TestGridDeterminism(t *testing.T) {
	g := NewGridBased[*testItem]()
	g.AddItems(randomItems(1000, 3))

	first := g.Clusters(7)
	second := g.Clusters(7)
	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].Position(), second[i].Position(), "bit-identical centers")
		assert.True(t, first[i].(*StaticCluster[*testItem]).Equal(second[i].(*StaticCluster[*testItem])))
		assert.NotSame(t, first[i], second[i], "clusters are rebuilt every pass")
	}
}

func TestGridCenterIndependentOfMembers(t *testing.T) {
	a := newItem("a", 10, 10)
	b := newItem("b", 10.01, 10.02)

	g1 := NewGridBased[*testItem]()
	g1.AddItem(a)
	g2 := NewGridBased[*testItem]()
	g2.AddItem(b)

	c1, c2 := g1.Clusters(3), g2.Clusters(3)
	require.Len(t, c1, 1)
	require.Len(t, c2, 1)
	assert.Equal(t, c1[0].Position(), c2[0].Position())
}

func TestGridCellSizeMonotonicity(t *testing.T) {
	g := NewGridBased[*testItem]()
	g.AddItems(randomItems(3000, 11))

	// Power-of-two sizes give nested grids at integer zooms.
	prev := math.MaxInt
	for _, size := range []int{16, 32, 64, 128, 256, 512} {
		g.SetMaxDistanceBetweenClusteredItems(size)
		n := len(g.Clusters(5))
		assert.LessOrEqual(t, n, prev, "grid size %d", size)
		prev = n
	}
}

func TestGridZoomMonotonicity(t *testing.T) {
	g := NewGridBased[*testItem](WithGridSize(128))
	g.AddItems(randomItems(3000, 12))

	prev := 0
	for zoom := 0; zoom <= 16; zoom++ {
		n := len(g.Clusters(float64(zoom)))
		assert.GreaterOrEqual(t, n, prev, "zoom %d", zoom)
		prev = n
	}
}

func TestGridScenarioCloseItemsSplitAtHighZoom(t *testing.T) {
	a := newItem("A", 10, 10)
	b := newItem("B", 10.001, 10.001)
	c := newItem("C", 45, 45)

	g := NewGridBased[*testItem]()
	g.AddItems([]*testItem{a, b, c})

	coarse := g.Clusters(3)
	require.Len(t, coarse, 2)
	owner := clusterOf(coarse)
	assert.Same(t, owner[a], owner[b], "A and B share a cell at coarse zoom")
	assert.NotSame(t, owner[a], owner[c])

	fine := g.Clusters(20)
	require.Len(t, fine, 3)
	owner = clusterOf(fine)
	assert.NotSame(t, owner[a], owner[b])
}

func TestGridOriginNeighboursSplitAcrossRowBoundary(t *testing.T) {
	// At zoom 1 there are 6 cells per side and (0,0) projects to exactly
	// (3, 3), so a point just north-east of it falls into row 2.
	a := newItem("A", 0, 0)
	b := newItem("B", 0.0001, 0.0001)

	g := NewGridBased[*testItem]()
	g.AddItems([]*testItem{a, b})

	require.EqualValues(t, 6, NumCells(1, DefaultGridSize))
	clusters := g.Clusters(1)
	require.Len(t, clusters, 2)
	owner := clusterOf(clusters)
	assert.NotSame(t, owner[a], owner[b])

	assert.Len(t, g.Clusters(0), 1, "one cell covers both at zoom 0")
}

func clusterOf(clusters []Cluster[*testItem]) map[*testItem]Cluster[*testItem] {
	out := make(map[*testItem]Cluster[*testItem])
	for _, c := range clusters {
		for _, it := range c.Items() {
			out[it] = c
		}
	}
	return out
}

func TestGridUpdateItem(t *testing.T) {
	g := NewGridBased[*testItem]()
	a := newItem("a", 10, 10)
	stranger := newItem("x", 0, 0)

	g.AddItem(a)
	assert.False(t, g.UpdateItem(stranger))
	assert.Equal(t, 1, g.Items().Len())

	before := g.Clusters(6)
	require.Len(t, before, 1)

	a.pos = projection.LatLng{Lat: -33.9, Lng: 151.2}
	assert.True(t, g.UpdateItem(a))
	assert.Equal(t, 1, g.Items().Len())

	after := g.Clusters(6)
	require.Len(t, after, 1)
	assert.NotEqual(t, before[0].Position(), after[0].Position())
	assert.InDelta(t, -33.9, after[0].Position().Lat, 5)
	assert.InDelta(t, 151.2, after[0].Position().Lng, 5)
}

func TestGridReplaceItems(t *testing.T) {
	g := NewGridBased[*testItem]()
	a := newItem("a", 10, 10)
	b := newItem("b", 20, 20)
	g.AddItems([]*testItem{a, b})

	a2 := newItem("a", -10, -10)
	assert.True(t, g.ReplaceItems([]*testItem{a}, []*testItem{a2}))
	v := g.Items()
	assert.False(t, v.Contains(a))
	assert.True(t, v.Contains(a2))
	assert.Equal(t, 2, v.Len())

	assert.False(t, g.ReplaceItems([]*testItem{newItem("ghost", 0, 0)}, []*testItem{b}), "nothing changed")
	assert.True(t, g.ReplaceItems(nil, []*testItem{newItem("c", 5, 5)}))
	assert.Equal(t, 3, g.Items().Len())
}

func TestGridReplaceNeverHidesItemFromReaders(t *testing.T) {
	items := randomItems(50, 13)
	g := NewGridBased[*testItem]()
	g.AddItems(items)

	done := make(chan struct{})
	go func() {
		defer close(done)
		current := items[7]
		for i := 0; i < 2000; i++ {
			next := newItem(current.name, current.pos.Lat, current.pos.Lng)
			g.ReplaceItems([]*testItem{current}, []*testItem{next})
			current = next
		}
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		total := 0
		for _, c := range g.Clusters(3) {
			total += c.Size()
		}
		require.Equal(t, len(items), total)
	}
}

func TestGridRemoveAbsentLeavesResultsAlone(t *testing.T) {
	items := randomItems(100, 5)
	g := NewGridBased[*testItem]()
	g.AddItems(items)

	inFlight := g.Clusters(6)
	assert.False(t, g.RemoveItem(newItem("ghost", 1, 1)))
	requirePartition(t, inFlight, items)
	requirePartition(t, g.Clusters(6), items)
}

func TestGridEdgeCoordinates(t *testing.T) {
	edges := []*testItem{
		newItem("north-pole", 90, 0),
		newItem("south-pole", -90, 0),
		newItem("antimeridian-east", 0, 180),
		newItem("antimeridian-west", 0, -180),
		newItem("nan", math.NaN(), math.NaN()),
		newItem("far-east", 0, 190),
	}
	g := NewGridBased[*testItem]()
	g.AddItems(edges)

	clusters := g.Clusters(2)
	requirePartition(t, clusters, edges)

	owner := clusterOf(clusters)
	assert.Same(t, owner[edges[2]], owner[edges[3]], "+180 wraps onto the -180 column")
	for _, c := range clusters {
		assert.False(t, math.IsNaN(c.Position().Lat))
		assert.False(t, math.IsInf(c.Position().Lat, 0))
	}
}

func TestGridLockBracketsMultiStepRead(t *testing.T) {
	g := NewGridBased[*testItem]()
	g.AddItems(randomItems(200, 8))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			g.AddItem(newItem("late", 1, 1))
		}
	}()

	for i := 0; i < 20; i++ {
		g.Lock()
		clusters := g.ClustersLocked(3)
		total := 0
		for _, c := range clusters {
			total += c.Size()
		}
		assert.Equal(t, g.Items().Len(), total)
		g.Unlock()
	}
	<-done
}

func TestGridConcurrentReadersAndWriters(t *testing.T) {
	g := NewGridBased[*testItem]()
	base := randomItems(500, 21)
	g.AddItems(base)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			extra := randomItems(100, seed)
			for _, it := range extra {
				g.AddItem(it)
			}
			for _, it := range extra {
				it := it
				g.Lock()
				it.pos.Lat = -it.pos.Lat
				g.Unlock()
				g.UpdateItem(it)
			}
			g.RemoveItems(extra)
		}(int64(100 + w))
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				total := 0
				for _, c := range g.Clusters(float64(i % 10)) {
					total += c.Size()
				}
				assert.GreaterOrEqual(t, total, len(base))
			}
		}()
	}
	wg.Wait()

	requirePartition(t, g.Clusters(4), base)
}

func TestGridPassObserver(t *testing.T) {
	var calls int
	var lastItems, lastClusters int
	g := NewGridBased[*testItem](WithPassObserver(func(zoom float64, items, clusters int, elapsed time.Duration) {
		calls++
		lastItems, lastClusters = items, clusters
		assert.Equal(t, 2.0, zoom)
		assert.GreaterOrEqual(t, elapsed, time.Duration(0))
	}))
	g.AddItems(randomItems(10, 2))

	clusters := g.Clusters(2)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 10, lastItems)
	assert.Equal(t, len(clusters), lastClusters)
}

func TestItemView(t *testing.T) {
	g := NewGridBased[*testItem]()
	items := randomItems(5, 4)
	g.AddItems(items)

	v := g.Items()
	assert.True(t, v.Contains(items[0]))
	assert.False(t, v.Contains(newItem("x", 0, 0)))
	assert.ElementsMatch(t, items, v.Slice())

	visited := 0
	for range v.All() {
		visited++
		if visited == 3 {
			break
		}
	}
	assert.Equal(t, 3, visited)

	g.RemoveItem(items[0])
	assert.Equal(t, 4, v.Len(), "view is live")
}

func TestGridSatisfiesAlgorithm(t *testing.T) {
	var _ Algorithm[*testItem] = NewGridBased[*testItem]()
}
