package runner

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"web/markergrid/cluster"
	"web/markergrid/config"
	"web/markergrid/metrics"
)

func newTestRunner(t *testing.T, dir string, mutate ...func(*Options)) *Runner {
	t.Helper()
	opts := Options{
		Dir:        dir,
		Format:     config.FormatCompressed,
		MaxLayers:  4,
		CacheZooms: 5,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	r, err := NewRunner(opts)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func pointCount(fc *cluster.FeatureCollection) int {
	total := 0
	for _, f := range fc.Features {
		switch n := f.Properties["point_count"].(type) {
		case int:
			total += n
		case float64:
			total += int(n)
		}
	}
	return total
}

func snapshotCount(t *testing.T, dir, id string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	n := 0
	for _, e := range entries {
		if strings.Contains(e.Name(), id) {
			n++
		}
	}
	return n
}

func TestCreateLayerAndCluster(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	r := newTestRunner(t, dir)

	info, err := r.CreateLayer(ctx, CreateLayerRequest{NumPoints: 300, Seed: 7})
	require.NoError(t, err)
	assert.Len(t, info.ID, 8)
	assert.Equal(t, 300, info.NumPoints)
	assert.Equal(t, cluster.DefaultGridSize, info.GridSize)
	assert.Positive(t, info.FileSize)
	assert.Equal(t, 1, snapshotCount(t, dir, info.ID))

	for _, zoom := range []float64{0, 3, 8, 15} {
		fc, err := r.GetClusters(ctx, ClustersRequest{LayerID: info.ID, Zoom: zoom})
		require.NoError(t, err)
		assert.Equal(t, 300, pointCount(fc), "zoom %v", zoom)
	}

	summary, err := r.GetSummary(ctx, ClustersRequest{LayerID: info.ID, Zoom: 2})
	require.NoError(t, err)
	assert.Equal(t, 300, summary.TotalPoints)
	assert.Contains(t, summary.MetricsSummary, "sales")
	assert.Contains(t, summary.MetadataSummary, "category")
}

func TestCreateLayerValidation(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner(t, t.TempDir())

	_, err := r.CreateLayer(ctx, CreateLayerRequest{NumPoints: -1})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = r.CreateLayer(ctx, CreateLayerRequest{Bounds: &cluster.Bounds{MinLat: 10, MaxLat: -10}})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = r.CreateLayer(cancelled, CreateLayerRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCreateLayerWithinBounds(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner(t, t.TempDir())

	b := &cluster.Bounds{MinLng: 0, MinLat: 0, MaxLng: 10, MaxLat: 10}
	info, err := r.CreateLayer(ctx, CreateLayerRequest{NumPoints: 50, Bounds: b, GridSize: 64, Seed: 3})
	require.NoError(t, err)
	assert.Equal(t, 64, info.GridSize)

	fc, err := r.GetClusters(ctx, ClustersRequest{LayerID: info.ID, Zoom: 20, Bounds: b})
	require.NoError(t, err)
	assert.Equal(t, 50, pointCount(fc))

	outside := &cluster.Bounds{MinLng: 50, MinLat: 50, MaxLng: 60, MaxLat: 60}
	fc, err = r.GetClusters(ctx, ClustersRequest{LayerID: info.ID, Zoom: 20, Bounds: outside})
	require.NoError(t, err)
	assert.Empty(t, fc.Features)
}

func TestMarkerMutations(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner(t, t.TempDir())

	info, err := r.CreateLayer(ctx, CreateLayerRequest{})
	require.NoError(t, err)
	id := info.ID

	n, err := r.AddMarkers(ctx, id, []*cluster.Marker{
		{ID: "a", Lat: 10, Lng: 10, Metadata: map[string]interface{}{"kind": "store"}},
		{ID: "b", Lat: 10.001, Lng: 10.001, Metadata: map[string]interface{}{"kind": "store"}},
		{ID: "c", Lat: 45, Lng: 45},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	fc, err := r.GetClusters(ctx, ClustersRequest{LayerID: id, Zoom: 3})
	require.NoError(t, err)
	assert.Len(t, fc.Features, 2)

	// Moving b away splits the shared cluster; the cached zoom is dropped.
	require.NoError(t, r.UpdateMarker(ctx, id, &cluster.Marker{ID: "b", Lat: -30, Lng: -60}))
	fc, err = r.GetClusters(ctx, ClustersRequest{LayerID: id, Zoom: 3})
	require.NoError(t, err)
	assert.Len(t, fc.Features, 3)

	// An update carrying metadata swaps in a new marker.
	require.NoError(t, r.UpdateMarker(ctx, id, &cluster.Marker{
		ID: "a", Lat: 10, Lng: 10, Metadata: map[string]interface{}{"kind": "depot"},
	}))
	summary, err := r.GetSummary(ctx, ClustersRequest{LayerID: id, Zoom: 3, Bounds: &cluster.Bounds{MinLng: 0, MinLat: 0, MaxLng: 20, MaxLat: 20}})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalPoints)
	assert.Equal(t, "depot", summary.MetadataSummary["kind"])

	// Re-adding an existing id replaces it.
	n, err = r.AddMarkers(ctx, id, []*cluster.Marker{{ID: "c", Lat: 46, Lng: 46}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	loaded, err := r.LoadLayer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.NumPoints)

	removed, err := r.RemoveMarkers(ctx, id, []string{"a", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	err = r.UpdateMarker(ctx, id, &cluster.Marker{ID: "a", Lat: 1, Lng: 1})
	assert.ErrorIs(t, err, ErrLayerNotFound)

	require.NoError(t, r.ClearLayer(ctx, id))
	fc, err = r.GetClusters(ctx, ClustersRequest{LayerID: id, Zoom: 3})
	require.NoError(t, err)
	assert.Empty(t, fc.Features)
}

func TestMarkerValidation(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner(t, t.TempDir())
	info, err := r.CreateLayer(ctx, CreateLayerRequest{})
	require.NoError(t, err)

	_, err = r.AddMarkers(ctx, info.ID, []*cluster.Marker{{ID: "", Lat: 0, Lng: 0}})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = r.AddMarkers(ctx, info.ID, []*cluster.Marker{{ID: "x", Lat: 91, Lng: 0}})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorIs(t, r.UpdateMarker(ctx, info.ID, nil), ErrInvalidArgument)
}

func TestUnknownLayerAndBadZoom(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner(t, t.TempDir())

	_, err := r.GetClusters(ctx, ClustersRequest{LayerID: "deadbeef", Zoom: 3})
	assert.ErrorIs(t, err, ErrLayerNotFound)
	_, err = r.LoadLayer(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorIs(t, r.DeleteLayer(ctx, "deadbeef"), ErrLayerNotFound)

	info, err := r.CreateLayer(ctx, CreateLayerRequest{NumPoints: 5})
	require.NoError(t, err)
	for _, zoom := range []float64{-1, MaxZoom + 1} {
		_, err = r.GetClusters(ctx, ClustersRequest{LayerID: info.ID, Zoom: zoom})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	}
	assert.ErrorIs(t, r.SetGridSize(ctx, info.ID, 0), ErrInvalidArgument)
}

func TestSaveAndReload(t *testing.T) {
	for _, format := range []string{config.FormatCompressed, config.FormatMMap} {
		t.Run(format, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			first := newTestRunner(t, dir, func(o *Options) { o.Format = format })

			info, err := first.CreateLayer(ctx, CreateLayerRequest{NumPoints: 120, Seed: 5})
			require.NoError(t, err)
			_, err = first.AddMarkers(ctx, info.ID, []*cluster.Marker{
				{ID: "extra", Lat: 1, Lng: 2, Metrics: map[string]float32{"value": 5}},
			})
			require.NoError(t, err)
			require.NoError(t, first.SetGridSize(ctx, info.ID, 64))

			saved, err := first.SaveLayer(ctx, info.ID)
			require.NoError(t, err)
			assert.Equal(t, 121, saved.NumPoints)
			assert.Equal(t, 1, snapshotCount(t, dir, info.ID), "older snapshots are removed")
			want, err := first.GetClusters(ctx, ClustersRequest{LayerID: info.ID, Zoom: 4})
			require.NoError(t, err)
			require.NoError(t, first.Close())

			second := newTestRunner(t, dir)
			loaded, err := second.LoadLayer(ctx, info.ID)
			require.NoError(t, err)
			assert.Equal(t, 121, loaded.NumPoints)
			assert.Equal(t, 64, loaded.GridSize)

			got, err := second.GetClusters(ctx, ClustersRequest{LayerID: info.ID, Zoom: 4})
			require.NoError(t, err)
			require.Len(t, got.Features, len(want.Features))
			for i := range want.Features {
				assert.Equal(t, want.Features[i].Geometry, got.Features[i].Geometry)
				assert.Equal(t, want.Features[i].Properties["point_count"], got.Features[i].Properties["point_count"])
			}
		})
	}
}

func TestLRUEviction(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := metrics.New("test")
	r := newTestRunner(t, dir, func(o *Options) {
		o.MaxLayers = 2
		o.Metrics = m
	})

	var ids []string
	for i := 0; i < 3; i++ {
		info, err := r.CreateLayer(ctx, CreateLayerRequest{NumPoints: 10, Seed: int64(i + 1)})
		require.NoError(t, err)
		ids = append(ids, info.ID)
		time.Sleep(2 * time.Millisecond)
	}

	layers, err := r.ListLayers(ctx)
	require.NoError(t, err)
	require.Len(t, layers, 3)
	loaded := 0
	for _, l := range layers {
		if l.Loaded {
			loaded++
		} else {
			assert.Equal(t, ids[0], l.ID)
			assert.Equal(t, 10, l.NumPoints)
		}
	}
	assert.Equal(t, 2, loaded)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LayerEvictions.WithLabelValues("lru")))

	// The evicted layer comes back on demand.
	fc, err := r.GetClusters(ctx, ClustersRequest{LayerID: ids[0], Zoom: 1})
	require.NoError(t, err)
	assert.Equal(t, 10, pointCount(fc))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LayersLoaded))
}

func TestIdleEvictionSavesChanges(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner(t, t.TempDir(), func(o *Options) { o.IdleTimeout = time.Minute })

	info, err := r.CreateLayer(ctx, CreateLayerRequest{NumPoints: 10, Seed: 9})
	require.NoError(t, err)
	_, err = r.AddMarkers(ctx, info.ID, []*cluster.Marker{{ID: "late", Lat: 5, Lng: 5}})
	require.NoError(t, err)

	assert.Zero(t, r.evictIdle(time.Now()))
	assert.Equal(t, 1, r.evictIdle(time.Now().Add(time.Hour)))

	layers, err := r.ListLayers(ctx)
	require.NoError(t, err)
	require.Len(t, layers, 1)
	assert.False(t, layers[0].Loaded)
	assert.Equal(t, 11, layers[0].NumPoints)
}

func TestBackgroundCleanupStopsOnClose(t *testing.T) {
	r, err := NewRunner(Options{
		Dir:             t.TempDir(),
		IdleTimeout:     time.Millisecond,
		CleanupInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	info, err := r.CreateLayer(context.Background(), CreateLayerRequest{NumPoints: 3})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		r.layerLock.RLock()
		defer r.layerLock.RUnlock()
		_, ok := r.layers[info.ID]
		return !ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}

func TestDeleteLayer(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	r := newTestRunner(t, dir)

	info, err := r.CreateLayer(ctx, CreateLayerRequest{NumPoints: 5})
	require.NoError(t, err)
	require.NoError(t, r.DeleteLayer(ctx, info.ID))
	assert.Zero(t, snapshotCount(t, dir, info.ID))

	_, err = r.LoadLayer(ctx, info.ID)
	assert.ErrorIs(t, err, ErrLayerNotFound)
}

func TestCacheMetrics(t *testing.T) {
	ctx := context.Background()
	m := metrics.New("test")
	r := newTestRunner(t, t.TempDir(), func(o *Options) { o.Metrics = m })

	info, err := r.CreateLayer(ctx, CreateLayerRequest{NumPoints: 40})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := r.GetClusters(ctx, ClustersRequest{LayerID: info.ID, Zoom: 5.5})
		require.NoError(t, err)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheRequests.WithLabelValues(info.ID, "miss")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheRequests.WithLabelValues(info.ID, "hit")))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.Items.WithLabelValues(info.ID)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.PassDuration))
}

func TestUncachedLayer(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner(t, t.TempDir(), func(o *Options) { o.CacheZooms = 0 })

	info, err := r.CreateLayer(ctx, CreateLayerRequest{NumPoints: 20})
	require.NoError(t, err)

	r.layerLock.RLock()
	l := r.layers[info.ID]
	r.layerLock.RUnlock()
	assert.Nil(t, l.cache)

	fc, err := r.GetClusters(ctx, ClustersRequest{LayerID: info.ID, Zoom: 2})
	require.NoError(t, err)
	assert.Equal(t, 20, pointCount(fc))
}

func TestConcurrentReadsAndWrites(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner(t, t.TempDir(), func(o *Options) { o.Precache = true })

	info, err := r.CreateLayer(ctx, CreateLayerRequest{NumPoints: 500, Seed: 11})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := r.GetClusters(ctx, ClustersRequest{LayerID: info.ID, Zoom: float64(i % 10)})
				assert.NoError(t, err)
			}
		}(w)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				id := filepath.Join("w", string(rune('a'+w)), string(rune('a'+i)))
				_, err := r.AddMarkers(ctx, info.ID, []*cluster.Marker{{ID: id, Lat: float64(i), Lng: float64(w)}})
				assert.NoError(t, err)
				assert.NoError(t, r.UpdateMarker(ctx, info.ID, &cluster.Marker{ID: id, Lat: -float64(i), Lng: float64(w)}))
			}
		}(w)
	}
	wg.Wait()

	loaded, err := r.LoadLayer(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, 600, loaded.NumPoints)
}

func TestReplacingUpdatesNeverHideMarkers(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner(t, t.TempDir(), func(o *Options) { o.CacheZooms = 0 })

	info, err := r.CreateLayer(ctx, CreateLayerRequest{})
	require.NoError(t, err)
	markers := make([]*cluster.Marker, 50)
	for i := range markers {
		markers[i] = &cluster.Marker{ID: strconv.Itoa(i), Lat: float64(i%10) * 8, Lng: float64(i/10) * 30}
	}
	_, err = r.AddMarkers(ctx, info.ID, markers)
	require.NoError(t, err)

	stop := make(chan struct{})
	var writers sync.WaitGroup
	writers.Add(2)
	go func() {
		defer writers.Done()
		for i := 0; i < 1000; i++ {
			err := r.UpdateMarker(ctx, info.ID, &cluster.Marker{ID: "7", Lat: 56, Lng: 0, Metrics: map[string]float32{"v": float32(i)}})
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer writers.Done()
		for i := 0; i < 1000; i++ {
			_, err := r.AddMarkers(ctx, info.ID, []*cluster.Marker{{ID: "8", Lat: 64, Lng: 0, Metadata: map[string]any{"n": i}}})
			assert.NoError(t, err)
		}
	}()
	go func() {
		writers.Wait()
		close(stop)
	}()

	var readers sync.WaitGroup
	for w := 0; w < 4; w++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				fc, err := r.GetClusters(ctx, ClustersRequest{LayerID: info.ID, Zoom: 3})
				if !assert.NoError(t, err) {
					return
				}
				if !assert.Equal(t, 50, pointCount(fc)) {
					return
				}
			}
		}()
	}
	readers.Wait()
}

func TestWritesSurviveConcurrentEviction(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	r := newTestRunner(t, dir, func(o *Options) {
		o.MaxLayers = 1
		o.CacheZooms = 0
	})

	a, err := r.CreateLayer(ctx, CreateLayerRequest{})
	require.NoError(t, err)
	b, err := r.CreateLayer(ctx, CreateLayerRequest{})
	require.NoError(t, err)

	stop := make(chan struct{})
	churned := make(chan struct{})
	go func() {
		defer close(churned)
		for {
			select {
			case <-stop:
				return
			default:
			}
			_, err := r.LoadLayer(ctx, b.ID)
			assert.NoError(t, err)
			_, err = r.LoadLayer(ctx, a.ID)
			assert.NoError(t, err)
		}
	}()

	acked := 0
	for i := 0; i < 1000; i++ {
		n, err := r.AddMarkers(ctx, a.ID, []*cluster.Marker{{ID: "m" + strconv.Itoa(i), Lat: 1, Lng: 1}})
		require.NoError(t, err)
		acked += n
	}
	close(stop)
	<-churned
	require.NoError(t, r.Close())

	reopened := newTestRunner(t, dir, func(o *Options) { o.CacheZooms = 0 })
	loaded, err := reopened.LoadLayer(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, acked, loaded.NumPoints)
}

func TestWriterHoldingDeletedLayerFails(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner(t, t.TempDir())

	info, err := r.CreateLayer(ctx, CreateLayerRequest{NumPoints: 5, Seed: 3})
	require.NoError(t, err)
	stale, err := r.acquire(ctx, info.ID)
	require.NoError(t, err)

	require.NoError(t, r.DeleteLayer(ctx, info.ID))
	stale.mu.Lock()
	assert.True(t, stale.evicted)
	stale.mu.Unlock()

	_, err = r.AddMarkers(ctx, info.ID, []*cluster.Marker{{ID: "x", Lat: 1, Lng: 1}})
	assert.ErrorIs(t, err, ErrLayerNotFound)
}
