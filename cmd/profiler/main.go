package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"web/markergrid/cluster"
	"web/markergrid/projection"
)

var usBounds = cluster.Bounds{MinLng: -125, MinLat: 25, MaxLng: -65, MaxLat: 49}

type profileOptions struct {
	cpuProfile string
	memProfile string
	numPoints  int
	zoom       float64
	gridSize   int
	testAll    bool
	concurrent bool
	readers    int
	writers    int
	duration   time.Duration
	cacheZooms int
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &profileOptions{}
	cmd := &cobra.Command{
		Use:          "profiler",
		Short:        "Profile grid clustering passes",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.cpuProfile, "cpuprofile", "", "write cpu profile to file")
	f.StringVar(&opts.memProfile, "memprofile", "", "write heap profile to file")
	f.IntVar(&opts.numPoints, "points", 100000, "number of markers to generate")
	f.Float64Var(&opts.zoom, "zoom", 8, "zoom level to profile")
	f.IntVar(&opts.gridSize, "grid-size", cluster.DefaultGridSize, "grid cell size in pixels")
	f.BoolVar(&opts.testAll, "testall", false, "profile a battery of sizes and zooms")
	f.BoolVar(&opts.concurrent, "concurrent", false, "profile readers and writers sharing one layer")
	f.IntVar(&opts.readers, "readers", 4, "reader goroutines in concurrent mode")
	f.IntVar(&opts.writers, "writers", 2, "writer goroutines in concurrent mode")
	f.DurationVar(&opts.duration, "duration", 5*time.Second, "length of the concurrent run")
	f.IntVar(&opts.cacheZooms, "cache-zooms", 5, "cached zoom levels in concurrent mode; 0 disables")
	return cmd
}

func run(ctx context.Context, opts *profileOptions) error {
	if opts.cpuProfile != "" {
		f, err := os.Create(opts.cpuProfile)
		if err != nil {
			return fmt.Errorf("could not create CPU profile: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("could not start CPU profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	var err error
	switch {
	case opts.concurrent:
		err = runConcurrent(ctx, opts)
	case opts.testAll:
		runProfileBattery(opts.gridSize)
	default:
		runSingleProfile(opts.numPoints, opts.zoom, opts.gridSize)
	}
	if err != nil {
		return err
	}

	if opts.memProfile != "" {
		f, err := os.Create(opts.memProfile)
		if err != nil {
			return fmt.Errorf("could not create memory profile: %w", err)
		}
		defer f.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			return fmt.Errorf("could not write memory profile: %w", err)
		}
	}
	return nil
}

type passStats struct {
	clusters int
	duration time.Duration
	allocMB  float64
	gcRuns   uint32
}

func measurePass(grid *cluster.GridBased[*cluster.Marker], zoom float64) passStats {
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	start := time.Now()
	clusters := grid.Clusters(zoom)
	elapsed := time.Since(start)
	runtime.ReadMemStats(&after)
	return passStats{
		clusters: len(clusters),
		duration: elapsed,
		allocMB:  float64(after.TotalAlloc-before.TotalAlloc) / 1024 / 1024,
		gcRuns:   after.NumGC - before.NumGC,
	}
}

func runSingleProfile(numPoints int, zoom float64, gridSize int) {
	fmt.Printf("Profiling %d markers at zoom %g (grid %dpx, %d cells per side)\n",
		numPoints, zoom, gridSize, cluster.NumCells(zoom, gridSize))

	grid := cluster.NewGridBased[*cluster.Marker](cluster.WithGridSize(gridSize))
	grid.AddItems(cluster.GenerateTestMarkers(numPoints, usBounds, 42))

	s := measurePass(grid, zoom)
	fmt.Printf("Clustering produced %d clusters in %v\n", s.clusters, s.duration)
	fmt.Printf("Memory allocated: %.2f MB\n", s.allocMB)
}

func runProfileBattery(gridSize int) {
	pointCounts := []int{1000, 10000, 100000, 1000000}
	zoomLevels := []float64{2, 5, 8, 12, 15}

	fmt.Println("Running profile battery...")
	fmt.Printf("%-10s | %-6s | %-10s | %-15s | %-11s | %-7s\n",
		"Markers", "Zoom", "Clusters", "Duration", "Memory (MB)", "GC Runs")
	fmt.Println("------------------------------------------------------------------------")

	for _, points := range pointCounts {
		grid := cluster.NewGridBased[*cluster.Marker](cluster.WithGridSize(gridSize))
		grid.AddItems(cluster.GenerateTestMarkers(points, usBounds, 42))
		for _, zoom := range zoomLevels {
			s := measurePass(grid, zoom)
			fmt.Printf("%-10d | %-6g | %-10d | %-15s | %-11.2f | %-7d\n",
				points, zoom, s.clusters, s.duration, s.allocMB, s.gcRuns)
		}
		fmt.Println("------------------------------------------------------------------------")
	}
}

// runConcurrent hammers one layer with cluster reads at random zooms while
// writers move markers, following the lock protocol the runner uses.
func runConcurrent(ctx context.Context, opts *profileOptions) error {
	if opts.numPoints < 1 {
		return fmt.Errorf("concurrent mode needs at least one marker")
	}
	var alg cluster.Algorithm[*cluster.Marker] = cluster.NewGridBased[*cluster.Marker](cluster.WithGridSize(opts.gridSize))
	var cache *cluster.PreCaching[*cluster.Marker]
	if opts.cacheZooms > 0 {
		cache = cluster.NewPreCaching[*cluster.Marker](alg, cluster.WithCacheZooms(opts.cacheZooms), cluster.WithPrecache(true))
		alg = cache
	}
	markers := cluster.GenerateTestMarkers(opts.numPoints, usBounds, 42)
	alg.AddItems(markers)

	fmt.Printf("Concurrent run: %d markers, %d readers, %d writers, %v\n",
		opts.numPoints, opts.readers, opts.writers, opts.duration)

	ctx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	var reads, writes atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.readers; i++ {
		rng := rand.New(rand.NewSource(int64(i)))
		g.Go(func() error {
			for ctx.Err() == nil {
				alg.Clusters(float64(rng.Intn(16)) + rng.Float64())
				reads.Add(1)
			}
			return nil
		})
	}
	for i := 0; i < opts.writers; i++ {
		rng := rand.New(rand.NewSource(int64(1000 + i)))
		g.Go(func() error {
			for ctx.Err() == nil {
				m := markers[rng.Intn(len(markers))]
				alg.Lock()
				m.SetPosition(projection.LatLng{
					Lat: usBounds.MinLat + rng.Float64()*(usBounds.MaxLat-usBounds.MinLat),
					Lng: usBounds.MinLng + rng.Float64()*(usBounds.MaxLng-usBounds.MinLng),
				})
				alg.Unlock()
				alg.UpdateItem(m)
				writes.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if cache != nil {
		cache.Wait()
	}

	secs := opts.duration.Seconds()
	fmt.Printf("Reads:  %d (%.0f/s)\n", reads.Load(), float64(reads.Load())/secs)
	fmt.Printf("Writes: %d (%.0f/s)\n", writes.Load(), float64(writes.Load())/secs)
	return nil
}
