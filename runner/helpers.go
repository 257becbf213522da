package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"web/markergrid/cluster"
	"web/markergrid/config"
)

const timestampLayout = "20060102-150405"

// snapshotFile is a parsed layer-{n}p-{timestamp}-{id}.{ext} file name.
type snapshotFile struct {
	path      string
	id        string
	numPoints int
	timestamp time.Time
	format    string
	size      int64
}

func newLayerID() string {
	return uuid.New().String()[:8] // first 8 chars of a UUID
}

func snapshotFilename(dir string, numPoints int, ts time.Time, id, format string) string {
	return filepath.Join(dir, fmt.Sprintf("layer-%dp-%s-%s.%s", numPoints, ts.Format(timestampLayout), id, format))
}

func parseSnapshotFilename(path string) (snapshotFile, bool) {
	name := filepath.Base(path)
	ext := filepath.Ext(name)
	format := strings.TrimPrefix(ext, ".")
	if format != config.FormatCompressed && format != config.FormatMMap {
		return snapshotFile{}, false
	}

	// Format: layer-{numPoints}p-{date}-{time}-{id}.{ext}
	parts := strings.Split(strings.TrimSuffix(name, ext), "-")
	if len(parts) != 5 || parts[0] != "layer" || !strings.HasSuffix(parts[1], "p") {
		return snapshotFile{}, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(parts[1], "p"))
	if err != nil || n < 0 {
		return snapshotFile{}, false
	}
	ts, err := time.ParseInLocation(timestampLayout, parts[2]+"-"+parts[3], time.UTC)
	if err != nil || parts[4] == "" {
		return snapshotFile{}, false
	}

	return snapshotFile{
		path:      path,
		id:        parts[4],
		numPoints: n,
		timestamp: ts,
		format:    format,
	}, true
}

// listSnapshots returns the newest snapshot of every layer in dir, newest
// first.
func listSnapshots(dir string) ([]snapshotFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read layers directory: %w", err)
	}

	latest := make(map[string]snapshotFile)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		f, ok := parseSnapshotFilename(filepath.Join(dir, entry.Name()))
		if !ok {
			continue
		}
		if info, err := entry.Info(); err == nil {
			f.size = info.Size()
		}
		if prev, seen := latest[f.id]; !seen || f.timestamp.After(prev.timestamp) ||
			(f.timestamp.Equal(prev.timestamp) && f.path > prev.path) {
			latest[f.id] = f
		}
	}

	files := make([]snapshotFile, 0, len(latest))
	for _, f := range latest {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].timestamp.Equal(files[j].timestamp) {
			return files[i].timestamp.After(files[j].timestamp)
		}
		return files[i].id < files[j].id
	})
	return files, nil
}

func findSnapshot(dir, id string) (snapshotFile, error) {
	files, err := listSnapshots(dir)
	if err != nil {
		return snapshotFile{}, err
	}
	for _, f := range files {
		if f.id == id {
			return f, nil
		}
	}
	return snapshotFile{}, fmt.Errorf("%w: no snapshot for %s", ErrLayerNotFound, id)
}

// removeSnapshots deletes every snapshot of id except keep.
func removeSnapshots(dir, id, keep string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read layers directory: %w", err)
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		f, ok := parseSnapshotFilename(path)
		if !ok || f.id != id || path == keep {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return nil
}

func writeSnapshot(path, format string, snap *cluster.Snapshot) error {
	tmp := path + ".tmp"
	var err error
	switch format {
	case config.FormatMMap:
		err = cluster.SaveMMap(tmp, snap)
	default:
		err = cluster.SaveCompressed(tmp, snap)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

func readSnapshot(f snapshotFile) (*cluster.Snapshot, error) {
	switch f.format {
	case config.FormatMMap:
		return cluster.LoadMMap(f.path)
	default:
		return cluster.LoadCompressed(f.path)
	}
}
