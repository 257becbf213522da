package cluster

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"web/markergrid/projection"
)

// Marker is the item type served by the runner. *Marker is the Item, so
// markers are tracked by identity and may be moved in place.
type Marker struct {
	ID       string                 `json:"id"`
	Lat      float64                `json:"lat"`
	Lng      float64                `json:"lng"`
	Metrics  map[string]float32     `json:"metrics,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

func (m *Marker) Position() projection.LatLng {
	return projection.LatLng{Lat: m.Lat, Lng: m.Lng}
}

// SetPosition moves the marker. Hold the algorithm's lock while doing so,
// then call UpdateItem.
func (m *Marker) SetPosition(ll projection.LatLng) {
	m.Lat = ll.Lat
	m.Lng = ll.Lng
}

// Bounds is a longitude/latitude box. MinLng > MaxLng denotes a box
// crossing the antimeridian.
type Bounds struct {
	MinLng float64 `json:"minLng"`
	MinLat float64 `json:"minLat"`
	MaxLng float64 `json:"maxLng"`
	MaxLat float64 `json:"maxLat"`
}

// World covers every valid position.
var World = Bounds{MinLng: -180, MinLat: -90, MaxLng: 180, MaxLat: 90}

func (b Bounds) Contains(ll projection.LatLng) bool {
	if ll.Lat < b.MinLat || ll.Lat > b.MaxLat {
		return false
	}
	if b.MinLng <= b.MaxLng {
		return ll.Lng >= b.MinLng && ll.Lng <= b.MaxLng
	}
	return ll.Lng >= b.MinLng || ll.Lng <= b.MaxLng
}

func (b Bounds) Validate() error {
	if b.MinLat > b.MaxLat {
		return fmt.Errorf("south %f is above north %f", b.MinLat, b.MaxLat)
	}
	if b.MinLat < -90 || b.MaxLat > 90 || b.MinLng < -180 || b.MaxLng > 180 {
		return fmt.Errorf("bounds %+v out of range", b)
	}
	return nil
}

// FilterClusters keeps the clusters whose center lies inside b.
func FilterClusters[T Item](clusters []Cluster[T], b Bounds) []Cluster[T] {
	out := make([]Cluster[T], 0, len(clusters))
	for _, c := range clusters {
		if b.Contains(c.Position()) {
			out = append(out, c)
		}
	}
	return out
}

var categories = []string{"A", "B", "C"}

// GenerateTestMarkers returns n random markers inside b. The same seed
// yields the same markers, ids included.
func GenerateTestMarkers(n int, b Bounds, seed int64) []*Marker {
	r := rand.New(rand.NewSource(seed))
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	markers := make([]*Marker, n)
	for i := range markers {
		id, err := uuid.NewRandomFromReader(r)
		if err != nil {
			id = uuid.New()
		}
		lng := b.MinLng + r.Float64()*(b.MaxLng-b.MinLng)
		if b.MinLng > b.MaxLng {
			lng = b.MinLng + r.Float64()*(b.MaxLng+360-b.MinLng)
			if lng > 180 {
				lng -= 360
			}
		}
		markers[i] = &Marker{
			ID:  id.String(),
			Lat: b.MinLat + r.Float64()*(b.MaxLat-b.MinLat),
			Lng: lng,
			Metrics: map[string]float32{
				"value":     r.Float32() * 100,
				"sales":     r.Float32() * 1000,
				"customers": float32(r.Intn(100)),
			},
			Metadata: map[string]interface{}{
				"timestamp": now.Add(-time.Duration(r.Intn(7*24)) * time.Hour).Format(time.RFC3339),
				"category":  categories[r.Intn(len(categories))],
			},
		}
	}
	return markers
}
