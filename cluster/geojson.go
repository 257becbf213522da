package cluster

import (
	"fmt"

	"github.com/google/uuid"
)

// GeoJSON types
type Feature struct {
	Type       string                 `json:"type"`
	ID         string                 `json:"id"`
	Geometry   Geometry               `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

type Geometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// clusterNamespace seeds name-based cluster ids.
var clusterNamespace = uuid.MustParse("6f1f7a52-3c2e-4d8e-9a55-2b7c0f0e8d11")

// ClusterID is stable for a given center, so the same cell keeps its id
// across passes. Single-marker clusters use the marker id.
func ClusterID(c Cluster[*Marker]) string {
	if c.Size() == 1 {
		return c.Items()[0].ID
	}
	p := c.Position()
	return uuid.NewSHA1(clusterNamespace, []byte(fmt.Sprintf("%.9f,%.9f", p.Lat, p.Lng))).String()
}

// ClusterMetrics sums member metrics.
func ClusterMetrics(c Cluster[*Marker]) map[string]float32 {
	sums := make(map[string]float32)
	for _, m := range c.Items() {
		for k, v := range m.Metrics {
			sums[k] += v
		}
	}
	return sums
}

// metadataEntry keeps key and value apart so "a:b"="c" and "a"="b:c" stay
// distinct. %#v separates the string "1" from the number 1.
type metadataEntry struct {
	key   string
	value string
}

func newMetadataEntry(k string, v interface{}) metadataEntry {
	return metadataEntry{key: k, value: fmt.Sprintf("%#v", v)}
}

// SharedMetadata keeps only the metadata values every member agrees on.
func SharedMetadata(c Cluster[*Marker]) map[string]interface{} {
	items := c.Items()
	if len(items) == 0 {
		return map[string]interface{}{}
	}

	counts := make(map[metadataEntry]int)
	for _, m := range items {
		for k, v := range m.Metadata {
			counts[newMetadataEntry(k, v)]++
		}
	}

	shared := make(map[string]interface{})
	for k, v := range items[0].Metadata {
		if counts[newMetadataEntry(k, v)] == len(items) {
			shared[k] = v
		}
	}
	return shared
}

// ToGeoJSON renders clusters as Point features at their centers.
func ToGeoJSON(clusters []Cluster[*Marker]) *FeatureCollection {
	features := make([]Feature, len(clusters))
	for i, c := range clusters {
		properties := map[string]interface{}{
			"cluster":     c.Size() > 1,
			"cluster_id":  ClusterID(c),
			"point_count": c.Size(),
		}
		if metrics := ClusterMetrics(c); len(metrics) > 0 {
			properties["metrics"] = metrics
		}
		for k, v := range SharedMetadata(c) {
			if _, reserved := properties[k]; !reserved {
				properties[k] = v
			}
		}

		p := c.Position()
		features[i] = Feature{
			Type: "Feature",
			ID:   properties["cluster_id"].(string),
			Geometry: Geometry{
				Type:        "Point",
				Coordinates: []float64{p.Lng, p.Lat},
			},
			Properties: properties,
		}
	}

	return &FeatureCollection{
		Type:     "FeatureCollection",
		Features: features,
	}
}
