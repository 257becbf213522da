package cluster

import (
	"fmt"
	"time"
)

type Summary struct {
	TotalPoints     int                    `json:"totalPoints"`
	NumClusters     int                    `json:"numClusters"`
	NumSinglePoints int                    `json:"numSinglePoints"`
	MetricsSummary  map[string]MetricStats `json:"metricsSummary"`
	MetadataSummary map[string]interface{} `json:"metadataSummary"`
}

type MetricStats struct {
	Min     float32 `json:"min"`
	Max     float32 `json:"max"`
	Sum     float32 `json:"sum"`
	Average float32 `json:"average"`
}

// TimeRange is reported for the "timestamp" metadata key.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CalculateSummary aggregates the clusters of one viewport. Metric stats are
// taken over per-cluster sums; "category" becomes a percentage distribution,
// "timestamp" a time range, and any other key its most common value.
func CalculateSummary(clusters []Cluster[*Marker]) Summary {
	summary := Summary{
		MetricsSummary:  make(map[string]MetricStats),
		MetadataSummary: make(map[string]interface{}),
	}
	if len(clusters) == 0 {
		return summary
	}

	type acc struct {
		min, max, sum float32
		count         int
	}
	metrics := make(map[string]acc)
	freq := make(map[string]map[string]int)
	var timeRange TimeRange
	timestamps := 0

	for _, c := range clusters {
		if c.Size() > 1 {
			summary.NumClusters++
		} else {
			summary.NumSinglePoints++
		}
		summary.TotalPoints += c.Size()

		for name, value := range ClusterMetrics(c) {
			a, ok := metrics[name]
			if !ok || value < a.min {
				a.min = value
			}
			if !ok || value > a.max {
				a.max = value
			}
			a.sum += value
			a.count++
			metrics[name] = a
		}

		for _, m := range c.Items() {
			for key, raw := range m.Metadata {
				if key == "timestamp" {
					ts, ok := parseTimestamp(raw)
					if !ok {
						continue
					}
					if timestamps == 0 || ts.Before(timeRange.Start) {
						timeRange.Start = ts
					}
					if timestamps == 0 || ts.After(timeRange.End) {
						timeRange.End = ts
					}
					timestamps++
					continue
				}
				if freq[key] == nil {
					freq[key] = make(map[string]int)
				}
				freq[key][fmt.Sprint(raw)]++
			}
		}
	}

	for name, a := range metrics {
		summary.MetricsSummary[name] = MetricStats{
			Min:     a.min,
			Max:     a.max,
			Sum:     a.sum,
			Average: a.sum / float32(a.count),
		}
	}

	if timestamps > 0 {
		summary.MetadataSummary["timeRange"] = timeRange
	}

	for key, counts := range freq {
		if key == "category" {
			total := 0
			for _, n := range counts {
				total += n
			}
			distribution := make(map[string]float64, len(counts))
			for value, n := range counts {
				distribution[value] = float64(n) / float64(total) * 100
			}
			summary.MetadataSummary[key] = distribution
			continue
		}

		var mostCommon string
		maxCount := 0
		for value, n := range counts {
			// Ties resolve to the lexically smallest value.
			if n > maxCount || (n == maxCount && value < mostCommon) {
				mostCommon, maxCount = value, n
			}
		}
		summary.MetadataSummary[key] = mostCommon
	}

	return summary
}

func parseTimestamp(v interface{}) (time.Time, bool) {
	switch ts := v.(type) {
	case time.Time:
		return ts, true
	case string:
		parsed, err := time.Parse(time.RFC3339, ts)
		return parsed, err == nil
	default:
		return time.Time{}, false
	}
}
