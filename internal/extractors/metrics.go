// Package extractors turns raw observability data into anomaly signals for
// rule-based diagnosis.
package extractors

import (
	"math"
	"sort"
	"time"

	"github.com/miradorstack/mirador-chaos/internal/models"
)

// MetricAnomaly captures an anomalous metric sample.
type MetricAnomaly struct {
	MetricID  string
	Entity    string
	Timestamp time.Time
	Value     float64
	Score     float64
	Threshold float64
}

// MetricExtractor detects anomalies using a z-score over each series.
type MetricExtractor struct{}

// NewMetricExtractor creates a metrics anomaly detector.
func NewMetricExtractor() *MetricExtractor {
	return &MetricExtractor{}
}

// Detect finds samples whose z-score reaches threshold.
func (e *MetricExtractor) Detect(points []models.MetricPoint, threshold float64) []MetricAnomaly {
	if len(points) < 2 {
		return nil
	}
	if threshold <= 0 {
		threshold = 2.5
	}

	mean := 0.0
	for _, p := range points {
		mean += p.Value
	}
	mean /= float64(len(points))

	variance := 0.0
	for _, p := range points {
		variance += math.Pow(p.Value-mean, 2)
	}
	variance /= float64(len(points))
	stdDev := math.Sqrt(variance)
	if stdDev == 0 {
		return nil
	}

	var anomalies []MetricAnomaly
	for _, p := range points {
		score := (p.Value - mean) / stdDev
		if score >= threshold {
			anomalies = append(anomalies, MetricAnomaly{
				Timestamp: p.Timestamp,
				Value:     p.Value,
				Score:     score,
				Threshold: threshold,
			})
		}
	}
	return anomalies
}

// DetectSeries runs Detect over every series and returns anomalies ordered by
// descending score.
func (e *MetricExtractor) DetectSeries(series []models.MetricSeries, threshold float64) []MetricAnomaly {
	var out []MetricAnomaly
	for _, s := range series {
		for _, a := range e.Detect(s.Points, threshold) {
			a.MetricID = s.MetricID
			a.Entity = s.Entity
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
