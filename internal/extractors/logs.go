package extractors

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/miradorstack/mirador-chaos/internal/models"
)

// LogAnomaly represents an error spike within one time bucket.
type LogAnomaly struct {
	Timestamp time.Time
	Severity  string
	Count     int
	Score     float64
}

// LogSignature is a normalised error message and how often it occurred.
type LogSignature struct {
	Signature string
	Count     int
	Sample    string
}

// LogsExtractor spots error volume spikes against the median bucket.
type LogsExtractor struct {
	bucket time.Duration
}

// NewLogsExtractor constructs a log anomaly detector bucketing by minute.
func NewLogsExtractor() *LogsExtractor {
	return &LogsExtractor{bucket: time.Minute}
}

// Detect buckets error entries and flags buckets that deviate from the median
// by three mean absolute deviations or more.
func (e *LogsExtractor) Detect(entries []models.LogEntry) []LogAnomaly {
	buckets := map[int64]int{}
	for _, entry := range entries {
		if !isError(entry.Status) {
			continue
		}
		buckets[entry.Timestamp.Truncate(e.bucket).Unix()]++
	}
	if len(buckets) == 0 {
		return nil
	}

	keys := make([]int64, 0, len(buckets))
	counts := make([]float64, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		counts = append(counts, float64(buckets[k]))
	}

	median := percentile(counts, 0.5)
	mad := meanAbsoluteDeviation(counts, median)
	if mad == 0 {
		mad = 1
	}

	var anomalies []LogAnomaly
	for i, k := range keys {
		score := math.Abs(counts[i]-median) / mad
		if score >= 3 || (len(keys) == 1 && counts[i] >= 5) {
			anomalies = append(anomalies, LogAnomaly{
				Timestamp: time.Unix(k, 0).UTC(),
				Severity:  "error",
				Count:     int(counts[i]),
				Score:     score,
			})
		}
	}
	return anomalies
}

var volatile = regexp.MustCompile(`[0-9a-fA-F]{8,}|\d+`)

// Signatures groups error entries by message with numbers and ids masked, most frequent first.
func (e *LogsExtractor) Signatures(entries []models.LogEntry, top int) []LogSignature {
	byKey := map[string]*LogSignature{}
	for _, entry := range entries {
		if !isError(entry.Status) {
			continue
		}
		msg := strings.TrimSpace(entry.Content)
		if len(msg) > 200 {
			msg = msg[:200]
		}
		key := volatile.ReplaceAllString(strings.ToLower(msg), "#")
		sig, ok := byKey[key]
		if !ok {
			sig = &LogSignature{Signature: key, Sample: msg}
			byKey[key] = sig
		}
		sig.Count++
	}
	out := make([]LogSignature, 0, len(byKey))
	for _, sig := range byKey {
		out = append(out, *sig)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Signature < out[j].Signature
		}
		return out[i].Count > out[j].Count
	})
	if top > 0 && len(out) > top {
		out = out[:top]
	}
	return out
}

// ErrorRatio is the share of entries with an error status.
func ErrorRatio(entries []models.LogEntry) float64 {
	if len(entries) == 0 {
		return 0
	}
	n := 0
	for _, entry := range entries {
		if isError(entry.Status) {
			n++
		}
	}
	return float64(n) / float64(len(entries))
}

func isError(status string) bool {
	switch strings.ToLower(status) {
	case "error", "fatal", "critical", "err", "severe":
		return true
	}
	return false
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Round(p * float64(len(sorted)-1)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func meanAbsoluteDeviation(values []float64, center float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += math.Abs(v - center)
	}
	return sum / float64(len(values))
}
