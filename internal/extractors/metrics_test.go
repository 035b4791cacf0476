package extractors

import (
	"fmt"
	"testing"
	"time"

	"github.com/miradorstack/mirador-chaos/internal/models"
)

func TestMetricExtractorDetectSeries(t *testing.T) {
	extractor := NewMetricExtractor()

	start := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	points := make([]models.MetricPoint, 0, 15)
	for i := 0; i < 15; i++ {
		value := 0.6
		if i > 12 {
			value = 2.5
		}
		points = append(points, models.MetricPoint{Timestamp: start.Add(time.Duration(i) * time.Minute), Value: value})
	}
	flat := []models.MetricPoint{{Timestamp: start, Value: 1}, {Timestamp: start.Add(time.Minute), Value: 1}}

	anomalies := extractor.DetectSeries([]models.MetricSeries{
		{MetricID: "errors", Entity: "PaymentService", Points: points},
		{MetricID: "cpu", Entity: "PaymentService", Points: flat},
	}, 1.5)
	if len(anomalies) != 2 {
		t.Fatalf("expected two anomalies, got %d", len(anomalies))
	}
	if anomalies[0].MetricID != "errors" || anomalies[0].Entity != "PaymentService" {
		t.Fatalf("unexpected anomaly: %+v", anomalies[0])
	}
}

func TestLogsExtractorDetectsErrorSpike(t *testing.T) {
	extractor := NewLogsExtractor()

	start := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	var entries []models.LogEntry
	for minute := 0; minute < 6; minute++ {
		n := 2
		if minute == 5 {
			n = 20
		}
		for i := 0; i < n; i++ {
			entries = append(entries, models.LogEntry{
				Timestamp: start.Add(time.Duration(minute)*time.Minute + time.Duration(i)*time.Second),
				Status:    "ERROR",
				Content:   fmt.Sprintf("payment %d declined: upstream 503", 1000+i),
			})
		}
		entries = append(entries, models.LogEntry{Timestamp: start.Add(time.Duration(minute) * time.Minute), Status: "INFO", Content: "ok"})
	}

	anomalies := extractor.Detect(entries)
	if len(anomalies) != 1 || anomalies[0].Count != 20 {
		t.Fatalf("expected one spike of 20, got %+v", anomalies)
	}

	sigs := extractor.Signatures(entries, 3)
	if len(sigs) != 1 || sigs[0].Count != 30 {
		t.Fatalf("expected one signature with 30 hits, got %+v", sigs)
	}
	if ratio := ErrorRatio(entries); ratio < 0.8 {
		t.Fatalf("unexpected error ratio %v", ratio)
	}
}
