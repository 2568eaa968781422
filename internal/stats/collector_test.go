package stats

import (
	"testing"
	"time"
)

func TestRecordAndGlobal(t *testing.T) {
	c := NewCollector()
	now := time.Now()

	c.Record(Snapshot{Timestamp: now, ModelID: "m1", TaskType: "summarization", LatencyMs: 100, CostUSD: 0.01, Success: true})
	c.Record(Snapshot{Timestamp: now, ModelID: "m2", TaskType: "classification", LatencyMs: 200, CostUSD: 0.02, Success: true})

	global := c.Global()
	if len(global) == 0 {
		t.Fatal("expected global aggregates")
	}

	// The 1m window should have 2 tasks.
	found := false
	for _, a := range global {
		if a.Window == "1m" {
			found = true
			if a.TaskCount != 2 {
				t.Errorf("expected 2 tasks, got %d", a.TaskCount)
			}
			if a.AvgLatencyMs != 150 {
				t.Errorf("expected avg latency 150, got %.1f", a.AvgLatencyMs)
			}
			if a.TotalCostUSD != 0.03 {
				t.Errorf("expected total cost 0.03, got %.4f", a.TotalCostUSD)
			}
		}
	}
	if !found {
		t.Error("expected 1m window in global stats")
	}
}

func TestSummaryByModel(t *testing.T) {
	c := NewCollector()
	now := time.Now()

	c.Record(Snapshot{Timestamp: now, ModelID: "remote-llm", TaskType: "generation", LatencyMs: 100, Success: true})
	c.Record(Snapshot{Timestamp: now, ModelID: "remote-llm", TaskType: "generation", LatencyMs: 200, Success: false})
	c.Record(Snapshot{Timestamp: now, ModelID: "local-slm", TaskType: "sentiment", LatencyMs: 50, Success: true})

	summary := c.Summary()
	oneMin, ok := summary["1m"]
	if !ok {
		t.Fatal("expected 1m window")
	}

	// Should have two backend groups.
	if len(oneMin) != 2 {
		t.Fatalf("expected 2 backend groups, got %d", len(oneMin))
	}

	for _, a := range oneMin {
		if a.ModelID == "remote-llm" {
			if a.TaskCount != 2 {
				t.Errorf("expected 2 tasks for remote-llm, got %d", a.TaskCount)
			}
			if a.ErrorCount != 1 {
				t.Errorf("expected 1 error for remote-llm, got %d", a.ErrorCount)
			}
			if a.ErrorRate != 0.5 {
				t.Errorf("expected 0.5 error rate, got %.2f", a.ErrorRate)
			}
		}
	}
}

func TestSummaryByTaskType(t *testing.T) {
	c := NewCollector()
	now := time.Now()

	c.Record(Snapshot{Timestamp: now, ModelID: "m1", TaskType: "summarization", LatencyMs: 100, Success: true})
	c.Record(Snapshot{Timestamp: now, ModelID: "m2", TaskType: "summarization", LatencyMs: 200, Success: true})
	c.Record(Snapshot{Timestamp: now, ModelID: "m3", TaskType: "keywords", LatencyMs: 50, Success: true})

	byType := c.SummaryByTaskType()
	oneMin, ok := byType["1m"]
	if !ok {
		t.Fatal("expected 1m window")
	}

	if len(oneMin) != 2 {
		t.Fatalf("expected 2 task type groups, got %d", len(oneMin))
	}
}

func TestQueueWaitAndConfidence(t *testing.T) {
	c := NewCollector()
	now := time.Now()

	c.Record(Snapshot{Timestamp: now, ModelID: "m1", QueueWaitMs: 10, Confidence: 0.8, Success: true})
	c.Record(Snapshot{Timestamp: now, ModelID: "m1", QueueWaitMs: 30, Confidence: 0.6, Success: true, CacheHit: true})

	global := c.Global()
	for _, a := range global {
		if a.Window == "1m" {
			if a.AvgQueueWaitMs != 20 {
				t.Errorf("expected avg queue wait 20, got %.1f", a.AvgQueueWaitMs)
			}
			if a.AvgConfidence < 0.69 || a.AvgConfidence > 0.71 {
				t.Errorf("expected avg confidence 0.7, got %.2f", a.AvgConfidence)
			}
			if a.CacheHits != 1 {
				t.Errorf("expected 1 cache hit, got %d", a.CacheHits)
			}
		}
	}
}

func TestPrune(t *testing.T) {
	c := NewCollector()
	c.maxAge = time.Second // short window for testing

	old := time.Now().Add(-2 * time.Second)
	recent := time.Now()

	c.Record(Snapshot{Timestamp: old, ModelID: "old", Success: true})
	c.Record(Snapshot{Timestamp: recent, ModelID: "new", Success: true})

	c.Prune()

	if c.SnapshotCount() != 1 {
		t.Errorf("expected 1 snapshot after prune, got %d", c.SnapshotCount())
	}
}

func TestP95Latency(t *testing.T) {
	c := NewCollector()
	now := time.Now()

	// 20 samples: 19 fast (10ms) + 1 slow (500ms).
	for i := 0; i < 19; i++ {
		c.Record(Snapshot{Timestamp: now, ModelID: "m1", LatencyMs: 10, Success: true})
	}
	c.Record(Snapshot{Timestamp: now, ModelID: "m1", LatencyMs: 500, Success: true})

	global := c.Global()
	for _, a := range global {
		if a.Window == "1m" {
			if a.P95LatencyMs != 500 {
				t.Errorf("expected p95=500, got %.1f", a.P95LatencyMs)
			}
		}
	}
}

func TestEmptyCollector(t *testing.T) {
	c := NewCollector()
	global := c.Global()
	if len(global) != 0 {
		t.Errorf("expected empty global, got %d", len(global))
	}
}
