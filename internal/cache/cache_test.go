package cache

import (
	"context"
	"testing"
	"time"

	"github.com/modelmux/modelmux/internal/task"
)

func TestKey_Deterministic(t *testing.T) {
	k1 := Key("summarization", "some text")
	k2 := Key("summarization", "some text")
	if k1 != k2 {
		t.Fatal("same inputs must produce the same key")
	}
	if len(k1) != 64 {
		t.Fatalf("expected hex sha256 key, got %d chars", len(k1))
	}
	if Key("classification", "some text") == k1 {
		t.Fatal("task type must be part of the key")
	}
	if Key("a", "bc") == Key("ab", "c") {
		t.Fatal("type/content boundary must be unambiguous")
	}
}

func resp(taskID string) task.ModelResponse {
	return task.ModelResponse{
		TaskID:     taskID,
		ModelID:    "m1",
		Output:     "answer",
		Confidence: 0.9,
		TokensUsed: 12,
		CostUSD:    0.0003,
	}
}

func TestMemory_SetAndGet(t *testing.T) {
	m := NewMemory(time.Minute, 100)
	defer m.Close()
	ctx := context.Background()

	if err := m.Set(ctx, "k1", resp("t1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := m.Get(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("expected hit, ok=%v err=%v", ok, err)
	}
	if got.TaskID != "t1" || got.Output != "answer" || got.Confidence != 0.9 {
		t.Fatalf("unexpected entry: %+v", got)
	}
}

func TestMemory_Miss(t *testing.T) {
	m := NewMemory(time.Minute, 100)
	defer m.Close()

	if _, ok, err := m.Get(context.Background(), "nope"); ok || err != nil {
		t.Fatalf("expected clean miss, ok=%v err=%v", ok, err)
	}
}

func TestMemory_TTLExpiry(t *testing.T) {
	m := NewMemory(50*time.Millisecond, 100)
	defer m.Close()
	ctx := context.Background()

	_ = m.Set(ctx, "k1", resp("t1"))
	if _, ok, _ := m.Get(ctx, "k1"); !ok {
		t.Fatal("expected hit before TTL")
	}

	time.Sleep(100 * time.Millisecond)
	if _, ok, _ := m.Get(ctx, "k1"); ok {
		t.Fatal("expected miss after TTL")
	}
}

func TestMemory_EvictsOldestAtCapacity(t *testing.T) {
	m := NewMemory(time.Minute, 2)
	defer m.Close()
	ctx := context.Background()

	_ = m.Set(ctx, "first", resp("t1"))
	time.Sleep(2 * time.Millisecond)
	_ = m.Set(ctx, "second", resp("t2"))
	time.Sleep(2 * time.Millisecond)
	_ = m.Set(ctx, "third", resp("t3"))

	if _, ok, _ := m.Get(ctx, "first"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	for _, k := range []string{"second", "third"} {
		if _, ok, _ := m.Get(ctx, k); !ok {
			t.Fatalf("entry %s should survive eviction", k)
		}
	}
	if n, _ := m.Len(ctx); n != 2 {
		t.Fatalf("expected 2 entries, got %d", n)
	}
}

func TestMemory_OverwriteDoesNotEvict(t *testing.T) {
	m := NewMemory(time.Minute, 2)
	defer m.Close()
	ctx := context.Background()

	_ = m.Set(ctx, "a", resp("t1"))
	_ = m.Set(ctx, "b", resp("t2"))
	_ = m.Set(ctx, "a", resp("t1-updated"))

	got, ok, _ := m.Get(ctx, "a")
	if !ok || got.TaskID != "t1-updated" {
		t.Fatalf("overwrite lost: %+v ok=%v", got, ok)
	}
	if _, ok, _ := m.Get(ctx, "b"); !ok {
		t.Fatal("sibling entry should survive an overwrite")
	}
}

func TestMemory_CloseIdempotent(t *testing.T) {
	m := NewMemory(time.Minute, 10)
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
