package health

import (
	"testing"

	"github.com/modelmux/modelmux/internal/events"
)

func TestRecordSuccess(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.RecordSuccess("remote-llm")
	tr.RecordSuccess("remote-llm")

	s := tr.GetStats("remote-llm")
	if s.TotalProbes != 2 {
		t.Errorf("expected 2 probes, got %d", s.TotalProbes)
	}
	if s.State != StateHealthy {
		t.Errorf("expected healthy, got %s", s.State)
	}
	if s.ConsecFails != 0 {
		t.Errorf("expected 0 consec fails, got %d", s.ConsecFails)
	}
}

func TestStaysHealthyBelowThreshold(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.RecordFailure("remote-llm", "timeout")
	tr.RecordFailure("remote-llm", "timeout")

	s := tr.GetStats("remote-llm")
	if s.State != StateHealthy {
		t.Errorf("expected healthy below threshold, got %s", s.State)
	}
	if !tr.IsHealthy("remote-llm") {
		t.Error("backend below threshold should still be healthy")
	}
}

func TestDownAfterThreshold(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	for i := 0; i < 3; i++ {
		tr.RecordFailure("remote-llm", "probe failed")
	}

	s := tr.GetStats("remote-llm")
	if s.State != StateDown {
		t.Errorf("expected down after 3 failures, got %s", s.State)
	}
	if tr.IsHealthy("remote-llm") {
		t.Error("down backend should not be healthy")
	}
}

func TestSingleSuccessRestores(t *testing.T) {
	tr := NewTracker(TrackerConfig{ConsecFailsForDown: 2})
	tr.RecordFailure("remote-llm", "err1")
	tr.RecordFailure("remote-llm", "err2")

	s := tr.GetStats("remote-llm")
	if s.State != StateDown {
		t.Fatalf("expected down, got %s", s.State)
	}

	tr.RecordSuccess("remote-llm")

	s = tr.GetStats("remote-llm")
	if s.State != StateHealthy {
		t.Errorf("expected healthy after success, got %s", s.State)
	}
	if s.ConsecFails != 0 {
		t.Errorf("expected 0 consec fails after success, got %d", s.ConsecFails)
	}
}

func TestUnknownBackendHealthy(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	if !tr.IsHealthy("unknown") {
		t.Error("unknown backend should be healthy by default")
	}
}

func TestAllStats(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.RecordSuccess("remote-llm")
	tr.RecordSuccess("local-slm")
	tr.RecordFailure("remote-other", "error")

	all := tr.AllStats()
	if len(all) != 3 {
		t.Errorf("expected 3 backends in AllStats, got %d", len(all))
	}
}

func TestGetStatsUnknown(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	s := tr.GetStats("nonexistent")
	if s.State != StateHealthy {
		t.Errorf("expected healthy for unknown backend, got %s", s.State)
	}
}

func TestFailureCountTracking(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.RecordSuccess("m1")
	tr.RecordFailure("m1", "err1")
	tr.RecordFailure("m1", "err2")

	s := tr.GetStats("m1")
	if s.TotalProbes != 3 {
		t.Errorf("expected 3 total probes, got %d", s.TotalProbes)
	}
	if s.TotalFailures != 2 {
		t.Errorf("expected 2 total failures, got %d", s.TotalFailures)
	}
}

func TestForget(t *testing.T) {
	tr := NewTracker(TrackerConfig{ConsecFailsForDown: 1})
	tr.RecordFailure("m1", "err")
	if tr.IsHealthy("m1") {
		t.Fatal("expected m1 down")
	}

	tr.Forget("m1")
	if !tr.IsHealthy("m1") {
		t.Error("forgotten backend should be healthy again")
	}
	if len(tr.AllStats()) != 0 {
		t.Error("expected no stats after Forget")
	}
}

func TestHealthChangeEventsPublished(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	tr := NewTracker(TrackerConfig{ConsecFailsForDown: 2}, WithEventBus(bus))

	// First failure: still healthy (1 < 2), no transition event.
	tr.RecordFailure("m1", "err1")
	select {
	case e := <-sub.C:
		t.Fatalf("unexpected event after first failure: %+v", e)
	default:
	}

	// Second failure: healthy -> down, expect event.
	tr.RecordFailure("m1", "err2")
	select {
	case e := <-sub.C:
		if e.Type != events.EventBackendHealthChanged {
			t.Errorf("expected EventBackendHealthChanged, got %s", e.Type)
		}
		if e.OldState != string(StateHealthy) {
			t.Errorf("expected old state healthy, got %s", e.OldState)
		}
		if e.NewState != string(StateDown) {
			t.Errorf("expected new state down, got %s", e.NewState)
		}
		if e.ModelID != "m1" {
			t.Errorf("expected model m1, got %s", e.ModelID)
		}
	default:
		t.Fatal("expected health change event on down transition")
	}

	// Success: down -> healthy.
	tr.RecordSuccess("m1")
	select {
	case e := <-sub.C:
		if e.OldState != string(StateDown) {
			t.Errorf("expected old state down, got %s", e.OldState)
		}
		if e.NewState != string(StateHealthy) {
			t.Errorf("expected new state healthy, got %s", e.NewState)
		}
	default:
		t.Fatal("expected health change event on recovery transition")
	}
}

func TestOnUpdateCallback(t *testing.T) {
	var calls []State
	tr := NewTracker(TrackerConfig{ConsecFailsForDown: 1},
		WithOnUpdate(func(modelID string, state State) {
			calls = append(calls, state)
		}))

	tr.RecordSuccess("m1")
	tr.RecordFailure("m1", "err")

	if len(calls) != 2 {
		t.Fatalf("expected 2 callback invocations, got %d", len(calls))
	}
	if calls[0] != StateHealthy || calls[1] != StateDown {
		t.Errorf("unexpected callback states: %v", calls)
	}
}
