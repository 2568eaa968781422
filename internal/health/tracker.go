package health

import (
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/events"
)

// State represents the probe-level health state of a backend.
type State string

const (
	StateHealthy State = "healthy"
	StateDown    State = "down"
)

// Stats captures probe health for a single backend.
type Stats struct {
	ModelID       string    `json:"model_id"`
	State         State     `json:"state"`
	TotalProbes   int64     `json:"total_probes"`
	TotalFailures int64     `json:"total_failures"`
	ConsecFails   int       `json:"consec_fails"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorTime time.Time `json:"last_error_time,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
}

// TrackerConfig configures the health tracker thresholds.
type TrackerConfig struct {
	// ConsecFailsForDown: how many consecutive probe failures before a
	// backend is marked down and taken out of the selection pool.
	ConsecFailsForDown int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() TrackerConfig {
	return TrackerConfig{ConsecFailsForDown: 3}
}

// Tracker tracks probe health of all registered backends.
type Tracker struct {
	cfg      TrackerConfig
	EventBus *events.Bus
	onUpdate func(modelID string, state State)

	mu    sync.RWMutex
	stats map[string]*Stats
}

// TrackerOption configures optional Tracker behaviour.
type TrackerOption func(*Tracker)

// WithEventBus attaches an event bus so that health state transitions
// are published as EventBackendHealthChanged events.
func WithEventBus(bus *events.Bus) TrackerOption {
	return func(t *Tracker) {
		t.EventBus = bus
	}
}

// WithOnUpdate registers a callback invoked on every RecordSuccess/RecordFailure
// call (not just state transitions). Use this to keep external gauges current.
func WithOnUpdate(fn func(modelID string, state State)) TrackerOption {
	return func(t *Tracker) {
		t.onUpdate = fn
	}
}

// NewTracker creates a health tracker with the given config.
func NewTracker(cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	if cfg.ConsecFailsForDown <= 0 {
		cfg.ConsecFailsForDown = DefaultConfig().ConsecFailsForDown
	}
	t := &Tracker{
		cfg:   cfg,
		stats: make(map[string]*Stats),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordSuccess records a successful probe. A single success restores a
// down backend to healthy.
func (t *Tracker) RecordSuccess(modelID string) {
	t.mu.Lock()

	s := t.getOrCreate(modelID)
	oldState := s.State

	s.TotalProbes++
	s.ConsecFails = 0
	s.LastSuccessAt = time.Now()
	s.State = StateHealthy

	newState := s.State
	t.mu.Unlock()

	if t.onUpdate != nil {
		t.onUpdate(modelID, newState)
	}
	if oldState != newState && t.EventBus != nil {
		t.EventBus.Publish(events.Event{
			Type:     events.EventBackendHealthChanged,
			ModelID:  modelID,
			OldState: string(oldState),
			NewState: string(newState),
			Reason:   "probe succeeded",
		})
	}
}

// RecordFailure records a failed probe.
func (t *Tracker) RecordFailure(modelID string, errMsg string) {
	t.mu.Lock()

	s := t.getOrCreate(modelID)
	oldState := s.State

	s.TotalProbes++
	s.TotalFailures++
	s.ConsecFails++
	s.LastError = errMsg
	s.LastErrorTime = time.Now()

	if s.ConsecFails >= t.cfg.ConsecFailsForDown {
		s.State = StateDown
	}

	newState := s.State
	t.mu.Unlock()

	if t.onUpdate != nil {
		t.onUpdate(modelID, newState)
	}
	if oldState != newState && t.EventBus != nil {
		t.EventBus.Publish(events.Event{
			Type:     events.EventBackendHealthChanged,
			ModelID:  modelID,
			OldState: string(oldState),
			NewState: string(newState),
			Reason:   errMsg,
		})
	}
}

// IsHealthy reports whether a backend should receive tasks.
func (t *Tracker) IsHealthy(modelID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[modelID]
	if !ok {
		return true // unknown backend is assumed healthy
	}
	return s.State != StateDown
}

// GetStats returns a copy of the health stats for a backend.
func (t *Tracker) GetStats(modelID string) *Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[modelID]
	if !ok {
		return &Stats{ModelID: modelID, State: StateHealthy}
	}
	cp := *s
	return &cp
}

// AllStats returns a copy of health stats for all known backends.
func (t *Tracker) AllStats() []Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]Stats, 0, len(t.stats))
	for _, s := range t.stats {
		result = append(result, *s)
	}
	return result
}

// Forget drops probe history for a backend, typically after unregistration.
func (t *Tracker) Forget(modelID string) {
	t.mu.Lock()
	delete(t.stats, modelID)
	t.mu.Unlock()
}

func (t *Tracker) getOrCreate(modelID string) *Stats {
	s, ok := t.stats[modelID]
	if !ok {
		s = &Stats{ModelID: modelID, State: StateHealthy}
		t.stats[modelID] = s
	}
	return s
}
