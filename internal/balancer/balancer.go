// Package balancer picks the best backend for each task with a weighted
// capability score, and owns the per-backend rolling metrics that feed the
// time component of that score.
package balancer

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/modelmux/modelmux/internal/backend"
	"github.com/modelmux/modelmux/internal/task"
)

// Scoring weights. Quality dominates, then speed, then price; availability
// and instantaneous load are nudges.
const (
	weightQuality      = 0.40
	weightTime         = 0.25
	weightCost         = 0.20
	weightAvailability = 0.10
	weightLoad         = 0.05

	// referenceMaxCostPer1K normalizes cost: anything at or above this
	// USD/1K price scores zero on the cost axis.
	referenceMaxCostPer1K = 0.1

	// latencyCeilingMs normalizes response time: anything at or above
	// this average scores zero on the time axis.
	latencyCeilingMs = 10000

	// criticalTimeBoost inflates the time component for critical tasks so
	// fast backends win them even when slightly pricier.
	criticalTimeBoost = 1.5
)

var (
	ErrNoEligibleBackend = errors.New("no eligible backend")
	ErrDuplicateModel    = errors.New("model already registered")
	ErrUnknownModel      = errors.New("model not registered")
)

// NoEligibleBackendError reports why selection found nothing to dispatch to.
// It unwraps to ErrNoEligibleBackend.
type NoEligibleBackendError struct {
	TaskType   string
	Registered int
	Saturated  bool
}

func (e *NoEligibleBackendError) Error() string {
	if e.Saturated {
		return fmt.Sprintf("no eligible backend for task type %q: all candidates at max load", e.TaskType)
	}
	return fmt.Sprintf("no eligible backend for task type %q (%d registered)", e.TaskType, e.Registered)
}

func (e *NoEligibleBackendError) Unwrap() error { return ErrNoEligibleBackend }

// rollingMetrics accumulates per-backend outcomes. AvgLatencyMs is an exact
// running mean over all recorded responses, successes and failures alike.
type rollingMetrics struct {
	totalRequests   int64
	successRequests int64
	avgLatencyMs    float64
	totalCostUSD    float64
	loadSamples     []float64
}

const loadSampleWindow = 100

// MetricsSnapshot is the exported view of one backend's rolling metrics.
type MetricsSnapshot struct {
	TotalRequests   int64   `json:"total_requests"`
	SuccessRequests int64   `json:"success_requests"`
	SuccessRate     float64 `json:"success_rate"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	TotalCostUSD    float64 `json:"total_cost_usd"`
	AvgRecentLoad   float64 `json:"avg_recent_load"`
}

// BackendStatus is one backend's row in status output.
type BackendStatus struct {
	ModelID        string          `json:"model_id"`
	ModelType      task.ModelType  `json:"model_type"`
	SupportedTasks []string        `json:"supported_tasks"`
	Available      bool            `json:"available"`
	CurrentLoad    int64           `json:"current_load"`
	MaxConcurrent  int64           `json:"max_concurrent"`
	QualityScore   float64         `json:"quality_score"`
	CostPer1K      float64         `json:"cost_per_1k_tokens"`
	BaseLatencyMs  float64         `json:"base_latency_ms"`
	Metrics        MetricsSnapshot `json:"metrics"`
}

// LoadBalancer holds registered adapters in registration order; score ties
// resolve to the earliest registration, so that order is part of the
// contract.
type LoadBalancer struct {
	mu       sync.RWMutex
	adapters []backend.Adapter
	byID     map[string]backend.Adapter
	metrics  map[string]*rollingMetrics
}

// New creates an empty LoadBalancer.
func New() *LoadBalancer {
	return &LoadBalancer{
		byID:    make(map[string]backend.Adapter),
		metrics: make(map[string]*rollingMetrics),
	}
}

// Register adds an adapter. The capability is validated here so a bad
// backend never enters the selection pool.
func (lb *LoadBalancer) Register(a backend.Adapter) error {
	if err := a.Capabilities().Validate(); err != nil {
		return fmt.Errorf("backend %q: %w", a.ModelID(), err)
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()
	id := a.ModelID()
	if _, ok := lb.byID[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateModel, id)
	}
	lb.adapters = append(lb.adapters, a)
	lb.byID[id] = a
	lb.metrics[id] = &rollingMetrics{}
	return nil
}

// Unregister removes an adapter and drops its metrics.
func (lb *LoadBalancer) Unregister(modelID string) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if _, ok := lb.byID[modelID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	delete(lb.byID, modelID)
	delete(lb.metrics, modelID)
	for i, a := range lb.adapters {
		if a.ModelID() == modelID {
			lb.adapters = append(lb.adapters[:i], lb.adapters[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns a registered adapter by model ID.
func (lb *LoadBalancer) Get(modelID string) (backend.Adapter, bool) {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	a, ok := lb.byID[modelID]
	return a, ok
}

// Adapters returns the registered adapters in registration order.
func (lb *LoadBalancer) Adapters() []backend.Adapter {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	out := make([]backend.Adapter, len(lb.adapters))
	copy(out, lb.adapters)
	return out
}

// Len returns the number of registered adapters.
func (lb *LoadBalancer) Len() int {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return len(lb.adapters)
}

// Select returns the best eligible adapter for the request with one load
// slot already reserved; the caller must Release it after Process. Adapters
// are eligible when available and supporting the task type; quality, speed,
// price, and load only move the score. When the top choice is saturated the
// next best is tried, so a returned adapter always holds capacity.
func (lb *LoadBalancer) Select(req task.TaskRequest) (backend.Adapter, error) {
	lb.mu.RLock()
	type candidate struct {
		adapter backend.Adapter
		score   float64
	}
	candidates := make([]candidate, 0, len(lb.adapters))
	for _, a := range lb.adapters {
		if !a.Available() || !a.Capabilities().Supports(req.TaskType) {
			continue
		}
		candidates = append(candidates, candidate{a, lb.score(a, req)})
	}
	registered := len(lb.adapters)
	lb.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, &NoEligibleBackendError{TaskType: req.TaskType, Registered: registered}
	}

	// Strict > keeps the earliest registration on ties.
	for len(candidates) > 0 {
		best := 0
		for i := 1; i < len(candidates); i++ {
			if candidates[i].score > candidates[best].score {
				best = i
			}
		}
		if candidates[best].adapter.TryAcquire() {
			return candidates[best].adapter, nil
		}
		candidates = append(candidates[:best], candidates[best+1:]...)
	}
	return nil, &NoEligibleBackendError{TaskType: req.TaskType, Registered: registered, Saturated: true}
}

// score computes the weighted capability score for one adapter. Caller holds
// at least the read lock.
func (lb *LoadBalancer) score(a backend.Adapter, req task.TaskRequest) float64 {
	c := a.Capabilities()

	quality := c.QualityScore
	if req.RequiredQuality > 0 && c.QualityScore < req.RequiredQuality {
		// Soft penalty: below-floor backends lose half their quality
		// term instead of being excluded.
		quality /= 2
	}

	avg := c.BaseLatencyMs
	if m := lb.metrics[a.ModelID()]; m != nil && m.totalRequests > 0 {
		avg = m.avgLatencyMs
	}
	timeScore := 1 - math.Min(avg/latencyCeilingMs, 1)
	if req.Priority == task.PriorityCritical {
		timeScore *= criticalTimeBoost
	}

	costScore := 1 - math.Min(c.CostPer1K/referenceMaxCostPer1K, 1)

	cur, max := a.Load()
	loadScore := 1 - float64(cur)/float64(max)

	return weightQuality*quality +
		weightTime*timeScore +
		weightCost*costScore +
		weightAvailability*c.Availability +
		weightLoad*loadScore
}

// RecordOutcome feeds one completed response into the backend's rolling
// metrics. Unknown model IDs are ignored (the backend was unregistered while
// the task was in flight).
func (lb *LoadBalancer) RecordOutcome(modelID string, resp task.ModelResponse) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	m, ok := lb.metrics[modelID]
	if !ok {
		return
	}
	m.totalRequests++
	if !resp.Failed() {
		m.successRequests++
	}
	m.avgLatencyMs += (resp.ProcessingMs - m.avgLatencyMs) / float64(m.totalRequests)
	m.totalCostUSD += resp.CostUSD

	if a, ok := lb.byID[modelID]; ok {
		cur, max := a.Load()
		m.loadSamples = append(m.loadSamples, float64(cur)/float64(max))
		if len(m.loadSamples) > loadSampleWindow {
			m.loadSamples = m.loadSamples[1:]
		}
	}
}

// Metrics returns a snapshot of one backend's rolling metrics.
func (lb *LoadBalancer) Metrics(modelID string) (MetricsSnapshot, bool) {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	m, ok := lb.metrics[modelID]
	if !ok {
		return MetricsSnapshot{}, false
	}
	return m.snapshot(), true
}

// Snapshot returns the status of every registered backend in registration
// order.
func (lb *LoadBalancer) Snapshot() []BackendStatus {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	out := make([]BackendStatus, 0, len(lb.adapters))
	for _, a := range lb.adapters {
		c := a.Capabilities()
		cur, max := a.Load()
		st := BackendStatus{
			ModelID:        a.ModelID(),
			ModelType:      c.ModelType,
			SupportedTasks: c.SupportedTasks,
			Available:      a.Available(),
			CurrentLoad:    cur,
			MaxConcurrent:  max,
			QualityScore:   c.QualityScore,
			CostPer1K:      c.CostPer1K,
			BaseLatencyMs:  c.BaseLatencyMs,
		}
		if m := lb.metrics[a.ModelID()]; m != nil {
			st.Metrics = m.snapshot()
		}
		out = append(out, st)
	}
	return out
}

func (m *rollingMetrics) snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		TotalRequests:   m.totalRequests,
		SuccessRequests: m.successRequests,
		AvgLatencyMs:    m.avgLatencyMs,
		TotalCostUSD:    m.totalCostUSD,
	}
	if m.totalRequests > 0 {
		s.SuccessRate = float64(m.successRequests) / float64(m.totalRequests)
	}
	if n := len(m.loadSamples); n > 0 {
		sum := 0.0
		for _, v := range m.loadSamples {
			sum += v
		}
		s.AvgRecentLoad = sum / float64(n)
	}
	return s
}
