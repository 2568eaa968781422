package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelmux/modelmux/internal/backend"
	"github.com/modelmux/modelmux/internal/queue"
	"github.com/modelmux/modelmux/internal/task"
)

// fakeAdapter counts calls and can block on a gate or panic on demand.
type fakeAdapter struct {
	*backend.Slots
	id        string
	cap       task.ModelCapability
	processed atomic.Int64
	gate      chan struct{} // when non-nil, Process blocks until closed
	panicMsg  string

	mu        sync.Mutex
	completed []string // task IDs in completion order
}

func newFakeAdapter(id string, tasks ...string) *fakeAdapter {
	if len(tasks) == 0 {
		tasks = []string{"generation"}
	}
	return &fakeAdapter{
		Slots: backend.NewSlots(4),
		id:    id,
		cap: task.ModelCapability{
			ModelType:      task.ModelSLM,
			SupportedTasks: tasks,
			MaxTokens:      2048,
			BaseLatencyMs:  10,
			CostPer1K:      0.001,
			QualityScore:   0.8,
			Availability:   1,
		},
	}
}

func (f *fakeAdapter) ModelID() string                      { return f.id }
func (f *fakeAdapter) Capabilities() task.ModelCapability   { return f.cap }
func (f *fakeAdapter) HealthCheck(ctx context.Context) bool { return true }

func (f *fakeAdapter) Process(ctx context.Context, req task.TaskRequest) task.ModelResponse {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return task.Failure(req.TaskID, f.id, task.ErrClassTimeout, ctx.Err())
		}
	}
	f.processed.Add(1)
	f.mu.Lock()
	f.completed = append(f.completed, req.TaskID)
	f.mu.Unlock()
	return task.ModelResponse{
		TaskID:       req.TaskID,
		ModelID:      f.id,
		Output:       "processed: " + req.Content,
		Confidence:   0.9,
		ProcessingMs: 5,
		TokensUsed:   10,
		CostUSD:      0.0001,
		CompletedAt:  time.Now().UTC(),
	}
}

func (f *fakeAdapter) completionOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.completed))
	copy(out, f.completed)
	return out
}

func newCoordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	cfg := Config{
		ResultPollInterval:   2 * time.Millisecond,
		DefaultResultTimeout: 2 * time.Second,
		ShutdownGrace:        2 * time.Second,
	}
	c := New(cfg, opts...)
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func startWith(t *testing.T, workers int, adapters ...*fakeAdapter) *Coordinator {
	t.Helper()
	c := newCoordinator(t)
	for _, a := range adapters {
		if err := c.RegisterAdapter(a); err != nil {
			t.Fatalf("register %s: %v", a.id, err)
		}
	}
	if err := c.Start(workers); err != nil {
		t.Fatalf("start: %v", err)
	}
	return c
}

func TestStartStopLifecycle(t *testing.T) {
	c := newCoordinator(t)
	if c.Running() {
		t.Fatal("not started yet")
	}
	if err := c.Start(2); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !c.Running() {
		t.Fatal("should be running")
	}
	if err := c.Start(2); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("double start: got %v, want ErrAlreadyRunning", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if c.Running() {
		t.Fatal("should be stopped")
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second stop should be a no-op: %v", err)
	}
}

func TestInitializeModelsAllOrNothing(t *testing.T) {
	c := newCoordinator(t)
	configs := []task.AdapterConfig{
		{ModelID: "local-1", Kind: task.KindLocal, Capability: task.ModelCapability{
			ModelType: task.ModelSLM, SupportedTasks: []string{"generation"},
			MaxTokens: 1024, QualityScore: 0.5, Availability: 1,
		}},
		{ModelID: "bad", Kind: task.KindRemote}, // missing endpoint
	}
	err := c.InitializeModels(configs)
	if err == nil {
		t.Fatal("invalid config must fail the whole call")
	}
	if !strings.Contains(err.Error(), "backend config 1") {
		t.Fatalf("error should name the offending index: %v", err)
	}
	if got := c.Balancer().Len(); got != 0 {
		t.Fatalf("no adapter may be registered after a failed call, got %d", got)
	}

	if err := c.InitializeModels(configs[:1]); err != nil {
		t.Fatalf("valid configs: %v", err)
	}
	if got := c.Balancer().Len(); got != 1 {
		t.Fatalf("got %d adapters, want 1", got)
	}
}

func TestInitializeModelsRejectsDuplicateIDs(t *testing.T) {
	c := newCoordinator(t)
	capability := task.ModelCapability{
		ModelType: task.ModelSLM, SupportedTasks: []string{"generation"},
		MaxTokens: 1024, QualityScore: 0.5, Availability: 1,
	}
	err := c.InitializeModels([]task.AdapterConfig{
		{ModelID: "dup", Kind: task.KindLocal, Capability: capability},
		{ModelID: "dup", Kind: task.KindLocal, Capability: capability},
	})
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("got %v, want duplicate model_id error", err)
	}
}

func TestSubmitAndGetResult(t *testing.T) {
	a := newFakeAdapter("fake-1")
	c := startWith(t, 2, a)

	id, err := c.Submit(task.TaskRequest{TaskType: "generation", Content: "hello"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id == "" {
		t.Fatal("submit must return a task id")
	}

	resp, err := c.GetResult(id, time.Second)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if resp == nil {
		t.Fatal("result not ready within a second")
	}
	if resp.TaskID != id || resp.ModelID != "fake-1" || resp.Failed() {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGetResultTimeoutReturnsNilNil(t *testing.T) {
	c := startWith(t, 1, newFakeAdapter("fake-1"))

	start := time.Now()
	resp, err := c.GetResult("no-such-task", 200*time.Millisecond)
	elapsed := time.Since(start)

	if resp != nil || err != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", resp, err)
	}
	if elapsed < 150*time.Millisecond || elapsed > time.Second {
		t.Fatalf("timeout took %v, want ≈200ms", elapsed)
	}
}

func TestCacheIdempotence(t *testing.T) {
	a := newFakeAdapter("fake-1")
	c := startWith(t, 1, a)

	req := task.TaskRequest{TaskType: "generation", Content: "same content"}
	id1, err := c.Submit(req)
	if err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	if resp, err := c.GetResult(id1, time.Second); err != nil || resp == nil {
		t.Fatalf("first result: (%v, %v)", resp, err)
	}

	id2, err := c.Submit(req)
	if err != nil {
		t.Fatalf("submit 2: %v", err)
	}
	resp, err := c.GetResult(id2, time.Second)
	if err != nil || resp == nil {
		t.Fatalf("second result: (%v, %v)", resp, err)
	}
	if hit, _ := resp.Metadata["cache_hit"].(bool); !hit {
		t.Fatal("second submission should be served from cache")
	}
	if resp.TaskID != id2 {
		t.Fatalf("cached response must carry the new task id, got %q", resp.TaskID)
	}
	if got := a.processed.Load(); got != 1 {
		t.Fatalf("adapter processed %d tasks, want 1 (cache must absorb the repeat)", got)
	}
}

func TestFailuresAreNotContentCached(t *testing.T) {
	a := newFakeAdapter("fake-1")
	a.panicMsg = "boom"
	c := startWith(t, 1, a)

	req := task.TaskRequest{TaskType: "generation", Content: "will fail"}
	id1, _ := c.Submit(req)
	resp, err := c.GetResult(id1, time.Second)
	if err != nil || resp == nil {
		t.Fatalf("first result: (%v, %v)", resp, err)
	}
	if !resp.Failed() || resp.ErrorClass() != task.ErrClassPanic {
		t.Fatalf("want panic failure sentinel, got %+v", resp)
	}

	// The fixed adapter must get a second chance at the same content.
	a.panicMsg = ""
	id2, _ := c.Submit(req)
	resp2, err := c.GetResult(id2, time.Second)
	if err != nil || resp2 == nil {
		t.Fatalf("second result: (%v, %v)", resp2, err)
	}
	if resp2.Failed() {
		t.Fatalf("retry should have reached the adapter, got %+v", resp2)
	}
	if hit, _ := resp2.Metadata["cache_hit"].(bool); hit {
		t.Fatal("failure must not be served from the content cache")
	}
}

func TestStrictPriorityCompletionOrder(t *testing.T) {
	a := newFakeAdapter("fake-1", "generation")
	a.gate = make(chan struct{})
	c := startWith(t, 1, a)

	// Occupy the single worker, then enqueue in LOW, CRITICAL, HIGH order.
	blockerID, err := c.Submit(task.TaskRequest{TaskType: "generation", Content: "blocker"})
	if err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	waitForInFlight(t, c, 1)

	lowID, _ := c.Submit(task.TaskRequest{TaskType: "generation", Content: "low", Priority: task.PriorityLow})
	critID, _ := c.Submit(task.TaskRequest{TaskType: "generation", Content: "crit", Priority: task.PriorityCritical})
	highID, _ := c.Submit(task.TaskRequest{TaskType: "generation", Content: "high", Priority: task.PriorityHigh})

	close(a.gate)

	for _, id := range []string{blockerID, lowID, critID, highID} {
		if resp, err := c.GetResult(id, 2*time.Second); err != nil || resp == nil {
			t.Fatalf("result %s: (%v, %v)", id, resp, err)
		}
	}

	order := a.completionOrder()
	want := []string{blockerID, critID, highID, lowID}
	if len(order) != len(want) {
		t.Fatalf("completed %d tasks, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("completion order %v, want blocker, critical, high, low", order)
		}
	}
}

func TestNoEligibleBackendFailsFast(t *testing.T) {
	c := startWith(t, 1, newFakeAdapter("fake-1", "generation"))

	id, err := c.Submit(task.TaskRequest{TaskType: "translation", Content: "bonjour"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	resp, err := c.GetResult(id, time.Second)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if resp == nil {
		t.Fatal("no-eligible-backend must produce a prompt failure response, not a hang")
	}
	if !resp.Failed() || resp.ErrorClass() != task.ErrClassNoBackend {
		t.Fatalf("want no_backend failure, got %+v", resp)
	}
	if c.queue.InFlightCount() != 0 {
		t.Fatal("task must be completed out of the in-flight registry")
	}
}

func TestWorkerSurvivesAdapterPanic(t *testing.T) {
	a := newFakeAdapter("fake-1")
	a.panicMsg = "kaboom"
	c := startWith(t, 1, a)

	id, _ := c.Submit(task.TaskRequest{TaskType: "generation", Content: "first"})
	resp, err := c.GetResult(id, time.Second)
	if err != nil || resp == nil || resp.ErrorClass() != task.ErrClassPanic {
		t.Fatalf("want panic failure, got (%+v, %v)", resp, err)
	}

	// Same worker must still be alive to run the next task.
	a.panicMsg = ""
	id2, _ := c.Submit(task.TaskRequest{TaskType: "generation", Content: "second"})
	resp2, err := c.GetResult(id2, time.Second)
	if err != nil || resp2 == nil || resp2.Failed() {
		t.Fatalf("worker did not survive the panic: (%+v, %v)", resp2, err)
	}
}

func TestSubmitAndWait(t *testing.T) {
	c := startWith(t, 2, newFakeAdapter("fake-1"))

	resp, err := c.SubmitAndWait(task.TaskRequest{TaskType: "generation", Content: "hi"}, time.Second)
	if err != nil {
		t.Fatalf("submit and wait: %v", err)
	}
	if resp == nil || resp.Failed() {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestBatchProcessPreservesOrder(t *testing.T) {
	c := startWith(t, 3, newFakeAdapter("fake-1"))

	reqs := []task.TaskRequest{
		{TaskType: "generation", Content: "one"},
		{TaskType: "generation", Content: "two"},
		{TaskType: "generation", Content: "three"},
	}
	out, err := c.BatchProcess(reqs)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("got %d results, want 3", len(out))
	}
	for i, resp := range out {
		if resp == nil {
			t.Fatalf("slot %d is nil", i)
		}
		if want := "processed: " + reqs[i].Content; resp.Output != want {
			t.Fatalf("slot %d: got %q, want %q (order must match submission)", i, resp.Output, want)
		}
	}
}

func TestSubmitQueueFullBackpressure(t *testing.T) {
	// One-slot queue, no workers: the second distinct submission must be
	// rejected, not silently queued.
	c := New(Config{ResultPollInterval: 2 * time.Millisecond}, WithQueue(queue.New(1)))
	t.Cleanup(func() { _ = c.Stop() })
	if err := c.RegisterAdapter(newFakeAdapter("fake-1")); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := c.Submit(task.TaskRequest{TaskType: "generation", Content: "a"}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := c.Submit(task.TaskRequest{TaskType: "generation", Content: "b"})
	if !errors.Is(err, queue.ErrFull) {
		t.Fatalf("got %v, want queue.ErrFull", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	c := newCoordinator(t)
	if _, err := c.Submit(task.TaskRequest{Content: "no type"}); err == nil {
		t.Fatal("missing task_type must be rejected")
	}
	if _, err := c.Submit(task.TaskRequest{TaskType: "generation", RequiredQuality: 1.5}); err == nil {
		t.Fatal("out-of-range required_quality must be rejected")
	}
}

func TestStatusSnapshot(t *testing.T) {
	c := startWith(t, 2, newFakeAdapter("fake-1"))

	id, _ := c.Submit(task.TaskRequest{TaskType: "generation", Content: "x"})
	if resp, err := c.GetResult(id, time.Second); err != nil || resp == nil {
		t.Fatalf("result: (%v, %v)", resp, err)
	}

	st := c.Status()
	if !st.Running || st.Workers != 2 {
		t.Fatalf("running=%v workers=%d, want running with 2 workers", st.Running, st.Workers)
	}
	if len(st.Backends) != 1 || st.Backends[0].ModelID != "fake-1" {
		t.Fatalf("unexpected backends: %+v", st.Backends)
	}
	if st.Backends[0].Metrics.TotalRequests != 1 {
		t.Fatalf("total requests = %d, want 1", st.Backends[0].Metrics.TotalRequests)
	}
	// Result + content region entries for the completed task.
	if st.CacheEntries != 2 {
		t.Fatalf("cache entries = %d, want 2", st.CacheEntries)
	}
}

func TestHealthCheckGrades(t *testing.T) {
	c := newCoordinator(t)
	if err := c.RegisterAdapter(newFakeAdapter("fake-1")); err != nil {
		t.Fatalf("register: %v", err)
	}

	if got := c.HealthCheck(context.Background()); got.Status != HealthUnhealthy {
		t.Fatalf("stopped pool: got %q, want unhealthy", got.Status)
	}

	if err := c.Start(1); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := c.HealthCheck(context.Background()); got.Status != HealthHealthy {
		t.Fatalf("running pool with healthy backend: got %q, want healthy", got.Status)
	}
	if got := c.HealthCheck(context.Background()); !got.Backends["fake-1"] {
		t.Fatal("backend probe should pass")
	}
}

func waitForInFlight(t *testing.T, c *Coordinator, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.queue.InFlightCount() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("in-flight count never reached %d", want)
}
