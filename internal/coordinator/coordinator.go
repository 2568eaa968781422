// Package coordinator owns the worker pool and glues the scheduler together:
// tasks come in through Submit, flow through the priority queue to a worker,
// get dispatched to the adapter the balancer picks, and land in the response
// cache where GetResult finds them. The coordinator is an explicitly
// constructed object with a Start/Stop lifecycle; nothing here is global.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modelmux/modelmux/internal/backend"
	"github.com/modelmux/modelmux/internal/backend/local"
	"github.com/modelmux/modelmux/internal/backend/remote"
	"github.com/modelmux/modelmux/internal/balancer"
	"github.com/modelmux/modelmux/internal/cache"
	"github.com/modelmux/modelmux/internal/circuitbreaker"
	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/queue"
	"github.com/modelmux/modelmux/internal/stats"
	"github.com/modelmux/modelmux/internal/store"
	"github.com/modelmux/modelmux/internal/task"
	"github.com/modelmux/modelmux/internal/tsdb"
	"github.com/modelmux/modelmux/internal/vault"
)

var (
	ErrAlreadyRunning = errors.New("coordinator already running")
	ErrNotRunning     = errors.New("coordinator not running")
)

// Cache key regions. Results are looked up by task ID; content keys dedupe
// identical work across task IDs.
const (
	resultPrefix  = "result:"
	contentPrefix = "content:"
)

// Config tunes the coordinator. Zero values fall back to the defaults below.
type Config struct {
	// DefaultWorkers is used when Start is called with workerCount 0.
	DefaultWorkers int

	// MaxWorkers caps the pool size.
	MaxWorkers int

	// DefaultTaskTimeout bounds adapter calls for tasks that do not carry
	// their own TimeoutMs.
	DefaultTaskTimeout time.Duration

	// ResultPollInterval is how often GetResult re-checks the cache.
	ResultPollInterval time.Duration

	// DefaultResultTimeout is the per-item wait budget in BatchProcess.
	DefaultResultTimeout time.Duration

	// ShutdownGrace bounds how long Stop waits for in-flight tasks.
	ShutdownGrace time.Duration

	// DegradedPendingThreshold: above this queue depth, HealthCheck
	// reports degraded even with every backend healthy.
	DegradedPendingThreshold int
}

func (c *Config) applyDefaults() {
	if c.DefaultWorkers <= 0 {
		c.DefaultWorkers = 3
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 32
	}
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = 30 * time.Second
	}
	if c.ResultPollInterval <= 0 {
		c.ResultPollInterval = 20 * time.Millisecond
	}
	if c.DefaultResultTimeout <= 0 {
		c.DefaultResultTimeout = 30 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.DegradedPendingThreshold <= 0 {
		c.DegradedPendingThreshold = 100
	}
}

// Coordinator routes tasks from submitters to backends through the priority
// queue and the load balancer.
type Coordinator struct {
	cfg      Config
	logger   *slog.Logger
	balancer *balancer.LoadBalancer
	queue    *queue.Queue
	cache    cache.Store
	vault    *vault.Vault

	// Observability sinks; each is optional and skipped when nil.
	metrics *metrics.Registry
	bus     *events.Bus
	stats   *stats.Collector
	tsdb    *tsdb.Store
	store   store.Store

	now func() time.Time

	mu      sync.Mutex
	running bool
	workers int
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithBalancer(lb *balancer.LoadBalancer) Option {
	return func(c *Coordinator) { c.balancer = lb }
}

func WithQueue(q *queue.Queue) Option {
	return func(c *Coordinator) { c.queue = q }
}

func WithCache(s cache.Store) Option {
	return func(c *Coordinator) { c.cache = s }
}

func WithVault(v *vault.Vault) Option {
	return func(c *Coordinator) { c.vault = v }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithEventBus(b *events.Bus) Option {
	return func(c *Coordinator) { c.bus = b }
}

func WithStats(s *stats.Collector) Option {
	return func(c *Coordinator) { c.stats = s }
}

func WithTSDB(t *tsdb.Store) Option {
	return func(c *Coordinator) { c.tsdb = t }
}

func WithStore(s store.Store) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithNowFunc replaces the clock, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New builds a Coordinator. Balancer, queue, and cache default to fresh
// in-memory instances when no option supplies them.
func New(cfg Config, opts ...Option) *Coordinator {
	cfg.applyDefaults()
	c := &Coordinator{
		cfg: cfg,
		now: time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	c.logger = c.logger.With(slog.String("component", "coordinator"))
	if c.balancer == nil {
		c.balancer = balancer.New()
	}
	if c.queue == nil {
		c.queue = queue.New(0)
	}
	if c.cache == nil {
		c.cache = cache.NewMemory(0, 0)
	}
	return c
}

// Balancer exposes the load balancer for the prober and the admin surface.
func (c *Coordinator) Balancer() *balancer.LoadBalancer { return c.balancer }

// InitializeModels validates every config, then builds and registers an
// adapter for each. Validation is all-or-nothing: one bad config fails the
// whole call before any adapter is constructed.
func (c *Coordinator) InitializeModels(configs []task.AdapterConfig) error {
	seen := make(map[string]struct{}, len(configs))
	for i, ac := range configs {
		if err := ac.Validate(); err != nil {
			return fmt.Errorf("backend config %d: %w", i, err)
		}
		if _, dup := seen[ac.ModelID]; dup {
			return fmt.Errorf("backend config %d: duplicate model_id %q", i, ac.ModelID)
		}
		if _, exists := c.balancer.Get(ac.ModelID); exists {
			return fmt.Errorf("backend config %d: %w: %s", i, balancer.ErrDuplicateModel, ac.ModelID)
		}
		seen[ac.ModelID] = struct{}{}
	}

	for i, ac := range configs {
		a, err := c.buildAdapter(ac)
		if err != nil {
			return fmt.Errorf("backend config %d: %w", i, err)
		}
		if err := c.RegisterAdapter(a); err != nil {
			return fmt.Errorf("backend config %d: %w", i, err)
		}
	}
	return nil
}

// buildAdapter constructs one adapter from its validated config.
func (c *Coordinator) buildAdapter(ac task.AdapterConfig) (backend.Adapter, error) {
	switch ac.Kind {
	case task.KindLocal:
		return local.New(ac.ModelID, ac.Capability, ac.MaxConcurrent), nil
	case task.KindRemote:
		token, err := c.resolveToken(ac)
		if err != nil {
			return nil, err
		}
		opts := []remote.Option{
			remote.WithBreaker(circuitbreaker.New()),
		}
		if ac.TimeoutMs > 0 {
			opts = append(opts, remote.WithTimeout(time.Duration(ac.TimeoutMs)*time.Millisecond))
		}
		return remote.New(ac.ModelID, ac.Endpoint, token, ac.Capability, ac.MaxConcurrent, opts...), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", ac.Kind)
	}
}

// resolveToken turns the configured auth token into a usable credential:
// env indirection first, then vault references, then the literal value.
func (c *Coordinator) resolveToken(ac task.AdapterConfig) (string, error) {
	if ac.AuthTokenEnv != "" {
		return os.Getenv(ac.AuthTokenEnv), nil
	}
	if name, ok := ac.IsVaultRef(); ok {
		if c.vault == nil {
			return "", fmt.Errorf("backend %q references vault entry %q but no vault is configured", ac.ModelID, name)
		}
		tok, err := c.vault.Get(name)
		if err != nil {
			return "", fmt.Errorf("backend %q vault entry %q: %w", ac.ModelID, name, err)
		}
		return tok, nil
	}
	return ac.AuthToken, nil
}

// RegisterAdapter adds an adapter to the selection pool at runtime.
func (c *Coordinator) RegisterAdapter(a backend.Adapter) error {
	if err := c.balancer.Register(a); err != nil {
		return err
	}
	c.logger.Info("backend registered",
		slog.String("model", a.ModelID()),
		slog.String("type", string(a.Capabilities().ModelType)),
	)
	c.publish(events.Event{Type: events.EventBackendRegistered, ModelID: a.ModelID()})
	if c.metrics != nil {
		c.metrics.BackendUp.WithLabelValues(a.ModelID()).Set(1)
	}
	return nil
}

// UnregisterAdapter removes an adapter and drops its metrics.
func (c *Coordinator) UnregisterAdapter(modelID string) error {
	if err := c.balancer.Unregister(modelID); err != nil {
		return err
	}
	c.logger.Info("backend unregistered", slog.String("model", modelID))
	c.publish(events.Event{Type: events.EventBackendUnregistered, ModelID: modelID})
	if c.metrics != nil {
		c.metrics.BackendUp.WithLabelValues(modelID).Set(0)
	}
	return nil
}

// Start spawns the worker pool. workerCount 0 uses the configured default;
// counts above MaxWorkers are clamped.
func (c *Coordinator) Start(workerCount int) error {
	if workerCount <= 0 {
		workerCount = c.cfg.DefaultWorkers
	}
	if workerCount > c.cfg.MaxWorkers {
		workerCount = c.cfg.MaxWorkers
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true
	c.workers = workerCount
	for i := 0; i < workerCount; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}

	c.logger.Info("scheduler started", slog.Int("workers", workerCount))
	c.publish(events.Event{Type: events.EventSchedulerStarted})
	return nil
}

// Stop closes the queue, cancels the workers, and waits for in-flight tasks
// up to ShutdownGrace. Stopping a stopped coordinator is a no-op.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	c.queue.Close()
	cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.cfg.ShutdownGrace):
		c.logger.Warn("shutdown grace expired with workers still busy")
	}

	if c.tsdb != nil {
		c.tsdb.Flush()
	}
	c.logger.Info("scheduler stopped")
	c.publish(events.Event{Type: events.EventSchedulerStopped})
	return nil
}

// Running reports whether the worker pool is up.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Submit accepts a task: on a content-cache hit the cached response is
// republished under the new task ID without touching the queue; otherwise
// the task is enqueued. Returns the task ID either way. A full queue
// surfaces queue.ErrFull so callers can apply backpressure.
func (c *Coordinator) Submit(req task.TaskRequest) (string, error) {
	if err := req.Validate(); err != nil {
		c.reject("invalid")
		return "", err
	}
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	if !req.Priority.Valid() {
		req.Priority = task.PriorityMedium
	}
	req.SubmittedAt = c.now()

	ctx := context.Background()
	contentKey := contentPrefix + cache.Key(req.TaskType, req.Content)
	if cached, ok, err := c.cache.Get(ctx, contentKey); err == nil && ok {
		resp := cloneForTask(cached, req.TaskID)
		if err := c.cache.Set(ctx, resultPrefix+req.TaskID, resp); err != nil {
			c.logger.Warn("result cache write failed", slog.String("task", req.TaskID), slog.Any("error", err))
		}
		if c.metrics != nil {
			c.metrics.CacheHits.WithLabelValues("content").Inc()
		}
		c.publish(events.Event{
			Type:     events.EventCacheHit,
			TaskID:   req.TaskID,
			TaskType: req.TaskType,
			ModelID:  resp.ModelID,
		})
		c.logger.Debug("cache hit", slog.String("task", req.TaskID), slog.String("task_type", req.TaskType))
		return req.TaskID, nil
	}
	if c.metrics != nil {
		c.metrics.CacheMisses.WithLabelValues("content").Inc()
	}

	if err := c.queue.Enqueue(req); err != nil {
		if errors.Is(err, queue.ErrFull) {
			c.reject("queue_full")
			c.publish(events.Event{
				Type:     events.EventTaskRejected,
				TaskID:   req.TaskID,
				TaskType: req.TaskType,
				Priority: req.Priority.String(),
				Reason:   "queue_full",
			})
		}
		return "", err
	}

	if c.metrics != nil {
		c.metrics.TasksSubmitted.WithLabelValues(req.TaskType, req.Priority.String()).Inc()
	}
	c.publish(events.Event{
		Type:     events.EventTaskSubmitted,
		TaskID:   req.TaskID,
		TaskType: req.TaskType,
		Priority: req.Priority.String(),
	})
	c.observeQueueGauges()
	return req.TaskID, nil
}

// GetResult polls the result cache until the response appears or timeout
// elapses. Timeout is (nil, nil): not ready is not an error.
func (c *Coordinator) GetResult(taskID string, timeout time.Duration) (*task.ModelResponse, error) {
	ctx := context.Background()
	deadline := c.now().Add(timeout)
	key := resultPrefix + taskID

	for {
		resp, ok, err := c.cache.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return &resp, nil
		}
		remaining := deadline.Sub(c.now())
		if remaining <= 0 {
			return nil, nil
		}
		wait := c.cfg.ResultPollInterval
		if wait > remaining {
			wait = remaining
		}
		time.Sleep(wait)
	}
}

// SubmitAndWait submits and blocks for the result with GetResult semantics.
func (c *Coordinator) SubmitAndWait(req task.TaskRequest, timeout time.Duration) (*task.ModelResponse, error) {
	taskID, err := c.Submit(req)
	if err != nil {
		return nil, err
	}
	return c.GetResult(taskID, timeout)
}

// BatchProcess submits every request first, then collects results in
// submission order with the default per-item wait budget. Slots are nil for
// requests that failed to submit or timed out; a slow early task never keeps
// later tasks from being processed, only from being reported sooner.
func (c *Coordinator) BatchProcess(reqs []task.TaskRequest) ([]*task.ModelResponse, error) {
	ids := make([]string, len(reqs))
	for i, req := range reqs {
		id, err := c.Submit(req)
		if err != nil {
			c.logger.Warn("batch submit failed",
				slog.Int("index", i),
				slog.Any("error", err),
			)
			continue
		}
		ids[i] = id
	}

	out := make([]*task.ModelResponse, len(reqs))
	for i, id := range ids {
		if id == "" {
			continue
		}
		resp, err := c.GetResult(id, c.cfg.DefaultResultTimeout)
		if err != nil {
			return out, err
		}
		out[i] = resp
	}
	return out, nil
}

// worker is one pool loop: dequeue, dispatch, record, complete. A fault on
// one task is logged and the loop continues; only queue closure or context
// cancellation ends it.
func (c *Coordinator) worker(ctx context.Context, id int) {
	defer c.wg.Done()
	logger := c.logger.With(slog.Int("worker", id))

	for {
		req, err := c.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("dequeue failed", slog.Any("error", err))
			continue
		}

		resp := c.dispatch(ctx, req)
		c.finish(ctx, req, resp, logger)
	}
}

// dispatch selects a backend and runs the task against it. Every outcome,
// including no eligible backend and a panicking adapter, is a ModelResponse.
func (c *Coordinator) dispatch(ctx context.Context, req task.TaskRequest) task.ModelResponse {
	a, err := c.balancer.Select(req)
	if err != nil {
		// The selected-nothing case is a first-class failure the caller
		// sees, never a silent drop.
		return task.Failure(req.TaskID, "", task.ErrClassNoBackend, err)
	}
	defer a.Release()

	taskCtx, cancel := context.WithTimeout(ctx, c.effectiveTimeout(req))
	defer cancel()
	return c.safeProcess(taskCtx, a, req)
}

// safeProcess guards the adapter boundary: a panic inside Process becomes
// the standard failure response instead of killing the worker.
func (c *Coordinator) safeProcess(ctx context.Context, a backend.Adapter, req task.TaskRequest) (resp task.ModelResponse) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("adapter panic",
				slog.String("model", a.ModelID()),
				slog.String("task", req.TaskID),
				slog.Any("panic", r),
			)
			resp = task.Failure(req.TaskID, a.ModelID(), task.ErrClassPanic, fmt.Errorf("panic: %v", r))
		}
	}()
	return a.Process(ctx, req)
}

// finish records the outcome everywhere it needs to go and releases the
// in-flight entry.
func (c *Coordinator) finish(ctx context.Context, req task.TaskRequest, resp task.ModelResponse, logger *slog.Logger) {
	queueWaitMs := float64(c.now().Sub(req.SubmittedAt).Microseconds()) / 1000
	if queueWaitMs < 0 {
		queueWaitMs = 0
	}
	if resp.Metadata == nil {
		resp.Metadata = make(map[string]any)
	}
	resp.Metadata["queue_wait_ms"] = queueWaitMs
	if resp.CompletedAt.IsZero() {
		resp.CompletedAt = c.now().UTC()
	}

	if resp.ModelID != "" {
		c.balancer.RecordOutcome(resp.ModelID, resp)
	}

	// Results are always retrievable, failures included; only successes
	// enter the content region so a failed task can be retried.
	if err := c.cache.Set(ctx, resultPrefix+req.TaskID, resp); err != nil {
		logger.Warn("result cache write failed", slog.String("task", req.TaskID), slog.Any("error", err))
	}
	if !resp.Failed() {
		if err := c.cache.Set(ctx, contentPrefix+cache.Key(req.TaskType, req.Content), resp); err != nil {
			logger.Warn("content cache write failed", slog.String("task", req.TaskID), slog.Any("error", err))
		}
	}

	c.queue.Complete(req.TaskID)
	c.observe(ctx, req, resp, queueWaitMs, logger)
}

// observe fans the completed task out to every configured sink.
func (c *Coordinator) observe(ctx context.Context, req task.TaskRequest, resp task.ModelResponse, queueWaitMs float64, logger *slog.Logger) {
	failed := resp.Failed()

	if failed {
		logger.Warn("task failed",
			slog.String("task", req.TaskID),
			slog.String("task_type", req.TaskType),
			slog.String("model", resp.ModelID),
			slog.String("error_class", string(resp.ErrorClass())),
			slog.String("error", resp.ErrorDetail()),
		)
	} else {
		logger.Info("task completed",
			slog.String("task", req.TaskID),
			slog.String("task_type", req.TaskType),
			slog.String("model", resp.ModelID),
			slog.Float64("latency_ms", resp.ProcessingMs),
			slog.Float64("cost_usd", resp.CostUSD),
		)
	}

	if c.metrics != nil {
		if failed {
			c.metrics.TasksFailed.WithLabelValues(resp.ModelID, string(resp.ErrorClass())).Inc()
		} else {
			c.metrics.TasksCompleted.WithLabelValues(req.TaskType, resp.ModelID).Inc()
			c.metrics.CostUSD.WithLabelValues(resp.ModelID).Add(resp.CostUSD)
		}
		c.metrics.TaskLatency.WithLabelValues(req.TaskType, resp.ModelID).Observe(resp.ProcessingMs)
		c.observeQueueGauges()
	}

	evt := events.Event{
		Type:       events.EventTaskCompleted,
		TaskID:     req.TaskID,
		TaskType:   req.TaskType,
		Priority:   req.Priority.String(),
		ModelID:    resp.ModelID,
		LatencyMs:  resp.ProcessingMs,
		CostUSD:    resp.CostUSD,
		Confidence: resp.Confidence,
	}
	if failed {
		evt.Type = events.EventTaskFailed
		evt.ErrorClass = string(resp.ErrorClass())
		evt.ErrorMsg = resp.ErrorDetail()
	}
	c.publish(evt)

	if c.stats != nil {
		c.stats.Record(stats.Snapshot{
			Timestamp:   resp.CompletedAt,
			ModelID:     resp.ModelID,
			TaskType:    req.TaskType,
			Priority:    req.Priority.String(),
			LatencyMs:   resp.ProcessingMs,
			QueueWaitMs: queueWaitMs,
			CostUSD:     resp.CostUSD,
			Success:     !failed,
			TokensUsed:  resp.TokensUsed,
			Confidence:  resp.Confidence,
		})
	}

	if c.tsdb != nil {
		now := resp.CompletedAt
		c.tsdb.Write(tsdb.Point{Timestamp: now, Metric: tsdb.MetricLatencyMs, ModelID: resp.ModelID, Label: req.TaskType, Value: resp.ProcessingMs})
		c.tsdb.Write(tsdb.Point{Timestamp: now, Metric: tsdb.MetricCostUSD, ModelID: resp.ModelID, Label: req.TaskType, Value: resp.CostUSD})
		c.tsdb.Write(tsdb.Point{Timestamp: now, Metric: tsdb.MetricConfidence, ModelID: resp.ModelID, Label: req.TaskType, Value: resp.Confidence})
		for lane, depth := range c.queue.Depths() {
			c.tsdb.Write(tsdb.Point{Timestamp: now, Metric: tsdb.MetricQueueDepth, Label: lane, Value: float64(depth)})
		}
	}

	if c.store != nil {
		cacheHit, _ := resp.Metadata["cache_hit"].(bool)
		if err := c.store.LogTask(ctx, store.TaskLog{
			Timestamp:   resp.CompletedAt,
			TaskID:      req.TaskID,
			TaskType:    req.TaskType,
			Priority:    req.Priority.String(),
			ModelID:     resp.ModelID,
			LatencyMs:   int64(resp.ProcessingMs),
			QueueWaitMs: int64(queueWaitMs),
			TokensUsed:  resp.TokensUsed,
			CostUSD:     resp.CostUSD,
			Confidence:  resp.Confidence,
			Success:     !failed,
			ErrorClass:  string(resp.ErrorClass()),
			CacheHit:    cacheHit,
		}); err != nil {
			logger.Warn("task log write failed", slog.String("task", req.TaskID), slog.Any("error", err))
		}
	}
}

// StatusReport is the aggregated scheduler snapshot.
type StatusReport struct {
	Running      bool                     `json:"running"`
	Workers      int                      `json:"workers"`
	QueueDepths  map[string]int           `json:"queue_depths"`
	Pending      int                      `json:"pending"`
	InFlight     int                      `json:"in_flight"`
	CacheEntries int                      `json:"cache_entries"`
	Backends     []balancer.BackendStatus `json:"backends"`
}

// Status reports queue depths, in-flight count, cache size, and per-backend
// metrics in one snapshot.
func (c *Coordinator) Status() StatusReport {
	c.mu.Lock()
	running, workers := c.running, c.workers
	c.mu.Unlock()

	entries, err := c.cache.Len(context.Background())
	if err != nil {
		entries = -1
	}
	return StatusReport{
		Running:      running,
		Workers:      workers,
		QueueDepths:  c.queue.Depths(),
		Pending:      c.queue.Pending(),
		InFlight:     c.queue.InFlightCount(),
		CacheEntries: entries,
		Backends:     c.balancer.Snapshot(),
	}
}

// Health grades for HealthCheck.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// HealthReport is the aggregated health view.
type HealthReport struct {
	Status   string          `json:"status"`
	Running  bool            `json:"running"`
	Pending  int             `json:"pending"`
	Backends map[string]bool `json:"backends"`
}

// HealthCheck probes every registered backend. Unhealthy when the pool is
// not running; degraded when any backend fails its probe or the pending
// queue depth exceeds the configured threshold.
func (c *Coordinator) HealthCheck(ctx context.Context) HealthReport {
	report := HealthReport{
		Running:  c.Running(),
		Pending:  c.queue.Pending(),
		Backends: make(map[string]bool),
	}

	allHealthy := true
	for _, a := range c.balancer.Adapters() {
		ok := a.HealthCheck(ctx)
		report.Backends[a.ModelID()] = ok
		if !ok {
			allHealthy = false
		}
	}

	switch {
	case !report.Running:
		report.Status = HealthUnhealthy
	case !allHealthy || report.Pending > c.cfg.DegradedPendingThreshold:
		report.Status = HealthDegraded
	default:
		report.Status = HealthHealthy
	}
	return report
}

// effectiveTimeout picks the per-task deadline: the request's own TimeoutMs
// when set, else the scheduler default.
func (c *Coordinator) effectiveTimeout(req task.TaskRequest) time.Duration {
	if req.TimeoutMs > 0 {
		return time.Duration(req.TimeoutMs) * time.Millisecond
	}
	return c.cfg.DefaultTaskTimeout
}

func (c *Coordinator) publish(e events.Event) {
	if c.bus == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = c.now().UTC()
	}
	c.bus.Publish(e)
}

func (c *Coordinator) reject(reason string) {
	if c.metrics != nil {
		c.metrics.TasksRejected.WithLabelValues(reason).Inc()
	}
}

func (c *Coordinator) observeQueueGauges() {
	if c.metrics == nil {
		return
	}
	for lane, depth := range c.queue.Depths() {
		c.metrics.QueueDepth.WithLabelValues(lane).Set(float64(depth))
	}
	c.metrics.InFlight.Set(float64(c.queue.InFlightCount()))
}

// cloneForTask rebinds a cached response to a new task ID and marks it as a
// cache hit without mutating the cached copy's metadata map.
func cloneForTask(cached task.ModelResponse, taskID string) task.ModelResponse {
	resp := cached
	resp.TaskID = taskID
	md := make(map[string]any, len(cached.Metadata)+1)
	for k, v := range cached.Metadata {
		md[k] = v
	}
	md["cache_hit"] = true
	resp.Metadata = md
	return resp
}
