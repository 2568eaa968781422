// Package remote implements the HTTP backend adapter. The wire contract is
// owned by the configured backend: POST {endpoint}/v1/process with a JSON
// task envelope, JSON result back. Every failure mode (connection, status,
// decode, deadline) maps to the zero-confidence failure response.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/modelmux/modelmux/internal/backend"
	"github.com/modelmux/modelmux/internal/circuitbreaker"
	"github.com/modelmux/modelmux/internal/task"
)

const processPath = "/v1/process"

// Adapter dispatches tasks to a remote model service over HTTP.
type Adapter struct {
	*backend.Slots
	modelID  string
	endpoint string
	token    string
	cap      task.ModelCapability
	client   *http.Client
	breaker  *circuitbreaker.Breaker
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout. A zero New timeout defaults
// to 30s.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		a.client.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client entirely (tests, custom
// transports).
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) {
		a.client = c
	}
}

// WithBreaker attaches a circuit breaker. When the breaker is open, Process
// fails fast without a network call.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(a *Adapter) {
		a.breaker = b
	}
}

// New creates a remote adapter for one backend endpoint.
func New(modelID, endpoint, token string, capability task.ModelCapability, maxConcurrent int, opts ...Option) *Adapter {
	a := &Adapter{
		Slots:    backend.NewSlots(maxConcurrent),
		modelID:  modelID,
		endpoint: endpoint,
		token:    token,
		cap:      capability,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) ModelID() string { return a.modelID }

func (a *Adapter) Capabilities() task.ModelCapability { return a.cap }

// Breaker exposes the attached circuit breaker for status reporting; nil
// when none is attached.
func (a *Adapter) Breaker() *circuitbreaker.Breaker { return a.breaker }

// processPayload is the envelope sent to the backend.
type processPayload struct {
	Model     string         `json:"model"`
	TaskType  string         `json:"task_type"`
	Input     string         `json:"input"`
	MaxTokens int            `json:"max_tokens,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// processResult is what the backend answers with. TokensUsed and Confidence
// are optional; absent values fall back to an estimate and the advertised
// quality score.
type processResult struct {
	Output     string   `json:"output"`
	TokensUsed int      `json:"tokens_used"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Process sends the task to the backend and translates the outcome into a
// ModelResponse. It never returns an error.
func (a *Adapter) Process(ctx context.Context, req task.TaskRequest) task.ModelResponse {
	start := time.Now()

	if a.breaker != nil && !a.breaker.Allow() {
		resp := task.Failure(req.TaskID, a.modelID, task.ErrClassCircuitOpen,
			fmt.Errorf("circuit open for backend %s", a.modelID))
		resp.ProcessingMs = msSince(start)
		return resp
	}

	payload := processPayload{
		Model:     a.modelID,
		TaskType:  req.TaskType,
		Input:     req.Content,
		MaxTokens: req.MaxTokens,
		Context:   req.Context,
	}

	body, err := backend.DoRequest(ctx, a.client, a.endpoint+processPath, payload, a.headers(req))
	if err != nil {
		return a.failure(req, start, err)
	}

	var out processResult
	if err := json.Unmarshal(body, &out); err != nil {
		return a.failure(req, start, fmt.Errorf("decode backend response: %w", err))
	}

	if a.breaker != nil {
		a.breaker.RecordSuccess()
	}

	tokens := out.TokensUsed
	estimated := false
	if tokens <= 0 {
		tokens = backend.EstimateTokens(req.Content) + backend.EstimateTokens(out.Output)
		estimated = true
	}
	confidence := a.cap.QualityScore
	if out.Confidence != nil {
		confidence = *out.Confidence
	}

	resp := task.ModelResponse{
		TaskID:       req.TaskID,
		ModelID:      a.modelID,
		Output:       out.Output,
		Confidence:   confidence,
		ProcessingMs: msSince(start),
		TokensUsed:   tokens,
		CostUSD:      float64(tokens) / 1000 * a.cap.CostPer1K,
		CompletedAt:  time.Now().UTC(),
	}
	if estimated {
		resp.Metadata = map[string]any{"tokens_estimated": true}
	}
	return resp
}

// failure classifies an error, feeds the breaker, and builds the standard
// failure response. Caller cancellation does not count against the breaker.
func (a *Adapter) failure(req task.TaskRequest, start time.Time, err error) task.ModelResponse {
	class := task.ErrClassBackend
	var se *backend.StatusError
	var ne net.Error

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		class = task.ErrClassTimeout
	case errors.Is(err, context.Canceled):
		class = task.ErrClassCanceled
	case errors.As(err, &se):
		class = task.ErrClassBackend
	case errors.As(err, &ne) && ne.Timeout():
		class = task.ErrClassTimeout
	}

	if a.breaker != nil && class != task.ErrClassCanceled {
		a.breaker.RecordFailure()
	}

	resp := task.Failure(req.TaskID, a.modelID, class, err)
	resp.ProcessingMs = msSince(start)
	if se != nil {
		resp.Metadata["status_code"] = se.StatusCode
		if se.RetryAfterSecs > 0 {
			resp.Metadata["retry_after_secs"] = se.RetryAfterSecs
		}
	}
	return resp
}

func (a *Adapter) headers(req task.TaskRequest) map[string]string {
	h := map[string]string{"X-Task-ID": req.TaskID}
	if a.token != "" {
		h["Authorization"] = "Bearer " + a.token
	}
	return h
}

// HealthCheck probes {endpoint}/healthz. Anything below 500 counts as alive:
// a 404 just means the backend does not expose a health route.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", a.endpoint+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode < 500
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
