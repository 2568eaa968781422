// Package local implements the in-process backend adapter. It answers tasks
// with deterministic text heuristics instead of a network call, which makes
// it the zero-dependency fallback backend and the fast lane for cheap task
// types.
package local

import (
	"context"
	"fmt"
	"time"

	"github.com/modelmux/modelmux/internal/backend"
	"github.com/modelmux/modelmux/internal/task"
)

// Task types the heuristics understand. Anything else falls through to the
// generation template.
const (
	TaskSummarization  = "summarization"
	TaskClassification = "classification"
	TaskSentiment      = "sentiment"
	TaskKeywords       = "keywords"
	TaskGeneration     = "generation"
)

// SupportedTasks lists what the heuristic engine can answer, in the order
// used for the default capability.
func SupportedTasks() []string {
	return []string{TaskSummarization, TaskClassification, TaskSentiment, TaskKeywords, TaskGeneration}
}

// Adapter processes tasks with pure string heuristics.
type Adapter struct {
	*backend.Slots
	modelID string
	cap     task.ModelCapability
	delay   time.Duration
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithDelay makes Process sleep before answering, to model a slower engine.
// The sleep honors context cancellation.
func WithDelay(d time.Duration) Option {
	return func(a *Adapter) {
		a.delay = d
	}
}

// New creates a local adapter.
func New(modelID string, capability task.ModelCapability, maxConcurrent int, opts ...Option) *Adapter {
	a := &Adapter{
		Slots:   backend.NewSlots(maxConcurrent),
		modelID: modelID,
		cap:     capability,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// DefaultCapability is the profile the app registers when no backends are
// configured: cheap, quick, modest quality.
func DefaultCapability() task.ModelCapability {
	return task.ModelCapability{
		ModelType:      task.ModelSLM,
		SupportedTasks: SupportedTasks(),
		MaxTokens:      2048,
		BaseLatencyMs:  20,
		CostPer1K:      0,
		QualityScore:   0.55,
		Availability:   1,
	}
}

func (a *Adapter) ModelID() string { return a.modelID }

func (a *Adapter) Capabilities() task.ModelCapability { return a.cap }

// HealthCheck always passes; there is nothing remote to probe.
func (a *Adapter) HealthCheck(ctx context.Context) bool { return true }

// Process runs the heuristic for the task type. The only failure mode is
// context cancellation during the optional delay.
func (a *Adapter) Process(ctx context.Context, req task.TaskRequest) task.ModelResponse {
	start := time.Now()

	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			class := task.ErrClassCanceled
			if ctx.Err() == context.DeadlineExceeded {
				class = task.ErrClassTimeout
			}
			resp := task.Failure(req.TaskID, a.modelID, class, ctx.Err())
			resp.ProcessingMs = msSince(start)
			return resp
		}
	}

	var output string
	switch req.TaskType {
	case TaskSummarization:
		output = summarize(req.Content)
	case TaskClassification:
		output = classify(req.Content)
	case TaskSentiment:
		output = sentiment(req.Content)
	case TaskKeywords:
		output = keywords(req.Content, 5)
	default:
		output = generate(req.Content)
	}
	output = truncateToTokens(output, req.MaxTokens)

	tokens := backend.EstimateTokens(req.Content) + backend.EstimateTokens(output)
	return task.ModelResponse{
		TaskID:       req.TaskID,
		ModelID:      a.modelID,
		Output:       output,
		Confidence:   confidenceFor(req.Content, output),
		ProcessingMs: msSince(start),
		TokensUsed:   tokens,
		CostUSD:      float64(tokens) / 1000 * a.cap.CostPer1K,
		CompletedAt:  time.Now().UTC(),
	}
}

// confidenceFor is a length-based heuristic: more input context means a more
// trustworthy heuristic answer. Clamped to [0.35, 0.95] so a success can
// never collide with the zero-confidence failure sentinel.
func confidenceFor(input, output string) float64 {
	if output == "" {
		return 0.35
	}
	c := 0.5 + float64(len(input))/2000
	if c > 0.95 {
		c = 0.95
	}
	return c
}

// truncateToTokens cuts output to roughly maxTokens worth of characters.
func truncateToTokens(s string, maxTokens int) string {
	if maxTokens <= 0 {
		return s
	}
	maxChars := maxTokens * 4
	if len(s) <= maxChars {
		return s
	}
	return s[:maxChars]
}

func generate(content string) string {
	if content == "" {
		return "(empty request)"
	}
	return fmt.Sprintf("Processed request (%d chars): %s", len(content), summarize(content))
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
